package account

import (
	"context"
	"time"
)

// Store describes persistence operations required by the account
// subsystem. Failed-attempt accounting is pushed into the store so the
// increment-and-compare happens in a single statement; the application
// never read-modify-writes the counter.
type Store interface {
	Create(ctx context.Context, acct *AdminAccount) error
	Find(ctx context.Context, id string) (*AdminAccount, error)
	FindByLoginID(ctx context.Context, loginID string) (*AdminAccount, error)
	List(ctx context.Context) ([]*AdminAccount, error)

	// RecordFailure atomically increments login_attempts and, when the
	// post-increment count reaches maxAttempts (and maxAttempts > 0),
	// sets locked_until = lockUntil in the same statement. It returns the
	// post-increment state.
	RecordFailure(ctx context.Context, id string, maxAttempts int, lockUntil time.Time) (attempts int, lockedUntil *time.Time, err error)

	// RecordSuccess resets login_attempts, clears any lock, and stamps
	// last_login_at / last_login_ip.
	RecordSuccess(ctx context.Context, id, ip string, at time.Time) error

	// ClearLock zeroes login_attempts and locked_until. Used both for
	// lazy lock expiry and manual administrator unlock.
	ClearLock(ctx context.Context, id string) error

	// UpdatePassword stores the new hash and shifts the old current hash
	// into previous_password_hash.
	UpdatePassword(ctx context.Context, id, newHash, previousHash string) error

	SetActive(ctx context.Context, id string, active bool) error
}
