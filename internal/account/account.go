package account

import (
	"errors"
	"fmt"
	"time"
)

// Admin roles.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// RemainingUnlimited is the remaining-attempts sentinel reported when
// lockout is disabled (max attempts configured to 0).
const RemainingUnlimited = -1

var (
	// ErrInvalidCredentials is deliberately generic: callers must not be
	// able to tell a missing account from a wrong password.
	ErrInvalidCredentials = errors.New("account: incorrect credentials")

	ErrAccountInactive = errors.New("account: account is deactivated")
	ErrIPNotAllowed    = errors.New("account: ip address not allowed")
	ErrNotFound        = errors.New("account: not found")
	ErrAlreadyExists   = errors.New("account: login id already exists")
)

// LockedError reports a login attempt against a locked account.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account: locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// PolicyError carries every password-policy violation found.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("account: password policy violations: %v", e.Violations)
}

// AdminAccount is the persistent administrator entity. Accounts are
// never deleted, only soft-deactivated.
type AdminAccount struct {
	ID                   string
	LoginID              string
	Name                 string
	Role                 string
	GroupID              string
	GroupRole            string
	PasswordHash         string
	PreviousPasswordHash string // most recent prior hash, for reuse rejection
	LoginAttempts        int
	LockedUntil          *time.Time
	IsActive             bool
	LastLoginAt          *time.Time
	LastLoginIP          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Locked reports whether the account is locked as of now, honoring lazy
// expiry: a locked_until in the past means unlocked.
func (a *AdminAccount) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}
