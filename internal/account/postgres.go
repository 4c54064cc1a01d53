package account

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"botdeck.io/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const accountColumns = `id, login_id, name, role, group_id, group_role,
	password_hash, previous_password_hash, login_attempts, locked_until,
	is_active, last_login_at, last_login_ip, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, acct *AdminAccount) error {
	if acct.ID == "" {
		acct.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into admin_accounts(id, login_id, name, role, group_id, group_role, password_hash, is_active)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		acct.ID, acct.LoginID, acct.Name, acct.Role, acct.GroupID, acct.GroupRole,
		acct.PasswordHash, acct.IsActive,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*AdminAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *PGStore) FindByLoginID(ctx context.Context, loginID string) (*AdminAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_accounts where login_id=$1`, loginID)
	return scanAccount(row)
}

func (s *PGStore) List(ctx context.Context) ([]*AdminAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+accountColumns+` from admin_accounts order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*AdminAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, acct)
	}
	return res, rows.Err()
}

func (s *PGStore) RecordFailure(ctx context.Context, id string, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	// Single-statement increment-and-compare: concurrent failures each
	// observe their own post-increment count and exactly one of them
	// crosses the threshold.
	row := s.db.QueryRowContext(ctx,
		`update admin_accounts
		    set login_attempts = login_attempts + 1,
		        locked_until = case
		          when $2 > 0 and login_attempts + 1 >= $2 then $3
		          else locked_until
		        end,
		        updated_at = now()
		  where id = $1
		  returning login_attempts, locked_until`,
		id, maxAttempts, lockUntil,
	)
	var (
		attempts    int
		lockedUntil sql.NullTime
	)
	if err := row.Scan(&attempts, &lockedUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		return attempts, &t, nil
	}
	return attempts, nil, nil
}

func (s *PGStore) RecordSuccess(ctx context.Context, id, ip string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update admin_accounts
		    set login_attempts = 0,
		        locked_until = null,
		        last_login_at = $2,
		        last_login_ip = $3,
		        updated_at = now()
		  where id = $1`,
		id, at, ip,
	)
	return err
}

func (s *PGStore) ClearLock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update admin_accounts
		    set login_attempts = 0,
		        locked_until = null,
		        updated_at = now()
		  where id = $1`,
		id,
	)
	return err
}

func (s *PGStore) UpdatePassword(ctx context.Context, id, newHash, previousHash string) error {
	_, err := s.db.ExecContext(ctx,
		`update admin_accounts
		    set password_hash = $2,
		        previous_password_hash = $3,
		        updated_at = now()
		  where id = $1`,
		id, newHash, previousHash,
	)
	return err
}

func (s *PGStore) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`update admin_accounts set is_active = $2, updated_at = now() where id = $1`,
		id, active,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*AdminAccount, error) {
	var (
		acct        AdminAccount
		groupID     sql.NullString
		groupRole   sql.NullString
		prevHash    sql.NullString
		lockedUntil sql.NullTime
		lastLoginAt sql.NullTime
		lastLoginIP sql.NullString
	)
	err := row.Scan(
		&acct.ID, &acct.LoginID, &acct.Name, &acct.Role, &groupID, &groupRole,
		&acct.PasswordHash, &prevHash, &acct.LoginAttempts, &lockedUntil,
		&acct.IsActive, &lastLoginAt, &lastLoginIP, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	acct.GroupID = groupID.String
	acct.GroupRole = groupRole.String
	acct.PreviousPasswordHash = prevHash.String
	acct.LastLoginIP = lastLoginIP.String
	if lockedUntil.Valid {
		t := lockedUntil.Time
		acct.LockedUntil = &t
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		acct.LastLoginAt = &t
	}
	return &acct, nil
}
