package account

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"botdeck.io/internal/audit"
	"botdeck.io/internal/obs"
	"botdeck.io/internal/password"
)

const (
	defaultMaxAttempts = 5
	defaultLockoutFor  = 30 * time.Minute
)

// LoginResult is returned from Login for both outcomes: on failure it
// still carries the remaining-attempts counter and lock expiry the
// portal surfaces to the client.
type LoginResult struct {
	Account           *AdminAccount
	RemainingAttempts int
	LockedUntil       *time.Time
}

// Service drives the per-account lockout state machine and password
// lifecycle, and writes every decision to the audit trail.
type Service struct {
	store       Store
	trail       *audit.Trail
	maxAttempts int
	lockoutFor  time.Duration
	allow       []*net.IPNet
	now         func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithMaxAttempts sets the failed-attempt threshold. Zero disables
// lockout entirely.
func WithMaxAttempts(n int) Option {
	return func(s *Service) error {
		if n < 0 {
			return errors.New("account: max attempts must not be negative")
		}
		s.maxAttempts = n
		return nil
	}
}

// WithLockoutDuration sets how long a lock lasts.
func WithLockoutDuration(d time.Duration) Option {
	return func(s *Service) error {
		if d > 0 {
			s.lockoutFor = d
		}
		return nil
	}
}

// WithIPAllowList restricts admin login to the given CIDR blocks. An
// empty list means no restriction.
func WithIPAllowList(cidrs []string) Option {
	return func(s *Service) error {
		for _, c := range cidrs {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			_, block, err := net.ParseCIDR(c)
			if err != nil {
				return fmt.Errorf("account: invalid allow-list entry %q: %w", c, err)
			}
			s.allow = append(s.allow, block)
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the account service.
func NewService(store Store, trail *audit.Trail, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("account: store is required")
	}
	if trail == nil {
		return nil, errors.New("account: audit trail is required")
	}
	s := &Service{
		store:       store,
		trail:       trail,
		maxAttempts: defaultMaxAttempts,
		lockoutFor:  defaultLockoutFor,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Login evaluates one authentication attempt against the state machine.
func (s *Service) Login(ctx context.Context, loginID, plaintext string, meta audit.RequestMeta) (LoginResult, error) {
	loginID = strings.TrimSpace(loginID)
	actor := audit.Actor{Type: audit.ActorAdmin, LoginID: loginID}
	result := LoginResult{RemainingAttempts: s.remaining(0)}

	acct, err := s.store.FindByLoginID(ctx, loginID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.audit(ctx, audit.Failure(actor, audit.ActionLoginFailed, "admin_account", "", ErrInvalidCredentials), meta)
			obs.CountLogin("failed")
			return result, ErrInvalidCredentials
		}
		return result, err
	}
	actor.ID = acct.ID
	actor.Name = acct.Name
	actor.Role = acct.Role

	if !acct.IsActive {
		s.audit(ctx, audit.Failure(actor, audit.ActionLoginFailed, "admin_account", acct.ID, ErrAccountInactive), meta)
		obs.CountLogin("failed")
		return result, ErrAccountInactive
	}

	if !s.ipAllowed(meta.IP) {
		s.audit(ctx, audit.Failure(actor, audit.ActionLoginBlockedIP, "admin_account", acct.ID, ErrIPNotAllowed), meta)
		obs.CountLogin("blocked_ip")
		return result, ErrIPNotAllowed
	}

	now := s.now().UTC()
	if acct.LockedUntil != nil {
		if now.Before(*acct.LockedUntil) {
			// Still locked: report without touching the counter.
			lockErr := &LockedError{Until: *acct.LockedUntil}
			entry := audit.Failure(actor, audit.ActionLoginLocked, "admin_account", acct.ID, lockErr)
			entry.Metadata = map[string]any{"locked_until": acct.LockedUntil.UTC().Format(time.RFC3339)}
			s.audit(ctx, entry, meta)
			obs.CountLogin("locked")
			result.LockedUntil = acct.LockedUntil
			return result, lockErr
		}
		// Lock expired: lazy transition back to Active.
		if err := s.store.ClearLock(ctx, acct.ID); err != nil {
			return result, err
		}
		acct.LockedUntil = nil
		acct.LoginAttempts = 0
	}

	if err := password.Verify(acct.PasswordHash, plaintext); err != nil {
		attempts, lockedUntil, ferr := s.store.RecordFailure(ctx, acct.ID, s.maxAttempts, now.Add(s.lockoutFor))
		if ferr != nil {
			return result, ferr
		}
		result.RemainingAttempts = s.remaining(attempts)
		if lockedUntil != nil && now.Before(*lockedUntil) {
			lockErr := &LockedError{Until: *lockedUntil}
			entry := audit.Failure(actor, audit.ActionLoginLocked, "admin_account", acct.ID, lockErr)
			entry.Metadata = map[string]any{
				"attempts":     attempts,
				"locked_until": lockedUntil.UTC().Format(time.RFC3339),
			}
			s.audit(ctx, entry, meta)
			obs.CountLogin("locked")
			result.LockedUntil = lockedUntil
			return result, lockErr
		}
		entry := audit.Failure(actor, audit.ActionLoginFailed, "admin_account", acct.ID, ErrInvalidCredentials)
		entry.Metadata = map[string]any{"attempts": attempts, "remaining": result.RemainingAttempts}
		s.audit(ctx, entry, meta)
		obs.CountLogin("failed")
		return result, ErrInvalidCredentials
	}

	if err := s.store.RecordSuccess(ctx, acct.ID, meta.IP, now); err != nil {
		return result, err
	}
	acct.LoginAttempts = 0
	acct.LockedUntil = nil
	acct.LastLoginAt = &now
	acct.LastLoginIP = meta.IP

	entry := audit.Entry{
		Actor:      actor,
		Action:     audit.ActionLogin,
		EntityType: "admin_account",
		EntityID:   acct.ID,
		Success:    true,
	}
	s.audit(ctx, entry, meta)
	obs.CountLogin("ok")

	result.Account = acct
	result.RemainingAttempts = s.remaining(0)
	return result, nil
}

// ChangePassword enforces the password policy and single-generation
// reuse rule, then rotates current hash into previous_password_hash.
func (s *Service) ChangePassword(ctx context.Context, id, currentPassword, newPassword string, meta audit.RequestMeta) error {
	acct, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	actor := audit.Actor{Type: audit.ActorAdmin, ID: acct.ID, LoginID: acct.LoginID, Name: acct.Name, Role: acct.Role}

	if err := password.Verify(acct.PasswordHash, currentPassword); err != nil {
		s.audit(ctx, audit.Failure(actor, audit.ActionPasswordChange, "admin_account", acct.ID, ErrInvalidCredentials), meta)
		return ErrInvalidCredentials
	}
	if violations := password.Validate(newPassword); len(violations) > 0 {
		perr := &PolicyError{Violations: violationStrings(violations)}
		s.audit(ctx, audit.Failure(actor, audit.ActionPasswordChange, "admin_account", acct.ID, perr), meta)
		return perr
	}
	if err := password.CheckReuse(newPassword, acct.PasswordHash, acct.PreviousPasswordHash); err != nil {
		s.audit(ctx, audit.Failure(actor, audit.ActionPasswordChange, "admin_account", acct.ID, err), meta)
		return err
	}

	newHash, err := password.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, acct.ID, newHash, acct.PasswordHash); err != nil {
		return err
	}

	entry := audit.Entry{
		Actor:      actor,
		Action:     audit.ActionPasswordChange,
		EntityType: "admin_account",
		EntityID:   acct.ID,
		Success:    true,
	}
	s.audit(ctx, entry, meta)
	return nil
}

// Unlock clears a lock manually, regardless of its expiry.
func (s *Service) Unlock(ctx context.Context, id string, actor audit.Actor, meta audit.RequestMeta) error {
	acct, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.ClearLock(ctx, acct.ID); err != nil {
		return err
	}
	entry := audit.Entry{
		Actor:      actor,
		Action:     audit.ActionUnlock,
		EntityType: "admin_account",
		EntityID:   acct.ID,
		Metadata:   map[string]any{"login_id": acct.LoginID},
		Success:    true,
	}
	s.audit(ctx, entry, meta)
	return nil
}

// Create registers a new administrator account.
func (s *Service) Create(ctx context.Context, acct *AdminAccount, plaintext string, actor audit.Actor, meta audit.RequestMeta) (*AdminAccount, error) {
	acct.LoginID = strings.TrimSpace(acct.LoginID)
	if acct.LoginID == "" {
		return nil, errors.New("account: login id is required")
	}
	if acct.Role != RoleAdmin && acct.Role != RoleSuperAdmin {
		return nil, fmt.Errorf("account: unsupported role %q", acct.Role)
	}
	if violations := password.Validate(plaintext); len(violations) > 0 {
		return nil, &PolicyError{Violations: violationStrings(violations)}
	}
	hash, err := password.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	acct.PasswordHash = hash
	acct.IsActive = true
	if err := s.store.Create(ctx, acct); err != nil {
		return nil, err
	}
	s.audit(ctx, audit.Created(actor, "admin_account", acct.ID, map[string]any{
		"login_id": acct.LoginID,
		"name":     acct.Name,
		"role":     acct.Role,
	}), meta)
	return acct, nil
}

// Deactivate soft-disables an account. Accounts are never deleted.
func (s *Service) Deactivate(ctx context.Context, id string, actor audit.Actor, meta audit.RequestMeta) error {
	acct, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, acct.ID, false); err != nil {
		return err
	}
	s.audit(ctx, audit.Deleted(actor, "admin_account", acct.ID, map[string]any{
		"login_id":  acct.LoginID,
		"is_active": true,
	}), meta)
	return nil
}

// Get returns one account by id.
func (s *Service) Get(ctx context.Context, id string) (*AdminAccount, error) {
	return s.store.Find(ctx, id)
}

// List returns every account.
func (s *Service) List(ctx context.Context) ([]*AdminAccount, error) {
	return s.store.List(ctx)
}

func (s *Service) remaining(attempts int) int {
	if s.maxAttempts == 0 {
		return RemainingUnlimited
	}
	r := s.maxAttempts - attempts
	if r < 0 {
		r = 0
	}
	return r
}

func (s *Service) ipAllowed(ip string) bool {
	if len(s.allow) == 0 {
		return true
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, block := range s.allow {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

func (s *Service) audit(ctx context.Context, entry audit.Entry, meta audit.RequestMeta) {
	meta.Apply(&entry)
	s.trail.Record(ctx, entry)
}

func violationStrings(violations []password.Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = string(v)
	}
	return out
}
