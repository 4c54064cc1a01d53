package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"sync"
	"testing"
	"time"

	"botdeck.io/internal/account"
	"botdeck.io/internal/appcfg"
	"botdeck.io/internal/audit"
	"botdeck.io/internal/embed"
	"botdeck.io/internal/password"
	"botdeck.io/internal/token"
	"botdeck.io/internal/vault"
)

var embedSecret = []byte("partner-shared-secret")

// memAccounts is an in-memory account.Store for HTTP-level tests.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*account.AdminAccount
}

func newMemAccounts(accounts ...*account.AdminAccount) *memAccounts {
	s := &memAccounts{accounts: make(map[string]*account.AdminAccount)}
	for _, a := range accounts {
		cp := *a
		s.accounts[a.ID] = &cp
	}
	return s
}

func (s *memAccounts) Create(ctx context.Context, acct *account.AdminAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.LoginID == acct.LoginID {
			return account.ErrAlreadyExists
		}
	}
	if acct.ID == "" {
		acct.ID = "acct-" + acct.LoginID
	}
	cp := *acct
	s.accounts[acct.ID] = &cp
	return nil
}

func (s *memAccounts) Find(ctx context.Context, id string) (*account.AdminAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memAccounts) FindByLoginID(ctx context.Context, loginID string) (*account.AdminAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.LoginID == loginID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, account.ErrNotFound
}

func (s *memAccounts) List(ctx context.Context) ([]*account.AdminAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*account.AdminAccount
	for _, a := range s.accounts {
		cp := *a
		res = append(res, &cp)
	}
	return res, nil
}

func (s *memAccounts) RecordFailure(ctx context.Context, id string, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return 0, nil, account.ErrNotFound
	}
	a.LoginAttempts++
	if maxAttempts > 0 && a.LoginAttempts >= maxAttempts {
		t := lockUntil
		a.LockedUntil = &t
	}
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		return a.LoginAttempts, &t, nil
	}
	return a.LoginAttempts, nil, nil
}

func (s *memAccounts) RecordSuccess(ctx context.Context, id, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.LoginAttempts = 0
	a.LockedUntil = nil
	a.LastLoginAt = &at
	a.LastLoginIP = ip
	return nil
}

func (s *memAccounts) ClearLock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.LoginAttempts = 0
	a.LockedUntil = nil
	return nil
}

func (s *memAccounts) UpdatePassword(ctx context.Context, id, newHash, previousHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.PasswordHash = newHash
	a.PreviousPasswordHash = previousHash
	return nil
}

func (s *memAccounts) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.IsActive = active
	return nil
}

// memApps is an in-memory appcfg.Store.
type memApps struct {
	mu   sync.Mutex
	apps map[string]*appcfg.AppConfig
}

func newMemApps() *memApps {
	return &memApps{apps: make(map[string]*appcfg.AppConfig)}
}

func (s *memApps) Create(ctx context.Context, cfg *appcfg.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		if a.Name == cfg.Name {
			return appcfg.ErrAlreadyExists
		}
	}
	if cfg.ID == "" {
		cfg.ID = "app-" + cfg.Name
	}
	cp := *cfg
	s.apps[cfg.ID] = &cp
	return nil
}

func (s *memApps) Find(ctx context.Context, id string) (*appcfg.AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, appcfg.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memApps) List(ctx context.Context) ([]*appcfg.AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*appcfg.AppConfig
	for _, a := range s.apps {
		cp := *a
		res = append(res, &cp)
	}
	return res, nil
}

func (s *memApps) Update(ctx context.Context, cfg *appcfg.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[cfg.ID]
	if !ok {
		return appcfg.ErrNotFound
	}
	a.Name, a.Provider, a.Model, a.SystemPrompt = cfg.Name, cfg.Provider, cfg.Model, cfg.SystemPrompt
	return nil
}

func (s *memApps) UpdateSecret(ctx context.Context, id, secretEnc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return appcfg.ErrNotFound
	}
	a.APISecretEnc = secretEnc
	return nil
}

func (s *memApps) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return appcfg.ErrNotFound
	}
	a.IsActive = active
	return nil
}

// memAudit collects entries in memory.
type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memAudit) Append(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

// staticDirectory accepts any identity it was constructed with.
type staticDirectory struct {
	known map[string]embed.Identity // key loginID
}

func (d staticDirectory) Resolve(ctx context.Context, loginID, employeeID string) (embed.Identity, error) {
	id, ok := d.known[loginID]
	if !ok || id.EmployeeID != employeeID {
		return embed.Identity{}, embed.ErrUnknownEmployee
	}
	return id, nil
}

type harness struct {
	api      *API
	handler  http.Handler
	accounts *memAccounts
	apps     *memApps
	trail    *audit.Trail
	sink     *memAudit
	tokens   *token.Service
}

func testKeyPEMs(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM)
}

func mustHashPassword(t *testing.T, plaintext string) string {
	t.Helper()
	hash, err := password.Hash(plaintext)
	if err != nil {
		t.Fatalf("password.Hash: %v", err)
	}
	return hash
}

func newHarness(t *testing.T, seed ...*account.AdminAccount) *harness {
	t.Helper()

	priv, pub := testKeyPEMs(t)
	tokens, err := token.NewService(
		token.WithKeys(priv, pub),
		token.WithIssuer("botdeck"),
		token.WithAudience("botdeck-portal"),
	)
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}

	sink := &memAudit{}
	trail := audit.NewTrail(sink)
	t.Cleanup(trail.Close)

	accounts := newMemAccounts(seed...)
	accountSvc, err := account.NewService(accounts, trail, account.WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("account.NewService: %v", err)
	}

	v, err := vault.New(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	apps := newMemApps()
	appSvc, err := appcfg.NewService(apps, v, trail)
	if err != nil {
		t.Fatalf("appcfg.NewService: %v", err)
	}

	verifier, err := embed.NewVerifier(embedSecret, staticDirectory{known: map[string]embed.Identity{
		"jdoe": {LoginID: "jdoe", EmployeeID: "E100", Name: "J. Doe"},
	}})
	if err != nil {
		t.Fatalf("embed.NewVerifier: %v", err)
	}

	api, err := New(Deps{
		Tokens:   tokens,
		Accounts: accountSvc,
		Apps:     appSvc,
		Embed:    verifier,
		Trail:    trail,
		TTLs:     TTLs{User: time.Hour, Admin: time.Hour, Embed: time.Hour},
		Throttle: Throttle{AnonRPS: 1, AnonBurst: 2, LoginPerMinute: 100},
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &harness{
		api:      api,
		handler:  api.Handler(),
		accounts: accounts,
		apps:     apps,
		trail:    trail,
		sink:     sink,
		tokens:   tokens,
	}
}

func (h *harness) adminToken(t *testing.T, role string) string {
	t.Helper()
	signed, _, err := h.tokens.Issue(token.Principal{
		Kind:    token.KindAdmin,
		Subject: "acct-ops1",
		LoginID: "ops1",
		Role:    role,
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	return signed
}
