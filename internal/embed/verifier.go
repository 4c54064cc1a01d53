package embed

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const defaultFreshnessWindow = 5 * time.Minute

var (
	ErrInvalidRequest   = errors.New("embed: invalid handshake request")
	ErrInvalidSignature = errors.New("embed: signature mismatch")
	ErrStaleSignature   = errors.New("embed: timestamp outside freshness window")
	ErrUnknownEmployee  = errors.New("embed: employee not found in directory")
)

// Assertion is the partner-signed handshake payload. Field names and
// their order in the canonical string are a byte-for-byte contract with
// the partner system.
type Assertion struct {
	LoginID    string // loginId
	EmployeeID string // empNo
	Name       string // name
	Timestamp  string // ts, epoch millis as string
	Signature  string // sig, hex HMAC-SHA256
}

// Identity is what the handshake resolves to after both the signature
// and the directory lookup succeed.
type Identity struct {
	LoginID    string
	EmployeeID string
	Name       string
}

// Directory is the external legacy-identity system. A verified
// signature alone is never enough; the directory must also know the
// employee.
type Directory interface {
	Resolve(ctx context.Context, loginID, employeeID string) (Identity, error)
}

// Verifier validates partner-origin handshake requests with a shared
// secret. There is no nonce store: replay inside the freshness window
// is bounded by the window itself plus the directory lookup.
type Verifier struct {
	secret    []byte
	window    time.Duration
	directory Directory
	now       func() time.Time
}

// Option configures Verifier behavior.
type Option func(*Verifier)

// WithFreshnessWindow overrides the default 5 minute replay window.
func WithFreshnessWindow(window time.Duration) Option {
	return func(v *Verifier) {
		if window > 0 {
			v.window = window
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier constructs a Verifier. The shared secret and directory
// are mandatory.
func NewVerifier(secret []byte, directory Directory, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("embed: shared secret is required")
	}
	if directory == nil {
		return nil, errors.New("embed: directory is required")
	}
	v := &Verifier{
		secret:    secret,
		window:    defaultFreshnessWindow,
		directory: directory,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks the HMAC signature and timestamp freshness, then
// resolves the asserted identity against the legacy directory.
func (v *Verifier) Verify(ctx context.Context, a Assertion) (Identity, error) {
	if strings.TrimSpace(a.LoginID) == "" || strings.TrimSpace(a.EmployeeID) == "" {
		return Identity{}, ErrInvalidRequest
	}
	millis, err := strconv.ParseInt(a.Timestamp, 10, 64)
	if err != nil {
		return Identity{}, ErrInvalidRequest
	}

	expected := Sign(v.secret, a.LoginID, a.EmployeeID, a.Name, a.Timestamp)
	supplied, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(a.Signature)))
	if err != nil {
		return Identity{}, ErrInvalidSignature
	}
	expectedRaw, _ := hex.DecodeString(expected)
	if !hmac.Equal(supplied, expectedRaw) {
		return Identity{}, ErrInvalidSignature
	}

	// Freshness bounds replay exposure; checked after the signature so a
	// stale verdict is only reachable with a valid secret.
	issued := time.UnixMilli(millis)
	drift := v.now().Sub(issued)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.window {
		return Identity{}, ErrStaleSignature
	}

	resolved, err := v.directory.Resolve(ctx, a.LoginID, a.EmployeeID)
	if err != nil {
		return Identity{}, errors.Join(ErrUnknownEmployee, err)
	}
	if resolved.Name == "" {
		resolved.Name = a.Name
	}
	return resolved, nil
}

// Sign computes the hex HMAC-SHA256 over the canonical string. Exported
// so the partner-simulation tooling and tests build signatures the same
// way the production verifier checks them.
func Sign(secret []byte, loginID, employeeID, name, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalString(loginID, employeeID, name, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalString fixes field order and separators; changing either is
// a breaking change for every partner.
func canonicalString(loginID, employeeID, name, timestamp string) string {
	return "loginId=" + loginID + "&empNo=" + employeeID + "&name=" + name + "&ts=" + timestamp
}
