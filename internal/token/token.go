package token

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"botdeck.io/internal/obs"
)

// ErrInvalidToken is the only failure callers see. Expired, tampered,
// wrong-issuer, and wrong-kind tokens are indistinguishable outside this
// package; detail goes to the server log.
var ErrInvalidToken = errors.New("token: invalid token")

// Kind discriminates the three principal categories. A token minted for
// one kind never verifies as another.
type Kind string

const (
	KindUser  Kind = "user"
	KindAdmin Kind = "admin"
	KindEmbed Kind = "embed"
)

// Admin roles carried in admin-kind tokens.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Principal is the resolved identity of a request. Kind selects which
// fields are meaningful: user tokens carry Subject/EmployeeID, admin
// tokens Subject(adminId)/LoginID/GroupID/GroupRole, embed tokens
// EmployeeID/LoginID. It never carries a password or secret.
type Principal struct {
	Kind       Kind
	Subject    string
	LoginID    string
	EmployeeID string
	Name       string
	Role       string
	GroupID    string
	GroupRole  string
}

// IsSuperAdmin reports whether an admin principal holds the super_admin role.
func (p Principal) IsSuperAdmin() bool {
	return p.Kind == KindAdmin && p.Role == RoleSuperAdmin
}

type claims struct {
	Kind       string `json:"kind"`
	LoginID    string `json:"login_id,omitempty"`
	EmployeeID string `json:"emp_no,omitempty"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	GroupRole  string `json:"group_role,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies RS256-signed tokens with pinned issuer
// and audience claims.
type Service struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
	now        func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithKeys configures the RSA key pair used for signing and verifying.
func WithKeys(privatePEM, publicPEM string) Option {
	return func(s *Service) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("token: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("token: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("token: parse public key: %w", err)
		}
		s.privateKey = priv
		s.publicKey = pub
		return nil
	}
}

// WithIssuer sets the iss claim pinned on issuance and verification.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAudience sets the aud claim pinned on issuance and verification.
func WithAudience(audience string) Option {
	return func(s *Service) error {
		s.audience = strings.TrimSpace(audience)
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

// NewService constructs the token service. Keys, issuer, and audience
// are mandatory; the service refuses to start without them.
func NewService(opts ...Option) (*Service, error) {
	svc := &Service{now: time.Now}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.privateKey == nil || svc.publicKey == nil {
		return nil, errors.New("token: signing keys are not configured")
	}
	if svc.issuer == "" || svc.audience == "" {
		return nil, errors.New("token: issuer and audience are required")
	}
	return svc, nil
}

// Issue signs a token for the principal with exp = now + ttl.
func (s *Service) Issue(p Principal, ttl time.Duration) (string, time.Time, error) {
	if p.Kind != KindUser && p.Kind != KindAdmin && p.Kind != KindEmbed {
		return "", time.Time{}, fmt.Errorf("token: unknown kind %q", p.Kind)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token: ttl must be greater than zero")
	}

	now := s.now().UTC()
	exp := now.Add(ttl)
	c := claims{
		Kind:       string(p.Kind),
		LoginID:    p.LoginID,
		EmployeeID: p.EmployeeID,
		Name:       p.Name,
		Role:       p.Role,
		GroupID:    p.GroupID,
		GroupRole:  p.GroupRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, audience, expiry, and kind. Any
// mismatch fails closed with ErrInvalidToken.
func (s *Service) Verify(tokenString string, kind Kind) (Principal, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Principal{}, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodRS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.publicKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil {
		return Principal{}, s.reject(kind, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Principal{}, s.reject(kind, errors.New("claims not valid"))
	}
	if c.Kind != string(kind) {
		return Principal{}, s.reject(kind, fmt.Errorf("kind mismatch: token is %q", c.Kind))
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Principal{}, s.reject(kind, errors.New("subject missing"))
	}

	obs.CountTokenVerification(string(kind), "ok")
	return Principal{
		Kind:       kind,
		Subject:    c.Subject,
		LoginID:    c.LoginID,
		EmployeeID: c.EmployeeID,
		Name:       c.Name,
		Role:       c.Role,
		GroupID:    c.GroupID,
		GroupRole:  c.GroupRole,
	}, nil
}

// reject records the detailed failure server-side and returns the
// undifferentiated error callers are allowed to see.
func (s *Service) reject(kind Kind, cause error) error {
	obs.CountTokenVerification(string(kind), "invalid")
	obs.Event("warn", "token verification failed", map[string]any{
		"expected_kind": string(kind),
		"cause":         cause.Error(),
	})
	return ErrInvalidToken
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
