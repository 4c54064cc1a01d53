package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"
)

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

func testService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	priv, pub := testKeyPEMs(t)
	base := []Option{
		WithKeys(priv, pub),
		WithIssuer("botdeck"),
		WithAudience("botdeck-portal"),
	}
	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc := testService(t)
	p := Principal{
		Kind:      KindAdmin,
		Subject:   "adm-1",
		LoginID:   "ops1",
		Name:      "Ops One",
		Role:      RoleSuperAdmin,
		GroupID:   "grp-9",
		GroupRole: "owner",
	}
	signed, exp, err := svc.Issue(p, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}
	got, err := svc.Verify(signed, KindAdmin)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != p {
		t.Fatalf("principal mismatch: got %+v want %+v", got, p)
	}
	if !got.IsSuperAdmin() {
		t.Fatal("expected super admin principal")
	}
}

func TestKindIsolation(t *testing.T) {
	svc := testService(t)
	signed, _, err := svc.Issue(Principal{Kind: KindUser, Subject: "u-1", Name: "User"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(signed, KindAdmin); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("user token accepted as admin: %v", err)
	}
	if _, err := svc.Verify(signed, KindEmbed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("user token accepted as embed: %v", err)
	}
	if _, err := svc.Verify(signed, KindUser); err != nil {
		t.Fatalf("user token rejected for its own kind: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	now := time.Now()
	current := now
	svc := testService(t, WithClock(func() time.Time { return current }))

	signed, _, err := svc.Issue(Principal{Kind: KindUser, Subject: "u-1"}, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(signed, KindUser); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	current = now.Add(11 * time.Minute)
	if _, err := svc.Verify(signed, KindUser); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestIssuerAndAudiencePinning(t *testing.T) {
	priv, pub := testKeyPEMs(t)
	issuerA, err := NewService(WithKeys(priv, pub), WithIssuer("botdeck"), WithAudience("botdeck-portal"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	otherIssuer, err := NewService(WithKeys(priv, pub), WithIssuer("someone-else"), WithAudience("botdeck-portal"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	otherAudience, err := NewService(WithKeys(priv, pub), WithIssuer("botdeck"), WithAudience("other-app"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	signed, _, err := otherIssuer.Issue(Principal{Kind: KindUser, Subject: "u-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuerA.Verify(signed, KindUser); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign issuer accepted: %v", err)
	}

	signed, _, err = otherAudience.Issue(Principal{Kind: KindUser, Subject: "u-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuerA.Verify(signed, KindUser); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign audience accepted: %v", err)
	}
}

func TestTamperedAndForeignKeyTokens(t *testing.T) {
	svc := testService(t)
	other := testService(t) // different key pair

	signed, _, err := other.Issue(Principal{Kind: KindAdmin, Subject: "adm-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(signed, KindAdmin); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign-key token accepted: %v", err)
	}

	signed, _, err = svc.Issue(Principal{Kind: KindAdmin, Subject: "adm-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tampered := signed[:len(signed)-2] + "xx"
	if _, err := svc.Verify(tampered, KindAdmin); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token accepted: %v", err)
	}
	if _, err := svc.Verify("", KindAdmin); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token accepted: %v", err)
	}
	if _, err := svc.Verify("not-a-jwt", KindAdmin); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("malformed token accepted: %v", err)
	}
}

func TestServiceRequiresConfiguration(t *testing.T) {
	priv, pub := testKeyPEMs(t)
	if _, err := NewService(WithIssuer("botdeck"), WithAudience("botdeck-portal")); err == nil {
		t.Fatal("expected failure without keys")
	}
	if _, err := NewService(WithKeys(priv, pub), WithAudience("botdeck-portal")); err == nil {
		t.Fatal("expected failure without issuer")
	}
	if _, err := NewService(WithKeys(priv, pub), WithIssuer("botdeck")); err == nil {
		t.Fatal("expected failure without audience")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("unexpected principal in empty context")
	}
	p := Principal{Kind: KindUser, Subject: "u-7", Name: "Seven"}
	ctx = ContextWithPrincipal(ctx, p)
	got, ok := PrincipalFromContext(ctx)
	if !ok || got != p {
		t.Fatalf("principal not round-tripped: %+v ok=%v", got, ok)
	}
}
