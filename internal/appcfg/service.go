package appcfg

import (
	"context"
	"errors"
	"strings"

	"botdeck.io/internal/audit"
	"botdeck.io/internal/vault"
)

// Service manages app configurations. Provider secrets pass through the
// vault on the way in and out; the store only ever sees sealed values.
type Service struct {
	store Store
	vault *vault.Vault
	trail *audit.Trail
}

func NewService(store Store, v *vault.Vault, trail *audit.Trail) (*Service, error) {
	if store == nil {
		return nil, errors.New("appcfg: store is required")
	}
	if v == nil {
		return nil, errors.New("appcfg: vault is required")
	}
	if trail == nil {
		return nil, errors.New("appcfg: audit trail is required")
	}
	return &Service{store: store, vault: v, trail: trail}, nil
}

// Create registers a new app. The provider secret is sealed before the
// row is written.
func (s *Service) Create(ctx context.Context, cfg *AppConfig, secret string, actor audit.Actor, meta audit.RequestMeta) (*AppConfig, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("appcfg: name is required")
	}
	if cfg.Provider == "" {
		return nil, errors.New("appcfg: provider is required")
	}
	if secret != "" {
		enc, err := s.vault.Encrypt(secret)
		if err != nil {
			return nil, err
		}
		cfg.APISecretEnc = enc
	}
	cfg.IsActive = true
	if err := s.store.Create(ctx, cfg); err != nil {
		return nil, err
	}
	entry := audit.Created(actor, "app_config", cfg.ID, map[string]any{
		"name":     cfg.Name,
		"provider": cfg.Provider,
		"model":    cfg.Model,
	})
	meta.Apply(&entry)
	s.trail.Record(ctx, entry)
	return cfg, nil
}

// Update changes the non-secret fields.
func (s *Service) Update(ctx context.Context, cfg *AppConfig, actor audit.Actor, meta audit.RequestMeta) error {
	before, err := s.store.Find(ctx, cfg.ID)
	if err != nil {
		return err
	}
	if err := s.store.Update(ctx, cfg); err != nil {
		return err
	}
	entry := audit.Updated(actor, "app_config", cfg.ID,
		map[string]any{"name": before.Name, "provider": before.Provider, "model": before.Model},
		map[string]any{"name": cfg.Name, "provider": cfg.Provider, "model": cfg.Model},
	)
	meta.Apply(&entry)
	s.trail.Record(ctx, entry)
	return nil
}

// RotateSecret seals and stores a new provider secret. Neither the old
// nor the new plaintext appears in the audit entry.
func (s *Service) RotateSecret(ctx context.Context, id, secret string, actor audit.Actor, meta audit.RequestMeta) error {
	if secret == "" {
		return errors.New("appcfg: secret is required")
	}
	enc, err := s.vault.Encrypt(secret)
	if err != nil {
		return err
	}
	if err := s.store.UpdateSecret(ctx, id, enc); err != nil {
		return err
	}
	entry := audit.Entry{
		Actor:      actor,
		Action:     audit.ActionUpdate,
		EntityType: "app_config",
		EntityID:   id,
		Metadata:   map[string]any{"field": "api_secret"},
		Success:    true,
	}
	meta.Apply(&entry)
	s.trail.Record(ctx, entry)
	return nil
}

// Secret opens and returns the plaintext provider secret for internal
// callers (the chat proxy). Never exposed over the HTTP surface.
func (s *Service) Secret(ctx context.Context, id string) (string, error) {
	cfg, err := s.store.Find(ctx, id)
	if err != nil {
		return "", err
	}
	if cfg.APISecretEnc == "" {
		return "", nil
	}
	return s.vault.Decrypt(cfg.APISecretEnc)
}

// Deactivate soft-disables an app.
func (s *Service) Deactivate(ctx context.Context, id string, actor audit.Actor, meta audit.RequestMeta) error {
	cfg, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	entry := audit.Deleted(actor, "app_config", id, map[string]any{
		"name":      cfg.Name,
		"is_active": cfg.IsActive,
	})
	meta.Apply(&entry)
	s.trail.Record(ctx, entry)
	return nil
}

// Get returns one app config.
func (s *Service) Get(ctx context.Context, id string) (*AppConfig, error) {
	return s.store.Find(ctx, id)
}

// List returns every app config.
func (s *Service) List(ctx context.Context) ([]*AppConfig, error) {
	return s.store.List(ctx)
}
