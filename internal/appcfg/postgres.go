package appcfg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"botdeck.io/internal/ids"
)

// Store describes persistence for app configurations.
type Store interface {
	Create(ctx context.Context, cfg *AppConfig) error
	Find(ctx context.Context, id string) (*AppConfig, error)
	List(ctx context.Context) ([]*AppConfig, error)
	Update(ctx context.Context, cfg *AppConfig) error
	UpdateSecret(ctx context.Context, id, secretEnc string) error
	SetActive(ctx context.Context, id string, active bool) error
}

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const appColumns = `id, name, provider, model, api_secret_enc, system_prompt,
	is_active, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, cfg *AppConfig) error {
	if cfg.ID == "" {
		cfg.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into app_configs(id, name, provider, model, api_secret_enc, system_prompt, is_active)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		cfg.ID, cfg.Name, cfg.Provider, cfg.Model, cfg.APISecretEnc, cfg.SystemPrompt, cfg.IsActive,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*AppConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+appColumns+` from app_configs where id=$1`, id)
	return scanApp(row)
}

func (s *PGStore) List(ctx context.Context) ([]*AppConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+appColumns+` from app_configs order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*AppConfig
	for rows.Next() {
		cfg, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cfg)
	}
	return res, rows.Err()
}

func (s *PGStore) Update(ctx context.Context, cfg *AppConfig) error {
	res, err := s.db.ExecContext(ctx,
		`update app_configs
		    set name = $2, provider = $3, model = $4, system_prompt = $5,
		        updated_at = now()
		  where id = $1`,
		cfg.ID, cfg.Name, cfg.Provider, cfg.Model, cfg.SystemPrompt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) UpdateSecret(ctx context.Context, id, secretEnc string) error {
	res, err := s.db.ExecContext(ctx,
		`update app_configs set api_secret_enc = $2, updated_at = now() where id = $1`,
		id, secretEnc,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update app_configs set is_active = $2, updated_at = now() where id = $1`,
		id, active,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(row rowScanner) (*AppConfig, error) {
	var (
		cfg       AppConfig
		secretEnc sql.NullString
		prompt    sql.NullString
	)
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Provider, &cfg.Model, &secretEnc, &prompt,
		&cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cfg.APISecretEnc = secretEnc.String
	cfg.SystemPrompt = prompt.String
	return &cfg, nil
}
