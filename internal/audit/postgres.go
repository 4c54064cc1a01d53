package audit

import (
	"context"
	"database/sql"
	"encoding/json"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Rows in audit_log are
// insert-only; nothing in the service updates or deletes them.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, entry *Entry) error {
	var changes, metadata []byte
	if entry.Changes != nil {
		changes, _ = json.Marshal(entry.Changes)
	}
	if entry.Metadata != nil {
		metadata, _ = json.Marshal(entry.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(
			id, actor_type, actor_id, actor_login_id, actor_name, actor_role,
			action, entity_type, entity_id, changes, metadata,
			ip_address, user_agent, request_path, success, error_message, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		entry.ID, entry.Actor.Type, nullable(entry.Actor.ID), entry.Actor.LoginID,
		entry.Actor.Name, nullable(entry.Actor.Role),
		entry.Action, entry.EntityType, nullable(entry.EntityID), changes, metadata,
		nullable(entry.IPAddress), nullable(entry.UserAgent), nullable(entry.RequestPath),
		entry.Success, nullable(entry.ErrorMessage), entry.CreatedAt,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
