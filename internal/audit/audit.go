package audit

import (
	"time"
)

// Action taxonomy. Free-form and extensible; these are the values the
// trust core itself writes.
const (
	ActionLogin            = "LOGIN"
	ActionLoginFailed      = "LOGIN_FAILED"
	ActionLoginLocked      = "LOGIN_LOCKED"
	ActionLoginBlockedIP   = "LOGIN_BLOCKED_IP"
	ActionUnlock           = "UNLOCK"
	ActionPasswordChange   = "UPDATE_PASSWORD"
	ActionEmbedLogin       = "EMBED_LOGIN"
	ActionEmbedLoginFailed = "EMBED_LOGIN_FAILED"
	ActionCreate           = "CREATE"
	ActionUpdate           = "UPDATE"
	ActionDelete           = "DELETE"
)

// Actor types.
const (
	ActorAdmin = "admin"
	ActorUser  = "user"
)

// Actor identifies who performed the recorded action.
type Actor struct {
	Type    string
	ID      string
	LoginID string
	Name    string
	Role    string
}

// RequestMeta carries the request context an entry is audited with.
type RequestMeta struct {
	IP        string
	UserAgent string
	Path      string
}

// Apply copies the request context onto an entry.
func (m RequestMeta) Apply(e *Entry) {
	e.IPAddress = m.IP
	e.UserAgent = m.UserAgent
	e.RequestPath = m.Path
}

// Changes tracks before/after values for update entries.
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// Entry is one immutable audit record. Created once, never updated or
// deleted.
type Entry struct {
	ID           string
	Actor        Actor
	Action       string
	EntityType   string
	EntityID     string
	Changes      *Changes
	Metadata     map[string]any
	IPAddress    string
	UserAgent    string
	RequestPath  string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// Created builds an entry for a successful create.
func Created(actor Actor, entityType, entityID string, after map[string]any) Entry {
	return Entry{
		Actor:      actor,
		Action:     ActionCreate,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    &Changes{After: after},
		Success:    true,
	}
}

// Updated builds an entry for a successful update.
func Updated(actor Actor, entityType, entityID string, before, after map[string]any) Entry {
	return Entry{
		Actor:      actor,
		Action:     ActionUpdate,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    &Changes{Before: before, After: after},
		Success:    true,
	}
}

// Deleted builds an entry for a successful delete (soft or hard).
func Deleted(actor Actor, entityType, entityID string, before map[string]any) Entry {
	return Entry{
		Actor:      actor,
		Action:     ActionDelete,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    &Changes{Before: before},
		Success:    true,
	}
}

// Failure builds an entry for a failed action of any kind.
func Failure(actor Actor, action, entityType, entityID string, err error) Entry {
	e := Entry{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Success:    false,
	}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}
