package audit

import (
	"context"
	"sync"
	"time"

	"botdeck.io/internal/ids"
	"botdeck.io/internal/obs"
)

const defaultQueueSize = 256

// Store appends immutable entries to durable storage.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Trail is the append-only audit sink. Record never blocks the caller
// on persistence and never returns an error: a failed or dropped write
// is logged locally and counted, but must not change the outcome of
// the operation it documents.
type Trail struct {
	store Store
	queue chan Entry
	now   func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// TrailOption configures Trail behavior.
type TrailOption func(*Trail)

// WithQueueSize overrides the pending-entry buffer size.
func WithQueueSize(n int) TrailOption {
	return func(t *Trail) {
		if n > 0 {
			t.queue = make(chan Entry, n)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TrailOption {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTrail starts the background writer and returns the trail.
func NewTrail(store Store, opts ...TrailOption) *Trail {
	t := &Trail{
		store: store,
		queue: make(chan Entry, defaultQueueSize),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

// Record enqueues one entry. The entry is accepted before the caller's
// response is observed as successful; persistence happens behind it.
func (t *Trail) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now().UTC()
	}
	select {
	case t.queue <- entry:
	default:
		obs.CountAuditDrop()
		obs.Event("error", "audit queue full, entry dropped", map[string]any{
			"action":    entry.Action,
			"entity":    entry.EntityType,
			"entity_id": entry.EntityID,
		})
	}
}

// Close stops accepting entries and drains the queue.
func (t *Trail) Close() {
	t.closeOnce.Do(func() {
		close(t.queue)
		<-t.done
	})
}

func (t *Trail) run() {
	defer close(t.done)
	for entry := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := t.store.Append(ctx, &entry)
		cancel()
		if err != nil {
			obs.CountAuditDrop()
			obs.Event("error", "audit append failed", map[string]any{
				"action":    entry.Action,
				"entity":    entry.EntityType,
				"entity_id": entry.EntityID,
				"error":     err.Error(),
			})
		}
	}
}
