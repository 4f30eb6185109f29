package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemos-labs/mnemos/pkg/event"
	"github.com/mnemos-labs/mnemos/pkg/store"
)

// Registry is the union of durable and ephemeral subscriber records.
// Durable records are written through to the store and cached in memory so
// that Matching — which runs on the writer goroutine — never touches disk.
type Registry struct {
	logger *slog.Logger
	db     *sqliteStore

	mu        sync.RWMutex
	ephemeral map[string]*Subscription
	durable   map[string]*Subscription
}

// NewRegistry migrates the subscriptions table and warms the durable cache,
// so registrations made before a restart are matched again immediately.
func NewRegistry(ctx context.Context, mgr *store.Manager, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := newSQLiteStore(ctx, mgr)
	if err != nil {
		return nil, err
	}
	durable, err := db.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		logger:    logger.With("component", "subscriptions"),
		db:        db,
		ephemeral: make(map[string]*Subscription),
		durable:   make(map[string]*Subscription, len(durable)),
	}
	for _, sub := range durable {
		r.durable[sub.SubscriberID] = sub
	}
	if len(durable) > 0 {
		r.logger.Info("restored durable subscriptions", "count", len(durable))
	}
	return r, nil
}

// Subscribe validates and stores the record. Re-subscribing with an existing
// subscriber id updates the record in place, carrying the original
// created_at and last_event_id forward.
func (r *Registry) Subscribe(ctx context.Context, sub Subscription) (*Subscription, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	r.mu.Lock()
	if prev := r.lookupLocked(sub.SubscriberID); prev != nil {
		sub.CreatedAt = prev.CreatedAt
		if sub.LastEventID == 0 {
			sub.LastEventID = prev.LastEventID
		}
	}
	wasDurable := r.durable[sub.SubscriberID] != nil
	delete(r.ephemeral, sub.SubscriberID)
	delete(r.durable, sub.SubscriberID)
	if sub.Durable {
		r.durable[sub.SubscriberID] = &sub
	} else {
		r.ephemeral[sub.SubscriberID] = &sub
	}
	r.mu.Unlock()

	if sub.Durable {
		if err := r.db.upsert(ctx, &sub); err != nil {
			r.mu.Lock()
			delete(r.durable, sub.SubscriberID)
			r.mu.Unlock()
			return nil, err
		}
	} else if wasDurable {
		// Downgrade to ephemeral removes the persisted row.
		if _, err := r.db.delete(ctx, sub.SubscriberID); err != nil {
			return nil, err
		}
	}

	r.logger.Debug("subscribed", "subscriber", sub.SubscriberID, "channel", sub.Channel, "durable", sub.Durable)
	return &sub, nil
}

// Unsubscribe removes the record from both stores unconditionally and
// reports whether anything was removed.
func (r *Registry) Unsubscribe(ctx context.Context, subscriberID string) (bool, error) {
	r.mu.Lock()
	_, hadEphemeral := r.ephemeral[subscriberID]
	_, hadDurable := r.durable[subscriberID]
	delete(r.ephemeral, subscriberID)
	delete(r.durable, subscriberID)
	r.mu.Unlock()

	removedRow, err := r.db.delete(ctx, subscriberID)
	if err != nil {
		return hadEphemeral || hadDurable, err
	}
	return hadEphemeral || hadDurable || removedRow, nil
}

// Get returns the subscription for subscriberID, or nil.
func (r *Registry) Get(subscriberID string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sub := r.lookupLocked(subscriberID); sub != nil {
		cp := *sub
		return &cp
	}
	return nil
}

// List returns the union of ephemeral and durable records.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.ephemeral)+len(r.durable))
	for _, sub := range r.ephemeral {
		cp := *sub
		out = append(out, &cp)
	}
	for _, sub := range r.durable {
		cp := *sub
		out = append(out, &cp)
	}
	return out
}

// Matching returns every subscription whose filter accepts ev. Called on
// the writer goroutine for every committed event, so it only reads the
// in-memory maps under a short read lock.
func (r *Registry) Matching(ev *event.Event) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.ephemeral {
		if sub.Filter.Matches(ev) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	for _, sub := range r.durable {
		if sub.Filter.Matches(ev) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out
}

// AdvanceCursor moves a subscriber's last delivered event id forward. The
// cursor never moves backwards; for durable subscribers it is persisted so
// replay after a restart resumes where delivery left off.
func (r *Registry) AdvanceCursor(ctx context.Context, subscriberID string, eventID int64) error {
	r.mu.Lock()
	sub := r.lookupLocked(subscriberID)
	if sub == nil {
		r.mu.Unlock()
		return fmt.Errorf("subscription: advance cursor: unknown subscriber %q", subscriberID)
	}
	if eventID <= sub.LastEventID {
		r.mu.Unlock()
		return nil
	}
	sub.LastEventID = eventID
	durable := sub.Durable
	r.mu.Unlock()

	if durable {
		return r.db.setCursor(ctx, subscriberID, eventID)
	}
	return nil
}

func (r *Registry) lookupLocked(subscriberID string) *Subscription {
	if sub, ok := r.ephemeral[subscriberID]; ok {
		return sub
	}
	return r.durable[subscriberID]
}
