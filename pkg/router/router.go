// Package router turns committed mutations into subscriber notifications.
// It runs as a post-commit hook on the store's writer goroutine: mint the
// event id, append to the durable log, fan out — and never block, so one
// stalled subscriber can never stall a write.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemos-labs/mnemos/pkg/event"
	"github.com/mnemos-labs/mnemos/pkg/observability"
	"github.com/mnemos-labs/mnemos/pkg/store"
	"github.com/mnemos-labs/mnemos/pkg/subscription"
	"github.com/mnemos-labs/mnemos/pkg/webhook"
)

const defaultStreamBuffer = 64

// ErrNotAttached is returned by operations that need a store before Attach.
var ErrNotAttached = errors.New("router: not attached to a store")

// Options configures a Router.
type Options struct {
	Registry   *subscription.Registry
	Log        *store.EventLog
	Dispatcher *webhook.Dispatcher

	// StreamBuffer bounds each live-stream queue; drop-oldest on overflow.
	StreamBuffer int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Router mints events in commit order and fans them out to matched
// subscribers.
type Router struct {
	registry   *subscription.Registry
	log        *store.EventLog
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	bufferSize int

	mgr    *store.Manager
	nextID atomic.Int64

	mu      sync.Mutex
	streams map[string]*Stream
}

// New builds a router. The id counter is seeded from the event log so that
// ids stay strictly increasing across restarts of the same store.
func New(ctx context.Context, opts Options) (*Router, error) {
	if opts.Registry == nil || opts.Log == nil {
		return nil, errors.New("router: registry and event log are required")
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultStreamBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Router{
		registry:   opts.Registry,
		log:        opts.Log,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger.With("component", "router"),
		metrics:    opts.Metrics,
		bufferSize: opts.StreamBuffer,
		streams:    make(map[string]*Stream),
	}

	maxID, err := opts.Log.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("router: seed event id: %w", err)
	}
	r.nextID.Store(maxID)
	return r, nil
}

// Attach registers the router as a post-commit hook on mgr. From here on,
// every committed mutation that staged drafts produces events.
func (r *Router) Attach(mgr *store.Manager) {
	r.mgr = mgr
	mgr.RegisterPostCommitHook(r.onCommit)
}

// onCommit runs on the writer goroutine immediately after each successful
// mutation. Minting and dispatch initiation both happen here, so events are
// initiated for delivery in exactly commit order; the single writer makes a
// plain counter sufficient for id assignment.
func (r *Router) onCommit() {
	for _, draft := range r.mgr.TakeCommitted() {
		ev := &event.Event{
			ID:         r.nextID.Add(1),
			Type:       draft.Type,
			Timestamp:  time.Now().UTC(),
			Source:     draft.Source,
			Project:    draft.Project,
			Importance: draft.Importance,
			Payload:    draft.Payload,
		}
		if err := r.log.Append(ev); err != nil {
			// Fan out anyway: live subscribers still get the event, only
			// replay loses it.
			r.logger.Error("append to event log failed", "event_id", ev.ID, "error", err)
		}
		r.metrics.EventMinted(context.Background(), string(ev.Type))
		r.fanout(ev)
	}
}

func (r *Router) fanout(ev *event.Event) {
	for _, sub := range r.registry.Matching(ev) {
		switch sub.Channel {
		case subscription.ChannelStream:
			r.pushStream(sub.SubscriberID, ev)
		case subscription.ChannelWebhook:
			if r.dispatcher == nil {
				r.logger.Warn("no dispatcher configured, skipping webhook delivery",
					"subscriber", sub.SubscriberID, "event_id", ev.ID)
				continue
			}
			if err := r.dispatcher.Dispatch(ev, sub.SubscriberID, sub.WebhookURL); err != nil {
				r.logger.Warn("webhook dispatch rejected",
					"subscriber", sub.SubscriberID, "event_id", ev.ID, "error", err)
			}
		}
	}
}

// SubscribeStream registers an ephemeral live-stream subscriber and returns
// its bounded event stream. Closing the stream unsubscribes.
func (r *Router) SubscribeStream(ctx context.Context, subscriberID string, filter subscription.Filter) (*Stream, error) {
	_, err := r.registry.Subscribe(ctx, subscription.Subscription{
		SubscriberID: subscriberID,
		Channel:      subscription.ChannelStream,
		Filter:       filter,
	})
	if err != nil {
		return nil, err
	}

	s := newStream(r, subscriberID, r.bufferSize)
	r.mu.Lock()
	if prev, ok := r.streams[subscriberID]; ok {
		prev.drop()
	}
	r.streams[subscriberID] = s
	r.mu.Unlock()
	return s, nil
}

// SubscribeWebhook registers a webhook subscriber.
func (r *Router) SubscribeWebhook(ctx context.Context, subscriberID, url string, filter subscription.Filter, durable bool) (*subscription.Subscription, error) {
	return r.registry.Subscribe(ctx, subscription.Subscription{
		SubscriberID: subscriberID,
		Channel:      subscription.ChannelWebhook,
		Filter:       filter,
		WebhookURL:   url,
		Durable:      durable,
	})
}

// Unsubscribe removes the registration and closes any live stream.
func (r *Router) Unsubscribe(ctx context.Context, subscriberID string) (bool, error) {
	r.mu.Lock()
	if s, ok := r.streams[subscriberID]; ok {
		delete(r.streams, subscriberID)
		s.drop()
	}
	r.mu.Unlock()
	return r.registry.Unsubscribe(ctx, subscriberID)
}

// Replay re-enqueues everything after a durable webhook subscriber's cursor
// and returns how many deliveries were initiated. Used when a subscriber
// reconnects after being offline.
func (r *Router) Replay(ctx context.Context, subscriberID string, batch int) (int, error) {
	sub := r.registry.Get(subscriberID)
	if sub == nil {
		return 0, fmt.Errorf("router: replay: unknown subscriber %q", subscriberID)
	}
	if sub.Channel != subscription.ChannelWebhook || !sub.Durable {
		return 0, fmt.Errorf("router: replay: subscriber %q is not a durable webhook", subscriberID)
	}
	if r.dispatcher == nil {
		return 0, ErrNotAttached
	}

	events, err := r.log.ReadAfter(ctx, sub.LastEventID, batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range events {
		ev := events[i]
		if !sub.Filter.Matches(&ev) {
			continue
		}
		if err := r.dispatcher.Dispatch(&ev, sub.SubscriberID, sub.WebhookURL); err != nil {
			// Queue saturated: stop here, the cursor keeps the rest replayable.
			r.logger.Warn("replay stopped early", "subscriber", subscriberID, "event_id", ev.ID, "error", err)
			return sent, nil
		}
		sent++
	}
	return sent, nil
}

func (r *Router) pushStream(subscriberID string, ev *event.Event) {
	r.mu.Lock()
	s := r.streams[subscriberID]
	r.mu.Unlock()
	if s == nil {
		return
	}
	if !s.push(ev) {
		r.metrics.StreamDrop(context.Background(), subscriberID)
		r.logger.Warn("live-stream queue full, dropped oldest event",
			"subscriber", subscriberID, "event_id", ev.ID)
	}
}

func (r *Router) removeStream(subscriberID string, s *Stream) {
	r.mu.Lock()
	if cur, ok := r.streams[subscriberID]; ok && cur == s {
		delete(r.streams, subscriberID)
	}
	r.mu.Unlock()
}
