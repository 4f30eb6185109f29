package router

import (
	"context"
	"sync"

	"github.com/mnemos-labs/mnemos/pkg/event"
)

// Stream is one live subscriber's bounded event queue. Events arrive in
// commit order; when the consumer falls behind, the oldest queued event is
// dropped so the writer is never held up.
type Stream struct {
	subscriberID string
	router       *Router
	ch           chan *event.Event
	closeOnce    sync.Once
}

func newStream(r *Router, subscriberID string, buffer int) *Stream {
	return &Stream{
		subscriberID: subscriberID,
		router:       r,
		ch:           make(chan *event.Event, buffer),
	}
}

// Events returns the receive side of the queue. The channel is closed when
// the stream is closed.
func (s *Stream) Events() <-chan *event.Event { return s.ch }

// SubscriberID returns the owning subscriber id.
func (s *Stream) SubscriberID() string { return s.subscriberID }

// Close unsubscribes and closes the event channel. Idempotent.
func (s *Stream) Close() {
	s.router.removeStream(s.subscriberID, s)
	if _, err := s.router.registry.Unsubscribe(context.Background(), s.subscriberID); err != nil {
		s.router.logger.Warn("unsubscribe on stream close failed",
			"subscriber", s.subscriberID, "error", err)
	}
	s.drop()
}

// drop closes the channel without touching the registry.
func (s *Stream) drop() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// push enqueues without blocking, evicting the oldest queued event on
// overflow. Returns false when an eviction happened. Runs on the writer
// goroutine; a closed stream swallows the send.
func (s *Stream) push(ev *event.Event) (ok bool) {
	defer func() {
		// Sending on a channel closed by a racing Close; the event is lost,
		// which is fine for a stream being torn down.
		if recover() != nil {
			ok = true
		}
	}()

	select {
	case s.ch <- ev:
		return true
	default:
	}

	// Queue full: evict the oldest, then retry once.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return false
}
