package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-labs/mnemos/pkg/event"
	"github.com/mnemos-labs/mnemos/pkg/store"
	"github.com/mnemos-labs/mnemos/pkg/subscription"
	"github.com/mnemos-labs/mnemos/pkg/webhook"
)

type testRig struct {
	mgr      *store.Manager
	memories *store.MemoryStore
	log      *store.EventLog
	registry *subscription.Registry
	router   *Router
}

func newTestRig(t *testing.T, path string, opts Options) *testRig {
	t.Helper()
	ctx := context.Background()

	mgr, err := store.Open(store.Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	memories, err := store.NewMemoryStore(ctx, mgr)
	require.NoError(t, err)
	log, err := store.NewEventLog(ctx, mgr)
	require.NoError(t, err)
	registry, err := subscription.NewRegistry(ctx, mgr, slog.Default())
	require.NoError(t, err)

	opts.Registry = registry
	opts.Log = log
	r, err := New(ctx, opts)
	require.NoError(t, err)
	r.Attach(mgr)

	return &testRig{mgr: mgr, memories: memories, log: log, registry: registry, router: r}
}

func (rig *testRig) createMemory(t *testing.T, title string) *store.MemoryRecord {
	t.Helper()
	rec, err := rig.memories.Create(context.Background(), store.CreateMemoryParams{
		AgentID:    "agent-1",
		Project:    "alpha",
		Title:      title,
		Content:    "body of " + title,
		Importance: 5,
		Source:     "mcp",
	})
	require.NoError(t, err)
	return rec
}

func drainStream(s *Stream) []*event.Event {
	var out []*event.Event
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Event ids follow commit order exactly: the nth committed mutation gets id n,
// in the durable log and on every live stream.
func TestRouter_MintsIDsInCommitOrder(t *testing.T) {
	rig := newTestRig(t, filepath.Join(t.TempDir(), "events.db"), Options{})
	ctx := context.Background()

	stream, err := rig.router.SubscribeStream(ctx, "watcher", subscription.Filter{})
	require.NoError(t, err)
	defer stream.Close()

	const writers = 4
	const perWriter = 10
	errs := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := rig.memories.Create(ctx, store.CreateMemoryParams{
					AgentID: "agent-1", Project: "alpha", Title: "concurrent", Content: "c", Source: "mcp",
				})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := drainStream(stream)
	require.Len(t, got, writers*perWriter)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.ID, "stream must observe ids in mint order with no gaps")
	}

	logged, err := rig.log.ReadAfter(ctx, 0, writers*perWriter+10)
	require.NoError(t, err)
	require.Len(t, logged, writers*perWriter)
	for i, ev := range logged {
		assert.Equal(t, int64(i+1), ev.ID)
	}
}

// A stream subscriber with an event_types filter sees exactly the matching
// events, with full payloads, and nothing else.
func TestRouter_StreamFilterByEventType(t *testing.T) {
	rig := newTestRig(t, filepath.Join(t.TempDir(), "events.db"), Options{})
	ctx := context.Background()

	stream, err := rig.router.SubscribeStream(ctx, "create-watcher", subscription.Filter{
		EventTypes: []event.Type{event.TypeMemoryCreated},
	})
	require.NoError(t, err)
	defer stream.Close()

	rec := rig.createMemory(t, "first")
	newTitle := "renamed"
	_, err = rig.memories.Update(ctx, rec.ID, store.UpdateMemoryParams{Title: &newTitle})
	require.NoError(t, err)
	deleted, err := rig.memories.Delete(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	got := drainStream(stream)
	require.Len(t, got, 1, "update and delete must be filtered out")
	assert.Equal(t, event.TypeMemoryCreated, got[0].Type)
	payload, ok := got[0].Payload.(event.MemoryPayload)
	require.True(t, ok)
	assert.Equal(t, rec.ID, payload.MemoryID)
	assert.Equal(t, "first", payload.Title)
}

// A committed write reaches a webhook subscriber as an HTTP POST, and the
// delivery callback advances the durable cursor.
func TestRouter_WebhookFanout(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	mgr, err := store.Open(store.Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	memories, err := store.NewMemoryStore(ctx, mgr)
	require.NoError(t, err)
	log, err := store.NewEventLog(ctx, mgr)
	require.NoError(t, err)
	registry, err := subscription.NewRegistry(ctx, mgr, slog.Default())
	require.NoError(t, err)

	d := webhook.New(webhook.Options{
		BaseBackoff: 20 * time.Millisecond,
		OnDelivered: func(subscriberID string, eventID int64) {
			_ = registry.AdvanceCursor(context.Background(), subscriberID, eventID)
		},
	})
	t.Cleanup(func() { _ = d.Close() })

	r, err := New(ctx, Options{Registry: registry, Log: log, Dispatcher: d})
	require.NoError(t, err)
	r.Attach(mgr)

	_, err = r.SubscribeWebhook(ctx, "hook-1", srv.URL, subscription.Filter{}, true)
	require.NoError(t, err)

	_, err = memories.Create(ctx, store.CreateMemoryParams{
		AgentID: "agent-1", Project: "alpha", Title: "note", Content: "c", Source: "mcp",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	var delivery struct {
		Event event.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &delivery))
	mu.Unlock()
	assert.Equal(t, int64(1), delivery.Event.ID)
	assert.Equal(t, event.TypeMemoryCreated, delivery.Event.Type)

	require.Eventually(t, func() bool {
		sub := registry.Get("hook-1")
		return sub != nil && sub.LastEventID == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// Replay re-delivers everything past the subscriber's cursor, honoring the
// subscriber's filter.
func TestRouter_ReplayFromCursor(t *testing.T) {
	var mu sync.Mutex
	var ids []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var delivery struct {
			Event event.Event `json:"event"`
		}
		_ = json.Unmarshal(body, &delivery)
		mu.Lock()
		ids = append(ids, delivery.Event.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := webhook.New(webhook.Options{BaseBackoff: 20 * time.Millisecond})
	t.Cleanup(func() { _ = d.Close() })

	rig := newTestRig(t, filepath.Join(t.TempDir(), "events.db"), Options{Dispatcher: d})
	ctx := context.Background()

	// Events 1..5 committed while the subscriber does not exist yet.
	for i := 0; i < 5; i++ {
		rig.createMemory(t, "offline")
	}

	_, err := rig.router.SubscribeWebhook(ctx, "late-hook", srv.URL, subscription.Filter{}, true)
	require.NoError(t, err)
	require.NoError(t, rig.registry.AdvanceCursor(ctx, "late-hook", 2))

	sent, err := rig.router.Replay(ctx, "late-hook", 100)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 3
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int64{3, 4, 5}, ids)
	mu.Unlock()
}

func TestRouter_ReplayRejectsNonDurable(t *testing.T) {
	rig := newTestRig(t, filepath.Join(t.TempDir(), "events.db"), Options{})
	ctx := context.Background()

	_, err := rig.router.SubscribeStream(ctx, "s1", subscription.Filter{})
	require.NoError(t, err)

	_, err = rig.router.Replay(ctx, "s1", 10)
	assert.Error(t, err)

	_, err = rig.router.Replay(ctx, "nobody", 10)
	assert.Error(t, err)
}

// When a stream consumer falls behind, the oldest queued events are evicted;
// the newest survive and the writer never blocks.
func TestRouter_StreamDropsOldestWhenFull(t *testing.T) {
	rig := newTestRig(t, filepath.Join(t.TempDir(), "events.db"), Options{StreamBuffer: 2})
	ctx := context.Background()

	stream, err := rig.router.SubscribeStream(ctx, "slow", subscription.Filter{})
	require.NoError(t, err)
	defer stream.Close()

	for i := 0; i < 4; i++ {
		rig.createMemory(t, "burst")
	}

	got := drainStream(stream)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(4), got[1].ID)
}

// Re-subscribing the same id replaces the old stream; Unsubscribe closes it.
func TestRouter_StreamLifecycle(t *testing.T) {
	rig := newTestRig(t, filepath.Join(t.TempDir(), "events.db"), Options{})
	ctx := context.Background()

	first, err := rig.router.SubscribeStream(ctx, "s1", subscription.Filter{})
	require.NoError(t, err)
	second, err := rig.router.SubscribeStream(ctx, "s1", subscription.Filter{})
	require.NoError(t, err)

	_, ok := <-first.Events()
	assert.False(t, ok, "replaced stream must be closed")

	rig.createMemory(t, "note")
	require.Len(t, drainStream(second), 1)

	removed, err := rig.router.Unsubscribe(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok = <-second.Events()
	assert.False(t, ok)

	// Nobody listening: the write still succeeds.
	rig.createMemory(t, "into the void")
}

// Ids never repeat across a close and reopen of the same store file.
func TestRouter_IDsContinueAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	rig := newTestRig(t, path, Options{})
	for i := 0; i < 3; i++ {
		rig.createMemory(t, "before restart")
	}
	require.NoError(t, rig.mgr.Close())

	reopened := newTestRig(t, path, Options{})
	ctx := context.Background()
	stream, err := reopened.router.SubscribeStream(ctx, "watcher", subscription.Filter{})
	require.NoError(t, err)
	defer stream.Close()

	reopened.createMemory(t, "after restart")
	got := drainStream(stream)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].ID)
}
