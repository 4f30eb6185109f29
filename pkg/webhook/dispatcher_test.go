package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-labs/mnemos/pkg/event"
)

// testTarget records every request it receives and answers with a scripted
// sequence of status codes (the last code repeats).
type testTarget struct {
	mu       sync.Mutex
	statuses []int
	times    []time.Time
	bodies   [][]byte
	headers  []http.Header
	srv      *httptest.Server
}

func newTestTarget(t *testing.T, statuses ...int) *testTarget {
	t.Helper()
	tt := &testTarget{statuses: statuses}
	tt.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tt.mu.Lock()
		idx := len(tt.times)
		tt.times = append(tt.times, time.Now())
		tt.bodies = append(tt.bodies, body)
		tt.headers = append(tt.headers, r.Header.Clone())
		status := tt.statuses[min(idx, len(tt.statuses)-1)]
		tt.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(tt.srv.Close)
	return tt
}

func (tt *testTarget) requestCount() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.times)
}

func (tt *testTarget) waitForRequests(t *testing.T, n int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for tt.requestCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("saw %d requests, wanted %d within %s", tt.requestCount(), n, within)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = 20 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	d := New(opts)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testEvent(id int64) *event.Event {
	return &event.Event{
		ID:         id,
		Type:       event.TypeMemoryCreated,
		Timestamp:  time.Now().UTC(),
		Importance: 4,
		Payload:    event.MemoryPayload{MemoryID: "mem-1"},
	}
}

func TestDispatch_RejectsBadScheme(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	err := d.Dispatch(testEvent(1), "s1", "ftp://example.test")
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Zero(t, d.Stats().Dispatched)
}

// A target that fails twice then succeeds sees exactly three attempts, with
// inter-attempt gaps growing geometrically, and one success is counted.
func TestDeliver_RetriesWithBackoffThenSucceeds(t *testing.T) {
	target := newTestTarget(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	d := newTestDispatcher(t, Options{BaseBackoff: 40 * time.Millisecond})

	require.NoError(t, d.Dispatch(testEvent(1), "s1", target.srv.URL))
	target.waitForRequests(t, 3, 5*time.Second)

	// No fourth attempt after success.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, target.requestCount())

	target.mu.Lock()
	gap1 := target.times[1].Sub(target.times[0])
	gap2 := target.times[2].Sub(target.times[1])
	target.mu.Unlock()
	assert.GreaterOrEqual(t, gap1, 40*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 80*time.Millisecond)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, uint64(2), stats.Retried)
	assert.Zero(t, stats.Failed)

	// The attempt number on the wire reflects the retry count.
	target.mu.Lock()
	defer target.mu.Unlock()
	var last struct {
		Attempt int `json:"attempt"`
	}
	require.NoError(t, json.Unmarshal(target.bodies[2], &last))
	assert.Equal(t, 3, last.Attempt)
}

// A target that always fails sees exactly MaxAttempts attempts and exactly
// one permanent failure; the attempt is never re-enqueued.
func TestDeliver_RetryCeiling(t *testing.T) {
	target := newTestTarget(t, http.StatusInternalServerError)
	d := newTestDispatcher(t, Options{MaxAttempts: 3})

	require.NoError(t, d.Dispatch(testEvent(1), "s1", target.srv.URL))
	target.waitForRequests(t, 3, 5*time.Second)
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 3, target.requestCount(), "no unbounded retry loop")
	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Zero(t, stats.Succeeded)
}

// Three events to one subscriber arrive as three ordered, separate posts.
func TestDeliver_InOrderSeparatePayloads(t *testing.T) {
	target := newTestTarget(t, http.StatusOK)
	d := newTestDispatcher(t, Options{})

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, d.Dispatch(testEvent(id), "s2", target.srv.URL))
	}
	target.waitForRequests(t, 3, 5*time.Second)

	target.mu.Lock()
	defer target.mu.Unlock()
	for i, body := range target.bodies {
		var payload struct {
			Event       event.Event `json:"event"`
			DeliveredAt time.Time   `json:"delivered_at"`
			Attempt     int         `json:"attempt"`
			Source      string      `json:"source"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, int64(i+1), payload.Event.ID, "deliveries must stay in enqueue order")
		assert.Equal(t, 1, payload.Attempt)
		assert.Equal(t, "mnemos", payload.Source)
		assert.False(t, payload.DeliveredAt.IsZero())
		assert.Equal(t, string(event.TypeMemoryCreated), target.headers[i].Get("X-Event-Type"))
		assert.Equal(t, "application/json", target.headers[i].Get("Content-Type"))
	}

	assert.Equal(t, uint64(3), d.Stats().Succeeded)
}

func TestDispatch_DropsWhenQueueSaturated(t *testing.T) {
	// An unstarted target keeps the worker busy long enough to fill the queue.
	blocked := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(blocked)
		slow.Close()
	})

	d := newTestDispatcher(t, Options{QueueSize: 2, MaxAttempts: 1, Timeout: 300 * time.Millisecond})

	// First dispatch occupies the worker; the next two fill the queue.
	var dropped int
	for id := int64(1); id <= 5; id++ {
		if err := d.Dispatch(testEvent(id), "s1", slow.URL); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 1, "saturated queue must drop, not block")
	assert.Equal(t, uint64(dropped), d.Stats().Dropped)
}

func TestOnDelivered_Callback(t *testing.T) {
	target := newTestTarget(t, http.StatusOK)

	var mu sync.Mutex
	delivered := make(map[string]int64)
	d := newTestDispatcher(t, Options{
		OnDelivered: func(subscriberID string, eventID int64) {
			mu.Lock()
			delivered[subscriberID] = eventID
			mu.Unlock()
		},
	})

	require.NoError(t, d.Dispatch(testEvent(7), "hook-1", target.srv.URL))
	target.waitForRequests(t, 1, 5*time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered["hook-1"] == 7
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClose_DrainsQueuedWork(t *testing.T) {
	target := newTestTarget(t, http.StatusOK)
	d := New(Options{BaseBackoff: 20 * time.Millisecond, Timeout: 2 * time.Second})

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, d.Dispatch(testEvent(id), "s1", target.srv.URL))
	}
	require.NoError(t, d.Close())
	assert.Equal(t, 5, target.requestCount())

	// Closed dispatcher refuses new work, idempotently.
	assert.ErrorIs(t, d.Dispatch(testEvent(6), "s1", target.srv.URL), ErrClosed)
	require.NoError(t, d.Close())
}
