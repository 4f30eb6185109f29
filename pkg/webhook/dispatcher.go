// Package webhook delivers events to out-of-process subscribers over HTTP
// with bounded queuing and bounded retry. Delivery is best-effort: a slow or
// broken endpoint costs log lines and counters, never a stalled writer.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnemos-labs/mnemos/pkg/event"
	"github.com/mnemos-labs/mnemos/pkg/observability"
)

var (
	// ErrQueueFull reports a delivery dropped because the bounded queue was
	// saturated. Deliberate backpressure: the producer is never blocked.
	ErrQueueFull = errors.New("webhook: dispatch queue full")
	// ErrInvalidURL rejects a target that is not an http(s) URL.
	ErrInvalidURL = errors.New("webhook: invalid target url")
	// ErrClosed is returned for dispatches issued after Close.
	ErrClosed = errors.New("webhook: dispatcher closed")
)

const (
	defaultQueueSize    = 256
	defaultMaxAttempts  = 3
	defaultBaseBackoff  = 2 * time.Second
	defaultTimeout      = 10 * time.Second
	defaultCloseTimeout = 15 * time.Second
)

// DeliveryAttempt is one queued delivery. Transient: it exists only until it
// succeeds or is permanently abandoned.
type DeliveryAttempt struct {
	Event        *event.Event
	SubscriberID string
	TargetURL    string
	Attempt      int
	EnqueuedAt   time.Time
}

// deliveryBody is the wire format POSTed to subscribers.
type deliveryBody struct {
	Event       *event.Event `json:"event"`
	DeliveredAt time.Time    `json:"delivered_at"`
	Attempt     int          `json:"attempt"`
	Source      string       `json:"source"`
	Version     string       `json:"version"`
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Retried    uint64 `json:"retried"`
	Dropped    uint64 `json:"dropped"`
}

// Options configures a Dispatcher. Zero values take the defaults above.
type Options struct {
	QueueSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	Timeout      time.Duration
	CloseTimeout time.Duration

	// RateLimit caps outbound POSTs; zero means unlimited.
	RateLimit rate.Limit
	Burst     int

	Source  string
	Version string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Client  *http.Client

	// OnDelivered is invoked after each successful delivery; the router uses
	// it to advance durable subscriber cursors.
	OnDelivered func(subscriberID string, eventID int64)
}

// Dispatcher drains a bounded queue of delivery attempts on one background
// worker, strictly first-in-first-out per queue.
type Dispatcher struct {
	opts    Options
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter

	queue chan *DeliveryAttempt
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	retried    atomic.Uint64
	dropped    atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// New starts the delivery worker and returns the dispatcher.
func New(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Source == "" {
		opts.Source = "mnemos"
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	d := &Dispatcher{
		opts:    opts,
		logger:  opts.Logger.With("component", "webhook"),
		client:  client,
		limiter: limiter,
		queue:   make(chan *DeliveryAttempt, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go d.worker()
	return d
}

// Dispatch validates the target and enqueues a delivery. It never blocks:
// when the queue is full the attempt is dropped with a warning and
// ErrQueueFull so the caller can count it.
func (d *Dispatcher) Dispatch(ev *event.Event, subscriberID, url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	attempt := &DeliveryAttempt{
		Event:        ev,
		SubscriberID: subscriberID,
		TargetURL:    url,
		EnqueuedAt:   time.Now().UTC(),
	}
	select {
	case d.queue <- attempt:
		d.dispatched.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		d.opts.Metrics.DispatchDrop(context.Background())
		d.logger.Warn("dispatch queue full, dropping delivery",
			"subscriber", subscriberID, "event_id", ev.ID, "url", url)
		return ErrQueueFull
	}
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Retried:    d.retried.Load(),
		Dropped:    d.dropped.Load(),
	}
}

// Close stops accepting work and waits for the worker to drain what is
// already queued, bounded by CloseTimeout. Idempotent.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		select {
		case <-d.done:
		case <-time.After(d.opts.CloseTimeout):
			d.closeErr = fmt.Errorf("webhook: worker did not drain within %s", d.opts.CloseTimeout)
			d.logger.Warn("closing dispatcher with deliveries still in flight", "timeout", d.opts.CloseTimeout)
		}
	})
	return d.closeErr
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for attempt := range d.queue {
		d.deliver(attempt)
	}
}

// deliver retries the attempt in place so that deliveries to a given queue
// stay in enqueue order.
func (d *Dispatcher) deliver(a *DeliveryAttempt) {
	ctx := context.Background()
	for n := 1; n <= d.opts.MaxAttempts; n++ {
		if n > 1 {
			d.retried.Add(1)
			time.Sleep(d.backoff(n - 1))
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				break
			}
		}

		a.Attempt = n
		start := time.Now()
		err := d.post(ctx, a)
		elapsed := time.Since(start).Seconds()
		if err == nil {
			d.succeeded.Add(1)
			d.opts.Metrics.DeliveryAttempt(ctx, "success", elapsed)
			d.logger.Debug("delivered",
				"subscriber", a.SubscriberID, "event_id", a.Event.ID, "attempt", n)
			if d.opts.OnDelivered != nil {
				d.opts.OnDelivered(a.SubscriberID, a.Event.ID)
			}
			return
		}

		outcome := "retry"
		if n == d.opts.MaxAttempts {
			outcome = "failure"
		}
		d.opts.Metrics.DeliveryAttempt(ctx, outcome, elapsed)
		d.logger.Warn("delivery attempt failed",
			"subscriber", a.SubscriberID, "event_id", a.Event.ID,
			"attempt", n, "max_attempts", d.opts.MaxAttempts, "error", err)
	}

	d.failed.Add(1)
	d.logger.Error("permanent delivery failure, abandoning event",
		"subscriber", a.SubscriberID, "event_id", a.Event.ID, "url", a.TargetURL)
}

// backoff returns the delay before retry n (1-based): base, 2*base, ...
func (d *Dispatcher) backoff(n int) time.Duration {
	if n > 30 {
		n = 30
	}
	return d.opts.BaseBackoff << (n - 1)
}

func (d *Dispatcher) post(ctx context.Context, a *DeliveryAttempt) error {
	body, err := json.Marshal(deliveryBody{
		Event:       a.Event,
		DeliveredAt: time.Now().UTC(),
		Attempt:     a.Attempt,
		Source:      d.opts.Source,
		Version:     d.opts.Version,
	})
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.TargetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(a.Event.Type))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
