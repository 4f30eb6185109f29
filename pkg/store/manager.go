// Package store owns the embedded SQLite store: a single serialized write
// path, a pool of read handles that never block behind writers, and the
// post-commit hook seam the event pipeline hangs off.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mnemos-labs/mnemos/pkg/event"

	_ "modernc.org/sqlite"
)

var (
	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("store: connection manager closed")
)

const (
	defaultReadPoolSize  = 4
	defaultWriteQueueLen = 64
	defaultCloseTimeout  = 5 * time.Second
)

// connPragmas are applied to every connection the manager owns. WAL lets
// readers see a committed snapshot while a write is in flight; busy_timeout
// covers the brief window where two handles contend for the WAL lock.
var connPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
}

// Mutation is a caller-supplied unit of work. It runs on the writer
// goroutine with exclusive use of the write handle and must commit or roll
// back any transaction it opens before returning. See WriteTx for the
// common transactional shape.
type Mutation func(conn *sql.Conn) (any, error)

// Options configures a Manager.
type Options struct {
	Path          string
	ReadPoolSize  int
	WriteQueueLen int
	CloseTimeout  time.Duration
	Logger        *slog.Logger
}

type writeResult struct {
	value any
	err   error
}

type writeRequest struct {
	fn   Mutation
	done chan writeResult
}

// Manager serializes all writes to one store file through a single writer
// goroutine and hands out thread-safe read handles from a free-list pool.
type Manager struct {
	path   string
	db     *sql.DB
	logger *slog.Logger

	writeConn  *sql.Conn
	writes     chan writeRequest
	writerDone chan struct{}

	readers   chan *sql.Conn
	readConns []*sql.Conn

	hookMu sync.Mutex
	hooks  []func()

	// pending/committed are touched only on the writer goroutine.
	pending   []event.Draft
	committed []event.Draft

	mu           sync.RWMutex
	closed       bool
	closeOnce    sync.Once
	closeErr     error
	closeTimeout time.Duration
}

// Open opens (creating if necessary) the store file and starts the writer
// goroutine. A failure to open any handle is fatal: no partially usable
// manager is ever returned.
func Open(opts Options) (*Manager, error) {
	if opts.Path == "" {
		return nil, errors.New("store: path is required")
	}
	if opts.ReadPoolSize <= 0 {
		opts.ReadPoolSize = defaultReadPoolSize
	}
	if opts.WriteQueueLen <= 0 {
		opts.WriteQueueLen = defaultWriteQueueLen
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Path, err)
	}
	// One writer plus the read pool; nothing else should be handed out.
	db.SetMaxOpenConns(opts.ReadPoolSize + 1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	m := &Manager{
		path:         opts.Path,
		db:           db,
		logger:       opts.Logger.With("component", "store", "path", opts.Path),
		writes:       make(chan writeRequest, opts.WriteQueueLen),
		writerDone:   make(chan struct{}),
		readers:      make(chan *sql.Conn, opts.ReadPoolSize),
		closeTimeout: opts.CloseTimeout,
	}

	m.writeConn, err = m.newConn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: open write handle: %w", err)
	}

	for i := 0; i < opts.ReadPoolSize; i++ {
		conn, err := m.newConn(ctx)
		if err != nil {
			m.releaseConns()
			_ = db.Close()
			return nil, fmt.Errorf("store: open read handle: %w", err)
		}
		m.readConns = append(m.readConns, conn)
		m.readers <- conn
	}

	go m.writerLoop()
	return m, nil
}

func (m *Manager) newConn(ctx context.Context) (*sql.Conn, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	for _, pragma := range connPragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// Path returns the store file path this manager owns.
func (m *Manager) Path() string { return m.path }

// Write enqueues the mutation and blocks until the writer goroutine has run
// it, returning the mutation's own result or error. Mutations are executed
// strictly in queue order; a failing mutation never affects its neighbors.
//
// If ctx is cancelled before the mutation starts it is skipped; once
// running, a mutation is never cancelled.
func (m *Manager) Write(ctx context.Context, fn Mutation) (any, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	req := writeRequest{fn: fn, done: make(chan writeResult, 1)}
	select {
	case m.writes <- req:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		// The mutation still runs; the caller just stops waiting.
		return nil, ctx.Err()
	}
}

// WriteTx runs fn inside a transaction on the write handle, committing on
// nil error and rolling back otherwise.
func (m *Manager) WriteTx(ctx context.Context, fn func(tx *sql.Tx) (any, error)) (any, error) {
	return m.Write(ctx, func(conn *sql.Conn) (any, error) {
		// In-flight writes are never cancelled; detach the caller's ctx.
		txCtx := context.WithoutCancel(ctx)
		tx, err := conn.BeginTx(txCtx, nil)
		if err != nil {
			return nil, fmt.Errorf("store: begin: %w", err)
		}
		value, err := fn(tx)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("store: commit: %w", err)
		}
		return value, nil
	})
}

// Read borrows a read handle from the pool, runs fn, and returns the handle.
// Read handles are never shared between two goroutines at once, and reads
// never wait for the writer (WAL snapshot isolation).
func (m *Manager) Read(ctx context.Context, fn func(conn *sql.Conn) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	select {
	case conn := <-m.readers:
		defer func() { m.readers <- conn }()
		return fn(conn)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterPostCommitHook adds fn to the hooks invoked on the writer
// goroutine after every successful mutation, in registration order. Hooks
// must not block; a panicking hook is logged and swallowed and never fails
// the mutation that triggered it.
func (m *Manager) RegisterPostCommitHook(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// StageEvent records a draft to be handed to post-commit hooks if the
// current mutation commits. Writer goroutine only: call it from inside a
// Mutation, nowhere else.
func (m *Manager) StageEvent(d event.Draft) {
	m.pending = append(m.pending, d)
}

// TakeCommitted drains the drafts staged by the mutation that just
// committed. Writer goroutine only: call it from a post-commit hook.
func (m *Manager) TakeCommitted() []event.Draft {
	out := m.committed
	m.committed = nil
	return out
}

// ExecOnWriter runs a statement on the writer-owned handle. Writer
// goroutine only (inside a Mutation or a post-commit hook); the handle is
// never touched by any other goroutine.
func (m *Manager) ExecOnWriter(query string, args ...any) error {
	_, err := m.writeConn.ExecContext(context.Background(), query, args...)
	return err
}

func (m *Manager) writerLoop() {
	defer close(m.writerDone)
	for req := range m.writes {
		req.done <- m.runMutation(req.fn)
	}
}

func (m *Manager) runMutation(fn Mutation) writeResult {
	m.pending = nil
	value, err := m.callMutation(fn)
	if err != nil {
		m.pending = nil
		return writeResult{err: err}
	}
	m.committed = m.pending
	m.pending = nil
	m.runHooks()
	m.committed = nil
	return writeResult{value: value}
}

func (m *Manager) callMutation(fn Mutation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store: mutation panic: %v", r)
		}
	}()
	return fn(m.writeConn)
}

func (m *Manager) runHooks() {
	m.hookMu.Lock()
	hooks := make([]func(), len(m.hooks))
	copy(hooks, m.hooks)
	m.hookMu.Unlock()

	for _, h := range hooks {
		m.callHook(h)
	}
}

func (m *Manager) callHook(h func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("post-commit hook panicked", "panic", r)
		}
	}()
	h()
}

// Close drains the write queue, joins the writer goroutine with a bounded
// timeout, and closes every pooled handle. Idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.writes)
		m.mu.Unlock()

		select {
		case <-m.writerDone:
		case <-time.After(m.closeTimeout):
			m.closeErr = fmt.Errorf("store: writer did not drain within %s", m.closeTimeout)
			m.logger.Warn("closing store with writer still draining", "timeout", m.closeTimeout)
		}

		m.releaseConns()
		if err := m.db.Close(); err != nil && m.closeErr == nil {
			m.closeErr = fmt.Errorf("store: close db: %w", err)
		}
	})
	return m.closeErr
}

func (m *Manager) releaseConns() {
	if m.writeConn != nil {
		_ = m.writeConn.Close()
	}
	for _, conn := range m.readConns {
		_ = conn.Close()
	}
	// Drain the free list so nothing hands out a closed conn.
	for {
		select {
		case <-m.readers:
		default:
			return
		}
	}
}
