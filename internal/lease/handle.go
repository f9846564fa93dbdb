package lease

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/dblease/internal/metrics"
	"github.com/joao-brasil/dblease/internal/pool"
)

// Handle is one leased physical connection. Statements issued through its
// methods run under the query timeout; when a statement overruns it the
// backend is cancelled and the handle is discarded. A Handle is owned by a
// single caller and must not be used after it is released.
type Handle struct {
	m    *Manager
	conn *pool.Conn

	id         string
	pid        int64
	opts       Options
	timeout    time.Duration
	acquiredAt time.Time

	released atomic.Bool

	mu       sync.Mutex
	seq      uint64
	cur      *inflight
	deadline time.Time
}

// inflight is the statement currently guarded by the handle's timer.
type inflight struct {
	seq      uint64
	query    string
	started  time.Time
	timer    *time.Timer
	cancel   context.CancelFunc
	finished bool
	timedOut bool
	// handled is closed once a timed-out statement's handle was released.
	handled chan struct{}
	timeout *QueryTimeoutError
}

// ID returns the lease id.
func (h *Handle) ID() string { return h.id }

// PID returns the backend process id, 0 when unknown.
func (h *Handle) PID() int64 { return h.pid }

// PoolID returns the pool the handle was leased from.
func (h *Handle) PoolID() string { return h.conn.PoolID() }

// AcquiredAt returns when the lease started.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Options returns the options the handle was acquired with.
func (h *Handle) Options() Options { return h.opts }

// QueryTimeout returns the effective per-statement timeout.
func (h *Handle) QueryTimeout() time.Duration { return h.timeout }

// Released reports whether the handle went back to the manager.
func (h *Handle) Released() bool { return h.released.Load() }

// Deadline returns the deadline of the running statement, zero when none.
func (h *Handle) Deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}

// Pin marks the connection as carrying an open transaction. A pinned
// connection is discarded rather than recycled if released.
func (h *Handle) Pin() { h.conn.Pin(pool.PinTransaction) }

// Unpin clears the pin and returns how long the connection was pinned.
func (h *Handle) Unpin() time.Duration { return h.conn.Unpin() }

// ExecContext executes a statement that returns no rows.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	qctx, in := h.start(ctx, query)
	res, err := h.conn.SQL().ExecContext(qctx, query, args...)
	if err = h.finish(in, err); err != nil {
		return nil, err
	}
	return res, nil
}

// QueryContext executes a query. The statement stays under the timeout
// until the returned Rows are exhausted or closed.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	qctx, in := h.start(ctx, query)
	rows, err := h.conn.SQL().QueryContext(qctx, query, args...)
	if err != nil {
		return nil, h.finish(in, err)
	}
	return &Rows{Rows: rows, h: h, in: in}, nil
}

// QueryRowContext executes a query expected to return at most one row.
// Errors are deferred until Scan.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	rows, err := h.QueryContext(ctx, query, args...)
	return &Row{rows: rows, err: err}
}

// start arms the timer for a new statement, replacing any pending one.
func (h *Handle) start(ctx context.Context, query string) (context.Context, *inflight) {
	qctx, cancel := context.WithCancel(ctx)
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cur != nil {
		h.cur.timer.Stop()
	}
	h.seq++
	in := &inflight{
		seq:     h.seq,
		query:   query,
		started: now,
		cancel:  cancel,
		handled: make(chan struct{}),
	}
	h.cur = in
	h.deadline = now.Add(h.timeout)
	in.timer = time.AfterFunc(h.timeout, func() { h.expire(in) })
	return qctx, in
}

// finish disarms the statement's timer and maps its outcome. A statement
// that timed out reports the timeout once the handle has been released; a
// connection fault force-releases the handle.
func (h *Handle) finish(in *inflight, err error) error {
	h.mu.Lock()
	in.finished = true
	if h.cur == in {
		h.cur = nil
		h.deadline = time.Time{}
	}
	timedOut := in.timedOut
	h.mu.Unlock()

	in.timer.Stop()
	in.cancel()
	metrics.QueryDuration.WithLabelValues(h.conn.PoolID()).Observe(time.Since(in.started).Seconds())

	if timedOut {
		<-in.handled
		return in.timeout
	}
	if isConnectionFault(err) {
		h.m.connectionFault(h, err)
	}
	return err
}

// expire runs on the timer goroutine.
func (h *Handle) expire(in *inflight) {
	h.mu.Lock()
	if h.cur != in || in.finished || h.released.Load() {
		h.mu.Unlock()
		return
	}
	in.timedOut = true
	in.timeout = &QueryTimeoutError{
		PoolID:  h.conn.PoolID(),
		LeaseID: h.id,
		PID:     h.pid,
		Timeout: h.timeout,
		Query:   in.query,
	}
	h.mu.Unlock()

	defer close(in.handled)
	h.m.queryTimedOut(h, in)
}

// stopTimer disarms any pending statement timer.
func (h *Handle) stopTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur != nil {
		h.cur.timer.Stop()
	}
	h.deadline = time.Time{}
}

// Rows wraps *sql.Rows so that exhausting or closing the result set
// completes the statement it belongs to.
type Rows struct {
	*sql.Rows

	h    *Handle
	in   *inflight
	once sync.Once
	err  error
}

// Next prepares the next row. When the result set ends the statement is
// complete.
func (r *Rows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	r.done(r.Rows.Err())
	return false
}

// Err returns the error encountered during iteration, or the query timeout.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.Rows.Err()
}

// Close closes the result set and completes the statement.
func (r *Rows) Close() error {
	cerr := r.Rows.Close()
	r.done(cerr)
	if r.err != nil {
		return r.err
	}
	return cerr
}

func (r *Rows) done(err error) {
	r.once.Do(func() {
		r.err = r.h.finish(r.in, err)
	})
}

// Row is the result of QueryRowContext.
type Row struct {
	rows *Rows
	err  error
}

// Scan copies the first row into dest and closes the result set. It
// returns sql.ErrNoRows when the query selected nothing.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()

	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	return r.rows.Close()
}

// Err returns the error from running the query, without scanning.
func (r *Row) Err() error {
	return r.err
}
