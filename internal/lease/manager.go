// Package lease hands out tracked connection handles from a pool: it bounds
// acquisition, guards every statement with a query timeout that cancels the
// backend and discards the connection on expiry, records lease metrics in a
// ledger and monitors occupancy and lease age.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/ledger"
	"github.com/joao-brasil/dblease/internal/metrics"
	"github.com/joao-brasil/dblease/internal/monitor"
	"github.com/joao-brasil/dblease/internal/pool"
	"github.com/joao-brasil/dblease/pkg/datasource"
)

const tracerName = "github.com/joao-brasil/dblease/internal/lease"

// Manager is the connection lease manager of one data source.
type Manager struct {
	mu sync.Mutex

	src     datasource.Source
	backend datasource.Backend
	cfg     Config
	pool    *pool.Pool
	ledger  *ledger.ConnLedger
	logger  *zap.Logger
	tracer  trace.Tracer
	limiter SlotLimiter

	handles  map[string]*Handle
	disposed bool

	errorListeners  listeners[ErrorEvent]
	statusListeners listeners[StatusEvent]

	monitor *monitor.Loop
}

// Open dials src through datasource.Open and builds a Manager on it.
func Open(ctx context.Context, src *datasource.Source, cfg Config, opts ...Option) (*Manager, error) {
	db, err := datasource.Open(src)
	if err != nil {
		return nil, err
	}
	m, err := New(ctx, db, src, cfg, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// New builds a Manager over db, which must reserve one connection above
// src.MaxConnections for backend cancellation. The manager owns db.
func New(ctx context.Context, db *sql.DB, src *datasource.Source, cfg Config, opts ...Option) (*Manager, error) {
	if src == nil {
		return nil, errors.New("lease: source cannot be nil")
	}
	backend, err := src.Backend()
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	m := &Manager{
		src:     *src,
		backend: backend,
		cfg:     cfg,
		ledger:  ledger.NewConnLedger(cfg.HistorySize),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("lease").With(zap.String("pool_id", src.ID))

	m.pool, err = pool.New(ctx, db, pool.Config{
		ID:                 src.ID,
		MaxConnections:     src.MaxConnections,
		MinIdle:            src.MinIdle,
		MaxWaiters:         src.MaxWaiters,
		IdleTimeout:        src.IdleTimeout,
		AcquisitionTimeout: src.AcquisitionTimeout,
		ResetStatement:     backend.ResetStatement,
		OnConnCreated:      func(uint64) { m.ledger.Created() },
	}, m.logger)
	if err != nil {
		return nil, err
	}

	m.monitor = monitor.Start("lease:"+src.ID, cfg.MonitorInterval, func(now time.Time) {
		m.CheckHealth(now)
	})

	m.logger.Info("lease manager started",
		zap.String("backend", backend.Name),
		zap.Int("max_connections", src.MaxConnections),
		zap.Duration("query_timeout", cfg.QueryTimeout))
	return m, nil
}

// PoolID returns the id of the managed pool.
func (m *Manager) PoolID() string { return m.src.ID }

// Source returns the data source the manager was built for.
func (m *Manager) Source() datasource.Source { return m.src }

// Backend returns the backend statement set.
func (m *Manager) Backend() datasource.Backend { return m.backend }

// Config returns the effective lease configuration.
func (m *Manager) Config() Config { return m.cfg }

// Pool returns the underlying physical pool.
func (m *Manager) Pool() *pool.Pool { return m.pool }

// Acquire leases a connection, waiting up to the acquisition timeout while
// the pool is exhausted. The backend pid is read and the requested
// isolation level and read-only mode are applied to the session before the
// handle is returned. Acquisition failures are *AcquisitionError; invalid
// options are rejected before any accounting.
func (m *Manager) Acquire(ctx context.Context, opts Options) (*Handle, error) {
	ctx, span := m.tracer.Start(ctx, "lease.Acquire", trace.WithAttributes(
		attribute.String("db.pool_id", m.src.ID),
		attribute.String("db.isolation_level", string(opts.IsolationLevel)),
		attribute.Bool("db.read_only", opts.ReadOnly),
	))
	defer span.End()

	if opts.IsolationLevel != "" && !opts.IsolationLevel.Valid() {
		err := fmt.Errorf("invalid isolation level %q", opts.IsolationLevel)
		span.SetStatus(codes.Error, "invalid options")
		return nil, err
	}

	start := time.Now()
	h, err := m.acquire(ctx, opts, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		return nil, m.acquireFailed(start, err)
	}
	span.SetAttributes(attribute.String("db.lease_id", h.id), attribute.Int64("db.backend_pid", h.pid))
	return h, nil
}

func (m *Manager) acquire(ctx context.Context, opts Options, start time.Time) (*Handle, error) {
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		return nil, ErrDisposed
	}

	// The global slot and the local connection share one acquisition budget.
	budget := m.pool.Config().AcquisitionTimeout
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, m.src.ID, budget); err != nil {
			return nil, fmt.Errorf("global slot: %w", err)
		}
	}

	conn, err := m.pool.AcquireWithin(ctx, budget-time.Since(start))
	if err != nil {
		m.releaseSlot()
		if errors.Is(err, pool.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrDisposed, err)
		}
		return nil, err
	}
	waited := time.Since(start)

	timeout := m.cfg.QueryTimeout
	if opts.QueryTimeout > 0 {
		timeout = opts.QueryTimeout
	}
	h := &Handle{
		m:          m,
		conn:       conn,
		id:         uuid.NewString(),
		opts:       opts,
		timeout:    timeout,
		acquiredAt: time.Now(),
	}
	h.pid = m.backendPID(ctx, conn)

	for _, stmt := range m.backend.SessionSetup(opts.IsolationLevel, opts.ReadOnly) {
		if _, err := conn.SQL().ExecContext(ctx, stmt); err != nil {
			m.pool.Discard(conn)
			m.releaseSlot()
			return nil, fmt.Errorf("session setup %q: %w", stmt, err)
		}
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.pool.Discard(conn)
		m.releaseSlot()
		return nil, ErrDisposed
	}
	m.handles[h.id] = h
	m.mu.Unlock()

	m.ledger.Acquired(ledger.ConnEvent{
		Kind:    ledger.ConnAcquired,
		LeaseID: h.id,
		PID:     h.pid,
		At:      h.acquiredAt,
		Wait:    waited,
	})
	metrics.AcquireWaitDuration.WithLabelValues(m.src.ID).Observe(waited.Seconds())
	metrics.ConnectionsTotal.WithLabelValues(m.src.ID, "leased").Inc()

	m.logger.Debug("connection leased",
		zap.String("lease_id", h.id), zap.Int64("pid", h.pid), zap.Duration("wait", waited))
	m.statusListeners.emit(StatusEvent{
		PoolID: m.src.ID, LeaseID: h.id, Kind: StatusAcquired,
		Active: m.ledger.Active(), At: h.acquiredAt,
	})
	return h, nil
}

// backendPID reads the server process id of conn, 0 when it cannot.
func (m *Manager) backendPID(ctx context.Context, conn *pool.Conn) int64 {
	if m.backend.PIDQuery == "" {
		return 0
	}
	var pid int64
	if err := conn.SQL().QueryRowContext(ctx, m.backend.PIDQuery).Scan(&pid); err != nil {
		m.logger.Debug("backend pid unavailable", zap.Error(err))
		return 0
	}
	return pid
}

func (m *Manager) acquireFailed(start time.Time, cause error) error {
	waited := time.Since(start)
	now := time.Now()
	m.ledger.AcquireFailed(ledger.ConnEvent{
		Kind: ledger.ConnAcquireFailed,
		At:   now,
		Wait: waited,
		Err:  cause.Error(),
	})
	metrics.ConnectionsTotal.WithLabelValues(m.src.ID, "acquire_failed").Inc()
	m.logger.Warn("connection acquisition failed", zap.Duration("waited", waited), zap.Error(cause))
	m.statusListeners.emit(StatusEvent{
		PoolID: m.src.ID, Kind: StatusAcquireFailed, Active: m.ledger.Active(), At: now,
	})
	return &AcquisitionError{PoolID: m.src.ID, Waited: waited, Cause: cause}
}

func (m *Manager) releaseSlot() {
	if m.limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
	defer cancel()
	if err := m.limiter.Release(ctx, m.src.ID); err != nil {
		m.logger.Warn("global slot release failed", zap.Error(err))
	}
}

// Release returns a handle to the pool. A non-nil opts.Err, opts.ForceDiscard
// or a still pinned connection discards the physical connection. Releasing
// an already released or untracked handle is a no-op.
func (m *Manager) Release(h *Handle, opts ReleaseOptions) {
	if h == nil {
		return
	}

	m.mu.Lock()
	tracked, ok := m.handles[h.id]
	if !ok || tracked != h {
		m.mu.Unlock()
		m.logger.Debug("release of untracked handle ignored", zap.String("lease_id", h.id))
		return
	}
	delete(m.handles, h.id)
	m.mu.Unlock()
	h.released.Store(true)
	h.stopTimer()

	now := time.Now()
	held := now.Sub(h.acquiredAt)
	discard := opts.Err != nil || opts.ForceDiscard || h.conn.IsPinned()

	// The lease is closed in the ledger before the connection can reach
	// another caller.
	ev := ledger.ConnEvent{
		Kind:    ledger.ConnReleased,
		LeaseID: h.id,
		PID:     h.pid,
		At:      now,
		Held:    held,
	}
	if opts.Err != nil {
		ev.Kind = ledger.ConnErrorReleased
		ev.Err = opts.Err.Error()
		metrics.ConnectionErrors.WithLabelValues(m.src.ID, errorType(opts.Err)).Inc()
	}
	m.ledger.Released(ev)
	metrics.LeaseDuration.WithLabelValues(m.src.ID).Observe(held.Seconds())

	if discard {
		m.pool.Discard(h.conn)
	} else {
		m.pool.Release(h.conn)
	}
	m.releaseSlot()

	kind := StatusReleased
	if discard {
		kind = StatusDiscarded
	}
	m.logger.Debug("connection released",
		zap.String("lease_id", h.id), zap.Duration("held", held), zap.Bool("discarded", discard))
	m.statusListeners.emit(StatusEvent{
		PoolID: m.src.ID, LeaseID: h.id, Kind: kind, Active: m.ledger.Active(), At: now,
	})
}

// connectionFault force-releases a handle whose connection failed. Only
// the first report for a handle has any effect.
func (m *Manager) connectionFault(h *Handle, err error) {
	if h.released.Load() {
		return
	}
	m.logger.Warn("connection fault, discarding",
		zap.String("lease_id", h.id), zap.Int64("pid", h.pid), zap.Error(err))
	m.errorListeners.emit(ErrorEvent{
		PoolID: m.src.ID, LeaseID: h.id, PID: h.pid, Err: err, At: time.Now(),
	})
	m.Release(h, ReleaseOptions{Err: err, ForceDiscard: true})
}

// queryTimedOut reports the timeout, asks the backend to cancel the
// statement, stops the local call and discards the handle.
func (m *Manager) queryTimedOut(h *Handle, in *inflight) {
	terr := in.timeout
	metrics.QueryTimeouts.WithLabelValues(m.src.ID).Inc()
	m.logger.Warn("query timeout",
		zap.String("lease_id", h.id),
		zap.Int64("pid", h.pid),
		zap.Duration("timeout", h.timeout),
		zap.String("query", in.query))
	m.errorListeners.emit(ErrorEvent{
		PoolID: m.src.ID, LeaseID: h.id, PID: h.pid, Err: terr, At: time.Now(),
	})

	if h.pid != 0 {
		m.cancelBackend(h.pid)
	}
	in.cancel()
	m.Release(h, ReleaseOptions{Err: terr, ForceDiscard: true})
}

// cancelBackend sends the cancel statement for pid over a helper
// connection. Failures are only logged.
func (m *Manager) cancelBackend(pid int64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
	defer cancel()

	helper, err := m.pool.Helper(ctx)
	if err != nil {
		metrics.CancelRequests.WithLabelValues(m.src.ID, "helper_failed").Inc()
		m.logger.Warn("cancel helper connection failed", zap.Int64("pid", pid), zap.Error(err))
		return
	}
	defer helper.Close()

	stmt, args := m.backend.CancelStatement(pid)
	if stmt == "" {
		return
	}
	if _, err := helper.ExecContext(ctx, stmt, args...); err != nil {
		metrics.CancelRequests.WithLabelValues(m.src.ID, "failed").Inc()
		m.logger.Warn("backend cancel failed", zap.Int64("pid", pid), zap.Error(err))
		return
	}
	metrics.CancelRequests.WithLabelValues(m.src.ID, "sent").Inc()
	m.logger.Info("backend cancel sent", zap.Int64("pid", pid))
}

// Dispose stops the monitor, closes the pool and clears tracking. Handles
// still leased become inert; Acquire fails with ErrDisposed. Idempotent.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	m.monitor.Stop()

	// Running statements must stop before their connections can close.
	// Abandoned leases are closed in the ledger and give back their
	// global slot; their connections go down with the pool.
	now := time.Now()
	for _, h := range handles {
		h.released.Store(true)
		h.mu.Lock()
		if h.cur != nil {
			h.cur.timer.Stop()
			h.cur.cancel()
		}
		h.mu.Unlock()

		m.ledger.Released(ledger.ConnEvent{
			Kind:    ledger.ConnErrorReleased,
			LeaseID: h.id,
			PID:     h.pid,
			At:      now,
			Held:    now.Sub(h.acquiredAt),
			Err:     ErrDisposed.Error(),
		})
		m.releaseSlot()
	}

	err := m.pool.Close()
	m.logger.Info("lease manager disposed", zap.Int("abandoned_leases", len(handles)))
	m.statusListeners.emit(StatusEvent{PoolID: m.src.ID, Kind: StatusDisposed, At: time.Now()})
	return err
}

// Disposed reports whether Dispose has been called.
func (m *Manager) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Summary is the read-only metrics view of a manager.
type Summary struct {
	PoolID string `json:"pool_id"`
	ledger.ConnSnapshot
}

// MetricsSummary returns a snapshot of the lease ledger with the current
// pool occupancy.
func (m *Manager) MetricsSummary() Summary {
	snap := m.ledger.Snapshot()
	st := m.pool.Stats()
	snap.Occupancy = ledger.Occupancy{
		Total:     st.Total,
		Idle:      st.Idle,
		Waiting:   st.Waiting,
		Max:       st.Max,
		SampledAt: time.Now(),
	}
	return Summary{PoolID: m.src.ID, ConnSnapshot: snap}
}
