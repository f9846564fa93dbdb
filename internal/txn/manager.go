// Package txn runs explicit transactions over leased connections. A Manager
// holds at most one transaction at a time: Begin leases a handle and pins
// it, Commit and Rollback always give it back.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/lease"
	"github.com/joao-brasil/dblease/internal/ledger"
	"github.com/joao-brasil/dblease/internal/metrics"
	"github.com/joao-brasil/dblease/internal/monitor"
	"github.com/joao-brasil/dblease/pkg/datasource"
)

const tracerName = "github.com/joao-brasil/dblease/internal/txn"

// Leaser is the part of the lease manager a transaction needs.
type Leaser interface {
	Acquire(ctx context.Context, opts lease.Options) (*lease.Handle, error)
	Release(h *lease.Handle, opts lease.ReleaseOptions)
	PoolID() string
	Backend() datasource.Backend
}

type state int

const (
	stateIdle state = iota
	stateBeginning
	stateActive
	stateFinishing
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBeginning:
		return "beginning"
	case stateActive:
		return "active"
	default:
		return "finishing"
	}
}

// Config holds transaction thresholds.
type Config struct {
	LongRunningThreshold time.Duration
	MonitorInterval      time.Duration
	HistorySize          int
	DurationWindow       int
}

// WithDefaults returns c with unset thresholds filled in.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.LongRunningThreshold == 0 {
		c.LongRunningThreshold = 5 * time.Minute
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 60 * time.Second
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The manager names it "txn".
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithLedger records into a shared ledger instead of a private one.
func WithLedger(l *ledger.TxLedger) Option {
	return func(m *Manager) {
		if l != nil {
			m.ledger = l
		}
	}
}

// WithoutMonitor disables the manager's own long-running scan, for
// managers whose shared ledger is scanned elsewhere.
func WithoutMonitor() Option {
	return func(m *Manager) { m.noMonitor = true }
}

// WithTracer overrides the tracer used for transaction spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager is the transaction lifecycle manager. Its methods are safe for
// concurrent use, but a second Begin fails rather than queueing.
type Manager struct {
	mu sync.Mutex

	leaser    Leaser
	backend   datasource.Backend
	poolID    string
	cfg       Config
	ledger    *ledger.TxLedger
	logger    *zap.Logger
	tracer    trace.Tracer
	noMonitor bool

	state  state
	handle *lease.Handle
	rec    ledger.TxRecord

	monitor *monitor.Loop
}

// New creates a transaction manager drawing connections from leaser.
func New(leaser Leaser, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		leaser:  leaser,
		backend: leaser.Backend(),
		poolID:  leaser.PoolID(),
		cfg:     cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ledger == nil {
		m.ledger = ledger.NewTxLedger(cfg.HistorySize, cfg.DurationWindow)
	}
	m.logger = m.logger.Named("txn").With(zap.String("pool_id", m.poolID))

	if !m.noMonitor {
		m.monitor = monitor.Start("txn:"+m.poolID, cfg.MonitorInterval, func(now time.Time) {
			m.CheckLongRunning(now)
		})
	}
	return m
}

// Ledger returns the transaction ledger the manager records into.
func (m *Manager) Ledger() *ledger.TxLedger { return m.ledger }

// Active reports whether a transaction is active.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateActive
}

// Begin starts a transaction: it leases a handle with opts, issues BEGIN
// followed by the isolation level and read-only statements, and pins the
// connection. Any failure releases the handle as failed and leaves the
// manager idle.
func (m *Manager) Begin(ctx context.Context, opts lease.Options) error {
	ctx, span := m.tracer.Start(ctx, "txn.Begin", trace.WithAttributes(
		attribute.String("db.pool_id", m.poolID),
		attribute.String("db.isolation_level", string(opts.IsolationLevel)),
		attribute.Bool("db.read_only", opts.ReadOnly),
	))
	defer span.End()

	m.mu.Lock()
	if m.state != stateIdle {
		err := &AlreadyActiveError{TxID: m.rec.ID, State: m.state.String(), Since: m.rec.StartedAt}
		m.mu.Unlock()
		span.SetStatus(codes.Error, "already active")
		return err
	}
	m.state = stateBeginning
	rec := ledger.TxRecord{
		ID:             uuid.NewString(),
		IsolationLevel: string(opts.IsolationLevel),
		ReadOnly:       opts.ReadOnly,
		Status:         ledger.TxActive,
		StartedAt:      time.Now(),
	}
	m.rec = rec
	m.mu.Unlock()
	span.SetAttributes(attribute.String("db.tx_id", rec.ID))

	h, err := m.leaser.Acquire(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		return m.beginFailed(rec, nil, fmt.Errorf("begin transaction: %w", err))
	}
	rec.LeaseID = h.ID()

	stmts := append([]string{m.backend.BeginStatement}, m.backend.TxSetup(opts.IsolationLevel, opts.ReadOnly)...)
	for _, stmt := range stmts {
		if _, err := h.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "begin failed")
			return m.beginFailed(rec, h, fmt.Errorf("begin transaction: %s: %w", stmt, err))
		}
	}
	h.Pin()

	m.ledger.Begun(rec)
	metrics.TransactionsActive.WithLabelValues(m.poolID).Inc()

	m.mu.Lock()
	m.handle = h
	m.rec = rec
	m.state = stateActive
	m.mu.Unlock()

	m.logger.Debug("transaction started",
		zap.String("tx_id", rec.ID),
		zap.String("lease_id", rec.LeaseID),
		zap.String("isolation_level", rec.IsolationLevel),
		zap.Bool("read_only", rec.ReadOnly))
	return nil
}

func (m *Manager) beginFailed(rec ledger.TxRecord, h *lease.Handle, err error) error {
	if h != nil {
		m.leaser.Release(h, lease.ReleaseOptions{Err: err})
	}
	rec.EndedAt = time.Now()
	m.ledger.BeginFailed(rec, err)
	metrics.TransactionsTotal.WithLabelValues(m.poolID, string(ledger.TxFailed)).Inc()

	m.mu.Lock()
	m.reset()
	m.mu.Unlock()

	m.logger.Warn("transaction begin failed", zap.String("tx_id", rec.ID), zap.Error(err))
	return err
}

// Commit commits the active transaction. The handle is released whatever
// the outcome; a failed COMMIT discards it and marks the transaction failed.
func (m *Manager) Commit(ctx context.Context) error {
	return m.finish(ctx, "commit", m.backend.CommitStatement, ledger.TxCommitted)
}

// Rollback rolls back the active transaction and releases its handle.
// Without an active transaction it does nothing.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	idle := m.state == stateIdle
	m.mu.Unlock()
	if idle {
		return nil
	}
	return m.finish(ctx, "rollback", m.backend.RollbackStatement, ledger.TxRolledBack)
}

func (m *Manager) finish(ctx context.Context, op, stmt string, status ledger.TxStatus) error {
	ctx, span := m.tracer.Start(ctx, "txn."+op, trace.WithAttributes(attribute.String("db.pool_id", m.poolID)))
	defer span.End()

	m.mu.Lock()
	if m.state != stateActive {
		err := &NotActiveError{Op: op, State: m.state.String()}
		m.mu.Unlock()
		span.SetStatus(codes.Error, "not active")
		return err
	}
	m.state = stateFinishing
	h, rec := m.handle, m.rec
	m.mu.Unlock()
	span.SetAttributes(attribute.String("db.tx_id", rec.ID))

	_, err := h.ExecContext(ctx, stmt)
	if err != nil {
		status = ledger.TxFailed
		err = fmt.Errorf("%s transaction %s: %w", op, rec.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}

	h.Unpin()
	m.leaser.Release(h, lease.ReleaseOptions{Err: err})

	now := time.Now()
	done := m.ledger.Finished(rec.ID, status, err, now)
	duration := now.Sub(rec.StartedAt)
	metrics.TransactionsActive.WithLabelValues(m.poolID).Dec()
	metrics.TransactionsTotal.WithLabelValues(m.poolID, string(status)).Inc()
	metrics.TransactionDuration.WithLabelValues(m.poolID, string(status)).Observe(duration.Seconds())

	m.mu.Lock()
	m.reset()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("transaction failed",
			zap.String("tx_id", rec.ID), zap.String("op", op), zap.Duration("duration", duration), zap.Error(err))
		return err
	}
	m.logger.Debug("transaction finished",
		zap.String("tx_id", rec.ID), zap.String("status", string(done.Status)), zap.Duration("duration", duration))
	return nil
}

// reset returns the manager to idle. Caller must hold m.mu.
func (m *Manager) reset() {
	m.state = stateIdle
	m.handle = nil
	m.rec = ledger.TxRecord{}
}

// Client returns the handle of the active transaction. Statements issued on
// it run inside the transaction.
func (m *Manager) Client() (*lease.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateActive {
		return nil, &NoClientError{State: m.state.String()}
	}
	return m.handle, nil
}

// CheckLongRunning logs every transaction active for longer than the
// long-running threshold and returns them.
func (m *Manager) CheckLongRunning(now time.Time) []ledger.TxRecord {
	return ReportLongRunning(m.logger, m.poolID, m.ledger, m.cfg.LongRunningThreshold, now)
}

// ReportLongRunning scans l for transactions active longer than threshold,
// logging each one.
func ReportLongRunning(logger *zap.Logger, poolID string, l *ledger.TxLedger, threshold time.Duration, now time.Time) []ledger.TxRecord {
	recs := l.LongRunning(threshold, now)
	for _, r := range recs {
		metrics.LongRunning.WithLabelValues(poolID, "transaction").Inc()
		logger.Warn("long-running transaction",
			zap.String("tx_id", r.ID),
			zap.String("lease_id", r.LeaseID),
			zap.Duration("duration", r.Duration),
			zap.String("isolation_level", r.IsolationLevel))
	}
	return recs
}

// Summary is the read-only metrics view of a transaction ledger.
type Summary struct {
	PoolID string `json:"pool_id"`
	ledger.TxSnapshot
	LongRunning []ledger.TxRecord `json:"long_running,omitempty"`
}

// MetricsSummary returns the transaction counters, durations, history and
// the transactions currently past the long-running threshold.
func (m *Manager) MetricsSummary() Summary {
	return Summary{
		PoolID:      m.poolID,
		TxSnapshot:  m.ledger.Snapshot(),
		LongRunning: m.ledger.LongRunning(m.cfg.LongRunningThreshold, time.Now()),
	}
}

// Dispose stops the long-running monitor. It does not touch an active
// transaction or the lease manager.
func (m *Manager) Dispose() {
	m.monitor.Stop()
}
