// Package pool manages the physical connections of one database. Each pooled
// connection is a *sql.Conn pinned out of a *sql.DB that is used only as a
// dialer; the pool owns idle reuse, FIFO waiting with an acquisition timeout,
// session reset on release, eviction and idle health checks.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/metrics"
	"github.com/joao-brasil/dblease/internal/monitor"
)

// Config holds the limits of one pool.
type Config struct {
	ID                  string
	MaxConnections      int
	MinIdle             int
	MaxWaiters          int // 0 = unlimited
	IdleTimeout         time.Duration
	AcquisitionTimeout  time.Duration
	ResetStatement      string
	ResetTimeout        time.Duration
	MaintenanceInterval time.Duration

	// OnConnCreated is called after each new physical connection.
	OnConnCreated func(id uint64)
}

func (c *Config) applyDefaults() {
	if c.AcquisitionTimeout == 0 {
		c.AcquisitionTimeout = 30 * time.Second
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 5 * time.Second
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.MinIdle > c.MaxConnections {
		c.MinIdle = c.MaxConnections
	}
}

// Stats holds pool occupancy.
type Stats struct {
	PoolID  string `json:"pool_id"`
	Total   int    `json:"total"`
	Active  int    `json:"active"`
	Idle    int    `json:"idle"`
	Waiting int    `json:"waiting"`
	Max     int    `json:"max"`
	Created uint64 `json:"created"`
}

type waitResult struct {
	conn *Conn
	err  error
}

// Pool is a bounded set of physical connections to one database.
type Pool struct {
	mu sync.Mutex

	cfg    Config
	db     *sql.DB
	logger *zap.Logger

	// idle holds connections available for reuse, most recently used last.
	idle []*Conn

	// active tracks leased connections keyed by connection id.
	active map[uint64]*Conn

	// opening and returning count connections being dialed or reset; they
	// occupy capacity without being idle or active.
	opening   int
	returning int

	// waiters is the FIFO queue of callers waiting for a connection.
	waiters []chan waitResult

	nextID  atomic.Uint64
	created atomic.Uint64
	closed  bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	maintenance *monitor.Loop
}

// New creates a pool dialing through db and eagerly opens MinIdle
// connections. The pool takes ownership of db and closes it on Close.
func New(ctx context.Context, db *sql.DB, cfg Config, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("pool %s: db cannot be nil", cfg.ID)
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("pool %s: max_connections must be positive", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	p := &Pool{
		cfg:    cfg,
		db:     db,
		logger: logger.Named("pool").With(zap.String("pool_id", cfg.ID)),
		idle:   make([]*Conn, 0, cfg.MaxConnections),
		active: make(map[uint64]*Conn),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	// Warm pool.
	for i := 0; i < cfg.MinIdle; i++ {
		conn, err := p.createConn(ctx)
		if err != nil {
			p.logger.Warn("failed to create warm connection",
				zap.Int("n", i+1), zap.Int("min_idle", cfg.MinIdle), zap.Error(err))
			continue
		}
		p.idle = append(p.idle, conn)
	}

	metrics.ConnectionsMax.WithLabelValues(cfg.ID).Set(float64(cfg.MaxConnections))
	p.updateMetrics()
	p.logger.Info("pool initialized",
		zap.Int("idle", len(p.idle)), zap.Int("max", cfg.MaxConnections))

	p.maintenance = monitor.Start("pool:"+cfg.ID, cfg.MaintenanceInterval, func(time.Time) {
		p.evictStale()
		p.HealthCheck()
		p.ensureMinIdle()
	})

	return p, nil
}

// ID returns the pool id.
func (p *Pool) ID() string {
	return p.cfg.ID
}

// Config returns the effective pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire obtains a connection. When the pool is at capacity the caller
// waits in FIFO order until a connection is released, the acquisition
// timeout elapses or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	return p.AcquireWithin(ctx, p.cfg.AcquisitionTimeout)
}

// AcquireWithin is Acquire with an explicit wait budget, for callers that
// already spent part of the acquisition timeout elsewhere. A budget of zero
// or less still takes an idle connection or opens a new one, but never
// queues.
func (p *Pool) AcquireWithin(ctx context.Context, timeout time.Duration) (*Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	conn, stale := p.popIdle()
	if conn != nil {
		p.active[conn.id] = conn
		conn.markAcquired()
		p.updateMetrics()
		p.mu.Unlock()
		closeAll(stale)
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "pool_acquired").Inc()
		return conn, nil
	}

	if p.totalLocked() < p.cfg.MaxConnections {
		p.opening++
		p.mu.Unlock()
		closeAll(stale)
		conn, err := p.openForCaller(ctx)
		if err != nil {
			return nil, err
		}
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "pool_created").Inc()
		return conn, nil
	}

	if p.cfg.MaxWaiters > 0 && len(p.waiters) >= p.cfg.MaxWaiters {
		depth := len(p.waiters)
		p.mu.Unlock()
		closeAll(stale)
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "rejected_queue_full").Inc()
		return nil, &WaitError{PoolID: p.cfg.ID, Kind: WaitQueueFull, Depth: depth, MaxSize: p.cfg.MaxWaiters}
	}

	if timeout <= 0 {
		p.mu.Unlock()
		closeAll(stale)
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "timeout").Inc()
		return nil, &WaitError{PoolID: p.cfg.ID, Kind: WaitTimeout, WaitTime: time.Since(start), Timeout: timeout}
	}

	ch := make(chan waitResult, 1)
	p.waiters = append(p.waiters, ch)
	position := len(p.waiters)
	metrics.QueueLength.WithLabelValues(p.cfg.ID).Set(float64(position))
	p.mu.Unlock()
	closeAll(stale)

	p.logger.Debug("connection queue entered", zap.Int("position", position))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "queue_error").Inc()
			return nil, res.err
		}
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "pool_acquired").Inc()
		return res.conn, nil

	case <-timer.C:
		p.abandonWait(ch)
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "timeout").Inc()
		return nil, &WaitError{
			PoolID:   p.cfg.ID,
			Kind:     WaitTimeout,
			WaitTime: time.Since(start),
			Timeout:  timeout,
		}

	case <-ctx.Done():
		p.abandonWait(ch)
		metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns a leased connection. The session is reset before reuse;
// connections still pinned by a transaction, or failing the reset, are
// discarded instead. Releasing a connection the pool does not consider
// leased is a no-op.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.active[conn.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, conn.id)
	p.returning++
	p.mu.Unlock()

	if conn.IsPinned() {
		p.logger.Warn("connection released while pinned, discarding", zap.Uint64("conn_id", conn.id))
		metrics.ConnectionErrors.WithLabelValues(p.cfg.ID, "pinned_release").Inc()
		p.drop(conn)
		return
	}

	if err := p.resetConnection(conn); err != nil {
		p.logger.Warn("session reset failed, closing connection",
			zap.Uint64("conn_id", conn.id), zap.Error(err))
		metrics.ConnectionErrors.WithLabelValues(p.cfg.ID, "reset_failed").Inc()
		p.drop(conn)
		return
	}

	conn.markIdle()
	p.checkin(conn)
	metrics.ConnectionsTotal.WithLabelValues(p.cfg.ID, "pool_released").Inc()
}

// Discard removes a leased connection permanently (e.g. after an error).
// The freed capacity is offered to the first waiter.
func (p *Pool) Discard(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.active[conn.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, conn.id)
	p.updateMetrics()
	p.mu.Unlock()

	conn.close()
	metrics.ConnectionErrors.WithLabelValues(p.cfg.ID, "discarded").Inc()
	p.offerCapacity()
}

// Helper returns a connection outside lease accounting, drawn from the slot
// the opener reserves above MaxConnections. The caller must Close it.
func (p *Pool) Helper(ctx context.Context) (*sql.Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return p.db.Conn(ctx)
}

// Close shuts the pool down: waiters are woken with ErrClosed, every
// connection is closed and the underlying *sql.DB is closed. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()

	for _, w := range p.waiters {
		w <- waitResult{err: ErrClosed}
	}
	p.waiters = nil

	conns := make([]*Conn, 0, len(p.idle)+len(p.active))
	conns = append(conns, p.idle...)
	for _, c := range p.active {
		conns = append(conns, c)
	}
	p.idle = nil
	p.active = make(map[uint64]*Conn)
	p.updateMetrics()
	p.mu.Unlock()

	p.maintenance.Stop()
	p.wg.Wait()
	closeAll(conns)

	err := p.db.Close()
	p.logger.Info("pool closed")
	return err
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PoolID:  p.cfg.ID,
		Total:   p.totalLocked(),
		Active:  len(p.active),
		Idle:    len(p.idle),
		Waiting: len(p.waiters),
		Max:     p.cfg.MaxConnections,
		Created: p.created.Load(),
	}
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.active) + p.opening + p.returning
}

// createConn pins a new physical connection out of the *sql.DB.
func (p *Pool) createConn(ctx context.Context) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquisitionTimeout)
	defer cancel()

	raw, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("db.Conn: %w", err)
	}

	id := p.nextID.Add(1)
	p.created.Add(1)
	if p.cfg.OnConnCreated != nil {
		p.cfg.OnConnCreated(id)
	}
	return newConn(id, p.cfg.ID, raw), nil
}

// openForCaller dials a connection for a caller whose capacity was already
// reserved through p.opening.
func (p *Pool) openForCaller(ctx context.Context) (*Conn, error) {
	conn, err := p.createConn(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.mu.Unlock()
		metrics.ConnectionErrors.WithLabelValues(p.cfg.ID, "create_failed").Inc()
		p.offerCapacity()
		return nil, fmt.Errorf("creating connection for pool %s: %w", p.cfg.ID, err)
	}
	if p.closed {
		p.mu.Unlock()
		conn.close()
		return nil, ErrClosed
	}
	conn.markAcquired()
	p.active[conn.id] = conn
	p.updateMetrics()
	p.mu.Unlock()
	return conn, nil
}

// checkin hands a connection that was counted in p.returning to the first
// waiter, or back to the idle list.
func (p *Pool) checkin(conn *Conn) {
	p.mu.Lock()
	p.returning--
	if p.closed {
		p.mu.Unlock()
		conn.close()
		return
	}

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		conn.markAcquired()
		p.active[conn.id] = conn
		p.updateMetrics()
		p.mu.Unlock()
		ch <- waitResult{conn: conn}
		return
	}

	p.idle = append(p.idle, conn)
	p.updateMetrics()
	p.mu.Unlock()
}

// drop closes a connection that was counted in p.returning.
func (p *Pool) drop(conn *Conn) {
	p.mu.Lock()
	p.returning--
	p.updateMetrics()
	p.mu.Unlock()

	conn.close()
	p.offerCapacity()
}

// offerCapacity dials a replacement connection for the first waiter when
// the pool has room (after a discard or a failed dial).
func (p *Pool) offerCapacity() {
	p.mu.Lock()
	if p.closed || len(p.waiters) == 0 || p.totalLocked() >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.opening++
	p.updateMetrics()
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		conn, err := p.openForCaller(p.ctx)
		if err != nil {
			ch <- waitResult{err: err}
			return
		}
		ch <- waitResult{conn: conn}
	}()
}

// abandonWait removes a waiter that gave up. If a connection was already
// handed to it, that connection goes straight back to the pool.
func (p *Pool) abandonWait(ch chan waitResult) {
	if p.removeWaiter(ch) {
		return
	}
	if res := <-ch; res.conn != nil {
		p.Release(res.conn)
	}
}

// removeWaiter removes a specific waiter channel from the queue. Returns
// false when the waiter had already been dequeued.
func (p *Pool) removeWaiter(ch chan waitResult) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			metrics.QueueLength.WithLabelValues(p.cfg.ID).Set(float64(len(p.waiters)))
			return true
		}
	}
	return false
}

// popIdle removes and returns the most recently used idle connection. Idle
// connections past IdleTimeout that were skipped are returned for closing
// outside the lock.
func (p *Pool) popIdle() (*Conn, []*Conn) {
	var stale []*Conn
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		conn := p.idle[n]
		p.idle = p.idle[:n]

		if p.cfg.IdleTimeout > 0 && conn.idleDuration() > p.cfg.IdleTimeout {
			stale = append(stale, conn)
			continue
		}
		return conn, stale
	}
	return nil, stale
}

// resetConnection clears session state so the connection is safe for reuse.
func (p *Pool) resetConnection(conn *Conn) error {
	if p.cfg.ResetStatement == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	defer cancel()
	_, err := conn.raw.ExecContext(ctx, p.cfg.ResetStatement)
	return err
}

// updateMetrics refreshes the Prometheus gauges. Caller must hold p.mu.
func (p *Pool) updateMetrics() {
	metrics.ConnectionsActive.WithLabelValues(p.cfg.ID).Set(float64(len(p.active)))
	metrics.ConnectionsIdle.WithLabelValues(p.cfg.ID).Set(float64(len(p.idle)))
	metrics.QueueLength.WithLabelValues(p.cfg.ID).Set(float64(len(p.waiters)))
}

// evictStale removes idle connections that have exceeded IdleTimeout,
// keeping at least MinIdle.
func (p *Pool) evictStale() {
	if p.cfg.IdleTimeout == 0 {
		return
	}

	p.mu.Lock()
	remaining := make([]*Conn, 0, len(p.idle))
	var evicted []*Conn
	for _, conn := range p.idle {
		if conn.idleDuration() > p.cfg.IdleTimeout && len(p.idle)-len(evicted) > p.cfg.MinIdle {
			evicted = append(evicted, conn)
		} else {
			remaining = append(remaining, conn)
		}
	}
	p.idle = remaining
	if len(evicted) > 0 {
		p.updateMetrics()
	}
	p.mu.Unlock()

	if len(evicted) > 0 {
		closeAll(evicted)
		p.logger.Info("evicted stale connections", zap.Int("count", len(evicted)))
	}
}

// ensureMinIdle creates connections to maintain the MinIdle threshold.
func (p *Pool) ensureMinIdle() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	deficit := p.cfg.MinIdle - len(p.idle)
	if headroom := p.cfg.MaxConnections - p.totalLocked(); deficit > headroom {
		deficit = headroom
	}
	if deficit <= 0 {
		p.mu.Unlock()
		return
	}
	p.opening += deficit
	p.mu.Unlock()

	created := 0
	for i := 0; i < deficit; i++ {
		conn, err := p.createConn(p.ctx)
		p.mu.Lock()
		p.opening--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("failed to create min_idle connection", zap.Error(err))
			continue
		}
		p.returning++
		p.mu.Unlock()
		p.checkin(conn)
		created++
	}

	if created > 0 {
		p.logger.Info("replenished idle connections", zap.Int("count", created))
	}
}

func closeAll(conns []*Conn) {
	for _, c := range conns {
		c.close()
	}
}
