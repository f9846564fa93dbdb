// Package registry keeps one lease manager per configured data source, plus
// the transaction ledger shared by every transaction manager of that source.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/config"
	"github.com/joao-brasil/dblease/internal/lease"
	"github.com/joao-brasil/dblease/internal/ledger"
	"github.com/joao-brasil/dblease/internal/monitor"
	"github.com/joao-brasil/dblease/internal/txn"
	"github.com/joao-brasil/dblease/pkg/datasource"
)

// OpenFunc dials the *sql.DB a pool is built on.
type OpenFunc func(src *datasource.Source) (*sql.DB, error)

// Option configures a Registry.
type Option func(*Registry)

// WithOpener replaces datasource.Open, mostly for tests.
func WithOpener(open OpenFunc) Option {
	return func(r *Registry) { r.open = open }
}

// WithSlotLimiter makes every pool take a global slot before leasing.
func WithSlotLimiter(sl lease.SlotLimiter) Option {
	return func(r *Registry) { r.limiter = sl }
}

type entry struct {
	leases   *lease.Manager
	txLedger *ledger.TxLedger
}

// Registry manages the lease managers of all configured pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*entry

	leaseCfg lease.Config
	txCfg    txn.Config
	open     OpenFunc
	limiter  lease.SlotLimiter
	logger   *zap.Logger

	monitor *monitor.Loop
}

// New opens a lease manager for every pool in cfg. If any pool fails to
// start, the ones already opened are disposed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		pools:    make(map[string]*entry, len(cfg.Pools)),
		leaseCfg: LeaseConfig(cfg),
		txCfg:    TxConfig(cfg).WithDefaults(),
		open:     datasource.Open,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := range cfg.Pools {
		src := &cfg.Pools[i]
		if err := r.add(ctx, src); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("initializing pool %s: %w", src.ID, err)
		}
	}

	// Every txn manager of a pool shares its ledger, so long-running
	// transactions are scanned once per pool here.
	r.monitor = monitor.Start("registry:txn", r.txCfg.MonitorInterval, func(now time.Time) {
		r.CheckLongRunning(now)
	})

	logger.Info("registry initialized", zap.Int("pools", len(r.pools)))
	return r, nil
}

func (r *Registry) add(ctx context.Context, src *datasource.Source) error {
	db, err := r.open(src)
	if err != nil {
		return err
	}

	leaseOpts := []lease.Option{lease.WithLogger(r.logger)}
	if r.limiter != nil {
		leaseOpts = append(leaseOpts, lease.WithSlotLimiter(r.limiter))
	}
	m, err := lease.New(ctx, db, src, r.leaseCfg, leaseOpts...)
	if err != nil {
		_ = db.Close()
		return err
	}

	r.mu.Lock()
	r.pools[src.ID] = &entry{
		leases:   m,
		txLedger: ledger.NewTxLedger(r.txCfg.HistorySize, r.txCfg.DurationWindow),
	}
	r.mu.Unlock()
	return nil
}

// LeaseConfig converts the leases section of cfg.
func LeaseConfig(cfg *config.Config) lease.Config {
	return lease.Config{
		QueryTimeout:       cfg.Leases.QueryTimeout,
		CancelTimeout:      cfg.Leases.CancelTimeout,
		LongLeaseThreshold: cfg.Leases.LongLeaseThreshold,
		CapacityWarnRatio:  cfg.Leases.CapacityWarnRatio,
		MonitorInterval:    cfg.Service.MonitorInterval,
		HistorySize:        cfg.Leases.HistorySize,
	}
}

// TxConfig converts the transactions section of cfg.
func TxConfig(cfg *config.Config) txn.Config {
	return txn.Config{
		LongRunningThreshold: cfg.Transactions.LongRunningThreshold,
		MonitorInterval:      cfg.Service.MonitorInterval,
		HistorySize:          cfg.Transactions.HistorySize,
		DurationWindow:       cfg.Transactions.DurationWindow,
	}
}

func (r *Registry) get(poolID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("unknown pool: %s", poolID)
	}
	return e, nil
}

// Leases returns the lease manager of poolID.
func (r *Registry) Leases(poolID string) (*lease.Manager, error) {
	e, err := r.get(poolID)
	if err != nil {
		return nil, err
	}
	return e.leases, nil
}

// Acquire leases a connection from poolID.
func (r *Registry) Acquire(ctx context.Context, poolID string, opts lease.Options) (*lease.Handle, error) {
	e, err := r.get(poolID)
	if err != nil {
		return nil, err
	}
	return e.leases.Acquire(ctx, opts)
}

// Release returns h to the pool it was leased from.
func (r *Registry) Release(h *lease.Handle, opts lease.ReleaseOptions) {
	if h == nil {
		return
	}
	e, err := r.get(h.PoolID())
	if err != nil {
		r.logger.Warn("releasing handle of unknown pool", zap.String("pool_id", h.PoolID()))
		return
	}
	e.leases.Release(h, opts)
}

// NewTx returns a transaction manager for poolID that records into the
// pool's shared transaction ledger. Each caller owns its manager; one
// manager runs one transaction at a time.
func (r *Registry) NewTx(poolID string) (*txn.Manager, error) {
	e, err := r.get(poolID)
	if err != nil {
		return nil, err
	}
	return txn.New(e.leases, r.txCfg,
		txn.WithLogger(r.logger),
		txn.WithLedger(e.txLedger),
		txn.WithoutMonitor(),
	), nil
}

// PoolIDs returns the configured pool ids, sorted.
func (r *Registry) PoolIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PoolSummary combines the lease and transaction views of one pool.
type PoolSummary struct {
	Leases       lease.Summary `json:"leases"`
	Transactions txn.Summary   `json:"transactions"`
}

// Summary returns the metrics summary of poolID.
func (r *Registry) Summary(poolID string) (PoolSummary, error) {
	e, err := r.get(poolID)
	if err != nil {
		return PoolSummary{}, err
	}
	return r.summary(poolID, e), nil
}

func (r *Registry) summary(poolID string, e *entry) PoolSummary {
	return PoolSummary{
		Leases: e.leases.MetricsSummary(),
		Transactions: txn.Summary{
			PoolID:      poolID,
			TxSnapshot:  e.txLedger.Snapshot(),
			LongRunning: e.txLedger.LongRunning(r.txCfg.LongRunningThreshold, time.Now()),
		},
	}
}

// Summaries returns the summary of every pool, ordered by pool id.
func (r *Registry) Summaries() []PoolSummary {
	ids := r.PoolIDs()
	out := make([]PoolSummary, 0, len(ids))
	for _, id := range ids {
		if s, err := r.Summary(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// CheckHealth runs a lease health pass on every pool.
func (r *Registry) CheckHealth(now time.Time) []lease.HealthReport {
	ids := r.PoolIDs()
	out := make([]lease.HealthReport, 0, len(ids))
	for _, id := range ids {
		if e, err := r.get(id); err == nil {
			out = append(out, e.leases.CheckHealth(now))
		}
	}
	return out
}

// CheckLongRunning reports the long-running transactions of every pool.
func (r *Registry) CheckLongRunning(now time.Time) map[string][]ledger.TxRecord {
	out := make(map[string][]ledger.TxRecord)
	for _, id := range r.PoolIDs() {
		e, err := r.get(id)
		if err != nil {
			continue
		}
		logger := r.logger.Named("txn").With(zap.String("pool_id", id))
		if recs := txn.ReportLongRunning(logger, id, e.txLedger, r.txCfg.LongRunningThreshold, now); len(recs) > 0 {
			out[id] = recs
		}
	}
	return out
}

// Close disposes every lease manager.
func (r *Registry) Close() error {
	r.monitor.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, e := range r.pools {
		if err := e.leases.Dispose(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", id, err)
		}
	}
	r.pools = make(map[string]*entry)

	r.logger.Info("registry closed")
	return firstErr
}
