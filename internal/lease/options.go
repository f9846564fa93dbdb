package lease

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/ledger"
	"github.com/joao-brasil/dblease/pkg/datasource"
)

// Options are the caller's per-lease settings.
type Options struct {
	IsolationLevel datasource.IsolationLevel
	ReadOnly       bool
	// QueryTimeout overrides Config.QueryTimeout for this handle.
	QueryTimeout time.Duration
}

// ReleaseOptions control how a handle goes back to the pool. A non-nil Err
// or ForceDiscard closes the physical connection instead of recycling it.
type ReleaseOptions struct {
	Err          error
	ForceDiscard bool
}

// Config holds the lease-level thresholds of one manager.
type Config struct {
	QueryTimeout       time.Duration
	CancelTimeout      time.Duration
	LongLeaseThreshold time.Duration
	CapacityWarnRatio  float64
	MonitorInterval    time.Duration
	HistorySize        int
}

func (c *Config) applyDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.CancelTimeout == 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.LongLeaseThreshold == 0 {
		c.LongLeaseThreshold = 30 * time.Minute
	}
	if c.CapacityWarnRatio == 0 {
		c.CapacityWarnRatio = 0.9
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 60 * time.Second
	}
	if c.HistorySize == 0 {
		c.HistorySize = ledger.DefaultConnHistory
	}
}

// SlotLimiter bounds leases across processes. Wait blocks until a slot is
// granted for poolID or timeout elapses; every granted slot is returned
// with Release.
type SlotLimiter interface {
	Wait(ctx context.Context, poolID string, timeout time.Duration) error
	Release(ctx context.Context, poolID string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The manager names it "lease".
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSlotLimiter makes Acquire take a global slot before a local connection.
func WithSlotLimiter(sl SlotLimiter) Option {
	return func(m *Manager) { m.limiter = sl }
}

// WithTracer overrides the tracer used for Acquire spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}
