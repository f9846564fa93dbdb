package lease

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/ledger"
	"github.com/joao-brasil/dblease/internal/metrics"
)

// LeaseAge describes a lease held past the long-lease threshold.
type LeaseAge struct {
	LeaseID string        `json:"lease_id"`
	PID     int64         `json:"pid,omitempty"`
	Age     time.Duration `json:"age"`
}

// HealthReport is the outcome of one monitor pass.
type HealthReport struct {
	PoolID       string           `json:"pool_id"`
	Occupancy    ledger.Occupancy `json:"occupancy"`
	Active       int              `json:"active"`
	NearCapacity bool             `json:"near_capacity"`
	LongLeases   []LeaseAge       `json:"long_leases,omitempty"`
}

// CheckHealth samples pool occupancy into the ledger and warns when active
// leases exceed the capacity ratio or a lease is older than the long-lease
// threshold. It runs on the monitor interval and never mutates leases.
func (m *Manager) CheckHealth(now time.Time) HealthReport {
	st := m.pool.Stats()
	occ := ledger.Occupancy{
		Total:     st.Total,
		Idle:      st.Idle,
		Waiting:   st.Waiting,
		Max:       st.Max,
		SampledAt: now,
	}
	m.ledger.Sample(occ)

	m.mu.Lock()
	active := len(m.handles)
	var long []LeaseAge
	for _, h := range m.handles {
		if age := now.Sub(h.acquiredAt); age > m.cfg.LongLeaseThreshold {
			long = append(long, LeaseAge{LeaseID: h.id, PID: h.pid, Age: age})
		}
	}
	m.mu.Unlock()

	report := HealthReport{
		PoolID:     m.src.ID,
		Occupancy:  occ,
		Active:     active,
		LongLeases: long,
	}

	if st.Max > 0 && float64(active) > m.cfg.CapacityWarnRatio*float64(st.Max) {
		report.NearCapacity = true
		m.logger.Warn("pool near capacity",
			zap.Int("active", active),
			zap.Int("max", st.Max),
			zap.Int("waiting", st.Waiting),
			zap.Float64("warn_ratio", m.cfg.CapacityWarnRatio))
	}

	sort.Slice(long, func(i, j int) bool { return long[i].Age > long[j].Age })
	for _, l := range long {
		metrics.LongRunning.WithLabelValues(m.src.ID, "lease").Inc()
		m.logger.Warn("long-running lease",
			zap.String("lease_id", l.LeaseID),
			zap.Int64("pid", l.PID),
			zap.Duration("age", l.Age))
	}

	return report
}
