package ledger

import (
	"sync"
	"time"
)

// TxStatus is the lifecycle state of a recorded transaction.
type TxStatus string

const (
	TxActive     TxStatus = "active"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled_back"
	TxFailed     TxStatus = "failed"
)

// Default sizes for the transaction ledger.
const (
	DefaultTxHistory      = 100
	DefaultDurationWindow = 100
)

// TxRecord is one transaction in the history.
type TxRecord struct {
	ID             string        `json:"id"`
	LeaseID        string        `json:"lease_id,omitempty"`
	IsolationLevel string        `json:"isolation_level,omitempty"`
	ReadOnly       bool          `json:"read_only"`
	Status         TxStatus      `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
	Duration       time.Duration `json:"duration"`
	Err            string        `json:"error,omitempty"`
}

// TxSnapshot is a read-only copy of the transaction ledger.
type TxSnapshot struct {
	Total       uint64        `json:"total"`
	Active      int           `json:"active"`
	Committed   uint64        `json:"committed"`
	RolledBack  uint64        `json:"rolled_back"`
	Failed      uint64        `json:"failed"`
	Completed   uint64        `json:"completed"`
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	History     []TxRecord    `json:"history,omitempty"`
}

// TxLedger records transaction outcomes. It may be shared by several
// transaction managers drawing from the same pool.
type TxLedger struct {
	mu sync.Mutex

	total      uint64
	active     int
	committed  uint64
	rolledBack uint64
	failed     uint64

	history   *Ring[TxRecord]
	durations *Ring[time.Duration]
}

// NewTxLedger creates a ledger with the given history and duration window sizes.
func NewTxLedger(historySize, durationWindow int) *TxLedger {
	if historySize <= 0 {
		historySize = DefaultTxHistory
	}
	if durationWindow <= 0 {
		durationWindow = DefaultDurationWindow
	}
	return &TxLedger{
		history:   NewRing[TxRecord](historySize),
		durations: NewRing[time.Duration](durationWindow),
	}
}

// Begun records a transaction that reached the active state.
func (l *TxLedger) Begun(rec TxRecord) {
	rec.Status = TxActive
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	l.active++
	l.history.Push(rec)
}

// BeginFailed records a transaction that failed before becoming active.
func (l *TxLedger) BeginFailed(rec TxRecord, err error) {
	rec.Status = TxFailed
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}
	rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
	if err != nil {
		rec.Err = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	l.failed++
	l.history.Push(rec)
}

// Finished moves an active transaction to a terminal status. The duration
// is computed from the recorded start; it returns the completed record.
func (l *TxLedger) Finished(id string, status TxStatus, err error, at time.Time) TxRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}
	switch status {
	case TxCommitted:
		l.committed++
	case TxRolledBack:
		l.rolledBack++
	default:
		status = TxFailed
		l.failed++
	}

	var out TxRecord
	l.history.Update(
		func(r *TxRecord) bool { return r.ID == id },
		func(r *TxRecord) {
			r.Status = status
			r.EndedAt = at
			r.Duration = at.Sub(r.StartedAt)
			if r.Duration < 0 {
				r.Duration = 0
			}
			if err != nil {
				r.Err = err.Error()
			}
			out = *r
		},
	)
	if out.ID != "" {
		l.durations.Push(out.Duration)
	}
	return out
}

// LongRunning returns the records still active for longer than threshold.
func (l *TxLedger) LongRunning(threshold time.Duration, now time.Time) []TxRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []TxRecord
	l.history.Each(func(r TxRecord) {
		if r.Status != TxActive {
			return
		}
		if age := now.Sub(r.StartedAt); age > threshold {
			r.Duration = age
			out = append(out, r)
		}
	})
	return out
}

// Snapshot returns a copy of the counters, duration stats and history.
func (l *TxLedger) Snapshot() TxSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := TxSnapshot{
		Total:      l.total,
		Active:     l.active,
		Committed:  l.committed,
		RolledBack: l.rolledBack,
		Failed:     l.failed,
		Completed:  l.committed + l.rolledBack + l.failed,
		History:    l.history.Items(),
	}

	var sum time.Duration
	n := 0
	l.durations.Each(func(d time.Duration) {
		if n == 0 || d < s.MinDuration {
			s.MinDuration = d
		}
		if d > s.MaxDuration {
			s.MaxDuration = d
		}
		sum += d
		n++
	})
	if n > 0 {
		s.AvgDuration = sum / time.Duration(n)
	}
	return s
}
