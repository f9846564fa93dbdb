package ledger

import (
	"sync"
	"time"
)

// ConnEventKind classifies a connection history entry.
type ConnEventKind string

const (
	ConnAcquired      ConnEventKind = "client_acquired"
	ConnReleased      ConnEventKind = "client_released"
	ConnAcquireFailed ConnEventKind = "client_acquire_failed"
	ConnErrorReleased ConnEventKind = "client_error_released"
)

// DefaultConnHistory is the connection history size used when none is configured.
const DefaultConnHistory = 200

// ConnEvent is one entry of the connection history.
type ConnEvent struct {
	Kind    ConnEventKind `json:"kind"`
	LeaseID string        `json:"lease_id,omitempty"`
	PID     int64         `json:"pid,omitempty"`
	At      time.Time     `json:"at"`
	// Wait is the acquisition latency (acquired / acquire_failed).
	Wait time.Duration `json:"wait,omitempty"`
	// Held is how long the lease was held (released / error_released).
	Held time.Duration `json:"held,omitempty"`
	Err  string        `json:"error,omitempty"`
}

// Occupancy is a point-in-time sample of the physical pool.
type Occupancy struct {
	Total     int       `json:"total"`
	Idle      int       `json:"idle"`
	Waiting   int       `json:"waiting"`
	Max       int       `json:"max"`
	SampledAt time.Time `json:"sampled_at"`
}

// ConnSnapshot is a read-only copy of the connection ledger.
type ConnSnapshot struct {
	TotalCreated       uint64        `json:"total_created"`
	TotalAcquired      uint64        `json:"total_acquired"`
	TotalReleased      uint64        `json:"total_released"`
	FailedAcquisitions uint64        `json:"failed_acquisitions"`
	ErrorReleases      uint64        `json:"error_releases"`
	Active             int           `json:"active"`
	MaxConcurrent      int           `json:"max_concurrent"`
	AvgLeaseDuration   time.Duration `json:"avg_lease_duration"`
	Occupancy          Occupancy     `json:"occupancy"`
	History            []ConnEvent   `json:"history,omitempty"`
}

// ConnLedger records lease lifecycle events for one pool.
type ConnLedger struct {
	mu sync.Mutex

	created       uint64
	acquired      uint64
	released      uint64
	failed        uint64
	errorReleases uint64
	active        int
	maxConcurrent int
	heldTotal     time.Duration
	occupancy     Occupancy

	history *Ring[ConnEvent]
}

// NewConnLedger creates a ledger keeping the last historySize events.
func NewConnLedger(historySize int) *ConnLedger {
	if historySize <= 0 {
		historySize = DefaultConnHistory
	}
	return &ConnLedger{history: NewRing[ConnEvent](historySize)}
}

// Created counts one new physical connection.
func (l *ConnLedger) Created() {
	l.mu.Lock()
	l.created++
	l.mu.Unlock()
}

// Acquired records a successful lease.
func (l *ConnLedger) Acquired(ev ConnEvent) {
	ev.Kind = ConnAcquired
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	l.active++
	if l.active > l.maxConcurrent {
		l.maxConcurrent = l.active
	}
	l.history.Push(ev)
}

// Released records the end of a lease. Events with Err set (or Kind
// ConnErrorReleased) count as error releases.
func (l *ConnLedger) Released(ev ConnEvent) {
	if ev.Err != "" || ev.Kind == ConnErrorReleased {
		ev.Kind = ConnErrorReleased
	} else {
		ev.Kind = ConnReleased
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	if ev.Kind == ConnErrorReleased {
		l.errorReleases++
	}
	if l.active > 0 {
		l.active--
	}
	l.heldTotal += ev.Held
	l.history.Push(ev)
}

// AcquireFailed records a failed acquisition.
func (l *ConnLedger) AcquireFailed(ev ConnEvent) {
	ev.Kind = ConnAcquireFailed
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed++
	l.history.Push(ev)
}

// Sample stores the latest pool occupancy.
func (l *ConnLedger) Sample(o Occupancy) {
	l.mu.Lock()
	l.occupancy = o
	l.mu.Unlock()
}

// Active returns the current number of leased connections.
func (l *ConnLedger) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Snapshot returns a copy of the counters and history.
func (l *ConnLedger) Snapshot() ConnSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := ConnSnapshot{
		TotalCreated:       l.created,
		TotalAcquired:      l.acquired,
		TotalReleased:      l.released,
		FailedAcquisitions: l.failed,
		ErrorReleases:      l.errorReleases,
		Active:             l.active,
		MaxConcurrent:      l.maxConcurrent,
		Occupancy:          l.occupancy,
		History:            l.history.Items(),
	}
	if l.released > 0 {
		s.AvgLeaseDuration = l.heldTotal / time.Duration(l.released)
	}
	return s
}
