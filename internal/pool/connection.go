package pool

import (
	"database/sql"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/joao-brasil/dblease/internal/metrics"
)

// PinReason describes why a connection must not be recycled as-is.
type PinReason string

const (
	PinNone        PinReason = ""
	PinTransaction PinReason = "transaction"
)

// ConnState represents the lifecycle state of a pooled connection.
type ConnState int

const (
	ConnStateIdle   ConnState = iota // available in the pool
	ConnStateActive                  // leased to a caller
	ConnStateClosed                  // removed from the pool
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateActive:
		return "active"
	default:
		return "closed"
	}
}

// Conn wraps one physical connection (a pinned *sql.Conn) with the metadata
// the pool needs to manage it.
type Conn struct {
	mu sync.Mutex

	raw *sql.Conn

	id     uint64
	poolID string

	state     ConnState
	pinReason PinReason
	pinnedAt  time.Time

	createdAt       time.Time
	lastUsedAt      time.Time
	lastHealthCheck time.Time
	useCount        uint64
}

func newConn(id uint64, poolID string, raw *sql.Conn) *Conn {
	now := time.Now()
	return &Conn{
		raw:             raw,
		id:              id,
		poolID:          poolID,
		state:           ConnStateIdle,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}
}

// SQL returns the underlying *sql.Conn.
func (c *Conn) SQL() *sql.Conn {
	return c.raw
}

// ID returns the connection id, unique within its pool.
func (c *Conn) ID() uint64 {
	return c.id
}

// PoolID returns the pool the connection belongs to.
func (c *Conn) PoolID() string {
	return c.poolID
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UseCount returns how many times the connection has been acquired.
func (c *Conn) UseCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// IsPinned reports whether the connection is pinned.
func (c *Conn) IsPinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinReason != PinNone
}

// Pin marks the connection as carrying server-side state (an open transaction).
func (c *Conn) Pin(reason PinReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinReason == PinNone && reason != PinNone {
		c.pinnedAt = time.Now()
		metrics.ConnectionsPinned.WithLabelValues(c.poolID).Inc()
	}
	c.pinReason = reason
}

// Unpin clears the pin and returns how long the connection was pinned.
func (c *Conn) Unpin() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unpinLocked()
}

func (c *Conn) unpinLocked() time.Duration {
	dur := time.Duration(0)
	if c.pinReason != PinNone {
		dur = time.Since(c.pinnedAt)
		metrics.ConnectionsPinned.WithLabelValues(c.poolID).Dec()
	}
	c.pinReason = PinNone
	c.pinnedAt = time.Time{}
	return dur
}

func (c *Conn) markAcquired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateActive
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *Conn) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateIdle
	c.lastUsedAt = time.Now()
}

// markClosed returns false when the connection was already closed.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnStateClosed {
		return false
	}
	c.state = ConnStateClosed
	c.unpinLocked()
	return true
}

func (c *Conn) idleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

// close physically closes the connection. Returning driver.ErrBadConn from
// Raw makes database/sql drop the driver connection instead of keeping it
// in its own idle set.
func (c *Conn) close() {
	if !c.markClosed() {
		return
	}
	_ = c.raw.Raw(func(any) error { return driver.ErrBadConn })
	_ = c.raw.Close()
}
