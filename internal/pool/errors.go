package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by every acquisition once the pool is closed.
var ErrClosed = errors.New("pool closed")

// WaitErrorKind classifies why a caller could not get a connection.
type WaitErrorKind int

const (
	// WaitTimeout means the caller waited the full acquisition timeout.
	WaitTimeout WaitErrorKind = iota
	// WaitQueueFull means the wait queue was at max_waiters (circuit breaker).
	WaitQueueFull
)

// WaitError provides structured information about a failed wait.
type WaitError struct {
	PoolID   string
	Kind     WaitErrorKind
	Depth    int           // queue depth (WaitQueueFull)
	MaxSize  int           // max waiters (WaitQueueFull)
	WaitTime time.Duration // time spent waiting (WaitTimeout)
	Timeout  time.Duration // wait budget (WaitTimeout)
}

func (e *WaitError) Error() string {
	switch e.Kind {
	case WaitQueueFull:
		return fmt.Sprintf("wait queue full for pool %s (depth=%d, max=%d)",
			e.PoolID, e.Depth, e.MaxSize)
	case WaitTimeout:
		return fmt.Sprintf("acquisition timeout for pool %s (waited=%v, timeout=%v)",
			e.PoolID, e.WaitTime, e.Timeout)
	default:
		return fmt.Sprintf("wait error for pool %s", e.PoolID)
	}
}

// IsQueueFull reports whether err is a max_waiters rejection.
func IsQueueFull(err error) bool {
	var we *WaitError
	return errors.As(err, &we) && we.Kind == WaitQueueFull
}

// IsTimeout reports whether err is an acquisition timeout.
func IsTimeout(err error) bool {
	var we *WaitError
	return errors.As(err, &we) && we.Kind == WaitTimeout
}
