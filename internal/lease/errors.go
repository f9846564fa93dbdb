package lease

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisposed is the cause of every acquisition after Dispose.
	ErrDisposed = errors.New("lease manager disposed")

	// ErrHandleReleased is returned by statements issued on a released handle.
	ErrHandleReleased = errors.New("connection handle already released")
)

// AcquisitionError reports a failed Acquire: the pool was exhausted past the
// acquisition timeout, the connection could not be established, or the
// manager was disposed.
type AcquisitionError struct {
	PoolID string
	Waited time.Duration
	Cause  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring connection from pool %s (waited=%v): %v", e.PoolID, e.Waited, e.Cause)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Cause
}

// QueryTimeoutError is returned to the caller of a statement that ran past
// the query timeout. The handle it ran on has been discarded.
type QueryTimeoutError struct {
	PoolID  string
	LeaseID string
	PID     int64
	Timeout time.Duration
	Query   string
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query exceeded %v timeout on pool %s (lease=%s, pid=%d)",
		e.Timeout, e.PoolID, e.LeaseID, e.PID)
}

// IsQueryTimeout reports whether err is a query timeout.
func IsQueryTimeout(err error) bool {
	var qe *QueryTimeoutError
	return errors.As(err, &qe)
}
