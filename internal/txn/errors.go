package txn

import (
	"fmt"
	"time"
)

// AlreadyActiveError is returned by Begin while another transaction is
// active, or still beginning or finishing, on the same manager.
type AlreadyActiveError struct {
	TxID  string
	State string
	Since time.Time
}

func (e *AlreadyActiveError) Error() string {
	if e.TxID == "" {
		return fmt.Sprintf("transaction already %s", e.State)
	}
	return fmt.Sprintf("transaction %s already %s (since %s)", e.TxID, e.State, e.Since.Format(time.RFC3339))
}

// NotActiveError is returned by Commit (and by Rollback racing a Begin)
// when there is no active transaction.
type NotActiveError struct {
	Op    string
	State string
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("cannot %s: no active transaction (state=%s)", e.Op, e.State)
}

// NoClientError is returned by Client when no transaction is active.
type NoClientError struct {
	State string
}

func (e *NoClientError) Error() string {
	return fmt.Sprintf("no active transaction client (state=%s)", e.State)
}
