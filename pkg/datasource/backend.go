package datasource

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names accepted in the pools configuration.
const (
	PostgresName  = "postgres"
	SQLServerName = "sqlserver"
)

// IsolationLevel is the read-consistency guarantee requested for a lease or transaction.
type IsolationLevel string

const (
	IsolationDefault         IsolationLevel = ""
	IsolationReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	IsolationReadCommitted   IsolationLevel = "READ COMMITTED"
	IsolationRepeatableRead  IsolationLevel = "REPEATABLE READ"
	IsolationSerializable    IsolationLevel = "SERIALIZABLE"
)

// ParseIsolationLevel accepts the canonical names as well as the
// underscore/lowercase spellings used in YAML and flags.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := IsolationLevel(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", " ")))
	if !norm.Valid() {
		return IsolationDefault, fmt.Errorf("unknown isolation level %q", s)
	}
	return norm, nil
}

// Valid reports whether l is one of the known levels (or the default).
func (l IsolationLevel) Valid() bool {
	switch l {
	case IsolationDefault, IsolationReadUncommitted, IsolationReadCommitted,
		IsolationRepeatableRead, IsolationSerializable:
		return true
	}
	return false
}

// Backend holds the handful of statements the lease and transaction managers
// issue themselves. Everything else is passed through to the driver untouched.
type Backend struct {
	Name       string
	DriverName string
	Scheme     string

	// PIDQuery returns the server-side process id of the current session.
	PIDQuery string
	// ResetStatement clears session state before a connection is reused.
	// It must leave server-side prepared statements alone: drivers cache
	// them per connection and would not notice them disappear.
	ResetStatement string

	BeginStatement    string
	CommitStatement   string
	RollbackStatement string

	sessionReadOnly bool
	cancel          func(pid int64) (string, []any)
}

// Postgres targets PostgreSQL through pgx's database/sql driver.
var Postgres = Backend{
	Name:              PostgresName,
	DriverName:        "pgx",
	Scheme:            "postgres",
	PIDQuery:          "SELECT pg_backend_pid()",
	ResetStatement:    "CLOSE ALL; UNLISTEN *; SELECT pg_advisory_unlock_all(); RESET ALL",
	BeginStatement:    "BEGIN",
	CommitStatement:   "COMMIT",
	RollbackStatement: "ROLLBACK",
	sessionReadOnly:   true,
	cancel: func(pid int64) (string, []any) {
		return "SELECT pg_cancel_backend($1)", []any{pid}
	},
}

// SQLServer targets SQL Server through go-mssqldb.
var SQLServer = Backend{
	Name:              SQLServerName,
	DriverName:        "sqlserver",
	Scheme:            "sqlserver",
	PIDQuery:          "SELECT CAST(@@SPID AS BIGINT)",
	ResetStatement:    "IF @@TRANCOUNT > 0 ROLLBACK TRANSACTION; SET TRANSACTION ISOLATION LEVEL READ COMMITTED",
	BeginStatement:    "BEGIN TRANSACTION",
	CommitStatement:   "COMMIT TRANSACTION",
	RollbackStatement: "ROLLBACK TRANSACTION",
	cancel: func(pid int64) (string, []any) {
		// KILL does not take parameters.
		return "KILL " + strconv.FormatInt(pid, 10), nil
	},
}

// BackendFor resolves a configured driver name.
func BackendFor(driver string) (Backend, error) {
	switch strings.ToLower(driver) {
	case PostgresName, "postgresql", "pgx", "":
		return Postgres, nil
	case SQLServerName, "mssql":
		return SQLServer, nil
	default:
		return Backend{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// SessionSetup returns the statements applying isolation level and read-only
// mode to the whole session of a freshly leased connection.
func (b Backend) SessionSetup(level IsolationLevel, readOnly bool) []string {
	if b.Name == SQLServerName {
		if level == IsolationDefault {
			return nil
		}
		return []string{"SET TRANSACTION ISOLATION LEVEL " + string(level)}
	}

	var modes []string
	if level != IsolationDefault {
		modes = append(modes, "ISOLATION LEVEL "+string(level))
	}
	if readOnly && b.sessionReadOnly {
		modes = append(modes, "READ ONLY")
	}
	if len(modes) == 0 {
		return nil
	}
	return []string{"SET SESSION CHARACTERISTICS AS TRANSACTION " + strings.Join(modes, ", ")}
}

// TxSetup returns the statements issued right after BEGIN.
func (b Backend) TxSetup(level IsolationLevel, readOnly bool) []string {
	var stmts []string
	if level != IsolationDefault {
		stmts = append(stmts, "SET TRANSACTION ISOLATION LEVEL "+string(level))
	}
	if readOnly && b.sessionReadOnly {
		stmts = append(stmts, "SET TRANSACTION READ ONLY")
	}
	return stmts
}

// CancelStatement returns the statement that asks the server to cancel
// whatever the session identified by pid is running.
func (b Backend) CancelStatement(pid int64) (string, []any) {
	if b.cancel == nil {
		return "", nil
	}
	return b.cancel(pid)
}
