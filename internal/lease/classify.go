package lease

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
)

// isConnectionFault reports whether err means the physical connection is
// gone or unusable, as opposed to a statement-level failure.
func isConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		// Severity 20 and above terminates the session.
		return msErr.Class >= 20
	}
	var streamErr mssql.StreamError
	if errors.As(err, &streamErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// errorType maps an error to the error_type metric label.
func errorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsQueryTimeout(err):
		return "query_timeout"
	case isConnectionFault(err):
		return "connection_fault"
	default:
		return "statement"
	}
}
