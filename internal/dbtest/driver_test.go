package dbtest

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeallocateBreaksCachedQueryOnce(t *testing.T) {
	srv := New()
	db := srv.DB(1)
	defer db.Close()
	ctx := context.Background()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var pid int64
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pid))
	assert.Equal(t, FirstPID, pid)

	// Settings resets keep the statement cache valid.
	_, err = conn.ExecContext(ctx, "RESET ALL")
	require.NoError(t, err)
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pid))

	_, err = conn.ExecContext(ctx, "DISCARD ALL")
	require.NoError(t, err)
	err = conn.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pid)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "26000", pgErr.Code)

	// The failed use evicts the entry, so the next one prepares again.
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pid))
	assert.Equal(t, FirstPID, pid)
}
