package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/dbtest"
	"github.com/joao-brasil/dblease/internal/ledger"
	"github.com/joao-brasil/dblease/internal/pool"
	"github.com/joao-brasil/dblease/pkg/datasource"
)

func newTestManager(t *testing.T, maxConns int, cfg Config) (*Manager, *dbtest.Server) {
	t.Helper()
	srv := dbtest.New()
	src := &datasource.Source{
		ID:                 "orders",
		Driver:             datasource.PostgresName,
		MaxConnections:     maxConns,
		AcquisitionTimeout: time.Second,
	}
	m, err := New(context.Background(), srv.DB(maxConns+1), src, cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Dispose() })
	return m, srv
}

func lastEvent(t *testing.T, s Summary) ledger.ConnEvent {
	t.Helper()
	require.NotEmpty(t, s.History)
	return s.History[len(s.History)-1]
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	srv := dbtest.New()
	_, err := New(context.Background(), srv.DB(2), &datasource.Source{ID: "x", Driver: "oracle", MaxConnections: 1}, Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), srv.DB(2), nil, Config{})
	assert.Error(t, err)
}

func TestAcquire_SetsUpSession(t *testing.T) {
	m, srv := newTestManager(t, 2, Config{})
	ctx := context.Background()

	h, err := m.Acquire(ctx, Options{IsolationLevel: datasource.IsolationSerializable, ReadOnly: true})
	require.NoError(t, err)

	assert.NotEmpty(t, h.ID())
	assert.Equal(t, dbtest.FirstPID, h.PID())
	assert.Equal(t, "orders", h.PoolID())
	assert.Equal(t, 10*time.Second, h.QueryTimeout())
	assert.Equal(t, []string{
		"SELECT pg_backend_pid()",
		"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL SERIALIZABLE, READ ONLY",
	}, srv.Queries(dbtest.FirstPID))

	s := m.MetricsSummary()
	assert.Equal(t, uint64(1), s.TotalCreated)
	assert.Equal(t, uint64(1), s.TotalAcquired)
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 1, s.MaxConcurrent)
	assert.Equal(t, ledger.ConnAcquired, lastEvent(t, s).Kind)
	assert.Equal(t, h.ID(), lastEvent(t, s).LeaseID)

	m.Release(h, ReleaseOptions{})
	assert.True(t, h.Released())

	s = m.MetricsSummary()
	assert.Equal(t, uint64(1), s.TotalReleased)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Occupancy.Idle)
	assert.Equal(t, ledger.ConnReleased, lastEvent(t, s).Kind)
	assert.Contains(t, srv.Queries(dbtest.FirstPID), datasource.Postgres.ResetStatement)
}

func TestAcquire_InvalidIsolationLevel(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})

	_, err := m.Acquire(context.Background(), Options{IsolationLevel: "SNAPSHOT-ISH"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid isolation level")
	var ae *AcquisitionError
	assert.False(t, errors.As(err, &ae))

	s := m.MetricsSummary()
	assert.Equal(t, uint64(0), s.FailedAcquisitions)
	assert.Empty(t, s.History)
	assert.Zero(t, srv.Opened())
}

func TestAcquire_RecycledConnectionKeepsBackendPID(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})
	srv.BlockOn("SELECT pg_sleep")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h, err := m.Acquire(ctx, Options{ReadOnly: true})
		require.NoError(t, err)
		assert.Equal(t, dbtest.FirstPID, h.PID(), "lease %d", i)
		var one int
		require.NoError(t, h.QueryRowContext(ctx, "SELECT 1").Scan(&one))
		m.Release(h, ReleaseOptions{})
	}
	assert.Equal(t, 1, srv.Opened())

	// A timeout on the reused connection still reaches the backend.
	h, err := m.Acquire(ctx, Options{QueryTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, dbtest.FirstPID, h.PID())
	_, err = h.ExecContext(ctx, "SELECT pg_sleep(60)")
	assert.True(t, IsQueryTimeout(err))
	assert.Equal(t, []int64{dbtest.FirstPID}, srv.Cancels())
}

type countingLimiter struct {
	mu    sync.Mutex
	delay time.Duration
	held  int
}

func (l *countingLimiter) Wait(ctx context.Context, _ string, _ time.Duration) error {
	l.mu.Lock()
	delay := l.delay
	l.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.mu.Lock()
	l.held++
	l.mu.Unlock()
	return nil
}

func (l *countingLimiter) Release(context.Context, string) error {
	l.mu.Lock()
	l.held--
	l.mu.Unlock()
	return nil
}

func (l *countingLimiter) setDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
}

func (l *countingLimiter) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func newLimitedManager(t *testing.T, maxConns int, acquisition time.Duration, l SlotLimiter) *Manager {
	t.Helper()
	srv := dbtest.New()
	src := &datasource.Source{ID: "orders", MaxConnections: maxConns, AcquisitionTimeout: acquisition}
	m, err := New(context.Background(), srv.DB(maxConns+1), src, Config{}, WithSlotLimiter(l))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Dispose() })
	return m
}

func TestAcquire_SlotWaitCountsAgainstAcquisitionTimeout(t *testing.T) {
	limiter := &countingLimiter{}
	m := newLimitedManager(t, 1, 200*time.Millisecond, limiter)
	ctx := context.Background()

	h, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)
	defer m.Release(h, ReleaseOptions{})

	// The global slot arrives late; only what is left of the timeout
	// remains for the local pool.
	limiter.setDelay(150 * time.Millisecond)
	start := time.Now()
	_, err = m.Acquire(ctx, Options{})
	elapsed := time.Since(start)

	var ae *AcquisitionError
	require.ErrorAs(t, err, &ae)
	assert.True(t, pool.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, 1, limiter.Held())
}

func TestDispose_ReturnsSlotsOfAbandonedLeases(t *testing.T) {
	limiter := &countingLimiter{}
	m := newLimitedManager(t, 2, time.Second, limiter)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)
	h2, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, limiter.Held())

	require.NoError(t, m.Dispose())
	assert.Equal(t, 0, limiter.Held())

	s := m.MetricsSummary()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, uint64(2), s.ErrorReleases)
	assert.Equal(t, ledger.ConnErrorReleased, lastEvent(t, s).Kind)
	assert.Equal(t, ErrDisposed.Error(), lastEvent(t, s).Err)

	// Late releases neither count again nor return a slot twice.
	m.Release(h1, ReleaseOptions{})
	m.Release(h2, ReleaseOptions{})
	assert.Equal(t, 0, limiter.Held())
	assert.Equal(t, uint64(2), m.MetricsSummary().ErrorReleases)
}

func TestAcquire_SessionSetupFailure(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})
	srv.FailOn("SET SESSION", errors.New("permission denied"))

	_, err := m.Acquire(context.Background(), Options{ReadOnly: true})
	var ae *AcquisitionError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, err.Error(), "permission denied")

	s := m.MetricsSummary()
	assert.Equal(t, uint64(0), s.TotalAcquired)
	assert.Equal(t, uint64(1), s.FailedAcquisitions)
	assert.Equal(t, 0, s.Occupancy.Total)
}

func TestAcquire_SecondCallerWaitsForRelease(t *testing.T) {
	m, _ := newTestManager(t, 1, Config{})
	ctx := context.Background()

	h1, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := m.Acquire(ctx, Options{})
		done <- result{h, err}
	}()

	require.Eventually(t, func() bool { return m.Pool().Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	m.Release(h1, ReleaseOptions{})

	res := <-done
	require.NoError(t, res.err)
	defer m.Release(res.h, ReleaseOptions{})

	s := m.MetricsSummary()
	ev := lastEvent(t, s)
	assert.Equal(t, ledger.ConnAcquired, ev.Kind)
	assert.Equal(t, res.h.ID(), ev.LeaseID)
	assert.GreaterOrEqual(t, ev.Wait, 20*time.Millisecond)
	assert.Equal(t, 1, s.MaxConcurrent)
	assert.Equal(t, uint64(2), s.TotalAcquired)
}

func TestAcquire_TimeoutIsAcquisitionError(t *testing.T) {
	srv := dbtest.New()
	src := &datasource.Source{ID: "orders", MaxConnections: 1, AcquisitionTimeout: 30 * time.Millisecond}
	m, err := New(context.Background(), srv.DB(2), src, Config{})
	require.NoError(t, err)
	defer m.Dispose()

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	defer m.Release(h, ReleaseOptions{})

	_, err = m.Acquire(context.Background(), Options{})
	var ae *AcquisitionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "orders", ae.PoolID)
	assert.GreaterOrEqual(t, ae.Waited, 30*time.Millisecond)
	assert.True(t, pool.IsTimeout(err))

	s := m.MetricsSummary()
	assert.Equal(t, uint64(1), s.FailedAcquisitions)
	assert.Equal(t, ledger.ConnAcquireFailed, lastEvent(t, s).Kind)
	assert.Equal(t, 1, s.Active)
}

func TestRelease_ConcurrentCallsCountOnce(t *testing.T) {
	m, _ := newTestManager(t, 1, Config{})

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Release(h, ReleaseOptions{})
		}()
	}
	wg.Wait()
	m.Release(h, ReleaseOptions{Err: errors.New("late")})

	s := m.MetricsSummary()
	assert.Equal(t, uint64(1), s.TotalReleased)
	assert.Equal(t, uint64(0), s.ErrorReleases)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Occupancy.Idle)
}

func TestRelease_ErrorDiscardsConnection(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	m.Release(h, ReleaseOptions{Err: errors.New("poisoned")})

	s := m.MetricsSummary()
	assert.Equal(t, uint64(1), s.ErrorReleases)
	assert.Equal(t, ledger.ConnErrorReleased, lastEvent(t, s).Kind)
	assert.Equal(t, "poisoned", lastEvent(t, s).Err)
	assert.Equal(t, 0, s.Occupancy.Total)
	assert.Equal(t, 1, srv.Closed())
}

func TestRelease_ForceDiscard(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	m.Release(h, ReleaseOptions{ForceDiscard: true})

	s := m.MetricsSummary()
	assert.Equal(t, ledger.ConnReleased, lastEvent(t, s).Kind)
	assert.Equal(t, 0, s.Occupancy.Total)
	assert.Equal(t, 1, srv.Closed())
}

func TestRelease_PinnedHandleIsDiscarded(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	h.Pin()
	m.Release(h, ReleaseOptions{})

	assert.Equal(t, 0, m.MetricsSummary().Occupancy.Total)
	assert.Equal(t, 1, srv.Closed())
}

func TestRelease_ForeignHandleIgnored(t *testing.T) {
	m1, _ := newTestManager(t, 1, Config{})
	m2, _ := newTestManager(t, 1, Config{})

	h, err := m1.Acquire(context.Background(), Options{})
	require.NoError(t, err)

	m2.Release(h, ReleaseOptions{})
	assert.False(t, h.Released())
	assert.Equal(t, uint64(0), m2.MetricsSummary().TotalReleased)

	m1.Release(h, ReleaseOptions{})
	assert.True(t, h.Released())
	m1.Release(nil, ReleaseOptions{})
}

func TestQuery_CompletesBeforeTimeout(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{QueryTimeout: time.Second})
	ctx := context.Background()

	h, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)
	defer m.Release(h, ReleaseOptions{})

	var n int
	require.NoError(t, h.QueryRowContext(ctx, "SELECT 1").Scan(&n))
	assert.Equal(t, 1, n)

	rows, err := h.QueryContext(ctx, "SELECT id FROM orders")
	require.NoError(t, err)
	assert.False(t, h.Deadline().IsZero())
	count := 0
	for rows.Next() {
		count++
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.Equal(t, 1, count)
	assert.True(t, h.Deadline().IsZero())

	_, err = h.ExecContext(ctx, "UPDATE orders SET status = $1", "paid")
	require.NoError(t, err)

	assert.Empty(t, srv.Cancels())
	assert.False(t, h.Released())
}

func TestQuery_TimeoutCancelsBackendAndDiscards(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})
	srv.BlockOn("SELECT pg_sleep")
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []ErrorEvent
	)
	unsubscribe := m.OnError(func(ev ErrorEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	h, err := m.Acquire(ctx, Options{QueryTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = h.ExecContext(ctx, "SELECT pg_sleep(60)")
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var qe *QueryTimeoutError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, h.ID(), qe.LeaseID)
	assert.Equal(t, dbtest.FirstPID, qe.PID)
	assert.Equal(t, 50*time.Millisecond, qe.Timeout)
	assert.Equal(t, "SELECT pg_sleep(60)", qe.Query)

	assert.True(t, h.Released())
	assert.Equal(t, []int64{dbtest.FirstPID}, srv.Cancels())

	s := m.MetricsSummary()
	assert.Equal(t, uint64(0), s.FailedAcquisitions)
	assert.Equal(t, uint64(1), s.ErrorReleases)
	assert.Equal(t, ledger.ConnErrorReleased, lastEvent(t, s).Kind)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 0, s.Occupancy.Total)

	mu.Lock()
	require.Len(t, events, 1)
	assert.True(t, IsQueryTimeout(events[0].Err))
	mu.Unlock()

	_, err = h.ExecContext(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrHandleReleased)

	// The pool recovers with a fresh connection.
	h2, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, h.PID(), h2.PID())
	m.Release(h2, ReleaseOptions{})
}

func TestQuery_TimeoutWhileReadingRows(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{QueryTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	h, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)

	rows, err := h.QueryContext(ctx, "SELECT id FROM orders")
	require.NoError(t, err)

	// The caller holds the result set open past the deadline.
	require.Eventually(t, h.Released, time.Second, 5*time.Millisecond)
	for rows.Next() {
	}
	assert.True(t, IsQueryTimeout(rows.Err()))
	assert.True(t, IsQueryTimeout(rows.Close()))

	assert.Equal(t, []int64{dbtest.FirstPID}, srv.Cancels())
	assert.Equal(t, uint64(1), m.MetricsSummary().ErrorReleases)
}

func TestQuery_CallerContextCancelled(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})
	srv.BlockOn("SELECT pg_sleep")

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.ExecContext(ctx, "SELECT pg_sleep(60)")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.Released())
	assert.Empty(t, srv.Cancels())

	m.Release(h, ReleaseOptions{Err: err})
}

func TestQuery_ConnectionFaultReleasesOnce(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})
	fault := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	srv.FailOn("SELECT broken", fault)

	var statuses []StatusKind
	m.OnStatusChanged(func(ev StatusEvent) { statuses = append(statuses, ev.Kind) })

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)

	_, err = h.ExecContext(context.Background(), "SELECT broken")
	assert.ErrorIs(t, err, fault)
	assert.True(t, h.Released())

	m.Release(h, ReleaseOptions{Err: err})

	s := m.MetricsSummary()
	assert.Equal(t, uint64(1), s.TotalReleased)
	assert.Equal(t, uint64(1), s.ErrorReleases)
	assert.Equal(t, 1, srv.Closed())
	assert.Equal(t, []StatusKind{StatusAcquired, StatusDiscarded}, statuses)
}

func TestQuery_StatementErrorKeepsHandle(t *testing.T) {
	m, srv := newTestManager(t, 1, Config{})
	srv.FailOn("INSERT", &pgconn.PgError{Code: "23505", Message: "duplicate key"})

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)

	_, err = h.ExecContext(context.Background(), "INSERT INTO orders VALUES (1)")
	require.Error(t, err)
	assert.False(t, h.Released())
	m.Release(h, ReleaseOptions{})
	assert.Equal(t, 1, m.MetricsSummary().Occupancy.Idle)
}

func TestListeners_Unsubscribe(t *testing.T) {
	m, _ := newTestManager(t, 1, Config{})

	count := 0
	unsubscribe := m.OnStatusChanged(func(StatusEvent) { count++ })

	h, err := m.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()
	m.Release(h, ReleaseOptions{})

	assert.Equal(t, 1, count)
}

func TestDispose(t *testing.T) {
	m, srv := newTestManager(t, 2, Config{})
	ctx := context.Background()

	var disposed bool
	m.OnStatusChanged(func(ev StatusEvent) {
		if ev.Kind == StatusDisposed {
			disposed = true
		}
	})

	h, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)

	require.NoError(t, m.Dispose())
	require.NoError(t, m.Dispose())
	assert.True(t, m.Disposed())
	assert.True(t, disposed)
	assert.Equal(t, 1, srv.Closed())

	start := time.Now()
	_, err = m.Acquire(ctx, Options{})
	assert.ErrorIs(t, err, ErrDisposed)
	var ae *AcquisitionError
	assert.ErrorAs(t, err, &ae)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// The abandoned lease was closed by Dispose; releasing it again is a no-op.
	s := m.MetricsSummary()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, uint64(1), s.TotalReleased)
	m.Release(h, ReleaseOptions{})
	assert.Equal(t, uint64(1), m.MetricsSummary().TotalReleased)
}

func TestCheckHealth(t *testing.T) {
	m, _ := newTestManager(t, 2, Config{LongLeaseThreshold: time.Minute})
	ctx := context.Background()

	h1, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)

	report := m.CheckHealth(time.Now())
	assert.Equal(t, 1, report.Active)
	assert.False(t, report.NearCapacity)
	assert.Empty(t, report.LongLeases)
	assert.Equal(t, 1, report.Occupancy.Total)

	h2, err := m.Acquire(ctx, Options{})
	require.NoError(t, err)

	report = m.CheckHealth(time.Now().Add(2 * time.Minute))
	assert.True(t, report.NearCapacity)
	require.Len(t, report.LongLeases, 2)
	assert.GreaterOrEqual(t, report.LongLeases[0].Age, 2*time.Minute)

	m.Release(h1, ReleaseOptions{})
	m.Release(h2, ReleaseOptions{})
	report = m.CheckHealth(time.Now())
	assert.Equal(t, 0, report.Active)
	assert.Equal(t, 2, report.Occupancy.Idle)
}

func TestIsConnectionFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"query canceled", &pgconn.PgError{Code: "57014"}, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"context canceled", context.Canceled, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnectionFault(tt.err))
		})
	}
}
