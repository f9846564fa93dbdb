package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/dbtest"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *dbtest.Server) {
	t.Helper()
	srv := dbtest.New()
	if cfg.ID == "" {
		cfg.ID = "test"
	}
	p, err := New(context.Background(), srv.DB(cfg.MaxConnections+1), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, srv
}

func TestNew_Validation(t *testing.T) {
	srv := dbtest.New()

	_, err := New(context.Background(), nil, Config{ID: "x", MaxConnections: 1}, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), srv.DB(0), Config{ID: "x"}, nil)
	assert.Error(t, err)
}

func TestNew_WarmsMinIdle(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 4, MinIdle: 2})

	st := p.Stats()
	assert.Equal(t, 2, st.Idle)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, uint64(2), st.Created)
	assert.Equal(t, 2, srv.Opened())
}

func TestAcquireRelease_ReusesIdleAndResets(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 2, ResetStatement: "RESET ALL"})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, ConnStateActive, c1.State())
	assert.Equal(t, 1, p.Stats().Active)

	p.Release(c1)
	assert.Equal(t, ConnStateIdle, c1.State())
	st := p.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 1, st.Idle)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())
	assert.Equal(t, uint64(2), c2.UseCount())
	assert.Equal(t, 1, srv.Opened())
	assert.Equal(t, []string{"RESET ALL"}, srv.Queries(dbtest.FirstPID))
	p.Release(c2)
}

func TestRelease_Twice(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)
	p.Release(c)

	st := p.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Idle)
}

func TestAcquire_WaiterGetsReleasedConn(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
		close(got)
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	p.Release(c1)

	c2, ok := <-got
	require.True(t, ok)
	assert.Equal(t, c1.ID(), c2.ID())
	assert.Equal(t, 0, p.Stats().Waiting)
	p.Release(c2)
}

func TestAcquire_WaitersServedInOrder(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			c, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			order <- i
			p.Release(c)
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiting == i }, time.Second, 5*time.Millisecond)
	}

	p.Release(held)
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
	assert.Equal(t, 3, <-order)
}

func TestAcquire_Timeout(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1, AcquisitionTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(c)

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var we *WaitError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "test", we.PoolID)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestAcquireWithin_UsesRemainingBudget(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1, AcquisitionTimeout: time.Minute})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.AcquireWithin(ctx, 40*time.Millisecond)
	require.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
	var we *WaitError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 40*time.Millisecond, we.Timeout)

	// An exhausted budget never queues.
	_, err = p.AcquireWithin(ctx, 0)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 0, p.Stats().Waiting)

	// It still takes an idle connection.
	p.Release(c)
	c, err = p.AcquireWithin(ctx, 0)
	require.NoError(t, err)
	p.Release(c)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestAcquire_QueueFull(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1, MaxWaiters: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _, _ = p.Acquire(waitCtx) }()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, IsQueueFull(err))

	cancel()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 0 }, time.Second, 5*time.Millisecond)
	p.Release(c)
}

func TestDiscard_OpensReplacementForWaiter(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
		close(got)
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	p.Discard(c1)
	assert.Equal(t, ConnStateClosed, c1.State())

	c2, ok := <-got
	require.True(t, ok)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.Equal(t, 2, srv.Opened())
	assert.Equal(t, 1, srv.Closed())
	assert.Equal(t, 1, p.Stats().Total)
	p.Release(c2)
}

func TestRelease_PinnedConnIsDiscarded(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c.Pin(PinTransaction)
	assert.True(t, c.IsPinned())

	p.Release(c)
	assert.Equal(t, ConnStateClosed, c.State())
	assert.False(t, c.IsPinned())
	assert.Equal(t, 0, p.Stats().Total)
	assert.Equal(t, 1, srv.Closed())
}

func TestRelease_ResetFailureDiscards(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 1, ResetStatement: "RESET ALL"})
	srv.FailOn("RESET ALL", errors.New("reset failed"))

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)

	assert.Equal(t, 0, p.Stats().Total)
	assert.Equal(t, 1, srv.Closed())
}

func TestAcquire_CreateFailure(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 1, AcquisitionTimeout: time.Second})
	srv.SetConnectError(errors.New("connection refused"))

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, p.Stats().Total)

	srv.SetConnectError(nil)
	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)
}

func TestHealthCheck_RemovesUnhealthy(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 3, MinIdle: 2})

	assert.Equal(t, 0, p.HealthCheck())
	assert.Equal(t, 2, p.Stats().Idle)

	srv.SetPingError(errors.New("server closed the connection"))
	assert.Equal(t, 2, p.HealthCheck())
	assert.Equal(t, 0, p.Stats().Total)
	assert.Equal(t, 2, srv.Closed())
}

func TestEvictStale_KeepsMinIdle(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 3, MinIdle: 1, IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)
	p.Release(c2)
	require.Equal(t, 2, p.Stats().Idle)

	time.Sleep(20 * time.Millisecond)
	p.evictStale()

	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 1, srv.Closed())
}

func TestEnsureMinIdle_Replenishes(t *testing.T) {
	p, srv := newTestPool(t, Config{MaxConnections: 3, MinIdle: 2})

	srv.SetPingError(errors.New("gone"))
	p.HealthCheck()
	srv.SetPingError(nil)
	require.Equal(t, 0, p.Stats().Idle)

	p.ensureMinIdle()
	assert.Equal(t, 2, p.Stats().Idle)
	assert.Equal(t, 4, srv.Opened())
}

func TestHelper(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(c)

	h, err := p.Helper(ctx)
	require.NoError(t, err)
	var pid int64
	require.NoError(t, h.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pid))
	assert.Equal(t, dbtest.FirstPID+1, pid)
	require.NoError(t, h.Close())
	assert.Equal(t, 1, p.Stats().Total)
}

func TestClose_WakesWaitersAndRejects(t *testing.T) {
	srv := dbtest.New()
	p, err := New(context.Background(), srv.DB(2), Config{ID: "test", MaxConnections: 1}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Acquire(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.True(t, p.Closed())
	assert.Equal(t, 1, srv.Closed())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Helper(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, p.Close())
}
