package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())
}

func TestRing_UpdateNewestMatch(t *testing.T) {
	r := NewRing[int](4)
	r.Push(1)
	r.Push(2)
	r.Push(1)

	ok := r.Update(func(v *int) bool { return *v == 1 }, func(v *int) { *v = 10 })
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 10}, r.Items())

	ok = r.Update(func(v *int) bool { return *v == 99 }, func(v *int) {})
	assert.False(t, ok)
}

func TestRing_ItemsIsACopy(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	items := r.Items()
	items[0] = 42
	assert.Equal(t, []int{1}, r.Items())
}

func TestConnLedger_Counters(t *testing.T) {
	l := NewConnLedger(10)
	l.Created()
	l.Acquired(ConnEvent{LeaseID: "a", Wait: time.Millisecond})
	l.Acquired(ConnEvent{LeaseID: "b"})
	l.Released(ConnEvent{LeaseID: "a", Held: 2 * time.Second})
	l.Released(ConnEvent{LeaseID: "b", Held: 4 * time.Second, Err: "boom"})
	l.AcquireFailed(ConnEvent{Err: "timeout"})

	s := l.Snapshot()
	assert.Equal(t, uint64(1), s.TotalCreated)
	assert.Equal(t, uint64(2), s.TotalAcquired)
	assert.Equal(t, uint64(2), s.TotalReleased)
	assert.Equal(t, uint64(1), s.FailedAcquisitions)
	assert.Equal(t, uint64(1), s.ErrorReleases)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 2, s.MaxConcurrent)
	assert.Equal(t, 3*time.Second, s.AvgLeaseDuration)

	kinds := make([]ConnEventKind, 0, len(s.History))
	for _, ev := range s.History {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []ConnEventKind{
		ConnAcquired, ConnAcquired, ConnReleased, ConnErrorReleased, ConnAcquireFailed,
	}, kinds)
}

func TestConnLedger_ActiveClampedAtZero(t *testing.T) {
	l := NewConnLedger(0)
	l.Released(ConnEvent{LeaseID: "ghost"})
	assert.Equal(t, 0, l.Active())
	assert.Equal(t, 0, l.Snapshot().Active)
}

func TestConnLedger_HistoryBounded(t *testing.T) {
	l := NewConnLedger(5)
	for i := 0; i < 20; i++ {
		l.Acquired(ConnEvent{})
	}
	assert.Len(t, l.Snapshot().History, 5)
}

func TestTxLedger_Lifecycle(t *testing.T) {
	l := NewTxLedger(10, 10)
	start := time.Now().Add(-time.Second)

	l.Begun(TxRecord{ID: "t1", IsolationLevel: "SERIALIZABLE", StartedAt: start})
	s := l.Snapshot()
	assert.Equal(t, uint64(1), s.Total)
	assert.Equal(t, 1, s.Active)
	require.Len(t, s.History, 1)
	assert.Equal(t, TxActive, s.History[0].Status)

	rec := l.Finished("t1", TxCommitted, nil, start.Add(time.Second))
	assert.Equal(t, TxCommitted, rec.Status)
	assert.Equal(t, time.Second, rec.Duration)
	assert.Equal(t, "SERIALIZABLE", rec.IsolationLevel)

	s = l.Snapshot()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, uint64(1), s.Committed)
	assert.Equal(t, uint64(1), s.Completed)
	assert.Equal(t, time.Second, s.AvgDuration)
	assert.Equal(t, time.Second, s.MinDuration)
	assert.Equal(t, time.Second, s.MaxDuration)
}

func TestTxLedger_CountsStayConsistent(t *testing.T) {
	l := NewTxLedger(4, 3)
	now := time.Now()

	l.Begun(TxRecord{ID: "a", StartedAt: now})
	l.Begun(TxRecord{ID: "b", StartedAt: now})
	l.Begun(TxRecord{ID: "c", StartedAt: now})
	l.BeginFailed(TxRecord{ID: "d", StartedAt: now}, errors.New("no connection"))
	l.Finished("a", TxCommitted, nil, now.Add(time.Millisecond))
	l.Finished("b", TxRolledBack, nil, now.Add(2*time.Millisecond))
	l.Finished("c", TxFailed, errors.New("serialization failure"), now.Add(3*time.Millisecond))

	s := l.Snapshot()
	assert.Equal(t, s.Committed+s.RolledBack+s.Failed, s.Completed)
	assert.Equal(t, s.Total, uint64(s.Active)+s.Completed)
	assert.Equal(t, uint64(2), s.Failed)
	assert.Equal(t, time.Millisecond, s.MinDuration)
	assert.Equal(t, 3*time.Millisecond, s.MaxDuration)
	assert.Len(t, s.History, 4)
}

func TestTxLedger_LongRunning(t *testing.T) {
	l := NewTxLedger(10, 10)
	now := time.Now()
	l.Begun(TxRecord{ID: "old", IsolationLevel: "REPEATABLE READ", StartedAt: now.Add(-10 * time.Minute)})
	l.Begun(TxRecord{ID: "young", StartedAt: now.Add(-time.Minute)})
	l.Begun(TxRecord{ID: "done", StartedAt: now.Add(-time.Hour)})
	l.Finished("done", TxCommitted, nil, now)

	long := l.LongRunning(5*time.Minute, now)
	require.Len(t, long, 1)
	assert.Equal(t, "old", long[0].ID)
	assert.Equal(t, 10*time.Minute, long[0].Duration)
	assert.Equal(t, "REPEATABLE READ", long[0].IsolationLevel)
}
