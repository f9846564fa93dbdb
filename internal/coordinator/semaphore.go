package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/metrics"
)

// ── Distributed Semaphore ───────────────────────────────────────────────
//
// When a pool's global slots are all taken, lease acquisition waits on the
// semaphore until any instance releases one. Wake-ups come from Redis
// Pub/Sub, with a polling ticker as a safety net for lost messages.

// ErrSlotTimeout is returned when no global slot frees up within the timeout.
var ErrSlotTimeout = errors.New("global slot wait timed out")

// Semaphore provides distributed waiting for global lease slots. It
// satisfies lease.SlotLimiter.
type Semaphore struct {
	coordinator  *RedisCoordinator
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewSemaphore creates a semaphore over rc.
func NewSemaphore(rc *RedisCoordinator) *Semaphore {
	return &Semaphore{
		coordinator:  rc,
		pollInterval: 500 * time.Millisecond,
		logger:       rc.logger.Named("semaphore"),
	}
}

// Wait blocks until a slot for poolID is acquired, ctx is done or timeout
// elapses. A non-positive timeout uses the configured redis.acquire_timeout.
func (s *Semaphore) Wait(ctx context.Context, poolID string, timeout time.Duration) error {
	err := s.coordinator.Acquire(ctx, poolID)
	if err == nil || !errors.Is(err, ErrAtCapacity) {
		return err
	}

	if timeout <= 0 {
		timeout = s.coordinator.cfg.AcquireTimeout
	}
	start := time.Now()
	s.logger.Debug("waiting for global slot",
		zap.String("pool_id", poolID), zap.Duration("timeout", timeout))

	notifyCh, unsubscribe := s.coordinator.Subscribe(ctx, poolID)
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.ConnectionsTotal.WithLabelValues(poolID, "semaphore_cancelled").Inc()
			return ctx.Err()

		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(poolID, "semaphore_timeout").Inc()
			return fmt.Errorf("pool %s after %v: %w", poolID, timeout, ErrSlotTimeout)

		case _, ok := <-notifyCh:
			if !ok {
				// Subscription gone; the poll ticker keeps going.
				notifyCh = nil
				continue
			}
			if done, err := s.retry(ctx, poolID, start); done {
				return err
			}

		case <-pollTicker.C:
			if done, err := s.retry(ctx, poolID, start); done {
				return err
			}
		}
	}
}

// retry attempts one acquire; done is false while the pool is still full.
func (s *Semaphore) retry(ctx context.Context, poolID string, start time.Time) (bool, error) {
	err := s.coordinator.Acquire(ctx, poolID)
	if errors.Is(err, ErrAtCapacity) {
		return false, nil
	}
	if err == nil {
		dur := time.Since(start)
		metrics.AcquireWaitDuration.WithLabelValues(poolID).Observe(dur.Seconds())
		s.logger.Debug("global slot acquired", zap.String("pool_id", poolID), zap.Duration("waited", dur))
	}
	return true, err
}

// Release returns a slot taken by Wait or TryAcquire.
func (s *Semaphore) Release(ctx context.Context, poolID string) error {
	return s.coordinator.Release(ctx, poolID)
}

// TryAcquire attempts a single non-blocking acquire.
func (s *Semaphore) TryAcquire(ctx context.Context, poolID string) error {
	err := s.coordinator.Acquire(ctx, poolID)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("try_acquire", "rejected").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues("try_acquire", "ok").Inc()
	}
	return err
}
