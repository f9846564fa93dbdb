package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/metrics"
	"github.com/joao-brasil/dblease/internal/monitor"
)

// cleanupEvery runs dead-instance cleanup once per this many heartbeats.
const cleanupEvery = 3

// Heartbeat periodically refreshes this instance's presence in Redis and
// recovers the slots of instances whose heartbeat expired.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration
	logger      *zap.Logger

	ctx   context.Context
	loop  *monitor.Loop
	ticks int
}

// NewHeartbeat creates a heartbeat worker for the given coordinator.
func NewHeartbeat(rc *RedisCoordinator) *Heartbeat {
	interval := rc.cfg.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := rc.cfg.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: rc,
		interval:    interval,
		ttl:         ttl,
		logger:      rc.logger.Named("heartbeat"),
	}
}

// Start sends a heartbeat immediately and then one every interval.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.ctx = ctx
	hb.sendHeartbeat(ctx)
	hb.loop = monitor.Start("heartbeat", hb.interval, hb.tick)
	hb.logger.Info("heartbeat started",
		zap.Duration("interval", hb.interval),
		zap.Duration("ttl", hb.ttl),
		zap.String("instance_id", hb.coordinator.instanceID))
}

// Stop ends the heartbeat loop and waits for an in-flight tick.
func (hb *Heartbeat) Stop() {
	hb.loop.Stop()
}

func (hb *Heartbeat) tick(time.Time) {
	ctx := hb.ctx
	if hb.coordinator.IsFallback() {
		if err := hb.coordinator.ExitFallback(ctx); err != nil {
			return
		}
	}

	hb.sendHeartbeat(ctx)

	hb.ticks++
	if hb.ticks%cleanupEvery == 0 {
		hb.CleanupDeadInstances(ctx)
	}
}

func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	hbKey := fmt.Sprintf(keyInstanceHB, hb.coordinator.instanceID)
	if err := hb.coordinator.client.Set(ctx, hbKey, time.Now().Unix(), hb.ttl).Err(); err != nil {
		hb.logger.Warn("failed to send heartbeat", zap.Error(err))
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}

	metrics.InstanceHeartbeat.WithLabelValues(hb.coordinator.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// CleanupDeadInstances recovers the slots of every registered instance
// without a live heartbeat key and returns how many slots were recovered.
func (hb *Heartbeat) CleanupDeadInstances(ctx context.Context) int {
	if hb.coordinator.IsFallback() {
		return 0
	}

	instances, err := hb.coordinator.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		hb.logger.Warn("failed to list instances", zap.Error(err))
		return 0
	}

	recovered := 0
	for _, instID := range instances {
		if instID == hb.coordinator.instanceID {
			continue
		}

		exists, err := hb.coordinator.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, instID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		hb.logger.Warn("instance appears dead, cleaning up", zap.String("instance_id", instID))
		recovered += hb.cleanupInstance(ctx, instID)
	}
	return recovered
}

// cleanupInstance subtracts a dead instance's slots from the global counts.
func (hb *Heartbeat) cleanupInstance(ctx context.Context, deadInstanceID string) int {
	total, err := hb.coordinator.returnSlots(ctx, deadInstanceID)
	if err != nil {
		hb.logger.Warn("failed to clean up dead instance",
			zap.String("instance_id", deadInstanceID), zap.Error(err))
		return 0
	}
	if total > 0 {
		hb.logger.Info("recovered slots from dead instance",
			zap.String("instance_id", deadInstanceID), zap.Int("slots", total))
		metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
	}
	return total
}
