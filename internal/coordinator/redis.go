// Package coordinator enforces connection limits shared by several service
// instances through Redis.
//
// It provides:
//   - Atomic acquire/release of global lease slots using Lua scripts
//   - Per-instance slot tracking so a dead instance's slots can be recovered
//   - A fallback mode with local limits while Redis is unavailable
//   - Pub/Sub release notifications to wake waiters on other instances
package coordinator

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/config"
	"github.com/joao-brasil/dblease/internal/metrics"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

// Redis key patterns.
const (
	keyPoolCount    = "dblease:pool:%s:count"
	keyPoolMax      = "dblease:pool:%s:max"
	keyInstanceConn = "dblease:instance:%s:slots" // hash: pool_id -> local count
	keyInstanceHB   = "dblease:instance:%s:heartbeat"
	keyInstanceList = "dblease:instances"
	channelRelease  = "dblease:release:%s"
)

// ErrAtCapacity is returned when a pool has no free global slot.
var ErrAtCapacity = errors.New("pool at global capacity")

// RedisCoordinator manages distributed connection limits via Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        config.RedisConfig
	fallback   config.FallbackConfig
	limits     map[string]int
	instanceID string
	logger     *zap.Logger

	acquireSHA string
	releaseSHA string

	fallbackMode atomic.Bool

	fallbackMu     sync.Mutex
	fallbackCounts map[string]int

	subMu       sync.Mutex
	subscribers map[*redis.PubSub]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisCoordinator connects to Redis, loads the scripts and registers the
// configured pools and this instance. When Redis cannot be reached and
// fallback is enabled the coordinator starts in fallback mode instead.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RedisCoordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	limits := make(map[string]int, len(cfg.Pools))
	for _, p := range cfg.Pools {
		limits[p.ID] = p.MaxConnections
	}

	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg.Redis,
		fallback:       cfg.Fallback,
		limits:         limits,
		instanceID:     cfg.Service.InstanceID,
		logger:         logger.Named("coordinator"),
		fallbackCounts: make(map[string]int),
		subscribers:    make(map[*redis.PubSub]struct{}),
		stopCh:         make(chan struct{}),
	}

	pingCtx := ctx
	if cfg.Redis.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		defer cancel()
	}

	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if cfg.Fallback.Enabled {
			rc.logger.Warn("redis unavailable, starting in fallback mode", zap.Error(err))
			rc.fallbackMode.Store(true)
			return rc, nil
		}
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()

	if err := rc.loadScripts(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}
	if err := rc.initPoolLimits(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initializing pool limits: %w", err)
	}
	if err := rc.registerInstance(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	rc.logger.Info("coordinator initialized",
		zap.String("addr", cfg.Redis.Addr),
		zap.String("instance_id", rc.instanceID),
		zap.Int("pools", len(limits)))
	return rc, nil
}

func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	rc.releaseSHA = sha
	return nil
}

// initPoolLimits publishes each pool's max and seeds its counter.
func (rc *RedisCoordinator) initPoolLimits(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	for id, limit := range rc.limits {
		pipe.Set(ctx, fmt.Sprintf(keyPoolMax, id), limit, 0)
		pipe.SetNX(ctx, fmt.Sprintf(keyPoolCount, id), 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)

	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for id := range rc.limits {
		pipe.HSetNX(ctx, instKey, id, 0)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Acquire atomically takes one global slot for poolID. It returns an error
// wrapping ErrAtCapacity when every slot is taken.
func (rc *RedisCoordinator) Acquire(ctx context.Context, poolID string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(poolID)
	}

	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{
			fmt.Sprintf(keyPoolCount, poolID),
			fmt.Sprintf(keyPoolMax, poolID),
			fmt.Sprintf(keyInstanceConn, rc.instanceID),
		},
		poolID,
	).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if rc.fallback.Enabled {
			rc.logger.Warn("redis acquire failed, falling back to local limits", zap.Error(err))
			rc.enterFallback()
			return rc.acquireFallback(poolID)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	switch result {
	case -1:
		return fmt.Errorf("pool %s: %w", poolID, ErrAtCapacity)
	case -2:
		return fmt.Errorf("pool %s max not configured in redis", poolID)
	}
	return nil
}

// Release returns one global slot for poolID and notifies waiters on every
// instance.
func (rc *RedisCoordinator) Release(ctx context.Context, poolID string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(poolID)
		return nil
	}

	_, err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{
			fmt.Sprintf(keyPoolCount, poolID),
			fmt.Sprintf(keyInstanceConn, rc.instanceID),
		},
		poolID, fmt.Sprintf(channelRelease, poolID),
	).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if rc.fallback.Enabled {
			rc.enterFallback()
			rc.releaseFallback(poolID)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// Subscribe returns a channel receiving the pool id each time any instance
// releases a slot of poolID. The returned func ends the subscription.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, poolID string) (<-chan string, func()) {
	if rc.fallbackMode.Load() {
		ch := make(chan string)
		close(ch)
		return ch, func() {}
	}

	sub := rc.client.Subscribe(ctx, fmt.Sprintf(channelRelease, poolID))
	rc.subMu.Lock()
	rc.subscribers[sub] = struct{}{}
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
					// Slow consumer; the poll ticker covers the dropped wake-up.
				}
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			rc.subMu.Lock()
			delete(rc.subscribers, sub)
			rc.subMu.Unlock()
			_ = sub.Close()
		})
	}
	return notifyCh, unsubscribe
}

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		rc.logger.Warn("entering fallback mode (local limits)")
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback reconnects to Redis and leaves fallback mode once the local
// counts have been written back.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}
	// Scripts and limits may have been flushed while we were away.
	if err := rc.loadScripts(ctx); err != nil {
		return err
	}
	if err := rc.initPoolLimits(ctx); err != nil {
		return err
	}
	if err := rc.registerInstance(ctx); err != nil {
		return err
	}
	if err := rc.reconcileCounts(ctx); err != nil {
		rc.logger.Warn("reconciliation failed", zap.Error(err))
		return err
	}

	rc.fallbackMode.Store(false)
	rc.logger.Info("exited fallback mode, redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback reports whether local limits are in force.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(poolID string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	localMax := rc.LocalLimit(poolID)
	current := rc.fallbackCounts[poolID]
	if current >= localMax {
		return fmt.Errorf("pool %s at local fallback limit (%d/%d): %w",
			poolID, current, localMax, ErrAtCapacity)
	}

	rc.fallbackCounts[poolID] = current + 1
	return nil
}

func (rc *RedisCoordinator) releaseFallback(poolID string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if rc.fallbackCounts[poolID] > 0 {
		rc.fallbackCounts[poolID]--
	}
}

// LocalLimit is the per-instance share of a pool's slots used in fallback mode.
func (rc *RedisCoordinator) LocalLimit(poolID string) int {
	limit, ok := rc.limits[poolID]
	if !ok {
		return 1
	}
	divisor := rc.fallback.LocalLimitDivisor
	if divisor <= 0 {
		divisor = 3
	}
	return max(1, limit/divisor)
}

// reconcileCounts adds the slots taken locally during fallback to the global
// counters and records them against this instance.
func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	counts := make(map[string]int, len(rc.fallbackCounts))
	for k, v := range rc.fallbackCounts {
		counts[k] = v
	}
	rc.fallbackCounts = make(map[string]int)
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for poolID, count := range counts {
		if count <= 0 {
			continue
		}
		pipe.IncrBy(ctx, fmt.Sprintf(keyPoolCount, poolID), int64(count))
		pipe.HIncrBy(ctx, instKey, poolID, int64(count))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rc.fallbackMu.Lock()
		for k, v := range counts {
			rc.fallbackCounts[k] += v
		}
		rc.fallbackMu.Unlock()
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	rc.logger.Info("reconciled fallback counts", zap.Int("pools", len(counts)))
	return nil
}

// GlobalCount returns the number of slots of poolID taken across instances.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, poolID string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[poolID], nil
	}

	val, err := rc.client.Get(ctx, fmt.Sprintf(keyPoolCount, poolID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// InstanceCounts returns the per-pool slot counts held by instanceID.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	result, err := rc.client.HGetAll(ctx, fmt.Sprintf(keyInstanceConn, instanceID)).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(result))
	for k, v := range result {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances returns the ids of registered instances.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// Ping checks Redis reachability; used by the health checker.
func (rc *RedisCoordinator) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close ends subscriptions, unregisters the instance and closes the client.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	rc.stopOnce.Do(func() { close(rc.stopCh) })

	rc.subMu.Lock()
	for sub := range rc.subscribers {
		_ = sub.Close()
	}
	rc.subscribers = make(map[*redis.PubSub]struct{})
	rc.subMu.Unlock()

	rc.wg.Wait()

	if !rc.fallbackMode.Load() {
		// Slots still held by this instance go back to the global counts
		// before its slot hash disappears.
		if n, err := rc.returnSlots(ctx, rc.instanceID); err != nil {
			rc.logger.Warn("returning held slots failed", zap.Error(err))
		} else if n > 0 {
			rc.logger.Warn("returned slots still held at close", zap.Int("slots", n))
		}
		if err := rc.client.Del(ctx, fmt.Sprintf(keyInstanceHB, rc.instanceID)).Err(); err != nil {
			rc.logger.Warn("unregister failed", zap.Error(err))
		}
	}

	rc.logger.Info("instance unregistered", zap.String("instance_id", rc.instanceID))
	return rc.client.Close()
}

// returnSlots subtracts the slots recorded for instanceID from the global
// counts, clamping them at zero, then removes the instance's slot hash and
// registration. It returns how many slots were returned.
func (rc *RedisCoordinator) returnSlots(ctx context.Context, instanceID string) (int, error) {
	instKey := fmt.Sprintf(keyInstanceConn, instanceID)

	counts, err := rc.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading instance slots: %w", err)
	}

	pipe := rc.client.Pipeline()
	total := 0
	for poolID, countStr := range counts {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			continue
		}
		pipe.DecrBy(ctx, fmt.Sprintf(keyPoolCount, poolID), int64(count))
		total += count
	}
	pipe.Del(ctx, instKey)
	pipe.SRem(ctx, keyInstanceList, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("returning instance slots: %w", err)
	}

	// Global counts never go below zero.
	for poolID := range counts {
		countKey := fmt.Sprintf(keyPoolCount, poolID)
		if val, err := rc.client.Get(ctx, countKey).Int64(); err == nil && val < 0 {
			rc.client.Set(ctx, countKey, 0, 0)
		}
	}
	return total, nil
}

// Client returns the underlying Redis client.
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID returns this coordinator's instance id.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
