package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps redis.Client with the metrics and health checks the
// coordinator package needs around its kill-switch, circuit-breaker,
// quarantine, and reservation keys. There is no layered-cache or
// compression logic here: every key this client touches is a piece of
// coordination state with its own explicit TTL, not a cache entry that
// can be silently evicted and recomputed.
type RedisClient struct {
	*redis.Client
	logger  *observability.Logger
	metrics *RedisMetrics
}

// RedisMetrics tracks Redis operation counts and latency.
type RedisMetrics struct {
	HitCount    int64
	MissCount   int64
	SetCount    int64
	DeleteCount int64
	AvgLatency  time.Duration
	mu          sync.RWMutex
}

// NewRedisClient opens a connection using cfg and verifies it with a ping.
func NewRedisClient(cfg config.RedisConfig, logger *observability.Logger) (*RedisClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.MaxRetries = cfg.MaxRetries
	opt.MinRetryBackoff = cfg.MinRetryBackoff
	opt.MaxRetryBackoff = cfg.MaxRetryBackoff

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info(ctx, "redis client initialized", map[string]interface{}{
		"pool_size": opt.PoolSize,
	})

	return &RedisClient{Client: client, logger: logger, metrics: &RedisMetrics{}}, nil
}

// SetWithExpiry sets key to value with an explicit TTL.
func (r *RedisClient) SetWithExpiry(ctx context.Context, key string, value interface{}, expiry time.Duration) error {
	start := time.Now()
	err := r.Set(ctx, key, value, expiry).Err()
	r.updateMetrics(time.Since(start))
	if err == nil {
		r.metrics.mu.Lock()
		r.metrics.SetCount++
		r.metrics.mu.Unlock()
	}
	return err
}

// SetNXWithExpiry sets key to value only if it does not already exist,
// returning whether this call won the race. This is the primitive the
// reservation and lock acquire paths build on: Redis performs the
// check-and-set atomically server-side, so concurrent callers racing on
// the same token or lock key cannot both succeed.
func (r *RedisClient) SetNXWithExpiry(ctx context.Context, key string, value interface{}, expiry time.Duration) (bool, error) {
	start := time.Now()
	ok, err := r.SetNX(ctx, key, value, expiry).Result()
	r.updateMetrics(time.Since(start))
	return ok, err
}

// GetString returns the string value at key, with ok=false on a cache
// miss (key does not exist) rather than an error — callers must
// distinguish "not engaged" from "could not reach redis".
func (r *RedisClient) GetString(ctx context.Context, key string) (value string, ok bool, err error) {
	start := time.Now()
	result := r.Get(ctx, key)
	r.updateMetrics(time.Since(start))

	if result.Err() == redis.Nil {
		r.metrics.mu.Lock()
		r.metrics.MissCount++
		r.metrics.mu.Unlock()
		return "", false, nil
	}
	if result.Err() != nil {
		return "", false, result.Err()
	}

	r.metrics.mu.Lock()
	r.metrics.HitCount++
	r.metrics.mu.Unlock()
	return result.Val(), true, nil
}

// DeleteKeys deletes zero or more keys.
func (r *RedisClient) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := r.Del(ctx, keys...).Err()
	r.updateMetrics(time.Since(start))
	if err == nil {
		r.metrics.mu.Lock()
		r.metrics.DeleteCount += int64(len(keys))
		r.metrics.mu.Unlock()
	}
	return err
}

// Exists reports whether key is present.
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	result := r.Client.Exists(ctx, key)
	r.updateMetrics(time.Since(start))
	if err := result.Err(); err != nil {
		return false, err
	}
	return result.Val() > 0, nil
}

func (r *RedisClient) updateMetrics(duration time.Duration) {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	if r.metrics.AvgLatency == 0 {
		r.metrics.AvgLatency = duration
	} else {
		const alpha = 0.1
		r.metrics.AvgLatency = time.Duration(float64(r.metrics.AvgLatency)*(1-alpha) + float64(duration)*alpha)
	}
}

// GetMetrics returns a snapshot of Redis operation metrics.
func (r *RedisClient) GetMetrics() map[string]interface{} {
	r.metrics.mu.RLock()
	defer r.metrics.mu.RUnlock()
	return map[string]interface{}{
		"hit_count":    r.metrics.HitCount,
		"miss_count":   r.metrics.MissCount,
		"set_count":    r.metrics.SetCount,
		"delete_count": r.metrics.DeleteCount,
		"avg_latency":  r.metrics.AvgLatency,
	}
}

// Close closes the underlying connection.
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// Health checks reachability with a tight timeout, for a readiness probe.
func (r *RedisClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
