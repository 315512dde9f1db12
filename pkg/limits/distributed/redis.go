package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"mercator-hq/throttle/pkg/limits/ratelimit"
	"mercator-hq/throttle/pkg/limits/storage"
)

// Defaults for Config fields left zero.
const (
	DefaultTimeout         = 100 * time.Millisecond
	DefaultKeyPrefix       = "throttle:"
	DefaultWindow          = time.Minute
	DefaultKeyTTL          = 2 * time.Minute
	DefaultFailureCooldown = time.Second
	DefaultLocalMaxKeys    = 10000
)

var (
	// ErrDegraded marks an answer computed from the local fallback counter.
	// The returned count is still usable as an approximation.
	ErrDegraded = errors.New("distributed counter degraded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("distributed counter closed")
)

// Config configures a RedisCounter.
type Config struct {
	// URL is the Redis connection URL (redis:// or rediss://).
	URL string

	// Timeout bounds every round trip, including dialing.
	Timeout time.Duration

	// KeyPrefix namespaces counter keys.
	KeyPrefix string

	// Window and KeyTTL are the defaults used by the tracker when calling
	// RecordAndCount.
	Window time.Duration
	KeyTTL time.Duration

	// FailureCooldown is how long Redis is skipped after a failure.
	FailureCooldown time.Duration

	// LocalMaxKeys bounds the local fallback counters.
	LocalMaxKeys int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.KeyTTL < c.Window {
		c.KeyTTL = DefaultKeyTTL
		if c.KeyTTL < c.Window {
			c.KeyTTL = 2 * c.Window
		}
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = DefaultFailureCooldown
	}
	if c.LocalMaxKeys <= 0 {
		c.LocalMaxKeys = DefaultLocalMaxKeys
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RedisCounter mirrors per-key sliding-window counts into Redis sorted sets
// so that several instances agree on a global rate.
//
// Each call adds one member scored by its timestamp, trims members older than
// the window, refreshes the key expiry and reads the cardinality in a single
// MULTI/EXEC pipeline bounded by Config.Timeout. When Redis fails the call is
// answered from a local counter and ErrDegraded is returned; Redis is then
// skipped for FailureCooldown.
//
// RedisCounter is safe for concurrent use.
type RedisCounter struct {
	client *redis.Client
	config Config
	logger *slog.Logger
	local  *storage.KeyStore

	instance string

	// failUntil is the unix nano time before which Redis is skipped.
	failUntil atomic.Int64
	degraded  atomic.Bool
	closed    atomic.Bool

	calls     atomic.Int64
	fallbacks atomic.Int64
	failures  atomic.Int64
}

// New creates a counter connected to cfg.URL. An unreachable server is not an
// error: the counter starts degraded and retries after the cooldown.
func New(cfg Config) (*RedisCounter, error) {
	cfg.applyDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = cfg.Timeout
	opts.ReadTimeout = cfg.Timeout
	opts.WriteTimeout = cfg.Timeout
	opts.MaxRetries = -1

	c := NewWithClient(redis.NewClient(opts), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		c.markFailure(err)
	}

	return c, nil
}

// NewWithClient wraps an existing client. The counter owns the client and
// closes it on Close.
func NewWithClient(client *redis.Client, cfg Config) *RedisCounter {
	cfg.applyDefaults()

	return &RedisCounter{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "limits.distributed"),
		local: storage.NewKeyStore(storage.KeyStoreConfig{
			Name:       "distributed-fallback",
			MaxKeys:    cfg.LocalMaxKeys,
			TTL:        cfg.KeyTTL,
			Retention:  cfg.Window,
			MaxSamples: ratelimit.DefaultMaxSamples,
			Logger:     cfg.Logger,
		}),
		instance: uuid.NewString(),
	}
}

// Config returns the effective configuration.
func (c *RedisCounter) Config() Config {
	return c.config
}

// RecordAndCount records one event for key at now and returns the number of
// events recorded by all instances within window. ttl refreshes the key's
// expiry and should be at least window.
//
// On failure the count comes from the local fallback and the error wraps
// ErrDegraded.
func (c *RedisCounter) RecordAndCount(ctx context.Context, key string, now time.Time, window, ttl time.Duration) (int, error) {
	counts, err := c.RecordAndCountBatch(ctx, []string{key}, now, window, ttl)
	if len(counts) == 0 {
		return 0, err
	}
	return counts[0], err
}

// RecordAndCountBatch is RecordAndCount for several keys in one round trip.
// Counts are returned in key order.
func (c *RedisCounter) RecordAndCountBatch(ctx context.Context, keys []string, now time.Time, window, ttl time.Duration) ([]int, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if window <= 0 {
		window = c.config.Window
	}
	if ttl < window {
		ttl = c.config.KeyTTL
		if ttl < window {
			ttl = 2 * window
		}
	}

	c.calls.Add(1)
	local := c.recordLocal(keys, now, window)

	if until := c.failUntil.Load(); until != 0 && time.Now().UnixNano() < until {
		c.fallbacks.Add(1)
		return local, fmt.Errorf("%w: in failure cooldown", ErrDegraded)
	}

	counts, err := c.pipeline(ctx, keys, now, window, ttl)
	if err != nil {
		c.markFailure(err)
		c.fallbacks.Add(1)
		return local, fmt.Errorf("%w: %v", ErrDegraded, err)
	}

	c.markSuccess()
	return counts, nil
}

func (c *RedisCounter) pipeline(ctx context.Context, keys []string, now time.Time, window, ttl time.Duration) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	score := now.UnixMicro()
	cutoff := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	cards := make([]*redis.IntCmd, len(keys))
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			k := c.config.KeyPrefix + key
			pipe.ZAdd(ctx, k, &redis.Z{
				Score:  float64(score),
				Member: c.instance + ":" + uuid.NewString(),
			})
			pipe.ZRemRangeByScore(ctx, k, "-inf", cutoff)
			pipe.Expire(ctx, k, ttl)
			cards[i] = pipe.ZCard(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	counts := make([]int, len(keys))
	for i, card := range cards {
		counts[i] = int(card.Val())
	}
	return counts, nil
}

func (c *RedisCounter) recordLocal(keys []string, now time.Time, window time.Duration) []int {
	counts := make([]int, len(keys))
	for i, key := range keys {
		c.local.With(key, now, func(e *storage.Entry) {
			e.Window.Record(now)
			e.TotalCount++
			counts[i] = e.Window.CountSince(now, window)
		})
	}
	return counts
}

func (c *RedisCounter) markFailure(err error) {
	c.failures.Add(1)
	c.failUntil.Store(time.Now().Add(c.config.FailureCooldown).UnixNano())
	if !c.degraded.Swap(true) {
		c.logger.Warn("distributed counter degraded, using local counts",
			"error", err,
			"cooldown", c.config.FailureCooldown)
	}
}

func (c *RedisCounter) markSuccess() {
	c.failUntil.Store(0)
	if c.degraded.Swap(false) {
		c.logger.Info("distributed counter recovered")
	}
}

// Healthy reports whether the last round trip succeeded.
func (c *RedisCounter) Healthy() bool {
	return !c.closed.Load() && !c.degraded.Load()
}

// Ping checks connectivity to Redis.
func (c *RedisCounter) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Stats is a point-in-time view of the counter's health.
type Stats struct {
	Calls     int64 `json:"calls"`
	Fallbacks int64 `json:"fallbacks"`
	Failures  int64 `json:"failures"`
	Healthy   bool  `json:"healthy"`
	LocalKeys int   `json:"local_keys"`
}

// Stats returns call and fallback counters.
func (c *RedisCounter) Stats() Stats {
	return Stats{
		Calls:     c.calls.Load(),
		Fallbacks: c.fallbacks.Load(),
		Failures:  c.failures.Load(),
		Healthy:   c.Healthy(),
		LocalKeys: c.local.Len(),
	}
}

// Close releases the client and the local counters. Close is idempotent.
func (c *RedisCounter) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.local.Close()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
