package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/storeops/storecache/pkg/observability"
)

// StoreStats aggregates backend-reported counters. Advisory: surfaced on
// operational dashboards, never used for correctness decisions.
type StoreStats struct {
	TotalKeys       int64   `json:"total_keys"`
	UsedMemoryBytes int64   `json:"used_memory_bytes"`
	MaxMemoryBytes  int64   `json:"max_memory_bytes"`
	HitRate         float64 `json:"hit_rate"`
}

// Store is the narrow interface to the key-value backend. It is the only
// component in the subsystem that talks to the network.
type Store interface {
	// Get returns the raw bytes for a key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// SetEx writes a value with a TTL. The backend owns expiry entirely.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// ScanKeys returns every key matching a glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// Stats returns backend counters.
	Stats(ctx context.Context) (*StoreStats, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close() error
}

// RedisStore implements Store on a go-redis client, with per-operation
// timeouts and a circuit breaker so a down backend fails fast instead of
// stalling every caller.
type RedisStore struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker
	opTimeout time.Duration
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// scanBatchSize is the SCAN COUNT hint per cursor iteration.
const scanBatchSize = 100

// NewRedisStore connects to Redis and verifies connectivity with an initial
// ping. Construction failure is the one error in this package that should
// reach startup code.
func NewRedisStore(cfg RedisConfig, logger observability.Logger, metrics observability.MetricsClient) (*RedisStore, error) {
	client := redis.NewClient(cfg.ToRedisOptions())

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return NewRedisStoreFromClient(client, cfg.ReadTimeout, logger, metrics), nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps
// ownership decisions simple: Close closes the client either way.
func NewRedisStoreFromClient(client *redis.Client, opTimeout time.Duration, logger observability.Logger, metrics observability.MetricsClient) *RedisStore {
	if logger == nil {
		logger = observability.NewLogger("cache.store")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis_store",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && counts.TotalFailures*10 >= counts.Requests*6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &RedisStore{
		client:    client,
		breaker:   breaker,
		opTimeout: opTimeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// Get retrieves the raw bytes for a key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	result, err := s.execute(ctx, func(opCtx context.Context) (interface{}, error) {
		data, err := s.client.Get(opCtx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is a normal outcome, not a backend failure.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	s.metrics.RecordCacheOperation("store.get", err == nil, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrCacheMiss
	}
	return result.([]byte), nil
}

// SetEx writes a value with a TTL.
func (s *RedisStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	_, err := s.execute(ctx, func(opCtx context.Context) (interface{}, error) {
		return nil, s.client.SetEx(opCtx, key, value, ttl).Err()
	})
	s.metrics.RecordCacheOperation("store.set", err == nil, time.Since(start).Seconds())
	return err
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.execute(ctx, func(opCtx context.Context) (interface{}, error) {
		return nil, s.client.Del(opCtx, keys...).Err()
	})
	return err
}

// ScanKeys iterates SCAN cursors until exhaustion. Never KEYS: scans stay
// incremental so administrative clears cannot stall the backend.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		result, err := s.execute(ctx, func(opCtx context.Context) (interface{}, error) {
			batch, next, err := s.client.Scan(opCtx, cursor, pattern, scanBatchSize).Result()
			if err != nil {
				return nil, err
			}
			cursor = next
			return batch, nil
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, result.([]string)...)
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Stats collects DBSIZE, INFO and maxmemory into a StoreStats snapshot.
func (s *RedisStore) Stats(ctx context.Context) (*StoreStats, error) {
	result, err := s.execute(ctx, func(opCtx context.Context) (interface{}, error) {
		stats := &StoreStats{}

		total, err := s.client.DBSize(opCtx).Result()
		if err != nil {
			return nil, err
		}
		stats.TotalKeys = total

		// INFO and CONFIG are advisory; backends that implement only a
		// subset (or proxies that block them) still yield a usable snapshot.
		if info, err := s.client.Info(opCtx, "memory", "stats").Result(); err == nil {
			fields := parseInfo(info)
			stats.UsedMemoryBytes = parseInfoInt(fields, "used_memory")
			hits := parseInfoInt(fields, "keyspace_hits")
			misses := parseInfoInt(fields, "keyspace_misses")
			if hits+misses > 0 {
				stats.HitRate = float64(hits) / float64(hits+misses)
			}
		}

		if maxmem, err := s.client.ConfigGet(opCtx, "maxmemory").Result(); err == nil {
			if v, ok := maxmem["maxmemory"]; ok {
				stats.MaxMemoryBytes, _ = strconv.ParseInt(v, 10, 64)
			}
		}

		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*StoreStats), nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, func(opCtx context.Context) (interface{}, error) {
		return nil, s.client.Ping(opCtx).Err()
	})
	return err
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// execute runs an operation under the circuit breaker with the store's
// per-operation timeout. Breaker-open and network errors both surface as
// ErrBackendUnavailable so callers have one failure mode to absorb.
func (s *RedisStore) execute(ctx context.Context, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return op(opCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrBackendUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return result, nil
}

// parseInfo splits a Redis INFO response into key/value fields.
func parseInfo(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			fields[line[:idx]] = line[idx+1:]
		}
	}
	return fields
}

func parseInfoInt(fields map[string]string, key string) int64 {
	v, err := strconv.ParseInt(fields[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
