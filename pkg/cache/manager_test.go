package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeops/storecache/pkg/observability"
)

func setupTestManager(t *testing.T, mutate func(*Config)) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, time.Second, observability.NewNoopLogger(), nil)

	config := DefaultConfig()
	config.Redis.Address = mr.Addr()
	if mutate != nil {
		mutate(config)
	}

	manager, err := NewManager(store, config, observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return manager, mr
}

func testRange() DateRange {
	return DateRange{Start: "2026-08-01", End: "2026-08-31"}
}

func TestNewManager(t *testing.T) {
	t.Run("nil store rejected", func(t *testing.T) {
		_, err := NewManager(nil, DefaultConfig(), nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("invalid config rejected", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store := NewRedisStoreFromClient(client, time.Second, nil, nil)
		defer func() { _ = store.Close() }()

		config := DefaultConfig()
		config.Namespace = ""
		_, err = NewManager(store, config, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestManagerRawDataRoundTrip(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	table := NewTable("order_id", "amount")
	table.AppendRow("O1", 42.5)
	table.AppendRow("O2", 17.0)

	manager.CacheRawData(ctx, "S1", testRange(), table, 0)

	got, ok := manager.GetRawData(ctx, "S1", testRange())
	require.True(t, ok)
	assert.Equal(t, 2, got.Rows)
	assert.Equal(t, "O1", got.Column("order_id")[0])

	_, ok = manager.GetRawData(ctx, "S2", testRange())
	assert.False(t, ok)
}

func TestManagerMetrics(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheMetrics(ctx, "S1", "2026-08-01", RecordMap{"churn_rate": 0.12}, 0)

	record, ok := manager.GetMetrics(ctx, "S1", "2026-08-01")
	require.True(t, ok)
	assert.Equal(t, 0.12, record["churn_rate"])

	// Same entity, different date is a distinct entry.
	_, ok = manager.GetMetrics(ctx, "S1", "2026-08-02")
	assert.False(t, ok)
}

func TestManagerMetricsBatchPartial(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheMetrics(ctx, "e1", "2026-08-01", RecordMap{"n": 1.0}, 0)
	manager.CacheMetrics(ctx, "e3", "2026-08-01", RecordMap{"n": 3.0}, 0)

	results := manager.GetMetricsBatch(ctx, []string{"e1", "e2", "e3"}, "2026-08-01")

	require.Len(t, results, 2)
	assert.Contains(t, results, "e1")
	assert.Contains(t, results, "e3")
	assert.NotContains(t, results, "e2")
}

func TestManagerDiagnosisOrderIndependence(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheDiagnosis(ctx, []string{"S2", "S1"}, testRange(), RecordMap{"verdict": "healthy"}, 0)

	record, ok := manager.GetDiagnosis(ctx, []string{"S1", "S2"}, testRange())
	require.True(t, ok)
	assert.Equal(t, "healthy", record["verdict"])

	// The global entry (no entities) is distinct from any per-entity set.
	_, ok = manager.GetDiagnosis(ctx, nil, testRange())
	assert.False(t, ok)

	manager.CacheDiagnosis(ctx, nil, testRange(), RecordMap{"verdict": "global"}, 0)
	record, ok = manager.GetDiagnosis(ctx, nil, testRange())
	require.True(t, ok)
	assert.Equal(t, "global", record["verdict"])
}

func TestManagerTTL(t *testing.T) {
	manager, mr := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheMetrics(ctx, "S1", "2026-08-01", RecordMap{"n": 1.0}, time.Second)

	_, ok := manager.GetMetrics(ctx, "S1", "2026-08-01")
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok = manager.GetMetrics(ctx, "S1", "2026-08-01")
	assert.False(t, ok)
}

func TestManagerCompression(t *testing.T) {
	manager, _ := setupTestManager(t, func(cfg *Config) {
		cfg.EnableCompression = true
		cfg.CompressionMinBytes = 64
	})
	ctx := context.Background()

	table := NewTable("entity_id", "note")
	for i := 0; i < 200; i++ {
		table.AppendRow(fmt.Sprintf("S%d", i%5), "repetitive diagnostic annotation")
	}

	manager.CacheRawData(ctx, "S1", testRange(), table, 0)

	got, ok := manager.GetRawData(ctx, "S1", testRange())
	require.True(t, ok)
	assert.Equal(t, 200, got.Rows)
}

func TestManagerReadsLegacyUncompressedEntries(t *testing.T) {
	// An entry written with compression off must stay readable after the
	// flag is toggled on.
	manager, mr := setupTestManager(t, func(cfg *Config) {
		cfg.EnableCompression = false
	})
	ctx := context.Background()

	manager.CacheMetrics(ctx, "S1", "2026-08-01", RecordMap{"n": 1.0}, 0)

	compressed, err := NewManager(
		NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second, nil, nil),
		func() *Config {
			cfg := DefaultConfig()
			cfg.Redis.Address = mr.Addr()
			cfg.EnableCompression = true
			return cfg
		}(),
		observability.NewNoopLogger(),
		nil,
	)
	require.NoError(t, err)
	defer func() { _ = compressed.Close() }()

	record, ok := compressed.GetMetrics(ctx, "S1", "2026-08-01")
	require.True(t, ok)
	assert.Equal(t, 1.0, record["n"])
}

func TestManagerHotEntityRanking(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		manager.GetMetrics(ctx, "A", "2026-08-01")
	}
	for i := 0; i < 5; i++ {
		manager.GetMetrics(ctx, "B", "2026-08-01")
	}
	manager.GetMetrics(ctx, "C", "2026-08-01")

	assert.Equal(t, []string{"A", "B"}, manager.AnalyzeHotEntities(2))
	assert.Equal(t, []string{"A", "B", "C"}, manager.AnalyzeHotEntities(10))
}

func TestManagerAccessLoggedBeforeRead(t *testing.T) {
	// Misses still register demand: ranking works even when nothing is
	// cached yet.
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	manager.GetDiagnosis(ctx, []string{"S9"}, testRange())
	manager.GetDiagnosis(ctx, []string{"S9"}, testRange())

	assert.Equal(t, []string{"S9"}, manager.AnalyzeHotEntities(1))
}

func TestManagerEmptyAccessLog(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	assert.Empty(t, manager.AnalyzeHotEntities(5))
}

func TestManagerClear(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheMetrics(ctx, "S1", "2026-08-01", RecordMap{"n": 1.0}, 0)
	manager.CacheMetrics(ctx, "S2", "2026-08-01", RecordMap{"n": 2.0}, 0)
	manager.CacheDiagnosis(ctx, []string{"S1"}, testRange(), RecordMap{"v": "ok"}, 0)

	deleted, err := manager.ClearLevel(ctx, LevelMetrics)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, ok := manager.GetMetrics(ctx, "S1", "2026-08-01")
	assert.False(t, ok)
	_, ok = manager.GetDiagnosis(ctx, []string{"S1"}, testRange())
	assert.True(t, ok)

	deleted, err = manager.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, ok = manager.GetDiagnosis(ctx, []string{"S1"}, testRange())
	assert.False(t, ok)
}

func TestManagerFailOpenOnBackendDown(t *testing.T) {
	manager, mr := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheMetrics(ctx, "S1", "2026-08-01", RecordMap{"n": 1.0}, 0)
	mr.Close()

	// Reads become misses, writes become no-ops; nothing propagates.
	_, ok := manager.GetMetrics(ctx, "S1", "2026-08-01")
	assert.False(t, ok)
	manager.CacheMetrics(ctx, "S2", "2026-08-01", RecordMap{"n": 2.0}, 0)
}

func TestManagerCorruptPayloadIsMiss(t *testing.T) {
	manager, mr := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheMetrics(ctx, "S1", "2026-08-01", RecordMap{"n": 1.0}, 0)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	require.NoError(t, mr.Set(keys[0], "garbage not an envelope"))

	_, ok := manager.GetMetrics(ctx, "S1", "2026-08-01")
	assert.False(t, ok)
}

func TestManagerStats(t *testing.T) {
	manager, _ := setupTestManager(t, nil)
	ctx := context.Background()

	manager.CacheMetrics(ctx, "S1", "2026-08-01", RecordMap{"n": 1.0}, 0)
	manager.GetMetrics(ctx, "S1", "2026-08-01") // hit
	manager.GetMetrics(ctx, "S2", "2026-08-01") // miss

	stats := manager.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 2, stats.AccessLog)
	require.NotNil(t, stats.Store)
	assert.Equal(t, int64(1), stats.Store.TotalKeys)
}
