package warmup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeops/storecache/pkg/cache"
	"github.com/storeops/storecache/pkg/observability"
)

type fakeDatasets struct {
	table *cache.Table
	err   error
}

func (f *fakeDatasets) CurrentDataset(ctx context.Context) (*cache.Table, error) {
	return f.table, f.err
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   [][]string
	failFor string
}

func (f *fakeAnalyzer) ComputeDiagnosis(ctx context.Context, dataset *cache.Table, entityIDs []string) (cache.RecordMap, error) {
	f.mu.Lock()
	f.calls = append(f.calls, entityIDs)
	f.mu.Unlock()

	if f.failFor != "" && len(entityIDs) == 1 && entityIDs[0] == f.failFor {
		return nil, errors.New("analytics blew up")
	}
	scope := "global"
	if len(entityIDs) > 0 {
		scope = entityIDs[0]
	}
	return cache.RecordMap{"scope": scope, "verdict": "ok"}, nil
}

type columnLister struct{}

func (columnLister) ListEntities(dataset *cache.Table) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, cell := range dataset.Column("entity_id") {
		id, _ := cell.(string)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

type staticGate struct{ healthy bool }

func (g staticGate) Healthy() bool { return g.healthy }

func datasetWith(entities ...string) *cache.Table {
	table := cache.NewTable("entity_id", "orders")
	for _, id := range entities {
		table.AppendRow(id, 1.0)
	}
	return table
}

func setupWarmupTest(t *testing.T, datasets DatasetProvider, analyzer Analyzer, gate HealthGate, mutate func(*Config)) (*Warmer, *cache.Manager) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewRedisStoreFromClient(client, time.Second, observability.NewNoopLogger(), nil)

	cacheConfig := cache.DefaultConfig()
	cacheConfig.Redis.Address = mr.Addr()
	manager, err := cache.NewManager(store, cacheConfig, observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	config := DefaultConfig()
	config.DateRange = cache.DateRange{Start: "2026-08-01", End: "2026-08-31"}
	if mutate != nil {
		mutate(&config)
	}

	warmer := NewWarmer(manager, datasets, analyzer, columnLister{}, gate, config, observability.NewNoopLogger(), nil)
	return warmer, manager
}

func TestWarmupEndToEnd(t *testing.T) {
	// Three entities, hot ratio 0.2 => topN = max(1, 0) = 1. No access log
	// yet, so the hot set falls back to the first entity in natural order;
	// the other two are warmed in the cold stage.
	analyzer := &fakeAnalyzer{}
	warmer, manager := setupWarmupTest(t,
		&fakeDatasets{table: datasetWith("S1", "S2", "S3")},
		analyzer, nil, nil)

	report := warmer.Run(context.Background())

	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.HotWarmed)
	assert.Equal(t, 2, report.ColdWarmed)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Deferred)
	assert.Greater(t, report.Elapsed, time.Duration(0))

	ctx := context.Background()
	dateRange := cache.DateRange{Start: "2026-08-01", End: "2026-08-31"}

	global, ok := manager.GetDiagnosis(ctx, nil, dateRange)
	require.True(t, ok)
	assert.Equal(t, "global", global["scope"])

	for _, id := range []string{"S1", "S2", "S3"} {
		record, ok := manager.GetDiagnosis(ctx, []string{id}, dateRange)
		require.True(t, ok, id)
		assert.Equal(t, "ok", record["verdict"])
	}

	// A combination never explicitly warmed stays a miss.
	_, ok = manager.GetDiagnosis(ctx, []string{"S1", "S2"}, dateRange)
	assert.False(t, ok)
}

func TestWarmupGlobalEntryWrittenFirst(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	warmer, _ := setupWarmupTest(t,
		&fakeDatasets{table: datasetWith("S1", "S2")},
		analyzer, nil, nil)

	warmer.Run(context.Background())

	require.NotEmpty(t, analyzer.calls)
	assert.Empty(t, analyzer.calls[0], "global diagnosis must be computed before any per-entity one")
}

func TestWarmupPrefersHotEntities(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	warmer, manager := setupWarmupTest(t,
		&fakeDatasets{table: datasetWith("S1", "S2", "S3", "S4", "S5")},
		analyzer, nil, nil)

	// Simulated demand: S4 is the hottest entity.
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		manager.GetMetrics(ctx, "S4", "2026-08-01")
	}

	report := warmer.Run(ctx)

	assert.Equal(t, 1, report.HotWarmed)
	found := false
	for _, call := range analyzer.calls {
		if len(call) == 1 && call[0] == "S4" {
			found = true
		}
	}
	assert.True(t, found, "hot entity S4 should be warmed")
}

func TestWarmupSkipsOnEmptyDataset(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		warmer, _ := setupWarmupTest(t, &fakeDatasets{table: cache.NewTable("entity_id")}, &fakeAnalyzer{}, nil, nil)
		report := warmer.Run(context.Background())
		assert.True(t, report.Skipped)
		assert.Equal(t, "dataset empty", report.SkipReason)
	})

	t.Run("provider error", func(t *testing.T) {
		warmer, _ := setupWarmupTest(t, &fakeDatasets{err: errors.New("etl down")}, &fakeAnalyzer{}, nil, nil)
		report := warmer.Run(context.Background())
		assert.True(t, report.Skipped)
		assert.Contains(t, report.SkipReason, "etl down")
	})
}

func TestWarmupSkipsWhenUnhealthy(t *testing.T) {
	warmer, _ := setupWarmupTest(t,
		&fakeDatasets{table: datasetWith("S1")},
		&fakeAnalyzer{}, staticGate{healthy: false}, nil)

	report := warmer.Run(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, "backend unhealthy", report.SkipReason)
}

func TestWarmupSingleEntityFailureDoesNotAbort(t *testing.T) {
	analyzer := &fakeAnalyzer{failFor: "S2"}
	warmer, manager := setupWarmupTest(t,
		&fakeDatasets{table: datasetWith("S1", "S2", "S3")},
		analyzer, nil, nil)

	report := warmer.Run(context.Background())

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.HotWarmed)
	assert.Equal(t, 1, report.ColdWarmed)

	ctx := context.Background()
	dateRange := cache.DateRange{Start: "2026-08-01", End: "2026-08-31"}
	_, ok := manager.GetDiagnosis(ctx, []string{"S3"}, dateRange)
	assert.True(t, ok, "entities after the failing one are still warmed")
	_, ok = manager.GetDiagnosis(ctx, []string{"S2"}, dateRange)
	assert.False(t, ok)
}

func TestWarmupColdCapDefersEntities(t *testing.T) {
	entities := make([]string, 10)
	for i := range entities {
		entities[i] = string(rune('A' + i))
	}
	warmer, _ := setupWarmupTest(t,
		&fakeDatasets{table: datasetWith(entities...)},
		&fakeAnalyzer{}, nil, func(cfg *Config) {
			cfg.ColdCap = 3
		})

	report := warmer.Run(context.Background())

	// 10 entities: 2 hot (ratio 0.2), 3 cold, the rest deferred to lazy
	// population.
	assert.Equal(t, 2, report.HotWarmed)
	assert.Equal(t, 3, report.ColdWarmed)
	assert.Equal(t, 5, report.Deferred)
}
