package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/storeops/storecache/pkg/observability"
)

// DateRange identifies the inclusive date window a cached value covers.
// Dates are ISO "2006-01-02" strings; the manager treats them opaquely.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r DateRange) String() string {
	return r.Start + "_" + r.End
}

// ManagerStats is a point-in-time snapshot of manager and backend counters.
type ManagerStats struct {
	Hits      int64       `json:"hits"`
	Misses    int64       `json:"misses"`
	HitRate   float64     `json:"hit_rate"`
	AccessLog int         `json:"access_log_entries"`
	Store     *StoreStats `json:"store,omitempty"`
}

// Manager composes the key codec, payload codec and store into four semantic
// cache levels, each with its own key shape and default TTL. It also records
// the read-path access log that drives hot-entity ranking.
//
// The cache is an optional accelerator: every store or codec failure is
// absorbed here as a miss (reads) or a logged no-op (writes). Construct one
// Manager at application start and share it; Close releases the store.
type Manager struct {
	store   Store
	keys    *KeyCodec
	codec   *Codec
	config  *Config
	logger  observability.Logger
	metrics observability.MetricsClient

	accesses *accessLog
	hits     atomic.Int64
	misses   atomic.Int64
}

// NewManager creates a manager over an existing store.
func NewManager(store Store, config *Config, logger observability.Logger, metrics observability.MetricsClient) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger("cache.manager")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	return &Manager{
		store:    store,
		keys:     NewKeyCodec(config.Namespace, config.SchemaVersion),
		codec:    NewCodec(config.CompressionMinBytes),
		config:   config,
		logger:   logger,
		metrics:  metrics,
		accesses: newAccessLog(config.AccessLogSize),
	}, nil
}

// CacheRawData stores the raw order rows for one entity and date range.
// ttl <= 0 uses the level default.
func (m *Manager) CacheRawData(ctx context.Context, entityID string, dateRange DateRange, data *Table, ttl time.Duration) {
	m.cacheValue(ctx, LevelRawData, rawDataParams(entityID, dateRange), data, ttl)
}

// GetRawData returns the cached raw rows, or ok=false on any miss.
func (m *Manager) GetRawData(ctx context.Context, entityID string, dateRange DateRange) (*Table, bool) {
	m.recordAccess([]string{entityID}, dateRange.String())
	value, ok := m.getValue(ctx, LevelRawData, rawDataParams(entityID, dateRange))
	if !ok {
		return nil, false
	}
	table, ok := value.(*Table)
	return table, ok
}

// CacheMetrics stores computed metrics for one entity and date.
func (m *Manager) CacheMetrics(ctx context.Context, entityID, date string, metrics RecordMap, ttl time.Duration) {
	m.cacheValue(ctx, LevelMetrics, metricsParams(entityID, date), metrics, ttl)
}

// GetMetrics returns the cached metrics, or ok=false on any miss.
func (m *Manager) GetMetrics(ctx context.Context, entityID, date string) (RecordMap, bool) {
	m.recordAccess([]string{entityID}, date)
	value, ok := m.getValue(ctx, LevelMetrics, metricsParams(entityID, date))
	if !ok {
		return nil, false
	}
	record, ok := value.(RecordMap)
	return record, ok
}

// GetMetricsBatch reads metrics for several entities. Entities without a
// cached value are omitted; partial results are valid, never an error.
func (m *Manager) GetMetricsBatch(ctx context.Context, entityIDs []string, date string) map[string]RecordMap {
	results := make(map[string]RecordMap, len(entityIDs))
	for _, entityID := range entityIDs {
		if record, ok := m.GetMetrics(ctx, entityID, date); ok {
			results[entityID] = record
		}
	}
	return results
}

// CacheDiagnosis stores a composite diagnosis for a set of entities. The
// entity list is sorted before key construction, so [B,A] and [A,B] address
// the same entry. An empty list addresses the global diagnosis.
func (m *Manager) CacheDiagnosis(ctx context.Context, entityIDs []string, dateRange DateRange, diagnosis RecordMap, ttl time.Duration) {
	m.cacheValue(ctx, LevelDiagnosis, diagnosisParams(entityIDs, dateRange), diagnosis, ttl)
}

// GetDiagnosis returns the cached diagnosis for a set of entities, or
// ok=false on any miss.
func (m *Manager) GetDiagnosis(ctx context.Context, entityIDs []string, dateRange DateRange) (RecordMap, bool) {
	m.recordAccess(entityIDs, dateRange.String())
	value, ok := m.getValue(ctx, LevelDiagnosis, diagnosisParams(entityIDs, dateRange))
	if !ok {
		return nil, false
	}
	record, ok := value.(RecordMap)
	return record, ok
}

// CacheHotspot stores a hotspot ranking table for a scope and date.
func (m *Manager) CacheHotspot(ctx context.Context, scope, date string, data *Table, ttl time.Duration) {
	m.cacheValue(ctx, LevelHotspot, hotspotParams(scope, date), data, ttl)
}

// GetHotspot returns the cached hotspot table, or ok=false on any miss.
func (m *Manager) GetHotspot(ctx context.Context, scope, date string) (*Table, bool) {
	m.recordAccess(nil, date)
	value, ok := m.getValue(ctx, LevelHotspot, hotspotParams(scope, date))
	if !ok {
		return nil, false
	}
	table, ok := value.(*Table)
	return table, ok
}

// ClearLevel deletes every entry of one level via scan-then-bulk-delete.
// Administrative only; not used on any hot path.
func (m *Manager) ClearLevel(ctx context.Context, level Level) (int, error) {
	return m.clearPattern(ctx, m.keys.Prefix(level))
}

// ClearAll deletes every entry of the namespace, across schema versions.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	return m.clearPattern(ctx, m.keys.PrefixAll())
}

// AnalyzeHotEntities returns the topN most frequently accessed entity IDs in
// the retained access window. An empty log yields an empty result; callers
// fall back to their own ordering.
func (m *Manager) AnalyzeHotEntities(topN int) []string {
	return rankEntities(m.accesses.snapshot(), topN)
}

// Stats returns manager hit/miss counters along with backend stats. Backend
// stats are best effort; a down backend leaves them nil.
func (m *Manager) Stats(ctx context.Context) *ManagerStats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	stats := &ManagerStats{
		Hits:      hits,
		Misses:    misses,
		AccessLog: m.accesses.len(),
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}

	storeStats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Debug("backend stats unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		stats.Store = storeStats
	}
	return stats
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// recordAccess appends to the access log. Called before the read attempt so
// ranking sees demand even when every read misses.
func (m *Manager) recordAccess(entityIDs []string, dateRange string) {
	ids := make([]string, len(entityIDs))
	copy(ids, entityIDs)
	m.accesses.append(AccessLogEntry{
		At:        time.Now(),
		EntityIDs: ids,
		DateRange: dateRange,
	})
}

func (m *Manager) getValue(ctx context.Context, level Level, params map[string]interface{}) (interface{}, bool) {
	key, err := m.keys.BuildKey(level, params)
	if err != nil {
		m.logger.Error("key construction failed", map[string]interface{}{
			"level": string(level),
			"error": err.Error(),
		})
		return nil, false
	}

	data, err := m.store.Get(ctx, key.String())
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			m.logger.Warn("cache read failed, treating as miss", map[string]interface{}{
				"key":   key.String(),
				"error": err.Error(),
			})
		}
		m.misses.Add(1)
		return nil, false
	}

	decompressed, err := m.codec.Decompress(data)
	if err != nil {
		m.misses.Add(1)
		return nil, false
	}
	value, err := m.codec.Decode(decompressed)
	if err != nil {
		m.logger.Warn("corrupt cache payload, treating as miss", map[string]interface{}{
			"key":   key.String(),
			"error": err.Error(),
		})
		m.misses.Add(1)
		return nil, false
	}

	m.hits.Add(1)
	return value, true
}

func (m *Manager) cacheValue(ctx context.Context, level Level, params map[string]interface{}, value interface{}, ttl time.Duration) {
	start := time.Now()
	key, err := m.keys.BuildKey(level, params)
	if err != nil {
		m.logger.Error("key construction failed", map[string]interface{}{
			"level": string(level),
			"error": err.Error(),
		})
		return
	}

	encoded, err := m.codec.Encode(value)
	if err != nil {
		m.logger.Error("payload encoding failed, skipping cache write", map[string]interface{}{
			"key":   key.String(),
			"error": err.Error(),
		})
		return
	}

	payload := encoded
	if m.config.EnableCompression {
		compressed, err := m.codec.Compress(encoded)
		if err != nil {
			m.logger.Warn("compression failed, storing uncompressed", map[string]interface{}{
				"key":   key.String(),
				"error": err.Error(),
			})
		} else {
			if len(compressed) < len(encoded) {
				ratio := m.codec.CompressionRatio(encoded, compressed)
				m.metrics.RecordGauge("cache_compression_ratio", ratio, map[string]string{"level": string(level)})
				m.logger.Debug("payload compressed", map[string]interface{}{
					"key":   key.String(),
					"ratio": fmt.Sprintf("%.2f", ratio),
				})
			}
			payload = compressed
		}
	}

	if ttl <= 0 {
		ttl = m.config.TTL.For(level)
	}

	if err := m.store.SetEx(ctx, key.String(), payload, ttl); err != nil {
		m.logger.Warn("cache write failed, skipping", map[string]interface{}{
			"key":   key.String(),
			"error": err.Error(),
		})
		return
	}
	m.metrics.RecordCacheOperation("manager.set", true, time.Since(start).Seconds())
}

func (m *Manager) clearPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := m.store.ScanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(keys); start += scanBatchSize {
		end := start + scanBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := m.store.Delete(ctx, keys[start:end]...); err != nil {
			return start, err
		}
	}
	m.logger.Info("cache cleared", map[string]interface{}{
		"pattern": pattern,
		"deleted": len(keys),
	})
	return len(keys), nil
}

func rawDataParams(entityID string, dateRange DateRange) map[string]interface{} {
	return map[string]interface{}{
		"entity_id": entityID,
		"start":     dateRange.Start,
		"end":       dateRange.End,
	}
}

func metricsParams(entityID, date string) map[string]interface{} {
	return map[string]interface{}{
		"entity_id": entityID,
		"date":      date,
	}
}

func diagnosisParams(entityIDs []string, dateRange DateRange) map[string]interface{} {
	sorted := make([]string, len(entityIDs))
	copy(sorted, entityIDs)
	sort.Strings(sorted)
	return map[string]interface{}{
		"entity_ids": sorted,
		"start":      dateRange.Start,
		"end":        dateRange.End,
	}
}

func hotspotParams(scope, date string) map[string]interface{} {
	return map[string]interface{}{
		"scope": scope,
		"date":  date,
	}
}
