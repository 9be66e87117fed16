// Package warmup proactively populates diagnosis cache entries so dashboard
// reads stay fast. The analytics computation, dataset snapshot and entity
// listing are external collaborators reached through narrow interfaces.
package warmup

import (
	"context"
	"sync"
	"time"

	"github.com/storeops/storecache/pkg/cache"
	"github.com/storeops/storecache/pkg/observability"
)

// DatasetProvider supplies the current working dataset snapshot.
type DatasetProvider interface {
	CurrentDataset(ctx context.Context) (*cache.Table, error)
}

// Analyzer computes a diagnosis over a subset of the dataset. An empty
// entity list means the global diagnosis. Pure from this package's view.
type Analyzer interface {
	ComputeDiagnosis(ctx context.Context, dataset *cache.Table, entityIDs []string) (cache.RecordMap, error)
}

// EntityLister extracts the entity IDs present in a dataset, in natural
// listing order.
type EntityLister interface {
	ListEntities(dataset *cache.Table) []string
}

// HealthGate reports whether the backend is worth writing to. A warm-up run
// against a down backend is skipped outright.
type HealthGate interface {
	Healthy() bool
}

// Config tunes warm-up coverage. The hot ratio and cold cap deliberately
// bound run duration for large entity sets; both are knobs, not constants.
type Config struct {
	// DateRange is the window diagnoses are computed over.
	DateRange cache.DateRange `mapstructure:"date_range"`
	// HotRatio is the fraction of entities warmed as "hot" (parallel stage).
	HotRatio float64 `mapstructure:"hot_ratio"`
	// Workers bounds the parallel stage's concurrency.
	Workers int `mapstructure:"workers"`
	// ColdCap caps sequentially warmed remaining entities per run; entities
	// beyond it are populated lazily on first real access.
	ColdCap int `mapstructure:"cold_cap"`
	// TTL overrides the diagnosis-level default when positive.
	TTL time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns warm-up defaults: hot ratio 0.2, 5 workers, cold cap 20.
func DefaultConfig() Config {
	return Config{
		HotRatio: 0.2,
		Workers:  5,
		ColdCap:  20,
	}
}

// RunReport summarizes one warm-up run. Elapsed is recorded on every exit
// path, including early skips.
type RunReport struct {
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
	HotWarmed  int           `json:"hot_warmed"`
	ColdWarmed int           `json:"cold_warmed"`
	Failed     int           `json:"failed"`
	Deferred   int           `json:"deferred"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Warmer executes staged warm-up runs against the cache manager.
type Warmer struct {
	manager  *cache.Manager
	datasets DatasetProvider
	analyzer Analyzer
	entities EntityLister
	gate     HealthGate
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewWarmer creates a warmer. gate may be nil, in which case runs are never
// health-gated.
func NewWarmer(
	manager *cache.Manager,
	datasets DatasetProvider,
	analyzer Analyzer,
	entities EntityLister,
	gate HealthGate,
	config Config,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Warmer {
	if logger == nil {
		logger = observability.NewLogger("warmup")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if config.Workers <= 0 {
		config.Workers = 5
	}
	if config.HotRatio <= 0 || config.HotRatio > 1 {
		config.HotRatio = 0.2
	}
	if config.ColdCap < 0 {
		config.ColdCap = 0
	}

	return &Warmer{
		manager:  manager,
		datasets: datasets,
		analyzer: analyzer,
		entities: entities,
		gate:     gate,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run executes one warm-up: the global diagnosis entry first, then hot
// entities in parallel, then a capped number of cold entities sequentially.
// A failure warming any single entity is logged and skipped; it never aborts
// the run.
func (w *Warmer) Run(ctx context.Context) *RunReport {
	start := time.Now()
	report := &RunReport{}
	defer func() {
		report.Elapsed = time.Since(start)
		w.metrics.RecordLatency("warmup.run", report.Elapsed)
		w.logger.Info("warm-up run finished", map[string]interface{}{
			"skipped":     report.Skipped,
			"hot_warmed":  report.HotWarmed,
			"cold_warmed": report.ColdWarmed,
			"failed":      report.Failed,
			"deferred":    report.Deferred,
			"elapsed_ms":  report.Elapsed.Milliseconds(),
		})
	}()

	if w.gate != nil && !w.gate.Healthy() {
		report.Skipped = true
		report.SkipReason = "backend unhealthy"
		return report
	}

	dataset, err := w.datasets.CurrentDataset(ctx)
	if err != nil {
		report.Skipped = true
		report.SkipReason = "dataset unavailable: " + err.Error()
		return report
	}
	if dataset.Empty() {
		// No partial warm-up over a missing snapshot.
		report.Skipped = true
		report.SkipReason = "dataset empty"
		return report
	}

	allEntities := w.entities.ListEntities(dataset)
	if len(allEntities) == 0 {
		report.Skipped = true
		report.SkipReason = "no entities in dataset"
		return report
	}

	// Stage 1: the global entry is always written before any per-entity
	// entry begins, so readers mid-run never see per-entity data without the
	// baseline.
	if !w.warmOne(ctx, dataset, nil) {
		report.Failed++
	}

	// Stage 2: hot entities in parallel.
	topN := int(float64(len(allEntities)) * w.config.HotRatio)
	if topN < 1 {
		topN = 1
	}
	hot := w.manager.AnalyzeHotEntities(topN)
	if len(hot) == 0 {
		// Cold start: no demand signal yet, take the head of the natural order.
		if topN > len(allEntities) {
			topN = len(allEntities)
		}
		hot = allEntities[:topN]
	}
	hotSet := make(map[string]struct{}, len(hot))
	for _, id := range hot {
		hotSet[id] = struct{}{}
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, w.config.Workers)
	)
	for _, id := range hot {
		wg.Add(1)
		go func(entityID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			ok := w.warmOne(ctx, dataset, []string{entityID})
			mu.Lock()
			if ok {
				report.HotWarmed++
			} else {
				report.Failed++
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	// Stage 3: a capped number of cold entities, sequentially.
	cold := 0
	for _, id := range allEntities {
		if _, isHot := hotSet[id]; isHot {
			continue
		}
		if cold >= w.config.ColdCap {
			report.Deferred++
			continue
		}
		cold++
		if w.warmOne(ctx, dataset, []string{id}) {
			report.ColdWarmed++
		} else {
			report.Failed++
		}
	}

	return report
}

// warmOne computes and caches one diagnosis. nil entityIDs means the global
// entry.
func (w *Warmer) warmOne(ctx context.Context, dataset *cache.Table, entityIDs []string) bool {
	diagnosis, err := w.analyzer.ComputeDiagnosis(ctx, dataset, entityIDs)
	if err != nil {
		w.logger.Warn("diagnosis computation failed, skipping entity", map[string]interface{}{
			"entity_ids": entityIDs,
			"error":      err.Error(),
		})
		w.metrics.IncrementCounterWithLabels("warmup_failures_total", 1, nil)
		return false
	}
	w.manager.CacheDiagnosis(ctx, entityIDs, w.config.DateRange, diagnosis, w.config.TTL)
	return true
}
