// Package health tracks liveness of the cache backend independently of the
// data path. The monitor owns its own connection so a busy or stalled data
// pool never reads as "backend down".
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/storeops/storecache/pkg/cache"
	"github.com/storeops/storecache/pkg/observability"
)

// Config configures the health monitor.
type Config struct {
	// Redis holds connection settings for the monitor's own client.
	Redis cache.RedisConfig `mapstructure:"redis"`
	// CheckInterval is the quick-check period.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// PingTimeout bounds each quick-check ping.
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
	// MaxRetry caps immediate reconnect attempts: once consecutive failures
	// exceed it, reconnection waits for the next tick.
	MaxRetry int `mapstructure:"max_retry"`
	// LatencyWarnThreshold triggers an initial-check warning.
	LatencyWarnThreshold time.Duration `mapstructure:"latency_warn_threshold"`
}

// DefaultConfig returns monitor defaults: 30s checks, 2s ping timeout,
// 3 reconnect attempts, 100ms latency warning.
func DefaultConfig() Config {
	return Config{
		Redis:                cache.DefaultRedisConfig(),
		CheckInterval:        30 * time.Second,
		PingTimeout:          2 * time.Second,
		MaxRetry:             3,
		LatencyWarnThreshold: 100 * time.Millisecond,
	}
}

// Status is a snapshot of monitor state. Counters are cumulative and never
// reset.
type Status struct {
	Healthy             bool      `json:"healthy"`
	LastCheckAt         time.Time `json:"last_check_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalChecks         int64     `json:"total_checks"`
	SuccessfulChecks    int64     `json:"successful_checks"`
	ReconnectAttempts   int64     `json:"reconnect_attempts"`
	LastError           string    `json:"last_error,omitempty"`
}

// SuccessRate returns the fraction of checks that succeeded.
func (s Status) SuccessRate() float64 {
	if s.TotalChecks == 0 {
		return 0
	}
	return float64(s.SuccessfulChecks) / float64(s.TotalChecks)
}

// Report is the result of the one-time deep check run at startup. Warnings
// are informational configuration findings, never errors.
type Report struct {
	Version          string        `json:"version"`
	MaxMemoryBytes   int64         `json:"max_memory_bytes"`
	EvictionPolicy   string        `json:"eviction_policy"`
	PingLatency      time.Duration `json:"ping_latency"`
	RoundTripLatency time.Duration `json:"round_trip_latency"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// Monitor runs periodic liveness checks against the backend and drives
// reconnection when checks fail.
type Monitor struct {
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu                  sync.Mutex
	client              *redis.Client
	running             bool
	stopCh              chan struct{}
	healthy             bool
	lastCheckAt         time.Time
	consecutiveFailures int
	totalChecks         int64
	successfulChecks    int64
	reconnectAttempts   int64
	lastError           error

	wg sync.WaitGroup
}

// stopJoinTimeout bounds how long Stop waits for the check loop to exit.
const stopJoinTimeout = 5 * time.Second

// NewMonitor creates a monitor with its own backend connection. The
// connection is established lazily by the first check.
func NewMonitor(config Config, logger observability.Logger, metrics observability.MetricsClient) *Monitor {
	if logger == nil {
		logger = observability.NewLogger("health.monitor")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 2 * time.Second
	}
	if config.LatencyWarnThreshold <= 0 {
		config.LatencyWarnThreshold = 100 * time.Millisecond
	}

	return &Monitor{
		config:  config,
		logger:  logger,
		metrics: metrics,
		client:  redis.NewClient(config.Redis.ToRedisOptions()),
	}
}

// InitialCheck runs the startup deep check: connect, ping, fetch version and
// memory configuration, and probe round-trip latency with a throwaway key.
// It is allowed to be slower than routine checks and runs once.
func (m *Monitor) InitialCheck(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	report := &Report{}

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		m.recordCheck(false, err)
		return nil, fmt.Errorf("initial ping failed: %w", err)
	}
	report.PingLatency = time.Since(start)

	if info, err := client.Info(ctx, "server").Result(); err == nil {
		report.Version = infoField(info, "redis_version")
	}

	if values, err := client.ConfigGet(ctx, "maxmemory").Result(); err == nil {
		if v, ok := values["maxmemory"]; ok {
			report.MaxMemoryBytes, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if values, err := client.ConfigGet(ctx, "maxmemory-policy").Result(); err == nil {
		report.EvictionPolicy = values["maxmemory-policy"]
	}

	// Round-trip probe: write and read a throwaway key.
	probeKey := "healthcheck:probe:" + uuid.NewString()
	probeStart := time.Now()
	if err := client.SetEx(ctx, probeKey, "ok", 10*time.Second).Err(); err != nil {
		m.recordCheck(false, err)
		return nil, fmt.Errorf("probe write failed: %w", err)
	}
	if err := client.Get(ctx, probeKey).Err(); err != nil {
		m.recordCheck(false, err)
		return nil, fmt.Errorf("probe read failed: %w", err)
	}
	report.RoundTripLatency = time.Since(probeStart)
	_ = client.Del(ctx, probeKey).Err()

	if report.MaxMemoryBytes == 0 {
		report.Warnings = append(report.Warnings, "no memory limit set (maxmemory=0); cache growth is unbounded")
	}
	if report.EvictionPolicy != "" && !strings.Contains(report.EvictionPolicy, "lru") {
		report.Warnings = append(report.Warnings, fmt.Sprintf("eviction policy %q is not LRU-based", report.EvictionPolicy))
	}
	if report.RoundTripLatency > m.config.LatencyWarnThreshold {
		report.Warnings = append(report.Warnings, fmt.Sprintf("round-trip latency %v above %v", report.RoundTripLatency, m.config.LatencyWarnThreshold))
	}

	m.recordCheck(true, nil)
	m.logger.Info("initial health check passed", map[string]interface{}{
		"version":    report.Version,
		"latency_ms": report.RoundTripLatency.Milliseconds(),
		"warnings":   len(report.Warnings),
	})
	for _, warning := range report.Warnings {
		m.logger.Warn(warning, nil)
	}

	return report, nil
}

// Start launches the periodic quick-check loop. Starting a running monitor
// logs a warning and is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("health monitor already running", nil)
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()

		m.quickCheck(ctx)
		for {
			select {
			case <-ticker.C:
				m.quickCheck(ctx)
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
		}
	}()

	m.logger.Info("health monitoring started", map[string]interface{}{
		"interval": m.config.CheckInterval.String(),
	})
}

// Stop halts the check loop, waiting a bounded time for it to exit. Stopping
// a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		m.logger.Warn("health monitor loop did not stop in time", nil)
	}
}

// Close stops monitoring and releases the monitor's connection.
func (m *Monitor) Close() error {
	m.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client.Close()
}

// Status returns a snapshot of the current health state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		Healthy:             m.healthy,
		LastCheckAt:         m.lastCheckAt,
		ConsecutiveFailures: m.consecutiveFailures,
		TotalChecks:         m.totalChecks,
		SuccessfulChecks:    m.successfulChecks,
		ReconnectAttempts:   m.reconnectAttempts,
	}
	if m.lastError != nil {
		status.LastError = m.lastError.Error()
	}
	return status
}

// Healthy reports the last known health state.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// quickCheck runs one lightweight ping. On failure it attempts an immediate
// reconnect while consecutive failures stay within MaxRetry; past that, the
// next attempt waits for the following tick so a dead backend does not cause
// a reconnect storm.
func (m *Monitor) quickCheck(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	err := m.ping(pingCtx)
	cancel()

	if err == nil {
		m.recordCheck(true, nil)
		return
	}

	failures := m.recordCheck(false, err)
	m.logger.Warn("health check failed", map[string]interface{}{
		"consecutive_failures": failures,
		"error":                err.Error(),
	})
	m.metrics.IncrementCounterWithLabels("health_check_failures_total", 1, nil)

	if failures > m.config.MaxRetry {
		m.logger.Warn("reconnect attempts exhausted, waiting for next check", map[string]interface{}{
			"max_retry": m.config.MaxRetry,
		})
		return
	}

	if err := m.reconnect(ctx); err != nil {
		m.logger.Error("reconnect failed", map[string]interface{}{"error": err.Error()})
		return
	}

	// A successful reconnect restores health without waiting for the tick.
	m.recordCheck(true, nil)
	m.logger.Info("backend connection restored", nil)
}

func (m *Monitor) ping(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	return client.Ping(ctx).Err()
}

// reconnect replaces the connection with a fresh client and re-pings,
// backing off exponentially between dial attempts within this one recovery.
func (m *Monitor) reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.reconnectAttempts++
	old := m.client
	m.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 3 * time.Second

	var client *redis.Client
	operation := func() error {
		client = redis.NewClient(m.config.Redis.ToRedisOptions())
		pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	_ = old.Close()
	return nil
}

// recordCheck updates counters and health state, returning the consecutive
// failure count after the update.
func (m *Monitor) recordCheck(success bool, err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalChecks++
	m.lastCheckAt = time.Now()
	if success {
		m.successfulChecks++
		m.consecutiveFailures = 0
		m.healthy = true
		m.lastError = nil
	} else {
		m.consecutiveFailures++
		m.healthy = false
		m.lastError = err
	}
	return m.consecutiveFailures
}

func infoField(info, key string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, key+":") {
			return strings.TrimPrefix(line, key+":")
		}
	}
	return ""
}
