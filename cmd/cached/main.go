// Command cached runs the storecache operational daemon: it owns the cache
// manager, health monitor and warm-up scheduler, and serves a small admin
// API for the monitoring panel.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/storeops/storecache/pkg/cache"
	"github.com/storeops/storecache/pkg/health"
	"github.com/storeops/storecache/pkg/observability"
	"github.com/storeops/storecache/pkg/scheduler"
	"github.com/storeops/storecache/pkg/warmup"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := observability.NewLogger("cached")

	v := viper.New()
	v.SetEnvPrefix("STORECACHE")
	v.AutomaticEnv()
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			logger.Fatalf("failed to read config %s: %v", *configPath, err)
		}
	}

	cacheConfig, err := cache.LoadConfigFromViper(v)
	if err != nil {
		logger.Fatalf("invalid cache configuration: %v", err)
	}

	metrics := observability.NewPrometheusMetricsClient("storecache", nil)

	monitorConfig := health.DefaultConfig()
	monitorConfig.Redis = cacheConfig.Redis
	if interval := v.GetDuration("health.check_interval"); interval > 0 {
		monitorConfig.CheckInterval = interval
	}
	if maxRetry := v.GetInt("health.max_retry"); maxRetry > 0 {
		monitorConfig.MaxRetry = maxRetry
	}
	monitor := health.NewMonitor(monitorConfig, logger.WithPrefix("cached.health"), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The cache is an accelerator: an unreachable backend at startup puts
	// the daemon into degraded mode instead of exiting. The monitor keeps
	// probing so operators can watch for recovery.
	var manager *cache.Manager
	store, err := cache.NewRedisStore(cacheConfig.Redis, logger.WithPrefix("cached.store"), metrics)
	if err != nil {
		logger.Warn("backend unreachable at startup, running degraded", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		manager, err = cache.NewManager(store, cacheConfig, logger.WithPrefix("cached.manager"), metrics)
		if err != nil {
			logger.Fatalf("failed to construct cache manager: %v", err)
		}
		if report, err := monitor.InitialCheck(ctx); err != nil {
			logger.Warn("initial health check failed", map[string]interface{}{"error": err.Error()})
		} else {
			logger.Info("backend ready", map[string]interface{}{
				"version":   report.Version,
				"latency":   report.RoundTripLatency.String(),
				"maxmemory": report.MaxMemoryBytes,
			})
		}
	}
	monitor.Start(ctx)

	sched := scheduler.New(logger.WithPrefix("cached.scheduler"), metrics)
	if manager != nil {
		warmConfig := warmup.DefaultConfig()
		if ratio := v.GetFloat64("warmup.hot_ratio"); ratio > 0 {
			warmConfig.HotRatio = ratio
		}
		if workers := v.GetInt("warmup.workers"); workers > 0 {
			warmConfig.Workers = workers
		}
		if coldCap := v.GetInt("warmup.cold_cap"); coldCap > 0 {
			warmConfig.ColdCap = coldCap
		}

		warmer := warmup.NewWarmer(
			manager,
			newDatasetClient(v, logger.WithPrefix("cached.dataset")),
			newAnalyticsClient(v, logger.WithPrefix("cached.analytics")),
			naturalOrderLister{},
			monitor,
			warmConfig,
			logger.WithPrefix("cached.warmup"),
			metrics,
		)

		interval := v.GetDuration("warmup.interval")
		if interval <= 0 {
			interval = 30 * time.Minute
		}
		if err := sched.AddJob("diagnosis-warmup", interval, func(ctx context.Context) {
			warmer.Run(ctx)
		}); err != nil {
			logger.Fatalf("failed to register warm-up job: %v", err)
		}
		sched.Start(ctx)
	}

	router := newRouter(manager, monitor, sched, logger)
	addr := v.GetString("server.address")
	if addr == "" {
		addr = ":8090"
	}
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info("admin API listening", map[string]interface{}{"address": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("admin API failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	sched.Stop()
	_ = monitor.Close()
	if manager != nil {
		_ = manager.Close()
	}
}

func newRouter(manager *cache.Manager, monitor *health.Monitor, sched *scheduler.Scheduler, logger observability.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		status := monitor.Status()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":       status,
			"success_rate": status.SuccessRate(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, sched.Jobs())
	})

	router.GET("/stats", func(c *gin.Context) {
		if manager == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache disabled"})
			return
		}
		c.JSON(http.StatusOK, manager.Stats(c.Request.Context()))
	})

	router.GET("/hot", func(c *gin.Context) {
		if manager == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache disabled"})
			return
		}
		topN, err := strconv.Atoi(c.DefaultQuery("n", "10"))
		if err != nil || topN < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entities": manager.AnalyzeHotEntities(topN)})
	})

	router.POST("/admin/clear/:level", func(c *gin.Context) {
		if manager == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache disabled"})
			return
		}
		level := cache.Level(c.Param("level"))
		var (
			deleted int
			err     error
		)
		if level == "all" {
			deleted, err = manager.ClearAll(c.Request.Context())
		} else if level.Valid() {
			deleted, err = manager.ClearLevel(c.Request.Context(), level)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		logger.Info("cache cleared via admin API", map[string]interface{}{
			"level":   string(level),
			"deleted": deleted,
		})
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})

	return router
}
