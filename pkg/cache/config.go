package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Config configures the hierarchical cache manager.
type Config struct {
	// Namespace is the leading key component shared by every entry.
	Namespace string `mapstructure:"namespace"`
	// SchemaVersion is the key/payload format version. Bump it whenever the
	// key shape or codec envelope changes.
	SchemaVersion string `mapstructure:"schema_version"`
	// EnableCompression gzips payloads above CompressionMinBytes.
	EnableCompression bool `mapstructure:"enable_compression"`
	// CompressionMinBytes is the smallest payload worth compressing.
	CompressionMinBytes int `mapstructure:"compression_min_bytes"`
	// AccessLogSize bounds the retained access log ring.
	AccessLogSize int `mapstructure:"access_log_size"`

	// TTL holds per-level default TTLs, applied when callers pass ttl <= 0.
	TTL LevelTTLConfig `mapstructure:"ttl"`

	// Redis holds backend connection settings.
	Redis RedisConfig `mapstructure:"redis"`
}

// LevelTTLConfig holds the default TTL per cache level.
type LevelTTLConfig struct {
	RawData   time.Duration `mapstructure:"raw_data"`
	Metrics   time.Duration `mapstructure:"metrics"`
	Diagnosis time.Duration `mapstructure:"diagnosis"`
	Hotspot   time.Duration `mapstructure:"hotspot"`
}

// For returns the default TTL of a level.
func (c LevelTTLConfig) For(level Level) time.Duration {
	switch level {
	case LevelRawData:
		return c.RawData
	case LevelMetrics:
		return c.Metrics
	case LevelDiagnosis:
		return c.Diagnosis
	case LevelHotspot:
		return c.Hotspot
	}
	return 0
}

// RedisConfig holds backend connection and pool settings.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// DefaultRedisConfig returns production-ready connection settings for a
// single shared data connection pool.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
	}
}

// LowLatencyRedisConfig returns settings tuned for dashboard read paths:
// sub-second operation timeouts, fail fast on a slow backend.
func LowLatencyRedisConfig() RedisConfig {
	cfg := DefaultRedisConfig()
	cfg.DialTimeout = time.Second
	cfg.ReadTimeout = 500 * time.Millisecond
	cfg.WriteTimeout = 500 * time.Millisecond
	cfg.MaxRetries = 1
	return cfg
}

// ToRedisOptions converts the config to go-redis client options.
func (c RedisConfig) ToRedisOptions() *redis.Options {
	return &redis.Options{
		Addr:         c.Address,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		MaxRetries:   c.MaxRetries,
	}
}

// DefaultConfig returns a configuration with production defaults: 30m raw
// data, 1h metrics, 2h diagnosis, 24h hotspot, compression off, a
// 1000-entry access log.
func DefaultConfig() *Config {
	return &Config{
		Namespace:           "storecache",
		SchemaVersion:       "v1",
		EnableCompression:   false,
		CompressionMinBytes: 1024,
		AccessLogSize:       1000,
		TTL: LevelTTLConfig{
			RawData:   30 * time.Minute,
			Metrics:   time.Hour,
			Diagnosis: 2 * time.Hour,
			Hotspot:   24 * time.Hour,
		},
		Redis: DefaultRedisConfig(),
	}
}

// Validate checks the configuration for values the manager cannot work with.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidConfig)
	}
	if c.SchemaVersion == "" {
		return fmt.Errorf("%w: schema version is required", ErrInvalidConfig)
	}
	if c.AccessLogSize <= 0 {
		return fmt.Errorf("%w: access log size must be positive", ErrInvalidConfig)
	}
	if c.Redis.Address == "" {
		return fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}
	return nil
}

// LoadConfigFromViper loads cache configuration from the "cache" section of
// the given viper instance, on top of defaults.
func LoadConfigFromViper(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()

	if namespace := v.GetString("cache.namespace"); namespace != "" {
		config.Namespace = namespace
	}
	if version := v.GetString("cache.schema_version"); version != "" {
		config.SchemaVersion = version
	}
	config.EnableCompression = v.GetBool("cache.enable_compression")
	if minBytes := v.GetInt("cache.compression_min_bytes"); minBytes > 0 {
		config.CompressionMinBytes = minBytes
	}
	if logSize := v.GetInt("cache.access_log_size"); logSize > 0 {
		config.AccessLogSize = logSize
	}

	if ttl := v.GetDuration("cache.ttl.raw_data"); ttl > 0 {
		config.TTL.RawData = ttl
	}
	if ttl := v.GetDuration("cache.ttl.metrics"); ttl > 0 {
		config.TTL.Metrics = ttl
	}
	if ttl := v.GetDuration("cache.ttl.diagnosis"); ttl > 0 {
		config.TTL.Diagnosis = ttl
	}
	if ttl := v.GetDuration("cache.ttl.hotspot"); ttl > 0 {
		config.TTL.Hotspot = ttl
	}

	if addr := v.GetString("cache.redis.address"); addr != "" {
		config.Redis.Address = addr
	}
	if username := v.GetString("cache.redis.username"); username != "" {
		config.Redis.Username = username
	}
	if password := v.GetString("cache.redis.password"); password != "" {
		config.Redis.Password = password
	}
	if db := v.GetInt("cache.redis.db"); db > 0 {
		config.Redis.DB = db
	}
	if timeout := v.GetDuration("cache.redis.dial_timeout"); timeout > 0 {
		config.Redis.DialTimeout = timeout
	}
	if timeout := v.GetDuration("cache.redis.read_timeout"); timeout > 0 {
		config.Redis.ReadTimeout = timeout
	}
	if timeout := v.GetDuration("cache.redis.write_timeout"); timeout > 0 {
		config.Redis.WriteTimeout = timeout
	}
	if poolSize := v.GetInt("cache.redis.pool_size"); poolSize > 0 {
		config.Redis.PoolSize = poolSize
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
