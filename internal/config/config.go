// Package config loads application configuration from config.yaml and
// GEOSTASH_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/geostash/geostash/internal/engine"
	"github.com/geostash/geostash/internal/resilience"
	"github.com/geostash/geostash/pkg/geodata"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Grid     GridConfig     `yaml:"grid" mapstructure:"grid"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	POI      POIConfig      `yaml:"poi" mapstructure:"poi"`
	Tiles    TilesConfig    `yaml:"tiles" mapstructure:"tiles"`
	Boundary BoundaryConfig `yaml:"boundary" mapstructure:"boundary"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path" mapstructure:"path"`
	// DatabaseURL is the postgres connection string.
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// GridConfig configures region partitioning.
type GridConfig struct {
	// FineStepDegrees is the grid step for per-category downloads.
	FineStepDegrees float64 `yaml:"fine_step_degrees" mapstructure:"fine_step_degrees"`
	// BulkStepDegrees is the coarser step for bulk captures.
	BulkStepDegrees float64 `yaml:"bulk_step_degrees" mapstructure:"bulk_step_degrees"`
	// SingleMaxKM is the single-query shortcut threshold; regions with both
	// dimensions under it skip the grid and fetch as one unit.
	SingleMaxKM float64 `yaml:"single_max_km" mapstructure:"single_max_km"`
}

// FetchConfig configures the batch fetch workers.
type FetchConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	UnitTimeoutSecs int `yaml:"unit_timeout_secs" mapstructure:"unit_timeout_secs"`
	MinIntervalMs   int `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
}

// RetryConfig configures the retry policy for upstream calls.
type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs           []int   `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	RateLimitMultiplier float64 `yaml:"rate_limit_multiplier" mapstructure:"rate_limit_multiplier"`
	JitterFraction      float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-upstream circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// CacheConfig configures ledger and transient-row expiry.
type CacheConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	// MarkTimeoutAsFetched records timed-out units as covered so flaky
	// ground is not refetched on every request.
	MarkTimeoutAsFetched bool `yaml:"mark_timeout_as_fetched" mapstructure:"mark_timeout_as_fetched"`
}

// POIConfig configures the POI upstream.
type POIConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// TileStyleConfig describes one raster provider.
type TileStyleConfig struct {
	Key         string   `yaml:"key" mapstructure:"key"`
	URLTemplate string   `yaml:"url_template" mapstructure:"url_template"`
	Mirrors     []string `yaml:"mirrors" mapstructure:"mirrors"`
}

// TilesConfig configures raster tile downloads.
type TilesConfig struct {
	Styles []TileStyleConfig `yaml:"styles" mapstructure:"styles"`
}

// BoundaryConfig configures administrative-area imports.
type BoundaryConfig struct {
	NameField  string `yaml:"name_field" mapstructure:"name_field"`
	LevelField string `yaml:"level_field" mapstructure:"level_field"`
}

// ServerConfig configures the local status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GEOSTASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "geostash.db")
	v.SetDefault("grid.fine_step_degrees", 0.05)
	v.SetDefault("grid.bulk_step_degrees", 0.2)
	v.SetDefault("grid.single_max_km", 250)
	v.SetDefault("fetch.concurrency", 6)
	v.SetDefault("fetch.unit_timeout_secs", 120)
	v.SetDefault("fetch.min_interval_ms", 200)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_ms", []int{1000, 2000, 4000})
	v.SetDefault("retry.rate_limit_multiplier", 3.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("cache.mark_timeout_as_fetched", true)
	v.SetDefault("poi.base_url", "https://api.geostash.io/v1")
	v.SetDefault("boundary.name_field", "NAME")
	v.SetDefault("boundary.level_field", "LEVEL")
	v.SetDefault("server.port", 8240)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// EngineConfig converts the loaded settings into pipeline tuning.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		FineStep:             c.Grid.FineStepDegrees,
		BulkStep:             c.Grid.BulkStepDegrees,
		SingleMaxKM:          c.Grid.SingleMaxKM,
		BatchWidth:           c.Fetch.Concurrency,
		UnitTimeout:          time.Duration(c.Fetch.UnitTimeoutSecs) * time.Second,
		TransientTTL:         time.Duration(c.Cache.TTLHours) * time.Hour,
		MarkTimeoutAsFetched: c.Cache.MarkTimeoutAsFetched,
	}
}

// RetryPolicy builds the resilience retry config.
func (c *Config) RetryPolicy() resilience.RetryConfig {
	return resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.BackoffMs,
		c.Retry.RateLimitMultiplier, c.Retry.JitterFraction)
}

// MinInterval returns the pacer interval.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.Fetch.MinIntervalMs) * time.Millisecond
}

// TileStyles converts configured styles for the tile client.
func (c *Config) TileStyles() []geodata.TileStyle {
	styles := make([]geodata.TileStyle, 0, len(c.Tiles.Styles))
	for _, s := range c.Tiles.Styles {
		styles = append(styles, geodata.TileStyle{
			Key:         s.Key,
			URLTemplate: s.URLTemplate,
			Mirrors:     s.Mirrors,
		})
	}
	return styles
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
