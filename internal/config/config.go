// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP serving surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig configures request handling.
type EngineConfig struct {
	// DefinitionsPath points at the resolver definitions file. Empty uses
	// the built-in last-mile catalog.
	DefinitionsPath string        `yaml:"definitions_path" mapstructure:"definitions_path"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// SourcesConfig configures the backing-store clients.
type SourcesConfig struct {
	Operational OperationalConfig `yaml:"operational" mapstructure:"operational"`
	Analytical  AnalyticalConfig  `yaml:"analytical" mapstructure:"analytical"`
	Embedded    EmbeddedConfig    `yaml:"embedded" mapstructure:"embedded"`
}

// OperationalConfig configures the Postgres operational store.
type OperationalConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnalyticalConfig configures the BigQuery warehouse.
type AnalyticalConfig struct {
	DSN              string  `yaml:"dsn" mapstructure:"dsn"`
	QueriesPerSecond float64 `yaml:"queries_per_second" mapstructure:"queries_per_second"`
}

// EmbeddedConfig configures the SQLite fixture store.
type EmbeddedConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// CacheConfig configures the two cache tiers.
type CacheConfig struct {
	Local LocalCacheConfig `yaml:"local" mapstructure:"local"`
	Redis RedisCacheConfig `yaml:"redis" mapstructure:"redis"`
}

// LocalCacheConfig configures the in-process tier.
type LocalCacheConfig struct {
	MaxEntries    int           `yaml:"max_entries" mapstructure:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// RedisCacheConfig configures the shared tier. An empty addr disables it.
type RedisCacheConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size"`
}

// MonitoringConfig configures degradation alerting.
type MonitoringConfig struct {
	WebhookURL             string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	FallbackRateThreshold  float64       `yaml:"fallback_rate_threshold" mapstructure:"fallback_rate_threshold"`
	DefaultedRateThreshold float64       `yaml:"defaulted_rate_threshold" mapstructure:"defaulted_rate_threshold"`
	CheckInterval          time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FEATURESERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.request_timeout", "2s")
	v.SetDefault("sources.operational.max_conns", 10)
	v.SetDefault("sources.operational.min_conns", 2)
	v.SetDefault("sources.analytical.queries_per_second", 5)
	v.SetDefault("sources.embedded.path", "")
	v.SetDefault("cache.local.max_entries", 50000)
	v.SetDefault("cache.local.sweep_interval", "1m")
	v.SetDefault("cache.redis.pool_size", 50)
	v.SetDefault("monitoring.fallback_rate_threshold", 0.2)
	v.SetDefault("monitoring.defaulted_rate_threshold", 0.05)
	v.SetDefault("monitoring.check_interval", "1m")

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
