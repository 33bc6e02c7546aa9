package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bookflow BookflowConfig `yaml:"bookflow"`
	Engine   EngineConfig   `yaml:"engine"`
	Channels ChannelsConfig `yaml:"channels"`
	Reader   ReaderConfig   `yaml:"reader"`
	Source   SourceConfig   `yaml:"source"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// EngineConfig holds the knobs of the synchronization state machine.
type EngineConfig struct {
	// SnapshotRetryLimit bounds how many stale snapshots are rejected
	// before the session fails.
	SnapshotRetryLimit int `yaml:"snapshot_retry_limit"`
	// SnapshotRetryDelay spaces out snapshot re-requests.
	SnapshotRetryDelay time.Duration `yaml:"snapshot_retry_delay"`
	// WatchInterval drives the periodic top-of-book/consistency log.
	WatchInterval time.Duration `yaml:"watch_interval"`
	// ReportInterval drives the runtime report in report logging mode.
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type ReaderConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Kucoin  KucoinSourceConfig  `yaml:"kucoin"`
}

type BinanceSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Snapshot       SnapshotSourceConfig `yaml:"snapshot"`
	Symbols        []string             `yaml:"symbols"`
}

type KucoinSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Snapshot       SnapshotSourceConfig `yaml:"snapshot"`
	API            string               `yaml:"api"`
	Symbols        []string             `yaml:"symbols"`
}

type SnapshotSourceConfig struct {
	URL           string  `yaml:"url"`
	Limit         int     `yaml:"limit"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// ResolveConfigPath picks an environment specific configuration file when one
// is defined for the current APP_ENV, falling back to the provided path.
func ResolveConfigPath(path string) string {
	return resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)
}

var envVarRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references in the raw configuration with
// environment variable values. Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envVarRegexp.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarRegexp.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.SnapshotRetryLimit == 0 {
		cfg.Engine.SnapshotRetryLimit = 5
	}
	if cfg.Engine.SnapshotRetryDelay == 0 {
		cfg.Engine.SnapshotRetryDelay = 500 * time.Millisecond
	}
	if cfg.Engine.WatchInterval == 0 {
		cfg.Engine.WatchInterval = 10 * time.Second
	}
	if cfg.Engine.ReportInterval == 0 {
		cfg.Engine.ReportInterval = 30 * time.Second
	}
	if cfg.Channels.EventBuffer == 0 {
		cfg.Channels.EventBuffer = 4096
	}
	if cfg.Reader.Timeout == 0 {
		cfg.Reader.Timeout = 10 * time.Second
	}
	if cfg.Reader.ReconnectDelay == 0 {
		cfg.Reader.ReconnectDelay = 5 * time.Second
	}
	if cfg.Source.Binance.Snapshot.Limit == 0 {
		cfg.Source.Binance.Snapshot.Limit = 1000
	}
	if cfg.Source.Binance.Snapshot.RatePerSecond == 0 {
		cfg.Source.Binance.Snapshot.RatePerSecond = 2
	}
	if cfg.Source.Binance.Snapshot.Burst == 0 {
		cfg.Source.Binance.Snapshot.Burst = 1
	}
	if cfg.Source.Kucoin.Snapshot.RatePerSecond == 0 {
		cfg.Source.Kucoin.Snapshot.RatePerSecond = 2
	}
	if cfg.Source.Kucoin.Snapshot.Burst == 0 {
		cfg.Source.Kucoin.Snapshot.Burst = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Engine.SnapshotRetryLimit <= 0 {
		return fmt.Errorf("engine.snapshot_retry_limit must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if !cfg.Source.Binance.Enabled && !cfg.Source.Kucoin.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}
	if cfg.Source.Binance.Enabled && len(cfg.Source.Binance.Symbols) == 0 {
		return fmt.Errorf("source.binance.symbols is required when binance is enabled")
	}
	if cfg.Source.Kucoin.Enabled {
		if len(cfg.Source.Kucoin.Symbols) == 0 {
			return fmt.Errorf("source.kucoin.symbols is required when kucoin is enabled")
		}
		if strings.TrimSpace(cfg.Source.Kucoin.API) == "" {
			return fmt.Errorf("source.kucoin.api is required when kucoin is enabled")
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when cloudwatch is enabled")
	}

	return nil
}
