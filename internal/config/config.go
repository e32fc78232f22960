package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lox/sensorcast/internal/coordinator"
	"github.com/lox/sensorcast/internal/deconv"
	"github.com/lox/sensorcast/internal/delay"
	"github.com/lox/sensorcast/internal/models"
	"github.com/lox/sensorcast/internal/sensor"
)

type Config struct {
	Store         StoreConfig         `mapstructure:"store"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Signals       SignalsConfig       `mapstructure:"signals"`
	Sensor        SensorConfig        `mapstructure:"sensor"`
	Delay         DelayConfig         `mapstructure:"delay"`
	Deconvolution DeconvolutionConfig `mapstructure:"deconvolution"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"`
	Export        ExportConfig        `mapstructure:"export"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// StoreConfig picks the historical store backend: sqlite, postgres or remote.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// RemoteConfig is the epidata endpoint used as remote store and, when
// signals.provider is remote, as signal provider.
type RemoteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type SignalsConfig struct {
	// Provider is where raw signals come from: local (the sqlite signal
	// cache) or remote.
	Provider   string                `mapstructure:"provider"`
	Truth      models.SignalConfig   `mapstructure:"truth"`
	Indicators []models.SignalConfig `mapstructure:"indicators"`
	GeoType    string                `mapstructure:"geo_type"`
	GeoValues  []string              `mapstructure:"geo_values"`
}

type SensorConfig struct {
	WindowDays int    `mapstructure:"window_days"`
	MinPoints  int    `mapstructure:"min_points"`
	Method     string `mapstructure:"method"`
	Intercept  bool   `mapstructure:"intercept"`
	ARLags     int    `mapstructure:"ar_lags"`
	Workers    int    `mapstructure:"workers"`
}

type DelayConfig struct {
	MaxDelay   int    `mapstructure:"max_delay"`
	MinRecords int    `mapstructure:"min_records"`
	Censoring  string `mapstructure:"censoring"`
	// LineList is the CSV used to estimate the delay distribution applied to
	// delay-corrected indicators.
	LineList string `mapstructure:"line_list"`
}

type DeconvolutionConfig struct {
	Method        string    `mapstructure:"method"`
	MaxIterations int       `mapstructure:"max_iterations"`
	Tolerance     float64   `mapstructure:"tolerance"`
	Lambdas       []float64 `mapstructure:"lambdas"`
	Folds         int       `mapstructure:"folds"`
	Order         int       `mapstructure:"order"`
}

type CoordinatorConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type ExportConfig struct {
	Dir string    `mapstructure:"dir"`
	FTP FTPConfig `mapstructure:"ftp"`
}

type FTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Dir      string        `mapstructure:"dir"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	LookbackDays int           `mapstructure:"lookback_days"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	BearerToken string `mapstructure:"bearer_token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads .env (if present), then the config file, then SENSORCAST_*
// environment overrides. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENSORCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// AutomaticEnv only covers keys viper already knows about.
	if url := os.Getenv("DATABASE_URL"); url != "" && cfg.Postgres.URL == "" {
		cfg.Postgres.URL = url
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("database.path", "data/sensorcast.db")
	v.SetDefault("postgres.url", "")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.requests_per_second", 10.0)
	v.SetDefault("remote.burst", 5)

	v.SetDefault("signals.provider", "local")
	v.SetDefault("signals.geo_type", "state")

	v.SetDefault("sensor.window_days", sensor.DefaultWindowDays)
	v.SetDefault("sensor.min_points", sensor.DefaultMinPoints)
	v.SetDefault("sensor.method", string(sensor.MethodRegression))
	v.SetDefault("sensor.intercept", false)
	v.SetDefault("sensor.ar_lags", sensor.DefaultARLags)
	v.SetDefault("sensor.workers", 4)

	v.SetDefault("delay.max_delay", delay.DefaultMaxDelay)
	v.SetDefault("delay.min_records", delay.DefaultMinRecords)
	v.SetDefault("delay.censoring", string(delay.CensorTail))
	v.SetDefault("delay.line_list", "")

	v.SetDefault("deconvolution.method", string(deconv.MethodRichardsonLucy))
	v.SetDefault("deconvolution.max_iterations", 2000)
	v.SetDefault("deconvolution.tolerance", 1e-9)
	v.SetDefault("deconvolution.folds", 3)
	v.SetDefault("deconvolution.order", 2)

	v.SetDefault("coordinator.max_retries", 3)
	v.SetDefault("coordinator.initial_backoff", "500ms")
	v.SetDefault("coordinator.max_backoff", "10s")
	v.SetDefault("coordinator.concurrency", 4)

	v.SetDefault("export.dir", "data/export")
	v.SetDefault("export.ftp.enabled", false)
	v.SetDefault("export.ftp.addr", "")
	v.SetDefault("export.ftp.user", "")
	v.SetDefault("export.ftp.password", "")
	v.SetDefault("export.ftp.dir", "/")
	v.SetDefault("export.ftp.timeout", "30s")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.lookback_days", 7)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.bearer_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("postgres.url is required for the postgres backend")
		}
	case "remote":
		if c.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of: sqlite, postgres, remote")
	}

	switch c.Signals.Provider {
	case "local":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the local signal provider")
		}
	case "remote":
		if c.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required for the remote signal provider")
		}
	default:
		return fmt.Errorf("signals.provider must be one of: local, remote")
	}
	if c.Remote.RequestsPerSecond < 0 {
		return fmt.Errorf("remote.requests_per_second must be >= 0")
	}
	if !models.GeoType(c.Signals.GeoType).Valid() {
		return fmt.Errorf("signals.geo_type %q is not a known geo type", c.Signals.GeoType)
	}

	if c.Sensor.WindowDays < 2 {
		return fmt.Errorf("sensor.window_days must be at least 2")
	}
	if c.Sensor.MinPoints < 2 {
		return fmt.Errorf("sensor.min_points must be at least 2")
	}
	switch sensor.Method(c.Sensor.Method) {
	case sensor.MethodRegression, sensor.MethodRatio:
	default:
		return fmt.Errorf("sensor.method must be one of: regression, ratio")
	}
	if c.Sensor.ARLags < 1 {
		return fmt.Errorf("sensor.ar_lags must be at least 1")
	}

	if c.Delay.MaxDelay < 1 {
		return fmt.Errorf("delay.max_delay must be at least 1")
	}
	switch delay.CensoringMode(c.Delay.Censoring) {
	case delay.CensorExclude, delay.CensorTail, delay.CensorTruncation:
	default:
		return fmt.Errorf("delay.censoring must be one of: exclude, tail, truncation")
	}

	switch deconv.Method(c.Deconvolution.Method) {
	case deconv.MethodRichardsonLucy, deconv.MethodTrendFilter:
	default:
		return fmt.Errorf("deconvolution.method must be one of: richardson-lucy, trend-filter")
	}
	if c.Deconvolution.Tolerance <= 0 {
		return fmt.Errorf("deconvolution.tolerance must be positive")
	}

	if c.Coordinator.MaxRetries < 0 {
		return fmt.Errorf("coordinator.max_retries must be >= 0")
	}
	if c.Coordinator.Concurrency < 1 {
		return fmt.Errorf("coordinator.concurrency must be at least 1")
	}

	if c.Export.FTP.Enabled && c.Export.FTP.Addr == "" {
		return fmt.Errorf("export.ftp.addr is required when ftp delivery is enabled")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.Interval < time.Minute {
			return fmt.Errorf("scheduler.interval must be at least 1 minute")
		}
		if c.Scheduler.LookbackDays < 1 {
			return fmt.Errorf("scheduler.lookback_days must be at least 1")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// Pipeline validates the signal configuration a sensors run needs.
func (c *Config) Pipeline() error {
	if err := c.Signals.Truth.Validate(); err != nil {
		return fmt.Errorf("signals.truth: %w", err)
	}
	if len(c.Signals.Indicators) == 0 {
		return fmt.Errorf("signals.indicators must contain at least one indicator")
	}
	for i, ind := range c.Signals.Indicators {
		if err := ind.Validate(); err != nil {
			return fmt.Errorf("signals.indicators[%d]: %w", i, err)
		}
	}
	if len(c.Signals.GeoValues) == 0 {
		return fmt.Errorf("signals.geo_values must contain at least one location")
	}
	return nil
}

func (c *Config) SensorEngineConfig() sensor.Config {
	return sensor.Config{
		WindowDays: c.Sensor.WindowDays,
		MinPoints:  c.Sensor.MinPoints,
		Method:     sensor.Method(c.Sensor.Method),
		Intercept:  c.Sensor.Intercept,
		Workers:    c.Sensor.Workers,
		ARLags:     c.Sensor.ARLags,
	}
}

func (c *Config) DelayEstimatorConfig(asOf models.Date) delay.Config {
	return delay.Config{
		MaxDelay:   c.Delay.MaxDelay,
		MinRecords: c.Delay.MinRecords,
		Censoring:  delay.CensoringMode(c.Delay.Censoring),
		AsOf:       asOf,
	}
}

func (c *Config) DeconvolutionEngineConfig() deconv.Config {
	return deconv.Config{
		Method:        deconv.Method(c.Deconvolution.Method),
		MaxIterations: c.Deconvolution.MaxIterations,
		Tolerance:     c.Deconvolution.Tolerance,
		Lambdas:       c.Deconvolution.Lambdas,
		Folds:         c.Deconvolution.Folds,
		Order:         c.Deconvolution.Order,
	}
}

func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		MaxRetries:     c.Coordinator.MaxRetries,
		InitialBackoff: c.Coordinator.InitialBackoff,
		MaxBackoff:     c.Coordinator.MaxBackoff,
		Concurrency:    c.Coordinator.Concurrency,
	}
}
