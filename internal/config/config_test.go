package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lox/sensorcast/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sensorcast.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: sqlite
database:
  path: ./data/test.db
signals:
  truth:
    source: jhu-csse
    signal: confirmed_incidence_num
    name: ar3
  indicators:
    - source: fb-survey
      signal: smoothed_cli
      name: fb
      lag_days: 1
    - source: chng
      signal: smoothed_outpatient_covid
      name: chng
      delay_corrected: true
  geo_type: state
  geo_values: [ca, tx, ny]
sensor:
  window_days: 21
  method: ratio
coordinator:
  initial_backoff: 250ms
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := cfg.Pipeline(); err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}

	if cfg.Sensor.WindowDays != 21 {
		t.Errorf("window_days = %d, want 21", cfg.Sensor.WindowDays)
	}
	if cfg.Sensor.MinPoints != 5 {
		t.Errorf("min_points default = %d, want 5", cfg.Sensor.MinPoints)
	}
	if cfg.Coordinator.InitialBackoff != 250*time.Millisecond {
		t.Errorf("initial_backoff = %v", cfg.Coordinator.InitialBackoff)
	}
	if cfg.Coordinator.MaxBackoff != 10*time.Second {
		t.Errorf("max_backoff default = %v", cfg.Coordinator.MaxBackoff)
	}
	want := models.SignalConfig{Source: "fb-survey", Signal: "smoothed_cli", Name: "fb", LagDays: 1}
	if cfg.Signals.Indicators[0] != want {
		t.Errorf("indicator[0] = %+v, want %+v", cfg.Signals.Indicators[0], want)
	}
	if !cfg.Signals.Indicators[1].DelayCorrected {
		t.Error("expected indicator[1] to be delay corrected")
	}
	if len(cfg.Signals.GeoValues) != 3 {
		t.Errorf("expected 3 geo values, got %d", len(cfg.Signals.GeoValues))
	}
	if got := cfg.SensorEngineConfig().Method; got != "ratio" {
		t.Errorf("sensor method = %q", got)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr default = %q", cfg.Server.Addr)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SENSORCAST_SENSOR_WINDOW_DAYS", "14")
	t.Setenv("SENSORCAST_STORE_BACKEND", "remote")
	t.Setenv("SENSORCAST_REMOTE_BASE_URL", "https://api.example.org/epidata")

	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sensor.WindowDays != 14 {
		t.Errorf("window_days = %d, want 14", cfg.Sensor.WindowDays)
	}
	if cfg.Store.Backend != "remote" {
		t.Errorf("store.backend = %q", cfg.Store.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres"; c.Postgres.URL = "" }},
		{"remote signals without url", func(c *Config) { c.Signals.Provider = "remote" }},
		{"bad geo type", func(c *Config) { c.Signals.GeoType = "planet" }},
		{"tiny window", func(c *Config) { c.Sensor.WindowDays = 1 }},
		{"unknown method", func(c *Config) { c.Sensor.Method = "lasso" }},
		{"unknown censoring", func(c *Config) { c.Delay.Censoring = "none" }},
		{"unknown deconvolution", func(c *Config) { c.Deconvolution.Method = "wiener" }},
		{"ftp without addr", func(c *Config) { c.Export.FTP.Enabled = true }},
		{"fast scheduler", func(c *Config) { c.Scheduler.Enabled = true; c.Scheduler.Interval = time.Second }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPipelineRequiresSignals(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Pipeline(); err == nil {
		t.Error("expected error without truth and indicators")
	}
}
