package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/lox/sensorcast/internal/config"
	"github.com/lox/sensorcast/internal/coordinator"
	"github.com/lox/sensorcast/internal/deconv"
	"github.com/lox/sensorcast/internal/delay"
	"github.com/lox/sensorcast/internal/epidata"
	"github.com/lox/sensorcast/internal/export"
	"github.com/lox/sensorcast/internal/linelist"
	"github.com/lox/sensorcast/internal/models"
	"github.com/lox/sensorcast/internal/pgstore"
	"github.com/lox/sensorcast/internal/pipeline"
	"github.com/lox/sensorcast/internal/sensor"
	"github.com/lox/sensorcast/internal/store"
)

// historicalStore is what every backend offers: fetch, upload and a bulk
// read for export.
type historicalStore interface {
	coordinator.HistoricalStore
	SensorsBetween(ctx context.Context, start, end models.Date) ([]models.SensorValue, error)
}

// app holds the backends selected by configuration.
type app struct {
	cfg     *config.Config
	local   *store.Store
	remote  *epidata.Client
	sensors coordinator.HistoricalStore
	signals coordinator.SignalSource
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Store.Backend == "sqlite" || cfg.Signals.Provider == "local" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, err
		}
		db, err := sql.Open("sqlite", cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA busy_timeout=5000")
		a.closers = append(a.closers, func() { db.Close() })

		a.local = store.New(db)
		if err := a.local.Migrate(); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if cfg.Remote.BaseURL != "" {
		c, err := epidata.New(epidata.Config{
			BaseURL:           cfg.Remote.BaseURL,
			Token:             cfg.Remote.Token,
			Timeout:           cfg.Remote.Timeout,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
			Burst:             cfg.Remote.Burst,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.remote = c
	}

	switch cfg.Store.Backend {
	case "sqlite":
		a.sensors = a.local
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.Postgres.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.sensors = pg
	case "remote":
		a.sensors = a.remote
	}

	switch cfg.Signals.Provider {
	case "local":
		a.signals = a.local
	case "remote":
		a.signals = a.remote
	}
	log.Printf("sensorcast: store=%s signals=%s", cfg.Store.Backend, cfg.Signals.Provider)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// sensorEngine builds the sensor engine, attaching deconvolution when a line
// list is configured for delay-corrected indicators.
func (a *app) sensorEngine(asOf models.Date) (*sensor.Engine, error) {
	engine, err := sensor.NewEngine(a.cfg.SensorEngineConfig())
	if err != nil {
		return nil, err
	}
	if a.cfg.Delay.LineList == "" {
		return engine, nil
	}
	dist, err := a.delayDistribution(asOf)
	if err != nil {
		return nil, err
	}
	d, err := deconv.NewEngine(a.cfg.DeconvolutionEngineConfig())
	if err != nil {
		return nil, err
	}
	return engine.WithDeconvolution(d, dist)
}

func (a *app) delayDistribution(asOf models.Date) (models.DelayDistribution, error) {
	events, err := linelist.ReadFile(a.cfg.Delay.LineList)
	if err != nil {
		return models.DelayDistribution{}, fmt.Errorf("line list: %w", err)
	}
	est, err := delay.NewEstimator(a.cfg.DelayEstimatorConfig(asOf))
	if err != nil {
		return models.DelayDistribution{}, err
	}
	return est.Estimate(events)
}

func (a *app) pipeline(engine *sensor.Engine, indicators []models.SignalConfig) *pipeline.Pipeline {
	coord := coordinator.New(a.sensors, a.signals, engine, a.cfg.CoordinatorConfig())
	p := pipeline.New(pipeline.Job{
		Truth:      a.cfg.Signals.Truth,
		Indicators: indicators,
		GeoType:    models.GeoType(a.cfg.Signals.GeoType),
		GeoValues:  a.cfg.Signals.GeoValues,
		WindowDays: engine.Config().WindowDays,
	}, coord, a.signals)
	p.SetExporter(export.NewWriter(a.cfg.Export.Dir))
	if ftp := a.cfg.Export.FTP; ftp.Enabled {
		p.SetDelivery(export.NewFTPDelivery(export.FTPConfig{
			Addr:     ftp.Addr,
			User:     ftp.User,
			Password: ftp.Password,
			Dir:      ftp.Dir,
			Timeout:  ftp.Timeout,
		}))
	}
	return p
}
