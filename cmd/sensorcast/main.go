package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	"github.com/lox/sensorcast/internal/config"
	"github.com/lox/sensorcast/internal/logger"
	"github.com/lox/sensorcast/internal/models"
)

type Globals struct {
	Config   string `short:"c" help:"Path to YAML config file." type:"path" env:"SENSORCAST_CONFIG"`
	LogLevel string `help:"Override logging.level."`
}

type CLI struct {
	Globals

	Serve      ServeCmd      `cmd:"" help:"Serve the historical store over HTTP, optionally running the backfill scheduler."`
	Sensors    SensorsCmd    `cmd:"" help:"Get or compute indicator sensor values for a date range."`
	Truth      TruthCmd      `cmd:"" help:"Get or compute the autoregressive truth sensor for a date range."`
	Delay      DelayCmd      `cmd:"" help:"Estimate a reporting delay distribution from a line list."`
	Deconvolve DeconvolveCmd `cmd:"" help:"Deconvolve one location's signal series."`
	Export     ExportCmd     `cmd:"" help:"Export stored sensor values to CSV and optionally deliver over FTP."`
	Ingest     IngestCmd     `cmd:"" help:"Copy signal series from the remote provider into the local signal cache."`
	Runs       RunsCmd       `cmd:"" help:"List recent compute runs."`
}

// dateFlag accepts YYYYMMDD or YYYY-MM-DD.
type dateFlag models.Date

func (d *dateFlag) Decode(ctx *kong.DecodeContext) error {
	var s string
	if err := ctx.Scan.PopValueInto("date", &s); err != nil {
		return err
	}
	v, err := models.ParseDate(s)
	if err != nil {
		return err
	}
	*d = dateFlag(v)
	return nil
}

func (d dateFlag) Date() models.Date {
	return models.Date(d)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sensorcast"),
		kong.Description("Sensor computation and historical backfill for epidemiological signals."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(cfg)
	if err := kctx.Run(&cli.Globals); err != nil {
		log.Fatalf("%s: %v", kctx.Command(), err)
	}
}
