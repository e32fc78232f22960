package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sensorcast/internal/api"
	"github.com/lox/sensorcast/internal/config"
	"github.com/lox/sensorcast/internal/coordinator"
	"github.com/lox/sensorcast/internal/deconv"
	"github.com/lox/sensorcast/internal/export"
	"github.com/lox/sensorcast/internal/models"
	"github.com/lox/sensorcast/internal/pipeline"
)

type ServeCmd struct {
	NoSchedule bool `help:"Serve only; do not run the backfill scheduler even if enabled."`
}

func (c *ServeCmd) Run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var signals api.SignalStore
	if a.local != nil {
		signals = a.local
	}
	srv := api.NewServer(api.Config{Addr: cfg.Server.Addr, BearerToken: cfg.Server.BearerToken}, a.sensors, signals)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Scheduler.Enabled && !c.NoSchedule {
		if err := cfg.Pipeline(); err != nil {
			return err
		}
		engine, err := a.sensorEngine(models.DateOf(time.Now()))
		if err != nil {
			return err
		}
		p := a.pipeline(engine, cfg.Signals.Indicators)
		sched := pipeline.NewScheduler(p, cfg.Scheduler.Interval, cfg.Scheduler.LookbackDays)
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

type RangeFlags struct {
	Start     dateFlag `required:"" help:"First date (YYYYMMDD)."`
	End       dateFlag `help:"Last date; defaults to start."`
	Recompute bool     `help:"Ignore stored values and overwrite every key."`
	NoCompute bool     `help:"Only report what the store has; never compute."`
	Export    bool     `help:"Export the resulting values to CSV (and FTP when enabled)."`
}

func (r RangeFlags) dates() (models.Date, models.Date) {
	start, end := r.Start.Date(), r.End.Date()
	if end == 0 {
		end = start
	}
	return start, end
}

func (r RangeFlags) run(ctx context.Context, cfg *config.Config, indicators []models.SignalConfig) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	start, end := r.dates()
	engine, err := a.sensorEngine(end)
	if err != nil {
		return err
	}
	rep, err := a.pipeline(engine, indicators).Run(ctx, start, end, pipeline.Options{
		ComputeMissing: !r.NoCompute,
		Recompute:      r.Recompute,
		Export:         r.Export,
	})
	if rep != nil {
		printReport(rep)
	}
	return err
}

type SensorsCmd struct {
	RangeFlags `embed:""`
}

func (c *SensorsCmd) Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Pipeline(); err != nil {
		return err
	}
	return c.run(ctx, cfg, cfg.Signals.Indicators)
}

// TruthCmd computes the truth signal's own sensor. The coordinator treats an
// indicator identical to the truth signal as the autoregressive sensor.
type TruthCmd struct {
	RangeFlags `embed:""`
}

func (c *TruthCmd) Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Signals.Truth.Validate(); err != nil {
		return fmt.Errorf("signals.truth: %w", err)
	}
	if len(cfg.Signals.GeoValues) == 0 {
		return errors.New("signals.geo_values must contain at least one location")
	}
	return c.run(ctx, cfg, []models.SignalConfig{cfg.Signals.Truth})
}

type DelayCmd struct {
	LineList string   `arg:"" type:"existingfile" help:"Line-list CSV of event_date,report_date."`
	AsOf     dateFlag `help:"Extraction date of the line list, for truncation correction."`
}

func (c *DelayCmd) Run(cfg *config.Config) error {
	cfg.Delay.LineList = c.LineList
	a := &app{cfg: cfg}
	dist, err := a.delayDistribution(c.AsOf.Date())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "delay\tprobability")
	for d, p := range dist.Probabilities {
		fmt.Fprintf(w, "%d\t%.6f\n", d, p)
	}
	w.Flush()
	fmt.Printf("records=%d censored=%d mean=%.3f max_delay=%d\n", dist.Records, dist.Censored, dist.Mean(), dist.MaxDelay())
	return nil
}

type DeconvolveCmd struct {
	Source   string   `required:"" help:"Signal source."`
	Signal   string   `required:"" help:"Signal name."`
	GeoValue string   `required:"" help:"Location."`
	Start    dateFlag `required:"" help:"First date."`
	End      dateFlag `required:"" help:"Last date."`
	LineList string   `type:"existingfile" help:"Line list to estimate the delay distribution from; defaults to delay.line_list."`
}

func (c *DeconvolveCmd) Run(ctx context.Context, cfg *config.Config) error {
	if c.LineList != "" {
		cfg.Delay.LineList = c.LineList
	}
	if cfg.Delay.LineList == "" {
		return errors.New("a line list is required to estimate the delay distribution")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	dist, err := a.delayDistribution(c.End.Date())
	if err != nil {
		return err
	}
	series, err := a.signals.SignalRange(ctx, c.Source, c.Signal, models.GeoType(cfg.Signals.GeoType), c.GeoValue, c.Start.Date(), c.End.Date())
	if err != nil {
		return err
	}
	engine, err := deconv.NewEngine(cfg.DeconvolutionEngineConfig())
	if err != nil {
		return err
	}
	estimates, err := engine.Deconvolve(series, dist)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "date\tobserved\testimate\tprovisional")
	for _, e := range estimates {
		obs := "-"
		if v, ok := series.Value(e.Date); ok {
			obs = fmt.Sprintf("%.3f", v)
		}
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%v\n", e.Date, obs, e.Value, e.Provisional)
	}
	return w.Flush()
}

type ExportCmd struct {
	Start   dateFlag `required:"" help:"First date."`
	End     dateFlag `help:"Last date; defaults to start."`
	Deliver bool     `help:"Deliver exported files over FTP (export.ftp must be configured)."`
}

func (c *ExportCmd) Run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	bulk, ok := a.sensors.(historicalStore)
	if !ok {
		return fmt.Errorf("export reads the store directly; store.backend %q does not support it", cfg.Store.Backend)
	}
	start, end := c.Start.Date(), c.End.Date()
	if end == 0 {
		end = start
	}
	values, err := bulk.SensorsBetween(ctx, start, end)
	if err != nil {
		return err
	}

	w := export.NewWriter(cfg.Export.Dir)
	files, err := w.Export(values)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println(f)
	}
	if !c.Deliver {
		return nil
	}
	if !cfg.Export.FTP.Enabled {
		return errors.New("export.ftp is not enabled")
	}
	ftp := cfg.Export.FTP
	return export.NewFTPDelivery(export.FTPConfig{
		Addr:     ftp.Addr,
		User:     ftp.User,
		Password: ftp.Password,
		Dir:      ftp.Dir,
		Timeout:  ftp.Timeout,
	}).Deliver(ctx, w.Dir(), files)
}

type IngestCmd struct {
	Start dateFlag `required:"" help:"First date."`
	End   dateFlag `required:"" help:"Last date."`
}

// Run copies truth and indicator series for every configured location.
func (c *IngestCmd) Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Pipeline(); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.remote == nil || a.local == nil {
		return errors.New("ingest needs remote.base_url and a local database")
	}

	seen := map[[2]string]bool{}
	var signals []models.SignalConfig
	for _, s := range append([]models.SignalConfig{cfg.Signals.Truth}, cfg.Signals.Indicators...) {
		k := [2]string{s.Source, s.Signal}
		if !seen[k] {
			seen[k] = true
			signals = append(signals, s)
		}
	}

	geoType := models.GeoType(cfg.Signals.GeoType)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range signals {
		for _, geo := range cfg.Signals.GeoValues {
			g.Go(func() error {
				series, err := a.remote.SignalRange(gctx, s.Source, s.Signal, geoType, geo, c.Start.Date(), c.End.Date())
				if err != nil {
					log.Warnf("ingest: %s:%s %s: %v", s.Source, s.Signal, geo, err)
					return nil
				}
				if err := a.local.UpsertSignal(gctx, s.Source, s.Signal, series); err != nil {
					return err
				}
				log.Printf("ingest: %s:%s %s: %d days", s.Source, s.Signal, geo, series.Len())
				return nil
			})
		}
	}
	return g.Wait()
}

type RunsCmd struct {
	Limit int `default:"20" help:"Number of runs to show."`
}

func (c *RunsCmd) Run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.local == nil {
		return errors.New("compute runs are recorded in the local database only")
	}

	runs, err := a.local.RecentComputeRuns(ctx, c.Limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "id\tstarted\trange\tcached\tcomputed\tmissing\tfailed\tok")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s..%s\t%d\t%d\t%d\t%d\t%v\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04"), r.Start, r.End, r.Cached, r.Computed, r.Missing, r.Failed, r.Success)
	}
	return w.Flush()
}

func printReport(rep *coordinator.Report) {
	fmt.Println(rep)
	for _, key := range rep.Missing {
		fmt.Printf("missing\t%s\n", key)
	}
	for _, f := range rep.Failed {
		fmt.Printf("failed\t%v\n", f)
	}
}
