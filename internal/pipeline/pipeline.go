// Package pipeline runs the end-to-end sensor job: load truth series, get or
// compute sensor values through the coordinator, then export and deliver.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sensorcast/internal/coordinator"
	"github.com/lox/sensorcast/internal/models"
)

type Coordinator interface {
	GetOrCompute(ctx context.Context, req coordinator.Request) (*coordinator.Report, error)
}

type Exporter interface {
	Export(values []models.SensorValue) ([]string, error)
	Dir() string
}

type Deliverer interface {
	Deliver(ctx context.Context, localDir string, files []string) error
}

// Job names the sensors and locations a pipeline computes.
type Job struct {
	Truth      models.SignalConfig
	Indicators []models.SignalConfig
	GeoType    models.GeoType
	GeoValues  []string
	// WindowDays of truth history are loaded before the first date.
	WindowDays int
}

type Options struct {
	ComputeMissing bool
	Recompute      bool
	Export         bool
}

type Pipeline struct {
	job      Job
	coord    Coordinator
	signals  coordinator.SignalSource
	exporter Exporter
	delivery Deliverer
}

func New(job Job, coord Coordinator, signals coordinator.SignalSource) *Pipeline {
	return &Pipeline{job: job, coord: coord, signals: signals}
}

func (p *Pipeline) SetExporter(e Exporter) {
	p.exporter = e
}

func (p *Pipeline) SetDelivery(d Deliverer) {
	p.delivery = d
}

// Run computes [start, end]. A location whose truth series cannot be loaded
// is passed on empty, so its keys come back Missing rather than failing the
// run.
func (p *Pipeline) Run(ctx context.Context, start, end models.Date, opts Options) (*coordinator.Report, error) {
	locations, err := p.loadTruth(ctx, start, end)
	if err != nil {
		return nil, err
	}

	rep, err := p.coord.GetOrCompute(ctx, coordinator.Request{
		Start:          start,
		End:            end,
		Indicators:     p.job.Indicators,
		Truth:          p.job.Truth,
		Locations:      locations,
		ComputeMissing: opts.ComputeMissing,
		Recompute:      opts.Recompute,
	})
	if err != nil {
		return rep, err
	}
	for _, f := range rep.Failed {
		log.Warnf("pipeline: %v", f)
	}

	if opts.Export && p.exporter != nil && len(rep.Values) > 0 {
		if err := p.export(ctx, rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (p *Pipeline) loadTruth(ctx context.Context, start, end models.Date) ([]models.LocationSeries, error) {
	from := start.AddDays(-p.job.WindowDays)
	series := make([]models.LocationSeries, len(p.job.GeoValues))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, geo := range p.job.GeoValues {
		g.Go(func() error {
			s, err := p.signals.SignalRange(gctx, p.job.Truth.Source, p.job.Truth.Signal, p.job.GeoType, geo, from, end)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warnf("pipeline: truth %s %s: %v", p.job.Truth, geo, err)
				s = models.EmptySeries(geo, p.job.GeoType)
			}
			series[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: load truth: %w", err)
	}
	return series, nil
}

func (p *Pipeline) export(ctx context.Context, rep *coordinator.Report) error {
	values := make([]models.SensorValue, 0, len(rep.Values))
	for _, v := range rep.Values {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Key().String() < values[j].Key().String() })

	files, err := p.exporter.Export(values)
	if err != nil {
		return fmt.Errorf("pipeline: export: %w", err)
	}
	if p.delivery != nil {
		if err := p.delivery.Deliver(ctx, p.exporter.Dir(), files); err != nil {
			return fmt.Errorf("pipeline: deliver: %w", err)
		}
	}
	return nil
}
