// Package coordinator serves sensor values from a historical store and
// computes, uploads and merges only the keys the store does not hold.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sensorcast/internal/metrics"
	"github.com/lox/sensorcast/internal/models"
	"github.com/lox/sensorcast/internal/sensor"
)

// HistoricalStore holds previously computed sensor values. Upload is an
// idempotent upsert: storing an existing key overwrites it.
type HistoricalStore interface {
	Fetch(ctx context.Context, cfg models.SignalConfig, geoType models.GeoType, geoValues []string, start, end models.Date) ([]models.SensorValue, error)
	Upload(ctx context.Context, cfg models.SignalConfig, records []models.SensorValue) (models.UploadResult, error)
}

// SignalSource provides raw indicator series.
type SignalSource interface {
	SignalRange(ctx context.Context, source, signal string, geoType models.GeoType, geoValue string, start, end models.Date) (models.LocationSeries, error)
}

// RunRecorder is implemented by stores that keep an audit trail of runs.
type RunRecorder interface {
	StartComputeRun(ctx context.Context, run *models.ComputeRun) error
	CompleteComputeRun(ctx context.Context, run *models.ComputeRun) error
}

// Config is the store client configuration. It is passed explicitly to each
// coordinator; nothing here is process-wide.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Concurrency bounds the number of store batches in flight.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

type Coordinator struct {
	store   HistoricalStore
	signals SignalSource
	engine  *sensor.Engine
	cfg     Config
}

func New(store HistoricalStore, signals SignalSource, engine *sensor.Engine, cfg Config) *Coordinator {
	return &Coordinator{store: store, signals: signals, engine: engine, cfg: cfg.withDefaults()}
}

// Request asks for every (indicator, location, date) key in [Start, End].
// Locations are the truth series, one per location.
type Request struct {
	Start          models.Date
	End            models.Date
	Indicators     []models.SignalConfig
	Truth          models.SignalConfig
	Locations      []models.LocationSeries
	ComputeMissing bool
	// Recompute skips the store lookup and overwrites every key.
	Recompute bool
}

func (r Request) Validate() error {
	if !r.Start.Valid() || !r.End.Valid() {
		return fmt.Errorf("invalid date range %d..%d", r.Start, r.End)
	}
	if r.End < r.Start {
		return fmt.Errorf("end %s is before start %s", r.End, r.Start)
	}
	if len(r.Indicators) == 0 {
		return errors.New("no indicators requested")
	}
	for _, ind := range r.Indicators {
		if err := ind.Validate(); err != nil {
			return err
		}
	}
	if err := r.Truth.Validate(); err != nil {
		return fmt.Errorf("truth: %w", err)
	}
	return nil
}

// Report is the structured outcome of GetOrCompute. Values holds every key
// that is now available, whether it came from the store or was computed and
// stored in this run.
type Report struct {
	RunID    string
	Values   map[models.SensorKey]models.SensorValue
	Cached   []models.SensorKey
	Computed []models.SensorKey
	Missing  []models.SensorKey
	Failed   []models.KeyError
}

func (r *Report) String() string {
	return fmt.Sprintf("run %s: %d cached, %d computed, %d missing, %d failed",
		r.RunID, len(r.Cached), len(r.Computed), len(r.Missing), len(r.Failed))
}

// GetOrCompute returns the requested sensor values, computing and uploading
// the ones the store lacks when ComputeMissing is set. A fetch failure that
// outlasts the retry budget aborts the request. On cancellation the values
// completed so far are returned along with the context error.
func (c *Coordinator) GetOrCompute(ctx context.Context, req Request) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	rep := &Report{RunID: uuid.NewString(), Values: map[models.SensorKey]models.SensorValue{}}
	run := &models.ComputeRun{
		ID:        rep.RunID,
		StartedAt: time.Now().UTC(),
		Start:     req.Start,
		End:       req.End,
		Sensors:   sensorNames(req.Indicators),
	}
	recorder, _ := c.store.(RunRecorder)
	if recorder != nil {
		if err := recorder.StartComputeRun(ctx, run); err != nil {
			log.Warnf("coordinator: start run %s: %v", run.ID, err)
		}
	}

	err := c.getOrCompute(ctx, req, rep)
	rep.sort()

	if recorder != nil {
		run.FinishedAt = time.Now().UTC()
		run.Requested = len(req.Indicators) * len(req.Locations) * (req.End.DaysSince(req.Start) + 1)
		run.Cached, run.Computed = len(rep.Cached), len(rep.Computed)
		run.Missing, run.Failed = len(rep.Missing), len(rep.Failed)
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = err.Error()
		}
		// The request context may already be cancelled.
		if cerr := recorder.CompleteComputeRun(context.WithoutCancel(ctx), run); cerr != nil {
			log.Warnf("coordinator: complete run %s: %v", run.ID, cerr)
		}
	}

	log.Printf("coordinator: %s", rep)
	if err != nil {
		return rep, err
	}
	return rep, nil
}

func (c *Coordinator) getOrCompute(ctx context.Context, req Request, rep *Report) error {
	requested := requestedKeys(req)

	present := map[models.SensorKey]models.SensorValue{}
	if !req.Recompute {
		var err error
		present, err = c.fetchPresent(ctx, req, requested)
		if err != nil {
			return err
		}
	}

	missing := map[models.SensorKey]bool{}
	for key := range requested {
		if v, ok := present[key]; ok {
			rep.Values[key] = v
			rep.Cached = append(rep.Cached, key)
			metrics.SensorsTotal.WithLabelValues(key.Config.Name, "cached").Inc()
		} else {
			missing[key] = true
		}
	}

	if len(missing) == 0 {
		return nil
	}
	if !req.ComputeMissing && !req.Recompute {
		for key := range missing {
			rep.Missing = append(rep.Missing, key)
		}
		return nil
	}
	return c.computeMissing(ctx, req, missing, rep)
}

// fetchPresent queries the store once per (indicator, geo type) batch.
func (c *Coordinator) fetchPresent(ctx context.Context, req Request, requested map[models.SensorKey]bool) (map[models.SensorKey]models.SensorValue, error) {
	var mu sync.Mutex
	present := map[models.SensorKey]models.SensorValue{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, ind := range req.Indicators {
		for geoType, geoValues := range groupLocations(req.Locations) {
			g.Go(func() error {
				var values []models.SensorValue
				err := c.retry(gctx, "fetch", func() error {
					var err error
					values, err = c.store.Fetch(gctx, ind.Identity(), geoType, geoValues, req.Start, req.End)
					return err
				})
				if err != nil {
					return fmt.Errorf("fetch %s %s: %w", ind, geoType, err)
				}
				mu.Lock()
				defer mu.Unlock()
				for _, v := range values {
					key := v.Key()
					if requested[key] {
						present[key] = v
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return present, nil
}

// retry runs op with bounded exponential backoff. Errors that are not
// transient remote store errors are returned immediately.
func (c *Coordinator) retry(ctx context.Context, op string, fn func() error) error {
	operation := func() error {
		start := time.Now()
		err := fn()
		metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			metrics.StoreRequestsTotal.WithLabelValues(op, "ok").Inc()
			return nil
		case models.IsTransient(err):
			metrics.StoreRequestsTotal.WithLabelValues(op, "transient").Inc()
			return err
		default:
			metrics.StoreRequestsTotal.WithLabelValues(op, "error").Inc()
			return backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)

	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		metrics.StoreRetries.WithLabelValues(op).Inc()
		log.Printf("coordinator: %s failed, retrying in %s: %v", op, wait, err)
	})
}

func (r *Report) sort() {
	byKey := func(keys []models.SensorKey) {
		sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	}
	byKey(r.Cached)
	byKey(r.Computed)
	byKey(r.Missing)
	sort.Slice(r.Failed, func(i, j int) bool { return lessKey(r.Failed[i].Key, r.Failed[j].Key) })
}

func lessKey(a, b models.SensorKey) bool {
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	return a.String() < b.String()
}

func requestedKeys(req Request) map[models.SensorKey]bool {
	keys := map[models.SensorKey]bool{}
	for _, d := range models.DateRange(req.Start, req.End) {
		for _, ind := range req.Indicators {
			for _, loc := range req.Locations {
				keys[models.SensorKey{Config: ind.Identity(), GeoType: loc.GeoType, GeoValue: loc.GeoValue, Date: d}] = true
			}
		}
	}
	return keys
}

func groupLocations(locations []models.LocationSeries) map[models.GeoType][]string {
	groups := map[models.GeoType][]string{}
	for _, loc := range locations {
		groups[loc.GeoType] = append(groups[loc.GeoType], loc.GeoValue)
	}
	return groups
}

func sensorNames(cfgs []models.SignalConfig) string {
	names := make([]string, len(cfgs))
	for i, c := range cfgs {
		names[i] = c.Key()
	}
	return strings.Join(names, ",")
}
