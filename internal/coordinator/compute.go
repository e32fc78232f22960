package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sensorcast/internal/metrics"
	"github.com/lox/sensorcast/internal/models"
	"github.com/lox/sensorcast/internal/sensor"
)

// computeMissing fetches indicator series once per (indicator, location),
// computes the missing keys date by date and uploads each date's values as
// one batch per indicator. Dates run concurrently and complete in no
// particular order.
func (c *Coordinator) computeMissing(ctx context.Context, req Request, missing map[models.SensorKey]bool, rep *Report) error {
	var mu sync.Mutex
	fail := func(key models.SensorKey, err error) {
		mu.Lock()
		defer mu.Unlock()
		rep.Failed = append(rep.Failed, models.KeyError{Key: key, Err: err})
		metrics.SensorsTotal.WithLabelValues(key.Config.Name, "failed").Inc()
	}

	byDate := map[models.Date][]models.SensorKey{}
	for key := range missing {
		byDate[key.Date] = append(byDate[key.Date], key)
	}

	series, seriesErrs := c.fetchIndicators(ctx, req, missing)
	if err := ctx.Err(); err != nil {
		return err
	}

	dates := make([]models.Date, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	full := configsByIdentity(req)
	truthByLoc := map[locKey]models.LocationSeries{}
	for _, loc := range req.Locations {
		truthByLoc[locKey{loc.GeoType, loc.GeoValue}] = loc
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, d := range dates {
		keys := byDate[d]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			indicators, locations := c.pairsFor(keys, full, seriesErrs, truthByLoc, fail)
			if len(indicators) == 0 {
				return nil
			}
			results, errs := c.engine.ComputeMany(gctx, d, indicators, req.Truth, locations, series)
			if err := gctx.Err(); err != nil {
				return err
			}

			batches := map[models.SignalConfig][]models.SensorValue{}
			for _, key := range keys {
				if _, ok := seriesErrs[sensor.KeyFor(key.Config, key.GeoType, key.GeoValue)]; ok {
					continue
				}
				pk := sensor.PairKey{Indicator: key.Config, GeoType: key.GeoType, GeoValue: key.GeoValue}
				if err, ok := errs[pk]; ok {
					fail(key, err)
					continue
				}
				res, ok := results[pk]
				if !ok {
					continue
				}
				if res.Missing {
					mu.Lock()
					rep.Missing = append(rep.Missing, key)
					mu.Unlock()
					metrics.SensorsTotal.WithLabelValues(key.Config.Name, "missing").Inc()
					continue
				}
				batches[key.Config] = append(batches[key.Config], res.Value)
			}

			for cfg, records := range batches {
				stored := c.upload(gctx, cfg, records, fail)
				mu.Lock()
				for _, v := range stored {
					rep.Values[v.Key()] = v
					rep.Computed = append(rep.Computed, v.Key())
					metrics.SensorsTotal.WithLabelValues(cfg.Name, "computed").Inc()
				}
				mu.Unlock()
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

// configsByIdentity maps sensor identities back to the requested configs,
// which carry lag and delay correction settings.
func configsByIdentity(req Request) map[models.SignalConfig]models.SignalConfig {
	full := make(map[models.SignalConfig]models.SignalConfig, len(req.Indicators))
	for _, ind := range req.Indicators {
		full[ind.Identity()] = ind
	}
	return full
}

type locKey struct {
	geoType  models.GeoType
	geoValue string
}

// pairsFor narrows a date's keys to the indicators and locations that still
// need computing. Keys whose indicator series could not be fetched fail here.
func (c *Coordinator) pairsFor(
	keys []models.SensorKey,
	full map[models.SignalConfig]models.SignalConfig,
	seriesErrs map[sensor.SeriesKey]error,
	truth map[locKey]models.LocationSeries,
	fail func(models.SensorKey, error),
) ([]models.SignalConfig, []models.LocationSeries) {
	indSeen := map[models.SignalConfig]bool{}
	locSeen := map[locKey]bool{}
	var indicators []models.SignalConfig
	var locations []models.LocationSeries
	for _, key := range keys {
		if err, ok := seriesErrs[sensor.KeyFor(key.Config, key.GeoType, key.GeoValue)]; ok {
			fail(key, err)
			continue
		}
		if !indSeen[key.Config] {
			indSeen[key.Config] = true
			indicators = append(indicators, full[key.Config])
		}
		lk := locKey{key.GeoType, key.GeoValue}
		if !locSeen[lk] {
			locSeen[lk] = true
			locations = append(locations, truth[lk])
		}
	}
	return indicators, locations
}

// fetchIndicators loads each indicator series needed by a missing key once.
// The range reaches back far enough to cover the calibration window of the
// earliest missing date. A series that cannot be fetched fails only the
// keys that depend on it.
func (c *Coordinator) fetchIndicators(ctx context.Context, req Request, missing map[models.SensorKey]bool) (map[sensor.SeriesKey]models.LocationSeries, map[sensor.SeriesKey]error) {
	window := c.engine.Config().WindowDays
	fetchStart := req.Start.AddDays(-(window - 1))

	full := configsByIdentity(req)

	type job struct {
		cfg models.SignalConfig
		key sensor.SeriesKey
	}
	jobs := map[sensor.SeriesKey]job{}
	for key := range missing {
		if key.Config == req.Truth.Identity() {
			continue
		}
		cfg := full[key.Config]
		sk := sensor.KeyFor(cfg, key.GeoType, key.GeoValue)
		jobs[sk] = job{cfg: cfg, key: sk}
	}

	var mu sync.Mutex
	series := make(map[sensor.SeriesKey]models.LocationSeries, len(jobs))
	errs := map[sensor.SeriesKey]error{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			var s models.LocationSeries
			err := c.retry(gctx, "signal", func() error {
				var err error
				s, err = c.signals.SignalRange(gctx, j.cfg.Source, j.cfg.Signal, j.key.GeoType, j.key.GeoValue, fetchStart, req.End)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("coordinator: signal %s %s:%s: %v", j.cfg, j.key.GeoType, j.key.GeoValue, err)
				errs[j.key] = fmt.Errorf("indicator series: %w", err)
				return nil
			}
			series[j.key] = s
			return nil
		})
	}
	_ = g.Wait()
	return series, errs
}

// upload stores one indicator's batch for a date and returns the records the
// store accepted. Rejected keys are reported through fail.
func (c *Coordinator) upload(ctx context.Context, cfg models.SignalConfig, records []models.SensorValue, fail func(models.SensorKey, error)) []models.SensorValue {
	var res models.UploadResult
	err := c.retry(ctx, "upload", func() error {
		var err error
		res, err = c.store.Upload(ctx, cfg, records)
		return err
	})
	if err != nil {
		log.Printf("coordinator: upload %s (%d records): %v", cfg, len(records), err)
		for _, r := range records {
			fail(r.Key(), err)
		}
		return nil
	}

	rejected := map[models.SensorKey]bool{}
	for _, ke := range res.Failed {
		rejected[ke.Key] = true
		fail(ke.Key, ke.Err)
	}
	stored := make([]models.SensorValue, 0, len(records))
	for _, r := range records {
		if !rejected[r.Key()] {
			stored = append(stored, r)
		}
	}
	return stored
}
