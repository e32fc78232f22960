package sensor

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sensorcast/internal/models"
)

// SeriesKey identifies one fetched indicator series. Several sensors may
// share a series when they differ only in name.
type SeriesKey struct {
	Source   string
	Signal   string
	GeoType  models.GeoType
	GeoValue string
}

func KeyFor(cfg models.SignalConfig, geoType models.GeoType, geoValue string) SeriesKey {
	return SeriesKey{Source: cfg.Source, Signal: cfg.Signal, GeoType: geoType, GeoValue: geoValue}
}

// PairKey identifies one (indicator, location) computation.
type PairKey struct {
	Indicator models.SignalConfig
	GeoType   models.GeoType
	GeoValue  string
}

// ComputeMany computes every (indicator, location) pair for asOf on a bounded
// worker pool. Pairs are independent: a location without data yields a
// missing result and an error in one pair never aborts the others. An
// indicator whose identity equals truth is computed as an autoregressive
// sensor on the truth series.
func (e *Engine) ComputeMany(
	ctx context.Context,
	asOf models.Date,
	indicators []models.SignalConfig,
	truth models.SignalConfig,
	truthSeries []models.LocationSeries,
	indicatorSeries map[SeriesKey]models.LocationSeries,
) (map[PairKey]Result, map[PairKey]error) {
	var (
		mu      sync.Mutex
		results = make(map[PairKey]Result, len(indicators)*len(truthSeries))
		errs    = make(map[PairKey]error)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, loc := range truthSeries {
		for _, ind := range indicators {
			key := PairKey{Indicator: ind.Identity(), GeoType: loc.GeoType, GeoValue: loc.GeoValue}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					mu.Lock()
					errs[key] = err
					mu.Unlock()
					return nil
				}

				var res Result
				var err error
				if ind.Identity() == truth.Identity() {
					res, err = e.ComputeAR(asOf, truth, loc)
				} else {
					series, ok := indicatorSeries[KeyFor(ind, loc.GeoType, loc.GeoValue)]
					if !ok {
						series = models.EmptySeries(loc.GeoValue, loc.GeoType)
					}
					res, err = e.Compute(asOf, ind, truth, series, loc)
				}

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					log.Printf("sensor: %s %s:%s %s: %v", ind, loc.GeoType, loc.GeoValue, asOf, err)
					errs[key] = err
					return nil
				}
				if res.Missing {
					log.Debugf("sensor: %s %s:%s %s missing: %s", ind, loc.GeoType, loc.GeoValue, asOf, res.Reason)
				}
				results[key] = res
				return nil
			})
		}
	}
	_ = g.Wait()
	return results, errs
}
