package deconv

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sensorcast/internal/models"
)

// Result is the outcome for one location of DeconvolveMany.
type Result struct {
	GeoValue  string
	GeoType   models.GeoType
	Estimates []Estimate
	Err       error
}

// DeconvolveMany deconvolves independent locations on a bounded worker pool.
// Results are returned in input order; a failing location carries its own
// error and does not affect the others. The delay distribution is shared
// read-only across workers.
func (e *Engine) DeconvolveMany(ctx context.Context, series []models.LocationSeries, dist models.DelayDistribution) []Result {
	results := make([]Result, len(series))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, s := range series {
		results[i] = Result{GeoValue: s.GeoValue, GeoType: s.GeoType}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			est, err := e.Deconvolve(s, dist)
			if err != nil {
				log.Printf("deconv: %s: %v", s, err)
				results[i].Err = err
				return nil
			}
			results[i].Estimates = est
			return nil
		})
		if (i+1)%25 == 0 {
			log.Debugf("deconv: queued %d/%d locations", i+1, len(series))
		}
	}
	_ = g.Wait()
	return results
}
