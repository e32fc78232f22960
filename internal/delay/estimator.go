// Package delay estimates reporting-delay distributions from line-list
// records.
package delay

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sensorcast/internal/models"
)

// CensoringMode controls how delays beyond MaxDelay and right truncation are
// handled.
type CensoringMode string

const (
	// CensorExclude drops records with delay > MaxDelay (they are still counted).
	CensorExclude CensoringMode = "exclude"
	// CensorTail folds records with delay > MaxDelay into the MaxDelay bin.
	CensorTail CensoringMode = "tail"
	// CensorTruncation corrects for events too recent to have been reported
	// with long delays by AsOf, using the reverse-hazard estimator.
	CensorTruncation CensoringMode = "truncation"
)

const (
	DefaultMaxDelay   = 21
	DefaultMinRecords = 30
	defaultWorkers    = 4
)

type Config struct {
	MaxDelay   int
	MinRecords int
	Censoring  CensoringMode
	// AsOf is the date the line list was extracted. Required for CensorTruncation.
	AsOf    models.Date
	Workers int
}

type Estimator struct {
	cfg Config
}

func NewEstimator(cfg Config) (*Estimator, error) {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MinRecords <= 0 {
		cfg.MinRecords = DefaultMinRecords
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	switch cfg.Censoring {
	case "":
		cfg.Censoring = CensorExclude
	case CensorExclude, CensorTail:
	case CensorTruncation:
		if !cfg.AsOf.Valid() {
			return nil, fmt.Errorf("delay: censoring %q requires an as-of date", cfg.Censoring)
		}
	default:
		return nil, fmt.Errorf("delay: unknown censoring mode %q", cfg.Censoring)
	}
	return &Estimator{cfg: cfg}, nil
}

// Estimate builds a delay PMF from line-list records.
func (e *Estimator) Estimate(events []models.Event) (models.DelayDistribution, error) {
	maxDelay := e.cfg.MaxDelay
	counts := make([]float64, maxDelay+1)
	delays := make([]int, 0, len(events))
	horizons := make([]int, 0, len(events))

	censored := 0
	for _, ev := range events {
		if !ev.EventDate.Valid() || !ev.ReportDate.Valid() {
			return models.DelayDistribution{}, fmt.Errorf("delay: invalid record %d -> %d", ev.EventDate, ev.ReportDate)
		}
		d := ev.ReportDate.DaysSince(ev.EventDate)
		if d < 0 {
			return models.DelayDistribution{}, fmt.Errorf("delay: report %s precedes event %s", ev.ReportDate, ev.EventDate)
		}
		if e.cfg.Censoring == CensorTruncation && ev.ReportDate > e.cfg.AsOf {
			continue
		}
		if d > maxDelay {
			censored++
			if e.cfg.Censoring == CensorTail {
				counts[maxDelay]++
			}
			continue
		}
		counts[d]++
		delays = append(delays, d)
		if e.cfg.Censoring == CensorTruncation {
			horizons = append(horizons, e.cfg.AsOf.DaysSince(ev.EventDate))
		}
	}

	used := len(delays)
	if e.cfg.Censoring == CensorTail {
		used += censored
	}
	if used < e.cfg.MinRecords {
		return models.DelayDistribution{}, &models.InsufficientDataError{What: "delay distribution", Have: used, Need: e.cfg.MinRecords}
	}

	weights := counts
	if e.cfg.Censoring == CensorTruncation {
		weights = reverseHazard(delays, horizons, maxDelay)
	}

	dist, err := models.NewDelayDistribution(weights)
	if err != nil {
		return models.DelayDistribution{}, &models.InsufficientDataError{What: "delay distribution", Have: 0, Need: e.cfg.MinRecords}
	}
	dist.Records = used
	dist.Censored = censored
	return dist, nil
}

// reverseHazard is the Lynden-Bell estimator for right-truncated delays.
// Record i is observable only when its delay is <= horizons[i], so the risk
// set for delay d is every record with delay <= d and horizon >= d.
func reverseHazard(delays, horizons []int, maxDelay int) []float64 {
	n := make([]float64, maxDelay+1)
	risk := make([]float64, maxDelay+1)
	for i, d := range delays {
		n[d]++
		top := horizons[i]
		if top > maxDelay {
			top = maxDelay
		}
		for k := d; k <= top; k++ {
			risk[k]++
		}
	}

	weights := make([]float64, maxDelay+1)
	cdf := 1.0
	for d := maxDelay; d >= 0; d-- {
		if risk[d] == 0 {
			continue
		}
		g := n[d] / risk[d]
		weights[d] = cdf * g
		cdf *= 1 - g
	}
	return weights
}

// EstimateMany estimates independent population slices concurrently. A
// failing slice is reported in the error map and never aborts the others.
func (e *Estimator) EstimateMany(ctx context.Context, slices map[string][]models.Event) (map[string]models.DelayDistribution, map[string]error) {
	var (
		mu      sync.Mutex
		results = make(map[string]models.DelayDistribution, len(slices))
		errs    = make(map[string]error)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for name, events := range slices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
				return nil
			}
			dist, err := e.Estimate(events)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("delay: slice %s: %v", name, err)
				errs[name] = err
				return nil
			}
			results[name] = dist
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}
