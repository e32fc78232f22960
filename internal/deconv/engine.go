// Package deconv recovers event-time series from delay-convolved report
// series.
package deconv

import (
	"fmt"
	"math"

	"github.com/lox/sensorcast/internal/metrics"
	"github.com/lox/sensorcast/internal/models"
)

type Method string

const (
	MethodRichardsonLucy Method = "richardson-lucy"
	MethodTrendFilter    Method = "trend-filter"
)

const (
	defaultMaxIterations = 2000
	defaultTolerance     = 1e-9
	defaultADMMIters     = 100
	defaultFolds         = 3
	defaultOrder         = 2
	defaultWorkers       = 4
)

// DefaultLambdas is the trend filtering penalty grid searched by
// walk-forward validation: ten log-spaced points from 10^1 to 10^3.5.
var DefaultLambdas = logspace(1, 3.5, 10)

type Config struct {
	Method        Method
	MaxIterations int
	Tolerance     float64
	// Trend filtering only.
	Lambdas []float64
	Folds   int
	Order   int
	Workers int
}

// Estimate is one deconvolved day. Provisional days fall within MaxDelay of
// the end of the series and are under-determined by the data.
type Estimate struct {
	Date        models.Date
	Value       float64
	Provisional bool
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	switch cfg.Method {
	case "":
		cfg.Method = MethodRichardsonLucy
	case MethodRichardsonLucy, MethodTrendFilter:
	default:
		return nil, fmt.Errorf("deconv: unknown method %q", cfg.Method)
	}
	if cfg.MaxIterations <= 0 {
		if cfg.Method == MethodTrendFilter {
			cfg.MaxIterations = defaultADMMIters
		} else {
			cfg.MaxIterations = defaultMaxIterations
		}
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	if len(cfg.Lambdas) == 0 {
		cfg.Lambdas = DefaultLambdas
	}
	if cfg.Folds <= 0 {
		cfg.Folds = defaultFolds
	}
	if cfg.Order <= 0 {
		cfg.Order = defaultOrder
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Engine{cfg: cfg}, nil
}

// span lays a gap-ridden series onto a contiguous daily grid.
type span struct {
	start models.Date
	y     []float64
	mask  []bool
}

func newSpan(s models.LocationSeries) span {
	first, _ := s.First()
	last, _ := s.Last()
	n := last.DaysSince(first) + 1
	sp := span{start: first, y: make([]float64, n), mask: make([]bool, n)}
	s.Points(func(d models.Date, v float64) {
		i := d.DaysSince(first)
		sp.y[i] = v
		sp.mask[i] = true
	})
	return sp
}

// Deconvolve estimates the true series behind observed, given the delay
// distribution. Output covers exactly the observed dates and is never
// negative.
func (e *Engine) Deconvolve(observed models.LocationSeries, dist models.DelayDistribution) ([]Estimate, error) {
	if err := dist.Validate(); err != nil {
		return nil, &models.DeconvolutionError{Reason: err.Error()}
	}
	if observed.Len() < dist.Support() {
		return nil, &models.DeconvolutionError{
			Reason: fmt.Sprintf("%s has %d points, fewer than delay support %d", observed, observed.Len(), dist.Support()),
		}
	}
	for _, v := range observed.Values() {
		if v < 0 {
			return nil, &models.DeconvolutionError{Reason: fmt.Sprintf("%s has negative count %v", observed, v)}
		}
	}

	sp := newSpan(observed)
	kernel := dist.Kernel()

	var x []float64
	allZero := true
	for _, v := range sp.y {
		if v != 0 {
			allZero = false
			break
		}
	}

	switch {
	case allZero:
		x = make([]float64, len(sp.y))
	case e.cfg.Method == MethodTrendFilter:
		var err error
		x, err = e.trendFilterCV(sp, kernel)
		if err != nil {
			return nil, err
		}
	default:
		var iters int
		x, iters = richardsonLucy(sp, kernel, e.cfg.MaxIterations, e.cfg.Tolerance)
		metrics.DeconvolutionIterations.Observe(float64(iters))
	}

	return e.estimates(sp, x, dist.MaxDelay()), nil
}

func (e *Engine) estimates(sp span, x []float64, maxDelay int) []Estimate {
	n := len(sp.y)
	out := make([]Estimate, 0, n)
	for i := range sp.y {
		if !sp.mask[i] {
			continue
		}
		out = append(out, Estimate{
			Date:        sp.start.AddDays(i),
			Value:       math.Max(x[i], 0),
			Provisional: i >= n-maxDelay,
		})
	}
	return out
}

// richardsonLucy runs the multiplicative EM update for a Poisson convolution
// model, masking unobserved days out of the likelihood. Each column's update
// is normalised by the kernel mass that falls inside the observed window,
// which accounts for truncation at the end of the series.
func richardsonLucy(sp span, kernel []float64, maxIter int, tol float64) ([]float64, int) {
	n, m := len(sp.y), len(kernel)

	var total float64
	var count int
	for i, v := range sp.y {
		if sp.mask[i] {
			total += v
			count++
		}
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = total / float64(count)
	}

	norm := make([]float64, n)
	for j := 0; j < n; j++ {
		for d := 0; d < m && j+d < n; d++ {
			if sp.mask[j+d] {
				norm[j] += kernel[d]
			}
		}
	}

	pred := make([]float64, n)
	ratio := make([]float64, n)
	next := make([]float64, n)
	iter := 0
	for iter < maxIter {
		iter++
		convolveInto(pred, x, kernel)
		for t := range ratio {
			ratio[t] = 0
			if sp.mask[t] && pred[t] > 0 {
				ratio[t] = sp.y[t] / pred[t]
			}
		}

		var diff, mass float64
		for j := 0; j < n; j++ {
			if norm[j] == 0 {
				next[j] = x[j]
				continue
			}
			var acc float64
			for d := 0; d < m && j+d < n; d++ {
				acc += kernel[d] * ratio[j+d]
			}
			next[j] = x[j] * acc / norm[j]
			diff += math.Abs(next[j] - x[j])
			mass += math.Abs(x[j])
		}
		x, next = next, x
		if mass == 0 || diff/mass < tol {
			break
		}
	}
	return x, iter
}

// convolveInto writes the forward model Σ_d kernel[d]·x[t-d] into dst.
func convolveInto(dst, x, kernel []float64) {
	for t := range dst {
		var acc float64
		for d := 0; d < len(kernel) && d <= t; d++ {
			acc += kernel[d] * x[t-d]
		}
		dst[t] = acc
	}
}

// Convolve applies the delay distribution to a true series, producing the
// expected report series on the same dates. Days before the series start and
// missing days contribute nothing.
func Convolve(s models.LocationSeries, dist models.DelayDistribution) models.LocationSeries {
	if s.Empty() {
		return s
	}
	sp := newSpan(s)
	out := make([]float64, len(sp.y))
	convolveInto(out, sp.y, dist.Probabilities)

	points := make(map[models.Date]float64, s.Len())
	for i, ok := range sp.mask {
		if ok {
			points[sp.start.AddDays(i)] = out[i]
		}
	}
	return models.SeriesFromMap(s.GeoValue, s.GeoType, points)
}

// ToSeries turns estimates back into a location series. Provisional points
// are dropped unless includeProvisional is set.
func ToSeries(geoValue string, geoType models.GeoType, est []Estimate, includeProvisional bool) models.LocationSeries {
	points := make(map[models.Date]float64, len(est))
	for _, e := range est {
		if e.Provisional && !includeProvisional {
			continue
		}
		points[e.Date] = e.Value
	}
	return models.SeriesFromMap(geoValue, geoType, points)
}

func logspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = math.Pow(10, lo+step*float64(i))
	}
	return out
}
