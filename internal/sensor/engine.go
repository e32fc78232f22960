// Package sensor turns indicator series into calibrated sensor values by
// regressing a truth signal on the indicator over a trailing window.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/sensorcast/internal/deconv"
	"github.com/lox/sensorcast/internal/models"
)

type Method string

const (
	MethodRegression Method = "regression"
	MethodRatio      Method = "ratio"
)

const (
	DefaultWindowDays = 28
	DefaultMinPoints  = 5
	DefaultARLags     = 3
	defaultWorkers    = 4
)

type Config struct {
	// WindowDays is the length of the calibration window ending at the as-of date.
	WindowDays int
	// MinPoints is the fewest paired observations a calibration may use.
	MinPoints int
	Method    Method
	Intercept bool
	Workers   int
	ARLags    int
}

// Result is the outcome of one sensor computation. A missing result still
// carries the key fields of Value so callers can report which key is absent.
type Result struct {
	Value   models.SensorValue
	Missing bool
	Reason  string
}

type Engine struct {
	cfg    Config
	deconv *deconv.Engine
	delay  *models.DelayDistribution
	now    func() time.Time
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = DefaultMinPoints
	}
	if cfg.ARLags <= 0 {
		cfg.ARLags = DefaultARLags
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	switch cfg.Method {
	case "":
		cfg.Method = MethodRegression
	case MethodRegression, MethodRatio:
	default:
		return nil, fmt.Errorf("sensor: unknown method %q", cfg.Method)
	}
	if cfg.MinPoints < 2 && cfg.Method == MethodRegression && cfg.Intercept {
		return nil, errors.New("sensor: regression with intercept needs min_points >= 2")
	}
	return &Engine{cfg: cfg, now: time.Now}, nil
}

// WithDeconvolution returns a copy of the engine that deconvolves indicators
// marked DelayCorrected with dist before calibrating. The distribution is
// shared read-only.
func (e *Engine) WithDeconvolution(d *deconv.Engine, dist models.DelayDistribution) (*Engine, error) {
	if err := dist.Validate(); err != nil {
		return nil, fmt.Errorf("sensor: %w", err)
	}
	c := *e
	c.deconv = d
	c.delay = &dist
	return &c, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Compute calibrates indicator against truth over the window ending at asOf
// and applies the fit to the indicator's value on asOf. Indicator data after
// asOf is ignored, so a delay-corrected indicator is deconvolved over the series
// as it stood on asOf and the value is provisional whenever MaxDelay > 0.
func (e *Engine) Compute(asOf models.Date, indicator, truth models.SignalConfig, indicatorSeries, truthSeries models.LocationSeries) (Result, error) {
	if err := indicator.Validate(); err != nil {
		return Result{}, err
	}
	if err := truth.Validate(); err != nil {
		return Result{}, err
	}
	if !asOf.Valid() {
		return Result{}, fmt.Errorf("sensor: invalid as-of date %d", asOf)
	}

	out := Result{Value: models.SensorValue{
		Config:   indicator.Identity(),
		GeoType:  truthSeries.GeoType,
		GeoValue: truthSeries.GeoValue,
		Date:     asOf,
	}}
	missing := func(format string, args ...any) (Result, error) {
		out.Missing = true
		out.Reason = fmt.Sprintf(format, args...)
		return out, nil
	}

	if indicatorSeries.Empty() {
		return missing("no indicator data for %s", indicatorSeries)
	}
	if truthSeries.Empty() {
		return missing("no truth data for %s", truthSeries)
	}
	if _, ok := indicatorSeries.Value(asOf); !ok {
		return missing("indicator has no value on %s", asOf)
	}

	start := asOf.AddDays(-(e.cfg.WindowDays - 1))
	first, _ := indicatorSeries.First()
	ind := indicatorSeries.Window(first, asOf)
	provisional := map[models.Date]bool{}
	if indicator.DelayCorrected && e.deconv != nil && e.delay != nil {
		est, err := e.deconv.Deconvolve(ind, *e.delay)
		if err != nil {
			return Result{}, fmt.Errorf("sensor %s %s: %w", indicator, indicatorSeries, err)
		}
		ind = deconv.ToSeries(ind.GeoValue, ind.GeoType, est, true)
		for _, x := range est {
			if x.Provisional {
				provisional[x.Date] = true
			}
		}
	}
	x0, _ := ind.Value(asOf)
	out.Value.Provisional = provisional[asOf]

	lag := max(indicator.LagDays, truth.LagDays)
	cutoff := asOf.AddDays(-lag)

	var xs, ys []float64
	truthSeries.Window(start, cutoff).Points(func(d models.Date, y float64) {
		if provisional[d] {
			return
		}
		if x, ok := ind.Value(d); ok {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	})
	if len(xs) < e.cfg.MinPoints {
		err := &models.InsufficientDataError{What: "calibration window", Have: len(xs), Need: e.cfg.MinPoints}
		return missing("%v", err)
	}

	var fit calibration
	var ok bool
	switch e.cfg.Method {
	case MethodRatio:
		fit, ok = fitRatio(xs, ys)
	default:
		fit, ok = fitRegression(xs, ys, e.cfg.Intercept)
	}
	if !ok {
		return missing("indicator has no variance over %d paired days", len(xs))
	}

	out.Value.Value = fit.alpha + fit.beta*x0
	out.Value.StandardError = fit.predictionSE(x0)
	out.Value.ComputedAt = e.now().UTC()
	return out, nil
}

// calibration is a fitted truth = alpha + beta*indicator mapping together
// with what is needed for the standard error of a prediction.
type calibration struct {
	alpha, beta float64
	n, params   int
	rss         float64
	sumSq       float64 // Σx² through the origin, Σ(x-x̄)² with intercept
	mean        float64
	intercept   bool
}

func fitRegression(xs, ys []float64, intercept bool) (calibration, bool) {
	c := calibration{n: len(xs), params: 1, intercept: intercept}
	if intercept {
		c.params = 2
		c.mean = stat.Mean(xs, nil)
		for _, x := range xs {
			c.sumSq += (x - c.mean) * (x - c.mean)
		}
	} else {
		c.sumSq = floats.Dot(xs, xs)
	}
	if c.sumSq == 0 {
		return c, false
	}
	c.alpha, c.beta = stat.LinearRegression(xs, ys, nil, !intercept)
	for i, x := range xs {
		r := ys[i] - (c.alpha + c.beta*x)
		c.rss += r * r
	}
	return c, true
}

func fitRatio(xs, ys []float64) (calibration, bool) {
	sx := floats.Sum(xs)
	if sx == 0 {
		return calibration{}, false
	}
	c := calibration{n: len(xs), beta: floats.Sum(ys) / sx}
	for i, x := range xs {
		r := ys[i] - c.beta*x
		c.rss += r * r
	}
	return c, true
}

// predictionSE is the standard error of the fitted mean at x0. Ratio fits
// carry no standard error.
func (c calibration) predictionSE(x0 float64) *float64 {
	if c.params == 0 || c.n <= c.params {
		return nil
	}
	s2 := c.rss / float64(c.n-c.params)
	var v float64
	if c.intercept {
		v = s2 * (1/float64(c.n) + (x0-c.mean)*(x0-c.mean)/c.sumSq)
	} else {
		v = s2 * x0 * x0 / c.sumSq
	}
	return models.FloatPtr(math.Sqrt(v))
}
