package sensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/lox/sensorcast/internal/models"
)

// ComputeAR fits an autoregressive model with an intercept to the truth
// series itself and predicts the as-of day from the ARLags preceding days.
// It is the sensor stored under the truth signal's own config.
func (e *Engine) ComputeAR(asOf models.Date, truth models.SignalConfig, truthSeries models.LocationSeries) (Result, error) {
	if err := truth.Validate(); err != nil {
		return Result{}, err
	}
	if !asOf.Valid() {
		return Result{}, fmt.Errorf("sensor: invalid as-of date %d", asOf)
	}

	p := e.cfg.ARLags
	out := Result{Value: models.SensorValue{
		Config:   truth.Identity(),
		GeoType:  truthSeries.GeoType,
		GeoValue: truthSeries.GeoValue,
		Date:     asOf,
	}}
	missing := func(format string, args ...any) (Result, error) {
		out.Missing = true
		out.Reason = fmt.Sprintf(format, args...)
		return out, nil
	}
	if truthSeries.Empty() {
		return missing("no truth data for %s", truthSeries)
	}

	lags := func(d models.Date) ([]float64, bool) {
		row := make([]float64, p+1)
		row[0] = 1
		for l := 1; l <= p; l++ {
			v, ok := truthSeries.Value(d.AddDays(-l))
			if !ok {
				return nil, false
			}
			row[l] = v
		}
		return row, true
	}

	x0, ok := lags(asOf)
	if !ok {
		return missing("truth is missing one of the %d days before %s", p, asOf)
	}

	var rows [][]float64
	var ys []float64
	start := asOf.AddDays(-(e.cfg.WindowDays - 1))
	truthSeries.Window(start, asOf.AddDays(-1)).Points(func(d models.Date, y float64) {
		if row, ok := lags(d); ok {
			rows = append(rows, row)
			ys = append(ys, y)
		}
	})
	need := max(e.cfg.MinPoints, p+2)
	if len(rows) < need {
		err := &models.InsufficientDataError{What: "autoregression window", Have: len(rows), Need: need}
		return missing("%v", err)
	}

	X := mat.NewDense(len(rows), p+1, nil)
	for i, row := range rows {
		X.SetRow(i, row)
	}
	y := mat.NewVecDense(len(ys), ys)
	var beta mat.VecDense
	if err := beta.SolveVec(X, y); err != nil {
		return missing("autoregression is singular: %v", err)
	}

	var resid mat.VecDense
	resid.MulVec(X, &beta)
	resid.SubVec(y, &resid)
	rss := mat.Dot(&resid, &resid)

	out.Value.Value = mat.Dot(mat.NewVecDense(p+1, x0), &beta)
	out.Value.StandardError = models.FloatPtr(math.Sqrt(rss / float64(len(rows)-p-1)))
	out.Value.ComputedAt = e.now().UTC()
	return out, nil
}
