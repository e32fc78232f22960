package delay

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/sensorcast/internal/models"
)

var trueDelay = []float64{0.1, 0.3, 0.25, 0.15, 0.1, 0.06, 0.04}

func sampleDelay(rng *rand.Rand, pmf []float64) int {
	u := rng.Float64()
	var acc float64
	for d, p := range pmf {
		acc += p
		if u < acc {
			return d
		}
	}
	return len(pmf) - 1
}

func syntheticEvents(rng *rand.Rand, start models.Date, days, perDay int) []models.Event {
	events := make([]models.Event, 0, days*perDay)
	for i := 0; i < days; i++ {
		ev := start.AddDays(i)
		for j := 0; j < perDay; j++ {
			events = append(events, models.Event{EventDate: ev, ReportDate: ev.AddDays(sampleDelay(rng, trueDelay))})
		}
	}
	return events
}

func maxAbsError(got, want []float64) float64 {
	var worst float64
	for d := range want {
		var g float64
		if d < len(got) {
			g = got[d]
		}
		worst = math.Max(worst, math.Abs(g-want[d]))
	}
	return worst
}

func TestEstimateConverges(t *testing.T) {
	est, err := NewEstimator(Config{MaxDelay: 6, MinRecords: 10})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	var errs []float64
	for _, perDay := range []int{5, 1000} {
		events := syntheticEvents(rng, 20210101, 30, perDay)
		dist, err := est.Estimate(events)
		require.NoError(t, err)
		require.NoError(t, dist.Validate())

		e := maxAbsError(dist.Probabilities, trueDelay)
		t.Logf("perDay=%d records=%d max error=%.4f", perDay, dist.Records, e)
		errs = append(errs, e)
	}
	assert.Less(t, errs[1], 0.01)
	assert.Less(t, errs[1], errs[0])
}

func TestEstimateInsufficientData(t *testing.T) {
	est, err := NewEstimator(Config{MaxDelay: 5, MinRecords: 10})
	require.NoError(t, err)

	events := []models.Event{
		{EventDate: 20210101, ReportDate: 20210103},
		{EventDate: 20210102, ReportDate: 20210103},
	}
	_, err = est.Estimate(events)
	var ide *models.InsufficientDataError
	require.True(t, errors.As(err, &ide), "want InsufficientDataError, got %v", err)
	assert.Equal(t, 2, ide.Have)
	assert.Equal(t, 10, ide.Need)

	_, err = est.Estimate(nil)
	assert.True(t, errors.As(err, &ide))
}

func TestEstimateRejectsReportBeforeEvent(t *testing.T) {
	est, err := NewEstimator(Config{MaxDelay: 5, MinRecords: 1})
	require.NoError(t, err)

	_, err = est.Estimate([]models.Event{{EventDate: 20210105, ReportDate: 20210101}})
	assert.Error(t, err)
}

func TestEstimateCensoringModes(t *testing.T) {
	events := []models.Event{
		{EventDate: 20210101, ReportDate: 20210101},
		{EventDate: 20210101, ReportDate: 20210102},
		{EventDate: 20210101, ReportDate: 20210102},
		{EventDate: 20210101, ReportDate: 20210110}, // delay 9 > max
	}

	tests := []struct {
		name     string
		mode     CensoringMode
		want     []float64
		censored int
	}{
		{"exclude", CensorExclude, []float64{1.0 / 3, 2.0 / 3, 0}, 1},
		{"tail", CensorTail, []float64{0.25, 0.5, 0.25}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := NewEstimator(Config{MaxDelay: 2, MinRecords: 1, Censoring: tt.mode})
			require.NoError(t, err)
			dist, err := est.Estimate(events)
			require.NoError(t, err)
			assert.Equal(t, tt.censored, dist.Censored)
			assert.InDeltaSlice(t, tt.want, dist.Probabilities, 1e-12)
		})
	}
}

func TestEstimateTruncationCorrection(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	asOf := models.Date(20210301)
	start := asOf.AddDays(-11)

	var observed []models.Event
	for _, ev := range syntheticEvents(rng, start, 12, 2000) {
		if ev.ReportDate <= asOf {
			observed = append(observed, ev)
		}
	}

	naive, err := NewEstimator(Config{MaxDelay: 6, MinRecords: 10})
	require.NoError(t, err)
	naiveDist, err := naive.Estimate(observed)
	require.NoError(t, err)

	corrected, err := NewEstimator(Config{MaxDelay: 6, MinRecords: 10, Censoring: CensorTruncation, AsOf: asOf})
	require.NoError(t, err)
	correctedDist, err := corrected.Estimate(observed)
	require.NoError(t, err)
	require.NoError(t, correctedDist.Validate())

	naiveErr := maxAbsError(naiveDist.Probabilities, trueDelay)
	correctedErr := maxAbsError(correctedDist.Probabilities, trueDelay)
	t.Logf("naive error %.4f, corrected error %.4f", naiveErr, correctedErr)

	assert.Less(t, correctedErr, naiveErr)
	assert.Less(t, correctedErr, 0.02)
	assert.Greater(t, correctedDist.Mean(), naiveDist.Mean(), "truncation correction should lengthen the mean delay")
}

func TestNewEstimatorValidation(t *testing.T) {
	_, err := NewEstimator(Config{Censoring: CensorTruncation})
	assert.Error(t, err, "truncation without as-of date")

	_, err = NewEstimator(Config{Censoring: "bogus"})
	assert.Error(t, err)

	est, err := NewEstimator(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDelay, est.cfg.MaxDelay)
	assert.Equal(t, CensorExclude, est.cfg.Censoring)
}

func TestEstimateManyIsolatesFailures(t *testing.T) {
	est, err := NewEstimator(Config{MaxDelay: 6, MinRecords: 20, Workers: 2})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	slices := map[string][]models.Event{
		"pa":    syntheticEvents(rng, 20210101, 10, 10),
		"ny":    syntheticEvents(rng, 20210101, 10, 10),
		"empty": nil,
	}

	results, errs := est.EstimateMany(context.Background(), slices)
	assert.Len(t, results, 2)
	assert.Contains(t, results, "pa")
	assert.Contains(t, results, "ny")
	require.Len(t, errs, 1)
	var ide *models.InsufficientDataError
	assert.True(t, errors.As(errs["empty"], &ide))
}
