package models

import (
	"fmt"
	"math"
	"sort"
)

// LocationSeries is one location's daily observation history. Missing days
// are absent from Dates; they are never stored as zero. A series is not
// modified after construction.
type LocationSeries struct {
	GeoValue string
	GeoType  GeoType
	dates    []Date
	values   []float64
}

// NewLocationSeries builds a series from parallel date and value slices.
// NaN and infinite values are dropped. Dates must be strictly increasing.
func NewLocationSeries(geoValue string, geoType GeoType, dates []Date, values []float64) (LocationSeries, error) {
	if len(dates) != len(values) {
		return LocationSeries{}, fmt.Errorf("series %s: %d dates but %d values", geoValue, len(dates), len(values))
	}
	s := LocationSeries{
		GeoValue: geoValue,
		GeoType:  geoType,
		dates:    make([]Date, 0, len(dates)),
		values:   make([]float64, 0, len(values)),
	}
	for i, d := range dates {
		if !d.Valid() {
			return LocationSeries{}, fmt.Errorf("series %s: invalid date %d", geoValue, d)
		}
		if i > 0 && d <= dates[i-1] {
			return LocationSeries{}, fmt.Errorf("series %s: dates not strictly increasing at %s", geoValue, d)
		}
		if math.IsNaN(values[i]) || math.IsInf(values[i], 0) {
			continue
		}
		s.dates = append(s.dates, d)
		s.values = append(s.values, values[i])
	}
	return s, nil
}

// SeriesFromMap sorts the map by date; convenient for rows read from a store.
func SeriesFromMap(geoValue string, geoType GeoType, points map[Date]float64) LocationSeries {
	dates := make([]Date, 0, len(points))
	for d := range points {
		if d.Valid() {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })
	s := EmptySeries(geoValue, geoType)
	for _, d := range dates {
		v := points[d]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		s.dates = append(s.dates, d)
		s.values = append(s.values, v)
	}
	return s
}

// EmptySeries returns a series with identity but no observations.
func EmptySeries(geoValue string, geoType GeoType) LocationSeries {
	return LocationSeries{GeoValue: geoValue, GeoType: geoType}
}

func (s LocationSeries) Len() int    { return len(s.dates) }
func (s LocationSeries) Empty() bool { return len(s.dates) == 0 }

func (s LocationSeries) Dates() []Date {
	return append([]Date(nil), s.dates...)
}

func (s LocationSeries) Values() []float64 {
	return append([]float64(nil), s.values...)
}

func (s LocationSeries) First() (Date, bool) {
	if s.Empty() {
		return 0, false
	}
	return s.dates[0], true
}

func (s LocationSeries) Last() (Date, bool) {
	if s.Empty() {
		return 0, false
	}
	return s.dates[len(s.dates)-1], true
}

// Value returns the observation on d, if present.
func (s LocationSeries) Value(d Date) (float64, bool) {
	i := sort.Search(len(s.dates), func(i int) bool { return s.dates[i] >= d })
	if i < len(s.dates) && s.dates[i] == d {
		return s.values[i], true
	}
	return 0, false
}

// Window returns the observations within [start, end] as a new series.
func (s LocationSeries) Window(start, end Date) LocationSeries {
	lo := sort.Search(len(s.dates), func(i int) bool { return s.dates[i] >= start })
	hi := sort.Search(len(s.dates), func(i int) bool { return s.dates[i] > end })
	if hi < lo {
		hi = lo
	}
	return LocationSeries{
		GeoValue: s.GeoValue,
		GeoType:  s.GeoType,
		dates:    append([]Date(nil), s.dates[lo:hi]...),
		values:   append([]float64(nil), s.values[lo:hi]...),
	}
}

// Points calls fn for each observation in date order.
func (s LocationSeries) Points(fn func(d Date, v float64)) {
	for i, d := range s.dates {
		fn(d, s.values[i])
	}
}

func (s LocationSeries) String() string {
	return fmt.Sprintf("%s:%s(%d points)", s.GeoType, s.GeoValue, len(s.dates))
}
