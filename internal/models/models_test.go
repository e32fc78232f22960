package models

import (
	"math"
	"testing"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    Date
		wantErr bool
	}{
		{"20210107", 20210107, false},
		{"2021-01-07", 20210107, false},
		{" 20200229 ", 20200229, false},
		{"20210230", 0, true},
		{"yesterday", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDate(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	d := Date(20201230)
	if got := d.AddDays(3); got != 20210102 {
		t.Errorf("AddDays(3) = %d, want 20210102", got)
	}
	if got := Date(20210301).DaysSince(20210227); got != 2 {
		t.Errorf("DaysSince = %d, want 2", got)
	}
	if got := Date(20210107).ISO(); got != "2021-01-07" {
		t.Errorf("ISO = %q", got)
	}
	if Date(20211301).Valid() {
		t.Error("month 13 should be invalid")
	}

	r := DateRange(20210130, 20210202)
	want := []Date{20210130, 20210131, 20210201, 20210202}
	if len(r) != len(want) {
		t.Fatalf("len(DateRange) = %d, want %d", len(r), len(want))
	}
	for i := range want {
		if r[i] != want[i] {
			t.Errorf("DateRange[%d] = %d, want %d", i, r[i], want[i])
		}
	}
	if DateRange(20210105, 20210101) != nil {
		t.Error("reversed range should be nil")
	}
}

func TestNewLocationSeries(t *testing.T) {
	s, err := NewLocationSeries("ca", GeoState,
		[]Date{20210101, 20210102, 20210104},
		[]float64{1, math.NaN(), 3})
	if err != nil {
		t.Fatalf("NewLocationSeries: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (NaN dropped, not imputed)", s.Len())
	}
	if _, ok := s.Value(20210102); ok {
		t.Error("NaN day should be absent")
	}
	if _, ok := s.Value(20210103); ok {
		t.Error("gap day should be absent")
	}
	if v, ok := s.Value(20210104); !ok || v != 3 {
		t.Errorf("Value(20210104) = %v, %v", v, ok)
	}

	if _, err := NewLocationSeries("ca", GeoState, []Date{20210102, 20210101}, []float64{1, 2}); err == nil {
		t.Error("expected error for decreasing dates")
	}
	if _, err := NewLocationSeries("ca", GeoState, []Date{20210101, 20210101}, []float64{1, 2}); err == nil {
		t.Error("expected error for duplicate dates")
	}
	if _, err := NewLocationSeries("ca", GeoState, []Date{20210101}, []float64{1, 2}); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestLocationSeriesImmutable(t *testing.T) {
	s, _ := NewLocationSeries("pa", GeoState, []Date{20210101, 20210102}, []float64{1, 2})
	vals := s.Values()
	vals[0] = 100
	if v, _ := s.Value(20210101); v != 1 {
		t.Errorf("series mutated through Values(): %v", v)
	}

	w := s.Window(20210102, 20210110)
	if w.Len() != 1 || w.GeoValue != "pa" {
		t.Errorf("Window = %v", w)
	}
	if s.Len() != 2 {
		t.Error("Window mutated source series")
	}
}

func TestDelayDistribution(t *testing.T) {
	dd, err := NewDelayDistribution([]float64{2, 1, 1})
	if err != nil {
		t.Fatalf("NewDelayDistribution: %v", err)
	}
	if err := dd.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if dd.MaxDelay() != 2 {
		t.Errorf("MaxDelay = %d, want 2", dd.MaxDelay())
	}
	if math.Abs(dd.Mean()-0.75) > 1e-12 {
		t.Errorf("Mean = %v, want 0.75", dd.Mean())
	}

	if _, err := NewDelayDistribution([]float64{0, 0}); err == nil {
		t.Error("expected zero-mass error")
	}
	if err := (DelayDistribution{Probabilities: []float64{0.5, 0.4}}).Validate(); err == nil {
		t.Error("expected sum error")
	}
}

func TestSignalConfigIdentity(t *testing.T) {
	a := SignalConfig{Source: "fb-survey", Signal: "cli", Name: "fb", LagDays: 3, DelayCorrected: true}
	b := SignalConfig{Source: "fb-survey", Signal: "cli", Name: "fb"}
	if a.Identity() != b.Identity() {
		t.Error("identity should ignore lag and delay correction")
	}
	if err := (SignalConfig{Source: "x", Signal: "y", LagDays: -1}).Validate(); err == nil {
		t.Error("expected negative lag error")
	}
}
