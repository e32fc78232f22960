package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type GeoType string

const (
	GeoState  GeoType = "state"
	GeoCounty GeoType = "county"
	GeoMSA    GeoType = "msa"
	GeoHRR    GeoType = "hrr"
	GeoHHS    GeoType = "hhs"
	GeoNation GeoType = "nation"
)

func (g GeoType) Valid() bool {
	switch g {
	case GeoState, GeoCounty, GeoMSA, GeoHRR, GeoHHS, GeoNation:
		return true
	}
	return false
}

// SignalConfig identifies an indicator or truth signal and the sensor name it
// is stored under.
type SignalConfig struct {
	Source         string `json:"source" mapstructure:"source"`
	Signal         string `json:"signal" mapstructure:"signal"`
	Name           string `json:"name" mapstructure:"name"`
	LagDays        int    `json:"lag_days" mapstructure:"lag_days"`
	DelayCorrected bool   `json:"delay_corrected" mapstructure:"delay_corrected"`
}

func (c SignalConfig) Validate() error {
	if c.Source == "" {
		return errors.New("signal config: source is required")
	}
	if c.Signal == "" {
		return errors.New("signal config: signal is required")
	}
	if c.LagDays < 0 {
		return fmt.Errorf("signal config %s: lag_days must be >= 0", c.Key())
	}
	return nil
}

// Identity drops the non-identifying fields so two configs for the same
// sensor compare equal as map keys.
func (c SignalConfig) Identity() SignalConfig {
	return SignalConfig{Source: c.Source, Signal: c.Signal, Name: c.Name}
}

func (c SignalConfig) Key() string {
	return c.Source + ":" + c.Signal + ":" + c.Name
}

func (c SignalConfig) String() string {
	return c.Key()
}

// Event is one line-list record.
type Event struct {
	EventDate  Date
	ReportDate Date
}

// SensorValue is one computed sensor estimate.
type SensorValue struct {
	Config        SignalConfig
	GeoType       GeoType
	GeoValue      string
	Date          Date
	Value         float64
	StandardError *float64
	Provisional   bool
	ComputedAt    time.Time
}

func (v SensorValue) Key() SensorKey {
	return SensorKey{Config: v.Config.Identity(), GeoType: v.GeoType, GeoValue: v.GeoValue, Date: v.Date}
}

// SensorKey uniquely identifies a sensor value in the historical store.
type SensorKey struct {
	Config   SignalConfig
	GeoType  GeoType
	GeoValue string
	Date     Date
}

func (k SensorKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Config.Key(), k.GeoType, k.GeoValue, k.Date)
}

// KeyError pairs a sensor key with the error that prevented it from being
// computed or stored.
type KeyError struct {
	Key SensorKey
	Err error
}

func (e KeyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e KeyError) Unwrap() error {
	return e.Err
}

// FloatPtr returns nil for non-finite values.
func FloatPtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// UploadResult reports a historical store upsert. Keys in Failed were not
// stored; every other record was.
type UploadResult struct {
	Stored int
	Failed []KeyError
}

// ComputeRun is the audit record of one get-or-compute request.
type ComputeRun struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Start        Date
	End          Date
	Sensors      string
	Requested    int
	Cached       int
	Computed     int
	Missing      int
	Failed       int
	Success      bool
	ErrorMessage string
}

// ValidateFor checks that v can be stored under cfg.
func (v SensorValue) ValidateFor(cfg SignalConfig) error {
	switch {
	case v.Config.Identity() != cfg.Identity():
		return fmt.Errorf("record belongs to %s, not %s", v.Config, cfg)
	case !v.GeoType.Valid():
		return fmt.Errorf("unknown geo type %q", v.GeoType)
	case v.GeoValue == "":
		return errors.New("empty geo value")
	case !v.Date.Valid():
		return fmt.Errorf("invalid date %d", v.Date)
	case math.IsNaN(v.Value) || math.IsInf(v.Value, 0):
		return fmt.Errorf("non-finite value %v", v.Value)
	}
	return nil
}
