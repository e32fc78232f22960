package epidata

import (
	"fmt"
	"strings"
	"time"

	"github.com/lox/sensorcast/internal/models"
)

// Result codes carried in every response envelope.
const (
	ResultOK        = 1
	ResultNoResults = -2
	ResultError     = -1
)

// Response is the envelope every endpoint returns.
type Response[T any] struct {
	Result  int    `json:"result"`
	Message string `json:"message"`
	Epidata []T    `json:"epidata,omitempty"`
}

// SensorRow is one stored sensor value on the wire.
type SensorRow struct {
	DataSource    string    `json:"data_source"`
	Signal        string    `json:"signal"`
	SensorName    string    `json:"sensor_name"`
	GeoType       string    `json:"geo_type"`
	GeoValue      string    `json:"geo_value"`
	TimeValue     int       `json:"time_value"`
	Value         float64   `json:"value"`
	StandardError *float64  `json:"standard_error"`
	Provisional   bool      `json:"provisional"`
	ComputedAt    time.Time `json:"computed_at"`
}

func SensorRowFrom(v models.SensorValue) SensorRow {
	return SensorRow{
		DataSource:    v.Config.Source,
		Signal:        v.Config.Signal,
		SensorName:    v.Config.Name,
		GeoType:       string(v.GeoType),
		GeoValue:      v.GeoValue,
		TimeValue:     int(v.Date),
		Value:         v.Value,
		StandardError: v.StandardError,
		Provisional:   v.Provisional,
		ComputedAt:    v.ComputedAt,
	}
}

func (r SensorRow) SensorValue() models.SensorValue {
	return models.SensorValue{
		Config:        models.SignalConfig{Source: r.DataSource, Signal: r.Signal, Name: r.SensorName},
		GeoType:       models.GeoType(r.GeoType),
		GeoValue:      r.GeoValue,
		Date:          models.Date(r.TimeValue),
		Value:         r.Value,
		StandardError: r.StandardError,
		Provisional:   r.Provisional,
		ComputedAt:    r.ComputedAt,
	}
}

// SignalRow is one day of a raw signal.
type SignalRow struct {
	GeoValue  string  `json:"geo_value"`
	TimeValue int     `json:"time_value"`
	Value     float64 `json:"value"`
}

// SensorUpload is the body of POST /api/v1/sensors.
type SensorUpload struct {
	DataSource string      `json:"data_source"`
	Signal     string      `json:"signal"`
	SensorName string      `json:"sensor_name"`
	Rows       []SensorRow `json:"rows"`
}

// SignalUpload is the body of POST /api/v1/signals.
type SignalUpload struct {
	DataSource string      `json:"data_source"`
	Signal     string      `json:"signal"`
	GeoType    string      `json:"geo_type"`
	GeoValue   string      `json:"geo_value"`
	Rows       []SignalRow `json:"rows"`
}

// UploadResponse reports a sensor upsert key by key.
type UploadResponse struct {
	Result  int           `json:"result"`
	Message string        `json:"message"`
	Stored  int           `json:"stored"`
	Failed  []FailedEntry `json:"failed,omitempty"`
}

type FailedEntry struct {
	GeoType   string `json:"geo_type"`
	GeoValue  string `json:"geo_value"`
	TimeValue int    `json:"time_value"`
	Error     string `json:"error"`
}

// TimeRange formats an inclusive date range as "start-end".
func TimeRange(start, end models.Date) string {
	return fmt.Sprintf("%d-%d", start, end)
}

// ParseTimeRange accepts "YYYYMMDD-YYYYMMDD" or a single date.
func ParseTimeRange(s string) (models.Date, models.Date, error) {
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	start, err := models.ParseDate(lo)
	if err != nil {
		return 0, 0, err
	}
	end, err := models.ParseDate(hi)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("time range %q ends before it starts", s)
	}
	return start, end, nil
}
