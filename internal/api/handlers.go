package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lox/sensorcast/internal/epidata"
	"github.com/lox/sensorcast/internal/models"
)

// GET /api/v1/sensors?data_source=&signal=&sensor_name=&geo_type=&geo_values=&time_values=
func (s *Server) handleFetchSensors(c *gin.Context) {
	cfg := models.SignalConfig{
		Source: c.Query("data_source"),
		Signal: c.Query("signal"),
		Name:   c.Query("sensor_name"),
	}
	if err := cfg.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	geoType := models.GeoType(c.Query("geo_type"))
	if !geoType.Valid() {
		badRequest(c, fmt.Errorf("unknown geo_type %q", geoType))
		return
	}
	start, end, err := epidata.ParseTimeRange(c.Query("time_values"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var geoValues []string
	if raw := c.Query("geo_values"); raw != "" {
		geoValues = strings.Split(raw, ",")
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.QueryTimeout)
	defer cancel()

	values, err := s.sensors.Fetch(ctx, cfg, geoType, geoValues, start, end)
	if err != nil {
		storeFailure(c, "fetch", err)
		return
	}
	if len(values) == 0 {
		c.JSON(http.StatusOK, epidata.Response[epidata.SensorRow]{Result: epidata.ResultNoResults, Message: "no results"})
		return
	}
	rows := make([]epidata.SensorRow, 0, len(values))
	for _, v := range values {
		rows = append(rows, epidata.SensorRowFrom(v))
	}
	c.JSON(http.StatusOK, epidata.Response[epidata.SensorRow]{Result: epidata.ResultOK, Message: "success", Epidata: rows})
}

// POST /api/v1/sensors
func (s *Server) handleUploadSensors(c *gin.Context) {
	var body epidata.SensorUpload
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	cfg := models.SignalConfig{Source: body.DataSource, Signal: body.Signal, Name: body.SensorName}
	if err := cfg.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	records := make([]models.SensorValue, 0, len(body.Rows))
	for _, row := range body.Rows {
		// Rows may omit their identity; the upload body names it once.
		if row.DataSource == "" && row.Signal == "" && row.SensorName == "" {
			row.DataSource, row.Signal, row.SensorName = cfg.Source, cfg.Signal, cfg.Name
		}
		records = append(records, row.SensorValue())
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.QueryTimeout)
	defer cancel()

	res, err := s.sensors.Upload(ctx, cfg, records)
	if err != nil {
		storeFailure(c, "upload", err)
		return
	}

	resp := epidata.UploadResponse{Result: epidata.ResultOK, Message: "success", Stored: res.Stored}
	for _, f := range res.Failed {
		resp.Failed = append(resp.Failed, epidata.FailedEntry{
			GeoType:   string(f.Key.GeoType),
			GeoValue:  f.Key.GeoValue,
			TimeValue: int(f.Key.Date),
			Error:     f.Err.Error(),
		})
	}
	if len(resp.Failed) > 0 {
		log.Printf("api: upload %s stored %d, rejected %d", cfg, res.Stored, len(resp.Failed))
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/signals?data_source=&signal=&geo_type=&geo_value=&time_values=
func (s *Server) handleSignalRange(c *gin.Context) {
	source, signal := c.Query("data_source"), c.Query("signal")
	geoType := models.GeoType(c.Query("geo_type"))
	geoValue := c.Query("geo_value")
	if source == "" || signal == "" || geoValue == "" {
		badRequest(c, fmt.Errorf("data_source, signal and geo_value are required"))
		return
	}
	if !geoType.Valid() {
		badRequest(c, fmt.Errorf("unknown geo_type %q", geoType))
		return
	}
	start, end, err := epidata.ParseTimeRange(c.Query("time_values"))
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.QueryTimeout)
	defer cancel()

	series, err := s.signals.SignalRange(ctx, source, signal, geoType, geoValue, start, end)
	if err != nil {
		storeFailure(c, "signal", err)
		return
	}
	if series.Empty() {
		c.JSON(http.StatusOK, epidata.Response[epidata.SignalRow]{Result: epidata.ResultNoResults, Message: "no results"})
		return
	}
	rows := make([]epidata.SignalRow, 0, series.Len())
	series.Points(func(d models.Date, v float64) {
		rows = append(rows, epidata.SignalRow{GeoValue: geoValue, TimeValue: int(d), Value: v})
	})
	c.JSON(http.StatusOK, epidata.Response[epidata.SignalRow]{Result: epidata.ResultOK, Message: "success", Epidata: rows})
}

// POST /api/v1/signals
func (s *Server) handleUpsertSignal(c *gin.Context) {
	var body epidata.SignalUpload
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.DataSource == "" || body.Signal == "" || body.GeoValue == "" {
		badRequest(c, fmt.Errorf("data_source, signal and geo_value are required"))
		return
	}
	geoType := models.GeoType(body.GeoType)
	if !geoType.Valid() {
		badRequest(c, fmt.Errorf("unknown geo_type %q", geoType))
		return
	}
	points := make(map[models.Date]float64, len(body.Rows))
	for _, row := range body.Rows {
		d := models.Date(row.TimeValue)
		if !d.Valid() {
			badRequest(c, fmt.Errorf("invalid time_value %d", row.TimeValue))
			return
		}
		points[d] = row.Value
	}
	series := models.SeriesFromMap(body.GeoValue, geoType, points)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.QueryTimeout)
	defer cancel()

	if err := s.signals.UpsertSignal(ctx, body.DataSource, body.Signal, series); err != nil {
		storeFailure(c, "signal_upload", err)
		return
	}
	c.JSON(http.StatusOK, epidata.Response[epidata.SignalRow]{Result: epidata.ResultOK, Message: fmt.Sprintf("stored %d", series.Len())})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, epidata.Response[struct{}]{Result: epidata.ResultError, Message: err.Error()})
}

// storeFailure maps transient store errors to 503 so remote clients retry.
func storeFailure(c *gin.Context, op string, err error) {
	log.Printf("api: %s: %v", op, err)
	status := http.StatusInternalServerError
	if models.IsTransient(err) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, epidata.Response[struct{}]{Result: epidata.ResultError, Message: err.Error()})
}
