// Package epidata is the HTTP client for a remote historical sensor store and
// signal provider speaking the epidata response envelope.
package epidata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lox/sensorcast/internal/httputil"
	"github.com/lox/sensorcast/internal/models"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RequestsPerSecond caps the request rate; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("epidata: invalid base url %q", cfg.BaseURL)
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	client := httputil.NewClient()
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		limiter: limiter,
	}, nil
}

// Fetch returns stored sensor values for cfg in [start, end].
func (c *Client) Fetch(ctx context.Context, cfg models.SignalConfig, geoType models.GeoType, geoValues []string, start, end models.Date) ([]models.SensorValue, error) {
	q := url.Values{}
	q.Set("data_source", cfg.Source)
	q.Set("signal", cfg.Signal)
	q.Set("sensor_name", cfg.Name)
	q.Set("geo_type", string(geoType))
	if len(geoValues) > 0 {
		q.Set("geo_values", strings.Join(geoValues, ","))
	}
	q.Set("time_values", TimeRange(start, end))

	var resp Response[SensorRow]
	if err := c.do(ctx, "fetch", http.MethodGet, "/api/v1/sensors?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if err := checkResult("fetch", resp.Result, resp.Message); err != nil {
		return nil, err
	}
	values := make([]models.SensorValue, 0, len(resp.Epidata))
	for _, row := range resp.Epidata {
		values = append(values, row.SensorValue())
	}
	return values, nil
}

// Upload upserts records for cfg. Keys the server rejected come back in the
// result's Failed list.
func (c *Client) Upload(ctx context.Context, cfg models.SignalConfig, records []models.SensorValue) (models.UploadResult, error) {
	body := SensorUpload{DataSource: cfg.Source, Signal: cfg.Signal, SensorName: cfg.Name}
	for _, r := range records {
		body.Rows = append(body.Rows, SensorRowFrom(r))
	}

	var resp UploadResponse
	if err := c.do(ctx, "upload", http.MethodPost, "/api/v1/sensors", body, &resp); err != nil {
		return models.UploadResult{}, err
	}
	if err := checkResult("upload", resp.Result, resp.Message); err != nil {
		return models.UploadResult{}, err
	}

	res := models.UploadResult{Stored: resp.Stored}
	for _, f := range resp.Failed {
		res.Failed = append(res.Failed, models.KeyError{
			Key: models.SensorKey{
				Config:   cfg.Identity(),
				GeoType:  models.GeoType(f.GeoType),
				GeoValue: f.GeoValue,
				Date:     models.Date(f.TimeValue),
			},
			Err: errors.New(f.Error),
		})
	}
	return res, nil
}

// SignalRange fetches one location's raw signal series.
func (c *Client) SignalRange(ctx context.Context, source, signal string, geoType models.GeoType, geoValue string, start, end models.Date) (models.LocationSeries, error) {
	q := url.Values{}
	q.Set("data_source", source)
	q.Set("signal", signal)
	q.Set("geo_type", string(geoType))
	q.Set("geo_value", geoValue)
	q.Set("time_values", TimeRange(start, end))

	var resp Response[SignalRow]
	if err := c.do(ctx, "signal", http.MethodGet, "/api/v1/signals?"+q.Encode(), nil, &resp); err != nil {
		return models.LocationSeries{}, err
	}
	if err := checkResult("signal", resp.Result, resp.Message); err != nil {
		return models.LocationSeries{}, err
	}
	points := make(map[models.Date]float64, len(resp.Epidata))
	for _, row := range resp.Epidata {
		points[models.Date(row.TimeValue)] = row.Value
	}
	return models.SeriesFromMap(geoValue, geoType, points), nil
}

// UpsertSignal pushes a raw signal series to the server.
func (c *Client) UpsertSignal(ctx context.Context, source, signal string, series models.LocationSeries) error {
	body := SignalUpload{DataSource: source, Signal: signal, GeoType: string(series.GeoType), GeoValue: series.GeoValue}
	series.Points(func(d models.Date, v float64) {
		body.Rows = append(body.Rows, SignalRow{GeoValue: series.GeoValue, TimeValue: int(d), Value: v})
	})
	var resp Response[SignalRow]
	if err := c.do(ctx, "signal_upload", http.MethodPost, "/api/v1/signals", body, &resp); err != nil {
		return err
	}
	return checkResult("signal_upload", resp.Result, resp.Message)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("epidata %s: marshal: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("epidata %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &models.RemoteStoreError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &models.RemoteStoreError{Op: op, Status: resp.StatusCode, Transient: true, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &models.RemoteStoreError{
			Op:        op,
			Status:    resp.StatusCode,
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       errors.New(strings.TrimSpace(string(data))),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &models.RemoteStoreError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("unmarshal: %w", err)}
	}
	return nil
}

func checkResult(op string, result int, message string) error {
	switch result {
	case ResultOK, ResultNoResults:
		return nil
	}
	return &models.RemoteStoreError{Op: op, Err: fmt.Errorf("result %d: %s", result, message)}
}
