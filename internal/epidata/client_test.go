package epidata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/sensorcast/internal/models"
)

var fbCLI = models.SignalConfig{Source: "fb-survey", Signal: "smoothed_cli", Name: "fb"}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	return c
}

func TestFetchDecodesEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sensors", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "fb-survey", q.Get("data_source"))
		assert.Equal(t, "ca,tx", q.Get("geo_values"))
		assert.Equal(t, "20210101-20210103", q.Get("time_values"))
		json.NewEncoder(w).Encode(Response[SensorRow]{
			Result: ResultOK,
			Epidata: []SensorRow{
				{DataSource: "fb-survey", Signal: "smoothed_cli", SensorName: "fb", GeoType: "state", GeoValue: "ca", TimeValue: 20210102, Value: 1.5, StandardError: models.FloatPtr(0.2)},
			},
		})
	})

	got, err := c.Fetch(context.Background(), fbCLI, models.GeoState, []string{"ca", "tx"}, 20210101, 20210103)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.Date(20210102), got[0].Date)
	assert.Equal(t, 1.5, got[0].Value)
	require.NotNil(t, got[0].StandardError)
	assert.InDelta(t, 0.2, *got[0].StandardError, 1e-12)
}

func TestFetchNoResultsIsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response[SensorRow]{Result: ResultNoResults, Message: "no results"})
	})
	got, err := c.Fetch(context.Background(), fbCLI, models.GeoState, nil, 20210101, 20210103)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Fetch(context.Background(), fbCLI, models.GeoState, nil, 20210101, 20210101)
			require.Error(t, err)
			var rse *models.RemoteStoreError
			require.ErrorAs(t, err, &rse)
			assert.Equal(t, tt.status, rse.Status)
			assert.Equal(t, tt.transient, models.IsTransient(err))
		})
	}
}

func TestEnvelopeErrorIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response[SensorRow]{Result: ResultError, Message: "unknown signal"})
	})
	_, err := c.Fetch(context.Background(), fbCLI, models.GeoState, nil, 20210101, 20210101)
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
	assert.Contains(t, err.Error(), "unknown signal")
}

func TestConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), fbCLI, models.GeoState, nil, 20210101, 20210101)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
}

func TestUploadReportsFailedKeys(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body SensorUpload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fb", body.SensorName)
		assert.Len(t, body.Rows, 2)
		json.NewEncoder(w).Encode(UploadResponse{
			Result: ResultOK,
			Stored: 1,
			Failed: []FailedEntry{{GeoType: "state", GeoValue: "tx", TimeValue: 20210101, Error: "rejected"}},
		})
	})

	res, err := c.Upload(context.Background(), fbCLI, []models.SensorValue{
		{Config: fbCLI, GeoType: models.GeoState, GeoValue: "ca", Date: 20210101, Value: 1},
		{Config: fbCLI, GeoType: models.GeoState, GeoValue: "tx", Date: 20210101, Value: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, models.SensorKey{Config: fbCLI, GeoType: models.GeoState, GeoValue: "tx", Date: 20210101}, res.Failed[0].Key)
	assert.EqualError(t, res.Failed[0].Err, "rejected")
}

func TestSignalRange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ca", r.URL.Query().Get("geo_value"))
		json.NewEncoder(w).Encode(Response[SignalRow]{
			Result: ResultOK,
			Epidata: []SignalRow{
				{GeoValue: "ca", TimeValue: 20210103, Value: 3},
				{GeoValue: "ca", TimeValue: 20210101, Value: 1},
			},
		})
	})

	s, err := c.SignalRange(context.Background(), "jhu-csse", "confirmed_incidence_num", models.GeoState, "ca", 20210101, 20210103)
	require.NoError(t, err)
	assert.Equal(t, []models.Date{20210101, 20210103}, s.Dates())
	assert.Equal(t, []float64{1, 3}, s.Values())
}

func TestRateLimitHonoursContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(Response[SensorRow]{Result: ResultNoResults})
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), fbCLI, models.GeoState, nil, 20210101, 20210101)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Fetch(ctx, fbCLI, models.GeoState, nil, 20210101, 20210101)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseTimeRange(t *testing.T) {
	start, end, err := ParseTimeRange("20210101-20210131")
	require.NoError(t, err)
	assert.Equal(t, models.Date(20210101), start)
	assert.Equal(t, models.Date(20210131), end)

	start, end, err = ParseTimeRange("20210105")
	require.NoError(t, err)
	assert.Equal(t, start, end)

	_, _, err = ParseTimeRange("20210131-20210101")
	assert.Error(t, err)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}
