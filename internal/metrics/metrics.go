package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorcast_store_requests_total",
			Help: "Total historical store and signal provider requests",
		},
		[]string{"op", "status"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorcast_store_latency_seconds",
			Help:    "Historical store request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorcast_store_retries_total",
			Help: "Historical store fetch attempts that were retried after a transient failure",
		},
		[]string{"op"},
	)

	SensorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorcast_sensor_values_total",
			Help: "Sensor values by outcome (cached, computed, missing, failed)",
		},
		[]string{"sensor", "outcome"},
	)

	DeconvolutionIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorcast_deconvolution_iterations",
			Help:    "Iterations used by Richardson-Lucy deconvolution",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)

	ExportedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorcast_exported_files_total",
			Help: "Export CSV files written or delivered",
		},
		[]string{"stage"},
	)
)
