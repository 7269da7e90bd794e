// Package metrics exposes Prometheus collectors for the harvest pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestTilesTotal         *prometheus.CounterVec
	harvestTileSplitsTotal    prometheus.Counter
	harvestFetchRetriesTotal  prometheus.Counter
	wfsRequestsTotal          *prometheus.CounterVec
	wfsRequestDurationSeconds prometheus.Histogram
	artifactsValidatedTotal   *prometheus.CounterVec
	mergeBatchesTotal         prometheus.Counter
	rootFetchesInFlight       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestTilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_tiles_total",
				Help: "Total number of tiles processed, labeled by result.",
			},
			[]string{"result"},
		)

		harvestTileSplitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_tile_splits_total",
				Help: "Total number of saturated tiles split into quadrants.",
			},
		)

		harvestFetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_fetch_retries_total",
				Help: "Total number of feature service request retries.",
			},
		)

		wfsRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfs_requests_total",
				Help: "Total number of feature service requests, labeled by status code.",
			},
			[]string{"code"},
		)

		wfsRequestDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wfs_request_duration_seconds",
				Help:    "Histogram of feature service request latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		artifactsValidatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_artifacts_validated_total",
				Help: "Total number of artifact validation probes, labeled by result.",
			},
			[]string{"result"},
		)

		mergeBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_merge_batches_total",
				Help: "Total number of artifact batches merged into the output dataset.",
			},
		)

		rootFetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_root_fetches_in_flight",
				Help: "Number of root tile fetches currently in flight.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTile increments the tile counter for the given result
// (cached, converted, split, failed).
func ObserveTile(result string) {
	if harvestTilesTotal == nil {
		return
	}
	harvestTilesTotal.WithLabelValues(result).Inc()
}

// ObserveTileSplit increments the quadrant split counter.
func ObserveTileSplit() {
	if harvestTileSplitsTotal == nil {
		return
	}
	harvestTileSplitsTotal.Inc()
}

// ObserveFetchRetry increments the retry counter.
func ObserveFetchRetry() {
	if harvestFetchRetriesTotal == nil {
		return
	}
	harvestFetchRetriesTotal.Inc()
}

// ObserveWFSRequest records one feature service request.
func ObserveWFSRequest(code int, duration time.Duration) {
	if wfsRequestsTotal == nil {
		return
	}
	wfsRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	wfsRequestDurationSeconds.Observe(duration.Seconds())
}

// ObserveValidation increments the validation counter for the given result
// (valid, invalid).
func ObserveValidation(result string) {
	if artifactsValidatedTotal == nil {
		return
	}
	artifactsValidatedTotal.WithLabelValues(result).Inc()
}

// ObserveMergeBatch increments the merged batch counter.
func ObserveMergeBatch() {
	if mergeBatchesTotal == nil {
		return
	}
	mergeBatchesTotal.Inc()
}

// RootFetchStarted marks a root tile fetch as in flight.
func RootFetchStarted() {
	if rootFetchesInFlight == nil {
		return
	}
	rootFetchesInFlight.Inc()
}

// RootFetchFinished marks a root tile fetch as done.
func RootFetchFinished() {
	if rootFetchesInFlight == nil {
		return
	}
	rootFetchesInFlight.Dec()
}
