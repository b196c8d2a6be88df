package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "predictions"

var (
	// HTTPRequests counts requests by route pattern, method and status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes request latency by route pattern
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	// PredictDuration observes oracle latency, including re-derivation on update
	PredictDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "predict_duration_seconds",
		Help:      "Time spent in the model oracle per prediction.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	// Predictions counts oracle calls by outcome
	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_predictions_total",
		Help:      "Oracle predictions by outcome.",
	}, []string{"outcome"})

	// StoreErrors counts storage failures by operation
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Storage errors by operation.",
	}, []string{"op"})

	// LogEvents counts warnings and errors before sampling drops any
	LogEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_events_total",
		Help:      "Warn and error log calls, counted before sampling.",
	}, []string{"level"})

	// SlowRequests counts requests slower than the configured threshold
	SlowRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_requests_total",
		Help:      "Requests exceeding the slow request threshold.",
	})
)

// ObserveRequest records one finished HTTP request
func ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// ObservePrediction records one oracle call
func ObservePrediction(elapsed time.Duration, err error) {
	PredictDuration.Observe(elapsed.Seconds())
	if err != nil {
		Predictions.WithLabelValues("error").Inc()
		return
	}
	Predictions.WithLabelValues("ok").Inc()
}

// StoreError records one storage failure
func StoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}
