// Package metrics registers and records Prometheus metrics for the
// randomness lab: test outcomes and p-values, sample collection per source,
// task lifecycle, continuous health tests, min-entropy estimates, the HTTP
// API and the MQTT sample feed.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for TestsRun.
const (
	OutcomePass  = "pass"
	OutcomeFail  = "fail"
	OutcomeError = "error"
)

var (
	TestsRun                 *prometheus.CounterVec
	TestPValue               *prometheus.HistogramVec
	TestDuration             *prometheus.HistogramVec
	SamplesCollected         *prometheus.CounterVec
	SourceErrors             *prometheus.CounterVec
	SequenceBits             prometheus.Histogram
	TasksActive              prometheus.Gauge
	TasksFinished            *prometheus.CounterVec
	ContinuousHealthFailures *prometheus.CounterVec
	MinEntropyEstimate       *prometheus.HistogramVec
	HTTPRequests             *prometheus.CounterVec
	HTTPLatency              *prometheus.HistogramVec
	HTTPRateLimited          prometheus.Counter
	MQTTConnected            prometheus.Gauge
	MQTTConnectionEvents     *prometheus.CounterVec
	MQTTMessages             *prometheus.CounterVec
	GRPCHealthServing        prometheus.Gauge

	metricsMu         sync.RWMutex
	currentRegisterer prometheus.Registerer = prometheus.DefaultRegisterer
	registered        []prometheus.Collector
)

func init() {
	resetMetrics(prometheus.DefaultRegisterer)
}

// SetRegisterer moves every metric to registerer and returns the previous
// one so that it can be restored. It is intended for tests that need an
// isolated registry.
func SetRegisterer(registerer prometheus.Registerer) prometheus.Registerer {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	previous := currentRegisterer
	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}
	currentRegisterer = registerer
	initializeMetrics(registerer)
	return previous
}

// ResetForTesting re-creates all collectors against registerer.
func ResetForTesting(registerer prometheus.Registerer) {
	resetMetrics(registerer)
}

func resetMetrics(registerer prometheus.Registerer) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}
	currentRegisterer = registerer
	initializeMetrics(registerer)
}

// initializeMetrics must be called while holding metricsMu.
func initializeMetrics(registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	TestsRun = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "randomness_tests_total",
			Help: "Randomness test invocations by test and outcome (pass, fail, error)",
		},
		[]string{"test", "outcome"},
	)

	TestPValue = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "randomness_test_p_value",
			Help:    "Distribution of p-values per test (uniform for a good source)",
			Buckets: prometheus.LinearBuckets(0.05, 0.05, 20),
		},
		[]string{"test"},
	)

	TestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "randomness_test_duration_seconds",
			Help:    "Time spent computing a single test",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"test"},
	)

	SamplesCollected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_samples_collected_total",
			Help: "Samples drawn from each source",
		},
		[]string{"source"},
	)

	SourceErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_errors_total",
			Help: "Sample generation errors per source",
		},
		[]string{"source"},
	)

	SequenceBits = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequence_bits",
			Help:    "Length in bits of the sequences handed to the test engine",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	TasksActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_active",
			Help: "Number of test tasks currently running",
		},
	)

	TasksFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_finished_total",
			Help: "Finished test tasks by final state (completed, stopped, failed)",
		},
		[]string{"state"},
	)

	ContinuousHealthFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuous_health_failures_total",
			Help: "Continuous health test failures during sample collection (rct, apt)",
		},
		[]string{"test"},
	)

	MinEntropyEstimate = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "min_entropy_bits_per_byte",
			Help:    "Min-entropy estimates of analysed sequences by method (mcv, collision)",
			Buckets: prometheus.LinearBuckets(0, 0.5, 17),
		},
		[]string{"method"},
	)

	HTTPRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	HTTPRateLimited = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "api_http_rate_limited_total",
			Help: "HTTP API requests rejected by the rate limiter",
		},
	)

	MQTTConnected = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt_connected",
			Help: "MQTT sample feed connection status (1 = connected)",
		},
	)

	MQTTConnectionEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_connection_events_total",
			Help: "MQTT connection lifecycle events (connect, reconnect, disconnect)",
		},
		[]string{"event"},
	)

	MQTTMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_total",
			Help: "Inbound MQTT messages by outcome (accepted, parse_error, invalid, buffer_full, meta)",
		},
		[]string{"outcome"},
	)

	GRPCHealthServing = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "grpc_health_serving",
			Help: "gRPC health status reported to clients (1 = SERVING)",
		},
	)

	registered = []prometheus.Collector{
		TestsRun, TestPValue, TestDuration,
		SamplesCollected, SourceErrors, SequenceBits,
		TasksActive, TasksFinished,
		ContinuousHealthFailures, MinEntropyEstimate,
		HTTPRequests, HTTPLatency, HTTPRateLimited,
		MQTTConnected, MQTTConnectionEvents, MQTTMessages,
		GRPCHealthServing,
	}
}

// unregisterAll must be called while holding metricsMu.
func unregisterAll(registerer prometheus.Registerer) {
	for _, collector := range registered {
		if collector != nil {
			registerer.Unregister(collector)
		}
	}
	registered = nil
}

// RecordTest records one test invocation. pValue is observed only when
// defined; failed invocations are counted under OutcomeError.
func RecordTest(test string, passed, failed bool, pValue float64, pDefined bool, duration time.Duration) {
	outcome := OutcomeFail
	switch {
	case failed:
		outcome = OutcomeError
	case passed:
		outcome = OutcomePass
	}
	TestsRun.WithLabelValues(test, outcome).Inc()

	if pDefined && !failed {
		TestPValue.WithLabelValues(test).Observe(clamp(pValue, 0, 1))
	}
	if duration < 0 {
		duration = 0
	}
	TestDuration.WithLabelValues(test).Observe(duration.Seconds())
}

// RecordSample counts one sample drawn from source.
func RecordSample(source string) {
	SamplesCollected.WithLabelValues(source).Inc()
}

// RecordSourceError counts one failed draw from source.
func RecordSourceError(source string) {
	SourceErrors.WithLabelValues(source).Inc()
}

// RecordSequenceBits observes the length of an assembled sequence.
func RecordSequenceBits(bits int) {
	if bits < 0 {
		bits = 0
	}
	SequenceBits.Observe(float64(bits))
}

// TaskStarted increments the active task gauge.
func TaskStarted() {
	TasksActive.Inc()
}

// TaskFinished decrements the active task gauge and counts the final state.
func TaskFinished(state string) {
	TasksActive.Dec()
	TasksFinished.WithLabelValues(state).Inc()
}

// RecordContinuousRCTFailure counts a repetition count test failure.
func RecordContinuousRCTFailure() {
	ContinuousHealthFailures.WithLabelValues("rct").Inc()
}

// RecordContinuousAPTFailure counts an adaptive proportion test failure.
func RecordContinuousAPTFailure() {
	ContinuousHealthFailures.WithLabelValues("apt").Inc()
}

// RecordMinEntropy observes the MCV and collision estimates, clamped to
// [0, 8] bits per byte.
func RecordMinEntropy(mcv, collision float64) {
	MinEntropyEstimate.WithLabelValues("mcv").Observe(clamp(mcv, 0, 8))
	MinEntropyEstimate.WithLabelValues("collision").Observe(clamp(collision, 0, 8))
}

// RecordHTTPRequest tracks latency and status code for an API route.
func RecordHTTPRequest(route string, code int, duration time.Duration) {
	label := strconv.Itoa(code)
	if code <= 0 {
		label = "0"
	}
	if duration < 0 {
		duration = 0
	}
	HTTPRequests.WithLabelValues(route, label).Inc()
	HTTPLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordHTTPRateLimited counts a rate-limited API request.
func RecordHTTPRateLimited() {
	HTTPRateLimited.Inc()
}

// SetMQTTConnected sets the MQTT connection status.
func SetMQTTConnected(connected bool) {
	MQTTConnected.Set(boolValue(connected))
}

// RecordMQTTConnect tracks a successful initial MQTT connection.
func RecordMQTTConnect() {
	MQTTConnectionEvents.WithLabelValues("connect").Inc()
}

// RecordMQTTReconnect tracks a reconnection after a lost connection.
func RecordMQTTReconnect() {
	MQTTConnectionEvents.WithLabelValues("reconnect").Inc()
}

// RecordMQTTDisconnect tracks expected and unexpected disconnects.
func RecordMQTTDisconnect() {
	MQTTConnectionEvents.WithLabelValues("disconnect").Inc()
}

// RecordMQTTMessage counts an inbound MQTT message by outcome.
func RecordMQTTMessage(outcome string) {
	MQTTMessages.WithLabelValues(outcome).Inc()
}

// SetGRPCHealthServing publishes the gRPC health status.
func SetGRPCHealthServing(serving bool) {
	GRPCHealthServing.Set(boolValue(serving))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
