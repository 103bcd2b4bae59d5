package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_requests_total",
		Help: "Inbound requests by route and final status code.",
	}, []string{"route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airelay_request_duration_seconds",
		Help:    "End-to-end request latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"route"})

	upstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_upstream_attempts_total",
		Help: "Upstream attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	dispatchRetries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "airelay_dispatch_attempts",
		Help:    "Attempts used per dispatched request.",
		Buckets: prometheus.LinearBuckets(1, 1, 15),
	})

	accountsAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airelay_accounts_available",
		Help: "Accounts currently passing the availability gate.",
	}, []string{"provider"})

	logQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airelay_log_queue_depth",
		Help: "Items waiting in the request-log queue.",
	})

	aggregatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airelay_aggregator_runs_total",
		Help: "Hourly aggregator passes by result.",
	}, []string{"result"})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airelay_active_streams",
		Help: "SSE streams currently open to clients.",
	})
)

func RecordRequest(route string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func RecordUpstreamAttempt(provider, outcome string) {
	upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}

func RecordDispatchAttempts(attempts int) {
	dispatchRetries.Observe(float64(attempts))
}

func SetAccountsAvailable(provider string, n int) {
	accountsAvailable.WithLabelValues(provider).Set(float64(n))
}

func SetLogQueueDepth(n int) {
	logQueueDepth.Set(float64(n))
}

func RecordAggregatorRun(result string) {
	aggregatorRuns.WithLabelValues(result).Inc()
}

func StreamOpened() {
	activeStreams.Inc()
}

func StreamClosed() {
	activeStreams.Dec()
}
