package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttempts counts HTTP attempts per host and result (ok, retry, error).
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftcodes_fetch_attempts_total",
			Help: "HTTP fetch attempts by host and result",
		},
		[]string{"host", "result"},
	)

	// FetchDuration tracks the latency of complete fetches including retries.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "shiftcodes_fetch_duration_seconds",
			Help: "Duration of fetches including retries in seconds",
			Buckets: []float64{
				0.05, // 50ms
				0.1,  // 100ms
				0.25, // 250ms
				0.5,  // 500ms
				1.0,  // 1s
				2.5,  // 2.5s
				5.0,  // 5s
				15.0, // 15s
				30.0, // 30s
				60.0, // 1m
			},
		},
		[]string{"host", "status"},
	)

	// ExtractorOutcomes counts extraction results per source and outcome.
	ExtractorOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftcodes_extractor_outcomes_total",
			Help: "Extraction outcomes by source",
		},
		[]string{"source", "outcome"},
	)

	// BreakerOpen is 1 while the circuit for a source is open.
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shiftcodes_breaker_open",
			Help: "Whether the circuit breaker for a source is open",
		},
		[]string{"source"},
	)

	// CycleDuration tracks the latency of refresh cycles.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shiftcodes_cycle_duration_seconds",
			Help:    "Duration of refresh cycles in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// CodesUpserted counts upserts split by whether the code was new.
	CodesUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftcodes_upserts_total",
			Help: "Code upserts by result",
		},
		[]string{"result"}, // new, seen, error
	)

	// ActiveCodes is the size of the active code cache after the last cycle.
	ActiveCodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiftcodes_active_codes",
			Help: "Number of active codes in the cache",
		},
	)

	// NotificationsSent counts channel deliveries by status.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiftcodes_notifications_total",
			Help: "Notification deliveries by status",
		},
		[]string{"status"},
	)
)

// RecordFetch records a finished fetch for host.
func RecordFetch(host, status string, seconds float64) {
	FetchDuration.WithLabelValues(host, status).Observe(seconds)
}

// SetBreakerOpen flips the breaker gauge for source.
func SetBreakerOpen(source string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	BreakerOpen.WithLabelValues(source).Set(v)
}
