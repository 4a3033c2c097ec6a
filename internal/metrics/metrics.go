package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// resolutionsTotal counts finished resolutions.
	//
	// Labels:
	//   - source: exact, cache, partial, words, ai, webscrape, fallback
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pricelens",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total resolutions by terminal source.",
		},
		[]string{"source"},
	)

	// tierFailuresTotal counts soft failures at a tier boundary.
	//
	// Labels:
	//   - tier: semantic, webfetch, store, cache
	//   - kind: transport, rate_limit, quota, malformed
	tierFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pricelens",
			Subsystem: "resolver",
			Name:      "tier_failures_total",
			Help:      "Soft failures by tier and kind.",
		},
		[]string{"tier", "kind"},
	)

	upstreamCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pricelens",
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of language-model and web-search calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service", "status"},
	)
)

// RecordResolution counts a finished resolution
func RecordResolution(source string) {
	resolutionsTotal.WithLabelValues(source).Inc()
}

// RecordTierFailure counts a soft failure
func RecordTierFailure(tier, kind string) {
	tierFailuresTotal.WithLabelValues(tier, kind).Inc()
}

// RecordUpstreamCall observes one upstream call
func RecordUpstreamCall(service string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	upstreamCallDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}
