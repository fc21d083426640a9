package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sectorwars",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sectorwars",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	travelTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sectorwars",
			Subsystem: "travel",
			Name:      "transitions_total",
			Help:      "Inter-regional travel state transitions.",
		},
		[]string{"status"},
	)
	aiViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sectorwars",
			Subsystem: "ai",
			Name:      "security_violations_total",
			Help:      "AI dialogue security violations by type and threat.",
		},
		[]string{"type", "threat"},
	)
	aiCost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sectorwars",
			Subsystem: "ai",
			Name:      "cost_usd_total",
			Help:      "Accumulated AI provider cost in USD.",
		},
	)
	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sectorwars",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"rule"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, travelTransitions, aiViolations, aiCost, rateLimited)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTravelTransition(status string) {
	Register()
	travelTransitions.WithLabelValues(status).Inc()
}

func RecordAIViolation(kind, threat string) {
	Register()
	aiViolations.WithLabelValues(kind, threat).Inc()
}

func RecordAICost(usd float64) {
	Register()
	if usd > 0 {
		aiCost.Add(usd)
	}
}

func RecordRateLimited(rule string) {
	Register()
	rateLimited.WithLabelValues(rule).Inc()
}
