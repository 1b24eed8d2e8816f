package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95 growth on /api/crowd/* (upstream or scoring slowdown).
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Open-Meteo call rate per feed (atmospheric, marine). Watch for: error vs success ratio.
	UpstreamCallsTotal *prometheus.CounterVec

	// Open-Meteo latency per feed. Watch for: p99 approaching the upstream timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts per feed. Watch for: sustained retries = unstable upstream.
	UpstreamRetriesTotal *prometheus.CounterVec

	// Failed fetches (after retries) per feed and error category.
	UpstreamErrorsTotal *prometheus.CounterVec

	// Response cache hits and misses per feed.
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Response cache backend errors per operation (get, set).
	CacheErrorsTotal *prometheus.CounterVec

	// Circuit breaker state (0 closed, 1 open, 2 half-open) and transitions.
	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Forecast requests per site (allow-list; others go to "other") and kind (hourly, daily, snapshot).
	ForecastRequestsTotal *prometheus.CounterVec

	// Hourly predictions produced and their distribution.
	PredictionsTotal   prometheus.Counter
	CrowdednessValues  prometheus.Histogram
	ScoringDuration    prometheus.Histogram
	NegativeClampTotal prometheus.Counter

	// Joined rows dropped because a required field was missing.
	AlignmentDroppedRowsTotal prometheus.Counter

	// Scheduled cache warming.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Forecast archive writes by status (success, error).
	ArchiveWritesTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	trackedSitesMu sync.RWMutex
	trackedSites   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of Open-Meteo HTTP calls",
		},
		[]string{"feed", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Open-Meteo latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"feed", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts for Open-Meteo calls",
		},
		[]string{"feed"},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Open-Meteo fetches that failed after retries, by error category",
		},
		[]string{"feed", "category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of response cache hits",
		},
		[]string{"feed"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of response cache misses",
		},
		[]string{"feed"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Response cache backend errors by operation",
		},
		[]string{"operation"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ForecastRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastRequestsTotal",
			Help: "Forecast requests by site (allow-list; others use site=other) and kind",
		},
		[]string{"site", "kind"},
	)
	PredictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "predictionsTotal",
			Help: "Total number of hourly crowdedness predictions produced",
		},
	)
	CrowdednessValues = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crowdednessPredicted",
			Help:    "Distribution of predicted crowdedness values",
			Buckets: []float64{0, 5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
	ScoringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scoringDurationSeconds",
			Help:    "Latency of one model evaluation",
			Buckets: []float64{.00001, .0001, .001, .01, .1, .5, 1},
		},
	)
	NegativeClampTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "negativePredictionsClampedTotal",
			Help: "Model outputs below zero that were clamped to zero",
		},
	)
	AlignmentDroppedRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alignmentDroppedRowsTotal",
			Help: "Joined hourly rows dropped for missing sea temperature, wave height or wind speed",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed site",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of cache warming runs",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	ArchiveWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiveWritesTotal",
			Help: "Forecast runs written to the archive by status",
		},
		[]string{"status"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal, UpstreamErrorsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ForecastRequestsTotal, PredictionsTotal, CrowdednessValues, ScoringDuration, NegativeClampTotal,
		AlignmentDroppedRowsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		ArchiveWritesTotal,
		RateLimitDeniedTotal,
	)
}

// SetTrackedSites sets the allow-list for the site metric label. Other sites are recorded as "other".
func SetTrackedSites(ids []string) {
	trackedSitesMu.Lock()
	defer trackedSitesMu.Unlock()
	trackedSites = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trackedSites[normalizeSiteLabel(id)] = struct{}{}
	}
}

// SiteLabel returns the metric label for a site id.
func SiteLabel(id string) string {
	id = normalizeSiteLabel(id)
	trackedSitesMu.RLock()
	_, ok := trackedSites[id]
	trackedSitesMu.RUnlock()
	if ok {
		return id
	}
	return "other"
}

// RecordForecastRequest counts a forecast request of the given kind for a site.
func RecordForecastRequest(siteID, kind string) {
	ForecastRequestsTotal.WithLabelValues(SiteLabel(siteID), kind).Inc()
}

// RecordCircuitBreakerTransition records a breaker transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

func normalizeSiteLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
