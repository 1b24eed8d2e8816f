package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that metric label dimensions match usage across
// the client, cache, forecast and http packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses the path template, never the raw path
	HTTPRequestsTotal.WithLabelValues("GET", "/api/crowd/hourly", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/api/crowd/hourly").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("atmospheric", "success").Inc()
	UpstreamCallsTotal.WithLabelValues("marine", "error").Inc()
	UpstreamDuration.WithLabelValues("marine", "success").Observe(0.1)
	UpstreamRetriesTotal.WithLabelValues("atmospheric").Inc()
	UpstreamErrorsTotal.WithLabelValues("marine", "timeout").Inc()
	CacheHitsTotal.WithLabelValues("atmospheric").Inc()
	CacheMissesTotal.WithLabelValues("marine").Inc()
	CacheErrorsTotal.WithLabelValues("get").Inc()
	PredictionsTotal.Inc()
	CrowdednessValues.Observe(42)
	ScoringDuration.Observe(0.0001)
	ArchiveWritesTotal.WithLabelValues("success").Inc()
	RecordCircuitBreakerTransition("open-meteo", "closed", "open", 1)
}

// TestSiteLabel_AllowList verifies that tracked sites keep their own label and
// everything else collapses to "other".
func TestSiteLabel_AllowList(t *testing.T) {
	SetTrackedSites([]string{"1", " Trestles "})
	defer SetTrackedSites(nil)

	tests := []struct {
		in   string
		want string
	}{
		{"1", "1"},
		{"trestles", "trestles"},
		{"TRESTLES", "trestles"},
		{"99", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := SiteLabel(tt.in); got != tt.want {
			t.Errorf("SiteLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	RecordForecastRequest("1", "hourly")
	RecordForecastRequest("unknown", "daily")
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
	if !strings.Contains(body, "predictionsTotal") {
		t.Error("MetricsHandler response should contain predictionsTotal")
	}
}
