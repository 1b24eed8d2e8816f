package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/surfwatch/crowd-forecast-service/internal/archive"
	"github.com/surfwatch/crowd-forecast-service/internal/client"
	"github.com/surfwatch/crowd-forecast-service/internal/forecast"
	"github.com/surfwatch/crowd-forecast-service/internal/lifecycle"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
	"github.com/surfwatch/crowd-forecast-service/internal/sites"
	"github.com/surfwatch/crowd-forecast-service/internal/validation"
)

// maxSiteIDLength bounds site ids accepted from query strings.
const maxSiteIDLength = 64

// ForecastService produces hourly crowd predictions for a site.
type ForecastService interface {
	GenerateHourlyForecast(ctx context.Context, siteID, startDate, endDate string) ([]models.CrowdPrediction, error)
}

// SnapshotService produces environmental snapshots for a site.
type SnapshotService interface {
	Snapshot(ctx context.Context, siteID string, start, end time.Time) (models.EnvironmentalSnapshot, error)
	TodaySummaryWindow(now time.Time) (time.Time, time.Time)
}

// CheckFunc reports whether a dependency is reachable. Used by /health.
type CheckFunc func(ctx context.Context) error

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts   ForecastService
	environment SnapshotService
	monitor     *lifecycle.Monitor
	logger      *zap.Logger
	checks      map[string]CheckFunc
	runs        RunArchive
	version     string
	now         func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check CheckFunc) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// NewHandler returns a new Handler.
func NewHandler(
	forecasts ForecastService,
	environment SnapshotService,
	monitor *lifecycle.Monitor,
	logger *zap.Logger,
	opts ...Option,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if monitor == nil {
		monitor = lifecycle.NewMonitor(lifecycle.HealthConfig{}, nil, logger)
	}
	h := &Handler{
		forecasts:   forecasts,
		environment: environment,
		monitor:     monitor,
		logger:      logger,
		checks:      make(map[string]CheckFunc),
		version:     "dev",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type hourlyEntry struct {
	Date  string  `json:"date"`
	Time  string  `json:"time"`
	Value float64 `json:"value"`
}

type dailyEntry struct {
	Date     string   `json:"date"`
	Mean     *float64 `json:"mean"`
	Median   *float64 `json:"median"`
	Value    float64  `json:"value"`
	PeakTime string   `json:"peak_time"`
	LowTime  *string  `json:"low_time"`
}

// GetHourly handles GET /api/crowd/hourly?beach_index&start_date&end_date.
func (h *Handler) GetHourly(w http.ResponseWriter, r *http.Request) {
	predictions, siteID, ok := h.forecast(w, r)
	if !ok {
		return
	}
	observability.RecordForecastRequest(siteID, "hourly")
	out := make([]hourlyEntry, len(predictions))
	for i, p := range predictions {
		out[i] = hourlyEntry{
			Date:  p.Timestamp.Format(time.DateOnly),
			Time:  forecast.HourLabel(p.Timestamp.Hour()),
			Value: math.Round(p.Crowdedness),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDaily handles GET /api/crowd/daily?beach_index&start_date&end_date.
func (h *Handler) GetDaily(w http.ResponseWriter, r *http.Request) {
	predictions, siteID, ok := h.forecast(w, r)
	if !ok {
		return
	}
	observability.RecordForecastRequest(siteID, "daily")
	summaries := forecast.Summarize(predictions)
	out := make([]dailyEntry, len(summaries))
	for i, s := range summaries {
		e := dailyEntry{
			Date:     s.Date,
			Mean:     s.Mean,
			Median:   s.Median,
			Value:    math.Round(s.Peak),
			PeakTime: forecast.HourLabel(s.PeakHour),
		}
		if s.LowHour != nil {
			label := forecast.HourLabel(*s.LowHour)
			e.LowTime = &label
		}
		out[i] = e
	}
	writeJSON(w, http.StatusOK, out)
}

// forecast runs the engine for the request's site and date range. On failure it has
// already written the error response.
func (h *Handler) forecast(w http.ResponseWriter, r *http.Request) ([]models.CrowdPrediction, string, bool) {
	q := r.URL.Query()
	siteID, err := validation.ValidateSiteID(q.Get("beach_index"), maxSiteIDLength)
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, "", false
	}
	predictions, err := h.forecasts.GenerateHourlyForecast(r.Context(), siteID, q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, siteID, false
	}
	h.monitor.Tracker().RecordSuccess()
	return predictions, siteID, true
}

// GetEnvironmentalSummary handles GET /api/environmental-summary?beach_id.
// The window is today 05:00 to 20:00 in the display zone.
func (h *Handler) GetEnvironmentalSummary(w http.ResponseWriter, r *http.Request) {
	siteID, err := validation.ValidateSiteID(r.URL.Query().Get("beach_id"), maxSiteIDLength)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	start, end := h.environment.TodaySummaryWindow(h.now())
	snap, err := h.environment.Snapshot(r.Context(), siteID, start, end)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.monitor.Tracker().RecordSuccess()
	observability.RecordForecastRequest(siteID, "summary")
	writeJSON(w, http.StatusOK, snap)
}

// GetEnvironmentalConditions handles GET /api/environmental-conditions?beach_id&start&end.
func (h *Handler) GetEnvironmentalConditions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	siteID, err := validation.ValidateSiteID(q.Get("beach_id"), maxSiteIDLength)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	start, err := validation.ParseInstant(q.Get("start"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	end, err := validation.ParseInstant(q.Get("end"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	snap, err := h.environment.Snapshot(r.Context(), siteID, start, end)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.monitor.Tracker().RecordSuccess()
	observability.RecordForecastRequest(siteID, "conditions")
	writeJSON(w, http.StatusOK, snap.Conditions())
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.monitor.Evaluate()

	checks := make(map[string]string, len(h.checks)+1)
	if result.Status == lifecycle.StatusDegraded {
		checks["upstream"] = "unhealthy"
	} else {
		checks["upstream"] = "healthy"
	}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			checks[name] = "unhealthy"
			observability.LoggerFromContext(r.Context()).Debug("health check failed",
				zap.String("check", name), zap.Error(err))
			continue
		}
		checks[name] = "healthy"
	}

	writeJSON(w, result.HTTPStatus, map[string]interface{}{
		"status":    result.Status,
		"service":   observability.ServiceName,
		"version":   h.version,
		"checks":    checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code","message","requestId"}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps domain errors to responses. Caller mistakes do not count
// toward the error rate; upstream and internal failures do.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, validation.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, sites.ErrUnknownSite):
		writeError(w, r, http.StatusNotFound, "UNKNOWN_SITE", err.Error())
	case errors.Is(err, archive.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, "RUN_NOT_FOUND", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		// Upstream fetches cut short by the request deadline wrap both errors.
		h.monitor.Tracker().RecordError()
		logger.Warn("request timed out", zap.Error(err))
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	case errors.Is(err, client.ErrUpstreamFetch):
		h.monitor.Tracker().RecordError()
		logger.Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch forecast data")
	default:
		h.monitor.Tracker().RecordError()
		logger.Error("request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
