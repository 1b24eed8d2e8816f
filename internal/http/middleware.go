package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/surfwatch/crowd-forecast-service/internal/observability"
	"github.com/surfwatch/crowd-forecast-service/internal/traffic"
)

// CorrelationIDMiddleware propagates X-Correlation-ID (generating one when absent) and
// stores a request-scoped logger carrying it.
func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}
			w.Header().Set("X-Correlation-ID", corrID)

			ctx := observability.WithCorrelationID(r.Context(), corrID)
			ctx = observability.WithLogger(ctx, logger.With(zap.String("correlation_id", corrID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware records request count, latency and in-flight gauge by route template.
// inflight, when non-nil, is used by graceful shutdown to drain requests.
func MetricsMiddleware(inflight *InFlightTracker) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			observability.HTTPRequestsInFlight.Inc()
			defer observability.HTTPRequestsInFlight.Dec()
			if inflight != nil {
				inflight.Increment()
				defer inflight.Decrement()
			}

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			route := getRoute(r)
			observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCodeString(recorder.statusCode)).Inc()
			observability.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// getRoute returns the matched route template so query strings and ids never become labels.
func getRoute(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func statusCodeString(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// TimeoutMiddleware sets a deadline on the request context. Apply to routes that call upstream.
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware returns 429 when the token bucket is exhausted and records the
// denial in tracker. Disabled when limiter is nil.
func RateLimitMiddleware(limiter *rate.Limiter, tracker *traffic.Tracker) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				observability.LoggerFromContext(r.Context()).Debug("rate limit denied")
				if tracker != nil {
					tracker.RecordDenied()
				}
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RouterConfig wires the middleware chain.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter
	Tracker        *traffic.Tracker
	InFlight       *InFlightTracker
	RequestTimeout time.Duration
	Metrics        http.Handler
}

// NewRouter registers the API, health and metrics routes. Rate limiting and the request
// timeout apply to /api routes only. Forecast run routes exist only with a run archive.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(cfg.InFlight))

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/crowd/hourly", h.GetHourly).Methods(http.MethodGet)
	api.HandleFunc("/crowd/daily", h.GetDaily).Methods(http.MethodGet)
	api.HandleFunc("/environmental-summary", h.GetEnvironmentalSummary).Methods(http.MethodGet)
	api.HandleFunc("/environmental-conditions", h.GetEnvironmentalConditions).Methods(http.MethodGet)
	if h.runs != nil {
		api.HandleFunc("/forecast-runs", h.ListRuns).Methods(http.MethodGet)
		api.HandleFunc("/forecast-runs/{id}", h.GetRun).Methods(http.MethodGet)
	}

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	return router
}
