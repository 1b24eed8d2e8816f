package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/surfwatch/crowd-forecast-service/internal/archive"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/validation"
)

// maxRunsLimit caps the limit query parameter of the run listing.
const maxRunsLimit = 100

// RunArchive reads archived forecast runs.
type RunArchive interface {
	RecentRuns(ctx context.Context, siteID string, limit int) ([]archive.RunSummary, error)
	Predictions(ctx context.Context, runID string) ([]models.CrowdPrediction, error)
}

// WithRunArchive enables the /api/forecast-runs routes.
func WithRunArchive(a RunArchive) Option {
	return func(h *Handler) { h.runs = a }
}

type runDetail struct {
	ID          string                   `json:"id"`
	Predictions []models.CrowdPrediction `json:"predictions"`
}

// ListRuns handles GET /api/forecast-runs?beach_id&limit, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	siteID, err := validation.ValidateSiteID(q.Get("beach_id"), maxSiteIDLength)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	runs, err := h.runs.RecentRuns(r.Context(), siteID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []archive.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/forecast-runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: run id must be a UUID", validation.ErrInvalidInput))
		return
	}
	predictions, err := h.runs.Predictions(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{ID: id, Predictions: predictions})
}

// parseLimit reads an optional positive limit; empty means the archive default.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxRunsLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", validation.ErrInvalidInput, maxRunsLimit)
	}
	return n, nil
}
