package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// HTTPScorer delegates scoring to a remote model server.
type HTTPScorer struct {
	url        string
	width      int
	httpClient *http.Client
}

type scoreRequest struct {
	Features map[string]float64 `json:"features"`
	Order    []string           `json:"order"`
}

type scoreResponse struct {
	Prediction *float64 `json:"prediction"`
}

// NewHTTPScorer creates a scorer posting to url. width is the expected vector length; 0 skips the check.
func NewHTTPScorer(url string, width int, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{
		url:        url,
		width:      width,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, v models.FeatureVector) (float64, error) {
	if s.width > 0 {
		if err := checkWidth(v, s.width); err != nil {
			return 0, err
		}
	}
	req := scoreRequest{Features: make(map[string]float64, len(v.Names)), Order: v.Names}
	for i, name := range v.Names {
		req.Features[name] = v.Values[i]
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("model server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}
	if out.Prediction == nil {
		return 0, fmt.Errorf("score response has no prediction")
	}
	return *out.Prediction, nil
}
