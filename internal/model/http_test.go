package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfwatch/crowd-forecast-service/internal/features"
)

// TestHTTPScorer_Score verifies the request payload and the decoded prediction.
func TestHTTPScorer_Score(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"prediction": 41.5}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, 2, time.Second)
	pred, err := s.Score(context.Background(), vec(3, 4))
	require.NoError(t, err)
	assert.Equal(t, 41.5, pred)
	assert.Equal(t, []string{"a", "b"}, got.Order)
	assert.Equal(t, map[string]float64{"a": 3, "b": 4}, got.Features)
}

// TestHTTPScorer_Errors verifies non-200 responses, bad bodies and width checks.
func TestHTTPScorer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"invalid json", http.StatusOK, "nope"},
		{"missing prediction", http.StatusOK, `{"score": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPScorer(srv.URL, 0, time.Second).Score(context.Background(), vec(1, 2))
			assert.Error(t, err)
		})
	}

	_, err := NewHTTPScorer("http://127.0.0.1:0", 3, time.Second).Score(context.Background(), vec(1, 2))
	assert.ErrorIs(t, err, features.ErrFeatureContractMismatch)
}

// TestHTTPScorer_NoContractCheck verifies remote scorers skip the startup contract check.
func TestHTTPScorer_NoContractCheck(t *testing.T) {
	c, err := features.NewContract([]string{"x"})
	require.NoError(t, err)
	assert.NoError(t, Verify(NewHTTPScorer("http://localhost", 0, 0), c))
}
