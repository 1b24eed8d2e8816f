//go:build integration
// +build integration

package client

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestOpenMeteo_Integration fetches one day of both feeds from the live API.
func TestOpenMeteo_Integration(t *testing.T) {
	if os.Getenv("OPEN_METEO_INTEGRATION") == "" {
		t.Skip("OPEN_METEO_INTEGRATION not set, skipping live API test")
	}

	c := New(Config{APIKey: os.Getenv("OPEN_METEO_API_KEY"), Timeout: 10 * time.Second}, nil)
	ctx := context.Background()
	day := time.Now().In(time.FixedZone("UTC-7", -7*3600)).Format(time.DateOnly)

	atmo, err := c.FetchAtmospheric(ctx, testSite, day, day)
	if err != nil {
		t.Fatalf("FetchAtmospheric() error = %v", err)
	}
	if len(atmo.Hourly) != 24 {
		t.Errorf("hourly rows = %d, want 24", len(atmo.Hourly))
	}
	if len(atmo.Daily) != 1 {
		t.Errorf("daily rows = %d, want 1", len(atmo.Daily))
	}

	marine, err := c.FetchMarine(ctx, testSite, day, day)
	if err != nil {
		t.Fatalf("FetchMarine() error = %v", err)
	}
	if len(marine) != 24 {
		t.Errorf("marine rows = %d, want 24", len(marine))
	}
}
