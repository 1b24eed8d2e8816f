package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/surfwatch/crowd-forecast-service/internal/cache"
	"github.com/surfwatch/crowd-forecast-service/internal/circuitbreaker"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
)

const forecastBody = `{
	"latitude": 33.38, "longitude": -117.59, "utc_offset_seconds": -25200,
	"hourly": {
		"time": [1751612400, 1751616000],
		"temperature_2m": [68.5, null],
		"wind_speed_10m": [3.1, 2.0],
		"wind_direction_10m": [270, 280],
		"weather_code": [0, 3]
	},
	"daily": {
		"time": [1751612400],
		"sunrise": [1751633115],
		"sunset": [1751684530],
		"uv_index_max": [9.35]
	},
	"current": {"time": 1751620000, "interval": 900, "temperature_2m": 70.2, "weather_code": 2}
}`

const marineBody = `{
	"hourly": {
		"time": [1751612400, 1751616000],
		"wave_height": [0.8, 0.9],
		"sea_surface_temperature": [20.1, null],
		"wind_wave_height": [0.2, 0.2],
		"sea_level_height_msl": [0.35, 0.4],
		"swell_wave_height": [0.6, 0.7],
		"swell_wave_direction": [250, 255],
		"swell_wave_period": [11.5, 12.0]
	}
}`

var testSite = models.Site{
	ID:        "1",
	Latitude:  33.38144,
	Longitude: -117.58843,
	TimeZone:  "America/Los_Angeles",
	ModelID:   1,
}

// newTestClient points both feeds at srv and disables backoff sleeps.
func newTestClient(srv *httptest.Server, cfg Config, opts ...Option) *OpenMeteoClient {
	cfg.ForecastURL = srv.URL + "/v1/forecast"
	cfg.MarineURL = srv.URL + "/v1/marine"
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	c := New(cfg, nil, opts...)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

// TestFetchAtmospheric_Success verifies query parameters and parsing of all three blocks.
func TestFetchAtmospheric_Success(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(forecastBody))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{})
	got, err := c.FetchAtmospheric(context.Background(), testSite, "2025-07-04", "2025-07-04")
	if err != nil {
		t.Fatalf("FetchAtmospheric() error = %v", err)
	}

	wantParams := map[string]string{
		"latitude":         "33.38144",
		"longitude":        "-117.58843",
		"timezone":         "America/Los_Angeles",
		"timeformat":       "unixtime",
		"start_date":       "2025-07-04",
		"end_date":         "2025-07-04",
		"wind_speed_unit":  "ms",
		"temperature_unit": "fahrenheit",
		"hourly":           "temperature_2m,wind_speed_10m,wind_direction_10m,weather_code",
		"daily":            "sunrise,sunset,uv_index_max",
		"current":          "temperature_2m,weather_code",
	}
	for k, want := range wantParams {
		if got := query.Get(k); got != want {
			t.Errorf("query %s = %q, want %q", k, got, want)
		}
	}
	if query.Has("apikey") {
		t.Error("apikey should not be sent when unset")
	}

	if len(got.Hourly) != 2 {
		t.Fatalf("len(Hourly) = %d, want 2", len(got.Hourly))
	}
	first := got.Hourly[0]
	if !first.Time.Equal(time.Unix(1751612400, 0)) {
		t.Errorf("Hourly[0].Time = %v", first.Time)
	}
	if first.Temperature == nil || *first.Temperature != 68.5 {
		t.Errorf("Hourly[0].Temperature = %v, want 68.5", first.Temperature)
	}
	if got.Hourly[1].Temperature != nil {
		t.Errorf("Hourly[1].Temperature = %v, want nil for JSON null", *got.Hourly[1].Temperature)
	}
	if got.Hourly[1].WeatherCode == nil || *got.Hourly[1].WeatherCode != 3 {
		t.Errorf("Hourly[1].WeatherCode = %v, want 3", got.Hourly[1].WeatherCode)
	}
	if len(got.Daily) != 1 || got.Daily[0].Sunrise != 1751633115 || got.Daily[0].Sunset != 1751684530 {
		t.Errorf("Daily = %+v", got.Daily)
	}
	if got.Daily[0].UVIndexMax == nil || *got.Daily[0].UVIndexMax != 9.35 {
		t.Errorf("UVIndexMax = %v, want 9.35", got.Daily[0].UVIndexMax)
	}
	if got.CurrentTemperature == nil || *got.CurrentTemperature != 70.2 {
		t.Errorf("CurrentTemperature = %v, want 70.2", got.CurrentTemperature)
	}
	if got.CurrentWeatherCode == nil || *got.CurrentWeatherCode != 2 {
		t.Errorf("CurrentWeatherCode = %v, want 2", got.CurrentWeatherCode)
	}
}

// TestFetchMarine_Success verifies marine columns map onto observation fields.
func TestFetchMarine_Success(t *testing.T) {
	var hourlyParam string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hourlyParam = r.URL.Query().Get("hourly")
		_, _ = w.Write([]byte(marineBody))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{})
	got, err := c.FetchMarine(context.Background(), testSite, "2025-07-04", "2025-07-04")
	if err != nil {
		t.Fatalf("FetchMarine() error = %v", err)
	}
	if !strings.Contains(hourlyParam, "sea_level_height_msl") || !strings.Contains(hourlyParam, "swell_wave_period") {
		t.Errorf("hourly param = %q", hourlyParam)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	row := got[0]
	checks := []struct {
		name string
		got  *float64
		want float64
	}{
		{"WaveHeight", row.WaveHeight, 0.8},
		{"SeaSurfaceTemp", row.SeaSurfaceTemp, 20.1},
		{"WindWaveHeight", row.WindWaveHeight, 0.2},
		{"SeaLevelHeight", row.SeaLevelHeight, 0.35},
		{"SwellHeight", row.SwellHeight, 0.6},
		{"SwellDirection", row.SwellDirection, 250},
		{"SwellPeriod", row.SwellPeriod, 11.5},
	}
	for _, c := range checks {
		if c.got == nil || *c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if got[1].SeaSurfaceTemp != nil {
		t.Error("SeaSurfaceTemp for null should be nil")
	}
	if row.Temperature != nil {
		t.Error("marine rows should not carry atmospheric fields")
	}
}

// TestFetch_ErrorHandling verifies status mapping, retry counts and the ErrUpstreamFetch wrap.
func TestFetch_ErrorHandling(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantErr      error
		wantAttempts int32
		wantReason   string
	}{
		{
			name:         "400 with reason",
			status:       http.StatusBadRequest,
			body:         `{"error":true,"reason":"Parameter 'start_date' is out of allowed range"}`,
			wantErr:      ErrBadRequest,
			wantAttempts: 1,
			wantReason:   "out of allowed range",
		},
		{
			name:         "429 retried to exhaustion",
			status:       http.StatusTooManyRequests,
			wantErr:      ErrRateLimited,
			wantAttempts: 5,
		},
		{
			name:         "503 retried to exhaustion",
			status:       http.StatusServiceUnavailable,
			body:         "down for maintenance",
			wantErr:      ErrUpstreamUnavailable,
			wantAttempts: 5,
			wantReason:   "down for maintenance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(srv, Config{})
			_, err := c.FetchMarine(context.Background(), testSite, "2025-07-04", "2025-07-04")
			if err == nil {
				t.Fatal("FetchMarine() error = nil, want error")
			}
			if !errors.Is(err, ErrUpstreamFetch) {
				t.Errorf("error = %v, want ErrUpstreamFetch", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			if tt.wantReason != "" && !strings.Contains(err.Error(), tt.wantReason) {
				t.Errorf("error = %q, want reason %q", err.Error(), tt.wantReason)
			}
		})
	}
}

// TestFetch_RetryThenSuccess verifies transient failures are retried.
func TestFetch_RetryThenSuccess(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(marineBody))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{})
	got, err := c.FetchMarine(context.Background(), testSite, "2025-07-04", "2025-07-04")
	if err != nil {
		t.Fatalf("FetchMarine() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// TestFetch_RaggedResponseFailsAndIsNotCached verifies a column shorter than time is a
// failure, never a partial table, and nothing is cached.
func TestFetch_RaggedResponseFailsAndIsNotCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"hourly":{"time":[1,2,3],"wave_height":[0.5,0.6],
			"sea_surface_temperature":[1,2,3],"wind_wave_height":[1,2,3],"sea_level_height_msl":[1,2,3],
			"swell_wave_height":[1,2,3],"swell_wave_direction":[1,2,3],"swell_wave_period":[1,2,3]}}`))
	}))
	defer srv.Close()

	mem := cache.NewInMemoryCache()
	c := newTestClient(srv, Config{}, WithCache(mem))
	for i := 0; i < 2; i++ {
		_, err := c.FetchMarine(context.Background(), testSite, "2025-07-04", "2025-07-04")
		if !errors.Is(err, ErrMalformedResponse) || !errors.Is(err, ErrUpstreamFetch) {
			t.Fatalf("call %d error = %v, want malformed upstream fetch", i, err)
		}
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("hits = %d, want 2 (malformed responses are not retried or cached)", hits)
	}
	if mem.Len() != 0 {
		t.Errorf("cache entries = %d, want 0", mem.Len())
	}
}

// TestFetch_MissingColumn verifies an absent requested column is a parse failure.
func TestFetch_MissingColumn(t *testing.T) {
	_, err := parseMarine([]byte(`{"hourly":{"time":[1],"wave_height":[0.5]}}`))
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("parseMarine() error = %v, want ErrMalformedResponse", err)
	}
	_, err = parseAtmospheric([]byte(`not json`))
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("parseAtmospheric() error = %v, want ErrMalformedResponse", err)
	}
}

// TestFetch_CacheServesRepeatRequests verifies a cached response is used in preference to
// the network, even when the upstream has since started failing.
func TestFetch_CacheServesRepeatRequests(t *testing.T) {
	var hits int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(forecastBody))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{CacheTTL: time.Hour}, WithCache(cache.NewInMemoryCache()))
	ctx := context.Background()
	first, err := c.FetchAtmospheric(ctx, testSite, "2025-07-04", "2025-07-05")
	if err != nil {
		t.Fatalf("first FetchAtmospheric() error = %v", err)
	}
	failing.Store(true)
	second, err := c.FetchAtmospheric(ctx, testSite, "2025-07-04", "2025-07-05")
	if err != nil {
		t.Fatalf("second FetchAtmospheric() error = %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("upstream hits = %d, want 1", hits)
	}
	if len(first.Hourly) != len(second.Hourly) {
		t.Errorf("cached result differs: %d vs %d rows", len(first.Hourly), len(second.Hourly))
	}

	// A different date range is a different signature.
	if _, err := c.FetchAtmospheric(ctx, testSite, "2025-07-06", "2025-07-06"); err == nil {
		t.Error("expected uncached range to hit failing upstream")
	}
}

// TestFetch_CoalescesConcurrentRequests verifies concurrent identical requests share one call.
func TestFetch_CoalescesConcurrentRequests(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte(marineBody))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{}, WithCache(cache.NewInMemoryCache()))
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.FetchMarine(context.Background(), testSite, "2025-07-04", "2025-07-04")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("upstream hits = %d, want 1", hits)
	}
}

// TestFetch_APIKeyNotInSignature verifies the key is sent but excluded from the cache key.
func TestFetch_APIKeyNotInSignature(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("apikey")
		_, _ = w.Write([]byte(marineBody))
	}))
	defer srv.Close()

	mem := cache.NewInMemoryCache()
	c := newTestClient(srv, Config{APIKey: "secret-key"}, WithCache(mem))
	if _, err := c.FetchMarine(context.Background(), testSite, "2025-07-04", "2025-07-04"); err != nil {
		t.Fatalf("FetchMarine() error = %v", err)
	}
	if gotKey != "secret-key" {
		t.Errorf("apikey = %q, want secret-key", gotKey)
	}

	params := siteParams(testSite, "2025-07-04", "2025-07-04")
	params.Set("hourly", strings.Join(marineHourly, ","))
	if _, ok, _ := mem.Get(context.Background(), Signature(FeedMarine, c.cfg.MarineURL, params)); !ok {
		t.Error("expected entry under the key-free signature")
	}
}

// TestFetch_ContextCancellation verifies a cancelled caller gets context.Canceled.
func TestFetch_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(marineBody))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchMarine(ctx, testSite, "2025-07-04", "2025-07-04")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if !errors.Is(err, ErrUpstreamFetch) {
		t.Errorf("error = %v, want ErrUpstreamFetch", err)
	}
}

// TestFetch_CorrelationID verifies the request correlation id is forwarded upstream.
func TestFetch_CorrelationID(t *testing.T) {
	var captured string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(marineBody))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{})
	ctx := observability.WithCorrelationID(context.Background(), "corr-123")
	if _, err := c.FetchMarine(ctx, testSite, "2025-07-04", "2025-07-04"); err != nil {
		t.Fatalf("FetchMarine() error = %v", err)
	}
	if captured != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", captured)
	}
}

// TestFetch_CircuitBreakerOpens verifies an open breaker short-circuits upstream calls.
func TestFetch_CircuitBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        BreakerFailureFilter,
	})
	c := newTestClient(srv, Config{RetryAttempts: 2}, WithCircuitBreaker(cb))
	ctx := context.Background()

	if _, err := c.FetchMarine(ctx, testSite, "2025-07-04", "2025-07-04"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("first error = %v, want ErrUpstreamUnavailable", err)
	}
	_, err := c.FetchMarine(ctx, testSite, "2025-07-04", "2025-07-04")
	if !errors.Is(err, circuitbreaker.ErrOpen) || !errors.Is(err, ErrUpstreamFetch) {
		t.Errorf("second error = %v, want open breaker wrapped in ErrUpstreamFetch", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("hits = %d, want 2 (both attempts of the first call only)", hits)
	}
}

// TestProbe verifies that Probe bypasses the cache and reports upstream failures.
func TestProbe(t *testing.T) {
	var hits int32
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Query().Get("forecast_days") != "1" {
			t.Errorf("forecast_days = %q, want 1", r.URL.Query().Get("forecast_days"))
		}
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"current":{"temperature_2m":70.1}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, Config{}, WithCache(cache.NewInMemoryCache()))
	ctx := context.Background()
	if err := c.Probe(ctx, testSite); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if err := c.Probe(ctx, testSite); err != nil {
		t.Fatalf("second Probe() error = %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("hits = %d, want 2 (probes are never cached)", hits)
	}

	fail.Store(true)
	if err := c.Probe(ctx, testSite); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("Probe() error = %v, want ErrUpstreamUnavailable", err)
	}
}

// TestBackoff verifies the exponential schedule, jitter bound and cap.
func TestBackoff(t *testing.T) {
	c := New(Config{RetryFactor: 200 * time.Millisecond, RetryMaxDelay: time.Second}, nil)
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := c.backoff(tt.attempt)
			if got < tt.base || got > tt.base+tt.base/10 {
				t.Errorf("backoff(%d) = %v, want in [%v, %v]", tt.attempt, got, tt.base, tt.base+tt.base/10)
			}
		}
	}
}

// TestIsRetryable verifies which failures are retried.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrRateLimited, true},
		{ErrUpstreamUnavailable, true},
		{ErrBadRequest, false},
		{ErrMalformedResponse, false},
		{context.DeadlineExceeded, true},
		{&url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection reset")}, true},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// TestUpstreamReason verifies reason extraction from Open-Meteo error bodies.
func TestUpstreamReason(t *testing.T) {
	if got := upstreamReason([]byte(`{"error":true,"reason":"Latitude must be in range"}`)); got != "Latitude must be in range" {
		t.Errorf("reason = %q", got)
	}
	if got := upstreamReason([]byte("  plain text  ")); got != "plain text" {
		t.Errorf("reason = %q", got)
	}
	if got := upstreamReason(nil); got != "empty response body" {
		t.Errorf("reason = %q", got)
	}
}
