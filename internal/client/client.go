package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/surfwatch/crowd-forecast-service/internal/cache"
	"github.com/surfwatch/crowd-forecast-service/internal/circuitbreaker"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
)

var (
	// ErrUpstreamFetch wraps every failure returned by FetchAtmospheric and FetchMarine.
	ErrUpstreamFetch = errors.New("upstream fetch failed")

	ErrBadRequest          = errors.New("upstream rejected request")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrMalformedResponse   = errors.New("malformed upstream response")
)

// Feed names one upstream dataset. Used as the metric label.
type Feed string

const (
	FeedAtmospheric Feed = "atmospheric"
	FeedMarine      Feed = "marine"
)

const (
	DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"
	DefaultMarineURL   = "https://marine-api.open-meteo.com/v1/marine"
)

var (
	atmosphericHourly = []string{"temperature_2m", "wind_speed_10m", "wind_direction_10m", "weather_code"}
	atmosphericDaily  = []string{"sunrise", "sunset", "uv_index_max"}
	atmosphericNow    = []string{"temperature_2m", "weather_code"}
	marineHourly      = []string{
		"wave_height", "sea_surface_temperature", "wind_wave_height",
		"sea_level_height_msl", "swell_wave_height", "swell_wave_direction", "swell_wave_period",
	}
)

// Config holds upstream endpoints and the retry/cache policy.
type Config struct {
	ForecastURL   string
	MarineURL     string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
	RetryFactor   time.Duration
	RetryMaxDelay time.Duration
	CacheTTL      time.Duration
}

func (c *Config) applyDefaults() {
	if c.ForecastURL == "" {
		c.ForecastURL = DefaultForecastURL
	}
	if c.MarineURL == "" {
		c.MarineURL = DefaultMarineURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryFactor <= 0 {
		c.RetryFactor = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
}

// OpenMeteoClient fetches hourly atmospheric and marine forecasts from Open-Meteo.
// Responses are cached by request signature and identical in-flight requests share one call.
type OpenMeteoClient struct {
	cfg     Config
	http    *http.Client
	cache   cache.Cache
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	group   singleflight.Group
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes an OpenMeteoClient.
type Option func(*OpenMeteoClient)

// WithCache enables the response cache.
func WithCache(c cache.Cache) Option {
	return func(cl *OpenMeteoClient) { cl.cache = c }
}

// WithCircuitBreaker guards upstream calls with cb.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(cl *OpenMeteoClient) { cl.breaker = cb }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(cl *OpenMeteoClient) { cl.http = hc }
}

// New creates an OpenMeteoClient. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger, opts ...Option) *OpenMeteoClient {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &OpenMeteoClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAtmospheric returns hourly weather, daily astronomy and current conditions for the
// site's local days startDate..endDate (YYYY-MM-DD, inclusive).
func (c *OpenMeteoClient) FetchAtmospheric(ctx context.Context, site models.Site, startDate, endDate string) (models.AtmosphericData, error) {
	params := siteParams(site, startDate, endDate)
	params.Set("hourly", strings.Join(atmosphericHourly, ","))
	params.Set("daily", strings.Join(atmosphericDaily, ","))
	params.Set("current", strings.Join(atmosphericNow, ","))
	params.Set("wind_speed_unit", "ms")
	params.Set("temperature_unit", "fahrenheit")
	params.Set("precipitation_unit", "inch")

	return fetch(ctx, c, FeedAtmospheric, c.cfg.ForecastURL, params, parseAtmospheric)
}

// FetchMarine returns hourly marine conditions for the site's local days startDate..endDate.
func (c *OpenMeteoClient) FetchMarine(ctx context.Context, site models.Site, startDate, endDate string) ([]models.HourlyObservation, error) {
	params := siteParams(site, startDate, endDate)
	params.Set("hourly", strings.Join(marineHourly, ","))

	return fetch(ctx, c, FeedMarine, c.cfg.MarineURL, params, parseMarine)
}

// Probe makes one uncached request for today's current conditions at site.
// Recovery uses it to check that the provider is answering again.
func (c *OpenMeteoClient) Probe(ctx context.Context, site models.Site) error {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(site.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(site.Longitude, 'f', -1, 64))
	params.Set("current", "temperature_2m")
	params.Set("forecast_days", "1")
	probe := func(ctx context.Context) error {
		_, err := c.call(ctx, FeedAtmospheric, c.cfg.ForecastURL, params)
		return err
	}
	if c.breaker == nil {
		return probe(ctx)
	}
	return c.breaker.Call(ctx, probe)
}

func siteParams(site models.Site, startDate, endDate string) url.Values {
	tz := site.TimeZone
	if tz == "" {
		tz = "auto"
	}
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(site.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(site.Longitude, 'f', -1, 64))
	params.Set("timezone", tz)
	params.Set("timeformat", "unixtime")
	params.Set("start_date", startDate)
	params.Set("end_date", endDate)
	return params
}

// Signature returns the cache key for a request: SHA-256 of the canonical URL without the API key.
func Signature(feed Feed, baseURL string, params url.Values) string {
	sum := sha256.Sum256([]byte(string(feed) + "|" + baseURL + "?" + params.Encode()))
	return hex.EncodeToString(sum[:])
}

// fetch serves from cache when possible, otherwise performs one coalesced upstream request.
// Only bodies that parse are cached.
func fetch[T any](ctx context.Context, c *OpenMeteoClient, feed Feed, baseURL string, params url.Values, parse func([]byte) (T, error)) (T, error) {
	var zero T
	key := Signature(feed, baseURL, params)
	logger := c.loggerFor(ctx).With(zap.String("feed", string(feed)))

	if body, ok := c.cacheGet(ctx, feed, key, logger); ok {
		if v, err := parse(body); err == nil {
			return v, nil
		}
		logger.Warn("discarding unparseable cache entry", zap.String("key", key))
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Detached so one caller's cancellation does not fail the others sharing this call.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.totalBudget())
		defer cancel()

		body, err := c.callWithBreaker(callCtx, feed, baseURL, params)
		if err != nil {
			return nil, err
		}
		v, err := parse(body)
		if err != nil {
			return nil, err
		}
		c.cacheSet(callCtx, key, body, logger)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %s: %w", ErrUpstreamFetch, feed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			observability.UpstreamErrorsTotal.WithLabelValues(string(feed), string(CategorizeError(res.Err))).Inc()
			logger.Warn("upstream fetch failed", zap.Error(res.Err))
			return zero, fmt.Errorf("%w: %s: %w", ErrUpstreamFetch, feed, res.Err)
		}
		return res.Val.(T), nil
	}
}

func (c *OpenMeteoClient) cacheGet(ctx context.Context, feed Feed, key string, logger *zap.Logger) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	body, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		observability.CacheMissesTotal.WithLabelValues(string(feed)).Inc()
		return nil, false
	}
	observability.CacheHitsTotal.WithLabelValues(string(feed)).Inc()
	logger.Debug("cache hit", zap.String("key", key))
	return body, true
}

func (c *OpenMeteoClient) cacheSet(ctx context.Context, key string, body []byte, logger *zap.Logger) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, body, c.cfg.CacheTTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.Error(err))
	}
}

// totalBudget bounds one coalesced fetch: every attempt timing out plus every backoff at its cap.
func (c *OpenMeteoClient) totalBudget() time.Duration {
	n := time.Duration(c.cfg.RetryAttempts)
	return n*c.cfg.Timeout + (n-1)*c.cfg.RetryMaxDelay + time.Second
}

func (c *OpenMeteoClient) callWithBreaker(ctx context.Context, feed Feed, baseURL string, params url.Values) ([]byte, error) {
	if c.breaker == nil {
		return c.getWithRetry(ctx, feed, baseURL, params)
	}
	var body []byte
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.getWithRetry(ctx, feed, baseURL, params)
		return err
	})
	return body, err
}

// getWithRetry makes up to RetryAttempts calls. The delay before attempt n (n >= 2) is
// RetryFactor * 2^(n-2), capped at RetryMaxDelay, plus up to 10% jitter.
func (c *OpenMeteoClient) getWithRetry(ctx context.Context, feed Feed, baseURL string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			observability.UpstreamRetriesTotal.WithLabelValues(string(feed)).Inc()
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, fmt.Errorf("retry wait: %w (last error: %v)", err, lastErr)
			}
		}

		body, err := c.call(ctx, feed, baseURL, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		c.loggerFor(ctx).Debug("upstream attempt failed",
			zap.String("feed", string(feed)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", c.cfg.RetryAttempts, lastErr)
}

func (c *OpenMeteoClient) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryFactor) * math.Pow(2, float64(attempt-2))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenMeteoClient) call(ctx context.Context, feed Feed, baseURL string, params url.Values) ([]byte, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, baseURL, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observe(feed, "error", start)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	observe(feed, statusLabel(resp.StatusCode), start)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if err := errorForStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func observe(feed Feed, status string, start time.Time) {
	observability.UpstreamCallsTotal.WithLabelValues(string(feed), status).Inc()
	observability.UpstreamDuration.WithLabelValues(string(feed), status).Observe(time.Since(start).Seconds())
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, baseURL string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

func errorForStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	reason := upstreamReason(body)
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, reason)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUpstreamUnavailable, status, reason)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrBadRequest, status, reason)
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable) {
		return true
	}
	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// BreakerFailureFilter is passed as circuitbreaker.Config.IsFailure for Open-Meteo breakers.
// Rejected requests, bad payloads and caller cancellations do not indicate an unhealthy upstream.
func BreakerFailureFilter(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrBadRequest) &&
		!errors.Is(err, ErrMalformedResponse) &&
		!errors.Is(err, context.Canceled)
}

func (c *OpenMeteoClient) loggerFor(ctx context.Context) *zap.Logger {
	if id := observability.CorrelationID(ctx); id != "" {
		return c.logger.With(zap.String("correlation_id", id))
	}
	return c.logger
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
