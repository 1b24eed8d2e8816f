package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/surfwatch/crowd-forecast-service/internal/archive"
	"github.com/surfwatch/crowd-forecast-service/internal/cache"
	"github.com/surfwatch/crowd-forecast-service/internal/circuitbreaker"
	"github.com/surfwatch/crowd-forecast-service/internal/client"
	"github.com/surfwatch/crowd-forecast-service/internal/config"
	"github.com/surfwatch/crowd-forecast-service/internal/degraded"
	"github.com/surfwatch/crowd-forecast-service/internal/environment"
	"github.com/surfwatch/crowd-forecast-service/internal/features"
	"github.com/surfwatch/crowd-forecast-service/internal/forecast"
	"github.com/surfwatch/crowd-forecast-service/internal/holiday"
	httphandler "github.com/surfwatch/crowd-forecast-service/internal/http"
	"github.com/surfwatch/crowd-forecast-service/internal/lifecycle"
	"github.com/surfwatch/crowd-forecast-service/internal/model"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
	"github.com/surfwatch/crowd-forecast-service/internal/sites"
	"github.com/surfwatch/crowd-forecast-service/internal/traffic"
)

const upstreamComponent = "open_meteo"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// pinger is implemented by cache backends and the archive.
type pinger interface {
	Ping(ctx context.Context) error
}

// app is the fully wired service.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	router    http.Handler
	monitor   *lifecycle.Monitor
	inFlight  *httphandler.InFlightTracker
	engine    *forecast.Engine
	warmer    *cache.Warmer
	recoverer *degraded.Recoverer
	siteIDs   []string
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// newApp builds every component from cfg. Nothing is started; call start.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, inFlight: &httphandler.InFlightTracker{}}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	registry := sites.Default()
	if len(cfg.Sites) > 0 {
		r, err := sites.NewRegistry(cfg.Sites)
		if err != nil {
			return nil, fmt.Errorf("sites: %w", err)
		}
		registry = r
	}
	a.siteIDs = registry.IDs()

	holidays := holiday.Default()
	if len(cfg.Holidays) > 0 {
		h, err := holiday.NewDateSet(cfg.Holidays)
		if err != nil {
			return nil, fmt.Errorf("holidays: %w", err)
		}
		holidays = h
	}
	logger.Debug("holiday calendar", zap.Strings("dates", holidays.Dates()))

	contract, err := features.LoadContract(cfg.FeaturesPath)
	if err != nil {
		return nil, fmt.Errorf("feature list: %w", err)
	}
	scorer, err := newScorer(cfg, contract)
	if err != nil {
		return nil, err
	}
	if err := model.Verify(scorer, contract); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	modelFields := []zap.Field{
		zap.String("backend", cfg.ModelBackend),
		zap.Int("features", contract.Len()),
	}
	if te, ok := scorer.(*model.TreeEnsemble); ok {
		modelFields = append(modelFields,
			zap.Int("trees", te.NumTrees()),
			zap.Int("model_features", te.NumFeature()),
			zap.String("objective", te.Objective()),
		)
	}
	logger.Info("model loaded", modelFields...)

	responseCache, checks, err := a.newCache(ctx)
	if err != nil {
		return nil, err
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        upstreamComponent,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker transition",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsFailure: client.BreakerFailureFilter,
	})
	observability.CircuitBreakerState.WithLabelValues(upstreamComponent).Set(float64(cb.State()))

	upstream := client.New(client.Config{
		ForecastURL:   cfg.OpenMeteoForecastURL,
		MarineURL:     cfg.OpenMeteoMarineURL,
		APIKey:        cfg.OpenMeteoAPIKey,
		Timeout:       cfg.UpstreamTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryFactor:   cfg.RetryBaseDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
		CacheTTL:      cfg.CacheTTL,
	}, logger, client.WithCache(responseCache), client.WithCircuitBreaker(cb))

	engineOpts := []forecast.Option{forecast.WithMaxDays(cfg.MaxDays)}
	handlerOpts := []httphandler.Option{httphandler.WithVersion(version)}
	if cfg.ArchiveEnabled {
		repo, err := archive.Open(ctx, cfg.ArchiveDriver, cfg.ArchiveDSN)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"archive", repo.Close})
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("archive migrate: %w", err)
		}
		engineOpts = append(engineOpts, forecast.WithRecorder(repo))
		handlerOpts = append(handlerOpts, httphandler.WithRunArchive(repo))
		checks = append(checks, namedCheck{"archive", repo})
		logger.Info("forecast archive enabled", zap.String("driver", cfg.ArchiveDriver))
	}
	a.engine = forecast.NewEngine(upstream, registry, scorer, contract, holidays, engineOpts...)
	env := environment.NewService(upstream, registry, cfg.DisplayOffset, cfg.MaxDays)

	tracked := cfg.TrackedSites
	if len(tracked) == 0 {
		tracked = a.siteIDs
	}
	observability.SetTrackedSites(tracked)

	tracker := traffic.New()
	probeSite, err := registry.Lookup(a.siteIDs[0])
	if err != nil {
		return nil, err
	}
	a.recoverer = degraded.NewRecoverer(
		func(ctx context.Context) error { return upstream.Probe(ctx, probeSite) },
		cfg.DegradedRetryInitial,
		cfg.DegradedRetryMax,
		logger,
		degraded.WithOnRecovered(tracker.ResetErrors),
	)
	a.monitor = lifecycle.NewMonitor(lifecycle.HealthConfig{
		RateLimitRPS:           cfg.RateLimitRPS,
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
	}, tracker, logger,
		lifecycle.WithBreakerState(func() bool { return cb.State() == circuitbreaker.StateOpen }),
		lifecycle.WithDegradedHook(a.recoverer.Notify),
	)

	if cfg.WarmEnabled {
		a.warmer = cache.NewWarmer(upstream, registry, logger, cfg.WarmDays)
	}

	for _, c := range checks {
		handlerOpts = append(handlerOpts, httphandler.WithHealthCheck(c.name, c.pinger.Ping))
	}
	handler := httphandler.NewHandler(a.engine, env, a.monitor, logger, handlerOpts...)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	a.router = httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		Tracker:        tracker,
		InFlight:       a.inFlight,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        observability.MetricsHandler(),
	})

	ok = true
	return a, nil
}

type namedCheck struct {
	name   string
	pinger pinger
}

func newScorer(cfg *config.Config, contract features.Contract) (model.Scorer, error) {
	switch cfg.ModelBackend {
	case "http":
		return model.NewHTTPScorer(cfg.ModelURL, contract.Len(), cfg.ModelTimeout), nil
	default:
		te, err := model.LoadTreeEnsemble(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("model: %w", err)
		}
		return te, nil
	}
}

// newCache builds the configured response cache. Remote backends must answer a ping.
func (a *app) newCache(ctx context.Context) (cache.Cache, []namedCheck, error) {
	cfg := a.cfg
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"memcached", mc.Close})
		a.logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, []namedCheck{{"cache", mc}}, nil
	case "redis":
		rc := cache.NewRedisCache(cache.RedisOptions{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
		})
		a.closers = append(a.closers, namedCloser{"redis", rc.Close})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			return nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		a.logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
		return rc, []namedCheck{{"cache", rc}}, nil
	default:
		a.logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), nil, nil
	}
}

// start launches the recovery listener and, when enabled, the cache warmer.
// Both stop when ctx is done.
func (a *app) start(ctx context.Context) error {
	go a.recoverer.Listen(ctx)
	if a.warmer != nil {
		if err := a.warmer.Start(ctx, a.cfg.WarmSchedule, a.siteIDs); err != nil {
			return err
		}
	}
	return nil
}

// close stops the warmer and releases cache and archive connections.
func (a *app) close() error {
	if a.warmer != nil {
		a.warmer.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Error("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) describe() []zap.Field {
	return []zap.Field{
		zap.String("version", version),
		zap.Strings("sites", a.siteIDs),
		zap.String("cache_backend", a.cfg.CacheBackend),
		zap.Bool("archive", a.cfg.ArchiveEnabled),
		zap.Bool("warming", a.cfg.WarmEnabled),
		zap.String("model_backend", strings.ToLower(a.cfg.ModelBackend)),
	}
}
