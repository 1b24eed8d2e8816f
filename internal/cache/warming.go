package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
)

// FeedFetcher is implemented by the upstream client. A successful fetch stores the
// response in the client's cache.
type FeedFetcher interface {
	FetchAtmospheric(ctx context.Context, site models.Site, startDate, endDate string) (models.AtmosphericData, error)
	FetchMarine(ctx context.Context, site models.Site, startDate, endDate string) ([]models.HourlyObservation, error)
}

// SiteLookup resolves site ids and their local time zones.
type SiteLookup interface {
	Lookup(id string) (models.Site, error)
	Location(id string) *time.Location
}

// Warmer prefetches both feeds for upcoming days so user requests hit the cache.
// Each day is fetched as its own single-day range, the range callers ask for.
type Warmer struct {
	fetcher FeedFetcher
	sites   SiteLookup
	logger  *zap.Logger
	days    int
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewWarmer creates a Warmer covering days calendar days starting today in each site's zone.
func NewWarmer(fetcher FeedFetcher, sites SiteLookup, logger *zap.Logger, days int) *Warmer {
	if days < 1 {
		days = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{
		fetcher: fetcher,
		sites:   sites,
		logger:  logger,
		days:    days,
		timeout: 2 * time.Minute,
		now:     time.Now,
	}
}

// Dates returns the YYYY-MM-DD days the next warm run requests for a site in loc.
func (w *Warmer) Dates(loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	today := w.now().In(loc)
	out := make([]string, w.days)
	for i := range out {
		out[i] = today.AddDate(0, 0, i).Format(time.DateOnly)
	}
	return out
}

// Warm fetches every warm day for each site, sites concurrently. Returns the joined per-site errors.
func (w *Warmer) Warm(ctx context.Context, siteIDs []string) error {
	start := time.Now()
	runID := uuid.NewString()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache",
		zap.String("run_id", runID),
		zap.Int("sites", len(siteIDs)),
		zap.Int("days", w.days),
	)

	var wg sync.WaitGroup
	errCh := make(chan error, len(siteIDs))
	for _, id := range siteIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := w.warmSite(ctx, id); err != nil {
				errCh <- fmt.Errorf("warm site %s: %w", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.String("run_id", runID),
		zap.Int("sites", len(siteIDs)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

func (w *Warmer) warmSite(ctx context.Context, id string) error {
	site, err := w.sites.Lookup(id)
	if err != nil {
		return err
	}
	var errs []error
	for _, day := range w.Dates(w.sites.Location(id)) {
		if _, err := w.fetcher.FetchAtmospheric(ctx, site, day, day); err != nil {
			errs = append(errs, fmt.Errorf("%s atmospheric: %w", day, err))
		}
		if _, err := w.fetcher.FetchMarine(ctx, site, day, day); err != nil {
			errs = append(errs, fmt.Errorf("%s marine: %w", day, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Start runs an initial Warm in the background, then schedules Warm with a cron spec
// ("@every 30m", "0 */2 * * *"). Scheduled runs stop when ctx is done or Stop is called.
func (w *Warmer) Start(ctx context.Context, schedule string, siteIDs []string) error {
	c := cron.New()
	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		if err := w.Warm(runCtx, siteIDs); err != nil {
			w.logger.Warn("scheduled cache warm failed", zap.Error(err))
		}
	}
	if _, err := c.AddFunc(schedule, run); err != nil {
		return fmt.Errorf("invalid warm schedule %q: %w", schedule, err)
	}

	w.mu.Lock()
	w.cron = c
	w.mu.Unlock()

	go run()
	c.Start()
	w.logger.Info("cache warmer scheduled", zap.String("schedule", schedule), zap.Strings("sites", siteIDs))

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for a running warm to finish. Safe to call more than once.
func (w *Warmer) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
