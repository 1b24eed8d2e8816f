// Package forecast turns upstream conditions into hourly crowdedness predictions
// and reduces them to daily summaries.
package forecast

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/surfwatch/crowd-forecast-service/internal/align"
	"github.com/surfwatch/crowd-forecast-service/internal/features"
	"github.com/surfwatch/crowd-forecast-service/internal/holiday"
	"github.com/surfwatch/crowd-forecast-service/internal/model"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
	"github.com/surfwatch/crowd-forecast-service/internal/validation"
)

// WeatherSource fetches both upstream feeds for a site.
type WeatherSource interface {
	FetchAtmospheric(ctx context.Context, site models.Site, startDate, endDate string) (models.AtmosphericData, error)
	FetchMarine(ctx context.Context, site models.Site, startDate, endDate string) ([]models.HourlyObservation, error)
}

// SiteLookup resolves site ids.
type SiteLookup interface {
	Lookup(id string) (models.Site, error)
	Location(id string) *time.Location
}

// Run is one generated forecast.
type Run struct {
	Site        models.Site
	StartDate   string
	EndDate     string
	Predictions []models.CrowdPrediction
	CreatedAt   time.Time
}

// Recorder receives every generated forecast.
type Recorder interface {
	Record(ctx context.Context, run Run) error
}

// Engine generates hourly crowdedness forecasts.
type Engine struct {
	source   WeatherSource
	sites    SiteLookup
	scorer   model.Scorer
	contract features.Contract
	holidays holiday.Calendar
	recorder Recorder
	maxDays  int
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder archives every successful forecast. Recorder failures are logged only.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMaxDays bounds the requested date range.
func WithMaxDays(n int) Option {
	return func(e *Engine) { e.maxDays = n }
}

// NewEngine creates an Engine. The scorer and contract are loaded once by the caller.
func NewEngine(source WeatherSource, sites SiteLookup, scorer model.Scorer, contract features.Contract, holidays holiday.Calendar, opts ...Option) *Engine {
	if holidays == nil {
		holidays = holiday.Default()
	}
	e := &Engine{
		source:   source,
		sites:    sites,
		scorer:   scorer,
		contract: contract,
		holidays: holidays,
		maxDays:  16,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateHourlyForecast predicts crowdedness for every aligned hour of the site's
// local days startDate..endDate (YYYY-MM-DD, inclusive). Timestamps are in the site's
// time zone. Unknown sites and invalid dates fail before any upstream call.
func (e *Engine) GenerateHourlyForecast(ctx context.Context, siteID, startDate, endDate string) ([]models.CrowdPrediction, error) {
	site, err := e.sites.Lookup(siteID)
	if err != nil {
		return nil, err
	}
	if _, _, err := validation.ValidateDateRange(startDate, endDate, e.maxDays); err != nil {
		return nil, err
	}
	logger := observability.LoggerFromContext(ctx).With(zap.String("site", site.ID))
	start := time.Now()

	series, current, err := e.fetchAligned(ctx, site, startDate, endDate)
	if err != nil {
		return nil, err
	}

	loc := e.sites.Location(site.ID)
	out := make([]models.CrowdPrediction, 0, len(series))
	for _, row := range series {
		ts := row.Time.In(loc)
		in := features.Input{
			SiteModelID: site.ModelID,
			Timestamp:   ts,
			IsHoliday:   e.holidays.IsHoliday(ts),
			WeatherCode: weatherCode(row, current),
			SeaTemp:     *row.SeaSurfaceTemp,
			WaveHeight:  *row.WaveHeight,
			WindSpeed:   *row.WindSpeed,
		}
		v := features.Build(in, e.contract)

		scoreStart := time.Now()
		score, err := e.scorer.Score(ctx, v)
		observability.ScoringDuration.Observe(time.Since(scoreStart).Seconds())
		if err != nil {
			return nil, fmt.Errorf("score %s: %w", ts.Format(time.RFC3339), err)
		}
		if score < 0 {
			observability.NegativeClampTotal.Inc()
			score = 0
		}
		observability.CrowdednessValues.Observe(score)
		out = append(out, models.CrowdPrediction{Timestamp: ts, Crowdedness: score})
	}
	observability.PredictionsTotal.Add(float64(len(out)))

	logger.Debug("forecast generated",
		zap.String("start_date", startDate),
		zap.String("end_date", endDate),
		zap.Int("hours", len(out)),
		zap.Duration("duration", time.Since(start)),
	)

	if e.recorder != nil && len(out) > 0 {
		run := Run{Site: site, StartDate: startDate, EndDate: endDate, Predictions: out, CreatedAt: e.now().UTC()}
		if err := e.recorder.Record(ctx, run); err != nil {
			logger.Warn("forecast archive failed", zap.Error(err))
		}
	}
	return out, nil
}

// fetchAligned fetches both feeds concurrently; either failure fails the whole fetch.
func (e *Engine) fetchAligned(ctx context.Context, site models.Site, startDate, endDate string) (models.AlignedSeries, *float64, error) {
	var atmospheric models.AtmosphericData
	var marine []models.HourlyObservation

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		atmospheric, err = e.source.FetchAtmospheric(gctx, site, startDate, endDate)
		return err
	})
	g.Go(func() error {
		var err error
		marine, err = e.source.FetchMarine(gctx, site, startDate, endDate)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	series, stats := align.AlignWithStats(atmospheric.Hourly, marine)
	if stats.Dropped > 0 {
		observability.AlignmentDroppedRowsTotal.Add(float64(stats.Dropped))
	}
	return series, atmospheric.CurrentWeatherCode, nil
}

// weatherCode prefers the row's own hourly code over the request-time current code.
func weatherCode(row models.HourlyObservation, current *float64) float64 {
	switch {
	case row.WeatherCode != nil:
		return *row.WeatherCode
	case current != nil:
		return *current
	default:
		return 0
	}
}
