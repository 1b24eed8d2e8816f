// Package environment averages upstream conditions over a time window and
// converts them to display units.
package environment

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/surfwatch/crowd-forecast-service/internal/forecast"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
	"github.com/surfwatch/crowd-forecast-service/internal/observability"
	"github.com/surfwatch/crowd-forecast-service/internal/validation"
)

const feetPerMeter = 3.28084

// DefaultDisplayOffset is the fixed offset sunrise and sunset are rendered in.
const DefaultDisplayOffset = -7 * time.Hour

var weatherDescriptions = map[int]string{
	0:  "sunny",
	1:  "partial-clouds",
	2:  "partial-clouds",
	3:  "cloudy",
	45: "cloudy",
	51: "rain",
	53: "rain",
	55: "rain",
	61: "rain",
	63: "rain",
	65: "rain",
	71: "snow",
}

// DescribeWeatherCode returns a short label for a WMO weather code, or "Unknown".
func DescribeWeatherCode(code int) string {
	if d, ok := weatherDescriptions[code]; ok {
		return d
	}
	return "Unknown"
}

// Service builds environmental snapshots.
type Service struct {
	source  forecast.WeatherSource
	sites   forecast.SiteLookup
	display *time.Location
	maxDays int
}

// NewService creates a Service rendering sunrise and sunset at the given UTC offset.
func NewService(source forecast.WeatherSource, sites forecast.SiteLookup, displayOffset time.Duration, maxDays int) *Service {
	return &Service{
		source:  source,
		sites:   sites,
		display: DisplayZone(displayOffset),
		maxDays: maxDays,
	}
}

// DisplayZone returns a fixed zone for offset, named like "UTC-07:00".
func DisplayZone(offset time.Duration) *time.Location {
	secs := int(offset.Seconds())
	sign := "+"
	if secs < 0 {
		sign = "-"
	}
	abs := secs
	if abs < 0 {
		abs = -abs
	}
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", sign, abs/3600, abs%3600/60), secs)
}

// TodaySummaryWindow returns 05:00 to 20:00 of now's date in the display zone.
func (s *Service) TodaySummaryWindow(now time.Time) (time.Time, time.Time) {
	local := now.In(s.display)
	y, m, d := local.Date()
	return time.Date(y, m, d, 5, 0, 0, 0, s.display), time.Date(y, m, d, 20, 0, 0, 0, s.display)
}

// Snapshot averages the site's conditions over [start, end]. An end not after start
// is replaced by start plus one hour.
func (s *Service) Snapshot(ctx context.Context, siteID string, start, end time.Time) (models.EnvironmentalSnapshot, error) {
	site, err := s.sites.Lookup(siteID)
	if err != nil {
		return models.EnvironmentalSnapshot{}, err
	}
	if !end.After(start) {
		end = start.Add(time.Hour)
	}
	loc := s.sites.Location(site.ID)
	startDate := start.In(loc).Format(time.DateOnly)
	endDate := end.In(loc).Format(time.DateOnly)
	if _, _, err := validation.ValidateDateRange(startDate, endDate, s.maxDays); err != nil {
		return models.EnvironmentalSnapshot{}, err
	}

	var atmospheric models.AtmosphericData
	var marine []models.HourlyObservation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		atmospheric, err = s.source.FetchAtmospheric(gctx, site, startDate, endDate)
		return err
	})
	g.Go(func() error {
		var err error
		marine, err = s.source.FetchMarine(gctx, site, startDate, endDate)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.EnvironmentalSnapshot{}, err
	}

	hourly := within(atmospheric.Hourly, start, end)
	sea := within(marine, start, end)
	observability.LoggerFromContext(ctx).Debug("environmental snapshot",
		zap.String("site", site.ID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("atmospheric_rows", len(hourly)),
		zap.Int("marine_rows", len(sea)),
	)
	return s.convert(atmospheric, hourly, sea), nil
}

func within(rows []models.HourlyObservation, start, end time.Time) []models.HourlyObservation {
	var out []models.HourlyObservation
	for _, r := range rows {
		if !r.Time.Before(start) && !r.Time.After(end) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) convert(atmospheric models.AtmosphericData, hourly, sea []models.HourlyObservation) models.EnvironmentalSnapshot {
	temp := mean(hourly, func(o models.HourlyObservation) *float64 { return o.Temperature })
	wind := mean(hourly, func(o models.HourlyObservation) *float64 { return o.WindSpeed })
	windDir := mean(hourly, func(o models.HourlyObservation) *float64 { return o.WindDirection })
	sst := mean(sea, func(o models.HourlyObservation) *float64 { return o.SeaSurfaceTemp })
	wave := mean(sea, func(o models.HourlyObservation) *float64 { return o.WaveHeight })
	windWave := mean(sea, func(o models.HourlyObservation) *float64 { return o.WindWaveHeight })
	seaLevel := mean(sea, func(o models.HourlyObservation) *float64 { return o.SeaLevelHeight })
	swell := mean(sea, func(o models.HourlyObservation) *float64 { return o.SwellHeight })
	swellDir := mean(sea, func(o models.HourlyObservation) *float64 { return o.SwellDirection })
	swellPeriod := mean(sea, func(o models.HourlyObservation) *float64 { return o.SwellPeriod })

	snap := models.EnvironmentalSnapshot{
		Temperature:           apply(temp, func(v float64) float64 { return round(v, 0) }),
		WindSpeed:             apply(wind, func(v float64) float64 { return round(v, 0) }),
		SeaSurfaceTemperature: apply(sst, func(v float64) float64 { return round(v*9/5+35, 1) }),
		Tide:                  apply(seaLevel, func(v float64) float64 { return round(v*feetPerMeter, 2) }),
		SwellHeight:           apply(swell, func(v float64) float64 { return round(v*feetPerMeter, 2) }),
		SwellDirection:        apply(swellDir, func(v float64) float64 { return round(v, 2) }),
		SwellPeriod:           apply(swellPeriod, func(v float64) float64 { return round(v, 2) }),
	}
	if windDir != nil {
		d := int(*windDir)
		snap.WindDirection = &d
	}
	if wave != nil && seaLevel != nil && windWave != nil {
		v := round((*wave+*seaLevel+*windWave)*feetPerMeter, 2)
		snap.WaveHeight = &v
	}

	code := atmospheric.CurrentWeatherCode
	if code == nil && len(hourly) > 0 {
		code = hourly[0].WeatherCode
	}
	snap.WeatherDescription = "Unknown"
	if code != nil {
		c := int(*code)
		snap.WeatherCode = &c
		snap.WeatherDescription = DescribeWeatherCode(c)
	}

	if len(atmospheric.Daily) > 0 {
		d := atmospheric.Daily[0]
		snap.Sunrise = time.Unix(d.Sunrise, 0).In(s.display).Format(time.RFC3339)
		snap.Sunset = time.Unix(d.Sunset, 0).In(s.display).Format(time.RFC3339)
		snap.UVMax = apply(d.UVIndexMax, func(v float64) float64 { return round(v, 1) })
	}
	return snap
}

// mean averages the non-nil values of one column; nil when there are none.
func mean(rows []models.HourlyObservation, get func(models.HourlyObservation) *float64) *float64 {
	var sum float64
	var n int
	for _, r := range rows {
		if v := get(r); v != nil && !math.IsNaN(*v) {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func apply(v *float64, f func(float64) float64) *float64 {
	if v == nil {
		return nil
	}
	out := f(*v)
	return &out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
