// Package align joins the atmospheric and marine hourly feeds into one timeline.
package align

import (
	"sort"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// Stats describes one alignment.
type Stats struct {
	Atmospheric int
	Marine      int
	Joined      int // timestamps present in both feeds
	Dropped     int // joined rows missing sea temperature, wave height or wind speed
}

// Align inner-joins the two feeds on timestamp and keeps rows that have sea-surface
// temperature, wave height and wind speed. Atmospheric fields come from atmospheric,
// marine fields from marine. The first occurrence of a duplicated timestamp wins.
// The result is ascending and never nil.
func Align(atmospheric, marine []models.HourlyObservation) models.AlignedSeries {
	out, _ := AlignWithStats(atmospheric, marine)
	return out
}

// AlignWithStats is Align plus join counts.
func AlignWithStats(atmospheric, marine []models.HourlyObservation) (models.AlignedSeries, Stats) {
	stats := Stats{Atmospheric: len(atmospheric), Marine: len(marine)}

	byTime := make(map[int64]models.HourlyObservation, len(marine))
	for _, m := range marine {
		k := m.Time.UnixNano()
		if _, dup := byTime[k]; !dup {
			byTime[k] = m
		}
	}

	out := make(models.AlignedSeries, 0, min(len(atmospheric), len(marine)))
	seen := make(map[int64]struct{}, len(atmospheric))
	for _, a := range atmospheric {
		k := a.Time.UnixNano()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		m, ok := byTime[k]
		if !ok {
			continue
		}
		stats.Joined++

		row := merge(a, m)
		if row.SeaSurfaceTemp == nil || row.WaveHeight == nil || row.WindSpeed == nil {
			stats.Dropped++
			continue
		}
		out = append(out, row)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, stats
}

func merge(a, m models.HourlyObservation) models.HourlyObservation {
	return models.HourlyObservation{
		Time:           a.Time,
		Temperature:    a.Temperature,
		WindSpeed:      a.WindSpeed,
		WindDirection:  a.WindDirection,
		WeatherCode:    a.WeatherCode,
		SeaSurfaceTemp: m.SeaSurfaceTemp,
		WaveHeight:     m.WaveHeight,
		WindWaveHeight: m.WindWaveHeight,
		SeaLevelHeight: m.SeaLevelHeight,
		SwellHeight:    m.SwellHeight,
		SwellDirection: m.SwellDirection,
		SwellPeriod:    m.SwellPeriod,
	}
}
