package models

import "time"

// HourlyObservation is one timestamped row of environmental measurements.
// Atmospheric rows carry the first four measurements, marine rows the rest;
// an aligned row carries both. Nil means the provider had no value.
type HourlyObservation struct {
	Time time.Time `json:"time"`

	Temperature   *float64 `json:"temperature_2m,omitempty"`
	WindSpeed     *float64 `json:"wind_speed_10m,omitempty"`
	WindDirection *float64 `json:"wind_direction_10m,omitempty"`
	WeatherCode   *float64 `json:"weather_code,omitempty"`

	SeaSurfaceTemp *float64 `json:"sea_surface_temperature,omitempty"`
	WaveHeight     *float64 `json:"wave_height,omitempty"`
	WindWaveHeight *float64 `json:"wind_wave_height,omitempty"`
	SeaLevelHeight *float64 `json:"sea_level_height_msl,omitempty"`
	SwellHeight    *float64 `json:"swell_wave_height,omitempty"`
	SwellDirection *float64 `json:"swell_wave_direction,omitempty"`
	SwellPeriod    *float64 `json:"swell_wave_period,omitempty"`
}

// DailyAstronomy holds the per-day values of the atmospheric feed.
// Sunrise and Sunset are epoch seconds.
type DailyAstronomy struct {
	Date       time.Time `json:"date"`
	Sunrise    int64     `json:"sunrise"`
	Sunset     int64     `json:"sunset"`
	UVIndexMax *float64  `json:"uv_index_max,omitempty"`
}

// AtmosphericData is the parsed result of one atmospheric fetch.
type AtmosphericData struct {
	Hourly             []HourlyObservation `json:"hourly"`
	Daily              []DailyAstronomy    `json:"daily"`
	CurrentTemperature *float64            `json:"current_temperature,omitempty"`
	CurrentWeatherCode *float64            `json:"current_weather_code,omitempty"`
}

// AlignedSeries is the time-consistent intersection of the atmospheric and
// marine timelines: ascending, one row per timestamp, with temperature-side
// wind speed and the marine sea temperature and wave height always present.
type AlignedSeries []HourlyObservation

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
