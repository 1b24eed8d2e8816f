package models

// EnvironmentalSnapshot is the display-unit view of averaged conditions over a window.
// Nil numbers mean no row in the window had a value.
type EnvironmentalSnapshot struct {
	Temperature           *float64 `json:"temperature_2m"`
	WeatherCode           *int     `json:"weather_code"`
	WeatherDescription    string   `json:"weather_description"`
	WindSpeed             *float64 `json:"wind_speed"`
	WindDirection         *int     `json:"wind_direction"`
	SeaSurfaceTemperature *float64 `json:"sea_surface_temperature"`
	WaveHeight            *float64 `json:"wave_height"`
	Tide                  *float64 `json:"tide"`
	SwellHeight           *float64 `json:"swell_height"`
	SwellDirection        *float64 `json:"swell_direction"`
	SwellPeriod           *float64 `json:"swell_period"`
	Sunrise               string   `json:"sunrise"`
	Sunset                string   `json:"sunset"`
	UVMax                 *float64 `json:"uv_max"`
}

// EnvironmentalConditions is the subset of a snapshot served by the conditions endpoint.
type EnvironmentalConditions struct {
	Temperature   *float64 `json:"temperature_2m"`
	WindSpeed     *float64 `json:"wind_speed"`
	WindDirection *int     `json:"wind_direction"`
	WaveHeight    *float64 `json:"wave_height"`
	Tide          *float64 `json:"tide"`
}

// Conditions projects the snapshot onto its conditions subset.
func (s EnvironmentalSnapshot) Conditions() EnvironmentalConditions {
	return EnvironmentalConditions{
		Temperature:   s.Temperature,
		WindSpeed:     s.WindSpeed,
		WindDirection: s.WindDirection,
		WaveHeight:    s.WaveHeight,
		Tide:          s.Tide,
	}
}
