package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// block is one Open-Meteo column group ("hourly", "daily") decoded lazily per column.
type block map[string]json.RawMessage

type forecastResponse struct {
	Hourly  block `json:"hourly"`
	Daily   block `json:"daily"`
	Current block `json:"current"`
}

type marineResponse struct {
	Hourly block `json:"hourly"`
}

type errorResponse struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// upstreamReason extracts the "reason" of an Open-Meteo error body, or a trimmed raw body.
func upstreamReason(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Reason != "" {
		return e.Reason
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response body"
	}
	return s
}

func parseAtmospheric(body []byte) (models.AtmosphericData, error) {
	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.AtmosphericData{}, fmt.Errorf("%w: parse forecast: %v", ErrMalformedResponse, err)
	}

	times, err := timeColumn(resp.Hourly, "hourly")
	if err != nil {
		return models.AtmosphericData{}, err
	}
	cols, err := floatColumns(resp.Hourly, "hourly", atmosphericHourly, len(times))
	if err != nil {
		return models.AtmosphericData{}, err
	}
	hourly := make([]models.HourlyObservation, len(times))
	for i, ts := range times {
		hourly[i] = models.HourlyObservation{
			Time:          time.Unix(ts, 0).UTC(),
			Temperature:   cols["temperature_2m"][i],
			WindSpeed:     cols["wind_speed_10m"][i],
			WindDirection: cols["wind_direction_10m"][i],
			WeatherCode:   cols["weather_code"][i],
		}
	}

	days, err := timeColumn(resp.Daily, "daily")
	if err != nil {
		return models.AtmosphericData{}, err
	}
	sunrise, err := intColumn(resp.Daily, "daily", "sunrise", len(days))
	if err != nil {
		return models.AtmosphericData{}, err
	}
	sunset, err := intColumn(resp.Daily, "daily", "sunset", len(days))
	if err != nil {
		return models.AtmosphericData{}, err
	}
	uv, err := floatColumns(resp.Daily, "daily", []string{"uv_index_max"}, len(days))
	if err != nil {
		return models.AtmosphericData{}, err
	}
	daily := make([]models.DailyAstronomy, len(days))
	for i, ts := range days {
		daily[i] = models.DailyAstronomy{
			Date:       time.Unix(ts, 0).UTC(),
			Sunrise:    sunrise[i],
			Sunset:     sunset[i],
			UVIndexMax: uv["uv_index_max"][i],
		}
	}

	out := models.AtmosphericData{Hourly: hourly, Daily: daily}
	if resp.Current != nil {
		if out.CurrentTemperature, err = optionalFloat(resp.Current, "temperature_2m"); err != nil {
			return models.AtmosphericData{}, err
		}
		if out.CurrentWeatherCode, err = optionalFloat(resp.Current, "weather_code"); err != nil {
			return models.AtmosphericData{}, err
		}
	}
	return out, nil
}

func parseMarine(body []byte) ([]models.HourlyObservation, error) {
	var resp marineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse marine: %v", ErrMalformedResponse, err)
	}
	times, err := timeColumn(resp.Hourly, "hourly")
	if err != nil {
		return nil, err
	}
	cols, err := floatColumns(resp.Hourly, "hourly", marineHourly, len(times))
	if err != nil {
		return nil, err
	}
	out := make([]models.HourlyObservation, len(times))
	for i, ts := range times {
		out[i] = models.HourlyObservation{
			Time:           time.Unix(ts, 0).UTC(),
			WaveHeight:     cols["wave_height"][i],
			SeaSurfaceTemp: cols["sea_surface_temperature"][i],
			WindWaveHeight: cols["wind_wave_height"][i],
			SeaLevelHeight: cols["sea_level_height_msl"][i],
			SwellHeight:    cols["swell_wave_height"][i],
			SwellDirection: cols["swell_wave_direction"][i],
			SwellPeriod:    cols["swell_wave_period"][i],
		}
	}
	return out, nil
}

func timeColumn(b block, group string) ([]int64, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: missing %s block", ErrMalformedResponse, group)
	}
	raw, ok := b["time"]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s.time", ErrMalformedResponse, group)
	}
	var times []int64
	if err := json.Unmarshal(raw, &times); err != nil {
		return nil, fmt.Errorf("%w: %s.time: %v", ErrMalformedResponse, group, err)
	}
	return times, nil
}

// floatColumns decodes the named columns; every column must have exactly n entries. JSON null is nil.
func floatColumns(b block, group string, names []string, n int) (map[string][]*float64, error) {
	out := make(map[string][]*float64, len(names))
	for _, name := range names {
		raw, ok := b[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s.%s", ErrMalformedResponse, group, name)
		}
		var col []*float64
		if err := json.Unmarshal(raw, &col); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrMalformedResponse, group, name, err)
		}
		if len(col) != n {
			return nil, fmt.Errorf("%w: %s.%s has %d values for %d timestamps", ErrMalformedResponse, group, name, len(col), n)
		}
		out[name] = col
	}
	return out, nil
}

func intColumn(b block, group, name string, n int) ([]int64, error) {
	raw, ok := b[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s.%s", ErrMalformedResponse, group, name)
	}
	var col []int64
	if err := json.Unmarshal(raw, &col); err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrMalformedResponse, group, name, err)
	}
	if len(col) != n {
		return nil, fmt.Errorf("%w: %s.%s has %d values for %d timestamps", ErrMalformedResponse, group, name, len(col), n)
	}
	return col, nil
}

func optionalFloat(b block, name string) (*float64, error) {
	raw, ok := b[name]
	if !ok {
		return nil, nil
	}
	var v *float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: current.%s: %v", ErrMalformedResponse, name, err)
	}
	return v, nil
}
