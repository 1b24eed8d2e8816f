// Package features turns one aligned hourly row into the model's input vector.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// ErrFeatureContractMismatch means the feature list is unusable or disagrees with the model.
// It is a deployment fault and never retried.
var ErrFeatureContractMismatch = errors.New("feature contract mismatch")

const weatherPrefix = "weather_"

// Contract is the ordered list of feature names the model was trained on.
type Contract struct {
	names []string
}

// NewContract validates names: non-empty, no blank or duplicate entries.
func NewContract(names []string) (Contract, error) {
	if len(names) == 0 {
		return Contract{}, fmt.Errorf("%w: empty feature list", ErrFeatureContractMismatch)
	}
	seen := make(map[string]struct{}, len(names))
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			return Contract{}, fmt.Errorf("%w: blank feature name at index %d", ErrFeatureContractMismatch, i)
		}
		if _, dup := seen[n]; dup {
			return Contract{}, fmt.Errorf("%w: duplicate feature %q", ErrFeatureContractMismatch, n)
		}
		seen[n] = struct{}{}
	}
	return Contract{names: append([]string(nil), names...)}, nil
}

// LoadContract reads a JSON array of feature names.
func LoadContract(path string) (Contract, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Contract{}, fmt.Errorf("read feature list: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return Contract{}, fmt.Errorf("%w: parse %s: %v", ErrFeatureContractMismatch, path, err)
	}
	return NewContract(names)
}

// Names returns a copy of the ordered feature names.
func (c Contract) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of features.
func (c Contract) Len() int {
	return len(c.names)
}

// Input is one hour of context for a site.
// Timestamp must already be in the site's local time zone.
type Input struct {
	SiteModelID int
	Timestamp   time.Time
	IsHoliday   bool
	WeatherCode float64
	SeaTemp     float64
	WaveHeight  float64
	WindSpeed   float64
}

// WeatherFeatureName is the one-hot column for a weather code, e.g. "weather_3.0".
func WeatherFeatureName(code float64) string {
	return fmt.Sprintf("%s%.1f", weatherPrefix, code)
}

// Compute returns every feature derivable from in, before projection.
func Compute(in Input) map[string]float64 {
	hour := float64(in.Timestamp.Hour())
	// time.Weekday is 0=Sunday; the model uses 0=Monday.
	dow := float64((int(in.Timestamp.Weekday()) + 6) % 7)

	return map[string]float64{
		"beach_id":                float64(in.SiteModelID),
		"is_holiday":              boolFloat(in.IsHoliday),
		"weather":                 in.WeatherCode,
		"sea_temp":                in.SeaTemp,
		"wave_height":             in.WaveHeight,
		"wind_speed":              in.WindSpeed,
		"hour":                    hour,
		"day_of_week":             dow,
		"hour_sin":                math.Sin(2 * math.Pi * hour / 24),
		"hour_cos":                math.Cos(2 * math.Pi * hour / 24),
		"dow_sin":                 math.Sin(2 * math.Pi * dow / 7),
		"dow_cos":                 math.Cos(2 * math.Pi * dow / 7),
		"crowdedness_lag_1":       0,
		"crowdedness_roll_mean_3": 0,
	}
}

// Build computes the features for in and projects them onto the contract:
// weather_* columns are one-hot against the formatted code, unknown names are zero,
// and the result has exactly the contract's names in its order.
func Build(in Input, c Contract) models.FeatureVector {
	row := Compute(in)
	hot := WeatherFeatureName(in.WeatherCode)

	out := models.FeatureVector{
		Names:  c.Names(),
		Values: make([]float64, len(c.names)),
	}
	for i, name := range c.names {
		switch {
		case strings.HasPrefix(name, weatherPrefix):
			if name == hot {
				out.Values[i] = 1
			}
		default:
			out.Values[i] = row[name]
		}
	}
	return out
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
