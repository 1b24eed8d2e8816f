package models

import "time"

// FeatureVector is the exact-schema numeric input for the scoring model.
// Names and Values are parallel and ordered like the feature contract.
type FeatureVector struct {
	Names  []string
	Values []float64
}

// Value returns the value of the named feature.
func (v FeatureVector) Value(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// CrowdPrediction is the predicted crowdedness for one hour. Crowdedness is never negative.
type CrowdPrediction struct {
	Timestamp   time.Time `json:"timestamp"`
	Crowdedness float64   `json:"crowdedness"`
}

// DailySummary reduces one calendar day of predictions.
// Mean, Median and LowHour cover the daytime window only and are nil when the
// day has no daytime rows; Peak and PeakHour cover all hours.
type DailySummary struct {
	Date     string   `json:"date"`
	Mean     *float64 `json:"mean"`
	Median   *float64 `json:"median"`
	Peak     float64  `json:"peak"`
	PeakHour int      `json:"peak_hour"`
	LowHour  *int     `json:"low_hour"`
}
