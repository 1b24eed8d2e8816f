package forecast

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// Daytime hours, inclusive.
const (
	DaytimeStartHour = 7
	DaytimeEndHour   = 20
)

// Summarize reduces predictions to one summary per calendar date of their timestamps,
// ascending by date. Mean, median and low hour cover daytime hours only and are nil
// for a day without daytime rows; the peak covers all hours. Ties go to the earliest row.
func Summarize(predictions []models.CrowdPrediction) []models.DailySummary {
	byDate := make(map[string][]models.CrowdPrediction)
	var keys []string
	for _, p := range predictions {
		k := p.Timestamp.Format(time.DateOnly)
		if _, ok := byDate[k]; !ok {
			keys = append(keys, k)
		}
		byDate[k] = append(byDate[k], p)
	}
	sort.Strings(keys)

	out := make([]models.DailySummary, 0, len(keys))
	for _, k := range keys {
		out = append(out, summarizeDay(k, byDate[k]))
	}
	return out
}

func summarizeDay(date string, rows []models.CrowdPrediction) models.DailySummary {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	s := models.DailySummary{Date: date}
	peakIdx := 0
	for i, r := range rows {
		if r.Crowdedness > rows[peakIdx].Crowdedness {
			peakIdx = i
		}
	}
	s.Peak = rows[peakIdx].Crowdedness
	s.PeakHour = rows[peakIdx].Timestamp.Hour()

	var daytime []float64
	lowIdx := -1
	for i, r := range rows {
		h := r.Timestamp.Hour()
		if h < DaytimeStartHour || h > DaytimeEndHour {
			continue
		}
		daytime = append(daytime, r.Crowdedness)
		if lowIdx < 0 || r.Crowdedness < rows[lowIdx].Crowdedness {
			lowIdx = i
		}
	}
	if len(daytime) == 0 {
		return s
	}
	mean := round2(meanOf(daytime))
	median := round2(medianOf(daytime))
	low := rows[lowIdx].Timestamp.Hour()
	s.Mean, s.Median, s.LowHour = &mean, &median, &low
	return s
}

func meanOf(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func medianOf(v []float64) float64 {
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// HourLabel renders an hour of day as "12am", "9am", "1pm".
func HourLabel(h int) string {
	suffix := "am"
	if h >= 12 {
		suffix = "pm"
	}
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	return fmt.Sprintf("%d%s", h12, suffix)
}
