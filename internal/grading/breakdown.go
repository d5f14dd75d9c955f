package grading

import (
	"time"

	"github.com/lox/forecastaudit/internal/models"
)

// SourceDelta is one source's forecast for a day next to the signed
// forecast-minus-actual deltas. Positive deltas mean over-forecasting.
type SourceDelta struct {
	Source       string   `json:"source"`
	ForecastMax  float64  `json:"forecast_max"`
	ForecastMin  *float64 `json:"forecast_min"`
	RainProb     *float64 `json:"rain_prob"`
	RainMin      *float64 `json:"rain_min_mm"`
	RainMax      *float64 `json:"rain_max_mm"`
	MaxTempDelta float64  `json:"max_temp_delta"`
	MinTempDelta *float64 `json:"min_temp_delta"`
	RainDelta    float64  `json:"rain_delta"`
	RainSuccess  bool     `json:"rain_success"`
	Perfect      bool     `json:"perfect"`
}

// DayBreakdown is every source's performance for one station on one day.
// Actual is nil when nothing for that day has been graded.
type DayBreakdown struct {
	Station string                    `json:"station"`
	Date    string                    `json:"date"`
	Actual  *models.ActualObservation `json:"actual"`
	Sources []SourceDelta             `json:"sources"`
}

// Breakdown lists each source's graded forecast for (station, date).
func Breakdown(records []GradedRecord, station string, date time.Time, perfectOnly bool) DayBreakdown {
	out := DayBreakdown{
		Station: station,
		Date:    date.Format(models.DateLayout),
		Sources: []SourceDelta{},
	}
	for _, r := range ForDate(records, date) {
		if r.Station != station {
			continue
		}
		if perfectOnly && !r.Perfect {
			continue
		}
		if out.Actual == nil {
			a := r.Actual
			out.Actual = &a
		}
		d := SourceDelta{
			Source:       r.Source,
			ForecastMax:  r.ForecastMax,
			ForecastMin:  ptr(r.ForecastMin.Float64, r.ForecastMin.Valid),
			RainProb:     ptr(r.ForecastRainProb.Float64, r.ForecastRainProb.Valid),
			RainMin:      ptr(r.ForecastRainMin.Float64, r.ForecastRainMin.Valid),
			RainMax:      ptr(r.ForecastRainMax.Float64, r.ForecastRainMax.Valid),
			MaxTempDelta: round2(r.ForecastMax - r.Actual.MaxTemp),
			RainDelta:    round2(r.RainMid - r.Actual.RainMM),
			RainSuccess:  r.RainSuccess,
			Perfect:      r.Perfect,
		}
		if r.ForecastMin.Valid {
			d.MinTempDelta = ptr(round2(r.ForecastMin.Float64-r.Actual.MinTemp), true)
		}
		out.Sources = append(out.Sources, d)
	}
	return out
}

func ptr(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}
