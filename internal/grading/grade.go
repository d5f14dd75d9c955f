// Package grading scores ledger rows against their resolved actuals. Every
// function here is pure: it takes ledger rows or graded records and returns
// new values.
package grading

import (
	"database/sql"
	"math"
	"time"

	"github.com/lox/forecastaudit/internal/models"
)

// PerfectMaxTempError is the largest max-temperature error, in °C, that still
// counts towards a perfect day.
const PerfectMaxTempError = 1.0

// GradedRecord is a ledger row with both a forecast maximum and a complete
// actual triple, plus the derived error fields.
type GradedRecord struct {
	Date    time.Time
	Station string
	Source  string

	ForecastMax      float64
	ForecastMin      sql.NullFloat64
	ForecastRainProb sql.NullFloat64
	ForecastRainMin  sql.NullFloat64
	ForecastRainMax  sql.NullFloat64

	Actual models.ActualObservation

	MaxTempError float64
	MinTempError sql.NullFloat64 // null when the forecast had no minimum
	RainMid      float64
	RainError    float64
	RainSuccess  bool
	Perfect      bool
}

// Grade derives the error fields for one row. It reports false when the row
// has no forecast maximum or its actuals are not yet resolved.
func Grade(row models.LedgerRow) (GradedRecord, bool) {
	actual := row.Actuals()
	if !row.ForecastMaxTemp.Valid || actual == nil {
		return GradedRecord{}, false
	}

	g := GradedRecord{
		Date:             row.Date,
		Station:          row.Station,
		Source:           row.Source,
		ForecastMax:      row.ForecastMaxTemp.Float64,
		ForecastMin:      row.ForecastMinTemp,
		ForecastRainProb: row.ForecastRainProb,
		ForecastRainMin:  row.ForecastRainMinMM,
		ForecastRainMax:  row.ForecastRainMaxMM,
		Actual:           *actual,
	}

	g.MaxTempError = math.Abs(g.ForecastMax - actual.MaxTemp)
	if row.ForecastMinTemp.Valid {
		g.MinTempError = sql.NullFloat64{Float64: math.Abs(row.ForecastMinTemp.Float64 - actual.MinTemp), Valid: true}
	}

	// A missing rain bound counts as 0 mm.
	lo, hi := orZero(row.ForecastRainMinMM), orZero(row.ForecastRainMaxMM)
	g.RainMid = (lo + hi) / 2
	g.RainError = math.Abs(g.RainMid - actual.RainMM)
	g.RainSuccess = actual.RainMM >= lo && actual.RainMM <= hi

	g.Perfect = IsPerfect(g.MaxTempError, g.RainSuccess)
	return g, true
}

// IsPerfect applies the perfect-day rule: max temperature within 1.0 °C
// (inclusive) and actual rain inside the forecast range.
func IsPerfect(maxTempError float64, rainSuccess bool) bool {
	return maxTempError <= PerfectMaxTempError && rainSuccess
}

// GradeAll grades every gradable row, preserving ledger order.
func GradeAll(rows []models.LedgerRow) []GradedRecord {
	var out []GradedRecord
	for _, r := range rows {
		if g, ok := Grade(r); ok {
			out = append(out, g)
		}
	}
	return out
}

// ForDate returns the records for one calendar day.
func ForDate(records []GradedRecord, date time.Time) []GradedRecord {
	want := date.Format(models.DateLayout)
	var out []GradedRecord
	for _, r := range records {
		if r.Date.Format(models.DateLayout) == want {
			out = append(out, r)
		}
	}
	return out
}

// PerfectOnly keeps perfect-day records.
func PerfectOnly(records []GradedRecord) []GradedRecord {
	var out []GradedRecord
	for _, r := range records {
		if r.Perfect {
			out = append(out, r)
		}
	}
	return out
}

func orZero(v sql.NullFloat64) float64 {
	if v.Valid {
		return v.Float64
	}
	return 0
}
