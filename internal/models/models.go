package models

import (
	"database/sql"
	"time"
)

// DateLayout is the calendar-day format used in the ledger and on the wire.
const DateLayout = "2006-01-02"

// Source names as they appear in the ledger.
const (
	SourceBOM         = "BOM"
	SourceOpenMeteo   = "Open-Meteo"
	SourceWeatherzone = "Weatherzone"
	SourceBOMPrecis   = "BOM-Precis"
)

type Station struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`

	// Observation feed identity: http://www.bom.gov.au/fwo/{product}/{product}.{id}.json
	BOMID      string `yaml:"bom_id"`
	BOMProduct string `yaml:"bom_product"`

	// Scraping slugs.
	BOMState        string `yaml:"bom_state"`
	BOMPlace        string `yaml:"bom_place"`
	WeatherzonePath string `yaml:"weatherzone_path"`

	// Area code in the BOM precis XML product, e.g. "SA_PT001".
	BOMAAC string `yaml:"bom_aac"`
}

// ForecastRecord is one provider's prediction for one station on one day.
type ForecastRecord struct {
	Date              time.Time
	Station           string
	Source            string
	ForecastMinTemp   sql.NullFloat64
	ForecastMaxTemp   sql.NullFloat64
	ForecastRainProb  sql.NullFloat64
	ForecastRainMinMM sql.NullFloat64
	ForecastRainMaxMM sql.NullFloat64
}

// ActualObservation is the recorded weather for one station on one day.
// It only exists as a complete triple.
type ActualObservation struct {
	MinTemp float64 `json:"min_temp"`
	MaxTemp float64 `json:"max_temp"`
	RainMM  float64 `json:"rain_mm"`
}

// LedgerRow is a forecast plus whichever actuals have been resolved.
// The three actual fields are either all valid or all null.
type LedgerRow struct {
	ForecastRecord
	ActualMinTemp sql.NullFloat64
	ActualMaxTemp sql.NullFloat64
	ActualRainMM  sql.NullFloat64
}

// RowKey uniquely identifies a ledger row.
type RowKey struct {
	Date    string
	Station string
	Source  string
}

func (r ForecastRecord) Key() RowKey {
	return RowKey{Date: r.Date.Format(DateLayout), Station: r.Station, Source: r.Source}
}

// HasActuals reports whether the full actual triple has been resolved.
func (r LedgerRow) HasActuals() bool {
	return r.ActualMinTemp.Valid && r.ActualMaxTemp.Valid && r.ActualRainMM.Valid
}

// Actuals returns the resolved observation, or nil if not yet resolved.
func (r LedgerRow) Actuals() *ActualObservation {
	if !r.HasActuals() {
		return nil
	}
	return &ActualObservation{
		MinTemp: r.ActualMinTemp.Float64,
		MaxTemp: r.ActualMaxTemp.Float64,
		RainMM:  r.ActualRainMM.Float64,
	}
}

// SetActuals writes the whole triple at once.
func (r *LedgerRow) SetActuals(obs ActualObservation) {
	r.ActualMinTemp = sql.NullFloat64{Float64: obs.MinTemp, Valid: true}
	r.ActualMaxTemp = sql.NullFloat64{Float64: obs.MaxTemp, Valid: true}
	r.ActualRainMM = sql.NullFloat64{Float64: obs.RainMM, Valid: true}
}

// Day truncates t to its calendar day in t's own location and returns it as
// UTC midnight, which is how dates are carried through the system.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into a UTC-midnight date.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// Float is a shorthand for a valid sql.NullFloat64.
func Float(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}
