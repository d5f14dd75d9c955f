package ingest

import (
	"encoding/json"

	"github.com/lox/forecastaudit/internal/models"
)

const (
	FlagTempOutOfRange    = "temp_out_of_range"
	FlagMinAboveMax       = "min_above_max"
	FlagRainRangeInverted = "rain_range_inverted"
	FlagRainNegative      = "rain_negative"
	FlagProbInvalid       = "rain_prob_invalid"
)

// ValidateForecast returns sanity flags for a collected forecast. Flagged
// records are still written; the flags only feed logs and the audit table.
func ValidateForecast(fc *models.ForecastRecord) []string {
	var flags []string

	for _, t := range []struct {
		v     float64
		valid bool
	}{
		{fc.ForecastMinTemp.Float64, fc.ForecastMinTemp.Valid},
		{fc.ForecastMaxTemp.Float64, fc.ForecastMaxTemp.Valid},
	} {
		if t.valid && (t.v < -10 || t.v > 50) {
			flags = append(flags, FlagTempOutOfRange)
			break
		}
	}

	if fc.ForecastMinTemp.Valid && fc.ForecastMaxTemp.Valid && fc.ForecastMinTemp.Float64 > fc.ForecastMaxTemp.Float64 {
		flags = append(flags, FlagMinAboveMax)
	}

	if fc.ForecastRainMinMM.Valid && fc.ForecastRainMaxMM.Valid && fc.ForecastRainMinMM.Float64 > fc.ForecastRainMaxMM.Float64 {
		flags = append(flags, FlagRainRangeInverted)
	}

	if (fc.ForecastRainMinMM.Valid && fc.ForecastRainMinMM.Float64 < 0) ||
		(fc.ForecastRainMaxMM.Valid && fc.ForecastRainMaxMM.Float64 < 0) {
		flags = append(flags, FlagRainNegative)
	}

	if fc.ForecastRainProb.Valid {
		if fc.ForecastRainProb.Float64 < 0 || fc.ForecastRainProb.Float64 > 100 {
			flags = append(flags, FlagProbInvalid)
		}
	}

	return flags
}

// MissingFields names the optional forecast fields a source left empty.
func MissingFields(fc *models.ForecastRecord) []string {
	var missing []string
	if !fc.ForecastMinTemp.Valid {
		missing = append(missing, "min_temp")
	}
	if !fc.ForecastRainProb.Valid {
		missing = append(missing, "rain_prob")
	}
	if !fc.ForecastRainMinMM.Valid || !fc.ForecastRainMaxMM.Valid {
		missing = append(missing, "rain_range")
	}
	return missing
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
