package ingest

import (
	"context"
	"time"

	"github.com/lox/forecastaudit/internal/models"
)

// Source produces one provider's forecast for one station for one day.
// Implementations return a *FetchError on failure and never panic on bad
// input.
type Source interface {
	// Name is the value written to the ledger's Source column.
	Name() string
	// Provider groups sources that share a rate limit. Requests to the same
	// provider are paced and serialised.
	Provider() string
	Fetch(ctx context.Context, st models.Station, date time.Time) (*models.ForecastRecord, error)
}

// ActualsResolver produces the observed min/max/rain for a station on a
// past date.
type ActualsResolver interface {
	Provider() string
	Resolve(ctx context.Context, st models.Station, date time.Time) (*models.ActualObservation, error)
}

// Provider names used for pacing.
const (
	ProviderBOM          = "bom"
	ProviderOpenMeteo    = "open-meteo"
	ProviderWeatherzone  = "weatherzone"
	ProviderBOMFTP       = "bom-ftp"
	ProviderObservations = "bom-observations"
)
