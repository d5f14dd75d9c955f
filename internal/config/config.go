// Package config loads the station list and source settings from YAML.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/lox/forecastaudit/internal/ingest"
	"github.com/lox/forecastaudit/internal/models"
)

//go:embed stations.yaml
var defaultYAML []byte

type Config struct {
	Timezone     string           `yaml:"timezone"`
	Window       WindowConfig     `yaml:"window"`
	HTTP         HTTPConfig       `yaml:"http"`
	Stations     []models.Station `yaml:"stations"`
	Sources      SourcesConfig    `yaml:"sources"`
	Observations ProviderConfig   `yaml:"observations"`
	Grading      GradingConfig    `yaml:"grading"`
	Audit        AuditConfig      `yaml:"audit"`
}

// WindowConfig is the local-time collection window. Nominal is "HH:MM".
type WindowConfig struct {
	Nominal string        `yaml:"nominal"`
	Before  time.Duration `yaml:"before"`
	After   time.Duration `yaml:"after"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// BreakerTrips is the number of consecutive transport failures after
	// which a provider is skipped for the rest of the run. 0 disables it.
	BreakerTrips uint32 `yaml:"breaker_trips"`
}

type ProviderConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Pacing  time.Duration `yaml:"pacing"`
}

type OpenMeteoConfig struct {
	ProviderConfig `yaml:",inline"`
	// Models lists Open-Meteo model names, one source each. Empty means the
	// best-match blend.
	Models []string `yaml:"models"`
}

type PrecisConfig struct {
	ProviderConfig `yaml:",inline"`
	Host           string `yaml:"host"`
	File           string `yaml:"file"`
}

type SourcesConfig struct {
	BOM         ProviderConfig  `yaml:"bom"`
	OpenMeteo   OpenMeteoConfig `yaml:"open_meteo"`
	Weatherzone ProviderConfig  `yaml:"weatherzone"`
	BOMPrecis   PrecisConfig    `yaml:"bom_precis"`
}

type GradingConfig struct {
	WindowDays int `yaml:"window_days"`
}

type AuditConfig struct {
	PayloadRetentionDays int `yaml:"payload_retention_days"`
}

// Default returns the embedded configuration.
func Default() (*Config, error) {
	var cfg Config
	if err := decode(defaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("decode embedded config: %w", err)
	}
	return &cfg, nil
}

// Load reads path over the embedded defaults. An empty path returns the
// defaults. A file that sets stations replaces the whole default list.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if len(c.Stations) == 0 {
		return errors.New("config: no stations")
	}
	seen := make(map[string]bool, len(c.Stations))
	for i, st := range c.Stations {
		if st.Name == "" {
			return fmt.Errorf("config: station %d has no name", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("config: duplicate station %q", st.Name)
		}
		seen[st.Name] = true
		if st.Latitude < -90 || st.Latitude > 90 || st.Longitude < -180 || st.Longitude > 180 {
			return fmt.Errorf("config: station %q has invalid coordinates", st.Name)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := ingest.ParseClock(c.Window.Nominal); err != nil {
		return fmt.Errorf("config: window: %w", err)
	}
	if c.Window.Before < 0 || c.Window.After < 0 {
		return errors.New("config: window offsets must not be negative")
	}
	if c.ExpectedSources() == 0 {
		return errors.New("config: no sources enabled")
	}
	return nil
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RunWindow builds the collection window in loc.
func (c *Config) RunWindow(loc *time.Location) (ingest.Window, error) {
	nominal, err := ingest.ParseClock(c.Window.Nominal)
	if err != nil {
		return ingest.Window{}, err
	}
	return ingest.Window{
		Nominal: nominal,
		Before:  c.Window.Before,
		After:   c.Window.After,
		Loc:     loc,
	}, nil
}

// ExpectedSources is the number of ledger sources a complete day has.
func (c *Config) ExpectedSources() int {
	n := 0
	if c.Sources.BOM.Enabled {
		n++
	}
	if c.Sources.OpenMeteo.Enabled {
		n += max(1, len(c.Sources.OpenMeteo.Models))
	}
	if c.Sources.Weatherzone.Enabled {
		n++
	}
	if c.Sources.BOMPrecis.Enabled {
		n++
	}
	return n
}

// Pacing maps provider names to the pause between their requests.
func (c *Config) Pacing() map[string]time.Duration {
	return map[string]time.Duration{
		ingest.ProviderBOM:          c.Sources.BOM.Pacing,
		ingest.ProviderOpenMeteo:    c.Sources.OpenMeteo.Pacing,
		ingest.ProviderWeatherzone:  c.Sources.Weatherzone.Pacing,
		ingest.ProviderBOMFTP:       c.Sources.BOMPrecis.Pacing,
		ingest.ProviderObservations: c.Observations.Pacing,
	}
}

// BuildSources constructs the enabled adapters in ledger order.
func (c *Config) BuildSources(client *http.Client, loc *time.Location) []ingest.Source {
	trips := c.HTTP.BreakerTrips
	var sources []ingest.Source
	if c.Sources.BOM.Enabled {
		sources = append(sources, ingest.NewBOMPlaces(c.Sources.BOM.BaseURL, client, trips))
	}
	if c.Sources.OpenMeteo.Enabled {
		for _, om := range ingest.NewOpenMeteoSources(c.Sources.OpenMeteo.BaseURL, c.Timezone, c.Sources.OpenMeteo.Models, client, trips) {
			sources = append(sources, om)
		}
	}
	if c.Sources.Weatherzone.Enabled {
		sources = append(sources, ingest.NewWeatherzone(c.Sources.Weatherzone.BaseURL, client, trips))
	}
	if c.Sources.BOMPrecis.Enabled {
		p := c.Sources.BOMPrecis
		sources = append(sources, ingest.NewBOMPrecis(p.Host, p.File, c.HTTP.Timeout, loc))
	}
	return sources
}

// BuildResolver constructs the observation-feed actuals resolver.
func (c *Config) BuildResolver(client *http.Client) ingest.ActualsResolver {
	return ingest.NewObservations(c.Observations.BaseURL, client, c.HTTP.BreakerTrips)
}
