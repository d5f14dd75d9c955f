package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lox/forecastaudit/internal/httputil"
	"github.com/lox/forecastaudit/internal/models"
)

const DefaultObservationsURL = "http://www.bom.gov.au/fwo"

// fallbackSamples is roughly 24 hours of half-hourly observations.
const fallbackSamples = 48

// Observations resolves actuals from the BOM station observation feed,
// which holds about three days of half-hourly samples, newest first.
type Observations struct {
	baseURL string
	fetcher *httputil.Fetcher
}

func NewObservations(baseURL string, client *http.Client, tripAfter uint32) *Observations {
	if baseURL == "" {
		baseURL = DefaultObservationsURL
	}
	headers := map[string]string{
		"User-Agent": httputil.BrowserUserAgent,
		"Accept":     "application/json",
		"Referer":    "http://www.bom.gov.au/",
	}
	return &Observations{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: httputil.NewFetcher(ProviderObservations, client, headers, tripAfter),
	}
}

func (o *Observations) Provider() string { return ProviderObservations }

type observationFeed struct {
	Observations *struct {
		Data []observationSample `json:"data"`
	} `json:"observations"`
}

type observationSample struct {
	LocalDateTimeFull string          `json:"local_date_time_full"`
	AirTemp           *float64        `json:"air_temp"`
	RainTrace         json.RawMessage `json:"rain_trace"`
}

func (o *Observations) Resolve(ctx context.Context, st models.Station, date time.Time) (*models.ActualObservation, error) {
	const source = "BOM observations"
	if st.BOMID == "" || st.BOMProduct == "" {
		return nil, noDataErr(source, st.Name, "station has no bom_id/bom_product")
	}
	url := fmt.Sprintf("%s/%s/%s.%s.json", o.baseURL, st.BOMProduct, st.BOMProduct, st.BOMID)

	body, err := o.fetcher.Get(ctx, url)
	if err != nil {
		return nil, transportErr(source, st.Name, err)
	}

	var feed observationFeed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, withPayload(parseErr(source, st.Name, "unmarshal: %v", err), url, body)
	}
	if feed.Observations == nil || feed.Observations.Data == nil {
		return nil, withPayload(parseErr(source, st.Name, "missing observations.data"), url, body)
	}
	data := feed.Observations.Data
	if len(data) < 2 {
		return nil, noDataErr(source, st.Name, "insufficient observation data (%d samples)", len(data))
	}

	window := samplesForDay(data, date)
	if len(window) == 0 {
		return nil, noDataErr(source, st.Name, "no samples with air temperature")
	}

	obs := &models.ActualObservation{MinTemp: window[0], MaxTemp: window[0]}
	for _, t := range window[1:] {
		obs.MinTemp = min(obs.MinTemp, t)
		obs.MaxTemp = max(obs.MaxTemp, t)
	}

	rain, err := parseRainTrace(data[0].RainTrace)
	if err != nil {
		return nil, withPayload(parseErr(source, st.Name, "rain_trace: %v", err), url, body)
	}
	obs.RainMM = rain
	return obs, nil
}

// samplesForDay returns the air temperatures recorded on date. When the feed
// has none for that day it falls back to the newest fallbackSamples samples.
func samplesForDay(data []observationSample, date time.Time) []float64 {
	want := date.Format("20060102")
	var temps []float64
	for _, s := range data {
		if s.AirTemp == nil || len(s.LocalDateTimeFull) < 8 {
			continue
		}
		if s.LocalDateTimeFull[:8] == want {
			temps = append(temps, *s.AirTemp)
		}
	}
	if len(temps) > 0 {
		return temps
	}

	head := data
	if len(head) > fallbackSamples {
		head = head[:fallbackSamples]
	}
	for _, s := range head {
		if s.AirTemp != nil {
			temps = append(temps, *s.AirTemp)
		}
	}
	return temps
}

// parseRainTrace reads the rainfall since 9am. The feed sends a string, "-"
// when nothing is recorded.
func parseRainTrace(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable value %q", s)
	}
	return v, nil
}
