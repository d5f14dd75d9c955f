package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lox/forecastaudit/internal/httputil"
	"github.com/lox/forecastaudit/internal/models"
)

const DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

const openMeteoDaily = "temperature_2m_max,temperature_2m_min,precipitation_probability_max,precipitation_sum"

// OpenMeteo fetches the daily aggregate for one model. With no model set
// Open-Meteo picks its "best match" blend.
type OpenMeteo struct {
	baseURL  string
	model    string
	timezone string
	fetcher  *httputil.Fetcher
}

// NewOpenMeteoSources returns one source per model. An empty model list gives
// a single best-match source. All sources share one fetcher so the breaker
// sees every request to the provider.
func NewOpenMeteoSources(baseURL, timezone string, modelNames []string, client *http.Client, tripAfter uint32) []*OpenMeteo {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	fetcher := httputil.NewFetcher(ProviderOpenMeteo, client, nil, tripAfter)
	if len(modelNames) == 0 {
		modelNames = []string{""}
	}
	sources := make([]*OpenMeteo, 0, len(modelNames))
	for _, m := range modelNames {
		sources = append(sources, &OpenMeteo{
			baseURL:  baseURL,
			model:    m,
			timezone: timezone,
			fetcher:  fetcher,
		})
	}
	return sources
}

func (o *OpenMeteo) Name() string {
	if o.model == "" {
		return models.SourceOpenMeteo
	}
	return models.SourceOpenMeteo + " (" + o.model + ")"
}

func (o *OpenMeteo) Provider() string { return ProviderOpenMeteo }

func (o *OpenMeteo) requestURL(st models.Station, date time.Time) string {
	day := date.Format(models.DateLayout)
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", st.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", st.Longitude))
	q.Set("daily", openMeteoDaily)
	if o.timezone != "" {
		q.Set("timezone", o.timezone)
	}
	q.Set("start_date", day)
	q.Set("end_date", day)
	if o.model != "" {
		q.Set("models", o.model)
	}
	sep := "?"
	if strings.Contains(o.baseURL, "?") {
		sep = "&"
	}
	return o.baseURL + sep + q.Encode()
}

func (o *OpenMeteo) Fetch(ctx context.Context, st models.Station, date time.Time) (*models.ForecastRecord, error) {
	endpoint := o.requestURL(st, date)
	body, err := o.fetcher.Get(ctx, endpoint)
	if err != nil {
		return nil, transportErr(o.Name(), st.Name, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, withPayload(parseErr(o.Name(), st.Name, "invalid json: %s", httputil.TruncateBody(body)), endpoint, body)
	}

	daily := gjson.GetBytes(body, "daily")
	if !daily.Exists() || !daily.IsObject() {
		return nil, noDataErr(o.Name(), st.Name, "no daily object in response")
	}

	maxTemp := firstValue(daily, "temperature_2m_max")
	minTemp := firstValue(daily, "temperature_2m_min")
	if !maxTemp.Valid || !minTemp.Valid {
		return nil, noDataErr(o.Name(), st.Name, "null temperature in daily aggregate")
	}
	rain := firstValue(daily, "precipitation_sum")

	return &models.ForecastRecord{
		Date:              models.Day(date),
		Station:           st.Name,
		Source:            o.Name(),
		ForecastMinTemp:   minTemp,
		ForecastMaxTemp:   maxTemp,
		ForecastRainProb:  firstValue(daily, "precipitation_probability_max"),
		ForecastRainMinMM: rain,
		ForecastRainMaxMM: rain,
	}, nil
}

// firstValue reads element 0 of a daily array. Anything that is not a number
// is null.
func firstValue(daily gjson.Result, field string) sql.NullFloat64 {
	v := daily.Get(field + ".0")
	if v.Type != gjson.Number {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v.Float(), Valid: true}
}
