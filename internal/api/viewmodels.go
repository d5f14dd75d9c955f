package api

import (
	"database/sql"

	"github.com/lox/forecastaudit/internal/grading"
	"github.com/lox/forecastaudit/internal/models"
	"github.com/lox/forecastaudit/internal/store"
)

// LedgerRowView is a ledger row with nulls as JSON null.
type LedgerRowView struct {
	Date             string   `json:"date"`
	Station          string   `json:"station"`
	Source           string   `json:"source"`
	ForecastMinTemp  *float64 `json:"forecast_min_temp"`
	ForecastMaxTemp  *float64 `json:"forecast_max_temp"`
	ForecastRainProb *float64 `json:"forecast_rain_prob"`
	ForecastRainMin  *float64 `json:"forecast_rain_min_mm"`
	ForecastRainMax  *float64 `json:"forecast_rain_max_mm"`
	ActualMinTemp    *float64 `json:"actual_min_temp"`
	ActualMaxTemp    *float64 `json:"actual_max_temp"`
	ActualRainMM     *float64 `json:"actual_rain_mm"`
}

// LedgerResponse is the body of /api/ledger.
type LedgerResponse struct {
	Count int             `json:"count"`
	Rows  []LedgerRowView `json:"rows"`
}

// NoticesResponse is the body of /api/notices.
type NoticesResponse struct {
	Rows            int              `json:"rows"`
	Graded          int              `json:"graded"`
	ExpectedSources int              `json:"expected_sources"`
	Notices         []grading.Notice `json:"notices"`
}

// TrendResponse is the body of /api/trend.
type TrendResponse struct {
	From    string               `json:"from"`
	To      string               `json:"to"`
	Station string               `json:"station,omitempty"`
	Points  []grading.TrendPoint `json:"points"`
}

// IngestHealthResponse is the body of /api/ingest-health.
type IngestHealthResponse struct {
	Days    int                         `json:"days"`
	Summary []store.IngestHealthSummary `json:"summary"`
	Errors  []IngestErrorView           `json:"recent_errors"`
}

type IngestErrorView struct {
	RunID       string `json:"run_id"`
	StartedAt   string `json:"started_at"`
	Source      string `json:"source"`
	Station     string `json:"station"`
	TargetDate  string `json:"target_date"`
	FailureKind string `json:"failure_kind"`
	Message     string `json:"message"`
	PayloadID   *int64 `json:"payload_id,omitempty"`
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func newLedgerRowView(r models.LedgerRow) LedgerRowView {
	return LedgerRowView{
		Date:             r.Date.Format(models.DateLayout),
		Station:          r.Station,
		Source:           r.Source,
		ForecastMinTemp:  nullable(r.ForecastMinTemp),
		ForecastMaxTemp:  nullable(r.ForecastMaxTemp),
		ForecastRainProb: nullable(r.ForecastRainProb),
		ForecastRainMin:  nullable(r.ForecastRainMinMM),
		ForecastRainMax:  nullable(r.ForecastRainMaxMM),
		ActualMinTemp:    nullable(r.ActualMinTemp),
		ActualMaxTemp:    nullable(r.ActualMaxTemp),
		ActualRainMM:     nullable(r.ActualRainMM),
	}
}

func newIngestErrorView(r store.FetchRecord) IngestErrorView {
	v := IngestErrorView{
		RunID:       r.RunID,
		StartedAt:   r.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Source:      r.Source,
		Station:     r.Station,
		TargetDate:  r.TargetDate,
		FailureKind: r.FailureKind.String,
		Message:     r.ErrorMessage.String,
	}
	if r.PayloadID.Valid {
		id := r.PayloadID.Int64
		v.PayloadID = &id
	}
	return v
}

// RawPayloadView is an archived response body with its provenance.
type RawPayloadView struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	FetchedAt string `json:"fetched_at"`
	Source    string `json:"source"`
	Station   string `json:"station"`
	Endpoint  string `json:"endpoint"`
	Hash      string `json:"sha256"`
	Body      string `json:"body"`
}

func newRawPayloadView(p *store.RawPayload, body []byte) RawPayloadView {
	return RawPayloadView{
		ID:        p.ID,
		RunID:     p.RunID,
		FetchedAt: p.FetchedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Source:    p.Source,
		Station:   p.Station,
		Endpoint:  p.Endpoint,
		Hash:      p.Hash,
		Body:      string(body),
	}
}
