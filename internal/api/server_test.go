package api_test

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lox/forecastaudit/internal/api"
	"github.com/lox/forecastaudit/internal/grading"
	"github.com/lox/forecastaudit/internal/ledger"
	"github.com/lox/forecastaudit/internal/models"
	"github.com/lox/forecastaudit/internal/store"

	_ "modernc.org/sqlite"
)

var (
	day1 = time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
)

func row(date time.Time, station, source string, maxTemp float64, actual *models.ActualObservation) models.LedgerRow {
	r := models.LedgerRow{ForecastRecord: models.ForecastRecord{
		Date:            date,
		Station:         station,
		Source:          source,
		ForecastMaxTemp: models.Float(maxTemp),
	}}
	if actual != nil {
		r.SetActuals(*actual)
	}
	return r
}

func testLedger(t *testing.T) *ledger.Table {
	t.Helper()
	obs := &models.ActualObservation{MinTemp: 16, MaxTemp: 30.4, RainMM: 0}
	tbl, err := ledger.NewTable([]models.LedgerRow{
		row(day1, "West Terrace", "BOM", 30, obs),
		row(day1, "West Terrace", "Open-Meteo", 33, obs),
		row(day2, "West Terrace", "BOM", 28, nil),
		row(day2, "West Terrace", "Open-Meteo", 27, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func newServer(t *testing.T, rows ledger.Reader, audit *store.Store) *api.Server {
	t.Helper()
	srv := api.NewServer(rows, api.Config{
		Addr:            ":0",
		Location:        time.UTC,
		ExpectedSources: 3,
		Audit:           audit,
	})
	srv.SetClock(func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) })
	return srv
}

func newAuditStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	audit := store.New(db)
	if err := audit.Migrate(); err != nil {
		t.Fatal(err)
	}
	return audit
}

func get(t *testing.T, srv *api.Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func sourcesOf(stats []grading.SourceStats) []string {
	var out []string
	for _, s := range stats {
		out = append(out, s.Source)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testLedger(t), nil)

	w := get(t, srv, "/health")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

type failingReader struct{}

func (failingReader) AllRows() ([]models.LedgerRow, error) {
	return nil, errors.New("ledger unreadable")
}

func TestHealthEndpointLedgerError(t *testing.T) {
	t.Parallel()
	srv := newServer(t, failingReader{}, nil)

	w := get(t, srv, "/health")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ledger unreadable") {
		t.Errorf("body = %s", w.Body.String())
	}

	if w := get(t, srv, "/api/leaderboard"); w.Code != http.StatusInternalServerError {
		t.Errorf("leaderboard status = %d, want 500", w.Code)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testLedger(t), nil)

	var resp api.LedgerResponse
	decode(t, get(t, srv, "/api/ledger"), &resp)
	if resp.Count != 4 || len(resp.Rows) != 4 {
		t.Fatalf("count = %d rows = %d, want 4", resp.Count, len(resp.Rows))
	}
	first := resp.Rows[0]
	if first.Date != "2025-01-09" || first.Source != "BOM" || *first.ForecastMaxTemp != 30 {
		t.Errorf("first row = %+v", first)
	}
	if first.ForecastMinTemp != nil {
		t.Errorf("absent minimum should be null, got %v", *first.ForecastMinTemp)
	}
	if resp.Rows[2].ActualMaxTemp != nil {
		t.Error("pending row should have null actuals")
	}

	decode(t, get(t, srv, "/api/ledger?station=Kent+Town"), &resp)
	if resp.Count != 0 {
		t.Errorf("filtered count = %d, want 0", resp.Count)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testLedger(t), nil)

	var board grading.Board
	decode(t, get(t, srv, "/api/leaderboard"), &board)
	if diff := cmp.Diff([]string{"BOM", "Open-Meteo"}, sourcesOf(board.ByMaxTemp)); diff != "" {
		t.Errorf("max temp ranking (-want +got):\n%s", diff)
	}
	if board.ByMaxTemp[0].MaxTempMAE != 0.4 || board.ByMaxTemp[1].MaxTempMAE != 2.6 {
		t.Errorf("MAE = %v / %v", board.ByMaxTemp[0].MaxTempMAE, board.ByMaxTemp[1].MaxTempMAE)
	}
	if !board.To.Equal(day2) {
		t.Errorf("window end = %s, want %s", board.To, day2)
	}

	decode(t, get(t, srv, "/api/leaderboard?perfect=true"), &board)
	if diff := cmp.Diff([]string{"BOM"}, sourcesOf(board.ByMaxTemp)); diff != "" {
		t.Errorf("perfect-only ranking (-want +got):\n%s", diff)
	}

	// A window that ends before any graded day is empty.
	decode(t, get(t, srv, "/api/leaderboard?as_of=2025-01-05&days=3"), &board)
	if len(board.ByMaxTemp) != 0 {
		t.Errorf("expected empty board, got %v", sourcesOf(board.ByMaxTemp))
	}
}

func TestLeaderboardBadParams(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testLedger(t), nil)

	for _, target := range []string{
		"/api/leaderboard?days=abc",
		"/api/leaderboard?days=-1",
		"/api/leaderboard?as_of=10/01/2025",
		"/api/trend?days=0",
		"/api/trend?as_of=2025-13-01",
		"/api/breakdown",
		"/api/breakdown?station=West+Terrace&date=yesterday",
	} {
		if w := get(t, srv, target); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", target, w.Code)
		}
	}
}

func TestTrendEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testLedger(t), nil)

	tests := []struct {
		target   string
		wantFrom string
		want     []grading.TrendPoint
	}{
		{
			target:   "/api/trend",
			wantFrom: "2024-12-12",
			want: []grading.TrendPoint{
				{Date: "2025-01-09", Source: "BOM", Count: 1, MaxTempError: 0.4},
				{Date: "2025-01-09", Source: "Open-Meteo", Count: 1, MaxTempError: 2.6},
			},
		},
		{
			target:   "/api/trend?perfect=true&station=West+Terrace",
			wantFrom: "2024-12-12",
			want: []grading.TrendPoint{
				{Date: "2025-01-09", Source: "BOM", Count: 1, MaxTempError: 0.4},
			},
		},
		{
			target:   "/api/trend?station=Noarlunga",
			wantFrom: "2024-12-12",
			want:     []grading.TrendPoint{},
		},
		{
			target:   "/api/trend?as_of=2025-01-08&days=7",
			wantFrom: "2025-01-02",
			want:     []grading.TrendPoint{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			var resp api.TrendResponse
			decode(t, get(t, srv, tt.target), &resp)
			if resp.From != tt.wantFrom {
				t.Errorf("from = %s, want %s", resp.From, tt.wantFrom)
			}
			if resp.Points == nil {
				t.Fatal("points encoded as null")
			}
			if diff := cmp.Diff(tt.want, resp.Points); diff != "" {
				t.Errorf("points mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBreakdownEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testLedger(t), nil)

	// No date: the station's latest graded day.
	var bd grading.DayBreakdown
	decode(t, get(t, srv, "/api/breakdown?station=West+Terrace"), &bd)
	if bd.Date != "2025-01-09" {
		t.Errorf("date = %s, want 2025-01-09", bd.Date)
	}
	if bd.Actual == nil || bd.Actual.MaxTemp != 30.4 {
		t.Fatalf("actual = %+v", bd.Actual)
	}
	if len(bd.Sources) != 2 || bd.Sources[1].MaxTempDelta != 2.6 || !bd.Sources[0].Perfect {
		t.Errorf("sources = %+v", bd.Sources)
	}

	decode(t, get(t, srv, "/api/breakdown?station=West+Terrace&date=2025-01-10"), &bd)
	if bd.Actual != nil || len(bd.Sources) != 0 {
		t.Errorf("ungraded day should be empty, got %+v", bd)
	}
}

func TestNoticesEndpoint(t *testing.T) {
	t.Parallel()
	srv := newServer(t, testLedger(t), nil)

	var resp api.NoticesResponse
	decode(t, get(t, srv, "/api/notices"), &resp)
	if resp.Rows != 4 || resp.Graded != 2 || resp.ExpectedSources != 3 {
		t.Errorf("counts = %+v", resp)
	}
	want := []grading.Notice{
		{Level: grading.LevelWarning, Message: "Waiting on actuals for 2025-01-10 (2 rows) before grading."},
		{Level: grading.LevelWarning, Message: "Only 2 of 3 sources reported for 2025-01-10."},
	}
	if diff := cmp.Diff(want, resp.Notices); diff != "" {
		t.Errorf("notices mismatch (-want +got):\n%s", diff)
	}

	empty, _ := ledger.NewTable(nil)
	decode(t, get(t, newServer(t, empty, nil), "/api/notices"), &resp)
	if len(resp.Notices) != 1 || !strings.Contains(resp.Notices[0].Message, "No data") {
		t.Errorf("empty ledger notices = %+v", resp.Notices)
	}
}

func TestIngestHealthEndpoint(t *testing.T) {
	t.Parallel()

	if w := get(t, newServer(t, testLedger(t), nil), "/api/ingest-health"); w.Code != http.StatusNotFound {
		t.Errorf("without audit store: status %d, want 404", w.Code)
	}

	audit := newAuditStore(t)
	payloadID, err := audit.StoreRawPayload("run-1", "BOM", "West Terrace", "http://example/forecast", []byte("<html>"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	for _, r := range []store.FetchRecord{
		{RunID: "run-1", StartedAt: now, Provider: "bom", Source: "BOM", Station: "Kent Town", TargetDate: "2025-01-10", Success: true, Records: 1},
		{RunID: "run-1", StartedAt: now, Provider: "bom", Source: "BOM", Station: "West Terrace", TargetDate: "2025-01-10",
			FailureKind:  sql.NullString{String: "parse", Valid: true},
			ErrorMessage: sql.NullString{String: "could not locate max temperature", Valid: true},
			PayloadID:    sql.NullInt64{Int64: payloadID, Valid: true}},
	} {
		if err := audit.RecordFetch(r); err != nil {
			t.Fatal(err)
		}
	}

	var resp api.IngestHealthResponse
	decode(t, get(t, newServer(t, testLedger(t), audit), "/api/ingest-health?days=3"), &resp)
	if resp.Days != 3 || len(resp.Summary) != 1 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if s := resp.Summary[0]; s.TotalRuns != 2 || s.Parse != 1 {
		t.Errorf("summary row = %+v", s)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("errors = %+v", resp.Errors)
	}
	e := resp.Errors[0]
	if e.FailureKind != "parse" || e.Station != "West Terrace" || e.PayloadID == nil || *e.PayloadID != payloadID {
		t.Errorf("error view = %+v", e)
	}
}

func TestRawPayloadEndpoint(t *testing.T) {
	t.Parallel()

	if w := get(t, newServer(t, testLedger(t), nil), "/api/raw-payloads/1"); w.Code != http.StatusNotFound {
		t.Errorf("without audit store: status %d, want 404", w.Code)
	}

	audit := newAuditStore(t)
	body := []byte(`<html><p>Max 31</p></html>`)
	id, err := audit.StoreRawPayload("run-7", "BOM", "West Terrace", "http://example/forecast", body)
	if err != nil {
		t.Fatal(err)
	}
	srv := newServer(t, testLedger(t), audit)

	var view api.RawPayloadView
	decode(t, get(t, srv, fmt.Sprintf("/api/raw-payloads/%d", id)), &view)
	if view.ID != id || view.RunID != "run-7" || view.Source != "BOM" || view.Station != "West Terrace" {
		t.Errorf("view = %+v", view)
	}
	if view.Endpoint != "http://example/forecast" || len(view.Hash) != 64 {
		t.Errorf("provenance = %q %q", view.Endpoint, view.Hash)
	}
	if view.Body != string(body) {
		t.Errorf("body = %q, want %q", view.Body, body)
	}

	for _, tt := range []struct {
		target string
		want   int
	}{
		{fmt.Sprintf("/api/raw-payloads/%d", id+1), http.StatusNotFound},
		{"/api/raw-payloads/abc", http.StatusBadRequest},
		{"/api/raw-payloads/0", http.StatusBadRequest},
	} {
		if w := get(t, srv, tt.target); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.target, w.Code, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	w := get(t, newServer(t, testLedger(t), nil), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected default collectors in /metrics output")
	}
}
