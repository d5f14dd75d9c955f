package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/forecastaudit/internal/grading"
	"github.com/lox/forecastaudit/internal/models"
	"github.com/lox/forecastaudit/internal/store"
)

const recentErrorLimit = 20

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func queryDate(r *http.Request, key string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	d, err := models.ParseDay(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD", key)
	}
	return d, nil
}

func (s *Server) today() time.Time {
	return models.Day(s.now().In(s.loc))
}

func (s *Server) handleAPILedger(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.AllRows()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	station := r.URL.Query().Get("station")
	resp := LedgerResponse{Rows: make([]LedgerRowView, 0, len(rows))}
	for _, row := range rows {
		if station != "" && row.Station != station {
			continue
		}
		resp.Rows = append(resp.Rows, newLedgerRowView(row))
	}
	resp.Count = len(resp.Rows)
	writeJSON(w, resp)
}

func (s *Server) handleAPILeaderboard(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", s.windowDays)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	asOf, err := queryDate(r, "as_of", s.today())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.ledger.AllRows()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	board := grading.Leaderboard(grading.GradeAll(rows), asOf, grading.Filter{
		WindowDays:  days,
		Station:     r.URL.Query().Get("station"),
		PerfectOnly: queryBool(r, "perfect"),
	})
	writeJSON(w, board)
}

func (s *Server) handleAPITrend(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", s.windowDays)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	asOf, err := queryDate(r, "as_of", s.today())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.ledger.AllRows()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f := grading.Filter{
		WindowDays:  days,
		Station:     r.URL.Query().Get("station"),
		PerfectOnly: queryBool(r, "perfect"),
	}
	from, to := f.Window(asOf)
	writeJSON(w, TrendResponse{
		From:    from.Format(models.DateLayout),
		To:      to.Format(models.DateLayout),
		Station: f.Station,
		Points:  grading.Trend(grading.GradeAll(rows), asOf, f),
	})
}

func (s *Server) handleAPIBreakdown(w http.ResponseWriter, r *http.Request) {
	station := r.URL.Query().Get("station")
	if station == "" {
		http.Error(w, "station is required", http.StatusBadRequest)
		return
	}

	rows, err := s.ledger.AllRows()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	graded := grading.GradeAll(rows)

	// Default to the station's most recent graded day.
	var latest time.Time
	for _, g := range graded {
		if g.Station == station && g.Date.After(latest) {
			latest = g.Date
		}
	}
	if latest.IsZero() {
		latest = s.today().AddDate(0, 0, -1)
	}
	date, err := queryDate(r, "date", latest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, grading.Breakdown(graded, station, date, queryBool(r, "perfect")))
}

func (s *Server) handleAPINotices(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.AllRows()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	notices := grading.Notices(rows, s.expectedSources)
	if notices == nil {
		notices = []grading.Notice{}
	}
	writeJSON(w, NoticesResponse{
		Rows:            len(rows),
		Graded:          len(grading.GradeAll(rows)),
		ExpectedSources: s.expectedSources,
		Notices:         notices,
	})
}

func (s *Server) handleAPIIngestHealth(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "ingest audit is not enabled", http.StatusNotFound)
		return
	}
	days, err := queryInt(r, "days", 7)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.audit.GetIngestHealth(days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	recent, err := s.audit.GetRecentIngestErrors(recentErrorLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := IngestHealthResponse{
		Days:    days,
		Summary: summary,
		Errors:  make([]IngestErrorView, 0, len(recent)),
	}
	if resp.Summary == nil {
		resp.Summary = []store.IngestHealthSummary{}
	}
	for _, rec := range recent {
		resp.Errors = append(resp.Errors, newIngestErrorView(rec))
	}
	writeJSON(w, resp)
}

func (s *Server) handleAPIRawPayload(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "ingest audit is not enabled", http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return
	}

	info, err := s.audit.GetRawPayloadInfo(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if info == nil {
		http.Error(w, fmt.Sprintf("payload %d not found", id), http.StatusNotFound)
		return
	}
	body, err := s.audit.GetRawPayload(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, newRawPayloadView(info, body))
}
