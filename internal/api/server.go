// Package api serves the ledger and its grading as read-only JSON.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/forecastaudit/internal/grading"
	"github.com/lox/forecastaudit/internal/ledger"
	"github.com/lox/forecastaudit/internal/store"
)

// Config wires a Server. Audit is optional; without it /api/ingest-health
// answers 404.
type Config struct {
	Addr            string
	Location        *time.Location
	ExpectedSources int
	WindowDays      int
	Audit           *store.Store
	Logger          *slog.Logger
}

type Server struct {
	ledger          ledger.Reader
	audit           *store.Store
	addr            string
	loc             *time.Location
	expectedSources int
	windowDays      int
	log             *slog.Logger
	now             func() time.Time
}

func NewServer(rows ledger.Reader, cfg Config) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	windowDays := cfg.WindowDays
	if windowDays <= 0 {
		windowDays = grading.DefaultWindowDays
	}
	return &Server{
		ledger:          rows,
		audit:           cfg.Audit,
		addr:            cfg.Addr,
		loc:             loc,
		expectedSources: cfg.ExpectedSources,
		windowDays:      windowDays,
		log:             logger,
		now:             time.Now,
	}
}

// SetClock overrides the wall clock used for the default as_of date.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/ledger", s.handleAPILedger)
	mux.HandleFunc("/api/leaderboard", s.handleAPILeaderboard)
	mux.HandleFunc("/api/breakdown", s.handleAPIBreakdown)
	mux.HandleFunc("/api/notices", s.handleAPINotices)
	mux.HandleFunc("/api/trend", s.handleAPITrend)
	mux.HandleFunc("/api/ingest-health", s.handleAPIIngestHealth)
	mux.HandleFunc("/api/raw-payloads/{id}", s.handleAPIRawPayload)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info("api: listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.ledger.AllRows(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
