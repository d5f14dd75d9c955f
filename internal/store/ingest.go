package store

import (
	"database/sql"
	"time"
)

// FetchRecord is one adapter or resolver call, kept for auditing.
type FetchRecord struct {
	ID           int64
	RunID        string
	StartedAt    time.Time
	Provider     string
	Source       string
	Station      string
	TargetDate   string
	Success      bool
	FailureKind  sql.NullString
	DurationMS   int64
	Records      int
	QualityFlags sql.NullString
	ErrorMessage sql.NullString
	PayloadID    sql.NullInt64
}

// RecordFetch appends one audit row.
func (s *Store) RecordFetch(r FetchRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO ingest_runs (run_id, started_at, provider, source, station, target_date,
			success, failure_kind, duration_ms, records, quality_flags, error_message, payload_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.StartedAt.UTC(), r.Provider, r.Source, r.Station, r.TargetDate,
		r.Success, r.FailureKind, r.DurationMS, r.Records, r.QualityFlags, r.ErrorMessage, r.PayloadID)
	return err
}

// IngestHealthSummary is the per-day, per-source success tally.
type IngestHealthSummary struct {
	Date        string `json:"date"`
	Source      string `json:"source"`
	TotalRuns   int    `json:"total_runs"`
	SuccessRuns int    `json:"success_runs"`
	FailedRuns  int    `json:"failed_runs"`
	Transport   int    `json:"transport_failures"`
	Parse       int    `json:"parse_failures"`
	NoData      int    `json:"no_data_failures"`
	Flagged     int    `json:"flagged"`
}

// GetIngestHealth returns ingest health summaries for the last N days.
func (s *Store) GetIngestHealth(days int) ([]IngestHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			source,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			SUM(CASE WHEN failure_kind = 'transport' THEN 1 ELSE 0 END),
			SUM(CASE WHEN failure_kind = 'parse' THEN 1 ELSE 0 END),
			SUM(CASE WHEN failure_kind = 'no_data' THEN 1 ELSE 0 END),
			SUM(CASE WHEN quality_flags IS NOT NULL AND quality_flags != '' THEN 1 ELSE 0 END)
		FROM ingest_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, source
		ORDER BY date DESC, source
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.TotalRuns, &h.SuccessRuns, &h.FailedRuns,
			&h.Transport, &h.Parse, &h.NoData, &h.Flagged); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed calls, newest first.
func (s *Store) GetRecentIngestErrors(limit int) ([]FetchRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, started_at, provider, source, station, target_date,
			   success, failure_kind, duration_ms, records, quality_flags, error_message, payload_id
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FetchRecord
	for rows.Next() {
		var r FetchRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.Provider, &r.Source, &r.Station,
			&r.TargetDate, &r.Success, &r.FailureKind, &r.DurationMS, &r.Records,
			&r.QualityFlags, &r.ErrorMessage, &r.PayloadID); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
