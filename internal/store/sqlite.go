package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/forecastaudit/internal/models"
)

// Store is the SQLite ledger backend. It also holds the ingest audit table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite connections do not share an in-memory database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := New(db)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HasDate(date time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM ledger WHERE date = ?)`,
		date.Format(models.DateLayout)).Scan(&exists)
	return exists, err
}

// UpsertForecasts appends rows whose key is not already present. Existing
// rows are never modified.
func (s *Store) UpsertForecasts(records []models.ForecastRecord) (int, error) {
	rows := make([]models.LedgerRow, len(records))
	for i, r := range records {
		rows[i] = models.LedgerRow{ForecastRecord: r}
	}
	return s.ImportRows(rows)
}

// ImportRows appends full ledger rows, actuals included, skipping keys that
// already exist.
func (s *Store) ImportRows(rows []models.LedgerRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO ledger (date, station, source,
			forecast_min_temp, forecast_max_temp, forecast_rain_prob,
			forecast_rain_min_mm, forecast_rain_max_mm,
			actual_min_temp, actual_max_temp, actual_rain_mm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, station, source) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rows {
		res, err := stmt.Exec(r.Date.Format(models.DateLayout), r.Station, r.Source,
			r.ForecastMinTemp, r.ForecastMaxTemp, r.ForecastRainProb,
			r.ForecastRainMinMM, r.ForecastRainMaxMM,
			r.ActualMinTemp, r.ActualMaxTemp, r.ActualRainMM)
		if err != nil {
			return 0, fmt.Errorf("insert %s/%s/%s: %w", r.Date.Format(models.DateLayout), r.Station, r.Source, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// UpdateActuals writes obs to every row for (date, station) in one
// statement and returns the number of rows matched.
func (s *Store) UpdateActuals(date time.Time, station string, obs models.ActualObservation) (int, error) {
	res, err := s.db.Exec(`
		UPDATE ledger SET
			actual_min_temp = ?,
			actual_max_temp = ?,
			actual_rain_mm = ?
		WHERE date = ? AND station = ?
	`, obs.MinTemp, obs.MaxTemp, obs.RainMM, date.Format(models.DateLayout), station)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AllRows returns the ledger in insertion order.
func (s *Store) AllRows() ([]models.LedgerRow, error) {
	rows, err := s.db.Query(`
		SELECT date, station, source,
			forecast_min_temp, forecast_max_temp, forecast_rain_prob,
			forecast_rain_min_mm, forecast_rain_max_mm,
			actual_min_temp, actual_max_temp, actual_rain_mm
		FROM ledger
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerRow
	for rows.Next() {
		var r models.LedgerRow
		var date string
		if err := rows.Scan(&date, &r.Station, &r.Source,
			&r.ForecastMinTemp, &r.ForecastMaxTemp, &r.ForecastRainProb,
			&r.ForecastRainMinMM, &r.ForecastRainMaxMM,
			&r.ActualMinTemp, &r.ActualMaxTemp, &r.ActualRainMM); err != nil {
			return nil, err
		}
		r.Date, err = models.ParseDay(date)
		if err != nil {
			return nil, fmt.Errorf("row %s/%s: %w", r.Station, r.Source, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flush is a no-op; every write is committed as it happens.
func (s *Store) Flush() error { return nil }
