// Package ledger holds the forecast/actuals table keyed by (date, station,
// source) and its canonical CSV persistence.
package ledger

import (
	"time"

	"github.com/lox/forecastaudit/internal/models"
)

// Ledger is the store abstraction the ingestion pipeline writes through.
// Forecast rows are append-only; actual fields are updated in place.
type Ledger interface {
	// HasDate reports whether any row exists for the given calendar day.
	HasDate(date time.Time) (bool, error)
	// UpsertForecasts appends records whose key is not present yet and
	// returns how many were inserted. Existing rows are never modified.
	UpsertForecasts(records []models.ForecastRecord) (int, error)
	// UpdateActuals sets the actual triple on every row for (date, station)
	// across all sources and returns how many rows matched.
	UpdateActuals(date time.Time, station string, obs models.ActualObservation) (int, error)
	// AllRows returns every row in insertion order.
	AllRows() ([]models.LedgerRow, error)
	// Flush makes all changes durable.
	Flush() error
}

// Reader is the read side used by grading consumers.
type Reader interface {
	AllRows() ([]models.LedgerRow, error)
}

// Table is an in-memory ledger. It is not safe for concurrent use; the
// pipeline is its only writer.
type Table struct {
	rows  []models.LedgerRow
	index map[models.RowKey]int
	dates map[string]bool
}

func NewTable(rows []models.LedgerRow) (*Table, error) {
	t := &Table{
		index: make(map[models.RowKey]int, len(rows)),
		dates: make(map[string]bool),
	}
	for _, r := range rows {
		if _, dup := t.index[r.Key()]; dup {
			return nil, &DuplicateKeyError{Key: r.Key()}
		}
		t.add(r)
	}
	return t, nil
}

func (t *Table) add(r models.LedgerRow) {
	t.index[r.Key()] = len(t.rows)
	t.dates[r.Date.Format(models.DateLayout)] = true
	t.rows = append(t.rows, r)
}

func (t *Table) HasDate(date time.Time) (bool, error) {
	return t.dates[date.Format(models.DateLayout)], nil
}

func (t *Table) UpsertForecasts(records []models.ForecastRecord) (int, error) {
	inserted := 0
	for _, rec := range records {
		if _, exists := t.index[rec.Key()]; exists {
			continue
		}
		t.add(models.LedgerRow{ForecastRecord: rec})
		inserted++
	}
	return inserted, nil
}

func (t *Table) UpdateActuals(date time.Time, station string, obs models.ActualObservation) (int, error) {
	day := date.Format(models.DateLayout)
	matched := 0
	for i := range t.rows {
		if t.rows[i].Station != station || t.rows[i].Date.Format(models.DateLayout) != day {
			continue
		}
		t.rows[i].SetActuals(obs)
		matched++
	}
	return matched, nil
}

func (t *Table) AllRows() ([]models.LedgerRow, error) {
	out := make([]models.LedgerRow, len(t.rows))
	copy(out, t.rows)
	return out, nil
}

func (t *Table) Flush() error { return nil }

func (t *Table) Len() int { return len(t.rows) }

// DuplicateKeyError is returned when loaded data violates the one row per
// key invariant.
type DuplicateKeyError struct {
	Key models.RowKey
}

func (e *DuplicateKeyError) Error() string {
	return "duplicate ledger row " + e.Key.Date + "/" + e.Key.Station + "/" + e.Key.Source
}
