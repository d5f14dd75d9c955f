package ledger

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lox/forecastaudit/internal/models"
)

// Columns is the fixed CSV header of the persisted ledger.
var Columns = []string{
	"Date", "Station", "Source",
	"Forecast_Min_Temp", "Forecast_Max_Temp",
	"Forecast_Rain_Prob", "Forecast_Rain_Min_mm", "Forecast_Rain_Max_mm",
	"Actual_Min_Temp", "Actual_Max_Temp", "Actual_Rain_mm",
}

// ReadCSV decodes ledger rows. Columns are located by header name so files
// with reordered columns still load; every column in Columns is required.
func ReadCSV(r io.Reader) ([]models.LedgerRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, c := range Columns {
		if _, ok := pos[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	var rows []models.LedgerRow
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(name string) string {
			i := pos[name]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		date, err := models.ParseDay(field("Date"))
		if err != nil {
			return nil, fmt.Errorf("line %d: date: %w", line, err)
		}
		row := models.LedgerRow{ForecastRecord: models.ForecastRecord{
			Date:    date,
			Station: field("Station"),
			Source:  field("Source"),
		}}

		targets := []struct {
			col string
			dst *sql.NullFloat64
		}{
			{"Forecast_Min_Temp", &row.ForecastMinTemp},
			{"Forecast_Max_Temp", &row.ForecastMaxTemp},
			{"Forecast_Rain_Prob", &row.ForecastRainProb},
			{"Forecast_Rain_Min_mm", &row.ForecastRainMinMM},
			{"Forecast_Rain_Max_mm", &row.ForecastRainMaxMM},
			{"Actual_Min_Temp", &row.ActualMinTemp},
			{"Actual_Max_Temp", &row.ActualMaxTemp},
			{"Actual_Rain_mm", &row.ActualRainMM},
		}
		for _, t := range targets {
			v, err := parseNullFloat(field(t.col))
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, t.col, err)
			}
			*t.dst = v
		}

		// A partially written triple is stale data; treat it as unresolved.
		if !row.HasActuals() {
			row.ActualMinTemp = sql.NullFloat64{}
			row.ActualMaxTemp = sql.NullFloat64{}
			row.ActualRainMM = sql.NullFloat64{}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteCSV encodes rows with the fixed header. Null values are empty fields.
func WriteCSV(w io.Writer, rows []models.LedgerRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Date.Format(models.DateLayout),
			r.Station,
			r.Source,
			formatNullFloat(r.ForecastMinTemp),
			formatNullFloat(r.ForecastMaxTemp),
			formatNullFloat(r.ForecastRainProb),
			formatNullFloat(r.ForecastRainMinMM),
			formatNullFloat(r.ForecastRainMaxMM),
			formatNullFloat(r.ActualMinTemp),
			formatNullFloat(r.ActualMaxTemp),
			formatNullFloat(r.ActualRainMM),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseNullFloat(s string) (sql.NullFloat64, error) {
	switch strings.ToLower(s) {
	case "", "nan", "<na>", "none", "null":
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, err
	}
	return sql.NullFloat64{Float64: v, Valid: true}, nil
}

func formatNullFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}

// File is a Table backed by a CSV file. Flush rewrites the file atomically.
type File struct {
	*Table
	path string
}

// OpenFile loads the ledger at path. A missing file is an empty ledger.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		t, _ := NewTable(nil)
		return &File{Table: t, path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	rows, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	t, err := NewTable(rows)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return &File{Table: t, path: path}, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Flush() error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, f.rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

// PathReader reads the CSV ledger fresh on every call, for long-lived
// readers that must see rows written by later runs.
type PathReader string

func (p PathReader) AllRows() ([]models.LedgerRow, error) {
	f, err := OpenFile(string(p))
	if err != nil {
		return nil, err
	}
	return f.AllRows()
}
