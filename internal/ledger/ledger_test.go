package ledger

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lox/forecastaudit/internal/models"
)

func day(s string) time.Time {
	d, err := models.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func forecast(date, station, source string, maxTemp float64) models.ForecastRecord {
	return models.ForecastRecord{
		Date:            day(date),
		Station:         station,
		Source:          source,
		ForecastMaxTemp: models.Float(maxTemp),
	}
}

func TestTable_UpsertForecastsIsAppendOnly(t *testing.T) {
	tbl, _ := NewTable(nil)

	n, err := tbl.UpsertForecasts([]models.ForecastRecord{
		forecast("2025-01-10", "West Terrace", "BOM", 24),
		forecast("2025-01-10", "West Terrace", "Open-Meteo", 25),
	})
	if err != nil {
		t.Fatalf("UpsertForecasts: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	// Same key with a different value must not overwrite.
	n, err = tbl.UpsertForecasts([]models.ForecastRecord{
		forecast("2025-01-10", "West Terrace", "BOM", 30),
	})
	if err != nil {
		t.Fatalf("UpsertForecasts: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted = %d, want 0", n)
	}

	rows, _ := tbl.AllRows()
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].ForecastMaxTemp.Float64 != 24 {
		t.Errorf("BOM max = %v, want 24", rows[0].ForecastMaxTemp.Float64)
	}
}

func TestTable_HasDate(t *testing.T) {
	tbl, _ := NewTable(nil)
	tbl.UpsertForecasts([]models.ForecastRecord{forecast("2025-01-10", "A", "BOM", 20)})

	if ok, _ := tbl.HasDate(day("2025-01-10")); !ok {
		t.Error("HasDate(2025-01-10) = false, want true")
	}
	if ok, _ := tbl.HasDate(day("2025-01-11")); ok {
		t.Error("HasDate(2025-01-11) = true, want false")
	}
}

func TestTable_UpdateActualsFansOut(t *testing.T) {
	tbl, _ := NewTable(nil)
	tbl.UpsertForecasts([]models.ForecastRecord{
		forecast("2025-01-10", "A", "BOM", 20),
		forecast("2025-01-10", "A", "Open-Meteo", 21),
		forecast("2025-01-10", "A", "Weatherzone", 22),
		forecast("2025-01-10", "B", "BOM", 23),
		forecast("2025-01-11", "A", "BOM", 24),
	})

	obs := models.ActualObservation{MinTemp: 12.3, MaxTemp: 21.7, RainMM: 0.4}
	matched, err := tbl.UpdateActuals(day("2025-01-10"), "A", obs)
	if err != nil {
		t.Fatalf("UpdateActuals: %v", err)
	}
	if matched != 3 {
		t.Fatalf("matched = %d, want 3", matched)
	}

	rows, _ := tbl.AllRows()
	for _, r := range rows {
		isTarget := r.Station == "A" && r.Date.Equal(day("2025-01-10"))
		if isTarget {
			if got := r.Actuals(); got == nil || *got != obs {
				t.Errorf("%s/%s actuals = %+v, want %+v", r.Station, r.Source, got, obs)
			}
		} else if r.HasActuals() {
			t.Errorf("%s/%s/%s unexpectedly has actuals", r.Date.Format(models.DateLayout), r.Station, r.Source)
		}
	}
}

func TestTable_UpdateActualsNoMatch(t *testing.T) {
	tbl, _ := NewTable(nil)
	matched, err := tbl.UpdateActuals(day("2025-01-10"), "Nowhere", models.ActualObservation{})
	if err != nil {
		t.Fatalf("UpdateActuals: %v", err)
	}
	if matched != 0 {
		t.Errorf("matched = %d, want 0", matched)
	}
}

func TestNewTable_RejectsDuplicateKeys(t *testing.T) {
	r := models.LedgerRow{ForecastRecord: forecast("2025-01-10", "A", "BOM", 20)}
	_, err := NewTable([]models.LedgerRow{r, r})
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateKeyError", err)
	}
}

func TestCSV_RoundTripKeepsNulls(t *testing.T) {
	row := models.LedgerRow{ForecastRecord: models.ForecastRecord{
		Date:              day("2025-01-10"),
		Station:           "Mount Lofty",
		Source:            "Weatherzone",
		ForecastMaxTemp:   models.Float(24),
		ForecastRainMinMM: models.Float(0),
		ForecastRainMaxMM: models.Float(2.5),
	}}
	row.SetActuals(models.ActualObservation{MinTemp: 11, MaxTemp: 22.4, RainMM: 0})

	var buf bytes.Buffer
	if err := WriteCSV(&buf, []models.LedgerRow{row}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != strings.Join(Columns, ",") {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "2025-01-10,Mount Lofty,Weatherzone,,24,,0,2.5,11,22.4,0" {
		t.Errorf("row = %q", lines[1])
	}

	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if diff := cmp.Diff([]models.LedgerRow{row}, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCSV_PandasStyleValues(t *testing.T) {
	in := strings.Join(Columns, ",") + "\n" +
		"2025-01-10,West Terrace,BOM,13.0,24.0,40.0,0.0,1.0,,,\n" +
		"2025-01-10,West Terrace,Open-Meteo,12.1,23.4,,0.2,0.2,11.0,22.0,\n"

	rows, err := ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].ForecastRainProb.Float64 != 40 {
		t.Errorf("rain prob = %v, want 40", rows[0].ForecastRainProb)
	}
	if rows[0].HasActuals() {
		t.Error("row 0 should have no actuals")
	}
	// Partial triple (rain missing) is dropped entirely.
	if rows[1].ActualMinTemp.Valid || rows[1].ActualMaxTemp.Valid {
		t.Error("row 1 partial actuals should be cleared")
	}
}

func TestReadCSV_MissingColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("Date,Station\n2025-01-10,A\n"))
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
}

func TestFile_FlushAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "weather_history.csv")

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if f.Len() != 0 {
		t.Fatalf("new ledger has %d rows", f.Len())
	}
	f.UpsertForecasts([]models.ForecastRecord{forecast("2025-01-10", "A", "BOM", 20)})
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	again, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile again: %v", err)
	}
	if again.Len() != 1 {
		t.Errorf("reopened ledger has %d rows, want 1", again.Len())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the ledger file, found %d entries", len(entries))
	}
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")

	lock, err := AcquireLock(path, 0)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if _, err := AcquireLock(path, 300*time.Millisecond); !errors.Is(err, ErrLocked) {
		t.Errorf("second AcquireLock err = %v, want ErrLocked", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lock, err = AcquireLock(path, 0)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	lock.Release()
}

func TestPathReaderSeesLaterWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	r := PathReader(path)

	rows, err := r.AllRows()
	if err != nil {
		t.Fatalf("AllRows on missing file: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("missing file has %d rows", len(rows))
	}

	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f.UpsertForecasts([]models.ForecastRecord{forecast("2025-01-10", "A", "BOM", 20)})
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}

	rows, err = r.AllRows()
	if err != nil {
		t.Fatalf("AllRows: %v", err)
	}
	if len(rows) != 1 || rows[0].Source != "BOM" {
		t.Errorf("rows = %+v", rows)
	}
}

// deadPID returns the pid of a child process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run child: %v", err)
	}
	return cmd.Process.Pid
}

func TestAcquireLockStale(t *testing.T) {
	tests := []struct {
		name     string
		contents func(t *testing.T) string
		age      time.Duration
		wantErr  error
	}{
		{
			name:     "holder exited",
			contents: func(t *testing.T) string { return strconv.Itoa(deadPID(t)) + "\n" },
		},
		{
			name:     "live holder past max age",
			contents: func(t *testing.T) string { return strconv.Itoa(os.Getpid()) + "\n" },
			age:      StaleLockAge + time.Hour,
		},
		{
			name:     "empty lock past max age",
			contents: func(t *testing.T) string { return "" },
			age:      StaleLockAge + time.Hour,
		},
		{
			name:     "live holder",
			contents: func(t *testing.T) string { return strconv.Itoa(os.Getpid()) + "\n" },
			wantErr:  ErrLocked,
		},
		{
			name:     "fresh empty lock",
			contents: func(t *testing.T) string { return "" },
			wantErr:  ErrLocked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ledger.csv")
			lockPath := path + ".lock"
			if err := os.WriteFile(lockPath, []byte(tt.contents(t)), 0o644); err != nil {
				t.Fatal(err)
			}
			if tt.age > 0 {
				old := time.Now().Add(-tt.age)
				if err := os.Chtimes(lockPath, old, old); err != nil {
					t.Fatal(err)
				}
			}

			lock, err := AcquireLock(path, 300*time.Millisecond)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("AcquireLock err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AcquireLock: %v", err)
			}
			defer lock.Release()

			data, err := os.ReadFile(lockPath)
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
				t.Errorf("lock holder = %q, want our pid", got)
			}
		})
	}
}
