package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lox/forecastaudit/internal/grading"
	"github.com/lox/forecastaudit/internal/ledger"
	"github.com/lox/forecastaudit/internal/models"
	"github.com/lox/forecastaudit/internal/store"
)

type fakeSource struct {
	name     string
	provider string
	fn       func(st models.Station, date time.Time) (*models.ForecastRecord, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Name() string     { return f.name }
func (f *fakeSource) Provider() string { return f.provider }

func (f *fakeSource) Fetch(ctx context.Context, st models.Station, date time.Time) (*models.ForecastRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(st, date)
	}
	return &models.ForecastRecord{
		ForecastMaxTemp:   nf(25),
		ForecastMinTemp:   nf(14),
		ForecastRainMinMM: nf(0),
		ForecastRainMaxMM: nf(1),
	}, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	fn func(st models.Station, date time.Time) (*models.ActualObservation, error)
}

func (f *fakeResolver) Provider() string { return ProviderObservations }

func (f *fakeResolver) Resolve(ctx context.Context, st models.Station, date time.Time) (*models.ActualObservation, error) {
	if f.fn != nil {
		return f.fn(st, date)
	}
	return &models.ActualObservation{MinTemp: 15, MaxTemp: 25.5, RainMM: 0.4}, nil
}

type recordingAuditor struct {
	mu       sync.Mutex
	records  []store.FetchRecord
	payloads []string
}

func (a *recordingAuditor) StoreRawPayload(runID, source, station, endpoint string, payload []byte) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, source+"/"+station+" "+endpoint+": "+string(payload))
	return int64(len(a.payloads)), nil
}

func (a *recordingAuditor) RecordFetch(r store.FetchRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return nil
}

func testStations() []models.Station {
	names := []string{"West Terrace", "Kent Town", "Parafield", "Noarlunga"}
	out := make([]models.Station, len(names))
	for i, n := range names {
		out[i] = models.Station{Name: n}
	}
	return out
}

func defaultSources() []*fakeSource {
	return []*fakeSource{
		{name: models.SourceBOM, provider: ProviderBOM},
		{name: models.SourceOpenMeteo, provider: ProviderOpenMeteo},
		{name: models.SourceWeatherzone, provider: ProviderWeatherzone},
	}
}

func asSources(fs []*fakeSource) []Source {
	out := make([]Source, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, l ledger.Ledger, sources []*fakeSource, resolver ActualsResolver) *Pipeline {
	t.Helper()
	return NewPipeline(l, Config{
		Stations: testStations(),
		Sources:  asSources(sources),
		Resolver: resolver,
		Location: acdt,
	}, discardLogger())
}

func at(y int, m time.Month, d, hh, mm int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, hh, mm, 0, 0, acdt) }
}

func TestPipelineTwoDayCycle(t *testing.T) {
	table, err := ledger.NewTable(nil)
	if err != nil {
		t.Fatal(err)
	}
	sources := defaultSources()
	p := newTestPipeline(t, table, sources, &fakeResolver{})

	day1 := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	p.SetClock(at(2025, time.January, 10, 9, 0))
	r1, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("day 1 Run() error: %v", err)
	}
	if r1.Skipped || r1.Collected != 12 || r1.Inserted != 12 {
		t.Errorf("day 1 report = skipped %v collected %d inserted %d, want false/12/12", r1.Skipped, r1.Collected, r1.Inserted)
	}
	if !r1.Date.Equal(day1) {
		t.Errorf("day 1 date = %s", r1.Date)
	}
	// Nothing was collected for the day before, so every resolved station
	// is unmatched.
	if r1.ActualsUpdated != 0 || len(r1.Unmatched) != 4 {
		t.Errorf("day 1 actuals updated %d unmatched %v", r1.ActualsUpdated, r1.Unmatched)
	}

	p.SetClock(at(2025, time.January, 11, 9, 5))
	r2, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("day 2 Run() error: %v", err)
	}
	if r2.Inserted != 12 || r2.ActualsUpdated != 12 || len(r2.Unmatched) != 0 {
		t.Errorf("day 2 report = inserted %d updated %d unmatched %v", r2.Inserted, r2.ActualsUpdated, r2.Unmatched)
	}

	rows, _ := table.AllRows()
	if len(rows) != 24 {
		t.Fatalf("ledger has %d rows, want 24", len(rows))
	}
	for _, r := range rows {
		switch {
		case r.Date.Equal(day1) && !r.HasActuals():
			t.Errorf("%s/%s on day 1 has no actuals", r.Station, r.Source)
		case r.Date.Equal(day2) && r.HasActuals():
			t.Errorf("%s/%s on day 2 already has actuals", r.Station, r.Source)
		}
	}

	graded := grading.GradeAll(rows)
	if got := len(grading.ForDate(graded, day1)); got != 12 {
		t.Errorf("graded records for day 1 = %d, want 12", got)
	}
	if got := len(grading.ForDate(graded, day2)); got != 0 {
		t.Errorf("graded records for day 2 = %d, want 0", got)
	}
}

func TestPipelineRerunSameDay(t *testing.T) {
	table, _ := ledger.NewTable(nil)
	sources := defaultSources()
	p := newTestPipeline(t, table, sources, nil)
	p.SetClock(at(2025, time.January, 10, 9, 0))

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	before, _ := table.AllRows()

	p.SetClock(at(2025, time.January, 10, 9, 40))
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if !report.Skipped || report.Inserted != 0 {
		t.Errorf("second run skipped %v inserted %d, want true/0", report.Skipped, report.Inserted)
	}
	for _, s := range sources {
		if s.Calls() != 4 {
			t.Errorf("%s called %d times, want 4", s.name, s.Calls())
		}
	}
	after, _ := table.AllRows()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("ledger changed on rerun (-before +after):\n%s", diff)
	}
}

func TestPipelineCancelledRunRecordsNothing(t *testing.T) {
	table, _ := ledger.NewTable(nil)
	sources := defaultSources()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sources[0].fn = func(st models.Station, date time.Time) (*models.ForecastRecord, error) {
		if st.Name == "Kent Town" {
			cancel()
		}
		return &models.ForecastRecord{ForecastMaxTemp: nf(26)}, nil
	}

	p := newTestPipeline(t, table, sources, &fakeResolver{})
	p.SetClock(at(2025, time.January, 10, 9, 0))

	report, err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if report == nil || report.Inserted != 0 {
		t.Fatalf("report = %+v, want nothing inserted", report)
	}
	rows, _ := table.AllRows()
	if len(rows) != 0 {
		t.Fatalf("cancelled run wrote %d rows", len(rows))
	}

	sources[0].fn = nil
	report, err = p.Run(context.Background())
	if err != nil {
		t.Fatalf("rerun error: %v", err)
	}
	if report.Skipped || report.Collected != 12 || report.Inserted != 12 {
		t.Errorf("rerun skipped %v collected %d inserted %d, want false/12/12", report.Skipped, report.Collected, report.Inserted)
	}
}

func TestPipelineFailureIsolation(t *testing.T) {
	table, _ := ledger.NewTable(nil)
	sources := defaultSources()
	sources[0].fn = func(st models.Station, date time.Time) (*models.ForecastRecord, error) {
		if st.Name == "Kent Town" {
			return nil, transportErr(models.SourceBOM, st.Name, errors.New("connection reset"))
		}
		return &models.ForecastRecord{ForecastMaxTemp: nf(26)}, nil
	}
	sources[2].fn = func(st models.Station, date time.Time) (*models.ForecastRecord, error) {
		if st.Name == "Parafield" {
			panic("index out of range")
		}
		return &models.ForecastRecord{ForecastMaxTemp: nf(27)}, nil
	}

	auditor := &recordingAuditor{}
	p := newTestPipeline(t, table, sources, nil)
	p.SetAuditor(auditor)
	p.SetClock(at(2025, time.January, 10, 9, 0))

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Collected != 10 || report.Inserted != 10 {
		t.Errorf("collected %d inserted %d, want 10/10", report.Collected, report.Inserted)
	}

	got := map[string]FailureKind{}
	for _, f := range report.Failures {
		got[f.Source+"/"+f.Station] = f.Kind
	}
	want := map[string]FailureKind{
		"BOM/Kent Town":         FailureTransport,
		"Weatherzone/Parafield": FailureParse,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}

	if len(auditor.records) != 12 {
		t.Fatalf("audit rows = %d, want 12", len(auditor.records))
	}
	failed := 0
	for _, r := range auditor.records {
		if r.RunID != report.RunID {
			t.Errorf("audit row run id %q, want %q", r.RunID, report.RunID)
		}
		if !r.Success {
			failed++
			if !r.FailureKind.Valid || !r.ErrorMessage.Valid {
				t.Errorf("failed audit row missing kind or message: %+v", r)
			}
		}
	}
	if failed != 2 {
		t.Errorf("failed audit rows = %d, want 2", failed)
	}
}

func TestPipelineArchivesUnparsablePayloads(t *testing.T) {
	table, _ := ledger.NewTable(nil)
	sources := defaultSources()
	sources[1].fn = func(st models.Station, date time.Time) (*models.ForecastRecord, error) {
		if st.Name == "Noarlunga" {
			err := parseErr(models.SourceOpenMeteo, st.Name, "invalid json")
			return nil, withPayload(err, "https://api.example/forecast", []byte("<html>rate limited</html>"))
		}
		return &models.ForecastRecord{ForecastMaxTemp: nf(24)}, nil
	}
	auditor := &recordingAuditor{}
	p := newTestPipeline(t, table, sources, nil)
	p.SetAuditor(auditor)
	p.SetClock(at(2025, time.January, 10, 9, 0))

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	want := []string{"Open-Meteo/Noarlunga https://api.example/forecast: <html>rate limited</html>"}
	if diff := cmp.Diff(want, auditor.payloads); diff != "" {
		t.Errorf("payloads mismatch (-want +got):\n%s", diff)
	}
	for _, r := range auditor.records {
		if r.Station == "Noarlunga" && r.Source == models.SourceOpenMeteo {
			if !r.PayloadID.Valid || r.PayloadID.Int64 != 1 {
				t.Errorf("audit row payload id = %+v, want 1", r.PayloadID)
			}
		} else if r.PayloadID.Valid {
			t.Errorf("%s/%s has payload id without a parse failure", r.Source, r.Station)
		}
	}
}

func TestPipelineNormalisesAdapterErrors(t *testing.T) {
	table, _ := ledger.NewTable(nil)
	sources := defaultSources()
	sources[0].fn = func(models.Station, time.Time) (*models.ForecastRecord, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}
	sources[1].fn = func(models.Station, time.Time) (*models.ForecastRecord, error) {
		return nil, nil
	}
	p := newTestPipeline(t, table, sources, nil)
	p.SetClock(at(2025, time.January, 10, 9, 0))

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Collected != 4 {
		t.Errorf("collected %d, want 4", report.Collected)
	}
	counts := map[string]map[FailureKind]int{}
	for _, f := range report.Failures {
		if counts[f.Source] == nil {
			counts[f.Source] = map[FailureKind]int{}
		}
		counts[f.Source][f.Kind]++
	}
	want := map[string]map[FailureKind]int{
		models.SourceBOM:       {FailureTransport: 4},
		models.SourceOpenMeteo: {FailureNoData: 4},
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("failure kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineRowOrder(t *testing.T) {
	table, _ := ledger.NewTable(nil)
	sources := defaultSources()
	// Open-Meteo answering first must not change row order.
	sources[0].fn = func(models.Station, time.Time) (*models.ForecastRecord, error) {
		time.Sleep(2 * time.Millisecond)
		return &models.ForecastRecord{ForecastMaxTemp: nf(25)}, nil
	}
	p := newTestPipeline(t, table, sources, nil)
	p.SetClock(at(2025, time.January, 10, 9, 0))
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows, _ := table.AllRows()
	var got []string
	for _, r := range rows {
		got = append(got, r.Station+"/"+r.Source)
	}
	var want []string
	for _, st := range testStations() {
		for _, s := range sources {
			want = append(want, st.Name+"/"+s.name)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("row order mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineResolverFailureLeavesRowsPending(t *testing.T) {
	day1 := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	var rows []models.LedgerRow
	for _, st := range testStations() {
		rows = append(rows, models.LedgerRow{ForecastRecord: models.ForecastRecord{
			Date: day1, Station: st.Name, Source: models.SourceBOM, ForecastMaxTemp: nf(25),
		}})
	}
	table, err := ledger.NewTable(rows)
	if err != nil {
		t.Fatal(err)
	}
	resolver := &fakeResolver{fn: func(st models.Station, date time.Time) (*models.ActualObservation, error) {
		if st.Name == "Parafield" {
			return nil, noDataErr(resolverSource, st.Name, "insufficient observation data")
		}
		return &models.ActualObservation{MinTemp: 14, MaxTemp: 25, RainMM: 0}, nil
	}}
	p := newTestPipeline(t, table, defaultSources(), resolver)
	p.SetClock(at(2025, time.January, 11, 9, 0))

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.ActualsUpdated != 3 {
		t.Errorf("actuals updated %d, want 3", report.ActualsUpdated)
	}
	got, _ := table.AllRows()
	for _, r := range got {
		if !r.Date.Equal(day1) {
			continue
		}
		if want := r.Station != "Parafield"; r.HasActuals() != want {
			t.Errorf("%s HasActuals = %v, want %v", r.Station, r.HasActuals(), want)
		}
	}
}

type brokenLedger struct {
	*ledger.Table
	hasDateErr error
	upsertErr  error
}

func (b *brokenLedger) HasDate(date time.Time) (bool, error) {
	if b.hasDateErr != nil {
		return false, b.hasDateErr
	}
	return b.Table.HasDate(date)
}

func (b *brokenLedger) UpsertForecasts(records []models.ForecastRecord) (int, error) {
	if b.upsertErr != nil {
		return 0, b.upsertErr
	}
	return b.Table.UpsertForecasts(records)
}

func TestPipelineLedgerErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name   string
		ledger func(*ledger.Table) *brokenLedger
	}{
		{"read", func(tbl *ledger.Table) *brokenLedger {
			return &brokenLedger{Table: tbl, hasDateErr: errors.New("disk unreadable")}
		}},
		{"write", func(tbl *ledger.Table) *brokenLedger {
			return &brokenLedger{Table: tbl, upsertErr: errors.New("disk full")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, _ := ledger.NewTable(nil)
			p := newTestPipeline(t, tt.ledger(table), defaultSources(), nil)
			p.SetClock(at(2025, time.January, 10, 9, 0))

			report, err := p.Run(context.Background())
			if err == nil {
				t.Fatalf("Run() = %+v, want error", report)
			}
			if table.Len() != 0 {
				t.Errorf("ledger has %d rows after failed run", table.Len())
			}
		})
	}
}
