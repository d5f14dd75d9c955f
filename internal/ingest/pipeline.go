package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lox/forecastaudit/internal/ledger"
	"github.com/lox/forecastaudit/internal/metrics"
	"github.com/lox/forecastaudit/internal/models"
	"github.com/lox/forecastaudit/internal/store"
)

// Auditor records one row per adapter or resolver call, and keeps the
// response body of any call that failed to parse.
type Auditor interface {
	RecordFetch(r store.FetchRecord) error
	StoreRawPayload(runID, source, station, endpoint string, payload []byte) (int64, error)
}

// Config wires a Pipeline.
type Config struct {
	Stations []models.Station
	Sources  []Source
	Resolver ActualsResolver
	// Pacing is the pause between successive requests to one provider.
	Pacing   map[string]time.Duration
	Location *time.Location
}

// Pipeline is the daily batch: collect today's forecasts, resolve
// yesterday's actuals, persist both. It is the only writer of the ledger.
type Pipeline struct {
	ledger   ledger.Ledger
	stations []models.Station
	sources  []Source
	resolver ActualsResolver
	pacing   map[string]time.Duration
	loc      *time.Location
	now      func() time.Time
	audit    Auditor
	log      *slog.Logger
}

func NewPipeline(l ledger.Ledger, cfg Config, logger *slog.Logger) *Pipeline {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		ledger:   l,
		stations: cfg.Stations,
		sources:  cfg.Sources,
		resolver: cfg.Resolver,
		pacing:   cfg.Pacing,
		loc:      loc,
		now:      time.Now,
		log:      logger,
	}
}

// SetAuditor enables the per-call audit trail.
func (p *Pipeline) SetAuditor(a Auditor) {
	p.audit = a
}

// SetClock overrides the wall clock.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Failure is one adapter or resolver call that produced nothing.
type Failure struct {
	Source  string
	Station string
	Kind    FailureKind
	Err     error
}

// RunReport summarises one invocation.
type RunReport struct {
	RunID          string
	Date           time.Time
	Skipped        bool
	Collected      int
	Inserted       int
	Flagged        int
	Failures       []Failure
	ActualsUpdated int
	Unmatched      []string
}

// Run executes one batch. The returned error is non-nil when the ledger
// could not be read or written, or when ctx ends during collection, in which
// case nothing is written and a later run collects the day afresh. Source
// failures are reported in the RunReport and logged.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	now := p.now().In(p.loc)
	today := models.Day(now)
	yesterday := today.AddDate(0, 0, -1)

	report := &RunReport{RunID: uuid.NewString(), Date: today}
	log := p.log.With("run_id", report.RunID)
	log.Info("pipeline: starting", "date", today.Format(models.DateLayout))

	has, err := p.ledger.HasDate(today)
	if err != nil {
		return nil, fmt.Errorf("check ledger for %s: %w", today.Format(models.DateLayout), err)
	}

	var records []models.ForecastRecord
	if has {
		report.Skipped = true
		log.Info("pipeline: forecasts already recorded for today, skipping collection")
	} else {
		var failures []Failure
		records, failures = p.collect(ctx, log, report.RunID, today)
		report.Failures = append(report.Failures, failures...)
		if err := ctx.Err(); err != nil {
			log.Warn("pipeline: cancelled during collection, nothing recorded",
				"collected", len(records), "failures", len(failures))
			metrics.RunsTotal.WithLabelValues("cancelled").Inc()
			return report, fmt.Errorf("collect %s: %w", today.Format(models.DateLayout), err)
		}
		report.Collected = len(records)
		for i := range records {
			if flags := ValidateForecast(&records[i]); len(flags) > 0 {
				report.Flagged++
			}
		}
	}

	actuals, failures := p.resolveActuals(ctx, log, report.RunID, yesterday)
	report.Failures = append(report.Failures, failures...)

	inserted, err := p.ledger.UpsertForecasts(records)
	if err != nil {
		return nil, fmt.Errorf("append forecasts: %w", err)
	}
	report.Inserted = inserted
	for _, r := range records {
		metrics.ForecastsRecorded.WithLabelValues(r.Source).Inc()
	}

	for _, st := range p.stations {
		obs, ok := actuals[st.Name]
		if !ok {
			continue
		}
		matched, err := p.ledger.UpdateActuals(yesterday, st.Name, *obs)
		if err != nil {
			return nil, fmt.Errorf("update actuals for %s: %w", st.Name, err)
		}
		if matched == 0 {
			log.Warn("pipeline: no ledger rows for resolved actuals",
				"station", st.Name, "date", yesterday.Format(models.DateLayout))
			report.Unmatched = append(report.Unmatched, st.Name)
			metrics.UnmatchedActuals.Inc()
			continue
		}
		report.ActualsUpdated += matched
		metrics.ActualsUpdated.Add(float64(matched))
	}

	if err := p.ledger.Flush(); err != nil {
		return nil, fmt.Errorf("flush ledger: %w", err)
	}

	result := "collected"
	if report.Skipped {
		result = "skipped"
	}
	metrics.RunsTotal.WithLabelValues(result).Inc()
	metrics.LastRunTimestamp.SetToCurrentTime()

	log.Info("pipeline: finished",
		"skipped", report.Skipped,
		"collected", report.Collected,
		"inserted", report.Inserted,
		"failures", len(report.Failures),
		"actuals_updated", report.ActualsUpdated,
		"unmatched", len(report.Unmatched))
	return report, nil
}

// collect fetches every (station, source) pair. Providers run in parallel;
// requests to one provider are sequential and paced. Records come back in
// station order, then source order, regardless of completion order.
func (p *Pipeline) collect(ctx context.Context, log *slog.Logger, runID string, date time.Time) ([]models.ForecastRecord, []Failure) {
	var providers []string
	byProvider := make(map[string][]int)
	for i, src := range p.sources {
		if _, ok := byProvider[src.Provider()]; !ok {
			providers = append(providers, src.Provider())
		}
		byProvider[src.Provider()] = append(byProvider[src.Provider()], i)
	}

	slots := make([][]*models.ForecastRecord, len(p.stations))
	for i := range slots {
		slots[i] = make([]*models.ForecastRecord, len(p.sources))
	}

	var (
		mu       sync.Mutex
		failures []Failure
		g        errgroup.Group
	)
	for _, provider := range providers {
		indexes := byProvider[provider]
		g.Go(func() error {
			first := true
			for si, st := range p.stations {
				for _, idx := range indexes {
					src := p.sources[idx]
					if !first {
						if err := sleepCtx(ctx, p.pacing[provider]); err != nil {
							return nil
						}
					}
					first = false

					rec, err := p.fetch(ctx, log, runID, src, st, date)
					if err != nil {
						mu.Lock()
						failures = append(failures, failureOf(src.Name(), st.Name, err))
						mu.Unlock()
						continue
					}
					slots[si][idx] = rec
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var records []models.ForecastRecord
	for _, row := range slots {
		for _, rec := range row {
			if rec != nil {
				records = append(records, *rec)
			}
		}
	}
	return records, failures
}

// fetch makes one adapter call. Panics and untyped errors are converted to
// FetchErrors so a misbehaving adapter cannot abort the run.
func (p *Pipeline) fetch(ctx context.Context, log *slog.Logger, runID string, src Source, st models.Station, date time.Time) (rec *models.ForecastRecord, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = &FetchError{Kind: FailureParse, Source: src.Name(), Station: st.Name, Err: fmt.Errorf("panic: %v", r)}
		}
		var flags []string
		if rec != nil {
			flags = ValidateForecast(rec)
		}
		p.observe(log, runID, src.Provider(), src.Name(), st.Name, date, start, err, flags)
	}()

	rec, err = src.Fetch(ctx, st, date)
	if err == nil && rec == nil {
		err = noDataErr(src.Name(), st.Name, "adapter returned no record")
	}
	if err != nil {
		if KindOf(err) == 0 {
			err = transportErr(src.Name(), st.Name, err)
		}
		return nil, err
	}

	rec.Date = models.Day(date)
	rec.Station = st.Name
	rec.Source = src.Name()
	if missing := MissingFields(rec); len(missing) > 0 {
		log.Debug("pipeline: partial forecast", "source", src.Name(), "station", st.Name, "missing", missing)
	}
	return rec, nil
}

// resolveActuals asks the resolver for every station's observations on
// date. Stations that fail are left for a later run.
func (p *Pipeline) resolveActuals(ctx context.Context, log *slog.Logger, runID string, date time.Time) (map[string]*models.ActualObservation, []Failure) {
	out := make(map[string]*models.ActualObservation)
	if p.resolver == nil {
		return out, nil
	}

	var failures []Failure
	for i, st := range p.stations {
		if i > 0 {
			if err := sleepCtx(ctx, p.pacing[p.resolver.Provider()]); err != nil {
				break
			}
		}
		obs, err := p.resolve(ctx, log, runID, st, date)
		if err != nil {
			failures = append(failures, failureOf(resolverSource, st.Name, err))
			continue
		}
		out[st.Name] = obs
	}
	return out, failures
}

const resolverSource = "BOM observations"

func (p *Pipeline) resolve(ctx context.Context, log *slog.Logger, runID string, st models.Station, date time.Time) (obs *models.ActualObservation, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			obs = nil
			err = &FetchError{Kind: FailureParse, Source: resolverSource, Station: st.Name, Err: fmt.Errorf("panic: %v", r)}
		}
		p.observe(log, runID, p.resolver.Provider(), resolverSource, st.Name, date, start, err, nil)
	}()

	obs, err = p.resolver.Resolve(ctx, st, date)
	if err == nil && obs == nil {
		err = noDataErr(resolverSource, st.Name, "resolver returned no observation")
	}
	if err != nil && KindOf(err) == 0 {
		err = transportErr(resolverSource, st.Name, err)
	}
	if err != nil {
		return nil, err
	}
	return obs, nil
}

// observe logs, counts and audits one call.
func (p *Pipeline) observe(log *slog.Logger, runID, provider, source, station string, date, start time.Time, err error, flags []string) {
	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
		log.Warn("pipeline: fetch failed",
			"provider", provider,
			"source", source,
			"station", station,
			"kind", outcome,
			"err", err)
	} else if len(flags) > 0 {
		log.Warn("pipeline: forecast failed sanity checks",
			"source", source,
			"station", station,
			"flags", flags)
	}
	metrics.FetchesTotal.WithLabelValues(provider, source, outcome).Inc()
	metrics.FetchLatency.WithLabelValues(provider).Observe(elapsed.Seconds())

	if p.audit == nil {
		return
	}
	rec := store.FetchRecord{
		RunID:      runID,
		StartedAt:  start,
		Provider:   provider,
		Source:     source,
		Station:    station,
		TargetDate: date.Format(models.DateLayout),
		Success:    err == nil,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		rec.FailureKind = sql.NullString{String: outcome, Valid: true}
		rec.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		var fe *FetchError
		if errors.As(err, &fe) && len(fe.Payload) > 0 {
			id, perr := p.audit.StoreRawPayload(runID, source, station, fe.Endpoint, fe.Payload)
			if perr != nil {
				log.Warn("pipeline: store raw payload", "source", source, "station", station, "err", perr)
			} else {
				rec.PayloadID = sql.NullInt64{Int64: id, Valid: true}
			}
		}
	} else {
		rec.Records = 1
	}
	if q := QualityFlagsToJSON(flags); q != "" {
		rec.QualityFlags = sql.NullString{String: q, Valid: true}
	}
	if err := p.audit.RecordFetch(rec); err != nil {
		log.Warn("pipeline: record audit row", "err", err)
	}
}

func failureOf(source, station string, err error) Failure {
	f := Failure{Source: source, Station: station, Kind: KindOf(err), Err: err}
	var fe *FetchError
	if errors.As(err, &fe) {
		f.Err = fe.Err
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
