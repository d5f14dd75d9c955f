package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/forecastaudit/internal/api"
	"github.com/lox/forecastaudit/internal/config"
	"github.com/lox/forecastaudit/internal/httputil"
	"github.com/lox/forecastaudit/internal/ingest"
	"github.com/lox/forecastaudit/internal/ledger"
	"github.com/lox/forecastaudit/internal/metrics"
)

type RunCmd struct {
	Force    bool          `help:"Run even outside the collection window."`
	LockWait time.Duration `help:"How long to wait for another run's ledger lock." default:"30s"`
}

func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	cfg, loc, err := g.loadConfig()
	if err != nil {
		return err
	}
	window, err := cfg.RunWindow(loc)
	if err != nil {
		return err
	}

	now := time.Now().In(loc)
	if !c.Force && !window.Contains(now) {
		slog.Info("outside collection window, nothing to do",
			"now", now.Format("15:04"), "window", window.String())
		return nil
	}

	_, err = runOnce(ctx, g, cfg, loc, c.LockWait)
	return err
}

// runOnce performs one locked pipeline run and writes the metrics textfile.
func runOnce(ctx context.Context, g *Globals, cfg *config.Config, loc *time.Location, lockWait time.Duration) (*ingest.RunReport, error) {
	lock, err := ledger.AcquireLock(g.ledgerPath(), lockWait)
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Release()

	l, closeLedger, err := g.openLedger()
	if err != nil {
		return nil, err
	}
	defer closeLedger()

	client := httputil.NewClient(cfg.HTTP.Timeout)
	p := ingest.NewPipeline(l, ingest.Config{
		Stations: cfg.Stations,
		Sources:  cfg.BuildSources(client, loc),
		Resolver: cfg.BuildResolver(client),
		Pacing:   cfg.Pacing(),
		Location: loc,
	}, slog.Default())

	audit, err := g.openAudit()
	if err != nil {
		return nil, err
	}
	if audit != nil {
		defer audit.Close()
		p.SetAuditor(audit)
	}

	report, err := p.Run(ctx)
	if err != nil {
		return nil, err
	}

	if audit != nil && cfg.Audit.PayloadRetentionDays > 0 {
		n, err := audit.CleanupOldRawPayloads(cfg.Audit.PayloadRetentionDays)
		if err != nil {
			slog.Warn("cleanup raw payloads", "err", err)
		} else if n > 0 {
			slog.Info("cleaned up raw payloads", "deleted", n)
		}
	}

	if g.MetricsFile != "" {
		if err := metrics.WriteTextfile(g.MetricsFile); err != nil {
			slog.Warn("metrics textfile", "err", err)
		}
	}
	return report, nil
}

type ScheduleCmd struct {
	Addr     string        `help:"Also serve the JSON API on this address." placeholder:":8080"`
	LockWait time.Duration `help:"How long to wait for another run's ledger lock." default:"30s"`
}

func (c *ScheduleCmd) Run(ctx context.Context, g *Globals) error {
	cfg, loc, err := g.loadConfig()
	if err != nil {
		return err
	}
	window, err := cfg.RunWindow(loc)
	if err != nil {
		return err
	}

	sched := ingest.NewScheduler(window, func(ctx context.Context) error {
		_, err := runOnce(ctx, g, cfg, loc, c.LockWait)
		return err
	}, slog.Default())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sched.Run(ctx) })
	if c.Addr != "" {
		srv, closeReader, err := newAPIServer(g, cfg, loc, c.Addr)
		if err != nil {
			return err
		}
		defer closeReader()
		eg.Go(func() error { return srv.Run(ctx) })
	}
	return eg.Wait()
}

type ServeCmd struct {
	Addr string `help:"Listen address." default:":8080" env:"FORECASTAUDIT_ADDR"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	cfg, loc, err := g.loadConfig()
	if err != nil {
		return err
	}
	srv, closeReader, err := newAPIServer(g, cfg, loc, c.Addr)
	if err != nil {
		return err
	}
	defer closeReader()
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAPIServer(g *Globals, cfg *config.Config, loc *time.Location, addr string) (*api.Server, func() error, error) {
	rows, closeReader, err := g.openReader()
	if err != nil {
		return nil, nil, err
	}
	audit, err := g.openAudit()
	if err != nil {
		closeReader()
		return nil, nil, err
	}
	closeAll := func() error {
		if audit != nil {
			audit.Close()
		}
		return closeReader()
	}
	srv := api.NewServer(rows, api.Config{
		Addr:            addr,
		Location:        loc,
		ExpectedSources: cfg.ExpectedSources(),
		WindowDays:      cfg.Grading.WindowDays,
		Audit:           audit,
		Logger:          slog.Default(),
	})
	return srv, closeAll, nil
}
