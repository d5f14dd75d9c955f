package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lox/forecastaudit/internal/ledger"
	"github.com/lox/forecastaudit/internal/store"
)

type ExportCmd struct {
	Out string `help:"Output CSV path. Defaults to stdout." short:"o" type:"path"`
}

func (c *ExportCmd) Run(g *Globals) error {
	st, err := store.Open(g.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.AllRows()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if c.Out != "" {
		f, err := os.Create(c.Out)
		if err != nil {
			return fmt.Errorf("create %s: %w", c.Out, err)
		}
		defer f.Close()
		w = f
	}
	if err := ledger.WriteCSV(w, rows); err != nil {
		return err
	}
	slog.Info("exported ledger", "rows", len(rows), "db", g.DB)
	return nil
}

type ImportCmd struct {
	In string `arg:"" help:"CSV ledger to import." type:"existingfile"`
}

func (c *ImportCmd) Run(g *Globals) error {
	f, err := os.Open(c.In)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := ledger.ReadCSV(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.In, err)
	}

	lock, err := ledger.AcquireLock(g.DB, 0)
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Release()

	st, err := store.Open(g.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.ImportRows(rows)
	if err != nil {
		return err
	}
	slog.Info("imported ledger", "read", len(rows), "inserted", n, "db", g.DB)
	return nil
}

type PayloadCmd struct {
	ID  int64  `arg:"" help:"Payload id, as shown in ingest health errors."`
	Out string `help:"Write the body here instead of stdout." short:"o" type:"path"`
}

func (c *PayloadCmd) Run(g *Globals) error {
	audit, err := g.openAudit()
	if err != nil {
		return err
	}
	if audit == nil {
		return errors.New("payload: --audit-db is not set")
	}
	defer audit.Close()

	var w io.Writer = os.Stdout
	if c.Out != "" {
		f, err := os.Create(c.Out)
		if err != nil {
			return fmt.Errorf("create %s: %w", c.Out, err)
		}
		defer f.Close()
		w = f
	}
	info, err := writePayload(w, audit, c.ID)
	if err != nil {
		return err
	}
	slog.Info("raw payload",
		"id", info.ID,
		"run_id", info.RunID,
		"source", info.Source,
		"station", info.Station,
		"endpoint", info.Endpoint,
		"fetched_at", info.FetchedAt)
	return nil
}

func writePayload(w io.Writer, audit *store.Store, id int64) (*store.RawPayload, error) {
	info, err := audit.GetRawPayloadInfo(id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("payload %d not found", id)
	}
	body, err := audit.GetRawPayload(id)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	return info, nil
}
