package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/forecastaudit/internal/config"
	"github.com/lox/forecastaudit/internal/ledger"
	"github.com/lox/forecastaudit/internal/logging"
	"github.com/lox/forecastaudit/internal/store"
)

const (
	backendCSV    = "csv"
	backendSQLite = "sqlite"
)

// Globals are the flags shared by every command.
type Globals struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file'"`

	Config      string `help:"Station and source config (YAML). Defaults to the built-in Adelaide set." env:"FORECASTAUDIT_CONFIG" type:"path"`
	Backend     string `help:"Ledger backend." enum:"csv,sqlite" default:"csv" env:"FORECASTAUDIT_BACKEND"`
	Ledger      string `help:"CSV ledger path." default:"data/forecast_ledger.csv" env:"FORECASTAUDIT_LEDGER" type:"path"`
	DB          string `help:"SQLite ledger path." default:"data/forecastaudit.db" env:"FORECASTAUDIT_DB" type:"path"`
	AuditDB     string `help:"SQLite database for the per-call ingest audit. Empty disables it." env:"FORECASTAUDIT_AUDIT_DB" type:"path"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFormat   string `help:"Log format (text, json)." default:"text" env:"LOG_FORMAT"`
	MetricsFile string `help:"Write Prometheus metrics in textfile format here after a run." env:"FORECASTAUDIT_METRICS_FILE" type:"path"`
}

type CLI struct {
	Globals

	Run         RunCmd         `cmd:"" default:"withargs" help:"Collect today's forecasts and resolve yesterday's actuals."`
	Schedule    ScheduleCmd    `cmd:"" help:"Run daily at the window's nominal time until interrupted."`
	Serve       ServeCmd       `cmd:"" help:"Serve the ledger and leaderboards as JSON."`
	Leaderboard LeaderboardCmd `cmd:"" help:"Print the rolling accuracy leaderboard."`
	Breakdown   BreakdownCmd   `cmd:"" help:"Print every source's forecast for one station and day."`
	Notices     NoticesCmd     `cmd:"" help:"Print ledger completeness notices."`
	Export      ExportCmd      `cmd:"" help:"Write the SQLite ledger out as CSV."`
	Import      ImportCmd      `cmd:"" help:"Load a CSV ledger into SQLite."`
	Payload     PayloadCmd     `cmd:"" help:"Print an archived raw payload from the audit database."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("forecastaudit"),
		kong.Description("Daily forecast collection and accuracy grading for a fixed set of weather stations."),
		kong.UsageOnError(),
	)

	level, err := logging.ParseLevel(cli.LogLevel)
	kctx.FatalIfErrorf(err)
	logger, err := logging.New(os.Stderr, level, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) loadConfig() (*config.Config, *time.Location, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loc, nil
}

// ledgerPath is the file the backend writes, and the one the run lock
// sits next to.
func (g *Globals) ledgerPath() string {
	if g.Backend == backendSQLite {
		return g.DB
	}
	return g.Ledger
}

// openLedger opens the configured backend for one read-modify-write cycle.
// On success the close func is never nil.
func (g *Globals) openLedger() (ledger.Ledger, func() error, error) {
	switch g.Backend {
	case backendSQLite:
		st, err := store.Open(g.DB)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case backendCSV, "":
		f, err := ledger.OpenFile(g.Ledger)
		if err != nil {
			return nil, nil, err
		}
		return f, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", g.Backend)
	}
}

// openReader opens the ledger for repeated reads. The CSV backend re-reads
// the file on each call so a long-lived server sees later runs.
func (g *Globals) openReader() (ledger.Reader, func() error, error) {
	if g.Backend == backendSQLite {
		st, err := store.Open(g.DB)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return ledger.PathReader(g.Ledger), func() error { return nil }, nil
}

func (g *Globals) openAudit() (*store.Store, error) {
	if g.AuditDB == "" {
		return nil, nil
	}
	st, err := store.Open(g.AuditDB)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return st, nil
}
