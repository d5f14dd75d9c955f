package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lox/forecastaudit/internal/grading"
	"github.com/lox/forecastaudit/internal/models"
)

type LeaderboardCmd struct {
	Station string `help:"Only grade this station."`
	Perfect bool   `help:"Only count perfect-day records."`
	Days    int    `help:"Trailing window in days. Defaults to the configured window."`
	AsOf    string `help:"Last day of the window (YYYY-MM-DD). Defaults to today."`
	Sort    string `help:"Ranking to print." enum:"max,min,rain,hits" default:"max"`
}

func (c *LeaderboardCmd) Run(g *Globals) error {
	cfg, loc, err := g.loadConfig()
	if err != nil {
		return err
	}
	rows, err := readRows(g)
	if err != nil {
		return err
	}

	asOf := models.Day(time.Now().In(loc))
	if c.AsOf != "" {
		if asOf, err = models.ParseDay(c.AsOf); err != nil {
			return fmt.Errorf("--as-of: %w", err)
		}
	}
	days := c.Days
	if days <= 0 {
		days = cfg.Grading.WindowDays
	}

	board := grading.Leaderboard(grading.GradeAll(rows), asOf, grading.Filter{
		WindowDays:  days,
		Station:     c.Station,
		PerfectOnly: c.Perfect,
	})
	printNotices(os.Stdout, grading.Notices(rows, cfg.ExpectedSources()))
	printBoard(os.Stdout, board, c.Sort)
	return nil
}

func printBoard(w io.Writer, board grading.Board, sortBy string) {
	stats := board.ByMaxTemp
	switch sortBy {
	case "min":
		stats = board.ByMinTemp
	case "rain":
		stats = board.ByRain
	case "hits":
		stats = board.ByHitRate
	}

	scope := "all stations"
	if board.Station != "" {
		scope = board.Station
	}
	fmt.Fprintf(w, "%s to %s, %s", board.From.Format(models.DateLayout), board.To.Format(models.DateLayout), scope)
	if board.PerfectOnly {
		fmt.Fprint(w, ", perfect days only")
	}
	fmt.Fprintln(w)

	if len(stats) == 0 {
		fmt.Fprintln(w, "No graded records in this window.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tSource\tDays\tMax MAE\tMin MAE\tRain MAE\tRain hit\tPerfect\t")
	for i, s := range stats {
		minMAE := "-"
		if s.MinTempCount > 0 {
			minMAE = fmt.Sprintf("%.2f", s.MinTempMAE)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.2f\t%s\t%.2f\t%.0f%%\t%d\t\n",
			i+1, s.Source, s.Count, s.MaxTempMAE, minMAE, s.RainMAE, s.RainHitRate*100, s.PerfectDays)
	}
	tw.Flush()
}

type BreakdownCmd struct {
	Station string `help:"Station name." required:""`
	Date    string `help:"Day to show (YYYY-MM-DD). Defaults to yesterday."`
	Perfect bool   `help:"Only show perfect-day records."`
}

func (c *BreakdownCmd) Run(g *Globals) error {
	_, loc, err := g.loadConfig()
	if err != nil {
		return err
	}
	rows, err := readRows(g)
	if err != nil {
		return err
	}

	date := models.Day(time.Now().In(loc)).AddDate(0, 0, -1)
	if c.Date != "" {
		if date, err = models.ParseDay(c.Date); err != nil {
			return fmt.Errorf("--date: %w", err)
		}
	}

	printBreakdown(os.Stdout, grading.Breakdown(grading.GradeAll(rows), c.Station, date, c.Perfect))
	return nil
}

func printBreakdown(w io.Writer, bd grading.DayBreakdown) {
	fmt.Fprintf(w, "%s on %s\n", bd.Station, bd.Date)
	if bd.Actual == nil {
		fmt.Fprintln(w, "No graded records for this day.")
		return
	}
	fmt.Fprintf(w, "Actual: max %.1f, min %.1f, rain %.1f mm\n", bd.Actual.MaxTemp, bd.Actual.MinTemp, bd.Actual.RainMM)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Source\tMax\tΔ max\tMin\tΔ min\tRain mm\tΔ rain\tIn range\tPerfect")
	for _, s := range bd.Sources {
		fmt.Fprintf(tw, "%s\t%.1f\t%+.1f\t%s\t%s\t%s\t%+.1f\t%s\t%s\n",
			s.Source, s.ForecastMax, s.MaxTempDelta,
			optFloat(s.ForecastMin, "%.1f"), optFloat(s.MinTempDelta, "%+.1f"),
			rainRange(s.RainMin, s.RainMax), s.RainDelta,
			yesNo(s.RainSuccess), yesNo(s.Perfect))
	}
	tw.Flush()
}

type NoticesCmd struct{}

func (c *NoticesCmd) Run(g *Globals) error {
	cfg, _, err := g.loadConfig()
	if err != nil {
		return err
	}
	rows, err := readRows(g)
	if err != nil {
		return err
	}
	notices := grading.Notices(rows, cfg.ExpectedSources())
	if len(notices) == 0 {
		fmt.Println("Ledger is complete.")
		return nil
	}
	printNotices(os.Stdout, notices)
	return nil
}

func printNotices(w io.Writer, notices []grading.Notice) {
	for _, n := range notices {
		fmt.Fprintf(w, "[%s] %s\n", n.Level, n.Message)
	}
}

func readRows(g *Globals) ([]models.LedgerRow, error) {
	r, closeReader, err := g.openReader()
	if err != nil {
		return nil, err
	}
	defer closeReader()
	return r.AllRows()
}

func optFloat(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func rainRange(lo, hi *float64) string {
	if lo == nil && hi == nil {
		return "-"
	}
	return optFloat(lo, "%.0f") + "-" + optFloat(hi, "%.0f")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
