package grading

import (
	"math"
	"sort"
	"time"

	"github.com/lox/forecastaudit/internal/models"
)

const DefaultWindowDays = 30

// Filter narrows the records a leaderboard is built from.
type Filter struct {
	WindowDays  int    // trailing window ending at asOf; 0 means DefaultWindowDays
	Station     string // empty for every station
	PerfectOnly bool
}

// SourceStats is one source's row on the leaderboard. MinTempMAE is averaged
// only over records that had a forecast minimum.
type SourceStats struct {
	Source       string  `json:"source"`
	Count        int     `json:"count"`
	MaxTempMAE   float64 `json:"max_temp_mae"`
	MinTempMAE   float64 `json:"min_temp_mae"`
	MinTempCount int     `json:"min_temp_count"`
	RainMAE      float64 `json:"rain_mae"`
	RainHitRate  float64 `json:"rain_hit_rate"`
	PerfectDays  int     `json:"perfect_days"`
}

// Board is the leaderboard in each of its sort orders. Lower error ranks
// first; higher hit rate ranks first.
type Board struct {
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	Station     string        `json:"station,omitempty"`
	PerfectOnly bool          `json:"perfect_only"`
	ByMaxTemp   []SourceStats `json:"by_max_temp"`
	ByMinTemp   []SourceStats `json:"by_min_temp"`
	ByRain      []SourceStats `json:"by_rain"`
	ByHitRate   []SourceStats `json:"by_hit_rate"`
}

// Window returns the inclusive date range a filter covers: the WindowDays
// calendar days ending at asOf.
func (f Filter) Window(asOf time.Time) (time.Time, time.Time) {
	days := f.WindowDays
	if days <= 0 {
		days = DefaultWindowDays
	}
	to := models.Day(asOf)
	return to.AddDate(0, 0, -(days - 1)), to
}

// Leaderboard aggregates records per source over the filter's window.
func Leaderboard(records []GradedRecord, asOf time.Time, f Filter) Board {
	from, to := f.Window(asOf)
	board := Board{From: from, To: to, Station: f.Station, PerfectOnly: f.PerfectOnly}

	type acc struct {
		n, minN, hits, perfect int
		maxSum, minSum, rainSum float64
	}
	accs := make(map[string]*acc)
	var order []string

	for _, r := range records {
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		if f.Station != "" && r.Station != f.Station {
			continue
		}
		if f.PerfectOnly && !r.Perfect {
			continue
		}
		a, ok := accs[r.Source]
		if !ok {
			a = &acc{}
			accs[r.Source] = a
			order = append(order, r.Source)
		}
		a.n++
		a.maxSum += r.MaxTempError
		if r.MinTempError.Valid {
			a.minN++
			a.minSum += r.MinTempError.Float64
		}
		a.rainSum += r.RainError
		if r.RainSuccess {
			a.hits++
		}
		if r.Perfect {
			a.perfect++
		}
	}

	stats := make([]SourceStats, 0, len(order))
	for _, src := range order {
		a := accs[src]
		s := SourceStats{
			Source:       src,
			Count:        a.n,
			MaxTempMAE:   round2(a.maxSum / float64(a.n)),
			RainMAE:      round2(a.rainSum / float64(a.n)),
			RainHitRate:  round2(float64(a.hits) / float64(a.n)),
			MinTempCount: a.minN,
			PerfectDays:  a.perfect,
		}
		if a.minN > 0 {
			s.MinTempMAE = round2(a.minSum / float64(a.minN))
		}
		stats = append(stats, s)
	}

	board.ByMaxTemp = sortedBy(stats, func(a, b SourceStats) bool { return a.MaxTempMAE < b.MaxTempMAE })
	board.ByRain = sortedBy(stats, func(a, b SourceStats) bool { return a.RainMAE < b.RainMAE })
	board.ByHitRate = sortedBy(stats, func(a, b SourceStats) bool { return a.RainHitRate > b.RainHitRate })

	// Sources that never forecast a minimum have nothing to rank.
	var withMin []SourceStats
	for _, s := range stats {
		if s.MinTempCount > 0 {
			withMin = append(withMin, s)
		}
	}
	board.ByMinTemp = sortedBy(withMin, func(a, b SourceStats) bool { return a.MinTempMAE < b.MinTempMAE })
	return board
}

// sortedBy returns a sorted copy. Ties keep first-seen order.
func sortedBy(stats []SourceStats, less func(a, b SourceStats) bool) []SourceStats {
	out := append([]SourceStats(nil), stats...)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
