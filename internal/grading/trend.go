package grading

import (
	"sort"
	"time"

	"github.com/lox/forecastaudit/internal/models"
)

// TrendPoint is one source's mean error on one day. Errors are averaged
// across stations when the filter does not name one. MinTempError is nil
// when none of the day's records had a forecast minimum.
type TrendPoint struct {
	Date         string   `json:"date"`
	Source       string   `json:"source"`
	Count        int      `json:"count"`
	MaxTempError float64  `json:"max_temp_error"`
	MinTempError *float64 `json:"min_temp_error"`
	RainError    float64  `json:"rain_error"`
}

// Trend is the per-day, per-source error series over the filter's window,
// ordered by date and then by the order sources first appear.
func Trend(records []GradedRecord, asOf time.Time, f Filter) []TrendPoint {
	from, to := f.Window(asOf)

	type key struct {
		date   string
		source string
	}
	type acc struct {
		n, minN                 int
		maxSum, minSum, rainSum float64
	}
	accs := make(map[key]*acc)
	var keys []key
	sourceRank := make(map[string]int)

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
		if _, ok := sourceRank[r.Source]; !ok {
			sourceRank[r.Source] = len(sourceRank)
		}
		k := key{date: r.Date.Format(models.DateLayout), source: r.Source}
		a, ok := accs[k]
		if !ok {
			a = &acc{}
			accs[k] = a
			keys = append(keys, k)
		}
		a.n++
		a.maxSum += r.MaxTempError
		a.rainSum += r.RainError
		if r.MinTempError.Valid {
			a.minN++
			a.minSum += r.MinTempError.Float64
		}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		return sourceRank[keys[i].source] < sourceRank[keys[j].source]
	})

	points := make([]TrendPoint, 0, len(keys))
	for _, k := range keys {
		a := accs[k]
		p := TrendPoint{
			Date:         k.date,
			Source:       k.source,
			Count:        a.n,
			MaxTempError: round2(a.maxSum / float64(a.n)),
			RainError:    round2(a.rainSum / float64(a.n)),
		}
		if a.minN > 0 {
			p.MinTempError = ptr(round2(a.minSum/float64(a.minN)), true)
		}
		points = append(points, p)
	}
	return points
}
