package ingest

import (
	"bytes"
	"database/sql"
	"regexp"
	"strconv"

	"golang.org/x/net/html"

	"github.com/lox/forecastaudit/internal/htmlutil"
)

// extraction holds whatever a scraping strategy managed to locate. Fields it
// could not find stay null.
type extraction struct {
	MinTemp  sql.NullFloat64
	MaxTemp  sql.NullFloat64
	RainProb sql.NullFloat64
	RainMin  sql.NullFloat64
	RainMax  sql.NullFloat64
}

// setRange stores a rainfall range; a single value collapses to [v, v].
func (e *extraction) setRange(nums []float64) bool {
	switch {
	case len(nums) >= 2:
		e.RainMin = sql.NullFloat64{Float64: nums[0], Valid: true}
		e.RainMax = sql.NullFloat64{Float64: nums[1], Valid: true}
	case len(nums) == 1:
		e.RainMin = sql.NullFloat64{Float64: nums[0], Valid: true}
		e.RainMax = sql.NullFloat64{Float64: nums[0], Valid: true}
	default:
		return false
	}
	return true
}

// page is a fetched HTML document.
type page struct {
	raw  []byte
	root *html.Node
	text *string
}

func newPage(body []byte) (*page, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &page{raw: body, root: root}, nil
}

// Text is the readable text of the whole page.
func (p *page) Text() string {
	if p.text == nil {
		s := htmlutil.ToText(string(p.raw))
		p.text = &s
	}
	return *p.text
}

// strategy is one way of reading forecast values out of a page.
type strategy struct {
	name    string
	extract func(*page) extraction
}

// runStrategies tries each strategy in order and returns the first result
// that located a maximum temperature, along with the strategy's name.
func runStrategies(p *page, strategies []strategy) (extraction, string, bool) {
	for _, s := range strategies {
		ex := s.extract(p)
		if ex.MaxTemp.Valid {
			return ex, s.name, true
		}
	}
	return extraction{}, "", false
}

var (
	intPattern    = regexp.MustCompile(`-?\d+`)
	signedPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// firstInt returns the first integer in s, sign included.
func firstInt(s string) (float64, bool) {
	m := intPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	return v, err == nil
}

// firstNumber returns the first signed decimal in s.
func firstNumber(s string) (float64, bool) {
	m := signedPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	return v, err == nil
}

// unsignedNumbers returns every non-negative decimal in s.
func unsignedNumbers(s string) []float64 {
	var out []float64
	for _, m := range numberPattern.FindAllString(s, -1) {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func nullFloat(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}
