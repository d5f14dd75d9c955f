package ingest

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/lox/forecastaudit/internal/htmlutil"
	"github.com/lox/forecastaudit/internal/httputil"
	"github.com/lox/forecastaudit/internal/models"
)

const DefaultWeatherzoneURL = "https://www.weatherzone.com.au"

// Weatherzone scrapes a Weatherzone town forecast page. Markup changes
// often, so temperatures are read with a class-based strategy first and a
// degree-symbol scan second.
type Weatherzone struct {
	baseURL string
	fetcher *httputil.Fetcher
}

func NewWeatherzone(baseURL string, client *http.Client, tripAfter uint32) *Weatherzone {
	if baseURL == "" {
		baseURL = DefaultWeatherzoneURL
	}
	headers := map[string]string{"User-Agent": httputil.BrowserUserAgent}
	return &Weatherzone{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: httputil.NewFetcher(ProviderWeatherzone, client, headers, tripAfter),
	}
}

func (w *Weatherzone) Name() string     { return models.SourceWeatherzone }
func (w *Weatherzone) Provider() string { return ProviderWeatherzone }

func (w *Weatherzone) Fetch(ctx context.Context, st models.Station, date time.Time) (*models.ForecastRecord, error) {
	if st.WeatherzonePath == "" {
		return nil, noDataErr(w.Name(), st.Name, "station has no weatherzone_path")
	}
	url := w.baseURL + "/" + strings.TrimLeft(st.WeatherzonePath, "/")

	body, err := w.fetcher.Get(ctx, url)
	if err != nil {
		return nil, transportErr(w.Name(), st.Name, err)
	}
	p, err := newPage(body)
	if err != nil {
		return nil, withPayload(parseErr(w.Name(), st.Name, "parse html: %v", err), url, body)
	}

	ex, _, ok := runStrategies(p, weatherzoneStrategies)
	if !ok {
		return nil, withPayload(parseErr(w.Name(), st.Name, "could not locate max temperature"), url, body)
	}
	weatherzoneRain(p, &ex)

	return &models.ForecastRecord{
		Date:              models.Day(date),
		Station:           st.Name,
		Source:            w.Name(),
		ForecastMinTemp:   ex.MinTemp,
		ForecastMaxTemp:   ex.MaxTemp,
		ForecastRainProb:  ex.RainProb,
		ForecastRainMinMM: ex.RainMin,
		ForecastRainMaxMM: ex.RainMax,
	}, nil
}

var weatherzoneStrategies = []strategy{
	{name: "class-match", extract: weatherzoneClassMatch},
	{name: "degree-scan", extract: weatherzoneDegreeScan},
}

var (
	classMax = regexp.MustCompile(`(?i)max`)
	classMin = regexp.MustCompile(`(?i)min`)
)

func hasClassMatching(re *regexp.Regexp) func(*html.Node) bool {
	return func(n *html.Node) bool {
		for _, c := range strings.Fields(htmlutil.Attr(n, "class")) {
			if re.MatchString(c) {
				return true
			}
		}
		return false
	}
}

// weatherzoneClassMatch reads the first elements whose class mentions
// max/min.
func weatherzoneClassMatch(p *page) extraction {
	var ex extraction
	if n := htmlutil.Find(p.root, hasClassMatching(classMax)); n != nil {
		ex.MaxTemp = nullFloat(firstNumber(htmlutil.NodeText(n)))
	}
	if n := htmlutil.Find(p.root, hasClassMatching(classMin)); n != nil {
		ex.MinTemp = nullFloat(firstNumber(htmlutil.NodeText(n)))
	}
	return ex
}

var degreePattern = regexp.MustCompile(`(-?\d+)\s*°`)

// weatherzoneDegreeScan takes the first four "N°" tokens in the page text
// and uses their extremes as today's min and max.
func weatherzoneDegreeScan(p *page) extraction {
	var ex extraction
	matches := degreePattern.FindAllStringSubmatch(p.Text(), 4)
	if len(matches) < 2 {
		return ex
	}
	var temps []float64
	for _, m := range matches {
		if v, ok := firstInt(m[1]); ok {
			temps = append(temps, v)
		}
	}
	if len(temps) < 2 {
		return ex
	}
	lo, hi := temps[0], temps[0]
	for _, t := range temps[1:] {
		lo = min(lo, t)
		hi = max(hi, t)
	}
	ex.MinTemp = nullFloat(lo, true)
	ex.MaxTemp = nullFloat(hi, true)
	return ex
}

var (
	percentPattern  = regexp.MustCompile(`(\d+)\s*%`)
	mmRangePattern  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[-–]\s*(\d+(?:\.\d+)?)\s*mm`)
	mmSinglePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*mm`)
)

// weatherzoneRain fills rain probability and range from the first text
// nodes that look like them. Fields stay null when nothing matches.
func weatherzoneRain(p *page, ex *extraction) {
	texts := htmlutil.TextNodes(p.root)

	for _, t := range texts {
		if m := percentPattern.FindStringSubmatch(t); m != nil {
			if nums := unsignedNumbers(m[1]); len(nums) > 0 {
				ex.RainProb = nullFloat(nums[0], true)
			}
			break
		}
	}

	for _, t := range texts {
		if m := mmRangePattern.FindStringSubmatch(t); m != nil {
			ex.setRange(unsignedNumbers(m[1] + " " + m[2]))
			return
		}
	}
	for _, t := range texts {
		if m := mmSinglePattern.FindStringSubmatch(t); m != nil {
			ex.setRange(unsignedNumbers(m[1]))
			return
		}
	}
}
