package ingest

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/lox/forecastaudit/internal/htmlutil"
	"github.com/lox/forecastaudit/internal/httputil"
	"github.com/lox/forecastaudit/internal/models"
)

const DefaultBOMPlacesURL = "https://www.bom.gov.au/places"

// BOMPlaces scrapes the human-issued forecast from the BOM "places" page.
// The first forecast block on the page is today's.
type BOMPlaces struct {
	baseURL string
	fetcher *httputil.Fetcher
}

func NewBOMPlaces(baseURL string, client *http.Client, tripAfter uint32) *BOMPlaces {
	if baseURL == "" {
		baseURL = DefaultBOMPlacesURL
	}
	headers := map[string]string{
		"User-Agent": httputil.BrowserUserAgent,
		"Accept":     "text/html",
	}
	return &BOMPlaces{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: httputil.NewFetcher(ProviderBOM, client, headers, tripAfter),
	}
}

func (b *BOMPlaces) Name() string     { return models.SourceBOM }
func (b *BOMPlaces) Provider() string { return ProviderBOM }

func (b *BOMPlaces) Fetch(ctx context.Context, st models.Station, date time.Time) (*models.ForecastRecord, error) {
	if st.BOMPlace == "" || st.BOMState == "" {
		return nil, noDataErr(b.Name(), st.Name, "station has no bom_state/bom_place")
	}
	url := fmt.Sprintf("%s/%s/%s/forecast", b.baseURL, st.BOMState, st.BOMPlace)

	body, err := b.fetcher.Get(ctx, url)
	if err != nil {
		return nil, transportErr(b.Name(), st.Name, err)
	}
	p, err := newPage(body)
	if err != nil {
		return nil, withPayload(parseErr(b.Name(), st.Name, "parse html: %v", err), url, body)
	}

	ex, _, ok := runStrategies(p, bomPlacesStrategies)
	if !ok {
		return nil, withPayload(parseErr(b.Name(), st.Name, "could not locate max temperature"), url, body)
	}

	return &models.ForecastRecord{
		Date:              models.Day(date),
		Station:           st.Name,
		Source:            b.Name(),
		ForecastMinTemp:   ex.MinTemp,
		ForecastMaxTemp:   ex.MaxTemp,
		ForecastRainProb:  ex.RainProb,
		ForecastRainMinMM: ex.RainMin,
		ForecastRainMaxMM: ex.RainMax,
	}, nil
}

var bomPlacesStrategies = []strategy{
	{name: "definition-list", extract: bomDefinitionList},
	{name: "page-text", extract: bomPageText},
}

// bomDefinitionList reads <dt>label</dt><dd>value</dd> pairs in document
// order. The first occurrence of each label belongs to today's block.
func bomDefinitionList(p *page) extraction {
	var ex extraction
	for _, dt := range htmlutil.FindAll(p.root, "dt") {
		dd := nextDD(dt)
		if dd == nil {
			continue
		}
		label := strings.ToLower(strings.TrimSuffix(htmlutil.NodeText(dt), ":"))
		value := htmlutil.NodeText(dd)

		switch {
		case label == "min" && !ex.MinTemp.Valid:
			ex.MinTemp = nullFloat(firstInt(value))
		case label == "max" && !ex.MaxTemp.Valid:
			ex.MaxTemp = nullFloat(firstInt(value))
		case strings.Contains(label, "possible rainfall") && !ex.RainMin.Valid:
			ex.setRange(unsignedNumbers(value))
		case strings.Contains(label, "chance of any rain") && !ex.RainProb.Valid:
			if nums := unsignedNumbers(value); len(nums) > 0 {
				ex.RainProb = nullFloat(nums[0], true)
			}
		}

		if ex.MinTemp.Valid && ex.MaxTemp.Valid && ex.RainProb.Valid {
			break
		}
	}
	return ex
}

func nextDD(dt *html.Node) *html.Node {
	for n := htmlutil.NextElementSibling(dt); n != nil; n = htmlutil.NextElementSibling(n) {
		if n.Data == "dd" {
			return n
		}
	}
	return nil
}

var (
	bomTextMax       = regexp.MustCompile(`(?i)\bmax(?:imum)?\s*:?\s*(-?\d+)`)
	bomTextMin       = regexp.MustCompile(`(?i)\bmin(?:imum)?\s*:?\s*(-?\d+)`)
	bomTextRainRange = regexp.MustCompile(`(?i)possible rainfall\s*:?\s*(\d+(?:\.\d+)?)\s*(?:to|-|–)\s*(\d+(?:\.\d+)?)\s*mm`)
	bomTextRainOne   = regexp.MustCompile(`(?i)possible rainfall\s*:?\s*(\d+(?:\.\d+)?)\s*mm`)
	bomTextChance    = regexp.MustCompile(`(?i)chance of any rain\s*:?\s*(\d+)\s*%`)
)

// bomPageText scans the flattened page text for label/value pairs. Used
// when the page markup no longer has the definition list.
func bomPageText(p *page) extraction {
	text := p.Text()
	var ex extraction
	if m := bomTextMax.FindStringSubmatch(text); m != nil {
		ex.MaxTemp = nullFloat(firstInt(m[1]))
	}
	if m := bomTextMin.FindStringSubmatch(text); m != nil {
		ex.MinTemp = nullFloat(firstInt(m[1]))
	}
	if m := bomTextRainRange.FindStringSubmatch(text); m != nil {
		ex.setRange(unsignedNumbers(m[1] + " " + m[2]))
	} else if m := bomTextRainOne.FindStringSubmatch(text); m != nil {
		ex.setRange(unsignedNumbers(m[1]))
	}
	if m := bomTextChance.FindStringSubmatch(text); m != nil {
		if nums := unsignedNumbers(m[1]); len(nums) > 0 {
			ex.RainProb = nullFloat(nums[0], true)
		}
	}
	return ex
}
