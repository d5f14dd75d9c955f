package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/lox/forecastaudit/internal/models"
)

const (
	DefaultPrecisHost = "ftp.bom.gov.au:21"
	// South Australian town forecasts.
	DefaultPrecisFile = "/anon/gen/fwo/IDS10044.xml"
)

// RetrieveFunc returns the raw bytes of a remote product file.
type RetrieveFunc func(ctx context.Context) ([]byte, error)

// BOMPrecis reads the official precis forecast from the BOM XML product.
// The product covers every town in the state, so it is retrieved once per
// day and shared across stations.
type BOMPrecis struct {
	retrieve RetrieveFunc
	loc      *time.Location

	mu      sync.Mutex
	day     string
	product *bomProduct
	errKind FailureKind
	err     error
}

// NewBOMPrecis fetches the product over anonymous FTP.
func NewBOMPrecis(host, file string, timeout time.Duration, loc *time.Location) *BOMPrecis {
	if host == "" {
		host = DefaultPrecisHost
	}
	if file == "" {
		file = DefaultPrecisFile
	}
	return NewBOMPrecisWith(FTPRetriever(host, file, timeout), loc)
}

// NewBOMPrecisWith uses retrieve to load the product.
func NewBOMPrecisWith(retrieve RetrieveFunc, loc *time.Location) *BOMPrecis {
	if loc == nil {
		loc = time.UTC
	}
	return &BOMPrecis{retrieve: retrieve, loc: loc}
}

// FTPRetriever downloads file from host with an anonymous login.
func FTPRetriever(host, file string, timeout time.Duration) RetrieveFunc {
	return func(ctx context.Context) ([]byte, error) {
		conn, err := ftp.Dial(host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login("anonymous", "anonymous"); err != nil {
			return nil, fmt.Errorf("ftp login: %w", err)
		}

		resp, err := conn.Retr(file)
		if err != nil {
			return nil, fmt.Errorf("ftp retr: %w", err)
		}
		defer resp.Close()

		body, err := io.ReadAll(resp)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return body, nil
	}
}

type bomProduct struct {
	XMLName  xml.Name       `xml:"product"`
	Forecast bomForecastDoc `xml:"forecast"`
}

type bomForecastDoc struct {
	Areas []bomArea `xml:"area"`
}

type bomArea struct {
	AAC         string              `xml:"aac,attr"`
	Description string              `xml:"description,attr"`
	Type        string              `xml:"type,attr"`
	Periods     []bomForecastPeriod `xml:"forecast-period"`
}

type bomForecastPeriod struct {
	Index     int          `xml:"index,attr"`
	StartTime string       `xml:"start-time-local,attr"`
	Elements  []bomElement `xml:"element"`
	TextItems []bomText    `xml:"text"`
}

type bomElement struct {
	Type  string `xml:"type,attr"`
	Units string `xml:"units,attr"`
	Value string `xml:",chardata"`
}

type bomText struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

func (b *BOMPrecis) Name() string     { return models.SourceBOMPrecis }
func (b *BOMPrecis) Provider() string { return ProviderBOMFTP }

// load returns the product for date, retrieving it on first use. A failed
// retrieval is remembered for the day so stations do not each retry it.
func (b *BOMPrecis) load(ctx context.Context, date time.Time) (*bomProduct, FailureKind, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := date.Format(models.DateLayout)
	if b.day == day {
		return b.product, b.errKind, b.err
	}

	b.day = day
	b.product, b.errKind, b.err = nil, 0, nil

	body, err := b.retrieve(ctx)
	if err != nil {
		b.errKind, b.err = FailureTransport, err
		return nil, b.errKind, b.err
	}
	var product bomProduct
	if err := xml.Unmarshal(body, &product); err != nil {
		b.errKind, b.err = FailureParse, fmt.Errorf("unmarshal xml: %w", err)
		return nil, b.errKind, b.err
	}
	b.product = &product
	return b.product, 0, nil
}

func (b *BOMPrecis) Fetch(ctx context.Context, st models.Station, date time.Time) (*models.ForecastRecord, error) {
	if st.BOMAAC == "" {
		return nil, noDataErr(b.Name(), st.Name, "station has no bom_aac")
	}

	product, kind, err := b.load(ctx, date)
	if err != nil {
		return nil, &FetchError{Kind: kind, Source: b.Name(), Station: st.Name, Err: err}
	}

	var area *bomArea
	for i := range product.Forecast.Areas {
		a := &product.Forecast.Areas[i]
		if a.AAC == st.BOMAAC && a.Type == "location" {
			area = a
			break
		}
	}
	if area == nil {
		return nil, noDataErr(b.Name(), st.Name, "area %s not found in product", st.BOMAAC)
	}

	period := b.periodFor(area, date)
	if period == nil {
		return nil, noDataErr(b.Name(), st.Name, "no forecast period for %s", date.Format(models.DateLayout))
	}

	var ex extraction
	for _, elem := range period.Elements {
		v := strings.TrimSpace(elem.Value)
		switch elem.Type {
		case "air_temperature_maximum":
			ex.MaxTemp = nullFloat(firstNumber(v))
		case "air_temperature_minimum":
			ex.MinTemp = nullFloat(firstNumber(v))
		case "precipitation_range":
			ex.setRange(unsignedNumbers(v))
		}
	}
	for _, text := range period.TextItems {
		if text.Type == "probability_of_precipitation" {
			if nums := unsignedNumbers(text.Value); len(nums) > 0 {
				ex.RainProb = nullFloat(nums[0], true)
			}
		}
	}
	if !ex.MaxTemp.Valid {
		return nil, parseErr(b.Name(), st.Name, "no maximum temperature for area %s", st.BOMAAC)
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

// periodFor picks the period whose local start falls on date, falling back
// to index 0 when start times are missing.
func (b *BOMPrecis) periodFor(area *bomArea, date time.Time) *bomForecastPeriod {
	want := date.Format(models.DateLayout)
	for i := range area.Periods {
		p := &area.Periods[i]
		start, err := time.Parse(time.RFC3339, p.StartTime)
		if err != nil {
			continue
		}
		if start.In(b.loc).Format(models.DateLayout) == want {
			return p
		}
	}
	for i := range area.Periods {
		p := &area.Periods[i]
		if p.Index == 0 && p.StartTime == "" {
			return p
		}
	}
	return nil
}
