package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultTimeout = 15 * time.Second

	// BrowserUserAgent is sent to sites that reject non-browser clients.
	BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	maxBodyBytes = 8 << 20
)

// NewClient returns an HTTP client with a bounded timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// ErrCircuitOpen is returned without a request being made when a provider
// has failed repeatedly in this process.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Fetcher performs single-attempt GET requests for one provider. Transport
// failures count against a circuit breaker shared by every request to that
// provider.
type Fetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	headers map[string]string
}

// NewFetcher builds a Fetcher. The breaker opens after tripAfter consecutive
// transport failures; zero disables tripping.
func NewFetcher(name string, client *http.Client, headers map[string]string, tripAfter uint32) *Fetcher {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return tripAfter > 0 && counts.ConsecutiveFailures >= tripAfter
		},
	}
	return &Fetcher{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		headers: headers,
	}
}

// Get fetches url and returns the body of a 2xx response. Every error it
// returns is a transport-level failure.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range f.headers {
			req.Header.Set(k, v)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: TruncateBody(body)}
		}
		return body, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// TruncateBody shortens a response body for inclusion in error messages.
func TruncateBody(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
