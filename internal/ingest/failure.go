package ingest

import (
	"errors"
	"fmt"
)

// FailureKind classifies why an adapter or resolver produced no value.
type FailureKind int

const (
	// FailureTransport covers network errors, timeouts, non-2xx responses
	// and an open circuit breaker.
	FailureTransport FailureKind = iota + 1
	// FailureParse means a payload arrived but its shape was unexpected.
	FailureParse
	// FailureNoData means the payload was well formed but semantically empty.
	FailureNoData
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureParse:
		return "parse"
	case FailureNoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// FetchError is the failure value returned by every adapter and by the
// actuals resolver. The pipeline logs it and carries on.
type FetchError struct {
	Kind    FailureKind
	Source  string
	Station string
	Err     error

	// Endpoint and Payload hold the response that could not be parsed, if
	// there was one.
	Endpoint string
	Payload  []byte
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Source, e.Station, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or 0 if err is not a
// FetchError.
func KindOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

func transportErr(source, station string, err error) error {
	return &FetchError{Kind: FailureTransport, Source: source, Station: station, Err: err}
}

func parseErr(source, station string, format string, args ...any) error {
	return &FetchError{Kind: FailureParse, Source: source, Station: station, Err: fmt.Errorf(format, args...)}
}

func noDataErr(source, station string, format string, args ...any) error {
	return &FetchError{Kind: FailureNoData, Source: source, Station: station, Err: fmt.Errorf(format, args...)}
}

// withPayload attaches the offending response to a parse failure.
func withPayload(err error, endpoint string, body []byte) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		fe.Endpoint = endpoint
		fe.Payload = body
	}
	return err
}
