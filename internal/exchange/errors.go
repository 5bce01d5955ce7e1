package exchange

import (
	"errors"
	"fmt"
)

// Caller errors, fail fast, never retried.
var (
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
)

// FetchErrorKind distinguishes retryable from terminal fetch failures so the
// backfill engine (retry then fail) and the gap reconciler (skip) can apply
// different policies to the same primitive.
type FetchErrorKind int

const (
	// Transient covers rate limits (429), 5xx responses and network errors.
	Transient FetchErrorKind = iota
	// Permanent covers other 4xx responses and malformed response bodies.
	Permanent
)

func (k FetchErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// FetchError wraps a failed candle fetch with its retry classification.
type FetchError struct {
	Kind     FetchErrorKind
	Exchange string
	Status   int // HTTP status when applicable, 0 otherwise
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s fetch failed (%s, HTTP %d): %v", e.Exchange, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s fetch failed (%s): %v", e.Exchange, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a fetch error worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Transient
}

// classifyStatus maps an HTTP status code to a fetch error kind.
func classifyStatus(code int) FetchErrorKind {
	if code == 429 || code >= 500 {
		return Transient
	}
	return Permanent
}
