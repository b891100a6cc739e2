package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies acquisition and pipeline failures.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindTransport           ErrorKind = "transport_error"
	KindBadRequest          ErrorKind = "bad_request"
	KindUnsupportedAsset    ErrorKind = "unsupported_asset"
	KindIncompleteSeries    ErrorKind = "incomplete_series"
	KindExhausted           ErrorKind = "exhausted"
	KindInternalConsistency ErrorKind = "internal_consistency"
)

var (
	ErrRateLimited         = errors.New("rate limited")
	ErrTransport           = errors.New("transport error")
	ErrBadRequest          = errors.New("bad request")
	ErrUnsupportedAsset    = errors.New("unsupported asset")
	ErrIncompleteSeries    = errors.New("incomplete series")
	ErrExhausted           = errors.New("all sources exhausted")
	ErrInternalConsistency = errors.New("internal consistency violation")
)

var kindSentinels = map[ErrorKind]error{
	KindRateLimited:         ErrRateLimited,
	KindTransport:           ErrTransport,
	KindBadRequest:          ErrBadRequest,
	KindUnsupportedAsset:    ErrUnsupportedAsset,
	KindIncompleteSeries:    ErrIncompleteSeries,
	KindExhausted:           ErrExhausted,
	KindInternalConsistency: ErrInternalConsistency,
}

// FetchError carries the failure kind together with where it happened.
// errors.Is matches the sentinel of its kind as well as the wrapped cause.
type FetchError struct {
	Kind     ErrorKind
	Provider Provider
	Asset    string
	Status   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " provider=%s", e.Provider)
	}
	if e.Asset != "" {
		fmt.Fprintf(&b, " asset=%s", e.Asset)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " attempts=%d", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewError builds a FetchError of the given kind.
func NewError(kind ErrorKind, provider Provider, asset string, err error) *FetchError {
	return &FetchError{Kind: kind, Provider: provider, Asset: asset, Err: err}
}

// KindOf returns the kind of the first FetchError in err's chain, falling
// back to sentinel matching.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}
