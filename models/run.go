package models

import "time"

// ResolutionState is the terminal state of an asset's fallback chain.
type ResolutionState string

const (
	StateResolved  ResolutionState = "resolved"
	StateExhausted ResolutionState = "exhausted"
)

// OutcomeKind is the closed set of SourceClient results.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeUnsupported OutcomeKind = "unsupported"
	OutcomeRetriable   OutcomeKind = "retriable"
	OutcomeSkipped     OutcomeKind = "skipped"
)

// Attempt records one source call made while resolving an asset.
type Attempt struct {
	Provider Provider      `json:"provider"`
	Stage    string        `json:"stage"`
	Outcome  OutcomeKind   `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Cached   bool          `json:"cached,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Omission names an asset that produced no series, and why.
type Omission struct {
	Asset    string    `json:"asset"`
	Kind     ErrorKind `json:"kind"`
	Reason   string    `json:"reason"`
	Attempts []Attempt `json:"attempts"`
}
