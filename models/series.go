package models

import "time"

// SeriesDay is one calendar day of a CanonicalSeries. Gap days carry no
// observation and no provenance.
type SeriesDay struct {
	Date                time.Time
	Gap                 bool
	Observation         RawObservation
	PriceProvider       Provider
	DerivativesProvider Provider
}

// CanonicalSeries is the merged daily series for one asset. Days are
// consecutive calendar days from the first to the last priced day.
type CanonicalSeries struct {
	Asset string
	Days  []SeriesDay
}

// Len returns the number of calendar days in the series, gaps included.
func (s *CanonicalSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Days)
}

// Present counts the non-gap days.
func (s *CanonicalSeries) Present() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.Days {
		if !d.Gap {
			n++
		}
	}
	return n
}
