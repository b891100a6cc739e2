package models

import (
	"time"

	"github.com/guregu/null/v6"
)

const day = 24 * time.Hour

// DateRange is an inclusive range of snapshot dates.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Days reports the number of calendar days covered, inclusive.
func (r DateRange) Days() int {
	if r.To.Before(r.From) {
		return 0
	}
	return int(r.To.Sub(r.From)/day) + 1
}

// Contains reports whether t falls on or between From and To.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// SnapshotDate maps any instant to the daily snapshot instant of its UTC
// calendar day.
func SnapshotDate(t time.Time, hour int) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, time.UTC)
}

// RawObservation is one calendar day of data for one asset from one provider.
type RawObservation struct {
	Date     time.Time `json:"date"`
	Provider Provider  `json:"provider"`

	Close       null.Float `json:"close"`
	High        null.Float `json:"high"`
	Low         null.Float `json:"low"`
	Volume      null.Float `json:"volume"`
	QuoteVolume null.Float `json:"quote_volume"`
	TradeCount  null.Int   `json:"trade_count"`

	FundingRate       null.Float `json:"funding_rate"`
	FundingEvents     null.Int   `json:"funding_events"`
	OpenInterest      null.Float `json:"open_interest"`
	OpenInterestValue null.Float `json:"open_interest_value"`
}

// HasPrice reports whether the observation carries a close.
func (o RawObservation) HasPrice() bool { return o.Close.Valid }

// HasDerivatives reports whether any funding or open-interest field is set.
func (o RawObservation) HasDerivatives() bool {
	return o.FundingRate.Valid || o.OpenInterest.Valid || o.OpenInterestValue.Valid
}

// Fragment is the date-ordered output of one SourceClient call.
type Fragment struct {
	Asset        string           `json:"asset"`
	Provider     Provider         `json:"provider"`
	Requested    DateRange        `json:"requested"`
	Observations []RawObservation `json:"observations"`
}

// Coverage returns the first and last observation dates.
func (f *Fragment) Coverage() (DateRange, bool) {
	if f == nil || len(f.Observations) == 0 {
		return DateRange{}, false
	}
	return DateRange{From: f.Observations[0].Date, To: f.Observations[len(f.Observations)-1].Date}, true
}

// HasDerivatives reports whether any observation carries derivatives fields.
func (f *Fragment) HasDerivatives() bool {
	if f == nil {
		return false
	}
	for _, o := range f.Observations {
		if o.HasDerivatives() {
			return true
		}
	}
	return false
}
