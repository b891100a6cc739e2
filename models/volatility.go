package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// WindowValue is a metric value for one rolling window.
type WindowValue struct {
	Window int        `json:"window"`
	Value  null.Float `json:"value"`
}

// CompositeValue is RMS(A,B) of two HV windows.
type CompositeValue struct {
	A     int        `json:"a"`
	B     int        `json:"b"`
	Value null.Float `json:"value"`
}

// VolatilityRecord is the per-asset per-day engine output. Absent values
// are invalid null fields, never zero.
type VolatilityRecord struct {
	Asset string    `json:"asset"`
	Date  time.Time `json:"date"`
	Gap   bool      `json:"gap"`

	Close       null.Float `json:"close"`
	High        null.Float `json:"high"`
	Low         null.Float `json:"low"`
	Volume      null.Float `json:"volume"`
	QuoteVolume null.Float `json:"quote_volume"`
	TradeCount  null.Int   `json:"trade_count"`

	FundingRate           null.Float `json:"funding_rate"`
	FundingEvents         null.Int   `json:"funding_events"`
	AnnualizedFundingRate null.Float `json:"annualized_funding_rate"`
	OpenInterest          null.Float `json:"open_interest"`
	OpenInterestValue     null.Float `json:"open_interest_value"`

	HV         []WindowValue    `json:"hv"`
	Parkinson  []WindowValue    `json:"parkinson"`
	Composites []CompositeValue `json:"composites"`
	RMSVol     null.Float       `json:"rms_vol"`

	PriceProvider       Provider `json:"price_provider,omitempty"`
	DerivativesProvider Provider `json:"derivatives_provider,omitempty"`
}

// HVFor returns the HV value for window w.
func (r VolatilityRecord) HVFor(w int) null.Float {
	for _, v := range r.HV {
		if v.Window == w {
			return v.Value
		}
	}
	return null.Float{}
}

// ParkinsonFor returns the Parkinson value for window w.
func (r VolatilityRecord) ParkinsonFor(w int) null.Float {
	for _, v := range r.Parkinson {
		if v.Window == w {
			return v.Value
		}
	}
	return null.Float{}
}

// CompositeFor returns RMS(a,b) in either argument order.
func (r VolatilityRecord) CompositeFor(a, b int) null.Float {
	for _, c := range r.Composites {
		if (c.A == a && c.B == b) || (c.A == b && c.B == a) {
			return c.Value
		}
	}
	return null.Float{}
}
