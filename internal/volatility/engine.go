// Package volatility turns a canonical daily series into per-day volatility
// records. Everything here is pure computation over its input.
package volatility

import (
	"math"
	"sort"

	"github.com/guregu/null/v6"

	"hvcollector/models"
)

const daysPerYear = 365

// Params selects the windows and composites to compute.
type Params struct {
	Windows             []int
	Composites          [][2]int
	FundingEventsPerDay int
}

// Engine computes VolatilityRecords. It holds no state besides its params
// and is safe for concurrent use.
type Engine struct {
	windows    []int
	composites [][2]int
	events     int64
}

// NewEngine normalizes params: windows are sorted, deduplicated and
// restricted to positive values; composites naming an unknown window are
// dropped.
func NewEngine(p Params) *Engine {
	seen := make(map[int]bool)
	var windows []int
	for _, w := range p.Windows {
		if w > 0 && !seen[w] {
			seen[w] = true
			windows = append(windows, w)
		}
	}
	sort.Ints(windows)

	var composites [][2]int
	for _, c := range p.Composites {
		if seen[c[0]] && seen[c[1]] {
			composites = append(composites, c)
		}
	}
	events := p.FundingEventsPerDay
	if events <= 0 {
		events = 3
	}
	return &Engine{windows: windows, composites: composites, events: int64(events)}
}

// eventsOn is the funding cadence used to annualize a day's mean rate: the
// observed event count when it exceeds the configured cadence, so 1h and 4h
// perpetuals are not understated, else the configured cadence. A partially
// observed day never falls below the configured cadence.
func (e *Engine) eventsOn(o models.RawObservation) int64 {
	if o.FundingEvents.Valid && o.FundingEvents.Int64 > e.events {
		return o.FundingEvents.Int64
	}
	return e.events
}

func (e *Engine) Windows() []int { return append([]int(nil), e.windows...) }

func (e *Engine) Composites() [][2]int { return append([][2]int(nil), e.composites...) }

// Compute returns one record per series day, gaps included.
func (e *Engine) Compute(s *models.CanonicalSeries) []models.VolatilityRecord {
	if s.Len() == 0 {
		return nil
	}
	n := len(s.Days)

	// returns[t] is ln(close[t]/close[t-1]) when both closes are usable.
	returns := make([]float64, n)
	returnOK := make([]bool, n)
	// retRun[t] counts consecutive valid returns ending at t.
	retRun := make([]int, n)
	// ranges[t] is ln(high/low)^2 for a usable high/low; rangeRun likewise.
	ranges := make([]float64, n)
	rangeRun := make([]int, n)

	for t := 0; t < n; t++ {
		if t > 0 {
			if a, b, ok := closes(s.Days[t-1], s.Days[t]); ok {
				returns[t] = math.Log(b / a)
				returnOK[t] = true
				retRun[t] = retRun[t-1] + 1
			}
		}
		if r, ok := logRangeSquared(s.Days[t]); ok {
			ranges[t] = r
			rangeRun[t] = 1
			if t > 0 {
				rangeRun[t] = rangeRun[t-1] + 1
			}
		}
	}

	out := make([]models.VolatilityRecord, n)
	for t, day := range s.Days {
		rec := models.VolatilityRecord{Asset: s.Asset, Date: day.Date, Gap: day.Gap}
		rec.HV = make([]models.WindowValue, len(e.windows))
		rec.Parkinson = make([]models.WindowValue, len(e.windows))
		rec.Composites = make([]models.CompositeValue, len(e.composites))

		for i, w := range e.windows {
			rec.HV[i] = models.WindowValue{Window: w}
			rec.Parkinson[i] = models.WindowValue{Window: w}
			if day.Gap {
				continue
			}
			if w > 1 && retRun[t] >= w {
				rec.HV[i].Value = null.FloatFrom(historical(returns[t-w+1 : t+1]))
			}
			if rangeRun[t] >= w {
				rec.Parkinson[i].Value = null.FloatFrom(parkinson(ranges[t-w+1 : t+1]))
			}
		}
		for i, c := range e.composites {
			rec.Composites[i] = models.CompositeValue{A: c[0], B: c[1], Value: RMS(rec.HVFor(c[0]), rec.HVFor(c[1]))}
		}

		if !day.Gap {
			o := day.Observation
			rec.Close, rec.High, rec.Low = o.Close, o.High, o.Low
			rec.Volume, rec.QuoteVolume, rec.TradeCount = o.Volume, o.QuoteVolume, o.TradeCount
			rec.FundingRate, rec.FundingEvents = o.FundingRate, o.FundingEvents
			rec.OpenInterest, rec.OpenInterestValue = o.OpenInterest, o.OpenInterestValue
			if o.FundingRate.Valid {
				rec.AnnualizedFundingRate = null.FloatFrom(o.FundingRate.Float64 * float64(e.eventsOn(o)*daysPerYear))
			}
			rec.RMSVol = RMS(rec.HVFor(7), rec.HVFor(14))
			if !rec.RMSVol.Valid {
				rec.RMSVol = RMS(rec.HVFor(2), rec.HVFor(3))
			}
			rec.PriceProvider = day.PriceProvider
			rec.DerivativesProvider = day.DerivativesProvider
		}
		out[t] = rec
	}
	return out
}

// RMS is sqrt((a²+b²)/2), present only when both inputs are.
func RMS(a, b null.Float) null.Float {
	if !a.Valid || !b.Valid {
		return null.Float{}
	}
	return null.FloatFrom(math.Sqrt((a.Float64*a.Float64 + b.Float64*b.Float64) / 2))
}

func closes(prev, cur models.SeriesDay) (float64, float64, bool) {
	if prev.Gap || cur.Gap {
		return 0, 0, false
	}
	a, b := prev.Observation.Close, cur.Observation.Close
	if !a.Valid || !b.Valid || a.Float64 <= 0 || b.Float64 <= 0 {
		return 0, 0, false
	}
	return a.Float64, b.Float64, true
}

func logRangeSquared(d models.SeriesDay) (float64, bool) {
	if d.Gap {
		return 0, false
	}
	h, l := d.Observation.High, d.Observation.Low
	if !h.Valid || !l.Valid || h.Float64 <= 0 || l.Float64 <= 0 || h.Float64 < l.Float64 {
		return 0, false
	}
	r := math.Log(h.Float64 / l.Float64)
	return r * r, true
}

// historical is the annualized sample standard deviation of returns.
func historical(returns []float64) float64 {
	n := float64(len(returns))
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= n
	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss/(n-1)) * math.Sqrt(daysPerYear)
}

// parkinson is sqrt(mean(ln(H/L)²) / (4 ln 2)) annualized by sqrt(365).
func parkinson(ranges []float64) float64 {
	var sum float64
	for _, r := range ranges {
		sum += r
	}
	mean := sum / float64(len(ranges))
	return math.Sqrt(mean/(4*math.Ln2)) * math.Sqrt(daysPerYear)
}
