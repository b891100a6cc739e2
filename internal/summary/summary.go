// Package summary reduces an asset's volatility records to one row.
package summary

import (
	"fmt"

	"github.com/guregu/null/v6"

	"hvcollector/models"
)

// Metric names used in summaries and exports.
const (
	MetricRMSVol                = "rms_vol"
	MetricFundingRate           = "funding_rate"
	MetricAnnualizedFundingRate = "annualized_funding_rate"
	MetricOpenInterest          = "open_interest"
	MetricOpenInterestValue     = "open_interest_value"
)

func HVMetric(w int) string        { return fmt.Sprintf("hv_%d", w) }
func ParkinsonMetric(w int) string { return fmt.Sprintf("parkinson_%d", w) }
func RMSMetric(a, b int) string    { return fmt.Sprintf("rms_%d_%d", a, b) }

type metric struct {
	name  string
	value func(models.VolatilityRecord) null.Float
}

// Reporter knows which metrics a run computes.
type Reporter struct {
	metrics []metric
}

// NewReporter builds a reporter for the given windows and composites.
func NewReporter(windows []int, composites [][2]int) *Reporter {
	r := &Reporter{}
	for _, w := range windows {
		r.metrics = append(r.metrics, metric{HVMetric(w), func(v models.VolatilityRecord) null.Float { return v.HVFor(w) }})
	}
	for _, w := range windows {
		r.metrics = append(r.metrics, metric{ParkinsonMetric(w), func(v models.VolatilityRecord) null.Float { return v.ParkinsonFor(w) }})
	}
	for _, c := range composites {
		r.metrics = append(r.metrics, metric{RMSMetric(c[0], c[1]), func(v models.VolatilityRecord) null.Float { return v.CompositeFor(c[0], c[1]) }})
	}
	r.metrics = append(r.metrics,
		metric{MetricRMSVol, func(v models.VolatilityRecord) null.Float { return v.RMSVol }},
		metric{MetricFundingRate, func(v models.VolatilityRecord) null.Float { return v.FundingRate }},
		metric{MetricAnnualizedFundingRate, func(v models.VolatilityRecord) null.Float { return v.AnnualizedFundingRate }},
		metric{MetricOpenInterest, func(v models.VolatilityRecord) null.Float { return v.OpenInterest }},
		metric{MetricOpenInterestValue, func(v models.VolatilityRecord) null.Float { return v.OpenInterestValue }},
	)
	return r
}

// MetricNames lists the metric columns in output order.
func (r *Reporter) MetricNames() []string {
	out := make([]string, len(r.metrics))
	for i, m := range r.metrics {
		out[i] = m.name
	}
	return out
}

// NoData is the summary row of an asset that resolved to nothing.
func (r *Reporter) NoData(asset models.AssetSpec) models.AssetSummary {
	s := models.AssetSummary{Asset: asset.Symbol, Name: asset.Name, NoData: true}
	for _, m := range r.metrics {
		s.Metrics = append(s.Metrics, models.MetricStat{Metric: m.name})
	}
	return s
}

// Summarize reduces records, which must be in date order, to one summary.
// Latest values are taken from the most recent day the metric is present.
func (r *Reporter) Summarize(asset models.AssetSpec, records []models.VolatilityRecord) models.AssetSummary {
	if len(records) == 0 {
		return r.NoData(asset)
	}
	s := models.AssetSummary{Asset: asset.Symbol, Name: asset.Name, Days: len(records)}
	first, last := records[0].Date, records[len(records)-1].Date
	s.FirstDate, s.LastDate = &first, &last

	var price, volume, quote, trades mean
	var minPrice, maxPrice, latestPrice null.Float
	seenPrice := map[models.Provider]bool{}
	seenDeriv := map[models.Provider]bool{}

	for _, rec := range records {
		if rec.Gap {
			s.Gaps++
			continue
		}
		s.DataPoints++
		if rec.Close.Valid {
			c := rec.Close.Float64
			price.add(c)
			if !minPrice.Valid || c < minPrice.Float64 {
				minPrice = null.FloatFrom(c)
			}
			if !maxPrice.Valid || c > maxPrice.Float64 {
				maxPrice = null.FloatFrom(c)
			}
			latestPrice = rec.Close
		}
		volume.addNull(rec.Volume)
		quote.addNull(rec.QuoteVolume)
		if rec.TradeCount.Valid {
			trades.add(float64(rec.TradeCount.Int64))
		}
		if p := rec.PriceProvider; p != "" && !seenPrice[p] {
			seenPrice[p] = true
			s.PriceProviders = append(s.PriceProviders, p)
		}
		if p := rec.DerivativesProvider; p != "" && !seenDeriv[p] {
			seenDeriv[p] = true
			s.DerivativesProviders = append(s.DerivativesProviders, p)
		}
	}
	if s.DataPoints == 0 {
		s.NoData = true
	}

	s.AvgPrice, s.MinPrice, s.MaxPrice, s.LatestPrice = price.value(), minPrice, maxPrice, latestPrice
	s.AvgVolume, s.AvgQuoteVolume, s.AvgTradeCount = volume.value(), quote.value(), trades.value()

	for _, m := range r.metrics {
		stat := models.MetricStat{Metric: m.name}
		var avg mean
		for i := range records {
			v := m.value(records[i])
			if !v.Valid {
				continue
			}
			avg.add(v.Float64)
			d := records[i].Date
			stat.Latest, stat.LatestDate = v, &d
		}
		stat.Average, stat.Count = avg.value(), avg.n
		s.Metrics = append(s.Metrics, stat)
	}
	return s
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m *mean) addNull(v null.Float) {
	if v.Valid {
		m.add(v.Float64)
	}
}

func (m mean) value() null.Float {
	if m.n == 0 {
		return null.Float{}
	}
	return null.FloatFrom(m.sum / float64(m.n))
}
