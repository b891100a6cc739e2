package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// MetricStat is the average and most recent present value of one metric.
type MetricStat struct {
	Metric     string     `json:"metric"`
	Average    null.Float `json:"average"`
	Latest     null.Float `json:"latest"`
	LatestDate *time.Time `json:"latest_date"`
	Count      int        `json:"count"`
}

// AssetSummary is the one-row reduction of an asset's records.
type AssetSummary struct {
	Asset  string `json:"asset"`
	Name   string `json:"name"`
	NoData bool   `json:"no_data"`

	FirstDate  *time.Time `json:"first_date"`
	LastDate   *time.Time `json:"last_date"`
	Days       int        `json:"days"`
	DataPoints int        `json:"data_points"`
	Gaps       int        `json:"gaps"`

	AvgPrice    null.Float `json:"avg_price"`
	MinPrice    null.Float `json:"min_price"`
	MaxPrice    null.Float `json:"max_price"`
	LatestPrice null.Float `json:"latest_price"`

	AvgVolume      null.Float `json:"avg_volume"`
	AvgQuoteVolume null.Float `json:"avg_quote_volume"`
	AvgTradeCount  null.Float `json:"avg_trade_count"`

	Metrics []MetricStat `json:"metrics"`

	PriceProviders       []Provider `json:"price_providers"`
	DerivativesProviders []Provider `json:"derivatives_providers"`
}

// Metric looks up a metric stat by name.
func (s AssetSummary) Metric(name string) (MetricStat, bool) {
	for _, m := range s.Metrics {
		if m.Metric == name {
			return m, true
		}
	}
	return MetricStat{}, false
}
