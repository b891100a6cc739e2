package writer

import (
	"fmt"
	"strings"
	"time"

	"hvcollector/models"
)

// RecordRow is one asset-day of engine output.
type RecordRow struct {
	RunID                 string   `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset                 string   `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date                  int32    `parquet:"name=date, type=INT32, convertedtype=DATE"`
	SnapshotTime          int64    `parquet:"name=snapshot_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Gap                   bool     `parquet:"name=gap, type=BOOLEAN"`
	Close                 *float64 `parquet:"name=close, type=DOUBLE, repetitiontype=OPTIONAL"`
	High                  *float64 `parquet:"name=high, type=DOUBLE, repetitiontype=OPTIONAL"`
	Low                   *float64 `parquet:"name=low, type=DOUBLE, repetitiontype=OPTIONAL"`
	Volume                *float64 `parquet:"name=volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	QuoteVolume           *float64 `parquet:"name=quote_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	TradeCount            *int64   `parquet:"name=trade_count, type=INT64, repetitiontype=OPTIONAL"`
	FundingRate           *float64 `parquet:"name=funding_rate, type=DOUBLE, repetitiontype=OPTIONAL"`
	FundingEvents         *int64   `parquet:"name=funding_events, type=INT64, repetitiontype=OPTIONAL"`
	AnnualizedFundingRate *float64 `parquet:"name=annualized_funding_rate, type=DOUBLE, repetitiontype=OPTIONAL"`
	OpenInterest          *float64 `parquet:"name=open_interest, type=DOUBLE, repetitiontype=OPTIONAL"`
	OpenInterestValue     *float64 `parquet:"name=open_interest_value, type=DOUBLE, repetitiontype=OPTIONAL"`
	RMSVol                *float64 `parquet:"name=rms_vol, type=DOUBLE, repetitiontype=OPTIONAL"`
	PriceProvider         string   `parquet:"name=price_provider, type=BYTE_ARRAY, convertedtype=UTF8"`
	DerivativesProvider   string   `parquet:"name=derivatives_provider, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WindowRow is one rolling-window metric value. Metric is "hv" or
// "parkinson".
type WindowRow struct {
	RunID  string   `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset  string   `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date   int32    `parquet:"name=date, type=INT32, convertedtype=DATE"`
	Metric string   `parquet:"name=metric, type=BYTE_ARRAY, convertedtype=UTF8"`
	Window int32    `parquet:"name=window, type=INT32"`
	Value  *float64 `parquet:"name=value, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type CompositeRow struct {
	RunID string   `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset string   `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date  int32    `parquet:"name=date, type=INT32, convertedtype=DATE"`
	A     int32    `parquet:"name=window_a, type=INT32"`
	B     int32    `parquet:"name=window_b, type=INT32"`
	Value *float64 `parquet:"name=value, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type SummaryRow struct {
	RunID                string   `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset                string   `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name                 string   `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	NoData               bool     `parquet:"name=no_data, type=BOOLEAN"`
	FirstDate            *int32   `parquet:"name=first_date, type=INT32, convertedtype=DATE, repetitiontype=OPTIONAL"`
	LastDate             *int32   `parquet:"name=last_date, type=INT32, convertedtype=DATE, repetitiontype=OPTIONAL"`
	Days                 int32    `parquet:"name=days, type=INT32"`
	DataPoints           int32    `parquet:"name=data_points, type=INT32"`
	Gaps                 int32    `parquet:"name=gaps, type=INT32"`
	AvgPrice             *float64 `parquet:"name=avg_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	MinPrice             *float64 `parquet:"name=min_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	MaxPrice             *float64 `parquet:"name=max_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	LatestPrice          *float64 `parquet:"name=latest_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	AvgVolume            *float64 `parquet:"name=avg_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	AvgQuoteVolume       *float64 `parquet:"name=avg_quote_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	AvgTradeCount        *float64 `parquet:"name=avg_trade_count, type=DOUBLE, repetitiontype=OPTIONAL"`
	PriceProviders       string   `parquet:"name=price_providers, type=BYTE_ARRAY, convertedtype=UTF8"`
	DerivativesProviders string   `parquet:"name=derivatives_providers, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type SummaryMetricRow struct {
	RunID      string   `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset      string   `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Metric     string   `parquet:"name=metric, type=BYTE_ARRAY, convertedtype=UTF8"`
	Average    *float64 `parquet:"name=average, type=DOUBLE, repetitiontype=OPTIONAL"`
	Latest     *float64 `parquet:"name=latest, type=DOUBLE, repetitiontype=OPTIONAL"`
	LatestDate *int32   `parquet:"name=latest_date, type=INT32, convertedtype=DATE, repetitiontype=OPTIONAL"`
	Count      int32    `parquet:"name=count, type=INT32"`
}

type OmissionRow struct {
	RunID    string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset    string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind     string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason   string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts int32  `parquet:"name=attempts, type=INT32"`
	Trail    string `parquet:"name=trail, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func recordRows(runID string, records []models.VolatilityRecord) []any {
	out := make([]any, 0, len(records))
	for _, r := range records {
		out = append(out, RecordRow{
			RunID:                 runID,
			Asset:                 r.Asset,
			Date:                  epochDay(r.Date),
			SnapshotTime:          r.Date.UnixMilli(),
			Gap:                   r.Gap,
			Close:                 r.Close.Ptr(),
			High:                  r.High.Ptr(),
			Low:                   r.Low.Ptr(),
			Volume:                r.Volume.Ptr(),
			QuoteVolume:           r.QuoteVolume.Ptr(),
			TradeCount:            r.TradeCount.Ptr(),
			FundingRate:           r.FundingRate.Ptr(),
			FundingEvents:         r.FundingEvents.Ptr(),
			AnnualizedFundingRate: r.AnnualizedFundingRate.Ptr(),
			OpenInterest:          r.OpenInterest.Ptr(),
			OpenInterestValue:     r.OpenInterestValue.Ptr(),
			RMSVol:                r.RMSVol.Ptr(),
			PriceProvider:         string(r.PriceProvider),
			DerivativesProvider:   string(r.DerivativesProvider),
		})
	}
	return out
}

func windowRows(runID string, records []models.VolatilityRecord) []any {
	var out []any
	for _, r := range records {
		d := epochDay(r.Date)
		for _, v := range r.HV {
			out = append(out, WindowRow{RunID: runID, Asset: r.Asset, Date: d, Metric: "hv", Window: int32(v.Window), Value: v.Value.Ptr()})
		}
		for _, v := range r.Parkinson {
			out = append(out, WindowRow{RunID: runID, Asset: r.Asset, Date: d, Metric: "parkinson", Window: int32(v.Window), Value: v.Value.Ptr()})
		}
	}
	return out
}

func compositeRows(runID string, records []models.VolatilityRecord) []any {
	var out []any
	for _, r := range records {
		d := epochDay(r.Date)
		for _, c := range r.Composites {
			out = append(out, CompositeRow{RunID: runID, Asset: r.Asset, Date: d, A: int32(c.A), B: int32(c.B), Value: c.Value.Ptr()})
		}
	}
	return out
}

func summaryRows(runID string, summaries []models.AssetSummary) []any {
	out := make([]any, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, SummaryRow{
			RunID:                runID,
			Asset:                s.Asset,
			Name:                 s.Name,
			NoData:               s.NoData,
			FirstDate:            epochDayPtr(s.FirstDate),
			LastDate:             epochDayPtr(s.LastDate),
			Days:                 int32(s.Days),
			DataPoints:           int32(s.DataPoints),
			Gaps:                 int32(s.Gaps),
			AvgPrice:             s.AvgPrice.Ptr(),
			MinPrice:             s.MinPrice.Ptr(),
			MaxPrice:             s.MaxPrice.Ptr(),
			LatestPrice:          s.LatestPrice.Ptr(),
			AvgVolume:            s.AvgVolume.Ptr(),
			AvgQuoteVolume:       s.AvgQuoteVolume.Ptr(),
			AvgTradeCount:        s.AvgTradeCount.Ptr(),
			PriceProviders:       joinProviders(s.PriceProviders),
			DerivativesProviders: joinProviders(s.DerivativesProviders),
		})
	}
	return out
}

func summaryMetricRows(runID string, summaries []models.AssetSummary) []any {
	var out []any
	for _, s := range summaries {
		for _, m := range s.Metrics {
			out = append(out, SummaryMetricRow{
				RunID:      runID,
				Asset:      s.Asset,
				Metric:     m.Metric,
				Average:    m.Average.Ptr(),
				Latest:     m.Latest.Ptr(),
				LatestDate: epochDayPtr(m.LatestDate),
				Count:      int32(m.Count),
			})
		}
	}
	return out
}

func omissionRows(runID string, omissions []models.Omission) []any {
	out := make([]any, 0, len(omissions))
	for _, o := range omissions {
		out = append(out, OmissionRow{
			RunID:    runID,
			Asset:    o.Asset,
			Kind:     string(o.Kind),
			Reason:   o.Reason,
			Attempts: int32(len(o.Attempts)),
			Trail:    trail(o.Attempts),
		})
	}
	return out
}

// trail renders attempts as "stage/provider=outcome(error)" joined by "; ".
func trail(attempts []models.Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		p := fmt.Sprintf("%s/%s=%s", a.Stage, a.Provider, a.Outcome)
		if a.Error != "" {
			p += "(" + a.Error + ")"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "; ")
}

func joinProviders(ps []models.Provider) string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = string(p)
	}
	return strings.Join(s, ",")
}

// epochDay is the Parquet DATE value: days since 1970-01-01 of the UTC date.
func epochDay(t time.Time) int32 {
	y, m, d := t.UTC().Date()
	return int32(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

func epochDayPtr(t *time.Time) *int32 {
	if t == nil {
		return nil
	}
	d := epochDay(*t)
	return &d
}
