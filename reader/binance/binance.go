// Package binance is the derivatives-capable SourceClient. It reads daily
// klines, funding history and open-interest history for USDT-margined
// perpetuals through the go-binance futures client.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"hvcollector/config"
	"hvcollector/internal/symbols"
	"hvcollector/internal/transport"
	"hvcollector/logger"
	"hvcollector/models"
	"hvcollector/reader"
)

const (
	klineLimit   = 1500
	fundingLimit = 1000
	oiLimit      = 500

	// Binance serves open-interest history for the most recent 30 days only.
	oiRetentionDays = 30

	codeTooManyRequests = -1003
	codeInvalidSymbol   = -1121
)

// Client wraps a futures client whose HTTP calls go through the shared
// transport.
type Client struct {
	client          *futures.Client
	pageDays        int
	fundingPageDays int
	oiPageDays      int
	snapshotHour    int
	log             *logger.Log
	now             func() time.Time
}

// New builds the Binance client. The futures client keeps its own request
// signing and decoding; only the round trips are replaced.
func New(cfg config.BinanceConfig, t *transport.Transport, snapshotHour int) *Client {
	fc := futures.NewClient("", "")
	fc.HTTPClient = t.Client()
	if cfg.BaseURL != "" {
		fc.SetApiEndpoint(strings.TrimRight(cfg.BaseURL, "/"))
	}

	c := &Client{
		client:          fc,
		pageDays:        orDefault(cfg.PageDays, klineLimit),
		fundingPageDays: orDefault(cfg.FundingPageDays, 300),
		oiPageDays:      orDefault(cfg.OIPageDays, oiLimit),
		snapshotHour:    snapshotHour,
		log:             logger.GetLogger(),
		now:             time.Now,
	}
	c.log.WithComponent("binance").WithFields(logger.Fields{
		"base_url":          cfg.BaseURL,
		"page_days":         c.pageDays,
		"funding_page_days": c.fundingPageDays,
		"oi_page_days":      c.oiPageDays,
	}).Info("binance client initialized")
	return c
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c *Client) Provider() models.Provider { return models.ProviderBinance }

func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.NewPingService().Do(ctx); err != nil {
		return c.classify("", err)
	}
	return nil
}

func (c *Client) symbol(asset models.AssetSpec) string {
	if k, ok := asset.Key(models.ProviderBinance); ok {
		return strings.ToUpper(k)
	}
	return symbols.BinancePerp(asset.Symbol)
}

// FetchSeries returns klines merged with funding and open interest. Klines
// decide the outcome; derivatives failures are logged and leave those
// fields absent.
func (c *Client) FetchSeries(ctx context.Context, asset models.AssetSpec, rng models.DateRange) reader.Outcome {
	sym := c.symbol(asset)
	log := c.log.WithComponent("binance").WithFields(logger.Fields{"asset": asset.Symbol, "symbol": sym})
	start := time.Now()

	byDay, err := c.klines(ctx, asset.Symbol, sym, rng)
	if err != nil {
		log.WithError(err).Debug("klines fetch failed")
		return reader.FromError(err)
	}
	if len(byDay) > 0 {
		if err := c.derivatives(ctx, asset.Symbol, sym, rng, byDay, false); err != nil {
			if ctx.Err() != nil {
				return reader.Retriable(err)
			}
			log.WithError(err).Warn("derivatives unavailable, keeping price series")
		}
	}

	frag := c.fragment(asset.Symbol, rng, byDay)
	logger.LogPerformanceEntry(log, "binance", "fetch_series", time.Since(start), logger.Fields{
		"observations": len(frag.Observations),
		"derivatives":  frag.HasDerivatives(),
	})
	return reader.Success(frag)
}

// FetchDerivatives returns funding and open interest only.
func (c *Client) FetchDerivatives(ctx context.Context, asset models.AssetSpec, rng models.DateRange) reader.Outcome {
	sym := c.symbol(asset)
	byDay := make(map[time.Time]*models.RawObservation)
	if err := c.derivatives(ctx, asset.Symbol, sym, rng, byDay, true); err != nil {
		return reader.FromError(err)
	}
	return reader.Success(c.fragment(asset.Symbol, rng, byDay))
}

func (c *Client) fragment(asset string, rng models.DateRange, byDay map[time.Time]*models.RawObservation) *models.Fragment {
	obs := make([]models.RawObservation, 0, len(byDay))
	for _, o := range byDay {
		obs = append(obs, *o)
	}
	return &models.Fragment{
		Asset:        asset,
		Provider:     models.ProviderBinance,
		Requested:    rng,
		Observations: reader.SortByDate(obs),
	}
}

func (c *Client) day(byDay map[time.Time]*models.RawObservation, ms int64) (*models.RawObservation, time.Time) {
	d := models.SnapshotDate(time.UnixMilli(ms), c.snapshotHour)
	o, ok := byDay[d]
	if !ok {
		o = &models.RawObservation{Date: d, Provider: models.ProviderBinance}
		byDay[d] = o
	}
	return o, d
}

func (c *Client) klines(ctx context.Context, asset, sym string, rng models.DateRange) (map[time.Time]*models.RawObservation, error) {
	byDay := make(map[time.Time]*models.RawObservation)
	pages := reader.Pages(rng, c.pageDays)
	counts := make([]int, 0, len(pages))
	for _, page := range pages {
		n := 0
		cursor, end := page.StartOfDay().UnixMilli(), page.EndOfDay().UnixMilli()
		for cursor <= end {
			rows, err := c.client.NewKlinesService().
				Symbol(sym).
				Interval("1d").
				StartTime(cursor).
				EndTime(end).
				Limit(klineLimit).
				Do(ctx)
			if err != nil {
				return nil, c.classify(asset, err)
			}
			for _, k := range rows {
				d := models.SnapshotDate(time.UnixMilli(k.OpenTime), c.snapshotHour)
				if !page.Contains(d) {
					continue
				}
				o, _ := c.day(byDay, k.OpenTime)
				o.Close = parseFloat(k.Close)
				o.High = parseFloat(k.High)
				o.Low = parseFloat(k.Low)
				o.Volume = parseFloat(k.Volume)
				o.QuoteVolume = parseFloat(k.QuoteAssetVolume)
				o.TradeCount = null.IntFrom(k.TradeNum)
				n++
			}
			if len(rows) < klineLimit {
				break
			}
			if cursor, err = advance(asset, cursor, rows[len(rows)-1].OpenTime); err != nil {
				return nil, err
			}
		}
		counts = append(counts, n)
	}
	if err := reader.CheckContiguous(models.ProviderBinance, asset, counts); err != nil {
		return nil, err
	}
	return byDay, nil
}

// advance moves a page cursor past the last row of a full response. Binance
// returns at most limit rows oldest first, so a full response means the
// page has more rows after last.
func advance(asset string, cursor, last int64) (int64, error) {
	next := last + 1
	if next <= cursor {
		return 0, models.NewError(models.KindIncompleteSeries, models.ProviderBinance, asset,
			fmt.Errorf("full page did not advance past %d", cursor))
	}
	return next, nil
}

// derivatives fills funding and open-interest fields into byDay. When
// create is false only days already present (from klines) are filled.
func (c *Client) derivatives(ctx context.Context, asset, sym string, rng models.DateRange, byDay map[time.Time]*models.RawObservation, create bool) error {
	fundErr := c.funding(ctx, asset, sym, rng, byDay, create)
	if ctx.Err() != nil {
		return fundErr
	}
	oiErr := c.openInterest(ctx, asset, sym, rng, byDay, create)
	if fundErr != nil && oiErr != nil {
		return fundErr
	}
	if fundErr != nil {
		c.log.WithComponent("binance").WithError(fundErr).WithFields(logger.Fields{"asset": asset}).Warn("funding history unavailable")
	}
	if oiErr != nil {
		c.log.WithComponent("binance").WithError(oiErr).WithFields(logger.Fields{"asset": asset}).Warn("open interest history unavailable")
	}
	return nil
}

func (c *Client) funding(ctx context.Context, asset, sym string, rng models.DateRange, byDay map[time.Time]*models.RawObservation, create bool) error {
	type acc struct {
		sum decimal.Decimal
		n   int64
	}
	sums := make(map[time.Time]*acc)
	var order []time.Time

	pages := reader.Pages(rng, c.fundingPageDays)
	counts := make([]int, 0, len(pages))
	for _, page := range pages {
		n := 0
		cursor, end := page.StartOfDay().UnixMilli(), page.EndOfDay().UnixMilli()
		for cursor <= end {
			rows, err := c.client.NewFundingRateService().
				Symbol(sym).
				StartTime(cursor).
				EndTime(end).
				Limit(fundingLimit).
				Do(ctx)
			if err != nil {
				return c.classify(asset, err)
			}
			for _, f := range rows {
				d := models.SnapshotDate(time.UnixMilli(f.FundingTime), c.snapshotHour)
				if !page.Contains(d) {
					continue
				}
				rate, err := decimal.NewFromString(f.FundingRate)
				if err != nil {
					continue
				}
				a, ok := sums[d]
				if !ok {
					a = &acc{}
					sums[d] = a
					order = append(order, d)
				}
				a.sum = a.sum.Add(rate)
				a.n++
				n++
			}
			if len(rows) < fundingLimit {
				break
			}
			if cursor, err = advance(asset, cursor, rows[len(rows)-1].FundingTime); err != nil {
				return err
			}
		}
		counts = append(counts, n)
	}
	if err := reader.CheckContiguous(models.ProviderBinance, asset, counts); err != nil {
		return err
	}

	for _, d := range order {
		o, ok := byDay[d]
		if !ok {
			if !create {
				continue
			}
			o = &models.RawObservation{Date: d, Provider: models.ProviderBinance}
			byDay[d] = o
		}
		a := sums[d]
		mean, _ := a.sum.Div(decimal.NewFromInt(a.n)).Float64()
		o.FundingRate = null.FloatFrom(mean)
		o.FundingEvents = null.IntFrom(a.n)
	}
	return nil
}

func (c *Client) openInterest(ctx context.Context, asset, sym string, rng models.DateRange, byDay map[time.Time]*models.RawObservation, create bool) error {
	oldest := models.SnapshotDate(c.now(), c.snapshotHour).AddDate(0, 0, -(oiRetentionDays - 1))
	if rng.From.Before(oldest) {
		rng.From = oldest
	}
	if rng.To.Before(rng.From) {
		return nil
	}

	pages := reader.Pages(rng, c.oiPageDays)
	counts := make([]int, 0, len(pages))
	for _, page := range pages {
		n := 0
		cursor, end := page.StartOfDay().UnixMilli(), page.EndOfDay().UnixMilli()
		for cursor <= end {
			rows, err := c.client.NewOpenInterestStatisticsService().
				Symbol(sym).
				Period("1d").
				StartTime(cursor).
				EndTime(end).
				Limit(oiLimit).
				Do(ctx)
			if err != nil {
				return c.classify(asset, err)
			}
			for _, s := range rows {
				d := models.SnapshotDate(time.UnixMilli(s.Timestamp), c.snapshotHour)
				if !page.Contains(d) {
					continue
				}
				o, ok := byDay[d]
				if !ok {
					if !create {
						continue
					}
					o, _ = c.day(byDay, s.Timestamp)
				}
				o.OpenInterest = parseFloat(s.SumOpenInterest)
				o.OpenInterestValue = parseFloat(s.SumOpenInterestValue)
				n++
			}
			if len(rows) < oiLimit {
				break
			}
			if cursor, err = advance(asset, cursor, rows[len(rows)-1].Timestamp); err != nil {
				return err
			}
		}
		counts = append(counts, n)
	}
	return reader.CheckContiguous(models.ProviderBinance, asset, counts)
}

// classify maps go-binance errors onto the fetch error taxonomy. Transport
// failures arrive wrapped in *url.Error and already carry their kind.
func (c *Client) classify(asset string, err error) error {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		out := *fe
		out.Asset = asset
		return &out
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInvalidSymbol:
			return reader.Unsupportedf(models.ProviderBinance, asset, apiErr)
		case codeTooManyRequests:
			return models.NewError(models.KindRateLimited, models.ProviderBinance, asset, apiErr)
		}
		return models.NewError(models.KindBadRequest, models.ProviderBinance, asset, apiErr)
	}
	return models.NewError(models.KindTransport, models.ProviderBinance, asset, fmt.Errorf("binance: %w", err))
}

func parseFloat(s string) null.Float {
	if s == "" {
		return null.Float{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return null.Float{}
	}
	f, _ := d.Float64()
	return null.FloatFrom(f)
}
