// Package kraken is the backup SourceClient, reading daily OHLC candles
// from Kraken's public REST API.
package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

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
	intervalDaily = 1440
	unknownPair   = "EQuery:Unknown asset pair"
)

type Client struct {
	baseURL      string
	pageDays     int
	snapshotHour int
	transport    *transport.Transport
	log          *logger.Log
}

func New(cfg config.ProviderConfig, t *transport.Transport, snapshotHour int) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pageDays:     cfg.PageDays,
		snapshotHour: snapshotHour,
		transport:    t,
		log:          logger.GetLogger(),
	}
	if c.pageDays <= 0 {
		c.pageDays = 720
	}
	c.log.WithComponent("kraken").WithFields(logger.Fields{
		"base_url":  c.baseURL,
		"page_days": c.pageDays,
	}).Info("kraken client initialized")
	return c
}

func (c *Client) Provider() models.Provider { return models.ProviderKraken }

func (c *Client) Ping(ctx context.Context) error {
	res, err := c.transport.Get(ctx, c.baseURL+"/0/public/Time", nil)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		return models.NewError(models.KindTransport, models.ProviderKraken, "", fmt.Errorf("decode time: %w", err))
	}
	return env.err("")
}

func (c *Client) pair(asset models.AssetSpec) string {
	if k, ok := asset.Key(models.ProviderKraken); ok {
		return strings.ToUpper(k)
	}
	return symbols.KrakenPair(asset.Symbol)
}

type envelope struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

func (e envelope) err(asset string) error {
	if len(e.Error) == 0 {
		return nil
	}
	msg := strings.Join(e.Error, "; ")
	for _, s := range e.Error {
		if strings.HasPrefix(s, unknownPair) {
			return reader.Unsupportedf(models.ProviderKraken, asset, fmt.Errorf("%s", msg))
		}
	}
	return models.NewError(models.KindBadRequest, models.ProviderKraken, asset, fmt.Errorf("%s", msg))
}

// FetchSeries pages through daily OHLC. Kraken only serves its most recent
// 720 candles, so older pages come back empty and count as late listing.
func (c *Client) FetchSeries(ctx context.Context, asset models.AssetSpec, rng models.DateRange) reader.Outcome {
	pair := c.pair(asset)
	log := c.log.WithComponent("kraken").WithFields(logger.Fields{"asset": asset.Symbol, "pair": pair})
	start := time.Now()

	pages := reader.Pages(rng, c.pageDays)
	counts := make([]int, 0, len(pages))
	var obs []models.RawObservation
	for _, page := range pages {
		rows, err := c.fetchPage(ctx, asset.Symbol, pair, page)
		if err != nil {
			log.WithError(err).Debug("page fetch failed")
			return reader.FromError(err)
		}
		counts = append(counts, len(rows))
		obs = append(obs, rows...)
	}
	if err := reader.CheckContiguous(models.ProviderKraken, asset.Symbol, counts); err != nil {
		return reader.FromError(err)
	}

	frag := &models.Fragment{
		Asset:        asset.Symbol,
		Provider:     models.ProviderKraken,
		Requested:    rng,
		Observations: reader.SortByDate(obs),
	}
	logger.LogPerformanceEntry(log, "kraken", "fetch_series", time.Since(start), logger.Fields{
		"pages":        len(pages),
		"observations": len(frag.Observations),
	})
	return reader.Success(frag)
}

func (c *Client) fetchPage(ctx context.Context, asset, pair string, page reader.Page) ([]models.RawObservation, error) {
	q := url.Values{}
	q.Set("pair", pair)
	q.Set("interval", fmt.Sprint(intervalDaily))
	q.Set("since", fmt.Sprint(page.StartOfDay().Unix()-1))

	res, err := c.transport.Get(ctx, c.baseURL+"/0/public/OHLC?"+q.Encode(), http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		var fe *models.FetchError
		if errors.As(err, &fe) {
			fe.Asset = asset
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		return nil, models.NewError(models.KindTransport, models.ProviderKraken, asset, fmt.Errorf("decode ohlc: %w", err))
	}
	if err := env.err(asset); err != nil {
		return nil, err
	}

	var out []models.RawObservation
	for key, raw := range env.Result {
		if key == "last" {
			continue
		}
		var rows [][]json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, models.NewError(models.KindTransport, models.ProviderKraken, asset, fmt.Errorf("decode ohlc rows: %w", err))
		}
		for _, row := range rows {
			o, ok := c.parseRow(row)
			if ok && page.Contains(o.Date) {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

// parseRow decodes [time, open, high, low, close, vwap, volume, count].
func (c *Client) parseRow(row []json.RawMessage) (models.RawObservation, bool) {
	if len(row) < 8 {
		return models.RawObservation{}, false
	}
	var ts int64
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return models.RawObservation{}, false
	}
	o := models.RawObservation{
		Date:     models.SnapshotDate(time.Unix(ts, 0), c.snapshotHour),
		Provider: models.ProviderKraken,
		High:     decimalField(row[2]),
		Low:      decimalField(row[3]),
		Close:    decimalField(row[4]),
		Volume:   decimalField(row[6]),
	}
	if !o.Close.Valid {
		return models.RawObservation{}, false
	}
	if vwap := decimalField(row[5]); vwap.Valid && o.Volume.Valid {
		o.QuoteVolume = null.FloatFrom(vwap.Float64 * o.Volume.Float64)
	}
	var count int64
	if err := json.Unmarshal(row[7], &count); err == nil {
		o.TradeCount = null.IntFrom(count)
	}
	return o, true
}

func decimalField(raw json.RawMessage) null.Float {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return null.Float{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return null.Float{}
	}
	f, _ := d.Float64()
	return null.FloatFrom(f)
}
