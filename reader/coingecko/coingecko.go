// Package coingecko is the primary SourceClient. It reads daily closes and
// rolling 24h volumes from the market_chart/range endpoint.
package coingecko

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

	"hvcollector/config"
	"hvcollector/internal/transport"
	"hvcollector/logger"
	"hvcollector/models"
	"hvcollector/reader"
)

// Client fetches from the CoinGecko public API.
type Client struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	pageDays     int
	snapshotHour int
	transport    *transport.Transport
	log          *logger.Log
}

// New builds a client on top of the provider's shared transport.
func New(cfg config.ProviderConfig, t *transport.Transport, snapshotHour int) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
		pageDays:     cfg.PageDays,
		snapshotHour: snapshotHour,
		transport:    t,
		log:          logger.GetLogger(),
	}
	if c.pageDays <= 0 {
		c.pageDays = 90
	}
	c.log.WithComponent("coingecko").WithFields(logger.Fields{
		"base_url":  c.baseURL,
		"page_days": c.pageDays,
		"api_key":   c.apiKey != "",
	}).Info("coingecko client initialized")
	return c
}

func (c *Client) Provider() models.Provider { return models.ProviderCoinGecko }

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Get(ctx, c.baseURL+"/ping", c.header())
	return err
}

type marketChart struct {
	Prices       [][2]float64 `json:"prices"`
	TotalVolumes [][2]float64 `json:"total_volumes"`
}

// FetchSeries pages through market_chart/range for the asset's CoinGecko id.
func (c *Client) FetchSeries(ctx context.Context, asset models.AssetSpec, rng models.DateRange) reader.Outcome {
	id, ok := asset.Key(models.ProviderCoinGecko)
	if !ok {
		return reader.Unsupported(reader.Unsupportedf(models.ProviderCoinGecko, asset.Symbol, errors.New("no coingecko id configured")))
	}

	log := c.log.WithComponent("coingecko").WithFields(logger.Fields{"asset": asset.Symbol, "id": id})
	start := time.Now()

	pages := reader.Pages(rng, c.pageDays)
	counts := make([]int, 0, len(pages))
	var obs []models.RawObservation
	for _, page := range pages {
		rows, err := c.fetchPage(ctx, id, page)
		if err != nil {
			var fe *models.FetchError
			if errors.As(err, &fe) {
				fe.Asset = asset.Symbol
				if fe.Status == http.StatusNotFound {
					err = reader.Unsupportedf(models.ProviderCoinGecko, asset.Symbol, fmt.Errorf("coin id %q not found", id))
				}
			}
			log.WithError(err).Debug("page fetch failed")
			return reader.FromError(err)
		}
		counts = append(counts, len(rows))
		obs = append(obs, rows...)
	}
	if err := reader.CheckContiguous(models.ProviderCoinGecko, asset.Symbol, counts); err != nil {
		return reader.FromError(err)
	}

	frag := &models.Fragment{
		Asset:        asset.Symbol,
		Provider:     models.ProviderCoinGecko,
		Requested:    rng,
		Observations: reader.SortByDate(obs),
	}
	logger.LogPerformanceEntry(log, "coingecko", "fetch_series", time.Since(start), logger.Fields{
		"pages":        len(pages),
		"observations": len(frag.Observations),
	})
	return reader.Success(frag)
}

func (c *Client) fetchPage(ctx context.Context, id string, page reader.Page) ([]models.RawObservation, error) {
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("from", fmt.Sprint(page.StartOfDay().Unix()))
	q.Set("to", fmt.Sprint(page.EndOfDay().Unix()))
	u := fmt.Sprintf("%s/coins/%s/market_chart/range?%s", c.baseURL, url.PathEscape(id), q.Encode())

	res, err := c.transport.Get(ctx, u, c.header())
	if err != nil {
		return nil, err
	}
	var chart marketChart
	if err := json.Unmarshal(res.Body, &chart); err != nil {
		return nil, models.NewError(models.KindTransport, models.ProviderCoinGecko, "", fmt.Errorf("decode market chart: %w", err))
	}
	return c.bucket(chart, page), nil
}

// bucket collapses intraday points into one observation per UTC day. The
// last price of the day is the close; the last total_volumes value is the
// rolling 24h quote volume.
func (c *Client) bucket(chart marketChart, page reader.Page) []models.RawObservation {
	byDay := make(map[time.Time]*models.RawObservation)
	var order []time.Time
	get := func(ms float64) *models.RawObservation {
		d := models.SnapshotDate(time.UnixMilli(int64(ms)), c.snapshotHour)
		if !page.Contains(d) {
			return nil
		}
		o, ok := byDay[d]
		if !ok {
			o = &models.RawObservation{Date: d, Provider: models.ProviderCoinGecko}
			byDay[d] = o
			order = append(order, d)
		}
		return o
	}
	for _, p := range chart.Prices {
		if o := get(p[0]); o != nil {
			o.Close = null.FloatFrom(p[1])
		}
	}
	for _, v := range chart.TotalVolumes {
		if o := get(v[0]); o != nil {
			o.QuoteVolume = null.FloatFrom(v[1])
		}
	}

	out := make([]models.RawObservation, 0, len(order))
	for _, d := range order {
		if o := byDay[d]; o.HasPrice() {
			out = append(out, *o)
		}
	}
	return out
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.apiKey != "" {
		h.Set(c.apiKeyHeader, c.apiKey)
	}
	return h
}
