package coingecko

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hvcollector/config"
	"hvcollector/internal/transport"
	"hvcollector/models"
)

func testPolicy() transport.Policy {
	return transport.Policy{
		Timeout:             time.Second,
		MaxRateLimitRetries: 2,
		MaxTransportRetries: 1,
		BaseDelay:           time.Millisecond,
		RateLimitDelay:      time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
	}
}

func newClient(t *testing.T, h http.HandlerFunc, pageDays int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.ProviderConfig{BaseURL: srv.URL, PageDays: pageDays, APIKey: "k", APIKeyHeader: "x-cg-demo-api-key"}
	return New(cfg, transport.New(models.ProviderCoinGecko, testPolicy()), 8)
}

var btc = models.AssetSpec{Symbol: "BTC", Keys: map[models.Provider]string{models.ProviderCoinGecko: "bitcoin"}}

func snap(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 8, 0, 0, 0, time.UTC)
}

// chart renders two intraday points per day between from and to (unix
// seconds), the later one carrying price 100+day index.
func chart(from, to int64) string {
	var prices, vols []string
	for ts := from - from%86400; ts <= to; ts += 86400 {
		idx := ts / 86400 % 1000
		prices = append(prices,
			fmt.Sprintf("[%d,%d]", (ts+3600)*1000, 1),
			fmt.Sprintf("[%d,%d]", (ts+7200)*1000, 100+idx))
		vols = append(vols, fmt.Sprintf("[%d,%d]", (ts+7200)*1000, 5000))
	}
	return `{"prices":[` + strings.Join(prices, ",") + `],"total_volumes":[` + strings.Join(vols, ",") + `],"market_caps":[]}`
}

func TestFetchSeriesBucketsDaily(t *testing.T) {
	var calls int64
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.URL.Path != "/coins/bitcoin/market_chart/range" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-cg-demo-api-key") != "k" {
			t.Errorf("api key header missing")
		}
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		fmt.Fprint(w, chart(from, to))
	}, 4)

	rng := models.DateRange{From: snap(2024, 1, 1), To: snap(2024, 1, 10)}
	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 pages", calls)
	}
	obs := out.Fragment.Observations
	if len(obs) != 10 {
		t.Fatalf("observations = %d, want 10", len(obs))
	}
	for i, o := range obs {
		if !o.Date.Equal(snap(2024, 1, 1+i)) {
			t.Fatalf("obs[%d].Date = %v", i, o.Date)
		}
		if o.Close.Float64 <= 1 {
			t.Fatalf("obs[%d] close = %v, want last price of the day", i, o.Close)
		}
		if o.High.Valid || o.Low.Valid || o.TradeCount.Valid {
			t.Fatalf("obs[%d] has fields coingecko does not provide", i)
		}
		if o.QuoteVolume.Float64 != 5000 {
			t.Fatalf("obs[%d] quote volume = %v", i, o.QuoteVolume)
		}
	}
}

func TestFetchSeriesUnsupported(t *testing.T) {
	var calls int64
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"coin not found"}`)
	}, 90)
	rng := models.DateRange{From: snap(2024, 1, 1), To: snap(2024, 1, 10)}

	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeUnsupported || !errors.Is(out.Err, models.ErrUnsupportedAsset) {
		t.Fatalf("404: outcome = %s err = %v", out.Kind, out.Err)
	}

	out = c.FetchSeries(context.Background(), models.AssetSpec{Symbol: "NOID"}, rng)
	if out.Kind != models.OutcomeUnsupported {
		t.Fatalf("missing id: outcome = %s", out.Kind)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, missing id must not hit the network", calls)
	}
}

func TestFetchSeriesThrottleExhausted(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, 90)
	rng := models.DateRange{From: snap(2024, 1, 1), To: snap(2024, 1, 10)}
	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeRetriable || !errors.Is(out.Err, models.ErrRateLimited) {
		t.Fatalf("outcome = %s err = %v", out.Kind, out.Err)
	}
}

func TestFetchSeriesMidRangeGap(t *testing.T) {
	var page int64
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&page, 1)
		if n == 2 {
			fmt.Fprint(w, `{"prices":[],"total_volumes":[]}`)
			return
		}
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		fmt.Fprint(w, chart(from, to))
	}, 4)
	rng := models.DateRange{From: snap(2024, 1, 1), To: snap(2024, 1, 10)}
	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeRetriable || !errors.Is(out.Err, models.ErrIncompleteSeries) {
		t.Fatalf("outcome = %s err = %v", out.Kind, out.Err)
	}
}

func TestFetchSeriesLateListing(t *testing.T) {
	var page int64
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&page, 1) == 1 {
			fmt.Fprint(w, `{"prices":[],"total_volumes":[]}`)
			return
		}
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		fmt.Fprint(w, chart(from, to))
	}, 4)
	rng := models.DateRange{From: snap(2024, 1, 1), To: snap(2024, 1, 10)}
	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v", out.Kind, out.Err)
	}
	if got := len(out.Fragment.Observations); got != 6 {
		t.Fatalf("observations = %d, want 6", got)
	}
}
