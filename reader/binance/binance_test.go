package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"hvcollector/config"
	"hvcollector/internal/transport"
	"hvcollector/models"
)

const dayMs = int64(86400000)

// fakeFutures serves aligned rows from startTime to endTime and truncates
// to the requested limit the way Binance does.
type fakeFutures struct {
	mu            sync.Mutex
	hits          map[string]int
	failFunding   bool
	badSymbol     bool
	fundingPerDay int64
}

// alignUp returns the first multiple of step at or after ts.
func alignUp(ts, step int64) int64 {
	if r := ts % step; r != 0 {
		return ts + step - r
	}
	return ts
}

func (f *fakeFutures) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.mu.Unlock()

	if f.badSymbol && r.URL.Path != "/fapi/v1/ping" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		return
	}
	q := r.URL.Query()
	start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	var rows []string
	switch r.URL.Path {
	case "/fapi/v1/ping":
		fmt.Fprint(w, `{}`)
		return
	case "/fapi/v1/klines":
		for ts := alignUp(start, dayMs); ts <= end; ts += dayMs {
			rows = append(rows, fmt.Sprintf(`[%d,"100.0","110.5","95.25","105.0","12.5",%d,"1312.5",420,"6","630","0"]`, ts, ts+dayMs-1))
		}
	case "/fapi/v1/fundingRate":
		if f.failFunding {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1130,"msg":"Data sent for parameter 'startTime' is not valid."}`)
			return
		}
		perDay := f.fundingPerDay
		if perDay == 0 {
			perDay = 3
		}
		step := dayMs / perDay
		for ts := alignUp(start, step); ts <= end; ts += step {
			h := (ts % dayMs) / step
			rows = append(rows, fmt.Sprintf(`{"symbol":"BTCUSDT","fundingRate":"0.000%d","fundingTime":%d,"markPrice":"100"}`, h%3+1, ts))
		}
	case "/futures/data/openInterestHist":
		for ts := alignUp(start, dayMs); ts <= end; ts += dayMs {
			rows = append(rows, fmt.Sprintf(`{"symbol":"BTCUSDT","sumOpenInterest":"250.5","sumOpenInterestValue":"26302.5","timestamp":%d}`, ts))
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
}

func newClient(t *testing.T, f *fakeFutures) *Client {
	t.Helper()
	f.hits = map[string]int{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	tr := transport.New(models.ProviderBinance, transport.Policy{
		Timeout:             time.Second,
		MaxRateLimitRetries: 1,
		MaxTransportRetries: 1,
		BaseDelay:           time.Millisecond,
		RateLimitDelay:      time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
	})
	cfg := config.BinanceConfig{ProviderConfig: config.ProviderConfig{BaseURL: srv.URL}}
	c := New(cfg, tr, 8)
	c.now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	return c
}

var (
	btc = models.AssetSpec{Symbol: "BTC"}
	rng = models.DateRange{
		From: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
	}
)

func TestFetchSeriesMergesDerivatives(t *testing.T) {
	f := &fakeFutures{}
	c := newClient(t, f)

	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	obs := out.Fragment.Observations
	if len(obs) != 10 {
		t.Fatalf("observations = %d, want 10", len(obs))
	}
	o := obs[0]
	if !o.Date.Equal(rng.From) {
		t.Fatalf("first date = %v", o.Date)
	}
	if o.Close.Float64 != 105 || o.High.Float64 != 110.5 || o.Low.Float64 != 95.25 {
		t.Fatalf("ohlc = %v %v %v", o.Close, o.High, o.Low)
	}
	if o.Volume.Float64 != 12.5 || o.QuoteVolume.Float64 != 1312.5 || o.TradeCount.Int64 != 420 {
		t.Fatalf("volume fields = %v %v %v", o.Volume, o.QuoteVolume, o.TradeCount)
	}
	if o.FundingEvents.Int64 != 3 {
		t.Fatalf("funding events = %v", o.FundingEvents)
	}
	if got := o.FundingRate.Float64; got < 0.000199999 || got > 0.000200001 {
		t.Fatalf("mean funding = %v, want 0.0002", got)
	}
	if o.OpenInterest.Float64 != 250.5 || o.OpenInterestValue.Float64 != 26302.5 {
		t.Fatalf("open interest = %v %v", o.OpenInterest, o.OpenInterestValue)
	}
}

func TestFetchSeriesInvalidSymbol(t *testing.T) {
	f := &fakeFutures{badSymbol: true}
	c := newClient(t, f)
	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeUnsupported || !errors.Is(out.Err, models.ErrUnsupportedAsset) {
		t.Fatalf("outcome = %s err = %v", out.Kind, out.Err)
	}
	if f.hits["/fapi/v1/fundingRate"] != 0 {
		t.Fatalf("derivatives fetched for an unsupported symbol")
	}
}

func TestFetchSeriesKeepsPricesWhenFundingFails(t *testing.T) {
	f := &fakeFutures{failFunding: true}
	c := newClient(t, f)
	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	o := out.Fragment.Observations[0]
	if o.FundingRate.Valid {
		t.Fatalf("funding should be absent")
	}
	if !o.OpenInterest.Valid || !o.Close.Valid {
		t.Fatalf("close and open interest should survive a funding failure")
	}
}

func TestFetchDerivativesOnly(t *testing.T) {
	f := &fakeFutures{}
	c := newClient(t, f)
	out := c.FetchDerivatives(context.Background(), btc, rng)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	if f.hits["/fapi/v1/klines"] != 0 {
		t.Fatalf("klines must not be fetched")
	}
	obs := out.Fragment.Observations
	if len(obs) != 10 {
		t.Fatalf("observations = %d", len(obs))
	}
	if obs[0].Close.Valid || !obs[0].FundingRate.Valid || !obs[0].OpenInterest.Valid {
		t.Fatalf("unexpected fields: %+v", obs[0])
	}
}

func TestOpenInterestClampedToRetention(t *testing.T) {
	f := &fakeFutures{}
	c := newClient(t, f)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	out := c.FetchSeries(context.Background(), btc, rng)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	if f.hits["/futures/data/openInterestHist"] != 0 {
		t.Fatalf("open interest requested outside retention")
	}
	if out.Fragment.Observations[0].OpenInterest.Valid {
		t.Fatalf("open interest should be absent")
	}
}

func TestFetchDerivativesPagesPastRowLimit(t *testing.T) {
	f := &fakeFutures{fundingPerDay: 24}
	c := newClient(t, f)
	long := models.DateRange{From: rng.From, To: rng.From.AddDate(0, 0, 99)}
	c.now = func() time.Time { return long.To.Add(4 * time.Hour) }

	out := c.FetchDerivatives(context.Background(), btc, long)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	obs := out.Fragment.Observations
	if len(obs) != 100 {
		t.Fatalf("funding days = %d, want 100", len(obs))
	}
	for _, o := range obs {
		if o.FundingEvents.Int64 != 24 {
			t.Fatalf("%s: funding events = %v, want 24", o.Date.Format(time.DateOnly), o.FundingEvents)
		}
		if got := o.FundingRate.Float64; got < 0.000199999 || got > 0.000200001 {
			t.Fatalf("%s: mean funding = %v", o.Date.Format(time.DateOnly), got)
		}
	}
	// 2400 hourly events in one 300-day page at 1000 rows per request.
	if got := f.hits["/fapi/v1/fundingRate"]; got != 3 {
		t.Fatalf("funding requests = %d, want 3", got)
	}
	if !obs[99].OpenInterest.Valid || obs[0].OpenInterest.Valid {
		t.Fatalf("open interest should cover the last 30 days only")
	}
}

func TestFetchSeriesPagesKlinesPastRowLimit(t *testing.T) {
	f := &fakeFutures{}
	c := newClient(t, f)
	c.pageDays = 2000
	long := models.DateRange{From: rng.From, To: rng.From.AddDate(0, 0, 1599)}
	c.now = func() time.Time { return long.To.Add(4 * time.Hour) }

	out := c.FetchSeries(context.Background(), btc, long)
	if out.Kind != models.OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	obs := out.Fragment.Observations
	if len(obs) != 1600 {
		t.Fatalf("observations = %d, want 1600", len(obs))
	}
	if !obs[1599].Close.Valid || !obs[1599].Date.Equal(long.To) {
		t.Fatalf("last observation = %+v", obs[1599])
	}
	if got := f.hits["/fapi/v1/klines"]; got != 2 {
		t.Fatalf("kline requests = %d, want 2", got)
	}
}

func TestAdvanceRejectsStalledCursor(t *testing.T) {
	if _, err := advance("BTC", 100, 99); !errors.Is(err, models.ErrIncompleteSeries) {
		t.Fatalf("err = %v", err)
	}
	if next, err := advance("BTC", 100, 500); err != nil || next != 501 {
		t.Fatalf("next = %d err = %v", next, err)
	}
}

func TestSymbolFromKey(t *testing.T) {
	c := &Client{}
	if got := c.symbol(models.AssetSpec{Symbol: "PEPE", Keys: map[models.Provider]string{models.ProviderBinance: "1000pepeusdt"}}); got != "1000PEPEUSDT" {
		t.Fatalf("symbol = %s", got)
	}
	if got := c.symbol(btc); got != "BTCUSDT" {
		t.Fatalf("symbol = %s", got)
	}
}

func TestPing(t *testing.T) {
	c := newClient(t, &fakeFutures{})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
