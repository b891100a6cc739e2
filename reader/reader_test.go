package reader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guregu/null/v6"

	"hvcollector/internal/cache"
	"hvcollector/models"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestPages(t *testing.T) {
	pages := Pages(models.DateRange{From: day(0), To: day(9)}, 4)
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	if !pages[0].From.Equal(day(0)) || !pages[0].To.Equal(day(3)) {
		t.Errorf("page 0 = %+v", pages[0])
	}
	if !pages[2].From.Equal(day(8)) || !pages[2].To.Equal(day(9)) {
		t.Errorf("page 2 = %+v", pages[2])
	}
	if Pages(models.DateRange{From: day(1), To: day(0)}, 4) != nil {
		t.Errorf("inverted range should yield no pages")
	}
}

func TestPageDayBounds(t *testing.T) {
	p := Page{From: day(0), To: day(1)}
	if got := p.StartOfDay(); !got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartOfDay = %v", got)
	}
	if got := p.EndOfDay(); !got.Equal(time.Date(2024, 1, 2, 23, 59, 59, 999000000, time.UTC)) {
		t.Errorf("EndOfDay = %v", got)
	}
}

func TestCheckContiguous(t *testing.T) {
	cases := []struct {
		counts []int
		gap    bool
	}{
		{[]int{5, 5, 5}, false},
		{[]int{0, 0, 5, 5}, false},
		{[]int{5, 5, 0, 0}, false},
		{[]int{0, 0, 0}, false},
		{[]int{5, 0, 5}, true},
		{[]int{0, 3, 0, 0, 2}, true},
	}
	for _, c := range cases {
		err := CheckContiguous(models.ProviderKraken, "BTC", c.counts)
		if c.gap != errors.Is(err, models.ErrIncompleteSeries) {
			t.Errorf("counts %v: err = %v", c.counts, err)
		}
	}
}

func TestSortByDate(t *testing.T) {
	obs := []models.RawObservation{
		{Date: day(2), Close: null.FloatFrom(3)},
		{Date: day(0), Close: null.FloatFrom(1)},
		{Date: day(2), Close: null.FloatFrom(4)},
	}
	out := SortByDate(obs)
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if !out[0].Date.Equal(day(0)) || out[1].Close.Float64 != 4 {
		t.Fatalf("out = %+v", out)
	}
}

func TestFromError(t *testing.T) {
	cases := []struct {
		err  error
		want models.OutcomeKind
	}{
		{models.NewError(models.KindUnsupportedAsset, models.ProviderKraken, "X", nil), models.OutcomeUnsupported},
		{models.NewError(models.KindBadRequest, models.ProviderKraken, "X", nil), models.OutcomeUnsupported},
		{models.NewError(models.KindRateLimited, models.ProviderKraken, "X", nil), models.OutcomeRetriable},
		{models.NewError(models.KindIncompleteSeries, models.ProviderKraken, "X", nil), models.OutcomeRetriable},
		{context.Canceled, models.OutcomeRetriable},
	}
	for _, c := range cases {
		if got := FromError(c.err).Kind; got != c.want {
			t.Errorf("FromError(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

type countingSource struct {
	calls int
	out   Outcome
}

func (s *countingSource) Provider() models.Provider { return models.ProviderCoinGecko }
func (s *countingSource) Ping(context.Context) error { return nil }
func (s *countingSource) FetchSeries(context.Context, models.AssetSpec, models.DateRange) Outcome {
	s.calls++
	return s.out
}

func TestCachedServesSecondCall(t *testing.T) {
	frag := &models.Fragment{
		Asset:        "BTC",
		Provider:     models.ProviderCoinGecko,
		Observations: []models.RawObservation{{Date: day(0), Close: null.FloatFrom(42000)}},
	}
	src := &countingSource{out: Success(frag)}
	c := Cached(src, cache.NewMemory(10), time.Hour)
	rng := models.DateRange{From: day(0), To: day(0)}
	asset := models.AssetSpec{Symbol: "BTC"}

	first := c.FetchSeries(context.Background(), asset, rng)
	second := c.FetchSeries(context.Background(), asset, rng)
	if src.calls != 1 {
		t.Fatalf("underlying calls = %d, want 1", src.calls)
	}
	if first.Cached || !second.Cached {
		t.Fatalf("cached flags = %v, %v", first.Cached, second.Cached)
	}
	if got := second.Fragment.Observations[0].Close; !got.Valid || got.Float64 != 42000 {
		t.Fatalf("cached close = %v", got)
	}
	if _, ok := c.(DerivativesSource); ok {
		t.Fatalf("series-only source must not gain FetchDerivatives")
	}
}

func TestCachedSkipsFailures(t *testing.T) {
	src := &countingSource{out: Retriable(models.ErrTransport)}
	c := Cached(src, cache.NewMemory(10), time.Hour)
	rng := models.DateRange{From: day(0), To: day(0)}
	c.FetchSeries(context.Background(), models.AssetSpec{Symbol: "BTC"}, rng)
	c.FetchSeries(context.Background(), models.AssetSpec{Symbol: "BTC"}, rng)
	if src.calls != 2 {
		t.Fatalf("failures must not be cached, calls = %d", src.calls)
	}
}
