package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"

	"hvcollector/internal/orchestrator"
	"hvcollector/internal/volatility"
	"hvcollector/models"
	"hvcollector/reader"
)

var rng = models.DateRange{
	From: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 1, 20, 8, 0, 0, 0, time.UTC),
}

// tableSource answers from a per-asset table; assets missing from it are
// unsupported.
type tableSource struct {
	provider models.Provider
	days     map[string]int
	offHour  map[string]bool
}

func (s *tableSource) Provider() models.Provider { return s.provider }

func (s *tableSource) Ping(context.Context) error { return nil }

func (s *tableSource) FetchSeries(_ context.Context, a models.AssetSpec, r models.DateRange) reader.Outcome {
	n, ok := s.days[a.Symbol]
	if !ok {
		return reader.Unsupported(models.NewError(models.KindUnsupportedAsset, s.provider, a.Symbol, nil))
	}
	f := &models.Fragment{Asset: a.Symbol, Provider: s.provider, Requested: r}
	for i := 0; i < n; i++ {
		d := r.From.AddDate(0, 0, i)
		if s.offHour[a.Symbol] {
			d = d.Add(time.Hour)
		}
		f.Observations = append(f.Observations, models.RawObservation{
			Date:     d,
			Provider: s.provider,
			Close:    null.FloatFrom(100 + float64(i%4)),
		})
	}
	return reader.Success(f)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingObserver) ObserveAsset(outcome string, _ models.Provider, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func newPipeline(obs Observer) *Pipeline {
	primary := &tableSource{provider: models.ProviderCoinGecko, days: map[string]int{"BTC": 20, "BAD": 5}, offHour: map[string]bool{"BAD": true}}
	secondary := &tableSource{provider: models.ProviderBinance, days: map[string]int{"ETH": 20}}
	backup := &tableSource{provider: models.ProviderKraken, days: map[string]int{"XYZ": 10}}
	orch := orchestrator.New([]reader.Source{primary, secondary, backup}, orchestrator.Options{MinObservations: 1})
	engine := volatility.NewEngine(volatility.Params{
		Windows:             []int{2, 3, 7, 14, 30},
		Composites:          [][2]int{{2, 3}, {7, 14}},
		FundingEventsPerDay: 3,
	})
	return New(orch, engine, Options{Workers: 3, SnapshotHour: 8, Observer: obs})
}

func TestRunCollectsResultsAndOmissions(t *testing.T) {
	obs := &recordingObserver{outcomes: map[string]int{}}
	assets := []models.AssetSpec{{Symbol: "BTC"}, {Symbol: "ETH"}, {Symbol: "XYZ"}, {Symbol: "NOPE"}, {Symbol: "BAD"}}
	res := newPipeline(obs).Run(context.Background(), assets, rng)

	if res.RunID == "" {
		t.Fatalf("run id missing")
	}
	if len(res.Assets) != 5 || len(res.Summaries()) != 5 {
		t.Fatalf("assets = %d summaries = %d", len(res.Assets), len(res.Summaries()))
	}
	for i, a := range res.Assets {
		if a.Asset.Symbol != assets[i].Symbol {
			t.Fatalf("asset order changed at %d: %s", i, a.Asset.Symbol)
		}
	}

	xyz, _ := res.Asset("XYZ")
	if xyz.Resolution.Provider != models.ProviderKraken || xyz.Series.Len() != 10 || xyz.Summary.DataPoints != 10 {
		t.Fatalf("XYZ = provider %s len %d points %d", xyz.Resolution.Provider, xyz.Series.Len(), xyz.Summary.DataPoints)
	}
	for _, r := range xyz.Records {
		if r.HVFor(14).Valid {
			t.Fatalf("XYZ hv_14 present on %v", r.Date)
		}
	}

	eth, _ := res.Asset("ETH")
	if eth.Resolution.Provider != models.ProviderBinance || len(eth.Records) != 20 {
		t.Fatalf("ETH = provider %s records %d", eth.Resolution.Provider, len(eth.Records))
	}

	if len(res.Omissions) != 2 {
		t.Fatalf("omissions = %+v", res.Omissions)
	}
	seen := map[string]models.ErrorKind{}
	for _, om := range res.Omissions {
		if _, dup := seen[om.Asset]; dup {
			t.Fatalf("asset %s omitted twice", om.Asset)
		}
		seen[om.Asset] = om.Kind
	}
	if seen["NOPE"] != models.KindExhausted || seen["BAD"] != models.KindInternalConsistency {
		t.Fatalf("omission kinds = %v", seen)
	}

	nope, _ := res.Asset("NOPE")
	if !nope.Summary.NoData || !errors.Is(nope.Err, models.ErrExhausted) {
		t.Fatalf("NOPE summary = %+v err = %v", nope.Summary, nope.Err)
	}

	if res.Totals.Resolved != 3 || res.Totals.Exhausted != 1 || res.Totals.Failed != 1 {
		t.Fatalf("totals = %+v", res.Totals)
	}
	if res.Totals.Records != 50 || len(res.Records()) != 50 {
		t.Fatalf("records = %d / %d", res.Totals.Records, len(res.Records()))
	}
	if obs.outcomes[OutcomeResolved] != 3 || obs.outcomes[OutcomeExhausted] != 1 || obs.outcomes[OutcomeFailed] != 1 {
		t.Fatalf("observer = %v", obs.outcomes)
	}
}

func TestRunCancelledMarksAssetsExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newPipeline(nil).Run(ctx, []models.AssetSpec{{Symbol: "BTC"}, {Symbol: "ETH"}}, rng)
	if len(res.Omissions) != 2 {
		t.Fatalf("omissions = %d", len(res.Omissions))
	}
	for _, a := range res.Assets {
		if a.Resolution.Resolved() || a.Series != nil {
			t.Fatalf("%s resolved after cancellation", a.Asset.Symbol)
		}
		if a.Resolution.Reason != "cancelled" {
			t.Fatalf("reason = %q", a.Resolution.Reason)
		}
	}
}
