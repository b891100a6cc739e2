// Package pipeline runs resolve, align, compute and summarize for every
// asset of a run on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hvcollector/internal/orchestrator"
	"hvcollector/internal/summary"
	"hvcollector/internal/volatility"
	"hvcollector/logger"
	"hvcollector/models"
	"hvcollector/processor"
)

// Asset outcomes reported to the observer.
const (
	OutcomeResolved  = "resolved"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// Observer receives one call per finished asset.
type Observer interface {
	ObserveAsset(outcome string, provider models.Provider, records int, elapsed time.Duration)
}

// AssetResult is everything one asset produced.
type AssetResult struct {
	Asset      models.AssetSpec
	Resolution *orchestrator.Resolution
	Series     *models.CanonicalSeries
	Records    []models.VolatilityRecord
	Summary    models.AssetSummary
	Err        error
}

// Result is one completed run. Assets keep the input order.
type Result struct {
	RunID      string
	Range      models.DateRange
	StartedAt  time.Time
	FinishedAt time.Time
	Windows    []int
	Composites [][2]int
	Assets     []AssetResult
	Omissions  []models.Omission
	Totals     logger.RunTotals
}

// Summaries returns one summary per asset, no-data rows included.
func (r *Result) Summaries() []models.AssetSummary {
	out := make([]models.AssetSummary, len(r.Assets))
	for i, a := range r.Assets {
		out[i] = a.Summary
	}
	return out
}

// Records returns every asset's records in asset then date order.
func (r *Result) Records() []models.VolatilityRecord {
	var out []models.VolatilityRecord
	for _, a := range r.Assets {
		out = append(out, a.Records...)
	}
	return out
}

// Asset looks up one asset's result by symbol.
func (r *Result) Asset(symbol string) (AssetResult, bool) {
	for _, a := range r.Assets {
		if a.Asset.Symbol == symbol {
			return a, true
		}
	}
	return AssetResult{}, false
}

type Options struct {
	Workers        int
	SnapshotHour   int
	ReportInterval time.Duration
	Observer       Observer
}

// Pipeline wires the stages together. It is reusable across runs.
type Pipeline struct {
	orch     *orchestrator.Orchestrator
	aligner  *processor.Aligner
	engine   *volatility.Engine
	reporter *summary.Reporter
	opts     Options
	log      *logger.Log
}

func New(orch *orchestrator.Orchestrator, engine *volatility.Engine, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		orch:     orch,
		aligner:  processor.NewAligner(opts.SnapshotHour),
		engine:   engine,
		reporter: summary.NewReporter(engine.Windows(), engine.Composites()),
		opts:     opts,
		log:      logger.GetLogger(),
	}
}

// Reporter exposes the summary reporter so exporters share metric names.
func (p *Pipeline) Reporter() *summary.Reporter { return p.reporter }

// Run processes every asset. Per-asset failures never fail the run; they
// are collected as omissions. Cancelling ctx marks unfinished assets
// Exhausted.
func (p *Pipeline) Run(ctx context.Context, assets []models.AssetSpec, rng models.DateRange) *Result {
	res := &Result{
		RunID:      uuid.NewString(),
		Range:      rng,
		StartedAt:  time.Now().UTC(),
		Windows:    p.engine.Windows(),
		Composites: p.engine.Composites(),
		Assets:     make([]AssetResult, len(assets)),
	}
	report := logger.NewRunReport(res.RunID)
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"run_id": res.RunID})
	log.WithFields(logger.Fields{
		"assets":  len(assets),
		"from":    rng.From.Format(time.DateOnly),
		"to":      rng.To.Format(time.DateOnly),
		"workers": p.opts.Workers,
	}).Info("run started")

	reportCtx, stopReport := context.WithCancel(ctx)
	report.Start(reportCtx, p.log, p.opts.ReportInterval)

	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for i, asset := range assets {
		g.Go(func() error {
			res.Assets[i] = p.process(ctx, asset, rng, report)
			return nil
		})
	}
	_ = g.Wait()
	stopReport()

	for _, a := range res.Assets {
		if a.Resolution != nil && !a.Resolution.Resolved() {
			res.Omissions = append(res.Omissions, a.Resolution.Omission())
			continue
		}
		if a.Err != nil {
			kind, _ := models.KindOf(a.Err)
			om := models.Omission{Asset: a.Asset.Symbol, Kind: kind, Reason: a.Err.Error()}
			if a.Resolution != nil {
				om.Attempts = a.Resolution.Attempts
			}
			res.Omissions = append(res.Omissions, om)
		}
	}

	res.FinishedAt = time.Now().UTC()
	res.Totals = report.Totals()
	report.Log(p.log)
	return res
}

func (p *Pipeline) process(ctx context.Context, asset models.AssetSpec, rng models.DateRange, report *logger.RunReport) AssetResult {
	start := time.Now()
	out := AssetResult{Asset: asset}
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"asset": asset.Symbol})

	out.Resolution = p.orch.Resolve(ctx, asset, rng)
	if !out.Resolution.Resolved() {
		out.Err = out.Resolution.Err()
		out.Summary = p.reporter.NoData(asset)
		report.AssetExhausted()
		p.observe(OutcomeExhausted, "", 0, start)
		return out
	}

	series, err := p.aligner.Align(asset.Symbol, out.Resolution.Fragments)
	if err != nil {
		if !errors.Is(err, models.ErrInternalConsistency) {
			err = models.NewError(models.KindInternalConsistency, out.Resolution.Provider, asset.Symbol, err)
		}
		log.WithError(err).WithFields(logger.Fields{
			"provider":  out.Resolution.Provider,
			"fragments": len(out.Resolution.Fragments),
		}).Error("series alignment failed")
		out.Err = err
		out.Summary = p.reporter.NoData(asset)
		report.AssetFailed()
		p.observe(OutcomeFailed, out.Resolution.Provider, 0, start)
		return out
	}
	out.Series = series
	out.Records = p.engine.Compute(series)
	out.Summary = p.reporter.Summarize(asset, out.Records)

	report.AssetResolved(len(out.Records))
	p.observe(OutcomeResolved, out.Resolution.Provider, len(out.Records), start)
	logger.LogDataFlowEntry(log, string(out.Resolution.Provider), "volatility_engine", len(out.Records), "daily_records")
	return out
}

func (p *Pipeline) observe(outcome string, provider models.Provider, records int, start time.Time) {
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveAsset(outcome, provider, records, time.Since(start))
	}
}
