package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hvcollector/config"
	"hvcollector/internal/cache"
	"hvcollector/internal/dashboard"
	"hvcollector/internal/metrics"
	"hvcollector/internal/orchestrator"
	"hvcollector/internal/pipeline"
	"hvcollector/internal/transport"
	"hvcollector/internal/volatility"
	"hvcollector/logger"
	"hvcollector/models"
	"hvcollector/reader"
	"hvcollector/reader/binance"
	"hvcollector/reader/coingecko"
	"hvcollector/reader/kraken"
	"hvcollector/writer"
)

// errPreflight marks a run that never started because no source answered.
var errPreflight = errors.New("preflight failed")

// app holds what outlives a single run. Transports, sources and the
// metrics registry are rebuilt per run.
type app struct {
	cfg        *config.Config
	assets     []models.AssetSpec
	store      cache.Cache
	exporter   *writer.Exporter
	cloudWatch *metrics.CloudWatch
	metricsSrv *metrics.Server
	dashboard  *dashboard.Server
	log        *logger.Log
}

func (a *app) buildSources(obs transport.Observer) []reader.Source {
	var sources []reader.Source
	for _, p := range a.cfg.Run.Providers() {
		var src reader.Source
		switch p {
		case models.ProviderCoinGecko:
			t := transport.New(p, transport.PolicyFrom(a.cfg.Source.CoinGecko), transport.WithObserver(obs))
			src = coingecko.New(a.cfg.Source.CoinGecko, t, a.cfg.Run.SnapshotHour)
		case models.ProviderBinance:
			t := transport.New(p, transport.PolicyFrom(a.cfg.Source.Binance.ProviderConfig), transport.WithObserver(obs))
			src = binance.New(a.cfg.Source.Binance, t, a.cfg.Run.SnapshotHour)
		case models.ProviderKraken:
			t := transport.New(p, transport.PolicyFrom(a.cfg.Source.Kraken), transport.WithObserver(obs))
			src = kraken.New(a.cfg.Source.Kraken, t, a.cfg.Run.SnapshotHour)
		default:
			continue
		}
		if a.store != nil {
			src = reader.Cached(src, a.store, a.cfg.Cache.TTL)
		}
		sources = append(sources, src)
	}
	return sources
}

func (a *app) disabledProviders() []models.Provider {
	var out []models.Provider
	for p, pc := range map[models.Provider]config.ProviderConfig{
		models.ProviderCoinGecko: a.cfg.Source.CoinGecko,
		models.ProviderBinance:   a.cfg.Source.Binance.ProviderConfig,
		models.ProviderKraken:    a.cfg.Source.Kraken,
	} {
		if !pc.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// run executes one full collection: preflight, pipeline, export, publish.
// Only a failed preflight or an unresolvable date range is an error; asset
// failures are reported as omissions.
func (a *app) run(ctx context.Context) error {
	log := a.log.WithComponent("main")
	rng, err := a.cfg.Run.Range(time.Now())
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	if a.metricsSrv != nil {
		a.metricsSrv.Use(recorder)
	}

	orch := orchestrator.New(a.buildSources(recorder), orchestrator.Options{
		MinObservations: a.cfg.Run.MinObservations,
		Repair:          a.cfg.Run.Repair(),
		Disabled:        a.disabledProviders(),
	})
	if err := orch.Preflight(ctx); err != nil {
		return fmt.Errorf("%w: %w", errPreflight, err)
	}

	engine := volatility.NewEngine(volatility.Params{
		Windows:             a.cfg.Run.Windows,
		Composites:          a.cfg.Run.Composites,
		FundingEventsPerDay: a.cfg.Run.FundingEventsPerDay,
	})
	p := pipeline.New(orch, engine, pipeline.Options{
		Workers:        a.cfg.Run.Workers,
		SnapshotHour:   a.cfg.Run.SnapshotHour,
		ReportInterval: a.cfg.Run.ReportInterval,
		Observer:       recorder,
	})

	res := p.Run(ctx, a.assets, rng)
	for _, om := range res.Omissions {
		log.WithFields(logger.Fields{
			"run_id":   res.RunID,
			"asset":    om.Asset,
			"kind":     om.Kind,
			"reason":   om.Reason,
			"attempts": len(om.Attempts),
		}).Warn("asset omitted")
	}

	a.dashboard.Publish(res)

	// Exports and publishing still run after a cancelled pipeline so partial
	// results are kept.
	outCtx := context.WithoutCancel(ctx)
	if a.exporter != nil && a.exporter.Enabled() {
		if _, err := a.exporter.Export(outCtx, res); err != nil {
			log.WithError(err).WithFields(logger.Fields{"run_id": res.RunID}).Error("export incomplete")
		}
	}
	if a.cloudWatch != nil {
		err := a.cloudWatch.PublishRun(outCtx, metrics.RunSummary{
			App:       a.cfg.App.Name,
			Totals:    res.Totals,
			Omissions: len(res.Omissions),
		})
		if err != nil {
			log.WithError(err).Warn("cloudwatch publish failed")
		}
	}

	log.WithFields(logger.Fields{
		"run_id":    res.RunID,
		"resolved":  res.Totals.Resolved,
		"omissions": len(res.Omissions),
		"records":   res.Totals.Records,
		"elapsed":   res.FinishedAt.Sub(res.StartedAt).String(),
	}).Info("run finished")
	return nil
}
