// Package orchestrator walks an asset through the ordered source chain and
// runs the optional derivatives repair pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hvcollector/logger"
	"hvcollector/models"
	"hvcollector/reader"
)

const (
	stageSeries      = "series"
	stageDerivatives = "derivatives"
	reasonCancelled  = "cancelled"
)

// Resolution is the terminal state of one asset. Fragments lists the
// resolved fragment first, followed by any repair fragment.
type Resolution struct {
	Asset     models.AssetSpec
	State     models.ResolutionState
	Provider  models.Provider
	Fragments []*models.Fragment
	Attempts  []models.Attempt
	Reason    string
}

// Resolved reports whether the chain produced a fragment.
func (r *Resolution) Resolved() bool { return r.State == models.StateResolved }

// Omission describes an Exhausted resolution for the run's omission list.
func (r *Resolution) Omission() models.Omission {
	return models.Omission{Asset: r.Asset.Symbol, Kind: models.KindExhausted, Reason: r.Reason, Attempts: r.Attempts}
}

// Err returns the Exhausted error, or nil when resolved.
func (r *Resolution) Err() error {
	if r.Resolved() {
		return nil
	}
	return models.NewError(models.KindExhausted, "", r.Asset.Symbol, errors.New(r.Reason))
}

type Options struct {
	MinObservations int
	Repair          bool
	Disabled        []models.Provider
}

// Orchestrator is shared by all workers; it holds no per-asset state.
type Orchestrator struct {
	sources  []reader.Source
	disabled map[models.Provider]bool
	minObs   int
	repair   bool
	log      *logger.Log
}

// New takes sources in priority order.
func New(sources []reader.Source, opts Options) *Orchestrator {
	o := &Orchestrator{
		sources:  sources,
		disabled: make(map[models.Provider]bool),
		minObs:   opts.MinObservations,
		repair:   opts.Repair,
		log:      logger.GetLogger(),
	}
	if o.minObs < 1 {
		o.minObs = 1
	}
	for _, p := range opts.Disabled {
		o.disabled[p] = true
	}
	return o
}

// Providers lists the chain in priority order.
func (o *Orchestrator) Providers() []models.Provider {
	out := make([]models.Provider, len(o.sources))
	for i, s := range o.sources {
		out[i] = s.Provider()
	}
	return out
}

// Preflight pings every enabled source. It fails only when none answers.
func (o *Orchestrator) Preflight(ctx context.Context) error {
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"operation": "preflight"})
	var failures []string
	enabled := 0
	for _, s := range o.sources {
		if o.disabled[s.Provider()] {
			continue
		}
		enabled++
		if err := s.Ping(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"provider": s.Provider()}).Warn("source unreachable")
			failures = append(failures, fmt.Sprintf("%s: %v", s.Provider(), err))
			continue
		}
		log.WithFields(logger.Fields{"provider": s.Provider()}).Info("source reachable")
	}
	if enabled == 0 {
		return errors.New("no sources enabled")
	}
	if len(failures) == enabled {
		return fmt.Errorf("all sources unreachable: %s", strings.Join(failures, "; "))
	}
	return nil
}

// Resolve tries each source in order until one yields enough observations.
// Partial coverage is accepted as is.
func (o *Orchestrator) Resolve(ctx context.Context, asset models.AssetSpec, rng models.DateRange) *Resolution {
	res := &Resolution{Asset: asset}
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"asset": asset.Symbol})
	unsupported := make(map[models.Provider]bool)

	for _, src := range o.sources {
		p := src.Provider()
		if ctx.Err() != nil {
			return o.exhaust(res, reasonCancelled)
		}
		if o.disabled[p] {
			unsupported[p] = true
			res.Attempts = append(res.Attempts, models.Attempt{Provider: p, Stage: stageSeries, Outcome: models.OutcomeUnsupported, Error: "source disabled"})
			continue
		}

		start := time.Now()
		out := src.FetchSeries(ctx, asset, rng)
		att := attempt(p, stageSeries, out, time.Since(start))

		switch out.Kind {
		case models.OutcomeSuccess:
			if n := len(out.Fragment.Observations); n < o.minObs {
				att.Error = fmt.Sprintf("%d observations, need %d", n, o.minObs)
				res.Attempts = append(res.Attempts, att)
				log.WithFields(logger.Fields{"provider": p, "observations": n}).Info("source returned too little data, advancing")
				continue
			}
			res.Attempts = append(res.Attempts, att)
			res.State = models.StateResolved
			res.Provider = p
			res.Fragments = []*models.Fragment{out.Fragment}
			log.WithFields(logger.Fields{
				"provider":     p,
				"observations": len(out.Fragment.Observations),
				"cached":       out.Cached,
			}).Info("asset resolved")
			if o.repair && !out.Fragment.HasDerivatives() {
				o.repairDerivatives(ctx, res, unsupported)
			}
			return res
		case models.OutcomeUnsupported:
			unsupported[p] = true
			log.WithFields(logger.Fields{"provider": p, "error": att.Error}).Info("source does not support asset, advancing")
		default:
			if ctx.Err() != nil {
				res.Attempts = append(res.Attempts, att)
				return o.exhaust(res, reasonCancelled)
			}
			log.WithFields(logger.Fields{"provider": p, "error": att.Error}).Warn("source failed after retries, advancing")
		}
		res.Attempts = append(res.Attempts, att)
	}

	return o.exhaust(res, summarizeAttempts(res.Attempts))
}

// repairDerivatives asks derivatives-capable sources, other than the one
// that resolved, for funding and open interest over the resolved coverage.
// Failures leave the price-only result untouched.
func (o *Orchestrator) repairDerivatives(ctx context.Context, res *Resolution, unsupported map[models.Provider]bool) {
	cov, ok := res.Fragments[0].Coverage()
	if !ok {
		return
	}
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"asset": res.Asset.Symbol, "stage": stageDerivatives})

	for _, src := range o.sources {
		p := src.Provider()
		ds, capable := src.(reader.DerivativesSource)
		if !capable || p == res.Provider || o.disabled[p] {
			continue
		}
		if unsupported[p] {
			res.Attempts = append(res.Attempts, models.Attempt{Provider: p, Stage: stageDerivatives, Outcome: models.OutcomeSkipped, Error: "source does not support asset"})
			continue
		}
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		out := ds.FetchDerivatives(ctx, res.Asset, cov)
		att := attempt(p, stageDerivatives, out, time.Since(start))
		res.Attempts = append(res.Attempts, att)

		if out.Kind == models.OutcomeSuccess && out.Fragment.HasDerivatives() {
			res.Fragments = append(res.Fragments, out.Fragment)
			log.WithFields(logger.Fields{"provider": p, "observations": len(out.Fragment.Observations)}).Info("derivatives repaired")
			return
		}
		log.WithFields(logger.Fields{"provider": p, "outcome": out.Kind, "error": att.Error}).Warn("derivatives repair failed, keeping price-only series")
	}
}

func (o *Orchestrator) exhaust(res *Resolution, reason string) *Resolution {
	res.State = models.StateExhausted
	res.Reason = reason
	res.Fragments = nil
	res.Provider = ""
	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"asset":    res.Asset.Symbol,
		"attempts": len(res.Attempts),
		"reason":   reason,
	}).Warn("asset exhausted")
	return res
}

func attempt(p models.Provider, stage string, out reader.Outcome, elapsed time.Duration) models.Attempt {
	a := models.Attempt{Provider: p, Stage: stage, Outcome: out.Kind, Cached: out.Cached, Elapsed: elapsed}
	if out.Err != nil {
		a.Error = out.Err.Error()
	}
	return a
}

func summarizeAttempts(attempts []models.Attempt) string {
	if len(attempts) == 0 {
		return "no sources configured"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		s := fmt.Sprintf("%s %s", a.Provider, a.Outcome)
		if a.Error != "" {
			s += ": " + a.Error
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}
