package logger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

var (
	warnCount  int64
	errorCount int64
)

func recordWarn()  { atomic.AddInt64(&warnCount, 1) }
func recordError() { atomic.AddInt64(&errorCount, 1) }

// RunReport counts per-run outcomes. One instance belongs to one run.
type RunReport struct {
	RunID string

	started   time.Time
	resolved  int64
	exhausted int64
	failed    int64
	records   int64
	warnBase  int64
	errBase   int64
}

// NewRunReport starts a report for the given run.
func NewRunReport(runID string) *RunReport {
	return &RunReport{
		RunID:    runID,
		started:  time.Now(),
		warnBase: atomic.LoadInt64(&warnCount),
		errBase:  atomic.LoadInt64(&errorCount),
	}
}

func (r *RunReport) AssetResolved(records int) {
	atomic.AddInt64(&r.resolved, 1)
	atomic.AddInt64(&r.records, int64(records))
}

func (r *RunReport) AssetExhausted() { atomic.AddInt64(&r.exhausted, 1) }

// AssetFailed counts an asset whose pipeline stopped after resolution.
func (r *RunReport) AssetFailed() { atomic.AddInt64(&r.failed, 1) }

// RunTotals is a point-in-time copy of a RunReport.
type RunTotals struct {
	Resolved  int64
	Exhausted int64
	Failed    int64
	Records   int64
	Warnings  int64
	Errors    int64
	Elapsed   time.Duration
}

func (r *RunReport) Totals() RunTotals {
	return RunTotals{
		Resolved:  atomic.LoadInt64(&r.resolved),
		Exhausted: atomic.LoadInt64(&r.exhausted),
		Failed:    atomic.LoadInt64(&r.failed),
		Records:   atomic.LoadInt64(&r.records),
		Warnings:  atomic.LoadInt64(&warnCount) - r.warnBase,
		Errors:    atomic.LoadInt64(&errorCount) - r.errBase,
		Elapsed:   time.Since(r.started),
	}
}

func (r *RunReport) fields() Fields {
	t := r.Totals()
	return Fields{
		"run_id":           r.RunID,
		"assets_resolved":  t.Resolved,
		"assets_exhausted": t.Exhausted,
		"assets_failed":    t.Failed,
		"records":          t.Records,
		"warnings":         t.Warnings,
		"errors":           t.Errors,
		"elapsed_ms":       t.Elapsed.Milliseconds(),
		"goroutines":       runtime.NumGoroutine(),
	}
}

// Start logs the report every interval until ctx is done.
func (r *RunReport) Start(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(r.fields()).Info("run progress")
			}
		}
	}()
}

// Log writes the final report line.
func (r *RunReport) Log(log *Log) {
	log.WithComponent("report").WithFields(r.fields()).Info("run report")
}
