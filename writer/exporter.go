// Package writer exports a finished run as long-format Parquet datasets to
// the local filesystem and/or S3.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"

	"hvcollector/config"
	"hvcollector/internal/pipeline"
	"hvcollector/logger"
)

// Dataset names, also used as file name stems.
const (
	DatasetRecords        = "records"
	DatasetWindows        = "windows"
	DatasetComposites     = "composites"
	DatasetSummaries      = "summaries"
	DatasetSummaryMetrics = "summary_metrics"
	DatasetOmissions      = "omissions"
)

// Exporter writes every dataset of a run to each configured target.
type Exporter struct {
	targets []target
	codec   parquet.CompressionCodec
	log     *logger.Log
	newID   func() string
}

// NewExporter builds the local and S3 targets that cfg enables. An exporter
// with no targets is valid and writes nothing.
func NewExporter(ctx context.Context, cfg *config.Config) (*Exporter, error) {
	e := newExporter(cfg.Writer.Compression)
	if cfg.Storage.Local.Enabled {
		e.targets = append(e.targets, &localTarget{dir: cfg.Storage.Local.Dir})
	}
	if cfg.Storage.S3.Enabled {
		t, err := newS3Target(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e.targets = append(e.targets, t)
	}
	return e, nil
}

func newExporter(compression string, targets ...target) *Exporter {
	return &Exporter{
		targets: targets,
		codec:   compressionCodec(compression),
		log:     logger.GetLogger(),
		newID:   uuid.NewString,
	}
}

// Enabled reports whether any target is configured.
func (e *Exporter) Enabled() bool { return len(e.targets) > 0 }

type dataset struct {
	name   string
	schema any
	rows   []any
}

func datasets(res *pipeline.Result) []dataset {
	records := res.Records()
	summaries := res.Summaries()
	return []dataset{
		{DatasetRecords, new(RecordRow), recordRows(res.RunID, records)},
		{DatasetWindows, new(WindowRow), windowRows(res.RunID, records)},
		{DatasetComposites, new(CompositeRow), compositeRows(res.RunID, records)},
		{DatasetSummaries, new(SummaryRow), summaryRows(res.RunID, summaries)},
		{DatasetSummaryMetrics, new(SummaryMetricRow), summaryMetricRows(res.RunID, summaries)},
		{DatasetOmissions, new(OmissionRow), omissionRows(res.RunID, res.Omissions)},
	}
}

// Export writes each non-empty dataset to every target and returns the
// written locations. A failing dataset does not stop the others; all
// failures are joined into the returned error.
func (e *Exporter) Export(ctx context.Context, res *pipeline.Result) ([]string, error) {
	if len(e.targets) == 0 {
		return nil, nil
	}
	runDate := res.StartedAt.UTC().Format(time.DateOnly)
	log := e.log.WithComponent("writer").WithFields(logger.Fields{"run_id": res.RunID, "run_date": runDate})

	var written []string
	var errs []error
	for _, ds := range datasets(res) {
		if len(ds.rows) == 0 {
			log.WithFields(logger.Fields{"dataset": ds.name}).Debug("dataset empty, skipping")
			continue
		}
		obj := object{
			Dataset: ds.name,
			RunDate: runDate,
			RunID:   res.RunID,
			Name:    fmt.Sprintf("%s-%s.parquet", ds.name, e.newID()),
		}
		encode := func(fw source.ParquetFile) error {
			return writeRows(fw, ds.schema, ds.rows, e.codec)
		}
		for _, t := range e.targets {
			if err := ctx.Err(); err != nil {
				return written, errors.Join(append(errs, err)...)
			}
			start := time.Now()
			loc, err := t.put(ctx, obj, encode)
			entry := log.WithFields(logger.Fields{"dataset": ds.name, "target": t.name(), "rows": len(ds.rows)})
			if err != nil {
				entry.WithError(err).Error("dataset export failed")
				errs = append(errs, fmt.Errorf("%s to %s: %w", ds.name, t.name(), err))
				continue
			}
			logger.LogPerformanceEntry(entry, "writer", "export_"+ds.name, time.Since(start), nil)
			entry.WithFields(logger.Fields{"location": loc}).Info("dataset exported")
			written = append(written, loc)
		}
	}
	return written, errors.Join(errs...)
}
