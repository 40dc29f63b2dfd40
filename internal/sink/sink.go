// Package sink persists collected records as columnar artifacts and derives
// optional row-oriented exports from them.
package sink

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// Exporter derives a secondary artifact from a published one. records is the
// read-back of the artifact at path, never the collector's buffer.
type Exporter interface {
	Name() string
	Export(ctx context.Context, path string, shape record.Shape, records []record.Record) error
}

// Result describes one write
type Result struct {
	Path         string
	Shape        record.Shape
	Written      bool
	Records      int
	Exports      []string
	ExportErrors map[string]error
}

// Writer publishes record sets under a base path
type Writer struct {
	path      string
	exporters []Exporter
	log       *zap.SugaredLogger
}

// NewWriter creates a writer for the artifact at path
func NewWriter(path string, log *zap.SugaredLogger, exporters ...Exporter) *Writer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Writer{path: path, exporters: exporters, log: log}
}

// Path returns the artifact path of a full-run write
func (w *Writer) Path() string {
	return w.path
}

// Write publishes records at the writer's path. An empty set writes nothing
// and reports Written=false. Mixed shapes are rejected with ErrMixedShapes.
// A failed publish is marked ErrWrite and leaves records untouched, so the
// caller can retry with the same slice.
func (w *Writer) Write(ctx context.Context, records []record.Record) (Result, error) {
	return w.writeTo(ctx, w.path, records)
}

// WriteBatch publishes an intermediate batch at BatchPath(path, index)
func (w *Writer) WriteBatch(ctx context.Context, index int, records []record.Record) (Result, error) {
	return w.writeTo(ctx, BatchPath(w.path, index), records)
}

// WriteSegregated publishes one artifact per shape at SegregatedPath
func (w *Writer) WriteSegregated(ctx context.Context, records []record.Record) ([]Result, error) {
	return w.writeShapes(ctx, records, func(shape record.Shape) string {
		return SegregatedPath(w.path, shape)
	})
}

// WriteSegregatedBatch is WriteBatch for a buffer holding several shapes
func (w *Writer) WriteSegregatedBatch(ctx context.Context, index int, records []record.Record) ([]Result, error) {
	return w.writeShapes(ctx, records, func(shape record.Shape) string {
		return BatchPath(SegregatedPath(w.path, shape), index)
	})
}

func (w *Writer) writeShapes(ctx context.Context, records []record.Record, pathFor func(record.Shape) string) ([]Result, error) {
	if len(records) == 0 {
		w.log.Infof("Sink: nothing to persist (%s)", w.path)
		return nil, nil
	}

	parts := record.Partition(records)
	var results []Result
	for _, shape := range []record.Shape{record.VehiclePositions, record.TripUpdates} {
		if len(parts[shape]) == 0 {
			continue
		}
		res, err := w.writeTo(ctx, pathFor(shape), parts[shape])
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (w *Writer) writeTo(ctx context.Context, path string, records []record.Record) (Result, error) {
	res := Result{Path: path}
	if len(records) == 0 {
		w.log.Infof("Sink: nothing to persist (%s)", path)
		return res, nil
	}

	shape, ok := record.ShapeOf(records)
	if !ok {
		return res, errors.Mark(
			errors.Newf("refusing to write %d records of mixed shapes to %s", len(records), path),
			errors.ErrMixedShapes)
	}
	res.Shape = shape

	if err := ctx.Err(); err != nil {
		return res, errors.Mark(errors.Wrap(err, "write cancelled"), errors.ErrWrite)
	}

	err := publish(path, func(out io.Writer) error {
		return encodeRecords(out, shape, records)
	})
	if err != nil {
		return res, errors.Mark(errors.Wrapf(err, "failed to write %d records to %s", len(records), path), errors.ErrWrite)
	}
	res.Written = true
	res.Records = len(records)
	w.log.Infof("Sink: wrote %d %s records to %s", len(records), shape, path)

	w.export(ctx, &res)
	return res, nil
}

// export runs every exporter over the read-back of the published artifact.
// Failures are logged and collected, never returned.
func (w *Writer) export(ctx context.Context, res *Result) {
	if len(w.exporters) == 0 {
		return
	}

	readBack, err := ReadRecords(res.Path, res.Shape)
	if err != nil {
		w.log.Errorf("Sink: failed to read back %s for export: %v", res.Path, err)
		res.ExportErrors = map[string]error{"readback": err}
		return
	}

	for _, exp := range w.exporters {
		if err := exp.Export(ctx, res.Path, res.Shape, readBack); err != nil {
			w.log.Errorf("Sink: %s export of %s failed: %v", exp.Name(), res.Path, err)
			if res.ExportErrors == nil {
				res.ExportErrors = make(map[string]error)
			}
			res.ExportErrors[exp.Name()] = err
			continue
		}
		res.Exports = append(res.Exports, exp.Name())
	}
}

// BatchPath returns the artifact path of batch index: base-000042.parquet
func BatchPath(path string, index int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%06d%s", strings.TrimSuffix(path, ext), index, ext)
}

// SegregatedPath returns the per-shape artifact path: base.trip_updates.parquet
func SegregatedPath(path string, shape record.Shape) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%s%s", strings.TrimSuffix(path, ext), shape, ext)
}

// SiblingPath swaps the artifact extension: results/vp.parquet -> results/vp.csv
func SiblingPath(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
