package sink

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// CSVExporter writes a sibling .csv with a header row of column names
type CSVExporter struct{}

func (CSVExporter) Name() string { return "csv" }

func (CSVExporter) Export(ctx context.Context, path string, shape record.Shape, records []record.Record) error {
	dst := SiblingPath(path, ".csv")
	err := publish(dst, func(out io.Writer) error {
		return WriteCSV(out, shape, records)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to export %s", dst)
	}
	return nil
}

// WriteCSV writes records of one shape as CSV, header first
func WriteCSV(out io.Writer, shape record.Shape, records []record.Record) error {
	w := csv.NewWriter(out)
	if err := w.Write(record.Columns(shape)); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, r := range records {
		if err := w.Write(r.Strings()); err != nil {
			return errors.Wrap(err, "failed to write row")
		}
	}
	w.Flush()
	return w.Error()
}
