package sink

import (
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

func encode[T any](w io.Writer, rows []T) error {
	pw := parquet.NewGenericWriter[T](w, parquet.Compression(&parquet.Snappy))
	if _, err := pw.Write(rows); err != nil {
		return errors.Wrap(err, "failed to write rows")
	}
	if err := pw.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize parquet file")
	}
	return nil
}

// encodeRecords writes single-shape records as one parquet file
func encodeRecords(w io.Writer, shape record.Shape, records []record.Record) error {
	switch shape {
	case record.VehiclePositions:
		return encode(w, record.Vehicles(records))
	case record.TripUpdates:
		return encode(w, record.StopUpdates(records))
	default:
		return errors.Newf("unsupported shape %q", shape)
	}
}

// ReadVehiclePositions reads a vehicle-position artifact in file order
func ReadVehiclePositions(path string) ([]record.VehiclePosition, error) {
	rows, err := parquet.ReadFile[record.VehiclePosition](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return rows, nil
}

// ReadTripUpdateStops reads a trip-update artifact in file order
func ReadTripUpdateStops(path string) ([]record.TripUpdateStop, error) {
	rows, err := parquet.ReadFile[record.TripUpdateStop](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return rows, nil
}

// ReadRecords reads an artifact of the given shape back into records
func ReadRecords(path string, shape record.Shape) ([]record.Record, error) {
	switch shape {
	case record.VehiclePositions:
		rows, err := ReadVehiclePositions(path)
		if err != nil {
			return nil, err
		}
		records := make([]record.Record, len(rows))
		for i, row := range rows {
			records[i] = record.FromVehicle(row)
		}
		return records, nil
	case record.TripUpdates:
		rows, err := ReadTripUpdateStops(path)
		if err != nil {
			return nil, err
		}
		records := make([]record.Record, len(rows))
		for i, row := range rows {
			records[i] = record.FromStopUpdate(row)
		}
		return records, nil
	default:
		return nil, errors.Newf("unsupported shape %q", shape)
	}
}

// DetectShape inspects an artifact's schema to tell which shape it holds
func DetectShape(path string) (record.Shape, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", path)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return "", errors.Wrapf(err, "failed to open parquet file %s", path)
	}

	columns := make(map[string]bool)
	for _, field := range pf.Schema().Fields() {
		columns[field.Name()] = true
	}
	switch {
	case columns["stop_sequence"]:
		return record.TripUpdates, nil
	case columns["speed"] && columns["latitude"]:
		return record.VehiclePositions, nil
	default:
		return "", errors.Newf("%s holds neither vehicle positions nor trip updates", path)
	}
}
