package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

func vehicles() []record.Record {
	bearing := 180.0
	stop := "stop-1"
	return []record.Record{
		record.FromVehicle(record.VehiclePosition{
			ID: "e1", TripID: "t1", ScheduleRelationship: "SCHEDULED",
			Latitude: 50.85, Longitude: 4.35, Bearing: &bearing, Speed: 129.6,
			CurrentStatus: "IN_TRANSIT_TO", Timestamp: 1700000000, StopID: &stop,
			VehicleID: "v1", VehicleLabel: "Line 1", VehicleLicensePlate: "1-ABC-123",
		}),
		record.FromVehicle(record.VehiclePosition{
			ID: "e2", TripID: "t2", ScheduleRelationship: "ADDED",
			Latitude: 50.41, Longitude: 4.44, Speed: 18,
			CurrentStatus: "STOPPED_AT", Timestamp: 1700000030,
			VehicleID: "v2",
		}),
	}
}

func stopUpdates() []record.Record {
	delay, arrival, departure := int32(60), int32(45), int32(-10)
	veh := "v9"
	return []record.Record{
		record.FromStopUpdate(record.TripUpdateStop{
			ID: "tu1", TripID: "t1", StartTime: "08:00:00", StartDate: "20250301", RouteID: "R1",
			Delay: &delay, VehicleID: &veh, StopSequence: 1, StopID: "s1",
			ArrivalDelay: &arrival, ScheduleRelationship: "SCHEDULED",
		}),
		record.FromStopUpdate(record.TripUpdateStop{
			ID: "tu1", TripID: "t1", StartTime: "08:00:00", StartDate: "20250301", RouteID: "R1",
			Delay: &delay, VehicleID: &veh, StopSequence: 2, StopID: "s2",
			DepartureDelay: &departure, ScheduleRelationship: "SKIPPED",
		}),
	}
}

// listDir returns the names and sizes of every file under dir
func listDir(t *testing.T, dir string) map[string]int64 {
	t.Helper()
	files := make(map[string]int64)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		files[path] = info.Size()
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestWrite_EmptyLeavesFilesystemUnchanged(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "vehicle_positions.parquet")
	require.NoError(t, os.WriteFile(existing, []byte("previous run"), 0644))

	tests := []struct {
		name string
		path string
	}{
		{"existing destination", existing},
		{"missing destination", filepath.Join(dir, "new.parquet")},
		{"missing directory", filepath.Join(dir, "nested", "out.parquet")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := listDir(t, dir)

			w := NewWriter(tt.path, zaptest.NewLogger(t).Sugar(), CSVExporter{})
			res, err := w.Write(context.Background(), nil)
			require.NoError(t, err)
			assert.False(t, res.Written)
			assert.Zero(t, res.Records)

			segregated, err := w.WriteSegregated(context.Background(), []record.Record{})
			require.NoError(t, err)
			assert.Empty(t, segregated)

			assert.Equal(t, before, listDir(t, dir))
		})
	}

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "previous run", string(data))
}

func TestWrite_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		records []record.Record
		shape   record.Shape
	}{
		{"vehicle positions", vehicles(), record.VehiclePositions},
		{"trip update stops", stopUpdates(), record.TripUpdates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", string(tt.shape)+".parquet")

			res, err := NewWriter(path, zaptest.NewLogger(t).Sugar()).Write(context.Background(), tt.records)
			require.NoError(t, err)
			assert.True(t, res.Written)
			assert.Equal(t, tt.shape, res.Shape)
			assert.Equal(t, len(tt.records), res.Records)

			got, err := ReadRecords(path, tt.shape)
			require.NoError(t, err)
			assert.Equal(t, tt.records, got)

			detected, err := DetectShape(path)
			require.NoError(t, err)
			assert.Equal(t, tt.shape, detected)
		})
	}
}

func TestWrite_ReplacesPreviousArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vp.parquet")
	w := NewWriter(path, nil)

	_, err := w.Write(context.Background(), vehicles())
	require.NoError(t, err)
	_, err = w.Write(context.Background(), vehicles()[:1])
	require.NoError(t, err)

	rows, err := ReadVehiclePositions(path)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWrite_RejectsMixedShapes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mixed.parquet")
	mixed := append(vehicles(), stopUpdates()...)

	_, err := NewWriter(path, nil).Write(context.Background(), mixed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMixedShapes))
	assert.NoFileExists(t, path)
}

func TestWrite_FailureIsWriteError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	records := vehicles()
	// the parent "directory" is a regular file
	_, err := NewWriter(filepath.Join(blocker, "out.parquet"), nil).Write(context.Background(), records)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWrite))
	assert.Equal(t, "WriteError", errors.KindOf(err))
	assert.Len(t, records, 2)

	// the same buffer can be retried elsewhere
	retry := filepath.Join(dir, "retry.parquet")
	res, err := NewWriter(retry, nil).Write(context.Background(), records)
	require.NoError(t, err)
	assert.True(t, res.Written)
}

func TestWrite_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "vp.parquet")

	_, err := NewWriter(path, nil).Write(ctx, vehicles())
	assert.True(t, errors.Is(err, errors.ErrWrite))
	assert.NoFileExists(t, path)
}

func TestWrite_CSVExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vehicle_positions.parquet")

	res, err := NewWriter(path, zaptest.NewLogger(t).Sugar(), CSVExporter{}).Write(context.Background(), vehicles())
	require.NoError(t, err)
	assert.Equal(t, []string{"csv"}, res.Exports)
	assert.Empty(t, res.ExportErrors)

	f, err := os.Open(SiblingPath(path, ".csv"))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, record.Columns(record.VehiclePositions), rows[0])
	assert.Equal(t, "e1", rows[1][0])
	assert.Equal(t, "129.6", rows[1][6])
	assert.Equal(t, "stop-1", rows[1][9])
	assert.Equal(t, "", rows[2][5]) // bearing unset
}

type failingExporter struct{}

func (failingExporter) Name() string { return "broken" }

func (failingExporter) Export(context.Context, string, record.Shape, []record.Record) error {
	return errors.New("database is locked")
}

func TestWrite_ExportFailureIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trip_updates.parquet")

	res, err := NewWriter(path, nil, failingExporter{}, CSVExporter{}).Write(context.Background(), stopUpdates())
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, []string{"csv"}, res.Exports)
	require.Contains(t, res.ExportErrors, "broken")
	assert.FileExists(t, path)
}

func TestWriteBatch(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "vp.parquet"), nil)

	for i := 0; i < 3; i++ {
		res, err := w.WriteBatch(context.Background(), i, vehicles())
		require.NoError(t, err)
		assert.True(t, res.Written)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"vp-000000.parquet", "vp-000001.parquet", "vp-000002.parquet"}, names)
}

func TestWriteSegregated(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "all.parquet"), nil)
	mixed := []record.Record{vehicles()[0], stopUpdates()[0], vehicles()[1], stopUpdates()[1]}

	results, err := w.WriteSegregated(context.Background(), mixed)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, filepath.Join(dir, "all.vehicle_positions.parquet"), results[0].Path)
	assert.Equal(t, filepath.Join(dir, "all.trip_updates.parquet"), results[1].Path)

	got, err := ReadRecords(results[0].Path, record.VehiclePositions)
	require.NoError(t, err)
	assert.Equal(t, vehicles(), got)

	got, err = ReadRecords(results[1].Path, record.TripUpdates)
	require.NoError(t, err)
	assert.Equal(t, stopUpdates(), got)

	batch, err := w.WriteSegregatedBatch(context.Background(), 4, stopUpdates())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, filepath.Join(dir, "all.trip_updates-000004.parquet"), batch[0].Path)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "results/vp-000012.parquet", BatchPath("results/vp.parquet", 12))
	assert.Equal(t, "results/vp.trip_updates.parquet", SegregatedPath("results/vp.parquet", record.TripUpdates))
	assert.Equal(t, "results/vp.csv", SiblingPath("results/vp.parquet", ".csv"))
	assert.Equal(t, "out-000001", BatchPath("out", 1))
}
