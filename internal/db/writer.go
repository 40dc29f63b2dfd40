package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// InsertVehiclePositions stores the vehicle rows exported from an artifact.
// Rows a previous export of the same artifact left for the run are replaced;
// their count is returned.
func (db *DB) InsertVehiclePositions(ctx context.Context, runID, artifact string, rows []record.VehiclePosition) (int, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	replaced, err := clearArtifact(ctx, tx, "vehicle_positions", runID, artifact)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicle_positions (
			run_id, artifact_path, exported_at_utc, id, trip_id, schedule_relationship,
			latitude, longitude, bearing, speed, current_status, timestamp, stop_id,
			vehicle_id, vehicle_label, vehicle_license_plate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prepare vehicle statement")
	}
	defer stmt.Close()

	exportedAt := time.Now().UTC().Format(time.RFC3339)
	for _, v := range rows {
		_, err := stmt.ExecContext(ctx,
			runID, artifact, exportedAt, v.ID, v.TripID, v.ScheduleRelationship,
			v.Latitude, v.Longitude, v.Bearing, v.Speed, v.CurrentStatus, v.Timestamp, v.StopID,
			v.VehicleID, v.VehicleLabel, v.VehicleLicensePlate,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to insert vehicle position %s", v.ID)
		}
	}
	return replaced, tx.Commit()
}

// InsertTripUpdateStops is InsertVehiclePositions for trip-update rows
func (db *DB) InsertTripUpdateStops(ctx context.Context, runID, artifact string, rows []record.TripUpdateStop) (int, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	replaced, err := clearArtifact(ctx, tx, "trip_update_stops", runID, artifact)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trip_update_stops (
			run_id, artifact_path, exported_at_utc, id, trip_id, start_time, start_date,
			route_id, delay, vehicle_id, stop_sequence, stop_id, arrival_delay,
			departure_delay, schedule_relationship
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prepare trip update statement")
	}
	defer stmt.Close()

	exportedAt := time.Now().UTC().Format(time.RFC3339)
	for _, s := range rows {
		_, err := stmt.ExecContext(ctx,
			runID, artifact, exportedAt, s.ID, s.TripID, s.StartTime, s.StartDate,
			s.RouteID, s.Delay, s.VehicleID, int64(s.StopSequence), s.StopID, s.ArrivalDelay,
			s.DepartureDelay, s.ScheduleRelationship,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to insert stop update %s/%d", s.TripID, s.StopSequence)
		}
	}
	return replaced, tx.Commit()
}

func clearArtifact(ctx context.Context, tx *sql.Tx, table, runID, artifact string) (int, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ? AND artifact_path = ?", runID, artifact)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to clear %s rows of %s", table, artifact)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count cleared rows")
	}
	return int(n), nil
}

// CountRows returns how many exported rows of a shape belong to a run
func (db *DB) CountRows(ctx context.Context, runID string, shape record.Shape) (int, error) {
	var table string
	switch shape {
	case record.VehiclePositions:
		table = "vehicle_positions"
	case record.TripUpdates:
		table = "trip_update_stops"
	default:
		return 0, errors.Newf("unsupported shape %q", shape)
	}

	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE run_id = ?", runID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s", table)
	}
	return n, nil
}

// Exporter loads published artifacts into the SQLite tables of one run
type Exporter struct {
	db    *DB
	runID string
}

// Exporter returns an artifact exporter bound to runID
func (db *DB) Exporter(runID string) *Exporter {
	return &Exporter{db: db, runID: runID}
}

func (e *Exporter) Name() string { return "sqlite" }

// Export replaces the run's rows of path. Arrival delays are folded into the
// hourly aggregates on an artifact's first export only.
func (e *Exporter) Export(ctx context.Context, path string, shape record.Shape, records []record.Record) error {
	switch shape {
	case record.VehiclePositions:
		_, err := e.db.InsertVehiclePositions(ctx, e.runID, path, record.Vehicles(records))
		return err
	case record.TripUpdates:
		rows := record.StopUpdates(records)
		replaced, err := e.db.InsertTripUpdateStops(ctx, e.runID, path, rows)
		if err != nil {
			return err
		}
		if replaced > 0 {
			e.db.log.Debugf("DB: re-exported %s, delay stats already hold its rows", path)
			return nil
		}
		return e.db.UpdateDelayStats(ctx, rows, time.Now())
	default:
		return errors.Newf("unsupported shape %q", shape)
	}
}
