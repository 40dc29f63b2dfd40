// Package postgis loads published artifacts into PostgreSQL with PostGIS
// point geometries for spatial analysis.
package postgis

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS vehicle_positions (
    run_id                TEXT NOT NULL,
    artifact_path         TEXT NOT NULL,
    loaded_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    id                    TEXT NOT NULL,
    trip_id               TEXT,
    schedule_relationship TEXT,
    latitude              DOUBLE PRECISION NOT NULL,
    longitude             DOUBLE PRECISION NOT NULL,
    bearing               DOUBLE PRECISION,
    speed                 DOUBLE PRECISION NOT NULL,
    current_status        TEXT,
    timestamp             BIGINT,
    stop_id               TEXT,
    vehicle_id            TEXT,
    vehicle_label         TEXT,
    vehicle_license_plate TEXT,
    geom                  geometry(Point, 4326) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vehicle_positions_geom ON vehicle_positions USING GIST (geom);
CREATE INDEX IF NOT EXISTS idx_vehicle_positions_run ON vehicle_positions (run_id);

CREATE TABLE IF NOT EXISTS trip_update_stops (
    run_id                TEXT NOT NULL,
    artifact_path         TEXT NOT NULL,
    loaded_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    id                    TEXT NOT NULL,
    trip_id               TEXT,
    start_time            TEXT,
    start_date            TEXT,
    route_id              TEXT,
    delay                 INTEGER,
    vehicle_id            TEXT,
    stop_sequence         BIGINT NOT NULL,
    stop_id               TEXT,
    arrival_delay         INTEGER,
    departure_delay       INTEGER,
    schedule_relationship TEXT
);

CREATE INDEX IF NOT EXISTS idx_trip_update_stops_run ON trip_update_stops (run_id);
`

const insertVehicleSQL = `
INSERT INTO vehicle_positions (
    run_id, artifact_path, id, trip_id, schedule_relationship, latitude, longitude,
    bearing, speed, current_status, timestamp, stop_id, vehicle_id, vehicle_label,
    vehicle_license_plate, geom
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
    ST_SetSRID(ST_MakePoint($7, $6), 4326))`

const insertStopSQL = `
INSERT INTO trip_update_stops (
    run_id, artifact_path, id, trip_id, start_time, start_date, route_id, delay,
    vehicle_id, stop_sequence, stop_id, arrival_delay, departure_delay, schedule_relationship
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// A re-exported artifact replaces the rows its previous export left for the run
const (
	clearVehiclesSQL = `DELETE FROM vehicle_positions WHERE run_id = $1 AND artifact_path = $2`
	clearStopsSQL    = `DELETE FROM trip_update_stops WHERE run_id = $1 AND artifact_path = $2`
)

// Loader writes rows to a PostGIS database
type Loader struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

// Connect opens a connection pool and verifies it
func Connect(ctx context.Context, databaseURL string, log *zap.SugaredLogger) (*Loader, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	log.Info("PostGIS: connected")
	return &Loader{pool: pool, log: log}, nil
}

// Close releases the pool
func (l *Loader) Close() {
	l.pool.Close()
}

// EnsureSchema creates the extension and tables if missing
func (l *Loader) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to create postgis schema")
	}
	return nil
}

// Load replaces the run's rows of artifact with records, in a single transaction
func (l *Loader) Load(ctx context.Context, runID, artifact string, shape record.Shape, records []record.Record) error {
	batch, err := buildBatch(runID, artifact, shape, records)
	if err != nil {
		return err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return errors.Wrapf(err, "failed to insert row %d of %s", i, artifact)
		}
	}
	if err := br.Close(); err != nil {
		return errors.Wrap(err, "failed to close batch")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit")
	}
	l.log.Infof("PostGIS: loaded %d %s rows from %s", batch.Len()-1, shape, artifact)
	return nil
}

func buildBatch(runID, artifact string, shape record.Shape, records []record.Record) (*pgx.Batch, error) {
	batch := &pgx.Batch{}
	switch shape {
	case record.VehiclePositions:
		batch.Queue(clearVehiclesSQL, runID, artifact)
		for _, v := range record.Vehicles(records) {
			batch.Queue(insertVehicleSQL, vehicleArgs(runID, artifact, v)...)
		}
	case record.TripUpdates:
		batch.Queue(clearStopsSQL, runID, artifact)
		for _, s := range record.StopUpdates(records) {
			batch.Queue(insertStopSQL, stopArgs(runID, artifact, s)...)
		}
	default:
		return nil, errors.Newf("unsupported shape %q", shape)
	}
	return batch, nil
}

func vehicleArgs(runID, artifact string, v record.VehiclePosition) []any {
	return []any{
		runID, artifact, v.ID, v.TripID, v.ScheduleRelationship, v.Latitude, v.Longitude,
		v.Bearing, v.Speed, v.CurrentStatus, v.Timestamp, v.StopID, v.VehicleID, v.VehicleLabel,
		v.VehicleLicensePlate,
	}
}

func stopArgs(runID, artifact string, s record.TripUpdateStop) []any {
	return []any{
		runID, artifact, s.ID, s.TripID, s.StartTime, s.StartDate, s.RouteID, s.Delay,
		s.VehicleID, int64(s.StopSequence), s.StopID, s.ArrivalDelay, s.DepartureDelay, s.ScheduleRelationship,
	}
}

// Exporter loads published artifacts for one run
type Exporter struct {
	loader *Loader
	runID  string
}

// Exporter returns an artifact exporter bound to runID
func (l *Loader) Exporter(runID string) *Exporter {
	return &Exporter{loader: l, runID: runID}
}

func (e *Exporter) Name() string { return "postgis" }

func (e *Exporter) Export(ctx context.Context, path string, shape record.Shape, records []record.Record) error {
	return e.loader.Load(ctx, e.runID, path, shape, records)
}
