package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
)

// ErrRunNotFound is returned by GetRun for an unknown id
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the run ledger
type Run struct {
	ID         string
	FeedURL    string
	Shape      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome
}

// Outcome is what a finished run recorded
type Outcome struct {
	Iterations       int
	Failures         int
	Records          int
	Batches          int
	Degraded         bool
	Cancelled        bool
	ArtifactPath     string
	DistinctVehicles *int
	DistinctTrips    *int
	MeanSpeed        *float64
	StdDevSpeed      *float64
	MeanArrivalDelay *float64
	ErrorKind        string
}

// StartRun opens a ledger entry and returns its id
func (db *DB) StartRun(ctx context.Context, feedURL, shape string, startedAt time.Time) (string, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	runID := uuid.New().String()
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO runs (run_id, feed_url, shape, started_at_utc) VALUES (?, ?, ?, ?)",
		runID, feedURL, shape, startedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to create run")
	}
	return runID, nil
}

// FinishRun records the outcome of a run
func (db *DB) FinishRun(ctx context.Context, runID string, finishedAt time.Time, o Outcome) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	var artifact, errorKind *string
	if o.ArtifactPath != "" {
		artifact = &o.ArtifactPath
	}
	if o.ErrorKind != "" {
		errorKind = &o.ErrorKind
	}

	result, err := db.conn.ExecContext(ctx, `
		UPDATE runs SET
			finished_at_utc = ?, iterations = ?, failures = ?, records = ?, batches = ?,
			degraded = ?, cancelled = ?, artifact_path = ?, distinct_vehicles = ?,
			distinct_trips = ?, mean_speed_kmh = ?, stddev_speed_kmh = ?,
			mean_arrival_delay_s = ?, error_kind = ?
		WHERE run_id = ?`,
		finishedAt.UTC().Format(time.RFC3339), o.Iterations, o.Failures, o.Records, o.Batches,
		o.Degraded, o.Cancelled, artifact, o.DistinctVehicles,
		o.DistinctTrips, o.MeanSpeed, o.StdDevSpeed,
		o.MeanArrivalDelay, errorKind,
		runID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %s", runID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("run %s", runID), ErrRunNotFound)
	}
	return nil
}

const runColumns = `run_id, feed_url, shape, started_at_utc, finished_at_utc, iterations, failures,
	records, batches, degraded, cancelled, artifact_path, distinct_vehicles, distinct_trips,
	mean_speed_kmh, stddev_speed_kmh, mean_arrival_delay_s, error_kind`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                   Run
		started             string
		finished            sql.NullString
		artifact, errorKind sql.NullString
		vehicles, trips     sql.NullInt64
		mean, stddev, delay sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.FeedURL, &r.Shape, &started, &finished, &r.Iterations, &r.Failures,
		&r.Records, &r.Batches, &r.Degraded, &r.Cancelled, &artifact, &vehicles, &trips,
		&mean, &stddev, &delay, &errorKind)
	if err != nil {
		return nil, err
	}

	if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
		return nil, errors.Wrapf(err, "invalid started_at_utc %q", started)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339, finished.String)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid finished_at_utc %q", finished.String)
		}
		r.FinishedAt = &t
	}
	r.ArtifactPath = artifact.String
	r.ErrorKind = errorKind.String
	if vehicles.Valid {
		v := int(vehicles.Int64)
		r.DistinctVehicles = &v
	}
	if trips.Valid {
		v := int(trips.Int64)
		r.DistinctTrips = &v
	}
	if mean.Valid {
		r.MeanSpeed = &mean.Float64
	}
	if stddev.Valid {
		r.StdDevSpeed = &stddev.Float64
	}
	if delay.Valid {
		r.MeanArrivalDelay = &delay.Float64
	}
	return &r, nil
}

// GetRun returns one ledger entry
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("run %s", runID), ErrRunNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read run")
	}
	return r, nil
}

// ListRuns returns the most recent runs first
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at_utc DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
