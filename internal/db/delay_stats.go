package db

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/metrics"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// DelayThresholdSeconds is the arrival delay above which a stop counts as delayed (5 minutes)
const DelayThresholdSeconds = 300

// DelayStats is one route's aggregate for one hour
type DelayStats struct {
	RouteID      string
	HourBucket   time.Time
	Observations int
	MeanSeconds  float64
	StdDev       float64
	Delayed      int
	OnTime       int
	MaxSeconds   int
}

// delayObservations groups the arrival delays of stop updates by route.
// Stops without a route or an arrival delay are skipped.
func delayObservations(rows []record.TripUpdateStop) map[string][]int {
	byRoute := make(map[string][]int)
	for _, s := range rows {
		if s.RouteID == "" || s.ArrivalDelay == nil {
			continue
		}
		byRoute[s.RouteID] = append(byRoute[s.RouteID], int(*s.ArrivalDelay))
	}
	return byRoute
}

// UpdateDelayStats folds the arrival delays of rows into the hourly
// aggregate of the hour containing at.
func (db *DB) UpdateDelayStats(ctx context.Context, rows []record.TripUpdateStop, at time.Time) error {
	byRoute := delayObservations(rows)
	if len(byRoute) == 0 {
		return nil
	}

	hourBucket := at.UTC().Truncate(time.Hour).Format(time.RFC3339)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for routeID, delays := range byRoute {
		var (
			count                               int
			mean, m2                            float64
			delayedCount, onTimeCount, maxDelay int
		)
		err := tx.QueryRowContext(ctx, `
			SELECT observation_count, delay_mean_seconds, delay_m2,
				delayed_count, on_time_count, max_delay_seconds
			FROM stats_delay_hourly
			WHERE route_id = ? AND hour_bucket = ?
		`, routeID, hourBucket).Scan(&count, &mean, &m2, &delayedCount, &onTimeCount, &maxDelay)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(err, "failed to read delay stats for %s", routeID)
		}

		running := metrics.ResumeRunning(count, mean, m2)
		for _, delaySec := range delays {
			running.Add(float64(delaySec))

			absDelay := int(math.Abs(float64(delaySec)))
			if absDelay > DelayThresholdSeconds {
				delayedCount++
			} else {
				onTimeCount++
			}
			if absDelay > maxDelay {
				maxDelay = absDelay
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stats_delay_hourly (route_id, hour_bucket, observation_count,
				delay_mean_seconds, delay_m2, delayed_count, on_time_count, max_delay_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (route_id, hour_bucket) DO UPDATE SET
				observation_count = excluded.observation_count,
				delay_mean_seconds = excluded.delay_mean_seconds,
				delay_m2 = excluded.delay_m2,
				delayed_count = excluded.delayed_count,
				on_time_count = excluded.on_time_count,
				max_delay_seconds = excluded.max_delay_seconds
		`, routeID, hourBucket, running.Count(), running.Mean(), running.M2(), delayedCount, onTimeCount, maxDelay)
		if err != nil {
			return errors.Wrapf(err, "failed to upsert delay stats for %s", routeID)
		}
	}

	return tx.Commit()
}

// GetDelayStats returns the hourly aggregates of a route, oldest first
func (db *DB) GetDelayStats(ctx context.Context, routeID string) ([]DelayStats, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT hour_bucket, observation_count, delay_mean_seconds, delay_m2,
			delayed_count, on_time_count, max_delay_seconds
		FROM stats_delay_hourly
		WHERE route_id = ?
		ORDER BY hour_bucket
	`, routeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query delay stats")
	}
	defer rows.Close()

	var out []DelayStats
	for rows.Next() {
		var (
			s      = DelayStats{RouteID: routeID}
			bucket string
			m2     float64
		)
		if err := rows.Scan(&bucket, &s.Observations, &s.MeanSeconds, &m2, &s.Delayed, &s.OnTime, &s.MaxSeconds); err != nil {
			return nil, errors.Wrap(err, "failed to scan delay stats")
		}
		if s.HourBucket, err = time.Parse(time.RFC3339, bucket); err != nil {
			return nil, errors.Wrapf(err, "invalid hour_bucket %q", bucket)
		}
		running := metrics.ResumeRunning(s.Observations, s.MeanSeconds, m2)
		s.StdDev = running.StdDev()
		out = append(out, s)
	}
	return out, rows.Err()
}
