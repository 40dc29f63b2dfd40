package db

import (
	"context"
	"fmt"
	"time"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
)

// Cleanup deletes runs and exported rows older than retention. It returns
// the number of rows removed.
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	hours := int(retention.Hours())
	if hours < 1 {
		hours = 1
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	queries := []struct {
		name  string
		query string
	}{
		{
			name:  "vehicle_positions",
			query: fmt.Sprintf("DELETE FROM vehicle_positions WHERE datetime(exported_at_utc) < datetime('now', '-%d hours')", hours),
		},
		{
			name:  "trip_update_stops",
			query: fmt.Sprintf("DELETE FROM trip_update_stops WHERE datetime(exported_at_utc) < datetime('now', '-%d hours')", hours),
		},
		{
			name:  "stats_delay_hourly",
			query: fmt.Sprintf("DELETE FROM stats_delay_hourly WHERE datetime(hour_bucket) < datetime('now', '-%d hours')", hours),
		},
		{
			name:  "runs",
			query: fmt.Sprintf("DELETE FROM runs WHERE datetime(started_at_utc) < datetime('now', '-%d hours')", hours),
		},
	}

	totalDeleted := 0
	for _, q := range queries {
		result, err := db.conn.ExecContext(ctx, q.query)
		if err != nil {
			return totalDeleted, errors.Wrapf(err, "failed to cleanup %s", q.name)
		}
		rows, _ := result.RowsAffected()
		totalDeleted += int(rows)
	}

	if totalDeleted > 0 {
		db.log.Infof("Cleanup: deleted %d rows older than %d hours", totalDeleted, hours)
	}
	return totalDeleted, nil
}
