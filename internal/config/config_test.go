package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.FeedURL = "https://api.mobilitytwin.brussels/tec/gtfs-realtime"
	cfg.Token = "secret-token"
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("FEED_URL", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ShapeVehiclePositions, cfg.Shape)
	assert.Equal(t, 30, cfg.IntervalSeconds)
	assert.Equal(t, 10, cfg.DurationMinutes)
	assert.Equal(t, filepath.Join("results", "vehicle_positions.parquet"), cfg.Output())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rtsampler.yml")
	yml := `
feed_url: https://example.com/file-feed
shape: trip_updates
interval_seconds: 20
duration_minutes: 5
csv_export: true
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	t.Setenv("FEED_URL", "https://example.com/env-feed")
	t.Setenv("API_KEY", "from-env")
	t.Setenv("POLL_INTERVAL", "45")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/env-feed", cfg.FeedURL)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, ShapeTripUpdates, cfg.Shape)
	assert.Equal(t, 45, cfg.IntervalSeconds)
	assert.Equal(t, 5, cfg.DurationMinutes)
	assert.True(t, cfg.CSVExport)
	assert.Equal(t, filepath.Join("results", "trip_updates.parquet"), cfg.Output())
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidEnvInt(t *testing.T) {
	t.Setenv("DURATION_MINUTES", "ten")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "DURATION_MINUTES")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: content: [[["), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Token = "" }, "Token"},
		{"missing feed url", func(c *Config) { c.FeedURL = "" }, "FeedURL"},
		{"relative feed url", func(c *Config) { c.FeedURL = "feed.pb" }, "FeedURL"},
		{"zero interval", func(c *Config) { c.IntervalSeconds = 0 }, "IntervalSeconds"},
		{"negative duration", func(c *Config) { c.DurationMinutes = -1 }, "DurationMinutes"},
		{"unknown shape", func(c *Config) { c.Shape = "alerts" }, "Shape"},
		{"zero degraded threshold", func(c *Config) { c.DegradedAfter = 0 }, "DegradedAfter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_MissingTokenHint(t *testing.T) {
	cfg := validConfig()
	cfg.Token = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "API_KEY")
}

func TestRun(t *testing.T) {
	cfg := validConfig()
	cfg.IntervalSeconds = 30
	cfg.DurationMinutes = 1
	cfg.MaxBackoffSeconds = 10

	run := cfg.Run()
	assert.Equal(t, 30*time.Second, run.Interval)
	assert.Equal(t, time.Minute, run.Duration)
	assert.Equal(t, 15*time.Second, run.FetchTimeout)
	// backoff never drops below the base interval
	assert.Equal(t, 30*time.Second, run.MaxBackoff)
}

func TestRedactedOmitsToken(t *testing.T) {
	run := validConfig().Run()
	assert.NotContains(t, run.Redacted(), "secret-token")
	assert.Contains(t, run.Redacted(), run.FeedURL)
}
