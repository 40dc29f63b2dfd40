package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
)

// Feed shapes a run can be configured for
const (
	ShapeVehiclePositions = "vehicle_positions"
	ShapeTripUpdates      = "trip_updates"
	ShapeAll              = "all"
)

// Config holds all configuration for the sampler
type Config struct {
	// Feed
	FeedURL string `yaml:"feed_url" validate:"required,http_url"`
	Token   string `yaml:"-" validate:"required"`
	Shape   string `yaml:"shape" validate:"oneof=vehicle_positions trip_updates all"`

	// Collection window
	IntervalSeconds     int `yaml:"interval_seconds" validate:"gt=0"`
	DurationMinutes     int `yaml:"duration_minutes" validate:"gt=0"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" validate:"gt=0"`
	MaxBackoffSeconds   int `yaml:"max_backoff_seconds" validate:"gte=0"`
	DegradedAfter       int `yaml:"degraded_after" validate:"gte=1"`
	FlushEvery          int `yaml:"flush_every" validate:"gte=0"`

	// Output
	OutputPath   string `yaml:"output_path"`
	CSVExport    bool   `yaml:"csv_export"`
	WriteRetries int    `yaml:"write_retries" validate:"gte=0"`

	// Row-oriented stores
	SQLitePath     string `yaml:"sqlite_database"`
	RetentionHours int    `yaml:"retention_hours" validate:"gte=0"`
	PostgresURL    string `yaml:"-"`

	// Side outputs
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
	MetricsAddr       string `yaml:"metrics_addr"`

	// Logging
	LogJSON bool `yaml:"log_json"`
	Debug   bool `yaml:"debug"`
}

// RunConfig is the immutable input of one collection run
type RunConfig struct {
	FeedURL       string
	Token         string
	Shape         string
	Interval      time.Duration
	Duration      time.Duration
	FetchTimeout  time.Duration
	MaxBackoff    time.Duration
	DegradedAfter int
	FlushEvery    int
}

// Defaults returns a Config populated with the sampler's defaults
func Defaults() *Config {
	return &Config{
		Shape:               ShapeVehiclePositions,
		IntervalSeconds:     30,
		DurationMinutes:     10,
		FetchTimeoutSeconds: 15,
		MaxBackoffSeconds:   300,
		DegradedAfter:       3,
		WriteRetries:        2,
		NATSSubjectPrefix:   "rtsampler",
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment (a .env file is loaded first if present). The result is not
// validated; callers apply flag overrides and then call Validate.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to read config file %s", path), errors.ErrConfig)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to parse config file %s", path), errors.ErrConfig)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.FeedURL = getEnv("FEED_URL", c.FeedURL)
	c.Token = getEnv("API_KEY", c.Token)
	c.Shape = getEnv("FEED_SHAPE", c.Shape)
	c.OutputPath = getEnv("OUTPUT_PATH", c.OutputPath)
	c.SQLitePath = getEnv("SQLITE_DATABASE", c.SQLitePath)
	c.PostgresURL = getEnv("DATABASE_URL", c.PostgresURL)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATSSubjectPrefix)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)

	ints := []struct {
		key string
		dst *int
	}{
		{"POLL_INTERVAL", &c.IntervalSeconds},
		{"DURATION_MINUTES", &c.DurationMinutes},
		{"FETCH_TIMEOUT", &c.FetchTimeoutSeconds},
		{"MAX_BACKOFF", &c.MaxBackoffSeconds},
		{"DEGRADED_AFTER", &c.DegradedAfter},
		{"FLUSH_EVERY", &c.FlushEvery},
		{"WRITE_RETRIES", &c.WriteRetries},
		{"RETENTION_HOURS", &c.RetentionHours},
	}
	for _, i := range ints {
		if err := getEnvInt(i.key, i.dst); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"CSV_EXPORT", &c.CSVExport},
		{"LOG_JSON", &c.LogJSON},
		{"DEBUG", &c.Debug},
	}
	for _, b := range bools {
		if err := getEnvBool(b.key, b.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration and returns an error marked ErrConfig
// naming every invalid field.
func (c *Config) Validate() error {
	v := validator.New()
	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Mark(errors.Wrap(err, "invalid configuration"), errors.ErrConfig)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	err = errors.Newf("invalid configuration: %s", strings.Join(problems, "; "))
	if c.Token == "" {
		err = errors.WithHint(err, "set API_KEY in the environment or a .env file")
	}
	return errors.Mark(err, errors.ErrConfig)
}

// Run returns the immutable run parameters
func (c *Config) Run() RunConfig {
	maxBackoff := time.Duration(c.MaxBackoffSeconds) * time.Second
	interval := time.Duration(c.IntervalSeconds) * time.Second
	if maxBackoff < interval {
		maxBackoff = interval
	}
	return RunConfig{
		FeedURL:       c.FeedURL,
		Token:         c.Token,
		Shape:         c.Shape,
		Interval:      interval,
		Duration:      time.Duration(c.DurationMinutes) * time.Minute,
		FetchTimeout:  time.Duration(c.FetchTimeoutSeconds) * time.Second,
		MaxBackoff:    maxBackoff,
		DegradedAfter: c.DegradedAfter,
		FlushEvery:    c.FlushEvery,
	}
}

// Output returns the artifact path, defaulting to results/<shape>.parquet
func (c *Config) Output() string {
	if c.OutputPath != "" {
		return c.OutputPath
	}
	return filepath.Join("results", c.Shape+".parquet")
}

// Redacted describes the run parameters without the bearer token
func (r RunConfig) Redacted() string {
	return fmt.Sprintf("feed=%s shape=%s interval=%v duration=%v timeout=%v max_backoff=%v flush_every=%d",
		r.FeedURL, r.Shape, r.Interval, r.Duration, r.FetchTimeout, r.MaxBackoff, r.FlushEvery)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, dst *int) error {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errors.Mark(errors.Newf("invalid %s: %q", key, value), errors.ErrConfig)
		}
		*dst = intValue
	}
	return nil
}

func getEnvBool(key string, dst *bool) error {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return errors.Mark(errors.Newf("invalid %s: %q", key, value), errors.ErrConfig)
		}
		*dst = boolValue
	}
	return nil
}
