package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector exposes collection progress as Prometheus metrics. It satisfies
// collector.Observer.
type Collector struct {
	reg *prometheus.Registry
	log *zap.SugaredLogger

	Polls          *prometheus.CounterVec // outcome label: success|failure
	Failures       *prometheus.CounterVec // kind label: FetchError|DecodeError|...
	Records        prometheus.Counter
	BatchesFlushed prometheus.Counter
	BatchRecords   prometheus.Counter
	Degraded       prometheus.Gauge
	PollDuration   prometheus.Histogram

	PollInterval prometheus.Gauge // seconds
	WindowLength prometheus.Gauge // seconds
}

// NewCollector registers the sampler metrics on a private registry
func NewCollector(interval, duration time.Duration, log *zap.SugaredLogger) *Collector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		log: log,
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsampler_polls_total",
			Help: "Poll iterations by outcome.",
		}, []string{"outcome"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsampler_poll_failures_total",
			Help: "Failed poll iterations by error kind.",
		}, []string{"kind"}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsampler_records_extracted_total",
			Help: "Records extracted from the feed.",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsampler_batches_flushed_total",
			Help: "Intermediate batches published.",
		}),
		BatchRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtsampler_batch_records_total",
			Help: "Records published through intermediate batches.",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtsampler_degraded",
			Help: "1 while the feed has failed too many consecutive polls, 0 otherwise.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtsampler_poll_duration_seconds",
			Help:    "Duration of fetch, decode and extract for one iteration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtsampler_poll_interval_seconds",
			Help: "Configured poll interval in seconds.",
		}),
		WindowLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtsampler_window_seconds",
			Help: "Configured collection window in seconds.",
		}),
	}

	reg.MustRegister(
		c.Polls, c.Failures, c.Records,
		c.BatchesFlushed, c.BatchRecords,
		c.Degraded, c.PollDuration,
		c.PollInterval, c.WindowLength,
	)

	c.PollInterval.Set(interval.Seconds())
	c.WindowLength.Set(duration.Seconds())
	return c
}

func (c *Collector) PollSucceeded(records int, elapsed time.Duration) {
	c.Polls.WithLabelValues("success").Inc()
	c.Records.Add(float64(records))
	c.PollDuration.Observe(elapsed.Seconds())
}

func (c *Collector) PollFailed(kind string, elapsed time.Duration) {
	c.Polls.WithLabelValues("failure").Inc()
	c.Failures.WithLabelValues(kind).Inc()
	c.PollDuration.Observe(elapsed.Seconds())
}

func (c *Collector) SetDegraded(degraded bool) {
	if degraded {
		c.Degraded.Set(1)
	} else {
		c.Degraded.Set(0)
	}
}

func (c *Collector) BatchFlushed(records int) {
	c.BatchesFlushed.Inc()
	c.BatchRecords.Add(float64(records))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (c *Collector) Serve(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Errorf("Metrics: server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	c.log.Infof("Metrics: listening on %s", addr)
	return srv
}
