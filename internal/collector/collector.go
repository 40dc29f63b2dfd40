// Package collector drives the fixed-window poll loop: fetch, decode, extract
// and accumulate until the collection window closes.
package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/mini-rodalies-3d/rtsampler/internal/config"
	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// Fetcher returns one decoded snapshot of the feed
type Fetcher interface {
	Poll(ctx context.Context) (*gtfs.FeedMessage, error)
}

// BatchWriter persists an intermediate batch under a monotonically
// increasing index
type BatchWriter interface {
	WriteBatch(ctx context.Context, index int, records []record.Record) error
}

// BatchWriterFunc adapts a function to BatchWriter
type BatchWriterFunc func(ctx context.Context, index int, records []record.Record) error

func (f BatchWriterFunc) WriteBatch(ctx context.Context, index int, records []record.Record) error {
	return f(ctx, index, records)
}

// Tap receives the records of every successful iteration
type Tap interface {
	Publish(ctx context.Context, records []record.Record) error
}

// Observer is notified about loop progress
type Observer interface {
	PollSucceeded(records int, elapsed time.Duration)
	PollFailed(kind string, elapsed time.Duration)
	SetDegraded(degraded bool)
	BatchFlushed(records int)
}

// Result is the outcome of one run. Records holds everything collected that
// was not already flushed as a batch.
type Result struct {
	Records    []record.Record
	Iterations int
	Failures   int
	Batches    int // batches flushed; also the next batch index
	Flushed    int // records handed to the batch writer
	Degraded   bool
	Cancelled  bool
	Started    time.Time
	Finished   time.Time
}

// Collector runs one collection window against one feed
type Collector struct {
	cfg       config.RunConfig
	fetcher   Fetcher
	extractor *record.Extractor
	log       *zap.SugaredLogger

	batches BatchWriter
	tap     Tap
	metrics Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Collector
type Option func(*Collector)

// WithBatchWriter enables incremental flushing every cfg.FlushEvery iterations
func WithBatchWriter(w BatchWriter) Option {
	return func(c *Collector) { c.batches = w }
}

// WithTap forwards each iteration's records to t
func WithTap(t Tap) Option {
	return func(c *Collector) { c.tap = t }
}

// WithObserver reports loop progress to o
func WithObserver(o Observer) Option {
	return func(c *Collector) { c.metrics = o }
}

// WithClock replaces the wall clock and the sleep function
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Collector) {
		c.now = now
		c.sleep = sleep
	}
}

// New creates a collector for one run
func New(cfg config.RunConfig, fetcher Fetcher, log *zap.SugaredLogger, opts ...Option) *Collector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Collector{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: record.NewExtractor(record.Shape(cfg.Shape)),
		log:       log,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until the window closes or ctx is cancelled. Fetch and decode
// failures are logged and skipped, never returned. On cancellation the
// partial buffer is still handed back.
func (c *Collector) Run(ctx context.Context) Result {
	res := Result{Started: c.now()}
	deadline := res.Started.Add(c.cfg.Duration)
	var buf []record.Record
	consecutive := 0
	degraded := false

	c.log.Infof("Collector: starting (%s)", c.cfg.Redacted())
	c.transition(Idle)

	for {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		iterStart := c.now()
		if !iterStart.Before(deadline) {
			break
		}

		c.transition(Polling)
		records, err := c.poll(ctx)
		if err != nil && ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		res.Iterations++
		elapsed := c.now().Sub(iterStart)

		if err != nil {
			res.Failures++
			consecutive++
			kind := errors.KindOf(err)
			c.log.Warnf("Collector: iteration %d failed (%s, %d consecutive): %v", res.Iterations, kind, consecutive, err)
			if c.metrics != nil {
				c.metrics.PollFailed(kind, elapsed)
			}
			if !degraded && consecutive >= c.cfg.DegradedAfter {
				degraded = true
				res.Degraded = true
				c.log.Errorf("Collector: degraded after %d consecutive failures", consecutive)
				if c.metrics != nil {
					c.metrics.SetDegraded(true)
				}
			}
		} else {
			if degraded {
				degraded = false
				c.log.Infof("Collector: feed recovered after %d consecutive failures", consecutive)
				if c.metrics != nil {
					c.metrics.SetDegraded(false)
				}
			}
			consecutive = 0
			buf = append(buf, records...)
			c.log.Debugf("Collector: iteration %d extracted %d records (%d buffered)", res.Iterations, len(records), len(buf))
			if c.metrics != nil {
				c.metrics.PollSucceeded(len(records), elapsed)
			}
			if c.tap != nil && len(records) > 0 {
				if err := c.tap.Publish(ctx, records); err != nil {
					c.log.Warnf("Collector: tap publish failed: %v", err)
				}
			}
		}

		if c.shouldFlush(res.Iterations, len(buf)) {
			if err := c.batches.WriteBatch(ctx, res.Batches, buf); err != nil {
				c.log.Errorf("Collector: batch %d flush failed, keeping %d records: %v", res.Batches, len(buf), err)
			} else {
				c.log.Infof("Collector: flushed batch %d (%d records)", res.Batches, len(buf))
				if c.metrics != nil {
					c.metrics.BatchFlushed(len(buf))
				}
				res.Flushed += len(buf)
				res.Batches++
				buf = nil
			}
		}

		wait := c.spacing(consecutive) - c.now().Sub(iterStart)
		if wait < 0 {
			wait = 0
		}
		if remaining := deadline.Sub(c.now()); wait > remaining {
			wait = remaining
		}

		c.transition(Sleeping)
		if err := c.sleep(ctx, wait); err != nil {
			res.Cancelled = true
			break
		}
	}

	c.transition(Done)
	res.Records = buf
	res.Finished = c.now()

	if res.Cancelled {
		c.log.Warnf("Collector: cancelled after %d iterations (%d records buffered)", res.Iterations, len(buf))
	} else {
		c.log.Infof("Collector: window closed after %d iterations, %d failures, %d records buffered",
			res.Iterations, res.Failures, len(buf))
	}
	return res
}

func (c *Collector) poll(ctx context.Context) ([]record.Record, error) {
	msg, err := c.fetcher.Poll(ctx)
	if err != nil {
		return nil, err
	}
	return c.extractor.Extract(msg), nil
}

func (c *Collector) shouldFlush(iterations, buffered int) bool {
	return c.batches != nil && c.cfg.FlushEvery > 0 && buffered > 0 && iterations%c.cfg.FlushEvery == 0
}

// spacing is the loop-start to loop-start distance after n consecutive
// failures: interval, doubling per failure, capped at MaxBackoff.
func (c *Collector) spacing(n int) time.Duration {
	d := c.cfg.Interval
	limit := c.cfg.MaxBackoff
	if limit < d {
		limit = d
	}
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (c *Collector) transition(s State) {
	c.log.Debugf("Collector: -> %s", s)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MultiTap fans records out to several taps. Every tap is called; their
// errors are combined.
func MultiTap(taps ...Tap) Tap {
	return multiTap(taps)
}

type multiTap []Tap

func (m multiTap) Publish(ctx context.Context, records []record.Record) error {
	var errs error
	for _, t := range m {
		if err := t.Publish(ctx, records); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
