package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/mini-rodalies-3d/rtsampler/internal/config"
	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/realtime/feed"
	"github.com/mini-rodalies-3d/rtsampler/internal/realtime/feed/feedtest"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

// fakeClock advances only when the collector sleeps or a fetch takes time
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

// step is one scripted Poll outcome
type step struct {
	msg     *gtfs.FeedMessage
	err     error
	latency time.Duration
}

type scriptedFetcher struct {
	clock *fakeClock
	steps []step
	calls []time.Time
}

func (f *scriptedFetcher) Poll(ctx context.Context) (*gtfs.FeedMessage, error) {
	f.calls = append(f.calls, f.clock.Now())
	idx := len(f.calls) - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	s := f.steps[idx]
	f.clock.Advance(s.latency)
	return s.msg, s.err
}

func fetchErr() error {
	return errors.Mark(errors.New("connection refused"), errors.ErrFetch)
}

func runConfig(interval, duration time.Duration) config.RunConfig {
	return config.RunConfig{
		FeedURL:       "https://feed.example/gtfs-rt",
		Token:         "tok",
		Shape:         config.ShapeVehiclePositions,
		Interval:      interval,
		Duration:      duration,
		FetchTimeout:  time.Second,
		MaxBackoff:    5 * time.Minute,
		DegradedAfter: 3,
	}
}

func TestRun_ScenarioC_AlwaysFailing(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	fetcher := &scriptedFetcher{clock: clock, steps: []step{{err: fetchErr()}}}

	c := New(runConfig(30*time.Second, time.Minute), fetcher, zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now, clock.Sleep))
	res := c.Run(context.Background())

	assert.Empty(t, res.Records)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, res.Failures)
	assert.False(t, res.Degraded)
	assert.False(t, res.Cancelled)
	assert.Equal(t, time.Minute, res.Finished.Sub(start))
	assert.Equal(t, []time.Time{start, start.Add(30 * time.Second)}, fetcher.calls)
}

func TestRun_ScenarioD_TwoIterations(t *testing.T) {
	clock := newFakeClock()
	fetcher := &scriptedFetcher{clock: clock, steps: []step{
		{msg: feedtest.Message(feedtest.Vehicle("a", 45, 7, 10), feedtest.Vehicle("bad", 0, 0, 10))},
		{msg: feedtest.Message(feedtest.Vehicle("b", 46, 8, 12))},
	}}

	c := New(runConfig(30*time.Second, time.Minute), fetcher, zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now, clock.Sleep))
	res := c.Run(context.Background())

	require.Len(t, res.Records, 2)
	assert.Equal(t, "a", res.Records[0].Vehicle.ID)
	assert.Equal(t, "b", res.Records[1].Vehicle.ID)
	assert.Equal(t, 2, res.Iterations)
	assert.Zero(t, res.Failures)
}

func TestRun_FixedCadence(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	msg := feedtest.Message(feedtest.Vehicle("a", 45, 7, 10))
	fetcher := &scriptedFetcher{clock: clock, steps: []step{
		{msg: msg, latency: 5 * time.Second},
		{msg: msg, latency: 45 * time.Second}, // slower than the interval
		{msg: msg, latency: time.Second},
	}}

	c := New(runConfig(30*time.Second, 2*time.Minute), fetcher, zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now, clock.Sleep))
	res := c.Run(context.Background())

	// loop starts keep a 30s grid until a fetch overruns it
	require.GreaterOrEqual(t, len(fetcher.calls), 3)
	assert.Equal(t, start, fetcher.calls[0])
	assert.Equal(t, start.Add(30*time.Second), fetcher.calls[1])
	assert.Equal(t, start.Add(75*time.Second), fetcher.calls[2])
	assert.Equal(t, 25*time.Second, clock.sleeps[0])
	assert.Equal(t, time.Duration(0), clock.sleeps[1])
	assert.Equal(t, res.Iterations, len(res.Records))
}

func TestRun_BackoffAndDegraded(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	ok := feedtest.Message(feedtest.Vehicle("a", 45, 7, 10))
	fetcher := &scriptedFetcher{clock: clock, steps: []step{
		{err: fetchErr()},
		{err: errors.Mark(errors.New("bad bytes"), errors.ErrDecode)},
		{err: fetchErr()},
		{err: fetchErr()},
		{msg: ok},
		{msg: ok},
	}}

	cfg := runConfig(10*time.Second, 10*time.Minute)
	cfg.MaxBackoff = 60 * time.Second
	obs := &recordingObserver{}

	c := New(cfg, fetcher, zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now, clock.Sleep), WithObserver(obs))
	res := c.Run(context.Background())

	require.GreaterOrEqual(t, len(fetcher.calls), 6)
	offsets := make([]time.Duration, 6)
	for i := range offsets {
		offsets[i] = fetcher.calls[i].Sub(start)
	}
	// 10s, 20s, 40s, then capped at 60s; success resets to the interval
	assert.Equal(t, []time.Duration{
		0,
		10 * time.Second,
		30 * time.Second,
		70 * time.Second,
		130 * time.Second,
		140 * time.Second,
	}, offsets)

	assert.True(t, res.Degraded)
	assert.Equal(t, 4, res.Failures)
	assert.Equal(t, []bool{true, false}, obs.degraded)
	assert.Equal(t, map[string]int{"FetchError": 3, "DecodeError": 1}, obs.failures)
}

func TestRun_CancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msg := feedtest.Message(feedtest.Vehicle("a", 45, 7, 10))

	clock := newFakeClock()
	fetcher := &scriptedFetcher{clock: clock, steps: []step{{msg: msg}}}
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	c := New(runConfig(30*time.Second, time.Hour), fetcher, zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now, sleep))
	res := c.Run(ctx)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Iterations)
	assert.Len(t, res.Records, 1)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := newFakeClock()
	fetcher := &scriptedFetcher{clock: clock, steps: []step{{err: fetchErr()}}}
	res := New(runConfig(time.Second, time.Minute), fetcher, nil, WithClock(clock.Now, clock.Sleep)).Run(ctx)

	assert.True(t, res.Cancelled)
	assert.Zero(t, res.Iterations)
	assert.Empty(t, fetcher.calls)
}

func TestRun_RealClockCancel(t *testing.T) {
	body := feedtest.Marshal(t, feedtest.Message(feedtest.Vehicle("a", 45, 7, 10)))
	srv := feedtest.NewServer(t, feedtest.Response{Body: body})

	ctx, cancel := context.WithCancel(context.Background())
	tap := &channelTap{ch: make(chan int, 1)}
	go func() {
		<-tap.ch
		cancel()
	}()

	cfg := runConfig(time.Hour, time.Hour)
	c := New(cfg, feed.NewClient(srv.URL, cfg.Token, time.Second), zaptest.NewLogger(t).Sugar(), WithTap(tap))

	done := make(chan Result, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case res := <-done:
		assert.True(t, res.Cancelled)
		assert.Len(t, res.Records, 1)
		assert.Equal(t, 1, srv.Requests())
		assert.Equal(t, []string{"Bearer tok"}, srv.Authorization())
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop after cancellation")
	}
}

func TestRun_IncrementalFlush(t *testing.T) {
	clock := newFakeClock()
	msg := feedtest.Message(feedtest.Vehicle("a", 45, 7, 10), feedtest.Vehicle("b", 46, 8, 10))
	fetcher := &scriptedFetcher{clock: clock, steps: []step{{msg: msg}}}

	var indexes []int
	var sizes []int
	fail := true
	writer := BatchWriterFunc(func(ctx context.Context, index int, records []record.Record) error {
		if fail {
			fail = false
			return errors.Mark(errors.New("disk full"), errors.ErrWrite)
		}
		indexes = append(indexes, index)
		sizes = append(sizes, len(records))
		return nil
	})

	cfg := runConfig(10*time.Second, 50*time.Second) // 5 iterations
	cfg.FlushEvery = 2
	res := New(cfg, fetcher, zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now, clock.Sleep), WithBatchWriter(writer)).Run(context.Background())

	// first flush at iteration 2 fails and keeps its 4 records; iteration 4
	// flushes all 8 as batch 0; iteration 5 stays buffered
	assert.Equal(t, 5, res.Iterations)
	assert.Equal(t, []int{0}, indexes)
	assert.Equal(t, []int{8}, sizes)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 8, res.Flushed)
	assert.Len(t, res.Records, 2)
}

func TestRun_TripUpdateShape(t *testing.T) {
	clock := newFakeClock()
	msg := feedtest.Message(
		feedtest.Vehicle("a", 45, 7, 10),
		feedtest.TripUpdate("t1", "trip-1", feedtest.StopUpdate(1, "s1", nil), feedtest.StopUpdate(2, "s2", nil)),
	)
	fetcher := &scriptedFetcher{clock: clock, steps: []step{{msg: msg}}}

	cfg := runConfig(30*time.Second, 30*time.Second)
	cfg.Shape = config.ShapeTripUpdates
	res := New(cfg, fetcher, nil, WithClock(clock.Now, clock.Sleep)).Run(context.Background())

	shape, ok := record.ShapeOf(res.Records)
	require.True(t, ok)
	assert.Equal(t, record.TripUpdates, shape)
	assert.Len(t, res.Records, 2)
}

func TestSpacing(t *testing.T) {
	c := New(config.RunConfig{Interval: 30 * time.Second, MaxBackoff: 100 * time.Second}, nil, nil)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 100 * time.Second},
		{50, 100 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.spacing(tt.failures), "failures=%d", tt.failures)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "polling", Polling.String())
	assert.Equal(t, "sleeping", Sleeping.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "unknown", State(42).String())
}

type recordingObserver struct {
	degraded []bool
	failures map[string]int
	success  int
}

func (o *recordingObserver) PollSucceeded(records int, elapsed time.Duration) { o.success++ }

func (o *recordingObserver) PollFailed(kind string, elapsed time.Duration) {
	if o.failures == nil {
		o.failures = make(map[string]int)
	}
	o.failures[kind]++
}

func (o *recordingObserver) SetDegraded(degraded bool) { o.degraded = append(o.degraded, degraded) }

func (o *recordingObserver) BatchFlushed(records int) {}

type channelTap struct {
	ch chan int
}

func (t *channelTap) Publish(ctx context.Context, records []record.Record) error {
	select {
	case t.ch <- len(records):
	default:
	}
	return nil
}

type recordingTap struct {
	got [][]record.Record
	err error
}

func (r *recordingTap) Publish(_ context.Context, records []record.Record) error {
	r.got = append(r.got, records)
	return r.err
}

func TestMultiTap(t *testing.T) {
	first := &recordingTap{err: errors.New("nats: no servers available")}
	second := &recordingTap{}
	records := []record.Record{record.FromVehicle(record.VehiclePosition{ID: "a"})}

	err := MultiTap(first, second).Publish(context.Background(), records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no servers available")
	assert.Len(t, first.got, 1)
	assert.Len(t, second.got, 1, "a failing tap must not starve the others")

	assert.NoError(t, MultiTap().Publish(context.Background(), records))
}
