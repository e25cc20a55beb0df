package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the sampling period when none is configured
const DefaultInterval = 5 * time.Second

// Sampler produces raw statistics for the active session
type Sampler interface {
	Sample(ctx context.Context) (RawStats, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) (RawStats, error)

// Sample calls f
func (f SamplerFunc) Sample(ctx context.Context) (RawStats, error) { return f(ctx) }

// CollectorConfig configures a Collector
type CollectorConfig struct {
	Interval time.Duration
	// OnSample is called from the collector goroutine after each sample
	OnSample func(CallMetrics)
	Logger   *slog.Logger
}

// Collector samples a Sampler on a fixed interval and keeps the latest
// normalized snapshot
type Collector struct {
	sampler  Sampler
	interval time.Duration
	onSample func(CallMetrics)
	logger   *slog.Logger

	// inCallback is set while OnSample runs so Stop can be called from it
	inCallback atomic.Bool

	mu      sync.Mutex
	latest  CallMetrics
	prev    *RawStats
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewCollector creates a collector; Start begins sampling
func NewCollector(sampler Sampler, cfg CollectorConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{
		sampler:  sampler,
		interval: cfg.Interval,
		onSample: cfg.OnSample,
		logger:   cfg.Logger,
		latest:   Empty(),
	}
}

// Start launches the sampling goroutine. Calling Start on a running or
// stopped collector does nothing.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil || c.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
}

// loop samples on every tick until ctx is cancelled
func (c *Collector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := c.SampleNow(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("metrics sample failed", "error", err)
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if c.onSample != nil {
				c.inCallback.Store(true)
				c.onSample(m)
				c.inCallback.Store(false)
			}
		}
	}
}

// SampleNow takes one sample immediately and stores it as the latest
func (c *Collector) SampleNow(ctx context.Context) (CallMetrics, error) {
	raw, err := c.sampler.Sample(ctx)
	if err != nil {
		return CallMetrics{}, err
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := Normalize(c.prev, raw)
	c.prev = &raw
	c.latest = m
	return m.Clone(), nil
}

// Latest returns the most recent snapshot
func (c *Collector) Latest() CallMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest.Clone()
}

// Running reports whether the sampling goroutine is active
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Stop cancels sampling and waits for the goroutine to exit. Safe to call
// more than once, and from OnSample, in which case it does not wait.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.stopped = true
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if c.inCallback.Load() {
		return
	}
	<-done
}
