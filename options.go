package shmsync

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultConnectPoll    = 2 * time.Millisecond
	defaultWaitPoll       = 50 * time.Millisecond
	defaultQueueDepth     = 64
	defaultDrainInterval  = 10 * time.Millisecond
)

type config struct {
	registry     *Registry
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label

	connectTimeout time.Duration
	connectPoll    time.Duration

	// waitPoll bounds how long a blocked wait sleeps before it re-checks
	// its context; the futex wake path does not depend on it.
	waitPoll time.Duration

	queueDepth    int
	drainInterval time.Duration

	expectedPeriod time.Duration
}

// Option to pass to NewSink, NewSource and NewBuffer.
type Option func(*config) error

func defaultOptions() config {
	return config{
		registry:       DefaultRegistry(),
		connectTimeout: defaultConnectTimeout,
		connectPoll:    defaultConnectPoll,
		waitPoll:       defaultWaitPoll,
		queueDepth:     defaultQueueDepth,
		drainInterval:  defaultDrainInterval,
	}
}

func (c *config) apply(opts []Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func (c *config) sink() metrics.MetricSink {
	if c.metricSink == nil {
		return &metrics.BlackholeSink{}
	}
	return c.metricSink
}

// WithRegistry specifies which Registry resolves channel names to
// shared memory segments. Endpoints that must rendezvous have to share
// the same registry directory and namespace.
func WithRegistry(reg *Registry) Option {
	return func(c *config) error {
		if reg == nil {
			return ErrInvalidCfg
		}
		c.registry = reg
		return nil
	}
}

// WithLog specifies which slog.Handler to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink specifies where metrics are emitted. The default
// discards them.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) error {
		c.metricSink = sink
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by an
// endpoint.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithConnectTimeout bounds the retry window of Source.Connect. Once it
// elapses without a sink binding the channel, Connect reports
// ErrNotFound instead of blocking forever.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return ErrInvalidCfg
		}
		c.connectTimeout = d
		return nil
	}
}

// WithQueueDepth fixes the capacity of a buffer's bounded queue.
// Payloads arriving while the queue is full are dropped and counted as
// overruns.
func WithQueueDepth(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return ErrInvalidCfg
		}
		c.queueDepth = n
		return nil
	}
}

// WithExpectedPeriod declares the sample period the consumer expects
// upstream. A source connecting to a sink that declared a different
// period logs a warning; the mismatch is tolerated, not fatal, since
// aperiodic stages are legitimate.
func WithExpectedPeriod(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return ErrInvalidCfg
		}
		c.expectedPeriod = d
		return nil
	}
}

// WithDrainInterval adjusts how often a buffer's drain task wakes to
// check its queue and shutdown flag.
func WithDrainInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return ErrInvalidCfg
		}
		c.drainInterval = d
		return nil
	}
}
