package shmsync

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// endpoint carries the state shared between the two endpoint roles: a
// resolved configuration, a logger, a metric sink and, once attached,
// the channel itself.
type endpoint struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	ch     *channel
}

func newEndpoint(opts []Option) (*endpoint, error) {
	cfg := defaultOptions()
	if err := cfg.apply(opts); err != nil {
		return nil, err
	}
	return &endpoint{
		cfg:    cfg,
		logger: cfg.logger(),
		msink:  cfg.sink(),
	}, nil
}

func (e *endpoint) incr(name []string, extra ...metrics.Label) {
	e.add(name, 1, extra...)
}

func (e *endpoint) add(name []string, val float32, extra ...metrics.Label) {
	labels := e.cfg.metricLabels
	if len(extra) > 0 {
		labels = append(append([]metrics.Label{}, labels...), extra...)
	}
	e.msink.IncrCounterWithLabels(name, val, labels)
}

func (e *endpoint) sample(name []string, val float32) {
	e.msink.AddSampleWithLabels(name, val, e.cfg.metricLabels)
}

func (e *endpoint) node() *node {
	return e.ch.node
}
