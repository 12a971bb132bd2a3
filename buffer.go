package shmsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/shmsync/shmsync/internal/spsc"
)

// Buffer decouples an upstream sink's publish cadence from a slower
// downstream chain. It consumes one channel through a Source, parks
// cloned payloads on a bounded queue, and republishes them through its
// own Sink from a background drain task. A full queue drops the newest
// payload and records an overrun; the upstream barrier is never held
// up by downstream pace.
type Buffer[T any] struct {
	src *Source[T]
	snk *Sink[T]

	srcName string
	snkName string

	codec Codec[T]
	queue *spsc.Queue[T]

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	drainEvery time.Duration
	waitPoll   time.Duration

	running     atomic.Bool
	wg          sync.WaitGroup
	drainCtx    context.Context
	drainCancel context.CancelFunc

	overruns atomic.Uint64
}

// NewBuffer builds a buffer that will read srcName and republish on
// snkName.
func NewBuffer[T any](codec Codec[T], srcName, snkName string, opts ...Option) (*Buffer[T], error) {
	cfg := defaultOptions()
	if err := cfg.apply(opts); err != nil {
		return nil, err
	}

	src, err := NewSource[T](codec, opts...)
	if err != nil {
		return nil, err
	}
	snk, err := NewSink[T](codec, opts...)
	if err != nil {
		return nil, err
	}

	return &Buffer[T]{
		src:        src,
		snk:        snk,
		srcName:    srcName,
		snkName:    snkName,
		codec:      codec,
		queue:      spsc.New[T](cfg.queueDepth),
		logger:     cfg.logger(),
		msink:      cfg.sink(),
		labels:     cfg.metricLabels,
		drainEvery: cfg.drainInterval,
		waitPoll:   cfg.waitPoll,
	}, nil
}

// Connect attaches the upstream source, learns its descriptor, binds
// the downstream sink with a matching capacity, and starts the drain
// task.
func (b *Buffer[T]) Connect(ctx context.Context) error {
	if err := b.src.Touch(b.srcName); err != nil {
		return err
	}
	if err := b.src.Connect(ctx); err != nil {
		return err
	}
	desc, err := b.src.Parameters()
	if err != nil {
		return err
	}

	if err := b.snk.Bind(b.snkName, int(desc.TotalBytes)); err != nil {
		return err
	}
	if err := b.snk.SetDescriptor(desc); err != nil {
		return err
	}

	b.drainCtx, b.drainCancel = context.WithCancel(context.Background())
	b.running.Store(true)
	b.wg.Add(1)
	go b.drain()

	b.logger.Debug("buffer connected",
		LabelChannel.L(b.srcName),
		slog.String("republish", b.snkName),
		LabelKind.L(desc.Kind.String()),
	)
	return nil
}

// Process runs one upstream cycle: wait for a publish, clone it onto
// the queue, release the barrier. A full queue drops the clone and
// counts an overrun; the upstream sink is released either way, and
// promptly. Returns ErrEndOfStream, propagated, when the upstream sink
// has shut down.
func (b *Buffer[T]) Process(ctx context.Context) error {
	if err := b.src.Wait(ctx); err != nil {
		return err
	}

	v, err := b.src.Clone()
	if err != nil {
		b.src.Post()
		return err
	}
	if err := b.src.Post(); err != nil {
		return err
	}

	if !b.queue.Push(v) {
		b.overruns.Add(1)
		b.msink.IncrCounterWithLabels(MetricBufferOverrunCount, 1, b.labels)
		b.logger.Warn("buffer overrun, payload dropped",
			LabelChannel.L(b.srcName),
			LabelSequence.L(b.src.Sequence()),
		)
		return ErrOverrun
	}
	b.msink.AddSampleWithLabels(MetricBufferDepth, float32(b.queue.Len()), b.labels)
	return nil
}

// Run loops Process until end-of-stream or context cancellation.
// Overruns are already reported; they do not stop the loop.
func (b *Buffer[T]) Run(ctx context.Context) error {
	for {
		err := b.Process(ctx)
		switch {
		case err == nil, err == ErrOverrun:
		default:
			return err
		}
	}
}

// drain is the background task republishing queued payloads in FIFO
// order. It wakes on a short bounded interval rather than blocking
// indefinitely, so it observes the shutdown flag promptly.
func (b *Buffer[T]) drain() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.drainEvery)
	defer ticker.Stop()

	ctx := b.drainCtx
	for b.running.Load() {
		<-ticker.C
		for {
			v, ok := b.queue.Pop()
			if !ok {
				break
			}
			if err := b.snk.Wait(ctx); err != nil {
				return
			}
			view, err := b.snk.View()
			if err != nil {
				return
			}
			desc, _ := b.snk.Descriptor()
			if err := b.codec.Marshal(view, desc, v); err != nil {
				b.logger.Warn("buffer republish failed", LabelError.L(err))
				continue
			}
			if err := b.snk.Post(); err != nil {
				return
			}
			b.msink.IncrCounterWithLabels(MetricBufferDrainCount, 1, b.labels)
			if !b.running.Load() {
				return
			}
		}
	}
}

// Overruns returns how many payloads were dropped on a full queue.
func (b *Buffer[T]) Overruns() uint64 {
	return b.overruns.Load()
}

// Close stops the drain task and tears both endpoints down. Payloads
// still queued are discarded, not drained. Idempotent.
func (b *Buffer[T]) Close() error {
	if b.running.Swap(false) {
		b.drainCancel()
		b.wg.Wait()
	}
	err := b.snk.Close()
	if srcErr := b.src.Close(); srcErr != nil && err == nil {
		err = srcErr
	}
	return err
}
