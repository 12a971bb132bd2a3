package shmsync

import (
	"context"
	"fmt"
	"time"
)

// Sink is the unique writer endpoint of a channel. It creates the
// channel, declares the payload descriptor, and publishes one payload
// per wait/post cycle. Destroying the sink ends the stream for every
// attached source.
//
// A Sink is not safe for concurrent use; it belongs to the single
// producing task.
type Sink[T any] struct {
	*endpoint
	codec Codec[T]

	name     string
	capacity uint64
	desc     Descriptor
	descSet  bool
	bound    bool
	inCycle  bool
}

// NewSink builds an unbound sink for the payload kind handled by codec.
func NewSink[T any](codec Codec[T], opts ...Option) (*Sink[T], error) {
	ep, err := newEndpoint(opts)
	if err != nil {
		return nil, err
	}
	return &Sink[T]{endpoint: ep, codec: codec}, nil
}

// Bind creates the named channel with the given payload capacity and
// claims its writer slot. Binding a name another live sink holds fails
// with ErrNameInUse. A bound sink must be closed before it can bind
// again.
func (s *Sink[T]) Bind(name string, capacity int) error {
	if s.bound {
		return ErrAlreadyBound
	}
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidCfg)
	}

	ch, err := openChannel(s.cfg.registry, name)
	if err != nil {
		return err
	}
	if err := ch.node.bindSink(uint64(capacity)); err != nil {
		ch.close(false)
		return fmt.Errorf("%w: %q", err, name)
	}
	if err := ch.growData(uint64(capacity)); err != nil {
		ch.node.setEnd()
		ch.close(true)
		return err
	}

	s.ch = ch
	s.name = name
	s.capacity = uint64(capacity)
	s.bound = true
	s.descSet = false
	s.inCycle = false

	s.incr(MetricShmBindCount, LabelChannel.M(name))
	s.logger.Debug("sink bound channel",
		LabelChannel.L(name),
		LabelCapacity.L(capacity),
	)
	return nil
}

// SetDescriptor declares the shape of every subsequent payload. It
// must be called after Bind and before the first Post; sources block
// in Connect until the descriptor is published.
func (s *Sink[T]) SetDescriptor(d Descriptor) error {
	if !s.bound {
		return ErrNotBound
	}
	if err := d.validate(); err != nil {
		return err
	}
	if d.TotalBytes > s.capacity {
		return fmt.Errorf("%w: descriptor wants %d bytes, channel holds %d", ErrCapacity, d.TotalBytes, s.capacity)
	}
	s.desc = d
	s.descSet = true
	s.node().publishDescriptor(d.encode())
	s.logger.Debug("sink published descriptor",
		LabelChannel.L(s.name),
		LabelKind.L(d.Kind.String()),
	)
	return nil
}

// Descriptor returns the declared descriptor.
func (s *Sink[T]) Descriptor() (Descriptor, error) {
	if !s.descSet {
		return Descriptor{}, ErrNoDescriptor
	}
	return s.desc, nil
}

// Wait blocks until the write turn: all pre-registered sources have
// completed their handshake (first cycle) and every reader posted for
// the previous cycle (steady state). Returns ErrEndOfStream once the
// node has been shut down.
func (s *Sink[T]) Wait(ctx context.Context) error {
	if !s.bound {
		return ErrNotBound
	}
	if !s.descSet {
		return ErrNoDescriptor
	}
	start := time.Now()
	if err := s.node().sinkWait(ctx, s.cfg.waitPoll); err != nil {
		return err
	}
	s.sample(MetricShmWaitNanos, float32(time.Since(start).Nanoseconds()))
	s.inCycle = true
	return nil
}

// View returns the writable payload region, sized by the descriptor.
// Valid only between Wait and Post; writing outside the returned slice
// is impossible by construction.
func (s *Sink[T]) View() ([]byte, error) {
	if !s.bound {
		return nil, ErrNotBound
	}
	if !s.descSet {
		return nil, ErrNoDescriptor
	}
	if !s.inCycle {
		return nil, ErrOutsideCycle
	}
	return s.ch.payload()[:s.desc.TotalBytes], nil
}

// Post publishes the payload written since Wait: flips the turn to the
// readers, bumps the sequence number and wakes every blocked source.
func (s *Sink[T]) Post() error {
	if !s.bound {
		return ErrNotBound
	}
	if !s.inCycle {
		return ErrOutsideCycle
	}
	s.inCycle = false
	seq, readers := s.node().sinkPost()

	s.incr(MetricShmPublishCount, LabelChannel.M(s.name))
	s.add(MetricShmPublishBytes, float32(s.desc.TotalBytes), LabelChannel.M(s.name))
	s.logger.Debug("sink published payload",
		LabelChannel.L(s.name),
		LabelSequence.L(seq),
		LabelReaders.L(readers),
	)
	return nil
}

// Publish is the common cycle in one call: wait for the write turn,
// marshal v into the shared region, post. On the first call it derives
// and declares the descriptor from v when none was set explicitly.
func (s *Sink[T]) Publish(ctx context.Context, v T) error {
	if !s.bound {
		return ErrNotBound
	}
	if !s.descSet {
		d, err := s.codec.Describe(v)
		if err != nil {
			return err
		}
		if err := s.SetDescriptor(d); err != nil {
			return err
		}
	}
	if err := s.Wait(ctx); err != nil {
		return err
	}
	view, err := s.View()
	if err != nil {
		return err
	}
	if err := s.codec.Marshal(view, s.desc, v); err != nil {
		// The cycle stays open; nothing was published. Release the
		// turn so a corrected payload can follow.
		s.inCycle = false
		return err
	}
	return s.Post()
}

// Sequence returns the number of payloads published so far.
func (s *Sink[T]) Sequence() uint64 {
	if !s.bound {
		return 0
	}
	return s.node().sequence()
}

// Close transitions the node to END, waking every blocked party, and
// detaches from the channel requesting its removal. The segment file
// disappears once the last source detaches. Idempotent. A closed sink
// may bind again, to the same or a different name.
func (s *Sink[T]) Close() error {
	if !s.bound {
		return nil
	}
	s.bound = false
	s.inCycle = false

	s.node().setEnd()
	s.incr(MetricShmEndCount, LabelChannel.M(s.name))
	s.logger.Debug("sink ended stream", LabelChannel.L(s.name))
	return s.ch.close(true)
}
