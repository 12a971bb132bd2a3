package shmsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Source is a reader endpoint. Any number of sources may attach to one
// sink; each one holds its own place in the barrier and its own view
// of the last-seen sequence number.
//
// A Source is not safe for concurrent use; it belongs to the single
// consuming task.
type Source[T any] struct {
	*endpoint
	codec Codec[T]

	name      string
	touched   bool
	connected bool
	desc      Descriptor

	lastSeen uint64
	cycleSeq uint64
	inCycle  bool
}

// NewSource builds an unattached source for the payload kind handled
// by codec.
func NewSource[T any](codec Codec[T], opts ...Option) (*Source[T], error) {
	ep, err := newEndpoint(opts)
	if err != nil {
		return nil, err
	}
	return &Source[T]{endpoint: ep, codec: codec}, nil
}

// Touch pre-registers intent to attach to the named channel, creating
// the control segment when it does not exist yet. A sink binding the
// name will not start publishing before this source completed Connect.
// Must precede Connect.
func (s *Source[T]) Touch(name string) error {
	if s.touched || s.connected {
		return fmt.Errorf("%w: already touched %q", ErrInvalidCfg, s.name)
	}
	ch, err := openChannel(s.cfg.registry, name)
	if err != nil {
		return err
	}
	ch.node.touchReader()
	s.ch = ch
	s.name = name
	s.touched = true
	return nil
}

// Connect performs the rendezvous with the sink: it blocks until a
// sink has bound the channel and published its descriptor, then joins
// the barrier. When no sink shows up within the configured window the
// attempt fails with an error wrapping ErrNotFound; this is recoverable
// and Connect may be called again.
func (s *Source[T]) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}
	if !s.touched {
		return ErrNotTouched
	}

	nd := s.node()
	start := time.Now()
	deadline := start.Add(s.cfg.connectTimeout)
	for !nd.ready() {
		if err := ctx.Err(); err != nil {
			s.incr(MetricShmConnectErrorCount, LabelChannel.M(s.name))
			return err
		}
		if time.Now().After(deadline) {
			s.incr(MetricShmConnectErrorCount, LabelChannel.M(s.name))
			return ConnectTimeout(s.name, time.Since(start))
		}
		time.Sleep(s.cfg.connectPoll)
	}

	desc := decodeDescriptor(nd.descriptorBytes())
	if err := desc.validate(); err != nil {
		s.incr(MetricShmConnectErrorCount, LabelChannel.M(s.name))
		return fmt.Errorf("channel %q: %w", s.name, err)
	}
	if want := s.codec.Kind(); desc.Kind != want {
		s.incr(MetricShmConnectErrorCount, LabelChannel.M(s.name))
		return fmt.Errorf("%w: channel %q carries %s, codec handles %s",
			ErrKindMismatch, s.name, desc.Kind, want)
	}
	if want := s.cfg.expectedPeriod; want > 0 && !desc.RateMatches(Descriptor{SamplePeriod: want}) {
		s.logger.Warn("sample period differs from expected",
			LabelChannel.L(s.name),
			slog.Duration("declared", desc.SamplePeriod),
			slog.Duration("expected", want),
		)
	}
	if err := s.ch.mapData(nd.capacity()); err != nil {
		s.incr(MetricShmConnectErrorCount, LabelChannel.M(s.name))
		return err
	}

	s.lastSeen = nd.attachReader()
	s.desc = desc
	s.connected = true
	s.touched = false

	s.incr(MetricShmConnectCount, LabelChannel.M(s.name))
	s.logger.Debug("source connected",
		LabelChannel.L(s.name),
		LabelKind.L(desc.Kind.String()),
		LabelSequence.L(s.lastSeen),
	)
	return nil
}

// Parameters returns the descriptor the sink declared. Only available
// after Connect.
func (s *Source[T]) Parameters() (Descriptor, error) {
	if !s.connected {
		return Descriptor{}, ErrNotConnected
	}
	return s.desc, nil
}

// Wait blocks until the sink publishes a sequence this source has not
// seen. Returns ErrEndOfStream once the sink shut the node down, even
// when a payload this source never observed is still in the region.
func (s *Source[T]) Wait(ctx context.Context) error {
	if !s.connected {
		return ErrNotConnected
	}
	seq, err := s.node().sourceWait(ctx, s.cfg.waitPoll, s.lastSeen)
	if err != nil {
		return err
	}
	s.cycleSeq = seq
	s.inCycle = true
	return nil
}

// Post releases this source's slot in the current cycle; the last
// source to post hands the turn back to the sink. Must follow a Wait
// that returned data.
func (s *Source[T]) Post() error {
	if !s.connected {
		return ErrNotConnected
	}
	if !s.inCycle {
		return ErrOutsideCycle
	}
	s.inCycle = false
	s.lastSeen = s.cycleSeq
	s.node().sourcePost()
	return nil
}

// Clone deep-copies the current payload out of shared memory. Valid
// only between Wait and Post; the returned value is self-contained.
func (s *Source[T]) Clone() (T, error) {
	var v T
	err := s.CopyInto(&v)
	return v, err
}

// CopyInto is the allocation-free variant of Clone, reusing dest's
// storage where the codec can.
func (s *Source[T]) CopyInto(dest *T) error {
	if !s.connected {
		return ErrNotConnected
	}
	if !s.inCycle {
		return ErrOutsideCycle
	}
	src := s.ch.payload()[:s.desc.TotalBytes]
	if err := s.codec.Unmarshal(src, s.desc, dest); err != nil {
		return err
	}
	s.incr(MetricShmCloneCount, LabelChannel.M(s.name))
	return nil
}

// Sequence returns the publish counter of the payload observed in the
// current or most recent cycle.
func (s *Source[T]) Sequence() uint64 {
	if s.inCycle {
		return s.cycleSeq
	}
	return s.lastSeen
}

// Close detaches from the channel. A source counted in an unfinished
// cycle is released from the barrier so the sink cannot starve on a
// departed reader. Idempotent.
func (s *Source[T]) Close() error {
	switch {
	case s.connected:
		s.connected = false
		s.inCycle = false
		s.node().detachReader()
		return s.ch.close(false)
	case s.touched:
		s.touched = false
		s.node().untouchReader()
		return s.ch.close(false)
	default:
		return nil
	}
}
