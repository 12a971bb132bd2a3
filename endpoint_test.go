package shmsync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type received[T any] struct {
	vals []T
	seqs []uint64
	err  error
}

// consumeAll drains a connected source until end of stream.
func consumeAll[T any](ctx context.Context, src *Source[T]) received[T] {
	var out received[T]
	for {
		err := src.Wait(ctx)
		if errors.Is(err, ErrEndOfStream) {
			return out
		}
		if err != nil {
			out.err = err
			return out
		}
		v, err := src.Clone()
		if err != nil {
			out.err = err
			return out
		}
		out.vals = append(out.vals, v)
		out.seqs = append(out.seqs, src.Sequence())
		if err := src.Post(); err != nil {
			out.err = err
			return out
		}
	}
}

func TestSingleSourceRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("bytes", 32))

	src, err := NewSource[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, src.Touch("bytes"))

	done := make(chan received[[]byte], 1)
	go func() {
		if err := src.Connect(ctx); err != nil {
			done <- received[[]byte]{err: err}
			return
		}
		defer src.Close()
		done <- consumeAll(ctx, src)
	}()

	payloads := [][]byte{
		[]byte("payload-0"),
		[]byte("payload-1"),
		[]byte("payload-2"),
	}
	for _, p := range payloads {
		require.NoError(t, sink.Publish(ctx, p))
	}
	// Let the reader release the last cycle before ending the stream,
	// otherwise END may overtake an unread payload.
	require.NoError(t, sink.Wait(ctx))
	require.NoError(t, sink.Close())

	got := <-done
	require.NoError(t, got.err)
	require.Len(t, got.vals, len(payloads))
	for i, want := range payloads {
		assert.Equal(t, want, got.vals[i])
		assert.Equal(t, uint64(i+1), got.seqs[i], "sequence numbers count publishes with no gaps")
	}
}

func TestBarrierDeliversToEveryReader(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	const frames = 8
	template := Frame{
		Pixels: make([]byte, 64*64),
		Width:  64,
		Height: 64,
		Format: PixelGray8,
	}

	sink, err := NewSink[Frame](FrameCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("frames", template.Size()))

	// Both readers register before the first publish, so the sink's
	// first cycle waits for their handshake.
	readers := make([]*Source[Frame], 2)
	results := make([]chan received[Frame], 2)
	for i := range readers {
		src, err := NewSource[Frame](FrameCodec{}, WithRegistry(reg))
		require.NoError(t, err)
		require.NoError(t, src.Touch("frames"))
		readers[i] = src
		results[i] = make(chan received[Frame], 1)
	}
	for i, src := range readers {
		i, src := i, src
		go func() {
			if err := src.Connect(ctx); err != nil {
				results[i] <- received[Frame]{err: err}
				return
			}
			defer src.Close()
			results[i] <- consumeAll(ctx, src)
		}()
	}

	frame := template.Clone()
	for i := 0; i < frames; i++ {
		for j := range frame.Pixels {
			frame.Pixels[j] = 7
		}
		frame.Pixels[0] = byte(i)
		require.NoError(t, sink.Publish(ctx, frame))
	}
	require.NoError(t, sink.Wait(ctx))
	require.NoError(t, sink.Close())

	for r, ch := range results {
		got := <-ch
		require.NoError(t, got.err, "reader %d", r)
		require.Len(t, got.vals, frames, "reader %d must observe every publish exactly once", r)
		for i, f := range got.vals {
			assert.Equal(t, uint64(i+1), got.seqs[i], "reader %d", r)
			assert.Equal(t, byte(i), f.Pixels[0])
			assert.Equal(t, bytes.Repeat([]byte{7}, 64*64-1), f.Pixels[1:])
			assert.Equal(t, 64, f.Width)
			assert.Equal(t, 64, f.Height)
		}
	}
}

func TestSinkBlocksUntilEveryReaderPosts(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("turn", 8))
	defer sink.Close()

	src, err := NewSource[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, src.Touch("turn"))

	connected := make(chan error, 1)
	go func() { connected <- src.Connect(ctx) }()
	require.NoError(t, sink.Publish(ctx, []byte("turn-one")))
	require.NoError(t, <-connected)
	defer src.Close()

	require.NoError(t, src.Wait(ctx))

	// The reader holds the slot: the writer must not regain the turn.
	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Wait(short), context.DeadlineExceeded)

	require.NoError(t, src.Post())
	require.NoError(t, sink.Wait(ctx))
}

func TestEndOfStreamWakesBlockedReaders(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("finite", 8))
	require.NoError(t, sink.SetDescriptor(Descriptor{Kind: KindBytes, TotalBytes: 8}))

	src, err := NewSource[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, src.Touch("finite"))
	require.NoError(t, src.Connect(ctx))
	defer src.Close()

	waitErr := make(chan error, 1)
	go func() { waitErr <- src.Wait(ctx) }()

	// Give the reader time to park on the futex word.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sink.Close())

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrEndOfStream)
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken by end of stream")
	}
}

func TestSecondSinkSameName(t *testing.T) {
	reg := testRegistry(t)

	first, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, first.Bind("claimed", 8))
	defer first.Close()

	second, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	assert.ErrorIs(t, second.Bind("claimed", 8), ErrNameInUse)
}

func TestConnectTimesOutWithoutSink(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	src, err := NewSource[[]byte](BytesCodec{},
		WithRegistry(reg), WithConnectTimeout(100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, src.Touch("nobody-home"))
	defer src.Close()

	err = src.Connect(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "nobody-home", cerr.Channel)
}

func TestDescriptorLargerThanCapacity(t *testing.T) {
	reg := testRegistry(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("tight", 8))
	defer sink.Close()

	err = sink.SetDescriptor(Descriptor{Kind: KindBytes, TotalBytes: 9})
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestCycleDiscipline(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)

	_, err = sink.View()
	assert.ErrorIs(t, err, ErrNotBound)
	assert.ErrorIs(t, sink.Wait(ctx), ErrNotBound)

	require.NoError(t, sink.Bind("discipline", 8))
	defer sink.Close()
	assert.ErrorIs(t, sink.Post(), ErrOutsideCycle)

	require.NoError(t, sink.SetDescriptor(Descriptor{Kind: KindBytes, TotalBytes: 8}))
	_, err = sink.View()
	assert.ErrorIs(t, err, ErrOutsideCycle, "the region is writable only inside a cycle")

	src, err := NewSource[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	assert.ErrorIs(t, src.Connect(ctx), ErrNotTouched)
	assert.ErrorIs(t, src.Post(), ErrNotConnected)
}

func TestLateReaderJoinsMidStream(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("rolling", 8))

	require.NoError(t, sink.Publish(ctx, []byte("sample-1")))
	require.NoError(t, sink.Publish(ctx, []byte("sample-2")))

	late, err := NewSource[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, late.Touch("rolling"))
	require.NoError(t, late.Connect(ctx))

	done := make(chan received[[]byte], 1)
	go func() {
		defer late.Close()
		done <- consumeAll(ctx, late)
	}()

	require.NoError(t, sink.Publish(ctx, []byte("sample-3")))
	require.NoError(t, sink.Wait(ctx))
	require.NoError(t, sink.Close())

	got := <-done
	require.NoError(t, got.err)
	// The late reader sees everything published after its attach and
	// nothing from before.
	require.Len(t, got.vals, 1)
	assert.Equal(t, []byte("sample-3"), got.vals[0])
	assert.Equal(t, uint64(3), got.seqs[0])
}

func TestSinkRebindsAfterClose(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("reuse", 8))
	require.NoError(t, sink.Publish(ctx, []byte("first-go")))
	require.NoError(t, sink.Close())

	require.NoError(t, sink.Bind("reuse", 8))
	require.NoError(t, sink.Publish(ctx, []byte("secondgo")))
	assert.Equal(t, uint64(1), sink.Sequence(), "a fresh bind starts a fresh sequence")
	require.NoError(t, sink.Close())
}

func TestConnectRefusesKindMismatch(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[Position](PositionCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("poses", PositionWireBytes))
	d, err := PositionCodec{}.Describe(Position{})
	require.NoError(t, err)
	require.NoError(t, sink.SetDescriptor(d))
	defer sink.Close()

	wrong, err := NewSource[Frame](FrameCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, wrong.Touch("poses"))
	err = wrong.Connect(ctx)
	assert.ErrorIs(t, err, ErrKindMismatch)
	_, err = wrong.Parameters()
	assert.ErrorIs(t, err, ErrNotConnected, "a refused connect must not attach")
	require.NoError(t, wrong.Close())

	right, err := NewSource[Position](PositionCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, right.Touch("poses"))
	require.NoError(t, right.Connect(ctx))
	require.NoError(t, right.Close())
}

type capturingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}

func (h *capturingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *capturingHandler) WithGroup(string) slog.Handler      { return h }

func (h *capturingHandler) has(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestConnectWarnsOnRateMismatch(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("periodic", 8))
	require.NoError(t, sink.SetDescriptor(Descriptor{
		Kind:         KindBytes,
		TotalBytes:   8,
		SamplePeriod: 10 * time.Millisecond,
	}))
	defer sink.Close()

	noisy := &capturingHandler{}
	off, err := NewSource[[]byte](BytesCodec{},
		WithRegistry(reg), WithLog(noisy), WithExpectedPeriod(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, off.Touch("periodic"))
	require.NoError(t, off.Connect(ctx), "a rate mismatch is tolerated, not fatal")
	require.NoError(t, off.Close())
	assert.True(t, noisy.has("sample period differs from expected"))

	quiet := &capturingHandler{}
	on, err := NewSource[[]byte](BytesCodec{},
		WithRegistry(reg), WithLog(quiet), WithExpectedPeriod(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, on.Touch("periodic"))
	require.NoError(t, on.Connect(ctx))
	require.NoError(t, on.Close())
	assert.False(t, quiet.has("sample period differs from expected"))
}

func TestPublishMetricsCarryChannelLabel(t *testing.T) {
	reg := testRegistry(t)
	ctx := testContext(t)

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	sink, err := NewSink[[]byte](BytesCodec{}, WithRegistry(reg), WithMetricSink(inm))
	require.NoError(t, err)
	require.NoError(t, sink.Bind("labelled", 8))
	require.NoError(t, sink.Publish(ctx, []byte("8bytes!!")))
	require.NoError(t, sink.Close())

	found := false
	for _, interval := range inm.Data() {
		for key := range interval.Counters {
			if strings.Contains(key, "sink.publish.bytes") && strings.Contains(key, "channel=labelled") {
				found = true
			}
		}
	}
	assert.True(t, found, "publish bytes must be labelled with the channel name")
}
