package shmsync

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Kind tags the payload family carried by a node. Readers refuse to
// connect a typed endpoint to a channel carrying a different kind.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindBytes
	KindFrame
	KindPosition
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindFrame:
		return "frame"
	case KindPosition:
		return "position"
	default:
		return "unknown"
	}
}

// PixelFormat tags the color layout of a frame payload.
type PixelFormat uint32

const (
	PixelUnknown PixelFormat = iota
	PixelGray8
	PixelBGR24
	PixelRGBA32
)

func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelGray8:
		return 1
	case PixelBGR24:
		return 3
	case PixelRGBA32:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case PixelGray8:
		return "gray8"
	case PixelBGR24:
		return "bgr24"
	case PixelRGBA32:
		return "rgba32"
	default:
		return "unknown"
	}
}

// Descriptor is the payload metadata exchanged at connect time. It is
// declared by the sink before the first publish and stable for the
// lifetime of the node.
type Descriptor struct {
	Kind      Kind
	Width     int32
	Height    int32
	ElemBytes int32
	Format    PixelFormat

	// TotalBytes is the exact size of one payload in the shared
	// region. Views and clones are bounded by it.
	TotalBytes uint64

	// SamplePeriod is the nominal interval between publishes, used
	// for rate-consistency checks downstream. Zero means unknown.
	SamplePeriod time.Duration

	// StartSample numbers the first publish of this node.
	StartSample uint64
}

func (d Descriptor) validate() error {
	if d.Kind == KindUnknown {
		return fmt.Errorf("%w: descriptor kind is unknown", ErrInvalidCfg)
	}
	if d.TotalBytes == 0 {
		return fmt.Errorf("%w: descriptor payload size is zero", ErrInvalidCfg)
	}
	return nil
}

// SampleRate returns publishes per second, or 0 when the period is
// unknown.
func (d Descriptor) SampleRate() float64 {
	if d.SamplePeriod <= 0 {
		return 0
	}
	return float64(time.Second) / float64(d.SamplePeriod)
}

// RateMatches reports whether two descriptors agree on their sample
// period. A mismatch is tolerated by the pipeline but worth a warning.
func (d Descriptor) RateMatches(other Descriptor) bool {
	return d.SamplePeriod == other.SamplePeriod
}

// Fixed little-endian layout inside the control page descriptor block.
func (d Descriptor) encode() (enc [descSize]byte) {
	le := binary.LittleEndian
	le.PutUint32(enc[0:], uint32(d.Kind))
	le.PutUint32(enc[4:], uint32(d.Format))
	le.PutUint32(enc[8:], uint32(d.Width))
	le.PutUint32(enc[12:], uint32(d.Height))
	le.PutUint32(enc[16:], uint32(d.ElemBytes))
	le.PutUint64(enc[24:], d.TotalBytes)
	le.PutUint64(enc[32:], uint64(d.SamplePeriod.Nanoseconds()))
	le.PutUint64(enc[40:], d.StartSample)
	return enc
}

func decodeDescriptor(enc [descSize]byte) Descriptor {
	le := binary.LittleEndian
	return Descriptor{
		Kind:         Kind(le.Uint32(enc[0:])),
		Format:       PixelFormat(le.Uint32(enc[4:])),
		Width:        int32(le.Uint32(enc[8:])),
		Height:       int32(le.Uint32(enc[12:])),
		ElemBytes:    int32(le.Uint32(enc[16:])),
		TotalBytes:   le.Uint64(enc[24:]),
		SamplePeriod: time.Duration(le.Uint64(enc[32:])),
		StartSample:  le.Uint64(enc[40:]),
	}
}

// Codec binds a payload type to its descriptor encoding and its layout
// in the shared region. Marshal and Unmarshal run inside the barrier's
// critical section and must not block.
type Codec[T any] interface {
	// Kind names the payload family this codec handles. Connect
	// compares it against the channel's declared kind.
	Kind() Kind

	// Describe derives the descriptor a sink declares for payloads
	// shaped like v.
	Describe(v T) (Descriptor, error)

	// Marshal copies v into dst, which is exactly d.TotalBytes long.
	Marshal(dst []byte, d Descriptor, v T) error

	// Unmarshal copies the shared bytes into v, reusing v's storage
	// where possible.
	Unmarshal(src []byte, d Descriptor, v *T) error
}

// BytesCodec moves opaque byte slices. The payload size is fixed by
// the first slice described.
type BytesCodec struct{}

func (BytesCodec) Kind() Kind {
	return KindBytes
}

func (BytesCodec) Describe(v []byte) (Descriptor, error) {
	if len(v) == 0 {
		return Descriptor{}, fmt.Errorf("%w: empty payload", ErrInvalidCfg)
	}
	return Descriptor{
		Kind:       KindBytes,
		ElemBytes:  1,
		TotalBytes: uint64(len(v)),
	}, nil
}

func (BytesCodec) Marshal(dst []byte, d Descriptor, v []byte) error {
	if uint64(len(v)) != d.TotalBytes {
		return fmt.Errorf("%w: got %d bytes, descriptor says %d", ErrDescriptorShape, len(v), d.TotalBytes)
	}
	copy(dst, v)
	return nil
}

func (BytesCodec) Unmarshal(src []byte, d Descriptor, v *[]byte) error {
	if uint64(cap(*v)) < d.TotalBytes {
		*v = make([]byte, d.TotalBytes)
	}
	*v = (*v)[:d.TotalBytes]
	copy(*v, src)
	return nil
}
