package shmsync

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CoordSystem tags the unit of measure of a position record.
type CoordSystem uint32

const (
	// CoordPixels is the default: image-plane coordinates.
	CoordPixels CoordSystem = iota
	// CoordWorld means the record was transformed to world units
	// upstream.
	CoordWorld
)

func (c CoordSystem) String() string {
	switch c {
	case CoordPixels:
		return "pixels"
	case CoordWorld:
		return "world"
	default:
		return "unknown"
	}
}

// Point2 is a 2-D vector.
type Point2 struct {
	X float64
	Y float64
}

// Position is one pose record for a tracked object. Each component
// carries its own validity flag because detectors routinely lose one
// measurement while keeping another.
type Position struct {
	// Label identifies the tracked object. At most 31 bytes survive
	// the trip through shared memory.
	Label string

	Sample uint64
	Coord  CoordSystem

	PositionValid bool
	Position      Point2

	VelocityValid bool
	Velocity      Point2

	HeadingValid bool
	Heading      Point2
}

const (
	// PositionLabelBytes bounds the label field, terminator included.
	PositionLabelBytes = 32
	// PositionWireBytes is the fixed size of an encoded record:
	// label + sample + coord + flags + three vectors.
	PositionWireBytes = PositionLabelBytes + 8 + 4 + 4 + 3*16
)

const (
	posFlagPosition = 1 << iota
	posFlagVelocity
	posFlagHeading
)

// PositionCodec lays position records out with a fixed little-endian
// layout so any attached process decodes them without negotiation.
type PositionCodec struct{}

func (PositionCodec) Kind() Kind {
	return KindPosition
}

func (PositionCodec) Describe(v Position) (Descriptor, error) {
	if len(v.Label) >= PositionLabelBytes {
		return Descriptor{}, fmt.Errorf("%w: label %q longer than %d bytes", ErrInvalidCfg, v.Label, PositionLabelBytes-1)
	}
	return Descriptor{
		Kind:       KindPosition,
		ElemBytes:  PositionWireBytes,
		TotalBytes: PositionWireBytes,
	}, nil
}

func (PositionCodec) Marshal(dst []byte, d Descriptor, v Position) error {
	if d.TotalBytes != PositionWireBytes || len(dst) < PositionWireBytes {
		return fmt.Errorf("%w: position record needs %d bytes", ErrDescriptorShape, PositionWireBytes)
	}
	if len(v.Label) >= PositionLabelBytes {
		return fmt.Errorf("%w: label %q longer than %d bytes", ErrDescriptorShape, v.Label, PositionLabelBytes-1)
	}

	le := binary.LittleEndian
	for i := 0; i < PositionLabelBytes; i++ {
		dst[i] = 0
	}
	copy(dst, v.Label)

	le.PutUint64(dst[32:], v.Sample)
	le.PutUint32(dst[40:], uint32(v.Coord))

	var flags uint32
	if v.PositionValid {
		flags |= posFlagPosition
	}
	if v.VelocityValid {
		flags |= posFlagVelocity
	}
	if v.HeadingValid {
		flags |= posFlagHeading
	}
	le.PutUint32(dst[44:], flags)

	putPoint2(dst[48:], v.Position)
	putPoint2(dst[64:], v.Velocity)
	putPoint2(dst[80:], v.Heading)
	return nil
}

func (PositionCodec) Unmarshal(src []byte, d Descriptor, v *Position) error {
	if d.TotalBytes != PositionWireBytes || len(src) < PositionWireBytes {
		return fmt.Errorf("%w: position record needs %d bytes", ErrDescriptorShape, PositionWireBytes)
	}

	le := binary.LittleEndian
	end := 0
	for end < PositionLabelBytes && src[end] != 0 {
		end++
	}
	v.Label = string(src[:end])

	v.Sample = le.Uint64(src[32:])
	v.Coord = CoordSystem(le.Uint32(src[40:]))

	flags := le.Uint32(src[44:])
	v.PositionValid = flags&posFlagPosition != 0
	v.VelocityValid = flags&posFlagVelocity != 0
	v.HeadingValid = flags&posFlagHeading != 0

	v.Position = getPoint2(src[48:])
	v.Velocity = getPoint2(src[64:])
	v.Heading = getPoint2(src[80:])
	return nil
}

func putPoint2(dst []byte, p Point2) {
	le := binary.LittleEndian
	le.PutUint64(dst[0:], math.Float64bits(p.X))
	le.PutUint64(dst[8:], math.Float64bits(p.Y))
}

func getPoint2(src []byte) Point2 {
	le := binary.LittleEndian
	return Point2{
		X: math.Float64frombits(le.Uint64(src[0:])),
		Y: math.Float64frombits(le.Uint64(src[8:])),
	}
}
