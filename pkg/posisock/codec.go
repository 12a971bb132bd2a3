package posisock

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shmsync/shmsync"
)

// Codec turns positions into self-contained datagrams and back.
// Every encoded record must fit in a single UDP payload.
type Codec interface {
	Encode(dst []byte, p shmsync.Position) ([]byte, error)
	Decode(src []byte, p *shmsync.Position) error
}

// JSONCodec emits one JSON object per datagram. The layout keeps the
// optional fields as pointers so absent samples decode as invalid
// rather than as zero coordinates.
type JSONCodec struct{}

type jsonPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type jsonRecord struct {
	Label    string     `json:"label,omitempty"`
	Sample   uint64     `json:"sample"`
	Coord    string     `json:"coord"`
	Position *jsonPoint `json:"position,omitempty"`
	Velocity *jsonPoint `json:"velocity,omitempty"`
	Heading  *jsonPoint `json:"heading,omitempty"`
}

func coordString(c shmsync.CoordSystem) string {
	if c == shmsync.CoordWorld {
		return "world"
	}
	return "pixels"
}

func coordFromString(s string) (shmsync.CoordSystem, error) {
	switch s {
	case "world":
		return shmsync.CoordWorld, nil
	case "pixels", "":
		return shmsync.CoordPixels, nil
	}
	return 0, fmt.Errorf("posisock: unknown coordinate system %q", s)
}

func (JSONCodec) Encode(dst []byte, p shmsync.Position) ([]byte, error) {
	rec := jsonRecord{
		Label:  p.Label,
		Sample: p.Sample,
		Coord:  coordString(p.Coord),
	}
	if p.PositionValid {
		rec.Position = &jsonPoint{p.Position.X, p.Position.Y}
	}
	if p.VelocityValid {
		rec.Velocity = &jsonPoint{p.Velocity.X, p.Velocity.Y}
	}
	if p.HeadingValid {
		rec.Heading = &jsonPoint{p.Heading.X, p.Heading.Y}
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(dst, buf...), nil
}

func (JSONCodec) Decode(src []byte, p *shmsync.Position) error {
	var rec jsonRecord
	if err := json.Unmarshal(src, &rec); err != nil {
		return err
	}
	coord, err := coordFromString(rec.Coord)
	if err != nil {
		return err
	}
	*p = shmsync.Position{
		Label:  rec.Label,
		Sample: rec.Sample,
		Coord:  coord,
	}
	if rec.Position != nil {
		p.PositionValid = true
		p.Position = shmsync.Point2{X: rec.Position.X, Y: rec.Position.Y}
	}
	if rec.Velocity != nil {
		p.VelocityValid = true
		p.Velocity = shmsync.Point2{X: rec.Velocity.X, Y: rec.Velocity.Y}
	}
	if rec.Heading != nil {
		p.HeadingValid = true
		p.Heading = shmsync.Point2{X: rec.Heading.X, Y: rec.Heading.Y}
	}
	return nil
}

// Field numbers of the wire layout. Optional point fields carry
// presence: a component written on the wire marks the sample valid.
const (
	wireLabel     = 1
	wireSample    = 2
	wireCoord     = 3
	wirePositionX = 4
	wirePositionY = 5
	wireVelocityX = 6
	wireVelocityY = 7
	wireHeadingX  = 8
	wireHeadingY  = 9
)

// WireCodec packs positions with protobuf wire primitives. It is the
// compact choice for high-rate streams where JSON overhead shows up.
type WireCodec struct{}

func appendPoint(dst []byte, fx, fy protowire.Number, pt shmsync.Point2) []byte {
	dst = protowire.AppendTag(dst, fx, protowire.Fixed64Type)
	dst = protowire.AppendFixed64(dst, math.Float64bits(pt.X))
	dst = protowire.AppendTag(dst, fy, protowire.Fixed64Type)
	dst = protowire.AppendFixed64(dst, math.Float64bits(pt.Y))
	return dst
}

func (WireCodec) Encode(dst []byte, p shmsync.Position) ([]byte, error) {
	if p.Label != "" {
		dst = protowire.AppendTag(dst, wireLabel, protowire.BytesType)
		dst = protowire.AppendString(dst, p.Label)
	}
	dst = protowire.AppendTag(dst, wireSample, protowire.VarintType)
	dst = protowire.AppendVarint(dst, p.Sample)
	dst = protowire.AppendTag(dst, wireCoord, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(p.Coord))
	if p.PositionValid {
		dst = appendPoint(dst, wirePositionX, wirePositionY, p.Position)
	}
	if p.VelocityValid {
		dst = appendPoint(dst, wireVelocityX, wireVelocityY, p.Velocity)
	}
	if p.HeadingValid {
		dst = appendPoint(dst, wireHeadingX, wireHeadingY, p.Heading)
	}
	return dst, nil
}

func (WireCodec) Decode(src []byte, p *shmsync.Position) error {
	*p = shmsync.Position{}
	for len(src) > 0 {
		num, typ, n := protowire.ConsumeTag(src)
		if n < 0 {
			return protowire.ParseError(n)
		}
		src = src[n:]
		switch typ {
		case protowire.BytesType:
			s, n := protowire.ConsumeString(src)
			if n < 0 {
				return protowire.ParseError(n)
			}
			src = src[n:]
			if num == wireLabel {
				p.Label = s
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(src)
			if n < 0 {
				return protowire.ParseError(n)
			}
			src = src[n:]
			switch num {
			case wireSample:
				p.Sample = v
			case wireCoord:
				p.Coord = shmsync.CoordSystem(v)
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(src)
			if n < 0 {
				return protowire.ParseError(n)
			}
			src = src[n:]
			f := math.Float64frombits(v)
			switch num {
			case wirePositionX:
				p.PositionValid = true
				p.Position.X = f
			case wirePositionY:
				p.PositionValid = true
				p.Position.Y = f
			case wireVelocityX:
				p.VelocityValid = true
				p.Velocity.X = f
			case wireVelocityY:
				p.VelocityValid = true
				p.Velocity.Y = f
			case wireHeadingX:
				p.HeadingValid = true
				p.Heading.X = f
			case wireHeadingY:
				p.HeadingValid = true
				p.Heading.Y = f
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, src)
			if n < 0 {
				return protowire.ParseError(n)
			}
			src = src[n:]
		}
	}
	return nil
}
