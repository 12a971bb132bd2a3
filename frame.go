package shmsync

import "fmt"

// Frame is one video frame, self-contained once cloned out of shared
// memory. Pixels are row-major with no padding between rows.
type Frame struct {
	Pixels []byte
	Width  int
	Height int
	Format PixelFormat
}

// Stride returns the byte length of one pixel row.
func (f Frame) Stride() int {
	return f.Width * f.Format.BytesPerPixel()
}

// Size returns the total pixel byte count implied by the shape.
func (f Frame) Size() int {
	return f.Stride() * f.Height
}

// Clone deep-copies the frame.
func (f Frame) Clone() Frame {
	out := f
	out.Pixels = make([]byte, len(f.Pixels))
	copy(out.Pixels, f.Pixels)
	return out
}

// FrameCodec lays frames out as raw pixels; all shape information
// travels in the descriptor.
type FrameCodec struct{}

func (FrameCodec) Kind() Kind {
	return KindFrame
}

func (FrameCodec) Describe(v Frame) (Descriptor, error) {
	bpp := v.Format.BytesPerPixel()
	if bpp == 0 {
		return Descriptor{}, fmt.Errorf("%w: pixel format is unknown", ErrInvalidCfg)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return Descriptor{}, fmt.Errorf("%w: frame is %dx%d", ErrInvalidCfg, v.Width, v.Height)
	}
	return Descriptor{
		Kind:       KindFrame,
		Width:      int32(v.Width),
		Height:     int32(v.Height),
		ElemBytes:  int32(bpp),
		Format:     v.Format,
		TotalBytes: uint64(v.Size()),
	}, nil
}

func (FrameCodec) Marshal(dst []byte, d Descriptor, v Frame) error {
	if int32(v.Width) != d.Width || int32(v.Height) != d.Height || v.Format != d.Format {
		return fmt.Errorf("%w: frame %dx%d/%s, descriptor %dx%d/%s",
			ErrDescriptorShape, v.Width, v.Height, v.Format, d.Width, d.Height, d.Format)
	}
	if uint64(len(v.Pixels)) != d.TotalBytes {
		return fmt.Errorf("%w: %d pixel bytes, descriptor says %d", ErrDescriptorShape, len(v.Pixels), d.TotalBytes)
	}
	copy(dst, v.Pixels)
	return nil
}

func (FrameCodec) Unmarshal(src []byte, d Descriptor, v *Frame) error {
	if uint64(cap(v.Pixels)) < d.TotalBytes {
		v.Pixels = make([]byte, d.TotalBytes)
	}
	v.Pixels = v.Pixels[:d.TotalBytes]
	copy(v.Pixels, src)
	v.Width = int(d.Width)
	v.Height = int(d.Height)
	v.Format = d.Format
	return nil
}
