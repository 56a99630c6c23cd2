package video

import "fmt"

// Format identifies the pixel layout of a Buffer exchanged at the
// backend boundary.
type Format int

const (
	// FormatGrey8 is an 8-bit alpha-only mask (glyph coverage).
	FormatGrey8 Format = iota
	// FormatXRGB8888 is packed little-endian 32-bit XRGB.
	FormatXRGB8888
	// FormatRGB565 is packed little-endian 16-bit RGB.
	FormatRGB565
)

// Bpp returns the bytes per pixel of the format.
func (f Format) Bpp() int {
	switch f {
	case FormatGrey8:
		return 1
	case FormatRGB565:
		return 2
	default:
		return 4
	}
}

func (f Format) String() string {
	switch f {
	case FormatGrey8:
		return "grey8"
	case FormatXRGB8888:
		return "xrgb8888"
	case FormatRGB565:
		return "rgb565"
	default:
		return "unknown"
	}
}

// RGB is an 8-bit-per-channel color.
type RGB struct {
	R, G, B uint8
}

// Rect is a pixel rectangle inside a display or buffer.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Buffer describes raw pixel storage. Stride may exceed
// Width*Format.Bpp(); all operations honor it.
type Buffer struct {
	Width  int
	Height int
	Stride int
	Format Format
	Data   []byte
}

// NewBuffer allocates a tightly packed buffer.
func NewBuffer(format Format, width, height int) *Buffer {
	stride := width * format.Bpp()
	return &Buffer{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Data:   make([]byte, stride*height),
	}
}

func (b *Buffer) valid() error {
	if b == nil || b.Data == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalid)
	}
	if b.Stride < b.Width*b.Format.Bpp() {
		return fmt.Errorf("%w: stride %d below row size", ErrInvalid, b.Stride)
	}
	return nil
}

// clip intersects (x, y, src.Width, src.Height) with dst bounds,
// returning the destination origin, source origin and copy size.
func clip(dst *Buffer, x, y, w, h int) (dx, dy, sx, sy, cw, ch int) {
	dx, dy = x, y
	if dx < 0 {
		sx = -dx
		w += dx
		dx = 0
	}
	if dy < 0 {
		sy = -dy
		h += dy
		dy = 0
	}
	if dx+w > dst.Width {
		w = dst.Width - dx
	}
	if dy+h > dst.Height {
		h = dst.Height - dy
	}
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return dx, dy, sx, sy, w, h
}

// fillXRGB paints a rectangle of the XRGB destination.
func fillXRGB(dst *Buffer, c RGB, r Rect) error {
	if err := dst.valid(); err != nil {
		return err
	}
	dx, dy, _, _, w, h := clip(dst, r.X, r.Y, r.Width, r.Height)
	for row := 0; row < h; row++ {
		line := dst.Data[(dy+row)*dst.Stride+dx*4:]
		for col := 0; col < w; col++ {
			line[col*4+0] = c.B
			line[col*4+1] = c.G
			line[col*4+2] = c.R
			line[col*4+3] = 0
		}
	}
	return nil
}

// blitXRGB copies src into the XRGB destination at (x, y), converting
// from the source format.
func blitXRGB(dst, src *Buffer, x, y int) error {
	if err := dst.valid(); err != nil {
		return err
	}
	if err := src.valid(); err != nil {
		return err
	}
	dx, dy, sx, sy, w, h := clip(dst, x, y, src.Width, src.Height)
	bpp := src.Format.Bpp()
	for row := 0; row < h; row++ {
		dline := dst.Data[(dy+row)*dst.Stride+dx*4:]
		sline := src.Data[(sy+row)*src.Stride+sx*bpp:]
		switch src.Format {
		case FormatXRGB8888:
			copy(dline[:w*4], sline[:w*4])
		case FormatRGB565:
			for col := 0; col < w; col++ {
				v := uint16(sline[col*2]) | uint16(sline[col*2+1])<<8
				dline[col*4+0] = uint8(v<<3) & 0xf8
				dline[col*4+1] = uint8(v>>3) & 0xfc
				dline[col*4+2] = uint8(v>>8) & 0xf8
				dline[col*4+3] = 0
			}
		case FormatGrey8:
			for col := 0; col < w; col++ {
				g := sline[col]
				dline[col*4+0] = g
				dline[col*4+1] = g
				dline[col*4+2] = g
				dline[col*4+3] = 0
			}
		}
	}
	return nil
}

// blendXRGB paints the foreground color through an 8-bit coverage mask
// over the background color, the fallback composite for glyph masks.
func blendXRGB(dst, mask *Buffer, x, y int, fg, bg RGB) error {
	if err := dst.valid(); err != nil {
		return err
	}
	if err := mask.valid(); err != nil {
		return err
	}
	if mask.Format != FormatGrey8 {
		return fmt.Errorf("%w: blend mask must be grey8, got %s", ErrInvalid, mask.Format)
	}
	dx, dy, sx, sy, w, h := clip(dst, x, y, mask.Width, mask.Height)
	for row := 0; row < h; row++ {
		dline := dst.Data[(dy+row)*dst.Stride+dx*4:]
		sline := mask.Data[(sy+row)*mask.Stride+sx:]
		for col := 0; col < w; col++ {
			a := uint32(sline[col])
			na := 255 - a
			dline[col*4+0] = uint8((uint32(fg.B)*a + uint32(bg.B)*na) / 255)
			dline[col*4+1] = uint8((uint32(fg.G)*a + uint32(bg.G)*na) / 255)
			dline[col*4+2] = uint8((uint32(fg.R)*a + uint32(bg.R)*na) / 255)
			dline[col*4+3] = 0
		}
	}
	return nil
}

// repackTight copies a buffer into a tightly packed copy. Used where
// the GL upload path cannot express a row length.
func repackTight(src *Buffer) *Buffer {
	bpp := src.Format.Bpp()
	if src.Stride == src.Width*bpp {
		return src
	}
	out := NewBuffer(src.Format, src.Width, src.Height)
	for row := 0; row < src.Height; row++ {
		copy(out.Data[row*out.Stride:(row+1)*out.Stride],
			src.Data[row*src.Stride:row*src.Stride+out.Stride])
	}
	return out
}
