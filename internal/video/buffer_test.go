package video

import (
	"bytes"
	"errors"
	"testing"
)

func pixelAt(b *Buffer, x, y int) []byte {
	off := y*b.Stride + x*4
	return b.Data[off : off+4]
}

func TestFillClipsToBounds(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 4, 4)
	if err := fillXRGB(dst, RGB{R: 0xff}, Rect{X: 2, Y: 2, Width: 10, Height: 10}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if got := pixelAt(dst, 1, 1); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Errorf("pixel outside rect painted: %v", got)
	}
	if got := pixelAt(dst, 3, 3); !bytes.Equal(got, []byte{0, 0, 0xff, 0}) {
		t.Errorf("clipped corner = %v, want red", got)
	}
}

func TestFillNegativeOriginClips(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 3, 3)
	if err := fillXRGB(dst, RGB{G: 0xff}, Rect{X: -2, Y: -2, Width: 3, Height: 3}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if got := pixelAt(dst, 0, 0); !bytes.Equal(got, []byte{0, 0xff, 0, 0}) {
		t.Errorf("origin = %v, want green", got)
	}
	if got := pixelAt(dst, 1, 1); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Errorf("pixel outside clipped rect painted: %v", got)
	}
}

func TestFillRejectsBadStride(t *testing.T) {
	dst := &Buffer{Width: 4, Height: 4, Stride: 4, Format: FormatXRGB8888, Data: make([]byte, 64)}
	if err := fillXRGB(dst, RGB{}, Rect{Width: 4, Height: 4}); !errors.Is(err, ErrInvalid) {
		t.Errorf("fill with short stride = %v, want ErrInvalid", err)
	}
}

func TestFillHonorsStridePadding(t *testing.T) {
	// 2 pixels per row, 4 bytes row padding
	dst := &Buffer{Width: 2, Height: 2, Stride: 12, Format: FormatXRGB8888, Data: make([]byte, 24)}
	if err := fillXRGB(dst, RGB{B: 0xff}, Rect{Width: 2, Height: 2}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	for _, off := range []int{8, 20} {
		if dst.Data[off] != 0 {
			t.Errorf("padding byte at %d painted", off)
		}
	}
	if dst.Data[12] != 0xff {
		t.Error("second row not painted at stride offset")
	}
}

func TestBlitXRGBCopy(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 4, 4)
	src := NewBuffer(FormatXRGB8888, 2, 2)
	copy(src.Data, []byte{1, 2, 3, 0, 4, 5, 6, 0})
	if err := blitXRGB(dst, src, 1, 1); err != nil {
		t.Fatalf("blit: %v", err)
	}
	if got := pixelAt(dst, 1, 1); !bytes.Equal(got, []byte{1, 2, 3, 0}) {
		t.Errorf("blitted pixel = %v", got)
	}
	if got := pixelAt(dst, 2, 1); !bytes.Equal(got, []byte{4, 5, 6, 0}) {
		t.Errorf("blitted pixel = %v", got)
	}
}

func TestBlitRGB565Expands(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 1, 1)
	src := NewBuffer(FormatRGB565, 1, 1)
	// pure red: r=31 g=0 b=0 -> 0xf800
	src.Data[0] = 0x00
	src.Data[1] = 0xf8
	if err := blitXRGB(dst, src, 0, 0); err != nil {
		t.Fatalf("blit: %v", err)
	}
	if got := pixelAt(dst, 0, 0); !bytes.Equal(got, []byte{0, 0, 0xf8, 0}) {
		t.Errorf("expanded pixel = %v, want [0 0 248 0]", got)
	}
}

func TestBlitGrey8Replicates(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 1, 1)
	src := NewBuffer(FormatGrey8, 1, 1)
	src.Data[0] = 0x7f
	if err := blitXRGB(dst, src, 0, 0); err != nil {
		t.Fatalf("blit: %v", err)
	}
	if got := pixelAt(dst, 0, 0); !bytes.Equal(got, []byte{0x7f, 0x7f, 0x7f, 0}) {
		t.Errorf("grey pixel = %v", got)
	}
}

func TestBlitClipsPartialOverlap(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 2, 2)
	src := NewBuffer(FormatXRGB8888, 2, 2)
	for i := range src.Data {
		src.Data[i] = 0xaa
	}
	if err := blitXRGB(dst, src, 1, 1); err != nil {
		t.Fatalf("blit: %v", err)
	}
	if got := pixelAt(dst, 1, 1); !bytes.Equal(got, []byte{0xaa, 0xaa, 0xaa, 0xaa}) {
		t.Errorf("overlapped pixel = %v", got)
	}
	if got := pixelAt(dst, 0, 0); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Errorf("pixel outside overlap painted: %v", got)
	}
}

func TestBlendMaskCoverage(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 3, 1)
	mask := NewBuffer(FormatGrey8, 3, 1)
	mask.Data[0] = 0    // full background
	mask.Data[1] = 255  // full foreground
	mask.Data[2] = 128  // half
	fg := RGB{R: 200, G: 100, B: 50}
	bg := RGB{R: 20, G: 40, B: 60}
	if err := blendXRGB(dst, mask, 0, 0, fg, bg); err != nil {
		t.Fatalf("blend: %v", err)
	}
	if got := pixelAt(dst, 0, 0); !bytes.Equal(got, []byte{60, 40, 20, 0}) {
		t.Errorf("zero coverage = %v, want background", got)
	}
	if got := pixelAt(dst, 1, 0); !bytes.Equal(got, []byte{50, 100, 200, 0}) {
		t.Errorf("full coverage = %v, want foreground", got)
	}
	half := pixelAt(dst, 2, 0)
	// (fg*128 + bg*127) / 255 per channel
	want := []byte{
		uint8((50*128 + 60*127) / 255),
		uint8((100*128 + 40*127) / 255),
		uint8((200*128 + 20*127) / 255),
		0,
	}
	if !bytes.Equal(half, want) {
		t.Errorf("half coverage = %v, want %v", half, want)
	}
}

func TestBlendRejectsNonGreyMask(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 1, 1)
	mask := NewBuffer(FormatRGB565, 1, 1)
	if err := blendXRGB(dst, mask, 0, 0, RGB{}, RGB{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("blend with rgb565 mask = %v, want ErrInvalid", err)
	}
}

func TestBlendNilMask(t *testing.T) {
	dst := NewBuffer(FormatXRGB8888, 1, 1)
	if err := blendXRGB(dst, nil, 0, 0, RGB{}, RGB{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("blend with nil mask = %v, want ErrInvalid", err)
	}
}

func TestRepackTight(t *testing.T) {
	src := &Buffer{Width: 2, Height: 2, Stride: 6, Format: FormatRGB565,
		Data: []byte{1, 2, 3, 4, 0xee, 0xee, 5, 6, 7, 8, 0xee, 0xee}}
	out := repackTight(src)
	if out == src {
		t.Fatal("padded buffer returned unchanged")
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(out.Data, want) {
		t.Errorf("repacked data = %v, want %v", out.Data, want)
	}
	if out.Stride != 4 {
		t.Errorf("repacked stride = %d, want 4", out.Stride)
	}

	tight := NewBuffer(FormatGrey8, 3, 3)
	if repackTight(tight) != tight {
		t.Error("tight buffer was copied")
	}
}
