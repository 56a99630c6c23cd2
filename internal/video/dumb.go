package video

import (
	"fmt"
)

// dumbBackend scans out of kernel dumb buffers, double buffered and
// CPU-mapped. Raster text backends draw straight into the mapped
// memory via GetBuffers; Fill/Blit/FakeBlend serve as the fallback
// drawing primitives.
type dumbBackend struct {
	dev *Device
}

type dumbBuffer struct {
	handle uint32
	fbID   uint32
	data   []byte
	buf    Buffer
}

// dumbState is the per-display scanout state: two buffers, front index.
type dumbState struct {
	dev  *Device
	bufs [2]*dumbBuffer
	// front indexes the buffer currently (or about to be) scanned out.
	front int
}

func (st *dumbState) release() {
	for i, b := range st.bufs {
		if b == nil {
			continue
		}
		if b.data != nil {
			_ = st.dev.card.UnmapDumb(b.data)
		}
		if b.fbID != 0 {
			_ = st.dev.card.RmFB(b.fbID)
		}
		_ = st.dev.card.DestroyDumb(b.handle)
		st.bufs[i] = nil
	}
}

func (st *dumbState) back() *dumbBuffer { return st.bufs[st.front^1] }

func (b *dumbBackend) init() error { return nil }
func (b *dumbBackend) destroy()    {}

func (b *dumbBackend) activate(d *Display, m *Mode) error {
	conn, crtcID, saved, err := prepareScanout(d)
	if err != nil {
		return err
	}
	st := &dumbState{dev: b.dev}
	for i := range st.bufs {
		buf, err := b.createBuffer(uint16(m.Width()), uint16(m.Height()))
		if err != nil {
			st.release()
			return err
		}
		st.bufs[i] = buf
	}
	connID := conn.ID
	if err := b.dev.card.SetCrtc(crtcID, st.bufs[0].fbID, 0, 0, &connID, 1, m.timing()); err != nil {
		st.release()
		return err
	}
	d.hw = st
	d.crtcID = crtcID
	d.saved = saved
	return nil
}

func (b *dumbBackend) createBuffer(width, height uint16) (*dumbBuffer, error) {
	fb, err := b.dev.card.CreateDumb(width, height, 32)
	if err != nil {
		return nil, err
	}
	fbID, err := b.dev.card.AddFB(width, height, 24, 32, fb.Pitch, fb.Handle)
	if err != nil {
		_ = b.dev.card.DestroyDumb(fb.Handle)
		return nil, err
	}
	data, err := b.dev.card.MapDumb(fb.Handle, fb.Size)
	if err != nil {
		_ = b.dev.card.RmFB(fbID)
		_ = b.dev.card.DestroyDumb(fb.Handle)
		return nil, err
	}
	return &dumbBuffer{
		handle: fb.Handle,
		fbID:   fbID,
		data:   data,
		buf: Buffer{
			Width:  int(width),
			Height: int(height),
			Stride: int(fb.Pitch),
			Format: FormatXRGB8888,
			Data:   data,
		},
	}, nil
}

func (b *dumbBackend) deactivate(d *Display) {
	restoreScanout(d)
	if st, ok := d.hw.(*dumbState); ok {
		st.release()
	}
}

func (b *dumbBackend) swap(d *Display, immediate bool) error {
	st := d.hw.(*dumbState)
	next := st.back()
	if immediate {
		connID := d.connID
		m := d.curMode
		if err := b.dev.card.SetCrtc(d.crtcID, next.fbID, 0, 0, &connID, 1, m.timing()); err != nil {
			return err
		}
		st.front ^= 1
		return nil
	}
	return b.dev.requestFlip(d, next.fbID)
}

func (b *dumbBackend) rotate(d *Display) {
	st := d.hw.(*dumbState)
	st.front ^= 1
}

func (b *dumbBackend) discardFlip(d *Display) {
	// the front index never moved for the abandoned flip; both buffers
	// stay owned by the display
}

func (b *dumbBackend) sleep() {
	blankOnlineDisplays(b.dev)
}

func (b *dumbBackend) use(d *Display) (bool, error) {
	// drawing happens on the CPU; there is no context to bind
	return false, nil
}

func (b *dumbBackend) buffers(d *Display) (*Buffer, *Buffer, error) {
	st := d.hw.(*dumbState)
	return &st.bufs[st.front].buf, &st.back().buf, nil
}

func (b *dumbBackend) fill(d *Display, c RGB, r Rect) error {
	st := d.hw.(*dumbState)
	return fillXRGB(&st.back().buf, c, r)
}

func (b *dumbBackend) blit(d *Display, src *Buffer, x, y int) error {
	st := d.hw.(*dumbState)
	return blitXRGB(&st.back().buf, src, x, y)
}

func (b *dumbBackend) fakeBlend(d *Display, mask *Buffer, x, y int, fg, bg RGB) error {
	if mask != nil && mask.Format != FormatGrey8 {
		return fmt.Errorf("%w: blend mask must be grey8", ErrInvalid)
	}
	st := d.hw.(*dumbState)
	return blendXRGB(&st.back().buf, mask, x, y, fg, bg)
}
