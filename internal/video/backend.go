package video

import (
	"fmt"

	drmmode "github.com/NeowayLabs/drm/mode"
)

// displayHW is the backend's per-display scanout state, opaque to the
// lifecycle logic.
type displayHW interface {
	release()
}

// backend is the scanout strategy bound at device construction: a
// closed set of variants, not a runtime plugin.
type backend interface {
	init() error
	destroy()

	// activate creates scanout resources for the mode and performs the
	// initial CRTC mode-set. Any failure unwinds completely.
	activate(d *Display, m *Mode) error
	// deactivate restores the saved CRTC configuration (awake devices
	// only) and frees the display's scanout resources.
	deactivate(d *Display)
	// swap presents the back buffer, synchronously or via page flip.
	swap(d *Display, immediate bool) error
	// rotate runs after a flip completes, from the deferred flush or
	// from an immediate swap that drained the completion itself:
	// release the previous front buffer, promote the next.
	rotate(d *Display)
	// discardFlip abandons a forcibly cleared pending flip, releasing
	// any buffer parked for its completion.
	discardFlip(d *Display)
	// sleep blanks every online display with an immediate swap so the
	// last scanned-out frame is neutral before master is dropped.
	sleep()

	use(d *Display) (bool, error)
	buffers(d *Display) (front, back *Buffer, err error)
	fill(d *Display, c RGB, r Rect) error
	blit(d *Display, src *Buffer, x, y int) error
	fakeBlend(d *Display, mask *Buffer, x, y int, fg, bg RGB) error
}

func newBackend(kind BackendKind, dev *Device) (backend, error) {
	switch kind {
	case BackendDumb:
		return &dumbBackend{dev: dev}, nil
	case BackendGL:
		return newGLBackend(dev)
	default:
		return nil, fmt.Errorf("%w: unknown backend %d", ErrInvalid, int(kind))
	}
}

// prepareScanout does the backend-independent part of activation:
// re-read the connector, pick a free CRTC first-fit and save its
// current configuration for restoration at deactivate.
func prepareScanout(d *Display) (conn *drmmode.Connector, crtcID uint32, saved *drmmode.Crtc, err error) {
	res, err := d.dev.card.Resources()
	if err != nil {
		return nil, 0, nil, err
	}
	conn, err = d.dev.card.Connector(d.connID)
	if err != nil {
		return nil, 0, nil, err
	}
	crtcID, err = d.dev.findCrtc(res, conn)
	if err != nil {
		return nil, 0, nil, err
	}
	saved, err = d.dev.card.Crtc(crtcID)
	if err != nil {
		return nil, 0, nil, err
	}
	return conn, crtcID, saved, nil
}

// blankOnlineDisplays forces a synchronous black frame onto every
// online display so the last visible frame before sleep is neutral.
func blankOnlineDisplays(dev *Device) {
	for _, d := range dev.displays {
		if d.flags&flagOnline == 0 {
			continue
		}
		full := Rect{Width: int(d.curMode.Width()), Height: int(d.curMode.Height())}
		if err := d.Fill(RGB{}, full); err != nil {
			d.log.Warn().Err(err).Msg("cannot blank display")
			continue
		}
		if err := d.Swap(true); err != nil {
			d.log.Warn().Err(err).Msg("cannot swap blanked display")
		}
	}
}

// restoreScanout puts the CRTC back the way activation found it. Only
// meaningful while the device still holds master.
func restoreScanout(d *Display) {
	if !d.dev.awake || d.saved == nil {
		return
	}
	var info *drmmode.Info
	if d.saved.ModeValid != 0 {
		info = &d.saved.Mode
	}
	connID := d.connID
	if err := d.dev.card.SetCrtc(d.saved.ID, d.saved.BufferID,
		d.saved.X, d.saved.Y, &connID, 1, info); err != nil {
		d.log.Warn().Err(err).Msg("cannot restore crtc")
	}
}
