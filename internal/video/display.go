package video

import (
	"fmt"
	"time"

	drmmode "github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog"

	"github.com/openclaw/kmsvid/internal/eloop"
)

// flipWaitBudget bounds how long deactivation and immediate swaps wait
// for an outstanding flip before proceeding anyway.
const flipWaitBudget = 100 * time.Millisecond

// Vblank fallback clamp range.
const (
	minVblankTimeout = 15 * time.Millisecond
	maxVblankTimeout = 999 * time.Millisecond
)

// Display is one connected output: its mode set, power state and the
// scanout buffers the backend manages for it.
type Display struct {
	id     uint64
	dev    *Device
	log    zerolog.Logger
	connID uint32
	flags  displayFlags

	modes   []*Mode
	defMode *Mode
	curMode *Mode
	dpms    DPMS

	crtcID uint32
	saved  *drmmode.Crtc
	timer  *eloop.Timer

	observers []ObserverFunc

	// hw is the backend's per-display state, nil while inactive.
	hw displayHW
}

// Subscribe registers an observer for this display's notifications.
func (d *Display) Subscribe(cb ObserverFunc) {
	d.observers = append(d.observers, cb)
}

func (d *Display) notify(ev Event) {
	for _, cb := range d.observers {
		cb(d, ev)
	}
}

// ConnectorID returns the kernel connector backing this display.
func (d *Display) ConnectorID() uint32 { return d.connID }

// CrtcID returns the CRTC assigned at activation, 0 while inactive.
func (d *Display) CrtcID() uint32 { return d.crtcID }

// Modes returns the connector's supported timings, default first.
func (d *Display) Modes() []*Mode {
	out := make([]*Mode, len(d.modes))
	copy(out, d.modes)
	return out
}

// DefaultMode returns the first enumerated timing.
func (d *Display) DefaultMode() *Mode { return d.defMode }

// CurrentMode returns the active timing, nil while not online.
func (d *Display) CurrentMode() *Mode { return d.curMode }

// State reports the lifecycle state.
func (d *Display) State() State {
	switch {
	case d.dev == nil:
		return StateGone
	case d.flags&flagOnline == 0:
		return StateInactive
	case d.dev.awake:
		return StateActive
	default:
		return StateAsleep
	}
}

// IsSwapping reports whether a page flip is outstanding.
func (d *Display) IsSwapping() bool {
	return d.flags&flagVsyncPending != 0
}

func (d *Display) hasMode(m *Mode) bool {
	for _, have := range d.modes {
		if have == m {
			return true
		}
	}
	return false
}

// Activate brings the display online on the given mode (default mode
// when nil). Valid only while inactive on an awake device.
func (d *Display) Activate(m *Mode) error {
	if d.dev == nil || !d.dev.awake {
		return fmt.Errorf("%w: activate needs an awake device", ErrInvalid)
	}
	if d.flags&flagOnline != 0 {
		return fmt.Errorf("%w: display already online", ErrInvalid)
	}
	if m == nil {
		m = d.defMode
	}
	if m == nil {
		return fmt.Errorf("%w: no mode to activate", ErrInvalid)
	}
	if !d.hasMode(m) {
		return fmt.Errorf("%w: mode %s not offered by connector %d", ErrInvalid, m.Name(), d.connID)
	}
	if err := d.dev.backend.activate(d, m); err != nil {
		return err
	}
	d.flags |= flagOnline
	d.curMode = m
	d.log.Info().Str("mode", m.Name()).Uint32("crtc", d.crtcID).Msg("display activated")
	return nil
}

// Deactivate takes the display offline, restoring the CRTC state saved
// at activation when the device is still awake. A still-pending flip
// is waited out (bounded); on timeout teardown proceeds anyway.
func (d *Display) Deactivate() {
	if d.flags&flagOnline == 0 {
		return
	}
	if _, err := d.waitForPendingFlip(flipWaitBudget); err != nil {
		d.log.Warn().Err(err).Msg("pending flip not delivered before deactivate")
	}
	delete(d.dev.inflight, d.id)
	d.flags &^= flagVsyncPending | flagFlipDone
	d.timer.Stop()
	d.dev.backend.deactivate(d)
	d.hw = nil
	d.crtcID = 0
	d.saved = nil
	d.flags &^= flagOnline
	d.curMode = nil
	d.log.Info().Msg("display deactivated")
}

// unbind detaches the display from its device. Runs from hotplug
// scans and device teardown.
func (d *Display) unbind() {
	if d.dev == nil {
		return
	}
	d.dev.notify(d, EventGone)
	if d.flags&flagOnline != 0 {
		d.Deactivate()
	}
	d.dev.removeDisplay(d)
	d.timer.Drop()
	d.timer = nil
	d.dev = nil
}

// SetDPMS drives the connector's power state. Connectors without a
// DPMS property report DPMSUnknown instead of failing.
func (d *Display) SetDPMS(state DPMS) error {
	if d.dev == nil || !d.dev.awake {
		return fmt.Errorf("%w: set dpms needs an awake device", ErrInvalid)
	}
	value, ok := state.kernelValue()
	if !ok {
		return fmt.Errorf("%w: cannot set dpms state %s", ErrInvalid, state)
	}
	conn, err := d.dev.card.Connector(d.connID)
	if err != nil {
		return err
	}
	prop, _, found, err := d.dev.card.ConnectorProperty(conn, "DPMS")
	if err != nil {
		return err
	}
	if !found {
		d.dpms = DPMSUnknown
		return nil
	}
	if err := d.dev.card.SetConnectorProperty(d.connID, prop.ID, value); err != nil {
		return err
	}
	d.dpms = state
	return nil
}

// DPMS returns the last known power state.
func (d *Display) DPMS() DPMS { return d.dpms }

// refreshDPMS re-reads the connector's power state during a hotplug
// scan so a monitor toggled while we were asleep is reflected.
func (d *Display) refreshDPMS(conn *drmmode.Connector) {
	_, value, found, err := d.dev.card.ConnectorProperty(conn, "DPMS")
	if err != nil {
		d.log.Warn().Err(err).Msg("cannot read dpms property")
		return
	}
	if !found {
		d.dpms = DPMSUnknown
		return
	}
	if state := dpmsFromKernel(value); state != d.dpms {
		d.log.Debug().Str("dpms", state.String()).Msg("dpms state changed")
		d.dpms = state
	}
}

// Use binds the display's drawing context and reports whether drawing
// goes through OpenGL. The binding is valid until the next call that
// changes the current surface.
func (d *Display) Use() (bool, error) {
	if d.flags&flagOnline == 0 {
		return false, fmt.Errorf("%w: display not online", ErrInvalid)
	}
	return d.dev.backend.use(d)
}

// GetBuffers exposes the two CPU-mappable scanout buffers to raster
// backends. acceptable restricts the formats the caller can consume;
// empty means any. The GL backend does not support raw access.
func (d *Display) GetBuffers(acceptable ...Format) (*Buffer, *Buffer, error) {
	if d.flags&flagOnline == 0 {
		return nil, nil, fmt.Errorf("%w: display not online", ErrInvalid)
	}
	front, back, err := d.dev.backend.buffers(d)
	if err != nil {
		return nil, nil, err
	}
	if len(acceptable) > 0 {
		ok := false
		for _, f := range acceptable {
			if f == front.Format {
				ok = true
				break
			}
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: buffers are %s", ErrNotSupported, front.Format)
		}
	}
	return front, back, nil
}

// Swap presents the back buffer. Immediate swaps wait out a pending
// flip and set the mode synchronously; vsynced swaps schedule a page
// flip and fail with ErrBusy while one is already outstanding.
func (d *Display) Swap(immediate bool) error {
	if d.flags&flagOnline == 0 {
		return fmt.Errorf("%w: swap on offline display", ErrInvalid)
	}
	if immediate {
		if _, err := d.waitForPendingFlip(flipWaitBudget); err != nil {
			d.log.Warn().Err(err).Msg("pending flip not delivered before forced swap")
			delete(d.dev.inflight, d.id)
			d.flags &^= flagVsyncPending | flagFlipDone
			d.dev.backend.discardFlip(d)
		} else if d.flags&flagFlipDone != 0 {
			// the wait drained a completion; its rotation must land
			// before the synchronous swap, or the deferred flush would
			// rotate a second time behind the CRTC's back
			d.flags &^= flagFlipDone
			d.dev.backend.rotate(d)
		}
		return d.dev.backend.swap(d, true)
	}
	if d.flags&flagVsyncPending != 0 {
		return fmt.Errorf("%w: flip already pending", ErrBusy)
	}
	return d.dev.backend.swap(d, false)
}

// Fill paints a solid rectangle on the back buffer.
func (d *Display) Fill(c RGB, r Rect) error {
	if d.flags&flagOnline == 0 {
		return fmt.Errorf("%w: fill on offline display", ErrInvalid)
	}
	return d.dev.backend.fill(d, c, r)
}

// Blit copies a pixel buffer onto the back buffer at (x, y).
func (d *Display) Blit(src *Buffer, x, y int) error {
	if d.flags&flagOnline == 0 {
		return fmt.Errorf("%w: blit on offline display", ErrInvalid)
	}
	return d.dev.backend.blit(d, src, x, y)
}

// FakeBlend composites a grey8 coverage mask with constant foreground
// and background colors, the fallback path for glyph rendering.
func (d *Display) FakeBlend(mask *Buffer, x, y int, fg, bg RGB) error {
	if d.flags&flagOnline == 0 {
		return fmt.Errorf("%w: blend on offline display", ErrInvalid)
	}
	return d.dev.backend.fakeBlend(d, mask, x, y, fg, bg)
}

// ScheduleVBlank arms the software vblank fallback: a one-shot
// PageFlip notification even when no kernel event arrives. The timeout
// is clamped to [15ms, 999ms].
func (d *Display) ScheduleVBlank(timeout time.Duration) error {
	if d.dev == nil {
		return fmt.Errorf("%w: display not bound", ErrInvalid)
	}
	if timeout < minVblankTimeout {
		timeout = minVblankTimeout
	}
	if timeout > maxVblankTimeout {
		timeout = maxVblankTimeout
	}
	d.timer.Arm(timeout)
	return nil
}

// onVblankTimer fires the heartbeat notification. It deliberately does
// not touch the flip-done flag, so a genuine kernel flip arriving for
// the same frame still rotates buffers exactly once.
func (d *Display) onVblankTimer() {
	d.notify(EventPageFlip)
}

// waitForPendingFlip polls the node until the outstanding flip for
// this display drains, returning the unspent budget.
func (d *Display) waitForPendingFlip(budget time.Duration) (time.Duration, error) {
	for d.flags&flagVsyncPending != 0 {
		var err error
		budget, err = d.dev.card.WaitReadable(budget)
		if err != nil {
			return budget, err
		}
		d.dev.onReadable()
	}
	return budget, nil
}
