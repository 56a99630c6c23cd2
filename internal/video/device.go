package video

import (
	"fmt"

	drmmode "github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog"

	"github.com/openclaw/kmsvid/internal/eloop"
)

// Device owns one DRM node: its fd, the scanout backend and the
// displays bound to connected connectors. It multiplexes readability
// on the node into page-flip completions and serves hotplug scans.
type Device struct {
	log     zerolog.Logger
	loop    *eloop.Loop
	card    card
	backend backend
	kind    BackendKind

	displays []*Display
	// inflight maps page-flip cookies to their displays. An entry is
	// the reference that keeps a display's flip addressable; once
	// removed, a late kernel event for the cookie is dropped.
	inflight    map[uint64]*Display
	nextID      uint64
	awake       bool
	flushQueued bool
	closed      bool
	observers   []ObserverFunc
}

// NewDevice opens a DRM node and attaches it to the event loop. The
// device starts asleep; call WakeUp to acquire DRM master and bind
// displays.
func NewDevice(loop *eloop.Loop, node string, kind BackendKind, log zerolog.Logger) (*Device, error) {
	c, err := openCard(node)
	if err != nil {
		return nil, err
	}
	if kind == BackendDumb && !c.supportsDumb() {
		c.Close()
		return nil, fmt.Errorf("%w: %s has no dumb buffer support", ErrNotSupported, node)
	}
	dev, err := newDevice(loop, c, kind, log.With().Str("node", node).Logger())
	if err != nil {
		c.Close()
		return nil, err
	}
	return dev, nil
}

func newDevice(loop *eloop.Loop, c card, kind BackendKind, log zerolog.Logger) (*Device, error) {
	dev := &Device{
		log:      log,
		loop:     loop,
		card:     c,
		kind:     kind,
		inflight: make(map[uint64]*Display),
		nextID:   1,
	}
	b, err := newBackend(kind, dev)
	if err != nil {
		return nil, err
	}
	if err := b.init(); err != nil {
		return nil, fmt.Errorf("init %s backend: %w", kind, err)
	}
	dev.backend = b
	if err := loop.AddFD(c.Fd(), dev.onReadable); err != nil {
		b.destroy()
		return nil, err
	}
	return dev, nil
}

// IsAwake reports whether the device holds DRM master.
func (v *Device) IsAwake() bool { return v.awake }

// Displays returns the currently bound displays.
func (v *Device) Displays() []*Display {
	out := make([]*Display, len(v.displays))
	copy(out, v.displays)
	return out
}

// Subscribe registers an observer for device and hotplug notifications.
func (v *Device) Subscribe(cb ObserverFunc) {
	v.observers = append(v.observers, cb)
}

// WakeUp acquires DRM master and scans connectors. On scan failure the
// master is released again and the device stays asleep.
func (v *Device) WakeUp() error {
	if v.closed {
		return fmt.Errorf("%w: device closed", ErrInvalid)
	}
	if v.awake {
		return nil
	}
	if err := v.card.SetMaster(); err != nil {
		v.log.Warn().Err(err).Msg("cannot acquire drm master")
		return err
	}
	v.awake = true
	if err := v.scan(true); err != nil {
		v.awake = false
		_ = v.card.DropMaster()
		return err
	}
	v.notify(nil, EventWakeUp)
	return nil
}

// Sleep blanks every online display, notifies observers and releases
// DRM master. Displays stay online and resume scanout on the next
// wake-up's activation.
func (v *Device) Sleep() {
	if !v.awake {
		return
	}
	v.awake = false
	v.notify(nil, EventSleep)
	v.backend.sleep()
	if err := v.card.DropMaster(); err != nil {
		v.log.Warn().Err(err).Msg("cannot drop drm master")
	}
}

// Poll forces a hotplug re-scan. Valid only while awake.
func (v *Device) Poll() error {
	if !v.awake {
		return fmt.Errorf("%w: poll on sleeping device", ErrInvalid)
	}
	return v.scan(false)
}

// Close unbinds all displays and releases the node.
func (v *Device) Close() {
	if v.closed {
		return
	}
	if v.awake {
		v.Sleep()
	}
	for _, d := range v.Displays() {
		d.unbind()
	}
	v.backend.destroy()
	v.loop.RemoveFD(v.card.Fd())
	_ = v.card.Close()
	v.closed = true
}

// scan reconciles the display set with the kernel's connector list.
// Rebinds always happen before unbinds so one scan never destroys and
// recreates a display for the same connector.
func (v *Device) scan(readDPMS bool) error {
	res, err := v.card.Resources()
	if err != nil {
		return fmt.Errorf("hotplug scan: %w", err)
	}
	for _, d := range v.displays {
		d.flags &^= flagAvailable
	}
	for _, connID := range res.Connectors {
		conn, err := v.card.Connector(connID)
		if err != nil {
			v.log.Warn().Err(err).Uint32("connector", connID).Msg("cannot read connector")
			continue
		}
		if conn.Connection != drmmode.Connected {
			continue
		}
		if d := v.displayByConnector(connID); d != nil {
			d.flags |= flagAvailable
			if readDPMS {
				d.refreshDPMS(conn)
			}
			continue
		}
		if err := v.bindDisplay(conn); err != nil {
			v.log.Warn().Err(err).Uint32("connector", connID).Msg("cannot bind display")
		}
	}
	var stale []*Display
	for _, d := range v.displays {
		if d.flags&flagAvailable == 0 {
			stale = append(stale, d)
		}
	}
	for _, d := range stale {
		v.log.Info().Uint32("connector", d.connID).Msg("display unplugged")
		d.unbind()
	}
	return nil
}

func (v *Device) displayByConnector(connID uint32) *Display {
	for _, d := range v.displays {
		if d.connID == connID {
			return d
		}
	}
	return nil
}

func (v *Device) bindDisplay(conn *drmmode.Connector) error {
	if len(conn.Modes) == 0 {
		return fmt.Errorf("%w: connector %d has no modes", ErrNoDevice, conn.ID)
	}
	modes := make([]*Mode, 0, len(conn.Modes))
	for _, info := range conn.Modes {
		modes = append(modes, newMode(info))
	}
	d := &Display{
		id:      v.nextID,
		dev:     v,
		log:     v.log.With().Uint32("connector", conn.ID).Logger(),
		connID:  conn.ID,
		flags:   flagAvailable,
		modes:   modes,
		defMode: modes[0],
		dpms:    DPMSUnknown,
	}
	v.nextID++
	d.timer = v.loop.NewTimer(d.onVblankTimer)
	v.displays = append(v.displays, d)
	d.refreshDPMS(conn)
	v.log.Info().Uint32("connector", conn.ID).
		Str("mode", d.defMode.Name()).Msg("display plugged")
	v.notify(d, EventNew)
	return nil
}

func (v *Device) removeDisplay(d *Display) {
	for i, other := range v.displays {
		if other == d {
			v.displays = append(v.displays[:i], v.displays[i+1:]...)
			return
		}
	}
}

// findCrtc picks a CRTC for the connector: first CRTC in resource
// order whose bit is set in the possible-CRTC mask of some encoder in
// connector order, skipping CRTCs claimed by another bound display.
func (v *Device) findCrtc(res *drmmode.Resources, conn *drmmode.Connector) (uint32, error) {
	for i, crtcID := range res.Crtcs {
		if v.crtcClaimed(crtcID) {
			continue
		}
		for _, encID := range conn.Encoders {
			enc, err := v.card.Encoder(encID)
			if err != nil {
				continue
			}
			if enc.PossibleCrtcs&(1<<uint(i)) != 0 {
				return crtcID, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: no free crtc for connector %d", ErrNoDevice, conn.ID)
}

func (v *Device) crtcClaimed(crtcID uint32) bool {
	for _, d := range v.displays {
		if d.crtcID == crtcID {
			return true
		}
	}
	return false
}

// onReadable drains the node's event batch. Completions only flag the
// display and queue one coalesced deferred flush; buffer rotation must
// not run inside this callback.
func (v *Device) onReadable() {
	evs, err := v.card.ReadEvents()
	if err != nil {
		v.log.Warn().Err(err).Msg("cannot read drm events")
		return
	}
	for _, ev := range evs {
		d, ok := v.inflight[ev.Cookie]
		if !ok {
			// the display finished deactivating before the kernel
			// delivered its flip
			v.log.Debug().Uint64("cookie", ev.Cookie).Msg("dropping stale flip event")
			continue
		}
		delete(v.inflight, ev.Cookie)
		d.flags &^= flagVsyncPending
		d.flags |= flagFlipDone
	}
	v.queueFlush()
}

func (v *Device) queueFlush() {
	if v.flushQueued {
		return
	}
	v.flushQueued = true
	v.loop.Defer(v.flushFlips)
}

// flushFlips rotates buffers for every display whose flip completed in
// the last batch, then announces the flips.
func (v *Device) flushFlips() {
	v.flushQueued = false
	for _, d := range v.Displays() {
		if d.flags&flagFlipDone == 0 {
			continue
		}
		d.flags &^= flagFlipDone
		if d.hw != nil {
			v.backend.rotate(d)
		}
		d.notify(EventPageFlip)
	}
}

// requestFlip schedules the asynchronous flip and records the display
// in the in-flight registry under its cookie.
func (v *Device) requestFlip(d *Display, fbID uint32) error {
	if err := v.card.PageFlip(d.crtcID, fbID, d.id); err != nil {
		return err
	}
	v.inflight[d.id] = d
	d.flags |= flagVsyncPending
	return nil
}

func (v *Device) notify(d *Display, ev Event) {
	for _, cb := range v.observers {
		cb(d, ev)
	}
	if d != nil {
		d.notify(ev)
	}
}
