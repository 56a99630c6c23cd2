package video

import (
	"fmt"
	"os"
	"time"

	drmmode "github.com/NeowayLabs/drm/mode"

	"github.com/openclaw/kmsvid/internal/drm"
)

const fakeDPMSPropID = 2

// fakeConnector is one simulated output behind the fake card.
type fakeConnector struct {
	id        uint32
	connected bool
	modes     []drmmode.Info
	encoders  []uint32
	hasDPMS   bool
	dpms      uint64
}

type pendingFlip struct {
	crtcID uint32
	fbID   uint32
	cookie uint64
}

type setCrtcCall struct {
	crtcID uint32
	fbID   uint32
	connID uint32
}

// fakeCard simulates the kernel side of a DRM node in memory. The fd
// handed to the event loop is the read end of an otherwise idle pipe;
// tests deliver flip events by calling completeFlip and pumping
// onReadable by hand.
type fakeCard struct {
	r, w *os.File

	connOrder  []uint32
	connectors map[uint32]*fakeConnector
	encoders   map[uint32]*drmmode.Encoder
	crtcOrder  []uint32
	crtcs      map[uint32]*drmmode.Crtc

	master        bool
	denyMaster    bool
	failResources error
	failPageFlip  error

	nextHandle uint32
	nextFB     uint32
	dumbs      map[uint32]*drmmode.FB
	fbs        map[uint32]uint32
	mapped     int

	pending  []pendingFlip
	events   []drm.FlipEvent
	setCrtcs []setCrtcCall
	scanout  map[uint32]uint32
}

func newFakeCard() *fakeCard {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	return &fakeCard{
		r:          r,
		w:          w,
		connectors: make(map[uint32]*fakeConnector),
		encoders:   make(map[uint32]*drmmode.Encoder),
		crtcs:      make(map[uint32]*drmmode.Crtc),
		nextHandle: 1,
		nextFB:     100,
		dumbs:      make(map[uint32]*drmmode.FB),
		fbs:        make(map[uint32]uint32),
		scanout:    make(map[uint32]uint32),
	}
}

func (c *fakeCard) addCrtc(id uint32) {
	c.crtcOrder = append(c.crtcOrder, id)
	c.crtcs[id] = &drmmode.Crtc{ID: id}
}

func (c *fakeCard) addEncoder(id, possibleCrtcs uint32) {
	c.encoders[id] = &drmmode.Encoder{ID: id, PossibleCrtcs: possibleCrtcs}
}

func (c *fakeCard) addConnector(fc *fakeConnector) {
	c.connOrder = append(c.connOrder, fc.id)
	c.connectors[fc.id] = fc
}

// completeFlip retires the oldest pending page flip, queueing its
// completion event for the next ReadEvents.
func (c *fakeCard) completeFlip() {
	f := c.pending[0]
	c.pending = c.pending[1:]
	c.scanout[f.crtcID] = f.fbID
	c.events = append(c.events, drm.FlipEvent{
		Cookie: f.cookie,
		CrtcID: f.crtcID,
		When:   time.Now(),
	})
}

func (c *fakeCard) Fd() int { return int(c.r.Fd()) }

func (c *fakeCard) Resources() (*drmmode.Resources, error) {
	if c.failResources != nil {
		return nil, fmt.Errorf("%w: get resources: %v", drm.ErrDevice, c.failResources)
	}
	encoders := make([]uint32, 0, len(c.encoders))
	for id := range c.encoders {
		encoders = append(encoders, id)
	}
	return &drmmode.Resources{
		Crtcs:      append([]uint32(nil), c.crtcOrder...),
		Connectors: append([]uint32(nil), c.connOrder...),
		Encoders:   encoders,
	}, nil
}

func (c *fakeCard) Connector(id uint32) (*drmmode.Connector, error) {
	fc, ok := c.connectors[id]
	if !ok {
		return nil, fmt.Errorf("%w: get connector %d", drm.ErrNoDevice, id)
	}
	conn := &drmmode.Connector{
		ID:       id,
		Modes:    append([]drmmode.Info(nil), fc.modes...),
		Encoders: append([]uint32(nil), fc.encoders...),
	}
	if fc.connected {
		conn.Connection = drmmode.Connected
	} else {
		conn.Connection = drmmode.Disconnected
	}
	if fc.hasDPMS {
		conn.Props = []uint32{fakeDPMSPropID}
		conn.PropValues = []uint64{fc.dpms}
	}
	return conn, nil
}

func (c *fakeCard) Encoder(id uint32) (*drmmode.Encoder, error) {
	enc, ok := c.encoders[id]
	if !ok {
		return nil, fmt.Errorf("%w: get encoder %d", drm.ErrNoDevice, id)
	}
	return enc, nil
}

func (c *fakeCard) Crtc(id uint32) (*drmmode.Crtc, error) {
	crtc, ok := c.crtcs[id]
	if !ok {
		return nil, fmt.Errorf("%w: get crtc %d", drm.ErrNoDevice, id)
	}
	cp := *crtc
	return &cp, nil
}

func (c *fakeCard) SetCrtc(crtcID, fbID, x, y uint32, connID *uint32, count int, info *drmmode.Info) error {
	var conn uint32
	if connID != nil {
		conn = *connID
	}
	c.setCrtcs = append(c.setCrtcs, setCrtcCall{crtcID: crtcID, fbID: fbID, connID: conn})
	c.scanout[crtcID] = fbID
	return nil
}

func (c *fakeCard) PageFlip(crtcID, fbID uint32, cookie uint64) error {
	if c.failPageFlip != nil {
		return c.failPageFlip
	}
	c.pending = append(c.pending, pendingFlip{crtcID: crtcID, fbID: fbID, cookie: cookie})
	return nil
}

func (c *fakeCard) SetMaster() error {
	if c.denyMaster {
		return fmt.Errorf("%w: set master", drm.ErrAccess)
	}
	c.master = true
	return nil
}

func (c *fakeCard) DropMaster() error {
	c.master = false
	return nil
}

func (c *fakeCard) ConnectorProperty(conn *drmmode.Connector, name string) (*drm.Property, uint64, bool, error) {
	if name != "DPMS" || len(conn.Props) == 0 {
		return nil, 0, false, nil
	}
	return &drm.Property{ID: fakeDPMSPropID, Name: "DPMS"}, conn.PropValues[0], true, nil
}

func (c *fakeCard) SetConnectorProperty(connID, propID uint32, value uint64) error {
	fc, ok := c.connectors[connID]
	if !ok || propID != fakeDPMSPropID {
		return fmt.Errorf("%w: set property %d on connector %d", drm.ErrInvalid, propID, connID)
	}
	fc.dpms = value
	return nil
}

func (c *fakeCard) ReadEvents() ([]drm.FlipEvent, error) {
	evs := c.events
	c.events = nil
	return evs, nil
}

func (c *fakeCard) WaitReadable(budget time.Duration) (time.Duration, error) {
	if len(c.events) > 0 {
		return budget, nil
	}
	return 0, fmt.Errorf("%w: waiting for drm event", drm.ErrTimeout)
}

func (c *fakeCard) CreateDumb(width, height uint16, bpp uint32) (*drmmode.FB, error) {
	pitch := uint32(width) * (bpp / 8)
	fb := &drmmode.FB{
		Width:  uint32(width),
		Height: uint32(height),
		BPP:    bpp,
		Handle: c.nextHandle,
		Pitch:  pitch,
		Size:   uint64(pitch) * uint64(height),
	}
	c.nextHandle++
	c.dumbs[fb.Handle] = fb
	return fb, nil
}

func (c *fakeCard) AddFB(width, height uint16, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	if _, ok := c.dumbs[handle]; !ok {
		return 0, fmt.Errorf("%w: add fb for unknown handle %d", drm.ErrInvalid, handle)
	}
	id := c.nextFB
	c.nextFB++
	c.fbs[id] = handle
	return id, nil
}

func (c *fakeCard) RmFB(id uint32) error {
	delete(c.fbs, id)
	return nil
}

func (c *fakeCard) MapDumb(handle uint32, size uint64) ([]byte, error) {
	if _, ok := c.dumbs[handle]; !ok {
		return nil, fmt.Errorf("%w: map unknown handle %d", drm.ErrInvalid, handle)
	}
	c.mapped++
	return make([]byte, size), nil
}

func (c *fakeCard) UnmapDumb(data []byte) error {
	c.mapped--
	return nil
}

func (c *fakeCard) DestroyDumb(handle uint32) error {
	delete(c.dumbs, handle)
	return nil
}

func (c *fakeCard) Close() error {
	c.r.Close()
	c.w.Close()
	return nil
}

// leaked reports scanout resources still alive on the fake.
func (c *fakeCard) leaked() string {
	if len(c.dumbs) == 0 && len(c.fbs) == 0 && c.mapped == 0 {
		return ""
	}
	return fmt.Sprintf("%d dumb buffers, %d framebuffers, %d mappings",
		len(c.dumbs), len(c.fbs), c.mapped)
}

func modeInfo(name string, width, height uint16) drmmode.Info {
	var info drmmode.Info
	copy(info.Name[:], name)
	info.Hdisplay = width
	info.Vdisplay = height
	return info
}
