package video

import (
	"fmt"
	"os"
	"time"

	drmlib "github.com/NeowayLabs/drm"
	drmmode "github.com/NeowayLabs/drm/mode"
	"golang.org/x/sys/unix"
	"launchpad.net/gommap"

	"github.com/openclaw/kmsvid/internal/drm"
)

// card abstracts the kernel side of one DRM node so the lifecycle
// logic can be exercised against a fake in tests.
type card interface {
	Fd() int
	Resources() (*drmmode.Resources, error)
	Connector(id uint32) (*drmmode.Connector, error)
	Encoder(id uint32) (*drmmode.Encoder, error)
	Crtc(id uint32) (*drmmode.Crtc, error)
	SetCrtc(crtcID, fbID, x, y uint32, connID *uint32, count int, info *drmmode.Info) error
	PageFlip(crtcID, fbID uint32, cookie uint64) error
	SetMaster() error
	DropMaster() error
	ConnectorProperty(conn *drmmode.Connector, name string) (*drm.Property, uint64, bool, error)
	SetConnectorProperty(connID, propID uint32, value uint64) error
	ReadEvents() ([]drm.FlipEvent, error)
	WaitReadable(budget time.Duration) (time.Duration, error)
	CreateDumb(width, height uint16, bpp uint32) (*drmmode.FB, error)
	AddFB(width, height uint16, depth, bpp uint8, pitch, handle uint32) (uint32, error)
	RmFB(id uint32) error
	MapDumb(handle uint32, size uint64) ([]byte, error)
	UnmapDumb(data []byte) error
	DestroyDumb(handle uint32) error
	Close() error
}

// drmCard is the real kernel-backed card.
type drmCard struct {
	file *os.File
}

func openCard(node string) (*drmCard, error) {
	file, err := os.OpenFile(node, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open drm node %s: %w", node, err)
	}
	return &drmCard{file: file}, nil
}

func (c *drmCard) Fd() int { return int(c.file.Fd()) }

func (c *drmCard) Resources() (*drmmode.Resources, error) {
	res, err := drmmode.GetResources(c.file)
	if err != nil {
		return nil, fmt.Errorf("%w: get resources: %v", ErrDevice, err)
	}
	return res, nil
}

func (c *drmCard) Connector(id uint32) (*drmmode.Connector, error) {
	conn, err := drmmode.GetConnector(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get connector %d: %v", ErrNoDevice, id, err)
	}
	return conn, nil
}

func (c *drmCard) Encoder(id uint32) (*drmmode.Encoder, error) {
	enc, err := drmmode.GetEncoder(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get encoder %d: %v", ErrNoDevice, id, err)
	}
	return enc, nil
}

func (c *drmCard) Crtc(id uint32) (*drmmode.Crtc, error) {
	crtc, err := drmmode.GetCrtc(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get crtc %d: %v", ErrNoDevice, id, err)
	}
	return crtc, nil
}

func (c *drmCard) SetCrtc(crtcID, fbID, x, y uint32, connID *uint32, count int, info *drmmode.Info) error {
	err := drmmode.SetCrtc(c.file, crtcID, fbID, x, y, connID, count, info)
	if err != nil {
		return fmt.Errorf("%w: set crtc %d: %v", ErrDevice, crtcID, err)
	}
	return nil
}

func (c *drmCard) PageFlip(crtcID, fbID uint32, cookie uint64) error {
	return drm.PageFlip(c.file, crtcID, fbID, cookie)
}

func (c *drmCard) SetMaster() error  { return drm.SetMaster(c.file) }
func (c *drmCard) DropMaster() error { return drm.DropMaster(c.file) }

func (c *drmCard) ConnectorProperty(conn *drmmode.Connector, name string) (*drm.Property, uint64, bool, error) {
	return drm.LookupConnectorProperty(c.file, conn, name)
}

func (c *drmCard) SetConnectorProperty(connID, propID uint32, value uint64) error {
	return drm.SetConnectorProperty(c.file, connID, propID, value)
}

func (c *drmCard) ReadEvents() ([]drm.FlipEvent, error) {
	return drm.ReadEvents(c.file)
}

func (c *drmCard) WaitReadable(budget time.Duration) (time.Duration, error) {
	return drm.WaitReadable(c.file, budget)
}

func (c *drmCard) CreateDumb(width, height uint16, bpp uint32) (*drmmode.FB, error) {
	fb, err := drmmode.CreateFB(c.file, width, height, bpp)
	if err != nil {
		return nil, fmt.Errorf("%w: create dumb buffer: %v", ErrDevice, err)
	}
	return fb, nil
}

func (c *drmCard) AddFB(width, height uint16, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	id, err := drmmode.AddFB(c.file, width, height, depth, bpp, pitch, handle)
	if err != nil {
		return 0, fmt.Errorf("%w: add framebuffer: %v", ErrDevice, err)
	}
	return id, nil
}

func (c *drmCard) RmFB(id uint32) error {
	return drmmode.RmFB(c.file, id)
}

func (c *drmCard) MapDumb(handle uint32, size uint64) ([]byte, error) {
	offset, err := drmmode.MapDumb(c.file, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: map dumb buffer: %v", ErrDevice, err)
	}
	data, err := gommap.MapAt(0, c.file.Fd(), int64(offset), int64(size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap dumb buffer: %v", ErrDevice, err)
	}
	return data, nil
}

func (c *drmCard) UnmapDumb(data []byte) error {
	return gommap.MMap(data).UnsafeUnmap()
}

func (c *drmCard) DestroyDumb(handle uint32) error {
	return drmmode.DestroyDumb(c.file, handle)
}

func (c *drmCard) Close() error {
	return c.file.Close()
}

// supportsDumb reports whether the node can allocate dumb buffers.
func (c *drmCard) supportsDumb() bool {
	return drmlib.HasDumbBuffer(c.file)
}
