package video

import (
	"bytes"

	drmmode "github.com/NeowayLabs/drm/mode"
)

// Mode is one display timing supported by a connector. Immutable once
// constructed; drawing code may keep a pointer past the owning
// display's lifetime.
type Mode struct {
	name   string
	width  uint32
	height uint32
	info   drmmode.Info
}

func newMode(info drmmode.Info) *Mode {
	name := info.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return &Mode{
		name:   string(name),
		width:  uint32(info.Hdisplay),
		height: uint32(info.Vdisplay),
		info:   info,
	}
}

// Name returns the kernel's mode name ("1920x1080"). Nil-safe.
func (m *Mode) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

// Width in pixels. Nil-safe, 0 for a nil mode.
func (m *Mode) Width() uint32 {
	if m == nil {
		return 0
	}
	return m.width
}

// Height in pixels. Nil-safe, 0 for a nil mode.
func (m *Mode) Height() uint32 {
	if m == nil {
		return 0
	}
	return m.height
}

func (m *Mode) timing() *drmmode.Info {
	info := m.info
	return &info
}
