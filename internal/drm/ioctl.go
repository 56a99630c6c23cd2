package drm

import (
	"bytes"
	"os"
	"unsafe"

	baselib "github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	"github.com/NeowayLabs/drm/mode"
)

const propNameLen = 32

// DPMS property values as defined by the kernel.
const (
	DPMSModeOn      = 0
	DPMSModeStandby = 1
	DPMSModeSuspend = 2
	DPMSModeOff     = 3
)

const pageFlipEvent = 0x01

type (
	sysGetProperty struct {
		valuesPtr   uintptr
		enumBlobPtr uintptr
		propID      uint32
		flags       uint32
		name        [propNameLen]uint8
		countValues uint32
		countEnums  uint32
	}

	sysSetConnectorProperty struct {
		value       uint64
		propID      uint32
		connectorID uint32
	}

	sysPageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		reserved uint32
		userData uint64
	}
)

var (
	// DRM_IO(0x1e)
	ioctlSetMaster = ioctl.NewCode(ioctl.None, 0, baselib.IOCTLBase, 0x1e)

	// DRM_IO(0x1f)
	ioctlDropMaster = ioctl.NewCode(ioctl.None, 0, baselib.IOCTLBase, 0x1f)

	// DRM_IOWR(0xAA, struct drm_mode_get_property)
	ioctlModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), baselib.IOCTLBase, 0xAA)

	// DRM_IOWR(0xAB, struct drm_mode_connector_set_property)
	ioctlModeSetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysSetConnectorProperty{})), baselib.IOCTLBase, 0xAB)

	// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
	ioctlModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPageFlip{})), baselib.IOCTLBase, 0xB0)
)

// SetMaster acquires DRM master on the node. Fails with ErrAccess when
// another process holds it.
func SetMaster(file *os.File) error {
	err := ioctl.Do(file.Fd(), uintptr(ioctlSetMaster), 0)
	return wrapErrno("set master", err)
}

// DropMaster releases DRM master ownership.
func DropMaster(file *os.File) error {
	err := ioctl.Do(file.Fd(), uintptr(ioctlDropMaster), 0)
	return wrapErrno("drop master", err)
}

// Property describes one connector property.
type Property struct {
	ID     uint32
	Name   string
	Values []uint64
}

// GetProperty fetches a property by id, two-pass like the library's
// GetConnector.
func GetProperty(file *os.File, id uint32) (*Property, error) {
	prop := &sysGetProperty{propID: id}
	err := ioctl.Do(file.Fd(), uintptr(ioctlModeGetProperty),
		uintptr(unsafe.Pointer(prop)))
	if err != nil {
		return nil, wrapErrno("get property", err)
	}

	var values []uint64
	if prop.countValues > 0 {
		values = make([]uint64, prop.countValues)
		prop.valuesPtr = uintptr(unsafe.Pointer(&values[0]))
	}
	// enum names are not needed here; the kernel still wants the count
	// zeroed so it does not write through enumBlobPtr
	prop.countEnums = 0

	err = ioctl.Do(file.Fd(), uintptr(ioctlModeGetProperty),
		uintptr(unsafe.Pointer(prop)))
	if err != nil {
		return nil, wrapErrno("get property", err)
	}

	name := prop.name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return &Property{
		ID:     prop.propID,
		Name:   string(name),
		Values: values,
	}, nil
}

// LookupConnectorProperty scans a connector's property list for a
// property with the given name and returns it together with the
// connector's current value. found is false when the connector does
// not expose the property.
func LookupConnectorProperty(file *os.File, conn *mode.Connector, name string) (prop *Property, value uint64, found bool, err error) {
	for i, id := range conn.Props {
		p, perr := GetProperty(file, id)
		if perr != nil {
			return nil, 0, false, perr
		}
		if p.Name == name {
			if i < len(conn.PropValues) {
				value = conn.PropValues[i]
			}
			return p, value, true, nil
		}
	}
	return nil, 0, false, nil
}

// SetConnectorProperty writes a property value on a connector.
func SetConnectorProperty(file *os.File, connID, propID uint32, value uint64) error {
	req := &sysSetConnectorProperty{
		value:       value,
		propID:      propID,
		connectorID: connID,
	}
	err := ioctl.Do(file.Fd(), uintptr(ioctlModeSetProperty),
		uintptr(unsafe.Pointer(req)))
	return wrapErrno("set property", err)
}

// PageFlip schedules an asynchronous flip of the CRTC to the given
// framebuffer at the next vertical blank. The cookie comes back in the
// completion event read from the node.
func PageFlip(file *os.File, crtcID, fbID uint32, cookie uint64) error {
	req := &sysPageFlip{
		crtcID:   crtcID,
		fbID:     fbID,
		flags:    pageFlipEvent,
		userData: cookie,
	}
	err := ioctl.Do(file.Fd(), uintptr(ioctlModePageFlip),
		uintptr(unsafe.Pointer(req)))
	return wrapErrno("page flip", err)
}
