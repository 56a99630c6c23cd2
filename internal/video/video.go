// Package video owns physical display outputs on a DRM node: it
// negotiates video modes, assigns CRTCs to connectors, drives
// double-buffered scanout and synchronizes frame presentation with
// vertical blank through page-flip events. Hot-unplug is tolerated by
// periodic connector scans, and a software vblank fallback timer covers
// kernels where the event path stalls.
//
// The engine is single-threaded: every mutation happens on the event
// loop goroutine, either from a public call or from an fd/timer
// callback dispatched by the loop.
package video

import (
	"github.com/openclaw/kmsvid/internal/drm"
)

// Error kinds surfaced by the engine. They alias the DRM helper
// sentinels so a caller can match either layer with errors.Is.
var (
	ErrInvalid      = drm.ErrInvalid
	ErrNotSupported = drm.ErrNotSupported
	ErrBusy         = drm.ErrBusy
	ErrTimeout      = drm.ErrTimeout
	ErrNoDevice     = drm.ErrNoDevice
	ErrAccess       = drm.ErrAccess
	ErrDevice       = drm.ErrDevice
)

// BackendKind selects the scanout strategy at device construction.
type BackendKind int

const (
	// BackendDumb renders into CPU-mapped dumb buffers.
	BackendDumb BackendKind = iota
	// BackendGL renders through GBM/EGL/GLES2.
	BackendGL
)

func (k BackendKind) String() string {
	switch k {
	case BackendDumb:
		return "dumb"
	case BackendGL:
		return "gl"
	default:
		return "unknown"
	}
}

// Event identifies a notification delivered to observers.
type Event int

const (
	// EventNew announces a display bound by a hotplug scan.
	EventNew Event = iota
	// EventGone announces a display about to be unbound.
	EventGone
	// EventWakeUp announces the device acquired DRM master.
	EventWakeUp
	// EventSleep announces the device is about to release DRM master.
	EventSleep
	// EventPageFlip announces a completed flip (or the vblank fallback
	// timer standing in for one).
	EventPageFlip
)

func (e Event) String() string {
	switch e {
	case EventNew:
		return "new"
	case EventGone:
		return "gone"
	case EventWakeUp:
		return "wake-up"
	case EventSleep:
		return "sleep"
	case EventPageFlip:
		return "page-flip"
	default:
		return "unknown"
	}
}

// ObserverFunc receives engine notifications. The display is nil for
// device-level events (wake-up, sleep).
type ObserverFunc func(d *Display, ev Event)

// State is the display lifecycle state.
type State int

const (
	// StateGone means not bound to a device.
	StateGone State = iota
	// StateInactive means bound with no mode set.
	StateInactive
	// StateActive means online on an awake device.
	StateActive
	// StateAsleep means online while the device gave up DRM master.
	StateAsleep
)

func (s State) String() string {
	switch s {
	case StateGone:
		return "gone"
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateAsleep:
		return "asleep"
	default:
		return "unknown"
	}
}

// DPMS is the display power-management state.
type DPMS int

const (
	DPMSOn DPMS = iota
	DPMSStandby
	DPMSSuspend
	DPMSOff
	// DPMSUnknown is reported when the connector exposes no DPMS
	// property.
	DPMSUnknown
)

func (s DPMS) String() string {
	switch s {
	case DPMSOn:
		return "on"
	case DPMSStandby:
		return "standby"
	case DPMSSuspend:
		return "suspend"
	case DPMSOff:
		return "off"
	default:
		return "unknown"
	}
}

func (s DPMS) kernelValue() (uint64, bool) {
	switch s {
	case DPMSOn:
		return drm.DPMSModeOn, true
	case DPMSStandby:
		return drm.DPMSModeStandby, true
	case DPMSSuspend:
		return drm.DPMSModeSuspend, true
	case DPMSOff:
		return drm.DPMSModeOff, true
	default:
		return 0, false
	}
}

func dpmsFromKernel(v uint64) DPMS {
	switch v {
	case drm.DPMSModeOn:
		return DPMSOn
	case drm.DPMSModeStandby:
		return DPMSStandby
	case drm.DPMSModeSuspend:
		return DPMSSuspend
	case drm.DPMSModeOff:
		return DPMSOff
	default:
		return DPMSUnknown
	}
}

type displayFlags uint32

const (
	flagOnline displayFlags = 1 << iota
	flagVsyncPending
	flagAvailable
	flagFlipDone
)
