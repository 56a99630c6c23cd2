// Package drm wraps the pieces of the kernel DRM interface that the
// github.com/NeowayLabs/drm library does not cover: master ownership,
// connector properties, asynchronous page flips and the event stream.
//
// Every wrapper translates kernel errnos into the sentinel errors
// below, so callers match with errors.Is instead of comparing raw
// errno values.
package drm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalid marks null arguments or calls made in the wrong
	// lifecycle state.
	ErrInvalid = errors.New("drm: invalid argument or state")

	// ErrNotSupported marks operations the active backend or the
	// kernel does not implement.
	ErrNotSupported = errors.New("drm: operation not supported")

	// ErrBusy marks exhausted buffer slots or an already pending flip.
	// Callers retry on the next frame tick.
	ErrBusy = errors.New("drm: resource busy")

	// ErrTimeout marks an expired bounded wait.
	ErrTimeout = errors.New("drm: timed out")

	// ErrNoDevice marks a connector or CRTC that disappeared
	// mid-operation; the next hotplug scan reconciles.
	ErrNoDevice = errors.New("drm: no such device")

	// ErrAccess marks DRM-master contention or a permission failure.
	ErrAccess = errors.New("drm: access denied")

	// ErrDevice marks any other kernel or allocation failure.
	ErrDevice = errors.New("drm: device failure")
)

// wrapErrno maps a kernel error onto the package taxonomy, keeping the
// original errno visible in the message.
func wrapErrno(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrDevice
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EINVAL:
			kind = ErrInvalid
		case unix.EOPNOTSUPP, unix.ENOSYS:
			kind = ErrNotSupported
		case unix.EBUSY, unix.EAGAIN:
			kind = ErrBusy
		case unix.ETIMEDOUT:
			kind = ErrTimeout
		case unix.ENODEV, unix.ENXIO, unix.ENOENT:
			kind = ErrNoDevice
		case unix.EACCES, unix.EPERM:
			kind = ErrAccess
		}
	}
	return fmt.Errorf("%w: %s: %v", kind, op, err)
}
