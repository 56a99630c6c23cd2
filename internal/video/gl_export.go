//go:build cgo

package video

// The exported callback lives in its own file: cgo forbids preamble
// definitions in files that use //export, and gl.go's preamble defines
// the registration shim.

/*
#include <stdlib.h>
#include <gbm.h>
*/
import "C"

import (
	"unsafe"

	"github.com/NeowayLabs/drm/ioctl"
	drmmode "github.com/NeowayLabs/drm/mode"
)

// kmsvidReleaseFramebuffer is invoked by GBM when it destroys a buffer
// object; it removes the kernel framebuffer bound to it.
//
//export kmsvidReleaseFramebuffer
func kmsvidReleaseFramebuffer(bo *C.struct_gbm_bo, data unsafe.Pointer) {
	if data == nil {
		return
	}
	fbID := uint32(*(*C.uint32_t)(data))
	C.free(data)
	fd := C.gbm_device_get_fd(C.gbm_bo_get_device(bo))
	_ = ioctl.Do(uintptr(fd), uintptr(drmmode.IOCTLModeRmFB),
		uintptr(unsafe.Pointer(&fbID)))
}
