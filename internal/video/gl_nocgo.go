//go:build !cgo

package video

import "fmt"

// Hardware acceleration goes through libgbm/libEGL and needs cgo.
func newGLBackend(dev *Device) (backend, error) {
	return nil, fmt.Errorf("%w: opengl backend requires cgo", ErrNotSupported)
}
