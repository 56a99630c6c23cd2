//go:build cgo

package video

/*
#cgo LDFLAGS: -lgbm -lEGL -lGLESv2
#include <stdlib.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES2/gl2.h>
#include <gbm.h>

extern void kmsvidReleaseFramebuffer(struct gbm_bo *bo, void *data);

static void kmsvid_bind_fb_user_data(struct gbm_bo *bo, void *data) {
	gbm_bo_set_user_data(bo, data, kmsvidReleaseFramebuffer);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// glBackend renders through a GBM scanout surface and a GLES2 context.
// Raw buffer access is unsupported; text backends composite through
// Use/Fill/Blit/FakeBlend instead.
type glBackend struct {
	dev *Device
	gbm *C.struct_gbm_device
	dpy C.EGLDisplay
	cfg C.EGLConfig
	ctx C.EGLContext

	compiled  bool
	blitProg  C.GLuint
	blendProg C.GLuint
	tex       C.GLuint
}

// glState is the per-display surface pair plus the locked front buffer
// and, while a flip is pending, the buffer queued to become front.
type glState struct {
	b       *glBackend
	surf    *C.struct_gbm_surface
	eglSurf C.EGLSurface
	current *C.struct_gbm_bo
	next    *C.struct_gbm_bo
	width   int
	height  int
}

func newGLBackend(dev *Device) (backend, error) {
	return &glBackend{dev: dev}, nil
}

func eglErr(op string) error {
	return fmt.Errorf("%w: %s: egl error 0x%x", ErrDevice, op, uint32(C.eglGetError()))
}

const eglPlatformGBM C.EGLenum = 0x31D7 // EGL_PLATFORM_GBM_KHR

func (b *glBackend) init() error {
	b.gbm = C.gbm_create_device(C.int(b.dev.card.Fd()))
	if b.gbm == nil {
		return fmt.Errorf("%w: cannot create gbm device", ErrDevice)
	}
	b.dpy = C.eglGetPlatformDisplay(eglPlatformGBM, unsafe.Pointer(b.gbm), nil)
	if b.dpy == C.EGLDisplay(C.EGL_NO_DISPLAY) {
		b.destroy()
		return fmt.Errorf("%w: no egl display on gbm platform", ErrDevice)
	}
	if C.eglInitialize(b.dpy, nil, nil) == C.EGL_FALSE {
		b.destroy()
		return eglErr("initialize")
	}
	if C.eglBindAPI(C.EGL_OPENGL_ES_API) == C.EGL_FALSE {
		b.destroy()
		return eglErr("bind api")
	}
	cfgAttrs := []C.EGLint{
		C.EGL_SURFACE_TYPE, C.EGL_WINDOW_BIT,
		C.EGL_RENDERABLE_TYPE, C.EGL_OPENGL_ES2_BIT,
		C.EGL_RED_SIZE, 8,
		C.EGL_GREEN_SIZE, 8,
		C.EGL_BLUE_SIZE, 8,
		C.EGL_ALPHA_SIZE, 0,
		C.EGL_NONE,
	}
	var num C.EGLint
	if C.eglChooseConfig(b.dpy, &cfgAttrs[0], &b.cfg, 1, &num) == C.EGL_FALSE || num < 1 {
		b.destroy()
		return eglErr("choose config")
	}
	ctxAttrs := []C.EGLint{C.EGL_CONTEXT_CLIENT_VERSION, 2, C.EGL_NONE}
	b.ctx = C.eglCreateContext(b.dpy, b.cfg, C.EGLContext(C.EGL_NO_CONTEXT), &ctxAttrs[0])
	if b.ctx == C.EGLContext(C.EGL_NO_CONTEXT) {
		b.destroy()
		return eglErr("create context")
	}
	return nil
}

func (b *glBackend) destroy() {
	if b.dpy != C.EGLDisplay(C.EGL_NO_DISPLAY) {
		C.eglMakeCurrent(b.dpy, C.EGLSurface(C.EGL_NO_SURFACE),
			C.EGLSurface(C.EGL_NO_SURFACE), C.EGLContext(C.EGL_NO_CONTEXT))
		if b.ctx != C.EGLContext(C.EGL_NO_CONTEXT) {
			C.eglDestroyContext(b.dpy, b.ctx)
			b.ctx = C.EGLContext(C.EGL_NO_CONTEXT)
		}
		C.eglTerminate(b.dpy)
		b.dpy = C.EGLDisplay(C.EGL_NO_DISPLAY)
	}
	if b.gbm != nil {
		C.gbm_device_destroy(b.gbm)
		b.gbm = nil
	}
}

func (b *glBackend) activate(d *Display, m *Mode) error {
	conn, crtcID, saved, err := prepareScanout(d)
	if err != nil {
		return err
	}
	w, h := C.uint32_t(m.Width()), C.uint32_t(m.Height())
	surf := C.gbm_surface_create(b.gbm, w, h, C.GBM_FORMAT_XRGB8888,
		C.GBM_BO_USE_SCANOUT|C.GBM_BO_USE_RENDERING)
	if surf == nil {
		return fmt.Errorf("%w: cannot create gbm surface %dx%d", ErrDevice, m.Width(), m.Height())
	}
	eglSurf := C.eglCreatePlatformWindowSurface(b.dpy, b.cfg, unsafe.Pointer(surf), nil)
	if eglSurf == C.EGLSurface(C.EGL_NO_SURFACE) {
		C.gbm_surface_destroy(surf)
		return eglErr("create window surface")
	}
	st := &glState{b: b, surf: surf, eglSurf: eglSurf,
		width: int(m.Width()), height: int(m.Height())}
	if err := st.makeCurrent(); err != nil {
		st.release()
		return err
	}
	// scan out one cleared frame before the initial mode-set
	C.glViewport(0, 0, C.GLint(st.width), C.GLint(st.height))
	C.glClearColor(0, 0, 0, 1)
	C.glClear(C.GL_COLOR_BUFFER_BIT)
	if C.eglSwapBuffers(b.dpy, st.eglSurf) == C.EGL_FALSE {
		st.release()
		return eglErr("initial swap")
	}
	bo := C.gbm_surface_lock_front_buffer(surf)
	if bo == nil {
		st.release()
		return fmt.Errorf("%w: cannot lock front buffer", ErrDevice)
	}
	st.current = bo
	fbID, err := b.framebuffer(bo, st.width, st.height)
	if err != nil {
		st.release()
		return err
	}
	connID := conn.ID
	if err := b.dev.card.SetCrtc(crtcID, fbID, 0, 0, &connID, 1, m.timing()); err != nil {
		st.release()
		return err
	}
	d.hw = st
	d.crtcID = crtcID
	d.saved = saved
	return nil
}

func (b *glBackend) deactivate(d *Display) {
	restoreScanout(d)
	if st, ok := d.hw.(*glState); ok {
		st.release()
	}
}

// framebuffer returns the kernel framebuffer bound to the buffer
// object, creating it on first use. The binding lives as long as the
// buffer object: GBM invokes the release callback when it recycles or
// destroys the object, never the display.
func (b *glBackend) framebuffer(bo *C.struct_gbm_bo, width, height int) (uint32, error) {
	if ud := C.gbm_bo_get_user_data(bo); ud != nil {
		return uint32(*(*C.uint32_t)(ud)), nil
	}
	stride := uint32(C.gbm_bo_get_stride(bo))
	handleUnion := C.gbm_bo_get_handle(bo)
	handle := *(*uint32)(unsafe.Pointer(&handleUnion))
	fbID, err := b.dev.card.AddFB(uint16(width), uint16(height), 24, 32, stride, handle)
	if err != nil {
		return 0, err
	}
	ud := (*C.uint32_t)(C.malloc(C.size_t(unsafe.Sizeof(C.uint32_t(0)))))
	*ud = C.uint32_t(fbID)
	C.kmsvid_bind_fb_user_data(bo, unsafe.Pointer(ud))
	return fbID, nil
}

func (b *glBackend) swap(d *Display, immediate bool) error {
	st := d.hw.(*glState)
	if !immediate && C.gbm_surface_has_free_buffers(st.surf) == 0 {
		return fmt.Errorf("%w: no free buffer slot", ErrBusy)
	}
	if err := st.makeCurrent(); err != nil {
		return err
	}
	if C.eglSwapBuffers(b.dpy, st.eglSurf) == C.EGL_FALSE {
		return eglErr("swap buffers")
	}
	bo := C.gbm_surface_lock_front_buffer(st.surf)
	if bo == nil {
		return fmt.Errorf("%w: cannot lock front buffer", ErrDevice)
	}
	fbID, err := b.framebuffer(bo, st.width, st.height)
	if err != nil {
		C.gbm_surface_release_buffer(st.surf, bo)
		return err
	}
	if immediate {
		connID := d.connID
		if err := b.dev.card.SetCrtc(d.crtcID, fbID, 0, 0, &connID, 1, d.curMode.timing()); err != nil {
			C.gbm_surface_release_buffer(st.surf, bo)
			return err
		}
		if st.current != nil {
			C.gbm_surface_release_buffer(st.surf, st.current)
		}
		st.current = bo
		return nil
	}
	if err := b.dev.requestFlip(d, fbID); err != nil {
		C.gbm_surface_release_buffer(st.surf, bo)
		return err
	}
	st.next = bo
	return nil
}

func (b *glBackend) rotate(d *Display) {
	st := d.hw.(*glState)
	if st.next == nil {
		return
	}
	if st.current != nil {
		C.gbm_surface_release_buffer(st.surf, st.current)
	}
	st.current = st.next
	st.next = nil
}

func (b *glBackend) discardFlip(d *Display) {
	st := d.hw.(*glState)
	if st.next != nil {
		C.gbm_surface_release_buffer(st.surf, st.next)
		st.next = nil
	}
}

func (b *glBackend) sleep() {
	blankOnlineDisplays(b.dev)
}

func (b *glBackend) use(d *Display) (bool, error) {
	st := d.hw.(*glState)
	if err := st.makeCurrent(); err != nil {
		return false, err
	}
	if err := b.ensurePrograms(); err != nil {
		return false, err
	}
	return true, nil
}

func (b *glBackend) buffers(d *Display) (*Buffer, *Buffer, error) {
	return nil, nil, fmt.Errorf("%w: gl backend has no cpu-mappable buffers", ErrNotSupported)
}

func (b *glBackend) fill(d *Display, c RGB, r Rect) error {
	st := d.hw.(*glState)
	if err := st.makeCurrent(); err != nil {
		return err
	}
	C.glEnable(C.GL_SCISSOR_TEST)
	C.glScissor(C.GLint(r.X), C.GLint(st.height-r.Y-r.Height),
		C.GLsizei(r.Width), C.GLsizei(r.Height))
	C.glClearColor(C.GLfloat(float32(c.R)/255), C.GLfloat(float32(c.G)/255),
		C.GLfloat(float32(c.B)/255), 1)
	C.glClear(C.GL_COLOR_BUFFER_BIT)
	C.glDisable(C.GL_SCISSOR_TEST)
	return nil
}

func (b *glBackend) blit(d *Display, src *Buffer, x, y int) error {
	if err := src.valid(); err != nil {
		return err
	}
	st := d.hw.(*glState)
	if err := st.makeCurrent(); err != nil {
		return err
	}
	if err := b.ensurePrograms(); err != nil {
		return err
	}
	if err := b.uploadTexture(src); err != nil {
		return err
	}
	C.glUseProgram(b.blitProg)
	b.drawQuad(b.blitProg, st, x, y, src.Width, src.Height)
	return nil
}

func (b *glBackend) fakeBlend(d *Display, mask *Buffer, x, y int, fg, bg RGB) error {
	if err := mask.valid(); err != nil {
		return err
	}
	if mask.Format != FormatGrey8 {
		return fmt.Errorf("%w: blend mask must be grey8", ErrInvalid)
	}
	st := d.hw.(*glState)
	if err := st.makeCurrent(); err != nil {
		return err
	}
	if err := b.ensurePrograms(); err != nil {
		return err
	}
	if err := b.uploadTexture(mask); err != nil {
		return err
	}
	C.glUseProgram(b.blendProg)
	C.glUniform3f(uniformLocation(b.blendProg, "u_fg"),
		C.GLfloat(float32(fg.R)/255), C.GLfloat(float32(fg.G)/255), C.GLfloat(float32(fg.B)/255))
	C.glUniform3f(uniformLocation(b.blendProg, "u_bg"),
		C.GLfloat(float32(bg.R)/255), C.GLfloat(float32(bg.G)/255), C.GLfloat(float32(bg.B)/255))
	b.drawQuad(b.blendProg, st, x, y, mask.Width, mask.Height)
	return nil
}

// uploadTexture loads the buffer into the shared texture unit. Rows
// are repacked first: GLES2 cannot express a source row length.
func (b *glBackend) uploadTexture(src *Buffer) error {
	tight := repackTight(src)
	var format, typ C.GLenum
	var pixels unsafe.Pointer
	switch tight.Format {
	case FormatGrey8:
		format, typ = C.GL_LUMINANCE, C.GL_UNSIGNED_BYTE
		pixels = unsafe.Pointer(&tight.Data[0])
	case FormatRGB565:
		format, typ = C.GL_RGB, C.GL_UNSIGNED_SHORT_5_6_5
		pixels = unsafe.Pointer(&tight.Data[0])
	case FormatXRGB8888:
		rgba := make([]byte, tight.Width*tight.Height*4)
		for i := 0; i < tight.Width*tight.Height; i++ {
			rgba[i*4+0] = tight.Data[i*4+2]
			rgba[i*4+1] = tight.Data[i*4+1]
			rgba[i*4+2] = tight.Data[i*4+0]
			rgba[i*4+3] = 0xff
		}
		format, typ = C.GL_RGBA, C.GL_UNSIGNED_BYTE
		pixels = unsafe.Pointer(&rgba[0])
	default:
		return fmt.Errorf("%w: format %s", ErrNotSupported, tight.Format)
	}
	C.glActiveTexture(C.GL_TEXTURE0)
	C.glBindTexture(C.GL_TEXTURE_2D, b.tex)
	C.glPixelStorei(C.GL_UNPACK_ALIGNMENT, 1)
	C.glTexImage2D(C.GL_TEXTURE_2D, 0, C.GLint(format),
		C.GLsizei(tight.Width), C.GLsizei(tight.Height), 0, format, typ, pixels)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MIN_FILTER, C.GL_NEAREST)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MAG_FILTER, C.GL_NEAREST)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_WRAP_S, C.GL_CLAMP_TO_EDGE)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_WRAP_T, C.GL_CLAMP_TO_EDGE)
	return nil
}

// drawQuad renders the bound texture at pixel position (x, y).
func (b *glBackend) drawQuad(prog C.GLuint, st *glState, x, y, w, h int) {
	x0 := 2*float32(x)/float32(st.width) - 1
	y0 := 1 - 2*float32(y)/float32(st.height)
	x1 := 2*float32(x+w)/float32(st.width) - 1
	y1 := 1 - 2*float32(y+h)/float32(st.height)
	pos := []float32{x0, y0, x1, y0, x0, y1, x1, y1}
	tex := []float32{0, 0, 1, 0, 0, 1, 1, 1}

	C.glUniform1i(uniformLocation(prog, "u_tex"), 0)
	posLoc := C.GLuint(attribLocation(prog, "a_pos"))
	texLoc := C.GLuint(attribLocation(prog, "a_tex"))
	C.glEnableVertexAttribArray(posLoc)
	C.glEnableVertexAttribArray(texLoc)
	C.glVertexAttribPointer(posLoc, 2, C.GL_FLOAT, C.GL_FALSE, 0, unsafe.Pointer(&pos[0]))
	C.glVertexAttribPointer(texLoc, 2, C.GL_FLOAT, C.GL_FALSE, 0, unsafe.Pointer(&tex[0]))
	C.glViewport(0, 0, C.GLint(st.width), C.GLint(st.height))
	C.glDrawArrays(C.GL_TRIANGLE_STRIP, 0, 4)
	C.glDisableVertexAttribArray(posLoc)
	C.glDisableVertexAttribArray(texLoc)
}

const (
	glVertSrc = `
attribute vec2 a_pos;
attribute vec2 a_tex;
varying vec2 v_tex;
void main() {
	gl_Position = vec4(a_pos, 0.0, 1.0);
	v_tex = a_tex;
}
`
	glBlitFragSrc = `
precision mediump float;
varying vec2 v_tex;
uniform sampler2D u_tex;
void main() {
	gl_FragColor = vec4(texture2D(u_tex, v_tex).rgb, 1.0);
}
`
	glBlendFragSrc = `
precision mediump float;
varying vec2 v_tex;
uniform sampler2D u_tex;
uniform vec3 u_fg;
uniform vec3 u_bg;
void main() {
	float a = texture2D(u_tex, v_tex).r;
	gl_FragColor = vec4(mix(u_bg, u_fg, a), 1.0);
}
`
)

func (b *glBackend) ensurePrograms() error {
	if b.compiled {
		return nil
	}
	blit, err := linkProgram(glVertSrc, glBlitFragSrc)
	if err != nil {
		return err
	}
	blend, err := linkProgram(glVertSrc, glBlendFragSrc)
	if err != nil {
		C.glDeleteProgram(blit)
		return err
	}
	C.glGenTextures(1, &b.tex)
	b.blitProg = blit
	b.blendProg = blend
	b.compiled = true
	return nil
}

func uniformLocation(prog C.GLuint, name string) C.GLint {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.glGetUniformLocation(prog, (*C.GLchar)(unsafe.Pointer(cname)))
}

func attribLocation(prog C.GLuint, name string) C.GLint {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.glGetAttribLocation(prog, (*C.GLchar)(unsafe.Pointer(cname)))
}

func compileShader(kind C.GLenum, src string) (C.GLuint, error) {
	sh := C.glCreateShader(kind)
	csrc := C.CString(src)
	defer C.free(unsafe.Pointer(csrc))
	C.glShaderSource(sh, 1, (**C.GLchar)(unsafe.Pointer(&csrc)), nil)
	C.glCompileShader(sh)
	var ok C.GLint
	C.glGetShaderiv(sh, C.GL_COMPILE_STATUS, &ok)
	if ok == C.GL_FALSE {
		var buf [512]C.GLchar
		C.glGetShaderInfoLog(sh, 512, nil, &buf[0])
		C.glDeleteShader(sh)
		return 0, fmt.Errorf("%w: shader: %s", ErrDevice, C.GoString((*C.char)(unsafe.Pointer(&buf[0]))))
	}
	return sh, nil
}

func linkProgram(vertSrc, fragSrc string) (C.GLuint, error) {
	vert, err := compileShader(C.GL_VERTEX_SHADER, vertSrc)
	if err != nil {
		return 0, err
	}
	frag, err := compileShader(C.GL_FRAGMENT_SHADER, fragSrc)
	if err != nil {
		C.glDeleteShader(vert)
		return 0, err
	}
	prog := C.glCreateProgram()
	C.glAttachShader(prog, vert)
	C.glAttachShader(prog, frag)
	C.glLinkProgram(prog)
	C.glDeleteShader(vert)
	C.glDeleteShader(frag)
	var ok C.GLint
	C.glGetProgramiv(prog, C.GL_LINK_STATUS, &ok)
	if ok == C.GL_FALSE {
		var buf [512]C.GLchar
		C.glGetProgramInfoLog(prog, 512, nil, &buf[0])
		C.glDeleteProgram(prog)
		return 0, fmt.Errorf("%w: program link: %s", ErrDevice, C.GoString((*C.char)(unsafe.Pointer(&buf[0]))))
	}
	return prog, nil
}

func (st *glState) makeCurrent() error {
	if C.eglMakeCurrent(st.b.dpy, st.eglSurf, st.eglSurf, st.b.ctx) == C.EGL_FALSE {
		return eglErr("make current")
	}
	return nil
}

func (st *glState) release() {
	if st.next != nil {
		C.gbm_surface_release_buffer(st.surf, st.next)
		st.next = nil
	}
	if st.current != nil {
		C.gbm_surface_release_buffer(st.surf, st.current)
		st.current = nil
	}
	C.eglMakeCurrent(st.b.dpy, C.EGLSurface(C.EGL_NO_SURFACE),
		C.EGLSurface(C.EGL_NO_SURFACE), C.EGLContext(C.EGL_NO_CONTEXT))
	if st.eglSurf != C.EGLSurface(C.EGL_NO_SURFACE) {
		C.eglDestroySurface(st.b.dpy, st.eglSurf)
		st.eglSurf = C.EGLSurface(C.EGL_NO_SURFACE)
	}
	if st.surf != nil {
		C.gbm_surface_destroy(st.surf)
		st.surf = nil
	}
}
