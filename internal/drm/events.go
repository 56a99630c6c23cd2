package drm

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Kernel event types delivered on the DRM node.
const (
	eventVBlank       = 0x01
	eventFlipComplete = 0x02
	eventCrtcSequence = 0x03
)

const eventHeaderLen = 8

// FlipEvent is one decoded page-flip completion.
type FlipEvent struct {
	Cookie   uint64
	Sequence uint32
	CrtcID   uint32
	When     time.Time
}

// ReadEvents drains one readable batch from the DRM node. The node is
// non-blocking; with nothing pending it returns an empty slice.
func ReadEvents(file *os.File) ([]FlipEvent, error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(int(file.Fd()), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, wrapErrno("read events", err)
	}
	return decodeEvents(buf[:n])
}

// decodeEvents walks a batch of kernel events. Each record starts with
// a {type, length} header; unknown types are skipped by length so a
// newer kernel cannot desynchronize the stream.
func decodeEvents(buf []byte) ([]FlipEvent, error) {
	var out []FlipEvent
	for len(buf) >= eventHeaderLen {
		typ := binary.LittleEndian.Uint32(buf[0:4])
		length := int(binary.LittleEndian.Uint32(buf[4:8]))
		if length < eventHeaderLen || length > len(buf) {
			return out, fmt.Errorf("%w: truncated event (type %d, length %d)", ErrDevice, typ, length)
		}
		if typ == eventFlipComplete {
			ev, err := decodeFlip(buf[:length])
			if err != nil {
				return out, err
			}
			out = append(out, ev)
		}
		buf = buf[length:]
	}
	return out, nil
}

// decodeFlip parses a drm_event_vblank payload, which flip-complete
// events share with vblank events.
func decodeFlip(rec []byte) (FlipEvent, error) {
	const payloadLen = 32
	if len(rec) < payloadLen {
		return FlipEvent{}, fmt.Errorf("%w: short flip event (%d bytes)", ErrDevice, len(rec))
	}
	cookie := binary.LittleEndian.Uint64(rec[8:16])
	sec := binary.LittleEndian.Uint32(rec[16:20])
	usec := binary.LittleEndian.Uint32(rec[20:24])
	seq := binary.LittleEndian.Uint32(rec[24:28])
	crtc := binary.LittleEndian.Uint32(rec[28:32])
	return FlipEvent{
		Cookie:   cookie,
		Sequence: seq,
		CrtcID:   crtc,
		When:     time.Unix(int64(sec), int64(usec)*1000),
	}, nil
}

// WaitReadable polls the node for readability with a bounded budget
// and returns the unspent remainder. A zero or exhausted budget yields
// ErrTimeout.
func WaitReadable(file *os.File, budget time.Duration) (time.Duration, error) {
	deadline := time.Now().Add(budget)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, fmt.Errorf("%w: waiting for drm event", ErrTimeout)
		}
		fds := []unix.PollFd{{Fd: int32(file.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(left/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return time.Until(deadline), wrapErrno("poll", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: waiting for drm event", ErrTimeout)
		}
		return time.Until(deadline), nil
	}
}
