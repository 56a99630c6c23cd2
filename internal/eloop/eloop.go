// Package eloop is a small single-threaded event loop: file-descriptor
// readability sources multiplexed through epoll, one-shot timers, and
// deferred callbacks that run after the current dispatch batch.
//
// All registration and dispatch is meant to happen on one goroutine.
// Defer and Wakeup are the only calls safe from outside it.
package eloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("eloop: loop closed")

type clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Callback handles readability on a registered file descriptor.
type Callback func()

// Loop multiplexes fd sources, timers and deferred work.
type Loop struct {
	epfd    int
	wakeFd  int
	sources map[int]Callback
	timers  []*Timer
	clk     clock
	closed  bool

	mu       sync.Mutex
	deferred []func()
}

// New creates a loop backed by epoll plus an eventfd used for wakeups.
func New() (*Loop, error) {
	return newLoop(systemClock{})
}

func newLoop(clk clock) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eloop: epoll_create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eloop: eventfd: %w", err)
	}
	l := &Loop{
		epfd:    epfd,
		wakeFd:  wakeFd,
		sources: make(map[int]Callback),
		clk:     clk,
	}
	if err := l.AddFD(wakeFd, l.drainWake); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// AddFD registers a readability callback for fd.
func (l *Loop) AddFD(fd int, cb Callback) error {
	if l.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eloop: epoll_ctl add: %w", err)
	}
	l.sources[fd] = cb
	return nil
}

// RemoveFD unregisters fd. The fd itself stays open.
func (l *Loop) RemoveFD(fd int) {
	if _, ok := l.sources[fd]; !ok {
		return
	}
	delete(l.sources, fd)
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Defer queues fn to run after the current dispatch batch completes.
// Callbacks queued while draining run on the next batch.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()
	l.Wakeup()
}

// Wakeup interrupts a blocking Step.
func (l *Loop) Wakeup() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(l.wakeFd, one[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// Step waits at most maxWait for activity, dispatches ready fd
// callbacks, fires due timers, then drains the deferred queue.
func (l *Loop) Step(maxWait time.Duration) error {
	if l.closed {
		return ErrClosed
	}
	wait := maxWait
	if d, ok := l.nextDeadline(); ok {
		if until := d.Sub(l.clk.Now()); until < wait {
			wait = until
		}
	}
	if l.pendingDeferred() {
		wait = 0
	}
	if wait < 0 {
		wait = 0
	}

	var events [16]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], int(wait/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("eloop: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		// look the source up at call time: an earlier callback in the
		// batch may have removed it
		if cb, ok := l.sources[int(events[i].Fd)]; ok {
			cb()
		}
	}
	l.fireTimers()
	l.runDeferred()
	return nil
}

// Run steps the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Wakeup)
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Step(time.Second); err != nil {
			return err
		}
	}
}

// Close releases the loop's descriptors. Registered source fds are the
// caller's to close.
func (l *Loop) Close() {
	if l.closed {
		return
	}
	l.closed = true
	unix.Close(l.wakeFd)
	unix.Close(l.epfd)
}

func (l *Loop) pendingDeferred() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.deferred) > 0
}

func (l *Loop) runDeferred() {
	l.mu.Lock()
	batch := l.deferred
	l.deferred = nil
	l.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}
