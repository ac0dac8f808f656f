// Package epoll wraps the Linux epoll readiness API for the Receiver's
// single event loop: register/modify/remove an fd's interest set, wait for
// a batch of ready events, and wake a blocked waiter from another
// goroutine via an eventfd. Adapted from the epoll poller used internally
// by gnet's netpoll package, generalized so that the 64-bit epoll user-data
// field carries an arbitrary id (a listener index or a client id) rather
// than a bare fd.
package epoll

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event flags, re-exported from golang.org/x/sys/unix so callers never need
// to import it directly just to build an interest set.
const (
	EventIn    = unix.EPOLLIN
	EventOut   = unix.EPOLLOUT
	EventErr   = unix.EPOLLERR
	EventHup   = unix.EPOLLHUP
	EventRDHup = unix.EPOLLRDHUP
)

// Event is one readiness notification: Data is the value that was supplied
// at registration time (not necessarily the fd itself), and Flags is the
// OR of ready condition bits.
type Event struct {
	Data  uint64
	Flags uint32
}

// Poller owns one epoll instance plus an eventfd used to interrupt a
// blocked Wait from another goroutine (e.g. when the control loop flips the
// accept gate or a new listener is registered).
type Poller struct {
	epfd   int
	wakeFD int
	wakeBuf [8]byte
}

// Open creates a new poller and registers its internal wake fd for
// readability.
func Open() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	r0, _, errno := unix.Syscall(unix.SYS_EVENTFD2, uintptr(0), unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if errno != 0 {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd2: %w", errno)
	}
	p := &Poller{epfd: epfd, wakeFD: int(r0)}
	if err := p.add(p.wakeFD, packData(wakeData), EventIn); err != nil {
		_ = unix.Close(p.wakeFD)
		_ = unix.Close(p.epfd)
		return nil, fmt.Errorf("register wake fd: %w", err)
	}
	return p, nil
}

// wakeData is a sentinel epoll user-data value that can never collide with
// a listener index (which starts at 0) or a client id (which starts at the
// listener count and is always > any practical listener count the caller
// configures) because it is the maximum representable value.
const wakeData = ^uint64(0)

// Close releases the poller's fds.
func (p *Poller) Close() error {
	err1 := unix.Close(p.wakeFD)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

// Add registers fd with the given interest flags and opaque user data.
func (p *Poller) Add(fd int, data uint64, flags uint32) error {
	return p.add(fd, packData(data), flags)
}

func (p *Poller) add(fd int, data [8]byte, flags uint32) error {
	ev := &unix.EpollEvent{Events: flags}
	*(*[8]byte)(unsafe.Pointer(&ev.Fd)) = data
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

// Modify changes fd's interest flags and user data.
func (p *Poller) Modify(fd int, data uint64, flags uint32) error {
	ev := &unix.EpollEvent{Events: flags}
	packed := packData(data)
	*(*[8]byte)(unsafe.Pointer(&ev.Fd)) = packed
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Remove deregisters fd from the poller.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wake interrupts a goroutine blocked in Wait.
func (p *Poller) Wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFD, one[:])
	return err
}

// Wait blocks for up to timeout (or indefinitely if timeout < 0) and
// returns the ready events, with the internal wake notification already
// drained and filtered out.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	events := make([]unix.EpollEvent, 64)
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		var packed [8]byte
		*(*int32)(unsafe.Pointer(&packed[0])) = events[i].Fd
		*(*int32)(unsafe.Pointer(&packed[4])) = events[i].Pad
		data := unpackData(packed)
		if data == wakeData {
			_, _ = unix.Read(p.wakeFD, p.wakeBuf[:])
			continue
		}
		out = append(out, Event{Data: data, Flags: events[i].Events})
	}
	return out, nil
}

func packData(v uint64) [8]byte {
	var b [8]byte
	*(*uint64)(unsafe.Pointer(&b[0])) = v
	return b
}

func unpackData(b [8]byte) uint64 {
	return *(*uint64)(unsafe.Pointer(&b[0]))
}
