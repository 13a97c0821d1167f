// SPDX-License-Identifier: Apache-2.0

// Package poll wraps the Linux readiness primitives used by the event
// loops: epoll sets, eventfd counters and timerfd timers.
package poll

import (
	"encoding/binary"
	"time"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

const maxEvents = 64

// EdgeTriggered is the event mask used for attribute files and control
// descriptors: readable, reported once per change.
const EdgeTriggered = unix.EPOLLIN | unix.EPOLLET

// Epoll is an epoll set.
type Epoll struct {
	fd     int
	events [maxEvents]unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create epoll set")
	}
	return &Epoll{fd: fd}, nil
}

// Add registers fd with the given event mask.
func (e *Epoll) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "failed to add descriptor %d to epoll set", fd)
	}
	return nil
}

func (e *Epoll) Remove(fd int) error {
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "failed to remove descriptor %d from epoll set", fd)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout expires; a negative timeout waits indefinitely. Interrupted waits
// are restarted. The returned slice is only valid until the next call.
func (e *Epoll) Wait(timeout time.Duration) ([]unix.EpollEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	for {
		n, err := unix.EpollWait(e.fd, e.events[:], ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "epoll wait failed")
		}
		return e.events[:n], nil
	}
}

func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}

// EventFD is a non-blocking eventfd counter used to pass flags into an
// event loop.
type EventFD struct {
	fd int
}

func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create eventfd")
	}
	return &EventFD{fd: fd}, nil
}

func (e *EventFD) Fd() int { return e.fd }

// Signal adds v to the counter, waking any waiter.
func (e *EventFD) Signal(v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return errors.Wrap(err, "failed to signal eventfd")
	}
	return nil
}

// Drain reads and resets the counter. An empty counter reads as zero.
func (e *EventFD) Drain() (uint64, error) {
	return drain(e.fd)
}

func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}

// Timer is a one-shot monotonic timerfd.
type Timer struct {
	fd int
}

func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create timerfd")
	}
	return &Timer{fd: fd}, nil
}

func (t *Timer) Fd() int { return t.fd }

// Arm (re)starts the timer to fire once after d. A zero duration disarms it.
func (t *Timer) Arm(d time.Duration) error {
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return errors.Wrap(err, "failed to arm timerfd")
	}
	return nil
}

func (t *Timer) Disarm() error {
	return t.Arm(0)
}

// Drain returns the number of expirations since the last read.
func (t *Timer) Drain() (uint64, error) {
	return drain(t.fd)
}

func (t *Timer) Close() error {
	return unix.Close(t.fd)
}

func drain(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read counter")
	}
	if n != len(buf) {
		return 0, errors.Newf("short counter read of %d bytes", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}
