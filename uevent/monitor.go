// SPDX-License-Identifier: Apache-2.0

package uevent

import (
	"sync"

	"github.com/MatthiasValvekens/usbc-hal/poll"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Handler receives the records of every accepted datagram. It runs on the
// monitor goroutine.
type Handler func(records []string)

// Monitor listens for uevents on a background goroutine. The goroutine
// blocks in an epoll wait over the uevent source and a cancellation
// eventfd, so Stop never depends on the arrival of an event.
type Monitor struct {
	open    OpenFunc
	handler Handler
	logger  log.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	src    Source
	ep     *poll.Epoll
	cancel *poll.EventFD
	done   chan struct{}
}

func NewMonitor(open OpenFunc, handler Handler, logger log.Logger) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Monitor{
		open:    open,
		handler: handler,
		logger:  logger,
	}
}

// Start opens the source and spawns the monitor goroutine. Starting a
// running monitor is a no-op.
func (m *Monitor) Start() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return nil
	}

	s := &session{done: make(chan struct{})}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if s.src, err = m.open(); err != nil {
		return errors.Wrap(err, "failed to open uevent source")
	}
	if s.ep, err = poll.NewEpoll(); err != nil {
		return err
	}
	if s.cancel, err = poll.NewEventFD(); err != nil {
		return err
	}
	if err = s.ep.Add(s.src.Fd(), unix.EPOLLIN); err != nil {
		return err
	}
	if err = s.ep.Add(s.cancel.Fd(), unix.EPOLLIN); err != nil {
		return err
	}

	m.session = s
	go m.loop(s)
	_ = level.Info(m.logger).Log("msg", "uevent monitor started")
	return nil
}

// Stop cancels the monitor goroutine, waits for it to exit and releases its
// descriptors. Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return
	}

	if err := s.cancel.Signal(1); err != nil {
		_ = level.Error(m.logger).Log("msg", "failed to signal uevent monitor", "err", err)
	}
	<-s.done
	s.release()
	_ = level.Info(m.logger).Log("msg", "uevent monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

func (m *Monitor) loop(s *session) {
	defer close(s.done)
	for {
		events, err := s.ep.Wait(-1)
		if err != nil {
			_ = level.Error(m.logger).Log("msg", "uevent monitor exiting", "err", err)
			return
		}
		for _, ev := range events {
			switch int(ev.Fd) {
			case s.cancel.Fd():
				return
			case s.src.Fd():
				m.receive(s.src)
			}
		}
	}
}

func (m *Monitor) receive(src Source) {
	msg, err := src.ReadMsg()
	if err != nil {
		_ = level.Warn(m.logger).Log("msg", "failed to read uevent", "err", err)
		return
	}
	if len(msg) == 0 {
		return
	}
	if len(msg) >= MaxMessageSize {
		_ = level.Debug(m.logger).Log("msg", "discarding oversized uevent", "size", len(msg))
		return
	}
	m.handler(Split(msg))
}

func (s *session) release() {
	if s.ep != nil {
		_ = s.ep.Close()
	}
	if s.cancel != nil {
		_ = s.cancel.Close()
	}
	if s.src != nil {
		_ = s.src.Close()
	}
}
