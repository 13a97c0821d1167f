// SPDX-License-Identifier: Apache-2.0

package displayport

import (
	"path"
	"strings"

	"github.com/MatthiasValvekens/usbc-hal/poll"
	"github.com/MatthiasValvekens/usbc-hal/sysfs"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
)

func (c *Controller) run(s *session) {
	c.live.Add(1)
	defer func() {
		s.closeCtrl()
		c.stateMu.Lock()
		if c.current == s && c.state != ShuttingDown {
			c.current = nil
			c.setStateLocked(NotRunning)
		}
		c.stateMu.Unlock()
		c.live.Add(-1)
		close(s.done)
	}()

	c.stateMu.Lock()
	if c.current == s && c.state == Starting {
		c.setStateLocked(Running)
	}
	c.stateMu.Unlock()

	_ = level.Info(c.logger).Log("msg", "displayport poll started")
	if err := c.pollSession(s); err != nil {
		c.m.sessionErrorsTotal.Inc()
		_ = level.Error(c.logger).Log("msg", "displayport poll failed", "err", err)
		return
	}
	_ = level.Info(c.logger).Log("msg", "displayport poll stopped")
}

// watched is an attribute observed by the poll loop.
type watched struct {
	name string
	attr *sysfs.Attribute
}

func (c *Controller) pollSession(s *session) error {
	dpDir, err := FindPartnerDir(c.fs, c.cfg.PartnerDir)
	if err != nil {
		return err
	}
	activePath := partnerActivePath(dpDir)

	var irqPath string
	if c.irqHpdCountPath != nil {
		if irqPath, err = c.irqHpdCountPath(); err != nil {
			_ = level.Warn(c.logger).Log("msg", "irq_hpd_count not available", "err", err)
			irqPath = ""
		}
	}

	ep, err := poll.NewEpoll()
	if err != nil {
		return err
	}
	defer ep.Close()

	open := func(name, p string) (*watched, error) {
		at, err := c.fs.OpenAttribute(p)
		if err != nil {
			return nil, err
		}
		return &watched{name: name, attr: at}, nil
	}
	hpd, err := open("hpd", path.Join(dpDir, "hpd"))
	if err != nil {
		return err
	}
	defer hpd.attr.Close()
	pin, err := open("pin_assignment", path.Join(dpDir, "pin_assignment"))
	if err != nil {
		return err
	}
	defer pin.attr.Close()
	orientation, err := open("orientation", c.cfg.OrientationPath)
	if err != nil {
		return err
	}
	defer orientation.attr.Close()
	link, err := open("link_status", path.Join(c.cfg.DRMDir, "link_status"))
	if err != nil {
		return err
	}
	defer link.attr.Close()

	debounce, err := poll.NewTimer()
	if err != nil {
		return errors.Wrap(err, "failed to create debounce timer")
	}
	defer debounce.Close()
	activate, err := poll.NewTimer()
	if err != nil {
		return errors.Wrap(err, "failed to create activation timer")
	}
	defer func() {
		_ = activate.Disarm()
		_ = activate.Close()
	}()

	for _, fd := range []int{hpd.attr.Fd(), pin.attr.Fd(), orientation.attr.Fd(), link.attr.Fd(), debounce.Fd(), activate.Fd(), s.ctrl.Fd()} {
		if err := ep.Add(fd, poll.EdgeTriggered); err != nil {
			return err
		}
	}
	if err := activate.Arm(c.cfg.ActivateDelay); err != nil {
		return errors.Wrap(err, "failed to arm activation timer")
	}

	var pinSet, orientationSet bool
	retries := 0
	armDebounce := func() {
		if err := debounce.Arm(c.cfg.StatusDebounce); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to arm debounce timer", "err", err)
		}
	}
	mirror := func(w *watched) bool {
		if err := c.mirror(w.name, w.attr); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to mirror attribute", "attribute", w.name, "err", err)
			return false
		}
		return true
	}

	for {
		events, err := ep.Wait(-1)
		if err != nil {
			return err
		}
		for _, ev := range events {
			switch int(ev.Fd) {
			case hpd.attr.Fd():
				if !pinSet {
					_ = level.Warn(c.logger).Log("msg", "hpd changed before pin assignment was mirrored")
					pinSet = mirror(pin)
				}
				if !orientationSet {
					_ = level.Warn(c.logger).Log("msg", "hpd changed before orientation was mirrored")
					orientationSet = mirror(orientation)
				}
				mirror(hpd)
				armDebounce()
			case pin.attr.Fd():
				if mirror(pin) {
					pinSet = true
				}
				armDebounce()
			case orientation.attr.Fd():
				if mirror(orientation) {
					orientationSet = true
				}
				armDebounce()
			case link.attr.Fd():
				armDebounce()
			case debounce.Fd():
				_, _ = debounce.Drain()
				c.m.refreshesTotal.Inc()
				c.refresh()
			case activate.Fd():
				_, _ = activate.Drain()
				if c.activatePartner(activePath, &retries) {
					if err := activate.Arm(c.cfg.ActivateDelay); err != nil {
						_ = level.Warn(c.logger).Log("msg", "failed to rearm activation timer", "err", err)
					}
				}
			case s.ctrl.Fd():
				_, _ = s.ctrl.Drain()
				flags := s.flags.Swap(0)
				if flags&flagShutdown != 0 {
					return nil
				}
				if flags&flagIrqHpdCheck != 0 {
					if err := c.mirrorIrqHpdCount(irqPath); err != nil {
						_ = level.Warn(c.logger).Log("msg", "failed to forward irq_hpd count", "err", err)
					}
				}
			}
		}
	}
}

// activatePartner enters the partner's DisplayPort alternate mode if the
// port side is active but the partner is not. It reports whether another
// attempt should be scheduled.
func (c *Controller) activatePartner(partnerPath string, retries *int) bool {
	if *retries >= c.cfg.ActivateMaxRetries {
		return false
	}
	partner, perr := c.fs.Read(partnerPath)
	port, err := c.fs.Read(c.cfg.PortActivePath)
	if perr != nil || err != nil {
		*retries++
		_ = level.Warn(c.logger).Log("msg", "failed to read alternate mode state", "retry", *retries)
		return *retries < c.cfg.ActivateMaxRetries
	}
	if !strings.HasPrefix(partner, "no") || !strings.HasPrefix(port, "yes") {
		_ = level.Debug(c.logger).Log("msg", "partner alternate mode active or port disabled", "partner", strings.TrimSpace(partner), "port", strings.TrimSpace(port))
		return false
	}

	*retries++
	c.m.activationsTotal.Inc()
	if err := c.fs.Write(partnerPath, "1"); err != nil {
		_ = level.Warn(c.logger).Log("msg", "failed to activate partner alternate mode", "err", err)
	} else {
		_ = level.Info(c.logger).Log("msg", "activated partner alternate mode", "attempt", *retries)
	}
	return true
}
