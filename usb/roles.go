// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/util/validation"
)

// partnerWaiter lets a mode switch wait for the partner-added uevent that
// confirms it.
type partnerWaiter struct {
	mu sync.Mutex
	up bool
	// ch is closed by the next signal.
	ch chan struct{}
}

func newPartnerWaiter() *partnerWaiter {
	return &partnerWaiter{ch: make(chan struct{})}
}

// arm forgets earlier partner signals.
func (w *partnerWaiter) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.up = false
	w.ch = make(chan struct{})
}

func (w *partnerWaiter) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.up = true
	select {
	case <-w.ch:
	default:
		close(w.ch)
	}
}

// wait blocks until a partner was signalled since the last arm or the
// deadline passes. It reports whether the partner came up.
func (w *partnerWaiter) wait(deadline time.Time) bool {
	for {
		w.mu.Lock()
		up, ch := w.up, w.ch
		w.mu.Unlock()
		if up {
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		t := time.NewTimer(remaining)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
		}
	}
}

func validatePortName(port string) error {
	if errs := validation.IsDNS1123Label(port); len(errs) > 0 {
		return errors.Newf("invalid port name %q: %s", port, strings.Join(errs, "; "))
	}
	return nil
}

// SwitchRole requests a new power role, data role or port mode on a port.
// The outcome is reported through NotifyRoleSwitchStatus; a port mode that
// is not confirmed by a partner within the port type timeout falls back to
// dual role.
func (u *Usb) SwitchRole(port string, role typec.PortRole, txID int64) {
	u.roleSwitchMu.Lock()
	defer u.roleSwitchMu.Unlock()

	ok := false
	switch {
	case role == nil:
		_ = level.Error(u.logger).Log("msg", "no role given", "port", port, "txid", txID)
	default:
		if err := validatePortName(port); err != nil {
			_ = level.Error(u.logger).Log("msg", "rejecting role switch", "err", err, "txid", txID)
			break
		}
		attr := path.Join(u.portDir(port), role.AttributeName())
		_ = level.Info(u.logger).Log("msg", "switching role", "path", attr, "role", role.Token(), "txid", txID)
		if role.Kind() == typec.RoleKindMode {
			ok = u.switchMode(port, attr, role)
		} else {
			ok = u.switchRoleAttribute(attr, role)
		}
	}

	status := statusOf(ok)
	kind := "unknown"
	if role != nil {
		kind = role.Kind().String()
	}
	u.roleSwitchesTotal.WithLabelValues(kind, status.String()).Inc()
	u.notify(func(cb Callback) {
		cb.NotifyRoleSwitchStatus(port, role, status, txID)
	})
}

// switchRoleAttribute writes a power or data role and reads it back.
func (u *Usb) switchRoleAttribute(attr string, role typec.PortRole) bool {
	if err := u.fs.Write(attr, role.Token()); err != nil {
		_ = level.Error(u.logger).Log("msg", "failed to update the role", "err", err)
		return false
	}
	written, err := u.fs.Read(attr)
	if err != nil {
		_ = level.Error(u.logger).Log("msg", "failed to read back the role", "err", err)
		return false
	}
	written = typec.ExtractRole(strings.TrimSpace(written))
	if written != role.Token() {
		_ = level.Error(u.logger).Log("msg", "role switch failed", "want", role.Token(), "got", written)
		return false
	}
	_ = level.Info(u.logger).Log("msg", "role switched", "role", written)
	return true
}

// switchMode writes a port type and waits for the partner to reattach in
// the new mode.
func (u *Usb) switchMode(port, attr string, role typec.PortRole) (ok bool) {
	defer func() {
		if !ok {
			u.switchToDRP(port)
		}
	}()

	if !u.fs.Exists(attr) {
		_ = level.Error(u.logger).Log("msg", "port type attribute missing", "path", attr)
		return false
	}
	// Armed before the write: the partner may reattach as soon as the
	// kernel sees the new port type.
	u.partner.arm()
	if err := u.fs.Write(attr, role.Token()); err != nil {
		_ = level.Error(u.logger).Log("msg", "role switch failed while writing port type", "err", err)
		return false
	}
	if !u.partner.wait(time.Now().Add(u.cfg.Timeouts.PortType)) {
		_ = level.Info(u.logger).Log("msg", "timed out waiting for partner uevent", "port", port)
		return false
	}
	return true
}

// switchToDRP puts a port back into dual role mode.
func (u *Usb) switchToDRP(port string) {
	if err := u.fs.Write(path.Join(u.portDir(port), typec.ModeDRP.AttributeName()), typec.ModeDRP.Token()); err != nil {
		_ = level.Error(u.logger).Log("msg", "failed to switch back to dual role", "port", port, "err", err)
	}
}
