// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"path"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/go-kit/log/level"
)

// Attributes of the USB device controller.
const (
	udcOTGID       = "dwc3_exynos_otg_id"
	udcVBUSSession = "dwc3_exynos_otg_b_sess"
	udcDataEnabled = "usb_data_enabled"
)

// writer performs a series of attribute writes and remembers whether all of
// them succeeded. A failed write does not stop the series.
type writer struct {
	u  *Usb
	ok bool
}

func (u *Usb) newWriter() *writer {
	return &writer{u: u, ok: true}
}

func (w *writer) write(p, value, what string) {
	if err := w.u.fs.Write(p, value); err != nil {
		_ = level.Error(w.u.logger).Log("msg", what, "err", err)
		w.ok = false
	}
}

// EnableUsbData turns USB data signalling on or off.
func (u *Usb) EnableUsbData(port string, enable bool, txID int64) {
	_ = level.Info(u.logger).Log("msg", "userspace toggles usb data signalling", "enable", enable, "txid", txID)

	w := u.newWriter()
	if enable {
		if !u.usbDataEnabled.Load() {
			w.write(u.cfg.udc(udcDataEnabled), "1", "not able to turn on usb connection notification")
			w.write(u.cfg.Paths.Pullup, u.cfg.Paths.GadgetName, "gadget cannot be pulled up")
			u.setDisplayPortActive(true)
		}
	} else {
		w.write(u.cfg.udc(udcOTGID), "1", "not able to turn off host mode")
		w.write(u.cfg.udc(udcVBUSSession), "0", "not able to set vbus state")
		w.write(u.cfg.udc(udcDataEnabled), "0", "not able to turn off usb connection notification")
		w.write(u.cfg.Paths.Pullup, "none", "gadget cannot be pulled down")
		u.setDisplayPortActive(false)
	}

	if w.ok {
		u.usbDataEnabled.Store(enable)
	}
	u.notify(func(cb Callback) {
		cb.NotifyEnableUsbDataStatus(port, enable, statusOf(w.ok), txID)
	})
	u.refreshPortStatus()
}

// setDisplayPortActive enters or leaves DisplayPort alternate mode on both
// ends of the link and starts or stops polling accordingly. Failures are
// logged only.
func (u *Usb) setDisplayPortActive(active bool) {
	portPath := u.cfg.displayPort().PortActivePath
	value := "0"
	if active {
		value = "1"
		if err := u.fs.Write(portPath, value); err != nil {
			_ = level.Error(u.logger).Log("msg", "failed to enable displayport alt mode on port", "err", err)
		}
	}

	if partnerPath, err := u.dp.PartnerActivePath(); err == nil {
		if err := u.fs.Write(partnerPath, value); err != nil {
			_ = level.Error(u.logger).Log("msg", "failed to set displayport alt mode on partner", "path", partnerPath, "active", active, "err", err)
		} else if active {
			u.dp.Setup()
		} else {
			u.dp.Shutdown(true)
		}
	}

	if !active {
		if err := u.fs.Write(portPath, value); err != nil {
			_ = level.Error(u.logger).Log("msg", "failed to disable displayport alt mode on port", "err", err)
		}
	}
}

// EnableUsbDataWhileDocked re-enables USB data through the dock. Devices
// without a dock connector report NotSupported.
func (u *Usb) EnableUsbDataWhileDocked(port string, txID int64) {
	_ = level.Info(u.logger).Log("msg", "userspace enables usb data while docked", "txid", txID)

	status := typec.StatusNotSupported
	if u.fs.Exists(u.cfg.Paths.PogoEnableUsb) {
		w := u.newWriter()
		w.write(u.cfg.Paths.PogoEnableUsb, "1", "write to enable_usb failed")
		status = statusOf(w.ok)
	}

	u.notify(func(cb Callback) {
		cb.NotifyEnableUsbDataWhileDockedStatus(port, status, txID)
	})
	u.refreshPortStatus()
}

// ResetUsbPort pulls the gadget down. The gadget stack pulls it up again.
func (u *Usb) ResetUsbPort(port string, txID int64) {
	_ = level.Info(u.logger).Log("msg", "userspace resets usb port", "txid", txID)

	w := u.newWriter()
	w.write(u.cfg.Paths.Pullup, "none", "gadget cannot be pulled down")
	u.notify(func(cb Callback) {
		cb.NotifyResetUsbPortStatus(port, statusOf(w.ok), txID)
	})
}

// EnableContaminantPresenceDetection turns contaminant detection in the port
// controller on or off. While detection is disabled by configuration the
// request is acknowledged without touching the controller.
func (u *Usb) EnableContaminantPresenceDetection(port string, enable bool, txID int64) {
	ok := true
	if !u.contaminantDisabled.Load() {
		value := "0"
		if enable {
			value = "1"
		}
		if p, err := u.tcpcAttribute("contaminant_detection"); err != nil {
			_ = level.Error(u.logger).Log("msg", "port controller not found", "err", err)
			ok = false
		} else {
			w := u.newWriter()
			w.write(p, value, "failed to set contaminant detection")
			ok = w.ok
		}
	}

	u.notify(func(cb Callback) {
		cb.NotifyContaminantEnabledStatus(port, enable, statusOf(ok), txID)
	})
	u.refreshPortStatus()
}

// LimitPowerTransfer limits or restores power transfer in both directions.
// Limiting first drops the sink current limit to zero. Only non-negative
// transaction ids are acknowledged.
func (u *Usb) LimitPowerTransfer(port string, limit bool, txID int64) {
	value := "0"
	if limit {
		value = "1"
	}

	ok := true
	dir, err := u.tcpcDir()
	if err != nil {
		_ = level.Error(u.logger).Log("msg", "port controller not found", "err", err)
		ok = false
	}

	u.mu.Lock()
	if ok {
		w := u.newWriter()
		if limit {
			w.write(path.Join(dir, "usb_limit_sink_current"), "0", "failed to set sink current limit")
		}
		w.write(path.Join(dir, "usb_limit_sink_enable"), value, "failed to update sink limit")
		w.write(path.Join(dir, "usb_limit_source_enable"), value, "failed to update source limit")
		ok = w.ok
	}
	_ = level.Info(u.logger).Log("msg", "limit power transfer", "limit", limit, "txid", txID)
	if txID >= 0 {
		u.notifyLocked(func(cb Callback) {
			cb.NotifyLimitPowerTransferStatus(port, limit, statusOf(ok), txID)
		})
	}
	u.mu.Unlock()

	u.refreshPortStatus()
}
