// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"github.com/MatthiasValvekens/usbc-hal/overheat"
	"github.com/MatthiasValvekens/usbc-hal/uevent"
	"github.com/go-kit/log/level"
)

// handleUevent reacts to one kernel uevent. It runs on the monitor
// goroutine.
func (u *Usb) handleUevent(records []string) {
	for _, ev := range u.cfg.Uevent.Classify(records) {
		u.ueventsTotal.WithLabelValues(ev.Kind.String()).Inc()
		switch ev.Kind {
		case uevent.PartnerAdded:
			_ = level.Info(u.logger).Log("msg", "partner added")
			u.partner.signal()
			u.sensor.RecordPlug()
		case uevent.PortChanged:
			ports := u.refreshPortStatus()
			// Ports left without a partner go back to dual role, unless a
			// role switch is in progress.
			if u.roleSwitchMu.TryLock() {
				for _, p := range ports {
					if !u.fs.IsDir(u.partnerDir(p.PortName)) {
						u.switchToDRP(p.PortName)
					}
				}
				u.roleSwitchMu.Unlock()
			}
			if ev.FromTCPC && u.dp.RequestIrqHpdCheck() {
				_ = level.Debug(u.logger).Log("msg", "irq_hpd count check requested")
			}
		case uevent.Overheat:
			u.reportOverheat()
		case uevent.DisplayPortBind:
			u.dp.Setup()
		case uevent.DisplayPortChange:
			u.dp.Shutdown(false)
		}
	}
}

func (u *Usb) reportOverheat() {
	ev, err := overheat.Collect(u.fs, u.cfg.Paths.OverheatStats, u.sensor)
	if err != nil {
		_ = level.Error(u.logger).Log("msg", "dropping overheat report", "err", err)
		return
	}
	if err := u.reporter.ReportUsbPortOverheat(ev); err != nil {
		_ = level.Error(u.logger).Log("msg", "failed to report overheat event", "err", err)
	}
}
