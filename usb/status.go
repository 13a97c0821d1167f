// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
)

const partnerSuffix = "-partner"

type portEntry struct {
	name      string
	connected bool
}

// portEntries lists the Type-C ports, sorted by name. A port is connected
// when its partner device exists.
func (u *Usb) portEntries() ([]portEntry, error) {
	entries, err := u.fs.ReadDir(u.cfg.Paths.TypeC)
	if err != nil {
		return nil, err
	}
	connected := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() && e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		name := e.Name()
		port, rest, found := strings.Cut(name, "-")
		switch {
		case !found:
			if _, ok := connected[port]; !ok {
				connected[port] = false
			}
		case "-"+rest == partnerSuffix:
			connected[port] = true
		}
	}

	ports := make([]portEntry, 0, len(connected))
	for name, c := range connected {
		ports = append(ports, portEntry{name: name, connected: c})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].name < ports[j].name })
	return ports, nil
}

// QueryPortStatus pushes a fresh port status snapshot and acknowledges the
// query.
func (u *Usb) QueryPortStatus(txID int64) {
	u.refreshPortStatus()
	u.notify(func(cb Callback) {
		cb.NotifyQueryPortStatus("all", typec.StatusSuccess, txID)
	})
}

// refreshPortStatus runs one aggregation pass and notifies the result.
func (u *Usb) refreshPortStatus() []typec.PortStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	ports, status := u.collectPortStatus()
	if len(ports) > 0 {
		if err := u.queryContaminantStatus(&ports[0]); err != nil {
			_ = level.Warn(u.logger).Log("msg", "failed to query contaminant detection", "err", err)
		}
		if err := u.queryPowerTransferStatus(&ports[0]); err != nil {
			_ = level.Warn(u.logger).Log("msg", "failed to query power transfer limit", "err", err)
		}
		for i := range ports {
			u.queryComplianceWarnings(&ports[i])
		}
	}

	u.dp.SetupIfFirst()
	if len(ports) > 0 {
		dp := u.dp.AltModeData()
		ports[0].DisplayPortAltMode = &dp
	}

	u.statusPassesTotal.WithLabelValues(status.String()).Inc()
	u.notifyLocked(func(cb Callback) {
		snapshot := make([]typec.PortStatus, len(ports))
		for i := range ports {
			snapshot[i] = ports[i].Clone()
		}
		cb.NotifyPortStatusChange(snapshot, status)
	})
	return ports
}

// displayPortChanged is handed to the DisplayPort controller, which calls it
// once a hot plug or link change has settled.
func (u *Usb) displayPortChanged() {
	u.refreshPortStatus()
}

// collectPortStatus resolves the basic status of every port. The first port
// that cannot be resolved aborts the pass; the ports resolved before it are
// returned with StatusError.
func (u *Usb) collectPortStatus() ([]typec.PortStatus, typec.Status) {
	entries, err := u.portEntries()
	if err != nil {
		_ = level.Error(u.logger).Log("msg", "failed to list type-c ports", "err", err)
		return nil, typec.StatusError
	}

	ports := make([]typec.PortStatus, 0, len(entries))
	for _, e := range entries {
		st, err := u.portStatus(e)
		if err != nil {
			_ = level.Error(u.logger).Log("msg", "failed to resolve port status", "port", e.name, "err", err)
			return ports, typec.StatusError
		}
		ports = append(ports, st)
	}
	return ports, typec.StatusSuccess
}

func (u *Usb) portStatus(e portEntry) (typec.PortStatus, error) {
	st := typec.PortStatus{
		PortName:       e.name,
		CanChangeMode:  true,
		SupportedModes: []typec.Mode{typec.ModeDRP},
	}

	power, err := u.currentRole(e, typec.RoleKindPower)
	if err != nil {
		return st, errors.Wrap(err, "power role")
	}
	st.CurrentPowerRole = power.(typec.PowerRole)
	data, err := u.currentRole(e, typec.RoleKindData)
	if err != nil {
		return st, errors.Wrap(err, "data role")
	}
	st.CurrentDataRole = data.(typec.DataRole)
	mode, err := u.currentRole(e, typec.RoleKindMode)
	if err != nil {
		return st, errors.Wrap(err, "mode")
	}
	st.CurrentMode = mode.(typec.Mode)

	if e.connected {
		pd := u.supportsPowerDelivery(e.name)
		st.CanChangeDataRole = pd
		st.CanChangePowerRole = pd
	}

	dataEnabled := true
	if active, err := u.fs.ReadInt(u.cfg.Paths.PogoUsbActive); err == nil && active == 1 {
		st.UsbDataStatus = append(st.UsbDataStatus, typec.UsbDataStatusDisabledDock)
		dataEnabled = false
	}
	if !u.usbDataEnabled.Load() {
		st.UsbDataStatus = append(st.UsbDataStatus, typec.UsbDataStatusDisabledForce)
		dataEnabled = false
	}
	if dataEnabled {
		st.UsbDataStatus = append(st.UsbDataStatus, typec.UsbDataStatusEnabled)
	}

	if e.connected {
		if usbType, err := u.fs.Read(u.cfg.Paths.PowerSupplyUsbType); err == nil {
			st.PowerBrickStatus = typec.ParsePowerBrickStatus(usbType)
		} else {
			_ = level.Warn(u.logger).Log("msg", "failed to read usb_type", "err", err)
		}
	} else {
		st.PowerBrickStatus = typec.PowerBrickStatusNotConnected
	}

	_ = level.Debug(u.logger).Log(
		"msg", "port status",
		"port", e.name,
		"connected", e.connected,
		"can_change_mode", st.CanChangeMode,
		"can_change_data_role", st.CanChangeDataRole,
		"can_change_power_role", st.CanChangePowerRole,
		"usb_data_enabled", dataEnabled,
	)
	return st, nil
}

// currentRole reads one of the roles of a port. Disconnected ports report
// the zero role of each kind. The mode of a connected port is derived from
// its data role unless the partner is an accessory.
func (u *Usb) currentRole(e portEntry, kind typec.RoleKind) (typec.PortRole, error) {
	none, _ := typec.NewPortRole(kind, 0)
	if !e.connected {
		return none, nil
	}

	attr := "data_role"
	switch kind {
	case typec.RoleKindPower:
		attr = "power_role"
	case typec.RoleKindMode:
		accessory, err := u.fs.ReadTrimmed(path.Join(u.partnerDir(e.name), "accessory_mode"))
		if err != nil {
			return nil, err
		}
		if m, ok := typec.ParseAccessoryMode(accessory); ok {
			return m, nil
		}
	}

	raw, err := u.fs.Read(path.Join(u.portDir(e.name), attr))
	if err != nil {
		return nil, err
	}
	role, status := typec.ParseRole(kind, raw)
	if status != typec.StatusSuccess {
		return nil, errors.Newf("%s: unrecognized role %q", status, strings.TrimSpace(raw))
	}
	return role, nil
}

func (u *Usb) supportsPowerDelivery(port string) bool {
	pd, err := u.fs.ReadTrimmed(path.Join(u.partnerDir(port), "supports_usb_power_delivery"))
	return err == nil && pd == "yes"
}

// queryContaminantStatus fills in contaminant detection for the port wired
// to the port controller.
func (u *Usb) queryContaminantStatus(st *typec.PortStatus) error {
	st.SupportedContaminantProtectionModes = []typec.ContaminantProtectionMode{typec.ContaminantProtectionModeForceDisable}
	st.ContaminantProtectionStatus = typec.ContaminantProtectionNone
	st.ContaminantDetectionStatus = typec.ContaminantDetectionDisabled
	st.SupportsEnableContaminantPresenceDetection = true
	st.SupportsEnableContaminantPresenceProtection = false

	dir, err := u.tcpcDir()
	if err != nil {
		return err
	}
	enabled, err := u.fs.ReadTrimmed(path.Join(dir, "contaminant_detection"))
	if err != nil {
		return err
	}
	if enabled != "1" {
		return nil
	}
	detected, err := u.fs.ReadTrimmed(path.Join(dir, "contaminant_detection_status"))
	if err != nil {
		return err
	}
	if detected == "1" {
		st.ContaminantDetectionStatus = typec.ContaminantDetectionDetected
		st.ContaminantProtectionStatus = typec.ContaminantProtectionForceDisable
	} else {
		st.ContaminantDetectionStatus = typec.ContaminantDetectionNotDetected
	}
	return nil
}

func (u *Usb) queryPowerTransferStatus(st *typec.PortStatus) error {
	p, err := u.tcpcAttribute("usb_limit_sink_enable")
	if err != nil {
		return err
	}
	enabled, err := u.fs.ReadTrimmed(p)
	if err != nil {
		return err
	}
	st.PowerTransferLimited = enabled == "1"
	return nil
}

// queryComplianceWarnings reads the non-compliance reasons of a port. A
// port with warnings but no power role is powered by a non-compliant
// charger and is reported as a sink with a connected brick.
func (u *Usb) queryComplianceWarnings(st *typec.PortStatus) {
	st.SupportsComplianceWarnings = true
	reasons, err := u.fs.Read(path.Join(u.portDir(st.PortName), "device", "non_compliant_reasons"))
	if err != nil {
		return
	}
	st.ComplianceWarnings = typec.ParseComplianceWarnings(reasons, u.cfg.InputPowerLimitedWarning)
	if len(st.ComplianceWarnings) > 0 && st.CurrentPowerRole == typec.PowerRoleNone {
		st.CurrentMode = typec.ModeUFP
		st.CurrentPowerRole = typec.PowerRoleSink
		st.CurrentDataRole = typec.DataRoleNone
		st.PowerBrickStatus = typec.PowerBrickStatusConnected
	}
}
