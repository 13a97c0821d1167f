// SPDX-License-Identifier: Apache-2.0

package usb

import (
	baseerrors "errors"
	"path"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
)

var (
	// ErrNoI2CPath is returned when the port controller cannot be located.
	ErrNoI2CPath = errors.New("port controller i2c path not found")
	// ErrFileWrite is returned when a port controller attribute could not
	// be written.
	ErrFileWrite = errors.New("failed to write port controller attribute")
)

// Security modes as configured for the device. They select the port
// security state applied at startup.
const (
	SecurityModeDisabled              = 0
	SecurityModeChargingOnly          = 1
	SecurityModeChargingOnlyLocked    = 2
	SecurityModeChargingOnlyLockedAFU = 3
	SecurityModeEnabled               = 4
)

// SetPortSecurityState restricts what the port may be used for by gating
// CC toggling and the data path in the port controller. Both attributes
// are always written, even if the first write fails.
func (u *Usb) SetPortSecurityState(port string, state typec.PortSecurityState) error {
	dir, err := u.tcpcDir()
	if err != nil {
		_ = level.Error(u.logger).Log("msg", "port controller not found", "err", err)
		return ErrNoI2CPath
	}
	cc := path.Join(dir, "cc_toggle_enable")
	data := path.Join(dir, "data_path_enable")

	type write struct{ path, value string }
	var writes []write
	switch state {
	case typec.PortSecurityDisabled:
		writes = []write{{cc, "0"}, {data, "0"}}
	case typec.PortSecurityChargingOnlyImmediate:
		writes = []write{{data, "0"}, {cc, "1"}}
	case typec.PortSecurityChargingOnly:
		writes = []write{{data, "-1"}, {cc, "1"}}
	case typec.PortSecurityEnabled:
		writes = []write{{data, "1"}, {cc, "1"}}
	default:
		return errors.Newf("unknown port security state %d", state)
	}

	var failed []error
	for _, w := range writes {
		if err := u.fs.Write(w.path, w.value); err != nil {
			_ = level.Error(u.logger).Log("msg", "unable to write port controller attribute", "path", w.path, "value", w.value, "err", err)
			failed = append(failed, err)
			continue
		}
		_ = level.Debug(u.logger).Log("msg", "wrote port controller attribute", "path", w.path, "value", w.value)
	}
	if len(failed) > 0 {
		return baseerrors.Join(append([]error{ErrFileWrite}, failed...)...)
	}
	_ = level.Info(u.logger).Log("msg", "port security state set", "port", port, "state", state)
	return nil
}

// ApplySecurityMode applies the port security state belonging to a device
// security mode. SecurityModeDisabled leaves the port controller untouched.
func (u *Usb) ApplySecurityMode(mode int) error {
	_ = level.Debug(u.logger).Log("msg", "applying initial security mode", "mode", mode)
	switch mode {
	case SecurityModeChargingOnly, SecurityModeChargingOnlyLocked:
		return u.SetPortSecurityState("", typec.PortSecurityChargingOnlyImmediate)
	case SecurityModeChargingOnlyLockedAFU, SecurityModeEnabled:
		return u.SetPortSecurityState("", typec.PortSecurityEnabled)
	case SecurityModeDisabled:
		return nil
	}
	return errors.Newf("unknown security mode %d", mode)
}
