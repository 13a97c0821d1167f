// SPDX-License-Identifier: Apache-2.0

package usb

import "github.com/MatthiasValvekens/usbc-hal/typec"

// Callback receives the outcome of every operation and every port status
// snapshot. Methods are invoked with the service's callback lock held, one
// at a time, and must not call back into the service.
type Callback interface {
	NotifyPortStatusChange(ports []typec.PortStatus, status typec.Status)
	NotifyRoleSwitchStatus(port string, role typec.PortRole, status typec.Status, txID int64)
	NotifyEnableUsbDataStatus(port string, enable bool, status typec.Status, txID int64)
	NotifyEnableUsbDataWhileDockedStatus(port string, status typec.Status, txID int64)
	NotifyResetUsbPortStatus(port string, status typec.Status, txID int64)
	NotifyContaminantEnabledStatus(port string, enable bool, status typec.Status, txID int64)
	NotifyLimitPowerTransferStatus(port string, limit bool, status typec.Status, txID int64)
	NotifyQueryPortStatus(port string, status typec.Status, txID int64)
}
