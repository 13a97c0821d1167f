// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/efficientgo/core/errors"
)

// Role is the wire form of a typec.PortRole.
type Role struct {
	Kind  typec.RoleKind `json:"kind"`
	Value uint32         `json:"value"`
}

// RoleOf converts a port role for the wire. A nil role maps to nil.
func RoleOf(r typec.PortRole) *Role {
	if r == nil {
		return nil
	}
	return &Role{Kind: r.Kind(), Value: typec.RoleValue(r)}
}

// PortRole converts the role back. Out of range values are rejected.
func (r *Role) PortRole() (typec.PortRole, error) {
	if r == nil {
		return nil, errors.New("no role given")
	}
	role, ok := typec.NewPortRole(r.Kind, r.Value)
	if !ok {
		return nil, errors.Newf("role %d of kind %s out of range", r.Value, r.Kind)
	}
	return role, nil
}

type SwitchRoleRequest struct {
	Port string `json:"port"`
	Role *Role  `json:"role"`
	TxID int64  `json:"txid"`
}

type EnableRequest struct {
	Port   string `json:"port"`
	Enable bool   `json:"enable"`
	TxID   int64  `json:"txid"`
}

type PortRequest struct {
	Port string `json:"port"`
	TxID int64  `json:"txid"`
}

type LimitPowerTransferRequest struct {
	Port  string `json:"port"`
	Limit bool   `json:"limit"`
	TxID  int64  `json:"txid"`
}

type QueryPortStatusRequest struct {
	TxID int64 `json:"txid"`
}

type PortSecurityStateRequest struct {
	Port  string                  `json:"port"`
	State typec.PortSecurityState `json:"state"`
}

// Ack acknowledges that a request was accepted. The outcome of the request
// itself is delivered to the watcher.
type Ack struct{}

type WatchRequest struct{}

// Notification kinds, one per callback method.
const (
	KindPortStatus               = "port_status"
	KindRoleSwitch               = "role_switch"
	KindEnableUsbData            = "enable_usb_data"
	KindEnableUsbDataWhileDocked = "enable_usb_data_while_docked"
	KindResetUsbPort             = "reset_usb_port"
	KindContaminantEnabled       = "contaminant_enabled"
	KindLimitPowerTransfer       = "limit_power_transfer"
	KindQueryPortStatus          = "query_port_status"
)

// Notification is one callback invocation as streamed to the watcher.
type Notification struct {
	// Session identifies the watch stream the notification was sent on.
	Session string             `json:"session"`
	Kind    string             `json:"kind"`
	Port    string             `json:"port,omitempty"`
	Role    *Role              `json:"role,omitempty"`
	Enable  bool               `json:"enable,omitempty"`
	Status  typec.Status       `json:"status"`
	TxID    int64              `json:"txid"`
	Ports   []typec.PortStatus `json:"ports,omitempty"`
}
