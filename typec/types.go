// SPDX-License-Identifier: Apache-2.0

package typec

// Status is the outcome reported for every framework-facing operation.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusError
	StatusNotSupported
	StatusUnrecognizedRole
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusNotSupported:
		return "not_supported"
	case StatusUnrecognizedRole:
		return "unrecognized_role"
	}
	return "unknown"
}

type PowerRole uint32

const (
	PowerRoleNone PowerRole = iota
	PowerRoleSource
	PowerRoleSink
)

type DataRole uint32

const (
	DataRoleNone DataRole = iota
	DataRoleHost
	DataRoleDevice
)

type Mode uint32

const (
	ModeNone Mode = iota
	ModeUFP
	ModeDFP
	ModeDRP
	ModeAudioAccessory
	ModeDebugAccessory
)

// RoleKind tags which of the three role families a PortRole belongs to.
type RoleKind uint32

const (
	RoleKindPower RoleKind = iota
	RoleKindData
	RoleKindMode
)

func (k RoleKind) String() string {
	switch k {
	case RoleKindPower:
		return "power"
	case RoleKindData:
		return "data"
	case RoleKindMode:
		return "mode"
	}
	return "unknown"
}

// PortRole is one of PowerRole, DataRole or Mode.
type PortRole interface {
	Kind() RoleKind
	// Token is the string the kernel expects when this role is requested.
	Token() string
	// AttributeName is the port attribute that selects this kind of role.
	AttributeName() string

	portRole()
}

func (PowerRole) Kind() RoleKind { return RoleKindPower }
func (PowerRole) AttributeName() string { return "power_role" }
func (PowerRole) portRole() {}
func (DataRole) Kind() RoleKind { return RoleKindData }
func (DataRole) AttributeName() string { return "data_role" }
func (DataRole) portRole() {}
func (Mode) Kind() RoleKind { return RoleKindMode }
func (Mode) AttributeName() string { return "port_type" }
func (Mode) portRole() {}

func (r PowerRole) Token() string {
	switch r {
	case PowerRoleSource:
		return "source"
	case PowerRoleSink:
		return "sink"
	}
	return "none"
}

func (r DataRole) Token() string {
	switch r {
	case DataRoleHost:
		return "host"
	case DataRoleDevice:
		return "device"
	}
	return "none"
}

func (m Mode) Token() string {
	switch m {
	case ModeUFP:
		return "sink"
	case ModeDFP:
		return "source"
	case ModeDRP:
		return "dual"
	}
	return "none"
}

// NewPortRole builds the role of the given kind from its numeric value.
func NewPortRole(kind RoleKind, value uint32) (PortRole, bool) {
	switch kind {
	case RoleKindPower:
		if value > uint32(PowerRoleSink) {
			return nil, false
		}
		return PowerRole(value), true
	case RoleKindData:
		if value > uint32(DataRoleDevice) {
			return nil, false
		}
		return DataRole(value), true
	case RoleKindMode:
		if value > uint32(ModeDebugAccessory) {
			return nil, false
		}
		return Mode(value), true
	}
	return nil, false
}

// RoleValue returns the numeric value of r, the inverse of NewPortRole.
func RoleValue(r PortRole) uint32 {
	switch v := r.(type) {
	case PowerRole:
		return uint32(v)
	case DataRole:
		return uint32(v)
	case Mode:
		return uint32(v)
	}
	return 0
}

type ContaminantDetectionStatus uint32

const (
	ContaminantDetectionNotSupported ContaminantDetectionStatus = iota
	ContaminantDetectionDisabled
	ContaminantDetectionNotDetected
	ContaminantDetectionDetected
)

type ContaminantProtectionMode uint32

const (
	ContaminantProtectionModeNone ContaminantProtectionMode = iota
	ContaminantProtectionModeForceSink
	ContaminantProtectionModeForceSource
	ContaminantProtectionModeForceDisable
)

type ContaminantProtectionStatus uint32

const (
	ContaminantProtectionNone ContaminantProtectionStatus = iota
	ContaminantProtectionForceSink
	ContaminantProtectionForceSource
	ContaminantProtectionForceDisable
	ContaminantProtectionDisabled
)

type ComplianceWarning uint32

const (
	ComplianceWarningOther ComplianceWarning = iota + 1
	ComplianceWarningDebugAccessory
	ComplianceWarningBC12
	ComplianceWarningMissingRp
	ComplianceWarningInputPowerLimited
)

type UsbDataStatus uint32

const (
	UsbDataStatusUnknown UsbDataStatus = iota
	UsbDataStatusEnabled
	UsbDataStatusDisabledOverheat
	UsbDataStatusDisabledContaminant
	UsbDataStatusDisabledDock
	UsbDataStatusDisabledForce
	UsbDataStatusDisabledDebug
)

type PowerBrickStatus uint32

const (
	PowerBrickStatusUnknown PowerBrickStatus = iota
	PowerBrickStatusConnected
	PowerBrickStatusNotConnected
)

type DisplayPortAltModeStatus uint32

const (
	DisplayPortAltModeUnknown DisplayPortAltModeStatus = iota
	DisplayPortAltModeNotCapable
	DisplayPortAltModeCapable
	DisplayPortAltModeEnabled
)

type PinAssignment uint32

const (
	PinAssignmentNone PinAssignment = iota
	PinAssignmentC
	PinAssignmentD
	PinAssignmentE
)

type LinkTrainingStatus uint32

const (
	LinkTrainingUnknown LinkTrainingStatus = iota
	LinkTrainingSuccess
	LinkTrainingFailure
)

// PortSecurityState selects how much of the port is usable.
type PortSecurityState uint32

const (
	PortSecurityDisabled PortSecurityState = iota
	PortSecurityChargingOnlyImmediate
	PortSecurityChargingOnly
	PortSecurityEnabled
)

type DisplayPortAltModeData struct {
	CableStatus        DisplayPortAltModeStatus `json:"cable_status"`
	PartnerSinkStatus  DisplayPortAltModeStatus `json:"partner_sink_status"`
	HPD                bool                     `json:"hpd"`
	PinAssignment      PinAssignment            `json:"pin_assignment"`
	LinkTrainingStatus LinkTrainingStatus       `json:"link_training_status"`
}

// PortStatus is a snapshot of one Type-C port. Snapshots are rebuilt from
// the kernel on every aggregation pass and handed out by value.
type PortStatus struct {
	PortName string `json:"port_name"`

	CurrentDataRole  DataRole  `json:"current_data_role"`
	CurrentPowerRole PowerRole `json:"current_power_role"`
	CurrentMode      Mode      `json:"current_mode"`

	CanChangeMode      bool   `json:"can_change_mode"`
	CanChangeDataRole  bool   `json:"can_change_data_role"`
	CanChangePowerRole bool   `json:"can_change_power_role"`
	SupportedModes     []Mode `json:"supported_modes"`

	SupportedContaminantProtectionModes         []ContaminantProtectionMode `json:"supported_contaminant_protection_modes"`
	SupportsEnableContaminantPresenceProtection bool                        `json:"supports_enable_contaminant_presence_protection"`
	ContaminantProtectionStatus                 ContaminantProtectionStatus `json:"contaminant_protection_status"`
	SupportsEnableContaminantPresenceDetection  bool                        `json:"supports_enable_contaminant_presence_detection"`
	ContaminantDetectionStatus                  ContaminantDetectionStatus  `json:"contaminant_detection_status"`

	UsbDataStatus        []UsbDataStatus  `json:"usb_data_status"`
	PowerTransferLimited bool             `json:"power_transfer_limited"`
	PowerBrickStatus     PowerBrickStatus `json:"power_brick_status"`

	SupportsComplianceWarnings bool                `json:"supports_compliance_warnings"`
	ComplianceWarnings         []ComplianceWarning `json:"compliance_warnings"`

	DisplayPortAltMode *DisplayPortAltModeData `json:"display_port_alt_mode,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (p PortStatus) Clone() PortStatus {
	c := p
	c.SupportedModes = append([]Mode(nil), p.SupportedModes...)
	c.SupportedContaminantProtectionModes = append([]ContaminantProtectionMode(nil), p.SupportedContaminantProtectionModes...)
	c.UsbDataStatus = append([]UsbDataStatus(nil), p.UsbDataStatus...)
	c.ComplianceWarnings = append([]ComplianceWarning(nil), p.ComplianceWarnings...)
	if p.DisplayPortAltMode != nil {
		dp := *p.DisplayPortAltMode
		c.DisplayPortAltMode = &dp
	}
	return c
}
