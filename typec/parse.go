// SPDX-License-Identifier: Apache-2.0

package typec

import (
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	// DisplayPortReceptacleBit is set in a DisplayPort capabilities VDO when
	// the interface sits on a receptacle rather than on a plug.
	DisplayPortReceptacleBit = 6

	SVIDDisplayPort  = "ff01"
	SVIDThunderbolt  = "8087"
	linkStatusOK     = "1"
	linkStatusFailed = "2"
	// linkStatusSinkFailed is reported when the sink's EDID could not be
	// read, which in practice means a cable without DisplayPort wiring.
	linkStatusSinkFailed = "3"
)

// ExtractRole returns the bracketed selection of a kernel choice list such
// as "source [sink]". Values without brackets are returned unchanged.
func ExtractRole(s string) string {
	first := strings.Index(s, "[")
	last := strings.Index(s, "]")
	if first < 0 || last < 0 || last < first {
		return s
	}
	return s[first+1 : last]
}

// ParseRole interprets the content of a role attribute. Mode is derived
// from the data role: a host is a DFP and a device is a UFP.
func ParseRole(kind RoleKind, raw string) (PortRole, Status) {
	role := ExtractRole(strings.TrimSpace(raw))
	switch kind {
	case RoleKindPower:
		switch role {
		case "source":
			return PowerRoleSource, StatusSuccess
		case "sink":
			return PowerRoleSink, StatusSuccess
		case "none":
			return PowerRoleNone, StatusSuccess
		}
		return PowerRoleNone, StatusUnrecognizedRole
	case RoleKindData:
		switch role {
		case "host":
			return DataRoleHost, StatusSuccess
		case "device":
			return DataRoleDevice, StatusSuccess
		case "none":
			return DataRoleNone, StatusSuccess
		}
		return DataRoleNone, StatusUnrecognizedRole
	case RoleKindMode:
		switch role {
		case "host":
			return ModeDFP, StatusSuccess
		case "device":
			return ModeUFP, StatusSuccess
		case "none":
			return ModeNone, StatusSuccess
		}
		return ModeNone, StatusUnrecognizedRole
	}
	return nil, StatusError
}

// ParseAccessoryMode maps the partner accessory_mode attribute to a mode.
func ParseAccessoryMode(raw string) (Mode, bool) {
	switch strings.TrimSpace(raw) {
	case "analog_audio":
		return ModeAudioAccessory, true
	case "debug":
		return ModeDebugAccessory, true
	}
	return ModeNone, false
}

// ParsePinAssignment returns the selected pin assignment of a list such as
// "C [D] E". Without a selection the result is PinAssignmentNone.
func ParsePinAssignment(raw string) PinAssignment {
	pos := strings.Index(raw, "[")
	if pos < 0 || pos+1 >= len(raw) {
		return PinAssignmentNone
	}
	switch raw[pos+1] {
	case 'C':
		return PinAssignmentC
	case 'D':
		return PinAssignmentD
	case 'E':
		return PinAssignmentE
	}
	return PinAssignmentNone
}

// SelectedPin returns the raw selected pin letter, if any.
func SelectedPin(raw string) (string, bool) {
	pos := strings.Index(raw, "[")
	if pos < 0 || pos+1 >= len(raw) {
		return "", false
	}
	return raw[pos+1 : pos+2], true
}

func ParseLinkTrainingStatus(raw string) LinkTrainingStatus {
	switch strings.TrimSpace(raw) {
	case linkStatusOK:
		return LinkTrainingSuccess
	case linkStatusFailed, linkStatusSinkFailed:
		return LinkTrainingFailure
	}
	return LinkTrainingUnknown
}

// IsDisplayPortPlug reports whether the DisplayPort interface described by
// the capabilities VDO is presented on a USB-C plug. Unparseable values are
// treated as receptacles.
func IsDisplayPortPlug(vdo string) bool {
	v, err := strconv.ParseUint(strings.TrimSpace(vdo), 0, 64)
	if err != nil {
		return false
	}
	return v&(1<<DisplayPortReceptacleBit) == 0
}

// NewDisplayPortAltModeData derives the alternate mode descriptor from the
// raw hpd, pin_assignment, link_status and vdo attributes.
func NewDisplayPortAltModeData(hpd, pinAssignment, linkStatus, vdo string) DisplayPortAltModeData {
	var d DisplayPortAltModeData

	if IsDisplayPortPlug(vdo) {
		d.CableStatus = DisplayPortAltModeCapable
	} else {
		d.PartnerSinkStatus = DisplayPortAltModeCapable
	}

	d.HPD = strings.HasPrefix(hpd, "1")
	d.PinAssignment = ParsePinAssignment(pinAssignment)

	linkStatus = strings.TrimSpace(linkStatus)
	d.LinkTrainingStatus = ParseLinkTrainingStatus(linkStatus)
	switch d.LinkTrainingStatus {
	case LinkTrainingSuccess:
		d.PartnerSinkStatus = promote(d.PartnerSinkStatus)
		d.CableStatus = promote(d.CableStatus)
		if d.PartnerSinkStatus == DisplayPortAltModeEnabled {
			d.CableStatus = DisplayPortAltModeEnabled
		}
	case LinkTrainingFailure:
		if d.PartnerSinkStatus == DisplayPortAltModeCapable {
			if linkStatus == linkStatusSinkFailed {
				d.CableStatus = DisplayPortAltModeNotCapable
			} else {
				d.CableStatus = DisplayPortAltModeCapable
			}
		}
	}
	return d
}

func promote(s DisplayPortAltModeStatus) DisplayPortAltModeStatus {
	if s == DisplayPortAltModeCapable {
		return DisplayPortAltModeEnabled
	}
	return DisplayPortAltModeUnknown
}

// IsThunderboltOnly reports whether a partner advertises Thunderbolt but not
// DisplayPort among its alternate mode SVIDs.
func IsThunderboltOnly(svids []string) bool {
	s := sets.New[string]()
	for _, svid := range svids {
		s.Insert(strings.ToLower(strings.TrimSpace(svid)))
	}
	return s.Has(SVIDThunderbolt) && !s.Has(SVIDDisplayPort)
}

// ParseComplianceWarnings parses a non_compliant_reasons list such as
// "[bc12, missing_rp]". Unknown reasons are ignored. The "other" and
// "input_power_limited" reasons map to ComplianceWarningInputPowerLimited
// when inputPowerLimited is set, and to ComplianceWarningOther otherwise.
func ParseComplianceWarnings(reasons string, inputPowerLimited bool) []ComplianceWarning {
	tokens := strings.FieldsFunc(reasons, func(r rune) bool {
		return strings.ContainsRune("[], \n\x00", r)
	})
	warnings := sets.New[ComplianceWarning]()
	for _, reason := range tokens {
		switch {
		case strings.HasPrefix(reason, "debug-accessory"):
			warnings.Insert(ComplianceWarningDebugAccessory)
		case strings.HasPrefix(reason, "bc12"):
			warnings.Insert(ComplianceWarningBC12)
		case strings.HasPrefix(reason, "missing_rp"):
			warnings.Insert(ComplianceWarningMissingRp)
		case strings.HasPrefix(reason, "other"), strings.HasPrefix(reason, "input_power_limited"):
			if inputPowerLimited {
				warnings.Insert(ComplianceWarningInputPowerLimited)
			} else {
				warnings.Insert(ComplianceWarningOther)
			}
		}
	}
	return sets.List(warnings)
}

// ParsePowerBrickStatus interprets the power supply usb_type choice list.
// A selected dedicated charger ("[DCP]", "[D...") means a brick is
// connected; an unknown selection ("[Unknown]") is reported as such.
func ParsePowerBrickStatus(usbType string) PowerBrickStatus {
	switch {
	case strings.Contains(usbType, "[D"):
		return PowerBrickStatusConnected
	case strings.Contains(usbType, "[U"):
		return PowerBrickStatusUnknown
	}
	return PowerBrickStatusNotConnected
}
