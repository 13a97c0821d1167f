// SPDX-License-Identifier: Apache-2.0

package uevent

import (
	"bytes"
	"regexp"
	"strings"
)

// MaxMessageSize bounds the datagrams that are processed. Larger datagrams
// are discarded whole.
const MaxMessageSize = 2048

type Kind uint8

const (
	// PartnerAdded reports that a port partner appeared.
	PartnerAdded Kind = iota
	// PortChanged reports a Type-C, charger, dock or USB power supply event
	// that warrants a fresh port status pass.
	PortChanged
	// Overheat reports an update from the port cooling device.
	Overheat
	// DisplayPortBind reports the DisplayPort alternate mode driver binding.
	DisplayPortBind
	// DisplayPortChange reports a change on the DisplayPort alternate mode
	// driver, typically preceding its removal.
	DisplayPortChange
)

func (k Kind) String() string {
	switch k {
	case PartnerAdded:
		return "partner_added"
	case PortChanged:
		return "port_changed"
	case Overheat:
		return "overheat"
	case DisplayPortBind:
		return "displayport_bind"
	case DisplayPortChange:
		return "displayport_change"
	}
	return "unknown"
}

type Event struct {
	Kind Kind
	// FromTCPC is set on PortChanged events raised by the port controller
	// driver itself.
	FromTCPC bool
}

// Rules name the drivers and devices whose events are of interest.
type Rules struct {
	TCPCDriver        string `json:"tcpc_driver"`
	DockDriver        string `json:"dock_driver"`
	PowerSupplyName   string `json:"power_supply_name"`
	OverheatDriver    string `json:"overheat_driver"`
	DisplayPortDriver string `json:"displayport_driver"`
}

// DefaultRules match the drivers of the reference platform.
func DefaultRules() Rules {
	return Rules{
		TCPCDriver:        "max77759tcpc",
		DockDriver:        "pogo-transport",
		PowerSupplyName:   "usb",
		OverheatDriver:    "google,usbc_port_cooling_dev",
		DisplayPortDriver: "typec_displayport",
	}
}

var partnerAddRE = regexp.MustCompile(`^add.*-partner$`)

type action uint8

const (
	actionUnknown action = iota
	actionBind
	actionChange
)

// Split breaks a datagram into its NUL separated records. Scanning stops at
// the first empty record.
func Split(msg []byte) []string {
	var records []string
	for _, r := range bytes.Split(msg, []byte{0}) {
		if len(r) == 0 {
			break
		}
		records = append(records, string(r))
	}
	return records
}

// Classify maps the records of one datagram to events, in record order.
// The ACTION record is remembered across the scan so that a later
// DisplayPort driver record can be told apart as bind or change; the scan
// ends at that record.
func (r Rules) Classify(records []string) []Event {
	var (
		events []Event
		act    = actionUnknown
	)
	for _, rec := range records {
		switch {
		case partnerAddRE.MatchString(rec):
			events = append(events, Event{Kind: PartnerAdded})
		case strings.HasPrefix(rec, "DEVTYPE=typec_"),
			r.matchDriver(rec, r.DockDriver),
			r.PowerSupplyName != "" && strings.HasPrefix(rec, "POWER_SUPPLY_NAME="+r.PowerSupplyName):
			events = append(events, Event{Kind: PortChanged})
		case r.matchDriver(rec, r.TCPCDriver):
			events = append(events, Event{Kind: PortChanged, FromTCPC: true})
		case r.matchDriver(rec, r.OverheatDriver):
			events = append(events, Event{Kind: Overheat})
		case strings.HasPrefix(rec, "ACTION="):
			switch {
			case strings.HasPrefix(rec, "ACTION=bind"):
				act = actionBind
			case strings.HasPrefix(rec, "ACTION=change"):
				act = actionChange
			default:
				act = actionUnknown
			}
		case r.matchDriver(rec, r.DisplayPortDriver):
			switch act {
			case actionBind:
				events = append(events, Event{Kind: DisplayPortBind})
			case actionChange:
				events = append(events, Event{Kind: DisplayPortChange})
			}
			return events
		}
	}
	return events
}

func (r Rules) matchDriver(rec, driver string) bool {
	return driver != "" && strings.HasPrefix(rec, "DRIVER="+driver)
}
