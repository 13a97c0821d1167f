// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"path"
	"time"

	"github.com/MatthiasValvekens/usbc-hal/displayport"
	"github.com/MatthiasValvekens/usbc-hal/overheat"
	"github.com/MatthiasValvekens/usbc-hal/uevent"
)

// Paths locates the kernel attributes the service reads and writes.
type Paths struct {
	TypeC string `json:"typec"`
	// TCPCController is the I2C controller the port controller hangs off,
	// TCPCAddress the client address of the port controller on its bus.
	TCPCController     string `json:"tcpc_controller"`
	TCPCAddress        string `json:"tcpc_address"`
	DRM                string `json:"drm"`
	PogoUsbActive      string `json:"pogo_usb_active"`
	PogoEnableUsb      string `json:"pogo_enable_usb"`
	PowerSupplyUsbType string `json:"power_supply_usb_type"`
	OverheatStats      string `json:"overheat_stats"`
	// UDC is the USB device controller directory holding the OTG ID, VBUS
	// session and data enable attributes.
	UDC        string `json:"udc"`
	Pullup     string `json:"pullup"`
	GadgetName string `json:"gadget_name"`
}

type Timeouts struct {
	PortType            time.Duration `json:"port_type"`
	DisplayPortDebounce time.Duration `json:"displayport_debounce"`
	DisplayPortPollWait time.Duration `json:"displayport_poll_wait"`
	DisplayPortActivate time.Duration `json:"displayport_activate"`
}

type Config struct {
	Paths    Paths    `json:"paths"`
	Timeouts Timeouts `json:"timeouts"`

	DisplayPortActivateRetries int                 `json:"displayport_activate_retries"`
	Uevent                     uevent.Rules        `json:"uevent"`
	Thermal                    overheat.ZoneConfig `json:"thermal"`

	DisableContaminantDetection bool `json:"disable_contaminant_detection"`
	InputPowerLimitedWarning    bool `json:"input_power_limited_warning"`
}

func DefaultConfig() Config {
	return Config{
		Paths: Paths{
			TypeC:              "/sys/class/typec",
			TCPCController:     "/sys/devices/platform/10cb0000.hsi2c",
			TCPCAddress:        "0025",
			DRM:                "/sys/devices/platform/110f0000.drmdp/drm-displayport",
			PogoUsbActive:      "/sys/devices/platform/google,pogo/pogo_usb_active",
			PogoEnableUsb:      "/sys/devices/platform/google,pogo/enable_usb",
			PowerSupplyUsbType: "/sys/class/power_supply/usb/usb_type",
			OverheatStats:      "/sys/devices/platform/google,usbc_port_cooling_dev",
			UDC:                "/sys/devices/platform/11210000.usb",
			Pullup:             "/config/usb_gadget/g1/UDC",
			GadgetName:         "11210000.dwc3",
		},
		Timeouts: Timeouts{
			PortType:            8 * time.Second,
			DisplayPortDebounce: 2 * time.Second,
			DisplayPortPollWait: 100 * time.Millisecond,
			DisplayPortActivate: 100 * time.Millisecond,
		},
		DisplayPortActivateRetries: 2,
		Uevent:                     uevent.DefaultRules(),
		Thermal:                    overheat.DefaultZoneConfig(),
	}
}

// displayPortPort is the port that carries DisplayPort alternate mode.
const displayPortPort = "port0"

func (c Config) displayPort() displayport.Config {
	port := path.Join(c.Paths.TypeC, displayPortPort)
	return displayport.Config{
		PartnerDir:         port + "-partner",
		OrientationPath:    path.Join(port, "orientation"),
		PortActivePath:     path.Join(port, displayPortPort+".0", "mode1", "active"),
		DRMDir:             c.Paths.DRM,
		StatusDebounce:     c.Timeouts.DisplayPortDebounce,
		PollWait:           c.Timeouts.DisplayPortPollWait,
		ActivateDelay:      c.Timeouts.DisplayPortActivate,
		ActivateMaxRetries: c.DisplayPortActivateRetries,
	}
}

func (c Config) udc(name string) string {
	return path.Join(c.Paths.UDC, name)
}
