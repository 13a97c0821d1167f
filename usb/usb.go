// SPDX-License-Identifier: GPL-2.0-only

// Package usb implements the USB Type-C port service: role switching, port
// status aggregation, USB data signalling control and the reaction to
// kernel uevents. All framework facing operations report their outcome
// through the registered Callback.
package usb

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"path"
	"sync"
	"sync/atomic"

	"github.com/MatthiasValvekens/usbc-hal/displayport"
	"github.com/MatthiasValvekens/usbc-hal/overheat"
	"github.com/MatthiasValvekens/usbc-hal/sysfs"
	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/MatthiasValvekens/usbc-hal/uevent"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Usb is the Type-C port service. It owns all port state; callers only ever
// see copies.
type Usb struct {
	fs     *sysfs.Accessor
	cfg    Config
	logger log.Logger

	// mu guards callback and serialises notifications and aggregation
	// passes.
	mu       sync.Mutex
	callback Callback

	// roleSwitchMu admits one role switch at a time. The uevent handler
	// only tries it, to stay clear of a switch in progress.
	roleSwitchMu sync.Mutex
	partner      *partnerWaiter

	usbDataEnabled      atomic.Bool
	contaminantDisabled atomic.Bool

	openUevents uevent.OpenFunc
	monitor     *uevent.Monitor
	dp          *displayport.Controller
	sensor      overheat.Sensor
	reporter    overheat.Reporter

	// metrics
	statusPassesTotal *prometheus.CounterVec
	roleSwitchesTotal *prometheus.CounterVec
	ueventsTotal      *prometheus.CounterVec
}

// Option customises a Usb service.
type Option func(*Usb)

// WithUeventSource replaces the kernel uevent socket.
func WithUeventSource(open uevent.OpenFunc) Option {
	return func(u *Usb) { u.openUevents = open }
}

// WithOverheat replaces the thermal sensor and the telemetry sink used for
// overheat reports.
func WithOverheat(sensor overheat.Sensor, reporter overheat.Reporter) Option {
	return func(u *Usb) {
		u.sensor = sensor
		u.reporter = reporter
	}
}

// New creates the service. USB data signalling is assumed to be enabled.
func New(fs *sysfs.Accessor, cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...Option) *Usb {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	u := &Usb{
		fs:          fs,
		cfg:         cfg,
		logger:      logger,
		partner:     newPartnerWaiter(),
		openUevents: uevent.OpenKernelSource,
		statusPassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usb_port_status_passes_total",
			Help: "The number of port status aggregation passes by result.",
		}, []string{"status"}),
		roleSwitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usb_role_switches_total",
			Help: "The number of role switches by role kind and result.",
		}, []string{"kind", "status"}),
		ueventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usb_uevents_total",
			Help: "The number of classified uevents by kind.",
		}, []string{"kind"}),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.usbDataEnabled.Store(true)
	u.contaminantDisabled.Store(cfg.DisableContaminantDetection)

	if u.sensor == nil {
		u.sensor = overheat.NewZones(fs, cfg.Thermal, log.With(logger, "component", "thermal"))
	}
	if u.reporter == nil {
		u.reporter = overheat.NewStatsReporter(log.With(logger, "component", "overheat"), reg)
	}
	u.monitor = uevent.NewMonitor(u.openUevents, u.handleUevent, log.With(logger, "component", "uevent"))
	u.dp = displayport.New(fs, cfg.displayPort(), u.displayPortChanged, u.irqHpdCountPath, log.With(logger, "component", "displayport"), reg)

	if reg != nil {
		reg.MustRegister(u.statusPassesTotal, u.roleSwitchesTotal, u.ueventsTotal)
	}
	return u
}

// SetCallback registers the notification sink. Registering the first
// callback starts the uevent monitor; clearing it stops the monitor. If the
// monitor cannot be started the callback is dropped again.
func (u *Usb) SetCallback(cb Callback) error {
	u.mu.Lock()
	if (u.callback == nil) == (cb == nil) {
		u.callback = cb
		u.mu.Unlock()
		return nil
	}

	u.callback = cb
	if cb == nil {
		u.mu.Unlock()
		// Stopped without mu held: the uevent handler takes mu.
		u.monitor.Stop()
		_ = level.Info(u.logger).Log("msg", "callback cleared")
		return nil
	}
	defer u.mu.Unlock()

	_ = level.Info(u.logger).Log("msg", "registering callback")
	if err := u.monitor.Start(); err != nil {
		u.callback = nil
		return errors.Wrap(err, "failed to start uevent monitor")
	}
	return nil
}

// SetContaminantDetectionDisabled toggles whether contaminant detection
// requests are forwarded to the port controller.
func (u *Usb) SetContaminantDetectionDisabled(disabled bool) {
	if u.contaminantDisabled.Swap(disabled) != disabled {
		_ = level.Info(u.logger).Log("msg", "contaminant detection override changed", "disabled", disabled)
	}
}

// Close stops the uevent monitor and tears down DisplayPort polling.
func (u *Usb) Close() {
	u.mu.Lock()
	u.callback = nil
	u.mu.Unlock()
	u.monitor.Stop()
	u.dp.Close()
}

// notify hands the callback to f under the callback lock.
func (u *Usb) notify(f func(Callback)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notifyLocked(f)
}

func (u *Usb) notifyLocked(f func(Callback)) {
	if u.callback == nil {
		_ = level.Debug(u.logger).Log("msg", "not notifying, callback is not set")
		return
	}
	f(u.callback)
}

func statusOf(ok bool) typec.Status {
	if ok {
		return typec.StatusSuccess
	}
	return typec.StatusError
}

// tcpcDir locates the port controller's attribute directory.
func (u *Usb) tcpcDir() (string, error) {
	return u.fs.I2CClientDir(u.cfg.Paths.TCPCController, u.cfg.Paths.TCPCAddress)
}

func (u *Usb) tcpcAttribute(name string) (string, error) {
	dir, err := u.tcpcDir()
	if err != nil {
		return "", err
	}
	return path.Join(dir, name), nil
}

func (u *Usb) irqHpdCountPath() (string, error) {
	return u.tcpcAttribute("irq_hpd_count")
}

func (u *Usb) portDir(port string) string {
	return path.Join(u.cfg.Paths.TypeC, port)
}

func (u *Usb) partnerDir(port string) string {
	return path.Join(u.cfg.Paths.TypeC, port+"-partner")
}
