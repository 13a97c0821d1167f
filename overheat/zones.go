// SPDX-License-Identifier: Apache-2.0

package overheat

import (
	"path"
	"sync"

	"github.com/MatthiasValvekens/usbc-hal/sysfs"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const thermalClassDir = "/sys/class/thermal"

// ZoneConfig names the thermal zones consulted for port temperatures.
type ZoneConfig struct {
	// Trip is the zone whose trips throttle the port.
	Trip string `json:"trip"`
	// Read lists the zones sampled for the plug temperature, in order of
	// preference.
	Read []string `json:"read"`
}

func DefaultZoneConfig() ZoneConfig {
	return ZoneConfig{
		Trip: "VIRTUAL-USB-THROTTLING",
		Read: []string{"usb_pwr_therm2", "usb_pwr_therm", "qi_therm"},
	}
}

// Sensor provides the temperatures attached to an overheat report, in
// degrees Celsius.
type Sensor interface {
	// RecordPlug samples the port temperature at the time a partner is
	// attached and restarts tracking of the maximum temperature.
	RecordPlug()
	PluggedTemperature() float64
	MaxOverheatTemperature() float64
}

// Zones is a Sensor backed by the kernel thermal class. Zones are looked up
// by their type name on every sample, as zone numbering is not stable
// across boots.
type Zones struct {
	fs     *sysfs.Accessor
	cfg    ZoneConfig
	logger log.Logger

	mu      sync.Mutex
	plugged float64
	max     float64
}

func NewZones(fs *sysfs.Accessor, cfg ZoneConfig, logger log.Logger) *Zones {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Zones{fs: fs, cfg: cfg, logger: logger}
}

func (z *Zones) RecordPlug() {
	t, err := z.firstReadable(z.cfg.Read)
	if err != nil {
		_ = level.Warn(z.logger).Log("msg", "failed to sample plug temperature", "err", err)
		return
	}
	z.mu.Lock()
	z.plugged = t
	z.max = t
	z.mu.Unlock()
}

func (z *Zones) PluggedTemperature() float64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.plugged
}

// MaxOverheatTemperature samples every configured zone and returns the
// highest temperature seen since the last plug.
func (z *Zones) MaxOverheatTemperature() float64 {
	zones := append([]string{z.cfg.Trip}, z.cfg.Read...)
	temps, _ := z.sample(zones)
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, t := range temps {
		if t > z.max {
			z.max = t
		}
	}
	return z.max
}

func (z *Zones) firstReadable(names []string) (float64, error) {
	temps, err := z.sample(names)
	for _, name := range names {
		if t, ok := temps[name]; ok {
			return t, nil
		}
	}
	if err == nil {
		err = errors.New("no thermal zone configured")
	}
	return 0, err
}

// sample reads the named zones. Zones that cannot be read are left out of
// the result; the last error encountered is returned alongside.
func (z *Zones) sample(names []string) (map[string]float64, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if n != "" {
			wanted[n] = true
		}
	}
	temps := make(map[string]float64, len(wanted))

	entries, err := z.fs.ReadDir(thermalClassDir)
	if err != nil {
		return temps, err
	}
	var lastErr error
	for _, e := range entries {
		dir := path.Join(thermalClassDir, e.Name())
		zoneType, err := z.fs.ReadTrimmed(path.Join(dir, "type"))
		if err != nil || !wanted[zoneType] {
			continue
		}
		milli, err := z.fs.ReadInt(path.Join(dir, "temp"))
		if err != nil {
			lastErr = err
			continue
		}
		temps[zoneType] = float64(milli) / 1000
	}
	if len(temps) == 0 && lastErr == nil {
		lastErr = errors.Newf("none of the thermal zones %v found", names)
	}
	return temps, lastErr
}
