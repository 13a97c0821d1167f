// SPDX-License-Identifier: Apache-2.0

package overheat

import (
	"math"
	"path"

	"github.com/MatthiasValvekens/usbc-hal/sysfs"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Event is one port overheat record as pushed to telemetry.
type Event struct {
	PlugTemperatureDeciC int64 `json:"plug_temperature_deci_c"`
	MaxTemperatureDeciC  int64 `json:"max_temperature_deci_c"`
	TimeToOverheatSecs   int64 `json:"time_to_overheat_secs"`
	TimeToHysteresisSecs int64 `json:"time_to_hysteresis_secs"`
	TimeToInactiveSecs   int64 `json:"time_to_inactive_secs"`
}

// Reporter is the telemetry sink for overheat events.
type Reporter interface {
	ReportUsbPortOverheat(Event) error
}

// Collect builds an Event from the cooling device statistics in statsDir
// and the temperatures known to sensor. Any unreadable statistic aborts the
// collection.
func Collect(fs *sysfs.Accessor, statsDir string, sensor Sensor) (Event, error) {
	ev := Event{
		PlugTemperatureDeciC: int64(math.Round(sensor.PluggedTemperature() * 10)),
		MaxTemperatureDeciC:  int64(math.Round(sensor.MaxOverheatTemperature() * 10)),
	}
	for _, stat := range []struct {
		name string
		dst  *int64
	}{
		{name: "trip_time", dst: &ev.TimeToOverheatSecs},
		{name: "hysteresis_time", dst: &ev.TimeToHysteresisSecs},
		{name: "cleared_time", dst: &ev.TimeToInactiveSecs},
	} {
		v, err := fs.ReadInt(path.Join(statsDir, stat.name))
		if err != nil {
			return Event{}, errors.Wrapf(err, "unable to read %s", stat.name)
		}
		*stat.dst = v
	}
	return ev, nil
}

// StatsReporter logs overheat events and exposes them as metrics.
type StatsReporter struct {
	logger log.Logger

	eventsTotal      prometheus.Counter
	plugTemperature  prometheus.Gauge
	maxTemperature   prometheus.Gauge
	overheatDuration prometheus.Histogram
}

func NewStatsReporter(logger log.Logger, reg prometheus.Registerer) *StatsReporter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &StatsReporter{
		logger: logger,
		eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usb_port_overheat_events_total",
			Help: "The number of USB port overheat events reported by the cooling device.",
		}),
		plugTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usb_port_overheat_plug_temperature_celsius",
			Help: "The port temperature at plug time of the last overheat event.",
		}),
		maxTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usb_port_overheat_max_temperature_celsius",
			Help: "The maximum port temperature of the last overheat event.",
		}),
		overheatDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usb_port_overheat_time_to_overheat_seconds",
			Help:    "The time from plug to the overheat trip.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(r.eventsTotal, r.plugTemperature, r.maxTemperature, r.overheatDuration)
	}
	return r
}

func (r *StatsReporter) ReportUsbPortOverheat(ev Event) error {
	r.eventsTotal.Inc()
	r.plugTemperature.Set(float64(ev.PlugTemperatureDeciC) / 10)
	r.maxTemperature.Set(float64(ev.MaxTemperatureDeciC) / 10)
	r.overheatDuration.Observe(float64(ev.TimeToOverheatSecs))
	_ = level.Info(r.logger).Log(
		"msg", "usb port overheat",
		"plug_temperature_deci_c", ev.PlugTemperatureDeciC,
		"max_temperature_deci_c", ev.MaxTemperatureDeciC,
		"time_to_overheat_secs", ev.TimeToOverheatSecs,
		"time_to_hysteresis_secs", ev.TimeToHysteresisSecs,
		"time_to_inactive_secs", ev.TimeToInactiveSecs,
	)
	return nil
}
