package usb

import (
	"sync"
	"testing"
	"time"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchPowerRole(t *testing.T) {
	f := newFixture(t, baseTree(), nil, nil)

	f.u.SwitchRole("port0", typec.PowerRoleSink, 7)
	c := f.rec.last(t, "role_switch")
	assert.Equal(t, "port0", c.port)
	assert.Equal(t, typec.PortRole(typec.PowerRoleSink), c.role)
	assert.Equal(t, typec.StatusSuccess, c.status)
	assert.Equal(t, int64(7), c.txID)
	assert.Equal(t, "sink", f.read(typecDir+"/port0/power_role"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.u.roleSwitchesTotal.WithLabelValues("power", "success")))
}

func TestSwitchDataRole(t *testing.T) {
	f := newFixture(t, baseTree(), nil, nil)

	f.u.SwitchRole("port0", typec.DataRoleDevice, 8)
	assert.Equal(t, typec.StatusSuccess, f.rec.last(t, "role_switch").status)
	assert.Equal(t, "device", f.read(typecDir+"/port0/data_role"))
}

func TestSwitchRoleFailures(t *testing.T) {
	for _, tc := range []struct {
		name string
		port string
		role typec.PortRole
		kind string
	}{
		{name: "missing port", port: "port3", role: typec.PowerRoleSource, kind: "power"},
		{name: "invalid port name", port: "../port0", role: typec.DataRoleHost, kind: "data"},
		{name: "no role", port: "port0", role: nil, kind: "unknown"},
		{name: "missing port type", port: "port3", role: typec.ModeDFP, kind: "mode"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, baseTree(), nil, nil)

			f.u.SwitchRole(tc.port, tc.role, 3)
			c := f.rec.last(t, "role_switch")
			assert.Equal(t, typec.StatusError, c.status)
			assert.Equal(t, tc.port, c.port)
			assert.Equal(t, int64(3), c.txID)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.u.roleSwitchesTotal.WithLabelValues(tc.kind, "error")))
			assert.Equal(t, "[source] sink\n", f.read(typecDir+"/port0/power_role"))
			assert.Equal(t, "[host] device\n", f.read(typecDir+"/port0/data_role"))
		})
	}
}

func TestSwitchModeTimeout(t *testing.T) {
	f := newFixture(t, baseTree(), nil, nil)

	start := time.Now()
	f.u.SwitchRole("port0", typec.ModeUFP, 11)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	c := f.rec.last(t, "role_switch")
	assert.Equal(t, typec.StatusError, c.status)
	assert.Equal(t, typec.PortRole(typec.ModeUFP), c.role)
	assert.Equal(t, "dual", f.read(typecDir+"/port0/port_type"), "unconfirmed mode falls back to dual role")
}

func TestSwitchModeConfirmedByPartner(t *testing.T) {
	f := newFixture(t, baseTree(), func(c *Config) { c.Timeouts.PortType = 5 * time.Second }, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.u.SwitchRole("port0", typec.ModeDFP, 12)
	}()

	require.Eventually(t, func() bool {
		return f.read(typecDir+"/port0/port_type") == "source"
	}, 2*time.Second, 5*time.Millisecond)
	f.src.send(t, "add@/devices/platform/10d60000.hsi2c/i2c-7/7-0025/typec/port0/port0-partner", "ACTION=add")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mode switch did not finish after the partner appeared")
	}

	c := f.rec.last(t, "role_switch")
	assert.Equal(t, typec.StatusSuccess, c.status)
	assert.Equal(t, int64(12), c.txID)
	assert.Equal(t, "source", f.read(typecDir+"/port0/port_type"))
}

func TestPartnerWaiter(t *testing.T) {
	w := newPartnerWaiter()
	w.signal()
	assert.True(t, w.wait(time.Now()), "signal before the wait is kept")

	w.arm()
	assert.False(t, w.wait(time.Now().Add(20*time.Millisecond)), "arm forgets earlier signals")

	w.arm()
	go func() {
		time.Sleep(10 * time.Millisecond)
		w.signal()
		w.signal()
	}()
	assert.True(t, w.wait(time.Now().Add(2*time.Second)))
}

func TestValidatePortName(t *testing.T) {
	assert.NoError(t, validatePortName("port0"))
	assert.Error(t, validatePortName(""))
	assert.Error(t, validatePortName("port0/../../etc"))
	assert.Error(t, validatePortName("Port0"))
}
