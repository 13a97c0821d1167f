package usb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dpPortActive = typecDir + "/port0/port0.0/mode1/active"

func TestDisableUsbDataWriteOrder(t *testing.T) {
	files := baseTree()
	delete(files, udcDir+"/dwc3_exynos_otg_b_sess")
	log := &writeLog{}
	f := newFixture(t, files, nil, log.logger())

	f.u.EnableUsbData("port0", false, 5)
	assert.Equal(t, []string{
		udcDir + "/dwc3_exynos_otg_id=1",
		udcDir + "/dwc3_exynos_otg_b_sess=0",
		udcDir + "/usb_data_enabled=0",
		pullup + "=none",
		dpPortActive + "=0",
	}, log.take(), "a failed write does not stop the sequence")

	c := f.rec.last(t, "enable_usb_data")
	assert.Equal(t, typec.StatusError, c.status)
	assert.False(t, c.flag)
	assert.Equal(t, int64(5), c.txID)
	assert.Equal(t, "1", f.read(udcDir+"/dwc3_exynos_otg_id"))
	assert.Equal(t, "0", f.read(udcDir+"/usb_data_enabled"))
	assert.Equal(t, "none", f.read(pullup))

	// The state is only recorded after a fully successful sequence.
	ports := f.rec.last(t, "port_status").ports
	assert.Equal(t, []typec.UsbDataStatus{typec.UsbDataStatusEnabled}, ports[0].UsbDataStatus)
}

func TestToggleUsbData(t *testing.T) {
	log := &writeLog{}
	f := newFixture(t, baseTree(), nil, log.logger())

	f.u.EnableUsbData("port0", false, 1)
	assert.Equal(t, typec.StatusSuccess, f.rec.last(t, "enable_usb_data").status)
	assert.False(t, f.u.usbDataEnabled.Load())
	ports := f.rec.last(t, "port_status").ports
	assert.Equal(t, []typec.UsbDataStatus{typec.UsbDataStatusDisabledForce}, ports[0].UsbDataStatus)
	log.take()

	f.u.EnableUsbData("port0", true, 2)
	assert.Equal(t, []string{
		udcDir + "/usb_data_enabled=1",
		pullup + "=11210000.dwc3",
		dpPortActive + "=1",
	}, log.take())
	c := f.rec.last(t, "enable_usb_data")
	assert.Equal(t, typec.StatusSuccess, c.status)
	assert.True(t, c.flag)
	assert.True(t, f.u.usbDataEnabled.Load())
	assert.Equal(t, "11210000.dwc3", f.read(pullup))

	f.u.EnableUsbData("port0", true, 3)
	assert.Empty(t, log.take(), "enabling enabled data signalling is a no-op")
	assert.Equal(t, typec.StatusSuccess, f.rec.last(t, "enable_usb_data").status)
}

func TestEnableUsbDataWhileDocked(t *testing.T) {
	const enableUsb = "/sys/devices/platform/google,pogo/enable_usb"

	f := newFixture(t, baseTree(), nil, nil)
	f.u.EnableUsbDataWhileDocked("port0", 4)
	c := f.rec.last(t, "enable_usb_data_while_docked")
	assert.Equal(t, typec.StatusNotSupported, c.status)
	assert.Equal(t, int64(4), c.txID)
	assert.Len(t, f.rec.byMethod("port_status"), 1)

	files := baseTree()
	files[enableUsb] = "0\n"
	f = newFixture(t, files, nil, nil)
	f.u.EnableUsbDataWhileDocked("port0", 5)
	assert.Equal(t, typec.StatusSuccess, f.rec.last(t, "enable_usb_data_while_docked").status)
	assert.Equal(t, "1", f.read(enableUsb))
}

func TestResetUsbPort(t *testing.T) {
	f := newFixture(t, baseTree(), nil, nil)

	f.u.ResetUsbPort("port0", 6)
	c := f.rec.last(t, "reset_usb_port")
	assert.Equal(t, typec.StatusSuccess, c.status)
	assert.Equal(t, int64(6), c.txID)
	assert.Equal(t, "none", f.read(pullup))
	assert.Empty(t, f.rec.byMethod("port_status"))

	files := baseTree()
	delete(files, pullup)
	f = newFixture(t, files, nil, nil)
	f.u.ResetUsbPort("port0", 7)
	assert.Equal(t, typec.StatusError, f.rec.last(t, "reset_usb_port").status)
}

func TestEnableContaminantPresenceDetection(t *testing.T) {
	f := newFixture(t, baseTree(), nil, nil)

	f.u.EnableContaminantPresenceDetection("port0", false, 8)
	c := f.rec.last(t, "contaminant_enabled")
	assert.Equal(t, typec.StatusSuccess, c.status)
	assert.False(t, c.flag)
	assert.Equal(t, "0", f.read(tcpcDir+"/contaminant_detection"))
	ports := f.rec.last(t, "port_status").ports
	assert.Equal(t, typec.ContaminantDetectionDisabled, ports[0].ContaminantDetectionStatus)

	f.u.SetContaminantDetectionDisabled(true)
	f.u.EnableContaminantPresenceDetection("port0", true, 9)
	c = f.rec.last(t, "contaminant_enabled")
	assert.Equal(t, typec.StatusSuccess, c.status)
	assert.True(t, c.flag)
	assert.Equal(t, "0", f.read(tcpcDir+"/contaminant_detection"), "disabled detection is not forwarded")

	f.u.SetContaminantDetectionDisabled(false)
	f.u.EnableContaminantPresenceDetection("port0", true, 10)
	assert.Equal(t, "1", f.read(tcpcDir+"/contaminant_detection"))
}

func TestContaminantDetectionDisabledByConfig(t *testing.T) {
	f := newFixture(t, baseTree(), func(c *Config) { c.DisableContaminantDetection = true }, nil)

	f.u.EnableContaminantPresenceDetection("port0", false, 1)
	assert.Equal(t, typec.StatusSuccess, f.rec.last(t, "contaminant_enabled").status)
	assert.Equal(t, "1\n", f.read(tcpcDir+"/contaminant_detection"))
}

func TestLimitPowerTransfer(t *testing.T) {
	log := &writeLog{}
	f := newFixture(t, baseTree(), nil, log.logger())

	f.u.LimitPowerTransfer("port0", true, 3)
	assert.Equal(t, []string{
		tcpcDir + "/usb_limit_sink_current=0",
		tcpcDir + "/usb_limit_sink_enable=1",
		tcpcDir + "/usb_limit_source_enable=1",
	}, log.take())
	c := f.rec.last(t, "limit_power_transfer")
	assert.Equal(t, typec.StatusSuccess, c.status)
	assert.True(t, c.flag)
	assert.True(t, f.rec.last(t, "port_status").ports[0].PowerTransferLimited)

	f.u.LimitPowerTransfer("port0", false, -1)
	assert.Equal(t, []string{
		tcpcDir + "/usb_limit_sink_enable=0",
		tcpcDir + "/usb_limit_source_enable=0",
	}, log.take())
	assert.Len(t, f.rec.byMethod("limit_power_transfer"), 1, "negative transaction ids are not acknowledged")
	assert.False(t, f.rec.last(t, "port_status").ports[0].PowerTransferLimited)
	assert.Equal(t, "0", f.read(tcpcDir+"/usb_limit_sink_current"))
}

func TestLimitPowerTransferWithoutController(t *testing.T) {
	root := stageRoot(t, baseTree())
	require.NoError(t, os.RemoveAll(filepath.Join(root, "sys/devices/platform/10cb0000.hsi2c")))
	f := newFixtureAt(t, root, nil, nil)

	f.u.LimitPowerTransfer("port0", true, 1)
	assert.Equal(t, typec.StatusError, f.rec.last(t, "limit_power_transfer").status)
}
