package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MatthiasValvekens/usbc-hal/overheat"
	"github.com/MatthiasValvekens/usbc-hal/sysfs"
	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/MatthiasValvekens/usbc-hal/uevent"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	typecDir = "/sys/class/typec"
	tcpcDir  = "/sys/devices/platform/10cb0000.hsi2c/i2c-7/7-0025"
	udcDir   = "/sys/devices/platform/11210000.usb"
	pullup   = "/config/usb_gadget/g1/UDC"
	usbType  = "/sys/class/power_supply/usb/usb_type"
)

func baseTree() map[string]string {
	files := map[string]string{
		typecDir + "/port0/power_role":                          "[source] sink\n",
		typecDir + "/port0/data_role":                           "[host] device\n",
		typecDir + "/port0/port_type":                           "[dual] source sink\n",
		typecDir + "/port0-partner/supports_usb_power_delivery": "yes\n",
		typecDir + "/port0-partner/accessory_mode":              "none\n",
		tcpcDir + "/contaminant_detection":                      "1\n",
		tcpcDir + "/contaminant_detection_status":               "0\n",
		tcpcDir + "/usb_limit_sink_enable":                      "0\n",
		tcpcDir + "/usb_limit_source_enable":                    "0\n",
		tcpcDir + "/usb_limit_sink_current":                     "1500\n",
		tcpcDir + "/cc_toggle_enable":                           "1\n",
		tcpcDir + "/data_path_enable":                           "1\n",
		udcDir + "/dwc3_exynos_otg_id":                          "0\n",
		udcDir + "/dwc3_exynos_otg_b_sess":                      "1\n",
		udcDir + "/usb_data_enabled":                            "1\n",
	}
	files[pullup] = "11210000.dwc3\n"
	files[usbType] = "[DCP] SDP CDP\n"
	return files
}

func stageRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

type call struct {
	method string
	port   string
	role   typec.PortRole
	flag   bool
	status typec.Status
	txID   int64
	ports  []typec.PortStatus
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) byMethod(method string) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call
	for _, c := range r.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) last(t *testing.T, method string) call {
	t.Helper()
	calls := r.byMethod(method)
	require.NotEmpty(t, calls, "no %s notification", method)
	return calls[len(calls)-1]
}

func (r *recorder) NotifyPortStatusChange(ports []typec.PortStatus, status typec.Status) {
	r.add(call{method: "port_status", ports: ports, status: status})
}

func (r *recorder) NotifyRoleSwitchStatus(port string, role typec.PortRole, status typec.Status, txID int64) {
	r.add(call{method: "role_switch", port: port, role: role, status: status, txID: txID})
}

func (r *recorder) NotifyEnableUsbDataStatus(port string, enable bool, status typec.Status, txID int64) {
	r.add(call{method: "enable_usb_data", port: port, flag: enable, status: status, txID: txID})
}

func (r *recorder) NotifyEnableUsbDataWhileDockedStatus(port string, status typec.Status, txID int64) {
	r.add(call{method: "enable_usb_data_while_docked", port: port, status: status, txID: txID})
}

func (r *recorder) NotifyResetUsbPortStatus(port string, status typec.Status, txID int64) {
	r.add(call{method: "reset_usb_port", port: port, status: status, txID: txID})
}

func (r *recorder) NotifyContaminantEnabledStatus(port string, enable bool, status typec.Status, txID int64) {
	r.add(call{method: "contaminant_enabled", port: port, flag: enable, status: status, txID: txID})
}

func (r *recorder) NotifyLimitPowerTransferStatus(port string, limit bool, status typec.Status, txID int64) {
	r.add(call{method: "limit_power_transfer", port: port, flag: limit, status: status, txID: txID})
}

func (r *recorder) NotifyQueryPortStatus(port string, status typec.Status, txID int64) {
	r.add(call{method: "query_port_status", port: port, status: status, txID: txID})
}

// pairSource feeds uevents through a socket pair.
type pairSource struct {
	fd     int
	peer   int
	closed atomic.Bool
}

func newPairSource(t *testing.T) *pairSource {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return &pairSource{fd: fds[0], peer: fds[1]}
}

func (p *pairSource) Fd() int { return p.fd }

func (p *pairSource) ReadMsg() ([]byte, error) {
	buf := make([]byte, 8192)
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *pairSource) Close() error {
	p.closed.Store(true)
	return unix.Close(p.fd)
}

func (p *pairSource) send(t *testing.T, records ...string) {
	t.Helper()
	_, err := unix.Write(p.peer, []byte(strings.Join(records, "\x00")+"\x00"))
	require.NoError(t, err)
}

type fixture struct {
	u   *Usb
	fs  *sysfs.Accessor
	rec *recorder
	src *pairSource
}

func newFixture(t *testing.T, files map[string]string, configure func(*Config), logger log.Logger, opts ...Option) *fixture {
	t.Helper()
	return newFixtureAt(t, stageRoot(t, files), configure, logger, opts...)
}

func newFixtureAt(t *testing.T, root string, configure func(*Config), logger log.Logger, opts ...Option) *fixture {
	t.Helper()
	fs := sysfs.New(root, logger)
	cfg := DefaultConfig()
	cfg.Timeouts.PortType = 100 * time.Millisecond
	if configure != nil {
		configure(&cfg)
	}
	src := newPairSource(t)
	opts = append(opts, WithUeventSource(func() (uevent.Source, error) { return src, nil }))
	u := New(fs, cfg, nil, nil, opts...)
	t.Cleanup(u.Close)

	rec := &recorder{}
	require.NoError(t, u.SetCallback(rec))
	return &fixture{u: u, fs: fs, rec: rec, src: src}
}

func (f *fixture) read(p string) string {
	v, _ := f.fs.Read(p)
	return v
}

// writeLog records the attribute writes logged by the sysfs accessor.
type writeLog struct {
	mu     sync.Mutex
	writes []string
}

func (w *writeLog) logger() log.Logger {
	return log.LoggerFunc(func(keyvals ...interface{}) error {
		fields := map[interface{}]interface{}{}
		for i := 0; i+1 < len(keyvals); i += 2 {
			fields[keyvals[i]] = keyvals[i+1]
		}
		if fields["msg"] != "writing attribute" {
			return nil
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		w.writes = append(w.writes, fmt.Sprintf("%s=%s", fields["path"], fields["value"]))
		return nil
	})
}

func (w *writeLog) take() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.writes
	w.writes = nil
	return out
}

func TestSetCallback(t *testing.T) {
	f := newFixture(t, baseTree(), nil, nil)
	assert.True(t, f.u.monitor.Running())

	other := &recorder{}
	require.NoError(t, f.u.SetCallback(other))
	assert.True(t, f.u.monitor.Running(), "replacing the callback keeps the monitor")
	f.u.ResetUsbPort("port0", 1)
	assert.Empty(t, f.rec.byMethod("reset_usb_port"))
	assert.Len(t, other.byMethod("reset_usb_port"), 1)

	require.NoError(t, f.u.SetCallback(nil))
	assert.False(t, f.u.monitor.Running())
	assert.True(t, f.src.closed.Load())
	f.u.ResetUsbPort("port0", 2)
	assert.Len(t, other.byMethod("reset_usb_port"), 1)
}

func TestSetCallbackMonitorFailure(t *testing.T) {
	fs := sysfs.New(stageRoot(t, baseTree()), nil)
	u := New(fs, DefaultConfig(), nil, nil, WithUeventSource(func() (uevent.Source, error) { return nil, unix.EACCES }))
	defer u.Close()

	rec := &recorder{}
	require.Error(t, u.SetCallback(rec))
	u.ResetUsbPort("port0", 1)
	assert.Empty(t, rec.byMethod("reset_usb_port"), "callback must be dropped when the monitor fails")
}

func TestPortChangeForcesDualRole(t *testing.T) {
	files := baseTree()
	files[typecDir+"/port1/power_role"] = "source [sink]\n"
	files[typecDir+"/port1/data_role"] = "host [device]\n"
	files[typecDir+"/port1/port_type"] = "dual [sink] source\n"
	f := newFixture(t, files, nil, nil)

	f.src.send(t, "change@/devices/platform/typec/port1", "ACTION=change", "DEVTYPE=typec_port")
	assert.Eventually(t, func() bool {
		return f.read(typecDir+"/port1/port_type") == "dual"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "[dual] source sink\n", f.read(typecDir+"/port0/port_type"), "connected port is left alone")

	assert.Eventually(t, func() bool {
		return len(f.rec.byMethod("port_status")) > 0
	}, 2*time.Second, 5*time.Millisecond)
	ports := f.rec.last(t, "port_status").ports
	require.Len(t, ports, 2)
	assert.Equal(t, "port0", ports[0].PortName)
	assert.Equal(t, "port1", ports[1].PortName)
}

func TestPortChangeDuringRoleSwitch(t *testing.T) {
	files := baseTree()
	files[typecDir+"/port1/port_type"] = "dual [sink] source\n"
	f := newFixture(t, files, nil, nil)

	f.u.roleSwitchMu.Lock()
	f.src.send(t, "POWER_SUPPLY_NAME=usb")
	f.src.send(t, "DRIVER=pogo-transport")
	assert.Eventually(t, func() bool {
		return len(f.rec.byMethod("port_status")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	f.u.roleSwitchMu.Unlock()
	assert.Equal(t, "dual [sink] source\n", f.read(typecDir+"/port1/port_type"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.u.ueventsTotal.WithLabelValues("port_changed")))
}

type countingSensor struct {
	plugs atomic.Int32
}

func (s *countingSensor) RecordPlug() { s.plugs.Add(1) }
func (s *countingSensor) PluggedTemperature() float64 { return 25.4 }
func (s *countingSensor) MaxOverheatTemperature() float64 { return 61.2 }

type reportSink struct {
	mu     sync.Mutex
	events []overheat.Event
	err    error
}

func (r *reportSink) ReportUsbPortOverheat(ev overheat.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *reportSink) reported() []overheat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]overheat.Event(nil), r.events...)
}

func TestOverheatReport(t *testing.T) {
	const stats = "/sys/devices/platform/google,usbc_port_cooling_dev"
	files := baseTree()
	files[stats+"/trip_time"] = "12\n"
	files[stats+"/hysteresis_time"] = "30\n"
	files[stats+"/cleared_time"] = "95\n"

	sensor := &countingSensor{}
	sink := &reportSink{}
	f := newFixture(t, files, nil, nil, WithOverheat(sensor, sink))

	f.src.send(t, "add@/devices/platform/10d60000.hsi2c/i2c-7/7-0025/typec/port0/port0-partner", "ACTION=add")
	assert.Eventually(t, func() bool { return sensor.plugs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.src.send(t, "change@/devices/platform/google,usbc_port_cooling_dev", "DRIVER=google,usbc_port_cooling_dev")
	assert.Eventually(t, func() bool { return len(sink.reported()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, overheat.Event{
		PlugTemperatureDeciC: 254,
		MaxTemperatureDeciC:  612,
		TimeToOverheatSecs:   12,
		TimeToHysteresisSecs: 30,
		TimeToInactiveSecs:   95,
	}, sink.reported()[0])
}

func TestOverheatReportMissingStats(t *testing.T) {
	sink := &reportSink{}
	f := newFixture(t, baseTree(), nil, nil, WithOverheat(&countingSensor{}, sink))

	f.src.send(t, "DRIVER=google,usbc_port_cooling_dev")
	f.src.send(t, "POWER_SUPPLY_NAME=usb")
	assert.Eventually(t, func() bool {
		return len(f.rec.byMethod("port_status")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.reported())
}
