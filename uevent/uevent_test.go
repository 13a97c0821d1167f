package uevent

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func msg(records ...string) []byte {
	return []byte(strings.Join(records, "\x00") + "\x00")
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"a=1", "b=2"}, Split([]byte("a=1\x00b=2\x00")))
	assert.Equal(t, []string{"a=1"}, Split([]byte("a=1\x00\x00b=2\x00")))
	assert.Equal(t, []string{"a=1"}, Split([]byte("a=1")))
	assert.Empty(t, Split([]byte("\x00a=1")))
}

func TestClassify(t *testing.T) {
	rules := DefaultRules()
	for _, tc := range []struct {
		name    string
		records []string
		want    []Event
	}{
		{
			name:    "partner added",
			records: []string{"add@/devices/platform/10d60000.hsi2c/i2c-7/7-0025/typec/port0/port0-partner", "ACTION=add"},
			want:    []Event{{Kind: PartnerAdded}},
		},
		{
			name:    "partner removed is not an add",
			records: []string{"remove@/devices/platform/typec/port0/port0-partner"},
		},
		{
			name:    "typec device type",
			records: []string{"change@/devices/x", "ACTION=change", "DEVTYPE=typec_partner"},
			want:    []Event{{Kind: PortChanged}},
		},
		{
			name:    "tcpc driver",
			records: []string{"ACTION=change", "DRIVER=max77759tcpc"},
			want:    []Event{{Kind: PortChanged, FromTCPC: true}},
		},
		{
			name:    "dock and power supply",
			records: []string{"DRIVER=pogo-transport", "POWER_SUPPLY_NAME=usb"},
			want:    []Event{{Kind: PortChanged}, {Kind: PortChanged}},
		},
		{
			name:    "other power supply",
			records: []string{"POWER_SUPPLY_NAME=battery"},
		},
		{
			name:    "overheat",
			records: []string{"ACTION=change", "DRIVER=google,usbc_port_cooling_dev"},
			want:    []Event{{Kind: Overheat}},
		},
		{
			name:    "displayport bind",
			records: []string{"bind@/devices/x/port0-partner.0", "ACTION=bind", "DRIVER=typec_displayport", "DEVTYPE=typec_alternate_mode"},
			want:    []Event{{Kind: DisplayPortBind}},
		},
		{
			name:    "displayport change",
			records: []string{"ACTION=change", "DEVTYPE=typec_alternate_mode", "DRIVER=typec_displayport"},
			want:    []Event{{Kind: PortChanged}, {Kind: DisplayPortChange}},
		},
		{
			name:    "displayport unbind ignored",
			records: []string{"ACTION=unbind", "DRIVER=typec_displayport"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, rules.Classify(tc.records))
		})
	}
}

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

func (p *pairSource) send(t *testing.T, b []byte) {
	t.Helper()
	_, err := unix.Write(p.peer, b)
	require.NoError(t, err)
}

func TestMonitor(t *testing.T) {
	src := newPairSource(t)
	got := make(chan []string, 4)
	m := NewMonitor(func() (Source, error) { return src, nil }, func(records []string) {
		got <- records
	}, nil)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.True(t, m.Running())

	src.send(t, msg("ACTION=change", "DEVTYPE=typec_port"))
	select {
	case records := <-got:
		assert.Equal(t, []string{"ACTION=change", "DEVTYPE=typec_port"}, records)
	case <-time.After(2 * time.Second):
		t.Fatal("uevent not delivered")
	}

	src.send(t, []byte(strings.Repeat("x", MaxMessageSize)))
	src.send(t, msg("ACTION=add"))
	select {
	case records := <-got:
		assert.Equal(t, []string{"ACTION=add"}, records, "oversized datagram must be discarded")
	case <-time.After(2 * time.Second):
		t.Fatal("uevent not delivered")
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.False(t, m.Running())
	assert.True(t, src.closed.Load())
	m.Stop()
}

func TestMonitorOpenFailure(t *testing.T) {
	m := NewMonitor(func() (Source, error) { return nil, unix.EACCES }, func([]string) {}, nil)
	require.Error(t, m.Start())
	assert.False(t, m.Running())
}

func TestFromKernel(t *testing.T) {
	for _, tc := range []struct {
		name string
		from unix.Sockaddr
		want bool
	}{
		{name: "kernel", from: &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}, want: true},
		{name: "userspace", from: &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: 4242, Groups: 1}},
		{name: "unix", from: &unix.SockaddrUnix{Name: "@udev"}},
		{name: "unknown"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fromKernel(tc.from))
		})
	}
}

func TestReadKernelMsgDropsForeignSender(t *testing.T) {
	src := newPairSource(t)
	defer src.Close()
	src.send(t, msg("ACTION=change", "DEVTYPE=typec_port"))

	got, err := readKernelMsg(src.fd)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The datagram was consumed.
	_, _, err = unix.Recvfrom(src.fd, make([]byte, 16), unix.MSG_DONTWAIT)
	assert.Equal(t, unix.EAGAIN, err)
}
