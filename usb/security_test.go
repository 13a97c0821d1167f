package usb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ccToggle = tcpcDir + "/cc_toggle_enable"
	dataPath = tcpcDir + "/data_path_enable"
)

func TestSetPortSecurityState(t *testing.T) {
	for _, tc := range []struct {
		state typec.PortSecurityState
		want  []string
	}{
		{state: typec.PortSecurityDisabled, want: []string{ccToggle + "=0", dataPath + "=0"}},
		{state: typec.PortSecurityChargingOnlyImmediate, want: []string{dataPath + "=0", ccToggle + "=1"}},
		{state: typec.PortSecurityChargingOnly, want: []string{dataPath + "=-1", ccToggle + "=1"}},
		{state: typec.PortSecurityEnabled, want: []string{dataPath + "=1", ccToggle + "=1"}},
	} {
		log := &writeLog{}
		f := newFixture(t, baseTree(), nil, log.logger())

		require.NoError(t, f.u.SetPortSecurityState("port0", tc.state))
		assert.Equal(t, tc.want, log.take(), "state %d", tc.state)
	}
}

func TestSetPortSecurityStateErrors(t *testing.T) {
	f := newFixture(t, baseTree(), nil, nil)
	assert.Error(t, f.u.SetPortSecurityState("port0", typec.PortSecurityState(9)))

	files := baseTree()
	delete(files, ccToggle)
	f = newFixture(t, files, nil, nil)
	assert.ErrorIs(t, f.u.SetPortSecurityState("port0", typec.PortSecurityEnabled), ErrFileWrite)
	assert.Equal(t, "1", f.read(dataPath), "the data path is written even though cc toggling failed")

	root := stageRoot(t, baseTree())
	require.NoError(t, os.RemoveAll(filepath.Join(root, "sys/devices/platform/10cb0000.hsi2c/i2c-7")))
	f = newFixtureAt(t, root, nil, nil)
	assert.ErrorIs(t, f.u.SetPortSecurityState("port0", typec.PortSecurityEnabled), ErrNoI2CPath)
}

func TestApplySecurityMode(t *testing.T) {
	for _, tc := range []struct {
		mode int
		want []string
	}{
		{mode: SecurityModeDisabled},
		{mode: SecurityModeChargingOnly, want: []string{dataPath + "=0", ccToggle + "=1"}},
		{mode: SecurityModeChargingOnlyLocked, want: []string{dataPath + "=0", ccToggle + "=1"}},
		{mode: SecurityModeChargingOnlyLockedAFU, want: []string{dataPath + "=1", ccToggle + "=1"}},
		{mode: SecurityModeEnabled, want: []string{dataPath + "=1", ccToggle + "=1"}},
	} {
		log := &writeLog{}
		f := newFixture(t, baseTree(), nil, log.logger())

		require.NoError(t, f.u.ApplySecurityMode(tc.mode))
		assert.Equal(t, tc.want, log.take(), "mode %d", tc.mode)
	}

	f := newFixture(t, baseTree(), nil, nil)
	assert.Error(t, f.u.ApplySecurityMode(7))
}
