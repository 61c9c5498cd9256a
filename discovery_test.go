package rm_arm

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"rm_arm/robot/robottest"
)

func TestFilterCandidateAddresses(t *testing.T) {
	tests := []struct {
		name     string
		raw      []string
		expected []string
	}{
		{
			name:     "default port added",
			raw:      []string{"192.168.1.18", "10.0.0.2:9000"},
			expected: []string{"192.168.1.18:8080", "10.0.0.2:9000"},
		},
		{
			name:     "duplicates dropped",
			raw:      []string{"192.168.1.18", "192.168.1.18:8080", " 192.168.1.18 "},
			expected: []string{"192.168.1.18:8080"},
		},
		{
			name:     "bad entries dropped",
			raw:      []string{"", "host:notaport", ":8080", "host:70000", "ok"},
			expected: []string{"ok:8080"},
		},
		{
			name:     "Empty list",
			raw:      []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, filterCandidateAddresses(tt.raw))
		})
	}
}

func TestAddressSuffix(t *testing.T) {
	assert.Equal(t, "192-168-1-18", addressSuffix("192.168.1.18:8080"))
	assert.Equal(t, "192-168-1-18-9000", addressSuffix("192.168.1.18:9000"))
	assert.Equal(t, "arm-local", addressSuffix("arm.local"))
	assert.Equal(t, "unknown", addressSuffix(""))
}

func TestDiscoveryConfigValidate(t *testing.T) {
	_, _, err := (&DiscoveryConfig{Hosts: []string{"10.0.0.1", "10.0.0.2:9000"}}).Validate("services.0")
	assert.NoError(t, err)

	_, _, err = (&DiscoveryConfig{Hosts: []string{"10.0.0.1:bad"}}).Validate("services.0")
	assert.Error(t, err)

	_, _, err = (&DiscoveryConfig{ProbeTimeoutSec: -1}).Validate("services.0")
	assert.Error(t, err)
}

func TestDiscoverResources(t *testing.T) {
	ctrl := robottest.New(t)
	t.Setenv("VIAM_MODULE_DATA", t.TempDir())
	logger := logging.NewTestLogger(t)
	name := resource.NewName(discovery.API, "rm-discovery")

	dis := NewDiscovery(name, &DiscoveryConfig{Hosts: []string{ctrl.Addr()}, ProbeTimeoutSec: 0.5}, logger)
	configs, err := dis.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, configs, 3)

	suffix := addressSuffix(ctrl.Addr())
	assert.Equal(t, "rm-arm-"+suffix, configs[0].Name)
	assert.Equal(t, arm.API, configs[0].API)
	assert.Equal(t, ArmModel, configs[0].Model)
	assert.Equal(t, gripper.API, configs[1].API)
	assert.Equal(t, GripperModel, configs[1].Model)
	assert.Equal(t, sensor.API, configs[2].API)
	assert.Equal(t, TelemetrySensorModel, configs[2].Model)
	for _, c := range configs {
		assert.Equal(t, ctrl.Host(), c.Attributes["host"])
		assert.Equal(t, ctrl.Port(), c.Attributes["port"])
		assert.NotContains(t, c.Attributes, "config_file")
	}
}

func TestDiscoverResourcesExtraHosts(t *testing.T) {
	ctrl := robottest.New(t)
	dataDir := t.TempDir()
	t.Setenv("VIAM_MODULE_DATA", dataDir)
	suffix := addressSuffix(ctrl.Addr())
	configFile := filepath.Join(dataDir, "rm_arm_"+suffix+".yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("thread_mode: dual\n"), 0o600))

	// an unreachable configured host is skipped; the extra one answers
	dis := NewDiscovery(resource.NewName(discovery.API, "rm-discovery"),
		&DiscoveryConfig{Hosts: []string{"127.0.0.1:1"}, ProbeTimeoutSec: 0.5}, logging.NewTestLogger(t))
	configs, err := dis.DiscoverResources(context.Background(), map[string]interface{}{
		"hosts": []interface{}{"127.0.0.1:" + strconv.Itoa(ctrl.Port())},
	})
	require.NoError(t, err)
	require.Len(t, configs, 3)
	assert.Equal(t, configFile, configs[0].Attributes["config_file"])
}

func TestDiscoverResourcesCancelled(t *testing.T) {
	dis := NewDiscovery(resource.NewName(discovery.API, "rm-discovery"),
		&DiscoveryConfig{Hosts: []string{"127.0.0.1:1"}}, logging.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dis.DiscoverResources(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
