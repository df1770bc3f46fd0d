// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veitkamp/wgfleet/internal/model"
)

func TestNewRootCmdHasSubcommands(t *testing.T) {
	root := NewRootCmd()
	expected := []string{"host", "peer", "metrics", "backup", "restore", "db-maintain", "audit", "version"}
	for _, name := range expected {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "missing subcommand %q", name)
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	for _, bad := range []string{"0", "-1", "abc", ""} {
		_, err := parseID(bad)
		assert.Error(t, err, "parseID(%q)", bad)
	}
}

func TestBackupFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json.zst")
	data := &model.BackupData{
		Hosts: []model.Host{{
			ID: 1, Name: "gw-01", Address: "203.0.113.10", Port: 22,
			Username: "root", Iface: "wg0", Subnet: "10.8.0.0/24",
			ListenPort: 51820, State: model.HostActive,
		}},
		Devices: []model.Device{{
			ID: 1, HostID: 1, Name: "phone1", PublicKey: "pub",
			PrivateKey: "priv", TunnelIP: "10.8.0.2", State: model.DeviceActive,
		}},
	}

	require.NoError(t, writeCompressedBackup(path, data))
	got, err := readCompressedBackup(path)
	require.NoError(t, err)
	require.Len(t, got.Hosts, 1)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, "gw-01", got.Hosts[0].Name)
	assert.Equal(t, "10.8.0.2", got.Devices[0].TunnelIP)
}

func TestReadCompressedBackupMissingFile(t *testing.T) {
	_, err := readCompressedBackup(filepath.Join(t.TempDir(), "nope.zst"))
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in       int64
		expected string
	}{
		{0, "0B"},
		{512, "512B"},
		{2048, "2.0KiB"},
		{5 * 1024 * 1024, "5.0MiB"},
		{3 * 1024 * 1024 * 1024, "3.0GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatBytes(tt.in))
	}
}

func TestFormatBitRate(t *testing.T) {
	assert.Equal(t, "0bps", formatBitRate(0))
	assert.Equal(t, "3.2kbps", formatBitRate(3200))
	assert.Equal(t, "1.5Mbps", formatBitRate(1500000))
	assert.Equal(t, "2.0Gbps", formatBitRate(2e9))
}

func TestFormatPercentAndUsage(t *testing.T) {
	assert.Equal(t, "-", formatPercent(nil))
	v := 12.34
	assert.Equal(t, "12.3%", formatPercent(&v))

	assert.Equal(t, "-", formatUsage(nil, nil))
	used, total := int64(1024), int64(2048)
	assert.Equal(t, "1.0KiB/2.0KiB", formatUsage(&used, &total))
}

func TestResolveBuildVersionDefaults(t *testing.T) {
	v, c, _ := resolveBuildVersion(nil)
	assert.NotEmpty(t, v)
	assert.NotEmpty(t, c)
}
