// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package peer

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/model"
	"github.com/veitkamp/wgfleet/internal/remote"
)

// fakeSession records every command and answers from a script. Commands not
// matched by a script entry succeed with a generic marker echo.
type fakeSession struct {
	commands []string
	failOn   string // substring; commands containing it fail
	closed   bool
}

func (f *fakeSession) Run(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	if f.failOn != "" && strings.Contains(command, f.failOn) {
		return "", errors.New("remote command failed")
	}
	switch {
	case strings.Contains(command, "peer-added"):
		return "peer-added", nil
	case strings.Contains(command, "peer-removed"):
		return "peer-removed", nil
	}
	return "ok", nil
}

func (f *fakeSession) Upload(_ string, _ []byte, _ fs.FileMode) error { return nil }
func (f *fakeSession) Close() error { f.closed = true; return nil }

func dialTo(sess *fakeSession) remote.DialFunc {
	return func(model.Host) (remote.Session, error) { return sess, nil }
}

func dialFail() remote.DialFunc {
	return func(model.Host) (remote.Session, error) {
		return nil, errors.New("connection refused")
	}
}

// setupHost wires an in-memory store and registers one active host on it.
func setupHost(t *testing.T, state model.HostState) *model.Host {
	t.Helper()
	s, err := db.NewStoreFromDSN("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetStore(s)
	t.Cleanup(func() { db.SetStore(nil) })

	id, err := db.AddHost(model.Host{
		Name:        "gw-01",
		Address:     "203.0.113.10",
		Port:        22,
		Username:    "root",
		Iface:       "wg0",
		Subnet:      "10.8.0.0/24",
		ListenPort:  51820,
		WGPublicKey: "c2VydmVyLXB1YmxpYy1rZXktZm9yLXRlc3RzICEhIQo=",
		State:       state,
	})
	require.NoError(t, err)
	h, err := db.GetHost(id)
	require.NoError(t, err)
	return h
}

func TestCreateAssignsFirstFreeIP(t *testing.T) {
	host := setupHost(t, model.HostActive)
	sess := &fakeSession{}
	m := NewManager(dialTo(sess))

	dev, profile, err := m.Create(context.Background(), host.ID, "phone1")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", dev.TunnelIP)
	assert.Equal(t, model.DeviceActive, dev.State)
	assert.NotEmpty(t, dev.PublicKey)
	assert.NotEqual(t, dev.PublicKey, dev.PrivateKey)
	assert.Contains(t, profile.Text, "Address = 10.8.0.2/32")
	assert.Contains(t, profile.Text, "Endpoint = 203.0.113.10:51820")
	assert.NotEmpty(t, profile.QR)
	assert.True(t, sess.closed)

	dev2, _, err := m.Create(context.Background(), host.ID, "laptop")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.3", dev2.TunnelIP)
}

func TestCreateRefusesInactiveHost(t *testing.T) {
	host := setupHost(t, model.HostRegistered)
	m := NewManager(dialTo(&fakeSession{}))

	_, _, err := m.Create(context.Background(), host.ID, "phone1")
	assert.ErrorIs(t, err, ErrHostNotActive)
}

func TestCreateRemoteFailureLeavesNoRow(t *testing.T) {
	host := setupHost(t, model.HostActive)
	sess := &fakeSession{failOn: "allowed-ips"}
	m := NewManager(dialTo(sess))

	_, _, err := m.Create(context.Background(), host.ID, "phone1")
	require.Error(t, err)

	devices, err := db.GetDevicesForHost(host.ID)
	require.NoError(t, err)
	assert.Empty(t, devices, "failed creation must not persist a credential")
}

func TestCreateUnreachableHostLeavesNoRow(t *testing.T) {
	host := setupHost(t, model.HostActive)
	m := NewManager(dialFail())

	_, _, err := m.Create(context.Background(), host.ID, "phone1")
	require.Error(t, err)

	devices, err := db.GetDevicesForHost(host.ID)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestRevokeLocalFirstWithRemoteWarning(t *testing.T) {
	host := setupHost(t, model.HostActive)
	sess := &fakeSession{}
	m := NewManager(dialTo(sess))

	dev, _, err := m.Create(context.Background(), host.ID, "phone1")
	require.NoError(t, err)

	// Host goes dark; the revoke must still land locally.
	m2 := NewManager(dialFail())
	warn, err := m2.Revoke(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.Error(t, warn, "unreachable host should surface as warning")

	got, err := db.GetDevice(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceRevoked, got.State)
}

func TestRevokeAndRestoreRoundTrip(t *testing.T) {
	host := setupHost(t, model.HostActive)
	sess := &fakeSession{}
	m := NewManager(dialTo(sess))

	dev, _, err := m.Create(context.Background(), host.ID, "phone1")
	require.NoError(t, err)

	warn, err := m.Revoke(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.NoError(t, warn)

	warn, err = m.Restore(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.NoError(t, warn)

	got, err := db.GetDevice(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceActive, got.State)
	assert.Equal(t, dev.PublicKey, got.PublicKey, "restore keeps the same identity")
}

func TestRevokedDeviceStillOccupiesIP(t *testing.T) {
	host := setupHost(t, model.HostActive)
	m := NewManager(dialTo(&fakeSession{}))

	dev, _, err := m.Create(context.Background(), host.ID, "phone1")
	require.NoError(t, err)
	_, err = m.Revoke(context.Background(), dev.ID)
	require.NoError(t, err)

	dev2, _, err := m.Create(context.Background(), host.ID, "phone2")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.3", dev2.TunnelIP, "revoked credential keeps its address")
}

func TestDeleteFreesIP(t *testing.T) {
	host := setupHost(t, model.HostActive)
	m := NewManager(dialTo(&fakeSession{}))

	dev, _, err := m.Create(context.Background(), host.ID, "phone1")
	require.NoError(t, err)
	warn, err := m.Delete(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.NoError(t, warn)

	_, err = db.GetDevice(dev.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	dev2, _, err := m.Create(context.Background(), host.ID, "phone2")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", dev2.TunnelIP, "deleted credential releases its address")
}

func TestKeyGenerationRoundTrip(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := PublicKey(priv)
	require.NoError(t, err)
	assert.Len(t, priv, 44, "base64 of 32 bytes")
	assert.Len(t, pub, 44)
	assert.NotEqual(t, priv, pub)

	// Derivation is deterministic.
	pub2, err := PublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, pub2)

	_, err = PublicKey("not base64!!")
	assert.Error(t, err)
	_, err = PublicKey("c2hvcnQ=")
	assert.Error(t, err)
}

func TestNextTunnelIP(t *testing.T) {
	tests := []struct {
		name     string
		subnet   string
		used     []string
		expected string
		wantErr  bool
	}{
		{"empty subnet", "10.8.0.0/24", nil, "10.8.0.2", false},
		{"skips used", "10.8.0.0/24", []string{"10.8.0.2", "10.8.0.3"}, "10.8.0.4", false},
		{"fills gap", "10.8.0.0/24", []string{"10.8.0.3"}, "10.8.0.2", false},
		{"tiny subnet full", "10.8.0.0/30", []string{"10.8.0.2"}, "", true},
		{"invalid subnet", "not-a-subnet", nil, "", true},
		{"host bits set", "10.8.0.5/24", nil, "10.8.0.2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextTunnelIP(tt.subnet, tt.used)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBuildProfileRequiresServerKey(t *testing.T) {
	host := model.Host{Name: "gw-01", Address: "203.0.113.10", ListenPort: 51820, Iface: "wg0"}
	device := model.Device{PrivateKey: "priv", TunnelIP: "10.8.0.2"}
	_, err := BuildProfile(host, device)
	assert.Error(t, err)
}
