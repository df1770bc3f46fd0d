// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/logging"
	"github.com/veitkamp/wgfleet/internal/model"
	"github.com/veitkamp/wgfleet/internal/remote"
)

// ErrHostNotActive is returned when a credential operation targets a host
// that is not in the active state.
var ErrHostNotActive = errors.New("host is not active")

// Manager creates, revokes and restores device credentials. All host-side
// mutations go through the injected dial function.
type Manager struct {
	dial remote.DialFunc
}

// NewManager returns a Manager that reaches hosts through dial.
func NewManager(dial remote.DialFunc) *Manager {
	return &Manager{dial: dial}
}

// Create generates a new device credential on the given host and returns
// it together with its connection profile.
//
// The host-side registration runs before anything is persisted: if the
// remote command fails, no credential row exists afterwards.
func (m *Manager) Create(ctx context.Context, hostID int, name string) (*model.Device, *Profile, error) {
	host, err := db.GetHost(hostID)
	if err != nil {
		return nil, nil, err
	}
	if host.State != model.HostActive {
		return nil, nil, fmt.Errorf("host %s is %s: %w", host.Name, host.State, ErrHostNotActive)
	}

	// Revoked credentials keep their address so restore stays
	// conflict-free; only deleted rows release an IP.
	existing, err := db.GetDevicesForHost(hostID)
	if err != nil {
		return nil, nil, err
	}
	used := make([]string, 0, len(existing))
	for _, d := range existing {
		used = append(used, d.TunnelIP)
	}
	tunnelIP, err := NextTunnelIP(host.Subnet, used)
	if err != nil {
		return nil, nil, err
	}

	privateKey, err := GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	publicKey, err := PublicKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	sess, err := m.dial(*host)
	if err != nil {
		return nil, nil, fmt.Errorf("host unreachable: %w", err)
	}
	defer sess.Close()

	if err := registerPeer(ctx, sess, *host, publicKey, tunnelIP); err != nil {
		return nil, nil, fmt.Errorf("host-side registration failed: %w", err)
	}

	device := model.Device{
		HostID:     hostID,
		Name:       name,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		TunnelIP:   tunnelIP,
		State:      model.DeviceActive,
	}
	id, err := db.AddDevice(device)
	if err != nil {
		// The peer is registered on the host but has no local row; undo
		// the remote side so host and store stay consistent.
		if _, derr := sess.Run(ctx, removePeerCmd(*host, publicKey)); derr != nil {
			logging.Warnf("failed to roll back peer %s on %s: %v", name, host.Name, derr)
		}
		return nil, nil, err
	}
	device.ID = id

	profile, err := BuildProfile(*host, device)
	if err != nil {
		return nil, nil, err
	}
	logging.Infof("created device %q (ip %s) on host %s", name, tunnelIP, host.Name)
	return &device, profile, nil
}

// Revoke marks the credential revoked and disables it on the host. The
// local transition applies regardless of remote outcome; a failed remote
// disable comes back as a non-nil warning so an unreachable host never
// blocks local bookkeeping.
func (m *Manager) Revoke(ctx context.Context, deviceID int) (warn error, err error) {
	device, err := db.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if err := db.UpdateDeviceState(deviceID, model.DeviceRevoked); err != nil {
		return nil, err
	}

	host, err := db.GetHost(device.HostID)
	if err != nil {
		return fmt.Errorf("revoked locally, host lookup failed: %w", err), nil
	}
	sess, err := m.dial(*host)
	if err != nil {
		return fmt.Errorf("revoked locally, host unreachable: %w", err), nil
	}
	defer sess.Close()

	if _, err := sess.Run(ctx, removePeerCmd(*host, device.PublicKey)); err != nil {
		return fmt.Errorf("revoked locally, remote disable failed: %w", err), nil
	}
	return nil, nil
}

// Restore reverses a revoke, re-enabling the identity on the host. As with
// Revoke, the local transition applies first and remote failure surfaces
// as a warning. A hard-deleted credential cannot be restored.
func (m *Manager) Restore(ctx context.Context, deviceID int) (warn error, err error) {
	device, err := db.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if err := db.UpdateDeviceState(deviceID, model.DeviceActive); err != nil {
		return nil, err
	}

	host, err := db.GetHost(device.HostID)
	if err != nil {
		return fmt.Errorf("restored locally, host lookup failed: %w", err), nil
	}
	sess, err := m.dial(*host)
	if err != nil {
		return fmt.Errorf("restored locally, host unreachable: %w", err), nil
	}
	defer sess.Close()

	if err := registerPeer(ctx, sess, *host, device.PublicKey, device.TunnelIP); err != nil {
		return fmt.Errorf("restored locally, remote enable failed: %w", err), nil
	}
	return nil, nil
}

// Delete disables the peer on the host (best effort) and soft-deletes the
// credential. The freed tunnel IP becomes assignable again.
func (m *Manager) Delete(ctx context.Context, deviceID int) (warn error, err error) {
	device, err := db.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if err := db.DeleteDevice(deviceID); err != nil {
		return nil, err
	}

	host, err := db.GetHost(device.HostID)
	if err != nil {
		return fmt.Errorf("deleted locally, host lookup failed: %w", err), nil
	}
	sess, err := m.dial(*host)
	if err != nil {
		return fmt.Errorf("deleted locally, host unreachable: %w", err), nil
	}
	defer sess.Close()

	if _, err := sess.Run(ctx, removePeerCmd(*host, device.PublicKey)); err != nil {
		return fmt.Errorf("deleted locally, remote disable failed: %w", err), nil
	}
	return nil, nil
}

// registerPeer adds a peer to the host's WireGuard interface and persists
// it into the interface configuration. The trailing marker confirms the
// command ran; empty output would leave success unconfirmed.
func registerPeer(ctx context.Context, sess remote.Session, host model.Host, publicKey, tunnelIP string) error {
	cmd := fmt.Sprintf("wg set %s peer %s allowed-ips %s && wg-quick save %s >/dev/null 2>&1; echo peer-added",
		remote.Quote(host.Iface), remote.Quote(publicKey), remote.Quote(tunnelIP+"/32"), remote.Quote(host.Iface))
	out, err := sess.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "peer-added") {
		return fmt.Errorf("unexpected registration output: %s", out)
	}
	return nil
}

func removePeerCmd(host model.Host, publicKey string) string {
	return fmt.Sprintf("wg set %s peer %s remove && wg-quick save %s >/dev/null 2>&1; echo peer-removed",
		remote.Quote(host.Iface), remote.Quote(publicKey), remote.Quote(host.Iface))
}
