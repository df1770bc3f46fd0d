// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures for wgfleet: managed
// gateway hosts, per-device peer credentials, and the metric sample rows
// produced by the sampler.
package model // import "github.com/veitkamp/wgfleet/internal/model"

import (
	"fmt"
	"time"
)

// Host represents a managed WireGuard gateway host.
type Host struct {
	ID         int
	Name       string
	Address    string // SSH address (also the public VPN endpoint)
	Port       int    // SSH port
	Username   string
	Password   string // SSH password; empty when key auth is used
	PrivateKey string // PEM-encoded SSH private key; empty when password auth is used
	HostKey    string // trusted SSH host key in authorized_keys format, learned on first contact

	Iface      string // WireGuard interface name, e.g. "wg0"
	Subnet     string // tunnel subnet in CIDR form, e.g. "10.8.0.0/24"
	ListenPort int    // WireGuard UDP listen port

	// Server-side WireGuard keypair, generated during deployment.
	WGPublicKey  string
	WGPrivateKey string

	State HostState

	// Deployment bookkeeping: index of the next step to run, plus the
	// last failing step and its captured output for diagnostics.
	DeployProgress int
	LastStep       string
	LastError      string

	CreatedAt time.Time
	DeletedAt *time.Time
}

// String returns the user@host:port representation used in logs and errors.
func (h Host) String() string {
	return fmt.Sprintf("%s@%s:%d", h.Username, h.Address, h.Port)
}

// Endpoint returns the public WireGuard endpoint clients connect to.
func (h Host) Endpoint() string {
	return fmt.Sprintf("%s:%d", h.Address, h.ListenPort)
}

// Device represents a per-end-user peer credential on a gateway host.
type Device struct {
	ID     int
	HostID int
	Name   string

	// Curve25519 keypair, base64 encoded. Generated exactly once; a
	// revoked-and-recreated device is a new identity with new keys.
	PublicKey  string
	PrivateKey string

	TunnelIP string // assigned address within the host subnet
	State    DeviceState

	CreatedAt time.Time
	LastSeen  *time.Time
	DeletedAt *time.Time
}

// HostSample is one timestamped host-level metric reading. Probe failures
// leave the corresponding field nil; partial samples are valid.
type HostSample struct {
	ID          int
	HostID      int
	CollectedAt time.Time

	CPUPercent *float64
	MemUsed    *int64
	MemTotal   *int64
	DiskUsed   *int64
	DiskTotal  *int64

	// Interface throughput derived from a two-point /proc/net/dev read,
	// in bytes per second.
	RxBytesPerSec *int64
	TxBytesPerSec *int64
}

// DeviceSample is one timestamped per-device metric reading. BytesSent is
// traffic the device sent through the tunnel (the gateway's receive
// counter); BytesReceived is traffic delivered to the device.
type DeviceSample struct {
	ID          int
	DeviceID    int
	CollectedAt time.Time

	BytesSent     int64 // cumulative
	BytesReceived int64 // cumulative

	UploadBps   float64 // derived from consecutive samples, bits/second
	DownloadBps float64
}

// AuditLogEntry is one row of the append-only audit trail.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Actor     string
	Action    string
	Details   string
}

// BackupData is the serializable container for backup export/import.
// Metric samples are excluded; they expire within the retention window.
type BackupData struct {
	Hosts   []Host   `json:"hosts"`
	Devices []Device `json:"devices"`
}
