// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/veitkamp/wgfleet/internal/model"
)

// Store defines the interface for all database operations in wgfleet.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Host methods
	AddHost(h model.Host) (int, error)
	GetHost(id int) (*model.Host, error)
	GetAllHosts() ([]model.Host, error)
	GetHostsByState(state model.HostState) ([]model.Host, error)
	UpdateHostState(id int, next model.HostState) error
	UpdateHostDeployProgress(id, progress int, lastStep, lastError string) error
	UpdateHostWGKeys(id int, publicKey, privateKey string) error
	UpdateHostKey(id int, hostKey string) error
	DeleteHost(id int) error

	// Device methods
	AddDevice(d model.Device) (int, error)
	GetDevice(id int) (*model.Device, error)
	GetDevicesForHost(hostID int) ([]model.Device, error)
	GetActiveDevicesForHost(hostID int) ([]model.Device, error)
	UpdateDeviceState(id int, next model.DeviceState) error
	UpdateDeviceLastSeen(id int, seen time.Time) error
	DeleteDevice(id int) error

	// Metric sample methods
	AddHostSample(s model.HostSample) error
	AddDeviceSample(s model.DeviceSample) error
	GetHostSamples(hostID int, since time.Time) ([]model.HostSample, error)
	GetDeviceSamples(deviceID int, since time.Time) ([]model.DeviceSample, error)
	GetLatestDeviceSample(deviceID int) (*model.DeviceSample, error)
	PruneSamples(before time.Time) (int64, error)

	// Audit log methods
	LogAction(action, details string) error
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)

	// Settings methods
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// Backup methods
	ExportDataForBackup() (*model.BackupData, error)
	ImportDataFromBackup(backup *model.BackupData) error
}

// AuditWriter is the minimal interface used to record audit events.
// Tests can inject an implementation to capture entries.
type AuditWriter interface {
	LogAction(action, details string) error
}
