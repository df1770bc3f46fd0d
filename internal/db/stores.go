// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the backend store implementations. All three dialects
// share the Bun adapters; the per-backend types remain distinct so
// engine-specific behavior has a place to live.
package db

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/veitkamp/wgfleet/internal/model"
)

// bunStore implements Store on top of a *bun.DB. Mutating operations that
// represent operator decisions also write an audit trail entry.
type bunStore struct {
	bun *bun.DB
}

// SqliteStore is the SQLite implementation of the Store interface.
type SqliteStore struct{ bunStore }

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct{ bunStore }

// MySQLStore is the MySQL implementation of the Store interface.
type MySQLStore struct{ bunStore }

func newSqliteStore(b *bun.DB) *SqliteStore     { return &SqliteStore{bunStore{bun: b}} }
func newPostgresStore(b *bun.DB) *PostgresStore { return &PostgresStore{bunStore{bun: b}} }
func newMySQLStore(b *bun.DB) *MySQLStore       { return &MySQLStore{bunStore{bun: b}} }

// AddHost registers a new gateway host.
func (s *bunStore) AddHost(h model.Host) (int, error) {
	id, err := AddHostBun(s.bun, h)
	if err == nil {
		_ = s.LogAction("ADD_HOST", fmt.Sprintf("host: %s (%s:%d)", h.Name, h.Address, h.Port))
	}
	return id, err
}

// GetHost retrieves a host by id.
func (s *bunStore) GetHost(id int) (*model.Host, error) {
	return GetHostBun(s.bun, id)
}

// GetAllHosts retrieves all non-deleted hosts.
func (s *bunStore) GetAllHosts() ([]model.Host, error) {
	return GetAllHostsBun(s.bun, "")
}

// GetHostsByState retrieves all hosts in the given lifecycle state.
func (s *bunStore) GetHostsByState(state model.HostState) ([]model.Host, error) {
	return GetAllHostsBun(s.bun, state)
}

// UpdateHostState applies a lifecycle transition.
func (s *bunStore) UpdateHostState(id int, next model.HostState) error {
	return UpdateHostStateBun(s.bun, id, next)
}

// UpdateHostDeployProgress records deployment bookkeeping for a host.
func (s *bunStore) UpdateHostDeployProgress(id, progress int, lastStep, lastError string) error {
	return UpdateHostDeployProgressBun(s.bun, id, progress, lastStep, lastError)
}

// UpdateHostWGKeys stores the host's server-side WireGuard keypair.
func (s *bunStore) UpdateHostWGKeys(id int, publicKey, privateKey string) error {
	return UpdateHostWGKeysBun(s.bun, id, publicKey, privateKey)
}

// UpdateHostKey stores the trusted SSH host key for a host.
func (s *bunStore) UpdateHostKey(id int, hostKey string) error {
	return UpdateHostKeyBun(s.bun, id, hostKey)
}

// DeleteHost soft-deletes a host.
func (s *bunStore) DeleteHost(id int) error {
	err := DeleteHostBun(s.bun, id)
	if err == nil {
		_ = s.LogAction("DELETE_HOST", fmt.Sprintf("host_id: %d", id))
	}
	return err
}

// AddDevice persists a new device credential.
func (s *bunStore) AddDevice(d model.Device) (int, error) {
	id, err := AddDeviceBun(s.bun, d)
	if err == nil {
		_ = s.LogAction("ADD_DEVICE", fmt.Sprintf("device: %s, host_id: %d, ip: %s", d.Name, d.HostID, d.TunnelIP))
	}
	return id, err
}

// GetDevice retrieves a device by id.
func (s *bunStore) GetDevice(id int) (*model.Device, error) {
	return GetDeviceBun(s.bun, id)
}

// GetDevicesForHost retrieves all non-deleted devices on a host.
func (s *bunStore) GetDevicesForHost(hostID int) ([]model.Device, error) {
	return GetDevicesForHostBun(s.bun, hostID, "")
}

// GetActiveDevicesForHost retrieves the active devices on a host.
func (s *bunStore) GetActiveDevicesForHost(hostID int) ([]model.Device, error) {
	return GetDevicesForHostBun(s.bun, hostID, model.DeviceActive)
}

// UpdateDeviceState applies a device lifecycle transition.
func (s *bunStore) UpdateDeviceState(id int, next model.DeviceState) error {
	err := UpdateDeviceStateBun(s.bun, id, next)
	if err == nil {
		_ = s.LogAction("UPDATE_DEVICE_STATE", fmt.Sprintf("device_id: %d, new_state: %s", id, next))
	}
	return err
}

// UpdateDeviceLastSeen records when a device was last reported by its host.
// Called from the sampler on every pass; not audited.
func (s *bunStore) UpdateDeviceLastSeen(id int, seen time.Time) error {
	return UpdateDeviceLastSeenBun(s.bun, id, seen)
}

// DeleteDevice soft-deletes a device credential.
func (s *bunStore) DeleteDevice(id int) error {
	err := DeleteDeviceBun(s.bun, id)
	if err == nil {
		_ = s.LogAction("DELETE_DEVICE", fmt.Sprintf("device_id: %d", id))
	}
	return err
}

// AddHostSample appends one host metric sample.
func (s *bunStore) AddHostSample(sample model.HostSample) error {
	return AddHostSampleBun(s.bun, sample)
}

// AddDeviceSample appends one device metric sample.
func (s *bunStore) AddDeviceSample(sample model.DeviceSample) error {
	return AddDeviceSampleBun(s.bun, sample)
}

// GetHostSamples returns host samples in collection order.
func (s *bunStore) GetHostSamples(hostID int, since time.Time) ([]model.HostSample, error) {
	return GetHostSamplesBun(s.bun, hostID, since)
}

// GetDeviceSamples returns device samples in collection order.
func (s *bunStore) GetDeviceSamples(deviceID int, since time.Time) ([]model.DeviceSample, error) {
	return GetDeviceSamplesBun(s.bun, deviceID, since)
}

// GetLatestDeviceSample returns the most recent sample for a device.
func (s *bunStore) GetLatestDeviceSample(deviceID int) (*model.DeviceSample, error) {
	return GetLatestDeviceSampleBun(s.bun, deviceID)
}

// PruneSamples deletes all metric samples older than the cutoff.
func (s *bunStore) PruneSamples(before time.Time) (int64, error) {
	return PruneSamplesBun(s.bun, before)
}

// LogAction records an audit trail event.
func (s *bunStore) LogAction(action, details string) error {
	return LogActionBun(s.bun, action, details)
}

// GetAllAuditLogEntries retrieves audit entries, most recent first.
func (s *bunStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(s.bun)
}

// GetSetting reads a settings value.
func (s *bunStore) GetSetting(key string) (string, error) {
	return GetSettingBun(s.bun, key)
}

// SetSetting writes a settings value.
func (s *bunStore) SetSetting(key, value string) error {
	return SetSettingBun(s.bun, key, value)
}

// ExportDataForBackup retrieves hosts and devices for a backup.
func (s *bunStore) ExportDataForBackup() (*model.BackupData, error) {
	return ExportDataForBackupBun(s.bun)
}

// ImportDataFromBackup restores the database from a backup data structure.
func (s *bunStore) ImportDataFromBackup(backup *model.BackupData) error {
	err := ImportDataFromBackupBun(s.bun, backup)
	if err == nil {
		_ = s.LogAction("RESTORE_BACKUP", fmt.Sprintf("hosts: %d, devices: %d", len(backup.Hosts), len(backup.Devices)))
	}
	return err
}
