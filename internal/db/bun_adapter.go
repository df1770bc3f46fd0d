// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/uptrace/bun"
	"github.com/veitkamp/wgfleet/internal/model"
)

// The Bun adapters below implement the actual queries shared by all three
// backend stores. Each store struct stays a thin dialect wrapper.

// AddHostBun inserts a new host after rejecting duplicate address+port
// combinations among non-deleted rows. The exists-check gives the friendly
// error message; a unique index on (address, port) over live rows backs it
// against concurrent writers, surfaced through MapDBError.
func AddHostBun(bdb *bun.DB, h model.Host) (int, error) {
	ctx := context.Background()

	exists, err := bdb.NewSelect().Model((*HostModel)(nil)).
		Where("address = ?", h.Address).
		Where("port = ?", h.Port).
		Where("deleted_at IS NULL").
		Exists(ctx)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("host %s:%d: %w", h.Address, h.Port, ErrDuplicate)
	}

	m := hostToBunModel(h)
	m.ID = 0
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := bdb.NewInsert().Model(&m).Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return m.ID, nil
}

// GetHostBun retrieves a host by id; soft-deleted rows are invisible.
func GetHostBun(bdb *bun.DB, id int) (*model.Host, error) {
	ctx := context.Background()

	var m HostModel
	err := bdb.NewSelect().Model(&m).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("host %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	h := hostModelToModel(m)
	return &h, nil
}

// GetAllHostsBun lists all non-deleted hosts, optionally filtered by state.
func GetAllHostsBun(bdb *bun.DB, state model.HostState) ([]model.Host, error) {
	ctx := context.Background()

	var ms []HostModel
	q := bdb.NewSelect().Model(&ms).
		Where("deleted_at IS NULL").
		Order("id ASC")
	if state != "" {
		q = q.Where("state = ?", string(state))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Host, 0, len(ms))
	for _, m := range ms {
		out = append(out, hostModelToModel(m))
	}
	return out, nil
}

// UpdateHostStateBun applies a lifecycle transition inside a transaction,
// rejecting any move not present in the transition table.
func UpdateHostStateBun(bdb *bun.DB, id int, next model.HostState) error {
	ctx := context.Background()

	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var m HostModel
	err = tx.NewSelect().Model(&m).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("host %d: %w", id, ErrNotFound)
		}
		return err
	}

	from := model.HostState(m.State)
	if !model.CanTransitionHost(from, next) {
		return &model.ErrBadTransition{Entity: "host", From: string(from), To: string(next)}
	}

	if _, err := tx.NewUpdate().Model((*HostModel)(nil)).
		Set("state = ?", string(next)).
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateHostDeployProgressBun records per-host deployment bookkeeping.
func UpdateHostDeployProgressBun(bdb *bun.DB, id, progress int, lastStep, lastError string) error {
	ctx := context.Background()

	res, err := bdb.NewUpdate().Model((*HostModel)(nil)).
		Set("deploy_progress = ?", progress).
		Set("last_step = ?", nullString(lastStep)).
		Set("last_error = ?", nullString(lastError)).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, "host", id)
}

// UpdateHostWGKeysBun stores the host's server-side WireGuard keypair.
func UpdateHostWGKeysBun(bdb *bun.DB, id int, publicKey, privateKey string) error {
	ctx := context.Background()

	res, err := bdb.NewUpdate().Model((*HostModel)(nil)).
		Set("wg_public_key = ?", nullString(publicKey)).
		Set("wg_private_key = ?", nullString(privateKey)).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, "host", id)
}

// UpdateHostKeyBun stores the trusted SSH host key learned on first contact.
func UpdateHostKeyBun(bdb *bun.DB, id int, hostKey string) error {
	ctx := context.Background()

	res, err := bdb.NewUpdate().Model((*HostModel)(nil)).
		Set("host_key = ?", nullString(hostKey)).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, "host", id)
}

// DeleteHostBun soft-deletes a host. Deleting an already-deleted host is a
// no-op; deleting an unknown id is ErrNotFound.
func DeleteHostBun(bdb *bun.DB, id int) error {
	ctx := context.Background()

	exists, err := bdb.NewSelect().Model((*HostModel)(nil)).
		Where("id = ?", id).
		Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("host %d: %w", id, ErrNotFound)
	}

	now := time.Now().UTC()
	_, err = bdb.NewUpdate().Model((*HostModel)(nil)).
		Set("state = ?", string(model.HostDeleted)).
		Set("deleted_at = ?", now).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Exec(ctx)
	return err
}

// AddDeviceBun inserts a new device credential, rejecting a tunnel IP that
// is already held by a non-deleted device on the same host. As with hosts,
// a unique index on (host_id, tunnel_ip) over live rows closes the race
// the exists-check leaves open.
func AddDeviceBun(bdb *bun.DB, d model.Device) (int, error) {
	ctx := context.Background()

	exists, err := bdb.NewSelect().Model((*DeviceModel)(nil)).
		Where("host_id = ?", d.HostID).
		Where("tunnel_ip = ?", d.TunnelIP).
		Where("deleted_at IS NULL").
		Exists(ctx)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("tunnel ip %s on host %d: %w", d.TunnelIP, d.HostID, ErrDuplicate)
	}

	m := deviceToBunModel(d)
	m.ID = 0
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := bdb.NewInsert().Model(&m).Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return m.ID, nil
}

// GetDeviceBun retrieves a device by id; soft-deleted rows are invisible.
func GetDeviceBun(bdb *bun.DB, id int) (*model.Device, error) {
	ctx := context.Background()

	var m DeviceModel
	err := bdb.NewSelect().Model(&m).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	d := deviceModelToModel(m)
	return &d, nil
}

// GetDevicesForHostBun lists all non-deleted devices on a host, optionally
// restricted to one state.
func GetDevicesForHostBun(bdb *bun.DB, hostID int, state model.DeviceState) ([]model.Device, error) {
	ctx := context.Background()

	var ms []DeviceModel
	q := bdb.NewSelect().Model(&ms).
		Where("host_id = ?", hostID).
		Where("deleted_at IS NULL").
		Order("id ASC")
	if state != "" {
		q = q.Where("state = ?", string(state))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Device, 0, len(ms))
	for _, m := range ms {
		out = append(out, deviceModelToModel(m))
	}
	return out, nil
}

// UpdateDeviceStateBun applies a device lifecycle transition.
func UpdateDeviceStateBun(bdb *bun.DB, id int, next model.DeviceState) error {
	ctx := context.Background()

	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var m DeviceModel
	err = tx.NewSelect().Model(&m).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return err
	}

	from := model.DeviceState(m.State)
	if !model.CanTransitionDevice(from, next) {
		return &model.ErrBadTransition{Entity: "device", From: string(from), To: string(next)}
	}

	if _, err := tx.NewUpdate().Model((*DeviceModel)(nil)).
		Set("state = ?", string(next)).
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateDeviceLastSeenBun records the device's last-seen timestamp.
func UpdateDeviceLastSeenBun(bdb *bun.DB, id int, seen time.Time) error {
	ctx := context.Background()

	res, err := bdb.NewUpdate().Model((*DeviceModel)(nil)).
		Set("last_seen = ?", seen).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, "device", id)
}

// DeleteDeviceBun soft-deletes a device credential.
func DeleteDeviceBun(bdb *bun.DB, id int) error {
	ctx := context.Background()

	exists, err := bdb.NewSelect().Model((*DeviceModel)(nil)).
		Where("id = ?", id).
		Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}

	now := time.Now().UTC()
	_, err = bdb.NewUpdate().Model((*DeviceModel)(nil)).
		Set("state = ?", string(model.DeviceDeleted)).
		Set("deleted_at = ?", now).
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Exec(ctx)
	return err
}

// AddHostSampleBun appends one host metric sample row.
func AddHostSampleBun(bdb *bun.DB, s model.HostSample) error {
	ctx := context.Background()

	m := HostSampleModel{
		HostID:        s.HostID,
		CollectedAt:   s.CollectedAt,
		CPUPercent:    s.CPUPercent,
		MemUsed:       s.MemUsed,
		MemTotal:      s.MemTotal,
		DiskUsed:      s.DiskUsed,
		DiskTotal:     s.DiskTotal,
		RxBytesPerSec: s.RxBytesPerSec,
		TxBytesPerSec: s.TxBytesPerSec,
	}
	_, err := bdb.NewInsert().Model(&m).Exec(ctx)
	return err
}

// AddDeviceSampleBun appends one device metric sample row.
func AddDeviceSampleBun(bdb *bun.DB, s model.DeviceSample) error {
	ctx := context.Background()

	m := DeviceSampleModel{
		DeviceID:      s.DeviceID,
		CollectedAt:   s.CollectedAt,
		BytesSent:     s.BytesSent,
		BytesReceived: s.BytesReceived,
		UploadBps:     s.UploadBps,
		DownloadBps:   s.DownloadBps,
	}
	_, err := bdb.NewInsert().Model(&m).Exec(ctx)
	return err
}

// GetHostSamplesBun returns host samples collected at or after `since`, in
// collection order.
func GetHostSamplesBun(bdb *bun.DB, hostID int, since time.Time) ([]model.HostSample, error) {
	ctx := context.Background()

	var ms []HostSampleModel
	err := bdb.NewSelect().Model(&ms).
		Where("host_id = ?", hostID).
		Where("collected_at >= ?", since).
		Order("collected_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.HostSample, 0, len(ms))
	for _, m := range ms {
		out = append(out, hostSampleModelToModel(m))
	}
	return out, nil
}

// GetDeviceSamplesBun returns device samples collected at or after `since`,
// in collection order.
func GetDeviceSamplesBun(bdb *bun.DB, deviceID int, since time.Time) ([]model.DeviceSample, error) {
	ctx := context.Background()

	var ms []DeviceSampleModel
	err := bdb.NewSelect().Model(&ms).
		Where("device_id = ?", deviceID).
		Where("collected_at >= ?", since).
		Order("collected_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.DeviceSample, 0, len(ms))
	for _, m := range ms {
		out = append(out, deviceSampleModelToModel(m))
	}
	return out, nil
}

// GetLatestDeviceSampleBun returns the most recent sample for a device, or
// nil when the device has never been sampled.
func GetLatestDeviceSampleBun(bdb *bun.DB, deviceID int) (*model.DeviceSample, error) {
	ctx := context.Background()

	var m DeviceSampleModel
	err := bdb.NewSelect().Model(&m).
		Where("device_id = ?", deviceID).
		Order("collected_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s := deviceSampleModelToModel(m)
	return &s, nil
}

// PruneSamplesBun deletes all metric samples older than the cutoff from
// both sample tables and reports the number of removed rows.
func PruneSamplesBun(bdb *bun.DB, before time.Time) (int64, error) {
	ctx := context.Background()

	var total int64
	res, err := bdb.NewDelete().Model((*HostSampleModel)(nil)).
		Where("collected_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = bdb.NewDelete().Model((*DeviceSampleModel)(nil)).
		Where("collected_at < ?", before).
		Exec(ctx)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// LogActionBun appends one audit log row, attributing it to the local OS user.
func LogActionBun(bdb *bun.DB, action, details string) error {
	ctx := context.Background()

	actor := "unknown"
	if u, err := user.Current(); err == nil {
		actor = u.Username
	}
	m := AuditLogModel{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     actor,
		Action:    action,
		Details:   details,
	}
	_, err := bdb.NewInsert().Model(&m).Exec(ctx)
	return err
}

// GetAllAuditLogEntriesBun retrieves audit entries, most recent first.
func GetAllAuditLogEntriesBun(bdb *bun.DB) ([]model.AuditLogEntry, error) {
	ctx := context.Background()

	var ms []AuditLogModel
	err := bdb.NewSelect().Model(&ms).
		Order("id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(ms))
	for _, m := range ms {
		out = append(out, model.AuditLogEntry{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			Actor:     m.Actor,
			Action:    m.Action,
			Details:   m.Details,
		})
	}
	return out, nil
}

// GetSettingBun reads a settings value; missing keys yield an empty string.
func GetSettingBun(bdb *bun.DB, key string) (string, error) {
	ctx := context.Background()

	var m SettingModel
	err := bdb.NewSelect().Model(&m).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return m.Value, nil
}

// SetSettingBun writes a settings value. Update-then-insert keeps the
// statement portable across all three dialects.
func SetSettingBun(bdb *bun.DB, key, value string) error {
	ctx := context.Background()

	res, err := bdb.NewUpdate().Model((*SettingModel)(nil)).
		Set("value = ?", value).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	m := SettingModel{Key: key, Value: value}
	_, err = bdb.NewInsert().Model(&m).Exec(ctx)
	return MapDBError(err)
}

// ExportDataForBackupBun collects non-deleted hosts and devices.
func ExportDataForBackupBun(bdb *bun.DB) (*model.BackupData, error) {
	hosts, err := GetAllHostsBun(bdb, "")
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var ms []DeviceModel
	if err := bdb.NewSelect().Model(&ms).
		Where("deleted_at IS NULL").
		Order("id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	devices := make([]model.Device, 0, len(ms))
	for _, m := range ms {
		devices = append(devices, deviceModelToModel(m))
	}
	return &model.BackupData{Hosts: hosts, Devices: devices}, nil
}

// ImportDataFromBackupBun replaces hosts and devices with the backup
// contents inside one transaction. IDs are preserved so device->host
// references stay valid.
func ImportDataFromBackupBun(bdb *bun.DB, backup *model.BackupData) error {
	ctx := context.Background()

	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NewDelete().Model((*DeviceModel)(nil)).Where("1=1").Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear devices: %w", err)
	}
	if _, err := tx.NewDelete().Model((*HostModel)(nil)).Where("1=1").Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear hosts: %w", err)
	}

	for _, h := range backup.Hosts {
		m := hostToBunModel(h)
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("failed to restore host %s: %w", h.Name, err)
		}
	}
	for _, d := range backup.Devices {
		m := deviceToBunModel(d)
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("failed to restore device %s: %w", d.Name, err)
		}
	}
	return tx.Commit()
}

// requireAffected converts a zero-row update into ErrNotFound.
func requireAffected(res sql.Result, entity string, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver without RowsAffected support; assume success
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	}
	return nil
}
