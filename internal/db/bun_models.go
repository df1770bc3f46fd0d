// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/veitkamp/wgfleet/internal/model"
)

// HostModel maps the `hosts` table for Bun queries.
type HostModel struct {
	bun.BaseModel `bun:"table:hosts"`
	ID            int            `bun:"id,pk,autoincrement"`
	Name          string         `bun:"name"`
	Address       string         `bun:"address"`
	Port          int            `bun:"port"`
	Username      string         `bun:"username"`
	Password      sql.NullString `bun:"password"`
	PrivateKey    sql.NullString `bun:"private_key"`
	HostKey       sql.NullString `bun:"host_key"`
	Iface         string         `bun:"iface"`
	Subnet        string         `bun:"subnet"`
	ListenPort    int            `bun:"listen_port"`
	WGPublicKey   sql.NullString `bun:"wg_public_key"`
	WGPrivateKey  sql.NullString `bun:"wg_private_key"`
	State         string         `bun:"state"`
	DeployStep    int            `bun:"deploy_progress"`
	LastStep      sql.NullString `bun:"last_step"`
	LastError     sql.NullString `bun:"last_error"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,default:current_timestamp"`
	DeletedAt     *time.Time     `bun:"deleted_at"`
}

// DeviceModel maps the `devices` table.
type DeviceModel struct {
	bun.BaseModel `bun:"table:devices"`
	ID            int        `bun:"id,pk,autoincrement"`
	HostID        int        `bun:"host_id"`
	Name          string     `bun:"name"`
	PublicKey     string     `bun:"public_key"`
	PrivateKey    string     `bun:"private_key"`
	TunnelIP      string     `bun:"tunnel_ip"`
	State         string     `bun:"state"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,default:current_timestamp"`
	LastSeen      *time.Time `bun:"last_seen"`
	DeletedAt     *time.Time `bun:"deleted_at"`
}

// HostSampleModel maps the `host_metric_samples` table. Nullable columns
// stay pointers: a failed probe is stored as NULL, never coerced to zero.
type HostSampleModel struct {
	bun.BaseModel `bun:"table:host_metric_samples"`
	ID            int       `bun:"id,pk,autoincrement"`
	HostID        int       `bun:"host_id"`
	CollectedAt   time.Time `bun:"collected_at"`
	CPUPercent    *float64  `bun:"cpu_percent"`
	MemUsed       *int64    `bun:"mem_used"`
	MemTotal      *int64    `bun:"mem_total"`
	DiskUsed      *int64    `bun:"disk_used"`
	DiskTotal     *int64    `bun:"disk_total"`
	RxBytesPerSec *int64    `bun:"rx_bytes_per_sec"`
	TxBytesPerSec *int64    `bun:"tx_bytes_per_sec"`
}

// DeviceSampleModel maps the `device_metric_samples` table.
type DeviceSampleModel struct {
	bun.BaseModel `bun:"table:device_metric_samples"`
	ID            int       `bun:"id,pk,autoincrement"`
	DeviceID      int       `bun:"device_id"`
	CollectedAt   time.Time `bun:"collected_at"`
	BytesSent     int64     `bun:"bytes_sent"`
	BytesReceived int64     `bun:"bytes_received"`
	UploadBps     float64   `bun:"upload_bps"`
	DownloadBps   float64   `bun:"download_bps"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Actor         string `bun:"actor"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// SettingModel maps the settings key/value table.
type SettingModel struct {
	bun.BaseModel `bun:"table:settings"`
	Key           string `bun:"key,pk"`
	Value         string `bun:"value"`
}

// --- Mapping helpers (centralized conversions) ---

func hostModelToModel(m HostModel) model.Host {
	return model.Host{
		ID:             m.ID,
		Name:           m.Name,
		Address:        m.Address,
		Port:           m.Port,
		Username:       m.Username,
		Password:       m.Password.String,
		PrivateKey:     m.PrivateKey.String,
		HostKey:        m.HostKey.String,
		Iface:          m.Iface,
		Subnet:         m.Subnet,
		ListenPort:     m.ListenPort,
		WGPublicKey:    m.WGPublicKey.String,
		WGPrivateKey:   m.WGPrivateKey.String,
		State:          model.HostState(m.State),
		DeployProgress: m.DeployStep,
		LastStep:       m.LastStep.String,
		LastError:      m.LastError.String,
		CreatedAt:      m.CreatedAt,
		DeletedAt:      m.DeletedAt,
	}
}

func hostToBunModel(h model.Host) HostModel {
	return HostModel{
		ID:           h.ID,
		Name:         h.Name,
		Address:      h.Address,
		Port:         h.Port,
		Username:     h.Username,
		Password:     nullString(h.Password),
		PrivateKey:   nullString(h.PrivateKey),
		HostKey:      nullString(h.HostKey),
		Iface:        h.Iface,
		Subnet:       h.Subnet,
		ListenPort:   h.ListenPort,
		WGPublicKey:  nullString(h.WGPublicKey),
		WGPrivateKey: nullString(h.WGPrivateKey),
		State:        string(h.State),
		DeployStep:   h.DeployProgress,
		LastStep:     nullString(h.LastStep),
		LastError:    nullString(h.LastError),
		CreatedAt:    h.CreatedAt,
		DeletedAt:    h.DeletedAt,
	}
}

func deviceModelToModel(m DeviceModel) model.Device {
	return model.Device{
		ID:         m.ID,
		HostID:     m.HostID,
		Name:       m.Name,
		PublicKey:  m.PublicKey,
		PrivateKey: m.PrivateKey,
		TunnelIP:   m.TunnelIP,
		State:      model.DeviceState(m.State),
		CreatedAt:  m.CreatedAt,
		LastSeen:   m.LastSeen,
		DeletedAt:  m.DeletedAt,
	}
}

func deviceToBunModel(d model.Device) DeviceModel {
	return DeviceModel{
		ID:         d.ID,
		HostID:     d.HostID,
		Name:       d.Name,
		PublicKey:  d.PublicKey,
		PrivateKey: d.PrivateKey,
		TunnelIP:   d.TunnelIP,
		State:      string(d.State),
		CreatedAt:  d.CreatedAt,
		LastSeen:   d.LastSeen,
		DeletedAt:  d.DeletedAt,
	}
}

func hostSampleModelToModel(m HostSampleModel) model.HostSample {
	return model.HostSample{
		ID:            m.ID,
		HostID:        m.HostID,
		CollectedAt:   m.CollectedAt,
		CPUPercent:    m.CPUPercent,
		MemUsed:       m.MemUsed,
		MemTotal:      m.MemTotal,
		DiskUsed:      m.DiskUsed,
		DiskTotal:     m.DiskTotal,
		RxBytesPerSec: m.RxBytesPerSec,
		TxBytesPerSec: m.TxBytesPerSec,
	}
}

func deviceSampleModelToModel(m DeviceSampleModel) model.DeviceSample {
	return model.DeviceSample{
		ID:            m.ID,
		DeviceID:      m.DeviceID,
		CollectedAt:   m.CollectedAt,
		BytesSent:     m.BytesSent,
		BytesReceived: m.BytesReceived,
		UploadBps:     m.UploadBps,
		DownloadBps:   m.DownloadBps,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
