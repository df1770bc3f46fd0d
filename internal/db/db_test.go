// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veitkamp/wgfleet/internal/model"
)

// newTestStore opens a fresh in-memory SQLite store with migrations applied.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStoreFromDSN("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return s
}

func testHost() model.Host {
	return model.Host{
		Name:       "gw-01",
		Address:    "10.0.0.1",
		Port:       22,
		Username:   "root",
		Password:   "hunter2",
		Iface:      "wg0",
		Subnet:     "10.8.0.0/24",
		ListenPort: 51820,
		State:      model.HostRegistered,
	}
}

func TestAddAndGetHost(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AddHost(testHost())
	if err != nil {
		t.Fatalf("AddHost failed: %v", err)
	}
	if id == 0 {
		t.Fatal("AddHost returned id 0")
	}

	h, err := s.GetHost(id)
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if h.Address != "10.0.0.1" || h.Port != 22 {
		t.Errorf("unexpected host: %+v", h)
	}
	if h.State != model.HostRegistered {
		t.Errorf("new host state = %s, expected registered", h.State)
	}
}

func TestAddHostDuplicateAddressPort(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AddHost(testHost()); err != nil {
		t.Fatalf("first AddHost failed: %v", err)
	}

	dup := testHost()
	dup.Name = "gw-01-copy"
	if _, err := s.AddHost(dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	// Same address on a different port is a different endpoint.
	other := testHost()
	other.Port = 2222
	if _, err := s.AddHost(other); err != nil {
		t.Errorf("AddHost with different port failed: %v", err)
	}
}

func TestGetHostNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetHost(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateHostStateTransitions(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddHost(testHost())

	if err := s.UpdateHostState(id, model.HostActive); err == nil {
		t.Error("registered -> active should be rejected")
	} else {
		var bad *model.ErrBadTransition
		if !errors.As(err, &bad) {
			t.Errorf("expected ErrBadTransition, got %v", err)
		}
	}

	if err := s.UpdateHostState(id, model.HostDeploying); err != nil {
		t.Fatalf("registered -> deploying failed: %v", err)
	}
	if err := s.UpdateHostState(id, model.HostFailed); err != nil {
		t.Fatalf("deploying -> failed failed: %v", err)
	}
	if err := s.UpdateHostState(id, model.HostDeploying); err != nil {
		t.Fatalf("failed -> deploying (retry) failed: %v", err)
	}
	if err := s.UpdateHostState(id, model.HostActive); err != nil {
		t.Fatalf("deploying -> active failed: %v", err)
	}

	h, _ := s.GetHost(id)
	if h.State != model.HostActive {
		t.Errorf("final state = %s, expected active", h.State)
	}
}

func TestDeleteHostSoftAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddHost(testHost())

	if err := s.DeleteHost(id); err != nil {
		t.Fatalf("DeleteHost failed: %v", err)
	}
	// Idempotent: a second delete is a no-op.
	if err := s.DeleteHost(id); err != nil {
		t.Errorf("second DeleteHost should be a no-op, got %v", err)
	}
	// Soft-deleted hosts are invisible.
	if _, err := s.GetHost(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted host should be ErrNotFound, got %v", err)
	}
	// The endpoint is free for re-registration.
	if _, err := s.AddHost(testHost()); err != nil {
		t.Errorf("re-registering a deleted endpoint failed: %v", err)
	}
	// Unknown ids are a distinct signal.
	if err := s.DeleteHost(9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	s := newTestStore(t)
	hostID, _ := s.AddHost(testHost())

	d := model.Device{
		HostID:     hostID,
		Name:       "phone1",
		PublicKey:  "pub1",
		PrivateKey: "priv1",
		TunnelIP:   "10.8.0.2",
		State:      model.DeviceActive,
	}
	id, err := s.AddDevice(d)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	// Duplicate tunnel IP on the same host is a conflict.
	dup := d
	dup.Name = "phone2"
	dup.PublicKey = "pub2"
	if _, err := s.AddDevice(dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for reused tunnel ip, got %v", err)
	}

	if err := s.UpdateDeviceState(id, model.DeviceRevoked); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := s.UpdateDeviceState(id, model.DeviceActive); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	active, err := s.GetActiveDevicesForHost(hostID)
	if err != nil {
		t.Fatalf("GetActiveDevicesForHost failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != id {
		t.Errorf("unexpected active devices: %+v", active)
	}

	if err := s.DeleteDevice(id); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}
	if _, err := s.GetDevice(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted device should be ErrNotFound, got %v", err)
	}
	// Its IP becomes reusable after deletion.
	if _, err := s.AddDevice(dup); err != nil {
		t.Errorf("reusing a freed tunnel ip failed: %v", err)
	}
}

func TestSchemaEnforcesUniqueness(t *testing.T) {
	s := newTestStore(t)
	ss, ok := s.(*SqliteStore)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", s)
	}
	ctx := context.Background()

	hostID, err := s.AddHost(testHost())
	if err != nil {
		t.Fatalf("AddHost failed: %v", err)
	}

	// Raw insert bypassing the adapter's exists-check: two concurrent
	// writers can both pass that check, so the unique index has to reject
	// the duplicate endpoint on its own.
	dup := hostToBunModel(testHost())
	dup.ID = 0
	if _, err := ss.bun.NewInsert().Model(&dup).Exec(ctx); !errors.Is(MapDBError(err), ErrDuplicate) {
		t.Errorf("raw duplicate host insert = %v, expected a unique violation", err)
	}

	if _, err := s.AddDevice(model.Device{
		HostID: hostID, Name: "phone1", PublicKey: "pk1", PrivateKey: "sk1",
		TunnelIP: "10.8.0.2", State: model.DeviceActive,
	}); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	dupDev := deviceToBunModel(model.Device{
		HostID: hostID, Name: "phone2", PublicKey: "pk2", PrivateKey: "sk2",
		TunnelIP: "10.8.0.2", State: model.DeviceActive,
	})
	if _, err := ss.bun.NewInsert().Model(&dupDev).Exec(ctx); !errors.Is(MapDBError(err), ErrDuplicate) {
		t.Errorf("raw duplicate device insert = %v, expected a unique violation", err)
	}

	// Soft-deleted rows sit outside the index, so a re-registered endpoint
	// passes the constraint without adapter help.
	if err := s.DeleteHost(hostID); err != nil {
		t.Fatalf("DeleteHost failed: %v", err)
	}
	again := hostToBunModel(testHost())
	again.ID = 0
	if _, err := ss.bun.NewInsert().Model(&again).Exec(ctx); err != nil {
		t.Errorf("insert after soft delete failed: %v", err)
	}
}

func TestDeviceSamplesLatestAndOrder(t *testing.T) {
	s := newTestStore(t)
	hostID, _ := s.AddHost(testHost())
	devID, _ := s.AddDevice(model.Device{
		HostID: hostID, Name: "d", PublicKey: "pk", PrivateKey: "sk",
		TunnelIP: "10.8.0.2", State: model.DeviceActive,
	})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.AddDeviceSample(model.DeviceSample{
			DeviceID:    devID,
			CollectedAt: base.Add(time.Duration(i) * 10 * time.Second),
			BytesSent:   int64(1000 * (i + 1)),
		})
		if err != nil {
			t.Fatalf("AddDeviceSample failed: %v", err)
		}
	}

	latest, err := s.GetLatestDeviceSample(devID)
	if err != nil {
		t.Fatalf("GetLatestDeviceSample failed: %v", err)
	}
	if latest == nil || latest.BytesSent != 3000 {
		t.Errorf("unexpected latest sample: %+v", latest)
	}

	samples, err := s.GetDeviceSamples(devID, base)
	if err != nil {
		t.Fatalf("GetDeviceSamples failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].CollectedAt.Before(samples[i-1].CollectedAt) {
			t.Error("samples not in collection order")
		}
	}

	// No samples for an unknown device.
	none, err := s.GetLatestDeviceSample(9999)
	if err != nil || none != nil {
		t.Errorf("expected nil, nil for unsampled device, got %+v, %v", none, err)
	}
}

func TestPruneSamplesRetention(t *testing.T) {
	s := newTestStore(t)
	hostID, _ := s.AddHost(testHost())

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	old := now.Add(-25 * time.Hour)
	fresh := now.Add(-1 * time.Hour)

	cpu := 12.5
	_ = s.AddHostSample(model.HostSample{HostID: hostID, CollectedAt: old, CPUPercent: &cpu})
	_ = s.AddHostSample(model.HostSample{HostID: hostID, CollectedAt: fresh, CPUPercent: &cpu})
	_ = s.AddDeviceSample(model.DeviceSample{DeviceID: 1, CollectedAt: old, BytesSent: 10})
	_ = s.AddDeviceSample(model.DeviceSample{DeviceID: 1, CollectedAt: fresh, BytesSent: 20})

	n, err := s.PruneSamples(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneSamples failed: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, expected 2", n)
	}

	hs, _ := s.GetHostSamples(hostID, now.Add(-48*time.Hour))
	if len(hs) != 1 {
		t.Errorf("expected 1 surviving host sample, got %d", len(hs))
	}
	ds, _ := s.GetDeviceSamples(1, now.Add(-48*time.Hour))
	if len(ds) != 1 {
		t.Errorf("expected 1 surviving device sample, got %d", len(ds))
	}
}

func TestPartialHostSamplePreservesNulls(t *testing.T) {
	s := newTestStore(t)
	hostID, _ := s.AddHost(testHost())

	memUsed := int64(512)
	memTotal := int64(2048)
	when := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := s.AddHostSample(model.HostSample{
		HostID:      hostID,
		CollectedAt: when,
		MemUsed:     &memUsed,
		MemTotal:    &memTotal,
		// CPU and disk probes failed: fields stay nil.
	})
	if err != nil {
		t.Fatalf("AddHostSample failed: %v", err)
	}

	samples, err := s.GetHostSamples(hostID, when.Add(-time.Minute))
	if err != nil || len(samples) != 1 {
		t.Fatalf("GetHostSamples = %v, %v", samples, err)
	}
	got := samples[0]
	if got.CPUPercent != nil {
		t.Errorf("failed probe should stay NULL, got %v", *got.CPUPercent)
	}
	if got.MemUsed == nil || *got.MemUsed != 512 {
		t.Errorf("mem_used lost: %+v", got.MemUsed)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetSetting("session_key")
	if err != nil || v != "" {
		t.Fatalf("unset setting = %q, %v", v, err)
	}
	if err := s.SetSetting("session_key", "aa11"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.SetSetting("session_key", "bb22"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}
	v, err = s.GetSetting("session_key")
	if err != nil || v != "bb22" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}
}

func TestAuditLogRecordsMutations(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddHost(testHost())
	_ = s.DeleteHost(id)

	entries, err := s.GetAllAuditLogEntries()
	if err != nil {
		t.Fatalf("GetAllAuditLogEntries failed: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected at least 2 audit entries, got %d", len(entries))
	}
	// Most recent first.
	if entries[0].Action != "DELETE_HOST" {
		t.Errorf("latest entry = %s, expected DELETE_HOST", entries[0].Action)
	}
}

func TestBackupExportImport(t *testing.T) {
	s := newTestStore(t)
	hostID, _ := s.AddHost(testHost())
	_, _ = s.AddDevice(model.Device{
		HostID: hostID, Name: "d1", PublicKey: "pk", PrivateKey: "sk",
		TunnelIP: "10.8.0.2", State: model.DeviceActive,
	})

	backup, err := s.ExportDataForBackup()
	if err != nil {
		t.Fatalf("ExportDataForBackup failed: %v", err)
	}
	if len(backup.Hosts) != 1 || len(backup.Devices) != 1 {
		t.Fatalf("unexpected backup contents: %+v", backup)
	}

	// Restore into a fresh store.
	dst := newTestStore(t)
	if err := dst.ImportDataFromBackup(backup); err != nil {
		t.Fatalf("ImportDataFromBackup failed: %v", err)
	}
	hosts, _ := dst.GetAllHosts()
	if len(hosts) != 1 || hosts[0].ID != hostID {
		t.Errorf("restored hosts = %+v", hosts)
	}
	devices, _ := dst.GetDevicesForHost(hostID)
	if len(devices) != 1 || devices[0].TunnelIP != "10.8.0.2" {
		t.Errorf("restored devices = %+v", devices)
	}
}

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"nil", nil, nil},
		{"sqlite unique", errors.New("UNIQUE constraint failed: hosts.address"), ErrDuplicate},
		{"postgres 23505", errors.New("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)"), ErrDuplicate},
		{"mysql 1062", errors.New("Error 1062: Duplicate entry"), ErrDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.err)
			if tt.expected == nil {
				if got != nil {
					t.Errorf("expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.expected) {
				t.Errorf("MapDBError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestOtherErrorsPassThroughMapDBError(t *testing.T) {
	orig := errors.New("connection refused")
	if got := MapDBError(orig); got != orig {
		t.Errorf("unrelated error was rewritten: %v", got)
	}
}
