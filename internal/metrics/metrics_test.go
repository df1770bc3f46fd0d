// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/model"
	"github.com/veitkamp/wgfleet/internal/remote"
)

func TestRate(t *testing.T) {
	tests := []struct {
		name     string
		prev     int64
		cur      int64
		elapsed  time.Duration
		expected float64
	}{
		{"steady upload", 1000, 5000, 10 * time.Second, 3200},
		{"idle", 5000, 5000, 10 * time.Second, 0},
		{"counter regression", 5000, 1000, 10 * time.Second, 0},
		{"zero elapsed", 1000, 5000, 0, 0},
		{"negative elapsed", 1000, 5000, -time.Second, 0},
		{"sub-second interval", 0, 125, 500 * time.Millisecond, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Rate(tt.prev, tt.cur, tt.elapsed), 0.001)
		})
	}
}

func TestParseProcStat(t *testing.T) {
	out := `cpu  100 0 100 700 100 0 0 0 0 0
cpu0 50 0 50 350 50 0 0 0 0 0
intr 12345`
	busy, total, err := parseProcStat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(200), busy, "idle and iowait are not busy")
	assert.Equal(t, int64(1000), total)

	_, _, err = parseProcStat("intr 12345\nctxt 99")
	assert.Error(t, err)
}

func TestParseNetDev(t *testing.T) {
	out := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:  999999     100    0    0    0     0          0         0   999999     100    0    0    0     0       0          0
  eth0: 1000000    2000    0    0    0     0          0         0  2000000    3000    0    0    0     0       0          0
   wg0:  500000    1000    0    0    0     0          0         0   700000    1500    0    0    0     0       0          0`

	c, err := parseNetDev(out)
	require.NoError(t, err)
	assert.Equal(t, int64(1500000), c.rx, "loopback excluded")
	assert.Equal(t, int64(2700000), c.tx)

	_, err = parseNetDev("garbage with no counters")
	assert.Error(t, err)
}

func TestParseWGDump(t *testing.T) {
	dump := strings.Join([]string{
		"privkey\tpubkey\t51820\toff",
		"peerA\t(none)\t198.51.100.7:43210\t10.8.0.2/32\t1756100000\t4096\t8192\t25",
		"peerB\t(none)\t(none)\t10.8.0.3/32\t0\t0\t0\toff",
	}, "\n")

	peers, err := parseWGDump(dump)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "peerA", peers[0].publicKey)
	assert.Equal(t, int64(1756100000), peers[0].latestHandshake)
	assert.Equal(t, int64(4096), peers[0].rxBytes)
	assert.Equal(t, int64(8192), peers[0].txBytes)
	assert.Equal(t, int64(0), peers[1].latestHandshake)

	_, err = parseWGDump("iface-line\tonly\nshort\tpeer\tline")
	assert.Error(t, err)
}

// scriptedSession answers commands from per-substring response queues.
type scriptedSession struct {
	responses map[string][]string // command substring -> queued outputs
	errOn     string              // substring; matching commands fail
	commands  []string
}

func (s *scriptedSession) Run(_ context.Context, command string) (string, error) {
	s.commands = append(s.commands, command)
	if s.errOn != "" && strings.Contains(command, s.errOn) {
		return "", errors.New("probe failed")
	}
	for key, queue := range s.responses {
		if strings.Contains(command, key) && len(queue) > 0 {
			out := queue[0]
			s.responses[key] = queue[1:]
			return out, nil
		}
	}
	return "", fmt.Errorf("no scripted response for %q", command)
}

func (s *scriptedSession) Upload(string, []byte, fs.FileMode) error { return nil }
func (s *scriptedSession) Close() error { return nil }

// snapshotOut builds one combined /proc/stat + /proc/net/dev snapshot.
func snapshotOut(user, system, idle, iowait, rx, tx int64) string {
	return fmt.Sprintf("cpu  %d 0 %d %d %d 0 0 0 0 0\n%s\n eth0: %d 10 0 0 0 0 0 0 %d 10 0 0 0 0 0 0",
		user, system, idle, iowait, snapshotSep, rx, tx)
}

const memInfoOut = `MemTotal:        4096000 kB
MemFree:          100000 kB
MemAvailable:    2048000 kB
Buffers:          200000 kB`

// setupFleet wires an in-memory store with one active host and one active
// device, returning both.
func setupFleet(t *testing.T) (*model.Host, *model.Device) {
	t.Helper()
	s, err := db.NewStoreFromDSN("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetStore(s)
	t.Cleanup(func() { db.SetStore(nil) })

	hostID, err := db.AddHost(model.Host{
		Name: "gw-01", Address: "203.0.113.10", Port: 22, Username: "root",
		Iface: "wg0", Subnet: "10.8.0.0/24", ListenPort: 51820,
		State: model.HostActive,
	})
	require.NoError(t, err)
	devID, err := db.AddDevice(model.Device{
		HostID: hostID, Name: "phone1", PublicKey: "peerA",
		PrivateKey: "secret", TunnelIP: "10.8.0.2", State: model.DeviceActive,
	})
	require.NoError(t, err)

	host, err := db.GetHost(hostID)
	require.NoError(t, err)
	device, err := db.GetDevice(devID)
	require.NoError(t, err)
	return host, device
}

func newTestSampler(sess *scriptedSession, clock *fakeClock) *Sampler {
	s := NewSampler(func(model.Host) (remote.Session, error) { return sess, nil }, nil)
	s.pause = 0
	s.now = clock.Now
	return s
}

// fakeClock advances a fixed step on every read so elapsed intervals are
// deterministic.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func TestCollectHostPersistsFullSample(t *testing.T) {
	host, device := setupFleet(t)
	sess := &scriptedSession{responses: map[string][]string{
		"meminfo": {memInfoOut},
		"df -B1":  {"10737418240 21474836480"},
		"/proc/stat": {
			// busy 200 of total 1000, then busy 250 of total 1100: 50% cpu.
			snapshotOut(100, 100, 700, 100, 1000, 2000),
			snapshotOut(120, 130, 760, 90, 11000, 22000),
		},
		"wg show": {strings.Join([]string{
			"iface-header",
			"peerA\t(none)\t198.51.100.7:43210\t10.8.0.2/32\t1756100000\t4096\t8192\t25",
		}, "\n")},
	}}
	clock := &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), step: time.Second}
	sampler := newTestSampler(sess, clock)

	require.NoError(t, sampler.CollectHost(context.Background(), host.ID))

	samples, err := db.GetHostSamples(host.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	hs := samples[0]
	require.NotNil(t, hs.CPUPercent)
	assert.InDelta(t, 50.0, *hs.CPUPercent, 0.001)
	require.NotNil(t, hs.MemUsed)
	assert.Equal(t, int64(2048000*1024), *hs.MemUsed)
	assert.Equal(t, int64(4096000*1024), *hs.MemTotal)
	require.NotNil(t, hs.DiskUsed)
	assert.Equal(t, int64(10737418240), *hs.DiskUsed)
	require.NotNil(t, hs.RxBytesPerSec)
	// 10000 bytes over the 1s fake-clock interval.
	assert.Equal(t, int64(10000), *hs.RxBytesPerSec)
	assert.Equal(t, int64(20000), *hs.TxBytesPerSec)

	dsamples, err := db.GetDeviceSamples(device.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, dsamples, 1)
	assert.Equal(t, int64(4096), dsamples[0].BytesSent, "gateway rx is device upload")
	assert.Equal(t, int64(8192), dsamples[0].BytesReceived)
	assert.Zero(t, dsamples[0].UploadBps, "first sample has no prior point")

	got, err := db.GetDevice(device.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeen)
	assert.Equal(t, time.Unix(1756100000, 0).UTC(), got.LastSeen.UTC())
}

func TestCollectHostPartialSampleOnProbeFailure(t *testing.T) {
	host, _ := setupFleet(t)
	sess := &scriptedSession{
		errOn: "meminfo",
		responses: map[string][]string{
			"df -B1": {"300 400"},
			"/proc/stat": {
				snapshotOut(100, 100, 700, 100, 0, 0),
				snapshotOut(120, 130, 760, 90, 0, 0),
			},
			"wg show": {"iface-header"},
		},
	}
	clock := &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), step: time.Second}
	sampler := newTestSampler(sess, clock)

	require.NoError(t, sampler.CollectHost(context.Background(), host.ID))

	samples, err := db.GetHostSamples(host.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Nil(t, samples[0].MemUsed, "failed probe stays null")
	require.NotNil(t, samples[0].DiskUsed)
	assert.Equal(t, int64(300), *samples[0].DiskUsed)
	require.NotNil(t, samples[0].CPUPercent, "other probes still recorded")
}

func TestCollectHostRefusesInactive(t *testing.T) {
	host, _ := setupFleet(t)
	require.NoError(t, db.UpdateHostState(host.ID, model.HostDeleted))

	sampler := newTestSampler(&scriptedSession{}, &fakeClock{t: time.Now(), step: time.Second})
	err := sampler.CollectHost(context.Background(), host.ID)
	assert.Error(t, err)
}

func TestDeviceRatesFromConsecutiveSamples(t *testing.T) {
	host, device := setupFleet(t)

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.AddDeviceSample(model.DeviceSample{
		DeviceID: device.ID, CollectedAt: base,
		BytesSent: 1000, BytesReceived: 2000,
	}))

	sess := &scriptedSession{responses: map[string][]string{
		"meminfo": {memInfoOut},
		"df -B1":  {"1 2"},
		"/proc/stat": {
			snapshotOut(100, 100, 700, 100, 0, 0),
			snapshotOut(120, 130, 760, 90, 0, 0),
		},
		"wg show": {strings.Join([]string{
			"iface-header",
			"peerA\t(none)\t(none)\t10.8.0.2/32\t0\t5000\t1500\toff",
		}, "\n")},
	}}
	// The clock is read three times (host sample timestamp, counter
	// interval start, counter interval end) before the device collection
	// timestamp, so starting at +7s lands the device sample exactly 10s
	// after the stored one.
	clock := &fakeClock{t: base.Add(7 * time.Second), step: time.Second}
	sampler := newTestSampler(sess, clock)

	require.NoError(t, sampler.CollectHost(context.Background(), host.ID))

	latest, err := db.GetLatestDeviceSample(device.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	// (5000-1000)*8/10s = 3200 bits/s up; receive counter regressed, so 0.
	assert.InDelta(t, 3200, latest.UploadBps, 0.001)
	assert.Zero(t, latest.DownloadBps)

	// Never-handshaked peer: last seen falls back to collection time.
	got, err := db.GetDevice(device.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeen)
	assert.Equal(t, latest.CollectedAt.UTC(), got.LastSeen.UTC())
}

func TestSweepPrunesOldSamples(t *testing.T) {
	_, device := setupFleet(t)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.AddDeviceSample(model.DeviceSample{
		DeviceID: device.ID, CollectedAt: now.Add(-25 * time.Hour),
	}))
	require.NoError(t, db.AddDeviceSample(model.DeviceSample{
		DeviceID: device.ID, CollectedAt: now.Add(-time.Hour),
	}))

	n, err := Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := db.GetDeviceSamples(device.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
