// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/logging"
	"github.com/veitkamp/wgfleet/internal/model"
	"github.com/veitkamp/wgfleet/internal/remote"
)

// counterPause is the interval between the two /proc/net/dev reads used to
// derive host interface throughput.
const counterPause = time.Second

// Sampler collects host and device metric samples over SSH.
type Sampler struct {
	dial remote.DialFunc

	// now and pause are injectable for tests.
	now   func() time.Time
	pause time.Duration

	// busy reports whether a host is mid-deployment and must be skipped.
	busy func(hostID int) bool
}

// NewSampler returns a Sampler reaching hosts through dial. busy may be nil
// when no deployment controller is in play.
func NewSampler(dial remote.DialFunc, busy func(hostID int) bool) *Sampler {
	return &Sampler{
		dial:  dial,
		now:   time.Now,
		pause: counterPause,
		busy:  busy,
	}
}

// CollectAll samples every active host and its active devices. Per-host
// failures are logged and skipped; one dark gateway never aborts the run.
func (s *Sampler) CollectAll(ctx context.Context) error {
	hosts, err := db.GetHostsByState(model.HostActive)
	if err != nil {
		return err
	}
	for i := range hosts {
		host := hosts[i]
		if s.busy != nil && s.busy(host.ID) {
			logging.Infof("skipping %s: deployment in progress", host.Name)
			continue
		}
		if err := s.CollectHost(ctx, host.ID); err != nil {
			logging.Warnf("sampling %s failed: %v", host.Name, err)
		}
	}
	return nil
}

// CollectHost samples one host: resource probes plus per-device WireGuard
// counters, all over a single SSH session. Only active hosts are sampled.
func (s *Sampler) CollectHost(ctx context.Context, hostID int) error {
	host, err := db.GetHost(hostID)
	if err != nil {
		return err
	}
	if host.State != model.HostActive {
		return fmt.Errorf("host %s is %s, not active", host.Name, host.State)
	}

	sess, err := s.dial(*host)
	if err != nil {
		return fmt.Errorf("host unreachable: %w", err)
	}
	defer sess.Close()

	if err := s.collectHostSample(ctx, sess, *host); err != nil {
		return err
	}
	return s.collectDeviceSamples(ctx, sess, *host)
}

// collectHostSample runs the resource probes and persists whatever subset
// succeeded. A failing probe leaves its field null; it never discards the
// rest of the sample.
func (s *Sampler) collectHostSample(ctx context.Context, sess remote.Session, host model.Host) error {
	sample := model.HostSample{HostID: host.ID, CollectedAt: s.now().UTC()}

	if used, total, err := probeMem(ctx, sess); err != nil {
		logging.Warnf("memory probe on %s failed: %v", host.Name, err)
	} else {
		sample.MemUsed, sample.MemTotal = &used, &total
	}

	if used, total, err := probeDisk(ctx, sess); err != nil {
		logging.Warnf("disk probe on %s failed: %v", host.Name, err)
	} else {
		sample.DiskUsed, sample.DiskTotal = &used, &total
	}

	if err := s.probeDynamics(ctx, sess, &sample); err != nil {
		logging.Warnf("counter probe on %s failed: %v", host.Name, err)
	}

	return db.AddHostSample(sample)
}

// probeDynamics fills the CPU and throughput fields from two counter
// snapshots taken a pause apart. CPU busy time and interface counters
// share the interval so one pause serves both. Counter regressions floor
// at zero.
func (s *Sampler) probeDynamics(ctx context.Context, sess remote.Session, sample *model.HostSample) error {
	first, err := probeSnapshot(ctx, sess)
	if err != nil {
		return err
	}
	start := s.now()
	if s.pause > 0 {
		select {
		case <-time.After(s.pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	second, err := probeSnapshot(ctx, sess)
	if err != nil {
		return err
	}
	elapsed := s.now().Sub(start)
	if elapsed <= 0 {
		elapsed = s.pause
	}
	if elapsed <= 0 {
		return fmt.Errorf("no measurable interval between counter reads")
	}

	if busyDelta, totalDelta := second.cpuBusy-first.cpuBusy, second.cpuTotal-first.cpuTotal; totalDelta > 0 && busyDelta >= 0 {
		cpu := float64(busyDelta) / float64(totalDelta) * 100
		sample.CPUPercent = &cpu
	}

	// Rate yields bits/s; host throughput is stored as bytes/s.
	rx := int64(Rate(first.net.rx, second.net.rx, elapsed) / 8)
	tx := int64(Rate(first.net.tx, second.net.tx, elapsed) / 8)
	sample.RxBytesPerSec, sample.TxBytesPerSec = &rx, &tx
	return nil
}

// wgPeer is one parsed peer line from `wg show <iface> dump`.
type wgPeer struct {
	publicKey       string
	latestHandshake int64 // unix seconds, 0 when never
	rxBytes         int64 // gateway received from the peer
	txBytes         int64 // gateway sent to the peer
}

// collectDeviceSamples pulls all peer counters for a host in one command
// and records a sample per known active device. Unknown public keys on the
// interface are logged, not failed.
func (s *Sampler) collectDeviceSamples(ctx context.Context, sess remote.Session, host model.Host) error {
	out, err := sess.Run(ctx, fmt.Sprintf("wg show %s dump", remote.Quote(host.Iface)))
	if err != nil {
		return fmt.Errorf("wg dump on %s failed: %w", host.Name, err)
	}
	peers, err := parseWGDump(out)
	if err != nil {
		return fmt.Errorf("wg dump on %s: %w", host.Name, err)
	}

	devices, err := db.GetActiveDevicesForHost(host.ID)
	if err != nil {
		return err
	}
	byKey := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		byKey[d.PublicKey] = d
	}

	collected := s.now().UTC()
	for _, p := range peers {
		device, ok := byKey[p.publicKey]
		if !ok {
			logging.Debugf("unknown peer %s on %s", p.publicKey, host.Name)
			continue
		}

		sample := model.DeviceSample{
			DeviceID:    device.ID,
			CollectedAt: collected,
			// The gateway's receive counter is traffic the device sent.
			BytesSent:     p.rxBytes,
			BytesReceived: p.txBytes,
		}

		prev, err := db.GetLatestDeviceSample(device.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			elapsed := collected.Sub(prev.CollectedAt)
			sample.UploadBps = Rate(prev.BytesSent, sample.BytesSent, elapsed)
			sample.DownloadBps = Rate(prev.BytesReceived, sample.BytesReceived, elapsed)
			if sample.BytesSent < prev.BytesSent || sample.BytesReceived < prev.BytesReceived {
				logging.Warnf("counter regression for device %s on %s, rate floored to zero", device.Name, host.Name)
			}
		}

		if err := db.AddDeviceSample(sample); err != nil {
			return err
		}

		seen := collected
		if p.latestHandshake > 0 {
			seen = time.Unix(p.latestHandshake, 0).UTC()
		}
		if err := db.UpdateDeviceLastSeen(device.ID, seen); err != nil {
			return err
		}
	}
	return nil
}

// parseWGDump parses `wg show <iface> dump` output. The first line
// describes the interface itself; each further line is one peer:
// pubkey, preshared-key, endpoint, allowed-ips, latest-handshake, rx, tx,
// keepalive, tab separated.
func parseWGDump(out string) ([]wgPeer, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty dump output")
	}
	var peers []wgPeer
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return nil, fmt.Errorf("malformed peer line %q", line)
		}
		handshake, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed handshake in %q: %w", line, err)
		}
		rx, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed rx counter in %q: %w", line, err)
		}
		tx, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed tx counter in %q: %w", line, err)
		}
		peers = append(peers, wgPeer{
			publicKey:       fields[0],
			latestHandshake: handshake,
			rxBytes:         rx,
			txBytes:         tx,
		})
	}
	return peers, nil
}
