// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package metrics samples gateway hosts over SSH: host resource probes,
// per-device WireGuard counters, throughput derivation and retention.
package metrics // import "github.com/veitkamp/wgfleet/internal/metrics"

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/veitkamp/wgfleet/internal/remote"
)

// Shell probes run on the gateway. Each prints a small, stable payload so
// parsing stays trivial; an empty response is treated as probe failure.
//
// CPU load and network throughput both need two readings an interval
// apart, so those counters are read together in one snapshot command.
const (
	snapshotSep   = "=====wgfleet====="
	snapshotProbe = "cat /proc/stat && echo " + snapshotSep + " && cat /proc/net/dev"
	memProbe      = "cat /proc/meminfo"
	diskProbe     = `df -B1 --output=used,size / | awk 'NR==2{print $1, $2}'`
)

// snapshot is one combined counter reading: aggregate CPU jiffies from
// /proc/stat plus interface byte counters from /proc/net/dev.
type snapshot struct {
	cpuBusy  int64
	cpuTotal int64
	net      netCounters
}

// probeSnapshot takes one counter snapshot. Rates come from the deltas of
// two snapshots, never from a single reading.
func probeSnapshot(ctx context.Context, sess remote.Session) (snapshot, error) {
	out, err := sess.Run(ctx, snapshotProbe)
	if err != nil {
		return snapshot{}, err
	}
	statPart, netPart, ok := strings.Cut(out, snapshotSep)
	if !ok {
		return snapshot{}, fmt.Errorf("malformed snapshot output")
	}
	busy, total, err := parseProcStat(statPart)
	if err != nil {
		return snapshot{}, err
	}
	counters, err := parseNetDev(netPart)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cpuBusy: busy, cpuTotal: total, net: counters}, nil
}

// parseProcStat reads the aggregate "cpu" line of /proc/stat and returns
// busy and total jiffies. Idle and iowait both count as not-busy.
func parseProcStat(out string) (busy, total int64, err error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var values []int64
		for _, f := range fields[1:] {
			v, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("unparseable /proc/stat field %q", f)
			}
			values = append(values, v)
		}
		for _, v := range values {
			total += v
		}
		// fields: user nice system idle iowait irq softirq steal ...
		idle := values[3]
		if len(values) > 4 {
			idle += values[4]
		}
		return total - idle, total, nil
	}
	return 0, 0, fmt.Errorf("no aggregate cpu line in /proc/stat output")
}

// probeMem parses /proc/meminfo. Used memory is MemTotal minus
// MemAvailable, the kernel's own estimate of reclaimable headroom.
func probeMem(ctx context.Context, sess remote.Session) (used, total int64, err error) {
	out, err := sess.Run(ctx, memProbe)
	if err != nil {
		return 0, 0, err
	}
	var memTotal, memAvailable int64 = -1, -1
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, perr := strconv.ParseInt(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			memTotal = v * 1024
		case "MemAvailable:":
			memAvailable = v * 1024
		}
	}
	if memTotal < 0 || memAvailable < 0 {
		return 0, 0, fmt.Errorf("incomplete /proc/meminfo output")
	}
	return memTotal - memAvailable, memTotal, nil
}

// probeDisk parses the "used total" byte pair emitted by the df probe for
// the root filesystem.
func probeDisk(ctx context.Context, sess remote.Session) (used, total int64, err error) {
	out, err := sess.Run(ctx, diskProbe)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unparseable df output %q", out)
	}
	used, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable df output %q: %w", out, err)
	}
	total, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable df output %q: %w", out, err)
	}
	return used, total, nil
}

// netCounters is one /proc/net/dev reading summed over all non-loopback
// interfaces.
type netCounters struct {
	rx int64
	tx int64
}

// parseNetDev sums receive and transmit byte counters across every
// interface except lo.
func parseNetDev(out string) (netCounters, error) {
	var c netCounters
	parsed := false
	for _, line := range strings.Split(out, "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		// rx bytes is field 0, tx bytes is field 8.
		if len(fields) < 9 {
			continue
		}
		rx, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		tx, err := strconv.ParseInt(fields[8], 10, 64)
		if err != nil {
			continue
		}
		c.rx += rx
		c.tx += tx
		parsed = true
	}
	if !parsed {
		return netCounters{}, fmt.Errorf("no interface counters in /proc/net/dev output")
	}
	return c, nil
}
