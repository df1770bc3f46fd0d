// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package metrics

import "time"

// Rate converts two cumulative byte counter readings into a bits-per-second
// throughput. A counter regression (host reboot, interface reset) or a
// non-positive interval yields zero rather than a negative rate.
func Rate(prev, cur int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	delta := cur - prev
	if delta < 0 {
		return 0
	}
	return float64(delta) * 8 / elapsed.Seconds()
}
