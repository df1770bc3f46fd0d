// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package metrics

import (
	"time"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/logging"
)

// RetentionWindow is how long metric samples are kept.
const RetentionWindow = 24 * time.Hour

// Sweep deletes host and device samples older than the retention window,
// measured from now, and reports how many rows were removed.
func Sweep(now time.Time) (int64, error) {
	cutoff := now.Add(-RetentionWindow)
	n, err := db.PruneSamples(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Debugf("pruned %d expired metric samples", n)
	}
	return n, nil
}
