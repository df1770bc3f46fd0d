// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package peer

import (
	"fmt"
	"net/netip"
)

// NextTunnelIP returns the smallest unused address in the host's tunnel
// subnet. The network address and the first host address (reserved for the
// gateway itself) are skipped, as is the subnet's last address.
func NextTunnelIP(subnet string, used []string) (string, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return "", fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	prefix = prefix.Masked()

	taken := make(map[string]struct{}, len(used))
	for _, u := range used {
		taken[u] = struct{}{}
	}

	// Skip the network address and the gateway address.
	addr := prefix.Addr().Next().Next()
	for prefix.Contains(addr) {
		// The last address of an IPv4 subnet is broadcast; never assign it.
		if addr.Is4() && !prefix.Contains(addr.Next()) {
			break
		}
		if _, ok := taken[addr.String()]; !ok {
			return addr.String(), nil
		}
		addr = addr.Next()
	}
	return "", fmt.Errorf("subnet %s has no free addresses", subnet)
}
