// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/model"
	"github.com/veitkamp/wgfleet/internal/remote"
)

// step is one idempotent unit of gateway provisioning. Steps run in order
// and each may be re-run safely; a resumed deployment starts at the first
// step that has not completed.
type step struct {
	Name string
	Run  func(ctx context.Context, sess remote.Session, host *model.Host) error
}

// steps is the provisioning sequence. Order matters: the config must exist
// before the service starts, and verification only makes sense at the end.
var steps = []step{
	{Name: "install-packages", Run: stepInstallPackages},
	{Name: "write-config", Run: stepWriteConfig},
	{Name: "enable-forwarding", Run: stepEnableForwarding},
	{Name: "activate-service", Run: stepActivateService},
	{Name: "verify", Run: stepVerify},
}

// runMarked executes a remote command that ends in `echo <marker>` and
// checks the marker came back. Commands are built so the marker only prints
// when the preceding pipeline succeeded.
func runMarked(ctx context.Context, sess remote.Session, command, marker string) error {
	out, err := sess.Run(ctx, command)
	if err != nil {
		return err
	}
	if !strings.Contains(out, marker) {
		return fmt.Errorf("unexpected output: %s", out)
	}
	return nil
}

func stepInstallPackages(ctx context.Context, sess remote.Session, host *model.Host) error {
	// Skip the package manager entirely when the tools are already there.
	cmd := "command -v wg >/dev/null 2>&1 || { apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq wireguard-tools; }; command -v wg >/dev/null 2>&1 && echo packages-ready"
	return runMarked(ctx, sess, cmd, "packages-ready")
}

func stepWriteConfig(ctx context.Context, sess remote.Session, host *model.Host) error {
	content, err := renderServerConfig(*host)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/etc/wireguard/%s.conf", host.Iface)
	if err := sess.Upload(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return nil
}

func stepEnableForwarding(ctx context.Context, sess remote.Session, host *model.Host) error {
	// Overwrite our drop-in rather than appending; re-runs must not
	// accumulate duplicate lines.
	cmd := "printf 'net.ipv4.ip_forward = 1\\n' > /etc/sysctl.d/99-wgfleet.conf && sysctl -p /etc/sysctl.d/99-wgfleet.conf >/dev/null && echo forwarding-enabled"
	return runMarked(ctx, sess, cmd, "forwarding-enabled")
}

func stepActivateService(ctx context.Context, sess remote.Session, host *model.Host) error {
	unit := fmt.Sprintf("wg-quick@%s", host.Iface)
	// Restart rather than start so a re-deploy picks up a rewritten config.
	cmd := fmt.Sprintf("systemctl enable %s >/dev/null 2>&1; systemctl restart %s && echo service-active",
		remote.Quote(unit), remote.Quote(unit))
	return runMarked(ctx, sess, cmd, "service-active")
}

func stepVerify(ctx context.Context, sess remote.Session, host *model.Host) error {
	out, err := sess.Run(ctx, fmt.Sprintf("wg show %s public-key", remote.Quote(host.Iface)))
	if err != nil {
		return fmt.Errorf("interface %s not reporting: %w", host.Iface, err)
	}
	if got := strings.TrimSpace(out); got != host.WGPublicKey {
		return fmt.Errorf("interface %s reports key %s, expected %s", host.Iface, got, host.WGPublicKey)
	}
	return nil
}

// renderServerConfig builds the gateway-side interface configuration,
// including a peer block per active device so a redeploy restores existing
// credentials.
func renderServerConfig(host model.Host) (string, error) {
	gw, err := GatewayIP(host.Subnet)
	if err != nil {
		return "", err
	}
	prefix, err := netip.ParsePrefix(host.Subnet)
	if err != nil {
		return "", fmt.Errorf("invalid subnet %q: %w", host.Subnet, err)
	}

	devices, err := db.GetActiveDevicesForHost(host.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/%d\n", gw, prefix.Bits())
	fmt.Fprintf(&b, "ListenPort = %d\n", host.ListenPort)
	fmt.Fprintf(&b, "PrivateKey = %s\n", host.WGPrivateKey)
	for _, d := range devices {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "# %s\n", d.Name)
		fmt.Fprintf(&b, "PublicKey = %s\n", d.PublicKey)
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", d.TunnelIP)
	}
	return b.String(), nil
}

// GatewayIP returns the address the gateway itself holds inside the tunnel
// subnet: the first usable host address.
func GatewayIP(subnet string) (string, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return "", fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	return prefix.Masked().Addr().Next().String(), nil
}
