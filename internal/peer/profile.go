// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package peer

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/veitkamp/wgfleet/internal/model"
)

// Profile is the distributable connection bundle for a device: the
// WireGuard configuration text plus the same payload as a scannable QR
// code PNG.
type Profile struct {
	Text string
	QR   []byte
}

// qrSize is the pixel edge length of the generated QR image.
const qrSize = 256

// BuildProfile renders the device's key material and the host's public
// endpoint into WireGuard's native configuration format and encodes the
// same payload as a QR code.
func BuildProfile(host model.Host, device model.Device) (*Profile, error) {
	if host.WGPublicKey == "" {
		return nil, fmt.Errorf("host %s has no server public key; deploy it first", host.Name)
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", device.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", device.TunnelIP)
	b.WriteString("DNS = 1.1.1.1\n")
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", host.WGPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", host.Endpoint())
	b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	b.WriteString("PersistentKeepalive = 25\n")

	text := b.String()
	png, err := qrcode.Encode(text, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile qr code: %w", err)
	}
	return &Profile{Text: text, QR: png}, nil
}
