// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package peer manages device credentials on gateway hosts: key
// generation, tunnel IP allocation, host-side registration, and
// connection profile construction.
package peer // import "github.com/veitkamp/wgfleet/internal/peer"

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GeneratePrivateKey creates a new WireGuard private key, base64 encoded.
// Key material is generated locally and exactly once per identity; it
// never travels in plaintext logs.
func GeneratePrivateKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("failed to generate private key: %w", err)
	}
	// Clamp per Curve25519 convention.
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// PublicKey derives the base64-encoded public key for a base64-encoded
// private key.
func PublicKey(privateKey string) (string, error) {
	priv, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(priv) != 32 {
		return "", fmt.Errorf("invalid private key length %d", len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}
