// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
)

// sessionKeySetting is the settings-table key under which the generated
// session key is persisted.
const sessionKeySetting = "session_key"

// sessionKeyEnv overrides any stored key when set (hex encoded).
const sessionKeyEnv = "WGFLEET_SESSION_KEY"

// SettingsStore is the subset of the data layer the session key lifecycle
// needs. The CLI wires the database-backed implementation at startup;
// tests inject fakes.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

var (
	mu       sync.Mutex
	settings SettingsStore
	loaded   Secret
)

// SetSettingsStore installs the durable settings backend used to persist a
// generated session key.
func SetSettingsStore(s SettingsStore) {
	mu.Lock()
	defer mu.Unlock()
	settings = s
}

// SessionKey returns the process-wide session signing key, resolving it at
// most once. Precedence: WGFLEET_SESSION_KEY environment override first,
// the durable settings store second, generated-and-persisted third.
func SessionKey() (Secret, error) {
	mu.Lock()
	defer mu.Unlock()

	if loaded != nil {
		return loaded, nil
	}

	if v := os.Getenv(sessionKeyEnv); v != "" {
		raw, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", sessionKeyEnv, err)
		}
		loaded = Secret(raw)
		return loaded, nil
	}

	if settings == nil {
		return nil, fmt.Errorf("session key: no settings store configured")
	}

	stored, err := settings.GetSetting(sessionKeySetting)
	if err != nil {
		return nil, fmt.Errorf("session key: failed to read settings: %w", err)
	}
	if stored != "" {
		raw, err := hex.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("session key: stored value is not hex: %w", err)
		}
		loaded = Secret(raw)
		return loaded, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("session key: generation failed: %w", err)
	}
	if err := settings.SetSetting(sessionKeySetting, hex.EncodeToString(raw)); err != nil {
		return nil, fmt.Errorf("session key: failed to persist: %w", err)
	}
	loaded = Secret(raw)
	return loaded, nil
}

// ResetSessionKey clears the cached key so the next SessionKey call
// re-resolves it. Intended for tests.
func ResetSessionKey() {
	mu.Lock()
	defer mu.Unlock()
	loaded.Zero()
	loaded = nil
}
