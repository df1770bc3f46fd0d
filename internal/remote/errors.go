// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package remote

import "strings"

// The classifiers below are string-based on purpose: the ssh package does
// not export typed errors for these conditions, and the taxonomy only needs
// to distinguish retry-by-operator cases for display.

// IsConnectionTimeoutError reports whether err looks like a timeout while
// connecting to or waiting on a remote host.
func IsConnectionTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "i/o timeout")
}

// IsConnectionRefusedError reports whether err indicates the host was
// unreachable at the network level.
func IsConnectionRefusedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no route to host")
}

// IsAuthenticationError reports whether err indicates the credentials were
// rejected by the remote host.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "public key authentication failed")
}
