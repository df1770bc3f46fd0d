// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for wgfleet.
//
// Usage:
//
//	go run . [flags]
//	./wgfleet [flags]
//
// This launches the wgfleet CLI. See --help for options.
package main

import (
	"os"

	"github.com/veitkamp/wgfleet/ui/cli"
)

// main is the entrypoint for the wgfleet CLI.
func main() {
	if err := cli.Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}
