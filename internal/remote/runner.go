// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package remote provides the single channel wgfleet uses to talk to a
// gateway host: open a connection, run one command, capture its output.
// Callers never branch on the transport; anything satisfying Session can
// replace the SSH implementation.
package remote // import "github.com/veitkamp/wgfleet/internal/remote"

import (
	"context"
	"errors"
	"io/fs"

	"github.com/veitkamp/wgfleet/internal/model"
)

// ErrEmptyOutput is returned when a remote command succeeds but produces no
// output. Callers must treat this the same as a connection failure: the
// command's effect is unconfirmed, not confirmed-zero. Commands whose
// success matters should therefore end with an explicit echo marker.
var ErrEmptyOutput = errors.New("remote command returned no output")

// Runner executes a single command on a remote host and returns its
// captured standard output. The call is synchronous and bounded by the
// context deadline. The runner performs no parsing of the output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Uploader writes a file on the remote host, overwriting any previous
// content. Used by deployment steps whose configuration writes must be
// overwrite-not-append.
type Uploader interface {
	Upload(path string, content []byte, mode fs.FileMode) error
}

// Session is one open connection to a gateway host.
type Session interface {
	Runner
	Uploader
	Close() error
}

// DialFunc opens a Session for a host. The deployment controller, peer
// manager and sampler all take a DialFunc so tests can substitute fakes.
type DialFunc func(host model.Host) (Session, error)
