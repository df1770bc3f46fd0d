// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package remote

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/model"
	"golang.org/x/crypto/ssh"
)

// Default timeouts for SSH operations. Every remote call is bounded; a
// timed-out call is indistinguishable from any other failed call for the
// caller's purposes.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// SSHSession is the SSH implementation of Session. It holds one SSH client
// plus an SFTP subsystem client for file uploads.
type SSHSession struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// Dial opens an SSH connection to the host using its stored credentials.
//
// Host key policy is trust-on-first-use: the first successful connection
// records the presented key on the host record, and every later connection
// must present the same key.
func Dial(host model.Host) (Session, error) {
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := string(ssh.MarshalAuthorizedKey(key))
		if host.HostKey == "" {
			if err := db.UpdateHostKey(host.ID, presented); err != nil {
				return fmt.Errorf("failed to record host key: %w", err)
			}
			return nil
		}
		if host.HostKey != presented {
			return fmt.Errorf("host key mismatch for %s: remote presented %s", host.Address, presented)
		}
		return nil
	}

	var auth []ssh.AuthMethod
	if host.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(host.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key for %s: %w", host.String(), err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if host.Password != "" {
		auth = append(auth, ssh.Password(host.Password))
	}
	if agentClient := getSSHAgent(); agentClient != nil {
		auth = append(auth, ssh.PublicKeysCallback(agentClient.Signers))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication method available for %s (no credentials stored and no ssh agent found)", host.String())
	}

	config := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         DefaultConnectTimeout,
	}

	addr := net.JoinHostPort(host.Address, fmt.Sprintf("%d", host.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("connection to %s failed: %w", host.String(), err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create sftp client for %s: %w", host.String(), err)
	}

	return &SSHSession{client: client, sftp: sftpClient}, nil
}

// Run executes one command on the remote host and returns its captured
// standard output with surrounding whitespace trimmed. A non-zero exit, a
// broken connection, or empty output all yield an error; "no output" never
// confirms anything.
func (s *SSHSession) Run(ctx context.Context, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := sess.Output(command)
		ch <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks the remote command.
		_ = sess.Close()
		return "", fmt.Errorf("remote command timed out: %w", ctx.Err())
	case r := <-ch:
		_ = sess.Close()
		if r.err != nil {
			return "", fmt.Errorf("remote command failed: %w", r.err)
		}
		out := strings.TrimSpace(string(r.out))
		if out == "" {
			return "", ErrEmptyOutput
		}
		return out, nil
	}
}

// Upload writes content to a remote path via SFTP, uploading to a
// temporary file first and moving it into place atomically so a partial
// write never replaces an existing file.
func (s *SSHSession) Upload(remotePath string, content []byte, mode fs.FileMode) error {
	dir := path.Dir(remotePath)
	if dir != "." && dir != "/" {
		_ = s.sftp.MkdirAll(dir)
	}

	tmpPath := fmt.Sprintf("%s.wgfleet.%d", remotePath, time.Now().UnixNano())
	f, err := s.sftp.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		// Best effort to clean up the failed upload.
		_ = s.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to write to temporary file on remote: %w", err)
	}
	f.Close()

	if err := s.sftp.Chmod(tmpPath, mode); err != nil {
		_ = s.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}

	if err := s.sftp.PosixRename(tmpPath, remotePath); err != nil {
		// PosixRename needs server support; plain rename is the fallback
		// but refuses to overwrite, so remove the target first.
		_ = s.sftp.Remove(remotePath)
		if err := s.sftp.Rename(tmpPath, remotePath); err != nil {
			_ = s.sftp.Remove(tmpPath)
			return fmt.Errorf("failed to move file into place: %w", err)
		}
	}
	return nil
}

// Close closes the underlying SSH and SFTP clients.
func (s *SSHSession) Close() error {
	if s.sftp != nil {
		s.sftp.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
