// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package deploy provisions WireGuard gateways over SSH. A deployment is a
// fixed sequence of idempotent steps with progress persisted after each
// one, so a failed run resumes where it stopped instead of starting over.
package deploy // import "github.com/veitkamp/wgfleet/internal/deploy"

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/logging"
	"github.com/veitkamp/wgfleet/internal/model"
	"github.com/veitkamp/wgfleet/internal/peer"
	"github.com/veitkamp/wgfleet/internal/remote"
)

// ErrDeployInProgress is returned when a deployment is requested for a host
// that already has one running.
var ErrDeployInProgress = errors.New("deployment already in progress")

// Controller runs deployments, at most one per host at a time.
type Controller struct {
	dial remote.DialFunc

	mu       sync.Mutex
	inFlight map[int]struct{}
}

// NewController returns a Controller reaching hosts through dial.
func NewController(dial remote.DialFunc) *Controller {
	return &Controller{
		dial:     dial,
		inFlight: make(map[int]struct{}),
	}
}

// Busy reports whether a deployment is currently running for the host.
// The sampler uses this to keep probe traffic off a host mid-provisioning.
func (c *Controller) Busy(hostID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[hostID]
	return ok
}

func (c *Controller) acquire(hostID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[hostID]; ok {
		return false
	}
	c.inFlight[hostID] = struct{}{}
	return true
}

func (c *Controller) release(hostID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, hostID)
}

// Deploy provisions the host, resuming from the first incomplete step. On
// success the host ends active; on any step failure it ends failed with the
// step name and error recorded for diagnostics.
func (c *Controller) Deploy(ctx context.Context, hostID int) error {
	if !c.acquire(hostID) {
		return fmt.Errorf("host %d: %w", hostID, ErrDeployInProgress)
	}
	defer c.release(hostID)

	host, err := db.GetHost(hostID)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	if err := db.UpdateHostState(host.ID, model.HostDeploying); err != nil {
		return err
	}
	host.State = model.HostDeploying

	if err := c.ensureServerKeys(host); err != nil {
		return c.fail(host, runID, "generate-keys", err)
	}

	sess, err := c.dial(*host)
	if err != nil {
		return c.fail(host, runID, "connect", fmt.Errorf("host unreachable: %w", err))
	}
	defer sess.Close()

	start := host.DeployProgress
	if start < 0 || start >= len(steps) {
		start = 0
	}
	if start > 0 {
		logging.Infof("resuming deployment of %s at step %q", host.Name, steps[start].Name)
	}

	for i := start; i < len(steps); i++ {
		s := steps[i]
		logging.Debugf("deploy %s: running step %q", host.Name, s.Name)
		if err := s.Run(ctx, sess, host); err != nil {
			return c.fail(host, runID, s.Name, err)
		}
		if err := db.UpdateHostDeployProgress(host.ID, i+1, s.Name, ""); err != nil {
			return c.fail(host, runID, s.Name, err)
		}
		host.DeployProgress = i + 1
	}

	if err := db.UpdateHostState(host.ID, model.HostActive); err != nil {
		return err
	}
	if err := db.LogAction("DEPLOY_HOST", fmt.Sprintf("run=%s host=%s", runID, host.String())); err != nil {
		logging.Warnf("failed to write audit entry: %v", err)
	}
	logging.Infof("deployed %s (%s on %s)", host.Name, host.Iface, host.Endpoint())
	return nil
}

// ensureServerKeys generates and persists the gateway's WireGuard keypair
// on first deployment. Re-deploys keep the existing identity so issued
// device profiles stay valid.
func (c *Controller) ensureServerKeys(host *model.Host) error {
	if host.WGPrivateKey != "" && host.WGPublicKey != "" {
		return nil
	}
	priv, err := peer.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pub, err := peer.PublicKey(priv)
	if err != nil {
		return err
	}
	if err := db.UpdateHostWGKeys(host.ID, pub, priv); err != nil {
		return err
	}
	host.WGPublicKey, host.WGPrivateKey = pub, priv
	return nil
}

// fail records a step failure, moves the host to failed and returns the
// wrapped error. DeployProgress is left at the failing step so the next
// attempt retries it.
func (c *Controller) fail(host *model.Host, runID, stepName string, stepErr error) error {
	if err := db.UpdateHostDeployProgress(host.ID, host.DeployProgress, stepName, stepErr.Error()); err != nil {
		logging.Warnf("failed to record deploy progress for %s: %v", host.Name, err)
	}
	if err := db.UpdateHostState(host.ID, model.HostFailed); err != nil {
		logging.Warnf("failed to mark %s failed: %v", host.Name, err)
	}
	if err := db.LogAction("DEPLOY_HOST_FAILED", fmt.Sprintf("run=%s host=%s step=%s error=%v", runID, host.String(), stepName, stepErr)); err != nil {
		logging.Warnf("failed to write audit entry: %v", err)
	}
	return fmt.Errorf("deployment of %s failed at step %q: %w", host.Name, stepName, stepErr)
}
