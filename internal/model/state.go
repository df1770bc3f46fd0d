// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "fmt"

// HostState is the lifecycle state of a gateway host.
type HostState string

const (
	// HostRegistered is the initial state after registration, before any
	// deployment has run.
	HostRegistered HostState = "registered"

	// HostDeploying means a deployment sequence is in flight.
	HostDeploying HostState = "deploying"

	// HostActive means the verification probe succeeded and the gateway
	// is serving.
	HostActive HostState = "active"

	// HostFailed means a deployment step failed. Retryable: re-deploying
	// re-enters the sequence from the first incomplete step.
	HostFailed HostState = "failed"

	// HostDeleted is the soft-deleted terminal state.
	HostDeleted HostState = "deleted"
)

// DeviceState is the lifecycle state of a device credential.
type DeviceState string

const (
	DeviceActive  DeviceState = "active"
	DeviceRevoked DeviceState = "revoked"
	DeviceDeleted DeviceState = "deleted"
)

// hostTransitions enumerates the legal host state transitions. Anything
// not listed is rejected, so invalid lifecycles are unrepresentable.
var hostTransitions = map[HostState][]HostState{
	HostRegistered: {HostDeploying, HostDeleted},
	HostDeploying:  {HostActive, HostFailed, HostDeleted},
	HostActive:     {HostDeleted},
	HostFailed:     {HostDeploying, HostDeleted},
	HostDeleted:    {},
}

var deviceTransitions = map[DeviceState][]DeviceState{
	DeviceActive:  {DeviceRevoked, DeviceDeleted},
	DeviceRevoked: {DeviceActive, DeviceDeleted},
	DeviceDeleted: {},
}

// CanTransitionHost reports whether a host may move from one state to another.
func CanTransitionHost(from, to HostState) bool {
	for _, s := range hostTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionDevice reports whether a device may move from one state to another.
func CanTransitionDevice(from, to DeviceState) bool {
	for _, s := range deviceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidHostState reports whether s is a known host state. Used when
// parsing user-supplied filters.
func ValidHostState(s HostState) bool {
	_, ok := hostTransitions[s]
	return ok
}

// ErrBadTransition describes a rejected lifecycle transition.
type ErrBadTransition struct {
	Entity string
	From   string
	To     string
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s -> %s", e.Entity, e.From, e.To)
}
