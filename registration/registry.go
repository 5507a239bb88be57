// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package registration

import (
	"sync"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/pool"
	"github.com/remote-provisioning/go-rkp/provision"
)

// Registry hands out registrations, creating one per (component, caller uid)
// pair on first access. Registrations live until the process ends.
type Registry struct {
	Pool     *pool.DB
	Settings *rkp.Settings

	// Provisioner returns the round runner for a component. Components not
	// recognized by the device get a nil provisioner and no registration.
	Provisioner func(component string) *provision.Provisioner

	// RefreshOnly reports whether a component has no local fallback key.
	RefreshOnly func(component string) bool

	mu            sync.Mutex
	registrations map[registrationKey]*Registration
}

type registrationKey struct {
	component string
	clientUID int32
}

// Get returns the registration for the pair, creating it on first access.
// It returns nil for components without a provisioner.
func (reg *Registry) Get(component string, clientUID int32) *Registration {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.registrations == nil {
		reg.registrations = make(map[registrationKey]*Registration)
	}
	key := registrationKey{component: component, clientUID: clientUID}
	if r, ok := reg.registrations[key]; ok {
		return r
	}
	p := reg.Provisioner(component)
	if p == nil {
		return nil
	}
	refreshOnly := false
	if reg.RefreshOnly != nil {
		refreshOnly = reg.RefreshOnly(component)
	}
	r := New(reg.Pool, p, reg.Settings, component, clientUID, refreshOnly)
	reg.registrations[key] = r
	return r
}
