// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package registration is the caller-facing view over the key pool. A
// Registration is scoped to one (component, caller) pair and hands out
// assigned attestation keys, provisioning on demand when the pool cannot
// satisfy a request immediately.
//
// Every in-flight key request delivers exactly one outcome: the key, a
// cancellation, or an error. Cancellation is cooperative; it stops future
// delivery and aborts the in-flight protocol call, but does not unwind a
// network read already in progress.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/pool"
	"github.com/remote-provisioning/go-rkp/provision"
)

// MinKeyLifetime is the minimum remaining validity a key must have to be
// assigned to a caller. A key closer to expiry than this is useless to the
// caller even though the pool has not evicted it yet.
const MinKeyLifetime = time.Hour

// ErrCancelled is returned from GetKey when the request was cancelled before
// a key could be delivered.
var ErrCancelled = errors.New("key request cancelled")

// ErrRequestInFlight is returned when a caller issues a second GetKey for a
// key id whose first request has not completed.
var ErrRequestInFlight = errors.New("a request for this key id is already in flight")

// Request states. The first terminal transition wins; later ones are dropped.
const (
	statePending int32 = iota
	stateSatisfied
	stateCancelled
	stateFailed
)

type call struct {
	state  atomic.Int32
	cancel context.CancelFunc
}

// complete attempts the pending-to-terminal transition. It reports false when
// another outcome was already delivered.
func (c *call) complete(to int32) bool {
	return c.state.CompareAndSwap(statePending, to)
}

// Registration is one caller's handle on the key pool for one component. It
// is created per (component, caller uid) pair and lives for the process; it
// is not persisted.
type Registration struct {
	component string
	clientUID int32

	// refreshOnly marks a component with no local fallback key. Such a
	// caller blocks on provisioning when the pool is empty; a caller with a
	// fallback gets an immediate empty result instead.
	refreshOnly bool

	pool        *pool.DB
	provisioner *provision.Provisioner
	settings    *rkp.Settings

	mu    sync.Mutex
	calls map[int32]*call

	background sync.WaitGroup
}

// New creates a registration for one caller.
func New(db *pool.DB, p *provision.Provisioner, settings *rkp.Settings, component string, clientUID int32, refreshOnly bool) *Registration {
	return &Registration{
		component:   component,
		clientUID:   clientUID,
		refreshOnly: refreshOnly,
		pool:        db,
		provisioner: p,
		settings:    settings,
		calls:       make(map[int32]*call),
	}
}

// GetKey returns the attestation key assigned to keyID, assigning one from
// the pool if needed. When the pool has no eligible key, a refresh-only
// registration blocks on a provisioning round; otherwise GetKey returns
// (nil, nil) and the caller falls back to a local key.
//
// At most one GetKey per key id may be in flight; see CancelGetKey.
func (r *Registration) GetKey(ctx context.Context, keyID int32) (*pool.Key, error) {
	ctx, c, err := r.track(ctx, keyID)
	if err != nil {
		return nil, err
	}
	defer r.untrack(keyID)

	key, err := r.getKey(ctx, keyID)
	switch {
	case err != nil:
		if !c.complete(stateFailed) {
			return nil, ErrCancelled
		}
		return nil, err
	case key != nil:
		if !c.complete(stateSatisfied) {
			return nil, ErrCancelled
		}
		// The assignment consumed a spare slot. Top the pool back up in
		// the background so the next caller is not the one who pays for a
		// provisioning round.
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			r.topUp()
		}()
		return key, nil
	default:
		if !c.complete(stateSatisfied) {
			return nil, ErrCancelled
		}
		return nil, nil
	}
}

func (r *Registration) getKey(ctx context.Context, keyID int32) (*pool.Key, error) {
	// Keys without at least the minimum lifetime left are dead weight;
	// clear them before looking for a candidate.
	now := time.Now()
	if err := r.pool.DeleteExpiringKeys(ctx, now.Add(MinKeyLifetime)); err != nil {
		return nil, err
	}

	// Prefer keys outlasting the refresh lookahead so the caller is not
	// handed a key the next round would replace anyway.
	key, err := r.pool.GetOrAssignKey(ctx, r.component, r.settings.ExpirationTime(now), r.clientUID, keyID)
	if err != nil || key != nil {
		return key, err
	}

	key, err = r.pool.GetOrAssignKey(ctx, r.component, now.Add(MinKeyLifetime), r.clientUID, keyID)
	if err != nil || key != nil {
		return key, err
	}

	if !r.refreshOnly {
		slog.Debug("no key available, caller falls back to a local key",
			"component", r.component, "clientUid", r.clientUID, "keyId", keyID)
		return nil, nil
	}

	slog.Info("no key available, provisioning on demand",
		"component", r.component, "clientUid", r.clientUID, "keyId", keyID)
	if err := r.provisioner.Refresh(ctx); err != nil {
		return nil, err
	}
	key, err = r.pool.GetOrAssignKey(ctx, r.component, time.Now().Add(MinKeyLifetime), r.clientUID, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("provisioning round completed but no key is available for %q", r.component)
	}
	return key, nil
}

// CancelGetKey cancels the in-flight GetKey for keyID. It prevents outcome
// delivery and aborts the request's protocol call. Cancelling a request that
// already completed, or that does not exist, is a no-op.
func (r *Registration) CancelGetKey(keyID int32) {
	r.mu.Lock()
	c := r.calls[keyID]
	r.mu.Unlock()
	if c == nil || !c.complete(stateCancelled) {
		slog.Warn("ignoring cancel for a key request that is not pending",
			"component", r.component, "clientUid", r.clientUID, "keyId", keyID)
		return
	}
	c.cancel()
}

// Close waits for background pool top-ups to finish. The registration is
// still usable afterwards.
func (r *Registration) Close() {
	r.background.Wait()
}

// StoreUpgradedKey replaces the key blob of a key previously assigned to this
// caller, matched by the old blob. Returns rkp.ErrKeyNotFound when no such
// key exists.
func (r *Registration) StoreUpgradedKey(ctx context.Context, oldBlob, newBlob []byte) error {
	return r.pool.UpgradeKeyBlob(ctx, r.clientUID, oldBlob, newBlob)
}

func (r *Registration) track(ctx context.Context, keyID int32) (context.Context, *call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[keyID]; ok {
		return nil, nil, ErrRequestInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &call{cancel: cancel}
	r.calls[keyID] = c
	return ctx, c, nil
}

func (r *Registration) untrack(keyID int32) {
	r.mu.Lock()
	c := r.calls[keyID]
	delete(r.calls, keyID)
	r.mu.Unlock()
	if c != nil {
		c.cancel()
	}
}

func (r *Registration) topUp() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*r.settings.RequestTimeout())
	defer cancel()
	if err := r.provisioner.Refresh(ctx); err != nil {
		slog.Warn("background pool top-up failed",
			"component", r.component, "error", err)
	}
}
