// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package rkp

import (
	"errors"
	"fmt"
)

// StatusDeviceNotRegistered is the non-standard HTTP status the server uses
// for devices without a server-side enrollment.
const StatusDeviceNotRegistered = 444

// ErrKeyNotFound is returned when a key-blob upgrade targets a key that is
// not present in the pool for the calling client.
var ErrKeyNotFound = errors.New("no matching key found")

// NotRegisteredError means the signing server rejected the device because it
// has no server-side enrollment (HTTP 444). Retrying without re-enrolling the
// device cannot succeed.
type NotRegisteredError struct {
	Status int
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("device not registered with the provisioning server (status %d)", e.Status)
}

// AuthorizationError means the signing server refused the request (HTTP 403).
// Like NotRegisteredError it is not retriable by the client alone.
type AuthorizationError struct {
	Status int
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("provisioning server refused authorization (status %d)", e.Status)
}

// ProtocolError is any other failure of a provisioning round: an unexpected
// HTTP status, a timeout or connection failure, or an unparseable response.
// It is transient from the protocol's point of view: the round is abandoned
// and the next scheduled refresh retries from scratch.
type ProtocolError struct {
	Op     string
	Status int // zero when no HTTP status was received
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
