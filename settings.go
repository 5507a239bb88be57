// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package rkp

import (
	"sync"
	"time"
)

// Defaults applied by NewSettings. The server may override the extra-keys
// count and refresh interval through the device config map in its EEK
// response.
const (
	DefaultExtraSignedKeysAvailable = 6
	DefaultExpiringBy               = 72 * time.Hour
	DefaultRequestTimeout           = 20 * time.Second
)

// Settings carries the tunable inputs of the refresh policy and protocol
// client. All methods are safe for concurrent use; the provisioning round
// updates settings from server-pushed config while callers read them.
type Settings struct {
	mu          sync.RWMutex
	serverURL   string
	fingerprint string
	extraKeys   int
	expiringBy  time.Duration
	timeout     time.Duration
}

// NewSettings creates settings with defaults for everything except the
// server base URL and the device build fingerprint.
func NewSettings(serverURL, fingerprint string) *Settings {
	return &Settings{
		serverURL:   serverURL,
		fingerprint: NormalizeFingerprint(fingerprint),
		extraKeys:   DefaultExtraSignedKeysAvailable,
		expiringBy:  DefaultExpiringBy,
		timeout:     DefaultRequestTimeout,
	}
}

// ServerURL returns the provisioning server base URL.
func (s *Settings) ServerURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverURL
}

// Fingerprint returns the normalized device fingerprint.
func (s *Settings) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// ExtraSignedKeysAvailable returns the minimum number of spare unassigned
// keys the pool should keep on hand.
func (s *Settings) ExtraSignedKeysAvailable() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraKeys
}

// ExpiringBy returns the lookahead window defining "expiring soon".
func (s *Settings) ExpiringBy() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiringBy
}

// ExpirationTime returns the absolute end of the lookahead window from now.
func (s *Settings) ExpirationTime(now time.Time) time.Time {
	return now.Add(s.ExpiringBy())
}

// RequestTimeout returns the connect/read timeout for protocol HTTP calls.
func (s *Settings) RequestTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// SetRequestTimeout overrides the protocol HTTP timeout.
func (s *Settings) SetRequestTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// SetExtraSignedKeysAvailable overrides the spare-keys threshold.
func (s *Settings) SetExtraSignedKeysAvailable(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraKeys = n
}

// ApplyServerConfig folds server-pushed device config into the settings.
// Zero-valued fields leave the current value unchanged, except numExtraKeys,
// where zero is meaningful (provisioning disabled) and handled by the caller
// before keys are requested.
func (s *Settings) ApplyServerConfig(numExtraKeys int, timeToRefresh time.Duration, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if numExtraKeys >= 0 {
		s.extraKeys = numExtraKeys
	}
	if timeToRefresh > 0 {
		s.expiringBy = timeToRefresh
	}
	if url != "" {
		s.serverURL = url
	}
}
