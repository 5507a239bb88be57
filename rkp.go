// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package rkp maintains a local pool of remotely provisioned device
// attestation keys and refreshes it by speaking a CBOR provisioning protocol
// to a signing server.
//
// The root package holds the types shared between the wire layer and the
// pool: the hardware capability interface, generated key material, the error
// taxonomy, and client settings. The protocol itself lives in the protocol
// and client packages, persistence in pool, round orchestration in provision,
// and the caller-facing view in registration.
package rkp

import (
	"context"
	"strings"
)

// Curve identifies an endpoint encryption key curve as reported by the
// hardware and negotiated with the server.
type Curve int

// EEK curves defined by the provisioning protocol.
const (
	CurveP256  Curve = 1
	Curve25519 Curve = 2
)

// HardwareInfo describes the capabilities of a remotely provisioned
// component. The version number selects the certificate request layout:
// versions below 3 use the MAC-wrapped v1 layout, version 3 and later produce
// the CSR body directly.
type HardwareInfo struct {
	VersionNumber     int
	SupportedEekCurve Curve
	SupportedNumKeys  int // max keys per CSR batch
}

// GeneratedKey is freshly minted attestation key material, not yet certified
// by the server.
type GeneratedKey struct {
	// KeyBlob is the opaque private key handle. Its contents are only
	// meaningful to the minter that produced it.
	KeyBlob []byte

	// PublicKey is the raw public key, the concatenated affine coordinates.
	PublicKey []byte

	// MacedPublicKey is the CBOR COSE_Mac0 structure covering the public
	// key, tagged by the minter.
	MacedPublicKey []byte
}

// CsrV1Parts is the minter's contribution to a version 1 certificate request:
// blobs produced over the key batch with the EEK chain and challenge as
// additional authenticated data.
type CsrV1Parts struct {
	DeviceInfo    []byte // CBOR map of verified device properties
	ProtectedData []byte // CBOR array, encrypted to the EEK
	Tag           []byte // MAC over the key batch
}

// KeyMinter generates attestation key pairs and certificate request material.
// Implementations wrap a hardware component; the minter package provides a
// software implementation for hosts without one.
type KeyMinter interface {
	HardwareInfo(ctx context.Context) (HardwareInfo, error)

	// GenerateKeyPair mints one key pair and its authentication tag.
	GenerateKeyPair(ctx context.Context) (GeneratedKey, error)

	// GenerateCsrParts produces the version 1 request blobs for a batch of
	// maced public keys.
	GenerateCsrParts(ctx context.Context, macedKeys [][]byte, eekChain, challenge []byte) (CsrV1Parts, error)

	// GenerateCsr produces the complete version 2 request body for a batch
	// of maced public keys.
	GenerateCsr(ctx context.Context, macedKeys [][]byte, challenge []byte) ([]byte, error)
}

// NormalizeFingerprint rewrites debug and engineering markers in a build
// fingerprint to their production values so that server-side registration
// checks exercise the production code path.
func NormalizeFingerprint(fingerprint string) string {
	fp := strings.ReplaceAll(fingerprint, "userdebug", "user")
	fp = strings.ReplaceAll(fp, "/eng/", "/user/")
	fp = strings.ReplaceAll(fp, "test-keys", "release-keys")
	return fp
}
