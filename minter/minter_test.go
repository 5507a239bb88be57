// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package minter_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/cbor"
	"github.com/remote-provisioning/go-rkp/minter"
	"github.com/remote-provisioning/go-rkp/protocol"
)

func TestHardwareInfo(t *testing.T) {
	m, err := minter.NewSoftware(3)
	require.NoError(t, err)
	hw, err := m.HardwareInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, hw.VersionNumber)
	assert.Equal(t, rkp.CurveP256, hw.SupportedEekCurve)
	assert.Equal(t, minter.DefaultMaxKeysPerBatch, hw.SupportedNumKeys)
}

func TestGenerateKeyPair(t *testing.T) {
	ctx := context.Background()
	m, err := minter.NewSoftware(2)
	require.NoError(t, err)

	key, err := m.GenerateKeyPair(ctx)
	require.NoError(t, err)
	require.Len(t, key.PublicKey, 64)

	// The blob holds the private key matching the advertised public key.
	priv, err := x509.ParseECPrivateKey(key.KeyBlob)
	require.NoError(t, err)
	x := make([]byte, 32)
	y := make([]byte, 32)
	priv.X.FillBytes(x)
	priv.Y.FillBytes(y)
	assert.Equal(t, key.PublicKey[:32], x)
	assert.Equal(t, key.PublicKey[32:], y)

	// The maced key carries the same coordinates in its COSE payload.
	extracted, err := protocol.ExtractGeneratedKey(key.KeyBlob, key.MacedPublicKey)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey, extracted.PublicKey)

	second, err := m.GenerateKeyPair(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, key.PublicKey, second.PublicKey)
}

func TestGenerateCsrParts(t *testing.T) {
	ctx := context.Background()
	m, err := minter.NewSoftware(2)
	require.NoError(t, err)

	key, err := m.GenerateKeyPair(ctx)
	require.NoError(t, err)
	parts, err := m.GenerateCsrParts(ctx, [][]byte{key.MacedPublicKey}, []byte("eek"), []byte("challenge"))
	require.NoError(t, err)

	info, err := cbor.Unmarshal(parts.DeviceInfo)
	require.NoError(t, err)
	infoMap, err := cbor.AsMap(info, "DeviceInfo")
	require.NoError(t, err)
	assert.NotNil(t, infoMap.Get(cbor.Tstr("brand")))

	protected, err := cbor.Unmarshal(parts.ProtectedData)
	require.NoError(t, err)
	_, err = cbor.AsArray(protected, "ProtectedData")
	require.NoError(t, err)

	assert.Len(t, parts.Tag, sha256.Size)
}

// The v2 body must verify under the minter's identity key published in the
// identity chain.
func TestGenerateCsrSignature(t *testing.T) {
	ctx := context.Background()
	m, err := minter.NewSoftware(3)
	require.NoError(t, err)

	key, err := m.GenerateKeyPair(ctx)
	require.NoError(t, err)
	challenge := []byte("challenge")
	body, err := m.GenerateCsr(ctx, [][]byte{key.MacedPublicKey}, challenge)
	require.NoError(t, err)

	item, err := cbor.Unmarshal(body)
	require.NoError(t, err)
	csr, err := cbor.AsArray(item, "Csr")
	require.NoError(t, err)
	require.Len(t, csr, 4)

	chain, err := cbor.AsArray(csr[2], "IdentityChain")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	identity, err := cbor.AsBstr(chain[0], "Identity")
	require.NoError(t, err)
	require.Len(t, identity, 64)

	sign1, err := cbor.AsArray(csr[3], "SignedData")
	require.NoError(t, err)
	require.Len(t, sign1, 4)
	protected, err := cbor.AsBstr(sign1[0], "Protected")
	require.NoError(t, err)
	payload, err := cbor.AsBstr(sign1[2], "Payload")
	require.NoError(t, err)
	sig, err := cbor.AsBstr(sign1[3], "Signature")
	require.NoError(t, err)
	require.Len(t, sig, 64)

	structure := cbor.Marshal(cbor.Array{
		cbor.Tstr("Signature1"),
		cbor.Bstr(protected),
		cbor.Bstr(nil),
		cbor.Bstr(payload),
	})
	digest := sha256.Sum256(structure)
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(identity[:32]),
		Y:     new(big.Int).SetBytes(identity[32:]),
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	assert.True(t, ecdsa.Verify(pub, digest[:], r, s))

	// The payload echoes the challenge.
	payloadItem, err := cbor.Unmarshal(payload)
	require.NoError(t, err)
	payloadArr, err := cbor.AsArray(payloadItem, "SignedDataPayload")
	require.NoError(t, err)
	require.Len(t, payloadArr, 2)
	echoed, err := cbor.AsBstr(payloadArr[0], "Challenge")
	require.NoError(t, err)
	assert.Equal(t, challenge, echoed)
}
