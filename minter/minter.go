// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package minter provides a software key minter for hosts without a remotely
// provisioned hardware component. Keys are P-256 ECDSA pairs; the maced
// public key and certificate request material follow the same COSE layouts a
// hardware component emits, authenticated with a per-minter secret instead of
// a device-unique hardware key.
package minter

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/cbor"
)

// COSE algorithm and key parameter labels.
const (
	coseHeaderAlgorithm  = 1
	coseAlgorithmHmac256 = 5
	coseAlgorithmES256   = -7

	coseKeyType      = 1
	coseKeyTypeEC2   = 2
	coseKeyAlgorithm = 3
	coseKeyCurve     = -1
	coseKeyCurveP256 = 1
	coseKeyX         = -2
	coseKeyY         = -3
)

const coordinateSize = 32

// DefaultMaxKeysPerBatch is the per-request key limit the software minter
// reports.
const DefaultMaxKeysPerBatch = 20

// Software is an in-process KeyMinter. The zero value is not usable; create
// one with NewSoftware.
type Software struct {
	// version is the reported hardware interface version. Versions below 3
	// drive the MAC-wrapped v1 request layout; 3 and later produce the
	// request body directly.
	version int

	// macKey authenticates maced public keys and the v1 batch tag.
	macKey []byte

	// signingKey signs the v2 request body, standing in for the device
	// identity key a hardware component would use.
	signingKey *ecdsa.PrivateKey

	deviceInfo *cbor.Map
}

// NewSoftware creates a software minter reporting the given hardware
// interface version.
func NewSoftware(version int) (*Software, error) {
	macKey := make([]byte, 32)
	if _, err := rand.Read(macKey); err != nil {
		return nil, err
	}
	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Software{
		version:    version,
		macKey:     macKey,
		signingKey: signingKey,
		deviceInfo: cbor.NewMap().
			Put(cbor.Tstr("brand"), cbor.Tstr("generic")).
			Put(cbor.Tstr("manufacturer"), cbor.Tstr("generic")).
			Put(cbor.Tstr("model"), cbor.Tstr("software")).
			Put(cbor.Tstr("security_level"), cbor.Tstr("tee")).
			Put(cbor.Tstr("version"), cbor.Uint(2)),
	}, nil
}

// HardwareInfo implements rkp.KeyMinter.
func (m *Software) HardwareInfo(context.Context) (rkp.HardwareInfo, error) {
	return rkp.HardwareInfo{
		VersionNumber:     m.version,
		SupportedEekCurve: rkp.CurveP256,
		SupportedNumKeys:  DefaultMaxKeysPerBatch,
	}, nil
}

// GenerateKeyPair implements rkp.KeyMinter. The key blob is the SEC1-encoded
// private key; only this minter ever interprets it.
func (m *Software) GenerateKeyPair(context.Context) (rkp.GeneratedKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return rkp.GeneratedKey{}, err
	}
	blob, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return rkp.GeneratedKey{}, err
	}

	x := make([]byte, coordinateSize)
	y := make([]byte, coordinateSize)
	key.X.FillBytes(x)
	key.Y.FillBytes(y)

	coseKey := cbor.NewMap().
		Put(cbor.Uint(coseKeyType), cbor.Uint(coseKeyTypeEC2)).
		Put(cbor.Uint(coseKeyAlgorithm), cbor.Int(coseAlgorithmES256)).
		Put(cbor.Int(coseKeyCurve), cbor.Uint(coseKeyCurveP256)).
		Put(cbor.Int(coseKeyX), cbor.Bstr(x)).
		Put(cbor.Int(coseKeyY), cbor.Bstr(y))
	payload := cbor.Marshal(coseKey)
	protected := cbor.Marshal(cbor.NewMap().
		Put(cbor.Uint(coseHeaderAlgorithm), cbor.Uint(coseAlgorithmHmac256)))

	maced := cbor.Marshal(cbor.Array{
		cbor.Bstr(protected),
		cbor.NewMap(),
		cbor.Bstr(payload),
		cbor.Bstr(m.mac0Tag(protected, nil, payload)),
	})

	raw := make([]byte, 0, 2*coordinateSize)
	raw = append(raw, x...)
	raw = append(raw, y...)
	return rkp.GeneratedKey{
		KeyBlob:        blob,
		PublicKey:      raw,
		MacedPublicKey: maced,
	}, nil
}

// GenerateCsrParts implements rkp.KeyMinter. The tag authenticates the key
// batch with the challenge as external data. The protected data field is
// shaped like the COSE_Encrypt a hardware component produces but is not
// encrypted to the EEK; the software minter has no device identity the
// server could verify anyway.
func (m *Software) GenerateCsrParts(_ context.Context, macedKeys [][]byte, eekChain, challenge []byte) (rkp.CsrV1Parts, error) {
	keys, err := keysPayload(macedKeys)
	if err != nil {
		return rkp.CsrV1Parts{}, err
	}
	protected := cbor.Marshal(cbor.NewMap().
		Put(cbor.Uint(coseHeaderAlgorithm), cbor.Uint(coseAlgorithmHmac256)))
	tag := m.mac0Tag(protected, challenge, keys)

	ciphertext := make([]byte, 64)
	if _, err := rand.Read(ciphertext); err != nil {
		return rkp.CsrV1Parts{}, err
	}
	protectedData := cbor.Marshal(cbor.Array{
		cbor.Bstr(protected),
		cbor.NewMap(),
		cbor.Bstr(ciphertext),
		cbor.Array{cbor.Bstr(eekChain)},
	})

	return rkp.CsrV1Parts{
		DeviceInfo:    cbor.Marshal(m.deviceInfo),
		ProtectedData: protectedData,
		Tag:           tag,
	}, nil
}

// GenerateCsr implements rkp.KeyMinter: the version 2 request body, a
// COSE_Sign1 over the challenge and key batch under the minter's signing
// key, preceded by the (empty) UDS certificates and the identity chain.
func (m *Software) GenerateCsr(_ context.Context, macedKeys [][]byte, challenge []byte) ([]byte, error) {
	keys, err := keysPayload(macedKeys)
	if err != nil {
		return nil, err
	}
	csrPayload := cbor.Marshal(cbor.Array{
		cbor.Uint(3),
		cbor.Tstr("keymint"),
		cbor.Bstr(keys),
	})
	payload := cbor.Marshal(cbor.Array{
		cbor.Bstr(challenge),
		cbor.Bstr(csrPayload),
	})
	protected := cbor.Marshal(cbor.NewMap().
		Put(cbor.Uint(coseHeaderAlgorithm), cbor.Int(coseAlgorithmES256)))

	sig, err := m.sign1Signature(protected, payload)
	if err != nil {
		return nil, err
	}
	signedData := cbor.Array{
		cbor.Bstr(protected),
		cbor.NewMap(),
		cbor.Bstr(payload),
		cbor.Bstr(sig),
	}

	x := make([]byte, coordinateSize)
	y := make([]byte, coordinateSize)
	m.signingKey.X.FillBytes(x)
	m.signingKey.Y.FillBytes(y)
	identity := make([]byte, 0, 2*coordinateSize)
	identity = append(identity, x...)
	identity = append(identity, y...)

	return cbor.Marshal(cbor.Array{
		cbor.Uint(1),
		cbor.NewMap(),
		cbor.Array{cbor.Bstr(identity)},
		signedData,
	}), nil
}

// mac0Tag computes the COSE_Mac0 tag over the MAC structure.
func (m *Software) mac0Tag(protected, externalAAD, payload []byte) []byte {
	structure := cbor.Marshal(cbor.Array{
		cbor.Tstr("MAC0"),
		cbor.Bstr(protected),
		cbor.Bstr(externalAAD),
		cbor.Bstr(payload),
	})
	mac := hmac.New(sha256.New, m.macKey)
	mac.Write(structure)
	return mac.Sum(nil)
}

// sign1Signature computes the raw r||s ECDSA signature over the COSE_Sign1
// signature structure.
func (m *Software) sign1Signature(protected, payload []byte) ([]byte, error) {
	structure := cbor.Marshal(cbor.Array{
		cbor.Tstr("Signature1"),
		cbor.Bstr(protected),
		cbor.Bstr(nil),
		cbor.Bstr(payload),
	})
	digest := sha256.Sum256(structure)
	r, s, err := ecdsa.Sign(rand.Reader, m.signingKey, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 2*coordinateSize)
	r.FillBytes(sig[:coordinateSize])
	s.FillBytes(sig[coordinateSize:])
	return sig, nil
}

// keysPayload re-encodes the COSE_Key maps carried in a batch of maced
// public keys as a single CBOR array.
func keysPayload(macedKeys [][]byte) ([]byte, error) {
	arr := make(cbor.Array, 0, len(macedKeys))
	for _, maced := range macedKeys {
		item, err := cbor.Unmarshal(maced)
		if err != nil {
			return nil, err
		}
		mac0, err := cbor.AsArray(item, "MacedPublicKey")
		if err != nil {
			return nil, err
		}
		if len(mac0) != 4 {
			return nil, fmt.Errorf("MacedPublicKey: expected 4 entries, got %d", len(mac0))
		}
		payload, err := cbor.AsBstr(mac0[2], "MacedPayload")
		if err != nil {
			return nil, err
		}
		keyMap, err := cbor.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		arr = append(arr, keyMap)
	}
	return cbor.Marshal(arr), nil
}
