// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/cbor"
)

// COSE labels used in the v1 MAC structure.
const (
	coseHeaderAlgorithm  = 1
	coseAlgorithmHmac256 = 5
)

// CsrRequest is a certificate signing request in one of the two protocol
// layouts. The hardware-reported version number selects the variant: below
// version 3 the minter contributes MAC-wrapped parts assembled into the v1
// layout, from version 3 on it produces the request body itself.
type CsrRequest interface {
	// Encode serializes the request for transmission.
	Encode() []byte

	csrRequest()
}

// CsrV1 is the version 1 request layout:
//
//	[[deviceInfo, unverifiedDeviceInfo], challenge, protectedData, macMessage]
type CsrV1 struct {
	DeviceInfo           cbor.Item
	UnverifiedDeviceInfo *cbor.Map
	Challenge            []byte
	ProtectedData        cbor.Item
	MacMessage           cbor.Array
}

func (*CsrV1) csrRequest() {}

// Encode implements CsrRequest.
func (c *CsrV1) Encode() []byte {
	return cbor.Marshal(cbor.Array{
		cbor.Array{c.DeviceInfo, c.UnverifiedDeviceInfo},
		cbor.Bstr(c.Challenge),
		c.ProtectedData,
		c.MacMessage,
	})
}

// CsrV2 is the version 2 request layout: the minter-produced body with the
// unverified device info map appended as the final array element.
type CsrV2 struct {
	Body                 cbor.Array
	UnverifiedDeviceInfo *cbor.Map
}

func (*CsrV2) csrRequest() {}

// Encode implements CsrRequest.
func (c *CsrV2) Encode() []byte {
	body := make(cbor.Array, 0, len(c.Body)+1)
	body = append(body, c.Body...)
	body = append(body, c.UnverifiedDeviceInfo)
	return cbor.Marshal(body)
}

// BuildCsrV1 assembles a version 1 request from the minter-produced parts,
// the challenge from the EEK negotiation, and the maced public keys of the
// batch. The MAC message is a COSE_Mac0 whose protected header declares
// HMAC-SHA256, whose payload is the array of key maps extracted from the
// maced keys, and whose tag is the minter's tag over the batch.
func BuildCsrV1(parts rkp.CsrV1Parts, challenge []byte, macedKeys [][]byte, fingerprint string) (*CsrV1, error) {
	deviceInfo, err := decodeAs[*cbor.Map](parts.DeviceInfo, "DeviceInfo")
	if err != nil {
		return nil, err
	}
	protectedData, err := decodeAs[cbor.Array](parts.ProtectedData, "ProtectedData")
	if err != nil {
		return nil, err
	}

	keyMaps := make(cbor.Array, 0, len(macedKeys))
	for _, maced := range macedKeys {
		keyMap, err := macedKeyPayload(maced)
		if err != nil {
			return nil, err
		}
		keyMaps = append(keyMaps, keyMap)
	}

	protectedHeaders := cbor.NewMap().
		Put(cbor.Uint(coseHeaderAlgorithm), cbor.Uint(coseAlgorithmHmac256))
	macMessage := cbor.Array{
		cbor.Bstr(cbor.Marshal(protectedHeaders)),
		cbor.NewMap(),
		cbor.Bstr(cbor.Marshal(keyMaps)),
		cbor.Bstr(parts.Tag),
	}

	return &CsrV1{
		DeviceInfo:           deviceInfo,
		UnverifiedDeviceInfo: UnverifiedDeviceInfo(fingerprint),
		Challenge:            challenge,
		ProtectedData:        protectedData,
		MacMessage:           macMessage,
	}, nil
}

// ParseCsrV1 decodes a version 1 request, recovering the fields that went
// into it.
func ParseCsrV1(data []byte) (*CsrV1, error) {
	item, err := cbor.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	arr, err := cbor.AsArray(item, "CsrV1")
	if err != nil {
		return nil, err
	}
	if len(arr) != 4 {
		return nil, fmt.Errorf("CsrV1: expected 4 entries, got %d", len(arr))
	}
	infos, err := cbor.AsArray(arr[0], "DeviceInfoPair")
	if err != nil {
		return nil, err
	}
	if len(infos) != 2 {
		return nil, fmt.Errorf("DeviceInfoPair: expected 2 entries, got %d", len(infos))
	}
	unverified, err := cbor.AsMap(infos[1], "UnverifiedDeviceInfo")
	if err != nil {
		return nil, err
	}
	challenge, err := cbor.AsBstr(arr[1], "Challenge")
	if err != nil {
		return nil, err
	}
	macMessage, err := cbor.AsArray(arr[3], "MacMessage")
	if err != nil {
		return nil, err
	}
	return &CsrV1{
		DeviceInfo:           infos[0],
		UnverifiedDeviceInfo: unverified,
		Challenge:            challenge,
		ProtectedData:        arr[2],
		MacMessage:           macMessage,
	}, nil
}

// BuildCsrV2 wraps a minter-produced request body, appending the unverified
// device info.
func BuildCsrV2(body []byte, fingerprint string) (*CsrV2, error) {
	arr, err := decodeAs[cbor.Array](body, "CsrBody")
	if err != nil {
		return nil, err
	}
	return &CsrV2{
		Body:                 arr,
		UnverifiedDeviceInfo: UnverifiedDeviceInfo(fingerprint),
	}, nil
}

// UnverifiedDeviceInfo builds the device info map that rides along with a
// request for server-side diagnostics. It is not authenticated and the
// server must never treat it as trustworthy input.
func UnverifiedDeviceInfo(fingerprint string) *cbor.Map {
	return cbor.NewMap().Put(cbor.Tstr("fingerprint"), cbor.Tstr(fingerprint))
}

func decodeAs[T cbor.Item](data []byte, what string) (T, error) {
	var zero T
	item, err := cbor.Unmarshal(data)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", what, err)
	}
	v, ok := item.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected item type %T", what, item)
	}
	return v, nil
}
