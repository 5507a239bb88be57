// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/cbor"
)

// COSE_Key EC2 coordinate labels.
const (
	keyParameterX = -2
	keyParameterY = -3
)

const coordinateSize = 32

// ExtractGeneratedKey builds a GeneratedKey from the minter's private key
// blob and maced public key, pulling the raw public key coordinates out of
// the COSE_Mac0 payload.
func ExtractGeneratedKey(keyBlob, macedPublicKey []byte) (rkp.GeneratedKey, error) {
	keyMap, err := macedKeyPayload(macedPublicKey)
	if err != nil {
		return rkp.GeneratedKey{}, err
	}
	x, err := coordinate(keyMap, keyParameterX)
	if err != nil {
		return rkp.GeneratedKey{}, err
	}
	y, err := coordinate(keyMap, keyParameterY)
	if err != nil {
		return rkp.GeneratedKey{}, err
	}
	raw := make([]byte, 0, 2*coordinateSize)
	raw = append(raw, x...)
	raw = append(raw, y...)
	return rkp.GeneratedKey{
		KeyBlob:        keyBlob,
		PublicKey:      raw,
		MacedPublicKey: macedPublicKey,
	}, nil
}

// macedKeyPayload decodes a maced public key and returns the COSE_Key map
// carried in the COSE_Mac0 payload.
func macedKeyPayload(macedPublicKey []byte) (*cbor.Map, error) {
	item, err := cbor.Unmarshal(macedPublicKey)
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
	payloadItem, err := cbor.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	return cbor.AsMap(payloadItem, "CoseKey")
}

func coordinate(keyMap *cbor.Map, label int64) ([]byte, error) {
	v := keyMap.Get(cbor.Int(label))
	if v == nil {
		return nil, fmt.Errorf("CoseKey: missing coordinate %d", label)
	}
	coord, err := cbor.AsBstr(v, "CoseKeyCoordinate")
	if err != nil {
		return nil, err
	}
	if len(coord) != coordinateSize {
		return nil, fmt.Errorf("CoseKey: coordinate %d has %d bytes, want %d", label, len(coord), coordinateSize)
	}
	return coord, nil
}
