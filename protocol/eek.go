// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package protocol implements the wire format of the remote provisioning
// protocol: the endpoint encryption key (EEK) negotiation, the two
// certificate signing request layouts, and the signed certificate response.
// It performs no I/O; the client package moves these messages over HTTP.
package protocol

import (
	"fmt"
	"time"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/cbor"
)

// Device config keys optionally present in the EEK response.
const (
	extraKeysConfig       = "num_extra_attestation_keys"
	timeToRefreshConfig   = "time_to_refresh_hours"
	provisioningURLConfig = "provisioning_url"
)

// EekNegotiation is the outcome of the first protocol step: the EEK chains
// offered by the server keyed by curve, the freshness challenge to echo in
// the signing step, and any server-pushed device config.
type EekNegotiation struct {
	// Chains maps each offered curve to its CBOR-encoded EEK certificate
	// chain, re-encoded exactly as received.
	Chains map[rkp.Curve][]byte

	// Challenge proves freshness of the follow-up signing request.
	Challenge []byte

	// NumExtraKeys is the server-configured spare-key count, or -1 when the
	// response carried no device config. Zero disables provisioning.
	NumExtraKeys int

	// TimeToRefresh is the server-configured refresh lookahead, or zero.
	TimeToRefresh time.Duration

	// ProvisioningURL overrides the server base URL when non-empty.
	ProvisioningURL string
}

// Chain returns the EEK chain for the hardware-supported curve.
func (n *EekNegotiation) Chain(curve rkp.Curve) ([]byte, error) {
	chain, ok := n.Chains[curve]
	if !ok {
		return nil, fmt.Errorf("server offered no EEK chain for curve %d", curve)
	}
	return chain, nil
}

// BuildEekRequest encodes the fetch-EEK request body, a map of the device
// fingerprint and its settings id.
func BuildEekRequest(fingerprint string, id uint64) []byte {
	return cbor.Marshal(cbor.NewMap().
		Put(cbor.Tstr("fingerprint"), cbor.Tstr(fingerprint)).
		Put(cbor.Tstr("id"), cbor.Uint(id)))
}

// ParseEekResponse parses the fetch-EEK response:
//
//	[ [ [curve, eekChain], ... ], challenge, deviceConfig? ]
func ParseEekResponse(data []byte) (*EekNegotiation, error) {
	item, err := cbor.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	resp, err := cbor.AsArray(item, "EekResponse")
	if err != nil {
		return nil, err
	}
	if len(resp) != 2 && len(resp) != 3 {
		return nil, fmt.Errorf("EekResponse: expected 2 or 3 entries, got %d", len(resp))
	}

	curveChains, err := cbor.AsArray(resp[0], "EekAndCurveArr")
	if err != nil {
		return nil, err
	}
	neg := &EekNegotiation{
		Chains:       make(map[rkp.Curve][]byte, len(curveChains)),
		NumExtraKeys: -1,
	}
	for _, entry := range curveChains {
		curveAndChain, err := cbor.AsArray(entry, "EekAndCurve")
		if err != nil {
			return nil, err
		}
		if len(curveAndChain) != 2 {
			return nil, fmt.Errorf("EekAndCurve: expected 2 entries, got %d", len(curveAndChain))
		}
		curve, err := cbor.AsUint(curveAndChain[0], "Curve")
		if err != nil {
			return nil, err
		}
		chain, err := cbor.AsArray(curveAndChain[1], "EekCertChain")
		if err != nil {
			return nil, err
		}
		neg.Chains[rkp.Curve(curve)] = cbor.Marshal(chain)
	}

	neg.Challenge, err = cbor.AsBstr(resp[1], "Challenge")
	if err != nil {
		return nil, err
	}

	if len(resp) == 3 {
		if err := parseDeviceConfig(neg, resp[2]); err != nil {
			return nil, err
		}
	}
	return neg, nil
}

func parseDeviceConfig(neg *EekNegotiation, item cbor.Item) error {
	config, err := cbor.AsMap(item, "DeviceConfig")
	if err != nil {
		return err
	}
	if v := config.Get(cbor.Tstr(extraKeysConfig)); v != nil {
		n, err := cbor.AsUint(v, "ExtraKeys")
		if err != nil {
			return err
		}
		neg.NumExtraKeys = int(n)
	}
	if v := config.Get(cbor.Tstr(timeToRefreshConfig)); v != nil {
		hours, err := cbor.AsUint(v, "TimeToRefresh")
		if err != nil {
			return err
		}
		neg.TimeToRefresh = time.Duration(hours) * time.Hour
	}
	if v := config.Get(cbor.Tstr(provisioningURLConfig)); v != nil {
		url, err := cbor.AsTstr(v, "ProvisioningURL")
		if err != nil {
			return err
		}
		neg.ProvisioningURL = url
	}
	return nil
}
