// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/remote-provisioning/go-rkp/cbor"
)

// ParseSignedCertificates parses the sign-certificates response. To reduce
// wire size the server sends the shared chain suffix once, separated from the
// per-key leaf certificates:
//
//	[sharedCertificates, [leafCert0, leafCert1, ...]]
//
// Each returned entry is a full DER certificate chain, the leaf prepended to
// the shared certificates.
func ParseSignedCertificates(data []byte) ([][]byte, error) {
	item, err := cbor.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	resp, err := cbor.AsArray(item, "CertificateResponse")
	if err != nil {
		return nil, err
	}
	if len(resp) != 2 {
		return nil, fmt.Errorf("CertificateResponse: expected 2 entries, got %d", len(resp))
	}
	shared, err := cbor.AsBstr(resp[0], "SharedCertificates")
	if err != nil {
		return nil, err
	}
	leaves, err := cbor.AsArray(resp[1], "UniqueCertificates")
	if err != nil {
		return nil, err
	}
	chains := make([][]byte, 0, len(leaves))
	for _, entry := range leaves {
		leaf, err := cbor.AsBstr(entry, "UniqueCertificate")
		if err != nil {
			return nil, err
		}
		chain := make([]byte, 0, len(leaf)+len(shared))
		chain = append(chain, leaf...)
		chain = append(chain, shared...)
		chains = append(chains, chain)
	}
	return chains, nil
}

// ParseChain parses a concatenated DER certificate chain, leaf first.
func ParseChain(der []byte) ([]*x509.Certificate, error) {
	certs, err := x509.ParseCertificates(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("certificate chain is empty")
	}
	return certs, nil
}

// RawPublicKey formats a certificate's EC public key as the concatenated
// affine coordinates, matching the representation extracted from maced
// public keys.
func RawPublicKey(cert *x509.Certificate) ([]byte, error) {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate public key is %T, not ECDSA", cert.PublicKey)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	raw := make([]byte, 2*size)
	pub.X.FillBytes(raw[:size])
	pub.Y.FillBytes(raw[size : 2*size])
	return raw, nil
}
