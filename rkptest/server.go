// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package rkptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/remote-provisioning/go-rkp/cbor"
)

// Server is a fake provisioning signing server. It answers the EEK
// negotiation with generated chains and a fixed challenge, parses submitted
// certificate signing requests, and issues real DER chains from a throwaway
// CA so that round-trip tests exercise genuine certificate parsing.
type Server struct {
	// HTTP is the backing test server; use BaseURL for client settings.
	HTTP *httptest.Server

	// CA signs every issued leaf certificate.
	CA    *x509.Certificate
	caDER []byte
	caKey *ecdsa.PrivateKey

	// Challenge is echoed in the EEK response and verified on signing.
	Challenge []byte

	mu sync.Mutex

	// EekStatus and SignStatus, when non-zero, make the corresponding
	// endpoint fail with that HTTP status.
	EekStatus  int
	SignStatus int

	// NumExtraKeys, TimeToRefreshHours, and ProvisioningURL populate the
	// device config map of the EEK response. NumExtraKeys below zero omits
	// the config entirely.
	NumExtraKeys       int
	TimeToRefreshHours uint
	ProvisioningURL    string

	// CertValidity is the issued leaf lifetime.
	CertValidity time.Duration

	eekCalls  int
	signCalls int
}

// NewServer starts a fake signing server, shut down when the test ends.
func NewServer(t *testing.T) *Server {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Signing CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}

	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		t.Fatal(err)
	}

	s := &Server{
		CA:           ca,
		caDER:        caDER,
		caKey:        caKey,
		Challenge:    challenge,
		NumExtraKeys: -1,
		CertValidity: 14 * 24 * time.Hour,
	}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.HTTP.Close)
	return s
}

// BaseURL is the server base URL for client settings.
func (s *Server) BaseURL() string { return s.HTTP.URL + "/v1" }

// EekCalls returns how many EEK negotiations the server answered.
func (s *Server) EekCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eekCalls
}

// SignCalls returns how many signing requests the server answered.
func (s *Server) SignCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signCalls
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/v1:fetchEekChain":
		s.handleEek(w, r)
	case "/v1:signCertificates":
		s.handleSign(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleEek(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.eekCalls++
	status := s.EekStatus
	numExtra := s.NumExtraKeys
	refreshHours := s.TimeToRefreshHours
	provisioningURL := s.ProvisioningURL
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	item, err := cbor.Unmarshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := cbor.AsMap(item, "EekRequest")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Get(cbor.Tstr("fingerprint")) == nil {
		http.Error(w, "missing fingerprint", http.StatusBadRequest)
		return
	}

	chain := cbor.Array{cbor.Bstr(s.caDER)}
	resp := cbor.Array{
		cbor.Array{
			cbor.Array{cbor.Uint(1), chain},
			cbor.Array{cbor.Uint(2), chain},
		},
		cbor.Bstr(s.Challenge),
	}
	if numExtra >= 0 {
		config := cbor.NewMap().
			Put(cbor.Tstr("num_extra_attestation_keys"), cbor.Uint(uint64(numExtra)))
		if refreshHours > 0 {
			config.Put(cbor.Tstr("time_to_refresh_hours"), cbor.Uint(uint64(refreshHours)))
		}
		if provisioningURL != "" {
			config.Put(cbor.Tstr("provisioning_url"), cbor.Tstr(provisioningURL))
		}
		resp = append(resp, config)
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(cbor.Marshal(resp))
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.signCalls++
	status := s.SignStatus
	validity := s.CertValidity
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	if got := r.URL.Query().Get("challenge"); got != base64.RawURLEncoding.EncodeToString(s.Challenge) {
		http.Error(w, "challenge mismatch", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(r.URL.Query().Get("requestId")); err != nil {
		http.Error(w, "bad request id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pubs, err := requestedPublicKeys(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	leaves := make(cbor.Array, 0, len(pubs))
	for i, pub := range pubs {
		der, err := s.issue(pub, int64(i), validity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		leaves = append(leaves, cbor.Bstr(der))
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(cbor.Marshal(cbor.Array{cbor.Bstr(s.caDER), leaves}))
}

func (s *Server) issue(pub *ecdsa.PublicKey, serial int64, validity time.Duration) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial + 1000),
		Subject:      pkix.Name{CommonName: "Attestation Key"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	return x509.CreateCertificate(rand.Reader, template, s.CA, pub, s.caKey)
}

// requestedPublicKeys extracts the public keys of the key batch from either
// certificate request layout.
func requestedPublicKeys(body []byte) ([]*ecdsa.PublicKey, error) {
	item, err := cbor.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	req, err := cbor.AsArray(item, "CertificateRequest")
	if err != nil {
		return nil, err
	}
	if len(req) == 0 {
		return nil, fmt.Errorf("empty certificate request")
	}
	if _, ok := req[0].(cbor.Array); ok {
		return v1PublicKeys(req)
	}
	return v2PublicKeys(req)
}

// v1PublicKeys reads the COSE_Key array out of the v1 MAC message payload.
func v1PublicKeys(req cbor.Array) ([]*ecdsa.PublicKey, error) {
	if len(req) != 4 {
		return nil, fmt.Errorf("v1 request: expected 4 entries, got %d", len(req))
	}
	mac0, err := cbor.AsArray(req[3], "MacMessage")
	if err != nil {
		return nil, err
	}
	if len(mac0) != 4 {
		return nil, fmt.Errorf("MacMessage: expected 4 entries, got %d", len(mac0))
	}
	payload, err := cbor.AsBstr(mac0[2], "MacPayload")
	if err != nil {
		return nil, err
	}
	return keysFromPayload(payload)
}

// v2PublicKeys digs the key batch out of the signed data payload.
func v2PublicKeys(req cbor.Array) ([]*ecdsa.PublicKey, error) {
	if len(req) != 5 {
		return nil, fmt.Errorf("v2 request: expected 5 entries, got %d", len(req))
	}
	sign1, err := cbor.AsArray(req[3], "SignedData")
	if err != nil {
		return nil, err
	}
	if len(sign1) != 4 {
		return nil, fmt.Errorf("SignedData: expected 4 entries, got %d", len(sign1))
	}
	payload, err := cbor.AsBstr(sign1[2], "SignedDataPayload")
	if err != nil {
		return nil, err
	}
	item, err := cbor.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	arr, err := cbor.AsArray(item, "SignedDataPayload")
	if err != nil {
		return nil, err
	}
	if len(arr) != 2 {
		return nil, fmt.Errorf("SignedDataPayload: expected 2 entries, got %d", len(arr))
	}
	csrPayload, err := cbor.AsBstr(arr[1], "CsrPayload")
	if err != nil {
		return nil, err
	}
	item, err = cbor.Unmarshal(csrPayload)
	if err != nil {
		return nil, err
	}
	csr, err := cbor.AsArray(item, "CsrPayload")
	if err != nil {
		return nil, err
	}
	if len(csr) != 3 {
		return nil, fmt.Errorf("CsrPayload: expected 3 entries, got %d", len(csr))
	}
	keys, err := cbor.AsBstr(csr[2], "KeysToSign")
	if err != nil {
		return nil, err
	}
	return keysFromPayload(keys)
}

func keysFromPayload(payload []byte) ([]*ecdsa.PublicKey, error) {
	item, err := cbor.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	keyMaps, err := cbor.AsArray(item, "KeysToSign")
	if err != nil {
		return nil, err
	}
	pubs := make([]*ecdsa.PublicKey, 0, len(keyMaps))
	for _, entry := range keyMaps {
		keyMap, err := cbor.AsMap(entry, "CoseKey")
		if err != nil {
			return nil, err
		}
		x, err := cbor.AsBstr(keyMap.Get(cbor.Int(-2)), "CoseKeyX")
		if err != nil {
			return nil, err
		}
		y, err := cbor.AsBstr(keyMap.Get(cbor.Int(-3)), "CoseKeyY")
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		})
	}
	return pubs, nil
}
