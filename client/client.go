// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package client moves provisioning protocol messages over HTTP. A round is
// always the same two calls in order: FetchEek to obtain the EEK chains and
// freshness challenge, then SignCertificates to submit the CSR built against
// them.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/protocol"
)

const (
	fetchEekPath         = ":fetchEekChain"
	signCertificatesPath = ":signCertificates"
)

// DefaultMaxResponseLength bounds how much of a response body is read.
const DefaultMaxResponseLength = 1 << 20

// Client speaks the provisioning protocol to one signing server.
type Client struct {
	// HTTP is the client used for requests. Nil means a default client
	// with the settings-configured timeout.
	HTTP *http.Client

	// Settings supplies the server base URL, device fingerprint, and
	// request timeout.
	Settings *rkp.Settings

	// ID is the device settings id echoed in the EEK request.
	ID uint64

	// MaxResponseLength overrides DefaultMaxResponseLength when positive.
	MaxResponseLength int64
}

// FetchEek performs the first protocol step: it posts the device fingerprint
// and parses the server's EEK chains, challenge, and optional device config.
// An HTTP 444 response surfaces as *rkp.NotRegisteredError.
func (c *Client) FetchEek(ctx context.Context) (*protocol.EekNegotiation, error) {
	body := protocol.BuildEekRequest(c.Settings.Fingerprint(), c.ID)
	resp, err := c.post(ctx, "fetch EEK", fetchEekPath, nil, body)
	if err != nil {
		return nil, err
	}
	neg, err := protocol.ParseEekResponse(resp)
	if err != nil {
		return nil, &rkp.ProtocolError{Op: "fetch EEK", Err: err}
	}
	slog.Debug("fetched EEK chains", "curves", len(neg.Chains), "extraKeys", neg.NumExtraKeys)
	return neg, nil
}

// SignCertificates performs the second protocol step: it submits the encoded
// CSR and returns one full DER certificate chain per requested key. The
// challenge rides along as a query parameter so the server can cheaply reject
// stale requests; the request id is a fresh random token for server-side
// idempotency and tracing.
func (c *Client) SignCertificates(ctx context.Context, csr, challenge []byte) ([][]byte, error) {
	query := url.Values{
		"challenge": []string{base64.RawURLEncoding.EncodeToString(challenge)},
		"requestId": []string{uuid.NewString()},
	}
	resp, err := c.post(ctx, "sign certificates", signCertificatesPath, query, csr)
	if err != nil {
		return nil, err
	}
	chains, err := protocol.ParseSignedCertificates(resp)
	if err != nil {
		return nil, &rkp.ProtocolError{Op: "sign certificates", Err: err}
	}
	slog.Debug("received signed certificate chains", "count", len(chains))
	return chains, nil
}

func (c *Client) post(ctx context.Context, op, path string, query url.Values, body []byte) ([]byte, error) {
	uri := c.Settings.ServerURL() + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/cbor")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Settings.RequestTimeout()}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &rkp.ProtocolError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("provisioning server returned an error",
			"op", op, "status", resp.StatusCode)
		switch resp.StatusCode {
		case rkp.StatusDeviceNotRegistered:
			return nil, &rkp.NotRegisteredError{Status: resp.StatusCode}
		case http.StatusForbidden:
			return nil, &rkp.AuthorizationError{Status: resp.StatusCode}
		default:
			return nil, &rkp.ProtocolError{Op: op, Status: resp.StatusCode}
		}
	}

	maxLen := c.MaxResponseLength
	if maxLen <= 0 {
		maxLen = DefaultMaxResponseLength
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLen))
	if err != nil {
		return nil, &rkp.ProtocolError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}
	return data, nil
}
