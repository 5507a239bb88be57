// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package provision orchestrates refresh rounds: it decides from pool
// occupancy whether a round is needed, runs the EEK negotiation, mints keys,
// submits certificate signing requests in batches, and commits the signed
// results to the pool in a single transaction.
package provision

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/client"
	"github.com/remote-provisioning/go-rkp/pool"
	"github.com/remote-provisioning/go-rkp/protocol"
)

// safeCsrBatchSize caps the keys per signing request regardless of what the
// hardware reports it can handle, keeping request sizes bounded.
const safeCsrBatchSize = 20

// Provisioner runs refresh rounds for one component.
type Provisioner struct {
	Settings *rkp.Settings
	Pool     *pool.DB
	Client   *client.Client
	Minter   rkp.KeyMinter

	// Component names the hardware component the keys belong to.
	Component string
}

// RefreshNeeded reports whether pool occupancy calls for a refresh round.
// It makes no network calls.
func (p *Provisioner) RefreshNeeded(ctx context.Context, now time.Time) (bool, error) {
	stats, err := p.Pool.Stats(ctx, p.Component,
		p.Settings.ExtraSignedKeysAvailable(), p.Settings.ExpirationTime(now))
	if err != nil {
		return false, err
	}
	return stats.KeysToGenerate > 0, nil
}

// Refresh runs one refresh round if pool occupancy calls for it. When the
// pool already holds enough fresh spare keys the round ends immediately
// without contacting the server.
//
// When the server's device config sets the extra-keys count to zero, remote
// provisioning is disabled for this device: the pool is emptied and the round
// ends successfully.
func (p *Provisioner) Refresh(ctx context.Context) error {
	// Evict what is already expired, plus spares that will lapse within the
	// lookahead: replacements for those are what this round provisions.
	now := time.Now()
	if err := p.Pool.DeleteExpiringKeys(ctx, now); err != nil {
		return fmt.Errorf("evicting expired keys: %w", err)
	}
	if err := p.Pool.DeleteExpiringUnassignedKeys(ctx, p.Settings.ExpirationTime(now)); err != nil {
		return fmt.Errorf("evicting expiring spare keys: %w", err)
	}

	needed, err := p.RefreshNeeded(ctx, now)
	if err != nil {
		return err
	}
	if !needed {
		slog.Debug("key pool does not need refreshing", "component", p.Component)
		return nil
	}

	neg, err := p.Client.FetchEek(ctx)
	if err != nil {
		return err
	}
	p.Settings.ApplyServerConfig(neg.NumExtraKeys, neg.TimeToRefresh, neg.ProvisioningURL)
	if neg.NumExtraKeys == 0 {
		slog.Info("server disabled remote provisioning, clearing key pool",
			"component", p.Component)
		return p.Pool.DeleteAllKeys(ctx)
	}

	return p.provisionKeys(ctx, neg, now)
}

func (p *Provisioner) provisionKeys(ctx context.Context, neg *protocol.EekNegotiation, now time.Time) error {
	// Recompute with server config applied: the pushed extra-keys count may
	// have grown or shrunk the target.
	stats, err := p.Pool.Stats(ctx, p.Component,
		p.Settings.ExtraSignedKeysAvailable(), p.Settings.ExpirationTime(now))
	if err != nil {
		return err
	}
	if stats.KeysToGenerate == 0 {
		return nil
	}

	hw, err := p.Minter.HardwareInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading hardware info: %w", err)
	}

	keys := make([]rkp.GeneratedKey, 0, stats.KeysToGenerate)
	for i := 0; i < stats.KeysToGenerate; i++ {
		key, err := p.Minter.GenerateKeyPair(ctx)
		if err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}
		keys = append(keys, key)
	}

	batchSize := safeCsrBatchSize
	if hw.SupportedNumKeys > 0 && hw.SupportedNumKeys < batchSize {
		batchSize = hw.SupportedNumKeys
	}

	records := make([]pool.Key, 0, len(keys))
	for start := 0; start < len(keys); start += batchSize {
		batch := keys[start:min(start+batchSize, len(keys))]
		csr, err := p.buildCsr(ctx, hw, neg, batch)
		if err != nil {
			return err
		}
		chains, err := p.Client.SignCertificates(ctx, csr, neg.Challenge)
		if err != nil {
			return err
		}
		batchRecords, err := p.matchCertificates(batch, chains)
		if err != nil {
			return err
		}
		records = append(records, batchRecords...)
	}

	// Commit all rounds' batches together so a failure anywhere leaves the
	// pool exactly as it was.
	if err := p.Pool.InsertKeys(ctx, records); err != nil {
		return fmt.Errorf("storing provisioned keys: %w", err)
	}
	slog.Info("provisioned attestation keys",
		"component", p.Component, "count", len(records))
	return nil
}

func (p *Provisioner) buildCsr(ctx context.Context, hw rkp.HardwareInfo, neg *protocol.EekNegotiation, batch []rkp.GeneratedKey) ([]byte, error) {
	maced := make([][]byte, len(batch))
	for i, key := range batch {
		maced[i] = key.MacedPublicKey
	}

	var req protocol.CsrRequest
	if hw.VersionNumber < 3 {
		eekChain, err := neg.Chain(hw.SupportedEekCurve)
		if err != nil {
			return nil, err
		}
		parts, err := p.Minter.GenerateCsrParts(ctx, maced, eekChain, neg.Challenge)
		if err != nil {
			return nil, fmt.Errorf("generating CSR parts: %w", err)
		}
		req, err = protocol.BuildCsrV1(parts, neg.Challenge, maced, p.Settings.Fingerprint())
		if err != nil {
			return nil, err
		}
	} else {
		body, err := p.Minter.GenerateCsr(ctx, maced, neg.Challenge)
		if err != nil {
			return nil, fmt.Errorf("generating CSR: %w", err)
		}
		req, err = protocol.BuildCsrV2(body, p.Settings.Fingerprint())
		if err != nil {
			return nil, err
		}
	}
	return req.Encode(), nil
}

// matchCertificates pairs each signed chain with the generated key its leaf
// certifies, comparing raw public keys. The server is not required to return
// chains in request order.
func (p *Provisioner) matchCertificates(batch []rkp.GeneratedKey, chains [][]byte) ([]pool.Key, error) {
	records := make([]pool.Key, 0, len(chains))
	matched := make([]bool, len(batch))
	for _, chain := range chains {
		certs, err := protocol.ParseChain(chain)
		if err != nil {
			return nil, err
		}
		leaf := certs[0]
		pub, err := protocol.RawPublicKey(leaf)
		if err != nil {
			return nil, err
		}
		found := false
		for i, key := range batch {
			if matched[i] || !bytes.Equal(key.PublicKey, pub) {
				continue
			}
			records = append(records, pool.Key{
				KeyBlob:          key.KeyBlob,
				Component:        p.Component,
				PublicKey:        key.PublicKey,
				CertificateChain: chain,
				ExpirationTime:   leaf.NotAfter,
			})
			matched[i] = true
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("signed certificate does not match any requested key")
		}
	}
	return records, nil
}
