// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package pool

import (
	"context"
	"time"
)

// Stats is a consistent snapshot of pool occupancy for one component,
// together with the refresh decision derived from it.
type Stats struct {
	// Total is the number of records in the pool.
	Total int

	// Unassigned is the number of records available for assignment.
	Unassigned int

	// Expiring is the number of records, assigned or not, expiring before
	// the lookahead horizon.
	Expiring int

	// InUse is the number of assigned records.
	InUse int

	// IdealTotal is the pool size a refresh round provisions up to:
	// every assigned record plus the configured spare capacity.
	IdealTotal int

	// KeysToGenerate is how many new keys the next refresh round should
	// request. Zero means no round is needed and no network traffic should
	// happen.
	KeysToGenerate int
}

// Stats counts the pool in one read transaction and applies the refresh
// policy: a round is needed when fewer spare keys remain than the configured
// extra capacity, or when any key expires before the lookahead horizon.
func (db *DB) Stats(ctx context.Context, component string, extraKeys int, expireBy time.Time) (Stats, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var s Stats
	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&s.Total, `SELECT COUNT(*) FROM provisioned_keys WHERE component = ?`,
			[]any{component}},
		{&s.Unassigned, `SELECT COUNT(*) FROM provisioned_keys WHERE component = ? AND client_uid IS NULL`,
			[]any{component}},
		{&s.Expiring, `SELECT COUNT(*) FROM provisioned_keys WHERE component = ? AND expiration_time < ?`,
			[]any{component, expireBy.UnixMilli()}},
	}
	for _, c := range counts {
		if err := tx.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return Stats{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, err
	}

	s.InUse = s.Total - s.Unassigned
	s.IdealTotal = s.InUse + extraKeys
	if s.Unassigned < extraKeys || s.Expiring > 0 {
		s.KeysToGenerate = s.IdealTotal
	}
	return s, nil
}
