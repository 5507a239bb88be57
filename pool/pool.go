// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package pool persists provisioned attestation keys in a SQLite database
// and implements the allocation, assignment, and eviction queries over them.
// It is the only mutable shared state in the module; every mutation runs in
// a transaction so statistics never observe a half-applied assignment or a
// partially inserted batch.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rkp "github.com/remote-provisioning/go-rkp"
)

// Key is a single provisioned attestation key record.
//
// ClientUID and KeyID are nil until the record is assigned. Both set means
// the record is bound to that caller identity for the rest of its life; an
// upgrade replaces KeyBlob only.
type Key struct {
	KeyBlob          []byte
	Component        string
	PublicKey        []byte
	CertificateChain []byte
	ExpirationTime   time.Time
	ClientUID        *int32
	KeyID            *int32
}

// Assigned reports whether the record is bound to a caller.
func (k *Key) Assigned() bool { return k.ClientUID != nil && k.KeyID != nil }

// DB wraps the pool database.
type DB struct {
	db *sql.DB
}

// New creates a DB over an open database handle, creating the schema if
// needed.
func New(db *sql.DB) (*DB, error) {
	if err := Init(db); err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Init ensures the schema exists. It does not recognize tables created with
// a different schema.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS provisioned_keys
			( key_blob BLOB PRIMARY KEY
			, component TEXT NOT NULL
			, public_key BLOB NOT NULL
			, certificate_chain BLOB NOT NULL
			, expiration_time INTEGER NOT NULL
			, client_uid INTEGER
			, key_id INTEGER
			, UNIQUE(client_uid, key_id, component)
			)`,
		`CREATE INDEX IF NOT EXISTS provisioned_keys_expiry
			ON provisioned_keys(expiration_time ASC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

const keyColumns = `key_blob, component, public_key, certificate_chain, expiration_time, client_uid, key_id`

func scanKey(row interface{ Scan(...any) error }) (*Key, error) {
	var key Key
	var expiry int64
	var clientUID, keyID sql.NullInt64
	err := row.Scan(&key.KeyBlob, &key.Component, &key.PublicKey,
		&key.CertificateChain, &expiry, &clientUID, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key.ExpirationTime = time.UnixMilli(expiry).UTC()
	if clientUID.Valid {
		uid := int32(clientUID.Int64)
		key.ClientUID = &uid
	}
	if keyID.Valid {
		id := int32(keyID.Int64)
		key.KeyID = &id
	}
	return &key, nil
}

// InsertKeys stores a batch of freshly provisioned keys. The insert is
// all-or-nothing: a failure on any record leaves the pool untouched.
func (db *DB) InsertKeys(ctx context.Context, keys []Key) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting insert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provisioned_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, NULL, NULL)`,
			key.KeyBlob, key.Component, key.PublicKey, key.CertificateChain,
			key.ExpirationTime.UnixMilli(),
		); err != nil {
			return fmt.Errorf("error inserting provisioned key: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateKey replaces the stored fields of an existing record, matched by its
// key blob.
func (db *DB) UpdateKey(ctx context.Context, key Key) error {
	res, err := db.db.ExecContext(ctx,
		`UPDATE provisioned_keys
			SET component = ?, public_key = ?, certificate_chain = ?, expiration_time = ?
			WHERE key_blob = ?`,
		key.Component, key.PublicKey, key.CertificateChain,
		key.ExpirationTime.UnixMilli(), key.KeyBlob,
	)
	if err != nil {
		return fmt.Errorf("error updating key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rkp.ErrKeyNotFound
	}
	return nil
}

// UpgradeKeyBlob replaces the key blob of a record assigned to clientUID.
// Returns rkp.ErrKeyNotFound when no record matches the old blob.
func (db *DB) UpgradeKeyBlob(ctx context.Context, clientUID int32, oldBlob, newBlob []byte) error {
	res, err := db.db.ExecContext(ctx,
		`UPDATE provisioned_keys SET key_blob = ?
			WHERE key_blob = ? AND client_uid = ?`,
		newBlob, oldBlob, clientUID,
	)
	if err != nil {
		return fmt.Errorf("error upgrading key blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rkp.ErrKeyNotFound
	}
	return nil
}

// DeleteExpiringKeys removes every record expiring before the given time,
// assigned or not.
func (db *DB) DeleteExpiringKeys(ctx context.Context, before time.Time) error {
	_, err := db.db.ExecContext(ctx,
		`DELETE FROM provisioned_keys WHERE expiration_time < ?`, before.UnixMilli())
	return err
}

// DeleteExpiringUnassignedKeys removes spare records expiring before the
// given time. Assigned records are kept; a caller holds its key until it
// actually expires.
func (db *DB) DeleteExpiringUnassignedKeys(ctx context.Context, before time.Time) error {
	_, err := db.db.ExecContext(ctx,
		`DELETE FROM provisioned_keys WHERE client_uid IS NULL AND expiration_time < ?`,
		before.UnixMilli())
	return err
}

// DeleteAllKeys wipes the pool. Used for forced re-provisioning and when the
// server disables provisioning.
func (db *DB) DeleteAllKeys(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM provisioned_keys`)
	return err
}

// KeyForClient is a read-only lookup of the record assigned to the given
// caller identity. Returns nil without error when there is none.
func (db *DB) KeyForClient(ctx context.Context, component string, clientUID, keyID int32) (*Key, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM provisioned_keys
			WHERE component = ? AND client_uid = ? AND key_id = ?`,
		component, clientUID, keyID)
	return scanKey(row)
}

// GetOrAssignKey returns the record already assigned to (component,
// clientUID, keyID), or atomically stamps an unassigned, non-expired record
// with that identity and returns it. Returns nil without error when the pool
// has no eligible record.
//
// Assignment is idempotent: repeated calls with the same identity return the
// same record and consume exactly one pool slot. The conditional update and
// the immediate transaction lock guarantee two concurrent calls never stamp
// the same record with different identities.
func (db *DB) GetOrAssignKey(ctx context.Context, component string, minExpiry time.Time, clientUID, keyID int32) (*Key, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting assignment transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanKey(tx.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM provisioned_keys
			WHERE component = ? AND client_uid = ? AND key_id = ?`,
		component, clientUID, keyID))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, tx.Commit()
	}

	candidate, err := scanKey(tx.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM provisioned_keys
			WHERE component = ? AND client_uid IS NULL AND expiration_time >= ?
			LIMIT 1`,
		component, minExpiry.UnixMilli()))
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE provisioned_keys SET client_uid = ?, key_id = ?
			WHERE key_blob = ? AND client_uid IS NULL`,
		clientUID, keyID, candidate.KeyBlob)
	if err != nil {
		return nil, fmt.Errorf("error assigning key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("candidate key was assigned concurrently")
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	candidate.ClientUID = &clientUID
	candidate.KeyID = &keyID
	return candidate, nil
}

// KeyCount returns the total number of records for a component.
func (db *DB) KeyCount(ctx context.Context, component string) (int, error) {
	return db.count(ctx,
		`SELECT COUNT(*) FROM provisioned_keys WHERE component = ?`, component)
}

// UnassignedKeyCount returns the number of records available for assignment
// regardless of expiry.
func (db *DB) UnassignedKeyCount(ctx context.Context, component string) (int, error) {
	return db.count(ctx,
		`SELECT COUNT(*) FROM provisioned_keys WHERE component = ? AND client_uid IS NULL`,
		component)
}

// ExpiringKeyCount returns the number of records, assigned or not, expiring
// before the given time.
func (db *DB) ExpiringKeyCount(ctx context.Context, component string, before time.Time) (int, error) {
	return db.count(ctx,
		`SELECT COUNT(*) FROM provisioned_keys WHERE component = ? AND expiration_time < ?`,
		component, before.UnixMilli())
}

func (db *DB) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
