// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package pool

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/ncruces/go-sqlite3/driver"  // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary
)

// Open creates or opens a SQLite database file. Transactions take the write
// lock up front so concurrent assignment attempts serialize instead of
// failing with a busy error mid-transaction.
func Open(filename string) (*DB, error) {
	query := "?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)"
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + query)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	return New(sql.OpenDB(connector))
}
