// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package rkptest provides test harness utilities: a testing log bridge and
// an in-process signing server that issues real certificate chains from a
// throwaway CA.
package rkptest

import (
	"bytes"
	"io"
	"testing"
)

// TestingLog creates a testing logger.
func TestingLog(t *testing.T) io.Writer { return (*errorLog)(t) }

type errorLog testing.T

// Write implements io.Writer.
func (t *errorLog) Write(p []byte) (int, error) {
	(*testing.T)(t).Helper()
	t.Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}
