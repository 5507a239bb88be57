// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package pool_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/pool"
)

const component = "keymint"

func newPool(t *testing.T) *pool.DB {
	t.Helper()
	db, err := pool.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testKey(n byte, expiry time.Time) pool.Key {
	return pool.Key{
		KeyBlob:          []byte{0x0b, n},
		Component:        component,
		PublicKey:        []byte{0x0e, n},
		CertificateChain: []byte{0x0c, n},
		ExpirationTime:   expiry,
	}
}

func insertKeys(t *testing.T, db *pool.DB, count int, expiry time.Time) {
	t.Helper()
	keys := make([]pool.Key, count)
	for i := range keys {
		keys[i] = testKey(byte(i), expiry)
	}
	require.NoError(t, db.InsertKeys(context.Background(), keys))
}

func TestInsertAndCounts(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	expiry := time.Now().Add(14 * 24 * time.Hour)
	insertKeys(t, db, 3, expiry)

	total, err := db.KeyCount(ctx, component)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	unassigned, err := db.UnassignedKeyCount(ctx, component)
	require.NoError(t, err)
	assert.Equal(t, 3, unassigned)

	other, err := db.KeyCount(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, other, "components must not see each other's keys")
}

func TestInsertAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	expiry := time.Now().Add(time.Hour)

	// Second batch reuses a blob from the first, violating the primary key
	// on its last record. Nothing from the batch may survive.
	insertKeys(t, db, 2, expiry)
	batch := []pool.Key{testKey(10, expiry), testKey(11, expiry), testKey(0, expiry)}
	require.Error(t, db.InsertKeys(ctx, batch))

	total, err := db.KeyCount(ctx, component)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestGetOrAssignKeyIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	insertKeys(t, db, 3, time.Now().Add(24*time.Hour))
	minExpiry := time.Now().Add(time.Hour)

	first, err := db.GetOrAssignKey(ctx, component, minExpiry, 1000, 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.True(t, first.Assigned())

	again, err := db.GetOrAssignKey(ctx, component, minExpiry, 1000, 1)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.KeyBlob, again.KeyBlob)

	unassigned, err := db.UnassignedKeyCount(ctx, component)
	require.NoError(t, err)
	assert.Equal(t, 2, unassigned, "repeated calls must consume one slot")
}

func TestGetOrAssignKeyDistinctCallers(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	insertKeys(t, db, 2, time.Now().Add(24*time.Hour))
	minExpiry := time.Now().Add(time.Hour)

	a, err := db.GetOrAssignKey(ctx, component, minExpiry, 1000, 1)
	require.NoError(t, err)
	b, err := db.GetOrAssignKey(ctx, component, minExpiry, 1000, 2)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.KeyBlob, b.KeyBlob)

	// Pool exhausted: no result, no error.
	c, err := db.GetOrAssignKey(ctx, component, minExpiry, 1000, 3)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestGetOrAssignKeyExpiryFloor(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	insertKeys(t, db, 1, time.Now().Add(30*time.Minute))

	key, err := db.GetOrAssignKey(ctx, component, time.Now().Add(time.Hour), 1000, 1)
	require.NoError(t, err)
	assert.Nil(t, key, "a key expiring before the floor must not be assigned")

	key, err = db.GetOrAssignKey(ctx, component, time.Now().Add(10*time.Minute), 1000, 1)
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestGetOrAssignKeyConcurrent(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	const callers = 8
	insertKeys(t, db, callers, time.Now().Add(24*time.Hour))
	minExpiry := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	keys := make([]*pool.Key, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i], errs[i] = db.GetOrAssignKey(ctx, component, minExpiry, 1000, int32(i))
		}()
	}
	wg.Wait()

	seen := make(map[string]int32)
	for i, key := range keys {
		require.NoError(t, errs[i])
		require.NotNil(t, key)
		if prev, ok := seen[string(key.KeyBlob)]; ok {
			t.Fatalf("key %x assigned to both %d and %d", key.KeyBlob, prev, i)
		}
		seen[string(key.KeyBlob)] = int32(i)
	}
}

func TestKeyForClient(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	insertKeys(t, db, 1, time.Now().Add(24*time.Hour))

	key, err := db.KeyForClient(ctx, component, 1000, 1)
	require.NoError(t, err)
	assert.Nil(t, key, "lookup must not assign")

	assigned, err := db.GetOrAssignKey(ctx, component, time.Now(), 1000, 1)
	require.NoError(t, err)
	require.NotNil(t, assigned)

	key, err = db.KeyForClient(ctx, component, 1000, 1)
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, assigned.KeyBlob, key.KeyBlob)
}

func TestUpgradeKeyBlob(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	insertKeys(t, db, 1, time.Now().Add(24*time.Hour))

	assigned, err := db.GetOrAssignKey(ctx, component, time.Now(), 1000, 1)
	require.NoError(t, err)
	require.NotNil(t, assigned)

	newBlob := []byte("upgraded")
	require.NoError(t, db.UpgradeKeyBlob(ctx, 1000, assigned.KeyBlob, newBlob))

	key, err := db.KeyForClient(ctx, component, 1000, 1)
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, newBlob, key.KeyBlob)

	// Unknown blob and wrong caller both miss.
	assert.ErrorIs(t, db.UpgradeKeyBlob(ctx, 1000, []byte("nope"), newBlob), rkp.ErrKeyNotFound)
	assert.ErrorIs(t, db.UpgradeKeyBlob(ctx, 2000, newBlob, []byte("x")), rkp.ErrKeyNotFound)
}

func TestDeleteExpiringKeys(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	now := time.Now()
	require.NoError(t, db.InsertKeys(ctx, []pool.Key{
		testKey(0, now.Add(-time.Hour)),
		testKey(1, now.Add(time.Hour)),
	}))

	require.NoError(t, db.DeleteExpiringKeys(ctx, now))
	total, err := db.KeyCount(ctx, component)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	horizon := now.Add(72 * time.Hour)
	fresh := now.Add(14 * 24 * time.Hour)

	for _, test := range []struct {
		name       string
		fresh      int
		expiring   int
		assign     int
		extra      int
		toGenerate int
	}{
		{name: "empty pool", extra: 6, toGenerate: 6},
		{name: "spares below threshold", fresh: 2, extra: 3, toGenerate: 3},
		{name: "enough spares", fresh: 5, extra: 3, toGenerate: 0},
		{name: "exactly at threshold", fresh: 3, extra: 3, toGenerate: 0},
		{name: "expiring forces refresh", fresh: 5, expiring: 2, extra: 3, toGenerate: 3},
		{name: "in-use grows target", fresh: 6, assign: 4, extra: 6, toGenerate: 10},
		{name: "disabled", fresh: 0, extra: 0, toGenerate: 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			db := newPool(t)
			var keys []pool.Key
			for i := 0; i < test.fresh; i++ {
				keys = append(keys, testKey(byte(i), fresh))
			}
			for i := 0; i < test.expiring; i++ {
				keys = append(keys, testKey(byte(100+i), now.Add(time.Hour)))
			}
			if len(keys) > 0 {
				require.NoError(t, db.InsertKeys(ctx, keys))
			}
			for i := 0; i < test.assign; i++ {
				key, err := db.GetOrAssignKey(ctx, component, now, 1000, int32(i))
				require.NoError(t, err)
				require.NotNil(t, key)
			}

			stats, err := db.Stats(ctx, component, test.extra, horizon)
			require.NoError(t, err)
			assert.Equal(t, test.toGenerate, stats.KeysToGenerate,
				fmt.Sprintf("stats: %+v", stats))
		})
	}
}

// Back-to-back statistics with nothing expiring must agree, so a no-op
// refresh decision is stable.
func TestStatsStable(t *testing.T) {
	ctx := context.Background()
	db := newPool(t)
	insertKeys(t, db, 6, time.Now().Add(14*24*time.Hour))
	horizon := time.Now().Add(72 * time.Hour)

	first, err := db.Stats(ctx, component, 6, horizon)
	require.NoError(t, err)
	second, err := db.Stats(ctx, component, 6, horizon)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
