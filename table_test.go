// Copyright (c) 2014 Utkan Güngördü <utkan@freeconsole.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cuckoo

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, hashPowerLog int, opt ...Option) *Table[uint64, uint64] {
	t.Helper()
	tbl, err := New[uint64, uint64](hashPowerLog, opt...)
	require.NoError(t, err)
	return tbl
}

// TestScenarioA mirrors spec §8 Scenario A: p=4 (16 buckets, B=8 here),
// inserting keys 1..64 should mostly succeed, and every key that did
// succeed must be findable with its inserted value.
func TestScenarioA(t *testing.T) {
	tbl := newTestTable(t, 4)

	succeeded := 0
	for k := uint64(1); k <= 64; k++ {
		if err := tbl.Insert(k, 2*k-1); err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrTableFull)
		}
	}

	require.GreaterOrEqual(t, succeeded, 50)

	for k := uint64(1); k <= 64; k++ {
		v, ok := tbl.Find(k)
		if !ok {
			continue
		}
		require.Equal(t, 2*k-1, v)
	}
}

// TestScenarioB mirrors spec §8 Scenario B: insert 1..50, delete odd
// keys, check surviving/removed keys.
func TestScenarioB(t *testing.T) {
	tbl := newTestTable(t, 4)

	for k := uint64(1); k <= 50; k++ {
		_ = tbl.Insert(k, k+1)
	}

	for k := uint64(1); k <= 50; k += 2 {
		_, ok := tbl.Find(k)
		if ok {
			require.NoError(t, tbl.Delete(k))
		}
	}

	if _, ok := tbl.Find(2); ok {
		v, _ := tbl.Find(2)
		require.Equal(t, uint64(3), v)
	}

	_, ok := tbl.Find(3)
	require.False(t, ok)
}

func TestInsertRejectsSentinelKey(t *testing.T) {
	tbl := newTestTable(t, 4)
	err := tbl.Insert(0, 1)
	require.ErrorIs(t, err, ErrReservedKey)
}

func TestDeleteRejectsSentinelKey(t *testing.T) {
	tbl := newTestTable(t, 4)
	err := tbl.Delete(0)
	require.ErrorIs(t, err, ErrReservedKey)
}

func TestFindNotFound(t *testing.T) {
	tbl := newTestTable(t, 4)
	_, ok := tbl.Find(12345)
	require.False(t, ok)
}

// TestRoundTripInsertFind covers invariant 5 of spec §8.
func TestRoundTripInsertFind(t *testing.T) {
	tbl := newTestTable(t, 6)

	for k := uint64(1); k <= 200; k++ {
		err := tbl.Insert(k, k*3)
		if errors.Is(err, ErrTableFull) {
			break
		}
		require.NoError(t, err)

		v, ok := tbl.Find(k)
		require.True(t, ok)
		require.Equal(t, k*3, v)
	}
}

// TestRoundTripDelete covers invariant 6: insert then delete leaves
// the key unfindable and the count back where it started.
func TestRoundTripDelete(t *testing.T) {
	tbl := newTestTable(t, 6)

	before := tbl.Len()
	require.NoError(t, tbl.Insert(777, 999))
	require.NoError(t, tbl.Delete(777))

	_, ok := tbl.Find(777)
	require.False(t, ok)
	require.Equal(t, before, tbl.Len())
}

// TestDuplicateInsertIsIdempotentToReader covers invariant 7: a second
// Insert of an existing key returns ErrDuplicate and the first value
// sticks.
func TestDuplicateInsertIsIdempotentToReader(t *testing.T) {
	tbl := newTestTable(t, 6)

	require.NoError(t, tbl.Insert(42, 1))
	err := tbl.Insert(42, 2)
	require.ErrorIs(t, err, ErrDuplicate)

	v, ok := tbl.Find(42)
	require.True(t, ok)
	require.Equal(t, uint64(1), v)
}

func TestDeleteNotFound(t *testing.T) {
	tbl := newTestTable(t, 4)
	err := tbl.Delete(9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadFactorTracksInsertsAndDeletes(t *testing.T) {
	tbl := newTestTable(t, 6)

	require.Equal(t, float64(0), tbl.LoadFactor())

	n := 0
	for k := uint64(1); k <= 100; k++ {
		if tbl.Insert(k, k) == nil {
			n++
		}
	}
	require.InDelta(t, float64(n)/float64(1<<6*bucketSlots), tbl.LoadFactor(), 1e-9)

	require.NoError(t, tbl.Delete(1))
	n--
	require.InDelta(t, float64(n)/float64(1<<6*bucketSlots), tbl.LoadFactor(), 1e-9)
}

func TestReportWritesStats(t *testing.T) {
	tbl := newTestTable(t, 4)
	require.NoError(t, tbl.Insert(1, 2))

	var buf strings.Builder
	require.NoError(t, tbl.Report(&buf))
	require.Contains(t, buf.String(), "load_factor")
	require.Contains(t, buf.String(), "hashpower")
}

func TestReadLockedFindMatchesOptimisticFind(t *testing.T) {
	tbl := newTestTable(t, 6, WithReadLocked(true))

	for k := uint64(1); k <= 50; k++ {
		require.NoError(t, tbl.Insert(k, k*10))
	}
	for k := uint64(1); k <= 50; k++ {
		v, ok := tbl.Find(k)
		require.True(t, ok)
		require.Equal(t, k*10, v)
	}
}

func TestWithHashOptionIsHonored(t *testing.T) {
	tbl := newTestTable(t, 5, WithHash(Murmur3_32))
	require.NoError(t, tbl.Insert(10, 20))
	v, ok := tbl.Find(10)
	require.True(t, ok)
	require.Equal(t, uint64(20), v)
}

func TestInvalidConfigurationPanics(t *testing.T) {
	require.Panics(t, func() {
		_, _ = New[uint64, uint64](4, WithMaxBFSDepth(1), WithKickBudget(1000))
	})
}
