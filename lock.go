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
	"runtime"
	"sync/atomic"
)

func setBit(addr *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(addr, old, old|bit) {
			return
		}
	}
}

func clearBit(addr *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if old&bit == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(addr, old, old&^bit) {
			return
		}
	}
}

// spinBackoff is the pause between failed lock attempts: a short
// busy-spin for the first few tries, then a cooperative yield. Modeled
// on the Go runtime's own Mutex.lockSlow spin-then-park split and on
// templexxx-u64/set.go's restart/pause loop around its own CAS lock,
// tuned down since a bucket spinlock is meant to be held for only a
// handful of instructions.
func spinBackoff(iter int) {
	if iter < 4 {
		for i := 0; i < 1<<uint(iter); i++ {
		}
		return
	}
	runtime.Gosched()
}

// lock is a hand-rolled CAS spinlock, not sync.Mutex: readers must
// never block on it (the default optimistic Find never calls it; only
// the WithReadLocked variant does), and a writer holds it for a
// bounded number of slot comparisons, so parking on the OS scheduler
// would cost more than it saves.
func (b *bucket[K, V]) lock() {
	for i := 0; ; i++ {
		old := atomic.LoadUint32(&b.state)
		if old&lockBit == 0 && atomic.CompareAndSwapUint32(&b.state, old, old|lockBit) {
			return
		}
		spinBackoff(i)
	}
}

func (b *bucket[K, V]) unlock() {
	clearBit(&b.state, lockBit)
}

// lockPair acquires both i1 and i2's bucket locks in ascending index
// order (the canonical lock ordering that rules out a classic
// lock-inversion deadlock between two insertions whose home pairs
// overlap in opposite order) and collapses to a single lock when
// i1 == i2.
func lockPair[K Uint, V Uint](arr *bucketArray[K, V], i1, i2 uint32) {
	lo, hi := i1, i2
	if lo > hi {
		lo, hi = hi, lo
	}
	arr.buckets[lo].lock()
	if hi != lo {
		arr.buckets[hi].lock()
	}
}

func unlockPair[K Uint, V Uint](arr *bucketArray[K, V], i1, i2 uint32) {
	lo, hi := i1, i2
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi != lo {
		arr.buckets[hi].unlock()
	}
	arr.buckets[lo].unlock()
}

// lockExcept locks bucket idx unless it is one of the two buckets the
// caller already holds (exceptA/exceptB), in which case it is a no-op.
// The path executor uses this to extend its held set one bucket at a
// time while never re-locking i1 or i2, which it must keep held across
// the whole relocation.
func lockExcept[K Uint, V Uint](arr *bucketArray[K, V], idx, exceptA, exceptB uint32) {
	if idx == exceptA || idx == exceptB {
		return
	}
	arr.buckets[idx].lock()
}

func unlockExcept[K Uint, V Uint](arr *bucketArray[K, V], idx, exceptA, exceptB uint32) {
	if idx == exceptA || idx == exceptB {
		return
	}
	arr.buckets[idx].unlock()
}

func lockPairExcept[K Uint, V Uint](arr *bucketArray[K, V], a, b, exceptA, exceptB uint32) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	lockExcept(arr, lo, exceptA, exceptB)
	if hi != lo {
		lockExcept(arr, hi, exceptA, exceptB)
	}
}

func unlockPairExcept[K Uint, V Uint](arr *bucketArray[K, V], a, b, exceptA, exceptB uint32) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi != lo {
		unlockExcept(arr, hi, exceptA, exceptB)
	}
	unlockExcept(arr, lo, exceptA, exceptB)
}
