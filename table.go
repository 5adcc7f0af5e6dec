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
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
)

// Table is a concurrent bucketized cuckoo hash table mapping unique K
// keys to V values (spec §2). Find is lock-free for readers; Insert
// and Delete take at most the two per-bucket spinlocks of a key's home
// buckets, plus whatever intermediate buckets a BFS relocation touches
// along the way.
//
// The zero value is not usable; construct with New or LoadFrom.
type Table[K Uint, V Uint] struct {
	arr      atomic.Pointer[bucketArray[K, V]]
	versions *versionStripes
	opts     options

	items int64 // atomic; live entry count (spec §4.11)

	expandMu       sync.Mutex // serializes Expand calls; does not block readers/writers
	expanding      atomic.Bool
	cleanedBuckets atomic.Uint32

	rngMu sync.Mutex
	rng   *fastrand
}

// New constructs a Table with 2^hashPowerLog initial buckets.
func New[K Uint, V Uint](hashPowerLog int, opt ...Option) (*Table[K, V], error) {
	if hashPowerLog < 1 || hashPowerLog > maxHashPower {
		return nil, fmt.Errorf("cuckoo: hashPowerLog must be in [1, %d], got %d", maxHashPower, hashPowerLog)
	}

	o := defaultOptions()
	for _, fn := range opt {
		fn(&o)
	}
	o.validate()

	t := &Table[K, V]{
		opts:     o,
		versions: newVersionStripes(o.counterStripesLog),
		rng:      newFastrand(),
	}
	t.arr.Store(newBucketArray[K, V](hashPowerLog))
	return t, nil
}

func newBucketArray[K Uint, V Uint](hashpower int) *bucketArray[K, V] {
	n := uint32(1) << uint(hashpower)
	return &bucketArray[K, V]{
		hashpower: uint32(hashpower),
		mask:      n - 1,
		buckets:   make([]bucket[K, V], n),
	}
}

// Close releases no resources of its own: a Table is plain Go memory,
// collected once the caller drops its last reference. Kept to mirror
// spec §6's destroy(handle) entry in the operation table.
func (t *Table[K, V]) Close() error {
	return nil
}

// Find looks up k (spec §4.5). It never blocks: it spins only while a
// targeted bucket is mid-write, snapshotting both home buckets'
// striped version counters around the scan and restarting on any
// counter change or observed dirty bucket. WithReadLocked swaps this
// for the documented simpler alternative that takes both buckets'
// (exclusive) spinlocks for the scan's duration.
func (t *Table[K, V]) Find(k K) (V, bool) {
	var zero V
	if k == 0 {
		return zero, false
	}
	h := t.opts.hash(uint64(k))

	for {
		arr := t.arr.Load()
		i1 := home1(h, arr.mask)
		i2 := partner(h, i1, arr.mask)

		if t.opts.readLocked {
			lockPair(arr, i1, i2)
			val, ok := arr.buckets[i1].find(k)
			if !ok {
				val, ok = arr.buckets[i2].find(k)
			}
			unlockPair(arr, i1, i2)
			return val, ok
		}

		b1 := &arr.buckets[i1]
		b2 := &arr.buckets[i2]

		for b1.isDirty() || b2.isDirty() {
			runtime.Gosched()
		}

		v1s, v2s := t.versions.read(i1), t.versions.read(i2)

		val, ok := b1.find(k)
		if !ok {
			val, ok = b2.find(k)
		}

		v1e, v2e := t.versions.read(i1), t.versions.read(i2)
		if v1s != v1e || v2s != v2e || b1.isDirty() || b2.isDirty() {
			continue
		}
		return val, ok
	}
}

// lockCurrent locks the two home buckets for digest h against whatever
// bucket array is current, retrying if Expand has swapped — or is in
// the middle of swapping — the array out from under it. The pointer
// re-check alone is not enough: Expand copies buckets one at a time
// before publishing the new array, so a writer could lock a bucket
// Expand has already duplicated while the table pointer still names
// the old array, mutate it, and have the mutation silently missing
// from the copy (the lost-update race spec §9 flags against an
// unprotected pointer swap, Open Question #2). Expand therefore marks
// each bucket moved, under that bucket's own lock, the moment it is
// copied; a writer that finds either home moved backs off until the
// swap lands and then re-resolves its homes against the new array.
func (t *Table[K, V]) lockCurrent(h uint32) (arr *bucketArray[K, V], i1, i2 uint32) {
	for i := 0; ; i++ {
		arr = t.arr.Load()
		i1 = home1(h, arr.mask)
		i2 = partner(h, i1, arr.mask)
		lockPair(arr, i1, i2)
		if t.arr.Load() == arr && !arr.buckets[i1].isMoved() && !arr.buckets[i2].isMoved() {
			return arr, i1, i2
		}
		unlockPair(arr, i1, i2)
		spinBackoff(i)
	}
}

// Insert adds k/v (spec §4.6): lock both homes, reject a duplicate,
// place directly if either home has an empty slot, otherwise hand off
// to the BFS planner and path executor for a cuckoo relocation.
func (t *Table[K, V]) Insert(k K, v V) error {
	if k == 0 {
		return ErrReservedKey
	}
	h := t.opts.hash(uint64(k))

	for {
		arr, i1, i2 := t.lockCurrent(h)

		b1 := &arr.buckets[i1]
		b2 := &arr.buckets[i2]

		if _, ok := b1.find(k); ok {
			unlockPair(arr, i1, i2)
			return ErrDuplicate
		}
		if _, ok := b2.find(k); ok {
			unlockPair(arr, i1, i2)
			return ErrDuplicate
		}

		placed := false
		if slot, ok := b1.emptySlot(); ok {
			b1.set(slot, k, v)
			t.versions.bump(i1)
			placed = true
		} else if slot, ok := b2.emptySlot(); ok {
			b2.set(slot, k, v)
			t.versions.bump(i2)
			placed = true
		} else if t.expanding.Load() {
			// While expanding, a stale duplicate left by Expand's
			// copy-into-both-halves counts as empty (spec §4.10): its
			// key's live copy sits at the key's true home, so it may
			// be overwritten without loss.
			if slot, ok := t.staleSlot(arr, i1); ok {
				b1.set(slot, k, v)
				t.versions.bump(i1)
				placed = true
			} else if slot, ok := t.staleSlot(arr, i2); ok {
				b2.set(slot, k, v)
				t.versions.bump(i2)
				placed = true
			}
		}

		var relocErr error
		if !placed {
			placed, relocErr = t.tryRelocate(arr, i1, i2, k, v)
		}

		unlockPair(arr, i1, i2)

		if relocErr != nil {
			// An expansion retired the array mid-relocation. It may
			// have been blocked on the home locks just released; wait
			// for the swap to land, then start over against the new
			// array.
			for t.arr.Load() == arr {
				runtime.Gosched()
			}
			continue
		}
		if !placed {
			return ErrTableFull
		}

		atomic.AddInt64(&t.items, 1)
		t.maybeCleanup()
		return nil
	}
}

// staleSlot finds a slot in bucket idx holding a stale duplicate: a
// key for which idx is neither home under the current mask. Such slots
// exist only between Expand's copy and the incremental cleaner's sweep
// of that bucket. Caller must hold the bucket's lock.
func (t *Table[K, V]) staleSlot(arr *bucketArray[K, V], idx uint32) (int, bool) {
	b := &arr.buckets[idx]
	for i := 0; i < bucketSlots; i++ {
		k := b.keys[i]
		if k == 0 {
			continue
		}
		h := t.opts.hash(uint64(k))
		h1 := home1(h, arr.mask)
		if idx == h1 || idx == partner(h, h1, arr.mask) {
			continue
		}
		return i, true
	}
	return 0, false
}

// tryRelocate runs the BFS planner and path executor up to
// maxRelocateRetries times (spec §4.6 step 5): a path invalidated by a
// concurrent writer is a reason to re-plan, not to give up
// immediately. A non-nil error means the array was retired by an
// in-flight Expand and the whole insert must restart.
func (t *Table[K, V]) tryRelocate(arr *bucketArray[K, V], i1, i2 uint32, k K, v V) (bool, error) {
	for try := 0; try < t.opts.maxRelocateRetries; try++ {
		r := t.nextRotation()
		path, ok := planPath[K, V](arr, t.opts.hash, i1, i2, t.opts.maxBFSDepth, t.opts.kickBudget, r)
		if !ok {
			return false, nil
		}

		headBucket, headSlot, err := executePath[K, V](arr, t.versions, path, i1, i2)
		if err == errArrayRetired {
			return false, err
		}
		if err != nil {
			continue
		}

		hb := &arr.buckets[headBucket]
		hb.set(headSlot, k, v)
		t.versions.bump(headBucket)
		return true, nil
	}
	return false, nil
}

// nextRotation draws the BFS planner's per-expansion slot rotation
// offset (spec §4.7): one cheap RNG draw, reused for the whole planning
// pass so an adversarial workload can't always kick the same slot.
func (t *Table[K, V]) nextRotation() uint32 {
	t.rngMu.Lock()
	r := t.rng.next()
	t.rngMu.Unlock()
	return r
}

// Delete removes k (spec §4.9): lock both homes, clear every copy
// found. In the steady state uniqueness guarantees at most one copy;
// during expansion the key's stale duplicate may sit at the other
// home, and leaving it there would resurrect the key.
func (t *Table[K, V]) Delete(k K) error {
	if k == 0 {
		return ErrReservedKey
	}
	h := t.opts.hash(uint64(k))

	arr, i1, i2 := t.lockCurrent(h)

	r1 := arr.buckets[i1].remove(k)
	if r1 {
		t.versions.bump(i1)
	}
	r2 := i2 != i1 && arr.buckets[i2].remove(k)
	if r2 {
		t.versions.bump(i2)
	}

	unlockPair(arr, i1, i2)

	if !r1 && !r2 {
		return ErrNotFound
	}
	atomic.AddInt64(&t.items, -1)
	t.maybeCleanup()
	return nil
}

// Expand doubles capacity in place (spec §4.10). It takes only the
// table-wide expansion mutex, serializing against other Expand calls;
// ordinary reads are never blocked, and a writer waits only when a home
// bucket it locked has already been copied, backing off in lockCurrent
// until the new array is published. Each old bucket's
// content is duplicated into both halves of the new array under that
// bucket's own spinlock, so a concurrent writer holding it simply
// delays that one bucket's copy rather than racing it. The new array
// is published with a single atomic pointer store; subsequent cleanup
// lazily clears whichever copy of each key is no longer a true home
// under the doubled mask (see maybeCleanup).
func (t *Table[K, V]) Expand() error {
	t.expandMu.Lock()
	defer t.expandMu.Unlock()

	if t.expanding.Load() {
		return ErrUnderExpansion
	}

	old := t.arr.Load()
	if old.hashpower+1 > maxHashPower {
		return fmt.Errorf("cuckoo: cannot expand past 2^%d buckets", maxHashPower)
	}

	oldN := uint32(len(old.buckets))
	newN := oldN * 2
	nb := make([]bucket[K, V], newN)

	for i := uint32(0); i < oldN; i++ {
		b := &old.buckets[i]
		b.lock()
		nb[i].keys = b.keys
		nb[i].vals = b.vals
		nb[i+oldN].keys = b.keys
		nb[i+oldN].vals = b.vals
		b.markMoved()
		b.unlock()
	}

	newArr := &bucketArray[K, V]{
		hashpower: old.hashpower + 1,
		mask:      newN - 1,
		buckets:   nb,
	}

	t.cleanedBuckets.Store(0)
	t.expanding.Store(true)
	t.arr.Store(newArr)

	return nil
}

// maybeCleanup sweeps up to cleanupQuantum buckets of the incremental
// migration (spec §4.10's "lazy migration") while expanding is set.
// It runs only after the triggering write has released its home locks
// and takes the expansion mutex for the sweep's duration — a
// TryLock, so writes never queue behind one another here; whoever
// loses the race simply skips its turn. Holding expandMu also keeps a
// sweep from straddling a subsequent Expand's array swap, which could
// otherwise carry a stale slot into the next generation.
//
// A cleared stale slot never touches the item count: it is a
// duplicate of a live slot at the key's true home, not a live entry
// of its own.
func (t *Table[K, V]) maybeCleanup() {
	if !t.expanding.Load() {
		return
	}
	if !t.expandMu.TryLock() {
		return
	}
	defer t.expandMu.Unlock()

	if !t.expanding.Load() {
		return
	}

	arr := t.arr.Load()
	n := uint32(len(arr.buckets))
	start := t.cleanedBuckets.Load()
	end := start + uint32(t.opts.cleanupQuantum)
	if end > n {
		end = n
	}

	for i := start; i < end; i++ {
		t.cleanBucket(arr, i)
	}

	t.cleanedBuckets.Store(end)
	if end >= n {
		t.expanding.Store(false)
	}
}

// cleanBucket clears every stale slot of bucket idx: occupied slots
// whose bucket is neither of the key's two current homes, left over
// from Expand's duplicate-into-both-halves step. The surviving copy at
// the key's true home is untouched.
//
// One corner needs more than the neither-home test: a key whose tag
// satisfies tag*C ≡ 0 (mod 2^(p-1)) had both pre-expansion homes
// collapse to one bucket, so after doubling, its two copies sit
// exactly at its two new homes. Keeping both would leave a permanent
// duplicate, so the copy at home2 yields when an identical copy exists
// at home1. Reading home1 without its lock is safe for this check:
// clearing or moving that copy of k requires k's other home lock,
// which is idx, held here.
func (t *Table[K, V]) cleanBucket(arr *bucketArray[K, V], idx uint32) {
	b := &arr.buckets[idx]
	b.lock()
	defer b.unlock()

	dirtied := false
	for i := 0; i < bucketSlots; i++ {
		k := b.keys[i]
		if k == 0 {
			continue
		}

		h := t.opts.hash(uint64(k))
		home1idx := home1(h, arr.mask)
		home2idx := partner(h, home1idx, arr.mask)
		if idx == home1idx {
			continue
		}
		if idx == home2idx {
			if _, dup := arr.buckets[home1idx].find(k); !dup {
				continue
			}
		}

		if !dirtied {
			b.markDirty()
			dirtied = true
		}
		var zero K
		b.keys[i] = zero
	}

	if dirtied {
		b.clearDirty()
		t.versions.bump(idx)
	}
}

// LoadFactor returns the ratio of live entries to total slot capacity
// (spec §4.11).
func (t *Table[K, V]) LoadFactor() float64 {
	arr := t.arr.Load()
	return float64(atomic.LoadInt64(&t.items)) / float64(len(arr.buckets)*bucketSlots)
}

// Len returns the number of live entries.
func (t *Table[K, V]) Len() int {
	return int(atomic.LoadInt64(&t.items))
}

// Report writes human-readable table statistics to w (spec §6); w is
// an external sink the caller supplies, the same way the source's own
// report() left formatting and destination to its caller.
func (t *Table[K, V]) Report(w io.Writer) error {
	arr := t.arr.Load()
	_, err := fmt.Fprintf(w, "cuckoo: hashpower=%d buckets=%d slots=%d items=%d load_factor=%.4f expanding=%v\n",
		arr.hashpower, len(arr.buckets), len(arr.buckets)*bucketSlots, t.Len(), t.LoadFactor(), t.expanding.Load())
	return err
}

const dumpHeaderSize = 16

// Dump writes the table's optional persistence format (spec §6): a
// small header (hashpower, item count) via encoding/binary, then the
// raw bucket contents. Little-endian, host-dependent, no portability
// claim, exactly as specified — every key and value is widened to 8
// bytes on the wire regardless of K/V's actual width, which keeps the
// format independent of the generic instantiation reading it back.
func (t *Table[K, V]) Dump(w io.Writer) error {
	arr := t.arr.Load()

	var header [dumpHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(arr.hashpower))
	binary.LittleEndian.PutUint64(header[8:16], uint64(t.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("cuckoo: dump header: %w", err)
	}

	buf := make([]byte, 0, 4096)
	for i := range arr.buckets {
		b := &arr.buckets[i]
		for j := 0; j < bucketSlots; j++ {
			buf = appendUint64(buf, uint64(b.keys[j]))
		}
		for j := 0; j < bucketSlots; j++ {
			buf = appendUint64(buf, uint64(b.vals[j]))
		}
		if len(buf) >= 4096 {
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("cuckoo: dump buckets: %w", err)
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("cuckoo: dump buckets: %w", err)
		}
	}
	return nil
}

// LoadFrom reads back the format Dump wrote, reconstructing a Table
// from raw bucket bytes (spec §6's init_from).
func LoadFrom[K Uint, V Uint](r io.Reader, opt ...Option) (*Table[K, V], error) {
	var header [dumpHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("cuckoo: read header: %w", err)
	}
	hashpower := binary.LittleEndian.Uint64(header[0:8])
	if hashpower < 1 || hashpower > maxHashPower {
		return nil, fmt.Errorf("cuckoo: header hashpower %d out of range [1, %d]", hashpower, maxHashPower)
	}

	o := defaultOptions()
	for _, fn := range opt {
		fn(&o)
	}
	o.validate()

	n := uint64(1) << hashpower
	buckets := make([]bucket[K, V], n)

	var items int64
	for i := range buckets {
		for j := 0; j < bucketSlots; j++ {
			v, err := readUint64(r)
			if err != nil {
				return nil, fmt.Errorf("cuckoo: read key: %w", err)
			}
			buckets[i].keys[j] = K(v)
			if v != 0 {
				items++
			}
		}
		for j := 0; j < bucketSlots; j++ {
			v, err := readUint64(r)
			if err != nil {
				return nil, fmt.Errorf("cuckoo: read value: %w", err)
			}
			buckets[i].vals[j] = V(v)
		}
	}

	t := &Table[K, V]{
		opts:     o,
		versions: newVersionStripes(o.counterStripesLog),
		rng:      newFastrand(),
		items:    items,
	}
	t.arr.Store(&bucketArray[K, V]{
		hashpower: uint32(hashpower),
		mask:      uint32(n - 1),
		buckets:   buckets,
	})
	return t, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}
