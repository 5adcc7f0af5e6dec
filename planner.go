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

// pathEntry is one hop of a planned cuckoo relocation path (spec
// §4.7–4.8): a bucket index and the slot within it. For every entry
// but the last, slot names the occupying key the planner expects to
// evict onward (key records the value observed there, for the path
// executor's re-validation under lock); the last entry's slot was
// observed empty.
type pathEntry[K Uint] struct {
	bucket uint32
	slot   int
	key    K
}

// bfsNode is one queued state in the planner's breadth-first search: a
// bucket reached by evicting parentSlot out of the bucket at
// parentIdx. Root nodes (the two homes) have parentIdx -1.
type bfsNode[K Uint] struct {
	bucket     uint32
	parentIdx  int
	parentSlot int
	evictedKey K
}

// planPath searches for a relocation path of depth <= maxDepth whose
// terminal bucket holds an empty slot (spec §4.7). It enqueues the two
// home buckets as roots and fans out over each dequeued bucket's B
// slots in a rotation starting at r, skipping U-turns back to a node's
// parent and duplicate fan-out targets within one bucket's expansion,
// until the kick budget is exhausted or a path is found.
//
// All reads here are unsynchronized snapshots of bucket contents: a
// race only wastes planning effort, since executePath re-validates
// every hop under lock before committing it (spec §4.8).
func planPath[K Uint, V Uint](arr *bucketArray[K, V], hash HashFunc, i1, i2 uint32, maxDepth, kickBudget int, r uint32) ([]pathEntry[K], bool) {
	nodes := make([]bfsNode[K], 0, kickBudget+2)
	depth := make([]int, 0, kickBudget+2)

	nodes = append(nodes, bfsNode[K]{bucket: i1, parentIdx: -1})
	depth = append(depth, 0)
	if i2 != i1 {
		nodes = append(nodes, bfsNode[K]{bucket: i2, parentIdx: -1})
		depth = append(depth, 0)
	}

	kicks := 0
	head := 0

	for head < len(nodes) {
		idx := head
		head++
		node := nodes[idx]
		d := depth[idx]
		if d >= maxDepth {
			continue
		}

		b := &arr.buckets[node.bucket]
		var seen [bucketSlots]uint32
		nseen := 0

		for off := 0; off < bucketSlots; off++ {
			if kicks >= kickBudget {
				return nil, false
			}

			j := int((r + uint32(off)) % bucketSlots)
			key := b.keys[j]
			if key == 0 {
				continue
			}

			h := hash(uint64(key))
			next := partner(h, node.bucket, arr.mask)
			if next == node.bucket {
				continue // degenerate tag: no partner to relocate to
			}
			if node.parentIdx != -1 && next == nodes[node.parentIdx].bucket {
				continue // U-turn
			}

			dup := false
			for i := 0; i < nseen; i++ {
				if seen[i] == next {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			seen[nseen] = next
			nseen++

			nb := &arr.buckets[next]
			if e, ok := nb.emptySlot(); ok {
				return reconstructPath(nodes, idx, j, key, next, e), true
			}

			kicks++
			nodes = append(nodes, bfsNode[K]{bucket: next, parentIdx: idx, parentSlot: j, evictedKey: key})
			depth = append(depth, d+1)
		}
	}

	return nil, false
}

// reconstructPath walks the parent chain from the node that found an
// empty slot (mIdx, via local slot j holding keyAtJ) back to its root,
// producing the path in root-to-terminal order.
func reconstructPath[K Uint](nodes []bfsNode[K], mIdx, j int, keyAtJ K, termBucket uint32, termSlot int) []pathEntry[K] {
	var chain []int
	for idx := mIdx; idx != -1; idx = nodes[idx].parentIdx {
		chain = append(chain, idx)
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}

	path := make([]pathEntry[K], 0, len(chain)+1)
	for i, idx := range chain {
		var slot int
		var key K
		if i+1 < len(chain) {
			child := nodes[chain[i+1]]
			slot = child.parentSlot
			key = child.evictedKey
		} else {
			slot = j
			key = keyAtJ
		}
		path = append(path, pathEntry[K]{bucket: nodes[idx].bucket, slot: slot, key: key})
	}
	path = append(path, pathEntry[K]{bucket: termBucket, slot: termSlot})
	return path
}
