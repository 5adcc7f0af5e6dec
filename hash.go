// Copyright (c) 2014-2015 Utkan Güngördü <utkan@freeconsole.org>
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

	"github.com/cespare/xxhash/v2"
)

// HashFunc is the injected hash primitive (spec §4.1): it maps a key's
// 64-bit representation to a 32-bit digest. The low bits of the digest
// select home1 directly; the high 8 bits feed the tag that derives
// home2 (see partner in bucket.go). A plain function value rather than
// an interface.
type HashFunc func(keyBits uint64) uint32

const (
	murmur3C1 uint32 = 0xcc9e2d51
	murmur3C2 uint32 = 0x1b873593
)

func murmur3Round(k, seed uint32) uint32 {
	k *= murmur3C1
	k = (k << 15) | (k >> (32 - 15))
	k *= murmur3C2

	h := seed
	h ^= k
	h = (h << 13) | (h >> (32 - 13))
	h = (h<<2 + h) + 0xe6546b64

	return h
}

// Murmur3_32 chains the source's single-word murmur3_32 mixer over
// both halves of a 64-bit key, the low word's digest seeding the high
// word's round.
func Murmur3_32(keyBits uint64) uint32 {
	h := murmur3Round(uint32(keyBits), 0)
	return murmur3Round(uint32(keyBits>>32), h)
}

const (
	xxPrime32_1 uint32 = 2654435761
	xxPrime32_2 uint32 = 2246822519
	xxPrime32_3 uint32 = 3266489917
	xxPrime32_4 uint32 = 668265263
	xxPrime32_5 uint32 = 374761393
)

func xxRound(k, seed uint32) uint32 {
	h := seed + xxPrime32_5
	h += k * xxPrime32_3
	h = ((h << 17) | (h >> (32 - 17))) * xxPrime32_4
	h ^= h >> 15
	h *= xxPrime32_2
	h ^= h >> 13
	h *= xxPrime32_3
	h ^= h >> 16

	return h
}

// XX32 is the default HashFunc, chaining the source's xx_32 mixer over
// both halves of the key the same way Murmur3_32 does.
func XX32(keyBits uint64) uint32 {
	h := xxRound(uint32(keyBits), 0)
	return xxRound(uint32(keyBits>>32), h)
}

const (
	memC0 uint32 = 2860486313
	memC1 uint32 = 3267000013
)

func mem32(k uint32) uint32 {
	h := k ^ memC0
	h ^= (k & 0xff) * memC1
	h ^= (k >> 8 & 0xff) * memC1
	h ^= (k >> 16 & 0xff) * memC1
	h ^= (k >> 24 & 0xff) * memC1
	return h
}

// Mem32 adapts the source's mem_32, which takes no seed to chain
// through the second word, so the two half-digests are combined with a
// golden-ratio multiply instead.
func Mem32(keyBits uint64) uint32 {
	lo := mem32(uint32(keyBits))
	hi := mem32(uint32(keyBits >> 32))
	return lo ^ (hi*0x9e3779b9 + 1)
}

// XXHash32 truncates github.com/cespare/xxhash/v2's 64-bit digest to
// the 32 bits the placement function consumes. Pulled in from the pack
// (templexxx-u64 and aristanetworks-goarista both vendor
// cespare/xxhash) as a better-mixed, SIMD-friendly alternative to the
// hand-rolled mixers above.
func XXHash32(keyBits uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], keyBits)
	return uint32(xxhash.Sum64(buf[:]))
}
