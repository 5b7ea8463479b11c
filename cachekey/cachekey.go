// Copyright (C) 2024 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package cachekey implements the 128-bit content-addressable
// CryptoKey described in spec.md §3.1: a stable hash of a request URL
// (plus a small type discriminator) split into a routing word and a
// collision-tag word. The teacher already leans on siphash for
// content-addressed keys (vm/siphash_generic.go, tenant.go); this
// package reuses the same primitive for the cache's on-disk keys.
package cachekey

import (
	"encoding/binary"
	"fmt"

	"github.com/dchest/siphash"
)

// VolHashSlots is the size of the routing hash table CacheProcessor
// builds over stripes (spec.md §4.7): key.Lo modulo this constant
// picks a slot.
const VolHashSlots = 1024

// siphash keys. Fixed and unexported: CryptoKey only needs to be
// stable *within* one cache instance (it is never compared across
// independently-running caches), matching the on-disk format's
// "not portable across architectures" stance (spec.md §6).
const (
	sipK0 = 0x736e656c6c657221 // "sneller!" in ASCII, arbitrary stable constant
	sipK1 = 0x68747470636163a5
)

// Key is the 128-bit CryptoKey. Lo (u64[0]) routes the key to a
// stripe; Hi (u64[1]) and the remainder of Lo serve as collision tags
// in the on-disk directory (spec.md §3.1). Key is immutable.
type Key struct {
	Lo uint64
	Hi uint64
}

// Discriminator distinguishes key namespaces that would otherwise
// collide on the same URL bytes (e.g. a synthetic per-fragment key
// vs. the object's first-fragment key).
type Discriminator byte

const (
	DiscriminatorURL      Discriminator = 0
	DiscriminatorFragment Discriminator = 1
	DiscriminatorVary     Discriminator = 2
)

// New derives a CryptoKey from a request URL and a type discriminator.
func New(url string, d Discriminator) Key {
	buf := make([]byte, 0, len(url)+1)
	buf = append(buf, byte(d))
	buf = append(buf, url...)
	lo, hi := siphash.Hash128(sipK0, sipK1, buf)
	return Key{Lo: lo, Hi: hi}
}

// Fragment derives the key for the nth fragment (n > 0) of the object
// whose first-fragment key is first. Fragment(first, 0) intentionally
// is not provided: the first fragment's own key equals first (spec.md
// §3.2 "equal on single-fragment objects").
func Fragment(first Key, n int) Key {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], first.Lo)
	binary.LittleEndian.PutUint64(buf[8:16], first.Hi)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(n))
	lo, hi := siphash.Hash128(sipK0, sipK1, buf[:])
	return Key{Lo: lo, Hi: hi}
}

// Vary derives the per-alternate object key for a first-fragment key
// and a digest of the negotiated request headers (spec.md §3.6).
func Vary(first Key, requestHeadersDigest uint64) Key {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], first.Lo)
	binary.LittleEndian.PutUint64(buf[8:16], first.Hi)
	binary.LittleEndian.PutUint64(buf[16:24], requestHeadersDigest)
	lo, hi := siphash.Hash128(sipK0^1, sipK1, buf[:])
	return Key{Lo: lo, Hi: hi}
}

// StripeSlot returns the vol-hash-table slot this key routes to
// (spec.md §4.7).
func (k Key) StripeSlot() uint32 {
	return uint32(k.Lo % VolHashSlots)
}

// Tag returns the small collision-tag slice of the key used to probe
// a Dir bucket chain (spec.md §3.3). 16 bits is enough to keep false
// positives rare without inflating the Dir entry.
func (k Key) Tag() uint16 {
	return uint16(k.Hi)
}

// Equal reports whether k and other are the same CryptoKey.
func (k Key) Equal(other Key) bool {
	return k.Lo == other.Lo && k.Hi == other.Hi
}

// IsZero reports whether k is the zero key (never a valid derived
// key in practice, used as a sentinel for "no key").
func (k Key) IsZero() bool {
	return k.Lo == 0 && k.Hi == 0
}

func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Lo, k.Hi)
}
