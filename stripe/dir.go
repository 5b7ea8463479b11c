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

package stripe

import (
	"errors"

	"github.com/SnellerInc/cachedb/cachekey"
)

// dirEntry is the fixed, small record describing one live fragment
// (spec.md §3.3). Entries live in a flat slice; buckets and free
// entries are singly-linked through Next using 1-based indices (0
// means "no entry") so the zero value of dirEntry is an empty slot.
type dirEntry struct {
	Key        cachekey.Key
	Offset     int64
	ApproxSize uint32
	Tag        uint16
	Phase      bool
	Next       int32 // 1-based index into Dir.entries, 0 = end of chain
}

// ErrDirFull is returned by Dir.Insert when the bucket's chain cannot
// accept another entry (spec.md §7 "Directory bucket exhaustion").
var ErrDirFull = errors.New("stripe: directory bucket exhausted")

// Dir is the per-stripe in-memory hash index from fragment key to
// on-disk offset (spec.md §3.3). It is sized at construction and does
// not grow: entry storage is a flat preallocated slice, and bucket
// chains hold however many live fragments hash into them.
type Dir struct {
	buckets []int32 // 1-based index of chain head, 0 = empty
	entries []dirEntry
	free    int32 // 1-based index of first free entry, 0 = none
	live    int
}

// NewDir returns a Dir with nBuckets buckets and capacity for maxEntries
// live fragments.
func NewDir(nBuckets, maxEntries int) *Dir {
	d := &Dir{
		buckets: make([]int32, nBuckets),
		entries: make([]dirEntry, maxEntries+1), // index 0 unused (sentinel)
	}
	for i := maxEntries; i >= 1; i-- {
		d.entries[i].Next = d.free
		d.free = int32(i)
	}
	return d
}

func (d *Dir) bucketIndex(k cachekey.Key) int {
	return int(k.Lo % uint64(len(d.buckets)))
}

// Lookup walks the bucket chain for k's tag, validating phase, and
// returns the live entry if found.
func (d *Dir) Lookup(k cachekey.Key, phase bool) (dirEntry, bool) {
	tag := k.Tag()
	b := d.bucketIndex(k)
	for i := d.buckets[b]; i != 0; i = d.entries[i].Next {
		e := &d.entries[i]
		if e.Tag == tag && e.Key.Equal(k) {
			if e.Phase != phase {
				return dirEntry{}, false
			}
			return *e, true
		}
	}
	return dirEntry{}, false
}

// Insert adds a new live entry for k. It returns ErrDirFull if no
// entry storage remains (spec.md §7: "Directory bucket exhaustion" ->
// attempt eviction within the bucket — callers may call Remove on a
// stale chain member first and retry).
func (d *Dir) Insert(k cachekey.Key, offset int64, approxSize uint32, phase bool) error {
	// replacing an existing entry for the same key keeps slot count stable
	d.removeLocked(k)
	if d.free == 0 {
		return ErrDirFull
	}
	idx := d.free
	e := &d.entries[idx]
	d.free = e.Next

	b := d.bucketIndex(k)
	e.Key = k
	e.Offset = offset
	e.ApproxSize = approxSize
	e.Tag = k.Tag()
	e.Phase = phase
	e.Next = d.buckets[b]
	d.buckets[b] = idx
	d.live++
	return nil
}

// Remove deletes k's entry, if present, unlinking it from its bucket
// chain and returning it to the free list. Reports whether an entry
// was removed.
func (d *Dir) Remove(k cachekey.Key) bool {
	return d.removeLocked(k)
}

func (d *Dir) removeLocked(k cachekey.Key) bool {
	tag := k.Tag()
	b := d.bucketIndex(k)
	prev := int32(0)
	for i := d.buckets[b]; i != 0; i = d.entries[i].Next {
		e := &d.entries[i]
		if e.Tag == tag && e.Key.Equal(k) {
			if prev == 0 {
				d.buckets[b] = e.Next
			} else {
				d.entries[prev].Next = e.Next
			}
			*e = dirEntry{Next: d.free}
			d.free = i
			d.live--
			return true
		}
		prev = i
	}
	return false
}

// InvalidateRange is called when the write cursor is about to
// overwrite [offset, offset+n): any live entry whose Offset falls in
// that range, and whose Phase no longer matches the current phase,
// is stale and is dropped (spec.md §3.3, "a reader detect that an
// offset has since been overwritten").
func (d *Dir) InvalidateRange(start, end int64, currentPhase bool) []cachekey.Key {
	var dropped []cachekey.Key
	for b := range d.buckets {
		prev := int32(0)
		i := d.buckets[b]
		for i != 0 {
			e := &d.entries[i]
			next := e.Next
			if e.Offset >= start && e.Offset < end && e.Phase != currentPhase {
				if prev == 0 {
					d.buckets[b] = next
				} else {
					d.entries[prev].Next = next
				}
				dropped = append(dropped, e.Key)
				*e = dirEntry{Next: d.free}
				d.free = i
				d.live--
				i = next
				continue
			}
			prev = i
			i = next
		}
	}
	return dropped
}

// TakeRange removes and returns every live entry whose offset falls in
// [start, end), regardless of phase. The write cursor is about to
// overwrite that byte range; the caller (Stripe's evacuator) is
// responsible for re-writing any returned entry elsewhere before its
// bytes are lost (spec.md §4.4 "Evacuator path").
func (d *Dir) TakeRange(start, end int64) []dirEntry {
	var taken []dirEntry
	for b := range d.buckets {
		prev := int32(0)
		i := d.buckets[b]
		for i != 0 {
			e := &d.entries[i]
			next := e.Next
			if e.Offset >= start && e.Offset < end {
				if prev == 0 {
					d.buckets[b] = next
				} else {
					d.entries[prev].Next = next
				}
				taken = append(taken, *e)
				*e = dirEntry{Next: d.free}
				d.free = i
				d.live--
				i = next
				continue
			}
			prev = i
			i = next
		}
	}
	return taken
}

// Live returns the number of live entries currently stored.
func (d *Dir) Live() int { return d.live }

// Cap returns the entry-storage capacity (maxEntries passed to NewDir).
func (d *Dir) Cap() int { return len(d.entries) - 1 }
