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

// Package ramcache implements the per-stripe in-memory object cache
// (spec.md §3.7, §4.6): a shared-handle byte store keyed by fragment
// key, with LRU and CLFUS eviction policies interchangeable at init.
package ramcache

import "sync/atomic"

// IOBufferData is a reference-counted handle to a byte buffer, the
// unit the RAM cache stores and evicts. Multiple readers may hold a
// handle to the same buffer simultaneously (read-sharing); the
// backing bytes are only released once the last reference drops,
// mirroring the teacher's refcounted mmap handles in
// tenant/dcache.mapping.
type IOBufferData struct {
	bytes  []byte
	refs   int32
	mapped bool // true if bytes came from NewMappedIOBufferData
}

// NewIOBufferData wraps b with one initial reference.
func NewIOBufferData(b []byte) *IOBufferData {
	return &IOBufferData{bytes: b, refs: 1}
}

// Bytes returns the underlying buffer. Valid only while the caller
// holds a reference.
func (d *IOBufferData) Bytes() []byte { return d.bytes }

// Len returns the buffer's size in bytes.
func (d *IOBufferData) Len() int { return len(d.bytes) }

// Ref increments the reference count and returns d, for a second
// concurrent consumer of the same buffer.
func (d *IOBufferData) Ref() *IOBufferData {
	atomic.AddInt32(&d.refs, 1)
	return d
}

// Release drops one reference; once the count reaches zero the buffer
// is dropped for the GC to reclaim (there is no pooling at this
// layer — that is the RAM cache's job, not IOBufferData's).
func (d *IOBufferData) Release() {
	if atomic.AddInt32(&d.refs, -1) == 0 {
		if d.mapped {
			munmapBytes(d.bytes)
		}
		d.bytes = nil
	}
}
