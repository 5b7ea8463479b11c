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
	"encoding/binary"

	"github.com/google/uuid"
)

// diskHeaderSize is the fixed size of a DiskHeader record (56 bytes,
// not rounded to a sector): 16 bytes of volume UUID plus five little-endian uint64
// cursor fields.
const diskHeaderSize = 16 + 8*5

// DiskHeader is the persistent footer a Stripe is created from or
// initialized blank with (spec.md §3.4 "created at process start from
// persistent disk headers"). VolumeID lets a CacheProcessor tell
// stripes apart across a process restart even when their start/len
// on disk has shifted (a disk added or removed from the volume set),
// the same role a tenant id plays for the teacher's per-tenant disk
// segments.
type DiskHeader struct {
	VolumeID    uuid.UUID
	WritePos    int64
	Phase       bool
	AggPos      int64
	WriteSerial uint64
	SyncSerial  uint64
}

// NewDiskHeader returns a blank header for a freshly-initialized
// volume, stamped with a new random volume id.
func NewDiskHeader(start int64) DiskHeader {
	return DiskHeader{VolumeID: uuid.New(), WritePos: start, AggPos: start}
}

// Encode serializes h into buf, which must be at least
// diskHeaderSize bytes.
func (h *DiskHeader) Encode(buf []byte) {
	copy(buf[0:16], h.VolumeID[:])
	off := 16
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.WritePos))
	off += 8
	phase := uint64(0)
	if h.Phase {
		phase = 1
	}
	binary.LittleEndian.PutUint64(buf[off:], phase)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.AggPos))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.WriteSerial)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.SyncSerial)
}

// DecodeDiskHeader parses a DiskHeader from buf (at least
// diskHeaderSize bytes).
func DecodeDiskHeader(buf []byte) (DiskHeader, error) {
	var h DiskHeader
	if len(buf) < diskHeaderSize {
		return h, ErrTruncatedDoc
	}
	copy(h.VolumeID[:], buf[0:16])
	off := 16
	h.WritePos = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.Phase = binary.LittleEndian.Uint64(buf[off:]) != 0
	off += 8
	h.AggPos = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.WriteSerial = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.SyncSerial = binary.LittleEndian.Uint64(buf[off:])
	return h, nil
}

// Header snapshots the Stripe's current cursor state into a
// DiskHeader suitable for periodic persistence (spec.md §4.4 "Sync":
// "After a sync completes, the persistent header can safely be
// rewritten").
func (s *Stripe) Header() DiskHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DiskHeader{
		VolumeID:    s.volumeID,
		WritePos:    s.writePos,
		Phase:       s.phase,
		AggPos:      s.aggPos,
		WriteSerial: s.writeSerial,
		SyncSerial:  s.syncSerial,
	}
}

// VolumeID returns the stripe's stable volume identifier.
func (s *Stripe) VolumeID() uuid.UUID { return s.volumeID }
