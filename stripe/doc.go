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

// Package stripe implements one logical disk region of the cache: its
// write cursor and aggregation buffer, its hash-partitioned directory,
// and the Doc on-disk record format the two of them cooperate on.
package stripe

import (
	"encoding/binary"
	"errors"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/SnellerInc/cachedb/ints"
	"golang.org/x/crypto/blake2b"
)

// docMagic marks the start of a live Doc record. Its absence at an
// expected offset means the entry is not (or no longer) live.
const docMagic = 0x53434144 // "DACS" read little-endian

// SectorSize is the on-disk rounding unit for Doc.Len. 512 matches the
// typical block device sector and the wire-format note in spec.md §6.
const SectorSize = 512

// docHeaderSize is the fixed, packed size of everything in a Doc
// before its header/body payload: magic, len, totalLen, hlen, flags,
// two cachekey.Keys (16 bytes each), writeSerial, syncSerial, checksum.
const docHeaderSize = 4 + 4 + 4 + 4 + 4 + 16 + 16 + 8 + 8 + 8

// flagStrongChecksum marks a Doc's Checksum field as a folded
// blake2b-256 digest rather than the weak additive sum (spec.md §9,
// "Open Questions": cache.enable_checksum=strong).
const flagStrongChecksum = 1 << 0

// Doc is the on-disk record for a single fragment (spec.md §3.2).
type Doc struct {
	Len         uint32 // total record length, sector-rounded
	TotalLen    uint32 // body length for this fragment
	HLen        uint32 // optional header payload length; nonzero only on first fragment
	Flags       uint32
	FirstKey    cachekey.Key
	Key         cachekey.Key
	WriteSerial uint64
	SyncSerial  uint64
	Checksum    uint64
	Header      []byte // length HLen
	Body        []byte // length TotalLen
}

var (
	ErrBadMagic     = errors.New("stripe: doc magic mismatch")
	ErrBadPhase     = errors.New("stripe: doc phase mismatch")
	ErrBadChecksum  = errors.New("stripe: doc checksum mismatch")
	ErrTruncatedDoc = errors.New("stripe: truncated doc record")
)

// single-fragment objects carry first_key == key (spec.md §3.2).
func (d *Doc) SingleFragment() bool { return d.FirstKey.Equal(d.Key) }

// additiveChecksum is the weak, unweighted byte-sum checksum the
// original cache uses by default (spec.md §9 flags it as weak but
// kept for wire compatibility).
func additiveChecksum(header, body []byte) uint64 {
	var sum uint64
	for _, b := range header {
		sum += uint64(b)
	}
	for _, b := range body {
		sum += uint64(b)
	}
	return sum
}

// strongChecksum folds a blake2b-256 digest of header||body down to
// 64 bits, for cache.enable_checksum=strong (spec.md §9). Folding
// rather than widening Doc.Checksum keeps the on-disk record format
// identical between the weak and strong modes.
func strongChecksum(header, body []byte) uint64 {
	h, _ := blake2b.New256(nil) // nil key, fixed 256-bit output: never errors
	h.Write(header)
	h.Write(body)
	sum := h.Sum(nil)
	lo := binary.LittleEndian.Uint64(sum[0:8])
	hi := binary.LittleEndian.Uint64(sum[8:16])
	return lo ^ hi
}

func checksumFor(flags uint32, header, body []byte) uint64 {
	if flags&flagStrongChecksum != 0 {
		return strongChecksum(header, body)
	}
	return additiveChecksum(header, body)
}

// EncodedLen returns the sector-rounded total record length for a Doc
// carrying the given header and body sizes.
func EncodedLen(hlen, blen int) uint32 {
	raw := uint64(docHeaderSize + hlen + blen)
	return uint32(ints.AlignUp64(raw, SectorSize))
}

// Encode writes d into buf, which must be at least d.Len bytes, and
// returns the number of bytes actually used (always d.Len, the rest
// is the sector-rounding pad left zeroed).
func (d *Doc) Encode(buf []byte) int {
	if uint32(len(buf)) < d.Len {
		panic("stripe: buffer too small for Doc.Encode")
	}
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], docMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Len)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.TotalLen)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.HLen)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Flags)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], d.FirstKey.Lo)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.FirstKey.Hi)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.Key.Lo)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.Key.Hi)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.WriteSerial)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.SyncSerial)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.Checksum)
	off += 8
	off += copy(buf[off:], d.Header)
	off += copy(buf[off:], d.Body)
	for i := off; i < int(d.Len); i++ {
		buf[i] = 0
	}
	return int(d.Len)
}

// DecodeHeader parses just the fixed Doc header from buf (at least
// docHeaderSize bytes), without slicing out the payload. Callers that
// already know total_len/hlen from a Dir entry use this to validate
// magic/keys before deciding how much more to read.
func DecodeHeader(buf []byte) (*Doc, error) {
	if len(buf) < docHeaderSize {
		return nil, ErrTruncatedDoc
	}
	off := 0
	magic := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if magic != docMagic {
		return nil, ErrBadMagic
	}
	d := &Doc{}
	d.Len = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.TotalLen = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.HLen = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.FirstKey.Lo = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.FirstKey.Hi = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.Key.Lo = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.Key.Hi = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.WriteSerial = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.SyncSerial = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.Checksum = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	return d, nil
}

// DecodeBody fills in d.Header and d.Body from buf, which must contain
// the full record (docHeaderSize+HLen+TotalLen bytes at minimum). It
// does not re-validate magic; call DecodeHeader first.
func (d *Doc) DecodeBody(buf []byte, verifyChecksum bool) error {
	need := docHeaderSize + int(d.HLen) + int(d.TotalLen)
	if len(buf) < need {
		return ErrTruncatedDoc
	}
	d.Header = append([]byte(nil), buf[docHeaderSize:docHeaderSize+int(d.HLen)]...)
	d.Body = append([]byte(nil), buf[docHeaderSize+int(d.HLen):need]...)
	if verifyChecksum && d.Checksum != 0 {
		if checksumFor(d.Flags, d.Header, d.Body) != d.Checksum {
			return ErrBadChecksum
		}
	}
	return nil
}
