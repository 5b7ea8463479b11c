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

// Package cachevc implements the Cache VC layer (spec.md §3.5): the
// per-operation state machine that sits between a CacheProcessor
// caller and a Stripe, plus the alternate vector (spec.md §3.6) that
// lets one URL key resolve to several negotiated variants.
package cachevc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/klauspost/compress/zstd"
)

// Alternate is one stored variant of an object (spec.md §3.6): the
// digest of the request headers that selected it, its response
// headers blob, the object key its body fragments are stored under,
// and the byte offsets of those fragments within the stripe that
// holds them.
type Alternate struct {
	RequestHeadersDigest uint64
	ResponseHeaders      []byte
	ObjectKey            cachekey.Key
	FragOffsets          []int64
}

// Vector is the insertion-ordered sequence of Alternates for one URL
// key, persisted as the header payload of the object's first-fragment
// Doc (spec.md §3.6).
type Vector struct {
	Alternates []Alternate
}

// Select returns the best alternate for a negotiated request, keyed
// by the same request-headers digest used when the alternate was
// added. The original cache's richer Vary-aware matching collapses,
// for this core, to an exact digest match: whatever computed the
// digest (a higher layer, out of scope here) is responsible for
// folding Vary semantics into it.
func (v *Vector) Select(requestHeadersDigest uint64) (*Alternate, bool) {
	for i := range v.Alternates {
		if v.Alternates[i].RequestHeadersDigest == requestHeadersDigest {
			return &v.Alternates[i], true
		}
	}
	return nil, false
}

// Add appends a new alternate, replacing any existing alternate with
// the same request-headers digest (a re-negotiation landing the same
// variant key it did previously).
func (v *Vector) Add(alt Alternate) {
	for i := range v.Alternates {
		if v.Alternates[i].RequestHeadersDigest == alt.RequestHeadersDigest {
			v.Alternates[i] = alt
			return
		}
	}
	v.Alternates = append(v.Alternates, alt)
}

// UpdateHeader replaces the ResponseHeaders blob of the alternate
// identified by objectKey in place, leaving FragOffsets (and every
// other alternate) untouched. Used by VCOpUpdate when a revalidation
// only changes response headers (e.g. a 304) without rewriting the
// body (original_source test_Update_header.cc).
func (v *Vector) UpdateHeader(objectKey cachekey.Key, headers []byte) bool {
	for i := range v.Alternates {
		if v.Alternates[i].ObjectKey.Equal(objectKey) {
			v.Alternates[i].ResponseHeaders = headers
			return true
		}
	}
	return false
}

// Remove deletes exactly the alternate identified by objectKey,
// leaving sibling alternates under the same first key intact
// (original_source test_Alternate_L_to_S_remove_S.cc, spec.md §3.6
// "remove (for the test case in which an alternate is deleted and a
// reader re-probes)").
func (v *Vector) Remove(objectKey cachekey.Key) bool {
	for i := range v.Alternates {
		if v.Alternates[i].ObjectKey.Equal(objectKey) {
			v.Alternates = append(v.Alternates[:i], v.Alternates[i+1:]...)
			return true
		}
	}
	return false
}

// wire format for one Alternate: digest(8) | objectKey(16) | nFrags(4)
// | frag offsets(8 each) | headerLen(4) | headers.
func (a *Alternate) encodedLen() int {
	return 8 + 16 + 4 + 8*len(a.FragOffsets) + 4 + len(a.ResponseHeaders)
}

func (a *Alternate) encode(buf []byte) int {
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], a.RequestHeadersDigest)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], a.ObjectKey.Lo)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], a.ObjectKey.Hi)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.FragOffsets)))
	off += 4
	for _, o := range a.FragOffsets {
		binary.LittleEndian.PutUint64(buf[off:], uint64(o))
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.ResponseHeaders)))
	off += 4
	off += copy(buf[off:], a.ResponseHeaders)
	return off
}

func decodeAlternate(buf []byte) (Alternate, int, error) {
	var a Alternate
	if len(buf) < 8+16+4 {
		return a, 0, errTruncatedVector
	}
	off := 0
	a.RequestHeadersDigest = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	a.ObjectKey.Lo = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	a.ObjectKey.Hi = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	nFrags := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+8*nFrags+4 {
		return a, 0, errTruncatedVector
	}
	if nFrags > 0 {
		a.FragOffsets = make([]int64, nFrags)
		for i := 0; i < nFrags; i++ {
			a.FragOffsets[i] = int64(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
		}
	}
	hlen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+hlen {
		return a, 0, errTruncatedVector
	}
	a.ResponseHeaders = append([]byte(nil), buf[off:off+hlen]...)
	off += hlen
	return a, off, nil
}

var errTruncatedVector = errors.New("cachevc: truncated alternate vector payload")

// vectorMagic distinguishes an encoded Vector from an opaque header
// payload that predates this format (never produced by this package,
// but DecodeVector should fail clearly rather than panic on garbage).
const vectorMagic = 0x56434c54 // "VCLT"

// compressionThreshold is the minimum uncompressed payload size worth
// spending a zstd round trip on; small vectors (the common case of a
// single alternate with a handful of response headers) are stored
// raw, mirroring compr.Compression being an optional, size-gated
// choice rather than unconditional.
const compressionThreshold = 256

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdEncoder = e
	d, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	zstdDecoder = d
}

// flagCompressed marks the payload following the Vector header as
// zstd-compressed (SPEC_FULL.md domain-stack wiring: optional
// on-disk compression of the alternate-vector header payload via
// github.com/klauspost/compress, mirroring compr.Compression being
// pluggable per-blob in the teacher's db package).
const flagCompressed = 1 << 0

// EncodeVector serializes v into the byte slice that becomes the
// first-fragment Doc's Header field. Payloads at or above
// compressionThreshold are zstd-compressed and the compressed form is
// kept only when it is smaller than the raw one; smaller payloads are
// stored raw, since the compression framing overhead would otherwise
// cost more than it saves.
func EncodeVector(v *Vector) []byte {
	raw := encodeVectorRaw(v)

	flags := byte(0)
	payload := raw
	if len(raw) >= compressionThreshold {
		compressed := zstdEncoder.EncodeAll(raw, nil)
		if len(compressed) < len(raw) {
			flags |= flagCompressed
			payload = compressed
		}
	}

	out := make([]byte, 4+1+4+len(payload))
	binary.LittleEndian.PutUint32(out[0:], vectorMagic)
	out[4] = flags
	binary.LittleEndian.PutUint32(out[5:], uint32(len(raw)))
	copy(out[9:], payload)
	return out
}

func encodeVectorRaw(v *Vector) []byte {
	size := 4 // alternate count
	for i := range v.Alternates {
		size += v.Alternates[i].encodedLen()
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(v.Alternates)))
	off := 4
	for i := range v.Alternates {
		off += v.Alternates[i].encode(buf[off:])
	}
	return buf
}

// DecodeVector parses a Vector from a first-fragment Doc's header
// payload, transparently undoing any zstd compression EncodeVector
// applied.
func DecodeVector(buf []byte) (*Vector, error) {
	if len(buf) < 9 {
		return nil, errTruncatedVector
	}
	magic := binary.LittleEndian.Uint32(buf[0:])
	if magic != vectorMagic {
		return nil, fmt.Errorf("cachevc: bad alternate vector magic %x", magic)
	}
	flags := buf[4]
	rawLen := int(binary.LittleEndian.Uint32(buf[5:]))
	payload := buf[9:]

	var raw []byte
	if flags&flagCompressed != 0 {
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("cachevc: decompressing alternate vector: %w", err)
		}
		raw = out
	} else {
		raw = payload
	}
	if len(raw) < 4 {
		return nil, errTruncatedVector
	}
	n := int(binary.LittleEndian.Uint32(raw[0:]))
	off := 4
	alts := make([]Alternate, 0, n)
	for i := 0; i < n; i++ {
		a, used, err := decodeAlternate(raw[off:])
		if err != nil {
			return nil, err
		}
		alts = append(alts, a)
		off += used
	}
	return &Vector{Alternates: alts}, nil
}
