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

package cachevc

import (
	"errors"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/SnellerInc/cachedb/stripe"
)

// Op identifies what a VC was opened to do (spec.md §3.5 "op ∈
// {read, write, update, evacuate}").
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpUpdate
	OpEvacuate
)

// Flags are the small behavior bits spec.md §3.5 lists on a VC.
// OpenRead sets Readers when the read attaches to an in-flight
// writer; the write paths in this package take Sync from WriteParams
// and do not read these flags.
type Flags struct {
	Evacuator   bool
	Sync        bool
	UseFirstKey bool
	Readers     bool
}

// VC is a Cache VC (spec.md §3.5): the state one read, write, update,
// or evacuate operation carries while attached to a stripe. A VC
// holds no goroutine of its own; its methods run synchronously from
// the caller's (normally CacheProcessor's) perspective, the same way
// Stripe.OpenRead already blocks its caller on the stripe's own
// asynchronous completion.
//
// The object's alternate vector (spec.md §3.6) always lives as the
// header payload of exactly one Doc: the one stored under the plain
// FirstKey, written the first time any alternate of that URL is
// admitted. Every later alternate gets its own Doc, keyed by
// cachekey.Vary(FirstKey, digest), with no header payload of its own;
// resolving a request therefore always starts by reading the
// FirstKey Doc to get the vector, then following it to the selected
// alternate's own Doc if that alternate isn't the container itself.
type VC struct {
	Op          Op
	FirstKey    cachekey.Key
	EarliestKey cachekey.Key
	Key         cachekey.Key
	Vector      *Vector
	Flags       Flags

	stripe *stripe.Stripe
}

// ErrNoAlternate is returned when the object exists but no stored
// alternate matches the request's negotiation digest.
var ErrNoAlternate = errors.New("cachevc: no alternate matches request")

// ReadOutcome is what OpenRead resolves to: exactly one of Doc (a
// disk hit, already alternate-selected) or RWW (attach to an
// in-flight writer, spec.md §4.5 "open_read_rww").
type ReadOutcome struct {
	VC  *VC
	Doc *stripe.Doc
	RWW *stripe.WriterState
}

// OpenRead resolves firstKey against s, selecting the alternate named
// by requestHeadersDigest (spec.md §3.6 "select").
func OpenRead(s *stripe.Stripe, firstKey cachekey.Key, requestHeadersDigest uint64) (*ReadOutcome, error) {
	rr, err := s.OpenRead(firstKey)
	if err != nil {
		return nil, err
	}
	vc := &VC{Op: OpRead, FirstKey: firstKey, stripe: s}
	if rr.RWW != nil {
		vc.Flags.Readers = true
		return &ReadOutcome{VC: vc, RWW: rr.RWW}, nil
	}

	doc := rr.Doc
	v, err := DecodeVector(doc.Header)
	if err != nil {
		return nil, err
	}
	vc.Vector = v
	alt, ok := v.Select(requestHeadersDigest)
	if !ok {
		return nil, ErrNoAlternate
	}
	vc.Key = alt.ObjectKey
	if alt.ObjectKey.Equal(firstKey) {
		return &ReadOutcome{VC: vc, Doc: doc}, nil
	}

	altRR, err := s.OpenRead(alt.ObjectKey)
	if err != nil {
		return nil, err
	}
	if altRR.RWW != nil {
		vc.Flags.Readers = true
		return &ReadOutcome{VC: vc, RWW: altRR.RWW}, nil
	}
	return &ReadOutcome{VC: vc, Doc: altRR.Doc}, nil
}

// WriteParams describes one alternate being admitted through
// AddAlternate.
type WriteParams struct {
	FirstKey             cachekey.Key
	RequestHeadersDigest uint64
	ResponseHeaders      []byte
	Body                 []byte
	Sync                 bool
}

// WriteOutcome reports the result of an AddAlternate round trip.
type WriteOutcome struct {
	ObjectKey cachekey.Key
	Err       error
}

// AddAlternate admits a new alternate for p.FirstKey (spec.md §4.7
// "open_write" / "add"). The first alternate ever written for a URL
// becomes the container: its own Doc is keyed by FirstKey and carries
// the vector. Every subsequent alternate is written under its own
// cachekey.Vary key, after which the container's vector header is
// updated to list it — in place when the grown vector still fits the
// container's reserved header slot, via a full rewrite of the
// container otherwise (original_source test_Update_S_to_L.cc).
func AddAlternate(s *stripe.Stripe, p WriteParams) WriteOutcome {
	existing, err := s.OpenRead(p.FirstKey)
	if errors.Is(err, stripe.ErrNotFound) {
		return writeContainer(s, p.FirstKey, &Vector{}, p.RequestHeadersDigest, p.ResponseHeaders, p.Body, p.Sync)
	}
	if err != nil {
		return WriteOutcome{Err: err}
	}
	if existing.RWW != nil {
		return WriteOutcome{Err: errors.New("cachevc: container write already in flight for this key")}
	}

	v, err := DecodeVector(existing.Doc.Header)
	if err != nil {
		return WriteOutcome{Err: err}
	}
	altKey := cachekey.Vary(p.FirstKey, p.RequestHeadersDigest)
	v.Add(Alternate{
		RequestHeadersDigest: p.RequestHeadersDigest,
		ResponseHeaders:      p.ResponseHeaders,
		ObjectKey:            altKey,
	})

	altOut := commitDoc(s, p.FirstKey, altKey, nil, p.Body, false)
	if altOut.Err != nil {
		return altOut
	}

	if err := rewriteContainerVector(s, p.FirstKey, v, existing.Doc.Body, p.Sync); err != nil {
		return WriteOutcome{ObjectKey: altKey, Err: err}
	}
	return WriteOutcome{ObjectKey: altKey}
}

func writeContainer(s *stripe.Stripe, firstKey cachekey.Key, v *Vector, digest uint64, headers, body []byte, sync bool) WriteOutcome {
	v.Add(Alternate{RequestHeadersDigest: digest, ResponseHeaders: headers, ObjectKey: firstKey})
	header := EncodeVector(v)
	return commitDoc(s, firstKey, firstKey, header, body, sync)
}

func commitDoc(s *stripe.Stripe, firstKey, key cachekey.Key, header, body []byte, sync bool) WriteOutcome {
	done := make(chan stripe.WriteResult, 1)
	err := s.AddWriter(&stripe.WriteRequest{
		FirstKey: firstKey,
		Key:      key,
		Header:   header,
		Body:     body,
		Sync:     sync,
		Done:     func(r stripe.WriteResult) { done <- r },
	})
	if err != nil {
		return WriteOutcome{ObjectKey: key, Err: err}
	}
	r := <-done
	return WriteOutcome{ObjectKey: key, Err: r.Err}
}

// rewriteContainerVector persists v as the container Doc's header,
// in place when possible, falling back to a full replacement (which
// must carry forward the container's own unchanged body) otherwise.
func rewriteContainerVector(s *stripe.Stripe, firstKey cachekey.Key, v *Vector, containerBody []byte, sync bool) error {
	newHeader := EncodeVector(v)
	err := s.RewriteHeaderInPlace(firstKey, newHeader)
	if err == nil {
		return nil
	}
	if !errors.Is(err, stripe.ErrHeaderSlotTooSmall) {
		return err
	}
	out := commitDoc(s, firstKey, firstKey, newHeader, containerBody, sync)
	return out.Err
}

// VCOpUpdate rewrites one alternate's response headers without
// touching any body (original_source test_Update_header.cc): the
// container's vector entry for objectKey is updated and the container
// Doc's header is rewritten in place, or fully replaced if the
// updated vector no longer fits (test_Update_S_to_L.cc).
func VCOpUpdate(s *stripe.Stripe, firstKey, objectKey cachekey.Key, newResponseHeaders []byte) error {
	rr, err := s.OpenRead(firstKey)
	if err != nil {
		return err
	}
	if rr.RWW != nil {
		return errors.New("cachevc: cannot update while container write is in flight")
	}
	v, err := DecodeVector(rr.Doc.Header)
	if err != nil {
		return err
	}
	if !v.UpdateHeader(objectKey, newResponseHeaders) {
		return ErrNoAlternate
	}
	return rewriteContainerVector(s, firstKey, v, rr.Doc.Body, false)
}

// RemoveAlternate deletes the alternate identified by objectKey: its
// own Dir entry (if it has one distinct from the container) plus its
// vector record, leaving every sibling alternate resolvable
// (original_source test_Alternate_L_to_S_remove_S.cc, spec.md §3.6
// "remove").
func RemoveAlternate(s *stripe.Stripe, firstKey, objectKey cachekey.Key) (bool, error) {
	rr, err := s.OpenRead(firstKey)
	if err != nil {
		return false, err
	}
	if rr.RWW != nil {
		return false, errors.New("cachevc: cannot remove while container write is in flight")
	}
	v, err := DecodeVector(rr.Doc.Header)
	if err != nil {
		return false, err
	}
	if !v.Remove(objectKey) {
		return false, nil
	}
	if !objectKey.Equal(firstKey) {
		s.RemoveAlternate(objectKey)
	}
	if err := rewriteContainerVector(s, firstKey, v, rr.Doc.Body, false); err != nil {
		return true, err
	}
	return true, nil
}
