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

// Package cacheproc implements CacheProcessor (spec.md §4.7): routing
// a CryptoKey to the stripe that owns it via a vol hash table, and the
// small public API (open_read/open_write plus the VCOpUpdate/remove
// operations cachevc already implements) external collaborators drive
// the cache through.
package cacheproc

import (
	"errors"
	"fmt"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/SnellerInc/cachedb/cachevc"
	"github.com/SnellerInc/cachedb/internal/scalelock"
	"github.com/SnellerInc/cachedb/stripe"
)

// Event is one of the small integer codes spec.md §4.7 lists as
// observable to callers. Their absolute values are this package's own
// choice (spec.md: "within the core their absolute values are not
// observable to external callers except via the test suite, which
// must accept any stable mapping").
type Event int

const (
	EventOpenRead Event = iota
	EventOpenReadFailed
	EventOpenReadRWW
	EventOpenWrite
	EventOpenWriteFailed
	EventVCReadReady
	EventVCReadComplete
	EventVCWriteReady
	EventVCWriteComplete
	EventVCEOS
	EventVCError
)

func (e Event) String() string {
	switch e {
	case EventOpenRead:
		return "OPEN_READ"
	case EventOpenReadFailed:
		return "OPEN_READ_FAILED"
	case EventOpenReadRWW:
		return "OPEN_READ_RWW"
	case EventOpenWrite:
		return "OPEN_WRITE"
	case EventOpenWriteFailed:
		return "OPEN_WRITE_FAILED"
	case EventVCReadReady:
		return "VC_READ_READY"
	case EventVCReadComplete:
		return "VC_READ_COMPLETE"
	case EventVCWriteReady:
		return "VC_WRITE_READY"
	case EventVCWriteComplete:
		return "VC_WRITE_COMPLETE"
	case EventVCEOS:
		return "VC_EOS"
	case EventVCError:
		return "VC_ERROR"
	default:
		return fmt.Sprintf("cacheproc.Event(%d)", int(e))
	}
}

// StripeOpener constructs and initializes one configured volume's
// Stripe, returning an error if the volume's on-disk header could not
// be read or validated. CacheProcessor.Open calls one of these per
// configured volume so that a single bad disk doesn't prevent the
// rest from starting (original_source test_Disk_Init_Failure.cc).
type StripeOpener func() (*stripe.Stripe, error)

// maxThreadIDs bounds the scalable lock's per-thread slot table; a
// dense thread id larger than this wraps via modulo inside
// scalelock.RWMutex, which only costs extra false-sharing, not
// correctness.
const maxThreadIDs = 256

// CacheProcessor routes CryptoKeys to stripes via a 1024-slot vol hash
// table (spec.md §4.7) and exposes the public API external
// collaborators use to read and write cached objects.
type CacheProcessor struct {
	lock     *scalelock.RWMutex
	stripes  []*stripe.Stripe
	volHash  []int // cachekey.VolHashSlots entries, each an index into stripes
	initErrs []error
}

// Open constructs a CacheProcessor from a set of per-volume openers,
// continuing with whatever subset succeeds. It fails outright only
// when every volume failed to open (spec.md §8 scenario 5: "if one of
// two configured stripes fails, the other remains usable").
func Open(openers []StripeOpener) (*CacheProcessor, error) {
	cp := &CacheProcessor{lock: scalelock.New(maxThreadIDs)}
	for i, open := range openers {
		s, err := open()
		if err != nil {
			cp.initErrs = append(cp.initErrs, fmt.Errorf("cacheproc: volume %d: %w", i, err))
			continue
		}
		cp.stripes = append(cp.stripes, s)
	}
	if len(openers) > 0 && len(cp.stripes) == 0 {
		return nil, fmt.Errorf("cacheproc: every volume failed to open: %w", errors.Join(cp.initErrs...))
	}
	cp.rebuildVolHash()
	return cp, nil
}

// NDisks reports the number of stripes currently in service.
func (cp *CacheProcessor) NDisks() int { return len(cp.stripes) }

// InitErrors reports the per-volume errors from Open for any volume
// that failed to start, in volume order.
func (cp *CacheProcessor) InitErrors() []error { return cp.initErrs }

// rebuildVolHash assigns each of the cachekey.VolHashSlots slots to a
// stripe, weighted by stripe length, by partitioning the slot space
// proportionally to cumulative stripe length in stripe order. Because
// every boundary is scaled by the total length, resizing one stripe
// shifts the boundaries of the stripes after it as well, so slots can
// move between stripes whose own length did not change.
func (cp *CacheProcessor) rebuildVolHash() {
	cp.lock.Lock()
	defer cp.lock.Unlock()

	table := make([]int, cachekey.VolHashSlots)
	var total int64
	for _, s := range cp.stripes {
		total += s.Len
	}
	if total == 0 {
		cp.volHash = table
		return
	}

	var cum int64
	si := 0
	for i := 0; i < cachekey.VolHashSlots; i++ {
		pos := int64(i) * total / cachekey.VolHashSlots
		for si < len(cp.stripes)-1 && pos >= cum+cp.stripes[si].Len {
			cum += cp.stripes[si].Len
			si++
		}
		table[i] = si
	}
	cp.volHash = table
}

// AddStripe admits a newly-opened stripe into the live set and
// rebuilds the vol hash table, for runtime volume additions (e.g. a
// disk brought back online after a transient failure at Open time).
func (cp *CacheProcessor) AddStripe(s *stripe.Stripe) {
	cp.lock.Lock()
	cp.stripes = append(cp.stripes, s)
	cp.lock.Unlock()
	cp.rebuildVolHash()
}

// StripeFor routes key to the stripe that owns it.
func (cp *CacheProcessor) StripeFor(threadID int, key cachekey.Key) *stripe.Stripe {
	cp.lock.RLock(threadID)
	defer cp.lock.RUnlock(threadID)
	return cp.stripes[cp.volHash[key.StripeSlot()]]
}

// OpenRead implements spec.md §4.7's open_read: routes firstKey to its
// stripe and resolves the alternate matching requestHeadersDigest.
func (cp *CacheProcessor) OpenRead(threadID int, firstKey cachekey.Key, requestHeadersDigest uint64) (Event, *cachevc.ReadOutcome, error) {
	s := cp.StripeFor(threadID, firstKey)
	ro, err := cachevc.OpenRead(s, firstKey, requestHeadersDigest)
	if err != nil {
		return EventOpenReadFailed, nil, err
	}
	if ro.RWW != nil {
		return EventOpenReadRWW, ro, nil
	}
	return EventOpenRead, ro, nil
}

// OpenWrite implements spec.md §4.7's open_write: routes
// p.FirstKey to its stripe and admits a new alternate.
func (cp *CacheProcessor) OpenWrite(threadID int, p cachevc.WriteParams) (Event, cachevc.WriteOutcome) {
	s := cp.StripeFor(threadID, p.FirstKey)
	out := cachevc.AddAlternate(s, p)
	if out.Err != nil {
		return EventOpenWriteFailed, out
	}
	return EventOpenWrite, out
}

// Update implements the update variant of open_write ("old_info
// present means update"): rewriting one alternate's response headers
// without a full body rewrite when possible (spec.md §4.7, cachevc's
// VCOpUpdate).
func (cp *CacheProcessor) Update(threadID int, firstKey, objectKey cachekey.Key, newResponseHeaders []byte) error {
	s := cp.StripeFor(threadID, firstKey)
	return cachevc.VCOpUpdate(s, firstKey, objectKey, newResponseHeaders)
}

// RemoveAlternate deletes one stored alternate, leaving its siblings
// resolvable.
func (cp *CacheProcessor) RemoveAlternate(threadID int, firstKey, objectKey cachekey.Key) (bool, error) {
	s := cp.StripeFor(threadID, firstKey)
	return cachevc.RemoveAlternate(s, firstKey, objectKey)
}

// Close drains and closes every live stripe.
func (cp *CacheProcessor) Close() {
	for _, s := range cp.stripes {
		s.Close()
	}
}
