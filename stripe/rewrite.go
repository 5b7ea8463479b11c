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
	"github.com/SnellerInc/cachedb/event"
	"github.com/SnellerInc/cachedb/internal/aio"
)

// ErrHeaderSlotTooSmall is returned by RewriteHeaderInPlace when the
// replacement header does not fit within the fragment's existing
// on-disk header slot. The caller (cachevc's VCOpUpdate) falls back
// to a full add_writer replacement in that case (original_source
// test_Update_S_to_L.cc).
var ErrHeaderSlotTooSmall = errors.New("stripe: replacement header exceeds existing slot")

// RewriteHeaderInPlace overwrites a fragment's header payload without
// touching its body or moving it on disk (original_source
// test_Update_header.cc: "a CacheVC op distinct from full replacement
// ... only the first-fragment Doc [is rewritten]"). It fails with
// ErrHeaderSlotTooSmall if newHeader is longer than the fragment's
// existing header slot; the Dir entry, offset, and on-disk length are
// otherwise unchanged, so no write-cursor or directory bookkeeping is
// needed.
func (s *Stripe) RewriteHeaderInPlace(key cachekey.Key, newHeader []byte) error {
	s.mu.Lock()
	entry, ok := s.dir.Lookup(key, s.phase)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	fd, disp, checksumOn := s.fd, s.disp, s.enableChecksum
	s.mu.Unlock()

	buf := make([]byte, entry.ApproxSize)
	if err := syncRead(disp, fd, entry.Offset, buf); err != nil {
		return err
	}
	doc, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if !doc.Key.Equal(key) {
		return ErrBadMagic
	}
	if err := doc.DecodeBody(buf, checksumOn); err != nil {
		return err
	}
	if uint32(len(newHeader)) > doc.HLen {
		return ErrHeaderSlotTooSmall
	}

	padded := make([]byte, doc.HLen)
	copy(padded, newHeader)
	doc.Header = padded
	if checksumOn {
		doc.Checksum = checksumFor(doc.Flags, doc.Header, doc.Body)
	}

	out := make([]byte, doc.Len)
	doc.Encode(out)
	return syncWrite(disp, fd, entry.Offset, out)
}

// syncRead and syncWrite perform one blocking AIO round trip, the
// same pattern Stripe.OpenRead and the evacuator already use for
// reads outside of the aggregation-buffer write path.
func syncRead(disp *aio.Dispatcher, fd int, offset int64, buf []byte) error {
	done := make(chan struct{})
	var outErr error
	cont := event.NewContinuation(nil, func(code event.Code, data any) int {
		r := data.(*aio.Request)
		outErr = r.Err
		close(done)
		return event.DONE
	})
	disp.Submit(&aio.Request{FD: fd, Op: aio.OpRead, Buf: buf, Offset: offset, Cont: cont})
	<-done
	return outErr
}

func syncWrite(disp *aio.Dispatcher, fd int, offset int64, buf []byte) error {
	done := make(chan struct{})
	var outErr error
	cont := event.NewContinuation(nil, func(code event.Code, data any) int {
		r := data.(*aio.Request)
		outErr = r.Err
		close(done)
		return event.DONE
	})
	disp.Submit(&aio.Request{FD: fd, Op: aio.OpWrite, Buf: buf, Offset: offset, Cont: cont})
	<-done
	return outErr
}
