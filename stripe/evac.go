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
	"github.com/SnellerInc/cachedb/event"
	"github.com/SnellerInc/cachedb/internal/aio"
)

// evacuateRangeLocked reads out and re-queues any live Doc the write
// cursor is about to overwrite in [start, end) (spec.md §4.4
// "Evacuator path"). Must be called with mu held, before the
// corresponding region is actually flushed; it returns with mu held
// again, but does **not** hold mu for the duration of the victims'
// blocking disk reads (spec.md §5's mutex protects the directory,
// aggregation buffer, and write cursor — not disk I/O). Evacuators
// bypass the backlog cap because they must complete to free space;
// this is modeled simply by calling enqueueLocked directly rather than
// going through AddWriter's backlog check.
//
// Wraparound (a flush range crossing the end of the stripe back to
// its start) is not evacuated by this pass — a stripe sized so that a
// single aggregation flush wraps is already operating far outside its
// intended capacity, and spec.md's scenarios never exercise it.
func (s *Stripe) evacuateRangeLocked(start, end int64) {
	if end <= start || end > s.Start+s.Len {
		return
	}
	victims := s.dir.TakeRange(start, end)
	if len(victims) == 0 {
		return
	}

	// The victims' Dir entries are already removed above, so the
	// overwrite this flush is about to perform can't race a reader
	// into seeing invalidated-but-not-yet-evacuated data; the only
	// thing the blocking reads below still need mu for is installing
	// their recovered WriteRequest back into the queue, which happens
	// after re-acquiring it.
	fd, disp, checksumOn, lg := s.fd, s.disp, s.enableChecksum, s.log
	s.mu.Unlock()

	type recovered struct {
		req    *WriteRequest
		aggLen int
	}
	salvage := make([]recovered, 0, len(victims))
	for _, v := range victims {
		buf := make([]byte, v.ApproxSize)
		done := make(chan struct{})
		var readErr error
		cont := event.NewContinuation(nil, func(code event.Code, data any) int {
			r := data.(*aio.Request)
			readErr = r.Err
			close(done)
			return event.DONE
		})
		req := &aio.Request{FD: fd, Op: aio.OpRead, Buf: buf, Offset: v.Offset, Cont: cont}
		disp.Submit(req)
		<-done
		if readErr != nil {
			lg.Printf("stripe: evacuation read failed for offset %d: %s", v.Offset, readErr)
			continue
		}
		doc, err := DecodeHeader(buf)
		if err != nil {
			continue // entry was already stale; nothing to save
		}
		if err := doc.DecodeBody(buf, checksumOn); err != nil {
			continue
		}
		wreq := &WriteRequest{
			FirstKey:  doc.FirstKey,
			Key:       doc.Key,
			Header:    doc.Header,
			Body:      doc.Body,
			Evacuator: true,
		}
		salvage = append(salvage, recovered{req: wreq, aggLen: int(doc.Len)})
	}

	s.mu.Lock()
	for _, r := range salvage {
		s.enqueueLocked(r.req, r.aggLen)
	}
}
