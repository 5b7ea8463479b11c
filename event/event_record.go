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

package event

import (
	"sync/atomic"
	"time"
)

// Event pairs a Continuation with a deadline and an optional repeat
// period. It is allocated by a scheduling call (Schedule*), enqueued
// into a thread's external or local queue (immediate events) or its
// priority queue (timed events), and freed by the dispatching thread
// after delivery unless Period > 0, in which case it is re-armed.
type Event struct {
	Cont     *Continuation
	Code     Code
	Cookie   any
	Period   time.Duration // > 0 means "every"; re-enqueued after dispatch
	Timeout  time.Time     // absolute deadline; zero means "immediate"
	cancel   int32         // atomic bool
	inFlight bool          // diagnostic only; nothing in this package sets it

	// next links this event into whichever intrusive list currently
	// owns it (a ProtectedQueue push chain or a priority bucket).
	next *Event
}

// NewEvent allocates an event bound to cont, firing at "at" (or
// immediately, if at is zero) and optionally repeating every period.
func NewEvent(cont *Continuation, code Code, at time.Time, period time.Duration) *Event {
	return &Event{Cont: cont, Code: code, Timeout: at, Period: period}
}

// Cancel marks e so the dispatcher will skip delivering it. Per
// spec.md §4.1/§5, cancelling does not reclaim the event's slot
// immediately; the thread that eventually pops it from a queue frees
// it. The caller must already hold e.Cont.Mutex.
func (e *Event) Cancel() {
	atomic.StoreInt32(&e.cancel, 1)
}

// Cancelled reports whether Cancel has been called.
func (e *Event) Cancelled() bool {
	return atomic.LoadInt32(&e.cancel) != 0
}

// Ready reports whether e's deadline has passed as of now.
func (e *Event) Ready(now time.Time) bool {
	return !e.Timeout.After(now)
}

// Rearm resets e's deadline for its next period, used by the
// dispatcher when re-enqueuing a periodic (Period > 0) event.
func (e *Event) Rearm(now time.Time) {
	e.Timeout = now.Add(e.Period)
}
