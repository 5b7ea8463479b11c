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
	"sync"
	"time"
)

// RetryDelay is how far in the future a dispatch failure (the
// continuation's mutex was held by someone else) reschedules the
// event, per spec.md §4.1 step 3.
const RetryDelay = 10 * time.Millisecond

// ThreadType names a pool of EThreads that share a purpose (e.g. "ET_NET",
// "ET_CACHE_AIO"), mirroring the source's typed thread-group model.
type ThreadType string

// EThread is one cooperative worker: a single OS goroutine running an
// infinite dispatch loop. Continuations are never preempted mid-handler;
// a handler is expected to run to completion quickly and arrange to be
// re-entered via a new Event if it needs to wait.
type EThread struct {
	ID   ThreadID
	Type ThreadType

	ext    *ProtectedQueue // cross-thread inbound events
	local  []*Event        // same-thread immediate queue; no atomics needed
	timers PriorityQueue

	mu      sync.Mutex // protects local and timers from same-thread scheduling helpers only
	stop    chan struct{}
	stopped chan struct{}
}

func newEThread(id ThreadID, typ ThreadType) *EThread {
	return &EThread{
		ID:      id,
		Type:    typ,
		ext:     NewProtectedQueue(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// scheduleLocal enqueues e on t's own local (same-thread) immediate
// queue. Used by the `_local` scheduling variants: no cross-thread
// atomics, no wakeup, because the caller is already running on t.
func (t *EThread) scheduleLocal(e *Event) {
	t.mu.Lock()
	t.local = append(t.local, e)
	t.mu.Unlock()
}

// scheduleTimerLocal enqueues e into t's own timer bucket queue.
func (t *EThread) scheduleTimerLocal(e *Event, now time.Time) {
	t.mu.Lock()
	t.timers.Insert(e, now)
	t.mu.Unlock()
}

// scheduleExternal is used by other threads (or EventProcessor) to
// hand e to t across goroutines.
func (t *EThread) scheduleExternal(e *Event) {
	t.ext.Push(e)
}

// Stop requests the loop exit after its current iteration and blocks
// until it has.
func (t *EThread) Stop() {
	close(t.stop)
	<-t.stopped
}

// Run is the cooperative dispatch loop described in spec.md §4.1:
//  1. drain the external queue
//  2. promote ready timed events
//  3. dispatch each event, retrying (not dropping) on a failed try-lock
//  4. block in the loop tail until the next deadline or external wakeup
func (t *EThread) Run() {
	defer close(t.stopped)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		now := time.Now()

		t.mu.Lock()
		pending := t.local
		t.local = nil
		t.mu.Unlock()
		for _, e := range t.ext.DrainAll() {
			if !e.Timeout.IsZero() && !e.Ready(now) {
				t.scheduleTimerLocal(e, now)
				continue
			}
			pending = append(pending, e)
		}

		t.mu.Lock()
		ready := t.timers.CheckReady(now)
		t.mu.Unlock()
		pending = append(pending, ready...)

		for _, e := range pending {
			t.dispatchEvent(e, now)
		}

		t.mu.Lock()
		next, has := t.timers.NextDeadline()
		t.mu.Unlock()
		wait := 50 * time.Millisecond
		if has {
			if d := next.Sub(time.Now()); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		if wait > 0 {
			t.ext.WaitSignal(wait)
		}
	}
}

// dispatchEvent implements spec.md §4.1 step 3: try-lock the
// continuation's mutex; on success, dispatch and then free, re-enqueue
// (periodic), or immediately re-run (RESTART) the event as its return
// code dictates. On failure, reschedule the event RetryDelay in the
// future rather than dropping it, so progress depends only on the
// holder eventually releasing the mutex.
func (t *EThread) dispatchEvent(e *Event, now time.Time) {
	if e.Cancelled() {
		return
	}
	mutex := e.Cont.Mutex
	if mutex != nil && !mutex.TryLock(t.ID) {
		e.Timeout = now.Add(RetryDelay)
		t.scheduleTimerLocal(e, now)
		return
	}
	if mutex != nil {
		defer mutex.Unlock(t.ID)
	}

	code := e.Cont.Dispatch(t.ID, e.Code, e)

	switch code {
	case RESTART:
		t.dispatchEvent(e, time.Now())
	case RESTART_DELAYED:
		e.Timeout = time.Now().Add(RetryDelay)
		t.scheduleTimerLocal(e, time.Now())
	case CONT:
		if e.Period > 0 {
			e.Rearm(time.Now())
			t.scheduleTimerLocal(e, time.Now())
		}
		// else: caller retains its own reference; nothing further to do.
	case DONE:
		if e.Period > 0 && !e.Cancelled() {
			e.Rearm(time.Now())
			t.scheduleTimerLocal(e, time.Now())
		}
	}
}
