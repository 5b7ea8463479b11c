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
	"unsafe"
)

// ProtectedQueue is the external, cross-thread event queue every
// EThread owns: any thread may Push onto it via a lock-free CAS chain
// ("producers atomically push"), while only the owning thread calls
// DrainAll to pop everything that has accumulated since the last
// drain ("the owner swaps out the list"), per spec.md §4.1 step 1.
//
// Pushes are LIFO internally (a Treiber stack); DrainAll reverses the
// chain before returning so that events observed by a single producer
// thread are delivered in submission order.
type ProtectedQueue struct {
	head unsafe.Pointer // *Event

	// wake is a 1-buffered signal channel: Push does a non-blocking
	// send, WaitSignal selects on it alongside a timeout. This avoids
	// the goroutine-per-wait leak a naive sync.Cond + timeout
	// combination would need.
	wake chan struct{}
}

func NewProtectedQueue() *ProtectedQueue {
	return &ProtectedQueue{wake: make(chan struct{}, 1)}
}

// Push enqueues e for the owning thread to pick up on its next drain,
// and wakes anyone blocked in WaitSignal.
func (q *ProtectedQueue) Push(e *Event) {
	for {
		old := atomic.LoadPointer(&q.head)
		e.next = (*Event)(old)
		if atomic.CompareAndSwapPointer(&q.head, old, unsafe.Pointer(e)) {
			break
		}
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DrainAll atomically detaches the whole pending chain and returns it
// as a slice in submission order. Called only by the owning thread.
func (q *ProtectedQueue) DrainAll() []*Event {
	old := atomic.SwapPointer(&q.head, nil)
	var out []*Event
	for e := (*Event)(old); e != nil; {
		next := e.next
		e.next = nil
		out = append(out, e)
		e = next
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// WaitSignal blocks until either a Push occurs or timeout elapses,
// used by the EThread loop tail (spec.md §4.1 step 4) to sleep without
// busy-waiting while still waking promptly when cross-thread work
// arrives.
func (q *ProtectedQueue) WaitSignal(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-q.wake:
	case <-t.C:
	}
}
