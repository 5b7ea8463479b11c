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

// Package event implements the cooperative continuation/event
// scheduler that every cache state machine in this module runs on:
// ProxyMutex, Continuation, Event, the per-thread queues, and the
// EThread/EventProcessor loop that dispatches them.
package event

import (
	"sync"
	"sync/atomic"
)

// ThreadID identifies an EThread. The zero value means "no thread",
// so real thread ids are assigned starting at 1 (see EventProcessor.Spawn).
type ThreadID int64

// ProxyMutex is a reference-counted, recursive lock that additionally
// records the identity of its current holder. Every Continuation owns
// one; a Continuation's handler may only be invoked while its mutex is
// held by the calling thread (see Continuation.Dispatch).
//
// Unlike sync.Mutex, ProxyMutex allows the same thread to re-lock it
// without deadlocking (nthread_holding in the source), and exposes
// TryLock so the scheduler can avoid blocking a worker thread behind a
// contended continuation.
type ProxyMutex struct {
	refs  int32 // atomic: reference count
	mu    sync.Mutex
	thold int64 // atomic: ThreadID of current holder, 0 = unheld
	depth int32 // recursion depth; only valid while held
}

// NewProxyMutex returns a fresh, unheld mutex with one reference.
func NewProxyMutex() *ProxyMutex {
	return &ProxyMutex{refs: 1}
}

// Ref increments the reference count and returns m, mirroring the
// source's intrusive refcounting for mutexes shared between a
// Continuation and the objects (VCs, stripes) that embed it.
func (m *ProxyMutex) Ref() *ProxyMutex {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Unref decrements the reference count. ProxyMutex has no finalizer;
// callers that need cleanup on the last unref should track that
// externally. It exists to make the cyclic-ownership pattern described
// in spec.md §9 explicit rather than implicit in GC behavior.
func (m *ProxyMutex) Unref() int32 {
	return atomic.AddInt32(&m.refs, -1)
}

// ThreadHolding returns the ThreadID currently holding m, or 0 if
// unheld. Safe to call from any thread.
func (m *ProxyMutex) ThreadHolding() ThreadID {
	return ThreadID(atomic.LoadInt64(&m.thold))
}

// TryLock attempts to acquire m on behalf of tid without blocking. It
// returns true if m is now held (or recursively re-held) by tid.
func (m *ProxyMutex) TryLock(tid ThreadID) bool {
	if ThreadID(atomic.LoadInt64(&m.thold)) == tid && tid != 0 {
		m.depth++
		return true
	}
	if !m.mu.TryLock() {
		return false
	}
	atomic.StoreInt64(&m.thold, int64(tid))
	m.depth = 1
	return true
}

// Lock acquires m on behalf of tid, blocking until available.
// Recursive locks by the same thread increment the depth counter
// instead of blocking.
func (m *ProxyMutex) Lock(tid ThreadID) {
	if ThreadID(atomic.LoadInt64(&m.thold)) == tid && tid != 0 {
		m.depth++
		return
	}
	m.mu.Lock()
	atomic.StoreInt64(&m.thold, int64(tid))
	m.depth = 1
}

// Unlock releases one level of recursion held by tid. Only the current
// holder may call Unlock; any other caller is a programming error and
// panics, matching the debug-build assertion in spec.md §5.
func (m *ProxyMutex) Unlock(tid ThreadID) {
	if ThreadID(atomic.LoadInt64(&m.thold)) != tid {
		panic("event: ProxyMutex unlocked by non-holder")
	}
	m.depth--
	if m.depth == 0 {
		atomic.StoreInt64(&m.thold, 0)
		m.mu.Unlock()
	}
}

// HeldBy reports whether tid currently holds m. Used by assertions and
// by Continuation.Dispatch to enforce the "handler runs under its
// mutex" contract.
func (m *ProxyMutex) HeldBy(tid ThreadID) bool {
	return ThreadID(atomic.LoadInt64(&m.thold)) == tid
}
