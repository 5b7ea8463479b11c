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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Action is the handle returned by asynchronous scheduling calls. The
// caller may Cancel it; cancellation only suppresses delivery (the
// dispatching thread still frees the event), matching spec.md §4.1
// "Failure / cancellation".
type Action struct {
	ev *Event
}

// Cancel marks the underlying event as cancelled. The caller must hold
// the associated continuation's mutex, per spec.md §5.
func (a *Action) Cancel() {
	if a == nil || a.ev == nil {
		return
	}
	a.ev.Cancel()
}

// EventProcessor owns a set of named thread pools ("event types") and
// is the entry point external code uses to schedule Continuations:
// schedule_{imm,at,in,every,spawn} and their `_local` counterparts
// (spec.md §4.1 "Scheduling API").
type EventProcessor struct {
	mu       sync.Mutex
	pools    map[ThreadType][]*EThread
	nextTID  int64
	rrCursor int64
}

// NewEventProcessor returns an EventProcessor with no thread pools
// registered; call Spawn to create worker threads of a given type.
func NewEventProcessor() *EventProcessor {
	return &EventProcessor{pools: make(map[ThreadType][]*EThread)}
}

// Spawn starts n new EThreads of the given type and returns them.
// Mirrors schedule_spawn creating a dedicated thread pool (e.g. the
// AIO thread-pool, or a disk's dedicated event thread).
func (ep *EventProcessor) Spawn(typ ThreadType, n int) []*EThread {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	threads := make([]*EThread, n)
	for i := 0; i < n; i++ {
		ep.nextTID++
		th := newEThread(ThreadID(ep.nextTID), typ)
		threads[i] = th
		ep.pools[typ] = append(ep.pools[typ], th)
		go th.Run()
	}
	return threads
}

// Stop stops every thread owned by the processor.
func (ep *EventProcessor) Stop() {
	ep.mu.Lock()
	var all []*EThread
	for _, ths := range ep.pools {
		all = append(all, ths...)
	}
	ep.mu.Unlock()
	for _, th := range all {
		th.Stop()
	}
}

// pick returns a thread of typ to target: the continuation's affinity
// thread if set (spec.md §4.1 "Affinity"), otherwise a thread chosen
// round-robin-ish by a cheap counter.
func (ep *EventProcessor) pick(typ ThreadType, cont *Continuation) (*EThread, error) {
	if cont != nil && cont.Affinity != nil {
		return cont.Affinity, nil
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	pool := ep.pools[typ]
	if len(pool) == 0 {
		return nil, fmt.Errorf("event: no threads of type %q", typ)
	}
	n := len(pool)
	sel := int(atomic.AddInt64(&ep.rrCursor, 1)) % n
	return pool[sel], nil
}

// ScheduleImm schedules cont for immediate dispatch on a thread of
// typ, returning a cancellable Action.
func (ep *EventProcessor) ScheduleImm(typ ThreadType, cont *Continuation, code Code) (*Action, error) {
	return ep.ScheduleAt(typ, cont, code, time.Time{})
}

// ScheduleAt schedules cont to run at the absolute time "at" (or
// immediately if the zero time) on a thread of typ.
func (ep *EventProcessor) ScheduleAt(typ ThreadType, cont *Continuation, code Code, at time.Time) (*Action, error) {
	th, err := ep.pick(typ, cont)
	if err != nil {
		return nil, err
	}
	e := NewEvent(cont, code, at, 0)
	th.scheduleExternal(e)
	return &Action{ev: e}, nil
}

// ScheduleIn schedules cont to run after delay elapses.
func (ep *EventProcessor) ScheduleIn(typ ThreadType, cont *Continuation, code Code, delay time.Duration) (*Action, error) {
	return ep.ScheduleAt(typ, cont, code, time.Now().Add(delay))
}

// ScheduleEvery schedules cont to run every period, starting after the
// first period elapses.
func (ep *EventProcessor) ScheduleEvery(typ ThreadType, cont *Continuation, code Code, period time.Duration) (*Action, error) {
	th, err := ep.pick(typ, cont)
	if err != nil {
		return nil, err
	}
	e := NewEvent(cont, code, time.Now().Add(period), period)
	th.scheduleExternal(e)
	return &Action{ev: e}, nil
}

// ScheduleImmLocal, ScheduleAtLocal, ScheduleInLocal, and
// ScheduleEveryLocal are the `_local` variants: they must be called
// from the thread th itself. No cross-thread atomics or wakeup is
// involved (spec.md §4.1 "Scheduling API").

func ScheduleImmLocal(th *EThread, cont *Continuation, code Code) *Action {
	e := NewEvent(cont, code, time.Time{}, 0)
	th.scheduleLocal(e)
	return &Action{ev: e}
}

func ScheduleAtLocal(th *EThread, cont *Continuation, code Code, at time.Time) *Action {
	e := NewEvent(cont, code, at, 0)
	th.scheduleTimerLocal(e, time.Now())
	return &Action{ev: e}
}

func ScheduleInLocal(th *EThread, cont *Continuation, code Code, delay time.Duration) *Action {
	return ScheduleAtLocal(th, cont, code, time.Now().Add(delay))
}

func ScheduleEveryLocal(th *EThread, cont *Continuation, code Code, period time.Duration) *Action {
	e := NewEvent(cont, code, time.Now().Add(period), period)
	th.scheduleTimerLocal(e, time.Now())
	return &Action{ev: e}
}
