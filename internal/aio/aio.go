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

// Package aio implements the thread-pool variant of the asynchronous
// disk I/O dispatcher described in spec.md §4.2: a fixed pool of
// worker goroutines per disk perform pread/pwrite synchronously and
// deliver completion to a continuation, optionally on a caller-chosen
// thread.
package aio

import (
	"errors"
	"sync"

	"github.com/SnellerInc/cachedb/event"
)

// Op is the kind of I/O a Request performs.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// DoneCode is the event code delivered to a Request's continuation on
// completion, matching spec.md §4.2 "the continuation is invoked with
// event code 'AIO done'".
const DoneCode event.Code = 1

// FileIO abstracts the syscalls a worker performs, so the
// fault-injection layer (internal/faultio) can interpose between the
// dispatcher and the real kernel without this package knowing about
// faults at all.
type FileIO interface {
	Pread(fd int, buf []byte, off int64) (int, error)
	Pwrite(fd int, buf []byte, off int64) (int, error)
}

// Request describes one AIO operation: the target fd, the operation,
// the buffer, the file offset, and the continuation to notify.
type Request struct {
	FD     int
	Op     Op
	Buf    []byte
	Offset int64

	Cont         *event.Continuation
	TargetThread *event.EThread // nil = deliver on the AIO worker goroutine

	// Then chains a second request on the same fd to be performed
	// immediately after this one, as a group (spec.md §4.2 "Chained
	// operations"). When more than one request is chained, only the
	// *last* request's Cont is invoked, via an AIOVec aggregator.
	Then *Request

	// Result fields, valid once the dispatcher has processed the
	// request and handed it to Cont.
	Nbytes int   // bytes transferred
	Err    error // nil or a hard (non-transient) error
}

// ErrSkipped names a kernel call bypassed entirely (skip_io=true).
// Nothing in this module returns it: internal/faultio reports a
// skipped call as a *FaultError carrying the configured errno.
var ErrSkipped = errors.New("aio: i/o skipped by fault injection")

func isTransient(err error) bool {
	var terr interface{ Transient() bool }
	if errors.As(err, &terr) {
		return terr.Transient()
	}
	return false
}

// ErrorCallback is invoked (outside any VC's mutex) when a request
// hits a hard (non-transient) error, giving the caller a chance to
// take the offending disk offline, per spec.md §4.2 "Retry policy".
type ErrorCallback func(req *Request, err error)

// Dispatcher is a per-disk thread pool of worker goroutines draining a
// shared request queue. It is created with a fixed worker count
// (cache.threads_per_disk) and a FileIO implementation.
type Dispatcher struct {
	io      FileIO
	queue   chan *Request
	onError ErrorCallback

	wg   sync.WaitGroup
	stop chan struct{}

	// deliver delivers completions; NewDispatcher sets it to
	// deliverInline.
	deliver func(req *Request)
}

// NewDispatcher starts n worker goroutines servicing io. onError may
// be nil.
func NewDispatcher(io FileIO, n int, onError ErrorCallback) *Dispatcher {
	d := &Dispatcher{
		io:      io,
		queue:   make(chan *Request, 1024),
		onError: onError,
		stop:    make(chan struct{}),
	}
	d.deliver = d.deliverInline
	d.wg.Add(n)
	for i := 0; i < n; i++ {
		go d.worker()
	}
	return d
}

// Close stops accepting new work and waits for workers to drain.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

// Submit enqueues req (and its chain, if any) for processing. It
// never blocks the caller on I/O itself, only on queue backpressure.
func (d *Dispatcher) Submit(req *Request) {
	d.queue <- req
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for req := range d.queue {
		d.processChain(req)
	}
}

// processChain performs req and every request linked via Then as a
// group on the same fd, then fires the completion of the *last*
// request in the chain through an AIOVec aggregator if more than one
// request was chained (spec.md §4.2 "Chained operations").
func (d *Dispatcher) processChain(head *Request) {
	var chain []*Request
	for r := head; r != nil; r = r.Then {
		chain = append(chain, r)
	}
	for _, r := range chain {
		d.doOne(r)
	}
	if len(chain) == 1 {
		d.deliver(chain[0])
		return
	}
	vec := &AIOVec{reqs: chain}
	vec.fire(d.deliver)
}

// doOne performs a single request synchronously, looping on partial
// transfers and retrying transient errno values in place (spec.md
// §4.2 "Partial writes", "Retry policy").
func (d *Dispatcher) doOne(req *Request) {
	off := req.Offset
	remaining := req.Buf
	var total int
	for len(remaining) > 0 {
		var n int
		var err error
		switch req.Op {
		case OpRead:
			n, err = d.io.Pread(req.FD, remaining, off)
		case OpWrite:
			n, err = d.io.Pwrite(req.FD, remaining, off)
		}
		if err != nil {
			if isTransient(err) {
				continue // retry the exact same call
			}
			req.Err = err
			req.Nbytes = total
			if d.onError != nil {
				d.onError(req, err)
			}
			return
		}
		if n == 0 {
			req.Err = errors.New("aio: zero-length transfer without error")
			req.Nbytes = total
			return
		}
		total += n
		off += int64(n)
		remaining = remaining[n:]
	}
	req.Nbytes = total
}

// deliverInline invokes req's continuation. If a TargetThread is set,
// the completion is scheduled there (cross-thread); otherwise it runs
// inline on the worker goroutine under a synthetic thread id, per
// spec.md §4.2 "(the AIO thread, any event thread, or a specific
// event thread)".
func (d *Dispatcher) deliverInline(req *Request) {
	if req.Cont == nil {
		return
	}
	if req.TargetThread != nil {
		event.ScheduleImmLocal(req.TargetThread, req.Cont, DoneCode)
		return
	}
	const aioThreadID = event.ThreadID(-1)
	if req.Cont.Mutex != nil {
		req.Cont.Mutex.Lock(aioThreadID)
		defer req.Cont.Mutex.Unlock(aioThreadID)
	}
	req.Cont.Dispatch(aioThreadID, DoneCode, req)
}

// AIOVec aggregates a chain of requests so the caller's continuation
// fires exactly once, on the final completion, carrying the whole
// chain (spec.md §4.2 "Chained operations (vector reads/writes)").
type AIOVec struct {
	reqs []*Request
}

func (v *AIOVec) fire(deliver func(*Request)) {
	last := v.reqs[len(v.reqs)-1]
	// Only the chain's last request is delivered, so its Cont fires
	// once for the whole vectored I/O; the Conts of the earlier
	// requests are not invoked.
	deliver(last)
}
