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

// Package faultio implements the deterministic fault-injection I/O
// layer described in spec.md §4.3: a wrapper sitting in front of a
// real FileIO that can be configured, before the cache starts, to
// synthesize specific errno values or skip I/O entirely at precise
// per-fd operation indices. It exists to make crash/error-path tests
// (spec.md §8 scenarios 5 and 6) reproducible.
package faultio

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/SnellerInc/cachedb/internal/aio"
	"github.com/google/uuid"
)

// Fault describes what should happen on a particular (path, op-index)
// match: either synthesize errno without touching the kernel
// (SkipIO), or let the real call happen and then overwrite its
// errno/result (spec.md §4.3 step 2).
type Fault struct {
	Errno  int
	SkipIO bool
}

// transientErrnos mirrors aio.Errno.Transient: EINTR/ENOBUFS/ENOMEM by
// POSIX numeric value, kept independent of golang.org/x/sys/unix so
// this package stays portable to the fault-injection unit tests that
// run on any GOOS.
const (
	EINTR   = 4
	ENOBUFS = 105
	ENOMEM  = 12
	EIO     = 5
)

func isTransientErrno(errno int) bool {
	switch errno {
	case EINTR, ENOBUFS, ENOMEM:
		return true
	default:
		return false
	}
}

// FaultError is returned in place of the real error when a fault
// fires; it carries the synthesized errno and implements the same
// Transient() contract aio.Errno does, so the dispatcher's retry loop
// treats injected transient faults exactly like real ones.
type FaultError struct {
	Errno int
}

func (e *FaultError) Error() string { return fmt.Sprintf("faultio: injected errno %d", e.Errno) }
func (e *FaultError) Transient() bool { return isTransientErrno(e.Errno) }

type rule struct {
	re      *regexp.Regexp
	opIndex int
	fault   Fault
}

type fdState struct {
	path    string
	id      uuid.UUID // correlates every op against this fd across a test's fault log
	counter int64     // atomic; next op-index to be evaluated
	mu      sync.Mutex
	faults  map[int]Fault // op-index -> fault, copied from matching rules at Open time
}

// Injector wraps a real aio.FileIO, adding path-matched, op-indexed
// fault injection. It also owns file opening so it can attach a
// fault schedule to the fd an open() call returns, per spec.md §4.3
// "On open(path), for every regex that matches... the fault schedule
// is attached to the returned fd."
type Injector struct {
	inner aio.FileIO

	mu    sync.Mutex
	rules []rule
	fds   map[int]*fdState
}

// NewInjector wraps inner (typically aio.UnixFileIO{} or a
// aio.MemFileIO for tests).
func NewInjector(inner aio.FileIO) *Injector {
	return &Injector{inner: inner, fds: make(map[int]*fdState)}
}

// InjectFault registers a fault: the op-indexth I/O performed through
// any fd whose absolute open path matches pathRegex will observe
// fault. Intended to be called before cache initialisation (spec.md
// §6 "Fault-injection surface").
func (inj *Injector) InjectFault(pathRegex string, opIndex int, fault Fault) error {
	re, err := regexp.Compile(pathRegex)
	if err != nil {
		return fmt.Errorf("faultio: bad path regex %q: %w", pathRegex, err)
	}
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.rules = append(inj.rules, rule{re: re, opIndex: opIndex, fault: fault})
	return nil
}

// Attach records that fd was opened for the given absolute path,
// computing its fault schedule from every currently-registered rule
// whose regex matches. Callers that open fds outside of Injector.Open
// (e.g. an in-memory test harness) call this directly.
func (inj *Injector) Attach(fd int, absPath string) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	st := &fdState{path: absPath, id: uuid.New(), faults: make(map[int]Fault)}
	for _, r := range inj.rules {
		if r.re.MatchString(absPath) {
			st.faults[r.opIndex] = r.fault
		}
	}
	inj.fds[fd] = st
}

// CorrelationID reports the identifier assigned to fd at Attach time,
// so a test fixture can tag every injected-fault log line for a given
// fd with a stable id even when fds are reused across a test run.
func (inj *Injector) CorrelationID(fd int) (uuid.UUID, bool) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	st, ok := inj.fds[fd]
	if !ok {
		return uuid.UUID{}, false
	}
	return st.id, true
}

// Open opens path with the given flags/perm, returning the resulting
// fd with any matching fault schedule attached.
func (inj *Injector) Open(path string, flag int, perm os.FileMode) (int, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return -1, err
	}
	abs, err := filepathAbs(path)
	if err != nil {
		abs = path
	}
	fd := int(f.Fd())
	inj.Attach(fd, abs)
	return fd, nil
}

// filepathAbs is a tiny indirection so tests can avoid depending on
// the working directory; production code always gets a real
// filepath.Abs.
var filepathAbs = func(path string) (string, error) {
	return absImpl(path)
}

// Pread implements aio.FileIO, applying any configured fault for the
// next op-index on fd before (or after) delegating to the inner
// implementation.
func (inj *Injector) Pread(fd int, buf []byte, off int64) (int, error) {
	return inj.do(fd, func() (int, error) { return inj.inner.Pread(fd, buf, off) })
}

// Pwrite implements aio.FileIO.
func (inj *Injector) Pwrite(fd int, buf []byte, off int64) (int, error) {
	return inj.do(fd, func() (int, error) { return inj.inner.Pwrite(fd, buf, off) })
}

// do implements spec.md §4.3 steps 1-3 uniformly for reads and writes:
// increment the fd's op counter, consult its fault schedule, and
// rewind the counter if the underlying call itself returned a
// transient error, so a retry lands on the same slot. An injected
// fault never rewinds the counter, even when its errno is transient.
func (inj *Injector) do(fd int, call func() (int, error)) (int, error) {
	inj.mu.Lock()
	st := inj.fds[fd]
	inj.mu.Unlock()
	if st == nil {
		return call()
	}

	idx := int(atomic.AddInt64(&st.counter, 1)) - 1

	st.mu.Lock()
	fault, hasFault := st.faults[idx]
	st.mu.Unlock()

	var n int
	var err error
	callTransient := false
	if hasFault && fault.SkipIO {
		n, err = 0, &FaultError{Errno: fault.Errno}
	} else {
		n, err = call()
		callTransient = transient(err)
		if hasFault {
			if fault.Errno == 0 {
				err = nil
			} else {
				n, err = 0, &FaultError{Errno: fault.Errno}
			}
		}
	}

	if callTransient {
		atomic.AddInt64(&st.counter, -1)
	}
	return n, err
}

func transient(err error) bool {
	t, ok := err.(interface{ Transient() bool })
	return ok && t.Transient()
}
