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

//go:build linux || darwin

package aio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// UnixFileIO performs real pread(2)/pwrite(2) syscalls, the backing
// FileIO for production Dispatchers on Linux. Mirrors the syscall
// plumbing the teacher uses for its memory-mapped cache segments
// (tenant/dcache/file_linux.go), extended here to positional
// read/write instead of mmap.
type UnixFileIO struct{}

// Errno wraps a unix.Errno so callers (and the fault-injection layer)
// can distinguish transient conditions from hard errors without
// importing golang.org/x/sys/unix themselves.
type Errno struct {
	Err unix.Errno
}

func (e *Errno) Error() string { return fmt.Sprintf("errno %d (%s)", int(e.Err), e.Err.Error()) }

// Transient reports whether retrying the same call in place is
// expected to make progress, per spec.md §4.2 "Retry policy":
// EINTR, ENOBUFS, ENOMEM are transient; anything else is hard.
func (e *Errno) Transient() bool {
	switch e.Err {
	case unix.EINTR, unix.ENOBUFS, unix.ENOMEM:
		return true
	default:
		return false
	}
}

func (UnixFileIO) Pread(fd int, buf []byte, off int64) (int, error) {
	n, err := unix.Pread(fd, buf, off)
	if err != nil {
		return n, &Errno{Err: err.(unix.Errno)}
	}
	return n, nil
}

func (UnixFileIO) Pwrite(fd int, buf []byte, off int64) (int, error) {
	n, err := unix.Pwrite(fd, buf, off)
	if err != nil {
		return n, &Errno{Err: err.(unix.Errno)}
	}
	return n, nil
}
