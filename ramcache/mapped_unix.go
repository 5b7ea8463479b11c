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

package ramcache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewMappedIOBufferData backs a cache entry with an anonymous mmap
// segment rather than a heap slice, so resident RAM-cache bytes sit
// outside the Go heap (no GC scanning, reclaimable by the kernel under
// memory pressure) the way the teacher's tenant/dcache segments do
// (tenant/dcache/file_linux.go). Used for every buffer the RAM cache
// takes ownership of: disk-read buffers on a cache-populating read,
// and flush-completion copies of freshly written records.
func NewMappedIOBufferData(size int) (*IOBufferData, error) {
	if size == 0 {
		return NewIOBufferData(nil), nil
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("ramcache: mmap %d bytes: %w", size, err)
	}
	return &IOBufferData{bytes: b, refs: 1, mapped: true}, nil
}

func munmapBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	unix.Munmap(b)
}
