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

package faultio

import (
	"testing"

	"github.com/SnellerInc/cachedb/internal/aio"
	"github.com/stretchr/testify/require"
)

func TestFaultFiresAtExactOpIndex(t *testing.T) {
	mem := aio.NewMemFileIO()
	mem.Register(1, 4096)
	inj := NewInjector(mem)
	require.NoError(t, inj.InjectFault(`cache\.db$`, 2, Fault{Errno: EIO}))
	inj.Attach(1, "/var/cache/cache.db")

	buf := make([]byte, 8)
	for i := 0; i < 2; i++ {
		_, err := inj.Pread(1, buf, 0)
		require.NoError(t, err, "op-index %d should not be faulted", i)
	}
	_, err := inj.Pread(1, buf, 0)
	require.Error(t, err, "op-index 2 should be faulted")
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, EIO, fe.Errno)

	_, err = inj.Pread(1, buf, 0)
	require.NoError(t, err, "op-index 3 is unaffected")
}

func TestSkipIODoesNotInvokeKernel(t *testing.T) {
	mem := aio.NewMemFileIO()
	mem.Register(1, 4096)
	inj := NewInjector(mem)
	require.NoError(t, inj.InjectFault(`.*`, 0, Fault{Errno: EIO, SkipIO: true}))
	inj.Attach(1, "/anything")

	// write something first directly via the inner FileIO so we can
	// prove the faulted read never reached it and therefore never
	// touched the buffer.
	buf := []byte{0xAA, 0xAA}
	_, err := inj.Pread(1, buf, 0)
	require.Error(t, err)
	require.Equal(t, []byte{0xAA, 0xAA}, buf, "skip_io must not touch the buffer")
}

func TestTransientFaultRewindsCounterAcrossRetries(t *testing.T) {
	mem := aio.NewMemFileIO()
	mem.Register(1, 4096)
	inj := NewInjector(mem)
	// configure a hard fault at op-index 5
	require.NoError(t, inj.InjectFault(`.*`, 5, Fault{Errno: EIO}))
	inj.Attach(1, "/x")

	buf := make([]byte, 4)
	// drive 5 *transient* ops (simulated by having the inner call error EINTR via
	// a wrapping fault) ahead of the hard fault at index 5: inject EINTR at indices 0-2
	// reused indices via rewinding, so simulate by directly injecting EINTR at index 3
	// and confirm the index-5 hard fault still fires only after exactly 5 *observed*
	// non-transient ops.
	require.NoError(t, inj.InjectFault(`.*`, 3, Fault{Errno: EINTR}))

	var sawHardFault bool
	for i := 0; i < 20 && !sawHardFault; i++ {
		_, err := inj.Pread(1, buf, 0)
		if err == nil {
			continue
		}
		var fe *FaultError
		if require.ErrorAs(t, err, &fe); fe.Errno == EIO {
			sawHardFault = true
		}
	}
	require.True(t, sawHardFault, "the op-index 5 fault must still fire deterministically")
}

func TestCorrelationIDIsStablePerFD(t *testing.T) {
	mem := aio.NewMemFileIO()
	mem.Register(1, 4096)
	mem.Register(2, 4096)
	inj := NewInjector(mem)
	inj.Attach(1, "/a")
	inj.Attach(2, "/b")

	id1a, ok := inj.CorrelationID(1)
	require.True(t, ok)
	id1b, ok := inj.CorrelationID(1)
	require.True(t, ok)
	require.Equal(t, id1a, id1b)

	id2, ok := inj.CorrelationID(2)
	require.True(t, ok)
	require.NotEqual(t, id1a, id2)

	_, ok = inj.CorrelationID(99)
	require.False(t, ok)
}
