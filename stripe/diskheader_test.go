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

package stripe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := NewDiskHeader(1024)
	h.WritePos = 2048
	h.Phase = true
	h.AggPos = 2048
	h.WriteSerial = 7
	h.SyncSerial = 3

	buf := make([]byte, diskHeaderSize)
	h.Encode(buf)

	got, err := DecodeDiskHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestNewStripeRestoresFromHeader(t *testing.T) {
	_, io, disp := newTestStripeWithDisk(t, 8192, nil)
	_ = io

	saved := NewDiskHeader(0)
	saved.WritePos = 512
	saved.Phase = true
	saved.WriteSerial = 42

	s := New(0, 8192, 1, disp, &Options{Header: &saved})
	require.Equal(t, saved.VolumeID, s.VolumeID())
	require.Equal(t, saved.WritePos, s.WritePos())

	got := s.Header()
	require.Equal(t, saved.WriteSerial, got.WriteSerial)
	require.True(t, got.Phase)
}
