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

package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolReusesUpToHighWatermark(t *testing.T) {
	var built int
	p := New(func() *int { built++; v := 0; return &v }, 0, 2)
	a := p.Get()
	b := p.Get()
	require.Equal(t, 2, built)
	p.Put(a)
	p.Put(b)
	require.Equal(t, 2, p.Len())

	c := p.Put // discard extra beyond high watermark
	_ = c
	extra := 7
	p.Put(&extra)
	require.Equal(t, 2, p.Len(), "pool must not grow past the high watermark")

	got := p.Get()
	require.Equal(t, 1, p.Len())
	_ = got
	require.Equal(t, 2, built, "Get after Put must reuse, not allocate")
}

func TestPoolPrimesLowWatermark(t *testing.T) {
	var built int
	p := New(func() *int { built++; v := 0; return &v }, 3, 5)
	require.Equal(t, 3, built)
	require.Equal(t, 3, p.Len())
}
