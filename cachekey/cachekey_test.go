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

package cachekey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsStableAndDistinguishesDiscriminator(t *testing.T) {
	a := New("http://www.scw00.com/", DiscriminatorURL)
	b := New("http://www.scw00.com/", DiscriminatorURL)
	require.True(t, a.Equal(b))

	c := New("http://www.scw00.com/", DiscriminatorFragment)
	require.False(t, a.Equal(c))
}

func TestFragmentKeysDifferPerIndex(t *testing.T) {
	first := New("http://www.scw11.com/big", DiscriminatorURL)
	f1 := Fragment(first, 1)
	f2 := Fragment(first, 2)
	require.False(t, f1.Equal(f2))
	require.False(t, f1.Equal(first))
}

func TestStripeSlotWithinRange(t *testing.T) {
	for _, u := range []string{"a", "b", "http://x", "http://y/z?q=1"} {
		k := New(u, DiscriminatorURL)
		require.Less(t, k.StripeSlot(), uint32(VolHashSlots))
	}
}
