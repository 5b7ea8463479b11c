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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFaultSpecHardFault(t *testing.T) {
	re, idx, fault, err := parseFaultSpec(`cache\.db$:3:5`)
	require.NoError(t, err)
	require.Equal(t, `cache\.db$`, re)
	require.Equal(t, 3, idx)
	require.Equal(t, 5, fault.Errno)
	require.False(t, fault.SkipIO)
}

func TestParseFaultSpecSkipIO(t *testing.T) {
	_, _, fault, err := parseFaultSpec(`.*:0:5:skip`)
	require.NoError(t, err)
	require.True(t, fault.SkipIO)
}

func TestParseFaultSpecRejectsMalformed(t *testing.T) {
	_, _, _, err := parseFaultSpec(`onlyonepart`)
	require.Error(t, err)

	_, _, _, err = parseFaultSpec(`re:notanumber:5`)
	require.Error(t, err)
}
