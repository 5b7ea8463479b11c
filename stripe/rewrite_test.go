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

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/stretchr/testify/require"
)

func TestRewriteHeaderInPlaceKeepsBodyAndOffset(t *testing.T) {
	s, _ := newTestStripe(t, 1<<16, &Options{EnableChecksum: true})
	key := cachekey.New("http://example.com/h", cachekey.DiscriminatorURL)
	header := make([]byte, 64)
	copy(header, "original-header")

	res := mustWrite(t, s, &WriteRequest{FirstKey: key, Key: key, Header: header, Body: []byte("body bytes")})
	require.NoError(t, res.Err)

	newHeader := make([]byte, 64)
	copy(newHeader, "updated-header!")
	require.NoError(t, s.RewriteHeaderInPlace(key, newHeader))

	rr, err := s.OpenRead(key)
	require.NoError(t, err)
	require.Equal(t, "body bytes", string(rr.Doc.Body))
	require.Equal(t, newHeader, rr.Doc.Header)
	require.Equal(t, res.Offset, entryOffset(t, s, key))
}

// entryOffset reads back the Dir entry's offset directly, confirming
// RewriteHeaderInPlace left the fragment at its original location.
func entryOffset(t *testing.T, s *Stripe, key cachekey.Key) int64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dir.Lookup(key, s.phase)
	require.True(t, ok)
	return e.Offset
}

func TestRewriteHeaderInPlaceRejectsOversizedHeader(t *testing.T) {
	s, _ := newTestStripe(t, 1<<16, nil)
	key := cachekey.New("http://example.com/h2", cachekey.DiscriminatorURL)
	res := mustWrite(t, s, &WriteRequest{FirstKey: key, Key: key, Header: []byte("abc"), Body: []byte("body")})
	require.NoError(t, res.Err)

	err := s.RewriteHeaderInPlace(key, make([]byte, 1024))
	require.ErrorIs(t, err, ErrHeaderSlotTooSmall)
}

func TestRewriteHeaderInPlaceMissingKey(t *testing.T) {
	s, _ := newTestStripe(t, 1<<16, nil)
	key := cachekey.New("http://example.com/missing", cachekey.DiscriminatorURL)
	err := s.RewriteHeaderInPlace(key, []byte("x"))
	require.ErrorIs(t, err, ErrNotFound)
}
