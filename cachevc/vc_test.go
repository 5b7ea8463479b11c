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

package cachevc

import (
	"testing"

	"github.com/SnellerInc/cachedb/cachekey"
	"github.com/SnellerInc/cachedb/internal/aio"
	"github.com/SnellerInc/cachedb/stripe"
	"github.com/stretchr/testify/require"
)

func newTestStripe(t *testing.T, opts *stripe.Options) *stripe.Stripe {
	t.Helper()
	io := aio.NewMemFileIO()
	io.Register(1, 1<<20)
	disp := aio.NewDispatcher(io, 4, nil)
	t.Cleanup(disp.Close)
	s := stripe.New(0, 1<<20, 1, disp, opts)
	t.Cleanup(s.Close)
	return s
}

func TestAddAlternateSingleVariantRoundTrip(t *testing.T) {
	s := newTestStripe(t, nil)
	firstKey := cachekey.New("http://example.com/only", cachekey.DiscriminatorURL)

	out := AddAlternate(s, WriteParams{FirstKey: firstKey, ResponseHeaders: []byte("content-type: text/plain"), Body: []byte("hello")})
	require.NoError(t, out.Err)
	require.True(t, out.ObjectKey.Equal(firstKey), "the only alternate becomes the container")

	ro, err := OpenRead(s, firstKey, 0)
	require.NoError(t, err)
	require.NotNil(t, ro.Doc)
	require.Equal(t, "hello", string(ro.Doc.Body))
}

func TestAddAlternateMultiVariantSelectsByDigest(t *testing.T) {
	s := newTestStripe(t, nil)
	firstKey := cachekey.New("http://example.com/negotiated", cachekey.DiscriminatorURL)

	out1 := AddAlternate(s, WriteParams{FirstKey: firstKey, RequestHeadersDigest: 1, ResponseHeaders: []byte("content-encoding: gzip"), Body: []byte("gzip-body")})
	require.NoError(t, out1.Err)
	require.True(t, out1.ObjectKey.Equal(firstKey))

	out2 := AddAlternate(s, WriteParams{FirstKey: firstKey, RequestHeadersDigest: 2, ResponseHeaders: []byte("content-encoding: identity"), Body: []byte("plain-body")})
	require.NoError(t, out2.Err)
	require.False(t, out2.ObjectKey.Equal(firstKey))

	ro1, err := OpenRead(s, firstKey, 1)
	require.NoError(t, err)
	require.Equal(t, "gzip-body", string(ro1.Doc.Body))

	ro2, err := OpenRead(s, firstKey, 2)
	require.NoError(t, err)
	require.Equal(t, "plain-body", string(ro2.Doc.Body))

	_, err = OpenRead(s, firstKey, 3)
	require.ErrorIs(t, err, ErrNoAlternate)
}

func TestVCOpUpdateRewritesHeaderInPlace(t *testing.T) {
	s := newTestStripe(t, nil)
	firstKey := cachekey.New("http://example.com/revalidate", cachekey.DiscriminatorURL)
	out := AddAlternate(s, WriteParams{FirstKey: firstKey, ResponseHeaders: []byte("etag: v1"), Body: []byte("payload")})
	require.NoError(t, out.Err)

	require.NoError(t, VCOpUpdate(s, firstKey, firstKey, []byte("etag: v2")))

	ro, err := OpenRead(s, firstKey, 0)
	require.NoError(t, err)
	alt, ok := ro.VC.Vector.Select(0)
	require.True(t, ok)
	require.Equal(t, "etag: v2", string(alt.ResponseHeaders))
	// the body is untouched by a header-only update.
	require.Equal(t, "payload", string(ro.Doc.Body))
}

func TestRemoveAlternateLeavesSiblingIntact(t *testing.T) {
	s := newTestStripe(t, nil)
	firstKey := cachekey.New("http://example.com/two-variants", cachekey.DiscriminatorURL)
	AddAlternate(s, WriteParams{FirstKey: firstKey, RequestHeadersDigest: 1, ResponseHeaders: []byte("a"), Body: []byte("body-a")})
	out2 := AddAlternate(s, WriteParams{FirstKey: firstKey, RequestHeadersDigest: 2, ResponseHeaders: []byte("b"), Body: []byte("body-b")})
	require.NoError(t, out2.Err)

	removed, err := RemoveAlternate(s, firstKey, out2.ObjectKey)
	require.NoError(t, err)
	require.True(t, removed)

	_, err = OpenRead(s, firstKey, 2)
	require.ErrorIs(t, err, ErrNoAlternate)

	ro, err := OpenRead(s, firstKey, 1)
	require.NoError(t, err)
	require.Equal(t, "body-a", string(ro.Doc.Body))
}

func TestOpenReadMissingObjectPropagatesNotFound(t *testing.T) {
	s := newTestStripe(t, nil)
	firstKey := cachekey.New("http://example.com/absent", cachekey.DiscriminatorURL)
	_, err := OpenRead(s, firstKey, 0)
	require.ErrorIs(t, err, stripe.ErrNotFound)
}
