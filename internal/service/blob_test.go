package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlobs(t *testing.T) {
	t.Parallel()

	blobs := NewBlobs("")
	first := blobs.Put(Blob{Locator: "a.png", ContentType: "image/png", Data: []byte("a")})
	require.NotEmpty(t, first.ID)

	got, ok := blobs.Get(first.ID)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got.Data)

	second := blobs.Put(Blob{Locator: "a.png", Data: []byte("b")})
	require.NotEqual(t, first.ID, second.ID)
	_, ok = blobs.Get(first.ID)
	require.False(t, ok, "a replaced blob is no longer addressable")
	require.Equal(t, 1, blobs.Len())

	blobs.Release()
	blobs.Release()
	_, ok = blobs.Lookup("a.png")
	require.False(t, ok)
	_, ok = blobs.Get(second.ID)
	require.False(t, ok)
	require.Equal(t, 0, blobs.Len())
}

func TestBlobsSignedURL(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	blobs := NewBlobs("secret")
	blobs.now = func() time.Time { return base }

	url := blobs.URL("session-1", "blob-1")
	require.True(t, strings.HasPrefix(url, "/sessions/session-1/blobs/blob-1?token="))
	require.True(t, blobs.Verify(url))

	require.False(t, blobs.Verify("/sessions/session-1/blobs/blob-2"+url[strings.Index(url, "?"):]))
	require.False(t, blobs.Verify("/sessions/session-1/blobs/blob-1?token=invalid"))
	require.False(t, blobs.Verify("/sessions/session-1/blobs/blob-1"))

	blobs.now = func() time.Time { return base.Add(48 * time.Hour) }
	require.False(t, blobs.Verify(url), "tokens expire")

	unsigned := NewBlobs("")
	require.Equal(t, "/sessions/s/blobs/b", unsigned.URL("s", "b"))
	require.True(t, unsigned.Verify("/sessions/s/blobs/b"))
}
