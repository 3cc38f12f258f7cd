package swcache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDBBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := newLevelDBBackend(dir, 0)
	require.NoError(t, err)
	require.NoError(t, b.Create(ctx, "v5-critical"))
	require.NoError(t, b.Put(ctx, "v5-runtime", "GET /a", Entry{Status: http.StatusOK, Body: []byte("a")}))
	require.NoError(t, b.Put(ctx, "v5-runtime", "GET /b", Entry{Status: http.StatusOK, Body: []byte("b")}))
	size := b.TotalSize()
	require.NoError(t, b.Close())

	b, err = newLevelDBBackend(dir, 0)
	require.NoError(t, err)
	defer b.Close()

	names, err := b.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v5-critical", "v5-runtime"}, names)

	keys, err := b.Keys(ctx, "v5-runtime")
	require.NoError(t, err)
	require.Equal(t, []string{"GET /a", "GET /b"}, keys)
	require.Equal(t, size, b.TotalSize())

	// sequence numbers continue after a reopen
	require.NoError(t, b.Put(ctx, "v5-runtime", "GET /c", Entry{Status: http.StatusOK}))
	keys, err = b.Keys(ctx, "v5-runtime")
	require.NoError(t, err)
	require.Equal(t, []string{"GET /a", "GET /b", "GET /c"}, keys)
}

func TestBackendKeysKeepInsertionOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for _, k := range []string{"GET /z", "GET /a", "GET /m"} {
			require.NoError(t, b.Put(ctx, "gen", k, Entry{Status: http.StatusOK, Body: []byte("1")}))
		}
		// replacing keeps the original slot
		require.NoError(t, b.Put(ctx, "gen", "GET /z", Entry{Status: http.StatusOK, Body: []byte("2")}))

		keys, err := b.Keys(ctx, "gen")
		require.NoError(t, err)
		require.Equal(t, []string{"GET /z", "GET /a", "GET /m"}, keys)

		ent, ok, err := b.Get(ctx, "gen", "GET /z")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "2", string(ent.Body))
	})
}

func TestBackendDeleteGeneration(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Put(ctx, "old", "GET /", Entry{Status: http.StatusOK, Body: []byte("old")}))
		require.NoError(t, b.Put(ctx, "old-ish", "GET /", Entry{Status: http.StatusOK, Body: []byte("keep")}))

		existed, err := b.Delete(ctx, "old")
		require.NoError(t, err)
		require.True(t, existed)

		_, ok, err := b.Get(ctx, "old", "GET /")
		require.NoError(t, err)
		require.False(t, ok)

		// a generation sharing the prefix is untouched
		ent, ok, err := b.Get(ctx, "old-ish", "GET /")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "keep", string(ent.Body))

		existed, err = b.Delete(ctx, "old")
		require.NoError(t, err)
		require.False(t, existed)
	})
}

func TestBackendQuota(t *testing.T) {
	ctx := context.Background()

	mem := newMemoryBackend(10)
	require.NoError(t, mem.Put(ctx, "gen", "GET /a", Entry{Body: []byte("123456")}))
	require.ErrorIs(t, mem.Put(ctx, "gen", "GET /b", Entry{Body: []byte("123456")}), ErrQuotaExceeded)
	// replacing an entry only counts the difference
	require.NoError(t, mem.Put(ctx, "gen", "GET /a", Entry{Body: []byte("1234567890")}))
	require.Equal(t, int64(10), mem.TotalSize())

	disk, err := newLevelDBBackend(t.TempDir(), 1)
	require.NoError(t, err)
	defer disk.Close()
	require.ErrorIs(t, disk.Put(ctx, "gen", "GET /a", Entry{Body: []byte("x")}), ErrQuotaExceeded)
	_, ok, err := disk.Get(ctx, "gen", "GET /a")
	require.NoError(t, err)
	require.False(t, ok)
}
