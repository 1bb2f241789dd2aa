package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	res := NewMemory()
	s := res.Store
	require.False(t, res.WasRecovered)

	prev, err := s.Insert("k", []byte("v1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = s.Insert("k", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), prev)

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	ok, err := s.Contains("k")
	require.NoError(t, err)
	assert.True(t, ok)

	prev, err = s.Remove("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), prev)

	_, err = s.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Remove("k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDBStoreWasRecovered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvstore")

	res, err := Open(path)
	require.NoError(t, err)
	require.False(t, res.WasRecovered)
	_, err = res.Store.Insert("key", []byte("value"))
	require.NoError(t, err)
	require.NoError(t, res.Store.Flush())
	require.NoError(t, res.Store.Close())

	res2, err := Open(path)
	require.NoError(t, err)
	require.True(t, res2.WasRecovered)

	got, err := res2.Store.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
	require.NoError(t, res2.Store.Close())
}

func TestLevelDBStoreLargeValue(t *testing.T) {
	dir := t.TempDir()
	res, err := Open(filepath.Join(dir, "kv"))
	require.NoError(t, err)
	defer res.Store.Close()

	big := make([]byte, 100_000)
	for i := range big {
		big[i] = byte(i)
	}
	_, err = res.Store.Insert("big", big)
	require.NoError(t, err)

	got, err := res.Store.Get("big")
	require.NoError(t, err)
	assert.Equal(t, big, got)
}
