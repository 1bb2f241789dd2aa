package encrypted

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrongPassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv")

	s, err := Open(path, "super-secret password.")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, "super-secret password!")
	assert.ErrorIs(t, err, ErrWrongPassword)

	s2, err := Open(path, "super-secret password.")
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestRoundTripAndLargeValue(t *testing.T) {
	s, err := OpenMemory("pw")
	require.NoError(t, err)

	require.NoError(t, s.Insert("key", []byte("value")))
	got, err := s.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	big := make([]byte, 100_000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, s.Insert("big", big))
	gotBig, err := s.Get("big")
	require.NoError(t, err)
	assert.Equal(t, big, gotBig)
}

func TestRemoveReturnsPrevious(t *testing.T) {
	s, err := OpenMemory("pw")
	require.NoError(t, err)

	require.NoError(t, s.Insert("k", []byte("v")))
	prev, err := s.Remove("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), prev)

	ok, err := s.Contains("k")
	require.NoError(t, err)
	assert.False(t, ok)
}
