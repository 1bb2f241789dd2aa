package mnemonic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"github.com/sage-x-project/tssd/kv/encrypted"
	"github.com/sage-x-project/tssd/kv/manager"
)

func newTestManager(t *testing.T) (*manager.Manager, string) {
	t.Helper()
	s, err := encrypted.OpenMemory("pw")
	require.NoError(t, err)
	m := manager.New(s)
	t.Cleanup(m.Close)
	return m, filepath.Join(t.TempDir(), "export.txt")
}

func TestCreateStoresEntropyAndRefusesSecondCreate(t *testing.T) {
	kv, exportPath := newTestManager(t)
	m := New(kv, exportPath)

	require.NoError(t, m.Dispatch(Create, ""))
	assert.FileExists(t, exportPath)

	seed, err := m.Seed()
	require.NoError(t, err)
	assert.NotZero(t, seed)

	// A second create must refuse: entropy already exists.
	assert.ErrorIs(t, m.Dispatch(Create, ""), ErrEntropyExists)
}

func TestExistingRefusesWhenExportFilePresent(t *testing.T) {
	kv, exportPath := newTestManager(t)
	m := New(kv, exportPath)
	require.NoError(t, m.Dispatch(Create, ""))

	// Export file from Create is still on disk; --mnemonic=existing
	// must refuse to start (spec.md §4.4 export-file guard).
	err := m.Dispatch(Existing, "")
	assert.ErrorIs(t, err, ErrExportFileExists)
}

func TestExistingWithoutEntropyFails(t *testing.T) {
	kv, exportPath := newTestManager(t)
	m := New(kv, exportPath)
	assert.ErrorIs(t, m.Dispatch(Existing, ""), ErrNoEntropy)
}

func TestImportThenExport(t *testing.T) {
	kv, exportPath := newTestManager(t)
	m := New(kv, exportPath)

	entropy, err := bip39.NewEntropy(256)
	require.NoError(t, err)
	phrase, err := bip39.NewMnemonic(entropy)
	require.NoError(t, err)

	require.NoError(t, m.Dispatch(Import, phrase))
	assert.NoFileExists(t, exportPath, "import must not itself write an export file")

	require.NoError(t, m.Dispatch(Export, ""))
	assert.FileExists(t, exportPath)

	seed, err := m.Seed()
	require.NoError(t, err)
	want := bip39.NewSeed(phrase, "")
	assert.Equal(t, want, seed[:])
}

func TestImportRejectsInvalidPhrase(t *testing.T) {
	kv, exportPath := newTestManager(t)
	m := New(kv, exportPath)
	err := m.Dispatch(Import, "not a valid bip39 phrase at all")
	assert.ErrorIs(t, err, ErrInvalidPhrase)
}

func TestRotatePreservesOldEntropyUnderCounterKey(t *testing.T) {
	kv, exportPath := newTestManager(t)
	m := New(kv, exportPath)
	require.NoError(t, m.Dispatch(Create, ""))

	firstSeed, err := m.Seed()
	require.NoError(t, err)

	// Rotate must refuse while the Create export file is still present.
	err = m.Dispatch(Rotate, "")
	require.ErrorIs(t, err, ErrExportFileExists)

	require.NoError(t, os.Remove(exportPath))
	require.NoError(t, m.Dispatch(Rotate, ""))

	oldEntropy, err := kv.GetEntropy("mnemonic_0")
	require.NoError(t, err)
	assert.NotEmpty(t, oldEntropy)

	secondSeed, err := m.Seed()
	require.NoError(t, err)
	assert.NotEqual(t, firstSeed, secondSeed)
}
