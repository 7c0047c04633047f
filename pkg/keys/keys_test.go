package keys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager([]byte(strings.Repeat("k", KeySize)))
	require.NoError(t, err)
	return m
}

func TestSealOpenRoundTrip(t *testing.T) {
	m := testManager(t)
	plain, sealed, err := m.NewRoomKey()
	require.NoError(t, err)
	assert.Len(t, plain, KeySize)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))

	opened, err := m.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestSealUsesFreshNonces(t *testing.T) {
	m := testManager(t)
	key := []byte(strings.Repeat("r", KeySize))
	a, err := m.Seal(key)
	require.NoError(t, err)
	b, err := m.Seal(key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTamperingAndWrongMaster(t *testing.T) {
	m := testManager(t)
	_, sealed, err := m.NewRoomKey()
	require.NoError(t, err)

	other, err := NewManager([]byte(strings.Repeat("x", KeySize)))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = m.Open("v2:" + strings.TrimPrefix(sealed, "v1:"))
	assert.Error(t, err)

	_, err = m.Open("v1:AAAA")
	assert.Error(t, err)
}

func TestLoadOrCreateMaster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", ".master_key")

	first, err := LoadOrCreateMaster(path)
	require.NoError(t, err)
	assert.Len(t, first, KeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateMaster(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateMasterRejectsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".master_key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err := LoadOrCreateMaster(path)
	assert.Error(t, err)
}
