package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKOLList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kol.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestKOLIndexMatchesByIdentityAndHandle(t *testing.T) {
	path := writeKOLList(t, `[
		{"identity": "111", "handle": "Satoshi"},
		{"identity": "222"},
		{"handle": "vitalik"}
	]`)
	idx := NewKOLIndex(path)

	assert.True(t, idx.IsKOL("111", ""))
	assert.True(t, idx.IsKOL("222", "whatever"))
	assert.True(t, idx.IsKOL("999", "vitalik"), "fallback handle match")
	assert.False(t, idx.IsKOL("999", "nobody"))
	assert.Equal(t, 2, idx.Size())
}

func TestKOLIndexIsCaseInsensitive(t *testing.T) {
	path := writeKOLList(t, `[{"identity": "AbCdEf", "handle": "SaToShI"}]`)
	idx := NewKOLIndex(path)

	assert.True(t, idx.IsKOL("ABCDEF", ""))
	assert.True(t, idx.IsKOL("abcdef", ""))
	assert.True(t, idx.IsKOL("", "satoshi"))
	assert.True(t, idx.IsKOL("unknown", "SATOSHI"))
}

func TestKOLIndexDegradesToEmptyOnMissingFile(t *testing.T) {
	idx := NewKOLIndex(filepath.Join(t.TempDir(), "does-not-exist.json"))

	assert.False(t, idx.IsKOL("111", "satoshi"))
	assert.Equal(t, 0, idx.Size())
}

func TestKOLIndexDegradesToEmptyOnMalformedFile(t *testing.T) {
	path := writeKOLList(t, `{"not": "an array"`)
	idx := NewKOLIndex(path)

	assert.False(t, idx.IsKOL("111", "satoshi"))
}

func TestKOLIndexReloadPicksUpChanges(t *testing.T) {
	path := writeKOLList(t, `[{"identity": "111"}]`)
	idx := NewKOLIndex(path)
	require.True(t, idx.IsKOL("111", ""))
	require.False(t, idx.IsKOL("333", ""))

	require.NoError(t, os.WriteFile(path, []byte(`[{"identity": "333"}]`), 0o644))
	require.NoError(t, idx.Reload())

	assert.False(t, idx.IsKOL("111", ""))
	assert.True(t, idx.IsKOL("333", ""))
}

func TestKOLIndexReloadKeepsOldSetsOnError(t *testing.T) {
	path := writeKOLList(t, `[{"identity": "111"}]`)
	idx := NewKOLIndex(path)
	require.True(t, idx.IsKOL("111", ""))

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	assert.Error(t, idx.Reload())
	assert.True(t, idx.IsKOL("111", ""), "previous sets survive a failed reload")
}
