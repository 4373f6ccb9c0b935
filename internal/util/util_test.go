package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(string(filepath.Separator), "var", "lib", "prefs.db")

	assert.Equal(t, filepath.Join("peer", "data", "prefs.db"), ResolvePath("peer", "data/prefs.db"))
	assert.Equal(t, abs, ResolvePath("peer", abs))
}

func TestWriteJSONFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "out.json")

	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(b))
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingBufferLastMatch(t *testing.T) {
	r := NewRingBuffer[int](3)
	_, ok := r.LastMatch(func(int) bool { return true })
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	v, ok := r.LastMatch(func(n int) bool { return n%2 == 1 })
	require.True(t, ok)
	assert.Equal(t, 5, v)
	v, ok = r.LastMatch(func(n int) bool { return n == 4 })
	require.True(t, ok)
	assert.Equal(t, 4, v)
	_, ok = r.LastMatch(func(n int) bool { return n == 1 })
	assert.False(t, ok, "overwritten elements are gone")
}
