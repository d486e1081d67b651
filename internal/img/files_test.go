package img

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit(t *testing.T) {
	dir := t.TempDir()
	files := []File{
		{Path: filepath.Join(dir, "a.webp"), Data: []byte("optimized")},
		{Path: filepath.Join(dir, "nested", "a_thumb.webp"), Data: []byte("thumb")},
	}

	committed, err := Commit(files)
	require.NoError(t, err)
	assert.Equal(t, []string{files[0].Path, files[1].Path}, committed)

	for _, f := range files {
		got, err := os.ReadFile(f.Path)
		require.NoError(t, err)
		assert.Equal(t, f.Data, got)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".derivative-", "temp file left behind")
	}
}

func TestCommitOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.webp")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	_, err := Commit([]File{{Path: path, Data: []byte("new")}})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestCommitFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	files := []File{
		{Path: filepath.Join(dir, "a.webp"), Data: []byte("optimized")},
		// Parent is a regular file, so MkdirAll fails.
		{Path: filepath.Join(blocker, "a_thumb.webp"), Data: []byte("thumb")},
	}

	committed, err := Commit(files)
	require.Error(t, err)
	assert.Empty(t, committed)
	assert.NoFileExists(t, files[0].Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))

	require.NoError(t, RemoveAll(a, filepath.Join(dir, "missing"), ""))
	assert.NoFileExists(t, a)
}
