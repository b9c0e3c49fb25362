package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTree_PutAndGet(t *testing.T) {
	tree := NewFileTree("/sync")

	version, err := tree.Put("/sync/docs/a.txt", false, "fp1")
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	c, ok := tree.Get("/sync/docs/a.txt")
	require.True(t, ok)
	assert.False(t, c.IsFolder)
	assert.Equal(t, "fp1", c.Fingerprint)
	assert.True(t, c.Synchronized)

	parent, ok := tree.Get("/sync/docs")
	require.True(t, ok, "missing parents are created")
	assert.True(t, parent.IsFolder)
	assert.True(t, parent.Synchronized)

	assert.Equal(t, []string{"/sync/docs/a.txt"}, tree.Children("/sync/docs"))
}

func TestFileTree_VersionIncrementsOnNewContent(t *testing.T) {
	tree := NewFileTree("/sync")

	_, err := tree.Put("/sync/a.txt", false, "fp1")
	require.NoError(t, err)

	version, err := tree.Put("/sync/a.txt", false, "fp1")
	require.NoError(t, err)
	assert.Equal(t, 0, version, "same content keeps the version")

	version, err = tree.Put("/sync/a.txt", false, "fp2")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	version, err = tree.Recovered("/sync/a.txt", "fp1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	_, err = tree.Recovered("/sync/unknown", "fp")
	assert.ErrorIs(t, err, ErrMissingContent)
}

func TestFileTree_RejectsPathsOutsideRoot(t *testing.T) {
	tree := NewFileTree("/sync")

	_, err := tree.Put("/elsewhere/a.txt", false, "fp")
	assert.Error(t, err)
	assert.False(t, tree.Contains("/elsewhere/a.txt"))
}

func TestFileTree_RemoveSubtree(t *testing.T) {
	tree := NewFileTree("/sync")
	_, _ = tree.Put("/sync/dir/a.txt", false, "a")
	_, _ = tree.Put("/sync/dir/b.txt", false, "b")

	assert.True(t, tree.Remove("/sync/dir"))
	assert.False(t, tree.Contains("/sync/dir/a.txt"))
	assert.False(t, tree.Remove("/sync/dir"))
	assert.False(t, tree.Remove("/sync"), "the root cannot be removed")
}

func TestFileTree_MoveRebasesDescendants(t *testing.T) {
	tree := NewFileTree("/sync")
	_, _ = tree.Put("/sync/old/a.txt", false, "a")
	_, _ = tree.Put("/sync/old/sub/b.txt", false, "b")

	require.NoError(t, tree.Move("/sync/old", "/sync/new/place"))

	assert.False(t, tree.Contains("/sync/old"))
	c, ok := tree.Get("/sync/new/place/sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, "b", c.Fingerprint)
	assert.Equal(t, "/sync/new/place/sub/b.txt", c.Path)

	err := tree.Move("/sync/missing", "/sync/x")
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestFileTree_MoveRejectsInvalidTargets(t *testing.T) {
	tree := NewFileTree("/sync")
	_, _ = tree.Put("/sync/notes.txt", false, "n")
	_, _ = tree.Put("/sync/dir/a.txt", false, "a")

	assert.Error(t, tree.Move("/sync/dir/a.txt", "/sync/notes.txt/a.txt"), "a file cannot hold children")
	assert.Error(t, tree.Move("/sync/dir", "/sync/dir/inner"), "a folder cannot move below itself")

	// failed moves leave the tree untouched
	c, ok := tree.Get("/sync/dir/a.txt")
	require.True(t, ok)
	assert.Equal(t, "a", c.Fingerprint)
	c, ok = tree.Get("/sync/notes.txt")
	require.True(t, ok)
	assert.False(t, c.IsFolder)
}

func TestFileTree_Synchronization(t *testing.T) {
	tree := NewFileTree("/sync")

	require.NoError(t, tree.SetSynchronized("/sync/photos/2024", true, true))
	assert.True(t, tree.IsSynchronized("/sync/photos/2024"))
	assert.True(t, tree.IsSynchronized("/sync/photos"))

	_, _ = tree.Put("/sync/photos/2024/a.jpg", false, "a")
	require.NoError(t, tree.SetSynchronized("/sync/photos", true, false))
	assert.False(t, tree.IsSynchronized("/sync/photos/2024/a.jpg"))
	assert.Empty(t, tree.GetSynchronizedPathsAsSet())

	// unknown paths are not created when desynchronized
	require.NoError(t, tree.SetSynchronized("/sync/never", false, false))
	assert.False(t, tree.Contains("/sync/never"))
}

func TestFileTree_Exclusions(t *testing.T) {
	tree := NewFileTree("/sync")

	tree.Exclude("/sync/private")
	assert.True(t, tree.IsExcluded("/sync/private"))
	assert.True(t, tree.IsExcluded("/sync/private/deep/file"))
	assert.False(t, tree.IsExcluded("/sync/privateer"))

	tree.Exclude("/sync/other/cache")
	tree.Unexclude("/sync/other/cache/inner")
	assert.False(t, tree.IsExcluded("/sync/other/cache/inner"))

	tree.Exclude("/sync/a/b")
	tree.Unexclude("/sync/a")
	assert.False(t, tree.IsExcluded("/sync/a/b"), "lifting a folder lifts excluded descendants")

	assert.Equal(t, []string{"/sync/private"}, tree.ExcludedPaths())
}

func TestFileTree_SnapshotRestore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sync")
	tree := NewFileTree(root)
	_, _ = tree.Put(filepath.Join(root, "a", "b.txt"), false, "b")
	_, _ = tree.Put(filepath.Join(root, "a", "b.txt"), false, "b2")
	tree.Exclude(filepath.Join(root, "skip"))

	restored := NewFileTree(root)
	require.NoError(t, restored.Restore(tree.Snapshot()))

	c, ok := restored.Get(filepath.Join(root, "a", "b.txt"))
	require.True(t, ok)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, "b2", c.Fingerprint)
	assert.True(t, restored.IsExcluded(filepath.Join(root, "skip", "x")))

	other := NewFileTree(filepath.Join(t.TempDir(), "elsewhere"))
	assert.Error(t, other.Restore(tree.Snapshot()))
}
