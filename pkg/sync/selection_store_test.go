package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectionStore_SaveAndLoad(t *testing.T) {
	store, err := NewSelectionStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	tree := NewFileTree("/sync")
	_, err = tree.Put("/sync/docs/a.txt", false, "fp-a")
	require.NoError(t, err)
	_, err = tree.Put("/sync/docs/a.txt", false, "fp-b")
	require.NoError(t, err)
	tree.Exclude("/sync/private")

	require.NoError(t, store.Save(tree))
	assert.False(t, store.SavedAt().IsZero())
	assert.FileExists(t, store.Path())

	restored := NewFileTree("/sync")
	loaded, err := store.Load(restored)
	require.NoError(t, err)
	assert.True(t, loaded)

	c, ok := restored.Get("/sync/docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, "fp-b", c.Fingerprint)
	assert.Equal(t, 1, c.Version)
	assert.True(t, c.Synchronized)
	assert.True(t, restored.IsExcluded("/sync/private/x"))
}

func TestSelectionStore_LoadMissing(t *testing.T) {
	store, err := NewSelectionStore(t.TempDir())
	require.NoError(t, err)

	tree := NewFileTree("/sync")
	_, err = tree.Put("/sync/a", false, "fp")
	require.NoError(t, err)

	loaded, err := store.Load(tree)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.True(t, tree.Contains("/sync/a"), "a missing file leaves the tree untouched")

	actions, err := store.LoadActions()
	require.NoError(t, err)
	assert.Nil(t, actions)
}

func TestSelectionStore_LoadRejectsOtherRoot(t *testing.T) {
	store, err := NewSelectionStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(NewFileTree("/sync")))

	_, err = store.Load(NewFileTree("/elsewhere"))
	assert.Error(t, err)
}

func TestSelectionStore_LoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSelectionStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0644))

	_, err = store.Load(NewFileTree("/sync"))
	assert.Error(t, err)
}

func TestSelectionStore_Actions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSelectionStore(dir)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	actions := []ActionInfo{
		{Path: "/sync/a", State: StateLocalUpdate, Attempts: 1, Timestamp: now},
		{Path: "/sync/b", State: StateLocalMove, Source: "/sync/old", Failed: true, LastError: "no session", Timestamp: now},
	}
	require.NoError(t, store.SaveActions(actions))

	loaded, err := store.LoadActions()
	require.NoError(t, err)
	assert.Equal(t, actions, loaded)

	// no temporary files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	loaded, err = store.LoadActions()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSelectionStore_Listing(t *testing.T) {
	store, err := NewSelectionStore(t.TempDir())
	require.NoError(t, err)

	hashes, err := store.LoadListing()
	require.NoError(t, err)
	assert.Nil(t, hashes)

	saved := map[string]string{"/sync/a": "QmA", "/sync/d/b": "QmB"}
	require.NoError(t, store.SaveListing(saved))
	hashes, err = store.LoadListing()
	require.NoError(t, err)
	assert.Equal(t, saved, hashes)

	require.NoError(t, store.Clear())
	hashes, err = store.LoadListing()
	require.NoError(t, err)
	assert.Nil(t, hashes)
}
