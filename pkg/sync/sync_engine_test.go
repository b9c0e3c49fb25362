package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
	"github.com/TheEntropyCollective/peersync/pkg/storage/backends"
)

func testSyncConfig(t *testing.T) config.SyncConfig {
	t.Helper()
	base := t.TempDir()
	return config.SyncConfig{
		RootDir:             filepath.Join(base, "root"),
		StateDir:            filepath.Join(base, "state"),
		DebounceMs:          40,
		PairingWindowMs:     10,
		MaxAttempts:         3,
		InitialBackoffMs:    5,
		MaxBackoffMs:        20,
		MaxConcurrentOps:    4,
		PollIntervalSeconds: 1,
		ExcludePatterns:     []string{"*.swp"},
		ConflictResolution:  string(ConflictResolveLocal),
	}
}

func newTestEngine(t *testing.T, cfg config.SyncConfig, remote *backends.MockStorage) *SyncEngine {
	t.Helper()
	engine, err := NewSyncEngine(EngineOptions{
		Remote:     remote,
		Sync:       cfg,
		Registerer: prometheus.NewRegistry(),
		Logger:     logging.Nop(),
	})
	require.NoError(t, err)
	return engine
}

func stopEngine(t *testing.T, engine *SyncEngine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.NoError(t, engine.Stop(ctx))
}

func TestNewSyncEngine_RequiresRemote(t *testing.T) {
	_, err := NewSyncEngine(EngineOptions{Sync: testSyncConfig(t)})
	assert.Error(t, err)
}

func TestSyncEngine_StartReconcilesBothSides(t *testing.T) {
	cfg := testSyncConfig(t)
	remote := backends.NewMockStorage()
	localFile := filepath.Join(cfg.RootDir, "local.txt")
	remoteFile := filepath.Join(cfg.RootDir, "remote.txt")
	writeFile(t, localFile, "from disk")
	remote.Put(remoteFile, []byte("from peer"), false)

	engine := newTestEngine(t, cfg, remote)
	require.NoError(t, engine.Start(context.Background()))
	defer stopEngine(t, engine)

	assert.Error(t, engine.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool {
		content, ok := remote.Content(localFile)
		return ok && string(content) == "from disk"
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(remoteFile)
		return err == nil && string(data) == "from peer"
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool { return engine.Stats().Executions >= 2 }, waitTimeout, 10*time.Millisecond)
	assert.False(t, engine.Stats().LastSync.IsZero())
}

func TestSyncEngine_WatchesLocalChanges(t *testing.T) {
	cfg := testSyncConfig(t)
	remote := backends.NewMockStorage()
	engine := newTestEngine(t, cfg, remote)
	require.NoError(t, engine.Start(context.Background()))
	defer stopEngine(t, engine)

	path := filepath.Join(cfg.RootDir, "notes.txt")
	writeFile(t, path, "draft")
	require.Eventually(t, func() bool { return remote.Has(path) }, waitTimeout, 10*time.Millisecond)

	// editor swap files never leave the machine
	swap := filepath.Join(cfg.RootDir, ".notes.txt.swp")
	writeFile(t, swap, "swap")
	time.Sleep(100 * time.Millisecond)
	assert.False(t, remote.Has(swap))
}

func TestSyncEngine_StopPersistsTree(t *testing.T) {
	cfg := testSyncConfig(t)
	remote := backends.NewMockStorage()
	path := filepath.Join(cfg.RootDir, "keep.txt")
	writeFile(t, path, "keep")

	engine := newTestEngine(t, cfg, remote)
	require.NoError(t, engine.Start(context.Background()))
	require.Eventually(t, func() bool { return remote.Has(path) }, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		c, ok := engine.Tree().Get(path)
		return ok && c.Fingerprint != ""
	}, waitTimeout, 10*time.Millisecond)
	require.NoError(t, engine.Desynchronize("private"))
	stopEngine(t, engine)

	store, err := NewSelectionStore(cfg.StateDir)
	require.NoError(t, err)
	_, err = store.LoadActions()
	require.NoError(t, err)

	reopened := newTestEngine(t, cfg, remote)
	c, ok := reopened.Tree().Get(path)
	require.True(t, ok, "the tree is restored from the state directory")
	assert.True(t, c.Synchronized)
	assert.True(t, reopened.Tree().IsExcluded(filepath.Join(cfg.RootDir, "private", "x")))

	// nothing changed while offline, so the restart has nothing to do
	require.NoError(t, reopened.Start(context.Background()))
	defer stopEngine(t, reopened)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, remote.CallsFor("upload"), 1)
}

func TestSyncEngine_SelectionPaths(t *testing.T) {
	cfg := testSyncConfig(t)
	remote := backends.NewMockStorage()
	remoteDir := filepath.Join(cfg.RootDir, "shared")
	remote.Put(remoteDir, nil, true)
	remote.Put(filepath.Join(remoteDir, "a.txt"), []byte("a"), false)

	engine := newTestEngine(t, cfg, remote)
	require.NoError(t, engine.Desynchronize("shared"))
	require.NoError(t, engine.Start(context.Background()))
	defer stopEngine(t, engine)

	time.Sleep(50 * time.Millisecond)
	assert.NoDirExists(t, remoteDir, "excluded paths are not downloaded")

	require.NoError(t, engine.Synchronize(context.Background(), "shared"))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(remoteDir, "a.txt"))
		return err == nil && string(data) == "a"
	}, waitTimeout, 10*time.Millisecond)
	assert.True(t, engine.Tree().IsSynchronized(remoteDir))

	err := engine.Synchronize(context.Background(), "../outside")
	assert.Equal(t, storage.ErrCodeIllegalFileLocation, storage.CodeOf(err))
	err = engine.Desynchronize("/elsewhere")
	assert.Equal(t, storage.ErrCodeIllegalFileLocation, storage.CodeOf(err))
}

func TestSyncEngine_ExpectsOnlyChangedRemotePaths(t *testing.T) {
	cfg := testSyncConfig(t)
	engine := newTestEngine(t, cfg, backends.NewMockStorage())
	src := filepath.Join(cfg.RootDir, "a.txt")
	dst := filepath.Join(cfg.RootDir, "b.txt")

	expected := func() map[string]bool {
		engine.monitor.mu.Lock()
		defer engine.monitor.mu.Unlock()
		paths := make(map[string]bool, len(engine.monitor.expected))
		for p := range engine.monitor.expected {
			paths[p] = true
		}
		return paths
	}

	// an upload skipped for unchanged content
	engine.observe(Notification{Kind: NotifySucceeded, State: StateLocalUpdate, Path: src})
	assert.Empty(t, expected())

	engine.observe(Notification{Kind: NotifySucceeded, State: StateLocalMove, Path: src, RemotePaths: []string{src, dst}})
	assert.Equal(t, map[string]bool{src: true, dst: true}, expected())

	engine.observe(Notification{Kind: NotifyFailed, State: StateLocalCreate, Path: filepath.Join(cfg.RootDir, "c.txt")})
	assert.Len(t, expected(), 2)
	assert.EqualValues(t, 2, engine.Stats().Executions)
}
