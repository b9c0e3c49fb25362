package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheEntropyCollective/peersync/pkg/common/workers"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// EngineOptions configures a SyncEngine
type EngineOptions struct {
	Remote storage.RemoteStorage
	// Local defaults to the operating system filesystem below the sync root
	Local storage.LocalFS
	Sync  config.SyncConfig
	// NotificationURL enables the websocket change feed when set
	NotificationURL string
	Registerer      prometheus.Registerer
	Logger          *logging.Logger
}

// SyncEngineStats represents sync engine statistics
type SyncEngineStats struct {
	Executions   int64     `json:"executions"`
	Failures     int64     `json:"failures"`
	Conflicts    int64     `json:"conflicts"`
	Faults       int64     `json:"faults"`
	PendingMoves int       `json:"pending_moves"`
	Actions      int       `json:"actions"`
	InFlight     int       `json:"in_flight"`
	LastSync     time.Time `json:"last_sync"`
}

// SyncEngine wires the event sources, the event manager and persistence
// together for one sync root
type SyncEngine struct {
	config   config.SyncConfig
	remote   storage.RemoteStorage
	tree     *FileTree
	store    *SelectionStore
	manager  *Manager
	watcher  *FileWatcher
	monitor  *RemoteChangeMonitor
	listener *NotificationListener
	scanner  *DirectoryScanner
	logger   *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	dirty   atomic.Bool

	statsMu sync.RWMutex
	stats   SyncEngineStats
}

// NewSyncEngine creates a new sync engine. The persisted tree is loaded
// from the state directory if present.
func NewSyncEngine(opts EngineOptions) (*SyncEngine, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote storage cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	root, err := filepath.Abs(opts.Sync.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sync root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sync root: %w", err)
	}

	local := opts.Local
	if local == nil {
		osfs, err := storage.NewOSFileSystem(root)
		if err != nil {
			return nil, err
		}
		local = osfs
	}

	tree := NewFileTree(root)
	store, err := NewSelectionStore(opts.Sync.StateDir)
	if err != nil {
		return nil, err
	}
	loaded, err := store.Load(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	managerConfig := ManagerConfigFromSync(opts.Sync)
	managerConfig.Registerer = opts.Registerer
	manager, err := NewManager(opts.Remote, local, tree, managerConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := &SyncEngine{
		config:  opts.Sync,
		remote:  opts.Remote,
		tree:    tree,
		store:   store,
		manager: manager,
		logger:  logger.WithComponent("sync-engine"),
		ctx:     ctx,
		cancel:  cancel,
	}

	engine.watcher, err = NewFileWatcher(WatcherConfig{
		Recursive:       true,
		IncludePatterns: opts.Sync.IncludePatterns,
		ExcludePatterns: opts.Sync.ExcludePatterns,
	}, manager, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	engine.monitor, err = NewRemoteChangeMonitor(opts.Remote, manager, opts.Sync.PollInterval(), logger)
	if err != nil {
		cancel()
		engine.watcher.Stop()
		return nil, err
	}

	if opts.NotificationURL != "" {
		engine.listener, err = NewNotificationListener(opts.NotificationURL, root, manager, logger)
		if err != nil {
			cancel()
			engine.watcher.Stop()
			return nil, err
		}
	}

	engine.scanner = NewDirectoryScanner(tree, opts.Remote, workers.NewSimpleWorkerPool(opts.Sync.MaxConcurrentOps),
		opts.Sync.IncludePatterns, opts.Sync.ExcludePatterns, logger)
	if baseline, err := store.LoadListing(); err != nil {
		engine.logger.Warn("Ignoring persisted remote listing", map[string]interface{}{"error": err})
	} else {
		engine.scanner.SetBaseline(baseline)
	}

	manager.Subscribe(engine.observe)

	engine.logger.Info("Sync engine created", map[string]interface{}{
		"root":          root,
		"state_loaded":  loaded,
		"notifications": opts.NotificationURL != "",
	})
	return engine, nil
}

// Manager returns the event manager
func (se *SyncEngine) Manager() *Manager {
	return se.manager
}

// Tree returns the file tree
func (se *SyncEngine) Tree() *FileTree {
	return se.tree
}

// Start performs the initial scan and begins watching both sides
func (se *SyncEngine) Start(ctx context.Context) error {
	if !se.started.CompareAndSwap(false, true) {
		return fmt.Errorf("sync engine already started")
	}

	if err := se.remote.CheckSession(ctx); err != nil {
		// operations fail with a transient error and are retried
		se.logger.Warn("Remote session unavailable", map[string]interface{}{"error": err})
	}

	if err := se.watcher.AddPath(se.tree.Root()); err != nil {
		return fmt.Errorf("failed to watch sync root: %w", err)
	}

	result, err := se.scanner.PerformInitialScan(ctx)
	if err != nil {
		se.logger.Warn("Initial scan failed", map[string]interface{}{"error": err})
	} else if err := se.scanner.Apply(result, se.manager); err != nil {
		se.logger.Warn("Some scan results were not applied", map[string]interface{}{"error": err})
	}

	se.monitor.Start()
	if se.listener != nil {
		se.wg.Add(1)
		go func() {
			defer se.wg.Done()
			se.listener.Run(se.ctx)
		}()
	}

	se.wg.Add(1)
	go se.housekeeping()

	se.logger.Info("Sync engine started", map[string]interface{}{"root": se.tree.Root()})
	return nil
}

// Stop shuts the sources down, waits for in-flight operations and persists
// the tree
func (se *SyncEngine) Stop(ctx context.Context) error {
	se.cancel()

	var errs []error
	if err := se.watcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := se.monitor.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := se.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown incomplete: %w", err))
	}
	se.wg.Wait()

	if err := se.persist(); err != nil {
		errs = append(errs, err)
	}
	se.logger.Info("Sync engine stopped")
	return errors.Join(errs...)
}

// Synchronize opts path into synchronization
func (se *SyncEngine) Synchronize(ctx context.Context, path string) error {
	path, err := se.absolute(path)
	if err != nil {
		return err
	}
	isFolder := false
	if info, err := os.Stat(path); err == nil {
		isFolder = info.IsDir()
	} else if root, lerr := se.remote.List(ctx); lerr == nil {
		if node := root.Find(path); node != nil {
			isFolder = node.IsFolder
		}
	}
	if err := se.manager.OnFileSynchronized(ctx, path, isFolder); err != nil {
		return err
	}
	se.dirty.Store(true)
	return nil
}

// Desynchronize opts path out of synchronization
func (se *SyncEngine) Desynchronize(path string) error {
	path, err := se.absolute(path)
	if err != nil {
		return err
	}
	if err := se.manager.OnFileDesynchronized(path); err != nil {
		return err
	}
	se.dirty.Store(true)
	return nil
}

func (se *SyncEngine) absolute(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(se.tree.Root(), path)
	}
	path = filepath.Clean(path)
	if err := storage.ValidatePathInBounds(path, se.tree.Root()); err != nil {
		return "", storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "select", path, err)
	}
	return path, nil
}

// Stats returns a snapshot of the engine statistics
func (se *SyncEngine) Stats() SyncEngineStats {
	se.statsMu.RLock()
	stats := se.stats
	se.statsMu.RUnlock()

	stats.PendingMoves = len(se.manager.PendingMoveSources())
	stats.Actions = len(se.manager.Actions())
	stats.InFlight = se.manager.Executor().InFlight()
	return stats
}

// observe keeps statistics and tells the remote monitor which remote entries
// our own executions changed
func (se *SyncEngine) observe(n Notification) {
	se.statsMu.Lock()
	switch n.Kind {
	case NotifySucceeded:
		se.stats.Executions++
		se.stats.LastSync = n.Time
	case NotifyFailed:
		se.stats.Failures++
	case NotifyConflict:
		se.stats.Conflicts++
	case NotifyFault:
		se.stats.Faults++
	}
	se.statsMu.Unlock()

	if n.Kind == NotifySucceeded {
		se.dirty.Store(true)
		for _, path := range n.RemotePaths {
			se.monitor.Expect(path)
		}
	}
}

// housekeeping persists state and drains error channels until the engine stops
func (se *SyncEngine) housekeeping() {
	defer se.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	watcherErrors := se.watcher.Errors()
	monitorErrors := se.monitor.Errors()
	for {
		select {
		case <-se.ctx.Done():
			return
		case err, ok := <-watcherErrors:
			if !ok {
				watcherErrors = nil
				continue
			}
			se.logger.Warn("Local change not applied", map[string]interface{}{"error": err})
		case err, ok := <-monitorErrors:
			if !ok {
				monitorErrors = nil
				continue
			}
			se.logger.Debug("Remote monitor error", map[string]interface{}{"error": err})
		case <-ticker.C:
			if se.dirty.Load() {
				if err := se.persist(); err != nil {
					se.logger.Error("Failed to persist sync state", map[string]interface{}{"error": err})
				}
			}
		}
	}
}

func (se *SyncEngine) persist() error {
	se.dirty.Store(false)
	if err := se.store.Save(se.tree); err != nil {
		se.dirty.Store(true)
		return err
	}
	if err := se.store.SaveActions(se.manager.Actions()); err != nil {
		return err
	}
	if hashes := se.monitor.Hashes(); hashes != nil {
		return se.store.SaveListing(hashes)
	}
	return nil
}
