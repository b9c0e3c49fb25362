package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
)

// LocalEventSink receives the changes observed in the local filesystem
type LocalEventSink interface {
	OnLocalCreate(path string) error
	OnLocalUpdate(path string) error
	OnLocalDelete(path string) error
}

// WatcherConfig controls which paths the watcher reports
type WatcherConfig struct {
	// Recursive adds every subdirectory, including ones created later
	Recursive       bool
	IncludePatterns []string
	ExcludePatterns []string
}

// FileWatcher watches the local directory tree and forwards changes to a
// LocalEventSink. Renames arrive as a delete of the old path and a create of
// the new one; pairing them into a move is left to the sink.
type FileWatcher struct {
	watcher      *fsnotify.Watcher
	sink         LocalEventSink
	watchedPaths map[string]bool
	errorChan    chan error
	config       WatcherConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	stopOnce     sync.Once
}

// NewFileWatcher creates a new file watcher with the given configuration
func NewFileWatcher(config WatcherConfig, sink LocalEventSink, logger *logging.Logger) (*FileWatcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	fw := &FileWatcher{
		watcher:      watcher,
		sink:         sink,
		watchedPaths: make(map[string]bool),
		errorChan:    make(chan error, 10),
		config:       config,
		logger:       logger.WithComponent("file-watcher"),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go fw.eventLoop()

	return fw, nil
}

// AddPath adds a directory path to be watched for changes
func (fw *FileWatcher) AddPath(path string) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.addLocked(path)
}

func (fw *FileWatcher) addLocked(path string) error {
	if !fw.watchedPaths[path] {
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to add path to watcher: %w", err)
		}
		fw.watchedPaths[path] = true
	}

	if !fw.config.Recursive {
		return nil
	}

	err := filepath.Walk(path, func(subPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || subPath == path || fw.watchedPaths[subPath] {
			return nil
		}
		if fw.shouldIgnorePath(subPath, true) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(subPath); err != nil {
			return fmt.Errorf("failed to add subdirectory to watcher: %w", err)
		}
		fw.watchedPaths[subPath] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add subdirectories to watcher: %w", err)
	}
	return nil
}

// RemovePath removes a directory path from being watched
func (fw *FileWatcher) RemovePath(path string) error {
	path = filepath.Clean(path)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.watchedPaths[path] {
		return nil
	}

	if err := fw.watcher.Remove(path); err != nil {
		return fmt.Errorf("failed to remove path from watcher: %w", err)
	}
	delete(fw.watchedPaths, path)

	for watchedPath := range fw.watchedPaths {
		if strings.HasPrefix(watchedPath, path+string(os.PathSeparator)) {
			if err := fw.watcher.Remove(watchedPath); err != nil {
				fw.reportError(fmt.Errorf("failed to remove subdirectory %s: %w", watchedPath, err))
			}
			delete(fw.watchedPaths, watchedPath)
		}
	}

	return nil
}

// Errors returns a channel that receives watcher and sink errors
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errorChan
}

// Stop stops the file watcher. The error channel is closed once the event
// loop has exited.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.cancel()
		if cerr := fw.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		<-fw.done
		close(fw.errorChan)
	})
	return err
}

func (fw *FileWatcher) reportError(err error) {
	select {
	case fw.errorChan <- err:
	default:
		fw.logger.Warn("Watcher error dropped", map[string]interface{}{"error": err})
	}
}

// eventLoop processes fsnotify events until the watcher stops
func (fw *FileWatcher) eventLoop() {
	defer close(fw.done)

	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.reportError(err)
		}
	}
}

// handleFsEvent translates a single fsnotify event for the sink
func (fw *FileWatcher) handleFsEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if fw.shouldIgnorePath(path, fw.forgetDir(path)) {
			return
		}
		fw.deliver(path, fw.sink.OnLocalDelete)

	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			// gone again before we looked
			return
		}
		if fw.shouldIgnorePath(path, info.IsDir()) {
			return
		}
		fw.deliver(path, fw.sink.OnLocalCreate)
		if info.IsDir() && fw.config.Recursive {
			fw.adoptDir(path)
		}

	case event.Has(fsnotify.Write):
		if fw.shouldIgnorePath(path, false) {
			return
		}
		fw.deliver(path, fw.sink.OnLocalUpdate)
	}
}

func (fw *FileWatcher) deliver(path string, fn func(string) error) {
	err := fn(path)
	if err == nil || errors.Is(err, ErrExcludedPath) || errors.Is(err, ErrUnknownPath) {
		return
	}
	fw.reportError(fmt.Errorf("%s: %w", path, err))
}

// adoptDir watches a directory created after startup and reports the
// entries that appeared in it before its watch was in place
func (fw *FileWatcher) adoptDir(dir string) {
	fw.mu.Lock()
	err := fw.addLocked(dir)
	fw.mu.Unlock()
	if err != nil {
		fw.reportError(fmt.Errorf("failed to add new directory to watcher: %w", err))
		return
	}

	_ = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || p == dir {
			return nil
		}
		if fw.shouldIgnorePath(p, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fw.deliver(p, fw.sink.OnLocalCreate)
		return nil
	})
}

// forgetDir drops bookkeeping for a removed directory and reports whether
// path was one. fsnotify already removed the watches themselves.
func (fw *FileWatcher) forgetDir(path string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	wasDir := fw.watchedPaths[path]
	for watchedPath := range fw.watchedPaths {
		if watchedPath == path || strings.HasPrefix(watchedPath, path+string(os.PathSeparator)) {
			delete(fw.watchedPaths, watchedPath)
		}
	}
	return wasDir
}

// shouldIgnorePath checks if a path should be ignored based on patterns.
// Include patterns select files only; directories are always descended.
func (fw *FileWatcher) shouldIgnorePath(path string, isDir bool) bool {
	if isDir {
		return !MatchesPatterns(filepath.Base(path), nil, fw.config.ExcludePatterns)
	}
	return !MatchesPatterns(filepath.Base(path), fw.config.IncludePatterns, fw.config.ExcludePatterns)
}

// MatchesPatterns reports whether name passes the include and exclude glob
// patterns. Exclusions win; an empty include list admits everything.
func MatchesPatterns(name string, include, exclude []string) bool {
	for _, pattern := range exclude {
		if matched, _ := filepath.Match(pattern, name); matched {
			return false
		}
	}

	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// GetWatchedPaths returns a copy of currently watched paths
func (fw *FileWatcher) GetWatchedPaths() []string {
	fw.mu.RLock()
	defer fw.mu.RUnlock()

	paths := make([]string, 0, len(fw.watchedPaths))
	for path := range fw.watchedPaths {
		paths = append(paths, path)
	}

	return paths
}
