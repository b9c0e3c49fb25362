package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/TheEntropyCollective/peersync/pkg/common/workers"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// EventSink receives both local and remote changes
type EventSink interface {
	LocalEventSink
	RemoteEventSink
}

// DetectedChange is a difference found by a scan
type DetectedChange struct {
	Kind     EventKind `json:"kind"`
	Path     string    `json:"path"`
	IsFolder bool      `json:"is_folder"`
}

// ScanResult contains the results of a directory scan
type ScanResult struct {
	LocalEntries  int              `json:"local_entries"`
	RemoteEntries int              `json:"remote_entries"`
	Changes       []DetectedChange `json:"changes"`
	Pruned        []string         `json:"pruned,omitempty"`
	ScanDuration  time.Duration    `json:"scan_duration"`
}

// localEntry is one path found on disk
type localEntry struct {
	path        string
	isFolder    bool
	fingerprint string
}

// DirectoryScanner reconciles the disk and the remote listing against the
// persisted tree after the engine was offline
type DirectoryScanner struct {
	tree    *FileTree
	remote  storage.RemoteStorage
	pool    *workers.SimpleWorkerPool
	include []string
	exclude []string
	logger  *logging.Logger

	// remote content hashes from the previous run
	baseline map[string]string
}

// NewDirectoryScanner creates a new directory scanner
func NewDirectoryScanner(tree *FileTree, remote storage.RemoteStorage, pool *workers.SimpleWorkerPool, include, exclude []string, logger *logging.Logger) *DirectoryScanner {
	if pool == nil {
		pool = workers.NewSimpleWorkerPool(0)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &DirectoryScanner{
		tree:    tree,
		remote:  remote,
		pool:    pool,
		include: include,
		exclude: exclude,
		logger:  logger.WithComponent("directory-scanner"),
	}
}

// SetBaseline supplies the remote hashes seen before the engine went offline.
// Without one, remote updates are detected by modification time only.
func (ds *DirectoryScanner) SetBaseline(hashes map[string]string) {
	ds.baseline = hashes
}

func (ds *DirectoryScanner) remoteChanged(r *storage.RemoteNode, since time.Time) bool {
	if r.ModTime.After(since) {
		return true
	}
	previous, ok := ds.baseline[r.Path]
	return ok && r.ContentHash != "" && r.ContentHash != previous
}

// PerformInitialScan compares disk, remote and tree and returns the events
// that bring them back in line. Entries known to the tree but gone from both
// sides are pruned from the tree directly.
//
// Changes are ordered so that local deletes precede local creates, which lets
// renames made while offline pair into moves.
func (ds *DirectoryScanner) PerformInitialScan(ctx context.Context) (*ScanResult, error) {
	startTime := time.Now()

	local, err := ds.scanLocal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan local directory: %w", err)
	}

	remoteRoot, err := ds.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan remote directory: %w", err)
	}
	remote := remoteRoot.Flatten()
	delete(remote, remoteRoot.Path)

	known := make(map[string]FileComponent)
	for _, c := range ds.tree.Snapshot().Components {
		known[c.Path] = c
	}

	paths := make(map[string]struct{})
	for p := range local {
		paths[p] = struct{}{}
	}
	for p := range remote {
		paths[p] = struct{}{}
	}
	for p := range known {
		paths[p] = struct{}{}
	}

	var deletes, creates, rest []DetectedChange
	result := &ScanResult{LocalEntries: len(local), RemoteEntries: len(remote)}

	for p := range paths {
		if p == ds.tree.Root() || ds.tree.IsExcluded(p) {
			continue
		}
		l, onDisk := local[p]
		r, onRemote := remote[p]
		c, inTree := known[p]

		switch {
		case onDisk && onRemote && inTree:
			if l.isFolder {
				continue
			}
			if c.Fingerprint != "" && l.fingerprint != c.Fingerprint {
				rest = append(rest, DetectedChange{Kind: EventLocalUpdate, Path: p})
			}
			if ds.remoteChanged(r, c.UpdatedAt) {
				rest = append(rest, DetectedChange{Kind: EventRemoteUpdate, Path: p})
			}

		case onDisk && onRemote:
			if l.isFolder && r.IsFolder {
				if _, err := ds.tree.Put(p, true, ""); err != nil {
					return nil, err
				}
				continue
			}
			// both sides hold content we never reconciled
			creates = append(creates, DetectedChange{Kind: EventLocalCreate, Path: p, IsFolder: l.isFolder})
			rest = append(rest, DetectedChange{Kind: EventRemoteCreate, Path: p, IsFolder: r.IsFolder})

		case onDisk && inTree:
			rest = append(rest, DetectedChange{Kind: EventRemoteDelete, Path: p, IsFolder: l.isFolder})

		case onDisk:
			creates = append(creates, DetectedChange{Kind: EventLocalCreate, Path: p, IsFolder: l.isFolder})

		case onRemote && inTree:
			if !c.IsFolder && c.Fingerprint == "" {
				// selected but never downloaded
				creates = append(creates, DetectedChange{Kind: EventRemoteCreate, Path: p})
				continue
			}
			deletes = append(deletes, DetectedChange{Kind: EventLocalDelete, Path: p, IsFolder: r.IsFolder})

		case onRemote:
			creates = append(creates, DetectedChange{Kind: EventRemoteCreate, Path: p, IsFolder: r.IsFolder})

		default:
			result.Pruned = append(result.Pruned, p)
		}
	}

	sort.Strings(result.Pruned)
	for _, p := range result.Pruned {
		ds.tree.Remove(p)
	}

	sortChanges(deletes)
	sortChanges(creates)
	sortChanges(rest)
	result.Changes = append(append(deletes, creates...), rest...)
	result.ScanDuration = time.Since(startTime)

	ds.logger.Info("Initial scan complete", map[string]interface{}{
		"local":    result.LocalEntries,
		"remote":   result.RemoteEntries,
		"changes":  len(result.Changes),
		"pruned":   len(result.Pruned),
		"duration": result.ScanDuration.String(),
	})
	return result, nil
}

func sortChanges(changes []DetectedChange) {
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
}

// Apply delivers the scan result to sink in order
func (ds *DirectoryScanner) Apply(result *ScanResult, sink EventSink) error {
	var errs []error
	for _, change := range result.Changes {
		var err error
		switch change.Kind {
		case EventLocalCreate:
			err = sink.OnLocalCreate(change.Path)
		case EventLocalUpdate:
			err = sink.OnLocalUpdate(change.Path)
		case EventLocalDelete:
			err = sink.OnLocalDelete(change.Path)
		case EventRemoteCreate:
			err = sink.OnRemoteCreate(change.Path, change.IsFolder)
		case EventRemoteUpdate:
			err = sink.OnRemoteUpdate(change.Path)
		case EventRemoteDelete:
			err = sink.OnRemoteDelete(change.Path)
		}
		if err != nil && !errors.Is(err, ErrExcludedPath) && !errors.Is(err, ErrUnknownPath) {
			errs = append(errs, fmt.Errorf("%s %s: %w", change.Kind, change.Path, err))
		}
	}
	return errors.Join(errs...)
}

// scanLocal walks the sync root and fingerprints every file in
// parallel. Excluded paths and files not matching the patterns are skipped.
func (ds *DirectoryScanner) scanLocal(ctx context.Context) (map[string]localEntry, error) {
	root := ds.tree.Root()
	var entries []localEntry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			ds.logger.Warn("Failed to access path during scan", map[string]interface{}{"path": path, "error": err})
			return nil
		}
		if path == root {
			return nil
		}
		if ds.tree.IsExcluded(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		name := filepath.Base(path)
		if info.IsDir() {
			if !MatchesPatterns(name, nil, ds.exclude) {
				return filepath.SkipDir
			}
		} else if !MatchesPatterns(name, ds.include, ds.exclude) {
			return nil
		}
		entries = append(entries, localEntry{path: path, isFolder: info.IsDir()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = ds.pool.ParallelDo(ctx, len(entries), func(ctx context.Context, i int) error {
		if entries[i].isFolder {
			return nil
		}
		fp, err := FileFingerprint(entries[i].path)
		if err != nil {
			// vanished while scanning; the watcher reports it
			return nil
		}
		entries[i].fingerprint = fp
		return nil
	})
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]localEntry, len(entries))
	for _, e := range entries {
		snapshot[e.path] = e
	}
	return snapshot, nil
}
