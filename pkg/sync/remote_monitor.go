package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// RemoteEventSink receives the changes observed on the remote side
type RemoteEventSink interface {
	OnRemoteCreate(path string, isFolder bool) error
	OnRemoteUpdate(path string) error
	OnRemoteDelete(path string) error
	OnRemoteMove(src, dst string, isFolder bool) error
}

// RemoteChange is one difference between two remote listings
type RemoteChange struct {
	Kind     EventKind `json:"kind"`
	Path     string    `json:"path"`
	Source   string    `json:"source,omitempty"`
	IsFolder bool      `json:"is_folder"`
}

// RemoteChangeMonitor polls the remote listing and reports what changed
// since the previous poll. The first poll only records a baseline.
type RemoteChangeMonitor struct {
	remote       storage.RemoteStorage
	sink         RemoteEventSink
	logger       *logging.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	snapshot map[string]*storage.RemoteNode
	expected map[string]time.Time
	lastPoll time.Time

	errorChan chan error
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRemoteChangeMonitor creates a monitor polling remote every pollInterval
func NewRemoteChangeMonitor(remote storage.RemoteStorage, sink RemoteEventSink, pollInterval time.Duration, logger *logging.Logger) (*RemoteChangeMonitor, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote storage cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink cannot be nil")
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteChangeMonitor{
		remote:       remote,
		sink:         sink,
		logger:       logger.WithComponent("remote-monitor"),
		pollInterval: pollInterval,
		expected:     make(map[string]time.Time),
		errorChan:    make(chan error, 10),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}, nil
}

// Start begins polling in the background
func (rm *RemoteChangeMonitor) Start() {
	rm.startOnce.Do(func() {
		go rm.monitorLoop()
	})
}

// Errors returns a channel that receives polling errors
func (rm *RemoteChangeMonitor) Errors() <-chan error {
	return rm.errorChan
}

// Stop stops polling and waits for an in-progress poll
func (rm *RemoteChangeMonitor) Stop() error {
	rm.stopOnce.Do(func() {
		rm.cancel()
		started := true
		rm.startOnce.Do(func() { started = false })
		if started {
			<-rm.done
		}
		close(rm.errorChan)
	})
	return nil
}

// Expect marks path as changed by us, so the next difference observed for
// it is not reported back as a remote change
func (rm *RemoteChangeMonitor) Expect(path string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.expected[path] = time.Now()
}

// LastPoll returns when the listing was last fetched successfully
func (rm *RemoteChangeMonitor) LastPoll() time.Time {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.lastPoll
}

// Hashes returns the content hash of every file in the last listing, or nil
// before the first successful poll
func (rm *RemoteChangeMonitor) Hashes() map[string]string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.snapshot == nil {
		return nil
	}
	hashes := make(map[string]string, len(rm.snapshot))
	for p, node := range rm.snapshot {
		if !node.IsFolder && node.ContentHash != "" {
			hashes[p] = node.ContentHash
		}
	}
	return hashes
}

func (rm *RemoteChangeMonitor) monitorLoop() {
	defer close(rm.done)

	if _, err := rm.Poll(rm.ctx); err != nil {
		rm.reportError(err)
	}

	ticker := time.NewTicker(rm.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			if _, err := rm.Poll(rm.ctx); err != nil {
				rm.reportError(err)
			}
		}
	}
}

func (rm *RemoteChangeMonitor) reportError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	rm.logger.Warn("Remote poll failed", map[string]interface{}{"error": err})
	select {
	case rm.errorChan <- err:
	default:
	}
}

// Poll fetches the listing once, reports the changes since the previous
// poll to the sink and returns them
func (rm *RemoteChangeMonitor) Poll(ctx context.Context) ([]RemoteChange, error) {
	root, err := rm.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote: %w", err)
	}
	current := root.Flatten()
	delete(current, root.Path)

	rm.mu.Lock()
	previous := rm.snapshot
	rm.snapshot = current
	rm.lastPoll = time.Now()
	if previous == nil {
		rm.mu.Unlock()
		rm.logger.Debug("Remote baseline recorded", map[string]interface{}{"entries": len(current)})
		return nil, nil
	}
	changes := rm.absorbExpected(CompareListings(previous, current))
	rm.mu.Unlock()

	var errs []error
	for _, change := range changes {
		if err := rm.deliver(change); err != nil {
			errs = append(errs, err)
		}
	}
	if len(changes) > 0 {
		rm.logger.Debug("Remote changes detected", map[string]interface{}{"changes": len(changes)})
	}
	return changes, errors.Join(errs...)
}

// absorbExpected drops changes we caused ourselves. Expectations older than
// a few poll intervals are forgotten. The caller holds rm.mu.
func (rm *RemoteChangeMonitor) absorbExpected(changes []RemoteChange) []RemoteChange {
	kept := changes[:0]
	for _, change := range changes {
		if _, ok := rm.expected[change.Path]; ok {
			delete(rm.expected, change.Path)
			continue
		}
		kept = append(kept, change)
	}

	cutoff := time.Now().Add(-3 * rm.pollInterval)
	for path, at := range rm.expected {
		if at.Before(cutoff) {
			delete(rm.expected, path)
		}
	}
	return kept
}

func (rm *RemoteChangeMonitor) deliver(change RemoteChange) error {
	var err error
	switch change.Kind {
	case EventRemoteCreate:
		err = rm.sink.OnRemoteCreate(change.Path, change.IsFolder)
	case EventRemoteUpdate:
		err = rm.sink.OnRemoteUpdate(change.Path)
	case EventRemoteDelete:
		err = rm.sink.OnRemoteDelete(change.Path)
	case EventRemoteMove:
		err = rm.sink.OnRemoteMove(change.Source, change.Path, change.IsFolder)
	}
	if err == nil || errors.Is(err, ErrExcludedPath) || errors.Is(err, ErrUnknownPath) {
		return nil
	}
	return fmt.Errorf("%s %s: %w", change.Kind, change.Path, err)
}

// CompareListings returns the changes that turn previous into current.
// Entries that vanished and reappeared with the same content hash become
// moves. Moves come first, then creates with parents before children, then
// updates, then deletes of the topmost removed entries only.
func CompareListings(previous, current map[string]*storage.RemoteNode) []RemoteChange {
	deleted := make(map[string]*storage.RemoteNode)
	created := make(map[string]*storage.RemoteNode)
	var updated []string

	for path, node := range previous {
		if _, ok := current[path]; !ok {
			deleted[path] = node
		}
	}
	for path, node := range current {
		old, ok := previous[path]
		if !ok {
			created[path] = node
			continue
		}
		if !node.IsFolder && (old.ContentHash != node.ContentHash || old.Version != node.Version) {
			updated = append(updated, path)
		}
	}

	var changes []RemoteChange
	pairs := PairRemoteMoves(deleted, created)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Target < pairs[j].Target })
	for _, pair := range pairs {
		changes = append(changes, RemoteChange{Kind: EventRemoteMove, Path: pair.Target, Source: pair.Source, IsFolder: pair.IsFolder})
	}

	for _, path := range sortedKeys(created) {
		changes = append(changes, RemoteChange{Kind: EventRemoteCreate, Path: path, IsFolder: created[path].IsFolder})
	}

	sort.Strings(updated)
	for _, path := range updated {
		changes = append(changes, RemoteChange{Kind: EventRemoteUpdate, Path: path})
	}

	for _, path := range sortedKeys(deleted) {
		if hasDeletedAncestor(path, deleted) {
			continue
		}
		changes = append(changes, RemoteChange{Kind: EventRemoteDelete, Path: path, IsFolder: deleted[path].IsFolder})
	}
	return changes
}

func sortedKeys(nodes map[string]*storage.RemoteNode) []string {
	keys := make([]string, 0, len(nodes))
	for path := range nodes {
		keys = append(keys, path)
	}
	sort.Strings(keys)
	return keys
}

func hasDeletedAncestor(path string, deleted map[string]*storage.RemoteNode) bool {
	for p := range deleted {
		if p != path && isUnder(path, p) {
			return true
		}
	}
	return false
}
