package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// ManagerConfig holds the tuning of the reconciliation engine
type ManagerConfig struct {
	Debounce            time.Duration
	PairingWindow       time.Duration
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	MaxConcurrentOps    int
	DeleteLocalOnDesync bool
	ConflictResolution  ConflictResolution

	// Registerer receives the engine metrics; nil leaves them unregistered
	Registerer prometheus.Registerer
}

// DefaultManagerConfig returns the engine defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfigFromSync(config.DefaultConfig().Sync)
}

// ManagerConfigFromSync converts the sync section of the configuration file
func ManagerConfigFromSync(cfg config.SyncConfig) ManagerConfig {
	return ManagerConfig{
		Debounce:            cfg.Debounce(),
		PairingWindow:       cfg.PairingWindow(),
		MaxAttempts:         cfg.MaxAttempts,
		InitialBackoff:      cfg.InitialBackoff(),
		MaxBackoff:          cfg.MaxBackoff(),
		MaxConcurrentOps:    cfg.MaxConcurrentOps,
		DeleteLocalOnDesync: cfg.DeleteLocalOnDesync,
		ConflictResolution:  ConflictResolution(cfg.ConflictResolution),
	}
}

// Manager is the single entry point for local and remote change events. It
// maps every event onto the Action of its path, advances the Action's state
// machine and hands executable Actions to the Executor.
type Manager struct {
	config   ManagerConfig
	remote   storage.RemoteStorage
	local    storage.LocalFS
	tree     *FileTree
	index    *actionIndex
	executor *Executor
	moves    *MoveDetector
	resolver *ConflictResolver
	history  *ConflictHistory
	notes    *notifier
	metrics  *Metrics
	logger   *logging.Logger
	closed   atomic.Bool
}

// outbox collects notifications raised under an Action lock; they are
// published once the lock is released.
type outbox []Notification

// NewManager creates an event manager over the given remote store, local
// filesystem and tree
func NewManager(remote storage.RemoteStorage, local storage.LocalFS, tree *FileTree, cfg ManagerConfig, logger *logging.Logger) (*Manager, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote storage is required")
	}
	if local == nil {
		return nil, fmt.Errorf("local filesystem is required")
	}
	if tree == nil {
		return nil, fmt.Errorf("file tree is required")
	}
	if cfg.PairingWindow <= 0 {
		return nil, fmt.Errorf("pairing window must be positive")
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = ConflictResolvePrompt
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	resolver, err := NewConflictResolver(cfg.ConflictResolution)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:   cfg,
		remote:   remote,
		local:    local,
		tree:     tree,
		index:    newActionIndex(),
		moves:    NewMoveDetector(cfg.PairingWindow),
		resolver: resolver,
		history:  NewConflictHistory(0),
		notes:    newNotifier(),
		metrics:  NewMetrics(cfg.Registerer),
		logger:   logger.WithComponent("event-manager"),
	}
	m.executor = newExecutor(ExecutorConfig{
		Debounce:       cfg.Debounce,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxConcurrent:  cfg.MaxConcurrentOps,
	}, m, logger, m.metrics)

	return m, nil
}

// Tree returns the file tree maintained by the manager
func (m *Manager) Tree() *FileTree {
	return m.tree
}

// Executor returns the executor driving remote operations
func (m *Manager) Executor() *Executor {
	return m.executor
}

// ConflictHistory returns the record of resolved conflicts
func (m *Manager) ConflictHistory() *ConflictHistory {
	return m.history
}

// Subscribe registers fn for execution notifications. fn runs synchronously
// and must not block. The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(Notification)) func() {
	return m.notes.subscribe(fn)
}

// Actions returns a snapshot of every pending Action
func (m *Manager) Actions() []ActionInfo {
	actions := m.index.all()
	infos := make([]ActionInfo, 0, len(actions))
	for _, a := range actions {
		infos = append(infos, a.Info())
	}
	return infos
}

// Action returns a snapshot of the Action for path
func (m *Manager) Action(path string) (ActionInfo, bool) {
	a := m.index.get(path)
	if a == nil {
		return ActionInfo{}, false
	}
	return a.Info(), true
}

// PendingMoveSources returns local deletes still waiting for a matching create
func (m *Manager) PendingMoveSources() []string {
	return m.moves.Pending()
}

func (m *Manager) flush(out outbox) {
	for _, note := range out {
		m.notes.publish(note)
	}
}

// accept rejects events once shut down, for excluded paths and for paths
// outside the synchronized root
func (m *Manager) accept(path string, kind EventKind) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if err := storage.ValidatePathInBounds(path, m.tree.Root()); err != nil {
		return m.drop("out_of_bounds", path, kind, storage.NewStorageError(storage.ErrCodeIllegalFileLocation, kind.String(), path, err))
	}
	if m.tree.IsExcluded(path) {
		m.metrics.droppedTotal.WithLabelValues("excluded").Inc()
		m.logger.Debug("Event for excluded path ignored", map[string]interface{}{"path": path, "event": kind.String()})
		return ErrExcludedPath
	}
	return nil
}

func (m *Manager) drop(reason, path string, kind EventKind, err error) error {
	m.metrics.droppedTotal.WithLabelValues(reason).Inc()
	m.logger.Warn("Event dropped", map[string]interface{}{
		"path":   path,
		"event":  kind.String(),
		"reason": reason,
	})
	return err
}

// dispatch applies a live event to the Action of ev.Path, creating it if
// needed. touch runs under the Action lock before the transition.
func (m *Manager) dispatch(ev Event, touch func(a *Action)) error {
	for {
		a, created := m.index.getOrCreate(ev.Path, ev.IsFolder, ev.Time)
		a.mu.Lock()
		if a.removed {
			// lost a race with the executor removing it; take a fresh one
			a.mu.Unlock()
			continue
		}
		if created {
			m.metrics.actions.Set(float64(m.index.len()))
		}
		if touch != nil {
			touch(a)
		}
		var out outbox
		err := m.applyLocked(a, ev, &out)
		a.mu.Unlock()
		m.flush(out)
		return err
	}
}

// applyLocked applies ev and settles the Action. The caller holds a.mu.
func (m *Manager) applyLocked(a *Action, ev Event, out *outbox) error {
	prior := a.state
	if err := a.applyLocked(ev, true); err != nil {
		m.faultLocked(a, err, out)
		m.settleLocked(a, out)
		return err
	}
	if a.executing {
		m.logger.Debug("Event queued behind execution", map[string]interface{}{
			"path":   a.path,
			"event":  ev.Kind.String(),
			"queued": len(a.queue),
		})
		return nil
	}
	m.logger.Debug("State transition", map[string]interface{}{
		"path":  a.path,
		"event": ev.Kind.String(),
		"from":  prior.String(),
		"to":    a.state.String(),
	})
	m.settleLocked(a, out)
	return nil
}

func (m *Manager) faultLocked(a *Action, err error, out *outbox) {
	m.metrics.faultsTotal.Inc()
	m.logger.Error("Protocol fault", map[string]interface{}{
		"path":  a.path,
		"state": a.state.String(),
		"error": err,
	})
	*out = append(*out, newNotification(NotifyFault, a.path, a.state.Kind, a.attempts, err))
}

// settleLocked decides what happens next to an Action whose state just
// changed: idle Actions leave the index, conflicts are reported once and
// parked, failed Actions wait for a trigger, everything else is (re)scheduled.
func (m *Manager) settleLocked(a *Action, out *outbox) {
	switch {
	case a.executing:
		// completion re-evaluates
	case a.idleLocked():
		a.stopTimerLocked()
		if m.index.removeLocked(a) {
			m.metrics.actions.Set(float64(m.index.len()))
		}
	case a.state.Kind == StateConflict:
		a.stopTimerLocked()
		if !a.reported {
			a.reported = true
			m.metrics.conflictsTotal.Inc()
			m.logger.Warn("Conflict detected", map[string]interface{}{"path": a.path})
			*out = append(*out, newNotification(NotifyConflict, a.path, StateConflict, a.attempts, nil))
		}
	case a.failed:
		a.stopTimerLocked()
	default:
		m.executor.scheduleLocked(a, m.config.Debounce)
	}
}

func (m *Manager) diskFingerprint(path string, isFolder bool) string {
	var (
		fp  string
		err error
	)
	if isFolder {
		fp, err = FolderFingerprint(path)
	} else {
		fp, err = FileFingerprint(path)
	}
	if err != nil {
		return ""
	}
	return fp
}

func (m *Manager) knownFolder(path string) bool {
	if c, ok := m.tree.Get(path); ok {
		return c.IsFolder
	}
	if a := m.index.get(path); a != nil {
		return a.isFolder
	}
	return false
}

func (m *Manager) known(path string) bool {
	return m.index.get(path) != nil || m.tree.Contains(path)
}

func (m *Manager) dispatchLocal(kind EventKind, path string, isFolder bool, fingerprint string) error {
	ev := Event{Kind: kind, Path: path, IsFolder: isFolder, Time: time.Now()}
	return m.dispatch(ev, func(a *Action) {
		if fingerprint != "" {
			a.fingerprint = fingerprint
		}
	})
}

// OnLocalCreate handles a path appearing on disk. A create that matches a
// pending delete by fingerprint completes a move.
func (m *Manager) OnLocalCreate(path string) error {
	path = filepath.Clean(path)
	if err := m.accept(path, EventLocalCreate); err != nil {
		return err
	}

	isFolder := m.local.IsDir(path)
	fp := m.diskFingerprint(path, isFolder)

	if src, ok := m.moves.MatchCreate(path, fp, isFolder); ok {
		if src == path {
			// deleted and recreated in place, as editors do on save
			return m.dispatchLocal(EventLocalUpdate, path, isFolder, fp)
		}
		m.metrics.movesPairedTotal.WithLabelValues("local").Inc()
		m.logger.Debug("Local move recognized", map[string]interface{}{"source": src, "target": path})
		return m.applyLocalMove(src, path, isFolder)
	}

	return m.dispatchLocal(EventLocalCreate, path, isFolder, fp)
}

// OnLocalUpdate handles content changes of a file. An update for a path never
// seen before is handled as a create.
func (m *Manager) OnLocalUpdate(path string) error {
	path = filepath.Clean(path)
	if err := m.accept(path, EventLocalUpdate); err != nil {
		return err
	}
	if m.local.IsDir(path) {
		// folder changes surface as events of their children
		return nil
	}
	if !m.known(path) {
		return m.OnLocalCreate(path)
	}
	return m.dispatchLocal(EventLocalUpdate, path, false, m.diskFingerprint(path, false))
}

// OnLocalDelete handles a path disappearing from disk. The delete is held for
// the pairing window so a following create of the same content becomes a move.
func (m *Manager) OnLocalDelete(path string) error {
	path = filepath.Clean(path)
	if err := m.accept(path, EventLocalDelete); err != nil {
		return err
	}

	if a := m.moveWithSource(path); a != nil {
		return m.applyTo(a, Event{Kind: EventLocalDelete, Path: path, Time: time.Now()})
	}

	fp, hasFP := m.tree.Fingerprint(path)
	a := m.index.get(path)
	if a == nil && !m.tree.Contains(path) {
		return m.drop("unknown", path, EventLocalDelete, fmt.Errorf("%w: %s", ErrUnknownPath, path))
	}
	isFolder := m.knownFolder(path)
	if !hasFP && a != nil {
		a.mu.Lock()
		fp = a.fingerprint
		a.mu.Unlock()
	}

	m.moves.AddDelete(path, fp, isFolder, m.releaseDelete)
	return nil
}

// releaseDelete applies a delete whose pairing window elapsed
func (m *Manager) releaseDelete(path string) {
	if m.closed.Load() {
		return
	}
	isFolder := m.knownFolder(path)
	err := m.dispatch(Event{Kind: EventLocalDelete, Path: path, IsFolder: isFolder, Time: time.Now()}, nil)
	if err != nil {
		return
	}
	if isFolder {
		m.absorbChildren(path)
	}
}

// claimHeldDelete applies a held delete of path right away, so a remote event
// for path meets the local intent in the state machine
func (m *Manager) claimHeldDelete(path string) {
	if m.moves.Take(path) {
		m.logger.Debug("Held delete applied ahead of remote event", map[string]interface{}{"path": path})
		m.releaseDelete(path)
	}
}

// absorbChildren drops unexecuted local intents below a deleted folder; the
// folder delete covers them.
func (m *Manager) absorbChildren(dir string) {
	for _, a := range m.index.under(dir) {
		a.mu.Lock()
		if a.path != dir && !a.executing && !a.removed && a.state.Kind.IsLocal() {
			a.stopTimerLocked()
			if m.index.removeLocked(a) {
				m.logger.Debug("Child action absorbed by folder delete", map[string]interface{}{"path": a.path})
			}
		}
		a.mu.Unlock()
	}
	m.metrics.actions.Set(float64(m.index.len()))
}

// moveWithSource finds the Action holding a recognized local move from path
func (m *Manager) moveWithSource(path string) *Action {
	for _, a := range m.index.all() {
		a.mu.Lock()
		match := !a.removed && a.state.Kind == StateLocalMove && a.state.Source == path
		a.mu.Unlock()
		if match {
			return a
		}
	}
	return nil
}

// applyTo applies a live event to a specific Action
func (m *Manager) applyTo(a *Action, ev Event) error {
	a.mu.Lock()
	if a.removed {
		a.mu.Unlock()
		return m.dispatch(ev, nil)
	}
	var out outbox
	err := m.applyLocked(a, ev, &out)
	a.mu.Unlock()
	m.flush(out)
	return err
}

// OnLocalMove handles a rename reported by the operating system
func (m *Manager) OnLocalMove(oldPath, newPath string) error {
	oldPath, newPath = filepath.Clean(oldPath), filepath.Clean(newPath)
	if m.closed.Load() {
		return ErrManagerClosed
	}

	srcExcluded := m.tree.IsExcluded(oldPath)
	dstExcluded := m.tree.IsExcluded(newPath)
	switch {
	case srcExcluded && dstExcluded:
		return ErrExcludedPath
	case dstExcluded:
		// moved out of the selection
		return m.dispatch(Event{Kind: EventLocalDelete, Path: oldPath, IsFolder: m.knownFolder(oldPath), Time: time.Now()}, nil)
	case srcExcluded:
		return m.OnLocalCreate(newPath)
	}
	if err := m.accept(newPath, EventLocalMove); err != nil {
		return err
	}
	isFolder := m.local.IsDir(newPath) || m.knownFolder(oldPath)
	return m.applyLocalMove(oldPath, newPath, isFolder)
}

// applyLocalMove carries the Action of src, if any, over to dst. Without one
// a new Action at dst records the move.
func (m *Manager) applyLocalMove(src, dst string, isFolder bool) error {
	ev := Event{Kind: EventLocalMove, Path: dst, Source: src, IsFolder: isFolder, Time: time.Now()}

	if a := m.index.get(src); a != nil && m.index.get(dst) == nil {
		a.mu.Lock()
		if !a.removed && !a.executing {
			var out outbox
			err := a.applyLocked(ev, true)
			if err != nil {
				m.faultLocked(a, err, &out)
				a.mu.Unlock()
				m.flush(out)
				return err
			}
			if err := m.index.rekeyLocked(a, dst); err != nil {
				// dst was claimed meanwhile; the Action stays at src
				m.logger.Warn("Move target already has an action", map[string]interface{}{"path": dst, "error": err})
			}
			m.logger.Debug("Action moved", map[string]interface{}{"source": src, "target": dst, "state": a.state.String()})
			m.settleLocked(a, &out)
			a.mu.Unlock()
			m.flush(out)
			if isFolder {
				m.rekeyChildren(src, dst)
			}
			return nil
		}
		a.mu.Unlock()
	}

	if err := m.dispatch(ev, nil); err != nil {
		return err
	}
	if isFolder {
		m.rekeyChildren(src, dst)
	}
	return nil
}

// rekeyChildren moves pending child Actions from below src to below dst.
// They stay blocked until the folder move has executed.
func (m *Manager) rekeyChildren(src, dst string) {
	for _, a := range m.index.under(src) {
		a.mu.Lock()
		if a.removed || a.executing || a.path == src {
			a.mu.Unlock()
			continue
		}
		newPath := dst + strings.TrimPrefix(a.path, src)
		if a.state.Source == src || isUnder(a.state.Source, src) {
			a.state.Source = dst + strings.TrimPrefix(a.state.Source, src)
		}
		if err := m.index.rekeyLocked(a, newPath); err != nil {
			// the target already has its own Action, which supersedes this one
			a.stopTimerLocked()
			m.index.removeLocked(a)
		} else {
			m.executor.scheduleLocked(a, m.config.Debounce)
		}
		a.mu.Unlock()
	}
}

// OnRemoteCreate handles a path created on the remote side
func (m *Manager) OnRemoteCreate(path string, isFolder bool) error {
	path = filepath.Clean(path)
	if err := m.accept(path, EventRemoteCreate); err != nil {
		return err
	}
	m.claimHeldDelete(path)
	return m.dispatch(Event{Kind: EventRemoteCreate, Path: path, IsFolder: isFolder, Time: time.Now()}, nil)
}

// OnRemoteUpdate handles new remote content for a known path
func (m *Manager) OnRemoteUpdate(path string) error {
	path = filepath.Clean(path)
	if err := m.accept(path, EventRemoteUpdate); err != nil {
		return err
	}
	m.claimHeldDelete(path)
	if !m.known(path) {
		return m.drop("unknown", path, EventRemoteUpdate, fmt.Errorf("%w: %s", ErrUnknownPath, path))
	}
	return m.dispatch(Event{Kind: EventRemoteUpdate, Path: path, IsFolder: m.knownFolder(path), Time: time.Now()}, nil)
}

// OnRemoteDelete handles a known path removed on the remote side
func (m *Manager) OnRemoteDelete(path string) error {
	path = filepath.Clean(path)
	if err := m.accept(path, EventRemoteDelete); err != nil {
		return err
	}
	m.claimHeldDelete(path)
	if !m.known(path) {
		return m.drop("unknown", path, EventRemoteDelete, fmt.Errorf("%w: %s", ErrUnknownPath, path))
	}
	return m.dispatch(Event{Kind: EventRemoteDelete, Path: path, IsFolder: m.knownFolder(path), Time: time.Now()}, nil)
}

// OnRemoteMove handles a remote rename. A move of an unknown source falls
// back to a remote create at the target.
func (m *Manager) OnRemoteMove(src, dst string, isFolder bool) error {
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	if m.closed.Load() {
		return ErrManagerClosed
	}

	srcExcluded := m.tree.IsExcluded(src)
	dstExcluded := m.tree.IsExcluded(dst)
	switch {
	case srcExcluded && dstExcluded:
		return ErrExcludedPath
	case dstExcluded:
		return m.OnRemoteDelete(src)
	case srcExcluded:
		return m.OnRemoteCreate(dst, isFolder)
	}
	if err := m.accept(dst, EventRemoteMove); err != nil {
		return err
	}
	m.claimHeldDelete(src)
	m.claimHeldDelete(dst)
	if !m.known(src) {
		m.logger.Debug("Remote move of unknown source handled as create", map[string]interface{}{"source": src, "target": dst})
		return m.OnRemoteCreate(dst, isFolder)
	}
	isFolder = isFolder || m.knownFolder(src)
	ev := Event{Kind: EventRemoteMove, Path: dst, Source: src, IsFolder: isFolder, Time: time.Now()}

	if a := m.index.get(src); a != nil && m.index.get(dst) == nil {
		a.mu.Lock()
		if !a.removed && !a.executing {
			var out outbox
			err := a.applyLocked(ev, true)
			if err != nil {
				m.faultLocked(a, err, &out)
			} else if a.state.Kind != StateConflict {
				if rerr := m.index.rekeyLocked(a, dst); rerr != nil {
					m.logger.Warn("Move target already has an action", map[string]interface{}{"path": dst, "error": rerr})
				}
			}
			m.settleLocked(a, &out)
			conflict := a.state.Kind == StateConflict
			a.mu.Unlock()
			m.flush(out)
			if err == nil && isFolder && !conflict {
				m.rekeyChildren(src, dst)
			}
			return err
		}
		a.mu.Unlock()
	}

	if err := m.dispatch(ev, nil); err != nil {
		return err
	}
	if isFolder {
		m.rekeyChildren(src, dst)
	}
	return nil
}

// OnRecover asks to restore a historical version of path
func (m *Manager) OnRecover(path string, version int) error {
	path = filepath.Clean(path)
	if err := m.accept(path, EventRecover); err != nil {
		return err
	}
	c, ok := m.tree.Get(path)
	if !ok || c.IsFolder {
		return fmt.Errorf("%w: %s", ErrMissingContent, path)
	}
	if version < 0 || version >= c.Version {
		return fmt.Errorf("%w: %d for %s (%d versions available)", ErrInvalidRecoverVersion, version, path, c.Version)
	}
	return m.dispatch(Event{Kind: EventRecover, Path: path, Version: version, Time: time.Now()}, nil)
}

// OnFileSynchronized opts path into synchronization. A local copy is
// uploaded, otherwise the remote copy is downloaded.
func (m *Manager) OnFileSynchronized(ctx context.Context, path string, isFolder bool) error {
	path = filepath.Clean(path)
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if err := storage.ValidatePathInBounds(path, m.tree.Root()); err != nil {
		return storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "synchronize", path, err)
	}

	m.tree.Unexclude(path)
	if err := m.tree.SetSynchronized(path, isFolder, true); err != nil {
		return err
	}
	m.logger.Info("Path synchronized", map[string]interface{}{"path": path, "folder": isFolder})

	if m.local.Exists(path) {
		return m.emitLocalCreates(path)
	}
	return m.emitRemoteCreates(ctx, path, isFolder)
}

func (m *Manager) emitLocalCreates(path string) error {
	var errs []error
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if m.tree.IsExcluded(p) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		isFolder := info.IsDir()
		if err := m.dispatchLocal(EventLocalCreate, p, isFolder, m.diskFingerprint(p, isFolder)); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) emitRemoteCreates(ctx context.Context, path string, isFolder bool) error {
	root, err := m.remote.List(ctx)
	if err != nil {
		m.logger.Warn("Remote listing unavailable, requesting path only", map[string]interface{}{"path": path, "error": err})
		return m.dispatch(Event{Kind: EventRemoteCreate, Path: path, IsFolder: isFolder, Time: time.Now()}, nil)
	}
	nodes := subtree(root, path)
	if len(nodes) == 0 {
		return m.dispatch(Event{Kind: EventRemoteCreate, Path: path, IsFolder: isFolder, Time: time.Now()}, nil)
	}

	var errs []error
	for _, n := range nodes {
		if m.tree.IsExcluded(n.Path) {
			continue
		}
		if err := m.dispatch(Event{Kind: EventRemoteCreate, Path: n.Path, IsFolder: n.IsFolder, Time: time.Now()}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnFileDesynchronized opts path out of synchronization. Scheduled work below
// path is cancelled, in-flight work completes and is discarded. The remote copy
// is never touched.
func (m *Manager) OnFileDesynchronized(path string) error {
	path = filepath.Clean(path)
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if err := storage.ValidatePathInBounds(path, m.tree.Root()); err != nil {
		return storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "desynchronize", path, err)
	}

	m.tree.Exclude(path)
	if err := m.tree.SetSynchronized(path, false, false); err != nil {
		return err
	}
	cancelled := m.moves.Cancel(path)

	for _, a := range m.index.under(path) {
		a.mu.Lock()
		a.stopTimerLocked()
		if a.executing {
			a.discard = true
			a.queue = nil
		} else {
			m.index.removeLocked(a)
			cancelled++
		}
		a.mu.Unlock()
	}
	m.metrics.actions.Set(float64(m.index.len()))
	m.logger.Info("Path desynchronized", map[string]interface{}{"path": path, "cancelled": cancelled})

	if m.config.DeleteLocalOnDesync && m.local.Exists(path) {
		if err := m.local.Remove(path); err != nil {
			m.logger.Warn("Failed to remove local copy", map[string]interface{}{"path": path, "error": err})
			return err
		}
	}
	return nil
}

// ResolveConflict re-seeds a conflicted Action according to resolution
func (m *Manager) ResolveConflict(ctx context.Context, path string, resolution ConflictResolution) error {
	path = filepath.Clean(path)
	a := m.index.get(path)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNotInConflict, path)
	}
	a.mu.Lock()
	isFolder := a.isFolder
	inConflict := !a.removed && a.state.Kind == StateConflict
	a.mu.Unlock()
	if !inConflict {
		return fmt.Errorf("%w: %s", ErrNotInConflict, path)
	}

	conflict := m.describeConflict(ctx, path, isFolder, resolution)
	result, err := m.resolver.ResolveConflict(conflict)
	if err != nil {
		return err
	}
	if result.RequiresInput {
		return fmt.Errorf("%w: %s", ErrResolutionRequiresInput, result.UserPrompt)
	}

	next := result.Reseed(conflict)

	a.mu.Lock()
	if a.removed || a.state.Kind != StateConflict {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInConflict, path)
	}
	var out outbox
	a.state = next
	a.reported = false
	a.attempts = 0
	a.failed = false
	m.logger.Info("Conflict resolved", map[string]interface{}{
		"path":     path,
		"strategy": string(result.Resolution),
		"state":    next.String(),
	})
	m.settleLocked(a, &out)
	a.mu.Unlock()
	m.flush(out)
	m.history.AddResolvedConflict(conflict, result)
	return nil
}

// subtree returns the listed nodes at or below path, parents before
// children. Listings may be nested or flat.
func subtree(root *storage.RemoteNode, path string) []*storage.RemoteNode {
	var nodes []*storage.RemoteNode
	for p, n := range root.Flatten() {
		if p == path || isUnder(p, path) {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes
}

func (m *Manager) describeConflict(ctx context.Context, path string, isFolder bool, resolution ConflictResolution) *Conflict {
	c := &Conflict{
		Path:         path,
		IsFolder:     isFolder,
		Resolution:   resolution,
		DetectedAt:   time.Now(),
		RemoteExists: true,
	}
	if info, err := os.Stat(path); err == nil {
		c.LocalExists = true
		c.LocalModTime = info.ModTime()
	}
	if root, err := m.remote.List(ctx); err == nil {
		if node := root.Find(path); node != nil {
			c.RemoteModTime = node.ModTime
		} else {
			c.RemoteExists = false
		}
	}
	return c
}

// Retry re-arms an Action whose attempts were exhausted
func (m *Manager) Retry(path string) error {
	a := m.index.get(filepath.Clean(path))
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNothingToRetry, path)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.removed || a.executing || !a.failed {
		return fmt.Errorf("%w: %s", ErrNothingToRetry, path)
	}
	a.failed = false
	a.attempts = 0
	m.executor.scheduleLocked(a, 0)
	return nil
}

// Shutdown stops timers and pairing and waits for in-flight operations
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.moves.Stop()
	for _, a := range m.index.all() {
		a.mu.Lock()
		a.stopTimerLocked()
		a.mu.Unlock()
	}
	m.logger.Info("Event manager shutting down", map[string]interface{}{"actions": m.index.len()})
	return m.executor.Shutdown(ctx)
}

// blocked implements executionHooks: nothing runs at or below a delete held
// for pairing, a move waits for the Action at its source, and anything waits
// for an ancestor folder that is executing or still has to be created or moved.
func (m *Manager) blocked(path string, st State) bool {
	if m.moves.Holds(path) {
		// the held delete decides what this Action becomes
		return true
	}
	if (st.Kind == StateLocalMove || st.Kind == StateRemoteMove) && st.Source != "" {
		if b := m.index.get(st.Source); b != nil && b.busy() {
			return true
		}
	}
	root := m.tree.Root()
	for p := filepath.Dir(path); p != root && p != filepath.Dir(p); p = filepath.Dir(p) {
		b := m.index.get(p)
		if b == nil {
			continue
		}
		b.mu.Lock()
		waiting := !b.removed && (b.executing || holdsChildren(b.state.Kind))
		b.mu.Unlock()
		if waiting {
			return true
		}
	}
	return false
}

// holdsChildren reports whether descendants must wait for a folder in state k
func holdsChildren(k StateKind) bool {
	switch k {
	case StateLocalCreate, StateRemoteCreate, StateLocalMove, StateRemoteMove:
		return true
	}
	return false
}

func (a *Action) busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executing
}

// unchanged reports whether path still has the content recorded when it was
// last synchronized, which is the case for echoes of our own downloads.
func (m *Manager) unchanged(path string, isFolder bool) bool {
	return m.recorded(path, m.diskFingerprint(path, isFolder))
}

// recorded reports whether fp is the synchronized content of path.
// Placeholders created by selection carry no fingerprint and never match.
func (m *Manager) recorded(path, fp string) bool {
	c, ok := m.tree.Get(path)
	if !ok || !c.Synchronized || fp == "" || c.Fingerprint == "" {
		return false
	}
	known, ok := m.tree.Fingerprint(path)
	return ok && known == fp
}

// changing records the remote paths the operation about to start modifies
func (a *Action) changing(paths ...string) {
	a.mu.Lock()
	a.changed = paths
	a.mu.Unlock()
}

// start implements executionHooks
func (m *Manager) start(ctx context.Context, a *Action, path string, isFolder bool, st State) (*storage.Handle, error) {
	a.changing()

	switch st.Kind {
	case StateLocalCreate, StateLocalUpdate:
		// edits made while uploading must not be recorded as synchronized
		fp := m.diskFingerprint(path, isFolder)
		a.mu.Lock()
		a.sent = fp
		a.mu.Unlock()
		if m.recorded(path, fp) {
			m.logger.Debug("Content unchanged, upload skipped", map[string]interface{}{"path": path})
			return storage.Completed(nil), nil
		}
		a.changing(path)
		return m.remote.Upload(ctx, path)

	case StateLocalDelete:
		if !m.tree.Contains(path) {
			return storage.Completed(nil), nil
		}
		a.changing(path)
		return m.remote.Delete(ctx, path)

	case StateLocalMove:
		from, to := st.Source, path
		if st.Reversed {
			from, to = path, st.Source
		}
		if !m.tree.Contains(from) && m.tree.IsSynchronized(to) {
			// the remote side already has it there
			return storage.Completed(nil), nil
		}
		a.changing(from, to)
		return m.remote.Move(ctx, from, to)

	case StateLocalRecover:
		a.changing(path)
		return m.remote.Recover(ctx, path, st.Version)

	case StateRemoteCreate, StateRemoteUpdate:
		return m.remote.Download(ctx, path)

	case StateRemoteDelete:
		target := path
		if st.Source != "" {
			target = st.Source
		}
		return storage.Completed(m.local.Remove(target)), nil

	case StateRemoteMove:
		return storage.Completed(m.local.Rename(st.Source, path)), nil
	}
	return nil, fmt.Errorf("state %s has no operation", st.Kind)
}

// recordSuccess updates the tree after st was executed for path. sent is
// the fingerprint of the uploaded content for local creates and updates.
func (m *Manager) recordSuccess(path string, isFolder bool, st State, sent string) {
	var err error
	switch st.Kind {
	case StateLocalCreate, StateLocalUpdate:
		_, err = m.tree.Put(path, isFolder, sent)

	case StateRemoteCreate, StateRemoteUpdate:
		_, err = m.tree.Put(path, isFolder, m.diskFingerprint(path, isFolder))

	case StateLocalRecover:
		_, err = m.tree.Recovered(path, m.diskFingerprint(path, false))

	case StateLocalDelete:
		m.tree.Remove(path)

	case StateLocalMove, StateRemoteMove:
		from, to := st.Source, path
		if st.Reversed {
			from, to = path, st.Source
		}
		if err = m.tree.Move(from, to); err != nil {
			_, err = m.tree.Put(to, isFolder, m.diskFingerprint(to, isFolder))
		}

	case StateRemoteDelete:
		target := path
		if st.Source != "" {
			target = st.Source
		}
		m.tree.Remove(target)
	}
	if err != nil {
		m.logger.Warn("Failed to record synchronized state", map[string]interface{}{"path": path, "error": err})
	}
}

// completed implements executionHooks
func (m *Manager) completed(a *Action, st State, attempt int, err error, retry bool) {
	var (
		out      outbox
		faults   []error
		release  string
		followUp string
	)

	a.mu.Lock()
	a.executing = false
	a.running = State{}
	path := a.path
	changed := a.changed
	a.changed = nil

	switch {
	case a.discard:
		a.discard = false
		a.state = InitialState()
		m.logger.Debug("Result of desynchronized path discarded", map[string]interface{}{"path": path, "error": err})
		faults = a.replayLocked()

	case err == nil:
		m.recordSuccess(path, a.isFolder, st, a.sent)
		a.sent = ""
		a.state = State{Kind: StateExecutingDone}
		a.attempts = 0
		a.failed = false
		a.lastErr = nil
		m.logger.Debug("Action executed", map[string]interface{}{"path": path, "state": st.String(), "attempt": attempt})
		note := newNotification(NotifySucceeded, path, st.Kind, attempt, nil)
		note.RemotePaths = changed
		out = append(out, note)
		target := path
		if (st.Kind == StateLocalMove || st.Kind == StateRemoteMove) && st.Reversed {
			target = st.Source
		}
		if a.isFolder {
			release = target
		} else if st.Kind == StateLocalMove && !m.unchanged(target, false) {
			// an edit was folded into the move
			followUp = target
		}
		faults = a.replayLocked()

	default:
		a.lastErr = err
		faults = a.replayLocked()
		if a.state == st {
			if retry {
				m.logger.Warn("Execution failed, retrying", map[string]interface{}{
					"path":    path,
					"state":   st.String(),
					"attempt": attempt,
					"backoff": m.executor.Backoff(attempt).String(),
					"error":   err,
				})
				m.executor.retryLocked(a, attempt)
				a.mu.Unlock()
				return
			}
			a.failed = true
			m.logger.Error("Execution failed", map[string]interface{}{
				"path":     path,
				"state":    st.String(),
				"attempts": attempt,
				"error":    err,
			})
			out = append(out, newNotification(NotifyFailed, path, st.Kind, attempt, err))
		}
	}

	for _, fault := range faults {
		m.faultLocked(a, fault, &out)
	}
	m.settleLocked(a, &out)
	a.mu.Unlock()
	m.flush(out)

	if release != "" {
		m.release(release)
	}
	if followUp != "" && m.local.Exists(followUp) {
		if err := m.dispatchLocal(EventLocalUpdate, followUp, false, m.diskFingerprint(followUp, false)); err != nil {
			m.logger.Warn("Failed to queue upload after move", map[string]interface{}{"path": followUp, "error": err})
		}
	}
}

// release lets Actions held behind a completed folder operation run right away
func (m *Manager) release(dir string) {
	for _, a := range m.index.under(dir) {
		a.mu.Lock()
		if a.path != dir && !a.executing && !a.failed && a.state.Kind.Executable() {
			m.executor.scheduleLocked(a, 0)
		}
		a.mu.Unlock()
	}
}
