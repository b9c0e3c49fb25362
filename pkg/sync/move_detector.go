package sync

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// pendingDelete is the unmatched half of a potential local move
type pendingDelete struct {
	path        string
	fingerprint string
	isFolder    bool
	at          time.Time
	timer       *time.Timer
}

// MoveDetector pairs a local delete with a following create of identical
// content into a move. A delete waits for at most the pairing window; if no
// create claims it, it is released as a plain delete.
type MoveDetector struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*pendingDelete
	stopped bool
}

// NewMoveDetector creates a move detector with the given pairing window
func NewMoveDetector(window time.Duration) *MoveDetector {
	return &MoveDetector{
		window:  window,
		pending: make(map[string]*pendingDelete),
	}
}

// AddDelete holds a delete of path for the pairing window. expire runs if no
// create claims it in time. A second delete of the same path replaces the first.
func (md *MoveDetector) AddDelete(path, fingerprint string, isFolder bool, expire func(path string)) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.stopped {
		return
	}
	if old, ok := md.pending[path]; ok {
		old.timer.Stop()
	}
	pd := &pendingDelete{path: path, fingerprint: fingerprint, isFolder: isFolder, at: time.Now()}
	pd.timer = time.AfterFunc(md.window, func() {
		if md.take(path, pd) {
			expire(path)
		}
	})
	md.pending[path] = pd
}

// take removes pd if it is still pending; whoever takes it owns it
func (md *MoveDetector) take(path string, pd *pendingDelete) bool {
	md.mu.Lock()
	defer md.mu.Unlock()

	if current, ok := md.pending[path]; ok && current == pd {
		delete(md.pending, path)
		return true
	}
	return false
}

// MatchCreate claims the pending delete that a create of path pairs with.
// A pending delete of the same path always matches (the file was replaced);
// otherwise fingerprints must be equal. Among equal candidates the one with
// the same base name wins, then the oldest.
func (md *MoveDetector) MatchCreate(path, fingerprint string, isFolder bool) (string, bool) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if pd, ok := md.pending[path]; ok {
		pd.timer.Stop()
		delete(md.pending, path)
		return path, true
	}
	if fingerprint == "" {
		return "", false
	}

	var best *pendingDelete
	for _, pd := range md.pending {
		if pd.fingerprint != fingerprint || pd.isFolder != isFolder {
			continue
		}
		if best == nil || betterMoveSource(pd, best, path) {
			best = pd
		}
	}
	if best == nil {
		return "", false
	}
	best.timer.Stop()
	delete(md.pending, best.path)
	return best.path, true
}

func betterMoveSource(candidate, current *pendingDelete, target string) bool {
	base := filepath.Base(target)
	candidateSame := filepath.Base(candidate.path) == base
	currentSame := filepath.Base(current.path) == base
	if candidateSame != currentSame {
		return candidateSame
	}
	return candidate.at.Before(current.at)
}

// Holds reports whether a delete of path or of one of its ancestors is still
// waiting for a partner
func (md *MoveDetector) Holds(path string) bool {
	md.mu.Lock()
	defer md.mu.Unlock()

	for p := range md.pending {
		if p == path || isUnder(path, p) {
			return true
		}
	}
	return false
}

// Take claims the pending delete of path before its window elapses. The
// caller becomes responsible for applying it.
func (md *MoveDetector) Take(path string) bool {
	md.mu.Lock()
	defer md.mu.Unlock()

	pd, ok := md.pending[path]
	if !ok {
		return false
	}
	pd.timer.Stop()
	delete(md.pending, path)
	return true
}

// Cancel drops pending deletes at or below path without releasing them
func (md *MoveDetector) Cancel(path string) int {
	md.mu.Lock()
	defer md.mu.Unlock()

	count := 0
	for p, pd := range md.pending {
		if p == path || isUnder(p, path) {
			pd.timer.Stop()
			delete(md.pending, p)
			count++
		}
	}
	return count
}

// Pending returns the paths waiting for a partner, sorted
func (md *MoveDetector) Pending() []string {
	md.mu.Lock()
	defer md.mu.Unlock()

	paths := make([]string, 0, len(md.pending))
	for p := range md.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Stop cancels all pending deletes
func (md *MoveDetector) Stop() {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.stopped = true
	for p, pd := range md.pending {
		pd.timer.Stop()
		delete(md.pending, p)
	}
}

// MovePair is a remote entry that disappeared at Source and reappeared at Target
type MovePair struct {
	Source   string
	Target   string
	IsFolder bool
}

// PairRemoteMoves matches deleted and created remote entries with identical
// content hashes. Matched entries are removed from both maps. Entries below a
// paired folder are consumed by the folder move.
func PairRemoteMoves(deleted, created map[string]*storage.RemoteNode) []MovePair {
	byHash := make(map[string][]string)
	for path, node := range deleted {
		if node.ContentHash != "" {
			byHash[node.ContentHash] = append(byHash[node.ContentHash], path)
		}
	}
	for _, paths := range byHash {
		sort.Strings(paths)
	}

	targets := make([]string, 0, len(created))
	for path := range created {
		targets = append(targets, path)
	}
	// parents first so a folder move claims its children
	sort.Strings(targets)

	var pairs []MovePair
	for _, target := range targets {
		node, ok := created[target]
		if !ok || node.ContentHash == "" {
			continue
		}
		candidates := byHash[node.ContentHash]
		idx := -1
		for i, src := range candidates {
			if d, ok := deleted[src]; ok && d.IsFolder == node.IsFolder {
				if idx == -1 || filepath.Base(src) == filepath.Base(target) {
					idx = i
				}
			}
		}
		if idx == -1 {
			continue
		}
		source := candidates[idx]
		byHash[node.ContentHash] = append(candidates[:idx:idx], candidates[idx+1:]...)

		pairs = append(pairs, MovePair{Source: source, Target: target, IsFolder: node.IsFolder})
		delete(deleted, source)
		delete(created, target)
		if node.IsFolder {
			for p := range deleted {
				if isUnder(p, source) {
					delete(deleted, p)
				}
			}
			for p := range created {
				if isUnder(p, target) {
					delete(created, p)
				}
			}
		}
	}
	return pairs
}
