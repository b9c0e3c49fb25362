package sync

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// actionIndex maps live paths to their Action. Lock order is Action.mu
// before actionIndex.mu; the index never locks an Action.
type actionIndex struct {
	mu      sync.Mutex
	actions map[string]*Action
}

func newActionIndex() *actionIndex {
	return &actionIndex{actions: make(map[string]*Action)}
}

// getOrCreate returns the Action for path, creating it if absent
func (idx *actionIndex) getOrCreate(path string, isFolder bool, now time.Time) (*Action, bool) {
	path = filepath.Clean(path)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if a, ok := idx.actions[path]; ok {
		return a, false
	}
	a := newAction(path, isFolder, now)
	idx.actions[path] = a
	return a, true
}

func (idx *actionIndex) get(path string) *Action {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.actions[filepath.Clean(path)]
}

// removeLocked drops a from the index if it is still the Action for its
// path. The caller holds a.mu.
func (idx *actionIndex) removeLocked(a *Action) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if current, ok := idx.actions[a.path]; ok && current == a {
		delete(idx.actions, a.path)
		a.removed = true
		return true
	}
	return false
}

// rekeyLocked moves a to newPath. The caller holds a.mu.
func (idx *actionIndex) rekeyLocked(a *Action, newPath string) error {
	newPath = filepath.Clean(newPath)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if other, ok := idx.actions[newPath]; ok && other != a {
		return fmt.Errorf("an action already exists for %s", newPath)
	}
	if current, ok := idx.actions[a.path]; ok && current == a {
		delete(idx.actions, a.path)
	}
	a.path = newPath
	idx.actions[newPath] = a
	return nil
}

// under returns the Actions at dir or below it, sorted by path
func (idx *actionIndex) under(dir string) []*Action {
	dir = filepath.Clean(dir)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	paths := make([]string, 0)
	for p := range idx.actions {
		if p == dir || isUnder(p, dir) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	result := make([]*Action, 0, len(paths))
	for _, p := range paths {
		result = append(result, idx.actions[p])
	}
	return result
}

// all returns every Action sorted by path
func (idx *actionIndex) all() []*Action {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	paths := make([]string, 0, len(idx.actions))
	for p := range idx.actions {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	result := make([]*Action, 0, len(paths))
	for _, p := range paths {
		result = append(result, idx.actions[p])
	}
	return result
}

func (idx *actionIndex) len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.actions)
}
