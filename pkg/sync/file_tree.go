package sync

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileComponent is one file or folder of the synchronized namespace
type FileComponent struct {
	Path         string    `json:"path"`
	IsFolder     bool      `json:"is_folder"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Version      int       `json:"version"`
	Synchronized bool      `json:"synchronized"`
	UpdatedAt    time.Time `json:"updated_at"`

	children map[string]*FileComponent
}

func newComponent(path string, isFolder bool) *FileComponent {
	c := &FileComponent{Path: path, IsFolder: isFolder, UpdatedAt: time.Now()}
	if isFolder {
		c.children = make(map[string]*FileComponent)
	}
	return c
}

func (c *FileComponent) info() FileComponent {
	return FileComponent{
		Path:         c.Path,
		IsFolder:     c.IsFolder,
		Fingerprint:  c.Fingerprint,
		Version:      c.Version,
		Synchronized: c.Synchronized,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (c *FileComponent) walk(fn func(*FileComponent)) {
	fn(c)
	names := make([]string, 0, len(c.children))
	for name := range c.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.children[name].walk(fn)
	}
}

func (c *FileComponent) rebase(oldPrefix, newPrefix string) {
	c.walk(func(n *FileComponent) {
		n.Path = newPrefix + strings.TrimPrefix(n.Path, oldPrefix)
	})
}

// TreeSnapshot is the persisted form of a FileTree
type TreeSnapshot struct {
	Root       string          `json:"root"`
	Components []FileComponent `json:"components"`
	Excluded   []string        `json:"excluded,omitempty"`
}

// FileTree mirrors the synchronized namespace below a root directory and
// tracks which paths are synchronized or explicitly excluded.
type FileTree struct {
	mu       sync.RWMutex
	root     *FileComponent
	excluded map[string]bool
}

// NewFileTree creates an empty tree rooted at rootPath
func NewFileTree(rootPath string) *FileTree {
	root := newComponent(filepath.Clean(rootPath), true)
	root.Synchronized = true
	return &FileTree{
		root:     root,
		excluded: make(map[string]bool),
	}
}

// Root returns the root directory of the tree
func (t *FileTree) Root() string {
	return t.root.Path
}

func (t *FileTree) segments(path string) ([]string, error) {
	rel, err := filepath.Rel(t.root.Path, filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %s is outside of %s", path, t.root.Path)
	}
	return strings.Split(rel, string(filepath.Separator)), nil
}

func (t *FileTree) find(path string) *FileComponent {
	segs, err := t.segments(path)
	if err != nil {
		return nil
	}
	node := t.root
	for _, seg := range segs {
		if node.children == nil {
			return nil
		}
		if node = node.children[seg]; node == nil {
			return nil
		}
	}
	return node
}

// ensure returns the component at path, creating it and any missing parent
// folders. New parents inherit synchronized.
func (t *FileTree) ensure(path string, isFolder bool) (*FileComponent, bool, error) {
	segs, err := t.segments(path)
	if err != nil {
		return nil, false, err
	}
	node := t.root
	created := false
	for i, seg := range segs {
		last := i == len(segs)-1
		if node.children == nil {
			node.IsFolder = true
			node.children = make(map[string]*FileComponent)
		}
		child := node.children[seg]
		if child == nil {
			child = newComponent(filepath.Join(node.Path, seg), !last || isFolder)
			child.Synchronized = !last
			node.children[seg] = child
			created = last
		}
		node = child
	}
	return node, created, nil
}

// Get returns a copy of the component at path
func (t *FileTree) Get(path string) (FileComponent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := t.find(path)
	if c == nil {
		return FileComponent{}, false
	}
	return c.info(), true
}

// Contains reports whether path is known to the tree
func (t *FileTree) Contains(path string) bool {
	_, ok := t.Get(path)
	return ok
}

// Put records the synchronized content of path and returns its version. The
// version increments whenever known content is replaced by different content.
func (t *FileTree) Put(path string, isFolder bool, fingerprint string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, created, err := t.ensure(path, isFolder)
	if err != nil {
		return 0, err
	}
	if !created && !isFolder && c.Fingerprint != "" && c.Fingerprint != fingerprint {
		c.Version++
	}
	c.IsFolder = isFolder
	if isFolder && c.children == nil {
		c.children = make(map[string]*FileComponent)
	}
	c.Fingerprint = fingerprint
	c.Synchronized = true
	c.UpdatedAt = time.Now()
	return c.Version, nil
}

// Recovered records that path now holds a restored historical version
func (t *FileTree) Recovered(path, fingerprint string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.find(path)
	if c == nil {
		return 0, ErrMissingContent
	}
	c.Version++
	c.Fingerprint = fingerprint
	c.Synchronized = true
	c.UpdatedAt = time.Now()
	return c.Version, nil
}

// Remove deletes path and its subtree from the tree
func (t *FileTree) Remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.find(path)
	if c == nil || c == t.root {
		return false
	}
	parent := t.find(filepath.Dir(c.Path))
	if parent == nil {
		return false
	}
	delete(parent.children, filepath.Base(c.Path))
	return true
}

// Move re-parents the subtree at src under dst
func (t *FileTree) Move(src, dst string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.find(src)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPath, src)
	}
	if c == t.root {
		return fmt.Errorf("cannot move the tree root")
	}
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	if dst == src || isUnder(dst, src) {
		return fmt.Errorf("cannot move %s into itself", src)
	}
	parent := t.find(filepath.Dir(src))
	newParent, _, err := t.ensure(filepath.Dir(dst), true)
	if err != nil {
		return err
	}
	if newParent.children == nil {
		return fmt.Errorf("cannot move %s below file %s", src, newParent.Path)
	}
	delete(parent.children, filepath.Base(src))
	c.rebase(c.Path, dst)
	c.UpdatedAt = time.Now()
	newParent.children[filepath.Base(dst)] = c
	return nil
}

// SetSynchronized marks path and everything below it. Marking an unknown path
// as synchronized creates a placeholder component without a fingerprint.
func (t *FileTree) SetSynchronized(path string, isFolder, synchronized bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.find(path)
	if c == nil {
		if !synchronized {
			return nil
		}
		var err error
		if c, _, err = t.ensure(path, isFolder); err != nil {
			return err
		}
	}
	c.walk(func(n *FileComponent) {
		n.Synchronized = synchronized
	})
	if synchronized {
		// a synchronized path needs synchronized parents
		for p := filepath.Dir(c.Path); ; p = filepath.Dir(p) {
			parent := t.find(p)
			if parent == nil || parent == t.root {
				break
			}
			parent.Synchronized = true
		}
	}
	return nil
}

// IsSynchronized reports whether path is known and marked synchronized
func (t *FileTree) IsSynchronized(path string) bool {
	c, ok := t.Get(path)
	return ok && c.Synchronized
}

// GetSynchronizedPathsAsSet returns every synchronized path below the root
func (t *FileTree) GetSynchronizedPathsAsSet() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := make(map[string]struct{})
	t.root.walk(func(n *FileComponent) {
		if n != t.root && n.Synchronized {
			set[n.Path] = struct{}{}
		}
	})
	return set
}

// Exclude removes path and its descendants from synchronization
func (t *FileTree) Exclude(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.excluded[filepath.Clean(path)] = true
}

// Unexclude lifts an exclusion on path and on any excluded descendant
func (t *FileTree) Unexclude(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clean := filepath.Clean(path)
	for p := range t.excluded {
		if p == clean || isUnder(p, clean) {
			delete(t.excluded, p)
		}
	}
	// lifting the exclusion of a descendant requires lifting its excluded ancestors too
	for p := range t.excluded {
		if isUnder(clean, p) {
			delete(t.excluded, p)
		}
	}
}

// IsExcluded reports whether path or one of its ancestors is excluded
func (t *FileTree) IsExcluded(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.excluded) == 0 {
		return false
	}
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if t.excluded[p] {
			return true
		}
		if p == t.root.Path || p == filepath.Dir(p) {
			return false
		}
	}
}

// ExcludedPaths returns the explicit exclusions in sorted order
func (t *FileTree) ExcludedPaths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.excluded))
	for p := range t.excluded {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Fingerprint returns the recorded fingerprint of path. Folder fingerprints
// are derived from their descendants the same way FolderFingerprint does on disk.
func (t *FileTree) Fingerprint(path string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := t.find(path)
	if c == nil {
		return "", false
	}
	if !c.IsFolder {
		return c.Fingerprint, c.Fingerprint != ""
	}

	var entries []fingerprintEntry
	prefix := c.Path + string(filepath.Separator)
	c.walk(func(n *FileComponent) {
		if n == c {
			return
		}
		entries = append(entries, fingerprintEntry{
			rel:         filepath.ToSlash(strings.TrimPrefix(n.Path, prefix)),
			isFolder:    n.IsFolder,
			fingerprint: n.Fingerprint,
		})
	})
	return combineFingerprints(entries), true
}

// Children returns the paths directly below a folder
func (t *FileTree) Children(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := t.find(path)
	if c == nil {
		return nil
	}
	paths := make([]string, 0, len(c.children))
	for _, child := range c.children {
		paths = append(paths, child.Path)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot captures the tree for persistence
func (t *FileTree) Snapshot() *TreeSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := &TreeSnapshot{Root: t.root.Path}
	t.root.walk(func(n *FileComponent) {
		if n != t.root {
			snapshot.Components = append(snapshot.Components, n.info())
		}
	})
	for p := range t.excluded {
		snapshot.Excluded = append(snapshot.Excluded, p)
	}
	sort.Strings(snapshot.Excluded)
	return snapshot
}

// Restore replaces the tree content with a snapshot taken for the same root
func (t *FileTree) Restore(snapshot *TreeSnapshot) error {
	if snapshot == nil {
		return nil
	}
	if filepath.Clean(snapshot.Root) != t.root.Path {
		return fmt.Errorf("snapshot root %s does not match tree root %s", snapshot.Root, t.root.Path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.root.children = make(map[string]*FileComponent)
	t.excluded = make(map[string]bool)

	// walk order puts parents first
	for _, info := range snapshot.Components {
		c, _, err := t.ensure(info.Path, info.IsFolder)
		if err != nil {
			return err
		}
		c.IsFolder = info.IsFolder
		if c.IsFolder && c.children == nil {
			c.children = make(map[string]*FileComponent)
		}
		c.Fingerprint = info.Fingerprint
		c.Version = info.Version
		c.Synchronized = info.Synchronized
		c.UpdatedAt = info.UpdatedAt
	}
	for _, p := range snapshot.Excluded {
		t.excluded[filepath.Clean(p)] = true
	}
	return nil
}

// isUnder reports whether path lies strictly below dir
func isUnder(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
