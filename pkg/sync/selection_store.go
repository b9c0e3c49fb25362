package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	treeStateFile    = "tree.json"
	actionsStateFile = "actions.json"
	listingStateFile = "listing.json"
)

// SelectionStore persists the file tree, including which paths are
// synchronized and which are excluded, between runs
type SelectionStore struct {
	stateDir string
	mu       sync.Mutex
	savedAt  time.Time
}

// NewSelectionStore creates a store writing into stateDir
func NewSelectionStore(stateDir string) (*SelectionStore, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &SelectionStore{stateDir: stateDir}, nil
}

// Path returns the file the tree is persisted to
func (s *SelectionStore) Path() string {
	return filepath.Join(s.stateDir, treeStateFile)
}

// SavedAt returns when the tree was last written
func (s *SelectionStore) SavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedAt
}

// Save writes a snapshot of tree. The file is replaced atomically.
func (s *SelectionStore) Save(tree *FileTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(tree.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal file tree: %w", err)
	}
	if err := s.replace(treeStateFile, data); err != nil {
		return err
	}

	s.savedAt = time.Now()
	return nil
}

// replace atomically writes data to name inside the state directory
func (s *SelectionStore) replace(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.stateDir, name+".*")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.stateDir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// SaveActions records the pending Actions so other processes can report them
func (s *SelectionStore) SaveActions(actions []ActionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(actions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	return s.replace(actionsStateFile, data)
}

// LoadActions returns the Actions recorded by the last SaveActions
func (s *SelectionStore) LoadActions() ([]ActionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.stateDir, actionsStateFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read actions file: %w", err)
	}
	var actions []ActionInfo
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}
	return actions, nil
}

// SaveListing records the content hash of every remote file seen by the last
// poll, keyed by local path
func (s *SelectionStore) SaveListing(hashes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal remote listing: %w", err)
	}
	return s.replace(listingStateFile, data)
}

// LoadListing returns the hashes recorded by SaveListing, or nil if none were
func (s *SelectionStore) LoadListing() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.stateDir, listingStateFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read listing file: %w", err)
	}
	var hashes map[string]string
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote listing: %w", err)
	}
	return hashes, nil
}

// Load restores tree from the persisted snapshot. A missing file leaves the
// tree untouched and reports false.
func (s *SelectionStore) Load(tree *FileTree) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state file: %w", err)
	}

	var snapshot TreeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return false, fmt.Errorf("failed to unmarshal file tree: %w", err)
	}
	if err := tree.Restore(&snapshot); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes the persisted snapshot
func (s *SelectionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{treeStateFile, actionsStateFile, listingStateFile} {
		if err := os.Remove(filepath.Join(s.stateDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete state file: %w", err)
		}
	}
	return nil
}
