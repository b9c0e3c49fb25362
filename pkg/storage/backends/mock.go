package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

// MockCall records one operation issued against a MockStorage.
type MockCall struct {
	Op      string
	Path    string
	Dst     string
	Version int
	Time    time.Time
}

type mockEntry struct {
	isFolder bool
	content  []byte
	versions [][]byte
	modTime  time.Time
}

// MockStorage is an in-memory storage.RemoteStorage for tests. It reads
// local files on upload, writes them on download, records every call and can
// be told to fail or to hold operations until released.
type MockStorage struct {
	mu       sync.Mutex
	entries  map[string]*mockEntry
	calls    []MockCall
	failures map[string][]error
	session  error

	gate        chan struct{}
	inFlight    map[string]int
	maxInFlight map[string]int
	started     chan MockCall
}

// NewMockStorage creates an empty mock remote.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		entries:     make(map[string]*mockEntry),
		failures:    make(map[string][]error),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
		started:     make(chan MockCall, 256),
	}
}

// FailNext makes the next n calls of op fail with err.
func (m *MockStorage) FailNext(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[op] = append(m.failures[op], err)
	}
}

// SetSessionError makes every call fail synchronously with err (nil clears).
func (m *MockStorage) SetSessionError(err error) {
	m.mu.Lock()
	m.session = err
	m.mu.Unlock()
}

// Hold keeps started operations from completing until Release is called.
func (m *MockStorage) Hold() {
	m.mu.Lock()
	m.gate = make(chan struct{})
	m.mu.Unlock()
}

// Release lets held operations complete.
func (m *MockStorage) Release() {
	m.mu.Lock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
	m.mu.Unlock()
}

// Started delivers each call as it starts executing.
func (m *MockStorage) Started() <-chan MockCall {
	return m.started
}

// Calls returns a copy of the recorded calls.
func (m *MockStorage) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the recorded calls of a single operation kind.
func (m *MockStorage) CallsFor(op string) []MockCall {
	var out []MockCall
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// MaxInFlight returns the highest number of simultaneous operations seen for path.
func (m *MockStorage) MaxInFlight(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight[path]
}

// Put seeds the remote with a file or folder.
func (m *MockStorage) Put(path string, content []byte, isFolder bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = &mockEntry{isFolder: isFolder, content: content, modTime: time.Now()}
}

// Content returns the remote content of path.
func (m *MockStorage) Content(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return nil, false
	}
	return e.content, true
}

// Has reports whether path exists remotely.
func (m *MockStorage) Has(path string) bool {
	_, ok := m.Content(path)
	return ok
}

func (m *MockStorage) begin(op, path, dst string, version int) (chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return nil, m.session
	}
	call := MockCall{Op: op, Path: path, Dst: dst, Version: version, Time: time.Now()}
	m.calls = append(m.calls, call)
	m.inFlight[path]++
	if m.inFlight[path] > m.maxInFlight[path] {
		m.maxInFlight[path] = m.inFlight[path]
	}
	select {
	case m.started <- call:
	default:
	}
	return m.gate, nil
}

func (m *MockStorage) finish(op, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[path]--
	if queue := m.failures[op]; len(queue) > 0 {
		m.failures[op] = queue[1:]
		return queue[0]
	}
	return nil
}

func (m *MockStorage) run(ctx context.Context, op, path, dst string, version int, apply func() error) (*storage.Handle, error) {
	gate, err := m.begin(op, path, dst, version)
	if err != nil {
		return nil, err
	}
	return storage.Go(ctx, func(ctx context.Context) error {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				m.finish(op, path)
				return ctx.Err()
			}
		}
		if err := m.finish(op, path); err != nil {
			return err
		}
		return apply()
	}), nil
}

// Upload implements storage.RemoteStorage.
func (m *MockStorage) Upload(ctx context.Context, path string) (*storage.Handle, error) {
	return m.run(ctx, "upload", path, "", 0, func() error {
		info, err := os.Stat(path)
		if err != nil {
			// Tests may drive the engine without real files.
			m.store(path, nil, false)
			return nil
		}
		if info.IsDir() {
			m.store(path, nil, true)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "upload", path, err)
		}
		m.store(path, data, false)
		return nil
	})
}

func (m *MockStorage) store(path string, data []byte, isFolder bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		m.entries[path] = &mockEntry{isFolder: isFolder, content: data, modTime: time.Now()}
		return
	}
	if !e.isFolder {
		e.versions = append(e.versions, e.content)
	}
	e.content = data
	e.isFolder = isFolder
	e.modTime = time.Now()
}

// Download implements storage.RemoteStorage.
func (m *MockStorage) Download(ctx context.Context, path string) (*storage.Handle, error) {
	return m.run(ctx, "download", path, "", 0, func() error {
		m.mu.Lock()
		e, ok := m.entries[path]
		m.mu.Unlock()
		if !ok {
			return storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "download", path, fmt.Errorf("not found"))
		}
		return writeIfParentExists(path, e)
	})
}

func writeIfParentExists(path string, e *mockEntry) error {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil
	}
	if e.isFolder {
		return os.MkdirAll(path, 0755)
	}
	return os.WriteFile(path, e.content, 0644)
}

// Move implements storage.RemoteStorage.
func (m *MockStorage) Move(ctx context.Context, src, dst string) (*storage.Handle, error) {
	return m.run(ctx, "move", src, dst, 0, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		moved := false
		prefix := src + string(filepath.Separator)
		for p, e := range m.entries {
			switch {
			case p == src:
				delete(m.entries, p)
				m.entries[dst] = e
				moved = true
			case len(p) > len(prefix) && p[:len(prefix)] == prefix:
				delete(m.entries, p)
				m.entries[filepath.Join(dst, p[len(prefix):])] = e
			}
		}
		if !moved {
			m.entries[dst] = &mockEntry{modTime: time.Now()}
		}
		return nil
	})
}

// Delete implements storage.RemoteStorage.
func (m *MockStorage) Delete(ctx context.Context, path string) (*storage.Handle, error) {
	return m.run(ctx, "delete", path, "", 0, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		prefix := path + string(filepath.Separator)
		for p := range m.entries {
			if p == path || (len(p) > len(prefix) && p[:len(prefix)] == prefix) {
				delete(m.entries, p)
			}
		}
		return nil
	})
}

// Recover implements storage.RemoteStorage.
func (m *MockStorage) Recover(ctx context.Context, path string, version int) (*storage.Handle, error) {
	return m.run(ctx, "recover", path, "", version, func() error {
		m.mu.Lock()
		e, ok := m.entries[path]
		if !ok || version < 0 || version >= len(e.versions) {
			m.mu.Unlock()
			return storage.NewStorageError(storage.ErrCodeInvalidProcessState, "recover", path, fmt.Errorf("version %d not found", version))
		}
		e.versions = append(e.versions, e.content)
		e.content = e.versions[version]
		m.mu.Unlock()
		return writeIfParentExists(path, e)
	})
}

// List implements storage.RemoteStorage. Nodes are returned flat below a
// synthetic root whose path is "".
func (m *MockStorage) List(ctx context.Context) (*storage.RemoteNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return nil, m.session
	}
	root := &storage.RemoteNode{IsFolder: true}
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e := m.entries[p]
		root.Children = append(root.Children, &storage.RemoteNode{
			Path:        p,
			IsFolder:    e.isFolder,
			ContentHash: fmt.Sprintf("%x", e.content),
			Size:        int64(len(e.content)),
			ModTime:     e.modTime,
			Version:     len(e.versions),
		})
	}
	return root, nil
}

// CheckSession implements storage.RemoteStorage.
func (m *MockStorage) CheckSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}
