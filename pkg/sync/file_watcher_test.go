package sync

import (
	"errors"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
)

type recordedEvent struct {
	kind EventKind
	path string
}

// recordingSink collects local events; err is returned from every call
type recordingSink struct {
	mu     gosync.Mutex
	events []recordedEvent
	err    error
}

func (s *recordingSink) record(kind EventKind, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{kind: kind, path: path})
	return s.err
}

func (s *recordingSink) OnLocalCreate(path string) error { return s.record(EventLocalCreate, path) }
func (s *recordingSink) OnLocalUpdate(path string) error { return s.record(EventLocalUpdate, path) }
func (s *recordingSink) OnLocalDelete(path string) error { return s.record(EventLocalDelete, path) }

func (s *recordingSink) has(kind EventKind, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.kind == kind && e.path == path {
			return true
		}
	}
	return false
}

func (s *recordingSink) seen(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.path == path {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, config WatcherConfig, sink LocalEventSink) (*FileWatcher, string) {
	t.Helper()
	dir := t.TempDir()
	fw, err := NewFileWatcher(config, sink, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fw.Stop() })
	require.NoError(t, fw.AddPath(dir))
	return fw, dir
}

func TestNewFileWatcher_RequiresSink(t *testing.T) {
	_, err := NewFileWatcher(WatcherConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestFileWatcher_ReportsChanges(t *testing.T) {
	sink := &recordingSink{}
	_, dir := startWatcher(t, WatcherConfig{Recursive: true}, sink)
	file := filepath.Join(dir, "a.txt")

	require.NoError(t, os.WriteFile(file, []byte("one"), 0644))
	require.Eventually(t, func() bool { return sink.has(EventLocalCreate, file) }, waitTimeout, 10*time.Millisecond)

	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(" two")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Eventually(t, func() bool { return sink.has(EventLocalUpdate, file) }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, os.Remove(file))
	require.Eventually(t, func() bool { return sink.has(EventLocalDelete, file) }, waitTimeout, 10*time.Millisecond)
}

func TestFileWatcher_RenameIsDeleteAndCreate(t *testing.T) {
	sink := &recordingSink{}
	_, dir := startWatcher(t, WatcherConfig{Recursive: true}, sink)
	oldPath := filepath.Join(dir, "old.txt")
	newPath := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0644))
	require.Eventually(t, func() bool { return sink.has(EventLocalCreate, oldPath) }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, os.Rename(oldPath, newPath))

	require.Eventually(t, func() bool {
		return sink.has(EventLocalDelete, oldPath) && sink.has(EventLocalCreate, newPath)
	}, waitTimeout, 10*time.Millisecond)
}

func TestFileWatcher_AdoptsNewDirectories(t *testing.T) {
	sink := &recordingSink{}
	fw, dir := startWatcher(t, WatcherConfig{Recursive: true}, sink)
	sub := filepath.Join(dir, "sub")

	require.NoError(t, os.Mkdir(sub, 0755))
	require.Eventually(t, func() bool { return sink.has(EventLocalCreate, sub) }, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, p := range fw.GetWatchedPaths() {
			if p == sub {
				return true
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)

	nested := filepath.Join(sub, "inner.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0644))
	require.Eventually(t, func() bool { return sink.has(EventLocalCreate, nested) }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, os.RemoveAll(sub))
	require.Eventually(t, func() bool { return sink.has(EventLocalDelete, sub) }, waitTimeout, 10*time.Millisecond)
	assert.NotContains(t, fw.GetWatchedPaths(), sub)
}

func TestFileWatcher_Patterns(t *testing.T) {
	sink := &recordingSink{}
	_, dir := startWatcher(t, WatcherConfig{
		Recursive:       true,
		IncludePatterns: []string{"*.txt"},
		ExcludePatterns: []string{"*.tmp", ".git"},
	}, sink)

	ignored := filepath.Join(dir, "build.tmp")
	notIncluded := filepath.Join(dir, "image.png")
	kept := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(ignored, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(notIncluded, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0644))

	require.Eventually(t, func() bool { return sink.has(EventLocalCreate, kept) }, waitTimeout, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, sink.seen(ignored))
	assert.False(t, sink.seen(notIncluded))
}

func TestFileWatcher_SinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("boom")}
	fw, dir := startWatcher(t, WatcherConfig{}, sink)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))

	select {
	case err := <-fw.Errors():
		assert.ErrorContains(t, err, "boom")
	case <-time.After(waitTimeout):
		t.Fatal("sink error was not reported")
	}

	// excluded and unknown paths are expected and not reported
	sink.mu.Lock()
	sink.err = ErrExcludedPath
	sink.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case <-fw.Errors():
		default:
			drained = true
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0644))
	select {
	case err := <-fw.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileWatcher_StopClosesErrors(t *testing.T) {
	fw, _ := startWatcher(t, WatcherConfig{}, &recordingSink{})

	require.NoError(t, fw.Stop())
	require.NoError(t, fw.Stop())

	_, open := <-fw.Errors()
	assert.False(t, open)
}

func TestFileWatcher_AddMissingPath(t *testing.T) {
	fw, _ := startWatcher(t, WatcherConfig{}, &recordingSink{})
	assert.Error(t, fw.AddPath(filepath.Join(t.TempDir(), "missing")))
}

func TestMatchesPatterns(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    bool
	}{
		{"a.txt", nil, nil, true},
		{"a.txt", []string{"*.txt"}, nil, true},
		{"a.png", []string{"*.txt"}, nil, false},
		{"a.txt", []string{"*.txt"}, []string{"a.*"}, false},
		{".DS_Store", nil, []string{".DS_Store"}, false},
	}
	for _, tt := range tests {
		if got := MatchesPatterns(tt.name, tt.include, tt.exclude); got != tt.want {
			t.Errorf("MatchesPatterns(%q, %v, %v) = %v, want %v", tt.name, tt.include, tt.exclude, got, tt.want)
		}
	}
}
