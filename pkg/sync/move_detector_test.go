package sync

import (
	"testing"
	"time"

	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

func TestMoveDetector_MatchByFingerprint(t *testing.T) {
	md := NewMoveDetector(time.Minute)
	defer md.Stop()

	expired := make(chan string, 1)
	md.AddDelete("/sync/old.txt", "fp", false, func(p string) { expired <- p })

	if _, ok := md.MatchCreate("/sync/other.txt", "different", false); ok {
		t.Fatal("Create with different content should not match")
	}
	if _, ok := md.MatchCreate("/sync/dir", "fp", true); ok {
		t.Fatal("A folder should not match a file")
	}

	src, ok := md.MatchCreate("/sync/new.txt", "fp", false)
	if !ok || src != "/sync/old.txt" {
		t.Fatalf("Expected match with /sync/old.txt, got %q %v", src, ok)
	}
	if len(md.Pending()) != 0 {
		t.Errorf("Matched delete should no longer be pending: %v", md.Pending())
	}

	select {
	case p := <-expired:
		t.Errorf("Matched delete was released: %s", p)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMoveDetector_SamePathAlwaysMatches(t *testing.T) {
	md := NewMoveDetector(time.Minute)
	defer md.Stop()

	md.AddDelete("/sync/doc.txt", "before-save", false, func(string) {})

	src, ok := md.MatchCreate("/sync/doc.txt", "after-save", false)
	if !ok || src != "/sync/doc.txt" {
		t.Errorf("Recreated file should match its own delete, got %q %v", src, ok)
	}
}

func TestMoveDetector_ExpiryReleasesDelete(t *testing.T) {
	md := NewMoveDetector(20 * time.Millisecond)
	defer md.Stop()

	expired := make(chan string, 1)
	md.AddDelete("/sync/gone.txt", "fp", false, func(p string) { expired <- p })

	select {
	case p := <-expired:
		if p != "/sync/gone.txt" {
			t.Errorf("Unexpected path released: %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("Delete was not released after the pairing window")
	}

	if _, ok := md.MatchCreate("/sync/late.txt", "fp", false); ok {
		t.Error("A create after the window should not pair")
	}
}

func TestMoveDetector_HoldsAndTake(t *testing.T) {
	md := NewMoveDetector(50 * time.Millisecond)
	defer md.Stop()

	expired := make(chan string, 1)
	md.AddDelete("/sync/dir", "", true, func(p string) { expired <- p })

	for path, want := range map[string]bool{
		"/sync/dir":         true,
		"/sync/dir/a/b.txt": true,
		"/sync/dirt":        false,
		"/sync":             false,
	} {
		if got := md.Holds(path); got != want {
			t.Errorf("Holds(%s) = %v, want %v", path, got, want)
		}
	}

	if md.Take("/sync/dir/a/b.txt") {
		t.Error("Take only claims the held path itself")
	}
	if !md.Take("/sync/dir") {
		t.Fatal("Expected to claim the held delete")
	}
	if md.Take("/sync/dir") || md.Holds("/sync/dir") {
		t.Error("A claimed delete is no longer held")
	}

	select {
	case p := <-expired:
		t.Errorf("Claimed delete was released: %s", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMoveDetector_PrefersSameBaseName(t *testing.T) {
	md := NewMoveDetector(time.Minute)
	defer md.Stop()

	md.AddDelete("/sync/a/first.txt", "fp", false, func(string) {})
	time.Sleep(time.Millisecond)
	md.AddDelete("/sync/b/report.txt", "fp", false, func(string) {})

	src, ok := md.MatchCreate("/sync/c/report.txt", "fp", false)
	if !ok || src != "/sync/b/report.txt" {
		t.Errorf("Expected same base name to win, got %q", src)
	}

	src, ok = md.MatchCreate("/sync/c/other.txt", "fp", false)
	if !ok || src != "/sync/a/first.txt" {
		t.Errorf("Expected remaining candidate, got %q", src)
	}
}

func TestMoveDetector_EmptyFingerprintNeverPairs(t *testing.T) {
	md := NewMoveDetector(time.Minute)
	defer md.Stop()

	md.AddDelete("/sync/a", "", false, func(string) {})
	if _, ok := md.MatchCreate("/sync/b", "", false); ok {
		t.Error("Unknown content should not pair")
	}
}

func TestMoveDetector_CancelAndStop(t *testing.T) {
	md := NewMoveDetector(30 * time.Millisecond)

	released := make(chan string, 4)
	release := func(p string) { released <- p }
	md.AddDelete("/sync/dir/a", "1", false, release)
	md.AddDelete("/sync/dir/b", "2", false, release)
	md.AddDelete("/sync/keep", "3", false, release)

	if n := md.Cancel("/sync/dir"); n != 2 {
		t.Errorf("Expected 2 cancelled, got %d", n)
	}
	if pending := md.Pending(); len(pending) != 1 || pending[0] != "/sync/keep" {
		t.Errorf("Unexpected pending deletes: %v", pending)
	}

	md.Stop()
	md.AddDelete("/sync/after", "4", false, release)
	if len(md.Pending()) != 0 {
		t.Error("Stopped detector should not hold deletes")
	}

	select {
	case p := <-released:
		t.Errorf("Nothing should be released after cancel and stop, got %s", p)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestPairRemoteMoves(t *testing.T) {
	deleted := map[string]*storage.RemoteNode{
		"/sync/old":        {Path: "/sync/old", IsFolder: true, ContentHash: "folder"},
		"/sync/old/a.txt":  {Path: "/sync/old/a.txt", ContentHash: "a"},
		"/sync/file.txt":   {Path: "/sync/file.txt", ContentHash: "f"},
		"/sync/unique.txt": {Path: "/sync/unique.txt", ContentHash: "u"},
	}
	created := map[string]*storage.RemoteNode{
		"/sync/new":         {Path: "/sync/new", IsFolder: true, ContentHash: "folder"},
		"/sync/new/a.txt":   {Path: "/sync/new/a.txt", ContentHash: "a"},
		"/sync/renamed.txt": {Path: "/sync/renamed.txt", ContentHash: "f"},
		"/sync/fresh.txt":   {Path: "/sync/fresh.txt", ContentHash: "x"},
	}

	pairs := PairRemoteMoves(deleted, created)

	want := map[string]string{
		"/sync/new":         "/sync/old",
		"/sync/renamed.txt": "/sync/file.txt",
	}
	if len(pairs) != len(want) {
		t.Fatalf("Expected %d pairs, got %+v", len(want), pairs)
	}
	for _, pair := range pairs {
		if want[pair.Target] != pair.Source {
			t.Errorf("Unexpected pair %+v", pair)
		}
	}

	if _, ok := created["/sync/new/a.txt"]; ok {
		t.Error("Children of a paired folder should be consumed")
	}
	if len(deleted) != 1 || deleted["/sync/unique.txt"] == nil {
		t.Errorf("Unexpected remaining deletes: %v", deleted)
	}
	if len(created) != 1 || created["/sync/fresh.txt"] == nil {
		t.Errorf("Unexpected remaining creates: %v", created)
	}
}
