package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationKind classifies an execution outcome
type NotificationKind string

const (
	NotifySucceeded NotificationKind = "succeeded"
	NotifyFailed    NotificationKind = "failed"
	NotifyConflict  NotificationKind = "conflict"
	NotifyFault     NotificationKind = "fault"
)

// Notification reports the outcome of an Action to observers
type Notification struct {
	ID       string           `json:"id"`
	Path     string           `json:"path"`
	State    StateKind        `json:"state"`
	Kind     NotificationKind `json:"kind"`
	Err      error            `json:"-"`
	Attempts int              `json:"attempts"`
	Time     time.Time        `json:"time"`

	// RemotePaths are the remote entries a successful execution changed
	RemotePaths []string `json:"remote_paths,omitempty"`
}

func newNotification(kind NotificationKind, path string, state StateKind, attempts int, err error) Notification {
	return Notification{
		ID:       uuid.NewString(),
		Path:     path,
		State:    state,
		Kind:     kind,
		Err:      err,
		Attempts: attempts,
		Time:     time.Now(),
	}
}

// notifier fans notifications out to subscribers. Subscribers are called
// synchronously and must not block.
type notifier struct {
	mu   sync.RWMutex
	subs map[int]func(Notification)
	next int
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]func(Notification))}
}

func (n *notifier) subscribe(fn func(Notification)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) publish(note Notification) {
	n.mu.RLock()
	subs := make([]func(Notification), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(note)
	}
}
