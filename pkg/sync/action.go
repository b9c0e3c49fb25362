package sync

import (
	"path/filepath"
	"sync"
	"time"
)

// Action is the pending reconciliation work for exactly one path. All fields
// are guarded by mu, which is the per-path lock: state transitions happen
// under it, remote operations never run while it is held.
type Action struct {
	mu sync.Mutex

	path        string
	isFolder    bool
	state       State
	timestamp   time.Time
	attempts    int
	fingerprint string

	// executing is set while an operation for running is in flight; events
	// observed meanwhile are queued and replayed once it completes.
	executing bool
	running   State
	queue     []Event
	discard   bool
	// sent is the fingerprint of the content handed to the running upload
	sent string
	// changed lists the remote paths the running operation modifies
	changed []string

	timer    *time.Timer
	gen      uint64
	removed  bool
	failed   bool
	reported bool
	lastErr  error
}

func newAction(path string, isFolder bool, now time.Time) *Action {
	return &Action{
		path:      filepath.Clean(path),
		isFolder:  isFolder,
		state:     InitialState(),
		timestamp: now,
	}
}

// Path returns the current path of the Action
func (a *Action) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

// State returns the current state
func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Info returns a copy of the Action's bookkeeping
func (a *Action) Info() ActionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.infoLocked()
}

func (a *Action) infoLocked() ActionInfo {
	info := ActionInfo{
		Path:      a.path,
		IsFolder:  a.isFolder,
		State:     a.state.Kind,
		Source:    a.state.Source,
		Attempts:  a.attempts,
		Executing: a.executing,
		Failed:    a.failed,
		Queued:    len(a.queue),
		Timestamp: a.timestamp,
	}
	if a.lastErr != nil {
		info.LastError = a.lastErr.Error()
	}
	return info
}

// applyLocked advances the state machine. While an execution is in flight
// the event is queued instead. On a fault the prior state is kept. A live
// event is a fresh intent and clears the retry bookkeeping; a replayed one
// only does so when it changes the state.
func (a *Action) applyLocked(ev Event, live bool) error {
	a.timestamp = ev.Time
	if a.executing {
		a.queue = append(a.queue, ev)
		return nil
	}

	next, err := a.state.Apply(ev)
	if err != nil {
		return err
	}
	if next != a.state {
		a.reported = false
	}
	if live || next != a.state {
		a.attempts = 0
		a.failed = false
	}
	a.state = next
	return nil
}

// replayLocked applies the queued events to the current state in arrival
// order and returns the faults they raised.
func (a *Action) replayLocked() []error {
	queue := a.queue
	a.queue = nil

	var faults []error
	for _, ev := range queue {
		if err := a.applyLocked(ev, false); err != nil {
			faults = append(faults, err)
		}
	}
	return faults
}

// idleLocked reports whether the Action has nothing left to do
func (a *Action) idleLocked() bool {
	if a.executing {
		return false
	}
	return a.state.Kind == StateInitial || a.state.Kind == StateExecutingDone
}

func (a *Action) stopTimerLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
