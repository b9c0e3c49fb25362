package sync

import (
	"time"
)

// EventKind represents the type of change observed for a path
type EventKind int

const (
	EventLocalCreate EventKind = iota
	EventLocalUpdate
	EventLocalDelete
	EventLocalMove
	EventRemoteCreate
	EventRemoteUpdate
	EventRemoteDelete
	EventRemoteMove
	EventRecover
)

var eventKindNames = map[EventKind]string{
	EventLocalCreate:  "local_create",
	EventLocalUpdate:  "local_update",
	EventLocalDelete:  "local_delete",
	EventLocalMove:    "local_move",
	EventRemoteCreate: "remote_create",
	EventRemoteUpdate: "remote_update",
	EventRemoteDelete: "remote_delete",
	EventRemoteMove:   "remote_move",
	EventRecover:      "recover",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsRemote reports whether the event originated on the remote side
func (k EventKind) IsRemote() bool {
	return k >= EventRemoteCreate && k <= EventRemoteMove
}

// Event is a single change applied to an Action's state machine
type Event struct {
	Kind EventKind `json:"kind"`
	Path string    `json:"path"`
	// Source is the previous path of a move
	Source string `json:"source,omitempty"`
	// Reversed asks a local move to be executed from Path back to Source
	Reversed bool `json:"reversed,omitempty"`
	// Version is the historical version requested by a recover
	Version  int       `json:"version,omitempty"`
	IsFolder bool      `json:"is_folder,omitempty"`
	Time     time.Time `json:"time"`
}

// StateKind identifies an ActionState variant
type StateKind int

const (
	StateInitial StateKind = iota
	StateLocalCreate
	StateLocalUpdate
	StateLocalDelete
	StateLocalMove
	StateLocalRecover
	StateRemoteCreate
	StateRemoteUpdate
	StateRemoteDelete
	StateRemoteMove
	StateConflict
	StateExecutingDone
)

var stateKindNames = map[StateKind]string{
	StateInitial:       "Initial",
	StateLocalCreate:   "LocalCreate",
	StateLocalUpdate:   "LocalUpdate",
	StateLocalDelete:   "LocalDelete",
	StateLocalMove:     "LocalMove",
	StateLocalRecover:  "LocalRecover",
	StateRemoteCreate:  "RemoteCreate",
	StateRemoteUpdate:  "RemoteUpdate",
	StateRemoteDelete:  "RemoteDelete",
	StateRemoteMove:    "RemoteMove",
	StateConflict:      "Conflict",
	StateExecutingDone: "ExecutingDone",
}

func (k StateKind) String() string {
	if name, ok := stateKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// IsLocal reports whether the state holds an unexecuted local intent
func (k StateKind) IsLocal() bool {
	return k >= StateLocalCreate && k <= StateLocalRecover
}

// IsRemote reports whether the state holds an unexecuted remote change
func (k StateKind) IsRemote() bool {
	return k >= StateRemoteCreate && k <= StateRemoteMove
}

// Executable reports whether the executor has an operation to run for the state
func (k StateKind) Executable() bool {
	return k.IsLocal() || k.IsRemote()
}

// ConflictResolution represents how conflicts should be resolved
type ConflictResolution string

const (
	ConflictResolveLocal     ConflictResolution = "local"
	ConflictResolveRemote    ConflictResolution = "remote"
	ConflictResolveTimestamp ConflictResolution = "timestamp"
	ConflictResolvePrompt    ConflictResolution = "prompt"
)

// Conflict describes a path whose local and remote intents collided
type Conflict struct {
	Path          string             `json:"path"`
	IsFolder      bool               `json:"is_folder"`
	LocalExists   bool               `json:"local_exists"`
	RemoteExists  bool               `json:"remote_exists"`
	LocalModTime  time.Time          `json:"local_mod_time"`
	RemoteModTime time.Time          `json:"remote_mod_time"`
	Resolution    ConflictResolution `json:"resolution"`
	DetectedAt    time.Time          `json:"detected_at"`
}

// ActionInfo is a point-in-time copy of an Action
type ActionInfo struct {
	Path      string    `json:"path"`
	IsFolder  bool      `json:"is_folder"`
	State     StateKind `json:"state"`
	Source    string    `json:"source,omitempty"`
	Attempts  int       `json:"attempts"`
	Executing bool      `json:"executing"`
	Failed    bool      `json:"failed"`
	Queued    int       `json:"queued"`
	Timestamp time.Time `json:"timestamp"`
	LastError string    `json:"last_error,omitempty"`
}
