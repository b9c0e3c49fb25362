package sync

// State is the reconciliation phase of an Action. Kind selects the variant;
// Source, Reversed and Version carry the data of the variants that need it.
type State struct {
	Kind StateKind `json:"kind"`
	// Source is the previous path for LocalMove and RemoteMove, and the
	// path to remove for a RemoteDelete that followed a pending RemoteMove.
	Source   string `json:"source,omitempty"`
	Reversed bool   `json:"reversed,omitempty"`
	Version  int    `json:"version,omitempty"`
}

// InitialState is the state of a freshly created Action
func InitialState() State {
	return State{Kind: StateInitial}
}

func (s State) String() string {
	switch s.Kind {
	case StateLocalMove, StateRemoteMove:
		if s.Reversed {
			return s.Kind.String() + "(" + s.Source + ", reversed)"
		}
		return s.Kind.String() + "(" + s.Source + ")"
	case StateRemoteDelete:
		if s.Source != "" {
			return s.Kind.String() + "(" + s.Source + ")"
		}
	}
	return s.Kind.String()
}

func (s State) fault(ev Event) (State, error) {
	return s, &ProtocolFault{Path: ev.Path, State: s.Kind, Event: ev.Kind}
}

func (s State) to(kind StateKind) (State, error) {
	return State{Kind: kind}, nil
}

func (s State) same() (State, error) {
	return s, nil
}

// Apply returns the state that follows s when ev is observed. A
// ProtocolFault is returned, together with the unchanged state, when the
// transition is not defined.
func (s State) Apply(ev Event) (State, error) {
	switch s.Kind {
	case StateInitial, StateExecutingDone:
		return s.fromInitial(ev)
	case StateLocalCreate:
		return s.fromLocalCreate(ev)
	case StateLocalUpdate:
		return s.fromLocalUpdate(ev)
	case StateLocalDelete:
		return s.fromLocalDelete(ev)
	case StateLocalMove:
		return s.fromLocalMove(ev)
	case StateLocalRecover:
		return s.fromLocalRecover(ev)
	case StateRemoteCreate:
		return s.fromRemoteCreate(ev)
	case StateRemoteUpdate:
		return s.fromRemoteUpdate(ev)
	case StateRemoteDelete:
		return s.fromRemoteDelete(ev)
	case StateRemoteMove:
		return s.fromRemoteMove(ev)
	case StateConflict:
		return s.fromConflict(ev)
	}
	return s.fault(ev)
}

func (s State) fromInitial(ev Event) (State, error) {
	switch ev.Kind {
	case EventLocalCreate:
		return s.to(StateLocalCreate)
	case EventLocalUpdate:
		return s.to(StateLocalUpdate)
	case EventLocalDelete:
		return s.to(StateLocalDelete)
	case EventLocalMove:
		return State{Kind: StateLocalMove, Source: ev.Source, Reversed: ev.Reversed}, nil
	case EventRemoteCreate:
		return s.to(StateRemoteCreate)
	case EventRemoteUpdate:
		return s.to(StateRemoteUpdate)
	case EventRemoteDelete:
		return s.to(StateRemoteDelete)
	case EventRemoteMove:
		return State{Kind: StateRemoteMove, Source: ev.Source}, nil
	case EventRecover:
		return State{Kind: StateLocalRecover, Version: ev.Version}, nil
	}
	return s.fault(ev)
}

// remoteEventConflicts is shared by every Local* state: the remote store
// changed underneath an unexecuted local intent.
func (s State) remoteEventConflicts(ev Event) (State, bool) {
	if ev.Kind.IsRemote() {
		return State{Kind: StateConflict}, true
	}
	return s, false
}

func (s State) fromLocalCreate(ev Event) (State, error) {
	if next, ok := s.remoteEventConflicts(ev); ok {
		return next, nil
	}
	switch ev.Kind {
	case EventLocalCreate, EventLocalUpdate:
		return s.same()
	case EventLocalDelete:
		return s.to(StateInitial)
	case EventLocalMove:
		// never uploaded: the create simply happens at the new path
		return s.same()
	}
	return s.fault(ev)
}

func (s State) fromLocalUpdate(ev Event) (State, error) {
	if next, ok := s.remoteEventConflicts(ev); ok {
		return next, nil
	}
	switch ev.Kind {
	case EventLocalCreate, EventLocalUpdate:
		return s.same()
	case EventLocalDelete:
		return s.to(StateLocalDelete)
	case EventLocalMove:
		return State{Kind: StateLocalMove, Source: ev.Source, Reversed: ev.Reversed}, nil
	case EventRecover:
		return State{Kind: StateLocalRecover, Version: ev.Version}, nil
	}
	return s.fault(ev)
}

func (s State) fromLocalDelete(ev Event) (State, error) {
	if next, ok := s.remoteEventConflicts(ev); ok {
		return next, nil
	}
	switch ev.Kind {
	case EventLocalCreate:
		return s.to(StateLocalUpdate)
	case EventLocalDelete:
		return s.same()
	}
	return s.fault(ev)
}

func (s State) fromLocalMove(ev Event) (State, error) {
	if next, ok := s.remoteEventConflicts(ev); ok {
		return next, nil
	}
	if ev.Kind == EventLocalDelete {
		// the delete of the source path completes the move
		return s.same()
	}
	return s.fault(ev)
}

func (s State) fromLocalRecover(ev Event) (State, error) {
	if next, ok := s.remoteEventConflicts(ev); ok {
		return next, nil
	}
	switch ev.Kind {
	case EventLocalCreate, EventLocalUpdate:
		return s.to(StateLocalUpdate)
	case EventLocalDelete:
		return s.to(StateLocalDelete)
	case EventRecover:
		return State{Kind: StateLocalRecover, Version: ev.Version}, nil
	}
	return s.fault(ev)
}

// Pending remote changes give way to local intents: the local event is
// handled as if nothing were pending.

func (s State) fromRemoteCreate(ev Event) (State, error) {
	switch ev.Kind {
	case EventRemoteCreate, EventRemoteUpdate, EventRemoteMove:
		return s.same()
	case EventRemoteDelete:
		return s.to(StateInitial)
	case EventRecover:
		return s.fault(ev)
	}
	return InitialState().fromInitial(ev)
}

func (s State) fromRemoteUpdate(ev Event) (State, error) {
	switch ev.Kind {
	case EventRemoteCreate, EventRemoteUpdate:
		return s.same()
	case EventRemoteDelete:
		return s.to(StateRemoteDelete)
	case EventRemoteMove:
		return State{Kind: StateRemoteMove, Source: ev.Source}, nil
	}
	return InitialState().fromInitial(ev)
}

func (s State) fromRemoteDelete(ev Event) (State, error) {
	switch ev.Kind {
	case EventRemoteCreate, EventRemoteUpdate:
		return s.to(StateRemoteUpdate)
	case EventRemoteDelete:
		return s.same()
	case EventRemoteMove, EventRecover:
		return s.fault(ev)
	case EventLocalDelete:
		// both sides agree the file is gone
		return s.to(StateInitial)
	}
	return InitialState().fromInitial(ev)
}

func (s State) fromRemoteMove(ev Event) (State, error) {
	switch ev.Kind {
	case EventRemoteCreate, EventRemoteUpdate:
		return s.same()
	case EventRemoteMove:
		// keep the first source, the only one present locally
		return s.same()
	case EventRemoteDelete:
		return State{Kind: StateRemoteDelete, Source: s.Source}, nil
	case EventRecover:
		return s.fault(ev)
	}
	return InitialState().fromInitial(ev)
}

func (s State) fromConflict(ev Event) (State, error) {
	if ev.Kind == EventRecover {
		return s.fault(ev)
	}
	return s.same()
}
