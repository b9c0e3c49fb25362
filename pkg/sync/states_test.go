package sync

import (
	"errors"
	"testing"
)

const testSource = "/sync/source"

var (
	evLocalCreate  = Event{Kind: EventLocalCreate, Path: "/sync/p"}
	evLocalUpdate  = Event{Kind: EventLocalUpdate, Path: "/sync/p"}
	evLocalDelete  = Event{Kind: EventLocalDelete, Path: "/sync/p"}
	evLocalMove    = Event{Kind: EventLocalMove, Path: "/sync/p", Source: testSource}
	evRemoteCreate = Event{Kind: EventRemoteCreate, Path: "/sync/p"}
	evRemoteUpdate = Event{Kind: EventRemoteUpdate, Path: "/sync/p"}
	evRemoteDelete = Event{Kind: EventRemoteDelete, Path: "/sync/p"}
	evRemoteMove   = Event{Kind: EventRemoteMove, Path: "/sync/p", Source: testSource}
	evRecover      = Event{Kind: EventRecover, Path: "/sync/p", Version: 1}
)

var allEvents = []Event{
	evLocalCreate, evLocalUpdate, evLocalDelete, evLocalMove,
	evRemoteCreate, evRemoteUpdate, evRemoteDelete, evRemoteMove,
	evRecover,
}

// transition is the expected outcome of applying an event; a nil next means
// the event must raise a protocol fault.
type transition struct {
	event Event
	next  *State
}

func st(kind StateKind) *State {
	return &State{Kind: kind}
}

func fault() *State {
	return nil
}

func fromInitialExpectations() []transition {
	return []transition{
		{evLocalCreate, st(StateLocalCreate)},
		{evLocalUpdate, st(StateLocalUpdate)},
		{evLocalDelete, st(StateLocalDelete)},
		{evLocalMove, &State{Kind: StateLocalMove, Source: testSource}},
		{evRemoteCreate, st(StateRemoteCreate)},
		{evRemoteUpdate, st(StateRemoteUpdate)},
		{evRemoteDelete, st(StateRemoteDelete)},
		{evRemoteMove, &State{Kind: StateRemoteMove, Source: testSource}},
		{evRecover, &State{Kind: StateLocalRecover, Version: 1}},
	}
}

func TestState_TransitionTable(t *testing.T) {
	movedFrom := State{Kind: StateLocalMove, Source: "/sync/moved"}
	remoteMovedFrom := State{Kind: StateRemoteMove, Source: "/sync/moved"}

	table := []struct {
		from   State
		expect []transition
	}{
		{InitialState(), fromInitialExpectations()},
		{State{Kind: StateExecutingDone}, fromInitialExpectations()},
		{State{Kind: StateLocalCreate}, []transition{
			{evLocalCreate, st(StateLocalCreate)},
			{evLocalUpdate, st(StateLocalCreate)},
			{evLocalDelete, st(StateInitial)},
			{evLocalMove, st(StateLocalCreate)},
			{evRemoteCreate, st(StateConflict)},
			{evRemoteUpdate, st(StateConflict)},
			{evRemoteDelete, st(StateConflict)},
			{evRemoteMove, st(StateConflict)},
			{evRecover, fault()},
		}},
		{State{Kind: StateLocalUpdate}, []transition{
			{evLocalCreate, st(StateLocalUpdate)},
			{evLocalUpdate, st(StateLocalUpdate)},
			{evLocalDelete, st(StateLocalDelete)},
			{evLocalMove, &State{Kind: StateLocalMove, Source: testSource}},
			{evRemoteCreate, st(StateConflict)},
			{evRemoteUpdate, st(StateConflict)},
			{evRemoteDelete, st(StateConflict)},
			{evRemoteMove, st(StateConflict)},
			{evRecover, &State{Kind: StateLocalRecover, Version: 1}},
		}},
		{State{Kind: StateLocalDelete}, []transition{
			{evLocalCreate, st(StateLocalUpdate)},
			{evLocalUpdate, fault()},
			{evLocalDelete, st(StateLocalDelete)},
			{evLocalMove, fault()},
			{evRemoteCreate, st(StateConflict)},
			{evRemoteUpdate, st(StateConflict)},
			{evRemoteDelete, st(StateConflict)},
			{evRemoteMove, st(StateConflict)},
			{evRecover, fault()},
		}},
		{movedFrom, []transition{
			{evLocalCreate, fault()},
			{evLocalUpdate, fault()},
			{evLocalDelete, &movedFrom},
			{evLocalMove, fault()},
			{evRemoteCreate, st(StateConflict)},
			{evRemoteUpdate, st(StateConflict)},
			{evRemoteDelete, st(StateConflict)},
			{evRemoteMove, st(StateConflict)},
			{evRecover, fault()},
		}},
		{State{Kind: StateLocalRecover}, []transition{
			{evLocalCreate, st(StateLocalUpdate)},
			{evLocalUpdate, st(StateLocalUpdate)},
			{evLocalDelete, st(StateLocalDelete)},
			{evLocalMove, fault()},
			{evRemoteCreate, st(StateConflict)},
			{evRemoteUpdate, st(StateConflict)},
			{evRemoteDelete, st(StateConflict)},
			{evRemoteMove, st(StateConflict)},
			{evRecover, &State{Kind: StateLocalRecover, Version: 1}},
		}},
		{State{Kind: StateRemoteCreate}, []transition{
			{evLocalCreate, st(StateLocalCreate)},
			{evLocalUpdate, st(StateLocalUpdate)},
			{evLocalDelete, st(StateLocalDelete)},
			{evLocalMove, &State{Kind: StateLocalMove, Source: testSource}},
			{evRemoteCreate, st(StateRemoteCreate)},
			{evRemoteUpdate, st(StateRemoteCreate)},
			{evRemoteDelete, st(StateInitial)},
			{evRemoteMove, st(StateRemoteCreate)},
			{evRecover, fault()},
		}},
		{State{Kind: StateRemoteUpdate}, []transition{
			{evLocalCreate, st(StateLocalCreate)},
			{evLocalUpdate, st(StateLocalUpdate)},
			{evLocalDelete, st(StateLocalDelete)},
			{evLocalMove, &State{Kind: StateLocalMove, Source: testSource}},
			{evRemoteCreate, st(StateRemoteUpdate)},
			{evRemoteUpdate, st(StateRemoteUpdate)},
			{evRemoteDelete, st(StateRemoteDelete)},
			{evRemoteMove, &State{Kind: StateRemoteMove, Source: testSource}},
			{evRecover, &State{Kind: StateLocalRecover, Version: 1}},
		}},
		{State{Kind: StateRemoteDelete}, []transition{
			{evLocalCreate, st(StateLocalCreate)},
			{evLocalUpdate, st(StateLocalUpdate)},
			{evLocalDelete, st(StateInitial)},
			{evLocalMove, &State{Kind: StateLocalMove, Source: testSource}},
			{evRemoteCreate, st(StateRemoteUpdate)},
			{evRemoteUpdate, st(StateRemoteUpdate)},
			{evRemoteDelete, st(StateRemoteDelete)},
			{evRemoteMove, fault()},
			{evRecover, fault()},
		}},
		{remoteMovedFrom, []transition{
			{evLocalCreate, st(StateLocalCreate)},
			{evLocalUpdate, st(StateLocalUpdate)},
			{evLocalDelete, st(StateLocalDelete)},
			{evLocalMove, &State{Kind: StateLocalMove, Source: testSource}},
			{evRemoteCreate, &remoteMovedFrom},
			{evRemoteUpdate, &remoteMovedFrom},
			{evRemoteDelete, &State{Kind: StateRemoteDelete, Source: "/sync/moved"}},
			{evRemoteMove, &remoteMovedFrom},
			{evRecover, fault()},
		}},
		{State{Kind: StateConflict}, []transition{
			{evLocalCreate, st(StateConflict)},
			{evLocalUpdate, st(StateConflict)},
			{evLocalDelete, st(StateConflict)},
			{evLocalMove, st(StateConflict)},
			{evRemoteCreate, st(StateConflict)},
			{evRemoteUpdate, st(StateConflict)},
			{evRemoteDelete, st(StateConflict)},
			{evRemoteMove, st(StateConflict)},
			{evRecover, fault()},
		}},
	}

	covered := make(map[StateKind]bool)
	for _, row := range table {
		covered[row.from.Kind] = true
		if len(row.expect) != len(allEvents) {
			t.Fatalf("%s: expected %d transitions, have %d", row.from, len(allEvents), len(row.expect))
		}
		for _, tr := range row.expect {
			t.Run(row.from.Kind.String()+"/"+tr.event.Kind.String(), func(t *testing.T) {
				next, err := row.from.Apply(tr.event)
				if tr.next == nil {
					if !IsProtocolFault(err) {
						t.Fatalf("expected protocol fault, got state %s err %v", next, err)
					}
					if next != row.from {
						t.Errorf("faulted transition changed state to %s", next)
					}
					return
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if next != *tr.next {
					t.Errorf("expected %s, got %s", *tr.next, next)
				}
			})
		}
	}

	if len(covered) != len(stateKindNames) {
		t.Errorf("transition table covers %d of %d states", len(covered), len(stateKindNames))
	}
}

func TestState_ReversedMoveIsKept(t *testing.T) {
	ev := Event{Kind: EventLocalMove, Path: "/sync/b", Source: "/sync/a", Reversed: true}

	next, err := InitialState().Apply(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Reversed || next.Source != "/sync/a" {
		t.Errorf("reversed move not recorded: %+v", next)
	}
}

func TestState_UnknownStateFaults(t *testing.T) {
	_, err := State{Kind: StateKind(42)}.Apply(evLocalCreate)

	var fault *ProtocolFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected ProtocolFault, got %v", err)
	}
	if fault.Path != "/sync/p" || fault.Event != EventLocalCreate {
		t.Errorf("fault does not describe the event: %+v", fault)
	}
}
