package sync

import (
	"errors"
	"fmt"
)

// Data faults and rejected requests
var (
	ErrInvalidRecoverVersion   = errors.New("invalid recover version")
	ErrMissingContent          = errors.New("content identity not resolvable")
	ErrUnknownPath             = errors.New("event for unknown path")
	ErrExcludedPath            = errors.New("path is excluded from synchronization")
	ErrNotInConflict           = errors.New("path is not in conflict")
	ErrResolutionRequiresInput = errors.New("conflict resolution requires user input")
	ErrNothingToRetry          = errors.New("no failed action for path")
	ErrManagerClosed           = errors.New("event manager is shut down")
)

// ProtocolFault is raised when an event reaches a state that defines no
// transition for it. The Action keeps its prior state.
type ProtocolFault struct {
	Path  string
	State StateKind
	Event EventKind
}

func (f *ProtocolFault) Error() string {
	return fmt.Sprintf("protocol fault: %s event not defined in state %s for %s", f.Event, f.State, f.Path)
}

// IsProtocolFault reports whether err is, or wraps, a ProtocolFault
func IsProtocolFault(err error) bool {
	var fault *ProtocolFault
	return errors.As(err, &fault)
}
