package sync

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ConflictStrategy decides which side of a conflicting path survives
type ConflictStrategy interface {
	ResolveConflict(conflict *Conflict) (*ConflictResult, error)
	Name() string
}

// ConflictAction is the side chosen by a strategy
type ConflictAction string

const (
	ActionUseLocal   ConflictAction = "use_local"
	ActionUseRemote  ConflictAction = "use_remote"
	ActionPromptUser ConflictAction = "prompt_user"
)

// ConflictResult is the outcome of resolving one conflict
type ConflictResult struct {
	Resolution    ConflictResolution `json:"resolution"`
	Action        ConflictAction     `json:"action"`
	Path          string             `json:"path"`
	Message       string             `json:"message"`
	RequiresInput bool               `json:"requires_input"`
	UserPrompt    string             `json:"user_prompt,omitempty"`
}

// Reseed returns the state a conflicting Action continues from. Choosing a
// side that no longer exists propagates its deletion to the other side.
func (r *ConflictResult) Reseed(conflict *Conflict) State {
	switch r.Action {
	case ActionUseLocal:
		if !conflict.LocalExists {
			return State{Kind: StateLocalDelete}
		}
		return State{Kind: StateLocalUpdate}
	case ActionUseRemote:
		if !conflict.RemoteExists {
			return State{Kind: StateRemoteDelete}
		}
		return State{Kind: StateRemoteUpdate}
	}
	return InitialState()
}

// ConflictResolver maps a ConflictResolution to its strategy
type ConflictResolver struct {
	fallback   ConflictResolution
	strategies map[ConflictResolution]ConflictStrategy
}

// NewConflictResolver creates a resolver using fallback for conflicts that
// name no resolution
func NewConflictResolver(fallback ConflictResolution) (*ConflictResolver, error) {
	cr := &ConflictResolver{
		fallback: fallback,
		strategies: map[ConflictResolution]ConflictStrategy{
			ConflictResolveLocal:     sideStrategy{ConflictResolveLocal, ActionUseLocal},
			ConflictResolveRemote:    sideStrategy{ConflictResolveRemote, ActionUseRemote},
			ConflictResolveTimestamp: &TimestampStrategy{},
			ConflictResolvePrompt:    &PromptStrategy{},
		},
	}
	if _, ok := cr.strategies[fallback]; !ok {
		return nil, fmt.Errorf("unsupported conflict resolution strategy: %s", fallback)
	}
	return cr, nil
}

// ResolveConflict runs the strategy the conflict asks for
func (cr *ConflictResolver) ResolveConflict(conflict *Conflict) (*ConflictResult, error) {
	resolution := conflict.Resolution
	if resolution == "" {
		resolution = cr.fallback
	}

	strategy := cr.strategies[resolution]
	if strategy == nil {
		return nil, fmt.Errorf("unsupported conflict resolution strategy: %s", resolution)
	}

	result, err := strategy.ResolveConflict(conflict)
	if err != nil {
		return nil, fmt.Errorf("strategy %s failed for %s: %w", strategy.Name(), conflict.Path, err)
	}
	result.Path = conflict.Path
	return result, nil
}

// sideStrategy always keeps the same side
type sideStrategy struct {
	resolution ConflictResolution
	action     ConflictAction
}

func (s sideStrategy) ResolveConflict(conflict *Conflict) (*ConflictResult, error) {
	side := "local"
	if s.action == ActionUseRemote {
		side = "remote"
	}
	return &ConflictResult{
		Resolution: s.resolution,
		Action:     s.action,
		Message:    "Keeping the " + side + " copy",
	}, nil
}

func (s sideStrategy) Name() string {
	return string(s.resolution)
}

// TimestampStrategy keeps the most recently modified copy. A side that no
// longer exists counts as older than one that does.
type TimestampStrategy struct{}

func (s *TimestampStrategy) ResolveConflict(conflict *Conflict) (*ConflictResult, error) {
	keep := func(action ConflictAction, format string, args ...interface{}) (*ConflictResult, error) {
		return &ConflictResult{
			Resolution: ConflictResolveTimestamp,
			Action:     action,
			Message:    fmt.Sprintf(format, args...),
		}, nil
	}

	switch {
	case conflict.LocalExists && !conflict.RemoteExists:
		return keep(ActionUseLocal, "Keeping the local copy, the remote one is gone")
	case conflict.RemoteExists && !conflict.LocalExists:
		return keep(ActionUseRemote, "Keeping the remote copy, the local one is gone")
	case conflict.LocalModTime.After(conflict.RemoteModTime):
		return keep(ActionUseLocal, "Keeping the local copy (modified %s, remote %s)",
			conflict.LocalModTime.Format(time.RFC3339), conflict.RemoteModTime.Format(time.RFC3339))
	}
	// ties go to the remote copy, which other peers already see
	return keep(ActionUseRemote, "Keeping the remote copy (modified %s, local %s)",
		conflict.RemoteModTime.Format(time.RFC3339), conflict.LocalModTime.Format(time.RFC3339))
}

func (s *TimestampStrategy) Name() string {
	return string(ConflictResolveTimestamp)
}

// PromptStrategy leaves the decision to the user
type PromptStrategy struct{}

func (s *PromptStrategy) ResolveConflict(conflict *Conflict) (*ConflictResult, error) {
	return &ConflictResult{
		Resolution:    ConflictResolvePrompt,
		Action:        ActionPromptUser,
		Message:       "Conflict needs a decision",
		RequiresInput: true,
		UserPrompt:    describeSides(conflict),
	}, nil
}

func (s *PromptStrategy) Name() string {
	return string(ConflictResolvePrompt)
}

func describeSides(conflict *Conflict) string {
	side := func(exists bool, modified time.Time) string {
		if !exists {
			return "(deleted)"
		}
		return "modified " + modified.Format(time.RFC3339)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s changed on both sides (detected %s)\n", conflict.Path, conflict.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "  local:  %s\n", side(conflict.LocalExists, conflict.LocalModTime))
	fmt.Fprintf(&b, "  remote: %s\n", side(conflict.RemoteExists, conflict.RemoteModTime))
	fmt.Fprintf(&b, "Resolve as %s, %s or %s.", ConflictResolveLocal, ConflictResolveRemote, ConflictResolveTimestamp)
	return b.String()
}

// ResolvedConflict is one entry of the ConflictHistory
type ResolvedConflict struct {
	Conflict   *Conflict       `json:"conflict"`
	Resolution *ConflictResult `json:"resolution"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// ConflictStats counts resolutions by strategy and chosen side
type ConflictStats struct {
	TotalConflicts int                        `json:"total_conflicts"`
	ByResolution   map[ConflictResolution]int `json:"by_resolution"`
	ByAction       map[ConflictAction]int     `json:"by_action"`
}

// ConflictHistory keeps the most recent resolutions
type ConflictHistory struct {
	mu      sync.RWMutex
	limit   int
	entries []ResolvedConflict
}

// NewConflictHistory creates a history holding at most limit entries
func NewConflictHistory(limit int) *ConflictHistory {
	if limit <= 0 {
		limit = 1000
	}
	return &ConflictHistory{limit: limit}
}

// AddResolvedConflict records a resolution, evicting the oldest entry when full
func (ch *ConflictHistory) AddResolvedConflict(conflict *Conflict, result *ConflictResult) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(ch.entries) == ch.limit {
		ch.entries = append(ch.entries[:0], ch.entries[1:]...)
	}
	ch.entries = append(ch.entries, ResolvedConflict{Conflict: conflict, Resolution: result, ResolvedAt: time.Now()})
}

// GetRecentConflicts returns up to limit entries, oldest first. A limit of
// zero returns everything.
func (ch *ConflictHistory) GetRecentConflicts(limit int) []ResolvedConflict {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	if limit <= 0 || limit > len(ch.entries) {
		limit = len(ch.entries)
	}
	return append([]ResolvedConflict(nil), ch.entries[len(ch.entries)-limit:]...)
}

// GetConflictStats summarizes the recorded resolutions
func (ch *ConflictHistory) GetConflictStats() ConflictStats {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	stats := ConflictStats{
		TotalConflicts: len(ch.entries),
		ByResolution:   make(map[ConflictResolution]int),
		ByAction:       make(map[ConflictAction]int),
	}
	for _, e := range ch.entries {
		stats.ByResolution[e.Resolution.Resolution]++
		stats.ByAction[e.Resolution.Action]++
	}
	return stats
}
