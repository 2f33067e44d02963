// Package queue persists work items and enforces their processing-state
// lifecycle. Claims rely on conditional updates keyed on the expected prior
// state, so two concurrent workers can never both move the same item out of
// pending.
package queue

import (
	"errors"
	"fmt"

	"basketry/internal/domain"
)

// ErrNotFound is returned when an item does not exist in the caller's
// workspace. Cross-workspace access gets the same answer as a missing id.
var ErrNotFound = errors.New("work item not found in workspace")

// InvalidTransitionError reports an illegal processing-state change.
type InvalidTransitionError struct {
	From domain.ProcessingState
	To   domain.ProcessingState
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// transitions is the directed lifecycle graph. failed -> claimed exists for
// manual retry of non-permanent failures only.
var transitions = map[domain.ProcessingState][]domain.ProcessingState{
	domain.StatePending: {domain.StateClaimed},
	domain.StateClaimed: {domain.StateRunning, domain.StateFailed},
	domain.StateRunning: {domain.StateCompleted, domain.StateFailed},
	domain.StateFailed:  {domain.StateClaimed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.ProcessingState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// priorityRank orders priority categories for scheduling. Lower runs first.
func priorityRank(p domain.Priority) int {
	switch p {
	case domain.PriorityUrgent:
		return 0
	case domain.PriorityHigh:
		return 1
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 3
	default:
		return 4
	}
}

// ValidPriority reports whether p is a known priority category.
func ValidPriority(p domain.Priority) bool {
	return priorityRank(p) < 4
}
