// Package policy holds the capability boundary between capture and
// interpretation: each work type may only perform a fixed set of operation
// kinds, so a capture step can never silently mutate higher-level knowledge
// structures.
package policy

import (
	"fmt"

	"basketry/internal/domain"
	"basketry/internal/ops"
)

// allowed maps each work type to its operation allow-list. MANUAL_EDIT
// deliberately excludes every create_* substrate operation: manual edits
// may touch existing substrate but never mint new primitives.
var allowed = map[domain.WorkType][]ops.Type{
	domain.WorkCapture: {
		ops.CreateRawDump,
		ops.CreateTimelineEvent,
	},
	domain.WorkSubstrate: {
		ops.CreateBlock,
		ops.UpdateBlock,
		ops.MergeBlocks,
		ops.CreateContextItems,
		ops.UpdateContextItems,
		ops.MergeContextItems,
		ops.PromoteScope,
	},
	domain.WorkGraph: {
		ops.CreateRelationship,
		ops.UpdateRelationship,
	},
	domain.WorkReflection: {
		ops.CreateReflection,
		ops.UpdateReflection,
	},
	domain.WorkCompose: {
		ops.CreateDocument,
		ops.UpdateDocument,
		ops.AttachBlockToDoc,
		ops.BreakdownDocument,
	},
	domain.WorkManualEdit: {
		ops.UpdateBlock,
		ops.DeleteBlock,
		ops.UpdateContextItems,
		ops.DeleteContextItems,
	},
	// PROPOSAL_REVIEW replays an approved batch, so it carries the union of
	// the substrate-mutating stages it may re-execute.
	domain.WorkProposalReview: {
		ops.CreateBlock, ops.UpdateBlock, ops.MergeBlocks,
		ops.CreateContextItems, ops.UpdateContextItems, ops.MergeContextItems,
		ops.PromoteScope,
		ops.CreateRelationship, ops.UpdateRelationship,
		ops.CreateReflection, ops.UpdateReflection,
		ops.CreateDocument, ops.UpdateDocument, ops.AttachBlockToDoc,
	},
	// TIMELINE_RESTORE re-materializes substrate from a snapshot.
	domain.WorkTimelineRestore: {
		ops.CreateTimelineEvent,
		ops.CreateBlock,
		ops.CreateContextItems,
	},
}

// ViolationError reports a work type attempting a disallowed operation.
type ViolationError struct {
	WorkType  domain.WorkType
	Operation ops.Type
}

func (e ViolationError) Error() string {
	return fmt.Sprintf("policy violation: work type %s may not perform %s", e.WorkType, e.Operation)
}

// AllowedOperations returns the allow-list for a work type. Unknown work
// types get an empty set.
func AllowedOperations(workType domain.WorkType) map[ops.Type]struct{} {
	kinds := allowed[workType]
	set := make(map[ops.Type]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// Validate checks every operation in the batch against the work type's
// allow-list. It runs before any side effect; one violation rejects the
// whole batch.
func Validate(workType domain.WorkType, batch []ops.Operation) error {
	set := AllowedOperations(workType)
	for _, op := range batch {
		if _, ok := set[op.Type]; !ok {
			return ViolationError{WorkType: workType, Operation: op.Type}
		}
	}
	return nil
}
