package policy_test

import (
	"errors"
	"testing"

	"basketry/internal/domain"
	"basketry/internal/ops"
	"basketry/internal/policy"
)

// Every work type's full allow-list; every operation in ops.All that is
// not listed must be denied.
func TestAllowedOperationsPerWorkType(t *testing.T) {
	want := map[domain.WorkType][]ops.Type{
		domain.WorkCapture:    {ops.CreateRawDump, ops.CreateTimelineEvent},
		domain.WorkSubstrate:  {ops.CreateBlock, ops.UpdateBlock, ops.MergeBlocks, ops.CreateContextItems, ops.UpdateContextItems, ops.MergeContextItems, ops.PromoteScope},
		domain.WorkGraph:      {ops.CreateRelationship, ops.UpdateRelationship},
		domain.WorkReflection: {ops.CreateReflection, ops.UpdateReflection},
		domain.WorkCompose:    {ops.CreateDocument, ops.UpdateDocument, ops.AttachBlockToDoc, ops.BreakdownDocument},
		domain.WorkManualEdit: {ops.UpdateBlock, ops.DeleteBlock, ops.UpdateContextItems, ops.DeleteContextItems},
		domain.WorkProposalReview: {
			ops.CreateBlock, ops.UpdateBlock, ops.MergeBlocks,
			ops.CreateContextItems, ops.UpdateContextItems, ops.MergeContextItems,
			ops.PromoteScope,
			ops.CreateRelationship, ops.UpdateRelationship,
			ops.CreateReflection, ops.UpdateReflection,
			ops.CreateDocument, ops.UpdateDocument, ops.AttachBlockToDoc,
		},
		domain.WorkTimelineRestore: {ops.CreateTimelineEvent, ops.CreateBlock, ops.CreateContextItems},
	}
	for _, workType := range domain.WorkTypes {
		expected, ok := want[workType]
		if !ok {
			t.Errorf("no expectation for work type %s", workType)
			continue
		}
		allow := make(map[ops.Type]struct{}, len(expected))
		for _, op := range expected {
			allow[op] = struct{}{}
		}
		set := policy.AllowedOperations(workType)
		for _, op := range ops.All {
			_, wantAllowed := allow[op]
			_, gotAllowed := set[op]
			if wantAllowed != gotAllowed {
				t.Errorf("%s / %s: allowed=%v, want %v", workType, op, gotAllowed, wantAllowed)
			}
		}
	}
}

func TestManualEditCannotMintSubstrate(t *testing.T) {
	set := policy.AllowedOperations(domain.WorkManualEdit)
	for _, op := range []ops.Type{ops.CreateBlock, ops.CreateContextItems, ops.CreateRawDump, ops.CreateRelationship, ops.CreateDocument, ops.CreateReflection} {
		if _, ok := set[op]; ok {
			t.Errorf("MANUAL_EDIT must not allow %s", op)
		}
	}
}

func TestValidateRejectsWholeBatch(t *testing.T) {
	batch := []ops.Operation{
		{Type: ops.CreateRawDump},
		{Type: ops.CreateBlock},
	}
	err := policy.Validate(domain.WorkCapture, batch)
	var violation policy.ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected ViolationError, got %v", err)
	}
	if violation.WorkType != domain.WorkCapture || violation.Operation != ops.CreateBlock {
		t.Fatalf("unexpected violation detail: %+v", violation)
	}
}

func TestValidateAcceptsAllowedBatch(t *testing.T) {
	batch := []ops.Operation{
		{Type: ops.CreateBlock},
		{Type: ops.CreateContextItems},
		{Type: ops.PromoteScope},
	}
	if err := policy.Validate(domain.WorkSubstrate, batch); err != nil {
		t.Fatalf("expected batch to pass, got %v", err)
	}
}

func TestUnknownWorkTypeDeniesEverything(t *testing.T) {
	err := policy.Validate(domain.WorkType("MYSTERY"), []ops.Operation{{Type: ops.CreateRawDump}})
	if err == nil {
		t.Fatal("unknown work type should deny all operations")
	}
}
