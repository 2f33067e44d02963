package ops_test

import (
	"encoding/json"
	"testing"

	"basketry/internal/ops"
)

func op(t *testing.T, kind ops.Type, data any) ops.Operation {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return ops.Operation{Type: kind, Data: raw}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		op    ops.Operation
		valid bool
	}{
		{"raw dump ok", op(t, ops.CreateRawDump, ops.CreateRawDumpData{Body: "notes"}), true},
		{"raw dump empty body", op(t, ops.CreateRawDump, ops.CreateRawDumpData{}), false},
		{"block ok", op(t, ops.CreateBlock, ops.CreateBlockData{Content: "a fact"}), true},
		{"block missing content", op(t, ops.CreateBlock, ops.CreateBlockData{Title: "only a title"}), false},
		{"update block missing id", op(t, ops.UpdateBlock, ops.UpdateBlockData{}), false},
		{"merge blocks missing canonical", op(t, ops.MergeBlocks, ops.MergeBlocksData{BlockIDs: []string{"a"}}), false},
		{"merge blocks ok", op(t, ops.MergeBlocks, ops.MergeBlocksData{BlockIDs: []string{"a", "b"}, CanonicalID: "a"}), true},
		{"context item ok", op(t, ops.CreateContextItems, ops.CreateContextItemData{Label: "acme"}), true},
		{"context item missing label", op(t, ops.CreateContextItems, ops.CreateContextItemData{}), false},
		{"promote scope missing scope", op(t, ops.PromoteScope, ops.PromoteScopeData{BlockID: "b"}), false},
		{"attach missing document", op(t, ops.AttachBlockToDoc, ops.AttachBlockToDocData{BlockID: "b"}), false},
		{"relationship ok", op(t, ops.CreateRelationship, ops.CreateRelationshipData{FromID: "a", ToID: "b", Kind: "supports"}), true},
		{"relationship missing kind", op(t, ops.CreateRelationship, ops.CreateRelationshipData{FromID: "a", ToID: "b"}), false},
		{"reflection missing body", op(t, ops.CreateReflection, ops.CreateReflectionData{}), false},
		{"document ok", op(t, ops.CreateDocument, ops.CreateDocumentData{Title: "Summary"}), true},
		{"delete items empty list", op(t, ops.DeleteContextItems, ops.DeleteContextItemsData{}), false},
		{"missing data", ops.Operation{Type: ops.CreateBlock}, false},
	}
	for _, tc := range cases {
		err := ops.Validate(tc.op)
		if tc.valid && err != nil {
			t.Errorf("%s: expected valid, got %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateSynonymsAreExclusive(t *testing.T) {
	both := op(t, ops.UpdateContextItems, ops.UpdateContextItemData{
		ContextItemID:      "ci-1",
		Synonyms:           []string{"a"},
		AdditionalSynonyms: []string{"b"},
	})
	if err := ops.Validate(both); err == nil {
		t.Fatal("synonyms and additional_synonyms together must be rejected")
	}
	replace := op(t, ops.UpdateContextItems, ops.UpdateContextItemData{ContextItemID: "ci-1", Synonyms: []string{"a"}})
	if err := ops.Validate(replace); err != nil {
		t.Fatalf("replace form should validate: %v", err)
	}
	appendForm := op(t, ops.UpdateContextItems, ops.UpdateContextItemData{ContextItemID: "ci-1", AdditionalSynonyms: []string{"b"}})
	if err := ops.Validate(appendForm); err != nil {
		t.Fatalf("append form should validate: %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	unknown := ops.Operation{Type: "levitate_basket", Data: json.RawMessage(`{}`)}
	if err := ops.Validate(unknown); err == nil {
		t.Fatal("unknown operation type must be rejected")
	}
	if ops.Known("levitate_basket") {
		t.Fatal("Known must report false for types outside the union")
	}
	for _, kind := range ops.All {
		if !ops.Known(kind) {
			t.Fatalf("Known must report true for %s", kind)
		}
	}
}

func TestBatchRoundTrip(t *testing.T) {
	batch := ops.Batch{
		BasketID: "b-1",
		Operations: []ops.Operation{
			op(t, ops.CreateRawDump, ops.CreateRawDumpData{Body: "captured"}),
		},
	}
	encoded, err := ops.EncodeBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := ops.DecodeBatch(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.BasketID != "b-1" || len(decoded.Operations) != 1 || decoded.Operations[0].Type != ops.CreateRawDump {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
