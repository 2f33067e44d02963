// Package ops defines the closed set of substrate operations. Each kind has
// exactly one typed payload struct, decoded and validated at the boundary
// instead of passing raw JSON downstream.
package ops

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the operation union.
type Type string

const (
	CreateRawDump       Type = "create_raw_dump"
	CreateTimelineEvent Type = "create_timeline_event"
	CreateBlock         Type = "create_block"
	UpdateBlock         Type = "update_block"
	MergeBlocks         Type = "merge_blocks"
	CreateContextItems  Type = "create_context_items"
	UpdateContextItems  Type = "update_context_items"
	MergeContextItems   Type = "merge_context_items"
	PromoteScope        Type = "promote_scope"
	AttachBlockToDoc    Type = "attach_block_to_doc"
	BreakdownDocument   Type = "breakdown_document"
	CreateRelationship  Type = "create_relationship"
	UpdateRelationship  Type = "update_relationship"
	CreateReflection    Type = "create_reflection"
	UpdateReflection    Type = "update_reflection"
	CreateDocument      Type = "create_document"
	UpdateDocument      Type = "update_document"
	DeleteBlock         Type = "delete_block"
	DeleteContextItems  Type = "delete_context_items"
)

// All lists every operation kind.
var All = []Type{
	CreateRawDump, CreateTimelineEvent,
	CreateBlock, UpdateBlock, MergeBlocks,
	CreateContextItems, UpdateContextItems, MergeContextItems,
	PromoteScope, AttachBlockToDoc, BreakdownDocument,
	CreateRelationship, UpdateRelationship,
	CreateReflection, UpdateReflection,
	CreateDocument, UpdateDocument,
	DeleteBlock, DeleteContextItems,
}

var knownTypes = func() map[Type]struct{} {
	set := make(map[Type]struct{}, len(All))
	for _, t := range All {
		set[t] = struct{}{}
	}
	return set
}()

// Known reports whether t is a member of the closed operation set.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Operation is one element of a proposal's ordered batch.
type Operation struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Result is the declared return shape shared by every handler.
type Result struct {
	CreatedID string `json:"created_id,omitempty"`
	UpdatedID string `json:"updated_id,omitempty"`
	NoOp      bool   `json:"no_op,omitempty"`
}

// Payload data per operation kind.

type CreateRawDumpData struct {
	Body             string  `json:"body"`
	SourceDocumentID *string `json:"source_document_id,omitempty"`
}

type CreateTimelineEventData struct {
	Kind    string `json:"kind"`
	Summary string `json:"summary,omitempty"`
}

type CreateBlockData struct {
	Title        string   `json:"title,omitempty"`
	Content      string   `json:"content"`
	SemanticType string   `json:"semantic_type,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

type UpdateBlockData struct {
	BlockID      string   `json:"block_id"`
	Title        *string  `json:"title,omitempty"`
	Content      *string  `json:"content,omitempty"`
	SemanticType *string  `json:"semantic_type,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

type MergeBlocksData struct {
	BlockIDs    []string `json:"block_ids"`
	CanonicalID string   `json:"canonical_id"`
}

type CreateContextItemData struct {
	Label    string   `json:"label"`
	Kind     string   `json:"kind,omitempty"`
	Synonyms []string `json:"synonyms,omitempty"`
}

type UpdateContextItemData struct {
	ContextItemID      string   `json:"context_item_id"`
	Label              *string  `json:"label,omitempty"`
	Synonyms           []string `json:"synonyms,omitempty"`
	AdditionalSynonyms []string `json:"additional_synonyms,omitempty"`
}

type MergeContextItemsData struct {
	ItemIDs     []string `json:"item_ids"`
	CanonicalID string   `json:"canonical_id"`
}

type PromoteScopeData struct {
	BlockID string `json:"block_id"`
	Scope   string `json:"scope"`
}

type AttachBlockToDocData struct {
	BlockID    string `json:"block_id"`
	DocumentID string `json:"document_id"`
}

type BreakdownDocumentData struct {
	DocumentID string `json:"document_id"`
}

type CreateRelationshipData struct {
	FromID   string   `json:"from_id"`
	ToID     string   `json:"to_id"`
	Kind     string   `json:"kind"`
	Strength *float64 `json:"strength,omitempty"`
}

type UpdateRelationshipData struct {
	RelationshipID string   `json:"relationship_id"`
	Kind           *string  `json:"kind,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`
}

type CreateReflectionData struct {
	Body string `json:"body"`
}

type UpdateReflectionData struct {
	ReflectionID string `json:"reflection_id"`
	Body         string `json:"body"`
}

type CreateDocumentData struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type UpdateDocumentData struct {
	DocumentID string  `json:"document_id"`
	Title      *string `json:"title,omitempty"`
	Body       *string `json:"body,omitempty"`
}

type DeleteBlockData struct {
	BlockID string `json:"block_id"`
}

type DeleteContextItemsData struct {
	ContextItemIDs []string `json:"context_item_ids"`
}

// decodeData unmarshals an operation payload into out. Data must be
// present and well formed; unknown fields pass through so older readers
// accept newer payloads.
func decodeData(op Operation, out any) error {
	if len(op.Data) == 0 {
		return fmt.Errorf("%s: missing data", op.Type)
	}
	if err := json.Unmarshal(op.Data, out); err != nil {
		return fmt.Errorf("%s: %w", op.Type, err)
	}
	return nil
}

// Validate checks an operation's payload against its declared shape. It is
// the boundary check run before anything is enqueued or executed.
func Validate(op Operation) error {
	switch op.Type {
	case CreateRawDump:
		var d CreateRawDumpData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.Body == "" {
			return fmt.Errorf("%s: body is required", op.Type)
		}
	case CreateTimelineEvent:
		var d CreateTimelineEventData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.Kind == "" {
			return fmt.Errorf("%s: kind is required", op.Type)
		}
	case CreateBlock:
		var d CreateBlockData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.Content == "" {
			return fmt.Errorf("%s: content is required", op.Type)
		}
	case UpdateBlock:
		var d UpdateBlockData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.BlockID == "" {
			return fmt.Errorf("%s: block_id is required", op.Type)
		}
	case MergeBlocks:
		var d MergeBlocksData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if len(d.BlockIDs) == 0 || d.CanonicalID == "" {
			return fmt.Errorf("%s: block_ids and canonical_id are required", op.Type)
		}
	case CreateContextItems:
		var d CreateContextItemData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.Label == "" {
			return fmt.Errorf("%s: label is required", op.Type)
		}
	case UpdateContextItems:
		var d UpdateContextItemData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.ContextItemID == "" {
			return fmt.Errorf("%s: context_item_id is required", op.Type)
		}
		if len(d.Synonyms) > 0 && len(d.AdditionalSynonyms) > 0 {
			return fmt.Errorf("%s: synonyms and additional_synonyms are mutually exclusive", op.Type)
		}
	case MergeContextItems:
		var d MergeContextItemsData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if len(d.ItemIDs) == 0 || d.CanonicalID == "" {
			return fmt.Errorf("%s: item_ids and canonical_id are required", op.Type)
		}
	case PromoteScope:
		var d PromoteScopeData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.BlockID == "" || d.Scope == "" {
			return fmt.Errorf("%s: block_id and scope are required", op.Type)
		}
	case AttachBlockToDoc:
		var d AttachBlockToDocData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.BlockID == "" || d.DocumentID == "" {
			return fmt.Errorf("%s: block_id and document_id are required", op.Type)
		}
	case BreakdownDocument:
		var d BreakdownDocumentData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.DocumentID == "" {
			return fmt.Errorf("%s: document_id is required", op.Type)
		}
	case CreateRelationship:
		var d CreateRelationshipData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.FromID == "" || d.ToID == "" || d.Kind == "" {
			return fmt.Errorf("%s: from_id, to_id and kind are required", op.Type)
		}
	case UpdateRelationship:
		var d UpdateRelationshipData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.RelationshipID == "" {
			return fmt.Errorf("%s: relationship_id is required", op.Type)
		}
	case CreateReflection:
		var d CreateReflectionData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.Body == "" {
			return fmt.Errorf("%s: body is required", op.Type)
		}
	case UpdateReflection:
		var d UpdateReflectionData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.ReflectionID == "" || d.Body == "" {
			return fmt.Errorf("%s: reflection_id and body are required", op.Type)
		}
	case CreateDocument:
		var d CreateDocumentData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.Title == "" {
			return fmt.Errorf("%s: title is required", op.Type)
		}
	case UpdateDocument:
		var d UpdateDocumentData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.DocumentID == "" {
			return fmt.Errorf("%s: document_id is required", op.Type)
		}
	case DeleteBlock:
		var d DeleteBlockData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if d.BlockID == "" {
			return fmt.Errorf("%s: block_id is required", op.Type)
		}
	case DeleteContextItems:
		var d DeleteContextItemsData
		if err := decodeData(op, &d); err != nil {
			return err
		}
		if len(d.ContextItemIDs) == 0 {
			return fmt.Errorf("%s: context_item_ids is required", op.Type)
		}
	default:
		return fmt.Errorf("unsupported operation type %q", op.Type)
	}
	return nil
}

// DecodeList parses a JSON array of operations.
func DecodeList(raw []byte) ([]Operation, error) {
	var list []Operation
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return list, nil
}

// EncodeList serializes operations for storage.
func EncodeList(list []Operation) (string, error) {
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode operations: %w", err)
	}
	return string(b), nil
}
