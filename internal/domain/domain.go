package domain

// WorkType enumerates the closed set of asynchronous work kinds.
type WorkType string

const (
	WorkCapture         WorkType = "CAPTURE"
	WorkSubstrate       WorkType = "SUBSTRATE"
	WorkGraph           WorkType = "GRAPH"
	WorkReflection      WorkType = "REFLECTION"
	WorkCompose         WorkType = "COMPOSE"
	WorkManualEdit      WorkType = "MANUAL_EDIT"
	WorkProposalReview  WorkType = "PROPOSAL_REVIEW"
	WorkTimelineRestore WorkType = "TIMELINE_RESTORE"
)

// WorkTypes lists every valid work type.
var WorkTypes = []WorkType{
	WorkCapture, WorkSubstrate, WorkGraph, WorkReflection,
	WorkCompose, WorkManualEdit, WorkProposalReview, WorkTimelineRestore,
}

// ProcessingState is a work item's position in the queue lifecycle.
type ProcessingState string

const (
	StatePending   ProcessingState = "pending"
	StateClaimed   ProcessingState = "claimed"
	StateRunning   ProcessingState = "running"
	StateCompleted ProcessingState = "completed"
	StateFailed    ProcessingState = "failed"
)

// Priority orders pending work within a workspace.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ExecutionMode decides how submitted work enters the queue.
type ExecutionMode string

const (
	ModeAutoExecute       ExecutionMode = "auto_execute"
	ModeCreateProposal    ExecutionMode = "create_proposal"
	ModeConfidenceRouting ExecutionMode = "confidence_routing"
)

// WorkItem is one unit of scheduled asynchronous processing.
type WorkItem struct {
	ID               string          `json:"id"`
	WorkType         WorkType        `json:"work_type"`
	PayloadJSON      string          `json:"payload_json"`
	WorkspaceID      string          `json:"workspace_id"`
	UserID           string          `json:"user_id"`
	Priority         Priority        `json:"priority" enum:"urgent,high,normal,low"`
	ProcessingState  ProcessingState `json:"processing_state" enum:"pending,claimed,running,completed,failed"`
	ExecutionMode    ExecutionMode   `json:"execution_mode" enum:"auto_execute,create_proposal,confidence_routing"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	RetryAfter       *string         `json:"retry_after,omitempty" format:"date-time"`
	LastError        *string         `json:"last_error,omitempty"`
	PermanentFailure bool            `json:"permanent_failure"`
	UserOverride     string          `json:"user_override,omitempty"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	ClaimedAt        *string         `json:"claimed_at,omitempty" format:"date-time"`
	StartedAt        *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string         `json:"completed_at,omitempty" format:"date-time"`
}

// ProposalStatus is a proposal's review state.
type ProposalStatus string

const (
	ProposalProposed    ProposalStatus = "PROPOSED"
	ProposalUnderReview ProposalStatus = "UNDER_REVIEW"
	ProposalApproved    ProposalStatus = "APPROVED"
	ProposalRejected    ProposalStatus = "REJECTED"
)

// Proposal is a reviewable batch of substrate-mutating operations.
type Proposal struct {
	ID          string         `json:"id"`
	BasketID    string         `json:"basket_id"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"proposal_kind,omitempty"`
	OpsJSON     string         `json:"ops_json"`
	Status      ProposalStatus `json:"status" enum:"PROPOSED,UNDER_REVIEW,APPROVED,REJECTED"`
	IsExecuted  bool           `json:"is_executed"`
	CommitID    *string        `json:"commit_id,omitempty"`
	ReviewedBy  *string        `json:"reviewed_by,omitempty"`
	ReviewedAt  *string        `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewNotes *string        `json:"review_notes,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// ExecutionLogEntry records one attempted operation during proposal execution.
type ExecutionLogEntry struct {
	ProposalID      string  `json:"proposal_id"`
	OperationIndex  int     `json:"operation_index"`
	OperationType   string  `json:"operation_type"`
	Success         bool    `json:"success"`
	ResultJSON      *string `json:"result_json,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ExecutionTimeMS int64   `json:"execution_time_ms"`
}

// Basket groups captured knowledge within a workspace.
type Basket struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// SubstrateState marks the lifecycle of a substrate row. Merged and
// tombstoned rows stay in place so history remains inspectable.
const (
	SubstrateActive  = "ACTIVE"
	SubstrateMerged  = "MERGED"
	SubstrateDeleted = "DELETED"
)

// Block is a canonical knowledge unit extracted from raw captures.
type Block struct {
	ID           string  `json:"id"`
	BasketID     string  `json:"basket_id"`
	WorkspaceID  string  `json:"workspace_id"`
	Title        string  `json:"title,omitempty"`
	Content      string  `json:"content"`
	SemanticType string  `json:"semantic_type,omitempty"`
	Confidence   float64 `json:"confidence"`
	Scope        string  `json:"scope,omitempty"`
	State        string  `json:"state"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// ContextItem is a labeled entity anchoring blocks to shared vocabulary.
type ContextItem struct {
	ID          string   `json:"id"`
	BasketID    string   `json:"basket_id"`
	WorkspaceID string   `json:"workspace_id"`
	Label       string   `json:"label"`
	Kind        string   `json:"kind,omitempty"`
	Synonyms    []string `json:"synonyms,omitempty"`
	State       string   `json:"state"`
	CanonicalID *string  `json:"canonical_id,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// RawDump is unprocessed captured text awaiting substrate extraction.
type RawDump struct {
	ID          string  `json:"id"`
	BasketID    string  `json:"basket_id"`
	WorkspaceID string  `json:"workspace_id"`
	Body        string  `json:"body"`
	SourceDocID *string `json:"source_document_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// TimelineEvent is a dated marker captured alongside raw dumps.
type TimelineEvent struct {
	ID          string `json:"id"`
	BasketID    string `json:"basket_id"`
	WorkspaceID string `json:"workspace_id"`
	Kind        string `json:"kind"`
	Summary     string `json:"summary"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Relationship links two substrate entities in the knowledge graph.
type Relationship struct {
	ID          string  `json:"id"`
	BasketID    string  `json:"basket_id"`
	WorkspaceID string  `json:"workspace_id"`
	FromID      string  `json:"from_id"`
	ToID        string  `json:"to_id"`
	Kind        string  `json:"kind"`
	Strength    float64 `json:"strength"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Reflection is a computed insight over a basket's substrate.
type Reflection struct {
	ID          string `json:"id"`
	BasketID    string `json:"basket_id"`
	WorkspaceID string `json:"workspace_id"`
	Body        string `json:"body"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Document is composed content authored over substrate.
type Document struct {
	ID          string `json:"id"`
	BasketID    string `json:"basket_id"`
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Event is one append-only audit log row.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}
