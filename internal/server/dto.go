package server

import (
	"basketry/internal/domain"
	"basketry/internal/ops"
)

type CreateBasketRequest struct {
	Name    string `json:"name" example:"research-notes"`
	ActorID string `json:"actor_id,omitempty" example:"user-1"`
}

type SubmitWorkRequest struct {
	WorkType      domain.WorkType      `json:"work_type" enum:"CAPTURE,SUBSTRATE,GRAPH,REFLECTION,COMPOSE,MANUAL_EDIT,PROPOSAL_REVIEW,TIMELINE_RESTORE"`
	UserID        string               `json:"user_id"`
	BasketID      string               `json:"basket_id"`
	Operations    []ops.Operation      `json:"operations"`
	Priority      domain.Priority      `json:"priority,omitempty" enum:"urgent,high,normal,low"`
	ExecutionMode domain.ExecutionMode `json:"execution_mode,omitempty" enum:"auto_execute,create_proposal,confidence_routing"`
	UserOverride  string               `json:"user_override,omitempty"`
}

type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
	Limit    int    `json:"limit,omitempty"`
}

type ReviewRequest struct {
	ReviewerID string  `json:"reviewer_id"`
	Notes      *string `json:"notes,omitempty"`
}

type ProposalResponse struct {
	domain.Proposal
	ExecutionLog []domain.ExecutionLogEntry `json:"execution_log,omitempty"`
}

type MaintenanceResponse struct {
	Affected int64 `json:"affected"`
}

// nonNilWork keeps list responses as [] instead of null.
func nonNilWork(items []domain.WorkItem) []domain.WorkItem {
	if items == nil {
		return []domain.WorkItem{}
	}
	return items
}

func nonNilProposals(items []domain.Proposal) []domain.Proposal {
	if items == nil {
		return []domain.Proposal{}
	}
	return items
}

func nonNilEvents(items []domain.Event) []domain.Event {
	if items == nil {
		return []domain.Event{}
	}
	return items
}

func nonNilBaskets(items []domain.Basket) []domain.Basket {
	if items == nil {
		return []domain.Basket{}
	}
	return items
}
