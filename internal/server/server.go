// Package server exposes the HTTP API. Every error leaves through the
// same envelope: {"code": ..., "message": ..., "details": {...}}.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"basketry/internal/domain"
	"basketry/internal/engine"
	"basketry/internal/policy"
	"basketry/internal/queue"
	"basketry/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_violation"`
	Message string         `json:"message" example:"work type CAPTURE may not perform create_block"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Basketry API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Basketry API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBaskets(group, cfg.Engine)
	registerWork(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var violation policy.ViolationError
	if errors.As(err, &violation) {
		return newAPIError(http.StatusForbidden, "policy_violation", err.Error(), map[string]any{
			"work_type": string(violation.WorkType), "operation": string(violation.Operation),
		})
	}
	var validation engine.ValidationError
	if errors.As(err, &validation) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var execErr engine.ExecutionError
	if errors.As(err, &execErr) {
		return newAPIError(http.StatusUnprocessableEntity, "execution_failed", err.Error(), map[string]any{
			"operation_index": execErr.Index, "operation": string(execErr.Operation),
		})
	}
	var stateErr engine.StateError
	if errors.As(err, &stateErr) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"status": string(stateErr.Status),
		})
	}
	var transition queue.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrAlreadyExecuted) {
		return newAPIError(http.StatusConflict, "already_executed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, queue.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBaskets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-basket",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/baskets",
		Summary:       "Create basket",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        CreateBasketRequest
	}) (*struct {
		Body domain.Basket `json:"body"`
	}, error) {
		actor := input.Body.ActorID
		if actor == "" {
			actor = "api"
		}
		b, err := e.CreateBasket(ctx, input.WorkspaceID, input.Body.Name, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Basket `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-baskets",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/baskets",
		Summary:     "List baskets",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []domain.Basket `json:"body"`
	}, error) {
		items, err := e.Repo.ListBaskets(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Basket `json:"body"`
		}{Body: nonNilBaskets(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-basket",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/baskets/{basket_id}",
		Summary:     "Basket detail with substrate counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		BasketID    string `path:"basket_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		b, err := e.Repo.GetBasket(ctx, input.WorkspaceID, input.BasketID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Substrate.CountBasket(ctx, input.WorkspaceID, input.BasketID)
		if err != nil {
			return nil, handleError(err)
		}
		maturity, err := e.Substrate.Maturity(ctx, input.WorkspaceID, input.BasketID)
		if err != nil {
			return nil, handleError(err)
		}
		reflections, err := e.Substrate.RecentReflections(ctx, input.WorkspaceID, input.BasketID, 5)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"basket":             b,
			"counts":             counts,
			"maturity":           maturity,
			"recent_reflections": reflections,
		}}, nil
	})
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-work",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/work",
		Summary:       "Submit work",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        SubmitWorkRequest
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.SubmitWork(ctx, engine.SubmitOptions{
			WorkspaceID:   input.WorkspaceID,
			UserID:        input.Body.UserID,
			WorkType:      input.Body.WorkType,
			BasketID:      input.Body.BasketID,
			Operations:    input.Body.Operations,
			Priority:      input.Body.Priority,
			ExecutionMode: input.Body.ExecutionMode,
			UserOverride:  input.Body.UserOverride,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/work",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		State       string `query:"state" enum:",pending,claimed,running,completed,failed"`
		WorkType    string `query:"work_type"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := e.Queue.List(ctx, queue.Filters{
			WorkspaceID: input.WorkspaceID,
			State:       domain.ProcessingState(input.State),
			WorkType:    domain.WorkType(input.WorkType),
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: nonNilWork(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/work/{work_id}",
		Summary:     "Work item detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		WorkID      string `path:"work_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.Queue.Get(ctx, input.WorkspaceID, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-work",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/work/claim",
		Summary:     "Claim next batch of pending work",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        ClaimRequest
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.WorkerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		items, err := e.Claim(ctx, input.WorkspaceID, input.Body.WorkerID, input.Body.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: nonNilWork(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-work",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/work/{work_id}/retry",
		Summary:     "Retry a failed work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		WorkID      string `path:"work_id"`
		Body        ClaimRequest
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actor := input.Body.WorkerID
		if actor == "" {
			actor = "api"
		}
		item, err := e.RetryFailed(ctx, input.WorkspaceID, input.WorkID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		BasketID    string `query:"basket_id"`
		Status      string `query:"status" enum:",PROPOSED,UNDER_REVIEW,APPROVED,REJECTED"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			WorkspaceID: input.WorkspaceID,
			BasketID:    input.BasketID,
			Status:      domain.ProposalStatus(input.Status),
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: nonNilProposals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/proposals/{proposal_id}",
		Summary:     "Proposal detail with execution log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ProposalID  string `path:"proposal_id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.WorkspaceID, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		log, err := e.Repo.ListExecutionLog(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: ProposalResponse{Proposal: p, ExecutionLog: log}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/proposals/{proposal_id}/approve",
		Summary:     "Approve and execute a proposal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ProposalID  string `path:"proposal_id"`
		Body        ReviewRequest
	}) (*struct {
		Body engine.ExecutionSummary `json:"body"`
	}, error) {
		if input.Body.ReviewerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reviewer_id is required", nil)
		}
		summary, err := e.ApproveProposal(ctx, input.WorkspaceID, input.ProposalID, input.Body.ReviewerID, input.Body.Notes)
		if err != nil {
			var execErr engine.ExecutionError
			if errors.As(err, &execErr) {
				// the partial log is part of the answer
				apiErr := handleError(err).(*apiError)
				apiErr.Body.Details["log"] = summary.Log
				return nil, apiErr
			}
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExecutionSummary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/proposals/{proposal_id}/reject",
		Summary:     "Reject a proposal without executing it",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ProposalID  string `path:"proposal_id"`
		Body        ReviewRequest
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		if input.Body.ReviewerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reviewer_id is required", nil)
		}
		p, err := e.RejectProposal(ctx, input.WorkspaceID, input.ProposalID, input.Body.ReviewerID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/events",
		Summary:     "List recent audit events",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind" enum:",basket,work_item,proposal,reflection,document"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.WorkspaceID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilEvents(items)}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "workspace-status",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/status",
		Summary:     "Workspace queue and review summary",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body engine.WorkspaceStatus `json:"body"`
	}, error) {
		st, err := e.Status(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WorkspaceStatus `json:"body"`
		}{Body: st}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recover-orphans",
		Method:      http.MethodPost,
		Path:        "/maintenance/recover",
		Summary:     "Requeue stale claimed and running work",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MaintenanceResponse `json:"body"`
	}, error) {
		n, err := e.RecoverOrphans(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MaintenanceResponse `json:"body"`
		}{Body: MaintenanceResponse{Affected: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-work",
		Method:      http.MethodPost,
		Path:        "/maintenance/cleanup",
		Summary:     "Prune completed work past retention",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MaintenanceResponse `json:"body"`
	}, error) {
		n, err := e.CleanupOldWork(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MaintenanceResponse `json:"body"`
		}{Body: MaintenanceResponse{Affected: n}}, nil
	})
}
