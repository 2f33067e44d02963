package basketrysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Basketry HTTP API client.
type Client struct {
	BaseURL     string
	WorkspaceID string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// Operation is one element of a submitted batch.
type Operation struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID               string  `json:"id"`
	WorkType         string  `json:"work_type"`
	WorkspaceID      string  `json:"workspace_id"`
	UserID           string  `json:"user_id"`
	Priority         string  `json:"priority"`
	ProcessingState  string  `json:"processing_state"`
	ExecutionMode    string  `json:"execution_mode"`
	RetryCount       int     `json:"retry_count"`
	MaxRetries       int     `json:"max_retries"`
	LastError        *string `json:"last_error,omitempty"`
	PermanentFailure bool    `json:"permanent_failure"`
	CreatedAt        string  `json:"created_at"`
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID          string  `json:"id"`
	BasketID    string  `json:"basket_id"`
	WorkspaceID string  `json:"workspace_id"`
	Kind        string  `json:"proposal_kind,omitempty"`
	Status      string  `json:"status"`
	IsExecuted  bool    `json:"is_executed"`
	CommitID    *string `json:"commit_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// ExecutionSummary is the outcome of an approval.
type ExecutionSummary struct {
	ProposalID         string `json:"proposal_id"`
	Status             string `json:"status"`
	CommitID           string `json:"commit_id,omitempty"`
	OperationsExecuted int    `json:"operations_executed"`
}

// Basket represents the API basket model.
type Basket struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBasket registers a basket in the workspace.
func (c *Client) CreateBasket(ctx context.Context, name, actorID string) (Basket, error) {
	body := map[string]any{"name": name, "actor_id": actorID}
	var resp Basket
	err := c.do(ctx, http.MethodPost, c.workspacePath("baskets"), body, &resp)
	return resp, err
}

// SubmitWork enqueues an operation batch.
func (c *Client) SubmitWork(ctx context.Context, workType, userID, basketID string, operations []Operation, opts map[string]any) (WorkItem, error) {
	body := map[string]any{
		"work_type":  workType,
		"user_id":    userID,
		"basket_id":  basketID,
		"operations": operations,
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.workspacePath("work"), body, &resp)
	return resp, err
}

// GetWork fetches one work item.
func (c *Client) GetWork(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.workspacePath("work/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ClaimWork claims the next batch for a worker.
func (c *Client) ClaimWork(ctx context.Context, workerID string, limit int) ([]WorkItem, error) {
	body := map[string]any{"worker_id": workerID, "limit": limit}
	var resp []WorkItem
	err := c.do(ctx, http.MethodPost, c.workspacePath("work/claim"), body, &resp)
	return resp, err
}

// GetProposal fetches a proposal.
func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, c.workspacePath("proposals/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ApproveProposal approves and executes a proposal.
func (c *Client) ApproveProposal(ctx context.Context, id, reviewerID string, notes *string) (ExecutionSummary, error) {
	body := map[string]any{"reviewer_id": reviewerID}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp ExecutionSummary
	err := c.do(ctx, http.MethodPost, c.workspacePath("proposals/"+url.PathEscape(id)+"/approve"), body, &resp)
	return resp, err
}

// RejectProposal closes a proposal without executing it.
func (c *Client) RejectProposal(ctx context.Context, id, reviewerID string, notes *string) (Proposal, error) {
	body := map[string]any{"reviewer_id": reviewerID}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.workspacePath("proposals/"+url.PathEscape(id)+"/reject"), body, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.workspacePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	workspace := url.PathEscape(c.WorkspaceID)
	return fmt.Sprintf("v0/workspaces/%s/%s", workspace, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
