package careflowsdk

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

// Client is a minimal Careflow HTTP API client, intended for orchestration
// shells that attach agent output and react to checkpoint decisions.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Status      string          `json:"status"`
	Checkpoints map[string]bool `json:"checkpoints"`
	Version     int64           `json:"version"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// StageReport describes data completeness and approval for one stage.
type StageReport struct {
	Stage             string   `json:"stage"`
	DataComplete      bool     `json:"data_complete"`
	Approved          bool     `json:"approved"`
	MissingFields     []string `json:"missing_fields"`
	CompletionPercent int      `json:"completion_percent"`
}

// ProjectStatus bundles a project with its per-stage reports.
type ProjectStatus struct {
	Project Project       `json:"project"`
	Stages  []StageReport `json:"stages"`
}

// Advancement is the gate decision for moving to a stage.
type Advancement struct {
	Allowed  bool     `json:"allowed"`
	Blockers []string `json:"blockers"`
}

// Artifact is a planned document or governance checklist item.
type Artifact struct {
	Kind      string   `json:"kind"`
	Required  bool     `json:"required"`
	Priority  int      `json:"priority"`
	Rationale string   `json:"rationale"`
	DependsOn []string `json:"depends_on"`
	Status    string   `json:"status,omitempty"`
}

// DocumentPlan is the ordered document package for a project.
type DocumentPlan struct {
	PackageKind string     `json:"package_kind"`
	Plan        []Artifact `json:"plan"`
	Optional    []Artifact `json:"optional"`
	Degraded    bool       `json:"degraded"`
	PlannedAt   string     `json:"planned_at"`
}

// AuditEntry is one audit log record.
type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Action     string `json:"action"`
	ProjectID  string `json:"project_id"`
	ActorID    string `json:"actor_id"`
	PrevStatus string `json:"prev_status"`
	NewStatus  string `json:"new_status"`
	Details    string `json:"details_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a draft project.
func (c *Client) CreateProject(ctx context.Context, title string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"title": title}, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// Status returns the project with its per-stage validation reports.
func (c *Client) Status(ctx context.Context, projectID string) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "status"), nil, &resp)
	return resp, err
}

// AttachStagePayload stores agent output JSON for a stage.
func (c *Client) AttachStagePayload(ctx context.Context, projectID, stage string, payload map[string]any) (Project, error) {
	var resp Project
	endpoint := c.projectPath(projectID, "stages/"+url.PathEscape(stage))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"payload": payload}, &resp)
	return resp, err
}

// ValidateStage returns the completeness report for one stage.
func (c *Client) ValidateStage(ctx context.Context, projectID, stage string) (StageReport, error) {
	var resp StageReport
	endpoint := c.projectPath(projectID, fmt.Sprintf("stages/%s/validation", url.PathEscape(stage)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CanAdvance asks whether the project may move to the given stage.
func (c *Client) CanAdvance(ctx context.Context, projectID, stage string) (Advancement, error) {
	var resp Advancement
	endpoint := c.projectPath(projectID, "advance/"+url.PathEscape(stage))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve records a human approval for a stage checkpoint.
func (c *Client) Approve(ctx context.Context, projectID, stage string) (Project, error) {
	var resp Project
	endpoint := c.projectPath(projectID, fmt.Sprintf("checkpoints/%s/approve", url.PathEscape(stage)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reject records a rejection; the project drops to revision_required.
func (c *Client) Reject(ctx context.Context, projectID, stage, reason string) (Project, error) {
	var resp Project
	endpoint := c.projectPath(projectID, fmt.Sprintf("checkpoints/%s/reject", url.PathEscape(stage)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// PlanDocuments determines and orders the document package.
func (c *Client) PlanDocuments(ctx context.Context, projectID string) (DocumentPlan, error) {
	var resp DocumentPlan
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "plan"), nil, &resp)
	return resp, err
}

// BuildChecklist derives the governance checklist.
func (c *Client) BuildChecklist(ctx context.Context, projectID string) ([]Artifact, error) {
	var resp []Artifact
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "checklist"), nil, &resp)
	return resp, err
}

// Checklist returns the current governance checklist.
func (c *Client) Checklist(ctx context.Context, projectID string) ([]Artifact, error) {
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "checklist"), nil, &resp)
	return resp, err
}

// SetChecklistItem updates one checklist item status.
func (c *Client) SetChecklistItem(ctx context.Context, projectID, item, status string) ([]Artifact, error) {
	var resp []Artifact
	endpoint := c.projectPath(projectID, "checklist/"+url.PathEscape(item))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// Archive archives a project.
func (c *Client) Archive(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "archive"), nil, &resp)
	return resp, err
}

// Complete marks a fully approved project completed.
func (c *Client) Complete(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "complete"), nil, &resp)
	return resp, err
}

// Audit returns recent audit entries, newest first.
func (c *Client) Audit(ctx context.Context, projectID string, limit int) ([]AuditEntry, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if projectID != "" {
		params.Set("project_id", projectID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []AuditEntry
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
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

func (c *Client) projectPath(projectID, p string) string {
	base := "v0/projects/" + url.PathEscape(projectID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
