package server

import (
	"careflow/internal/domain"
	"careflow/internal/pipeline"
)

// Request payloads

type CreateProjectRequest struct {
	ID    *string `json:"id,omitempty"`
	Title string  `json:"title"`
}

type AttachStagePayloadRequest struct {
	Payload map[string]any `json:"payload"`
}

type RejectCheckpointRequest struct {
	Reason string `json:"reason"`
}

type SetChecklistItemRequest struct {
	Status string `json:"status" enum:"not_started,in_progress,complete"`
}

// Response payloads

type ProjectResponse struct {
	ID          string          `json:"id"`
	Title       string          `json:"title,omitempty"`
	Status      string          `json:"status" enum:"draft,intake_approved,research_approved,methodology_approved,ethics_approved,documents_approved,completed,revision_required,archived"`
	Checkpoints map[string]bool `json:"checkpoints"`
	Version     int64           `json:"version"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type StageReportResponse struct {
	Stage             string   `json:"stage"`
	DataComplete      bool     `json:"data_complete"`
	Approved          bool     `json:"approved"`
	MissingFields     []string `json:"missing_fields,omitempty"`
	CompletionPercent int      `json:"completion_percent"`
}

type AdvancementResponse struct {
	Allowed  bool     `json:"allowed"`
	Blockers []string `json:"blockers,omitempty"`
}

type ProjectStatusResponse struct {
	Project ProjectResponse       `json:"project"`
	Stages  []StageReportResponse `json:"stages"`
}

type ArtifactResponse struct {
	Kind      string   `json:"kind"`
	Required  bool     `json:"required"`
	Priority  int      `json:"priority"`
	Rationale string   `json:"rationale"`
	DependsOn []string `json:"depends_on,omitempty"`
	Status    string   `json:"status,omitempty" enum:",not_started,in_progress,complete"`
}

type DocumentPlanResponse struct {
	PackageKind string             `json:"package_kind" enum:"minimal,standard,full_review,hybrid"`
	Plan        []ArtifactResponse `json:"plan"`
	Optional    []ArtifactResponse `json:"optional,omitempty"`
	Degraded    bool               `json:"degraded,omitempty"`
	PlannedAt   string             `json:"planned_at" format:"date-time"`
}

type AuditEntryResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	ProjectID  string `json:"project_id"`
	ActorID    string `json:"actor_id"`
	PrevStatus string `json:"prev_status,omitempty"`
	NewStatus  string `json:"new_status,omitempty"`
	Details    string `json:"details_json,omitempty"`
}

// Mapping helpers

func projectResponse(p domain.Project) ProjectResponse {
	checkpoints := make(map[string]bool, domain.NumStages)
	for _, stage := range domain.Stages() {
		checkpoints[domain.CheckpointField(stage)] = p.Checkpoints.Approved(stage)
	}
	return ProjectResponse{
		ID:          p.ID,
		Title:       p.Title,
		Status:      string(p.Status),
		Checkpoints: checkpoints,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func stageReportResponse(r pipeline.StageReport) StageReportResponse {
	return StageReportResponse{
		Stage:             r.Stage,
		DataComplete:      r.DataComplete,
		Approved:          r.Approved,
		MissingFields:     r.MissingFields,
		CompletionPercent: r.CompletionPercent,
	}
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	deps := make([]string, 0, len(a.DependsOn))
	for _, d := range a.DependsOn {
		deps = append(deps, string(d))
	}
	return ArtifactResponse{
		Kind:      string(a.Kind),
		Required:  a.Required,
		Priority:  a.Priority,
		Rationale: a.Rationale,
		DependsOn: deps,
		Status:    string(a.Status),
	}
}

func mapArtifacts(items []domain.Artifact) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a))
	}
	return res
}

func auditResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:         e.ID,
		TS:         e.TS,
		Action:     e.Action,
		ProjectID:  e.ProjectID,
		ActorID:    e.ActorID,
		PrevStatus: e.PrevStatus,
		NewStatus:  e.NewStatus,
		Details:    e.Details,
	}
}

func mapAudit(items []domain.AuditEntry) []AuditEntryResponse {
	res := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, auditResponse(e))
	}
	return res
}
