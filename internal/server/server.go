// Package server exposes the approval pipeline over HTTP. Checkpoint
// approvals and rejections arrive here as callbacks from the orchestration
// shell (one path per stage); everything else is read/plumbing for the same
// callers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"careflow/internal/domain"
	"careflow/internal/engine"
	"careflow/internal/pipeline"
	"careflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Careflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Careflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerPlanning(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

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
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "closed"),
		strings.Contains(lowered, "frozen"),
		strings.Contains(lowered, "already"),
		strings.Contains(lowered, "cannot move"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "nothing to approve"),
		strings.Contains(lowered, "build it first"),
		strings.Contains(lowered, "only documents_approved"):
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
		return "precondition_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseStage(name string) (domain.Stage, huma.StatusError) {
	stage, err := domain.ParseStage(name)
	if err != nil {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"stage": name})
	}
	return stage, nil
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		p, err := e.CreateProject(ctx, id, input.Body.Title, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status with per-stage validation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectStatusResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		reports := make([]StageReportResponse, 0, domain.NumStages)
		for _, stage := range domain.Stages() {
			reports = append(reports, stageReportResponse(pipeline.Validate(p, stage)))
		}
		return &struct {
			Body ProjectStatusResponse `json:"body"`
		}{Body: ProjectStatusResponse{Project: projectResponse(p), Stages: reports}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Archive(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/complete",
		Summary:     "Complete project",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Complete(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attach-stage-payload",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/stages/{stage}",
		Summary:     "Attach agent output to a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		Stage     string                    `path:"stage" enum:"intake,research,methodology,ethics,documents"`
		Body      AttachStagePayloadRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		stage, serr := parseStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		raw, err := json.Marshal(input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.AttachStagePayload(ctx, input.ProjectID, stage, string(raw), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-stage",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{stage}/validation",
		Summary:     "Validate a stage's data completeness and approval",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `path:"stage" enum:"intake,research,methodology,ethics,documents"`
	}) (*struct {
		Body StageReportResponse `json:"body"`
	}, error) {
		stage, serr := parseStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageReportResponse `json:"body"`
		}{Body: stageReportResponse(pipeline.Validate(p, stage))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-advance",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/advance/{stage}",
		Summary:     "Check whether the project may advance to a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `path:"stage" enum:"intake,research,methodology,ethics,documents"`
	}) (*struct {
		Body AdvancementResponse `json:"body"`
	}, error) {
		stage, serr := parseStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		adv := pipeline.CanAdvance(p, stage)
		return &struct {
			Body AdvancementResponse `json:"body"`
		}{Body: AdvancementResponse{Allowed: adv.Allowed, Blockers: adv.Blockers}}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-checkpoint",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/checkpoints/{stage}/approve",
		Summary:     "Record human approval of a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `path:"stage" enum:"intake,research,methodology,ethics,documents"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		stage, serr := parseStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Approve(ctx, input.ProjectID, stage, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-checkpoint",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/checkpoints/{stage}/reject",
		Summary:     "Record human rejection of a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Stage     string                  `path:"stage" enum:"intake,research,methodology,ethics,documents"`
		Body      RejectCheckpointRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		stage, serr := parseStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Reject(ctx, input.ProjectID, stage, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerPlanning(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "plan-documents",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Determine and order the document package",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body DocumentPlanResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		plan, err := e.PlanDocuments(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentPlanResponse `json:"body"`
		}{Body: DocumentPlanResponse{
			PackageKind: string(plan.PackageKind),
			Plan:        mapArtifacts(plan.Plan),
			Optional:    mapArtifacts(plan.Optional),
			Degraded:    plan.Degraded,
			PlannedAt:   plan.PlannedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "build-checklist",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/checklist",
		Summary:       "Build the governance checklist",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.BuildChecklist(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/checklist",
		Summary:     "Get the governance checklist",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		var items []domain.Artifact
		if p.Checklist != nil {
			if err := json.Unmarshal([]byte(*p.Checklist), &items); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/checklist/{item}",
		Summary:     "Update a governance checklist item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Item      string                  `path:"item"`
		Body      SetChecklistItemRequest `json:"body"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.SetChecklistItem(ctx, input.ProjectID, domain.ArtifactKind(input.Item), domain.ArtifactStatus(input.Body.Status), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Action    string `query:"action"`
		Limit     int    `query:"limit"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{
			ProjectID: input.ProjectID,
			Action:    input.Action,
			Limit:     input.Limit,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAudit(items)}, nil
	})
}
