// Package engine owns every mutation of the approval pipeline. Each
// operation is a single transaction: load project, mutate, compare-and-set
// on the version column, append the audit entry, commit. A lost race is
// retried with a fresh read so a rejection can never be silently overwritten
// by a stale approval.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"careflow/internal/audit"
	"careflow/internal/config"
	"careflow/internal/domain"
	"careflow/internal/repo"
	"careflow/internal/requirements"
	"careflow/internal/resolver"
)

// casRetries bounds the reload-and-retry loop on version conflicts.
const casRetries = 3

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateProject registers a new intake record in draft status.
func (e Engine) CreateProject(ctx context.Context, id, title, actorID string) (domain.Project, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	p := domain.Project{
		ID:        id,
		Title:     title,
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "project.created", p.ID, actorID, "", string(p.Status), audit.Payload{"title": title}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// mutateProject runs fn against a fresh snapshot inside a transaction and
// commits the change through the version compare-and-set. On conflict the
// whole cycle is retried with a re-read; fn must therefore be idempotent on
// the snapshot it is handed.
func (e Engine) mutateProject(ctx context.Context, projectID string, fn func(ctx context.Context, tx *sql.Tx, p *domain.Project) error) (domain.Project, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		p, err := func() (domain.Project, error) {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return domain.Project{}, err
			}
			defer tx.Rollback()
			p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
			if err != nil {
				return domain.Project{}, err
			}
			if err := fn(ctx, tx, &p); err != nil {
				return domain.Project{}, err
			}
			p.UpdatedAt = e.nowString()
			if err := e.Repo.UpdateProjectCAS(ctx, tx, &p); err != nil {
				return domain.Project{}, err
			}
			if err := tx.Commit(); err != nil {
				return domain.Project{}, err
			}
			return p, nil
		}()
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return domain.Project{}, err
		}
		lastErr = err
	}
	return domain.Project{}, fmt.Errorf("project %s: %w", projectID, lastErr)
}

// AttachStagePayload attaches agent output to a stage slot. Payloads are
// monotonic: they may be replaced with newer content but never cleared.
func (e Engine) AttachStagePayload(ctx context.Context, projectID string, stage domain.Stage, payloadJSON, actorID string) (domain.Project, error) {
	if !stage.Valid() {
		return domain.Project{}, fmt.Errorf("invalid stage %v", stage)
	}
	trimmed := strings.TrimSpace(payloadJSON)
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return domain.Project{}, errors.New("stage payload must be a non-empty JSON document")
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(trimmed), &tmp); err != nil {
		return domain.Project{}, fmt.Errorf("stage payload: %w", err)
	}
	return e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Status.Terminal() {
			return fmt.Errorf("project %s is %s; payloads are frozen", p.ID, p.Status)
		}
		p.SetStagePayload(stage, trimmed)
		return e.Audit.Append(ctx, tx, "stage.payload.attached", p.ID, actorID, "", "", audit.Payload{"stage": stage.String()})
	})
}

// Approve records a human approval of a stage: the checkpoint flips true and
// the status moves to the stage's canonical approved value. The status only
// ever moves forward; re-approving an earlier stage keeps the later status.
func (e Engine) Approve(ctx context.Context, projectID string, stage domain.Stage, approverID string) (domain.Project, error) {
	if !stage.Valid() {
		return domain.Project{}, fmt.Errorf("invalid stage %v", stage)
	}
	return e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Status.Terminal() {
			return fmt.Errorf("project %s is %s; checkpoints are closed", p.ID, p.Status)
		}
		if !p.HasStagePayload(stage) {
			return fmt.Errorf("stage %s has no payload yet; nothing to approve", stage)
		}
		prev := p.Status
		p.Checkpoints.Set(stage, true)
		approved := stage.ApprovedStatus()
		if p.Status.Index() < approved.Index() {
			p.Status = approved
		}
		snapshot, _ := json.Marshal(p.Checkpoints)
		return e.Audit.Append(ctx, tx, "checkpoint.approved", p.ID, approverID, string(prev), string(p.Status), audit.Payload{
			"stage":       stage.String(),
			"checkpoints": json.RawMessage(snapshot),
		})
	})
}

// Reject records a human rejection: the checkpoint flips false and the
// project drops into revision_required, an absorbing state that blocks all
// advancement until the stage is reworked and approved again.
func (e Engine) Reject(ctx context.Context, projectID string, stage domain.Stage, reason, actorID string) (domain.Project, error) {
	if !stage.Valid() {
		return domain.Project{}, fmt.Errorf("invalid stage %v", stage)
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Project{}, errors.New("rejection reason is required")
	}
	return e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Status.Terminal() {
			return fmt.Errorf("project %s is %s; checkpoints are closed", p.ID, p.Status)
		}
		prev := p.Status
		p.Checkpoints.Set(stage, false)
		p.Status = domain.StatusRevisionRequired
		snapshot, _ := json.Marshal(p.Checkpoints)
		return e.Audit.Append(ctx, tx, "checkpoint.rejected", p.ID, actorID, string(prev), string(p.Status), audit.Payload{
			"stage":       stage.String(),
			"reason":      reason,
			"checkpoints": json.RawMessage(snapshot),
		})
	})
}

// Complete closes a fully approved project.
func (e Engine) Complete(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Status != domain.StatusDocumentsApproved {
			return fmt.Errorf("project %s is %s; only documents_approved projects can complete", p.ID, p.Status)
		}
		prev := p.Status
		p.Status = domain.StatusCompleted
		return e.Audit.Append(ctx, tx, "project.completed", p.ID, actorID, string(prev), string(p.Status), nil)
	})
}

// Archive retires a project from any non-terminal state.
func (e Engine) Archive(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Status.Terminal() {
			return fmt.Errorf("project %s is already %s", p.ID, p.Status)
		}
		prev := p.Status
		p.Status = domain.StatusArchived
		return e.Audit.Append(ctx, tx, "project.archived", p.ID, actorID, string(prev), string(p.Status), nil)
	})
}

// DocumentPlan is the persisted outcome of planning the document package.
type DocumentPlan struct {
	PackageKind domain.PackageKind `json:"package_kind"`
	Plan        []domain.Artifact  `json:"plan"`
	Optional    []domain.Artifact  `json:"optional,omitempty"`
	Degraded    bool               `json:"degraded,omitempty"`
	PlannedAt   string             `json:"planned_at"`
}

// PlanDocuments derives classification facts from the intake and ethics
// payloads, determines the document package and persists the
// dependency-ordered plan into the documents slot. A malformed dependency
// graph degrades to a deterministic order and is flagged in the audit log,
// never treated as fatal: a partial order beats a blocked pipeline.
func (e Engine) PlanDocuments(ctx context.Context, projectID, actorID string) (DocumentPlan, error) {
	var plan DocumentPlan
	_, err := e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Status.Terminal() {
			return fmt.Errorf("project %s is %s; planning is closed", p.ID, p.Status)
		}
		facts, err := FactsFromProject(*p)
		if err != nil {
			return err
		}
		pkg := requirements.DeterminePackage(facts)
		ordered, acyclic := resolver.Order[domain.ArtifactKind](pkg.Required)
		plan = DocumentPlan{
			PackageKind: pkg.Kind,
			Plan:        ordered,
			Optional:    pkg.Optional,
			Degraded:    !acyclic,
			PlannedAt:   e.nowString(),
		}
		raw, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		p.SetStagePayload(domain.StageDocuments, string(raw))
		action := "documents.planned"
		if plan.Degraded {
			action = "documents.plan.degraded"
		}
		return e.Audit.Append(ctx, tx, action, p.ID, actorID, "", "", audit.Payload{
			"package_kind": plan.PackageKind,
			"artifacts":    len(plan.Plan),
			"degraded":     plan.Degraded,
		})
	})
	return plan, err
}

// BuildChecklist determines the governance checklist, orders it and persists
// it on the project.
func (e Engine) BuildChecklist(ctx context.Context, projectID, actorID string) ([]domain.Artifact, error) {
	var items []domain.Artifact
	_, err := e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Status.Terminal() {
			return fmt.Errorf("project %s is %s; checklist is closed", p.ID, p.Status)
		}
		facts, err := FactsFromProject(*p)
		if err != nil {
			return err
		}
		ordered, acyclic := resolver.Order[domain.ArtifactKind](requirements.DetermineChecklist(facts))
		items = ordered
		raw, err := json.Marshal(items)
		if err != nil {
			return err
		}
		s := string(raw)
		p.Checklist = &s
		action := "checklist.built"
		if !acyclic {
			action = "checklist.build.degraded"
		}
		return e.Audit.Append(ctx, tx, action, p.ID, actorID, "", "", audit.Payload{
			"items":    len(items),
			"degraded": !acyclic,
		})
	})
	return items, err
}

// SetChecklistItem moves one governance checklist item between statuses.
func (e Engine) SetChecklistItem(ctx context.Context, projectID string, kind domain.ArtifactKind, status domain.ArtifactStatus, actorID string) ([]domain.Artifact, error) {
	var items []domain.Artifact
	_, err := e.mutateProject(ctx, projectID, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.Checklist == nil {
			return fmt.Errorf("project %s has no checklist; build it first", p.ID)
		}
		if err := json.Unmarshal([]byte(*p.Checklist), &items); err != nil {
			return fmt.Errorf("stored checklist: %w", err)
		}
		found := false
		for i := range items {
			if items[i].Kind != kind {
				continue
			}
			found = true
			if !domain.ValidArtifactTransition(items[i].Status, status) {
				return fmt.Errorf("checklist item %s cannot move %s -> %s", kind, items[i].Status, status)
			}
			prev := items[i].Status
			items[i].Status = status
			if err := e.Audit.Append(ctx, tx, "checklist.item.updated", p.ID, actorID, "", "", audit.Payload{
				"item": kind,
				"from": prev,
				"to":   status,
			}); err != nil {
				return err
			}
		}
		if !found {
			return fmt.Errorf("checklist item %s: %w", kind, repo.ErrNotFound)
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return err
		}
		s := string(raw)
		p.Checklist = &s
		return nil
	})
	return items, err
}

// FactsFromProject extracts the classification facts the determiner needs
// from the intake and ethics payloads.
func FactsFromProject(p domain.Project) (domain.ClassificationFacts, error) {
	var facts domain.ClassificationFacts
	intake, err := decodeStage(p, domain.StageIntake)
	if err != nil {
		return facts, err
	}
	if intake == nil {
		return facts, errors.New("intake payload required to determine requirements")
	}
	facts.ProjectType = domain.ProjectType(stringField(intake, "project_type"))
	facts.SiteCount = intField(intake, "site_count")
	facts.FundingScheme = stringField(intake, "funding_scheme")
	facts.VulnerablePopulation = boolField(intake, "vulnerable_population")

	ethics, err := decodeStage(p, domain.StageEthics)
	if err != nil {
		return facts, err
	}
	if ethics != nil {
		facts.Pathway = domain.Pathway(stringField(ethics, "pathway"))
		facts.RiskLevel = stringField(ethics, "risk_level")
		facts.ConsentWaived = boolField(ethics, "consent_waived")
	}
	return facts, nil
}

func decodeStage(p domain.Project, stage domain.Stage) (map[string]any, error) {
	raw := p.StagePayload(stage)
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(*raw), &doc); err != nil {
		return nil, fmt.Errorf("%s payload: %w", stage, err)
	}
	return doc, nil
}

func stringField(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func intField(doc map[string]any, key string) int {
	if v, ok := doc[key].(float64); ok {
		return int(v)
	}
	return 0
}

func boolField(doc map[string]any, key string) bool {
	v, _ := doc[key].(bool)
	return v
}
