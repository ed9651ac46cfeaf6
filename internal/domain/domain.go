package domain

import (
	"encoding/json"
	"fmt"
)

// Checkpoints records, per stage, whether a human has approved that stage's
// output. Fixed-size and indexed by Stage so a missing stage is a compile
// error, not a silent false.
type Checkpoints [NumStages]bool

// checkpointFields are the stable persisted names, aligned with stageNames.
var checkpointFields = [NumStages]string{
	"intake_approved",
	"research_approved",
	"methodology_approved",
	"ethics_approved",
	"documents_approved",
}

// CheckpointField returns the persisted field name for a stage's flag.
func CheckpointField(s Stage) string { return checkpointFields[s] }

func (c Checkpoints) Approved(s Stage) bool { return c[s] }

func (c *Checkpoints) Set(s Stage, v bool) { c[s] = v }

func (c Checkpoints) MarshalJSON() ([]byte, error) {
	m := make(map[string]bool, NumStages)
	for i, name := range checkpointFields {
		m[name] = c[i]
	}
	return json.Marshal(m)
}

func (c *Checkpoints) UnmarshalJSON(data []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for i, name := range checkpointFields {
		c[i] = m[name]
	}
	return nil
}

// Project is the aggregate root of the approval pipeline. Stage payloads are
// JSON documents produced by upstream agents; they are attached monotonically
// and never removed. Version guards concurrent read-modify-write cycles.
type Project struct {
	ID          string      `json:"id"`
	Title       string      `json:"title,omitempty"`
	Status      Status      `json:"status"`
	Checkpoints Checkpoints `json:"checkpoints"`
	Intake      *string     `json:"intake,omitempty"`
	Research    *string     `json:"research,omitempty"`
	Methodology *string     `json:"methodology,omitempty"`
	Ethics      *string     `json:"ethics,omitempty"`
	Documents   *string     `json:"documents,omitempty"`
	Checklist   *string     `json:"checklist,omitempty"`
	Version     int64       `json:"version"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

// StagePayload returns the raw JSON slot for a stage.
func (p Project) StagePayload(s Stage) *string {
	switch s {
	case StageIntake:
		return p.Intake
	case StageResearch:
		return p.Research
	case StageMethodology:
		return p.Methodology
	case StageEthics:
		return p.Ethics
	case StageDocuments:
		return p.Documents
	}
	return nil
}

// SetStagePayload writes a stage slot. Callers enforce monotonic attachment.
func (p *Project) SetStagePayload(s Stage, payload string) {
	switch s {
	case StageIntake:
		p.Intake = &payload
	case StageResearch:
		p.Research = &payload
	case StageMethodology:
		p.Methodology = &payload
	case StageEthics:
		p.Ethics = &payload
	case StageDocuments:
		p.Documents = &payload
	}
}

// HasStagePayload reports whether the stage slot holds a non-empty document.
func (p Project) HasStagePayload(s Stage) bool {
	raw := p.StagePayload(s)
	return raw != nil && *raw != "" && *raw != "{}" && *raw != "null"
}

// ArtifactKind identifies a generated document or governance checklist item.
type ArtifactKind string

const (
	ArtifactProtocol         ArtifactKind = "protocol"
	ArtifactConsentForm      ArtifactKind = "consent_form"
	ArtifactParticipantInfo  ArtifactKind = "participant_information"
	ArtifactDataMgmtPlan     ArtifactKind = "data_management_plan"
	ArtifactEthicsApp        ArtifactKind = "ethics_application"
	ArtifactRiskAssessment   ArtifactKind = "risk_assessment"
	ArtifactSiteAssessment   ArtifactKind = "site_assessment"
	ArtifactGrantApplication ArtifactKind = "grant_application"
	ArtifactRegistration     ArtifactKind = "registration_summary"
	ArtifactRecruitment      ArtifactKind = "recruitment_materials"
)

// ArtifactStatus tracks progress of checklist-type artifacts only.
type ArtifactStatus string

const (
	ArtifactNotStarted ArtifactStatus = "not_started"
	ArtifactInProgress ArtifactStatus = "in_progress"
	ArtifactComplete   ArtifactStatus = "complete"
)

// ValidArtifactTransition reports whether a checklist item may move between
// the two statuses.
func ValidArtifactTransition(from, to ArtifactStatus) bool {
	switch from {
	case ArtifactNotStarted:
		return to == ArtifactInProgress || to == ArtifactComplete
	case ArtifactInProgress:
		return to == ArtifactComplete || to == ArtifactNotStarted
	}
	return false
}

// Artifact is a required or optional output of the pipeline: a document in a
// generation package, or a governance checklist item. DependsOn names other
// artifacts that must be generated first.
type Artifact struct {
	Kind      ArtifactKind   `json:"kind"`
	Required  bool           `json:"required"`
	Priority  int            `json:"priority"`
	Rationale string         `json:"rationale"`
	DependsOn []ArtifactKind `json:"depends_on,omitempty"`
	Status    ArtifactStatus `json:"status,omitempty"`
}

// Key, Prerequisites and Rank satisfy the resolver item contract.
func (a Artifact) Key() ArtifactKind             { return a.Kind }
func (a Artifact) Prerequisites() []ArtifactKind { return a.DependsOn }
func (a Artifact) Rank() int                     { return a.Priority }

// ProjectType classifies the work for approval purposes.
type ProjectType string

const (
	TypeQI       ProjectType = "qi"
	TypeResearch ProjectType = "research"
	TypeHybrid   ProjectType = "hybrid"
)

// Pathway is the ethics-approval track derived from classification and risk.
type Pathway string

const (
	PathwayRegistration Pathway = "registration"
	PathwayLowRisk      Pathway = "low_risk"
	PathwayFullReview   Pathway = "full_review"
	PathwayHybrid       Pathway = "hybrid"
)

// ClassificationFacts is the flat record the requirement determiner consumes.
// All fields are produced upstream by classification agents.
type ClassificationFacts struct {
	ProjectType          ProjectType `json:"project_type"`
	Pathway              Pathway     `json:"pathway"`
	RiskLevel            string      `json:"risk_level,omitempty"`
	ConsentWaived        bool        `json:"consent_waived"`
	SiteCount            int         `json:"site_count"`
	FundingScheme        string      `json:"funding_scheme,omitempty"`
	VulnerablePopulation bool        `json:"vulnerable_population"`
}

// PackageKind selects the base document set for a project.
type PackageKind string

const (
	PackageMinimal    PackageKind = "minimal"
	PackageStandard   PackageKind = "standard"
	PackageFullReview PackageKind = "full_review"
	PackageHybrid     PackageKind = "hybrid"
)

// AuditEntry is an immutable record of a pipeline action. Entries are
// appended in the same transaction as the mutation they describe and are
// never updated or deleted.
type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	ProjectID  string `json:"project_id"`
	ActorID    string `json:"actor_id"`
	PrevStatus string `json:"prev_status,omitempty"`
	NewStatus  string `json:"new_status,omitempty"`
	Details    string `json:"details_json,omitempty"`
}

func (a AuditEntry) String() string {
	return fmt.Sprintf("%s %s %s", a.TS, a.Action, a.ProjectID)
}
