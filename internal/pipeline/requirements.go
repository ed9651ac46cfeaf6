package pipeline

import "careflow/internal/domain"

// FieldRequirement names one dotted path into a stage payload that must be
// present for the stage to count data-complete. Optional paths are reported
// but never block completion (e.g. co-investigators).
type FieldRequirement struct {
	Path     string `json:"path"`
	Optional bool   `json:"optional,omitempty"`
}

// stageRequirements is the single static table of per-stage required fields.
// The first path segment names the stage payload slot.
var stageRequirements = map[domain.Stage][]FieldRequirement{
	domain.StageIntake: {
		{Path: "intake.title"},
		{Path: "intake.project_type"},
		{Path: "intake.lead_investigator"},
		{Path: "intake.summary"},
		{Path: "intake.department"},
		{Path: "intake.co_investigators", Optional: true},
	},
	domain.StageResearch: {
		{Path: "research.literature_summary"},
		{Path: "research.evidence_gaps"},
		{Path: "research.references"},
	},
	domain.StageMethodology: {
		{Path: "methodology.design"},
		{Path: "methodology.population"},
		{Path: "methodology.outcome_measures"},
		{Path: "methodology.data_collection"},
	},
	domain.StageEthics: {
		{Path: "ethics.pathway"},
		{Path: "ethics.risk_level"},
		{Path: "ethics.consent_model"},
	},
	domain.StageDocuments: {
		{Path: "documents.package_kind"},
		{Path: "documents.plan"},
	},
}

// Requirements returns the field requirements for a stage.
func Requirements(s domain.Stage) []FieldRequirement {
	return stageRequirements[s]
}
