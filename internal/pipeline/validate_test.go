package pipeline_test

import (
	"strings"
	"testing"

	"careflow/internal/domain"
	"careflow/internal/pipeline"
)

const fullIntake = `{
	"title": "Sepsis pathway audit",
	"project_type": "research",
	"lead_investigator": "Dr Reyes",
	"summary": "Evaluate the revised sepsis pathway",
	"department": "Emergency"
}`

func TestValidateMissingFields(t *testing.T) {
	p := domain.Project{Status: domain.StatusDraft}
	p.SetStagePayload(domain.StageIntake, `{"title":"x","project_type":"research"}`)
	report := pipeline.Validate(p, domain.StageIntake)
	if report.DataComplete {
		t.Fatalf("expected incomplete intake")
	}
	want := []string{"intake.lead_investigator", "intake.summary", "intake.department"}
	if len(report.MissingFields) != len(want) {
		t.Fatalf("missing fields %v, want %v", report.MissingFields, want)
	}
	// 2 of 5 required present
	if report.CompletionPercent != 40 {
		t.Fatalf("completion %d, want 40", report.CompletionPercent)
	}
}

func TestValidateCompleteStage(t *testing.T) {
	p := domain.Project{Status: domain.StatusDraft}
	p.SetStagePayload(domain.StageIntake, fullIntake)
	report := pipeline.Validate(p, domain.StageIntake)
	if !report.DataComplete || report.CompletionPercent != 100 {
		t.Fatalf("expected complete intake, got %+v", report)
	}
	if report.Approved {
		t.Fatalf("completeness does not imply approval")
	}
}

func TestValidateOptionalFieldIgnored(t *testing.T) {
	// co_investigators is optional and absent; stage still completes
	p := domain.Project{Status: domain.StatusDraft}
	p.SetStagePayload(domain.StageIntake, fullIntake)
	report := pipeline.Validate(p, domain.StageIntake)
	for _, f := range report.MissingFields {
		if f == "intake.co_investigators" {
			t.Fatalf("optional field must not be reported missing")
		}
	}
	if !report.DataComplete {
		t.Fatalf("optional field must not block completion")
	}
}

func TestValidateEmptyValuesCountAbsent(t *testing.T) {
	p := domain.Project{Status: domain.StatusDraft}
	p.SetStagePayload(domain.StageResearch, `{
		"literature_summary": "   ",
		"evidence_gaps": "gap in local data",
		"references": []
	}`)
	report := pipeline.Validate(p, domain.StageResearch)
	if report.DataComplete {
		t.Fatalf("blank strings and empty arrays count absent")
	}
	joined := strings.Join(report.MissingFields, ",")
	if !strings.Contains(joined, "research.literature_summary") || !strings.Contains(joined, "research.references") {
		t.Fatalf("unexpected missing fields: %v", report.MissingFields)
	}
}

func TestValidateStickyCompletion(t *testing.T) {
	// status past the stage: complete regardless of payload content
	p := domain.Project{Status: domain.StatusMethodologyApproved}
	report := pipeline.Validate(p, domain.StageIntake)
	if !report.DataComplete || report.CompletionPercent != 100 || len(report.MissingFields) != 0 {
		t.Fatalf("advanced status must make earlier stages complete, got %+v", report)
	}
}

func TestCanAdvanceAggregatesBlockers(t *testing.T) {
	p := domain.Project{Status: domain.StatusDraft}
	p.SetStagePayload(domain.StageIntake, `{"title":"x"}`)
	adv := pipeline.CanAdvance(p, domain.StageResearch)
	if adv.Allowed {
		t.Fatalf("expected blocked advancement")
	}
	if len(adv.Blockers) != 2 {
		t.Fatalf("expected missing-fields and not-approved blockers, got %v", adv.Blockers)
	}
}

func TestCanAdvanceAllowed(t *testing.T) {
	p := domain.Project{Status: domain.StatusIntakeApproved}
	p.Checkpoints.Set(domain.StageIntake, true)
	p.SetStagePayload(domain.StageIntake, fullIntake)
	adv := pipeline.CanAdvance(p, domain.StageResearch)
	if !adv.Allowed {
		t.Fatalf("expected allowed, blockers: %v", adv.Blockers)
	}
}

func TestCanAdvanceToFirstStage(t *testing.T) {
	adv := pipeline.CanAdvance(domain.Project{Status: domain.StatusDraft}, domain.StageIntake)
	if !adv.Allowed {
		t.Fatalf("no prior stages means no blockers: %v", adv.Blockers)
	}
}

func TestCanAdvanceAbsorbingStatus(t *testing.T) {
	p := domain.Project{Status: domain.StatusRevisionRequired}
	p.SetStagePayload(domain.StageIntake, fullIntake)
	p.Checkpoints.Set(domain.StageIntake, true)
	adv := pipeline.CanAdvance(p, domain.StageResearch)
	if adv.Allowed || len(adv.Blockers) != 1 {
		t.Fatalf("absorbing status must refuse outright, got %+v", adv)
	}
}

func TestCanAdvanceBackward(t *testing.T) {
	p := domain.Project{Status: domain.StatusMethodologyApproved}
	adv := pipeline.CanAdvance(p, domain.StageIntake)
	if adv.Allowed {
		t.Fatalf("backward transition must be refused")
	}
	if len(adv.Blockers) != 1 || !strings.Contains(adv.Blockers[0], "backward") {
		t.Fatalf("expected single backward blocker, got %v", adv.Blockers)
	}
}
