package domain_test

import (
	"encoding/json"
	"testing"

	"careflow/internal/domain"
)

func TestParseStageRoundTrip(t *testing.T) {
	for _, stage := range domain.Stages() {
		parsed, err := domain.ParseStage(stage.String())
		if err != nil {
			t.Fatalf("parse %s: %v", stage, err)
		}
		if parsed != stage {
			t.Fatalf("round trip %s: got %s", stage, parsed)
		}
	}
	if _, err := domain.ParseStage("review"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestStatusOrder(t *testing.T) {
	ordered := []domain.Status{
		domain.StatusDraft,
		domain.StatusIntakeApproved,
		domain.StatusResearchApproved,
		domain.StatusMethodologyApproved,
		domain.StatusEthicsApproved,
		domain.StatusDocumentsApproved,
		domain.StatusCompleted,
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Index() >= ordered[i].Index() {
			t.Fatalf("%s should order before %s", ordered[i-1], ordered[i])
		}
	}
	if domain.StatusRevisionRequired.Index() != -1 {
		t.Fatalf("revision_required must sit outside the total order")
	}
	if domain.StatusArchived.Index() != -1 {
		t.Fatalf("archived must sit outside the total order")
	}
}

func TestStatusPredicates(t *testing.T) {
	if !domain.StatusCompleted.Terminal() || !domain.StatusArchived.Terminal() {
		t.Fatalf("completed and archived are terminal")
	}
	if domain.StatusDocumentsApproved.Terminal() {
		t.Fatalf("documents_approved is not terminal")
	}
	if !domain.StatusRevisionRequired.Absorbing() || !domain.StatusArchived.Absorbing() {
		t.Fatalf("revision_required and archived are absorbing")
	}
	if domain.StatusDraft.Absorbing() {
		t.Fatalf("draft is not absorbing")
	}
	if !domain.Status("archived").Valid() || domain.Status("pending").Valid() {
		t.Fatalf("validity check wrong")
	}
}

func TestCurrentStage(t *testing.T) {
	stage, done, ok := domain.StatusDraft.CurrentStage()
	if !ok || done || stage != domain.StageIntake {
		t.Fatalf("draft works on intake, got %s done=%v ok=%v", stage, done, ok)
	}
	stage, done, ok = domain.StatusResearchApproved.CurrentStage()
	if !ok || done || stage != domain.StageMethodology {
		t.Fatalf("research_approved works on methodology, got %s", stage)
	}
	stage, done, ok = domain.StatusDocumentsApproved.CurrentStage()
	if !ok || !done || stage != domain.StageDocuments {
		t.Fatalf("documents_approved should report done on documents")
	}
	if _, _, ok := domain.StatusRevisionRequired.CurrentStage(); ok {
		t.Fatalf("absorbing status has no current stage")
	}
}

func TestAtOrPast(t *testing.T) {
	if !domain.StatusMethodologyApproved.AtOrPast(domain.StageIntake) {
		t.Fatalf("later status covers earlier stages")
	}
	if !domain.StatusMethodologyApproved.AtOrPast(domain.StageMethodology) {
		t.Fatalf("status covers its own stage")
	}
	if domain.StatusMethodologyApproved.AtOrPast(domain.StageEthics) {
		t.Fatalf("status does not cover later stages")
	}
	if domain.StatusRevisionRequired.AtOrPast(domain.StageIntake) {
		t.Fatalf("absorbing status is never at-or-past")
	}
}

func TestCheckpointsJSON(t *testing.T) {
	var c domain.Checkpoints
	c.Set(domain.StageIntake, true)
	c.Set(domain.StageEthics, true)
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if !m["intake_approved"] || !m["ethics_approved"] || m["research_approved"] {
		t.Fatalf("unexpected marshalled checkpoints: %v", m)
	}
	var back domain.Checkpoints
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal checkpoints: %v", err)
	}
	if back != c {
		t.Fatalf("round trip mismatch: %v vs %v", back, c)
	}
}

func TestStagePayloadSlots(t *testing.T) {
	var p domain.Project
	if p.HasStagePayload(domain.StageIntake) {
		t.Fatalf("empty project has no payloads")
	}
	p.SetStagePayload(domain.StageIntake, `{"title":"x"}`)
	if !p.HasStagePayload(domain.StageIntake) {
		t.Fatalf("expected intake payload present")
	}
	p.SetStagePayload(domain.StageResearch, `{}`)
	if p.HasStagePayload(domain.StageResearch) {
		t.Fatalf("empty object does not count as a payload")
	}
}

func TestValidArtifactTransition(t *testing.T) {
	cases := []struct {
		from, to domain.ArtifactStatus
		ok       bool
	}{
		{domain.ArtifactNotStarted, domain.ArtifactInProgress, true},
		{domain.ArtifactNotStarted, domain.ArtifactComplete, true},
		{domain.ArtifactInProgress, domain.ArtifactComplete, true},
		{domain.ArtifactInProgress, domain.ArtifactNotStarted, true},
		{domain.ArtifactComplete, domain.ArtifactInProgress, false},
		{domain.ArtifactComplete, domain.ArtifactNotStarted, false},
		{domain.ArtifactNotStarted, domain.ArtifactNotStarted, false},
	}
	for _, tc := range cases {
		if got := domain.ValidArtifactTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
