package requirements

import (
	"fmt"

	"careflow/internal/domain"
)

// DetermineChecklist maps classification facts to governance checklist items.
// Items share the artifact shape with document requirements so the same
// dependency resolver orders both; unlike documents they carry a mutable
// status, initialised to not_started.
func DetermineChecklist(facts domain.ClassificationFacts) []domain.Artifact {
	items := []domain.Artifact{
		{Kind: "project_registration", Required: true, Priority: 1,
			Rationale: "every project is registered with the governance office"},
		{Kind: "data_custodian_approval", Required: true, Priority: 2,
			Rationale: "data custodian must approve access to clinical records"},
	}
	if facts.ProjectType != domain.TypeQI {
		items = append(items,
			domain.Artifact{Kind: "ethics_submission", Required: true, Priority: 3,
				Rationale: "research classification requires an ethics committee submission",
				DependsOn: []domain.ArtifactKind{"project_registration"}},
			domain.Artifact{Kind: "sponsor_signoff", Required: true, Priority: 4,
				Rationale: "sponsoring department signs off before submission",
				DependsOn: []domain.ArtifactKind{"ethics_submission"}},
		)
		// insurance review hangs off the sponsor/ethics chain, which QI
		// projects never enter
		if facts.Pathway == domain.PathwayFullReview {
			items = append(items, domain.Artifact{
				Kind: "insurance_review", Required: true, Priority: 5,
				Rationale: "full committee review triggers indemnity and insurance checks",
				DependsOn: []domain.ArtifactKind{"sponsor_signoff"}})
		}
	}
	if facts.SiteCount > 1 {
		items = append(items, domain.Artifact{
			Kind: "site_governance_authorisation", Required: true, Priority: 6,
			Rationale: fmt.Sprintf("%d sites declared; each needs local authorisation", facts.SiteCount),
			DependsOn: []domain.ArtifactKind{"project_registration"}})
	}
	if facts.FundingScheme != "" {
		items = append(items, domain.Artifact{
			Kind: "funding_contract_review", Required: true, Priority: 7,
			Rationale: fmt.Sprintf("funding scheme %s requires contract review", facts.FundingScheme)})
	}
	if facts.VulnerablePopulation {
		for i := range items {
			if items[i].Required {
				items[i].Rationale += " (vulnerable population: reviewer attention required)"
			}
		}
	}
	for i := range items {
		items[i].Status = domain.ArtifactNotStarted
	}
	return items
}
