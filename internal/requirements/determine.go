// Package requirements maps project classification facts to the set of
// artifacts the pipeline must produce. Everything here is pure and
// rule-based: this is the deterministic fallback logic the upstream
// classification agents rely on, so it must never call out.
package requirements

import (
	"fmt"

	"careflow/internal/domain"
)

// Package is the determined document set for a project.
type Package struct {
	Kind     domain.PackageKind `json:"kind"`
	Required []domain.Artifact  `json:"required"`
	Optional []domain.Artifact  `json:"optional"`
}

// DeterminePackage selects a package kind from the classification facts,
// loads its base artifact table and applies the adjustment rules in a fixed
// order. Identical facts always yield an identical package.
func DeterminePackage(facts domain.ClassificationFacts) Package {
	kind := selectKind(facts)
	artifacts := adjust(baseArtifacts(kind), facts)
	pkg := Package{Kind: kind}
	for _, a := range artifacts {
		if a.Required {
			pkg.Required = append(pkg.Required, a)
		} else {
			pkg.Optional = append(pkg.Optional, a)
		}
	}
	pkg.Required = pruneDanglingDeps(pkg.Required)
	return pkg
}

// pruneDanglingDeps drops dependency edges that point outside the artifact
// set. A demotion can leave a required artifact depending on a now-optional
// one; such an edge carries no ordering information for the required set.
func pruneDanglingDeps(artifacts []domain.Artifact) []domain.Artifact {
	present := make(map[domain.ArtifactKind]bool, len(artifacts))
	for _, a := range artifacts {
		present[a.Kind] = true
	}
	for i, a := range artifacts {
		if len(a.DependsOn) == 0 {
			continue
		}
		var kept []domain.ArtifactKind
		for _, dep := range a.DependsOn {
			if present[dep] {
				kept = append(kept, dep)
			}
		}
		artifacts[i].DependsOn = kept
	}
	return artifacts
}

// selectKind picks the package kind: project type first, then pathway.
// QI projects always map to minimal regardless of pathway.
func selectKind(facts domain.ClassificationFacts) domain.PackageKind {
	switch facts.ProjectType {
	case domain.TypeQI:
		return domain.PackageMinimal
	case domain.TypeHybrid:
		return domain.PackageHybrid
	}
	switch facts.Pathway {
	case domain.PathwayRegistration:
		return domain.PackageMinimal
	case domain.PathwayLowRisk:
		return domain.PackageStandard
	case domain.PathwayFullReview:
		return domain.PackageFullReview
	case domain.PathwayHybrid:
		return domain.PackageHybrid
	}
	return domain.PackageStandard
}

// baseArtifacts returns a fresh copy of the static table for a package kind.
func baseArtifacts(kind domain.PackageKind) []domain.Artifact {
	var base []domain.Artifact
	switch kind {
	case domain.PackageMinimal:
		base = []domain.Artifact{
			{Kind: domain.ArtifactRegistration, Priority: 1,
				Rationale: "registration-only pathway: summary for the QI/audit register"},
			{Kind: domain.ArtifactDataMgmtPlan, Priority: 2,
				Rationale: "recommended where routinely collected data is reused"},
		}
	case domain.PackageStandard:
		base = []domain.Artifact{
			{Kind: domain.ArtifactProtocol, Required: true, Priority: 1,
				Rationale: "protocol anchors the low-risk submission"},
			{Kind: domain.ArtifactConsentForm, Required: true, Priority: 2,
				Rationale: "participants are consented under the low-risk pathway",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol}},
			{Kind: domain.ArtifactParticipantInfo, Required: true, Priority: 3,
				Rationale: "participant information sheet accompanies consent",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol}},
			{Kind: domain.ArtifactDataMgmtPlan, Required: true, Priority: 4,
				Rationale: "data handling must be documented for committee review"},
			{Kind: domain.ArtifactEthicsApp, Required: true, Priority: 5,
				Rationale: "low-risk ethics application form",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol, domain.ArtifactConsentForm}},
			{Kind: domain.ArtifactRecruitment, Priority: 6,
				Rationale: "recruitment materials if active recruitment is planned",
				DependsOn: []domain.ArtifactKind{domain.ArtifactParticipantInfo}},
		}
	case domain.PackageFullReview:
		base = []domain.Artifact{
			{Kind: domain.ArtifactProtocol, Required: true, Priority: 1,
				Rationale: "full protocol required for committee review"},
			{Kind: domain.ArtifactRiskAssessment, Required: true, Priority: 2,
				Rationale: "risk profile triggers a standalone assessment",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol}},
			{Kind: domain.ArtifactConsentForm, Required: true, Priority: 3,
				Rationale: "full committee review requires documented consent",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol}},
			{Kind: domain.ArtifactParticipantInfo, Required: true, Priority: 4,
				Rationale: "participant information sheet accompanies consent",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol}},
			{Kind: domain.ArtifactDataMgmtPlan, Required: true, Priority: 5,
				Rationale: "data handling must be documented for committee review"},
			{Kind: domain.ArtifactEthicsApp, Required: true, Priority: 6,
				Rationale: "full committee application form",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol, domain.ArtifactRiskAssessment, domain.ArtifactConsentForm}},
			{Kind: domain.ArtifactSiteAssessment, Priority: 7,
				Rationale: "site assessment where local governance requests it"},
			{Kind: domain.ArtifactRecruitment, Priority: 8,
				Rationale: "recruitment materials if active recruitment is planned",
				DependsOn: []domain.ArtifactKind{domain.ArtifactParticipantInfo}},
		}
	case domain.PackageHybrid:
		base = []domain.Artifact{
			{Kind: domain.ArtifactProtocol, Required: true, Priority: 1,
				Rationale: "protocol covers both QI and research arms"},
			{Kind: domain.ArtifactRegistration, Required: true, Priority: 2,
				Rationale: "QI arm is registered alongside the research submission"},
			{Kind: domain.ArtifactConsentForm, Required: true, Priority: 3,
				Rationale: "research arm requires documented consent",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol}},
			{Kind: domain.ArtifactParticipantInfo, Required: true, Priority: 4,
				Rationale: "participant information sheet accompanies consent",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol}},
			{Kind: domain.ArtifactDataMgmtPlan, Required: true, Priority: 5,
				Rationale: "shared data plan across both arms"},
			{Kind: domain.ArtifactEthicsApp, Required: true, Priority: 6,
				Rationale: "hybrid review application",
				DependsOn: []domain.ArtifactKind{domain.ArtifactProtocol, domain.ArtifactConsentForm}},
		}
	}
	out := make([]domain.Artifact, len(base))
	copy(out, base)
	return out
}

// adjust applies the ordered adjustment rules. Rules run in a fixed order
// and later rules win on the same artifact, so a multi-site promotion
// overrides an earlier consent-waiver demotion of the same kind.
func adjust(artifacts []domain.Artifact, facts domain.ClassificationFacts) []domain.Artifact {
	if facts.ConsentWaived {
		artifacts = demote(artifacts, domain.ArtifactConsentForm,
			"consent waiver granted; retain only if the waiver is partial")
		artifacts = demote(artifacts, domain.ArtifactParticipantInfo,
			"consent waiver granted; retain only if the waiver is partial")
	}
	if facts.SiteCount > 1 {
		artifacts = promote(artifacts, domain.ArtifactSiteAssessment,
			fmt.Sprintf("%d delivery sites declared; site assessment is mandatory", facts.SiteCount))
	}
	if facts.FundingScheme != "" {
		artifacts = promote(artifacts, domain.ArtifactGrantApplication,
			fmt.Sprintf("funding scheme %s requires a grant application", facts.FundingScheme))
	}
	if facts.VulnerablePopulation {
		for i := range artifacts {
			if artifacts[i].Required {
				artifacts[i].Rationale += " (vulnerable population: reviewer attention required)"
			}
		}
	}
	return artifacts
}

func demote(artifacts []domain.Artifact, kind domain.ArtifactKind, rationale string) []domain.Artifact {
	for i := range artifacts {
		if artifacts[i].Kind == kind {
			artifacts[i].Required = false
			artifacts[i].Rationale = rationale
		}
	}
	return artifacts
}

// promote forces the artifact to required, appending it when the base table
// does not carry it.
func promote(artifacts []domain.Artifact, kind domain.ArtifactKind, rationale string) []domain.Artifact {
	for i := range artifacts {
		if artifacts[i].Kind == kind {
			artifacts[i].Required = true
			artifacts[i].Rationale = rationale
			return artifacts
		}
	}
	maxPriority := 0
	for _, a := range artifacts {
		if a.Priority > maxPriority {
			maxPriority = a.Priority
		}
	}
	return append(artifacts, domain.Artifact{
		Kind:      kind,
		Required:  true,
		Priority:  maxPriority + 1,
		Rationale: rationale,
	})
}
