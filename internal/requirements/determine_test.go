package requirements_test

import (
	"reflect"
	"strings"
	"testing"

	"careflow/internal/domain"
	"careflow/internal/requirements"
	"careflow/internal/resolver"
)

func kinds(artifacts []domain.Artifact) []domain.ArtifactKind {
	out := make([]domain.ArtifactKind, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Kind
	}
	return out
}

func find(artifacts []domain.Artifact, kind domain.ArtifactKind) (domain.Artifact, bool) {
	for _, a := range artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return domain.Artifact{}, false
}

func TestQIProjectGetsMinimalPackage(t *testing.T) {
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType: domain.TypeQI,
		Pathway:     domain.PathwayRegistration,
	})
	if pkg.Kind != domain.PackageMinimal {
		t.Fatalf("QI maps to minimal, got %s", pkg.Kind)
	}
	if len(pkg.Required) != 0 {
		t.Fatalf("registration-only QI requires no documents, got %v", kinds(pkg.Required))
	}
	if _, ok := find(pkg.Optional, domain.ArtifactRegistration); !ok {
		t.Fatalf("registration summary should be offered as optional")
	}
}

func TestLowRiskResearchStandardPackage(t *testing.T) {
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType: domain.TypeResearch,
		Pathway:     domain.PathwayLowRisk,
	})
	if pkg.Kind != domain.PackageStandard {
		t.Fatalf("low risk maps to standard, got %s", pkg.Kind)
	}
	for _, kind := range []domain.ArtifactKind{
		domain.ArtifactProtocol, domain.ArtifactConsentForm,
		domain.ArtifactParticipantInfo, domain.ArtifactDataMgmtPlan, domain.ArtifactEthicsApp,
	} {
		if _, ok := find(pkg.Required, kind); !ok {
			t.Fatalf("standard package missing required %s", kind)
		}
	}
}

func TestConsentWaiverDemotesConsentDocuments(t *testing.T) {
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType:   domain.TypeResearch,
		Pathway:       domain.PathwayLowRisk,
		ConsentWaived: true,
	})
	if _, ok := find(pkg.Required, domain.ArtifactConsentForm); ok {
		t.Fatalf("consent form must be demoted under a waiver")
	}
	if _, ok := find(pkg.Required, domain.ArtifactParticipantInfo); ok {
		t.Fatalf("participant information must be demoted under a waiver")
	}
	if _, ok := find(pkg.Optional, domain.ArtifactConsentForm); !ok {
		t.Fatalf("demoted consent form stays available as optional")
	}
}

func TestConsentWaiverPackageOrdersCleanly(t *testing.T) {
	// demotion must not leave required artifacts depending on optional ones
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType:   domain.TypeResearch,
		Pathway:       domain.PathwayLowRisk,
		ConsentWaived: true,
	})
	ethics, ok := find(pkg.Required, domain.ArtifactEthicsApp)
	if !ok {
		t.Fatalf("ethics application stays required under a waiver")
	}
	for _, dep := range ethics.DependsOn {
		if dep == domain.ArtifactConsentForm {
			t.Fatalf("ethics application must not depend on the demoted consent form")
		}
	}
	ordered, acyclic := resolver.Order[domain.ArtifactKind](pkg.Required)
	if !acyclic {
		t.Fatalf("consent-waiver package must not order degraded")
	}
	if len(ordered) != len(pkg.Required) {
		t.Fatalf("order must be a permutation of the required set")
	}
}

func TestMultiSiteFullReviewPromotesSiteAssessment(t *testing.T) {
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType: domain.TypeResearch,
		Pathway:     domain.PathwayFullReview,
		SiteCount:   3,
	})
	if pkg.Kind != domain.PackageFullReview {
		t.Fatalf("full review pathway maps to full_review, got %s", pkg.Kind)
	}
	a, ok := find(pkg.Required, domain.ArtifactSiteAssessment)
	if !ok {
		t.Fatalf("multi-site projects require a site assessment")
	}
	if a.Rationale == "" {
		t.Fatalf("promotion must carry a rationale")
	}
}

func TestMultiSitePromotionAppendsWhenAbsent(t *testing.T) {
	// standard base carries no site assessment; promotion appends it
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType: domain.TypeResearch,
		Pathway:     domain.PathwayLowRisk,
		SiteCount:   2,
	})
	if _, ok := find(pkg.Required, domain.ArtifactSiteAssessment); !ok {
		t.Fatalf("site assessment must be appended for multi-site standard projects")
	}
}

func TestFundingSchemePromotesGrantApplication(t *testing.T) {
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType:   domain.TypeResearch,
		Pathway:       domain.PathwayLowRisk,
		FundingScheme: "NHMRC",
	})
	if _, ok := find(pkg.Required, domain.ArtifactGrantApplication); !ok {
		t.Fatalf("funded projects require a grant application")
	}
}

func TestVulnerablePopulationAnnotatesRationales(t *testing.T) {
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType:          domain.TypeResearch,
		Pathway:              domain.PathwayFullReview,
		VulnerablePopulation: true,
	})
	for _, a := range pkg.Required {
		if !strings.Contains(a.Rationale, "vulnerable population") {
			t.Fatalf("required %s missing vulnerable-population note: %q", a.Kind, a.Rationale)
		}
	}
	for _, a := range pkg.Optional {
		if strings.Contains(a.Rationale, "vulnerable population") {
			t.Fatalf("optional %s must not be annotated: %q", a.Kind, a.Rationale)
		}
	}
}

func TestHybridTypeWinsOverPathway(t *testing.T) {
	pkg := requirements.DeterminePackage(domain.ClassificationFacts{
		ProjectType: domain.TypeHybrid,
		Pathway:     domain.PathwayFullReview,
	})
	if pkg.Kind != domain.PackageHybrid {
		t.Fatalf("hybrid type selects the hybrid package, got %s", pkg.Kind)
	}
	if _, ok := find(pkg.Required, domain.ArtifactRegistration); !ok {
		t.Fatalf("hybrid package registers the QI arm")
	}
}

func TestDeterminismIdenticalFacts(t *testing.T) {
	facts := domain.ClassificationFacts{
		ProjectType:          domain.TypeResearch,
		Pathway:              domain.PathwayFullReview,
		SiteCount:            2,
		FundingScheme:        "MRFF",
		VulnerablePopulation: true,
	}
	first := requirements.DeterminePackage(facts)
	for i := 0; i < 5; i++ {
		again := requirements.DeterminePackage(facts)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("identical facts must yield identical packages")
		}
	}
}
