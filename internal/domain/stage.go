package domain

import "fmt"

// Stage is one of the five sequential pipeline phases. The zero value is
// StageIntake; ordering of the constants defines valid forward progression.
type Stage int

const (
	StageIntake Stage = iota
	StageResearch
	StageMethodology
	StageEthics
	StageDocuments

	NumStages = int(StageDocuments) + 1
)

var stageNames = [NumStages]string{"intake", "research", "methodology", "ethics", "documents"}

// Stages returns the pipeline stages in order.
func Stages() [NumStages]Stage {
	return [NumStages]Stage{StageIntake, StageResearch, StageMethodology, StageEthics, StageDocuments}
}

func (s Stage) String() string {
	if s < 0 || int(s) >= NumStages {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= 0 && int(s) < NumStages
}

// ParseStage resolves the stable string form used in storage and API paths.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Status is the pipeline state of a project. The ordered values trace the
// happy path; revision_required and archived sit outside the order and block
// ordinary advancement (absorbing states).
type Status string

const (
	StatusDraft               Status = "draft"
	StatusIntakeApproved      Status = "intake_approved"
	StatusResearchApproved    Status = "research_approved"
	StatusMethodologyApproved Status = "methodology_approved"
	StatusEthicsApproved      Status = "ethics_approved"
	StatusDocumentsApproved   Status = "documents_approved"
	StatusCompleted           Status = "completed"
	StatusRevisionRequired    Status = "revision_required"
	StatusArchived            Status = "archived"
)

// orderedStatuses is the single source of truth for the status total order.
var orderedStatuses = []Status{
	StatusDraft,
	StatusIntakeApproved,
	StatusResearchApproved,
	StatusMethodologyApproved,
	StatusEthicsApproved,
	StatusDocumentsApproved,
	StatusCompleted,
}

// Index returns the position of s in the status total order, or -1 for
// absorbing/unknown statuses.
func (s Status) Index() int {
	for i, v := range orderedStatuses {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s.Index() >= 0 || s == StatusRevisionRequired || s == StatusArchived
}

// Terminal reports whether the project lifecycle has ended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// Absorbing reports whether s blocks ordinary forward advancement.
func (s Status) Absorbing() bool {
	return s == StatusRevisionRequired || s == StatusArchived
}

// ApprovedStatus returns the canonical status a project enters when the
// checkpoint for s is approved.
func (s Stage) ApprovedStatus() Status {
	switch s {
	case StageIntake:
		return StatusIntakeApproved
	case StageResearch:
		return StatusResearchApproved
	case StageMethodology:
		return StatusMethodologyApproved
	case StageEthics:
		return StatusEthicsApproved
	case StageDocuments:
		return StatusDocumentsApproved
	}
	return StatusDraft
}

// CurrentStage maps a status to the stage the project is working on. Past the
// last checkpoint (documents_approved, completed) it returns StageDocuments
// and done=true. Absorbing statuses report the stage as unknown (ok=false).
func (s Status) CurrentStage() (stage Stage, done bool, ok bool) {
	idx := s.Index()
	if idx < 0 {
		return 0, false, false
	}
	if idx >= len(orderedStatuses)-2 { // documents_approved or completed
		return StageDocuments, true, true
	}
	return Stage(idx), false, true
}

// AtOrPast reports whether the status total order places the project beyond
// the given stage's checkpoint: once a later stage begins, earlier stages are
// retroactively complete.
func (s Status) AtOrPast(stage Stage) bool {
	idx := s.Index()
	if idx < 0 {
		return false
	}
	return idx >= stage.ApprovedStatus().Index()
}
