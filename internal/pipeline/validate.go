// Package pipeline implements the stage validator and the advancement gate.
// Both are pure reads over a project snapshot; blockers and missing fields
// are first-class return values, never errors.
package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"careflow/internal/domain"
)

// StageReport is the result of validating one stage.
type StageReport struct {
	Stage             string   `json:"stage"`
	DataComplete      bool     `json:"data_complete"`
	Approved          bool     `json:"approved"`
	MissingFields     []string `json:"missing_fields,omitempty"`
	CompletionPercent int      `json:"completion_percent"`
}

// Validate reports whether a stage's required data is present and whether a
// human has approved it. Completion is sticky: once the status is at or past
// the stage, the record has already advanced and the stage counts complete
// regardless of field presence.
func Validate(p domain.Project, stage domain.Stage) StageReport {
	report := StageReport{
		Stage:    stage.String(),
		Approved: p.Checkpoints.Approved(stage),
	}
	if p.Status.AtOrPast(stage) {
		report.DataComplete = true
		report.CompletionPercent = 100
		return report
	}
	reqs := Requirements(stage)
	total, present := 0, 0
	for _, req := range reqs {
		if req.Optional {
			continue
		}
		total++
		if fieldPresent(p, req.Path) {
			present++
		} else {
			report.MissingFields = append(report.MissingFields, req.Path)
		}
	}
	report.DataComplete = len(report.MissingFields) == 0
	if total == 0 {
		report.CompletionPercent = 100
	} else {
		report.CompletionPercent = int(math.Round(100 * float64(present) / float64(total)))
	}
	return report
}

// fieldPresent resolves a dotted path; the first segment selects the stage
// payload slot, the rest walks the decoded document. Nil, empty strings and
// empty sequences count as absent.
func fieldPresent(p domain.Project, path string) bool {
	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return false
	}
	stage, err := domain.ParseStage(segments[0])
	if err != nil {
		return false
	}
	raw := p.StagePayload(stage)
	if raw == nil || *raw == "" {
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(*raw), &doc); err != nil {
		return false
	}
	var cur any = doc
	for _, seg := range segments[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = m[seg]
		if !ok {
			return false
		}
	}
	switch v := cur.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	default:
		return true
	}
}

// Advancement is the gate's verdict. A non-empty Blockers list means the
// transition is refused; it is expected caller input, not a failure.
type Advancement struct {
	Allowed  bool     `json:"allowed"`
	Blockers []string `json:"blockers,omitempty"`
}

// CanAdvance walks every stage strictly before target and aggregates
// blockers. The pipeline is forward-only, and absorbing statuses
// (revision_required, archived) refuse advancement outright.
func CanAdvance(p domain.Project, target domain.Stage) Advancement {
	var blockers []string
	if p.Status.Absorbing() {
		blockers = append(blockers, fmt.Sprintf("project status %s blocks advancement until resolved out of band", p.Status))
		return Advancement{Blockers: blockers}
	}
	if current, _, ok := p.Status.CurrentStage(); ok && target < current {
		blockers = append(blockers, fmt.Sprintf("backward transition from %s to %s is not allowed", current, target))
		return Advancement{Blockers: blockers}
	}
	for _, stage := range domain.Stages() {
		if stage >= target {
			break
		}
		report := Validate(p, stage)
		if !report.DataComplete {
			blockers = append(blockers, fmt.Sprintf("stage %s is missing required fields: %s", stage, strings.Join(report.MissingFields, ", ")))
		}
		if !report.Approved {
			blockers = append(blockers, fmt.Sprintf("stage %s has not been approved", stage))
		}
	}
	return Advancement{Allowed: len(blockers) == 0, Blockers: blockers}
}
