package quality

import (
	"fmt"
	"math"

	"gameforge/internal/domain"
)

// StageScore is one stage's contribution to the final report.
type StageScore struct {
	Stage  string   `json:"stage"`
	Score  int      `json:"score"`
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

// Summary is the final aggregate report of a run.
type Summary struct {
	OverallScore int          `json:"overall_score"`
	Threshold    int          `json:"threshold"`
	Passed       bool         `json:"passed"`
	Stages       []StageScore `json:"stages"`
	Issues       []string     `json:"issues"`
}

// Aggregate re-scores every stage output present in the design and assets
// sections. The overall score is the mean of the stage scores rounded down; a
// run with no scorable output scores zero.
func Aggregate(design, assets map[string]any, th Thresholds) (Summary, error) {
	var stages []StageScore
	add := func(name string, r Report) {
		stages = append(stages, StageScore{Stage: name, Score: r.Score, Passed: r.Passed, Issues: r.Issues})
	}

	if raw, ok := design["concept"].(map[string]any); ok {
		doc, err := Decode[domain.Concept](raw)
		if err != nil {
			return Summary{}, fmt.Errorf("decode concept: %w", err)
		}
		add("concept", CheckConcept(doc, th.Design))
	}
	if raw, ok := design["levels"].(map[string]any); ok {
		doc, err := Decode[domain.LevelSet](raw)
		if err != nil {
			return Summary{}, fmt.Errorf("decode levels: %w", err)
		}
		add("levels", CheckLevels(doc, th.Design))
	}
	if raw, ok := design["narrative"].(map[string]any); ok {
		doc, err := Decode[domain.Narrative](raw)
		if err != nil {
			return Summary{}, fmt.Errorf("decode narrative: %w", err)
		}
		add("narrative", CheckNarrative(doc, th.Design))
	}
	if validation, ok := assets["validation"].(map[string]any); ok {
		if avg, ok := validation["average_score"].(float64); ok {
			score := clamp(int(math.Floor(avg)))
			var issues []string
			if failed, _ := validation["failed"].(float64); failed > 0 {
				issues = append(issues, fmt.Sprintf("%d assets failed style validation", int(failed)))
			}
			add("asset_validation", newReport(score, th.Asset, issues))
		}
	}

	sum := Summary{Threshold: th.Design, Stages: stages, Issues: []string{}}
	if sum.Stages == nil {
		sum.Stages = []StageScore{}
	}
	if len(stages) == 0 {
		return sum, nil
	}
	total := 0
	for _, s := range stages {
		total += s.Score
		for _, issue := range s.Issues {
			sum.Issues = append(sum.Issues, s.Stage+": "+issue)
		}
	}
	sum.OverallScore = total / len(stages)
	sum.Passed = sum.OverallScore >= sum.Threshold
	return sum, nil
}
