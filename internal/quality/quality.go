// Package quality scores stage outputs. Every function is pure: it reads a
// stage payload and returns a report without touching the project context.
package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"gameforge/internal/domain"
)

// Thresholds are the per-domain pass marks.
type Thresholds struct {
	Design int `json:"design" yaml:"design"`
	Asset  int `json:"asset" yaml:"asset"`
	Code   int `json:"code" yaml:"code"`
	QA     int `json:"qa" yaml:"qa"`
}

// DefaultThresholds returns design 90, asset 90, code 80, qa 95.
func DefaultThresholds() Thresholds {
	return Thresholds{Design: 90, Asset: 90, Code: 80, QA: 95}
}

// Report is the verdict of one gate evaluation.
type Report struct {
	Score     int      `json:"score"`
	Threshold int      `json:"threshold"`
	Passed    bool     `json:"passed"`
	Issues    []string `json:"issues"`
}

func newReport(score, threshold int, issues []string) Report {
	score = clamp(score)
	if issues == nil {
		issues = []string{}
	}
	return Report{Score: score, Threshold: threshold, Passed: score >= threshold, Issues: issues}
}

func clamp(score int) int {
	return max(0, min(100, score))
}

// Decode converts a generic stage payload into its typed document.
func Decode[T any](payload map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// CheckConcept scores a game concept.
func CheckConcept(doc domain.Concept, threshold int) Report {
	score := 100
	var issues []string
	c := doc.Concept
	if len(c.CoreLoop) < 3 {
		issues = append(issues, "Core loop too simple")
		score -= 15
	}
	if len(c.PlayerAbilities) < 2 {
		issues = append(issues, "Too few player abilities")
		score -= 15
	}
	if len(c.Mechanics.Unique) == 0 {
		issues = append(issues, "No unique mechanics defined")
		score -= 20
	}
	switch {
	case c.EstimatedPlaytime < 5:
		issues = append(issues, "Playtime too short")
		score -= 10
	case c.EstimatedPlaytime > 120:
		issues = append(issues, "Playtime too long")
		score -= 10
	}
	return newReport(score, threshold, issues)
}

// CheckLevels scores a level set. An empty set scores zero.
func CheckLevels(doc domain.LevelSet, threshold int) Report {
	if len(doc.Levels) == 0 {
		return newReport(0, threshold, []string{"No levels generated"})
	}
	score := 100
	var issues []string
	var prev float64
	for i, level := range doc.Levels {
		if i > 0 {
			if level.Difficulty < prev {
				issues = append(issues, fmt.Sprintf("Level %d difficulty decreased", i+1))
				score -= 10
			}
			if level.Difficulty-prev > 3 {
				issues = append(issues, fmt.Sprintf("Level %d difficulty spike too steep", i+1))
				score -= 15
			}
		}
		prev = level.Difficulty

		name := level.Name
		if name == "" {
			name = fmt.Sprintf("%d", i+1)
		}
		if len(level.Layout.Platforms) == 0 {
			issues = append(issues, fmt.Sprintf("Level %s has no platforms", name))
			score -= 20
		}
		if !level.Layout.Goal.Complete() {
			issues = append(issues, fmt.Sprintf("Level %s has no goal", name))
			score -= 20
		}
	}
	switch {
	case doc.TotalEstimatedPlaytime < 5:
		issues = append(issues, "Total playtime too short")
		score -= 10
	case doc.TotalEstimatedPlaytime > 60:
		issues = append(issues, "Total playtime too long")
		score -= 10
	}
	return newReport(score, threshold, issues)
}

// MaxDialogueLine is the longest dialogue line, in characters, that passes.
const MaxDialogueLine = 150

// CheckNarrative scores a narrative document.
func CheckNarrative(doc domain.Narrative, threshold int) Report {
	score := 100
	var issues []string
	if doc.WorldSetting.Name == "" {
		issues = append(issues, "World name missing")
		score -= 15
	}
	if doc.WorldSetting.Description == "" {
		issues = append(issues, "World description missing")
		score -= 15
	}
	hero := doc.Characters["protagonist"]
	if hero.Name == "" {
		issues = append(issues, "Protagonist name missing")
		score -= 20
	}
	if len(hero.Personality) == 0 {
		issues = append(issues, "Protagonist personality missing")
		score -= 10
	}
	if empty(doc.Dialogue["tutorial"]) {
		issues = append(issues, "Tutorial dialogue missing")
		score -= 15
	}

	keys := make([]string, 0, len(doc.Dialogue))
	for k := range doc.Dialogue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines, ok := doc.Dialogue[k].([]any)
		if !ok {
			continue
		}
		for _, l := range lines {
			s, ok := l.(string)
			if ok && utf8.RuneCountInString(s) > MaxDialogueLine {
				issues = append(issues, fmt.Sprintf("Dialogue too long (> %d chars): %s", MaxDialogueLine, k))
				score -= 5
			}
		}
	}
	return newReport(score, threshold, issues)
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// Criterion is one of the fixed asset validation criteria.
type Criterion string

const (
	StyleConsistency Criterion = "style_consistency"
	TechnicalQuality Criterion = "technical_quality"
	Transparency     Criterion = "transparency"
	GameFit          Criterion = "game_fit"
	Composition      Criterion = "composition"
)

// Weights are the asset criteria weights; they sum to 1.
var Weights = map[Criterion]float64{
	StyleConsistency: 0.25,
	TechnicalQuality: 0.20,
	Transparency:     0.20,
	GameFit:          0.20,
	Composition:      0.15,
}

// Criteria lists the criteria in a stable order.
func Criteria() []Criterion {
	return []Criterion{StyleConsistency, TechnicalQuality, Transparency, GameFit, Composition}
}

// AssetVerdict is the weighted asset score.
type AssetVerdict struct {
	Overall   float64               `json:"overall"`
	Threshold int                   `json:"threshold"`
	Passed    bool                  `json:"passed"`
	Scores    map[Criterion]float64 `json:"scores"`
	Issues    []string              `json:"issues"`
}

// ScoreAsset combines per-criterion scores (each clamped to 0..100) into a weighted overall score.
// A missing criterion counts as zero.
func ScoreAsset(scores map[Criterion]float64, threshold int) AssetVerdict {
	clean := make(map[Criterion]float64, len(Weights))
	var overall float64
	issues := []string{}
	for _, c := range Criteria() {
		v := math.Max(0, math.Min(100, scores[c]))
		clean[c] = v
		overall += v * Weights[c]
		if v < float64(threshold) {
			issues = append(issues, fmt.Sprintf("%s below threshold (%.0f < %d)", c, v, threshold))
		}
	}
	overall = math.Round(overall*100) / 100
	return AssetVerdict{
		Overall:   overall,
		Threshold: threshold,
		Passed:    overall >= float64(threshold),
		Scores:    clean,
		Issues:    issues,
	}
}
