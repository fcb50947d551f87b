package agent

import (
	"context"
	"fmt"
	"maps"

	"gameforge/internal/domain"
	"gameforge/internal/llm"
	"gameforge/internal/quality"
)

// Validator scores an asset on the fixed criteria.
type Validator interface {
	Validate(ctx context.Context, asset domain.AssetResult, style domain.StyleGuide) (map[quality.Criterion]float64, error)
}

// SimulatedScores are the per-criterion scores SimulatedValidator reports by default.
var SimulatedScores = map[quality.Criterion]float64{
	quality.StyleConsistency: 92,
	quality.TechnicalQuality: 95,
	quality.Transparency:     88,
	quality.GameFit:          94,
	quality.Composition:      90,
}

// SimulatedValidator returns fixed scores without looking at the asset.
type SimulatedValidator struct {
	Scores map[quality.Criterion]float64
}

func (v SimulatedValidator) Validate(context.Context, domain.AssetResult, domain.StyleGuide) (map[quality.Criterion]float64, error) {
	if v.Scores != nil {
		return maps.Clone(v.Scores), nil
	}
	return maps.Clone(SimulatedScores), nil
}

// ModelValidator asks the generator to score the asset description.
type ModelValidator struct {
	Generator llm.Generator
}

func (v ModelValidator) Validate(ctx context.Context, asset domain.AssetResult, style domain.StyleGuide) (map[quality.Criterion]float64, error) {
	if v.Generator == nil {
		return nil, fmt.Errorf("model validator has no generator")
	}
	prompt, err := render(validationPrompt, promptData{
		Asset: indentJSON(map[string]any{
			"name":     asset.Name,
			"category": asset.Category,
			"prompt":   asset.Metadata.Prompt,
		}),
		Style: style.Style,
	})
	if err != nil {
		return nil, err
	}
	resp, err := v.Generator.Generate(ctx, llm.Request{
		Task:              llm.TaskAssetValidation,
		Prompt:            prompt,
		SystemInstruction: validatorSystem,
		Temperature:       llm.Float(0.2),
	})
	if err != nil {
		return nil, err
	}
	payload, err := llm.ExtractJSON(resp.Text)
	if err != nil {
		return nil, err
	}
	scores := make(map[quality.Criterion]float64, len(quality.Weights))
	for _, c := range quality.Criteria() {
		switch n := payload[string(c)].(type) {
		case float64:
			scores[c] = n
		case map[string]any:
			// {"score": 92, "feedback": "..."}
			if s, ok := n["score"].(float64); ok {
				scores[c] = s
			}
		}
	}
	return scores, nil
}
