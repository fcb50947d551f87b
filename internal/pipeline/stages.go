package pipeline

import (
	"fmt"

	"gameforge/internal/agent"
	"gameforge/internal/domain"
)

// StageOptions selects and configures the default stage list.
type StageOptions struct {
	Levels int
	// Assets enables the art stages after design.
	Assets     bool
	Requests   []domain.AssetRequest
	Style      domain.StyleGuide
	ReviewMode agent.ReviewMode
	Validator  agent.Validator
	Reviewer   agent.Reviewer
	Animations []string
	Audio      bool
}

// DefaultStages returns a factory building fresh stages for every run.
func DefaultStages(opts StageOptions) func() []agent.Stage {
	return func() []agent.Stage {
		stages := agent.DesignStages(opts.Levels)
		if !opts.Assets {
			return stages
		}
		stages = append(stages,
			&agent.AssetGenerator{
				Requests:  opts.Requests,
				Style:     opts.Style,
				Mode:      opts.ReviewMode,
				Validator: opts.Validator,
				Reviewer:  opts.Reviewer,
			},
			&agent.StyleValidator{Validator: opts.Validator, Style: opts.Style},
			&agent.AnimationCreator{Animations: opts.Animations},
		)
		if opts.Audio {
			stages = append(stages, &agent.AudioDesigner{})
		}
		return stages
	}
}

// ValidateOrder checks that names are unique, every dependency runs earlier
// and phases never move backwards.
func ValidateOrder(stages []agent.Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	seen := make(map[string]bool, len(stages))
	prevRank := -1
	for i, s := range stages {
		name := s.Name()
		if seen[name] {
			return fmt.Errorf("stage %d: duplicate stage %q", i, name)
		}
		for _, dep := range s.DependsOn() {
			if !seen[dep] {
				return fmt.Errorf("stage %q depends on %q which does not run before it", name, dep)
			}
		}
		rank := s.Phase().Rank()
		if rank < 0 {
			return fmt.Errorf("stage %q has unknown phase %q", name, s.Phase())
		}
		if rank < prevRank {
			return fmt.Errorf("stage %q moves the phase back to %s", name, s.Phase())
		}
		prevRank = rank
		seen[name] = true
	}
	return nil
}
