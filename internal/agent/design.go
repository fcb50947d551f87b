package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"gameforge/internal/events"
	"gameforge/internal/llm"
	"gameforge/internal/project"
	"gameforge/internal/quality"
)

// Stage names. They double as the keys under the design section.
const (
	StageConcept   = "concept"
	StageLevels    = "levels"
	StageNarrative = "narrative"
)

type checkFunc func(payload map[string]any, threshold int) (quality.Report, error)

// DesignStage produces one document of the design section.
type DesignStage struct {
	tracker

	name   string
	agent  string
	task   llm.Task
	deps   []string
	system string
	prompt *template.Template
	check  checkFunc

	levelCount int
}

func NewConceptStage() *DesignStage {
	return &DesignStage{
		name:   StageConcept,
		agent:  "concept_designer",
		task:   llm.TaskConcept,
		system: conceptSystem,
		prompt: conceptPrompt,
		check:  checker(quality.CheckConcept),
	}
}

// NewLevelStage designs count levels on top of the concept.
func NewLevelStage(count int) *DesignStage {
	if count <= 0 {
		count = 3
	}
	return &DesignStage{
		name:       StageLevels,
		agent:      "level_designer",
		task:       llm.TaskLevels,
		deps:       []string{StageConcept},
		system:     levelSystem,
		prompt:     levelPrompt,
		check:      checker(quality.CheckLevels),
		levelCount: count,
	}
}

func NewNarrativeStage() *DesignStage {
	return &DesignStage{
		name:   StageNarrative,
		agent:  "narrative_designer",
		task:   llm.TaskNarrative,
		deps:   []string{StageConcept, StageLevels},
		system: narrativeSystem,
		prompt: narrativePrompt,
		check:  checker(quality.CheckNarrative),
	}
}

func checker[T any](check func(T, int) quality.Report) checkFunc {
	return func(payload map[string]any, threshold int) (quality.Report, error) {
		doc, err := quality.Decode[T](payload)
		if err != nil {
			return quality.Report{}, err
		}
		return check(doc, threshold), nil
	}
}

func (s *DesignStage) Name() string         { return s.name }
func (s *DesignStage) Agent() string        { return s.agent }
func (s *DesignStage) Phase() project.Phase { return project.PhaseDesign }

func (s *DesignStage) DependsOn() []string {
	return append([]string(nil), s.deps...)
}

func (s *DesignStage) Execute(ctx context.Context, env Env) (map[string]any, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	logger := env.logger().With(slog.String("stage", s.name))
	pc, err := env.Context.Get()
	if err != nil {
		s.set(StateFailed)
		return nil, &StageError{Stage: s.name, Err: err}
	}

	s.set(StateRequesting)
	env.Bus.Emit(ctx, events.New(events.DesignStarted, s.agent, events.Payload{
		"stage":        s.name,
		"user_request": pc.UserRequest,
	}))

	data := promptData{
		Request:    pc.UserRequest,
		Genre:      pc.Genre,
		Audience:   pc.TargetAudience,
		Platforms:  strings.Join(pc.TargetPlatform, ", "),
		LevelCount: s.levelCount,
	}
	for _, dep := range s.deps {
		upstream, ok := pc.Design[dep].(map[string]any)
		if !ok {
			return nil, s.fail(ctx, env, MissingUpstreamError{Stage: s.name, Dependency: dep})
		}
		switch dep {
		case StageConcept:
			data.Concept = indentJSON(upstream)
		case StageLevels:
			data.Levels = indentJSON(upstream)
		}
	}
	prompt, err := render(s.prompt, data)
	if err != nil {
		return nil, s.fail(ctx, env, fmt.Errorf("render prompt: %w", err))
	}
	if env.Generator == nil {
		return nil, s.fail(ctx, env, errors.New("no generator configured"))
	}
	resp, err := env.Generator.Generate(ctx, llm.Request{
		Task:              s.task,
		Prompt:            prompt,
		SystemInstruction: s.system,
	})
	if err != nil {
		return nil, s.fail(ctx, env, err)
	}

	s.set(StateParsing)
	payload, err := llm.ExtractJSON(resp.Text)
	if err != nil {
		return nil, s.fail(ctx, env, err)
	}

	s.set(StateValidating)
	report, err := s.check(payload, env.Thresholds.Design)
	if err != nil {
		return nil, s.fail(ctx, env, &llm.ParseError{Raw: resp.Text, Err: err})
	}
	logger.InfoContext(ctx, "stage scored",
		slog.Int("score", report.Score),
		slog.Int("threshold", report.Threshold),
		slog.Bool("passed", report.Passed))
	if !report.Passed {
		env.Context.AddWarning(project.Warning{
			Kind:    project.ValidationWarning,
			Subject: s.name,
			Message: fmt.Sprintf("quality score %d below threshold %d: %s", report.Score, report.Threshold, strings.Join(report.Issues, "; ")),
		})
	}

	if err := env.Context.Merge(s.agent, project.SectionDesign, map[string]any{s.name: payload}); err != nil {
		return nil, s.fail(ctx, env, err)
	}
	s.set(StateCommitted)
	env.Bus.Emit(ctx, events.New(events.DesignCompleted, s.agent, events.Payload{
		"stage":         s.name,
		s.name:          payload,
		"quality_score": report.Score,
		"passed":        report.Passed,
		"issues":        report.Issues,
	}))
	return payload, nil
}

func (s *DesignStage) fail(ctx context.Context, env Env, err error) error {
	s.set(StateFailed)
	env.logger().ErrorContext(ctx, "stage failed", slog.String("stage", s.name), slog.String("error", err.Error()))
	env.Bus.Emit(ctx, events.New(events.DesignFailed, s.agent, events.Payload{
		"stage": s.name,
		"error": err.Error(),
	}))
	return &StageError{Stage: s.name, Err: err}
}

// DesignStages returns concept, levels and narrative in dependency order.
func DesignStages(levels int) []Stage {
	return []Stage{NewConceptStage(), NewLevelStage(levels), NewNarrativeStage()}
}

var _ Stage = (*DesignStage)(nil)
