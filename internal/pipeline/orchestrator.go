// Package pipeline runs the stages of one game project in dependency order and
// produces the final quality report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gameforge/internal/agent"
	"gameforge/internal/events"
	"gameforge/internal/llm"
	"gameforge/internal/logging"
	"gameforge/internal/project"
	"gameforge/internal/quality"
	"gameforge/internal/store"
	"gameforge/internal/telemetry"
)

// ErrEmptyRequest is returned by Run when the user request is blank.
var ErrEmptyRequest = errors.New("user request is required")

// Subscriber registers event handlers on the bus of a run before any stage starts.
type Subscriber interface {
	Register(bus *events.Bus)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(bus *events.Bus)

func (f SubscriberFunc) Register(bus *events.Bus) { f(bus) }

// Config wires an Orchestrator.
type Config struct {
	Generator llm.Generator
	// Model prices generator usage when responses do not name their model.
	Model      string
	Store      store.Store
	Thresholds quality.Thresholds
	// Stages builds the stage list of one run. Stages keep state, so every run
	// gets fresh ones.
	Stages func() []agent.Stage
	// Subscribers are registered on every run's bus.
	Subscribers []Subscriber
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Now         func() time.Time
}

// Orchestrator runs pipelines. It holds no per-run state, so one Orchestrator
// can serve concurrent runs.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and the stage order it produces.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if cfg.Stages == nil {
		cfg.Stages = DefaultStages(StageOptions{Levels: 3})
	}
	if err := ValidateOrder(cfg.Stages()); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Thresholds == (quality.Thresholds{}) {
		cfg.Thresholds = quality.DefaultThresholds()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Request starts one run.
type Request struct {
	// ProjectID defaults to a generated game-YYYYmmdd-HHMMSS id.
	ProjectID   string
	UserRequest string
	// Genre is inferred from UserRequest when empty.
	Genre          string
	TargetAudience string
	Platforms      []string
	StyleGuide     map[string]any
	// Subscribers are registered for this run only, after Config.Subscribers.
	Subscribers []Subscriber
	// Stages replaces Config.Stages for this run when set.
	Stages []agent.Stage
}

// StageOutcome is the result of one stage.
type StageOutcome struct {
	Name     string        `json:"name"`
	Agent    string        `json:"agent"`
	State    agent.State   `json:"state"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result summarises a run. It is filled as far as the run got, also when Run
// returns an error.
type Result struct {
	ProjectID       string                  `json:"project_id"`
	OutputDir       string                  `json:"output_dir"`
	Report          quality.Summary         `json:"report"`
	Warnings        []project.Warning       `json:"warnings"`
	Events          int                     `json:"events"`
	HandlerFailures int                     `json:"handler_failures"`
	Usage           llm.Usage               `json:"usage"`
	Stages          []StageOutcome          `json:"stages"`
	Context         *project.ProjectContext `json:"-"`
	History         []events.Event          `json:"-"`
}

// Run executes every stage in order. A stage error aborts the run; stages
// scoring below their threshold do not. The context snapshot is persisted in
// both cases.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.UserRequest == "" {
		return nil, ErrEmptyRequest
	}
	now := o.cfg.Now()
	projectID := req.ProjectID
	if projectID == "" {
		projectID = NewProjectID(now)
	}
	logger := o.cfg.Logger.With(slog.String("project_id", projectID))
	ctx = logging.NewContext(ctx, logger)

	bus := events.NewBus(events.BusConfig{Logger: logger, Now: o.cfg.Now})
	for _, s := range o.cfg.Subscribers {
		s.Register(bus)
	}
	for _, s := range req.Subscribers {
		s.Register(bus)
	}

	mgr := project.NewManager(project.ManagerConfig{Logger: logger, Now: o.cfg.Now})
	mgr.Initialize(projectID, req.UserRequest)
	genre := req.Genre
	if genre == "" {
		genre = InferGenre(req.UserRequest)
	}
	fields := []project.Field{project.WithGenre(genre)}
	if req.TargetAudience != "" {
		fields = append(fields, project.WithTargetAudience(req.TargetAudience))
	}
	if len(req.Platforms) > 0 {
		fields = append(fields, project.WithTargetPlatform(req.Platforms...))
	}
	if err := mgr.Update(fields...); err != nil {
		return nil, err
	}
	if len(req.StyleGuide) > 0 {
		if err := mgr.Merge("orchestrator", project.SectionStyleGuide, req.StyleGuide); err != nil {
			return nil, err
		}
	}
	if err := mgr.Merge("orchestrator", project.SectionMetadata, map[string]any{
		"started_at": now.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	meter := llm.NewMeter(o.cfg.Generator, o.cfg.Model)
	env := agent.Env{
		Bus:        bus,
		Context:    mgr,
		Generator:  meter,
		Store:      o.cfg.Store,
		Thresholds: o.cfg.Thresholds,
		Dir:        projectID,
		Logger:     logger,
	}
	res := &Result{ProjectID: projectID, OutputDir: projectID}
	if fs, ok := o.cfg.Store.(store.FileStore); ok {
		res.OutputDir = fs.Path(projectID)
	}

	ctx, span := o.cfg.Tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("gameforge.project_id", projectID),
		attribute.String("gameforge.genre", genre),
	))
	defer span.End()
	logger.InfoContext(ctx, "pipeline started", slog.String("genre", genre))

	stages := req.Stages
	if stages == nil {
		stages = o.cfg.Stages()
	}
	runErr := o.runStages(ctx, env, stages, res)
	if runErr == nil {
		runErr = o.finish(ctx, env, res)
	}

	res.Usage = meter.Usage()
	if err := mgr.Merge("orchestrator", project.SectionMetadata, map[string]any{
		"usage": map[string]any{
			"api_calls":          float64(res.Usage.APICalls),
			"failed_calls":       float64(res.Usage.FailedCalls),
			"total_tokens":       float64(res.Usage.TotalTokens),
			"estimated_cost_usd": res.Usage.EstimatedCostUSD,
		},
	}); err != nil && runErr == nil {
		runErr = err
	}
	res.Warnings = mgr.Warnings()
	res.Events = bus.Len()
	res.HandlerFailures = bus.HandlerFailures()
	res.History = bus.History()
	if pc, err := mgr.Get(); err == nil {
		res.Context = pc
	}
	if err := mgr.Save(o.cfg.Store, path.Join(projectID, "project_context.json")); err != nil && runErr == nil {
		runErr = fmt.Errorf("save project context: %w", err)
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.ErrorContext(ctx, "pipeline failed", slog.String("error", runErr.Error()))
		return res, fmt.Errorf("run %s: %w", projectID, runErr)
	}
	span.SetAttributes(
		attribute.Int("gameforge.score", res.Report.OverallScore),
		attribute.Bool("gameforge.passed", res.Report.Passed),
	)
	logger.InfoContext(ctx, "pipeline finished",
		slog.Int("score", res.Report.OverallScore),
		slog.Bool("passed", res.Report.Passed),
		slog.Int("events", res.Events),
		slog.Int("warnings", len(res.Warnings)))
	return res, nil
}

func (o *Orchestrator) runStages(ctx context.Context, env agent.Env, stages []agent.Stage, res *Result) error {
	if err := ValidateOrder(stages); err != nil {
		return err
	}
	for _, st := range stages {
		if err := env.Context.Update(project.WithPhase(st.Phase())); err != nil {
			return err
		}
		sctx, span := o.cfg.Tracer.Start(ctx, "stage."+st.Name(), trace.WithAttributes(
			attribute.String("gameforge.stage", st.Name()),
			attribute.String("gameforge.agent", st.Agent()),
			attribute.String("gameforge.phase", string(st.Phase())),
		))
		start := time.Now()
		_, err := st.Execute(sctx, env)
		outcome := StageOutcome{Name: st.Name(), Agent: st.Agent(), State: st.State(), Duration: time.Since(start)}
		if err != nil {
			outcome.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		res.Stages = append(res.Stages, outcome)
		if err != nil {
			return err
		}
	}
	return nil
}

// finish scores the whole run and writes the per-stage artifacts.
func (o *Orchestrator) finish(ctx context.Context, env agent.Env, res *Result) error {
	pc, err := env.Context.Get()
	if err != nil {
		return err
	}
	summary, err := quality.Aggregate(pc.Design, pc.Assets, o.cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("aggregate quality: %w", err)
	}
	res.Report = summary
	if !summary.Passed {
		env.Context.AddWarning(project.Warning{
			Kind:    project.ValidationWarning,
			Subject: "overall",
			Message: fmt.Sprintf("overall score %d below threshold %d", summary.OverallScore, summary.Threshold),
		})
	}
	report, err := quality.Decode[map[string]any](map[string]any{"report": summary})
	if err != nil {
		return err
	}
	if err := env.Context.Merge("quality_gate", project.SectionQuality, report); err != nil {
		return err
	}

	dir := env.Dir
	for _, name := range []string{agent.StageConcept, agent.StageLevels, agent.StageNarrative} {
		doc, ok := pc.Design[name]
		if !ok {
			continue
		}
		if err := store.WriteJSON(o.cfg.Store, path.Join(dir, name+".json"), doc); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if len(pc.Assets) > 0 {
		if err := store.WriteJSON(o.cfg.Store, path.Join(dir, "assets.json"), pc.Assets); err != nil {
			return fmt.Errorf("write assets: %w", err)
		}
	}
	if err := store.WriteJSON(o.cfg.Store, path.Join(dir, "quality_report.json"), summary); err != nil {
		return fmt.Errorf("write quality report: %w", err)
	}
	return env.Context.Merge("orchestrator", project.SectionMetadata, map[string]any{
		"completed_at": o.cfg.Now().UTC().Format(time.RFC3339),
	})
}

// LogSubscriber logs every event at debug level.
type LogSubscriber struct {
	Logger *slog.Logger
}

func (l LogSubscriber) Register(bus *events.Bus) {
	bus.SubscribeAll(func(ctx context.Context, evt events.Event) error {
		l.Logger.DebugContext(ctx, "event",
			slog.Int64("seq", evt.Seq),
			slog.String("type", string(evt.Type)),
			slog.String("source", evt.SourceAgent))
		return nil
	})
}
