package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"gameforge/internal/agent"
	"gameforge/internal/domain"
	"gameforge/internal/events"
	"gameforge/internal/logging"
	"gameforge/internal/pipeline"
	"gameforge/internal/project"
	"gameforge/internal/quality"
	"gameforge/internal/repo"
	"gameforge/internal/store"
)

// ErrRunInProgress is returned when a project already has a running run.
var ErrRunInProgress = errors.New("run already in progress")

// Engine records pipeline runs and their events in the ledger.
type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Orchestrator *pipeline.Orchestrator
	Store        store.Store
	Webhooks     []events.Webhook
	Logger       *slog.Logger
	Now          func() time.Time
}

func New(db *sql.DB, orch *pipeline.Orchestrator, st store.Store) Engine {
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Orchestrator: orch,
		Store:        st,
		Logger:       logging.Discard(),
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

// RunOptions are parameters for starting a run.
type RunOptions struct {
	ProjectID      string
	UserRequest    string
	Genre          string
	TargetAudience string
	Platforms      []string
	StyleGuide     map[string]any
	ActorID        string
	// Subscribers receive this run's events next to the ledger recorder.
	Subscribers []pipeline.Subscriber
	// Stages replaces the orchestrator's stage list for this run.
	Stages []agent.Stage
}

// StartRun executes the pipeline for one request and records the run. The
// run row is finished even when the pipeline fails; the pipeline error is
// returned together with the recorded run.
func (e Engine) StartRun(ctx context.Context, opts RunOptions) (domain.Run, *pipeline.Result, error) {
	if strings.TrimSpace(opts.UserRequest) == "" {
		return domain.Run{}, nil, pipeline.ErrEmptyRequest
	}
	if opts.ActorID == "" {
		return domain.Run{}, nil, errors.New("actor_id required")
	}
	if e.Orchestrator == nil {
		return domain.Run{}, nil, errors.New("engine has no orchestrator")
	}
	now := e.now()
	projectID := opts.ProjectID
	if projectID == "" {
		projectID = pipeline.NewProjectID(now)
	}
	if latest, err := e.Repo.LatestRunForProject(ctx, projectID); err == nil {
		if latest.Status == domain.RunRunning {
			return latest, nil, fmt.Errorf("project %s: %w", projectID, ErrRunInProgress)
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, nil, err
	}

	run := domain.Run{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		UserRequest: opts.UserRequest,
		Genre:       opts.Genre,
		Status:      domain.RunRunning,
		RequestedBy: opts.ActorID,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, nil, fmt.Errorf("insert run: %w", err)
	}
	logger := e.logger().With(slog.String("run_id", run.ID), slog.String("project_id", projectID))
	logger.InfoContext(ctx, "run started", slog.String("actor", opts.ActorID))

	subs := append([]pipeline.Subscriber{
		events.Recorder{DB: e.DB, RunID: run.ID, ProjectID: projectID},
	}, opts.Subscribers...)
	if len(e.Webhooks) > 0 {
		subs = append(subs, &events.WebhookNotifier{Hooks: e.Webhooks, ProjectID: projectID, RunID: run.ID, Logger: logger})
	}
	res, runErr := e.Orchestrator.Run(logging.NewContext(ctx, logger), pipeline.Request{
		ProjectID:      projectID,
		UserRequest:    opts.UserRequest,
		Genre:          opts.Genre,
		TargetAudience: opts.TargetAudience,
		Platforms:      opts.Platforms,
		StyleGuide:     opts.StyleGuide,
		Subscribers:    subs,
		Stages:         opts.Stages,
	})

	finish := repo.RunFinish{
		Status:     domain.RunCompleted,
		FinishedAt: e.now().UTC().Format(time.RFC3339),
	}
	if res != nil {
		finish.OutputDir = res.OutputDir
		finish.APICalls = res.Usage.APICalls
		finish.TotalTokens = res.Usage.TotalTokens
		finish.EstimatedCostUSD = res.Usage.EstimatedCostUSD
		if res.Context != nil {
			finish.Genre = res.Context.Genre
		}
	}
	if runErr != nil {
		finish.Status = domain.RunFailed
		finish.Error = runErr.Error()
	} else {
		score, passed := res.Report.OverallScore, res.Report.Passed
		finish.Score = &score
		finish.Passed = &passed
	}
	// The run row must not stay running because the caller went away.
	if err := e.Repo.FinishRun(context.WithoutCancel(ctx), run.ID, finish); err != nil {
		return run, res, errors.Join(runErr, fmt.Errorf("finish run: %w", err))
	}
	recorded, err := e.Repo.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return run, res, errors.Join(runErr, err)
	}
	logger.InfoContext(ctx, "run finished", slog.String("status", recorded.Status))
	return recorded, res, runErr
}

// Context loads the last persisted context snapshot of a project.
func (e Engine) Context(projectID string) (*project.ProjectContext, error) {
	mgr := project.NewManager(project.ManagerConfig{Logger: e.logger()})
	if err := mgr.Load(e.Store, path.Join(projectID, "project_context.json")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("project %s context: %w", projectID, repo.ErrNotFound)
		}
		return nil, err
	}
	return mgr.Get()
}

// QualityReport loads the quality report written by the last successful run.
func (e Engine) QualityReport(projectID string) (quality.Summary, error) {
	var s quality.Summary
	if err := store.ReadJSON(e.Store, path.Join(projectID, "quality_report.json"), &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s, fmt.Errorf("project %s report: %w", projectID, repo.ErrNotFound)
		}
		return s, err
	}
	return s, nil
}

// RecoverStale fails runs a previous process left running.
func (e Engine) RecoverStale(ctx context.Context) (int64, error) {
	n, err := e.Repo.FailStaleRuns(ctx, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger().WarnContext(ctx, "failed stale runs", slog.Int64("count", n))
	}
	return n, nil
}
