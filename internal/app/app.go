// Package app wires configuration, the ledger, the generator backend and the
// pipeline into an engine shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"gameforge/internal/agent"
	"gameforge/internal/config"
	"gameforge/internal/db"
	"gameforge/internal/domain"
	"gameforge/internal/engine"
	"gameforge/internal/events"
	"gameforge/internal/llm"
	"gameforge/internal/logging"
	"gameforge/internal/pipeline"
	"gameforge/internal/store"
)

// Options configure Open.
type Options struct {
	Workspace string
	Config    *config.Config
	Secrets   config.Secrets
	// Generator replaces the configured backend when set.
	Generator llm.Generator
	// Reviewer answers manual asset reviews. Manual mode without one fails.
	Reviewer    agent.Reviewer
	Subscribers []pipeline.Subscriber
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Now         func() time.Time
}

// App holds the opened ledger and the engine built on it.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Store  store.FileStore
	// Stages are the stage options the engine's orchestrator was built with.
	Stages pipeline.StageOptions
}

// Open migrates the workspace ledger and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	gen := opts.Generator
	if gen == nil {
		var err error
		gen, err = BuildGenerator(ctx, cfg, opts.Secrets)
		if err != nil {
			return nil, err
		}
	}
	stageOpts, err := StageOptions(cfg, gen, opts.Reviewer)
	if err != nil {
		return nil, err
	}
	st := store.FileStore{Root: OutputRoot(opts.Workspace, cfg)}
	orch, err := pipeline.New(pipeline.Config{
		Generator:   gen,
		Model:       cfg.Generator.Model,
		Store:       st,
		Thresholds:  cfg.Thresholds,
		Stages:      pipeline.DefaultStages(stageOpts),
		Subscribers: append([]pipeline.Subscriber{pipeline.LogSubscriber{Logger: logger}}, opts.Subscribers...),
		Logger:      logger,
		Tracer:      opts.Tracer,
		Now:         opts.Now,
	})
	if err != nil {
		return nil, err
	}
	conn, err := db.OpenMigrated(ctx, db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	eng := engine.New(conn, orch, st)
	eng.Logger = logger
	eng.Webhooks = Webhooks(cfg)
	if opts.Now != nil {
		eng.Now = opts.Now
	}
	return &App{Config: cfg, DB: conn, Engine: eng, Store: st, Stages: stageOpts}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// BuildGenerator returns the backend selected by cfg.
func BuildGenerator(ctx context.Context, cfg *config.Config, secrets config.Secrets) (llm.Generator, error) {
	g := cfg.Generator
	timeout := time.Duration(g.TimeoutSeconds) * time.Second
	switch g.Backend {
	case config.BackendMock, "":
		return llm.NewMock(), nil
	case config.BackendProxy:
		url := g.URL
		if secrets.ProxyURL != "" {
			url = secrets.ProxyURL
		}
		return &llm.ProxyClient{
			URL:         url,
			Model:       g.Model,
			Temperature: g.Temperature,
			MaxTokens:   g.MaxTokens,
			Timeout:     timeout,
		}, nil
	case config.BackendGemini:
		client, err := llm.NewGemini(ctx, secrets.GeminiAPIKey, g.Model)
		if err != nil {
			return nil, err
		}
		if g.Temperature > 0 {
			client.Temperature = g.Temperature
		}
		if g.MaxTokens > 0 {
			client.MaxTokens = g.MaxTokens
		}
		if timeout > 0 {
			client.Timeout = timeout
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown generator backend %q", g.Backend)
}

// StageOptions maps the pipeline section of cfg onto stage options.
func StageOptions(cfg *config.Config, gen llm.Generator, reviewer agent.Reviewer) (pipeline.StageOptions, error) {
	p := cfg.Pipeline
	mode, err := agent.ParseReviewMode(p.ReviewMode)
	if err != nil {
		return pipeline.StageOptions{}, err
	}
	if mode == agent.ReviewManual && reviewer == nil && p.Assets {
		return pipeline.StageOptions{}, fmt.Errorf("manual review needs an interactive reviewer")
	}
	var validator agent.Validator = agent.SimulatedValidator{}
	if p.Validator == "model" {
		validator = agent.ModelValidator{Generator: gen}
	}
	return pipeline.StageOptions{
		Levels:     p.Levels,
		Assets:     p.Assets,
		Style:      domain.StyleGuide{Style: p.Style.Style, Palette: p.Style.Palette, Notes: p.Style.Notes},
		ReviewMode: mode,
		Validator:  validator,
		Reviewer:   reviewer,
		Animations: p.Animations,
		Audio:      p.Assets,
	}, nil
}

// Webhooks returns the enabled webhooks of cfg.
func Webhooks(cfg *config.Config) []events.Webhook {
	var out []events.Webhook
	for _, h := range cfg.Webhooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		out = append(out, events.Webhook{
			URL:     h.URL,
			Events:  h.Events,
			Secret:  h.Secret,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
		})
	}
	return out
}
