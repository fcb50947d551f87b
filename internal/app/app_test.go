package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gameforge/internal/agent"
	"gameforge/internal/config"
	"gameforge/internal/domain"
	"gameforge/internal/engine"
	"gameforge/internal/llm"
)

func TestResolveConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("leafy")), 0o644); err != nil {
		t.Fatal(err)
	}
	assets := true
	cfg, err := ResolveConfig(dir, Overrides{Backend: "PROXY", Levels: 5, Assets: &assets, OutputDir: "/tmp/out"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Project.Name != "leafy" || cfg.Generator.Backend != config.BackendProxy || cfg.Pipeline.Levels != 5 || !cfg.Pipeline.Assets {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := OutputRoot(dir, cfg); got != "/tmp/out" {
		t.Fatalf("output root = %q", got)
	}
	if _, err := ResolveConfig(dir, Overrides{Levels: 50}); err == nil {
		t.Fatalf("expected invalid levels override to fail")
	}
	if _, err := ResolveConfig(dir, Overrides{Backend: "openai"}); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}

func TestOutputRootRelative(t *testing.T) {
	cfg := config.Default()
	if got, want := OutputRoot("/ws", cfg), filepath.Join("/ws", "output"); got != want {
		t.Fatalf("output root = %q want %q", got, want)
	}
}

func TestBuildGenerator(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	gen, err := BuildGenerator(ctx, cfg, config.Secrets{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gen.(*llm.MockClient); !ok {
		t.Fatalf("mock backend built %T", gen)
	}

	cfg.Generator.Backend = config.BackendProxy
	cfg.Generator.TimeoutSeconds = 5
	gen, err = BuildGenerator(ctx, cfg, config.Secrets{ProxyURL: "http://proxy.internal/generate"})
	if err != nil {
		t.Fatal(err)
	}
	proxy, ok := gen.(*llm.ProxyClient)
	if !ok || proxy.URL != "http://proxy.internal/generate" || proxy.Timeout.Seconds() != 5 {
		t.Fatalf("proxy = %+v", gen)
	}

	cfg.Generator.Backend = config.BackendGemini
	if _, err := BuildGenerator(ctx, cfg, config.Secrets{}); err == nil {
		t.Fatalf("gemini without key must fail")
	}
}

func TestStageOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Assets = true
	cfg.Pipeline.Validator = "model"
	opts, err := StageOptions(cfg, llm.NewMock(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := opts.Validator.(agent.ModelValidator); !ok {
		t.Fatalf("validator = %T", opts.Validator)
	}
	if opts.Style.Style != "pixel_art" || !opts.Audio || opts.ReviewMode != agent.ReviewAuto {
		t.Fatalf("opts = %+v", opts)
	}

	cfg.Pipeline.ReviewMode = "manual"
	if _, err := StageOptions(cfg, llm.NewMock(), nil); err == nil {
		t.Fatalf("manual review without reviewer must fail")
	}
	if _, err := StageOptions(cfg, llm.NewMock(), agent.AutoApprove{}); err != nil {
		t.Fatalf("manual review with reviewer: %v", err)
	}
}

func TestOpenAndRun(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Pipeline.Assets = true
	a, err := Open(context.Background(), Options{Workspace: dir, Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	run, res, err := a.Engine.StartRun(context.Background(), engine.RunOptions{
		ProjectID:   "game-app",
		UserRequest: "a platformer with moss",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunCompleted || !res.Report.Passed {
		t.Fatalf("run = %+v report = %+v", run, res.Report)
	}
	for _, name := range []string{"project_context.json", "quality_report.json", "assets.json", "concept.json"} {
		if _, err := os.Stat(filepath.Join(dir, "output", "game-app", name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if run.OutputDir != filepath.Join(dir, "output", "game-app") {
		t.Fatalf("output dir = %q", run.OutputDir)
	}
}

func TestWebhooksSkipDisabled(t *testing.T) {
	off := false
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{
		{URL: "http://a.example/hook", TimeoutSeconds: 2},
		{URL: "http://b.example/hook", Enabled: &off},
	}
	hooks := Webhooks(cfg)
	if len(hooks) != 1 || hooks[0].URL != "http://a.example/hook" || hooks[0].Timeout.Seconds() != 2 {
		t.Fatalf("hooks = %+v", hooks)
	}
}
