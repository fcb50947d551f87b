package config_test

import (
	"os"
	"strings"
	"testing"

	"gameforge/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Thresholds.Design != 90 || cfg.Thresholds.Asset != 90 || cfg.Thresholds.Code != 80 || cfg.Thresholds.QA != 95 {
		t.Fatalf("thresholds = %+v", cfg.Thresholds)
	}
	if cfg.Generator.TimeoutSeconds != 30 || cfg.Generator.Backend != config.BackendMock {
		t.Fatalf("generator = %+v", cfg.Generator)
	}
	if len(cfg.Pipeline.Animations) != 6 {
		t.Fatalf("animations = %v", cfg.Pipeline.Animations)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("project:\n  name: leafwalk\npipeline:\n  levels: 5\n  review_mode: manual\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Project.Name != "leafwalk" || cfg.Pipeline.Levels != 5 || cfg.Pipeline.ReviewMode != "manual" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Pipeline.Style.Style != "pixel_art" || cfg.Thresholds.Design != 90 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":     "generator:\n  backend: openai\n",
		"threshold":   "thresholds:\n  design: 120\n",
		"review mode": "pipeline:\n  review_mode: sometimes\n",
		"levels":      "pipeline:\n  levels: 0\n",
		"style":       "pipeline:\n  style:\n    style: watercolor\n",
		"webhook":     "webhooks:\n  - events: [design.completed]\n",
		"proxy url":   "generator:\n  backend: proxy\n  url: not-a-url\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "gf init") {
		t.Fatalf("load err = %v", err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("demo")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.Name != "demo" {
		t.Fatalf("name = %q", cfg.Project.Name)
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k-123")
	t.Setenv("GAMEFORGE_JWT_SECRET", "s3cret")
	s, err := config.LoadSecrets()
	if err != nil {
		t.Fatalf("load secrets: %v", err)
	}
	if s.GeminiAPIKey != "k-123" || s.JWTSecret != "s3cret" {
		t.Fatalf("secrets = %+v", s)
	}
}
