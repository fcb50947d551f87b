package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"gameforge/internal/quality"
)

// FileName is the config file looked up in the workspace.
const FileName = "gameforge.yml"

// Config models gameforge.yml.
type Config struct {
	Project struct {
		Name string `yaml:"name"`
	} `yaml:"project"`
	Generator  GeneratorConfig    `yaml:"generator"`
	Thresholds quality.Thresholds `yaml:"thresholds"`
	Pipeline   PipelineConfig     `yaml:"pipeline"`
	Output     struct {
		Dir string `yaml:"dir"`
	} `yaml:"output"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type GeneratorConfig struct {
	Backend        string  `yaml:"backend"`
	URL            string  `yaml:"url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type PipelineConfig struct {
	Levels         int         `yaml:"levels"`
	TargetAudience string      `yaml:"target_audience"`
	TargetPlatform []string    `yaml:"target_platform"`
	ReviewMode     string      `yaml:"review_mode"`
	Assets         bool        `yaml:"assets"`
	Validator      string      `yaml:"validator"`
	Animations     []string    `yaml:"animations"`
	Style          StyleConfig `yaml:"style"`
}

type StyleConfig struct {
	Style   string   `yaml:"style"`
	Palette []string `yaml:"palette"`
	Notes   string   `yaml:"notes"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" json:"enabled"`
}

const (
	BackendMock   = "mock"
	BackendProxy  = "proxy"
	BackendGemini = "gemini"
)

var (
	backends    = []string{BackendMock, BackendProxy, BackendGemini}
	reviewModes = []string{"auto", "manual"}
	validators  = []string{"simulated", "model"}
	styles      = []string{"pixel_art", "hand_drawn", "low_poly"}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.Name) == "" {
		return fmt.Errorf("config.project.name is required")
	}
	if !oneOf(c.Generator.Backend, backends) {
		return fmt.Errorf("config.generator.backend must be one of %s", strings.Join(backends, ", "))
	}
	if c.Generator.Backend == BackendProxy && c.Generator.URL != "" {
		if u, err := url.Parse(c.Generator.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.generator.url %q is not an absolute URL", c.Generator.URL)
		}
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return fmt.Errorf("config.generator.temperature must be within 0..2")
	}
	if c.Generator.MaxTokens < 0 {
		return fmt.Errorf("config.generator.max_tokens must not be negative")
	}
	if c.Generator.TimeoutSeconds < 0 {
		return fmt.Errorf("config.generator.timeout_seconds must not be negative")
	}
	for name, v := range map[string]int{
		"design": c.Thresholds.Design,
		"asset":  c.Thresholds.Asset,
		"code":   c.Thresholds.Code,
		"qa":     c.Thresholds.QA,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("config.thresholds.%s must be within 0..100", name)
		}
	}
	if c.Pipeline.Levels < 1 || c.Pipeline.Levels > 20 {
		return fmt.Errorf("config.pipeline.levels must be within 1..20")
	}
	if !oneOf(c.Pipeline.ReviewMode, reviewModes) {
		return fmt.Errorf("config.pipeline.review_mode must be auto or manual")
	}
	if !oneOf(c.Pipeline.Validator, validators) {
		return fmt.Errorf("config.pipeline.validator must be simulated or model")
	}
	if !oneOf(c.Pipeline.Style.Style, styles) {
		return fmt.Errorf("config.pipeline.style.style must be one of %s", strings.Join(styles, ", "))
	}
	for _, a := range c.Pipeline.Animations {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("config.pipeline.animations contains an empty name")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("gameforge"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  name: %s

generator:
  # mock | proxy | gemini
  backend: mock
  url: http://localhost:3000/api/gemini/generate
  model: gemini-2.0-flash-exp
  temperature: 0.7
  max_tokens: 4000
  timeout_seconds: 30

thresholds:
  design: 90
  asset: 90
  code: 80
  qa: 95

pipeline:
  levels: 3
  target_audience: casual
  target_platform: [web]
  # auto: the validator decides; manual: a reviewer approves each asset
  review_mode: auto
  assets: true
  # simulated | model
  validator: simulated
  animations: [idle, walk, run, jump, fall, attack]
  style:
    style: pixel_art
    palette: ["#2d1b00", "#6b8e23", "#f4e3b5", "#87ceeb"]

output:
  dir: output

logging:
  level: info
  format: text
`
