package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path"

	"gameforge/internal/domain"
	"gameforge/internal/events"
	"gameforge/internal/project"
	"gameforge/internal/quality"
)

type generatedAssets struct {
	Summary domain.AssetSummary  `json:"summary"`
	Assets  []domain.AssetResult `json:"assets"`
}

func loadGenerated(pc *project.ProjectContext, stage string) (generatedAssets, error) {
	raw, ok := pc.Assets[StageGeneratedAssets].(map[string]any)
	if !ok {
		return generatedAssets{}, MissingUpstreamError{Stage: stage, Dependency: StageGeneratedAssets}
	}
	return quality.Decode[generatedAssets](raw)
}

// StyleValidator re-scores every produced asset and records a batch summary.
type StyleValidator struct {
	tracker

	Validator Validator
	Style     domain.StyleGuide
}

// ValidationResult is the verdict for one asset in a batch.
type ValidationResult struct {
	AssetName    string                        `json:"asset_name"`
	AssetPath    string                        `json:"asset_path"`
	OverallScore float64                       `json:"overall_score"`
	Passed       bool                          `json:"passed"`
	Scores       map[quality.Criterion]float64 `json:"scores"`
	Issues       []string                      `json:"issues"`
}

// ValidationSummary is stored under assets.validation. AverageScore is absent
// when nothing could be validated.
type ValidationSummary struct {
	TotalAssets  int                `json:"total_assets"`
	Passed       int                `json:"passed"`
	Failed       int                `json:"failed"`
	PassRate     float64            `json:"pass_rate"`
	AverageScore *float64           `json:"average_score,omitempty"`
	Threshold    int                `json:"threshold"`
	Results      []ValidationResult `json:"results"`
}

func (v *StyleValidator) Name() string         { return StageValidation }
func (v *StyleValidator) Agent() string        { return "style_validator" }
func (v *StyleValidator) Phase() project.Phase { return project.PhaseAssets }
func (v *StyleValidator) DependsOn() []string  { return []string{StageGeneratedAssets} }

func (v *StyleValidator) Execute(ctx context.Context, env Env) (map[string]any, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	pc, err := env.Context.Get()
	if err != nil {
		v.set(StateFailed)
		return nil, &StageError{Stage: v.Name(), Err: err}
	}
	batch, err := loadGenerated(pc, v.Name())
	if err != nil {
		v.set(StateFailed)
		return nil, &StageError{Stage: v.Name(), Err: err}
	}
	validator := v.Validator
	if validator == nil {
		validator = SimulatedValidator{}
	}
	style := v.Style
	if style.Style == "" {
		style.Style = "pixel_art"
	}

	v.set(StateValidating)
	sum := ValidationSummary{Threshold: env.Thresholds.Asset, Results: []ValidationResult{}}
	var total float64
	for _, asset := range batch.Assets {
		if asset.Image == nil {
			continue
		}
		scores, err := validator.Validate(ctx, asset, style)
		if err != nil {
			env.logger().WarnContext(ctx, "asset validation failed",
				slog.String("asset", asset.RequestID), slog.String("error", err.Error()))
			sum.TotalAssets++
			sum.Failed++
			sum.Results = append(sum.Results, ValidationResult{
				AssetName: asset.Name,
				AssetPath: asset.Image.Path,
				Issues:    []string{err.Error()},
			})
			env.Bus.Emit(ctx, events.New(events.AssetRejected, v.Agent(), events.Payload{
				"stage":    v.Name(),
				"asset_id": asset.RequestID,
				"name":     asset.Name,
				"passed":   false,
				"error":    err.Error(),
			}))
			continue
		}
		verdict := quality.ScoreAsset(scores, env.Thresholds.Asset)
		sum.TotalAssets++
		total += verdict.Overall
		if verdict.Passed {
			sum.Passed++
		} else {
			sum.Failed++
		}
		sum.Results = append(sum.Results, ValidationResult{
			AssetName:    asset.Name,
			AssetPath:    asset.Image.Path,
			OverallScore: verdict.Overall,
			Passed:       verdict.Passed,
			Scores:       verdict.Scores,
			Issues:       verdict.Issues,
		})
		typ := events.AssetRejected
		if verdict.Passed {
			typ = events.AssetApproved
		}
		env.Bus.Emit(ctx, events.New(typ, v.Agent(), events.Payload{
			"stage":    v.Name(),
			"asset_id": asset.RequestID,
			"name":     asset.Name,
			"score":    verdict.Overall,
			"passed":   verdict.Passed,
		}))
	}
	if sum.TotalAssets > 0 {
		sum.PassRate = math.Round(float64(sum.Passed)/float64(sum.TotalAssets)*10000) / 100
		avg := math.Round(total/float64(sum.TotalAssets)*100) / 100
		sum.AverageScore = &avg
	}
	return commitAsset(ctx, env, &v.tracker, v.Name(), v.Agent(), sum)
}

func commitAsset(ctx context.Context, env Env, t *tracker, name, agent string, v any) (map[string]any, error) {
	out, err := toMap(v)
	if err != nil {
		t.set(StateFailed)
		return nil, &StageError{Stage: name, Err: err}
	}
	if err := env.Context.Merge(agent, project.SectionAssets, map[string]any{name: out}); err != nil {
		t.set(StateFailed)
		return nil, &StageError{Stage: name, Err: err}
	}
	t.set(StateCommitted)
	env.logger().InfoContext(ctx, "stage committed", slog.String("stage", name))
	return out, nil
}

// commitProduced commits a stage that produces assets and announces it with
// asset.generated.
func commitProduced(ctx context.Context, env Env, t *tracker, name, agent string, v any) (map[string]any, error) {
	out, err := commitAsset(ctx, env, t, name, agent, v)
	if err != nil {
		return nil, err
	}
	env.Bus.Emit(ctx, events.New(events.AssetGenerated, agent, events.Payload{
		"stage":   name,
		"summary": out["summary"],
	}))
	return out, nil
}

// AnimationDef describes one standard animation.
type AnimationDef struct {
	Frames      int
	FPS         int
	Loop        bool
	Description string
}

// StandardAnimations are the animations AnimationCreator knows how to lay out.
var StandardAnimations = map[string]AnimationDef{
	"idle":   {Frames: 4, FPS: 8, Loop: true, Description: "standing still, slight breathing motion"},
	"walk":   {Frames: 6, FPS: 12, Loop: true, Description: "walking forward, natural gait cycle"},
	"run":    {Frames: 6, FPS: 16, Loop: true, Description: "running, faster and more dynamic"},
	"jump":   {Frames: 4, FPS: 12, Loop: false, Description: "jumping upward, take-off to peak"},
	"fall":   {Frames: 2, FPS: 8, Loop: true, Description: "falling downward"},
	"attack": {Frames: 5, FPS: 14, Loop: false, Description: "performing an attack"},
}

// FramesPerRow is the sprite sheet width in frames.
const FramesPerRow = 8

// AnimationCreator lays out the animations of the player sprite on a sheet.
type AnimationCreator struct {
	tracker

	// Animations defaults to idle, walk and jump.
	Animations []string
}

type Animation struct {
	Name        string   `json:"name"`
	Frames      int      `json:"frames"`
	FPS         int      `json:"fps"`
	Loop        bool     `json:"loop"`
	Description string   `json:"description"`
	FramePaths  []string `json:"frame_paths"`
}

type SheetEntry struct {
	Name       string `json:"name"`
	StartFrame int    `json:"start_frame"`
	FrameCount int    `json:"frame_count"`
	FPS        int    `json:"fps"`
	Loop       bool   `json:"loop"`
}

type SpriteSheet struct {
	Path         string       `json:"path"`
	Width        int          `json:"width"`
	Height       int          `json:"height"`
	FrameWidth   int          `json:"frame_width"`
	FrameHeight  int          `json:"frame_height"`
	FramesPerRow int          `json:"frames_per_row"`
	TotalFrames  int          `json:"total_frames"`
	Animations   []SheetEntry `json:"animations_metadata"`
}

type AnimationSet struct {
	Character   string      `json:"character"`
	Animations  []Animation `json:"animations"`
	SpriteSheet SpriteSheet `json:"sprite_sheet"`
	Summary     struct {
		TotalAnimations int `json:"total_animations"`
		TotalFrames     int `json:"total_frames"`
	} `json:"summary"`
}

func (a *AnimationCreator) Name() string         { return StageAnimations }
func (a *AnimationCreator) Agent() string        { return "animation_creator" }
func (a *AnimationCreator) Phase() project.Phase { return project.PhaseAssets }
func (a *AnimationCreator) DependsOn() []string  { return []string{StageGeneratedAssets} }

func (a *AnimationCreator) Execute(ctx context.Context, env Env) (map[string]any, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	pc, err := env.Context.Get()
	if err != nil {
		a.set(StateFailed)
		return nil, &StageError{Stage: a.Name(), Err: err}
	}
	batch, err := loadGenerated(pc, a.Name())
	if err != nil {
		a.set(StateFailed)
		return nil, &StageError{Stage: a.Name(), Err: err}
	}
	a.set(StateRequesting)
	base := baseSprite(batch.Assets)
	names := a.Animations
	if len(names) == 0 {
		names = []string{"idle", "walk", "jump"}
	}
	set := LayoutAnimations(Slug(base.name), base.width, base.height, names, env.Dir, func(unknown string) {
		env.Context.AddWarning(project.Warning{
			Kind:    project.InvalidValueWarning,
			Subject: "animations." + unknown,
			Message: "unknown animation skipped",
		})
	})
	set.Character = base.name
	if env.Store != nil && set.SpriteSheet.TotalFrames > 0 {
		data, err := placeholderPNG(set.SpriteSheet.Width, set.SpriteSheet.Height, nil)
		if err == nil {
			err = env.Store.Write(set.SpriteSheet.Path, data)
		}
		if err != nil {
			a.set(StateFailed)
			return nil, &StageError{Stage: a.Name(), Err: err}
		}
	}
	return commitProduced(ctx, env, &a.tracker, a.Name(), a.Agent(), set)
}

type sprite struct {
	name          string
	width, height int
}

func baseSprite(assets []domain.AssetResult) sprite {
	for _, want := range []string{domain.AssetApproved, ""} {
		for _, asset := range assets {
			if asset.Category != domain.CategorySprite || (want != "" && asset.Status != want) {
				continue
			}
			s := sprite{name: asset.Name, width: 64, height: 64}
			if asset.Image != nil {
				fmt.Sscanf(asset.Image.Size, "%dx%d", &s.width, &s.height)
			}
			return s
		}
	}
	return sprite{name: "character", width: 64, height: 64}
}

// LayoutAnimations places the named animations one after another on a sheet
// FramesPerRow frames wide. Unknown names are reported to skip and left out.
func LayoutAnimations(character string, frameW, frameH int, names []string, dir string, skip func(string)) AnimationSet {
	var set AnimationSet
	set.Animations = []Animation{}
	set.SpriteSheet.Animations = []SheetEntry{}
	start := 0
	for _, name := range names {
		def, ok := StandardAnimations[name]
		if !ok {
			if skip != nil {
				skip(name)
			}
			continue
		}
		frames := make([]string, def.Frames)
		for i := range frames {
			frames[i] = path.Join(dir, "animations", fmt.Sprintf("%s_%s_frame_%d.png", character, name, i))
		}
		set.Animations = append(set.Animations, Animation{
			Name:        name,
			Frames:      def.Frames,
			FPS:         def.FPS,
			Loop:        def.Loop,
			Description: def.Description,
			FramePaths:  frames,
		})
		set.SpriteSheet.Animations = append(set.SpriteSheet.Animations, SheetEntry{
			Name:       name,
			StartFrame: start,
			FrameCount: def.Frames,
			FPS:        def.FPS,
			Loop:       def.Loop,
		})
		start += def.Frames
	}
	rows := (start + FramesPerRow - 1) / FramesPerRow
	set.SpriteSheet.Path = path.Join(dir, "animations", character+"_spritesheet.png")
	set.SpriteSheet.Width = FramesPerRow * frameW
	set.SpriteSheet.Height = rows * frameH
	set.SpriteSheet.FrameWidth = frameW
	set.SpriteSheet.FrameHeight = frameH
	set.SpriteSheet.FramesPerRow = FramesPerRow
	set.SpriteSheet.TotalFrames = start
	set.Summary.TotalAnimations = len(set.Animations)
	set.Summary.TotalFrames = start
	return set
}

// AudioRequest names one sound to design.
type AudioRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// DefaultAudio is the sound plan used when none is given.
var DefaultAudio = []AudioRequest{
	{Name: "jump_sfx", Category: "player", Description: "short bright jump sound"},
	{Name: "collect_sfx", Category: "player", Description: "satisfying pickup chime"},
	{Name: "hurt_sfx", Category: "player", Description: "short damage hit"},
	{Name: "click_sfx", Category: "ui", Description: "menu click"},
	{Name: "level_bgm", Category: "music", Description: "looping level music"},
}

// AudioDesigner records a sound plan. No audio backend is wired yet, so
// every entry stays a placeholder.
type AudioDesigner struct {
	tracker

	Requests []AudioRequest
}

func (a *AudioDesigner) Name() string         { return StageAudio }
func (a *AudioDesigner) Agent() string        { return "audio_designer" }
func (a *AudioDesigner) Phase() project.Phase { return project.PhaseAssets }
func (a *AudioDesigner) DependsOn() []string  { return nil }

func (a *AudioDesigner) Execute(ctx context.Context, env Env) (map[string]any, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	requests := a.Requests
	if len(requests) == 0 {
		requests = DefaultAudio
	}
	type sound struct {
		AudioRequest
		Path       string `json:"path"`
		Format     string `json:"format"`
		DurationMS int    `json:"duration_ms"`
		Status     string `json:"status"`
	}
	plan := struct {
		Sounds  []sound `json:"generated_audio"`
		Summary struct {
			TotalSounds int    `json:"total_sounds"`
			Generated   int    `json:"generated"`
			Placeholder int    `json:"placeholder"`
			APIStatus   string `json:"api_status"`
		} `json:"summary"`
	}{Sounds: []sound{}}
	for _, r := range requests {
		plan.Sounds = append(plan.Sounds, sound{
			AudioRequest: r,
			Path:         path.Join(env.Dir, "audio", r.Name+".placeholder"),
			Format:       "pending",
			DurationMS:   500,
			Status:       "placeholder",
		})
	}
	plan.Summary.TotalSounds = len(requests)
	plan.Summary.Placeholder = len(requests)
	plan.Summary.APIStatus = "not_configured"
	return commitProduced(ctx, env, &a.tracker, a.Name(), a.Agent(), plan)
}

var (
	_ Stage = (*StyleValidator)(nil)
	_ Stage = (*AnimationCreator)(nil)
	_ Stage = (*AudioDesigner)(nil)
)
