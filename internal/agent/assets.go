package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"gameforge/internal/domain"
	"gameforge/internal/events"
	"gameforge/internal/project"
	"gameforge/internal/quality"
)

// Asset stage names, also the keys under the assets section.
const (
	StageGeneratedAssets = "generated_assets"
	StageValidation      = "validation"
	StageAnimations      = "animations"
	StageAudio           = "audio"
)

// PlaceholderModel is recorded as the model of placeholder images.
const PlaceholderModel = "placeholder-png"

// AssetGenerator produces one image per request and gets each one approved,
// either by the validator (auto) or by a reviewer (manual). Rejected assets are
// not regenerated.
type AssetGenerator struct {
	tracker

	// Requests defaults to a set derived from the concept when empty.
	Requests  []domain.AssetRequest
	Style     domain.StyleGuide
	Mode      ReviewMode
	Validator Validator
	Reviewer  Reviewer
}

func (g *AssetGenerator) Name() string         { return StageGeneratedAssets }
func (g *AssetGenerator) Agent() string        { return "asset_generator" }
func (g *AssetGenerator) Phase() project.Phase { return project.PhaseAssets }

func (g *AssetGenerator) DependsOn() []string {
	if len(g.Requests) == 0 {
		return []string{StageConcept}
	}
	return nil
}

func (g *AssetGenerator) Execute(ctx context.Context, env Env) (map[string]any, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if env.Store == nil {
		return nil, &StageError{Stage: g.Name(), Err: fmt.Errorf("no store configured")}
	}
	pc, err := env.Context.Get()
	if err != nil {
		g.set(StateFailed)
		return nil, &StageError{Stage: g.Name(), Err: err}
	}
	requests := g.Requests
	if len(requests) == 0 {
		concept, ok := pc.Design[StageConcept].(map[string]any)
		if !ok {
			g.set(StateFailed)
			return nil, &StageError{Stage: g.Name(), Err: MissingUpstreamError{Stage: g.Name(), Dependency: StageConcept}}
		}
		requests = RequestsFromConcept(concept)
	}
	style := g.Style
	if style.Style == "" {
		style.Style = "pixel_art"
	}
	mode := g.Mode
	if mode == "" {
		mode = ReviewAuto
	}
	validator := g.Validator
	if validator == nil {
		validator = SimulatedValidator{}
	}
	reviewer := g.Reviewer
	if reviewer == nil {
		if mode == ReviewManual {
			g.set(StateFailed)
			return nil, &StageError{Stage: g.Name(), Err: ErrNoReviewer}
		}
		reviewer = AutoApprove{}
	}
	logger := env.logger().With(slog.String("stage", g.Name()), slog.String("review_mode", string(mode)))

	g.set(StateRequesting)
	env.Bus.Emit(ctx, events.New(events.AssetGenerationStarted, g.Agent(), events.Payload{
		"asset_count": len(requests),
		"style":       style.Style,
		"review_mode": string(mode),
	}))

	summary := domain.AssetSummary{TotalAssets: len(requests), ReviewMode: string(mode)}
	results := make([]domain.AssetResult, 0, len(requests))
	for _, req := range requests {
		res := g.produce(ctx, env, req, style, mode)
		if res.Status != domain.AssetFailed {
			g.set(StateValidating)
			g.judge(ctx, env, &res, style, mode, validator, reviewer)
		}
		switch res.Status {
		case domain.AssetApproved:
			summary.Approved++
			summary.SuccessCount++
			env.Bus.Emit(ctx, events.New(events.AssetApproved, g.Agent(), events.Payload{
				"asset_id":    res.RequestID,
				"name":        res.Name,
				"score":       res.Metadata.QualityScore,
				"review_mode": string(mode),
			}))
		case domain.AssetRejected, domain.AssetRejectedByUser:
			summary.Rejected++
			env.Bus.Emit(ctx, events.New(events.AssetRejected, g.Agent(), events.Payload{
				"asset_id":    res.RequestID,
				"name":        res.Name,
				"status":      res.Status,
				"score":       res.Metadata.QualityScore,
				"feedback":    res.Metadata.Feedback,
				"review_mode": string(mode),
			}))
		case domain.AssetFailed:
			summary.FailedCount++
			logger.WarnContext(ctx, "asset failed", slog.String("asset", res.RequestID), slog.String("error", res.Error.Message))
		}
		summary.TotalIterations += res.Metadata.Iterations
		summary.TotalCost += res.Metadata.Cost
		results = append(results, res)
	}
	summary.TotalCost = math.Round(summary.TotalCost*10000) / 10000

	out, err := toMap(struct {
		Summary domain.AssetSummary  `json:"summary"`
		Assets  []domain.AssetResult `json:"assets"`
	}{summary, results})
	if err != nil {
		g.set(StateFailed)
		return nil, &StageError{Stage: g.Name(), Err: err}
	}
	if err := env.Context.Merge(g.Agent(), project.SectionAssets, map[string]any{g.Name(): out}); err != nil {
		g.set(StateFailed)
		return nil, &StageError{Stage: g.Name(), Err: err}
	}
	g.set(StateCommitted)
	env.Bus.Emit(ctx, events.New(events.AssetGenerated, g.Agent(), events.Payload{"stage": g.Name(), "summary": out["summary"]}))
	logger.InfoContext(ctx, "assets generated",
		slog.Int("total", summary.TotalAssets),
		slog.Int("approved", summary.Approved),
		slog.Int("rejected", summary.Rejected),
		slog.Int("failed", summary.FailedCount))
	return out, nil
}

// produce writes the placeholder image for req.
func (g *AssetGenerator) produce(ctx context.Context, env Env, req domain.AssetRequest, style domain.StyleGuide, mode ReviewMode) domain.AssetResult {
	g.set(StateRequesting)
	start := time.Now()
	if req.ID == "" {
		req.ID = Slug(req.Name)
	}
	res := domain.AssetResult{
		RequestID: req.ID,
		Name:      req.Name,
		Category:  req.Category,
		Metadata: domain.AssetMetadata{
			Prompt:        AssetPrompt(req, style),
			Model:         PlaceholderModel,
			Iterations:    1,
			BestIteration: 1,
			ReviewMode:    string(mode),
		},
	}
	w, h := req.Width, req.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 64
	}
	data, err := placeholderPNG(w, h, style.Palette)
	if err == nil {
		p := path.Join(env.Dir, "assets", req.Category, Slug(req.Name)+".png")
		if err = env.Store.Write(p, data); err == nil {
			res.Image = &domain.AssetImage{
				Path:     p,
				Format:   "png",
				Size:     fmt.Sprintf("%dx%d", w, h),
				FileSize: len(data),
			}
		}
	}
	res.Metadata.GenerationTime = math.Round(time.Since(start).Seconds()*1000) / 1000
	if err != nil {
		res.Status = domain.AssetFailed
		res.Error = &domain.AssetError{Message: err.Error(), Reason: "generation_error"}
	}
	return res
}

func (g *AssetGenerator) judge(ctx context.Context, env Env, res *domain.AssetResult, style domain.StyleGuide, mode ReviewMode, validator Validator, reviewer Reviewer) {
	if mode == ReviewManual {
		v, err := reviewer.Review(ctx, *res)
		if err != nil {
			res.Status = domain.AssetFailed
			res.Error = &domain.AssetError{Message: err.Error(), Reason: "review_error"}
			return
		}
		approved := v.Approved
		res.Metadata.UserApproved = &approved
		res.Metadata.Feedback = v.Feedback
		if approved {
			res.Status = domain.AssetApproved
		} else {
			res.Status = domain.AssetRejectedByUser
		}
		return
	}
	scores, err := validator.Validate(ctx, *res, style)
	if err != nil {
		res.Status = domain.AssetFailed
		res.Error = &domain.AssetError{Message: err.Error(), Reason: "validation_error"}
		return
	}
	verdict := quality.ScoreAsset(scores, env.Thresholds.Asset)
	res.Metadata.QualityScore = verdict.Overall
	res.Metadata.Criteria = make(map[string]float64, len(verdict.Scores))
	for c, v := range verdict.Scores {
		res.Metadata.Criteria[string(c)] = v
	}
	if verdict.Passed {
		res.Status = domain.AssetApproved
		return
	}
	res.Status = domain.AssetRejected
	res.Metadata.Feedback = strings.Join(verdict.Issues, "; ")
}

// RequestsFromConcept derives the default asset set from a concept document.
func RequestsFromConcept(concept map[string]any) []domain.AssetRequest {
	body, _ := concept["concept"].(map[string]any)
	title, _ := body["title"].(string)
	if title == "" {
		title = "the game"
	}
	tagline, _ := body["tagline"].(string)
	return []domain.AssetRequest{
		{ID: "player_sprite", Name: "Player", Category: domain.CategorySprite, Width: 64, Height: 64,
			Description: strings.TrimSpace(fmt.Sprintf("Player character of %s. %s", title, tagline))},
		{ID: "enemy_sprite", Name: "Enemy", Category: domain.CategorySprite, Width: 48, Height: 48,
			Description: fmt.Sprintf("Basic enemy of %s", title)},
		{ID: "collectible_icon", Name: "Collectible", Category: domain.CategoryIcon, Width: 32, Height: 32,
			Description: fmt.Sprintf("Collectible item of %s", title)},
		{ID: "level_background", Name: "Level Background", Category: domain.CategoryBackground, Width: 1920, Height: 600,
			Description: fmt.Sprintf("Level background for %s", title)},
	}
}

var styleNotes = map[string]string{
	"pixel_art":  "16-bit pixel art, sharp pixel edges, limited palette, strong outlines",
	"hand_drawn": "hand-drawn 2D illustration, bold outlines, flat colors with subtle shading",
	"low_poly":   "low-poly 3D, flat shading, geometric shapes, isometric view",
}

var categoryNotes = map[string]string{
	domain.CategorySprite:     "facing right, neutral pose, limbs clearly separated",
	domain.CategoryBackground: "landscape composition with depth, low detail density",
	domain.CategoryUI:         "high contrast, consistent visual language",
	domain.CategoryIcon:       "simple silhouette readable at 16x16",
}

// AssetPrompt is the image prompt recorded for a request.
func AssetPrompt(req domain.AssetRequest, style domain.StyleGuide) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a %s for a %s style game.\n", req.Category, style.Style)
	fmt.Fprintf(&b, "SUBJECT: %s\n", req.Description)
	if n := styleNotes[style.Style]; n != "" {
		fmt.Fprintf(&b, "STYLE: %s\n", n)
	}
	if n := categoryNotes[req.Category]; n != "" {
		fmt.Fprintf(&b, "CATEGORY: %s\n", n)
	}
	if len(style.Palette) > 0 {
		fmt.Fprintf(&b, "PALETTE: %s\n", strings.Join(style.Palette, ", "))
	}
	if style.Notes != "" {
		fmt.Fprintf(&b, "NOTES: %s\n", style.Notes)
	}
	b.WriteString("White background only. No text, no watermark.")
	return b.String()
}

// Slug lowercases s and replaces everything but letters and digits with '_'.
func Slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "asset"
	}
	return out
}

const maxPlaceholderSide = 4096

func placeholderPNG(w, h int, palette []string) ([]byte, error) {
	w, h = min(w, maxPlaceholderSide), min(h, maxPlaceholderSide)
	fill := color.RGBA{0x80, 0x80, 0x80, 0xff}
	if len(palette) > 0 {
		if c, ok := parseHex(palette[0]); ok {
			fill = c
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}

func parseHex(s string) (color.RGBA, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, true
}

// toMap converts a typed result into the generic form stored in the context.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Stage = (*AssetGenerator)(nil)
