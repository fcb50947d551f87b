package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Run is one pipeline execution as recorded in the ledger.
type Run struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	UserRequest      string  `json:"user_request"`
	Genre            string  `json:"genre,omitempty"`
	Status           string  `json:"status" enum:"running,completed,failed"`
	Score            *int    `json:"score,omitempty"`
	Passed           *bool   `json:"passed,omitempty"`
	Error            string  `json:"error,omitempty"`
	OutputDir        string  `json:"output_dir,omitempty"`
	RequestedBy      string  `json:"requested_by"`
	APICalls         int     `json:"api_calls"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	FinishedAt       string  `json:"finished_at,omitempty" format:"date-time"`
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// LedgerEvent is a bus event persisted in the ledger.
type LedgerEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Seq         int64  `json:"seq"`
	Type        string `json:"type"`
	RunID       string `json:"run_id"`
	ProjectID   string `json:"project_id"`
	SourceAgent string `json:"source_agent"`
	Payload     string `json:"payload_json"`
}

// Concept is the concept designer's structured output.
type Concept struct {
	Concept         ConceptBody `json:"concept"`
	DesignRationale string      `json:"designRationale,omitempty"`
	ReferenceGames  []string    `json:"referenceGames,omitempty"`
}

type ConceptBody struct {
	Title             string    `json:"title"`
	Genre             string    `json:"genre"`
	Tagline           string    `json:"tagline,omitempty"`
	CoreLoop          []string  `json:"coreLoop"`
	PlayerAbilities   []Ability `json:"playerAbilities"`
	Mechanics         Mechanics `json:"mechanics"`
	WinCondition      string    `json:"winCondition,omitempty"`
	LoseCondition     string    `json:"loseCondition,omitempty"`
	EstimatedPlaytime float64   `json:"estimatedPlaytime"`
}

type Ability struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	UnlockCondition string `json:"unlockCondition,omitempty"`
}

type Mechanics struct {
	Primary   []string `json:"primary,omitempty"`
	Secondary []string `json:"secondary,omitempty"`
	Unique    []string `json:"unique"`
}

// LevelSet is the level designer's structured output.
type LevelSet struct {
	Levels                 []Level           `json:"levels"`
	DifficultyProgression  map[string]string `json:"difficultyProgression,omitempty"`
	TotalEstimatedPlaytime float64           `json:"totalEstimatedPlaytime"`
}

type Level struct {
	ID                      string              `json:"id"`
	Name                    string              `json:"name"`
	Difficulty              float64             `json:"difficulty"`
	Theme                   string              `json:"theme,omitempty"`
	Layout                  Layout              `json:"layout"`
	Mechanics               map[string][]string `json:"mechanics,omitempty"`
	EstimatedCompletionTime string              `json:"estimatedCompletionTime,omitempty"`
	SkillRequirements       []string            `json:"skillRequirements,omitempty"`
}

type Layout struct {
	Width        float64          `json:"width,omitempty"`
	Height       float64          `json:"height,omitempty"`
	Platforms    []map[string]any `json:"platforms"`
	Enemies      []map[string]any `json:"enemies,omitempty"`
	Collectibles []map[string]any `json:"collectibles,omitempty"`
	Goal         *Point           `json:"goal,omitempty"`
}

// Point is a layout coordinate. A nil axis means the model left it out.
type Point struct {
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
}

func NewPoint(x, y float64) *Point {
	return &Point{X: &x, Y: &y}
}

// Complete reports whether both coordinates are present.
func (p *Point) Complete() bool {
	return p != nil && p.X != nil && p.Y != nil
}

// Narrative is the narrative designer's structured output. Dialogue values are
// either a list of lines or an NPC object.
type Narrative struct {
	WorldSetting WorldSetting         `json:"worldSetting"`
	Characters   map[string]Character `json:"characters"`
	Dialogue     map[string]any       `json:"dialogue"`
	StoryBeats   map[string]string    `json:"storyBeats,omitempty"`
}

type WorldSetting struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Lore        string `json:"lore,omitempty"`
}

type Character struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Personality Traits `json:"personality"`
	Motivation  string `json:"motivation,omitempty"`
	Backstory   string `json:"backstory,omitempty"`
}

// Traits is a personality description. Models send either a list of traits
// or a single comma separated string; both decode to a list.
type Traits []string

func (t *Traits) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = nil
	case string:
		out := Traits{}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*t = out
	case []any:
		out := make(Traits, 0, len(v))
		for _, item := range v {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case nil:
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
		*t = out
	default:
		return fmt.Errorf("personality: unexpected %T", raw)
	}
	return nil
}

// Asset categories understood by the generator.
const (
	CategorySprite     = "sprite"
	CategoryBackground = "background"
	CategoryUI         = "ui"
	CategoryIcon       = "icon"
)

// AssetRequest describes one art asset to produce.
type AssetRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// StyleGuide constrains every generated asset in a run.
type StyleGuide struct {
	Style   string   `json:"style"`
	Palette []string `json:"palette,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

// Asset statuses.
const (
	AssetApproved       = "approved"
	AssetRejected       = "rejected"
	AssetRejectedByUser = "rejected_by_user"
	AssetFailed         = "failed"
)

// AssetResult is the outcome of one request.
type AssetResult struct {
	RequestID string        `json:"requestId"`
	Name      string        `json:"name"`
	Category  string        `json:"category"`
	Status    string        `json:"status"`
	Image     *AssetImage   `json:"image,omitempty"`
	Metadata  AssetMetadata `json:"metadata"`
	Error     *AssetError   `json:"error,omitempty"`
}

type AssetImage struct {
	Path     string `json:"path"`
	Format   string `json:"format"`
	Size     string `json:"size"`
	FileSize int    `json:"fileSize"`
}

type AssetMetadata struct {
	Prompt         string             `json:"prompt"`
	Model          string             `json:"model"`
	Iterations     int                `json:"iterations"`
	BestIteration  int                `json:"bestIteration"`
	QualityScore   float64            `json:"qualityScore"`
	Criteria       map[string]float64 `json:"criteria,omitempty"`
	GenerationTime float64            `json:"generationTime"`
	Cost           float64            `json:"cost"`
	ReviewMode     string             `json:"reviewMode"`
	UserApproved   *bool              `json:"user_approved,omitempty"`
	Feedback       string             `json:"feedback,omitempty"`
}

type AssetError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// AssetSummary aggregates a generation batch.
type AssetSummary struct {
	TotalAssets     int     `json:"totalAssets"`
	SuccessCount    int     `json:"successCount"`
	FailedCount     int     `json:"failedCount"`
	Approved        int     `json:"approved"`
	Rejected        int     `json:"rejected"`
	TotalIterations int     `json:"totalIterations"`
	TotalCost       float64 `json:"totalCost"`
	ReviewMode      string  `json:"reviewMode"`
}
