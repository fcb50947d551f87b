package agent

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/MakeNowJust/heredoc/v2"
)

type promptData struct {
	Request    string
	Genre      string
	Audience   string
	Platforms  string
	LevelCount int
	Concept    string
	Levels     string
	Asset      string
	Style      string
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func indentJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

var (
	conceptSystem = heredoc.Doc(`
		You are a senior game designer. Answer with a single JSON object and
		nothing else.
	`)
	levelSystem = heredoc.Doc(`
		You are a level designer. Levels must grow steadily harder, every level
		needs platforms and a goal. Answer with a single JSON object.
	`)
	narrativeSystem = heredoc.Doc(`
		You are a game writer. Keep every dialogue line under 150 characters.
		Answer with a single JSON object.
	`)
	validatorSystem = heredoc.Doc(`
		You are an art director reviewing game assets. Score each criterion from
		0 to 100 and answer with a single JSON object.
	`)
)

var conceptPrompt = template.Must(template.New("concept").Parse(heredoc.Doc(`
	Design a game for this request: {{.Request}}
	{{if .Genre}}Genre: {{.Genre}}
	{{end}}Target audience: {{.Audience}}
	Platforms: {{.Platforms}}

	Return {"concept": {...}, "designRationale": "...", "referenceGames": [...]}
	where concept has title, genre, tagline, coreLoop (at least 3 steps),
	playerAbilities (at least 2, each with id, name, description), mechanics
	{primary, secondary, unique}, winCondition, loseCondition and
	estimatedPlaytime in minutes (5 to 120).
`)))

var levelPrompt = template.Must(template.New("levels").Parse(heredoc.Doc(`
	Design {{.LevelCount}} levels for this concept:
	{{.Concept}}

	Return {"levels": [...], "difficultyProgression": {...}, "totalEstimatedPlaytime": minutes}.
	Each level has id, name, difficulty (1-10, never decreasing, at most 3
	higher than the previous level), theme, layout {width, height, platforms,
	enemies, collectibles, goal {x, y}}, mechanics, estimatedCompletionTime and
	skillRequirements. Total playtime between 5 and 60 minutes.
`)))

var narrativePrompt = template.Must(template.New("narrative").Parse(heredoc.Doc(`
	Write the story for this game.
	Concept:
	{{.Concept}}
	Levels:
	{{.Levels}}

	Return {"worldSetting": {name, description, lore}, "characters":
	{"protagonist": {name, description, personality, motivation}, ...},
	"dialogue": {"tutorial": [...], ...}, "storyBeats": {...}}.
`)))

var validationPrompt = template.Must(template.New("asset_validation").Parse(heredoc.Doc(`
	Review this asset against the {{.Style}} style guide:
	{{.Asset}}

	Return {"style_consistency": n, "technical_quality": n, "transparency": n,
	"game_fit": n, "composition": n}.
`)))
