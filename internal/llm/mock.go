package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MakeNowJust/heredoc/v2"
)

// MockClient returns canned structured payloads instead of calling a model.
// Responses and Errors override the built-in fixtures per task.
type MockClient struct {
	Responses map[Task]string
	Errors    map[Task]error

	mu    sync.Mutex
	calls []Request
}

// NewMock returns a mock backed by the built-in fixtures.
func NewMock() *MockClient {
	return &MockClient{Responses: map[Task]string{}, Errors: map[Task]error{}}
}

func (m *MockClient) Generate(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Response{}, &TransportError{Backend: "mock", Err: err}
	}
	if err, ok := m.Errors[req.Task]; ok && err != nil {
		return Response{}, err
	}
	text, ok := m.Responses[req.Task]
	if !ok {
		text, ok = fixtures[req.Task]
	}
	if !ok {
		return Response{}, &APIError{Backend: "mock", Message: fmt.Sprintf("no fixture for task %q", req.Task)}
	}
	return Response{Text: text, TokensUsed: len(strings.Fields(req.Prompt)) + len(strings.Fields(text)), Model: "mock"}, nil
}

// Calls returns the requests received so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

var fixtures = map[Task]string{
	TaskConcept: heredoc.Doc(`
		Here is the concept.
		` + "```json" + `
		{
		  "concept": {
		    "title": "Leafwalk",
		    "genre": "platformer",
		    "tagline": "Ride the wind through a forest that forgot its name.",
		    "coreLoop": ["Explore", "Jump", "Collect seeds", "Unlock paths"],
		    "playerAbilities": [
		      {"id": "jump", "name": "Jump", "description": "Leap over gaps"},
		      {"id": "glide", "name": "Glide", "description": "Float on leaf wings", "unlockCondition": "Finish level 1"}
		    ],
		    "progressionSystem": {"type": "linear", "unlockMechanism": "level_completion"},
		    "mechanics": {
		      "primary": ["platforming"],
		      "secondary": ["collecting"],
		      "unique": ["wind currents that change with the seasons"]
		    },
		    "difficultyCurve": {"type": "gradual", "description": "New hazards every level"},
		    "winCondition": "Reach the great tree",
		    "loseCondition": "Fall into the mist",
		    "estimatedPlaytime": 30
		  },
		  "designRationale": "Short sessions with one signature mechanic.",
		  "referenceGames": ["Celeste", "Ori"]
		}
		` + "```" + `
	`),
	TaskLevels: heredoc.Doc(`
		{
		  "levels": [
		    {
		      "id": "level_1", "name": "Forest Entry", "difficulty": 1, "theme": "forest",
		      "layout": {
		        "width": 3000, "height": 600,
		        "platforms": [{"x": 0, "y": 550, "width": 800, "height": 50, "type": "ground"}],
		        "enemies": [{"x": 600, "y": 520, "type": "beetle", "behavior": "patrol"}],
		        "collectibles": [{"x": 300, "y": 480, "type": "seed", "value": 1}],
		        "goal": {"x": 2800, "y": 500}
		      },
		      "mechanics": {"introduced": ["basic_jump"], "required": ["basic_jump"]},
		      "estimatedCompletionTime": "2-3 minutes",
		      "skillRequirements": ["basic_jump"]
		    },
		    {
		      "id": "level_2", "name": "Windy Canopy", "difficulty": 3, "theme": "canopy",
		      "layout": {
		        "width": 3600, "height": 800,
		        "platforms": [{"x": 0, "y": 700, "width": 400, "height": 40, "type": "floating"}],
		        "goal": {"x": 3400, "y": 200}
		      },
		      "mechanics": {"introduced": ["glide"], "required": ["basic_jump", "glide"]},
		      "estimatedCompletionTime": "4-5 minutes",
		      "skillRequirements": ["glide"]
		    },
		    {
		      "id": "level_3", "name": "Great Tree", "difficulty": 5, "theme": "forest",
		      "layout": {
		        "width": 4000, "height": 1200,
		        "platforms": [{"x": 0, "y": 1100, "width": 300, "height": 40, "type": "moving"}],
		        "goal": {"x": 3900, "y": 100}
		      },
		      "mechanics": {"introduced": ["wind_currents"], "required": ["glide", "wind_currents"]},
		      "estimatedCompletionTime": "6-8 minutes",
		      "skillRequirements": ["timing", "glide"]
		    }
		  ],
		  "difficultyProgression": {"curve": "linear", "description": "Two steps per level"},
		  "totalEstimatedPlaytime": 25
		}
	`),
	TaskNarrative: heredoc.Doc(`
		` + "```json" + `
		{
		  "worldSetting": {
		    "name": "The Forgotten Forest",
		    "description": "A forest whose wind carries memories.",
		    "lore": "The great tree fell asleep and the seasons stopped."
		  },
		  "characters": {
		    "protagonist": {
		      "name": "Caiso",
		      "description": "A small leaf spirit.",
		      "personality": ["curious", "determined"],
		      "motivation": "Wake the great tree."
		    }
		  },
		  "dialogue": {
		    "tutorial": ["Press jump to leap.", "Hold jump in the air to glide."],
		    "npc_1": {"name": "Old Tree", "lines": ["The wind remembers you."]}
		  },
		  "storyBeats": {"opening": "Caiso wakes.", "ending": "The forest sings again."}
		}
		` + "```" + `
	`),
	TaskAssetValidation: heredoc.Doc(`
		{"style_consistency": 92, "technical_quality": 95, "transparency": 88, "game_fit": 94, "composition": 90}
	`),
}
