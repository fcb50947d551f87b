package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

var genreKeywords = []struct {
	genre string
	words []string
}{
	{"platformer", []string{"platform", "jump", "mario"}},
	{"puzzle", []string{"puzzle", "match", "tetris"}},
	{"shooter", []string{"shoot", "bullet", "gun"}},
	{"rpg", []string{"rpg", "adventure", "quest"}},
}

// InferGenre guesses a genre from keywords in the request, falling back to action.
func InferGenre(request string) string {
	lower := strings.ToLower(request)
	for _, g := range genreKeywords {
		for _, w := range g.words {
			if strings.Contains(lower, w) {
				return g.genre
			}
		}
	}
	return "action"
}

// NewProjectID returns game-YYYYmmdd-HHMMSS-xxxxxxxx for t. The random suffix
// keeps runs started in the same second apart.
func NewProjectID(t time.Time) string {
	return "game-" + t.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}
