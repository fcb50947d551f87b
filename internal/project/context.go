package project

import (
	"fmt"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Phase is the pipeline phase. It only moves forward.
type Phase string

const (
	PhaseDesign Phase = "design"
	PhaseAssets Phase = "assets"
	PhaseCode   Phase = "code"
	PhaseQA     Phase = "qa"
	PhaseBuild  Phase = "build"
	PhaseDeploy Phase = "deploy"
)

var phaseOrder = []Phase{PhaseDesign, PhaseAssets, PhaseCode, PhaseQA, PhaseBuild, PhaseDeploy}

// Rank is the position of p in the phase order, or -1 when p is unknown.
func (p Phase) Rank() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.Rank() < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Section names a subtree of the context. The set is closed; adding a section
// means adding a constant here and a case in ProjectContext.section.
type Section string

const (
	SectionDesign     Section = "design"
	SectionAssets     Section = "assets"
	SectionCode       Section = "code"
	SectionQuality    Section = "quality"
	SectionBuild      Section = "build"
	SectionStyleGuide Section = "style_guide"
	SectionMetadata   Section = "metadata"
)

var sections = []Section{SectionDesign, SectionAssets, SectionCode, SectionQuality, SectionBuild, SectionStyleGuide, SectionMetadata}

// Sections returns the recognized sections.
func Sections() []Section {
	out := make([]Section, len(sections))
	copy(out, sections)
	return out
}

// ParseSection reports whether s names a recognized section.
func ParseSection(s string) (Section, bool) {
	for _, sec := range sections {
		if string(sec) == s {
			return sec, true
		}
	}
	return "", false
}

// ProjectContext holds all pipeline state for one run.
type ProjectContext struct {
	ProjectID      string         `json:"project_id"`
	Version        string         `json:"version"`
	Phase          Phase          `json:"phase"`
	CreatedAt      time.Time      `json:"created_at"`
	UserRequest    string         `json:"user_request"`
	TargetPlatform []string       `json:"target_platform"`
	TargetAudience string         `json:"target_audience"`
	Genre          string         `json:"genre,omitempty"`
	Design         map[string]any `json:"design"`
	Assets         map[string]any `json:"assets"`
	StyleGuide     map[string]any `json:"style_guide"`
	Code           map[string]any `json:"code"`
	Quality        map[string]any `json:"quality"`
	Build          map[string]any `json:"build"`
	Metadata       map[string]any `json:"metadata"`
}

func newContext(projectID, userRequest string, createdAt time.Time) *ProjectContext {
	return &ProjectContext{
		ProjectID:      projectID,
		Version:        "0.1.0",
		Phase:          PhaseDesign,
		CreatedAt:      createdAt.UTC().Truncate(time.Second),
		UserRequest:    userRequest,
		TargetPlatform: []string{"web"},
		TargetAudience: "casual",
		Design:         map[string]any{},
		Assets:         map[string]any{},
		StyleGuide:     map[string]any{},
		Code:           map[string]any{},
		Quality:        map[string]any{},
		Build:          map[string]any{},
		Metadata:       map[string]any{},
	}
}

// Section returns the mapping stored under s, or nil for an unknown section.
func (c *ProjectContext) Section(s Section) map[string]any {
	if p := c.section(s); p != nil {
		return *p
	}
	return nil
}

func (c *ProjectContext) section(s Section) *map[string]any {
	switch s {
	case SectionDesign:
		return &c.Design
	case SectionAssets:
		return &c.Assets
	case SectionCode:
		return &c.Code
	case SectionQuality:
		return &c.Quality
	case SectionBuild:
		return &c.Build
	case SectionStyleGuide:
		return &c.StyleGuide
	case SectionMetadata:
		return &c.Metadata
	}
	return nil
}

func (c *ProjectContext) normalize() {
	for _, s := range sections {
		if p := c.section(s); *p == nil {
			*p = map[string]any{}
		}
	}
	if c.TargetPlatform == nil {
		c.TargetPlatform = []string{}
	}
}

// Clone returns a deep copy of c.
func (c *ProjectContext) Clone() (*ProjectContext, error) {
	out := *c
	out.TargetPlatform = append([]string(nil), c.TargetPlatform...)
	for _, s := range sections {
		src := *c.section(s)
		var dst map[string]any
		if err := deepcopy.Copy(&dst, src); err != nil {
			return nil, fmt.Errorf("copy section %s: %w", s, err)
		}
		*out.section(s) = dst
	}
	return &out, nil
}
