package project

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"

	"gameforge/internal/logging"
	"gameforge/internal/store"
)

// Field sets one top-level scalar of the context. A non-nil warning means the
// field was not applied.
type Field func(c *ProjectContext) *Warning

// WithPhase advances the phase. Moving backwards is refused with a warning.
func WithPhase(p Phase) Field {
	return func(c *ProjectContext) *Warning {
		if p.Rank() < 0 {
			return &Warning{Kind: InvalidValueWarning, Subject: "phase", Message: fmt.Sprintf("unknown phase %q", p)}
		}
		if p.Rank() < c.Phase.Rank() {
			return &Warning{Kind: PhaseRegression, Subject: "phase", Message: fmt.Sprintf("cannot move from %s back to %s", c.Phase, p)}
		}
		c.Phase = p
		return nil
	}
}

func WithTargetAudience(audience string) Field {
	return func(c *ProjectContext) *Warning {
		c.TargetAudience = audience
		return nil
	}
}

func WithTargetPlatform(platforms ...string) Field {
	return func(c *ProjectContext) *Warning {
		c.TargetPlatform = append([]string(nil), platforms...)
		return nil
	}
}

func WithGenre(genre string) Field {
	return func(c *ProjectContext) *Warning {
		c.Genre = genre
		return nil
	}
}

func WithVersion(version string) Field {
	return func(c *ProjectContext) *Warning {
		if strings.TrimSpace(version) == "" {
			return &Warning{Kind: InvalidValueWarning, Subject: "version", Message: "version must not be empty"}
		}
		c.Version = version
		return nil
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the single live ProjectContext of a pipeline run.
type Manager struct {
	mu       sync.Mutex
	ctx      *ProjectContext
	owners   map[Section]map[string]string
	warnings []Warning
	now      func() time.Time
	logger   *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{now: now, logger: logger}
}

// Initialize replaces any existing context with a fresh one.
func (m *Manager) Initialize(projectID, userRequest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = newContext(projectID, userRequest, m.now())
	m.owners = make(map[Section]map[string]string)
}

// Get returns a deep copy of the live context.
func (m *Manager) Get() (*ProjectContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil, UninitializedContextError{Op: "get"}
	}
	return m.ctx.Clone()
}

// Update applies each field in order. Refused fields are recorded as warnings;
// the rest still apply.
func (m *Manager) Update(fields ...Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return UninitializedContextError{Op: "update"}
	}
	for _, f := range fields {
		if w := f(m.ctx); w != nil {
			m.warnLocked(*w)
		}
	}
	return nil
}

// UpdateFields is the string-keyed form of Update for CLI and API input.
// Unknown names and ill-typed values become warnings.
func (m *Manager) UpdateFields(values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var fields []Field
	for _, name := range names {
		f, w := fieldFor(name, values[name])
		if w != nil {
			m.addWarning(*w)
			continue
		}
		fields = append(fields, f)
	}
	return m.Update(fields...)
}

func fieldFor(name string, v any) (Field, *Warning) {
	invalid := func() *Warning {
		return &Warning{Kind: InvalidValueWarning, Subject: name, Message: fmt.Sprintf("unsupported value %v (%T)", v, v)}
	}
	switch name {
	case "phase":
		s, ok := asString(v)
		if !ok {
			return nil, invalid()
		}
		return WithPhase(Phase(s)), nil
	case "target_audience":
		s, ok := asString(v)
		if !ok {
			return nil, invalid()
		}
		return WithTargetAudience(s), nil
	case "genre":
		s, ok := asString(v)
		if !ok {
			return nil, invalid()
		}
		return WithGenre(s), nil
	case "version":
		s, ok := asString(v)
		if !ok {
			return nil, invalid()
		}
		return WithVersion(s), nil
	case "target_platform":
		list, ok := asStrings(v)
		if !ok {
			return nil, invalid()
		}
		return WithTargetPlatform(list...), nil
	}
	return nil, &Warning{Kind: UnknownFieldWarning, Subject: name, Message: "field is not part of the project context"}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case Phase:
		return string(s), true
	}
	return "", false
}

func asStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case string:
		var out []string
		for _, p := range strings.Split(list, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// UpdateNested shallow-merges data into the named section on behalf of no
// particular owner. Unknown section names are a no-op with a warning.
func (m *Manager) UpdateNested(section string, data map[string]any) error {
	s, ok := ParseSection(section)
	if !ok {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.ctx == nil {
			return UninitializedContextError{Op: "update_nested"}
		}
		m.warnLocked(Warning{Kind: UnknownSectionWarning, Subject: section, Message: "section ignored"})
		return nil
	}
	return m.Merge("", s, data)
}

// Merge shallow-merges data into section s. Keys in data replace existing keys;
// other keys are untouched. Replacing a key last written by a different owner
// still applies but records a clobber warning.
func (m *Manager) Merge(owner string, s Section, data map[string]any) error {
	var copied map[string]any
	if err := deepcopy.Copy(&copied, data); err != nil {
		return fmt.Errorf("copy %s data: %w", s, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return UninitializedContextError{Op: "merge"}
	}
	target := m.ctx.section(s)
	if target == nil {
		m.warnLocked(Warning{Kind: UnknownSectionWarning, Subject: string(s), Message: "section ignored"})
		return nil
	}
	owners := m.owners[s]
	if owners == nil {
		owners = make(map[string]string)
		m.owners[s] = owners
	}
	keys := make([]string, 0, len(copied))
	for k := range copied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if prev, ok := owners[k]; ok && prev != owner {
			m.warnLocked(Warning{
				Kind:    ClobberWarning,
				Subject: string(s) + "." + k,
				Message: fmt.Sprintf("%s overwrote value written by %s", ownerName(owner), ownerName(prev)),
			})
		}
		(*target)[k] = copied[k]
		owners[k] = owner
	}
	return nil
}

func ownerName(owner string) string {
	if owner == "" {
		return "anonymous update"
	}
	return owner
}

// AddWarning records a non-fatal condition raised outside the manager, such as
// a stage scoring below its threshold.
func (m *Manager) AddWarning(w Warning) {
	m.addWarning(w)
}

func (m *Manager) addWarning(w Warning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnLocked(w)
}

func (m *Manager) warnLocked(w Warning) {
	m.warnings = append(m.warnings, w)
	m.logger.Warn("project context warning",
		slog.String("kind", string(w.Kind)),
		slog.String("subject", w.Subject),
		slog.String("message", w.Message))
}

// Warnings returns the accumulated warnings in the order they were raised.
func (m *Manager) Warnings() []Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Warning, len(m.warnings))
	copy(out, m.warnings)
	return out
}

// Save writes the whole context as JSON to path.
func (m *Manager) Save(s store.Store, path string) error {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return UninitializedContextError{Op: "save"}
	}
	data, err := json.MarshalIndent(m.ctx, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal project context: %w", err)
	}
	return s.Write(path, append(data, '\n'))
}

// Load replaces the live context with the one stored at path.
func (m *Manager) Load(s store.Store, path string) error {
	data, err := s.Read(path)
	if err != nil {
		return err
	}
	var pc ProjectContext
	if err := json.Unmarshal(data, &pc); err != nil {
		return fmt.Errorf("decode project context: %w", err)
	}
	if pc.ProjectID == "" {
		return fmt.Errorf("decode project context: project_id missing")
	}
	if _, err := ParsePhase(string(pc.Phase)); err != nil {
		return fmt.Errorf("decode project context: %w", err)
	}
	pc.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = &pc
	m.owners = make(map[Section]map[string]string)
	return nil
}
