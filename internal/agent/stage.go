// Package agent implements the pipeline stages. Each stage makes at most one
// generation call, scores the result, merges it into the project context and
// reports its progress on the event bus.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gameforge/internal/events"
	"gameforge/internal/llm"
	"gameforge/internal/logging"
	"gameforge/internal/project"
	"gameforge/internal/quality"
	"gameforge/internal/store"
)

// State is the position of a stage in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateParsing    State = "parsing"
	StateValidating State = "validating"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

// Env carries the collaborators of one run. Every stage of the run receives the
// same Env.
type Env struct {
	Bus        *events.Bus
	Context    *project.Manager
	Generator  llm.Generator
	Store      store.Store
	Thresholds quality.Thresholds
	// Dir is the run directory inside Store, e.g. the project id.
	Dir    string
	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

func (e Env) validate() error {
	if e.Bus == nil || e.Context == nil {
		return errors.New("agent env requires a bus and a context manager")
	}
	return nil
}

// Stage is one unit of pipeline work producing one part of the project context.
type Stage interface {
	// Name is the key the stage commits under and the name used in events.
	Name() string
	// Agent is the source recorded on emitted events and context writes.
	Agent() string
	// DependsOn lists the stage names whose output must be committed first.
	DependsOn() []string
	Phase() project.Phase
	Execute(ctx context.Context, env Env) (map[string]any, error)
	State() State
}

// ErrMissingUpstream marks a stage started before its dependencies committed.
var ErrMissingUpstream = errors.New("missing upstream output")

type MissingUpstreamError struct {
	Stage      string
	Dependency string
}

func (e MissingUpstreamError) Error() string {
	return fmt.Sprintf("stage %s: %s output not in context", e.Stage, e.Dependency)
}

func (e MissingUpstreamError) Is(target error) bool {
	return target == ErrMissingUpstream
}

// StageError wraps the failure of one stage with its name.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// tracker guards the state of a stage.
type tracker struct {
	mu    sync.Mutex
	state State
}

func (t *tracker) set(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return StateIdle
	}
	return t.state
}
