// Package llm is the text generation collaborator used by stage agents.
package llm

import (
	"context"
	"fmt"
)

// Task names the stage a request is made for. Mock backends key their canned
// output on it.
type Task string

const (
	TaskConcept         Task = "concept"
	TaskLevels          Task = "levels"
	TaskNarrative       Task = "narrative"
	TaskAssetValidation Task = "asset_validation"
)

// Request is one generation call.
type Request struct {
	Task              Task
	Prompt            string
	SystemInstruction string
	// Temperature overrides the backend default when set.
	Temperature *float64
}

// Response carries the generated text. Failures never arrive as text; they are
// returned as *TransportError or *APIError.
type Response struct {
	Text       string
	TokensUsed int
	Model      string
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// TransportError means the backend could not be reached or answered with an
// HTTP-level failure. Timeouts are transport errors.
type TransportError struct {
	Backend    string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s transport: status %d: %s", e.Backend, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s transport: %v", e.Backend, e.Err)
	default:
		return e.Backend + " transport failure"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError means the backend answered but reported that generation failed.
type APIError struct {
	Backend string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error %d: %s", e.Backend, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Backend, e.Message)
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }
