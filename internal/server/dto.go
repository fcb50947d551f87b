package server

import (
	"encoding/json"

	"gameforge/internal/domain"
	"gameforge/internal/pipeline"
	"gameforge/internal/project"
	"gameforge/internal/quality"
)

// Request payloads

type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

type CreateRunRequest struct {
	Request        string         `json:"request" minLength:"1" example:"a platformer about a leaf spirit"`
	ProjectID      string         `json:"project_id,omitempty" pattern:"^[A-Za-z0-9][A-Za-z0-9_.-]*$"`
	Genre          string         `json:"genre,omitempty"`
	TargetAudience string         `json:"target_audience,omitempty"`
	Platforms      []string       `json:"platforms,omitempty"`
	StyleGuide     map[string]any `json:"style_guide,omitempty"`
	Levels         *int           `json:"levels,omitempty" minimum:"1" maximum:"20"`
	Assets         *bool          `json:"assets,omitempty"`
	// Review switches asset review to manual and answers it per asset request id.
	// Assets missing from the map are approved.
	Review map[string]ReviewDecision `json:"review,omitempty"`
}

type TokenRequest struct {
	Subject string   `json:"subject" minLength:"1"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type RunResponse struct {
	domain.Run
	EventCounts map[string]int   `json:"event_counts,omitempty"`
	Report      *quality.Summary `json:"report,omitempty"`
}

type RunResultResponse struct {
	Run             domain.Run              `json:"run"`
	Report          quality.Summary         `json:"report"`
	Warnings        []project.Warning       `json:"warnings"`
	Events          int                     `json:"events"`
	HandlerFailures int                     `json:"handler_failures"`
	Stages          []pipeline.StageOutcome `json:"stages"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	RunID       string          `json:"run_id"`
	ProjectID   string          `json:"project_id"`
	SourceAgent string          `json:"source_agent"`
	Payload     json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedRuns struct {
	Items []domain.Run `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func eventResponse(evt domain.LedgerEvent) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Seq:         evt.Seq,
		Type:        evt.Type,
		RunID:       evt.RunID,
		ProjectID:   evt.ProjectID,
		SourceAgent: evt.SourceAgent,
		Payload:     payload,
	}
}

func runResult(run domain.Run, res *pipeline.Result) RunResultResponse {
	out := RunResultResponse{Run: run, Warnings: []project.Warning{}, Stages: []pipeline.StageOutcome{}}
	if res == nil {
		return out
	}
	out.Report = res.Report
	out.Events = res.Events
	out.HandlerFailures = res.HandlerFailures
	if res.Warnings != nil {
		out.Warnings = res.Warnings
	}
	if res.Stages != nil {
		out.Stages = res.Stages
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
