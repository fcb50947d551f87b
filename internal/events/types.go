package events

import (
	"strings"
	"time"
)

// EventType is a lifecycle tag. The string values are a stable wire contract.
type EventType string

const (
	DesignStarted   EventType = "design.started"
	DesignCompleted EventType = "design.completed"
	DesignFailed    EventType = "design.failed"

	AssetGenerationStarted EventType = "asset.generation_started"
	AssetGenerated         EventType = "asset.generated"
	AssetApproved          EventType = "asset.approved"
	AssetRejected          EventType = "asset.rejected"

	CodeGenerationStarted EventType = "code.generation_started"
	CodeGenerated         EventType = "code.generated"
	CodeReviewed          EventType = "code.reviewed"
	CodeOptimized         EventType = "code.optimized"

	QAStarted     EventType = "qa.started"
	QABugFound    EventType = "qa.bug_found"
	QATestsPassed EventType = "qa.tests_passed"
	QATestsFailed EventType = "qa.tests_failed"

	BuildStarted  EventType = "build.started"
	BuildComplete EventType = "build.complete"
	BuildFailed   EventType = "build.failed"

	DeployStarted  EventType = "deploy.started"
	DeployComplete EventType = "deploy.complete"
	DeployFailed   EventType = "deploy.failed"
)

var taxonomy = []EventType{
	DesignStarted, DesignCompleted, DesignFailed,
	AssetGenerationStarted, AssetGenerated, AssetApproved, AssetRejected,
	CodeGenerationStarted, CodeGenerated, CodeReviewed, CodeOptimized,
	QAStarted, QABugFound, QATestsPassed, QATestsFailed,
	BuildStarted, BuildComplete, BuildFailed,
	DeployStarted, DeployComplete, DeployFailed,
}

// Types returns every known event type in taxonomy order.
func Types() []EventType {
	out := make([]EventType, len(taxonomy))
	copy(out, taxonomy)
	return out
}

// Known reports whether t belongs to the taxonomy.
func (t EventType) Known() bool {
	for _, k := range taxonomy {
		if k == t {
			return true
		}
	}
	return false
}

// Domain returns the group prefix, e.g. "design" for design.started.
func (t EventType) Domain() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Payload is the free-form body of an event.
type Payload map[string]any

// Event is an immutable record of something a stage did.
type Event struct {
	Seq         int64     `json:"seq"`
	Type        EventType `json:"type"`
	SourceAgent string    `json:"source_agent"`
	Payload     Payload   `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// New constructs an event ready to hand to [Bus.Emit].
func New(t EventType, source string, payload Payload) Event {
	return Event{Type: t, SourceAgent: source, Payload: payload}
}
