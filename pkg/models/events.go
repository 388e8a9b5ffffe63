// Package models provides the shared domain types for the strand core:
// the events produced by tool invocations and the chunks delivered to the
// outer response stream.
package models

// ProgressStatus describes where a tool or sub-agent is in its work.
type ProgressStatus string

const (
	StatusThinking    ProgressStatus = "thinking"
	StatusSearching   ProgressStatus = "searching"
	StatusAnalyzing   ProgressStatus = "analyzing"
	StatusRunningTool ProgressStatus = "running_tool"
	StatusRunning     ProgressStatus = "running"
	StatusCompleted   ProgressStatus = "completed"
)

// Terminal reports whether this status ends the event sequence for a source.
// No further event from the same source should follow a terminal status
// within the same invocation.
func (s ProgressStatus) Terminal() bool {
	return s == StatusCompleted
}

// ProgressEvent reports incremental progress from a tool body or sub-agent
// iteration loop. Events from one source are delivered in publication order;
// monotonic status progression is not enforced by the type, but a
// StatusCompleted event is always the last one a source emits.
type ProgressEvent struct {
	// SourceName identifies the producing tool or sub-agent.
	SourceName string `json:"source_name"`

	// Iteration is the 1-based iteration number, when the producer loops.
	Iteration int `json:"iteration,omitempty"`

	// MaxIterations is the producer's iteration budget, when known.
	MaxIterations int `json:"max_iterations,omitempty"`

	// CurrentStep is a human-readable description of the current step.
	CurrentStep string `json:"current_step,omitempty"`

	// ToolCallsSoFar lists the remote tools invoked so far, in order.
	ToolCallsSoFar []string `json:"tool_calls_so_far,omitempty"`

	// Status is the producer's current phase.
	Status ProgressStatus `json:"status"`
}

// TextEvent carries a fragment of streamed output text. At most one event
// with Final=true is emitted per source per invocation, and nothing follows
// it.
type TextEvent struct {
	SourceName string `json:"source_name"`
	Text       string `json:"text_fragment"`
	Final      bool   `json:"is_final,omitempty"`
}

// TokenUsage reports model token consumption attributed to a source.
type TokenUsage struct {
	SourceName   string `json:"source_name"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}
