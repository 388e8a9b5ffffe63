package models

// FailureKind classifies a structured failure result so the orchestrating
// loop can decide whether to retry, surface, or abort.
type FailureKind string

const (
	FailureConnectionUnavailable FailureKind = "connection_unavailable"
	FailureUnknownConnection     FailureKind = "unknown_connection"
	FailureCallTimeout           FailureKind = "call_timeout"
	FailureReadOnlyViolation     FailureKind = "read_only_violation"
	FailureRemoteError           FailureKind = "remote_error"
	FailureInvalidArguments      FailureKind = "invalid_arguments"
	FailurePanic                 FailureKind = "panic"
	FailureExecution             FailureKind = "execution"
)

// Retryable reports whether failures of this kind are worth retrying.
// Only caller-local timeouts are; everything else signals a logic error,
// a missing resource, or a remote-reported failure.
func (k FailureKind) Retryable() bool {
	return k == FailureCallTimeout
}

// ToolResult is the outcome of one dispatched tool invocation. Errors from
// the invocation are folded into a result with IsError set rather than
// propagated; the worker thread and the event loop never see them as
// crashes.
type ToolResult struct {
	// InvocationID correlates the result with its invocation.
	InvocationID string `json:"invocation_id"`

	// ToolName is the tool that produced this result.
	ToolName string `json:"tool_name"`

	// Content is the result payload, or a human-readable failure message
	// when IsError is set.
	Content string `json:"content"`

	// IsError marks a structured failure result.
	IsError bool `json:"is_error,omitempty"`

	// Failure carries the classification for error results.
	Failure FailureKind `json:"failure,omitempty"`

	// Retryable mirrors Failure.Retryable for wire consumers.
	Retryable bool `json:"retryable,omitempty"`
}

// ResponseChunk is one element of the outer response stream. Exactly one
// payload pointer is non-nil, except the terminal chunk which sets Done.
type ResponseChunk struct {
	Progress *ProgressEvent `json:"progress,omitempty"`
	Text     *TextEvent     `json:"text,omitempty"`
	Tokens   *TokenUsage    `json:"tokens,omitempty"`
	Result   *ToolResult    `json:"result,omitempty"`

	// Done marks the end of the stream for an invocation. Nothing follows it.
	Done bool `json:"done,omitempty"`
}
