// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol. The CLI speaks newline-delimited JSON over
// stdin/stdout: user messages and control requests go in, streaming
// messages and control responses come out.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is a session-level notice (init, compaction)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains a full assistant message
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of one turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent wraps a partial-content streaming event
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// System message subtypes
const (
	// SystemSubtypeInit carries the session id once the CLI is ready
	SystemSubtypeInit = "init"
	// SystemSubtypeCompactBoundary marks a context compaction
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// Control request subtypes
const (
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
)

// Control response subtypes
const (
	ResponseSubtypeSuccess = "success"
	ResponseSubtypeError   = "error"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, stream_event, ...)
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID accompanies system, stream_event, and result messages
	SessionID string `json:"session_id,omitempty"`

	// For control_request messages (CLI asking us something)
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages (answers to requests we sent)
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For stream_event messages: the raw streaming event, parsed on
	// demand with GetStreamEvent
	Event           json.RawMessage `json:"event,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// For system compact_boundary messages
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`

	// For result messages.
	// Result can be either a string (final text) or an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`

	// Raw line for advanced parsing if needed
	RawContent json.RawMessage `json:"-"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks.
	// Content is a plain string or a nested block array depending on
	// the tool; use ContentText for a flat rendering.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText renders tool_result content as text: the string itself
// when the content is a JSON string, the raw JSON otherwise.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	return string(b.Content)
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// CompactMetadata describes why the CLI compacted its context.
type CompactMetadata struct {
	Trigger string `json:"trigger,omitempty"`
}

// GetResultString returns the Result field as a string, the common case
// for a completed turn. Returns "" when the result is absent or not a
// plain string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// Stream event types inside a stream_event envelope
const (
	StreamMessageStart      = "message_start"
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
	StreamMessageDelta      = "message_delta"
	StreamMessageStop       = "message_stop"
)

// Delta types within content_block_delta
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// StreamEvent is the partial-content event the CLI emits when run with
// --include-partial-messages, wrapped in a stream_event message.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For message_start
	Message *StreamMessage `json:"message,omitempty"`

	// For content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta and message_delta
	Delta *StreamDelta `json:"delta,omitempty"`

	// For message_delta: cumulative usage
	Usage *Usage `json:"usage,omitempty"`
}

// StreamMessage is the message header in a message_start event.
type StreamMessage struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// StreamDelta is the incremental payload of a content_block_delta or
// message_delta event.
type StreamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// GetStreamEvent parses the inner event of a stream_event message.
// Returns nil when the message carries none or it cannot be parsed.
func (m *CLIMessage) GetStreamEvent() *StreamEvent {
	if len(m.Event) == 0 {
		return nil
	}
	var ev StreamEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		return nil
	}
	return &ev
}

// ControlRequest represents a control request from Claude Code CLI.
// Runners execute with permission prompts disabled, so these are only
// observed, never granted.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is the message sent to answer control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// IncomingControlResponse is the CLI's answer to a control request we
// sent. The request id lives inside the response object, not at the
// message level.
type IncomingControlResponse struct {
	RequestID string          `json:"request_id"`
	Subtype   string          `json:"subtype"`
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// SDKControlRequest is a control request sent to Claude Code CLI.
// Used for initialize and interrupt.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt)
	Subtype string `json:"subtype"`
}

// UserMessage is sent to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
