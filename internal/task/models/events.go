package models

// EventSchemaVersion identifies the canonical event set emitted by this
// service. It is surfaced in synthetic status events so clients can detect
// incompatible payload changes.
const EventSchemaVersion = 1

// Event types streamed over SSE and persisted in the event log
const (
	EventTypeSession          = "session"
	EventTypeProgress         = "progress"
	EventTypeTextStart        = "text_start"
	EventTypeTextDelta        = "text_delta"
	EventTypeTextEnd          = "text_end"
	EventTypeToolStart        = "tool_start"
	EventTypeToolResult       = "tool_result"
	EventTypeResult           = "result"
	EventTypeComplete         = "complete"
	EventTypeError            = "error"
	EventTypeContextUsage     = "context_usage"
	EventTypeCompact          = "compact"
	EventTypeInterventionSent = "intervention_sent"
	EventTypeDebug            = "debug"
)

// EventTypeStatus is the synthetic snapshot event sent at the head of a
// reconnect stream. It is never written to the event log and carries no id.
const EventTypeStatus = "status"

// Event is one record in a task's event log, persisted as a single JSON
// line. The payload always carries a "type" field naming one of the
// EventType constants; the id is assigned by the event log on append,
// dense and monotonic from 1.
type Event struct {
	ID      int64                  `json:"id"`
	Payload map[string]interface{} `json:"event"`
}

// Type returns the payload's type discriminator, or "" if absent.
func (e *Event) Type() string {
	t, _ := e.Payload["type"].(string)
	return t
}

// SessionEvent is broadcast when the agent session id is learned.
func SessionEvent(sessionID string) map[string]interface{} {
	return map[string]interface{}{
		"type":       EventTypeSession,
		"session_id": sessionID,
	}
}

// ProgressEvent carries a low-level progress hint.
func ProgressEvent(text string) map[string]interface{} {
	return map[string]interface{}{
		"type": EventTypeProgress,
		"text": text,
	}
}

// TextStartEvent marks the beginning of a text block ("card").
func TextStartEvent(cardID string) map[string]interface{} {
	return map[string]interface{}{
		"type":    EventTypeTextStart,
		"card_id": cardID,
	}
}

// TextDeltaEvent carries the text of a card.
func TextDeltaEvent(cardID, text string) map[string]interface{} {
	return map[string]interface{}{
		"type":    EventTypeTextDelta,
		"card_id": cardID,
		"text":    text,
	}
}

// TextEndEvent marks the end of a text block.
func TextEndEvent(cardID string) map[string]interface{} {
	return map[string]interface{}{
		"type":    EventTypeTextEnd,
		"card_id": cardID,
	}
}

// ToolStartEvent is broadcast when a tool invocation begins.
func ToolStartEvent(cardID, toolUseID, toolName string, input interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":        EventTypeToolStart,
		"card_id":     cardID,
		"tool_use_id": toolUseID,
		"tool_name":   toolName,
		"input":       input,
	}
}

// ToolResultEvent is broadcast when a tool invocation returns. The card id
// is the one recorded at tool_start so results attribute to the right card
// even after later cards have started.
func ToolResultEvent(cardID, toolUseID, toolName string, result interface{}, isError bool) map[string]interface{} {
	return map[string]interface{}{
		"type":        EventTypeToolResult,
		"card_id":     cardID,
		"tool_use_id": toolUseID,
		"tool_name":   toolName,
		"result":      result,
		"is_error":    isError,
	}
}

// ResultEvent is the terminal summary reported by the engine.
func ResultEvent(success bool, output, errMsg string) map[string]interface{} {
	p := map[string]interface{}{
		"type":    EventTypeResult,
		"success": success,
	}
	if output != "" {
		p["output"] = output
	}
	if errMsg != "" {
		p["error"] = errMsg
	}
	return p
}

// CompleteEvent is the last event of a completed task.
func CompleteEvent(result string, attachments []string) map[string]interface{} {
	if attachments == nil {
		attachments = []string{}
	}
	return map[string]interface{}{
		"type":        EventTypeComplete,
		"result":      result,
		"attachments": attachments,
	}
}

// ErrorEvent is the last event of an errored task.
func ErrorEvent(kind Kind, message string) map[string]interface{} {
	return map[string]interface{}{
		"type":    EventTypeError,
		"kind":    string(kind),
		"message": message,
	}
}

// ContextUsageEvent carries token telemetry from the engine.
func ContextUsageEvent(used, cacheRead, cacheWrite int64, percent float64) map[string]interface{} {
	return map[string]interface{}{
		"type":        EventTypeContextUsage,
		"used":        used,
		"cache_read":  cacheRead,
		"cache_write": cacheWrite,
		"percent":     percent,
	}
}

// CompactEvent is broadcast when the agent compacted its context.
func CompactEvent(reason string) map[string]interface{} {
	return map[string]interface{}{
		"type":   EventTypeCompact,
		"reason": reason,
	}
}

// InterventionSentEvent is broadcast once an intervention has been handed
// to the engine.
func InterventionSentEvent(user, text string) map[string]interface{} {
	return map[string]interface{}{
		"type": EventTypeInterventionSent,
		"user": user,
		"text": text,
	}
}

// DebugEvent carries diagnostic detail for clients that render it.
func DebugEvent(message string, data map[string]interface{}) map[string]interface{} {
	p := map[string]interface{}{
		"type":    EventTypeDebug,
		"message": message,
	}
	if data != nil {
		p["data"] = data
	}
	return p
}

// StatusEvent describes the task's current state for a reconnecting
// client, sent before replay so the client can render immediately.
func StatusEvent(t *Task) map[string]interface{} {
	p := map[string]interface{}{
		"type":           EventTypeStatus,
		"status":         string(t.Status),
		"schema_version": EventSchemaVersion,
	}
	if t.Result != "" {
		p["result"] = t.Result
	}
	if t.Error != "" {
		p["error"] = t.Error
	}
	return p
}
