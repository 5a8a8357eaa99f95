package claudecode

import (
	"encoding/json"
	"testing"
)

func TestGetResultString(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{"string result", `"all done"`, "all done"},
		{"object result", `{"status":"ok"}`, ""},
		{"absent", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &CLIMessage{Result: json.RawMessage(tt.result)}
			if got := msg.GetResultString(); got != tt.want {
				t.Errorf("GetResultString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetStreamEvent(t *testing.T) {
	line := `{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","index":2,"delta":{"type":"thinking_delta","thinking":"hmm"}}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ev := msg.GetStreamEvent()
	if ev == nil {
		t.Fatal("GetStreamEvent returned nil")
	}
	if ev.Type != StreamContentBlockDelta || ev.Index != 2 {
		t.Errorf("event = %s index %d, want content_block_delta index 2", ev.Type, ev.Index)
	}
	if ev.Delta == nil || ev.Delta.Type != DeltaTypeThinking || ev.Delta.Thinking != "hmm" {
		t.Errorf("delta = %+v, want thinking_delta %q", ev.Delta, "hmm")
	}
}

func TestGetStreamEventMessageStart(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":1}}}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ev := msg.GetStreamEvent()
	if ev == nil || ev.Type != StreamMessageStart {
		t.Fatalf("event = %+v, want message_start", ev)
	}
	if ev.Message == nil || ev.Message.ID != "msg_01" || ev.Message.Model != "claude-sonnet-4" {
		t.Errorf("message header = %+v", ev.Message)
	}
}

func TestGetStreamEventAbsent(t *testing.T) {
	msg := &CLIMessage{Type: MessageTypeResult}
	if ev := msg.GetStreamEvent(); ev != nil {
		t.Errorf("GetStreamEvent on result message = %+v, want nil", ev)
	}

	bad := &CLIMessage{Event: json.RawMessage(`[1,2]`)}
	if ev := bad.GetStreamEvent(); ev != nil {
		t.Errorf("GetStreamEvent on malformed event = %+v, want nil", ev)
	}
}

func TestParseAssistantMessage(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"Looking at it"},{"type":"tool_use","id":"toolu_01","name":"Read","input":{"file_path":"main.go"}}]}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if msg.Message == nil || len(msg.Message.Content) != 2 {
		t.Fatalf("message = %+v, want 2 content blocks", msg.Message)
	}
	if msg.Message.Content[0].Type != "text" || msg.Message.Content[0].Text != "Looking at it" {
		t.Errorf("text block = %+v", msg.Message.Content[0])
	}
	tool := msg.Message.Content[1]
	if tool.Type != "tool_use" || tool.ID != "toolu_01" || tool.Name != "Read" {
		t.Errorf("tool block = %+v", tool)
	}
	if tool.Input["file_path"] != "main.go" {
		t.Errorf("tool input = %+v", tool.Input)
	}
}

func TestParseCompactBoundary(t *testing.T) {
	line := `{"type":"system","subtype":"compact_boundary","session_id":"s1","compact_metadata":{"trigger":"auto"}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Subtype != SystemSubtypeCompactBoundary {
		t.Errorf("subtype = %q", msg.Subtype)
	}
	if msg.CompactMetadata == nil || msg.CompactMetadata.Trigger != "auto" {
		t.Errorf("compact metadata = %+v", msg.CompactMetadata)
	}
}

func TestUserMessageWireShape(t *testing.T) {
	data, err := json.Marshal(UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"type":"user","message":{"role":"user","content":"hello"}}`
	if string(data) != want {
		t.Errorf("wire = %s, want %s", data, want)
	}
}

func TestControlRequestWireShape(t *testing.T) {
	data, err := json.Marshal(SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: "req-1",
		Request:   SDKControlRequestBody{Subtype: SubtypeInterrupt},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"type":"control_request","request_id":"req-1","request":{"subtype":"interrupt"}}`
	if string(data) != want {
		t.Errorf("wire = %s, want %s", data, want)
	}
}
