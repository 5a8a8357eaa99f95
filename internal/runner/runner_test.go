package runner

import (
	"reflect"
	"sync"
	"testing"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/pkg/claudecode"
)

func TestBuildArgs(t *testing.T) {
	r := NewRunner(&config.RunnerConfig{Binary: "claude", Model: "claude-sonnet-4"}, newTestLogger(t))

	args := r.buildArgs(StartSpec{
		ResumeSessionID: "sid-1",
		AllowedTools:    []string{"Read", "Bash"},
		DisallowedTools: []string{"WebSearch"},
		MCPConfig:       `{"mcpServers":{}}`,
	})

	want := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
		"--model", "claude-sonnet-4",
		"--resume", "sid-1",
		"--allowedTools", "Read,Bash",
		"--disallowedTools", "WebSearch",
		"--mcp-config", `{"mcpServers":{}}`,
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v\nwant %v", args, want)
	}
}

func TestBuildArgsMinimal(t *testing.T) {
	r := NewRunner(&config.RunnerConfig{Binary: "claude"}, newTestLogger(t))

	args := r.buildArgs(StartSpec{})
	want := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v\nwant %v", args, want)
	}
}

func TestStartSpecKey(t *testing.T) {
	base := StartSpec{AllowedTools: []string{"Read"}, MCPConfig: "{}"}

	same := StartSpec{AllowedTools: []string{"Read"}, MCPConfig: "{}", ResumeSessionID: "other"}
	if base.key() != same.key() {
		t.Error("resume id changed the flag signature")
	}

	diff := StartSpec{AllowedTools: []string{"Read", "Bash"}, MCPConfig: "{}"}
	if base.key() == diff.key() {
		t.Error("different tool sets share a flag signature")
	}
}

func TestDispatchRecordsSession(t *testing.T) {
	r := NewRunner(&config.RunnerConfig{Binary: "claude"}, newTestLogger(t))

	var mu sync.Mutex
	var got []*claudecode.CLIMessage
	r.SetHandler(func(msg *claudecode.CLIMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	r.dispatch(&claudecode.CLIMessage{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   claudecode.SystemSubtypeInit,
		SessionID: "s-9",
	})
	r.dispatch(&claudecode.CLIMessage{Type: claudecode.MessageTypeAssistant})

	if r.SessionID() != "s-9" {
		t.Errorf("SessionID() = %q, want s-9", r.SessionID())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("handler received %d messages, want 2", len(got))
	}
}

func TestCanServe(t *testing.T) {
	r := NewRunner(&config.RunnerConfig{Binary: "claude"}, newTestLogger(t))
	r.proc = &process{done: make(chan struct{})}

	if !r.canServeLocked("") {
		t.Error("fresh process refused a new conversation")
	}
	if r.canServeLocked("s1") {
		t.Error("fresh process accepted a resume it does not hold")
	}

	r.proc.prompted = true
	r.session = "s1"

	if !r.canServeLocked("s1") {
		t.Error("live session refused its own resume")
	}
	if r.canServeLocked("") {
		t.Error("prompted process accepted an unrelated new conversation")
	}
	if r.canServeLocked("s2") {
		t.Error("live session accepted a different session's resume")
	}
}
