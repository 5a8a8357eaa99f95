package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	// TaskStatusRunning - execution in progress
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted - execution finished successfully
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusError - execution finished with an error
	TaskStatusError TaskStatus = "error"
)

// Task represents one client-visible unit of agent execution, uniquely
// identified by the (client_id, request_id) pair. Both parts are opaque
// strings chosen by the client, typically (bot-name, thread-id).
type Task struct {
	ClientID        string     `json:"client_id"`
	RequestID       string     `json:"request_id"`
	Status          TaskStatus `json:"status"`
	Prompt          string     `json:"prompt"`
	ResumeSessionID string     `json:"resume_session_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	// ClaudeSessionID is the agent conversation id learned during
	// execution; orthogonal to the task key, used as a secondary index.
	ClaudeSessionID string     `json:"claude_session_id,omitempty"`
	Attachments     []string   `json:"attachments,omitempty"`
	AllowedTools    []string   `json:"allowed_tools,omitempty"`
	DisallowedTools []string   `json:"disallowed_tools,omitempty"`
	UseMCP          bool       `json:"use_mcp,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}

// Key returns the composite task key used in logs and lock maps.
func (t *Task) Key() string {
	return t.ClientID + "/" + t.RequestID
}

// IsRunning reports whether the task is still executing.
func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

// IsTerminal reports whether the task reached completed or error.
// Terminal status never changes again; only DeliveredAt may be set later.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusError
}

// Clone returns a deep copy safe to hand outside the manager lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.Attachments != nil {
		c.Attachments = append([]string(nil), t.Attachments...)
	}
	if t.AllowedTools != nil {
		c.AllowedTools = append([]string(nil), t.AllowedTools...)
	}
	if t.DisallowedTools != nil {
		c.DisallowedTools = append([]string(nil), t.DisallowedTools...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.DeliveredAt != nil {
		at := *t.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}

// Intervention is a follow-up instruction queued for a running task.
// The executor drains the queue and feeds each entry to the agent as a
// follow-up prompt.
type Intervention struct {
	Text            string    `json:"text"`
	User            string    `json:"user"`
	AttachmentPaths []string  `json:"attachment_paths,omitempty"`
	QueuedAt        time.Time `json:"queued_at"`
}
