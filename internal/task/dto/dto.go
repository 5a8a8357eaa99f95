package dto

import (
	"time"

	"github.com/taskstream/taskstream/internal/task/models"
)

type TaskDTO struct {
	ClientID        string     `json:"client_id"`
	RequestID       string     `json:"request_id"`
	Status          string     `json:"status"`
	Prompt          string     `json:"prompt"`
	ResumeSessionID *string    `json:"resume_session_id,omitempty"`
	Result          *string    `json:"result,omitempty"`
	Error           *string    `json:"error,omitempty"`
	ClaudeSessionID *string    `json:"claude_session_id,omitempty"`
	Attachments     []string   `json:"attachments,omitempty"`
	AllowedTools    []string   `json:"allowed_tools,omitempty"`
	DisallowedTools []string   `json:"disallowed_tools,omitempty"`
	UseMCP          bool       `json:"use_mcp,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}

type ListTasksResponse struct {
	Tasks []TaskDTO `json:"tasks"`
	Total int       `json:"total"`
}

type AckResponse struct {
	Deleted bool `json:"deleted"`
}

type InterveneResponse struct {
	Queued bool `json:"queued"`
}

type HealthResponse struct {
	OK       bool `json:"ok"`
	Active   int  `json:"active"`
	Capacity int  `json:"capacity"`
}

type ShutdownResponse struct {
	ShuttingDown bool `json:"shutting_down"`
}

func FromTask(task *models.Task) TaskDTO {
	var resumeSessionID *string
	if task.ResumeSessionID != "" {
		resumeSessionID = &task.ResumeSessionID
	}
	var result *string
	if task.Result != "" {
		result = &task.Result
	}
	var taskErr *string
	if task.Error != "" {
		taskErr = &task.Error
	}
	var claudeSessionID *string
	if task.ClaudeSessionID != "" {
		claudeSessionID = &task.ClaudeSessionID
	}

	return TaskDTO{
		ClientID:        task.ClientID,
		RequestID:       task.RequestID,
		Status:          string(task.Status),
		Prompt:          task.Prompt,
		ResumeSessionID: resumeSessionID,
		Result:          result,
		Error:           taskErr,
		ClaudeSessionID: claudeSessionID,
		Attachments:     task.Attachments,
		AllowedTools:    task.AllowedTools,
		DisallowedTools: task.DisallowedTools,
		UseMCP:          task.UseMCP,
		CreatedAt:       task.CreatedAt,
		CompletedAt:     task.CompletedAt,
		DeliveredAt:     task.DeliveredAt,
	}
}
