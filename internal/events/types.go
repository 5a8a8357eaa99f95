// Package events provides event types and utilities for the task lifecycle bus.
package events

// Source identifies events published by this service.
const Source = "taskstream"

// Event types for task lifecycle
const (
	TaskCreated   = "task.created"
	TaskCompleted = "task.completed"
	TaskError     = "task.error"
	TaskDeleted   = "task.deleted"
)

// TaskWildcard subscribes to every task lifecycle event.
const TaskWildcard = "task.>"
