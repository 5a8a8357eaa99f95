package service

import (
	"context"

	"github.com/taskstream/taskstream/internal/task/models"
)

// EngineRequest carries everything the engine needs to run one task.
// GetIntervention is polled between engine events; when it returns a
// message the engine feeds it to the agent as a follow-up prompt and
// calls OnInterventionSent synchronously after the hand-off.
type EngineRequest struct {
	Prompt          string
	ResumeSessionID string
	AllowedTools    []string
	DisallowedTools []string
	UseMCP          bool

	GetIntervention    func() *models.Intervention
	OnInterventionSent func(*models.Intervention)
}

// Engine drives one agent execution and streams its events as payload
// maps built by the models package. The channel closes when the engine
// is done; the last meaningful payload is a result (or error) event.
// Cancelling the context interrupts the agent and closes the stream.
type Engine interface {
	Execute(ctx context.Context, req EngineRequest) (<-chan map[string]interface{}, error)
}
