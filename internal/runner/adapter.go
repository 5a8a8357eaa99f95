package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
	"github.com/taskstream/taskstream/internal/task/service"
	"github.com/taskstream/taskstream/pkg/claudecode"
)

const (
	// engineBuffer is the event channel capacity between the adapter
	// and the executor draining it.
	engineBuffer = 16

	// interventionPollInterval bounds how stale a queued intervention
	// can get while the agent stream is quiet.
	interventionPollInterval = 200 * time.Millisecond

	// interruptTimeout bounds the interrupt round-trip before an
	// intervention prompt is sent anyway.
	interruptTimeout = 5 * time.Second

	// contextWindowTokens approximates the model context window for
	// the percent figure in context_usage telemetry.
	contextWindowTokens = 200_000
)

// Adapter drives task executions on pooled runners, translating CLI
// stream messages into the engine's event payloads.
type Adapter struct {
	pool   *Pool
	mcpURL string // non-empty when the embedded MCP server is up
	logger *logger.Logger
}

var _ service.Engine = (*Adapter)(nil)

// NewAdapter creates the engine implementation backed by the pool.
// mcpURL, when non-empty, is handed to agents started with use_mcp.
func NewAdapter(pool *Pool, mcpURL string, log *logger.Logger) *Adapter {
	return &Adapter{
		pool:   pool,
		mcpURL: mcpURL,
		logger: log.WithFields(zap.String("component", "engine-adapter")),
	}
}

// Execute acquires a runner and streams translated engine events until
// the terminal result. Failures after this returns surface as a result
// event with success=false.
func (a *Adapter) Execute(ctx context.Context, req service.EngineRequest) (<-chan map[string]interface{}, error) {
	out := make(chan map[string]interface{}, engineBuffer)
	go a.run(ctx, req, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, req service.EngineRequest, out chan<- map[string]interface{}) {
	defer close(out)

	exec := &execution{
		ctx:        ctx,
		req:        req,
		out:        out,
		toolCards:  make(map[string]toolCard),
		retryArmed: req.ResumeSessionID != "",
	}

	spec := StartSpec{
		ResumeSessionID: req.ResumeSessionID,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		MCPConfig:       a.mcpConfig(req.UseMCP),
	}

	r, err := a.pool.Acquire(req.ResumeSessionID)
	if err != nil {
		exec.emit(models.ResultEvent(false, "", fmt.Sprintf("acquire runner: %v", err)))
		return
	}
	defer func() { a.pool.Release(r, r.SessionID()) }()

	st := a.drive(ctx, exec, r, spec)
	if st == turnStale {
		a.logger.Warn("Resumed session not found, retrying with a fresh session",
			zap.String("session_id", spec.ResumeSessionID),
			zap.String("error", exec.failure))
		exec.retryArmed = false
		exec.failure = ""
		spec.ResumeSessionID = ""
		a.drive(ctx, exec, r, spec)
	}
}

// drive runs one attempt: ensure a compatible process, send the prompt,
// translate the stream until a terminal result. Returns turnStale when
// a resumed session turned out to be gone and a fresh retry is allowed.
func (a *Adapter) drive(ctx context.Context, exec *execution, r *Runner, spec StartSpec) turnState {
	if err := r.Ensure(ctx, spec); err != nil {
		if exec.retryArmed && spec.ResumeSessionID != "" {
			exec.failure = err.Error()
			return turnStale
		}
		exec.emit(models.ResultEvent(false, "", fmt.Sprintf("start runner: %v", err)))
		return turnFailed
	}

	exec.announceSession(r.SessionID())

	msgCh := make(chan *claudecode.CLIMessage, 64)
	r.SetHandler(func(msg *claudecode.CLIMessage) {
		select {
		case msgCh <- msg:
		case <-ctx.Done():
		}
	})
	defer r.SetHandler(nil)

	if err := r.SendPrompt(exec.req.Prompt); err != nil {
		exec.emit(models.ResultEvent(false, "", fmt.Sprintf("send prompt: %v", err)))
		return turnFailed
	}

	ticker := time.NewTicker(interventionPollInterval)
	defer ticker.Stop()
	streamDone := r.StreamDone()

	for {
		if iv := exec.req.GetIntervention(); iv != nil {
			a.deliverIntervention(ctx, exec, r, iv)
		}

		select {
		case msg := <-msgCh:
			if st := exec.handleMessage(msg); st != turnContinue {
				return st
			}
		case <-ticker.C:
			// Loop back around to poll for interventions.
		case <-streamDone:
			// The stream has been fully dispatched; anything pending
			// is already buffered in msgCh.
			for {
				select {
				case msg := <-msgCh:
					if st := exec.handleMessage(msg); st != turnContinue {
						return st
					}
				default:
					exec.emit(models.ResultEvent(false, "", "runner process exited unexpectedly"))
					return turnFailed
				}
			}
		case <-ctx.Done():
			ictx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
			if err := r.Interrupt(ictx, interruptTimeout); err != nil {
				a.logger.Debug("Interrupt on cancellation failed", zap.Error(err))
			}
			cancel()
			return turnFailed
		}
	}
}

// deliverIntervention interrupts the in-flight generation and feeds the
// intervention as the next prompt.
func (a *Adapter) deliverIntervention(ctx context.Context, exec *execution, r *Runner, iv *models.Intervention) {
	ictx, cancel := context.WithTimeout(ctx, interruptTimeout)
	err := r.Interrupt(ictx, interruptTimeout)
	cancel()
	if err == nil {
		// The interrupted turn still reports a result; consume it so
		// it does not end the task.
		exec.swallow++
	} else {
		a.logger.Debug("Interrupt before intervention failed", zap.Error(err))
	}

	if err := r.SendPrompt(formatIntervention(iv)); err != nil {
		a.logger.Error("Failed to send intervention", zap.Error(err))
		exec.emit(models.DebugEvent("intervention delivery failed",
			map[string]interface{}{"error": err.Error()}))
		return
	}
	if exec.req.OnInterventionSent != nil {
		exec.req.OnInterventionSent(iv)
	}
}

// mcpConfig renders the --mcp-config JSON pointing the agent at the
// embedded MCP server.
func (a *Adapter) mcpConfig(useMCP bool) string {
	if !useMCP || a.mcpURL == "" {
		return ""
	}
	cfg := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"taskstream": map[string]interface{}{
				"type": "http",
				"url":  a.mcpURL,
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(data)
}

// formatIntervention renders a queued intervention as a follow-up
// prompt for the agent.
func formatIntervention(iv *models.Intervention) string {
	var b strings.Builder
	if iv.User != "" {
		fmt.Fprintf(&b, "[Message from %s] ", iv.User)
	}
	b.WriteString(iv.Text)
	for _, p := range iv.AttachmentPaths {
		fmt.Fprintf(&b, "\nAttached file: %s", p)
	}
	return b.String()
}

type turnState int

const (
	turnContinue turnState = iota
	turnSucceeded
	turnFailed
	turnStale
)

// toolCard remembers the card a tool invocation was announced on so
// its result attributes correctly even after later cards start.
type toolCard struct {
	id   string
	name string
}

// execution is the per-task translation state.
type execution struct {
	ctx context.Context
	req service.EngineRequest
	out chan<- map[string]interface{}

	announcedSession string
	toolCards        map[string]toolCard
	swallow          int    // interrupted-turn results left to consume
	retryArmed       bool   // a stale resumed session may retry fresh
	failure          string // message from a failed result
}

func (e *execution) emit(payload map[string]interface{}) {
	select {
	case e.out <- payload:
	case <-e.ctx.Done():
	}
}

// announceSession emits the session event once per distinct id.
func (e *execution) announceSession(sid string) {
	if sid == "" || sid == e.announcedSession {
		return
	}
	e.announcedSession = sid
	e.emit(models.SessionEvent(sid))
}

func (e *execution) handleMessage(msg *claudecode.CLIMessage) turnState {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		e.handleSystem(msg)
	case claudecode.MessageTypeAssistant:
		e.handleAssistant(msg)
	case claudecode.MessageTypeUser:
		e.handleToolResults(msg)
	case claudecode.MessageTypeStreamEvent:
		e.handleStreamEvent(msg)
	case claudecode.MessageTypeResult:
		return e.handleResult(msg)
	}
	return turnContinue
}

func (e *execution) handleSystem(msg *claudecode.CLIMessage) {
	switch msg.Subtype {
	case claudecode.SystemSubtypeInit:
		e.announceSession(msg.SessionID)
	case claudecode.SystemSubtypeCompactBoundary:
		reason := ""
		if msg.CompactMetadata != nil {
			reason = msg.CompactMetadata.Trigger
		}
		e.emit(models.CompactEvent(reason))
	default:
		e.emit(models.DebugEvent("system notice",
			map[string]interface{}{"subtype": msg.Subtype}))
	}
}

// handleAssistant turns complete assistant messages into cards. The
// CLI delivers whole content blocks per message, so each text block is
// one start/delta/end triple.
func (e *execution) handleAssistant(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			card := newCardID()
			e.emit(models.TextStartEvent(card))
			e.emit(models.TextDeltaEvent(card, block.Text))
			e.emit(models.TextEndEvent(card))
		case "thinking":
			if block.Thinking != "" {
				e.emit(models.ProgressEvent(block.Thinking))
			}
		case "tool_use":
			card := newCardID()
			e.toolCards[block.ID] = toolCard{id: card, name: block.Name}
			e.emit(models.ToolStartEvent(card, block.ID, block.Name, block.Input))
		}
	}
}

// handleToolResults maps tool_result blocks (delivered as user
// messages) back to the card their tool_use was announced on.
func (e *execution) handleToolResults(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		if block.Type != "tool_result" {
			continue
		}
		tc, ok := e.toolCards[block.ToolUseID]
		if !ok {
			continue
		}
		delete(e.toolCards, block.ToolUseID)
		e.emit(models.ToolResultEvent(tc.id, block.ToolUseID, tc.name, block.ContentText(), block.IsError))
	}
}

// handleStreamEvent surfaces cumulative usage telemetry. Content
// deltas are ignored; cards are driven from complete messages.
func (e *execution) handleStreamEvent(msg *claudecode.CLIMessage) {
	ev := msg.GetStreamEvent()
	if ev == nil {
		return
	}
	if ev.Type == claudecode.StreamMessageDelta && ev.Usage != nil {
		e.emit(contextUsagePayload(ev.Usage))
	}
}

func (e *execution) handleResult(msg *claudecode.CLIMessage) turnState {
	e.announceSession(msg.SessionID)

	if e.swallow > 0 {
		e.swallow--
		e.emit(models.DebugEvent("turn interrupted",
			map[string]interface{}{"subtype": msg.Subtype}))
		return turnContinue
	}

	if msg.Usage != nil {
		e.emit(contextUsagePayload(msg.Usage))
	}

	if msg.IsError {
		text := msg.GetResultString()
		if text == "" {
			text = fmt.Sprintf("agent failed (%s)", msg.Subtype)
		}
		if e.retryArmed && staleSessionHint(text) {
			e.failure = text
			return turnStale
		}
		e.failure = text
		e.emit(models.ResultEvent(false, "", text))
		return turnFailed
	}

	e.emit(models.ResultEvent(true, msg.GetResultString(), ""))
	return turnSucceeded
}

// staleSessionHint reports whether a failure looks like the CLI
// rejecting a resume for a conversation it no longer has.
func staleSessionHint(msg string) bool {
	return strings.Contains(msg, "No conversation found with session ID")
}

func contextUsagePayload(u *claudecode.Usage) map[string]interface{} {
	used := u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
	percent := float64(used) / float64(contextWindowTokens) * 100
	return models.ContextUsageEvent(used, u.CacheReadInputTokens, u.CacheCreationInputTokens, percent)
}

// newCardID mints the 8-character id that groups a card's events.
func newCardID() string {
	return uuid.New().String()[:8]
}
