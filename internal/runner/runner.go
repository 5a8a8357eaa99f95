// Package runner maintains warm Claude CLI subprocesses and adapts
// their stream-json output to the task engine contract.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/common/metrics"
	"github.com/taskstream/taskstream/pkg/claudecode"
)

const (
	// initializeTimeout bounds the protocol handshake after exec. The
	// first start on a cold cache can be slow when the binary is an
	// npx shim, so this is generous.
	initializeTimeout = 30 * time.Second

	// stdinGrace is how long a stopping process gets to exit cleanly
	// after its stdin closes before signals escalate.
	stdinGrace = 2 * time.Second

	// termGrace is how long SIGTERM gets before SIGKILL.
	termGrace = 3 * time.Second
)

// StartSpec carries the per-task flags a runner process is started
// with. Two specs with the same key can share a live process.
type StartSpec struct {
	ResumeSessionID string
	AllowedTools    []string
	DisallowedTools []string
	MCPConfig       string // JSON for --mcp-config; empty disables MCP
}

// key is the flag signature used to detect whether a live process can
// serve a spec without a restart. The resume id is excluded; session
// compatibility is checked separately.
func (s StartSpec) key() string {
	return strings.Join([]string{
		strings.Join(s.AllowedTools, ","),
		strings.Join(s.DisallowedTools, ","),
		s.MCPConfig,
	}, "\x00")
}

// Runner is one agent subprocess slot. It owns at most one live CLI
// process at a time and restarts it when a task needs different flags
// or a different session.
type Runner struct {
	ID     string
	cfg    *config.RunnerConfig
	logger *logger.Logger

	mu      sync.Mutex
	proc    *process
	session string // agent session id held by the live process

	handlerMu sync.Mutex
	handler   claudecode.MessageHandler
}

// process is one live CLI subprocess with its protocol client.
type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	client   *claudecode.Client
	cancel   context.CancelFunc
	flags    string
	prompted bool
	done     chan struct{} // closed when cmd.Wait returns
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) signalGroup(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(p.cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
	} else {
		_ = p.cmd.Process.Signal(sig)
	}
}

// stop terminates the subprocess: close stdin so the CLI can wind down
// on its own, then escalate SIGTERM to SIGKILL on the process group.
func (p *process) stop() {
	p.client.Stop()
	_ = p.stdin.Close()

	select {
	case <-p.done:
		p.cancel()
		return
	case <-time.After(stdinGrace):
	}

	p.signalGroup(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(termGrace):
		p.signalGroup(syscall.SIGKILL)
		<-p.done
	}
	p.cancel()
}

// NewRunner creates a runner slot with no live process.
func NewRunner(cfg *config.RunnerConfig, log *logger.Logger) *Runner {
	id := uuid.New().String()
	return &Runner{
		ID:  id,
		cfg: cfg,
		logger: log.WithFields(
			zap.String("component", "runner"),
			zap.String("runner_id", id)),
	}
}

// SetHandler attaches the message handler receiving the live process's
// stream. Pass nil to detach.
func (r *Runner) SetHandler(h claudecode.MessageHandler) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
}

// SessionID returns the agent session the live process holds, if any.
func (r *Runner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Alive reports whether a live process is attached.
func (r *Runner) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc != nil && r.proc.alive()
}

// StreamDone returns a channel closed once the live process's stdout
// has been fully consumed; every message has been dispatched by then.
// Without a process the channel is already closed.
func (r *Runner) StreamDone() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.proc.client.Done()
}

// Warm pre-starts a flagless process so the first task served by this
// runner skips subprocess startup.
func (r *Runner) Warm(ctx context.Context) error {
	return r.Ensure(ctx, StartSpec{})
}

// Ensure makes sure a live process compatible with the given StartSpec
// is running, restarting the subprocess when flags or session differ.
func (r *Runner) Ensure(ctx context.Context, spec StartSpec) error {
	r.mu.Lock()
	if r.proc != nil && r.proc.alive() && r.proc.flags == spec.key() && r.canServeLocked(spec.ResumeSessionID) {
		r.mu.Unlock()
		return nil
	}
	old := r.proc
	r.proc = nil
	r.session = ""
	r.mu.Unlock()

	if old != nil {
		old.stop()
		r.logger.Debug("Restarting runner process for new spec")
	}
	return r.start(ctx, spec)
}

// canServeLocked reports whether the live process can take a prompt
// for the given resume id as-is: an unprompted process serves new
// conversations, a prompted one only continues its own session.
func (r *Runner) canServeLocked(resume string) bool {
	if resume == "" {
		return !r.proc.prompted
	}
	return r.session == resume
}

// start execs the CLI and completes the protocol handshake.
func (r *Runner) start(ctx context.Context, spec StartSpec) error {
	args := r.buildArgs(spec)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, r.cfg.Binary, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr
	// New process group so shutdown can kill the whole subprocess tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("attach stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", r.cfg.Binary, err)
	}

	client := claudecode.NewClient(stdin, stdout, r.logger)
	client.SetMessageHandler(r.dispatch)

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		client: client,
		cancel: cancel,
		flags:  spec.key(),
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
		client.Stop()
	}()

	if err := client.Start(procCtx); err != nil {
		proc.stop()
		return fmt.Errorf("start protocol client: %w", err)
	}
	if err := client.Initialize(ctx, initializeTimeout); err != nil {
		proc.stop()
		return fmt.Errorf("initialize runner: %w", err)
	}

	r.mu.Lock()
	r.proc = proc
	if r.session == "" {
		// Provisional until the init message reports the live id.
		r.session = spec.ResumeSessionID
	}
	r.mu.Unlock()

	metrics.RunnersStarted.Inc()
	r.logger.Info("Runner process started",
		zap.String("binary", r.cfg.Binary),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resumed", spec.ResumeSessionID != ""))
	return nil
}

func (r *Runner) buildArgs(spec StartSpec) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	if len(spec.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(spec.AllowedTools, ","))
	}
	if len(spec.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(spec.DisallowedTools, ","))
	}
	if spec.MCPConfig != "" {
		args = append(args, "--mcp-config", spec.MCPConfig)
	}
	return args
}

// dispatch records session ids from init messages and forwards every
// message to the attached handler, if any.
func (r *Runner) dispatch(msg *claudecode.CLIMessage) {
	if msg.Type == claudecode.MessageTypeSystem && msg.Subtype == claudecode.SystemSubtypeInit && msg.SessionID != "" {
		r.mu.Lock()
		r.session = msg.SessionID
		r.mu.Unlock()
	}

	r.handlerMu.Lock()
	h := r.handler
	r.handlerMu.Unlock()
	if h != nil {
		h(msg)
	}
}

// SendPrompt feeds a user message to the live process.
func (r *Runner) SendPrompt(text string) error {
	r.mu.Lock()
	proc := r.proc
	if proc != nil {
		proc.prompted = true
	}
	r.mu.Unlock()

	if proc == nil || !proc.alive() {
		return fmt.Errorf("runner %s has no live process", r.ID)
	}
	return proc.client.SendUserMessage(text)
}

// Interrupt asks the live process to abort its current generation. The
// session stays alive and accepts the next prompt.
func (r *Runner) Interrupt(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()

	if proc == nil || !proc.alive() {
		return fmt.Errorf("runner %s has no live process", r.ID)
	}
	return proc.client.Interrupt(ctx, timeout)
}

// Close terminates the live process if one is attached.
func (r *Runner) Close() {
	r.mu.Lock()
	proc := r.proc
	r.proc = nil
	r.session = ""
	r.mu.Unlock()

	if proc != nil {
		proc.stop()
		r.logger.Debug("Runner process stopped")
	}
}
