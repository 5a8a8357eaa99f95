package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/logger"
)

const (
	// maxLineSize is the scanner buffer limit. Assistant messages with
	// large tool results can easily exceed bufio's 64KB default.
	maxLineSize = 10 * 1024 * 1024
)

// MessageHandler processes messages from Claude Code CLI.
type MessageHandler func(msg *CLIMessage)

// Client handles the stream-json protocol with a Claude Code CLI
// process over its stdin/stdout pipes.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	messageHandler MessageHandler

	// pendingRequests correlates control responses to the requests we
	// sent, keyed by request id
	pendingMu       sync.Mutex
	pendingRequests map[string]chan *IncomingControlResponse

	writeMu sync.Mutex

	ready    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a protocol client on the given pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudecode-client")),
		pendingRequests: make(map[string]chan *IncomingControlResponse),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for non-control messages.
// Must be called before Start.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.messageHandler = handler
}

// Start begins reading messages from the CLI. It returns once the read
// loop is running; messages are delivered on the loop's goroutine.
func (c *Client) Start(ctx context.Context) error {
	go c.readLoop(ctx)

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the read loop. Safe to call multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the client has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Initialize performs the protocol handshake and waits for the CLI to
// acknowledge it.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) error {
	if _, err := c.sendControl(ctx, SubtypeInitialize, timeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// Interrupt asks the CLI to stop its current operation. The CLI keeps
// the session alive and accepts a new user message afterwards.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	if _, err := c.sendControl(ctx, SubtypeInterrupt, timeout); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// SendUserMessage sends a prompt to the CLI.
func (c *Client) SendUserMessage(content string) error {
	msg := UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

// sendControl sends a control request and waits for the matching
// response.
func (c *Client) sendControl(ctx context.Context, subtype string, timeout time.Duration) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()

	respCh := make(chan *IncomingControlResponse, 1)
	c.pendingMu.Lock()
	c.pendingRequests[requestID] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingMu.Unlock()
	}()

	req := SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request: SDKControlRequestBody{
			Subtype: subtype,
		},
	}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", subtype, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Subtype == ResponseSubtypeError {
			return nil, fmt.Errorf("%s failed: %s", subtype, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %s", subtype, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client stopped")
	}
}

// send marshals a message and writes it as one NDJSON line.
func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}

	c.logger.Debug("Sent message to CLI", zap.ByteString("data", data))
	return nil
}

// readLoop reads NDJSON lines from the CLI's stdout until the stream
// closes or the client stops.
func (c *Client) readLoop(ctx context.Context) {
	close(c.ready)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("CLI stdout closed", zap.Error(err))
	}
	c.Stop()
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Debug("Skipping unparseable CLI output", zap.Error(err))
		return
	}
	msg.RawContent = append(json.RawMessage(nil), line...)

	switch msg.Type {
	case MessageTypeControlRequest:
		c.handleControlRequest(&msg)
	case MessageTypeControlResponse:
		c.handleControlResponse(&msg)
	default:
		if c.messageHandler != nil {
			c.messageHandler(&msg)
		}
	}
}

// handleControlRequest rejects requests from the CLI. Runners execute
// with permission prompts disabled, so nothing should arrive here.
func (c *Client) handleControlRequest(msg *CLIMessage) {
	subtype := ""
	if msg.Request != nil {
		subtype = msg.Request.Subtype
	}
	c.logger.Warn("Rejecting unsupported control request",
		zap.String("subtype", subtype),
		zap.String("request_id", msg.RequestID))

	resp := ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: msg.RequestID,
		Response: &ControlResponse{
			Subtype: ResponseSubtypeError,
			Error:   fmt.Sprintf("control request %q is not supported", subtype),
		},
	}
	if err := c.send(resp); err != nil {
		c.logger.Error("Failed to send control response", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(msg *CLIMessage) {
	if msg.Response == nil {
		c.logger.Warn("Control response without body")
		return
	}

	c.pendingMu.Lock()
	respCh, ok := c.pendingRequests[msg.Response.RequestID]
	if ok {
		delete(c.pendingRequests, msg.Response.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Control response with no waiter",
			zap.String("request_id", msg.Response.RequestID))
		return
	}
	respCh <- msg.Response
}
