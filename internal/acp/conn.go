package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
)

var (
	ErrPeerClosed     = errors.New("agent connection closed")
	ErrRequestTimeout = errors.New("request timed out")
	ErrNotInitialized = errors.New("connection not initialized")
	ErrPromptActive   = errors.New("a prompt is already in flight")
)

// Timeouts used when the config leaves them zero.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultPromptTimeout  = 300 * time.Second
)

// maxFrameSize bounds one wire frame.
const maxFrameSize = 4 * 1024 * 1024

// ToolHandler serves one reverse tool call from the agent.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// MessageHandler receives notifications/message payloads, including wrapped
// non-JSON output lines.
type MessageHandler func(params LogMessageParams)

// PromptEvent is one item in a prompt's event stream.
type PromptEvent struct {
	// Type is "chunk", "completion" or "error".
	Type    string
	Content string
	Err     error
}

// promptState tracks the single in-flight prompt. mu orders chunk sends
// against finish so nothing writes to events after it is closed.
type promptState struct {
	id     string
	events chan PromptEvent
	chunks []string
	done   chan struct{}

	mu       sync.Mutex
	finished bool
}

// emit queues a chunk event. Chunks are dropped when the buffer is nearly
// full: the last slot stays reserved so the terminal event always fits.
func (p *promptState) emit(evt PromptEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || len(p.events) >= cap(p.events)-1 {
		return
	}
	p.events <- evt
}

// finish emits a terminal event and closes the stream exactly once.
func (p *promptState) finish(evt PromptEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if evt.Type != "" {
		// Cannot block: emit leaves the last buffer slot free.
		p.events <- evt
	}
	close(p.events)
	close(p.done)
}

// Conn is one ACP connection to an agent subprocess. One goroutine owns the
// read side; writes are serialized by a mutex.
type Conn struct {
	agentName      string
	requestTimeout time.Duration
	promptTimeout  time.Duration
	log            *logger.Logger

	writeMu sync.Mutex
	w       io.Writer

	pendingMu sync.Mutex
	pending   map[string]chan *message
	nextID    int64

	toolsMu sync.RWMutex
	tools   map[string]ToolHandler

	handlersMu  sync.RWMutex
	msgHandlers []MessageHandler

	promptMu sync.Mutex
	active   *promptState

	initialized bool
	initMu      sync.Mutex
	agentInfo   *InitializeResult

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithPromptTimeout overrides the hard per-prompt timeout.
func WithPromptTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.promptTimeout = d
		}
	}
}

// NewConn wraps an agent's stdio in an ACP connection and starts the reader.
func NewConn(agentName string, w io.Writer, r io.Reader, log *logger.Logger, opts ...Option) *Conn {
	c := &Conn{
		agentName:      agentName,
		requestTimeout: DefaultRequestTimeout,
		promptTimeout:  DefaultPromptTimeout,
		w:              w,
		pending:        make(map[string]chan *message),
		tools:          make(map[string]ToolHandler),
		closed:         make(chan struct{}),
		log: log.WithFields(
			zap.String("component", "acp"),
			zap.String("agent", agentName)),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(r)
	return c
}

// Initialize performs the handshake: the initialize request followed by the
// initialized notification.
func (c *Conn) Initialize(ctx context.Context) (*InitializeResult, error) {
	raw, err := c.Call(ctx, MethodInitialize, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    clientCapabilities,
		"clientInfo": map[string]any{
			"name":    "memnexus",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad initialize result: %w", err)
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		c.log.Warn("agent speaks a different protocol revision",
			zap.String("agent_version", result.ProtocolVersion))
	}

	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, err
	}

	c.initMu.Lock()
	c.initialized = true
	c.agentInfo = &result
	c.initMu.Unlock()
	return &result, nil
}

// Initialized reports whether the handshake has completed.
func (c *Conn) Initialized() bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initialized
}

// RegisterTool installs a handler for reverse tools/call requests.
func (c *Conn) RegisterTool(name string, handler ToolHandler) {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	c.tools[name] = handler
}

// OnMessage installs a handler for notifications/message frames.
func (c *Conn) OnMessage(handler MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.msgHandlers = append(c.msgHandlers, handler)
}

// Call sends a request and waits for the matching response.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, ch, err := c.sendRequest(method, params)
	if err != nil {
		return nil, err
	}
	defer c.removePending(id)

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrPeerClosed
	}
}

// Notify sends a notification (no reply expected).
func (c *Conn) Notify(method string, params any) error {
	return c.writeFrame(map[string]any{
		"jsonrpc": JSONRPCVersion,
		"method":  method,
		"params":  params,
	})
}

// Prompt sends a prompts/request and returns the stream of events for it.
// One prompt at a time per connection; the stream ends with a completion or
// error event, or is closed without one when ctx is cancelled.
func (c *Conn) Prompt(ctx context.Context, prompt string) (<-chan PromptEvent, error) {
	if !c.Initialized() {
		return nil, ErrNotInitialized
	}

	c.promptMu.Lock()
	if c.active != nil {
		select {
		case <-c.active.done:
		default:
			c.promptMu.Unlock()
			return nil, ErrPromptActive
		}
	}

	id, ch, err := c.sendRequest(MethodPrompt, map[string]any{"prompt": prompt})
	if err != nil {
		c.promptMu.Unlock()
		return nil, err
	}
	state := &promptState{
		id:     id,
		events: make(chan PromptEvent, 64),
		done:   make(chan struct{}),
	}
	c.active = state
	c.promptMu.Unlock()

	go c.watchPrompt(ctx, state, ch)
	return state.events, nil
}

// watchPrompt resolves the prompt on response, completion notification,
// timeout or cancellation.
func (c *Conn) watchPrompt(ctx context.Context, state *promptState, ch chan *message) {
	defer c.removePending(state.id)
	defer func() {
		c.promptMu.Lock()
		if c.active == state {
			c.active = nil
		}
		c.promptMu.Unlock()
	}()

	timer := time.NewTimer(c.promptTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			state.finish(PromptEvent{Type: "error", Err: msg.Error})
			return
		}
		state.finish(PromptEvent{Type: "completion", Content: resultContent(msg.Result)})
	case <-state.done:
		// Completed via a params.type == "completion" notification.
	case <-timer.C:
		state.finish(PromptEvent{Type: "error", Err: fmt.Errorf("%w: prompt", ErrRequestTimeout)})
	case <-ctx.Done():
		state.finish(PromptEvent{})
	case <-c.closed:
		state.finish(PromptEvent{Type: "error", Err: ErrPeerClosed})
	}
}

// resultContent extracts the text of a prompt result.
func resultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Content string `json:"content"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Content != "" {
			return obj.Content
		}
		if obj.Result != "" {
			return obj.Result
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// sendRequest allocates an id, registers the pending slot and writes the frame.
func (c *Conn) sendRequest(method string, params any) (string, chan *message, error) {
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	key := strconv.FormatInt(id, 10)
	ch := make(chan *message, 1)
	c.pending[key] = ch
	c.pendingMu.Unlock()

	err := c.writeFrame(map[string]any{
		"jsonrpc": JSONRPCVersion,
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		c.removePending(key)
		return "", nil, err
	}
	return key, ch, nil
}

func (c *Conn) removePending(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// writeFrame marshals and writes one LF-terminated frame.
func (c *Conn) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrPeerClosed
	default:
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readLoop is the single reader goroutine.
func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Method == "" && !msg.hasID() {
			// Plain agent output, surfaced as an info log message.
			c.dispatchLogMessage(LogMessageParams{
				Level:   "info",
				Message: string(line),
				Agent:   c.agentName,
			})
			continue
		}
		c.dispatch(&msg)
	}
	c.Close()
}

func (c *Conn) dispatch(msg *message) {
	switch {
	case msg.isResponse():
		c.pendingMu.Lock()
		ch, ok := c.pending[pendingKey(msg.ID)]
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		} else {
			c.log.Debug("response for unknown request id",
				zap.String("id", pendingKey(msg.ID)))
		}
	case msg.isRequest():
		go c.serveRequest(msg)
	case msg.isNotification():
		c.serveNotification(msg)
	default:
		c.respondError(msg.ID, CodeInvalidRequest, "invalid request")
	}
}

// serveRequest handles reverse requests from the agent.
func (c *Conn) serveRequest(msg *message) {
	switch msg.Method {
	case MethodPing:
		c.respond(msg.ID, map[string]any{})
	case MethodToolsCall:
		c.serveToolCall(msg)
	default:
		c.respondError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (c *Conn) serveToolCall(msg *message) {
	var params toolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respondError(msg.ID, CodeInvalidRequest, "invalid tools/call params")
		return
	}
	c.toolsMu.RLock()
	handler, ok := c.tools[params.Name]
	c.toolsMu.RUnlock()
	if !ok {
		c.respondError(msg.ID, CodeMethodNotFound, fmt.Sprintf("tool not found: %s", params.Name))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	result, err := handler(ctx, params.Arguments)
	if err != nil {
		c.respondError(msg.ID, CodeInternalError, err.Error())
		return
	}
	c.respond(msg.ID, result)
}

// serveNotification routes agent notifications, feeding the active prompt.
func (c *Conn) serveNotification(msg *message) {
	if msg.Method == MethodLogMessage {
		var params LogMessageParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			if params.Agent == "" {
				params.Agent = c.agentName
			}
			c.dispatchLogMessage(params)
		}
		return
	}

	var params struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		Result  string `json:"result"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	c.promptMu.Lock()
	state := c.active
	c.promptMu.Unlock()
	if state == nil {
		return
	}

	if params.Type == "completion" {
		content := params.Result
		if content == "" {
			content = params.Content
		}
		if content == "" {
			content = joinChunks(state.chunks)
		}
		state.finish(PromptEvent{Type: "completion", Content: content})
		return
	}
	if params.Content != "" {
		state.chunks = append(state.chunks, params.Content)
		state.emit(PromptEvent{Type: "chunk", Content: params.Content})
	}
}

func joinChunks(chunks []string) string {
	out := ""
	for _, chunk := range chunks {
		out += chunk
	}
	return out
}

func (c *Conn) dispatchLogMessage(params LogMessageParams) {
	switch params.Level {
	case "error":
		c.log.Error("agent message", zap.String("message", params.Message))
	case "warn", "warning":
		c.log.Warn("agent message", zap.String("message", params.Message))
	default:
		c.log.Debug("agent message", zap.String("message", params.Message))
	}
	c.handlersMu.RLock()
	handlers := c.msgHandlers
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(params)
	}
}

func (c *Conn) respond(id json.RawMessage, result any) {
	if err := c.writeFrame(map[string]any{
		"jsonrpc": JSONRPCVersion,
		"id":      id,
		"result":  result,
	}); err != nil {
		c.log.WithError(err).Warn("failed to send response")
	}
}

func (c *Conn) respondError(id json.RawMessage, code int, message string) {
	if err := c.writeFrame(map[string]any{
		"jsonrpc": JSONRPCVersion,
		"id":      id,
		"error":   &Error{Code: code, Message: message},
	}); err != nil {
		c.log.WithError(err).Warn("failed to send error response")
	}
}

// Close tears the connection down, failing all pending calls.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[string]chan *message)
		c.pendingMu.Unlock()
		for _, ch := range pending {
			select {
			case ch <- &message{Error: &Error{Code: CodeInternalError, Message: ErrPeerClosed.Error()}}:
			default:
			}
		}

		c.promptMu.Lock()
		state := c.active
		c.active = nil
		c.promptMu.Unlock()
		if state != nil {
			state.finish(PromptEvent{Type: "error", Err: ErrPeerClosed})
		}
	})
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// AgentInfo returns the agent's initialize result, or nil before handshake.
func (c *Conn) AgentInfo() *InitializeResult {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.agentInfo
}
