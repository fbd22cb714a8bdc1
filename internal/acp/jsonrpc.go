// Package acp implements the agent coordination protocol: JSON-RPC 2.0 over
// newline-delimited UTF-8 on an agent subprocess's stdio.
package acp

import (
	"bytes"
	"encoding/json"
)

// JSONRPCVersion is the fixed jsonrpc field value.
const JSONRPCVersion = "2.0"

// ProtocolVersion is the ACP protocol revision spoken by this adapter.
const ProtocolVersion = "2025-01-01"

// JSON-RPC error codes used on the wire.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Methods of the protocol.
const (
	MethodInitialize   = "initialize"
	MethodInitialized  = "notifications/initialized"
	MethodPrompt       = "prompts/request"
	MethodToolsCall    = "tools/call"
	MethodLogMessage   = "notifications/message"
	MethodPing         = "ping"
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// message is the envelope for every inbound frame: request, response or
// notification, distinguished by the presence of ID, Method, Result, Error.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// isResponse reports whether the frame answers one of our requests.
func (m *message) isResponse() bool {
	return m.Method == "" && m.hasID() && (m.Result != nil || m.Error != nil)
}

// isRequest reports whether the frame is a peer request expecting a reply.
func (m *message) isRequest() bool {
	return m.Method != "" && m.hasID()
}

// isNotification reports whether the frame is a fire-and-forget message.
func (m *message) isNotification() bool {
	return m.Method != "" && !m.hasID()
}

// pendingKey canonicalizes a raw id for pending-request matching.
func pendingKey(raw json.RawMessage) string {
	return string(bytes.TrimSpace(raw))
}

// Capabilities advertised in the initialize handshake.
var clientCapabilities = map[string]any{
	"tools":     map[string]any{"listChanged": true},
	"resources": map[string]any{"subscribe": true, "listChanged": true},
	"prompts":   map[string]any{"listChanged": true},
	"logging":   map[string]any{},
}

// InitializeResult is the agent's answer to the initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// LogMessageParams is the payload of notifications/message.
type LogMessageParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Agent   string `json:"agent,omitempty"`
}

// toolCallParams is the payload of a tools/call request from the agent.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
