// Package main implements a mock agent binary speaking the coordination
// protocol over stdin/stdout: JSON-RPC 2.0, one frame per line. It answers
// prompts with canned streaming responses, which makes it useful for
// integration tests and demos without a real AI CLI attached.
//
// Prompt prefixes select a scenario:
//
//	error:<msg>   respond with a JSON-RPC error
//	slow:<dur>    delay the completion by the given duration
//	store:<text>  call the memory_store reverse tool before completing
//	search:<q>    call the memory_search reverse tool before completing
//
// Anything else gets two content chunks and a completion notification.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const protocolVersion = "2025-01-01"

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *writer) send(f frame) {
	f.JSONRPC = "2.0"
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(f); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: write failed: %v\n", err)
		os.Exit(1)
	}
}

func (w *writer) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	w.send(frame{Method: method, Params: raw})
}

type agent struct {
	out    *writer
	nextID int64
}

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	a := &agent{out: &writer{enc: json.NewEncoder(os.Stdout)}}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg frame
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.dispatch(msg)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

func (a *agent) dispatch(msg frame) {
	switch msg.Method {
	case "initialize":
		a.out.send(frame{ID: msg.ID, Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"prompts": map[string]any{}},
			"serverInfo":      map[string]any{"name": "mock-agent", "version": "1.0.0"},
		}})
	case "notifications/initialized":
		// Fire-and-forget, nothing to answer.
	case "ping":
		a.out.send(frame{ID: msg.ID, Result: map[string]any{}})
	case "prompts/request":
		var params struct {
			Prompt string `json:"prompt"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		a.handlePrompt(msg.ID, params.Prompt)
	case "":
		// A response to one of our reverse tool calls; nothing to do.
	default:
		if len(msg.ID) > 0 {
			a.out.send(frame{ID: msg.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
		}
	}
}

func (a *agent) handlePrompt(id json.RawMessage, prompt string) {
	scenario, arg := splitScenario(prompt)

	switch scenario {
	case "error":
		a.out.send(frame{ID: id, Error: &rpcError{Code: -32603, Message: arg}})
		return
	case "slow":
		if d, err := time.ParseDuration(arg); err == nil {
			time.Sleep(d)
		}
	case "store":
		a.callTool("memory_store", map[string]any{"content": arg, "type": "general"})
	case "search":
		a.callTool("memory_search", map[string]any{"query": arg})
	}

	a.out.notify("notifications/message", map[string]any{
		"level":   "info",
		"message": "working on it",
	})
	a.out.notify("prompts/chunk", map[string]any{
		"content": "analyzed the request; ",
	})
	a.out.notify("prompts/chunk", map[string]any{
		"content": "done",
	})
	a.out.send(frame{ID: id, Result: map[string]any{
		"content": mockResult(prompt),
	}})
}

// callTool issues a reverse tools/call request. The answer comes back on
// stdin and is dropped by dispatch, which is fine for a mock.
func (a *agent) callTool(name string, args map[string]any) {
	a.nextID++
	id, _ := json.Marshal(fmt.Sprintf("tool-%d", a.nextID))
	raw, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
	a.out.send(frame{ID: id, Method: "tools/call", Params: raw})
}

func splitScenario(prompt string) (string, string) {
	for _, scenario := range []string{"error", "slow", "store", "search"} {
		prefix := scenario + ":"
		if rest, ok := strings.CutPrefix(prompt, prefix); ok {
			return scenario, strings.TrimSpace(rest)
		}
	}
	return "", ""
}

func mockResult(prompt string) string {
	first := prompt
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	if len(first) > 60 {
		first = first[:60]
	}
	return "mock response to: " + first
}
