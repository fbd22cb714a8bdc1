package acp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/memnexus/memnexus/internal/memory/contextmgr"
	"github.com/memnexus/memnexus/internal/memory/store"
)

// Built-in reverse tools exposed to every connected agent.
const (
	ToolMemorySearch = "memory_search"
	ToolMemoryStore  = "memory_store"
)

const defaultSearchLimit = 5

// memorySearchArgs is the arguments object of memory_search. Type optionally
// restricts results to one memory type.
type memorySearchArgs struct {
	Query string `json:"query"`
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// memoryStoreArgs is the arguments object of memory_store.
type memoryStoreArgs struct {
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
	Type    string `json:"type,omitempty"`
}

// MemoryHit is one result entry of memory_search.
type MemoryHit struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Source  string `json:"source"`
	Type    string `json:"type"`
}

// MemorySearchResult is the result object of memory_search.
type MemorySearchResult struct {
	Memories []MemoryHit `json:"memories"`
	Summary  string      `json:"summary"`
}

// MemoryStoreResult is the result object of memory_store.
type MemoryStoreResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RegisterMemoryTools wires the shared memory into the connection so the
// agent can search and store session memory over the protocol.
func (c *Conn) RegisterMemoryTools(st store.Store, cm *contextmgr.Manager, sessionID string) {
	c.RegisterTool(ToolMemorySearch, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args memorySearchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid memory_search arguments: %w", err)
		}
		if args.Query == "" {
			return nil, fmt.Errorf("memory_search requires a query")
		}
		if args.Limit <= 0 {
			args.Limit = defaultSearchLimit
		}
		records, err := st.Search(ctx, sessionID, args.Query, args.Type, args.Limit)
		if err != nil {
			return nil, err
		}
		result := MemorySearchResult{Memories: make([]MemoryHit, 0, len(records))}
		for _, rec := range records {
			result.Memories = append(result.Memories, MemoryHit{
				ID:      rec.ID,
				Content: rec.Content,
				Source:  rec.Source,
				Type:    rec.MemoryType,
			})
		}
		result.Summary = fmt.Sprintf("%d memories matching %q", len(records), args.Query)
		return result, nil
	})

	c.RegisterTool(ToolMemoryStore, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args memoryStoreArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid memory_store arguments: %w", err)
		}
		if args.Content == "" {
			return nil, fmt.Errorf("memory_store requires content")
		}
		source := args.Source
		if source == "" {
			source = c.agentName
		}
		memType := args.Type
		if memType == "" {
			memType = "general"
		}
		id, err := cm.Capture(ctx, args.Content, source, memType, nil)
		if err != nil {
			return nil, err
		}
		return MemoryStoreResult{ID: id, Status: "stored"}, nil
	})
}
