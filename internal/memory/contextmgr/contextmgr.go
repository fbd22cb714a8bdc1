// Package contextmgr assembles working context for agents from a session's
// memory: recent records, query-relevant records and a short summary.
package contextmgr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory/store"
	memsync "github.com/memnexus/memnexus/internal/memory/sync"
)

// Memory types written by the capture helpers.
const (
	TypeConversation = "conversation"
	TypeFileChange   = "file_change"
	TypeTaskResult   = "task_result"
	TypeCodeContext  = "code_context"
)

const (
	recentLimit   = 10
	relevantLimit = 5
)

// Snapshot is a point-in-time view of a session's context.
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Recent    []*store.Record `json:"recent"`
	Relevant  []*store.Record `json:"relevant,omitempty"`
	Summary   string          `json:"summary"`
	TakenAt   time.Time       `json:"taken_at"`
}

// Manager captures and retrieves context for one session.
type Manager struct {
	store     store.Store
	bus       *memsync.Bus
	sessionID string
	log       *logger.Logger
}

// NewManager creates a context manager bound to a session.
func NewManager(st store.Store, bus *memsync.Bus, sessionID string, log *logger.Logger) *Manager {
	return &Manager{
		store:     st,
		bus:       bus,
		sessionID: sessionID,
		log: log.WithFields(
			zap.String("component", "context-manager"),
			zap.String("session_id", sessionID)),
	}
}

// Capture stores a record and announces it on the sync bus.
func (m *Manager) Capture(ctx context.Context, content, source, memType string, meta map[string]any) (string, error) {
	rec := &store.Record{
		Content:    content,
		Source:     source,
		SessionID:  m.sessionID,
		MemoryType: memType,
		Metadata:   meta,
	}
	id, err := m.store.Add(ctx, rec)
	if err != nil {
		return "", err
	}
	m.bus.Publish(ctx, memsync.Event{
		Type:      memsync.EventMemoryAdded,
		SessionID: m.sessionID,
		Memory:    rec,
		Source:    source,
	})
	return id, nil
}

// CaptureConversation records one line of agent conversation.
func (m *Manager) CaptureConversation(ctx context.Context, agent, content string) (string, error) {
	return m.Capture(ctx, content, agent, TypeConversation, nil)
}

// CaptureFileChange records that a file was modified.
func (m *Manager) CaptureFileChange(ctx context.Context, source, path, description string) (string, error) {
	content := fmt.Sprintf("File changed: %s", path)
	if description != "" {
		content += " - " + description
	}
	return m.Capture(ctx, content, source, TypeFileChange, map[string]any{"path": path})
}

// CaptureTaskResult records a completed task's result.
func (m *Manager) CaptureTaskResult(ctx context.Context, taskID, agent, result string) (string, error) {
	return m.Capture(ctx, result, agent, TypeTaskResult, map[string]any{"task_id": taskID})
}

// Snapshot returns recent records, records relevant to the query (when the
// query is non-empty) and a summary line.
func (m *Manager) Snapshot(ctx context.Context, query string) (*Snapshot, error) {
	recent, err := m.store.BySession(ctx, m.sessionID, "", recentLimit)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		SessionID: m.sessionID,
		Recent:    recent,
		TakenAt:   time.Now().UTC(),
	}
	if query != "" {
		relevant, err := m.store.Search(ctx, m.sessionID, query, "", relevantLimit)
		if err != nil {
			return nil, err
		}
		snap.Relevant = relevant
	}
	snap.Summary = m.summarize(ctx)
	return snap, nil
}

// History returns the session's conversation records, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]*store.Record, error) {
	return m.store.BySession(ctx, m.sessionID, TypeConversation, limit)
}

// Clear removes all of the session's records and returns how many there were.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	return m.store.ClearSession(ctx, m.sessionID)
}

// summarize produces a one-line count breakdown by memory type.
func (m *Manager) summarize(ctx context.Context) string {
	records, err := m.store.BySession(ctx, m.sessionID, "", 0)
	if err != nil {
		m.log.WithError(err).Warn("failed to summarize session memory")
		return ""
	}
	if len(records) == 0 {
		return "no memories yet"
	}
	byType := map[string]int{}
	for _, rec := range records {
		byType[rec.MemoryType]++
	}
	types := make([]string, 0, len(byType))
	for memType := range byType {
		types = append(types, memType)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, memType := range types {
		parts = append(parts, fmt.Sprintf("%d %s", byType[memType], memType))
	}
	return fmt.Sprintf("%d memories (%s)", len(records), strings.Join(parts, ", "))
}
