// Package session owns the lifecycle of coordination sessions: the agents
// launched under them, the tasks queued for them and the per-session memory
// context.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memnexus/memnexus/internal/acp"
	"github.com/memnexus/memnexus/internal/agent/supervisor"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory/contextmgr"
	"github.com/memnexus/memnexus/internal/memory/store"
	memsync "github.com/memnexus/memnexus/internal/memory/sync"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentExists     = errors.New("agent already exists in session")
	ErrAgentNotRunning = errors.New("agent is not running")
)

// contentPreviewLimit caps memory content returned by SearchContext.
const contentPreviewLimit = 200

// ContextHit is one search result over session memory, content truncated.
type ContextHit struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes agent launches.
type Config struct {
	StopGrace      time.Duration
	RequestTimeout time.Duration
	PromptTimeout  time.Duration
}

// runtime is the live process state behind one launched agent.
type runtime struct {
	sup  *supervisor.Supervisor
	conn *acp.Conn
}

type state struct {
	sess     *v1.Session
	ctxmgr   *contextmgr.Manager
	runtimes map[string]*runtime
}

// Manager tracks sessions and wires launched agents into the memory layer
// and the execution engine.
type Manager struct {
	store  store.Store
	bus    *memsync.Bus
	engine *engine.Engine
	cfg    Config
	log    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*state
}

// NewManager creates a session manager.
func NewManager(st store.Store, bus *memsync.Bus, eng *engine.Engine, cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		bus:      bus,
		engine:   eng,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*state),
	}
}

// Create registers a new session and initializes its memory context. An
// empty workingDir defaults to the current directory.
func (m *Manager) Create(name, description string, strategy v1.Strategy, workingDir string) *v1.Session {
	if strategy == "" {
		strategy = v1.StrategySequential
	}
	if workingDir == "" {
		workingDir = "."
	}
	now := time.Now().UTC()
	sess := &v1.Session{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Description: description,
		Status:      v1.SessionCreated,
		Strategy:    strategy,
		WorkingDir:  workingDir,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctxmgr := contextmgr.NewManager(m.store, m.bus, sess.ID, m.log)
	m.engine.InitSession(sess.ID, ctxmgr)

	m.mu.Lock()
	m.sessions[sess.ID] = &state{
		sess:     sess,
		ctxmgr:   ctxmgr,
		runtimes: make(map[string]*runtime),
	}
	m.mu.Unlock()

	m.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("name", name),
		zap.String("strategy", string(strategy)))
	return sess
}

// Get returns a session by ID.
func (m *Manager) Get(sessionID string) (*v1.Session, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.sess, nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*v1.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Session, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, st.sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateStatus moves a session to a new lifecycle state.
func (m *Manager) UpdateStatus(sessionID string, status v1.SessionStatus) error {
	st, err := m.state(sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	st.sess.Status = status
	st.sess.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// Delete tears a session down: running agents are stopped and the engine
// forgets the session. Stored memories are kept for history.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	runtimes := st.runtimes
	m.mu.Unlock()

	var g errgroup.Group
	for name, rt := range runtimes {
		g.Go(func() error {
			m.shutdownRuntime(ctx, rt)
			m.log.Debug("agent stopped during session delete",
				zap.String("session_id", sessionID),
				zap.String("agent", name))
			return nil
		})
	}
	_ = g.Wait()
	m.engine.CloseSession(sessionID)

	m.log.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// AddAgent registers an agent configuration with the session. The process is
// not started until LaunchAgent.
func (m *Manager) AddAgent(sessionID string, cfg v1.AgentConfig) (*v1.Agent, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol == "" {
		cfg.Protocol = v1.ProtocolACP
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agent := range st.sess.Agents {
		if agent.Name == cfg.Name {
			return nil, fmt.Errorf("%w: %s", ErrAgentExists, cfg.Name)
		}
	}
	agent := &v1.Agent{
		Name:   cfg.Name,
		Role:   cfg.Role,
		Config: cfg,
		Status: v1.AgentIdle,
	}
	st.sess.Agents = append(st.sess.Agents, agent)
	st.sess.UpdatedAt = time.Now().UTC()
	return agent, nil
}

// LaunchAgent starts a registered agent's subprocess. ACP agents get their
// stdio attached to a protocol connection with the memory tools registered,
// and join the engine's pool; wrapper agents only have their output captured
// into session memory.
func (m *Manager) LaunchAgent(ctx context.Context, sessionID, name string) (*v1.Agent, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var agent *v1.Agent
	for _, a := range st.sess.Agents {
		if a.Name == name {
			agent = a
			break
		}
	}
	if agent == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if _, running := st.runtimes[name]; running {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent %s already launched", name)
	}
	cfg := agent.Config
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = st.sess.WorkingDir
	}
	ctxmgr := st.ctxmgr
	m.mu.Unlock()

	opts := []supervisor.Option{
		supervisor.WithOutputCallback(func(agentName, stream, line string) {
			if _, err := ctxmgr.Capture(context.Background(), line, agentName, "agent_output",
				map[string]any{"stream": stream}); err != nil {
				m.log.WithError(err).Debug("failed to capture agent output",
					zap.String("agent", agentName))
			}
		}),
	}
	if m.cfg.StopGrace > 0 {
		opts = append(opts, supervisor.WithStopGrace(m.cfg.StopGrace))
	}
	if cfg.Protocol == v1.ProtocolACP {
		// The protocol connection owns stdout; only stderr is line-read.
		opts = append(opts, supervisor.WithStdoutHandoff())
	}

	sup := supervisor.New(cfg, sessionID, m.log, opts...)
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}

	rt := &runtime{sup: sup}
	if cfg.Protocol == v1.ProtocolACP {
		stdin, stdout, err := sup.Streams()
		if err != nil {
			_ = sup.Stop(ctx)
			return nil, err
		}
		conn := acp.NewConn(name, stdin, stdout, m.log,
			acp.WithRequestTimeout(m.cfg.RequestTimeout),
			acp.WithPromptTimeout(m.cfg.PromptTimeout))
		conn.RegisterMemoryTools(m.store, ctxmgr, sessionID)
		conn.OnMessage(func(params acp.LogMessageParams) {
			if _, err := ctxmgr.Capture(context.Background(), params.Message, name, "agent_output",
				map[string]any{"level": params.Level}); err != nil {
				m.log.WithError(err).Debug("failed to capture agent message",
					zap.String("agent", name))
			}
		})
		if _, err := conn.Initialize(ctx); err != nil {
			conn.Close()
			_ = sup.Stop(ctx)
			return nil, fmt.Errorf("agent %s handshake failed: %w", name, err)
		}
		rt.conn = conn

		if err := m.engine.AddAgent(sessionID, newACPRunner(name, cfg.Role, conn)); err != nil {
			conn.Close()
			_ = sup.Stop(ctx)
			return nil, err
		}
	}

	now := time.Now().UTC()
	m.mu.Lock()
	st.runtimes[name] = rt
	agent.Status = v1.AgentIdle
	agent.PID = sup.PID()
	agent.StartedAt = &now
	st.sess.UpdatedAt = now
	m.mu.Unlock()

	m.log.Info("agent launched",
		zap.String("session_id", sessionID),
		zap.String("agent", name),
		zap.String("protocol", cfg.Protocol),
		zap.Int("pid", sup.PID()))
	return agent, nil
}

// StopAgent stops a launched agent and removes it from the engine's pool.
func (m *Manager) StopAgent(ctx context.Context, sessionID, name string) error {
	st, err := m.state(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rt, ok := st.runtimes[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotRunning, name)
	}
	delete(st.runtimes, name)
	for _, a := range st.sess.Agents {
		if a.Name == name {
			a.Status = v1.AgentOffline
			break
		}
	}
	m.mu.Unlock()

	m.engine.RemoveAgent(sessionID, name)
	m.shutdownRuntime(ctx, rt)
	return nil
}

func (m *Manager) shutdownRuntime(ctx context.Context, rt *runtime) {
	if rt.conn != nil {
		rt.conn.Close()
	}
	if err := rt.sup.Stop(ctx); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		m.log.WithError(err).Warn("agent did not stop cleanly",
			zap.String("agent", rt.sup.Name()))
	}
}

// AddTask queues a task on the session.
func (m *Manager) AddTask(sessionID string, task *v1.Task) (*v1.Task, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()[:8]
	}
	task.SessionID = sessionID
	if task.Status == "" {
		task.Status = v1.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st.sess.Tasks = append(st.sess.Tasks, task)
	st.sess.UpdatedAt = time.Now().UTC()
	return task, nil
}

// SearchContext searches the session's memory and returns truncated previews
// of the most relevant records, optionally restricted to one memory type.
func (m *Manager) SearchContext(ctx context.Context, sessionID, query, memType string, limit int) ([]ContextHit, error) {
	if _, err := m.state(sessionID); err != nil {
		return nil, err
	}
	records, err := m.store.Search(ctx, sessionID, query, memType, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]ContextHit, 0, len(records))
	for _, rec := range records {
		content := rec.Content
		if len(content) > contentPreviewLimit {
			content = content[:contentPreviewLimit]
		}
		hits = append(hits, ContextHit{
			ID:        rec.ID,
			Content:   content,
			Source:    rec.Source,
			Type:      rec.MemoryType,
			Timestamp: rec.Timestamp,
		})
	}
	return hits, nil
}

// Context returns the session's memory context manager.
func (m *Manager) Context(sessionID string) (*contextmgr.Manager, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	return st.ctxmgr, nil
}

// Shutdown stops every running agent across all sessions.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var runtimes []*runtime
	for _, st := range m.sessions {
		for name, rt := range st.runtimes {
			runtimes = append(runtimes, rt)
			delete(st.runtimes, name)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, rt := range runtimes {
		g.Go(func() error {
			m.shutdownRuntime(ctx, rt)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) state(sessionID string) (*state, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return st, nil
}
