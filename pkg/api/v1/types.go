// Package v1 contains the shared data model: sessions, agents, tasks and the
// enums that describe their lifecycles. These types cross package boundaries
// and the HTTP API, so they carry JSON tags.
package v1

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// AgentStatus is the operational state of an agent within a session. Process
// lifecycle (starting, stopped) is tracked by the supervisor, not here.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentPlanning  AgentStatus = "planning"
	AgentCoding    AgentStatus = "coding"
	AgentReviewing AgentStatus = "reviewing"
	AgentWaiting   AgentStatus = "waiting"
	AgentError     AgentStatus = "error"
	AgentOffline   AgentStatus = "offline"
)

// TaskStatus is the lifecycle state of a task inside a plan.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskWaitingForDeps TaskStatus = "waiting_for_deps"
	TaskReady          TaskStatus = "ready"
	TaskAssigned       TaskStatus = "assigned"
	TaskRunning        TaskStatus = "running"
	TaskAwaitingReview TaskStatus = "awaiting_review"
	TaskAwaitingHuman  TaskStatus = "awaiting_human"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
	TaskRetrying       TaskStatus = "retrying"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Strategy selects how a plan's tasks are ordered and assigned.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyReview     Strategy = "review"
	StrategyAuto       Strategy = "auto"
)

// Agent protocols. ACP agents speak JSON-RPC over stdio and can run tasks;
// wrapper agents only have their output streamed into session memory.
const (
	ProtocolACP     = "acp"
	ProtocolWrapper = "wrapper"
)

// AgentConfig describes how to launch an agent subprocess.
type AgentConfig struct {
	Name       string            `json:"name" yaml:"name"`
	Role       string            `json:"role" yaml:"role"`
	Command    []string          `json:"command" yaml:"command"`
	Protocol   string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
}

// Agent is a managed agent within a session.
type Agent struct {
	Name      string      `json:"name"`
	Role      string      `json:"role"`
	Config    AgentConfig `json:"config"`
	Status    AgentStatus `json:"status"`
	PID       int         `json:"pid,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
}

// Task is a unit of work in a plan. DependsOn lists task IDs that must
// complete before this task may run.
type Task struct {
	ID            string     `json:"id" yaml:"id"`
	SessionID     string     `json:"session_id,omitempty" yaml:"-"`
	Description   string     `json:"description" yaml:"description"`
	AgentRole     string     `json:"agent_role" yaml:"agent_role"`
	Prompt        string     `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	DependsOn     []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status        TaskStatus `json:"status" yaml:"-"`
	Result        string     `json:"result,omitempty" yaml:"-"`
	Error         string     `json:"error,omitempty" yaml:"-"`
	Retries       int        `json:"retries" yaml:"-"`
	MaxRetries    int        `json:"max_retries" yaml:"max_retries,omitempty"`
	AssignedAgent string     `json:"assigned_agent,omitempty" yaml:"-"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at" yaml:"-"`
	StartedAt     *time.Time `json:"started_at,omitempty" yaml:"-"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" yaml:"-"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// Session groups agents, tasks and memory under one coordination scope.
type Session struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      SessionStatus `json:"status"`
	Strategy    Strategy      `json:"strategy"`
	WorkingDir  string        `json:"working_dir"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Agents      []*Agent      `json:"agents"`
	Tasks       []*Task       `json:"tasks"`
}

// Plan is a set of tasks plus the strategy used to schedule them.
type Plan struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	Tasks    []*Task  `json:"tasks" yaml:"tasks"`
}

// TaskProgress is emitted by the engine as tasks change state.
type TaskProgress struct {
	TaskID    string     `json:"task_id"`
	SessionID string     `json:"session_id"`
	Status    TaskStatus `json:"status"`
	Agent     string     `json:"agent,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
