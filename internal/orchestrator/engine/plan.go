package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memnexus/memnexus/internal/orchestrator/scheduler"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

// Plan is an executable set of tasks for one session. Tasks are held in
// topological order; all mutation goes through the plan's lock.
type Plan struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Strategy  v1.Strategy `json:"strategy"`
	Phases    [][]string  `json:"phases"`
	CreatedAt time.Time   `json:"created_at"`

	mu    sync.Mutex
	tasks []*v1.Task
	byID  map[string]*v1.Task
	graph *scheduler.Graph
}

func newPlan(sessionID string, strategy v1.Strategy, tasks []*v1.Task, phases [][]string) *Plan {
	p := &Plan{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Strategy:  strategy,
		Phases:    phases,
		CreatedAt: time.Now().UTC(),
		tasks:     tasks,
		byID:      make(map[string]*v1.Task, len(tasks)),
	}
	for _, task := range tasks {
		p.byID[task.ID] = task
	}
	return p
}

// Task returns a snapshot of one task.
func (p *Plan) Task(taskID string) (*v1.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.byID[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns snapshots of all tasks in execution order.
func (p *Plan) Tasks() []*v1.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*v1.Task, len(p.tasks))
	for i, task := range p.tasks {
		out[i] = task.Clone()
	}
	return out
}

// Progress returns the fraction of tasks in a terminal state.
func (p *Plan) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return 0.0
	}
	done := 0
	for _, task := range p.tasks {
		if task.Status.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(p.tasks))
}

// Finished reports whether every task reached a terminal state.
func (p *Plan) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, task := range p.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether every task completed.
func (p *Plan) Succeeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, task := range p.tasks {
		if task.Status != v1.TaskCompleted {
			return false
		}
	}
	return true
}

// withTask runs fn with the live task under the plan lock.
func (p *Plan) withTask(taskID string, fn func(task *v1.Task)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.byID[taskID]
	if !ok {
		return false
	}
	fn(task)
	return true
}

// appendTask adds a task created during execution (review tasks).
func (p *Plan) appendTask(task *v1.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	p.byID[task.ID] = task
}

// status reads one task's status.
func (p *Plan) status(taskID string) (v1.TaskStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.byID[taskID]
	if !ok {
		return "", false
	}
	return task.Status, true
}

// readyTasks returns IDs of tasks in ready state.
func (p *Plan) readyTasks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ready []string
	for _, task := range p.tasks {
		if task.Status == v1.TaskReady {
			ready = append(ready, task.ID)
		}
	}
	return ready
}

// promoteWaiting flips waiting_for_deps tasks to ready once every dependency
// has completed.
func (p *Plan) promoteWaiting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, task := range p.tasks {
		if task.Status != v1.TaskWaitingForDeps {
			continue
		}
		ready := true
		for _, depID := range task.DependsOn {
			dep, ok := p.byID[depID]
			if !ok || dep.Status != v1.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			task.Status = v1.TaskReady
		}
	}
}
