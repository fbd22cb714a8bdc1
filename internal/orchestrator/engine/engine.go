// Package engine executes task plans across a session's agents: dependency
// waits, retries, approval gates and failure cascades.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/common/tracing"
	"github.com/memnexus/memnexus/internal/orchestrator/intervention"
	"github.com/memnexus/memnexus/internal/orchestrator/scheduler"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

var (
	ErrPlanNotFound     = errors.New("plan not found")
	ErrSessionNotReady  = errors.New("engine not initialized for session")
	ErrAgentUnavailable = errors.New("no agent available for role")
	ErrPlanFailed       = errors.New("plan execution failed")
	ErrDuplicateTaskID  = errors.New("duplicate task id in plan")
)

// depResultLimit caps how much of a dependency's result is inlined into a
// task prompt.
const depResultLimit = 500

// reviewerRole is the role review tasks are assigned to.
const reviewerRole = "reviewer"

// Config tunes execution timing. Zero values fall back to defaults.
// ApprovalTimeout bounds how long an approval gate waits before the point
// expires; zero waits indefinitely.
type Config struct {
	MaxRetries          int
	DependencyTimeout   time.Duration
	DependencyPoll      time.Duration
	StarvationThreshold time.Duration
	ApprovalTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DependencyTimeout <= 0 {
		c.DependencyTimeout = 300 * time.Second
	}
	if c.DependencyPoll <= 0 {
		c.DependencyPoll = 100 * time.Millisecond
	}
	return c
}

// ProgressFunc receives task progress events during execution.
type ProgressFunc func(v1.TaskProgress)

// RecordSink persists task results into session memory. Satisfied by the
// context manager.
type RecordSink interface {
	CaptureTaskResult(ctx context.Context, taskID, agent, result string) (string, error)
}

type session struct {
	pool *pool
	sink RecordSink
}

// Engine coordinates plan execution for all sessions.
type Engine struct {
	cfg           Config
	interventions *intervention.Registry
	log           *logger.Logger

	mu            sync.Mutex
	sessions      map[string]*session
	plans         map[string]*Plan
	latestPlan    map[string]string // session -> plan ID
	cancels       map[string]context.CancelFunc
	callbacks     []ProgressFunc
}

// New creates an engine. The intervention registry may be nil; approval
// gating is then disabled.
func New(cfg Config, interventions *intervention.Registry, log *logger.Logger) *Engine {
	return &Engine{
		cfg:           cfg.withDefaults(),
		interventions: interventions,
		log:           log.WithFields(zap.String("component", "engine")),
		sessions:      make(map[string]*session),
		plans:         make(map[string]*Plan),
		latestPlan:    make(map[string]string),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// InitSession prepares the engine for a session. The sink may be nil.
func (e *Engine) InitSession(sessionID string, sink RecordSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sessionID]; ok {
		return
	}
	e.sessions[sessionID] = &session{
		pool: newPool(e.cfg.DependencyPoll, e.cfg.StarvationThreshold, e.log.WithSessionID(sessionID)),
		sink: sink,
	}
}

// CloseSession drops a session's pool and plans.
func (e *Engine) CloseSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
	if planID, ok := e.latestPlan[sessionID]; ok {
		if cancel, ok := e.cancels[planID]; ok {
			cancel()
			delete(e.cancels, planID)
		}
	}
	delete(e.latestPlan, sessionID)
	for id, plan := range e.plans {
		if plan.SessionID == sessionID {
			delete(e.plans, id)
		}
	}
}

// AddAgent registers a runner with the session's pool.
func (e *Engine) AddAgent(sessionID string, agent AgentRunner) error {
	sess, err := e.session(sessionID)
	if err != nil {
		return err
	}
	sess.pool.add(agent)
	return nil
}

// RemoveAgent drops a runner from the session's pool.
func (e *Engine) RemoveAgent(sessionID, name string) {
	if sess, err := e.session(sessionID); err == nil {
		sess.pool.remove(name)
	}
}

// AgentCounts returns agents per role for a session.
func (e *Engine) AgentCounts(sessionID string) map[string]int {
	sess, err := e.session(sessionID)
	if err != nil {
		return nil
	}
	return sess.pool.roleCounts()
}

// OnProgress registers a progress callback.
func (e *Engine) OnProgress(cb ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

func (e *Engine) session(sessionID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotReady, sessionID)
	}
	return sess, nil
}

// CreatePlan validates the task graph and stores an executable plan. Tasks
// are reordered topologically; an empty task list yields an empty plan that
// executes as a no-op.
func (e *Engine) CreatePlan(sessionID string, strategy v1.Strategy, tasks []*v1.Task) (*Plan, error) {
	if _, err := e.session(sessionID); err != nil {
		return nil, err
	}

	graph := scheduler.NewGraph()
	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if seen[task.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTaskID, task.ID)
		}
		seen[task.ID] = true
		task.SessionID = sessionID
		if task.MaxRetries <= 0 {
			task.MaxRetries = e.cfg.MaxRetries
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now().UTC()
		}
		graph.AddTask(task)
	}

	order, err := graph.TopoSort()
	if err != nil {
		return nil, err
	}
	ordered := make([]*v1.Task, 0, len(order))
	for _, taskID := range order {
		task, _ := graph.Task(taskID)
		if len(task.DependsOn) == 0 {
			task.Status = v1.TaskReady
		} else {
			task.Status = v1.TaskWaitingForDeps
		}
		ordered = append(ordered, task)
	}

	plan := newPlan(sessionID, strategy, ordered, graph.Phases())
	plan.graph = graph

	e.mu.Lock()
	e.plans[plan.ID] = plan
	e.latestPlan[sessionID] = plan.ID
	e.mu.Unlock()

	e.log.Info("plan created",
		zap.String("plan_id", plan.ID),
		zap.String("session_id", sessionID),
		zap.String("strategy", string(strategy)),
		zap.Int("tasks", len(ordered)))
	return plan, nil
}

// Plan returns a stored plan by ID.
func (e *Engine) Plan(planID string) (*Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	plan, ok := e.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// LatestPlan returns a session's most recently created plan.
func (e *Engine) LatestPlan(sessionID string) (*Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	planID, ok := e.latestPlan[sessionID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return e.plans[planID], nil
}

// Execute runs the plan to completion using its strategy. It returns
// ErrPlanFailed when any task ends failed or cancelled.
func (e *Engine) Execute(ctx context.Context, planID string) error {
	plan, err := e.Plan(planID)
	if err != nil {
		return err
	}
	sess, err := e.session(plan.SessionID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[planID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, planID)
		e.mu.Unlock()
	}()

	switch plan.Strategy {
	case v1.StrategySequential:
		err = e.executeSequential(ctx, plan, sess)
	case v1.StrategyParallel:
		err = e.executeParallel(ctx, plan, sess)
	case v1.StrategyReview:
		err = e.executeReview(ctx, plan, sess)
	case v1.StrategyAuto:
		err = e.executeAuto(ctx, plan, sess)
	default:
		return fmt.Errorf("unknown strategy: %s", plan.Strategy)
	}
	return err
}

// Cancel aborts a running plan and cancels every unfinished task.
func (e *Engine) Cancel(planID string) error {
	plan, err := e.Plan(planID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if cancel, ok := e.cancels[planID]; ok {
		cancel()
	}
	e.mu.Unlock()

	for _, task := range plan.Tasks() {
		if !task.Status.Terminal() {
			e.setStatus(plan, task.ID, v1.TaskCancelled, "execution cancelled")
		}
	}
	return nil
}

// executeSequential runs tasks one at a time in topological order. The
// first failure aborts the remainder of the plan.
func (e *Engine) executeSequential(ctx context.Context, plan *Plan, sess *session) error {
	for _, task := range plan.Tasks() {
		if task.Status.Terminal() {
			continue
		}
		if err := e.executeTask(ctx, plan, sess, task.ID); err != nil {
			e.abortRemaining(plan, "plan aborted")
			return fmt.Errorf("%w: task %s: %v", ErrPlanFailed, task.ID, err)
		}
	}
	return nil
}

// executeParallel runs ready tasks concurrently. A failed task cancels its
// transitive dependents; independent tasks keep going.
func (e *Engine) executeParallel(ctx context.Context, plan *Plan, sess *session) error {
	var wg sync.WaitGroup
	inflight := make(map[string]bool)
	var inflightMu sync.Mutex

	for {
		if plan.Finished() {
			break
		}
		if ctx.Err() != nil {
			e.abortRemaining(plan, "execution cancelled")
			break
		}

		plan.promoteWaiting()
		for _, taskID := range plan.readyTasks() {
			inflightMu.Lock()
			if inflight[taskID] {
				inflightMu.Unlock()
				continue
			}
			inflight[taskID] = true
			inflightMu.Unlock()

			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				if err := e.executeTask(ctx, plan, sess, taskID); err != nil {
					e.cancelDependents(plan, taskID)
				}
			}(taskID)
		}

		// Tasks stuck waiting on failed dependencies are cascade-cancelled
		// by the failing task's goroutine; wait for movement.
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.DependencyPoll):
		}
	}
	wg.Wait()

	if !plan.Succeeded() {
		return ErrPlanFailed
	}
	return nil
}

// executeReview runs the plan sequentially, then has reviewer agents check
// each completed task's result.
func (e *Engine) executeReview(ctx context.Context, plan *Plan, sess *session) error {
	if err := e.executeSequential(ctx, plan, sess); err != nil {
		return err
	}

	if !sess.pool.hasRole(reviewerRole) {
		e.log.Warn("no reviewer agents, skipping review phase",
			zap.String("plan_id", plan.ID))
		return nil
	}

	var reviews []*v1.Task
	for _, task := range plan.Tasks() {
		if task.Status != v1.TaskCompleted || strings.HasPrefix(task.ID, "review_") {
			continue
		}
		reviews = append(reviews, &v1.Task{
			ID:          "review_" + task.ID,
			SessionID:   plan.SessionID,
			Description: "Review task " + task.ID,
			AgentRole:   reviewerRole,
			Prompt:      "Review the following work:\n" + task.Result,
			Status:      v1.TaskReady,
			MaxRetries:  e.cfg.MaxRetries,
			CreatedAt:   time.Now().UTC(),
		})
	}
	for _, review := range reviews {
		plan.appendTask(review)
		if err := e.executeTask(ctx, plan, sess, review.ID); err != nil {
			return fmt.Errorf("%w: task %s: %v", ErrPlanFailed, review.ID, err)
		}
	}
	return nil
}

// executeAuto picks parallel when the graph has dependencies, sequential
// otherwise.
func (e *Engine) executeAuto(ctx context.Context, plan *Plan, sess *session) error {
	hasDeps := false
	for _, task := range plan.Tasks() {
		if len(task.DependsOn) > 0 {
			hasDeps = true
			break
		}
	}
	if hasDeps {
		return e.executeParallel(ctx, plan, sess)
	}
	return e.executeSequential(ctx, plan, sess)
}

// executeTask drives one task through its whole lifecycle.
func (e *Engine) executeTask(ctx context.Context, plan *Plan, sess *session, taskID string) error {
	if err := e.waitForDependencies(ctx, plan, taskID); err != nil {
		return err
	}
	if err := e.approvalGate(ctx, plan, taskID); err != nil {
		return err
	}

	task, ok := plan.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s not in plan", taskID)
	}

	if !sess.pool.hasRole(task.AgentRole) {
		e.failTask(plan, taskID, fmt.Sprintf("no agent available for role: %s", task.AgentRole))
		return fmt.Errorf("%w: %s", ErrAgentUnavailable, task.AgentRole)
	}

	e.setStatus(plan, taskID, v1.TaskAssigned, "")
	agent, err := sess.pool.acquire(ctx, task.AgentRole)
	if err != nil {
		e.failTask(plan, taskID, fmt.Sprintf("no agent available for role: %s", task.AgentRole))
		return fmt.Errorf("%w: %s", ErrAgentUnavailable, task.AgentRole)
	}
	defer sess.pool.release(agent)

	plan.withTask(taskID, func(t *v1.Task) {
		t.AssignedAgent = agent.Name()
	})

	prompt := e.buildPrompt(plan, task)
	tracer := tracing.Tracer("memnexus/engine")

	for {
		now := time.Now().UTC()
		plan.withTask(taskID, func(t *v1.Task) {
			t.Status = v1.TaskRunning
			t.StartedAt = &now
		})
		e.emit(plan, taskID, v1.TaskRunning, agent.Name(), "")

		runCtx, span := tracer.Start(ctx, "task.execute")
		span.SetAttributes(
			attribute.String("task.id", taskID),
			attribute.String("session.id", plan.SessionID),
			attribute.String("agent.name", agent.Name()),
		)
		result, runErr := agent.Run(runCtx, prompt)
		if runErr != nil {
			span.SetStatus(codes.Error, runErr.Error())
		}
		span.End()

		if runErr == nil {
			done := time.Now().UTC()
			plan.withTask(taskID, func(t *v1.Task) {
				t.Status = v1.TaskCompleted
				t.Result = result
				t.Error = ""
				t.CompletedAt = &done
			})
			e.emit(plan, taskID, v1.TaskCompleted, agent.Name(), "")
			e.record(ctx, sess, taskID, agent.Name(), result)
			return nil
		}

		var retries int
		plan.withTask(taskID, func(t *v1.Task) {
			t.Retries++
			t.Error = runErr.Error()
			retries = t.Retries
		})
		if ctx.Err() != nil {
			e.setStatus(plan, taskID, v1.TaskCancelled, "execution cancelled")
			return ctx.Err()
		}
		if retries < task.MaxRetries {
			e.setStatus(plan, taskID, v1.TaskRetrying, runErr.Error())
			continue
		}

		e.failTask(plan, taskID, runErr.Error())
		e.record(ctx, sess, taskID, agent.Name(), "failed: "+runErr.Error())
		return runErr
	}
}

// waitForDependencies polls until every dependency completes. A failed or
// cancelled dependency cancels this task; the deadline fails it.
func (e *Engine) waitForDependencies(ctx context.Context, plan *Plan, taskID string) error {
	task, ok := plan.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s not in plan", taskID)
	}
	if len(task.DependsOn) == 0 {
		return nil
	}

	deadline := time.Now().Add(e.cfg.DependencyTimeout)
	for {
		allDone := true
		for _, depID := range task.DependsOn {
			status, known := plan.status(depID)
			if !known {
				e.failTask(plan, taskID, fmt.Sprintf("unknown dependency: %s", depID))
				return fmt.Errorf("unknown dependency: %s", depID)
			}
			switch status {
			case v1.TaskCompleted:
			case v1.TaskFailed, v1.TaskCancelled:
				msg := fmt.Sprintf("dependency failed: %s", depID)
				e.setStatus(plan, taskID, v1.TaskCancelled, msg)
				plan.withTask(taskID, func(t *v1.Task) { t.Error = msg })
				return errors.New(msg)
			default:
				allDone = false
			}
		}
		if allDone {
			return nil
		}
		if time.Now().After(deadline) {
			e.failTask(plan, taskID, "timeout waiting for dependencies")
			return errors.New("timeout waiting for dependencies")
		}
		select {
		case <-ctx.Done():
			e.setStatus(plan, taskID, v1.TaskCancelled, "execution cancelled")
			return ctx.Err()
		case <-time.After(e.cfg.DependencyPoll):
		}
	}
}

// approvalGate pauses the task while a matching approval policy demands a
// human decision. Expired approvals count as rejections.
func (e *Engine) approvalGate(ctx context.Context, plan *Plan, taskID string) error {
	if e.interventions == nil {
		return nil
	}
	task, ok := plan.Task(taskID)
	if !ok || len(task.Metadata) == 0 {
		return nil
	}
	if len(e.interventions.MatchPolicies(intervention.TypeApproval, task.Metadata)) == 0 {
		return nil
	}

	e.setStatus(plan, taskID, v1.TaskAwaitingHuman, "approval required")
	point := e.interventions.Request(plan.SessionID, taskID, intervention.TypeApproval,
		"Approve task "+taskID, task.Description, task.Metadata, e.cfg.ApprovalTimeout)

	resolved, err := e.interventions.Wait(ctx, point.ID)
	if err != nil {
		e.setStatus(plan, taskID, v1.TaskCancelled, "execution cancelled")
		return err
	}
	switch resolved.Status {
	case intervention.StatusApproved, intervention.StatusModified, intervention.StatusOverridden:
		return nil
	case intervention.StatusExpired:
		e.failTask(plan, taskID, "approval expired")
		return errors.New("approval expired")
	default:
		e.failTask(plan, taskID, "approval rejected")
		return errors.New("approval rejected")
	}
}

// buildPrompt assembles the task prompt: header, description, dependency
// results (truncated) and the task's own instructions.
func (e *Engine) buildPrompt(plan *Plan, task *v1.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", task.ID)

	if task.Description != "" {
		fmt.Fprintf(&b, "## Description\n%s\n\n", task.Description)
	}

	if len(task.DependsOn) > 0 {
		header := false
		for _, depID := range task.DependsOn {
			dep, ok := plan.Task(depID)
			if !ok || dep.Result == "" {
				continue
			}
			if !header {
				b.WriteString("## Context from Previous Tasks\n")
				header = true
			}
			result := dep.Result
			if len(result) > depResultLimit {
				cut := depResultLimit
				for cut > 0 && !utf8.RuneStart(result[cut]) {
					cut--
				}
				result = result[:cut] + "..."
			}
			fmt.Fprintf(&b, "### %s\n%s\n", depID, result)
		}
		if header {
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "## Instructions\n%s\n", task.Prompt)
	return b.String()
}

// cancelDependents cancels every task downstream of a failed one.
func (e *Engine) cancelDependents(plan *Plan, failedID string) {
	for _, depID := range plan.graph.TransitiveDependents(failedID) {
		status, ok := plan.status(depID)
		if !ok || status.Terminal() {
			continue
		}
		msg := fmt.Sprintf("dependency failed: %s", failedID)
		plan.withTask(depID, func(t *v1.Task) { t.Error = msg })
		e.setStatus(plan, depID, v1.TaskCancelled, msg)
	}
}

// abortRemaining cancels every unfinished task.
func (e *Engine) abortRemaining(plan *Plan, reason string) {
	for _, task := range plan.Tasks() {
		if !task.Status.Terminal() {
			e.setStatus(plan, task.ID, v1.TaskCancelled, reason)
		}
	}
}

func (e *Engine) failTask(plan *Plan, taskID, errMsg string) {
	now := time.Now().UTC()
	plan.withTask(taskID, func(t *v1.Task) {
		t.Status = v1.TaskFailed
		t.Error = errMsg
		t.CompletedAt = &now
	})
	e.emit(plan, taskID, v1.TaskFailed, "", errMsg)
}

func (e *Engine) setStatus(plan *Plan, taskID string, status v1.TaskStatus, message string) {
	plan.withTask(taskID, func(t *v1.Task) {
		t.Status = status
	})
	e.emit(plan, taskID, status, "", message)
}

// emit fans a task_progress event to the registered callbacks.
func (e *Engine) emit(plan *Plan, taskID string, status v1.TaskStatus, agent, message string) {
	e.mu.Lock()
	callbacks := append([]ProgressFunc{}, e.callbacks...)
	e.mu.Unlock()

	event := v1.TaskProgress{
		TaskID:    taskID,
		SessionID: plan.SessionID,
		Status:    status,
		Agent:     agent,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	for _, cb := range callbacks {
		cb(event)
	}
}

// record writes a task_result memory through the session's sink.
func (e *Engine) record(ctx context.Context, sess *session, taskID, agent, result string) {
	if sess.sink == nil {
		return
	}
	if _, err := sess.sink.CaptureTaskResult(ctx, taskID, agent, result); err != nil {
		e.log.WithError(err).Warn("failed to record task result",
			zap.String("task_id", taskID))
	}
}
