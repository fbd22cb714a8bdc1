package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/orchestrator/intervention"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

// fakeAgent runs prompts via a configurable function and records calls.
type fakeAgent struct {
	name string
	role string
	run  func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (f *fakeAgent) Name() string { return f.name }
func (f *fakeAgent) Role() string { return f.role }

func (f *fakeAgent) Run(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(prompt)
	}
	return "ok", nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// memorySink collects recorded task results.
type memorySink struct {
	mu      sync.Mutex
	results map[string]string
}

func newMemorySink() *memorySink {
	return &memorySink{results: make(map[string]string)}
}

func (s *memorySink) CaptureTaskResult(_ context.Context, taskID, _, result string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[taskID] = result
	return "rec-" + taskID, nil
}

func fastConfig() Config {
	return Config{
		MaxRetries:        3,
		DependencyTimeout: 5 * time.Second,
		DependencyPoll:    5 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, agents ...AgentRunner) (*Engine, *memorySink) {
	t.Helper()
	e := New(fastConfig(), nil, logger.NewNop())
	sink := newMemorySink()
	e.InitSession("sess-1", sink)
	for _, agent := range agents {
		require.NoError(t, e.AddAgent("sess-1", agent))
	}
	return e, sink
}

func planTask(id string, deps ...string) *v1.Task {
	return &v1.Task{
		ID:          id,
		Description: "do " + id,
		AgentRole:   "dev",
		Prompt:      "work on " + id,
		DependsOn:   deps,
	}
}

func TestLinearChainRunsInOrderWithContext(t *testing.T) {
	var order []string
	var mu sync.Mutex
	agent := &fakeAgent{name: "a1", role: "dev", run: func(prompt string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range []string{"A", "B", "C"} {
			if strings.Contains(prompt, "# Task: "+id) {
				order = append(order, id)
				return "result of " + id, nil
			}
		}
		return "", errors.New("unknown task")
	}}
	e, sink := newTestEngine(t, agent)

	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{
		planTask("C", "B"), planTask("A"), planTask("B", "A"),
	})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))

	assert.Equal(t, []string{"A", "B", "C"}, order)
	assert.True(t, plan.Succeeded())
	assert.Equal(t, 1.0, plan.Progress())

	// B's prompt carried A's result.
	found := false
	for _, prompt := range agent.prompts {
		if strings.Contains(prompt, "# Task: B") {
			found = true
			assert.Contains(t, prompt, "## Context from Previous Tasks")
			assert.Contains(t, prompt, "### A\nresult of A")
		}
	}
	assert.True(t, found)
	assert.Equal(t, "result of B", sink.results["B"])
}

func TestDiamondParallelExecution(t *testing.T) {
	e, _ := newTestEngine(t,
		&fakeAgent{name: "a1", role: "dev"},
		&fakeAgent{name: "a2", role: "dev"},
	)
	plan, err := e.CreatePlan("sess-1", v1.StrategyParallel, []*v1.Task{
		planTask("A"), planTask("B", "A"), planTask("C", "A"), planTask("D", "B", "C"),
	})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))

	for _, task := range plan.Tasks() {
		assert.Equal(t, v1.TaskCompleted, task.Status, task.ID)
		assert.NotNil(t, task.CompletedAt)
	}
}

func TestCyclicPlanRejected(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAgent{name: "a1", role: "dev"})
	_, err := e.CreatePlan("sess-1", v1.StrategyParallel, []*v1.Task{
		planTask("A", "B"), planTask("B", "A"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[A B A]")
}

func TestParallelFailureCancelsTransitiveDependents(t *testing.T) {
	agent := &fakeAgent{name: "a1", role: "dev", run: func(prompt string) (string, error) {
		if strings.Contains(prompt, "# Task: B") {
			return "", errors.New("boom")
		}
		return "ok", nil
	}}
	e, _ := newTestEngine(t, agent)

	// B fails; C and D (downstream of B) must cancel; E is independent.
	plan, err := e.CreatePlan("sess-1", v1.StrategyParallel, []*v1.Task{
		planTask("A"), planTask("B", "A"), planTask("C", "B"), planTask("D", "C"), planTask("E"),
	})
	require.NoError(t, err)
	err = e.Execute(context.Background(), plan.ID)
	assert.ErrorIs(t, err, ErrPlanFailed)

	status := map[string]v1.TaskStatus{}
	errs := map[string]string{}
	for _, task := range plan.Tasks() {
		status[task.ID] = task.Status
		errs[task.ID] = task.Error
	}
	assert.Equal(t, v1.TaskCompleted, status["A"])
	assert.Equal(t, v1.TaskFailed, status["B"])
	assert.Equal(t, v1.TaskCancelled, status["C"])
	assert.Equal(t, v1.TaskCancelled, status["D"])
	assert.Equal(t, v1.TaskCompleted, status["E"])
	assert.Equal(t, "dependency failed: B", errs["C"])
	assert.Equal(t, "dependency failed: B", errs["D"])
}

func TestSequentialFailureAbortsPlan(t *testing.T) {
	agent := &fakeAgent{name: "a1", role: "dev", run: func(prompt string) (string, error) {
		if strings.Contains(prompt, "# Task: A") {
			return "", errors.New("broken")
		}
		return "ok", nil
	}}
	e, _ := newTestEngine(t, agent)

	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{
		planTask("A"), planTask("B"), planTask("C"),
	})
	require.NoError(t, err)
	err = e.Execute(context.Background(), plan.ID)
	assert.ErrorIs(t, err, ErrPlanFailed)

	tasks := plan.Tasks()
	assert.Equal(t, v1.TaskFailed, tasks[0].Status)
	assert.Equal(t, v1.TaskCancelled, tasks[1].Status)
	assert.Equal(t, v1.TaskCancelled, tasks[2].Status)
	// A was retried to exhaustion.
	assert.Equal(t, 3, agent.callCount())
}

func TestRetrySucceedsBeforeExhaustion(t *testing.T) {
	attempts := 0
	agent := &fakeAgent{name: "a1", role: "dev", run: func(string) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("flaky")
		}
		return "third time lucky", nil
	}}
	e, _ := newTestEngine(t, agent)

	var statuses []v1.TaskStatus
	var mu sync.Mutex
	e.OnProgress(func(p v1.TaskProgress) {
		mu.Lock()
		statuses = append(statuses, p.Status)
		mu.Unlock()
	})

	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{planTask("A")})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))

	task, _ := plan.Task("A")
	assert.Equal(t, v1.TaskCompleted, task.Status)
	assert.Equal(t, "third time lucky", task.Result)
	assert.Equal(t, 2, task.Retries)
	assert.Contains(t, statuses, v1.TaskRetrying)
}

func TestEmptyPlanCompletesImmediately(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAgent{name: "a1", role: "dev"})
	plan, err := e.CreatePlan("sess-1", v1.StrategyParallel, nil)
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))
	assert.True(t, plan.Finished())
	assert.Equal(t, 0.0, plan.Progress())
}

func TestMissingRoleFailsTask(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAgent{name: "a1", role: "dev"})
	task := planTask("A")
	task.AgentRole = "designer"
	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{task})
	require.NoError(t, err)

	err = e.Execute(context.Background(), plan.ID)
	require.Error(t, err)
	got, _ := plan.Task("A")
	assert.Equal(t, v1.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "no agent available for role: designer")
}

func TestReviewStrategyRunsReviewerTasks(t *testing.T) {
	dev := &fakeAgent{name: "dev1", role: "dev"}
	reviewer := &fakeAgent{name: "rev1", role: "reviewer", run: func(prompt string) (string, error) {
		return "looks good", nil
	}}
	e, _ := newTestEngine(t, dev, reviewer)

	plan, err := e.CreatePlan("sess-1", v1.StrategyReview, []*v1.Task{
		planTask("A"), planTask("B", "A"),
	})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))

	byID := map[string]*v1.Task{}
	for _, task := range plan.Tasks() {
		byID[task.ID] = task
	}
	require.Contains(t, byID, "review_A")
	require.Contains(t, byID, "review_B")
	assert.Equal(t, v1.TaskCompleted, byID["review_A"].Status)
	assert.Equal(t, "rev1", byID["review_A"].AssignedAgent)
	assert.Equal(t, 2, reviewer.callCount())
	assert.Contains(t, reviewer.prompts[0], "Review the following work:")
}

func TestApprovalGateRejectionFailsTask(t *testing.T) {
	registry := intervention.NewRegistry(logger.NewNop(), intervention.WithMonitorInterval(time.Hour))
	defer registry.Close()

	e := New(fastConfig(), registry, logger.NewNop())
	e.InitSession("sess-1", nil)
	require.NoError(t, e.AddAgent("sess-1", &fakeAgent{name: "a1", role: "dev"}))

	task := planTask("A")
	task.Metadata = map[string]any{"operation_type": "delete"}
	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{task})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), plan.ID) }()

	// Wait for the pending approval and reject it.
	var points []*intervention.Point
	require.Eventually(t, func() bool {
		points = registry.BySession("sess-1", true)
		return len(points) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, err = registry.Resolve(points[0].ID, "reject", "too risky", nil)
	require.NoError(t, err)

	require.Error(t, <-done)
	got, _ := plan.Task("A")
	assert.Equal(t, v1.TaskFailed, got.Status)
	assert.Equal(t, "approval rejected", got.Error)
}

func TestApprovalGateApprovalRuns(t *testing.T) {
	registry := intervention.NewRegistry(logger.NewNop(), intervention.WithMonitorInterval(time.Hour))
	defer registry.Close()

	e := New(fastConfig(), registry, logger.NewNop())
	e.InitSession("sess-1", nil)
	agent := &fakeAgent{name: "a1", role: "dev"}
	require.NoError(t, e.AddAgent("sess-1", agent))

	task := planTask("A")
	task.Metadata = map[string]any{"operation_type": "delete"}
	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{task})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), plan.ID) }()

	var points []*intervention.Point
	require.Eventually(t, func() bool {
		points = registry.BySession("sess-1", true)
		return len(points) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, err = registry.Resolve(points[0].ID, "approve", "", nil)
	require.NoError(t, err)

	require.NoError(t, <-done)
	got, _ := plan.Task("A")
	assert.Equal(t, v1.TaskCompleted, got.Status)
	assert.Equal(t, 1, agent.callCount())
}

func TestApprovalGateExpiryFailsTask(t *testing.T) {
	registry := intervention.NewRegistry(logger.NewNop(), intervention.WithMonitorInterval(10*time.Millisecond))
	defer registry.Close()

	cfg := fastConfig()
	cfg.ApprovalTimeout = 30 * time.Millisecond
	e := New(cfg, registry, logger.NewNop())
	e.InitSession("sess-1", nil)
	agent := &fakeAgent{name: "a1", role: "dev"}
	require.NoError(t, e.AddAgent("sess-1", agent))

	task := planTask("A")
	task.Metadata = map[string]any{"operation_type": "delete"}
	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{task})
	require.NoError(t, err)

	// Nobody resolves the approval; the monitor expires it.
	err = e.Execute(context.Background(), plan.ID)
	require.Error(t, err)

	got, _ := plan.Task("A")
	assert.Equal(t, v1.TaskFailed, got.Status)
	assert.Equal(t, "approval expired", got.Error)
	assert.Zero(t, agent.callCount())

	points := registry.BySession("sess-1", false)
	require.Len(t, points, 1)
	assert.Equal(t, intervention.StatusExpired, points[0].Status)
}

func TestBuildPromptTruncatesOnRuneBoundary(t *testing.T) {
	e, _ := newTestEngine(t)
	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{
		planTask("A"), planTask("B", "A"),
	})
	require.NoError(t, err)

	// 3-byte runes: 500 is not a multiple of 3, so a byte cut would split one.
	long := strings.Repeat("日", 200)
	plan.withTask("A", func(t *v1.Task) {
		t.Status = v1.TaskCompleted
		t.Result = long
	})

	task, _ := plan.Task("B")
	prompt := e.buildPrompt(plan, task)
	assert.True(t, utf8.ValidString(prompt))
	assert.Contains(t, prompt, "### A\n"+strings.Repeat("日", 166)+"...")
}

func TestCancelMarksUnfinishedTasksCancelled(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	agent := &fakeAgent{name: "a1", role: "dev", run: func(string) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "", errors.New("interrupted")
	}}
	e, _ := newTestEngine(t, agent)

	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{
		planTask("A"), planTask("B"),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), plan.ID) }()

	<-started
	require.NoError(t, e.Cancel(plan.ID))
	close(release)
	<-done

	got, _ := plan.Task("B")
	assert.Equal(t, v1.TaskCancelled, got.Status)
}

func TestProgressEventsEmitted(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAgent{name: "a1", role: "dev"})

	var events []v1.TaskProgress
	var mu sync.Mutex
	e.OnProgress(func(p v1.TaskProgress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})

	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{planTask("A")})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))

	var seen []v1.TaskStatus
	for _, evt := range events {
		assert.Equal(t, "A", evt.TaskID)
		assert.Equal(t, "sess-1", evt.SessionID)
		seen = append(seen, evt.Status)
	}
	assert.Contains(t, seen, v1.TaskAssigned)
	assert.Contains(t, seen, v1.TaskRunning)
	assert.Contains(t, seen, v1.TaskCompleted)
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAgent{name: "a1", role: "dev"})
	_, err := e.CreatePlan("sess-1", v1.StrategyParallel, []*v1.Task{
		planTask("A"), planTask("A"),
	})
	assert.ErrorIs(t, err, ErrDuplicateTaskID)
}

func TestAutoStrategyPicksParallelWithDeps(t *testing.T) {
	e, _ := newTestEngine(t,
		&fakeAgent{name: "a1", role: "dev"},
		&fakeAgent{name: "a2", role: "dev"},
	)
	plan, err := e.CreatePlan("sess-1", v1.StrategyAuto, []*v1.Task{
		planTask("A"), planTask("B", "A"), planTask("C"),
	})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))
	assert.True(t, plan.Succeeded())
}

func TestStarvationWarningDoesNotBlockCompletion(t *testing.T) {
	// One dev agent, two concurrent dev tasks: the second waits for the
	// first to release the agent.
	slow := &fakeAgent{name: "a1", role: "dev", run: func(string) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "done", nil
	}}
	cfg := fastConfig()
	cfg.StarvationThreshold = 10 * time.Millisecond
	e := New(cfg, nil, logger.NewNop())
	e.InitSession("sess-1", nil)
	require.NoError(t, e.AddAgent("sess-1", slow))

	plan, err := e.CreatePlan("sess-1", v1.StrategyParallel, []*v1.Task{
		planTask("A"), planTask("B"),
	})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), plan.ID))
	assert.True(t, plan.Succeeded())
}

func TestLatestPlanLookup(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAgent{name: "a1", role: "dev"})
	_, err := e.LatestPlan("sess-1")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	plan, err := e.CreatePlan("sess-1", v1.StrategyParallel, []*v1.Task{planTask("A")})
	require.NoError(t, err)

	latest, err := e.LatestPlan("sess-1")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, latest.ID)

	_, err = e.CreatePlan("sess-2", v1.StrategyParallel, nil)
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestBuildPromptShape(t *testing.T) {
	e, _ := newTestEngine(t)
	plan, err := e.CreatePlan("sess-1", v1.StrategySequential, []*v1.Task{
		planTask("A"), planTask("B", "A"),
	})
	require.NoError(t, err)

	long := strings.Repeat("x", 600)
	plan.withTask("A", func(t *v1.Task) {
		t.Status = v1.TaskCompleted
		t.Result = long
	})

	task, _ := plan.Task("B")
	prompt := e.buildPrompt(plan, task)
	assert.True(t, strings.HasPrefix(prompt, "# Task: B\n"))
	assert.Contains(t, prompt, "## Description\ndo B")
	assert.Contains(t, prompt, "### A\n"+strings.Repeat("x", 500)+"...")
	assert.NotContains(t, prompt, strings.Repeat("x", 501))
	assert.True(t, strings.HasSuffix(prompt, "## Instructions\nwork on B\n"))
}