package scheduler

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

// taskDuration is the flat per-task estimate used for schedule duration.
const taskDuration = 2 * time.Minute

// Bottleneck thresholds.
const (
	highFanoutThreshold = 3
	longChainThreshold  = 5
)

// Schedule is an ordered plan of execution phases.
type Schedule struct {
	SessionID         string        `json:"session_id"`
	Strategy          v1.Strategy   `json:"strategy"`
	Phases            [][]string    `json:"phases"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	StartTime         *time.Time    `json:"start_time,omitempty"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
}

// CurrentPhase returns the index of the first phase with unfinished tasks,
// or the phase count when everything is done.
func (s *Schedule) CurrentPhase(completed map[string]bool) int {
	for i, phase := range s.Phases {
		for _, taskID := range phase {
			if !completed[taskID] {
				return i
			}
		}
	}
	return len(s.Phases)
}

// ParallelizationFactor reports how parallel the schedule is, from 0.0
// (fully sequential) to 1.0 (a single phase).
func (s *Schedule) ParallelizationFactor() float64 {
	if len(s.Phases) == 0 {
		return 0.0
	}
	total := 0
	for _, phase := range s.Phases {
		total += len(phase)
	}
	if total <= 1 {
		return 0.0
	}
	avg := float64(total) / float64(len(s.Phases))
	return (avg - 1) / float64(total-1)
}

// Bottleneck describes a structural slowdown in the graph.
type Bottleneck struct {
	Type        string   `json:"type"`
	TaskID      string   `json:"task_id,omitempty"`
	Dependents  int      `json:"dependents,omitempty"`
	Length      int      `json:"length,omitempty"`
	Path        []string `json:"path,omitempty"`
	Description string   `json:"description"`
}

// Suggestion proposes a schedule improvement.
type Suggestion struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	Count       int    `json:"count,omitempty"`
	Description string `json:"description"`
}

// Scheduler builds schedules over a dependency graph.
type Scheduler struct {
	graph *Graph
	log   *logger.Logger
}

// New creates an empty scheduler.
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		graph: NewGraph(),
		log:   log.WithFields(zap.String("component", "scheduler")),
	}
}

// AddTask registers a task. Extra dependency IDs, when given, replace the
// task's own list.
func (s *Scheduler) AddTask(task *v1.Task, dependencies ...string) {
	if len(dependencies) > 0 {
		task.DependsOn = dependencies
	}
	s.graph.AddTask(task)
}

// RemoveTask drops a task from the graph.
func (s *Scheduler) RemoveTask(taskID string) {
	s.graph.RemoveTask(taskID)
}

// Graph exposes the underlying dependency graph.
func (s *Scheduler) Graph() *Graph {
	return s.graph
}

// CreateSchedule validates the graph and computes phases for the strategy.
// availableAgents maps role to agent count and only matters for auto.
func (s *Scheduler) CreateSchedule(sessionID string, strategy v1.Strategy, availableAgents map[string]int) (*Schedule, error) {
	if cycle := s.graph.DetectCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	phases, err := s.phasesFor(strategy, availableAgents)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, phase := range phases {
		total += len(phase)
	}
	schedule := &Schedule{
		SessionID:         sessionID,
		Strategy:          strategy,
		Phases:            phases,
		EstimatedDuration: time.Duration(total) * taskDuration,
	}
	s.log.Debug("schedule created",
		zap.String("session_id", sessionID),
		zap.String("strategy", string(strategy)),
		zap.Int("phases", len(phases)),
		zap.Int("tasks", total))
	return schedule, nil
}

func (s *Scheduler) phasesFor(strategy v1.Strategy, availableAgents map[string]int) ([][]string, error) {
	switch strategy {
	case v1.StrategySequential:
		order, err := s.graph.TopoSort()
		if err != nil {
			return nil, err
		}
		phases := make([][]string, len(order))
		for i, taskID := range order {
			phases[i] = []string{taskID}
		}
		return phases, nil

	case v1.StrategyParallel:
		return s.graph.Phases(), nil

	case v1.StrategyReview:
		phases := s.graph.Phases()
		var review []string
		ids := append([]string{}, s.graph.order...)
		sort.Strings(ids)
		for _, taskID := range ids {
			review = append(review, "review_"+taskID)
		}
		if len(review) > 0 {
			phases = append(phases, review)
		}
		return phases, nil

	case v1.StrategyAuto:
		return s.optimizedPhases(availableAgents), nil

	default:
		return nil, fmt.Errorf("unknown strategy: %s", strategy)
	}
}

// optimizedPhases packs tasks into phases without exceeding the agent count
// per role. Within a phase, tasks with fewer dependencies go first.
func (s *Scheduler) optimizedPhases(availableAgents map[string]int) [][]string {
	if len(availableAgents) == 0 {
		return s.graph.Phases()
	}

	remaining := make(map[string]bool, s.graph.Len())
	for _, taskID := range s.graph.order {
		remaining[taskID] = true
	}
	completed := make(map[string]bool)

	var phases [][]string
	for len(remaining) > 0 {
		candidates := sortedKeys(remaining)
		sort.SliceStable(candidates, func(i, j int) bool {
			return len(s.graph.dependencies[candidates[i]]) < len(s.graph.dependencies[candidates[j]])
		})

		var phase []string
		roleUsage := make(map[string]int)
		for _, taskID := range candidates {
			task, ok := s.graph.Task(taskID)
			if !ok {
				continue
			}
			satisfied := true
			for depID := range s.graph.dependencies[taskID] {
				if _, known := s.graph.tasks[depID]; known && !completed[depID] {
					satisfied = false
					break
				}
			}
			if !satisfied {
				continue
			}
			available, ok := availableAgents[task.AgentRole]
			if !ok {
				available = 1
			}
			if roleUsage[task.AgentRole] < available {
				phase = append(phase, taskID)
				roleUsage[task.AgentRole]++
			}
		}

		if len(phase) == 0 {
			break
		}
		phases = append(phases, phase)
		for _, taskID := range phase {
			completed[taskID] = true
			delete(remaining, taskID)
		}
	}
	return phases
}

// AnalyzeBottlenecks reports high-fanout tasks and overlong critical paths.
func (s *Scheduler) AnalyzeBottlenecks() []Bottleneck {
	var bottlenecks []Bottleneck

	ids := append([]string{}, s.graph.order...)
	sort.Strings(ids)
	for _, taskID := range ids {
		dependents := s.graph.Dependents(taskID)
		if len(dependents) > highFanoutThreshold {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:        "high_fanout",
				TaskID:      taskID,
				Dependents:  len(dependents),
				Description: fmt.Sprintf("Task %s has %d dependent tasks", taskID, len(dependents)),
			})
		}
	}

	critical := s.graph.CriticalPath()
	if len(critical) > longChainThreshold {
		bottlenecks = append(bottlenecks, Bottleneck{
			Type:        "long_chain",
			Length:      len(critical),
			Path:        critical,
			Description: fmt.Sprintf("Critical path has %d tasks", len(critical)),
		})
	}
	return bottlenecks
}

// SuggestOptimizations proposes parallelism and agent-scaling improvements.
func (s *Scheduler) SuggestOptimizations() []Suggestion {
	var suggestions []Suggestion

	phases := s.graph.Phases()
	if s.graph.Len() > 0 && len(phases) > s.graph.Len()/2 {
		suggestions = append(suggestions, Suggestion{
			Type:        "increase_parallelism",
			Description: "Consider breaking down dependencies to increase parallelism",
		})
	}

	for i, phase := range phases {
		roles := make(map[string]int)
		for _, taskID := range phase {
			if task, ok := s.graph.Task(taskID); ok {
				roles[task.AgentRole]++
			}
		}
		roleNames := make([]string, 0, len(roles))
		for role := range roles {
			roleNames = append(roleNames, role)
		}
		sort.Strings(roleNames)
		for _, role := range roleNames {
			if roles[role] > 2 {
				suggestions = append(suggestions, Suggestion{
					Type:        "agent_scaling",
					Role:        role,
					Count:       roles[role],
					Description: fmt.Sprintf("Consider adding more %s agents for phase %d", role, i),
				})
			}
		}
	}
	return suggestions
}
