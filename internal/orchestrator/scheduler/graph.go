// Package scheduler builds execution schedules from task dependency graphs.
package scheduler

import (
	"errors"
	"fmt"
	"sort"

	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

// ErrCycleDetected is returned when the dependency graph is not a DAG.
var ErrCycleDetected = errors.New("cycle detected in dependency graph")

// CycleError carries the offending path, e.g. [A B A].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in dependencies: %v", e.Path)
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// Graph is a task dependency graph with forward and reverse adjacency.
// Edges run from a task to the tasks it depends on.
type Graph struct {
	order        []string
	tasks        map[string]*v1.Task
	dependencies map[string]map[string]bool
	dependents   map[string]map[string]bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:        make(map[string]*v1.Task),
		dependencies: make(map[string]map[string]bool),
		dependents:   make(map[string]map[string]bool),
	}
}

// AddTask inserts a task and its dependency edges.
func (g *Graph) AddTask(task *v1.Task) {
	if _, exists := g.tasks[task.ID]; !exists {
		g.order = append(g.order, task.ID)
	}
	g.tasks[task.ID] = task
	deps := make(map[string]bool, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		deps[depID] = true
		if g.dependents[depID] == nil {
			g.dependents[depID] = make(map[string]bool)
		}
		g.dependents[depID][task.ID] = true
	}
	g.dependencies[task.ID] = deps
}

// RemoveTask deletes a task and all edges touching it.
func (g *Graph) RemoveTask(taskID string) {
	if _, ok := g.tasks[taskID]; !ok {
		return
	}
	delete(g.tasks, taskID)
	delete(g.dependencies, taskID)
	delete(g.dependents, taskID)
	for _, deps := range g.dependencies {
		delete(deps, taskID)
	}
	for _, deps := range g.dependents {
		delete(deps, taskID)
	}
	for i, id := range g.order {
		if id == taskID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Task returns a task by ID.
func (g *Graph) Task(taskID string) (*v1.Task, bool) {
	task, ok := g.tasks[taskID]
	return task, ok
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Dependencies returns the direct dependencies of a task, sorted.
func (g *Graph) Dependencies(taskID string) []string {
	return sortedKeys(g.dependencies[taskID])
}

// Dependents returns the tasks directly depending on taskID, sorted.
func (g *Graph) Dependents(taskID string) []string {
	return sortedKeys(g.dependents[taskID])
}

// TransitiveDependents returns every task downstream of taskID.
func (g *Graph) TransitiveDependents(taskID string) []string {
	seen := make(map[string]bool)
	stack := sortedKeys(g.dependents[taskID])
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, sortedKeys(g.dependents[id])...)
	}
	return sortedKeys(seen)
}

// DetectCycle returns the first cycle path found, or nil. The path repeats
// its first node at the end, e.g. [A B A].
func (g *Graph) DetectCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	var path []string

	var dfs func(taskID string) []string
	dfs = func(taskID string) []string {
		color[taskID] = gray
		path = append(path, taskID)

		for _, depID := range sortedKeys(g.dependencies[taskID]) {
			if _, known := g.tasks[depID]; !known {
				continue
			}
			switch color[depID] {
			case gray:
				for i, id := range path {
					if id == depID {
						return append(append([]string{}, path[i:]...), depID)
					}
				}
			case white:
				if cycle := dfs(depID); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		color[taskID] = black
		return nil
	}

	for _, taskID := range g.order {
		if color[taskID] == white {
			if cycle := dfs(taskID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopoSort returns the task IDs in dependency order using Kahn's algorithm.
func (g *Graph) TopoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.tasks))
	for _, taskID := range g.order {
		count := 0
		for depID := range g.dependencies[taskID] {
			if _, known := g.tasks[depID]; known {
				count++
			}
		}
		inDegree[taskID] = count
	}

	var queue []string
	for _, taskID := range g.order {
		if inDegree[taskID] == 0 {
			queue = append(queue, taskID)
		}
	}

	result := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		result = append(result, taskID)
		for _, dependent := range sortedKeys(g.dependents[taskID]) {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.tasks) {
		if cycle := g.DetectCycle(); cycle != nil {
			return nil, &CycleError{Path: cycle}
		}
		return nil, ErrCycleDetected
	}
	return result, nil
}

// CriticalPath returns the longest dependency chain, counted in tasks.
// Ties resolve to the lexicographically smallest path.
func (g *Graph) CriticalPath() []string {
	memo := make(map[string][]string, len(g.tasks))

	var longestTo func(taskID string) []string
	longestTo = func(taskID string) []string {
		if cached, ok := memo[taskID]; ok {
			return cached
		}
		// Mark in-progress to stop on cycles.
		memo[taskID] = []string{taskID}

		var longest []string
		for _, depID := range sortedKeys(g.dependencies[taskID]) {
			if _, known := g.tasks[depID]; !known {
				continue
			}
			path := longestTo(depID)
			if betterPath(path, longest) {
				longest = path
			}
		}
		result := append(append([]string{}, longest...), taskID)
		memo[taskID] = result
		return result
	}

	var critical []string
	ids := append([]string{}, g.order...)
	sort.Strings(ids)
	for _, taskID := range ids {
		if path := longestTo(taskID); betterPath(path, critical) {
			critical = path
		}
	}
	return critical
}

// betterPath prefers the longer path, then the lexicographically smaller one.
func betterPath(candidate, current []string) bool {
	if len(candidate) != len(current) {
		return len(candidate) > len(current)
	}
	for i := range candidate {
		if candidate[i] != current[i] {
			return candidate[i] < current[i]
		}
	}
	return false
}

// Phases groups tasks into layers where each layer only depends on earlier
// ones. Unsatisfiable tasks (cycles) are left out.
func (g *Graph) Phases() [][]string {
	if len(g.tasks) == 0 {
		return nil
	}
	completed := make(map[string]bool, len(g.tasks))
	remaining := make(map[string]bool, len(g.tasks))
	for taskID := range g.tasks {
		remaining[taskID] = true
	}

	var phases [][]string
	for len(remaining) > 0 {
		var phase []string
		for _, taskID := range sortedKeys(remaining) {
			ready := true
			for depID := range g.dependencies[taskID] {
				if _, known := g.tasks[depID]; known && !completed[depID] {
					ready = false
					break
				}
			}
			if ready {
				phase = append(phase, taskID)
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

// ReadyTasks returns pending tasks whose dependencies have all completed.
func (g *Graph) ReadyTasks() []string {
	var ready []string
	for _, taskID := range g.order {
		task := g.tasks[taskID]
		if task.Status != v1.TaskPending {
			continue
		}
		ok := true
		for depID := range g.dependencies[taskID] {
			dep, known := g.tasks[depID]
			if !known || dep.Status != v1.TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, taskID)
		}
	}
	return ready
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
