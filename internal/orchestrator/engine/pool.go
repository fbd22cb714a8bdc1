package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
)

// AgentRunner is the engine's view of an agent: it executes one prompt and
// returns the agent's result text.
type AgentRunner interface {
	Name() string
	Role() string
	Run(ctx context.Context, prompt string) (string, error)
}

// pool hands out idle agents by role. Waiters poll; a starvation warning is
// logged once per wait after the threshold elapses.
type pool struct {
	mu     sync.Mutex
	agents []AgentRunner
	busy   map[string]bool

	pollInterval        time.Duration
	starvationThreshold time.Duration
	log                 *logger.Logger
}

func newPool(pollInterval, starvationThreshold time.Duration, log *logger.Logger) *pool {
	return &pool{
		busy:                make(map[string]bool),
		pollInterval:        pollInterval,
		starvationThreshold: starvationThreshold,
		log:                 log,
	}
}

func (p *pool) add(agent AgentRunner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = append(p.agents, agent)
}

func (p *pool) remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, agent := range p.agents {
		if agent.Name() == name {
			p.agents = append(p.agents[:i], p.agents[i+1:]...)
			break
		}
	}
	delete(p.busy, name)
}

// tryAcquire returns an idle agent with the role, or nil.
func (p *pool) tryAcquire(role string) AgentRunner {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, agent := range p.agents {
		if agent.Role() == role && !p.busy[agent.Name()] {
			p.busy[agent.Name()] = true
			return agent
		}
	}
	return nil
}

// acquire blocks until an agent with the role is idle or ctx is done.
func (p *pool) acquire(ctx context.Context, role string) (AgentRunner, error) {
	if agent := p.tryAcquire(role); agent != nil {
		return agent, nil
	}

	start := time.Now()
	warned := false
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if agent := p.tryAcquire(role); agent != nil {
				return agent, nil
			}
			if !warned && p.starvationThreshold > 0 && time.Since(start) >= p.starvationThreshold {
				warned = true
				p.log.Warn("no idle agent for role, task is starving",
					zap.String("role", role),
					zap.Duration("waited", time.Since(start)))
			}
		}
	}
}

func (p *pool) release(agent AgentRunner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, agent.Name())
}

// roleCounts returns the number of agents per role.
func (p *pool) roleCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[string]int)
	for _, agent := range p.agents {
		counts[agent.Role()]++
	}
	return counts
}

// hasRole reports whether any agent carries the role.
func (p *pool) hasRole(role string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, agent := range p.agents {
		if agent.Role() == role {
			return true
		}
	}
	return false
}
