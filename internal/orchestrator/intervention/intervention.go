// Package intervention tracks points where plan execution pauses for a
// human: approvals, reviews, decisions and error escalations.
package intervention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
)

var ErrPointNotFound = errors.New("intervention point not found")

// Type classifies an intervention point.
type Type string

const (
	TypeApproval     Type = "approval"
	TypeReview       Type = "review"
	TypeDecision     Type = "decision"
	TypeModification Type = "modification"
	TypePause        Type = "pause"
	TypeCheckpoint   Type = "checkpoint"
	TypeError        Type = "error"
)

// Status is the lifecycle state of an intervention point.
type Status string

const (
	StatusPending         Status = "pending"
	StatusWaitingForHuman Status = "waiting_for_human"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusModified        Status = "modified"
	StatusOverridden      Status = "overridden"
	StatusExpired         Status = "expired"
	StatusCancelled       Status = "cancelled"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusModified, StatusOverridden,
		StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Resolution records how a point was settled.
type Resolution struct {
	Action       string         `json:"action"`
	Comment      string         `json:"comment,omitempty"`
	ModifiedData map[string]any `json:"modified_data,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
}

// Option is one choice offered to the human resolving a point.
type Option struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Point is one intervention request.
type Point struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	TaskID      string         `json:"task_id,omitempty"`
	Type        Type           `json:"type"`
	Status      Status         `json:"status"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Options     []Option       `json:"options,omitempty"`
	Resolution  *Resolution    `json:"resolution,omitempty"`
	Escalated   bool           `json:"escalated,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`

	waiter chan *Point
}

// clone returns a copy safe to hand to callers.
func (p *Point) clone() *Point {
	c := *p
	c.Options = append([]Option(nil), p.Options...)
	c.waiter = nil
	return &c
}

// Registry owns all intervention points and the policies that auto-resolve
// them. A background monitor expires stale points and applies auto-approval.
type Registry struct {
	mu        sync.Mutex
	points    map[string]*Point
	bySession map[string][]string
	byTask    map[string][]string
	policies  map[string]*Policy

	monitorInterval time.Duration
	log             *logger.Logger
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithMonitorInterval overrides the monitor tick.
func WithMonitorInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.monitorInterval = d
		}
	}
}

// NewRegistry creates a registry preloaded with the built-in policies and
// starts its monitor loop.
func NewRegistry(log *logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		points:          make(map[string]*Point),
		bySession:       make(map[string][]string),
		byTask:          make(map[string][]string),
		policies:        make(map[string]*Policy),
		monitorInterval: 5 * time.Second,
		log:             log.WithFields(zap.String("component", "intervention")),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, policy := range builtinPolicies() {
		r.policies[policy.Name] = policy
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.monitor(ctx)
	return r
}

// Request creates a point in waiting_for_human state. A positive timeout
// sets the expiry deadline.
func (r *Registry) Request(sessionID, taskID string, typ Type, title, description string, data map[string]any, timeout time.Duration) *Point {
	return r.register(sessionID, taskID, typ, title, description, data, nil, timeout)
}

// RequestReview creates a review point carrying the standard
// approve/reject/modify options.
func (r *Registry) RequestReview(sessionID, taskID, title, description string, data map[string]any, timeout time.Duration) *Point {
	options := []Option{
		{ID: "approve", Label: "Approve", Action: "approve"},
		{ID: "reject", Label: "Reject", Action: "reject"},
		{ID: "modify", Label: "Request changes", Action: "modify"},
	}
	return r.register(sessionID, taskID, TypeReview, title, description, data, options, timeout)
}

// RequestDecision creates a decision point offering the caller's options.
func (r *Registry) RequestDecision(sessionID, taskID, title, description string, data map[string]any, options []Option, timeout time.Duration) *Point {
	return r.register(sessionID, taskID, TypeDecision, title, description, data, options, timeout)
}

func (r *Registry) register(sessionID, taskID string, typ Type, title, description string, data map[string]any, options []Option, timeout time.Duration) *Point {
	now := time.Now().UTC()
	point := &Point{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		TaskID:      taskID,
		Type:        typ,
		Status:      StatusWaitingForHuman,
		Title:       title,
		Description: description,
		Data:        data,
		Options:     options,
		CreatedAt:   now,
		waiter:      make(chan *Point, 1),
	}
	if timeout > 0 {
		expires := now.Add(timeout)
		point.ExpiresAt = &expires
	}

	r.mu.Lock()
	r.points[point.ID] = point
	r.bySession[sessionID] = append(r.bySession[sessionID], point.ID)
	if taskID != "" {
		r.byTask[taskID] = append(r.byTask[taskID], point.ID)
	}
	r.mu.Unlock()

	r.log.Info("intervention requested",
		zap.String("intervention_id", point.ID),
		zap.String("session_id", sessionID),
		zap.String("task_id", taskID),
		zap.String("type", string(typ)))
	return point.clone()
}

// Wait blocks until the point resolves, expires or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (*Point, error) {
	r.mu.Lock()
	point, ok := r.points[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrPointNotFound
	}
	if point.Status.Resolved() {
		resolved := point.clone()
		r.mu.Unlock()
		return resolved, nil
	}
	waiter := point.waiter
	r.mu.Unlock()

	select {
	case resolved := <-waiter:
		return resolved, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve settles a waiting point. Actions map approve -> approved,
// reject -> rejected, modify -> modified; anything else approves. Resolving
// an already-settled point is a no-op.
func (r *Registry) Resolve(id, action, comment string, modifiedData map[string]any) (*Point, error) {
	var status Status
	switch action {
	case "reject":
		status = StatusRejected
	case "modify":
		status = StatusModified
	case "approve":
		status = StatusApproved
	default:
		status = StatusApproved
	}
	return r.settle(id, status, &Resolution{
		Action:       action,
		Comment:      comment,
		ModifiedData: modifiedData,
		ResolvedBy:   "human",
	})
}

// Cancel marks a waiting point cancelled.
func (r *Registry) Cancel(id string) (*Point, error) {
	return r.settle(id, StatusCancelled, &Resolution{Action: "cancel", ResolvedBy: "system"})
}

// settle applies a terminal status and fulfills the waiter exactly once.
func (r *Registry) settle(id string, status Status, resolution *Resolution) (*Point, error) {
	r.mu.Lock()
	point, ok := r.points[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrPointNotFound
	}
	if point.Status.Resolved() {
		settled := point.clone()
		r.mu.Unlock()
		return settled, nil
	}
	now := time.Now().UTC()
	point.Status = status
	point.Resolution = resolution
	point.ResolvedAt = &now
	settled := point.clone()
	waiter := point.waiter
	r.mu.Unlock()

	waiter <- settled

	r.log.Info("intervention settled",
		zap.String("intervention_id", id),
		zap.String("status", string(status)))
	return settled, nil
}

// Get returns a point by ID.
func (r *Registry) Get(id string) (*Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	point, ok := r.points[id]
	if !ok {
		return nil, ErrPointNotFound
	}
	return point.clone(), nil
}

// BySession lists a session's points, optionally only unresolved ones.
func (r *Registry) BySession(sessionID string, pendingOnly bool) []*Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Point
	for _, id := range r.bySession[sessionID] {
		point := r.points[id]
		if pendingOnly && point.Status.Resolved() {
			continue
		}
		out = append(out, point.clone())
	}
	return out
}

// ByTask lists a task's points.
func (r *Registry) ByTask(taskID string) []*Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Point
	for _, id := range r.byTask[taskID] {
		out = append(out, r.points[id].clone())
	}
	return out
}

// SetPolicy installs or replaces a policy.
func (r *Registry) SetPolicy(policy *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.Name] = policy
}

// Policy returns a policy by name.
func (r *Registry) Policy(name string) (*Policy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	policy, ok := r.policies[name]
	return policy, ok
}

// MatchPolicies returns the enabled policies matching a point's type and data.
func (r *Registry) MatchPolicies(typ Type, data map[string]any) []*Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Policy
	for _, policy := range r.policies {
		if policy.Enabled && policy.Type == typ && policy.Matches(data) {
			out = append(out, policy)
		}
	}
	return out
}

// monitor expires overdue points, applies the global auto-approval window
// taken from the expensive_ops policy, and escalates points left waiting past
// a policy's escalation timeout.
func (r *Registry) monitor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now().UTC()

	type escalation struct {
		pointID  string
		policy   string
		channels []string
	}

	var autoApproveAfter time.Duration
	r.mu.Lock()
	if policy, ok := r.policies["expensive_ops"]; ok && policy.Enabled {
		autoApproveAfter = policy.AutoApproveAfter
	}
	var escalationPolicies []*Policy
	for _, policy := range r.policies {
		if policy.Enabled && policy.EscalationTimeout > 0 {
			escalationPolicies = append(escalationPolicies, policy)
		}
	}
	var expired, autoApprove []string
	var escalations []escalation
	for id, point := range r.points {
		if point.Status.Resolved() {
			continue
		}
		if point.ExpiresAt != nil && now.After(*point.ExpiresAt) {
			expired = append(expired, id)
			continue
		}
		if autoApproveAfter > 0 && now.Sub(point.CreatedAt) >= autoApproveAfter {
			autoApprove = append(autoApprove, id)
			continue
		}
		if point.Escalated {
			continue
		}
		for _, policy := range escalationPolicies {
			if policy.Type == point.Type && now.Sub(point.CreatedAt) >= policy.EscalationTimeout {
				point.Escalated = true
				escalations = append(escalations, escalation{
					pointID:  id,
					policy:   policy.Name,
					channels: policy.NotifyChannels,
				})
				break
			}
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		if _, err := r.settle(id, StatusExpired, &Resolution{Action: "expire", ResolvedBy: "system"}); err == nil {
			r.log.Warn("intervention expired", zap.String("intervention_id", id))
		}
	}
	for _, id := range autoApprove {
		_, _ = r.settle(id, StatusApproved, &Resolution{
			Action:     "approve",
			Comment:    "auto-approved by policy expensive_ops",
			ResolvedBy: "policy",
		})
	}
	for _, esc := range escalations {
		r.log.Warn("intervention escalated",
			zap.String("intervention_id", esc.pointID),
			zap.String("policy", esc.policy),
			zap.Strings("channels", esc.channels))
	}
}

// Close stops the monitor.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
