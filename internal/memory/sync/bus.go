// Package sync fans memory events out to in-process subscribers, one topic
// per session, with an optional NATS bridge for cross-process delivery.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory/store"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

// Event types carried on the bus.
const (
	EventMemoryAdded   = "memory_added"
	EventMemoryDeleted = "memory_deleted"
	EventTaskResult    = "task_result"
	EventTaskProgress  = "task_progress"
	EventAgentOutput   = "agent_output"
)

// AllSessions subscribes to events from every session.
const AllSessions = "*"

// DefaultQueueSize bounds each subscriber's queue.
const DefaultQueueSize = 256

// Event is a single sync bus message.
type Event struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Memory    *store.Record    `json:"memory,omitempty"`
	Progress  *v1.TaskProgress `json:"progress,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Source    string           `json:"source"`

	// Remote marks events injected by the bridge so they are not re-exported.
	Remote bool `json:"-"`
}

// Subscription is one subscriber's bounded event queue. When the queue
// overflows the oldest event is dropped and the subscription is flagged lossy.
type Subscription struct {
	id        string
	sessionID string
	ch        chan Event
	lossy     atomic.Bool

	// mu orders channel sends against close so a publisher racing an
	// Unsubscribe never sends on a closed channel.
	mu     sync.Mutex
	closed bool
}

// Events returns the subscriber's receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lossy reports whether any event was dropped for this subscriber.
func (s *Subscription) Lossy() bool {
	return s.lossy.Load()
}

// SessionID returns the session topic this subscription watches.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is the in-process sync bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[string]*Subscription // session topic -> sub id
	queueSize int
	bridge    *NATSBridge
	log       *logger.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewBus creates an in-process bus with no external bridge.
func NewBus(log *logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[string]map[string]*Subscription),
		queueSize: DefaultQueueSize,
		log:       log.WithFields(zap.String("component", "sync-bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AttachBridge wires an external bridge. Local events are exported through it
// and the bridge starts watching each session topic on first use.
func (b *Bus) AttachBridge(bridge *NATSBridge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridge = bridge
	for sessionID := range b.subs {
		if sessionID != AllSessions {
			bridge.watch(sessionID, b)
		}
	}
}

// Subscribe registers a subscriber for one session topic, or AllSessions.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ch:        make(chan Event, b.queueSize),
	}
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*Subscription)
	}
	b.subs[sessionID][sub.id] = sub
	bridge := b.bridge
	b.mu.Unlock()

	if bridge != nil && sessionID != AllSessions {
		bridge.watch(sessionID, b)
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if sessionSubs, ok := b.subs[sub.sessionID]; ok {
		delete(sessionSubs, sub.id)
		if len(sessionSubs) == 0 {
			delete(b.subs, sub.sessionID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers the event to the session's subscribers and any wildcard
// subscribers, never blocking the publisher. Locally produced events are also
// exported through the bridge when one is attached.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0)
	for _, sub := range b.subs[evt.SessionID] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subs[AllSessions] {
		targets = append(targets, sub)
	}
	bridge := b.bridge
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, evt)
	}

	if bridge != nil && !evt.Remote {
		if err := bridge.export(ctx, evt); err != nil {
			b.log.WithError(err).Warn("failed to export sync event",
				zap.String("session_id", evt.SessionID),
				zap.String("type", evt.Type))
		}
	}
}

// deliver enqueues non-blockingly, dropping the oldest event on overflow.
// Events published after the subscription closed are discarded.
func (b *Bus) deliver(sub *Subscription, evt Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		select {
		case <-sub.ch:
			if sub.lossy.CompareAndSwap(false, true) {
				b.log.Warn("subscriber queue overflow, dropping oldest",
					zap.String("session_id", sub.sessionID),
					zap.String("subscription_id", sub.id))
			}
		default:
		}
	}
}

// SubscriberCount returns the number of subscribers for a session topic.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Close unsubscribes everything and detaches the bridge.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[string]*Subscription)
	bridge := b.bridge
	b.bridge = nil
	b.mu.Unlock()

	for _, sessionSubs := range subs {
		for _, sub := range sessionSubs {
			sub.close()
		}
	}
	if bridge != nil {
		bridge.Close()
	}
}
