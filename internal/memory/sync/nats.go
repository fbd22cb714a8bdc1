package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
)

// SubjectForSession returns the NATS subject carrying a session's sync events.
// The session ID is embedded in a single colon-separated token.
func SubjectForSession(sessionID string) string {
	return "memnexus:session:" + sessionID
}

// NATSBridge exports local sync events to NATS and injects remote ones back
// into the local bus. Export failures are logged, never propagated.
type NATSBridge struct {
	conn *nats.Conn
	log  *logger.Logger

	mu       gosync.Mutex
	watching map[string]*nats.Subscription
}

// NewNATSBridge connects to the NATS server at url.
func NewNATSBridge(url string, log *logger.Logger) (*NATSBridge, error) {
	// NoEcho keeps our own exports from coming back through watch, which
	// would deliver every local event twice.
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Name("memnexus-sync"),
		nats.NoEcho(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSBridge{
		conn:     conn,
		log:      log.WithFields(zap.String("component", "nats-bridge")),
		watching: make(map[string]*nats.Subscription),
	}, nil
}

// export publishes a local event to the session's subject.
func (n *NATSBridge) export(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}
	return n.conn.Publish(SubjectForSession(evt.SessionID), data)
}

// watch subscribes to the session's subject and re-publishes remote events on
// the local bus, marked so they are not exported again.
func (n *NATSBridge) watch(sessionID string, bus *Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.watching[sessionID]; ok {
		return
	}

	sub, err := n.conn.Subscribe(SubjectForSession(sessionID), func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			n.log.WithError(err).Warn("dropping malformed remote sync event",
				zap.String("subject", msg.Subject))
			return
		}
		evt.Remote = true
		bus.Publish(context.Background(), evt)
	})
	if err != nil {
		n.log.WithError(err).Warn("failed to watch session subject",
			zap.String("session_id", sessionID))
		return
	}
	n.watching[sessionID] = sub
}

// Unwatch drops the subscription for a session's subject.
func (n *NATSBridge) Unwatch(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.watching[sessionID]; ok {
		_ = sub.Unsubscribe()
		delete(n.watching, sessionID)
	}
}

// Close drains the connection.
func (n *NATSBridge) Close() {
	n.mu.Lock()
	for id, sub := range n.watching {
		_ = sub.Unsubscribe()
		delete(n.watching, id)
	}
	n.mu.Unlock()
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
