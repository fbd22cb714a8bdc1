package session

import (
	"context"
	"errors"
	"strings"

	"github.com/memnexus/memnexus/internal/acp"
)

// acpRunner adapts an ACP connection to the engine's agent interface: one
// prompt in, the agent's final text out.
type acpRunner struct {
	name string
	role string
	conn *acp.Conn
}

func newACPRunner(name, role string, conn *acp.Conn) *acpRunner {
	return &acpRunner{name: name, role: role, conn: conn}
}

func (r *acpRunner) Name() string { return r.name }
func (r *acpRunner) Role() string { return r.role }

// Run sends the prompt and drains the event stream. Streamed chunks are
// joined when the completion carries no content of its own.
func (r *acpRunner) Run(ctx context.Context, prompt string) (string, error) {
	events, err := r.conn.Prompt(ctx, prompt)
	if err != nil {
		return "", err
	}

	var chunks []string
	for evt := range events {
		switch evt.Type {
		case "chunk":
			chunks = append(chunks, evt.Content)
		case "completion":
			if evt.Content != "" {
				return evt.Content, nil
			}
			return strings.Join(chunks, ""), nil
		case "error":
			return "", evt.Err
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", errors.New("prompt ended without completion")
}
