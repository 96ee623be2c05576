// ABOUTME: Represents one open agent session together with the capabilities it was started with.
// ABOUTME: Adds the instruction preamble to the first prompt when configured to.

package agent

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/2389/coven-relay/internal/acp"
	"github.com/2389/coven-relay/internal/capability"
)

// PreambleSeparator separates prepended instructions from the user's message.
const PreambleSeparator = "\n\n---\n\n"

// Connection is a live agent session for one scope.
type Connection struct {
	Session      *acp.Session
	Capabilities *capability.Config

	preamble string
	prompted atomic.Bool
	released atomic.Bool
}

func newConnection(sess *acp.Session, caps *capability.Config, prepend bool) *Connection {
	c := &Connection{Session: sess, Capabilities: caps}
	if prepend {
		c.preamble = strings.TrimSpace(caps.SystemPrompt())
	}
	return c
}

// Prompt starts a turn. The first prompt of the session carries the
// instruction preamble, if any.
func (c *Connection) Prompt(ctx context.Context, text string) error {
	first := c.preamble != "" && !c.prompted.Swap(true)
	if first {
		text = c.preamble + PreambleSeparator + text
	}
	err := c.Session.Prompt(ctx, text)
	if err != nil && first {
		c.prompted.Store(false)
	}
	return err
}

func (c *Connection) close() error {
	c.released.Store(true)
	return c.Session.Close()
}
