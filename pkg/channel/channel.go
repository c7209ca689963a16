// Package channel defines the Channel capability the core consumes
// (spec.md 6); concrete transports (pkg/channel/telegram, .../discord,
// .../whatsapp) are reference implementations, not part of the core.
package channel

import (
	"context"

	"github.com/sipeed/omega/pkg/types"
)

// Result reports a delivery outcome, including whether the channel had to
// retry as plain text after a markdown rejection.
type Result struct {
	RetriedPlainText bool
}

// Channel is the capability a transport implements.
type Channel interface {
	Name() string
	// Start spawns ingress and never returns normally; it pushes messages
	// onto out until cancel fires.
	Start(ctx context.Context, out chan<- types.IncomingMessage) error
	Send(ctx context.Context, msg types.OutgoingMessage) (Result, error)
	SendTyping(ctx context.Context, target string) error
}

// Registry resolves a channel by name, used by markers/tasks that target a
// sender on a possibly-different channel than the one currently dispatching.
type Registry struct {
	channels map[string]Channel
}

func NewRegistry() *Registry { return &Registry{channels: make(map[string]Channel)} }

func (r *Registry) Register(c Channel) { r.channels[c.Name()] = c }

func (r *Registry) Get(name string) (Channel, bool) {
	c, ok := r.channels[name]
	return c, ok
}
