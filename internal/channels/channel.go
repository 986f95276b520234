// Package channels defines the chat transport abstraction and its WhatsApp
// and Slack implementations. Transports publish inbound events on the bus
// and expose a synchronous send primitive used by the delivery loop.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/voxclaw/voxclaw/internal/bus"
)

// ErrChannelDisconnected is returned by Send while the transport has no
// live connection. Delivery treats it as a transient failure.
var ErrChannelDisconnected = errors.New("channel disconnected")

// Channel is one chat transport.
type Channel interface {
	// Name returns the channel identifier ("whatsapp", "slack").
	Name() string
	// Start connects the transport and begins publishing inbound events.
	Start(ctx context.Context) error
	// Stop disconnects the transport.
	Stop() error
	// Send delivers one message and returns the transport's message id.
	Send(ctx context.Context, msg *bus.OutboundMessage) (string, error)
	// SendTyping toggles the typing indicator for a chat. Best effort.
	SendTyping(ctx context.Context, chatID string, typing bool) error
}

// Registry holds the running channels keyed by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names lists the registered channels.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Send routes one outbound message to its channel.
func (r *Registry) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	ch, ok := r.Get(msg.Channel)
	if !ok {
		return "", fmt.Errorf("no channel %q registered", msg.Channel)
	}
	return ch.Send(ctx, msg)
}

// SendTyping toggles the typing indicator on every registered channel that
// knows the chat. Errors are swallowed; indicators are cosmetic.
func (r *Registry) SendTyping(ctx context.Context, channelName, chatID string, typing bool) {
	ch, ok := r.Get(channelName)
	if !ok {
		return
	}
	_ = ch.SendTyping(ctx, chatID, typing)
}

// StopAll stops every registered channel.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		_ = ch.Stop()
	}
}
