// Package bus provides the async event bus between chat transports and the
// gateway loop. Transports publish inbound events; the gateway drains them
// into the store. Outbound sends are synchronous transport calls and do not
// travel through the bus.
package bus

import (
	"context"
	"time"
)

// EventKind tags an inbound transport event.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventEdit    EventKind = "edit"
	EventDelete  EventKind = "delete"
	EventTyping  EventKind = "typing"
)

// Media describes one attachment already downloaded to local storage.
type Media struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

// InboundEvent is one transport event headed for the gateway.
type InboundEvent struct {
	Kind       EventKind `json:"kind"`
	Channel    string    `json:"channel"`
	PlatformID string    `json:"platform_id,omitempty"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	Media      []Media   `json:"media,omitempty"`
	// Typing is the typing flag for EventTyping.
	Typing    bool      `json:"typing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundMessage is one delivery handed to a transport.
type OutboundMessage struct {
	Channel  string  `json:"channel"`
	ChatID   string  `json:"chat_id"`
	TraceID  string  `json:"trace_id"`
	OutboxID string  `json:"outbox_id"`
	Content  string  `json:"content"`
	Media    []Media `json:"media,omitempty"`
	// ReplyTo is the platform id of the message to quote.
	ReplyTo string `json:"reply_to,omitempty"`
}

// MessageBus decouples transports from the gateway loop.
type MessageBus struct {
	inbound chan *InboundEvent
}

// NewMessageBus creates a bus with a bounded inbound buffer.
func NewMessageBus() *MessageBus {
	return &MessageBus{inbound: make(chan *InboundEvent, 256)}
}

// PublishInbound queues a transport event. Blocks when the gateway falls
// behind; transports run this from their own goroutines.
func (b *MessageBus) PublishInbound(evt *InboundEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.inbound <- evt
}

// ConsumeInbound blocks until an event is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundEvent, error) {
	select {
	case evt := <-b.inbound:
		return evt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryConsumeInbound returns the next event without blocking.
func (b *MessageBus) TryConsumeInbound() (*InboundEvent, bool) {
	select {
	case evt := <-b.inbound:
		return evt, true
	default:
		return nil, false
	}
}

// InboundSize returns the number of queued events.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }

// ChatKey composes the store-level chat id from a channel name and the
// transport's chat id. All store rows key chats this way so delivery can
// route back to the right transport.
func ChatKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// SplitChatKey splits a store chat id into channel name and transport chat
// id. A key without a separator maps to an empty channel.
func SplitChatKey(key string) (channel, chatID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}
