// Package channels holds the chat-platform integrations and the router
// that binds them to the rest of the host. Each channel owns a JID prefix
// and normalizes its platform events into InboundMessage.
package channels

import (
	"context"
	"time"
)

// InboundMessage is the channel-independent shape of one received message.
type InboundMessage struct {
	ID         string
	JID        string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
	IsFromSelf bool
	IsBot      bool
}

// Channel is the contract every platform integration satisfies. Connect
// should return once the channel is receiving; delivery of inbound events
// happens on the channel's own goroutines via the router callback.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	OwnsJID(jid string) bool
	SendMessage(ctx context.Context, jid, text string) error
}

// VoiceSender is implemented by channels that can deliver audio files.
type VoiceSender interface {
	SendVoice(ctx context.Context, jid, path string) error
}

// TypingSetter is implemented by channels with a typing indicator.
type TypingSetter interface {
	SetTyping(ctx context.Context, jid string, on bool) error
}

// MainChannel is implemented by channels that can identify the owner's
// chat. A JID it reports as main is auto-registered under the main folder
// on first contact.
type MainChannel interface {
	IsMainChannel(jid string) bool
}
