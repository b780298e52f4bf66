package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/store"
)

// Queue is the slice of the queue manager the router needs.
type Queue interface {
	EnqueueMessage(chat store.RegisteredChat, msg queue.Message)
	AgentLive(jid string) bool
}

// Router normalizes inbound traffic from every connected channel, gates it
// on registration and trigger rules, and routes outbound text back to the
// channel owning the JID. It is the queue manager's Sender.
type Router struct {
	store  *store.Store
	queue  Queue
	cfg    config.Config
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	channels []Channel
}

func NewRouter(st *store.Store, q Queue, cfg config.Config, b *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, queue: q, cfg: cfg, bus: b, logger: logger}
}

// Register adds a channel. Call before ConnectAll.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// ConnectAll connects every registered channel. A channel that fails to
// connect is logged and skipped; the host keeps running on the rest.
func (r *Router) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	channels := append([]Channel(nil), r.channels...)
	r.mu.RUnlock()
	for _, ch := range channels {
		if err := ch.Connect(ctx); err != nil {
			r.logger.Error("channel connect failed", "channel", ch.Name(), "error", err)
			continue
		}
		r.logger.Info("channel connected", "channel", ch.Name())
	}
}

func (r *Router) DisconnectAll() {
	r.mu.RLock()
	channels := append([]Channel(nil), r.channels...)
	r.mu.RUnlock()
	for _, ch := range channels {
		if err := ch.Disconnect(); err != nil {
			r.logger.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}

// HandleInbound is the callback every channel delivers into. Self and bot
// messages are dropped. Unregistered chats are ignored unless the owning
// channel marks the JID as the owner's chat, in which case it is registered
// under the main folder first. For registered chats with a trigger
// requirement the trigger must match, except while an agent is already live
// for the chat: then the text pipes through unconditionally so the user can
// steer the running turn.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) {
	if msg.IsFromSelf || msg.IsBot {
		return
	}
	chat, err := r.store.GetChatByJID(ctx, msg.JID)
	if errors.Is(err, store.ErrChatNotFound) {
		chat, err = r.autoRegister(ctx, msg)
		if err != nil {
			if !errors.Is(err, errNotMain) {
				r.logger.Warn("auto-register failed", "jid", msg.JID, "error", err)
			}
			return
		}
	} else if err != nil {
		r.logger.Error("chat lookup failed", "jid", msg.JID, "error", err)
		return
	}

	if chat.RequiresTrigger && !r.queue.AgentLive(chat.JID) && !triggerMatches(chat.TriggerPattern, msg.Content) {
		return
	}

	if r.bus != nil {
		r.bus.Emit(ctx, bus.EventMessageInbound, bus.MessageEvent{
			JID: chat.JID, Folder: chat.Folder, Sender: msg.SenderID,
		})
	}
	r.queue.EnqueueMessage(chat, queue.Message{Text: msg.Content, Sender: msg.SenderName})
}

var errNotMain = errors.New("jid is not a main chat")

// autoRegister binds the owner's chat to the main folder on first contact.
// If the main folder is already taken by another JID, the chat is left
// unregistered.
func (r *Router) autoRegister(ctx context.Context, msg InboundMessage) (store.RegisteredChat, error) {
	ch := r.channelFor(msg.JID)
	if ch == nil {
		return store.RegisteredChat{}, errNotMain
	}
	mc, ok := ch.(MainChannel)
	if !ok || !mc.IsMainChannel(msg.JID) {
		return store.RegisteredChat{}, errNotMain
	}
	if existing, err := r.store.GetChatByFolder(ctx, r.cfg.MainFolder); err == nil && existing.JID != msg.JID {
		return store.RegisteredChat{}, fmt.Errorf("main folder %q already bound to %s", r.cfg.MainFolder, existing.JID)
	}
	name := msg.SenderName
	if name == "" {
		name = msg.JID
	}
	chat := store.RegisteredChat{
		JID:         msg.JID,
		DisplayName: name,
		Folder:      r.cfg.MainFolder,
	}
	if err := r.store.UpsertChat(ctx, chat); err != nil {
		return store.RegisteredChat{}, err
	}
	r.logger.Info("registered owner chat", "jid", msg.JID, "folder", chat.Folder)
	return chat, nil
}

// UpdateChatMetadata refreshes the display name of a registered chat.
// Unknown JIDs are ignored.
func (r *Router) UpdateChatMetadata(ctx context.Context, jid, displayName string, _ time.Time) {
	if displayName == "" {
		return
	}
	chat, err := r.store.GetChatByJID(ctx, jid)
	if err != nil || chat.DisplayName == displayName {
		return
	}
	chat.DisplayName = displayName
	if err := r.store.UpsertChat(ctx, chat); err != nil {
		r.logger.Warn("update chat metadata failed", "jid", jid, "error", err)
	}
}

// Send routes outbound text to the channel owning the JID. Implements
// queue.Sender.
func (r *Router) Send(ctx context.Context, jid, text string) error {
	ch := r.channelFor(jid)
	if ch == nil {
		return fmt.Errorf("no channel owns jid %s", jid)
	}
	if err := ch.SendMessage(ctx, jid, text); err != nil {
		return fmt.Errorf("send via %s: %w", ch.Name(), err)
	}
	if r.bus != nil {
		r.bus.Emit(ctx, bus.EventMessageOutbound, bus.MessageEvent{JID: jid})
	}
	return nil
}

// SendVoice routes an audio file to the owning channel. Channels without
// voice support fall back to a text notice.
func (r *Router) SendVoice(ctx context.Context, jid, path string) error {
	ch := r.channelFor(jid)
	if ch == nil {
		return fmt.Errorf("no channel owns jid %s", jid)
	}
	if vs, ok := ch.(VoiceSender); ok {
		return vs.SendVoice(ctx, jid, path)
	}
	return ch.SendMessage(ctx, jid, "[voice message: "+path+"]")
}

// SetTyping toggles the typing indicator where the channel supports one.
func (r *Router) SetTyping(ctx context.Context, jid string, on bool) {
	ch := r.channelFor(jid)
	if ch == nil {
		return
	}
	if ts, ok := ch.(TypingSetter); ok {
		if err := ts.SetTyping(ctx, jid, on); err != nil {
			r.logger.Debug("set typing failed", "jid", jid, "error", err)
		}
	}
}

func (r *Router) channelFor(jid string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// triggerMatches reports whether the chat's trigger pattern fires on the
// text. Patterns are matched as case-insensitive regular expressions; a
// pattern that does not compile degrades to a substring check.
func triggerMatches(pattern, text string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
	}
	return re.MatchString(text)
}
