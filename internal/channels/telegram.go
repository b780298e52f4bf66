package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/nanoclaw/internal/config"
)

const telegramPrefix = "telegram:"

// Telegram bridges a Telegram bot account over long polling. JIDs are
// "telegram:<chatID>". Only senders on the allowed-ID list are let through;
// the first allowed ID is treated as the owner, so their private chat is
// reported as the main chat.
type Telegram struct {
	cfg    config.TelegramConfig
	router *Router
	logger *slog.Logger

	bot     *tgbotapi.BotAPI
	allowed map[int64]struct{}
	cancel  context.CancelFunc
}

func NewTelegram(cfg config.TelegramConfig, router *Router, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &Telegram{
		cfg:     cfg,
		router:  router,
		logger:  logger.With("channel", "telegram"),
		allowed: allowed,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) OwnsJID(jid string) bool { return strings.HasPrefix(jid, telegramPrefix) }

func (t *Telegram) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.bot = bot
	t.logger.Info("bot authorized", "user", bot.Self.UserName)

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.receiveLoop(loopCtx)
	return nil
}

func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

// receiveLoop restarts long polling with exponential backoff whenever the
// update stream stalls or closes.
func (t *Telegram) receiveLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return // context cancelled
		}
		t.logger.Warn("poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates drains the update channel until ctx is done, the channel
// closes, or nothing arrives within the stall window. The library blocks
// rather than closing the channel when the connection dies, so the stall
// timer is what detects a dead link.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowed[update.Message.From.ID]; !ok {
				t.logger.Warn("access denied", "user_id", update.Message.From.ID)
				continue
			}
			t.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	jid := telegramPrefix + strconv.FormatInt(msg.Chat.ID, 10)
	name := msg.From.UserName
	if name == "" {
		name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	t.router.UpdateChatMetadata(ctx, jid, chatTitle(msg.Chat), msg.Time())
	t.router.HandleInbound(ctx, InboundMessage{
		ID:         strconv.Itoa(msg.MessageID),
		JID:        jid,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: name,
		Content:    content,
		Timestamp:  msg.Time(),
		IsFromSelf: msg.From.ID == t.bot.Self.ID,
		IsBot:      msg.From.IsBot,
	})
}

func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

// IsMainChannel reports the owner's private chat: the chat ID equal to the
// first allowed user ID.
func (t *Telegram) IsMainChannel(jid string) bool {
	if len(t.cfg.AllowedIDs) == 0 {
		return false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(jid, telegramPrefix), 10, 64)
	if err != nil {
		return false
	}
	return id == t.cfg.AllowedIDs[0]
}

func (t *Telegram) SendMessage(ctx context.Context, jid, text string) error {
	chatID, err := t.chatID(jid)
	if err != nil {
		return err
	}
	// Telegram caps messages at 4096 characters.
	for _, chunk := range splitMessage(text, 4096) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
	}
	return nil
}

func (t *Telegram) SendVoice(ctx context.Context, jid, path string) error {
	chatID, err := t.chatID(jid)
	if err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewVoice(chatID, tgbotapi.FilePath(path))); err != nil {
		return fmt.Errorf("telegram voice send to %d: %w", chatID, err)
	}
	return nil
}

func (t *Telegram) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on {
		return nil
	}
	chatID, err := t.chatID(jid)
	if err != nil {
		return err
	}
	_, err = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (t *Telegram) chatID(jid string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(jid, telegramPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram jid %q: %w", jid, err)
	}
	return id, nil
}

var (
	_ Channel      = (*Telegram)(nil)
	_ VoiceSender  = (*Telegram)(nil)
	_ TypingSetter = (*Telegram)(nil)
	_ MainChannel  = (*Telegram)(nil)
)
