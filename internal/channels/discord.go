package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/basket/nanoclaw/internal/config"
)

const discordPrefix = "discord:"

// discordMaxLen is the platform limit for one message.
const discordMaxLen = 2000

// Discord bridges a Discord bot account. JIDs are "discord:<channelID>".
// A DM from the configured owner is reported as the main chat.
type Discord struct {
	cfg    config.DiscordConfig
	router *Router
	logger *slog.Logger

	session *discordgo.Session

	mu       sync.RWMutex
	ownerDMs map[string]struct{} // jids confirmed as owner DM channels
}

func NewDiscord(cfg config.DiscordConfig, router *Router, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		router:   router,
		logger:   logger.With("channel", "discord"),
		ownerDMs: make(map[string]struct{}),
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) OwnsJID(jid string) bool { return strings.HasPrefix(jid, discordPrefix) }

func (d *Discord) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	d.session = session
	d.logger.Info("gateway open", "user", session.State.User.Username)
	return nil
}

func (d *Discord) Disconnect() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	jid := discordPrefix + m.ChannelID

	// GuildID is empty for DMs. An owner DM becomes the main chat.
	if m.GuildID == "" && d.cfg.OwnerID != "" && m.Author.ID == d.cfg.OwnerID {
		d.mu.Lock()
		d.ownerDMs[jid] = struct{}{}
		d.mu.Unlock()
	}

	ctx := context.Background()
	d.router.UpdateChatMetadata(ctx, jid, m.Author.Username, m.Timestamp)
	d.router.HandleInbound(ctx, InboundMessage{
		ID:         m.ID,
		JID:        jid,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		IsFromSelf: s.State.User != nil && m.Author.ID == s.State.User.ID,
		IsBot:      m.Author.Bot,
	})
}

func (d *Discord) IsMainChannel(jid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ownerDMs[jid]
	return ok
}

func (d *Discord) SendMessage(ctx context.Context, jid, text string) error {
	channelID := strings.TrimPrefix(jid, discordPrefix)
	for _, chunk := range splitMessage(text, discordMaxLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send to %s: %w", channelID, err)
		}
	}
	return nil
}

func (d *Discord) SendVoice(ctx context.Context, jid, path string) error {
	channelID := strings.TrimPrefix(jid, discordPrefix)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open voice file: %w", err)
	}
	defer f.Close()
	_, err = d.session.ChannelFileSend(channelID, filepath.Base(path), f, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord voice send to %s: %w", channelID, err)
	}
	return nil
}

func (d *Discord) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on {
		return nil // discord typing expires on its own
	}
	channelID := strings.TrimPrefix(jid, discordPrefix)
	return d.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// splitMessage cuts text into chunks of at most maxLen runes, preferring to
// break at a newline when one falls in the second half of the chunk.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var out []string
	for len(runes) > maxLen {
		cut := maxLen
		for i := maxLen - 1; i >= maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

var (
	_ Channel      = (*Discord)(nil)
	_ VoiceSender  = (*Discord)(nil)
	_ TypingSetter = (*Discord)(nil)
	_ MainChannel  = (*Discord)(nil)
)
