package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisteredChat binds a JID to its folder and trigger settings. The folder
// doubles as the agent working directory name and the task scoping key.
type RegisteredChat struct {
	JID             string    `json:"jid"`
	DisplayName     string    `json:"displayName"`
	Folder          string    `json:"folder"`
	TriggerPattern  string    `json:"triggerPattern"`
	RequiresTrigger bool      `json:"requiresTrigger"`
	AddedAt         time.Time `json:"addedAt"`
}

var ErrChatNotFound = errors.New("chat not found")

// UpsertChat registers a chat or updates its metadata. The folder is unique
// across chats; re-registering the same JID keeps its original added_at.
func (s *Store) UpsertChat(ctx context.Context, chat RegisteredChat) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO registered_chats (jid, display_name, folder, trigger_pattern, requires_trigger)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET
				display_name = excluded.display_name,
				folder = excluded.folder,
				trigger_pattern = excluded.trigger_pattern,
				requires_trigger = excluded.requires_trigger;
		`, chat.JID, chat.DisplayName, chat.Folder, chat.TriggerPattern, boolToInt(chat.RequiresTrigger))
		if err != nil {
			return fmt.Errorf("upsert chat %s: %w", chat.JID, err)
		}
		return nil
	})
}

func (s *Store) GetChatByJID(ctx context.Context, jid string) (RegisteredChat, error) {
	return s.getChat(ctx, `WHERE jid = ?`, jid)
}

func (s *Store) GetChatByFolder(ctx context.Context, folder string) (RegisteredChat, error) {
	return s.getChat(ctx, `WHERE folder = ?`, folder)
}

func (s *Store) getChat(ctx context.Context, where string, arg any) (RegisteredChat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, display_name, folder, trigger_pattern, requires_trigger, added_at
		FROM registered_chats `+where+`;`, arg)
	var c RegisteredChat
	var requires int
	err := row.Scan(&c.JID, &c.DisplayName, &c.Folder, &c.TriggerPattern, &requires, &c.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredChat{}, ErrChatNotFound
	}
	if err != nil {
		return RegisteredChat{}, fmt.Errorf("get chat: %w", err)
	}
	c.RequiresTrigger = requires != 0
	return c, nil
}

func (s *Store) ListChats(ctx context.Context) ([]RegisteredChat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, display_name, folder, trigger_pattern, requires_trigger, added_at
		FROM registered_chats ORDER BY added_at;`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []RegisteredChat
	for rows.Next() {
		var c RegisteredChat
		var requires int
		if err := rows.Scan(&c.JID, &c.DisplayName, &c.Folder, &c.TriggerPattern, &requires, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.RequiresTrigger = requires != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
