package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSession returns the resumable agent session id for a folder, or ""
// when the folder has no session yet.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE folder = ?;`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session for %s: %w", folder, err)
	}
	return id, nil
}

// SetSession records the session id the agent reported for a folder.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (folder, session_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(folder) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = CURRENT_TIMESTAMP;
		`, folder, sessionID)
		if err != nil {
			return fmt.Errorf("set session for %s: %w", folder, err)
		}
		return nil
	})
}

// ResetSession drops a folder's session so the next agent run starts fresh.
func (s *Store) ResetSession(ctx context.Context, folder string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE folder = ?;`, folder)
		if err != nil {
			return fmt.Errorf("reset session for %s: %w", folder, err)
		}
		return nil
	})
}
