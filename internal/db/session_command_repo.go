package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type SessionCommandRepo struct {
	db *sql.DB
}

func NewSessionCommandRepo(db *sql.DB) *SessionCommandRepo {
	return &SessionCommandRepo{db: db}
}

func (r *SessionCommandRepo) Create(ctx context.Context, cmd *SessionCommand) error {
	if cmd == nil {
		return fmt.Errorf("session command is required")
	}
	if strings.TrimSpace(cmd.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if cmd.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		cmd.ID = id
	}
	if cmd.Source == "" {
		cmd.Source = CommandSourceMI
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_commands (
	id, session_id, viewer_id, source, command, error, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		cmd.ID,
		cmd.SessionID,
		cmd.ViewerID,
		cmd.Source,
		cmd.Command,
		cmd.Error,
		formatTimestamp(cmd.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session command: %w", err)
	}
	return nil
}

// ListBySession returns the most recent commands of a session, newest first.
func (r *SessionCommandRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*SessionCommand, error) {
	limit = clampLimit(limit)
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, viewer_id, source, command, error, created_at
FROM session_commands
WHERE session_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session commands: %w", err)
	}
	defer rows.Close()

	out := make([]*SessionCommand, 0, limit)
	for rows.Next() {
		var cmd SessionCommand
		var createdAtRaw string
		if err := rows.Scan(
			&cmd.ID,
			&cmd.SessionID,
			&cmd.ViewerID,
			&cmd.Source,
			&cmd.Command,
			&cmd.Error,
			&createdAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session command: %w", err)
		}
		var parseErr error
		cmd.CreatedAt, parseErr = parseTimestamp(createdAtRaw)
		if parseErr != nil {
			return nil, parseErr
		}
		out = append(out, &cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating session commands: %w", err)
	}
	return out, nil
}
