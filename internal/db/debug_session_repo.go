package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type DebugSessionRepo struct {
	db *sql.DB
}

func NewDebugSessionRepo(db *sql.DB) *DebugSessionRepo {
	return &DebugSessionRepo{db: db}
}

const debugSessionColumns = `id, pid, command, mi_version, started_at, ended_at, end_reason`

func (r *DebugSessionRepo) Create(ctx context.Context, s *DebugSession) error {
	if s == nil {
		return fmt.Errorf("debug session is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("debug session command is required")
	}
	if s.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		s.ID = id
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO debug_sessions (`+debugSessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		s.ID,
		s.PID,
		s.Command,
		s.MIVersion,
		formatTimestamp(s.StartedAt),
		formatTimestampOrEmpty(s.EndedAt),
		s.EndReason,
	)
	if err != nil {
		return fmt.Errorf("failed to create debug session: %w", err)
	}
	return nil
}

// End records when and why a session ended. Ending an already ended session
// is an error so the first reason wins.
func (r *DebugSessionRepo) End(ctx context.Context, id string, reason string, at time.Time) error {
	if at.IsZero() {
		at = nowUTC()
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE debug_sessions
SET ended_at = ?, end_reason = ?
WHERE id = ? AND ended_at = ''
`, formatTimestamp(at), reason, id)
	if err != nil {
		return fmt.Errorf("failed to end debug session %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for debug session %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("active debug session %q not found", id)
	}
	return nil
}

// EndAllActive closes every row still marked active, for rows left behind by
// a process that did not shut down cleanly.
func (r *DebugSessionRepo) EndAllActive(ctx context.Context, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE debug_sessions
SET ended_at = ?, end_reason = ?
WHERE ended_at = ''
`, formatTimestamp(nowUTC()), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to end active debug sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read updated rows: %w", err)
	}
	return n, nil
}

func (r *DebugSessionRepo) Get(ctx context.Context, id string) (*DebugSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+debugSessionColumns+` FROM debug_sessions WHERE id = ?`, id)
	s, err := scanDebugSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get debug session %q: %w", id, err)
	}
	return s, nil
}

func (r *DebugSessionRepo) List(ctx context.Context, filter DebugSessionFilter) ([]*DebugSession, error) {
	query := `SELECT ` + debugSessionColumns + ` FROM debug_sessions`
	var (
		where []string
		args  []any
	)
	if filter.ActiveOnly {
		where = append(where, `ended_at = ''`)
	}
	if filter.PID > 0 {
		where = append(where, `pid = ?`)
		args = append(args, filter.PID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, clampLimit(filter.Limit), offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list debug sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*DebugSession, 0)
	for rows.Next() {
		s, err := scanDebugSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan debug session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating debug sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDebugSession(row rowScanner) (*DebugSession, error) {
	var s DebugSession
	var startedAtRaw, endedAtRaw string
	if err := row.Scan(
		&s.ID,
		&s.PID,
		&s.Command,
		&s.MIVersion,
		&startedAtRaw,
		&endedAtRaw,
		&s.EndReason,
	); err != nil {
		return nil, err
	}
	var err error
	if s.StartedAt, err = parseTimestamp(startedAtRaw); err != nil {
		return nil, err
	}
	if s.EndedAt, err = parseOptionalTimestamp(endedAtRaw); err != nil {
		return nil, err
	}
	return &s, nil
}
