package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DebugSession is one debugger process as remembered after the fact.
type DebugSession struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	MIVersion string    `json:"mi_version"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
}

func (s *DebugSession) Active() bool {
	return s != nil && s.EndedAt.IsZero()
}

// Where a logged command came from.
const (
	CommandSourceMI      = "mi"
	CommandSourceConsole = "console"
)

// SessionCommand is a debugger command a viewer sent to a session, either as
// an MI command or as a line typed into the debugger console.
type SessionCommand struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ViewerID  string    `json:"viewer_id,omitempty"`
	Source    string    `json:"source"`
	Command   string    `json:"command"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type DebugSessionFilter struct {
	ActiveOnly bool
	PID        int
	Limit      int
	Offset     int
}

func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func formatTimestampOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func parseOptionalTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(raw)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
