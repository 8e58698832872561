package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/gdbhub/internal/session"
)

const historyWriteTimeout = 2 * time.Second

// Recorder writes session lifecycle events and sent commands to the history
// tables. Failures are logged and never reach the caller.
type Recorder struct {
	sessions *DebugSessionRepo
	commands *SessionCommandRepo

	mu  sync.Mutex
	ids map[*session.Session]string
}

func NewRecorder(d *DB) *Recorder {
	return &Recorder{
		sessions: NewDebugSessionRepo(d.SQL()),
		commands: NewSessionCommandRepo(d.SQL()),
		ids:      make(map[*session.Session]string),
	}
}

// Recover closes rows a previous process left active.
func (r *Recorder) Recover(ctx context.Context) error {
	n, err := r.sessions.EndAllActive(ctx, "abandoned")
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("closed abandoned history rows", "count", n)
	}
	return nil
}

func (r *Recorder) SessionStarted(s *session.Session) {
	if r == nil || s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	row := &DebugSession{
		PID:       s.PID(),
		Command:   s.Command(),
		MIVersion: s.ProtocolVersion(),
		StartedAt: s.CreatedAt(),
	}
	if err := r.sessions.Create(ctx, row); err != nil {
		slog.Warn("failed to record session start", "pid", row.PID, "error", err)
		return
	}

	r.mu.Lock()
	r.ids[s] = row.ID
	r.mu.Unlock()
}

func (r *Recorder) SessionEnded(s *session.Session, reason string) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	id, ok := r.ids[s]
	delete(r.ids, s)
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := r.sessions.End(ctx, id, reason, time.Time{}); err != nil {
		slog.Warn("failed to record session end", "pid", s.PID(), "reason", reason, "error", err)
	}
}

// CommandSent records one MI command written to a session. sendErr is the
// write failure, if any.
func (r *Recorder) CommandSent(s *session.Session, viewerID, command string, sendErr error) {
	r.logCommand(s, &SessionCommand{ViewerID: viewerID, Source: CommandSourceMI, Command: command}, sendErr)
}

// ConsoleLine records a line a viewer typed into the debugger console.
func (r *Recorder) ConsoleLine(s *session.Session, viewerID, line string) {
	r.logCommand(s, &SessionCommand{ViewerID: viewerID, Source: CommandSourceConsole, Command: line}, nil)
}

func (r *Recorder) logCommand(s *session.Session, row *SessionCommand, sendErr error) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	id, ok := r.ids[s]
	r.mu.Unlock()
	if !ok {
		return
	}

	row.SessionID = id
	if sendErr != nil {
		row.Error = sendErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := r.commands.Create(ctx, row); err != nil {
		slog.Warn("failed to record command", "pid", s.PID(), "error", err)
	}
}

// SessionID returns the history row of a live session.
func (r *Recorder) SessionID(s *session.Session) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[s]
	return id, ok
}

func (r *Recorder) Sessions() *DebugSessionRepo {
	return r.sessions
}

func (r *Recorder) Commands() *SessionCommandRepo {
	return r.commands
}
