package db

import (
	"context"
	"errors"
	"testing"

	"github.com/user/gdbhub/internal/pty/ptytest"
	"github.com/user/gdbhub/internal/session"
)

func newRecorderSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(ptytest.NewOpener(), session.Config{Command: "gdb -q ./a.out", ProtocolVersion: "mi2"})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	t.Cleanup(s.Terminate)
	return s
}

func TestRecorderTracksSessionLifecycle(t *testing.T) {
	database, _ := openTestDB(t)
	rec := NewRecorder(database)
	ctx := context.Background()
	s := newRecorderSession(t)

	rec.SessionStarted(s)
	id, ok := rec.SessionID(s)
	if !ok {
		t.Fatal("SessionID() not tracked after start")
	}

	rec.CommandSent(s, "viewer-a", "-exec-run", nil)
	rec.CommandSent(s, "viewer-a", "-exec-next", errors.New("write failed"))
	rec.ConsoleLine(s, "viewer-b", "info registers")

	row, err := rec.Sessions().Get(ctx, id)
	if err != nil || row == nil {
		t.Fatalf("Get() = %#v, %v", row, err)
	}
	if row.PID != s.PID() || row.MIVersion != "mi2" || !row.Active() {
		t.Fatalf("row = %#v", row)
	}

	cmds, err := rec.Commands().ListBySession(ctx, id, 10)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("commands len = %d, want 3", len(cmds))
	}
	var failed, console int
	for _, c := range cmds {
		if c.Error != "" {
			failed++
		}
		if c.Source == CommandSourceConsole {
			console++
			if c.Command != "info registers" || c.ViewerID != "viewer-b" {
				t.Fatalf("console command = %#v", c)
			}
		}
	}
	if failed != 1 || console != 1 {
		t.Fatalf("failed = %d, console = %d, want 1 each", failed, console)
	}

	rec.SessionEnded(s, "killed")
	if _, ok := rec.SessionID(s); ok {
		t.Fatal("SessionID() still tracked after end")
	}
	ended, err := rec.Sessions().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ended.Active() || ended.EndReason != "killed" {
		t.Fatalf("ended row = %#v", ended)
	}

	// Untracked sessions are ignored.
	rec.SessionEnded(s, "shutdown")
	rec.CommandSent(s, "viewer-a", "-exec-run", nil)
}

func TestRecorderRecoverEndsAbandonedRows(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	if err := NewDebugSessionRepo(database.SQL()).Create(ctx, &DebugSession{PID: 3, Command: "gdb", MIVersion: "mi3"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := NewRecorder(database)
	if err := rec.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	active, err := rec.Sessions().List(ctx, DebugSessionFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active rows after recover: %#v", active)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.SessionStarted(nil)
	rec.SessionEnded(nil, "killed")
	rec.CommandSent(nil, "", "", nil)
	rec.ConsoleLine(nil, "", "")
}
