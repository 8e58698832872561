package db

import (
	"context"
	"testing"
	"time"
)

func TestSessionCommandRepoCreateAndList(t *testing.T) {
	database, _ := openTestDB(t)
	sessions := NewDebugSessionRepo(database.SQL())
	cmdRepo := NewSessionCommandRepo(database.SQL())
	ctx := context.Background()

	parent := &DebugSession{PID: 99, Command: "gdb", MIVersion: "mi3"}
	if err := sessions.Create(ctx, parent); err != nil {
		t.Fatalf("create session: %v", err)
	}

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"-break-insert main", "-exec-run", "-exec-next"} {
		cmd := &SessionCommand{
			SessionID: parent.ID,
			ViewerID:  "viewer-1",
			Command:   text,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := cmdRepo.Create(ctx, cmd); err != nil {
			t.Fatalf("create command %d: %v", i, err)
		}
	}

	got, err := cmdRepo.ListBySession(ctx, parent.ID, 2)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListBySession() len = %d, want 2", len(got))
	}
	if got[0].Command != "-exec-next" || got[1].Command != "-exec-run" {
		t.Fatalf("ListBySession() order = %q, %q", got[0].Command, got[1].Command)
	}
	if got[0].Source != CommandSourceMI {
		t.Fatalf("default source = %q, want %q", got[0].Source, CommandSourceMI)
	}
}

func TestSessionCommandRepoRequiresKnownSession(t *testing.T) {
	database, _ := openTestDB(t)
	cmdRepo := NewSessionCommandRepo(database.SQL())
	ctx := context.Background()

	if err := cmdRepo.Create(ctx, &SessionCommand{Command: "-exec-run"}); err == nil {
		t.Fatal("expected error without session id")
	}
	if err := cmdRepo.Create(ctx, &SessionCommand{SessionID: "nope", Command: "-exec-run"}); err == nil {
		t.Fatal("expected foreign key error")
	}
}

func TestSessionCommandsCascadeWithSession(t *testing.T) {
	database, _ := openTestDB(t)
	sessions := NewDebugSessionRepo(database.SQL())
	cmdRepo := NewSessionCommandRepo(database.SQL())
	ctx := context.Background()

	parent := &DebugSession{PID: 5, Command: "gdb", MIVersion: "mi3"}
	if err := sessions.Create(ctx, parent); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := cmdRepo.Create(ctx, &SessionCommand{SessionID: parent.ID, Command: "info frame"}); err != nil {
		t.Fatalf("create command: %v", err)
	}
	if _, err := database.SQL().ExecContext(ctx, `DELETE FROM debug_sessions WHERE id = ?`, parent.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	got, err := cmdRepo.ListBySession(ctx, parent.ID, 10)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("commands survived delete: %#v", got)
	}
}
