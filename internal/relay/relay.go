// Package relay runs the single background loop that drains every registered
// debug session and forwards its output to the viewers attached to it.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/gdbhub/internal/mi"
	"github.com/user/gdbhub/internal/registry"
	"github.com/user/gdbhub/internal/session"
)

const DefaultInterval = 50 * time.Millisecond

type EventKind string

const (
	EventRecords     EventKind = "gdb_response"
	EventConsole     EventKind = "user_pty_response"
	EventProgram     EventKind = "program_pty_response"
	EventSessionDied EventKind = "debug_session_death"
)

// Event is one item addressed to one viewer.
type Event struct {
	Kind    EventKind
	PID     int
	Records []mi.Record
	Text    string
}

// Sink delivers events to a single viewer. Deliver must not block for long:
// it runs inside the loop.
type Sink interface {
	Deliver(viewerID string, ev Event)
}

// Source is the set of sessions the loop scans.
type Source interface {
	Entries() []registry.Entry
	Evict(sessions []*session.Session, reason string)
}

type Options struct {
	Interval time.Duration
}

type Loop struct {
	source   Source
	sink     Sink
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(source Source, sink Sink, opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{source: source, sink: sink, interval: interval}
}

// Start launches the loop goroutine. It runs until ctx is cancelled or Close
// is called. Calling Start on a running loop does nothing.
func (l *Loop) Start(ctx context.Context) error {
	if l == nil || l.source == nil || l.sink == nil {
		return errors.New("relay loop unavailable")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	slog.Debug("relay loop started", "interval", l.interval)
	return nil
}

// EnsureStarted starts the loop with a background context if it is not
// already running.
func (l *Loop) EnsureStarted() error {
	return l.Start(context.Background())
}

// Close stops the loop and waits for the current tick to finish.
func (l *Loop) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick scans every registered session once. Sessions whose reads fail are
// reported dead to their viewers during the scan and evicted after it.
func (l *Loop) Tick() {
	var dead []*session.Session
	for _, e := range l.source.Entries() {
		if l.poll(e) {
			dead = append(dead, e.Session)
		}
	}
	if len(dead) > 0 {
		l.source.Evict(dead, registry.ReasonProcessExited)
	}
}

var terminalStreams = []struct {
	stream session.Stream
	kind   EventKind
}{
	{session.StreamConsole, EventConsole},
	{session.StreamProgram, EventProgram},
}

func (l *Loop) poll(e registry.Entry) (dead bool) {
	s := e.Session
	defer func() {
		if p := recover(); p != nil {
			slog.Error("relay: panic while polling session", "pid", s.PID(), "panic", p)
			l.died(e, nil)
			dead = true
		}
	}()

	records, err := s.ReadRecords()
	if err != nil {
		l.died(e, err)
		return true
	}
	if len(records) > 0 {
		l.deliver(e.Viewers, Event{Kind: EventRecords, PID: s.PID(), Records: records})
	}

	for _, ts := range terminalStreams {
		text, err := s.ReadTerminal(ts.stream)
		if err != nil {
			l.died(e, err)
			return true
		}
		if text != "" {
			l.deliver(e.Viewers, Event{Kind: ts.kind, PID: s.PID(), Text: text})
		}
	}
	return false
}

func (l *Loop) died(e registry.Entry, err error) {
	slog.Info("debug session died", "pid", e.Session.PID(), "viewers", len(e.Viewers), "error", err)
	l.deliver(e.Viewers, Event{Kind: EventSessionDied, PID: e.Session.PID()})
}

func (l *Loop) deliver(viewers []string, ev Event) {
	for _, id := range viewers {
		l.send(id, ev)
	}
}

func (l *Loop) send(viewerID string, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("relay: panic while delivering", "viewer_id", viewerID, "kind", ev.Kind, "panic", p)
		}
	}()
	l.sink.Deliver(viewerID, ev)
}
