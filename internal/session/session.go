package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/user/gdbhub/internal/mi"
	"github.com/user/gdbhub/internal/pty"
)

// DefaultProtocolVersion is the MI interpreter requested when none is given.
const DefaultProtocolVersion = "mi3"

// Stream names one of the two human-facing terminals of a session.
type Stream string

const (
	// StreamConsole is the terminal the debugger itself runs in.
	StreamConsole Stream = "user_pty"
	// StreamProgram is the terminal the debuggee runs in.
	StreamProgram Stream = "program_pty"
)

var ErrUnknownStream = errors.New("unknown terminal stream")

// RecordReader turns protocol channel text into complete records.
type RecordReader interface {
	Feed(text string) []mi.Record
}

// Config describes a debugger launch.
type Config struct {
	// Command is the debugger invocation, e.g. "gdb -q ./a.out".
	Command string
	// ProtocolVersion is the MI version passed to new-ui, e.g. "mi3".
	ProtocolVersion string
	// NewReader builds the record reader for the protocol channel. Defaults
	// to mi.NewReader.
	NewReader func() RecordReader
}

// SpawnError reports that a session's debugger or terminals could not be
// created. Nothing was left running.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start debugger %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Info is a read-only view of a session for dashboards.
type Info struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
	Command   string    `json:"command"`
	ViewerIDs []string  `json:"viewer_ids"`
}

// Session is one supervised debugger process and its three terminals: the
// protocol channel gdb's MI interpreter is attached to, the console the
// debugger runs in, and the program terminal the debuggee is bound to.
type Session struct {
	command   string
	version   string
	pid       int
	createdAt time.Time

	mu         sync.Mutex
	protocol   pty.Terminal
	console    pty.Terminal
	program    pty.Terminal
	reader     RecordReader
	viewers    []string
	terminated bool
}

// New opens the program terminal, then the protocol terminal with echo off,
// then spawns the debugger on a third terminal. The MI attachment and the
// inferior terminal are passed as startup -ex directives so they run before
// anything that could prompt (a sudo password, a .gdbinit).
func New(opener pty.Opener, cfg Config) (*Session, error) {
	version := strings.TrimSpace(cfg.ProtocolVersion)
	if version == "" {
		version = DefaultProtocolVersion
	}

	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("parse command: %w", err)}
	}
	if len(argv) == 0 {
		return nil, &SpawnError{Command: cfg.Command, Err: errors.New("command is required")}
	}

	program, err := opener.OpenBare(true)
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("open program terminal: %w", err)}
	}

	protocol, err := opener.OpenBare(false)
	if err != nil {
		closeTerminals(program)
		return nil, &SpawnError{Command: cfg.Command, Err: fmt.Errorf("open protocol terminal: %w", err)}
	}

	argv = append(argv, startupDirectives(version, protocol.Name(), program.Name())...)

	console, err := opener.Spawn(argv)
	if err != nil {
		closeTerminals(protocol, program)
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	newReader := cfg.NewReader
	if newReader == nil {
		newReader = func() RecordReader { return mi.NewReader() }
	}

	s := &Session{
		command:   shellquote.Join(argv...),
		version:   version,
		pid:       console.PID(),
		createdAt: time.Now().UTC(),
		protocol:  protocol,
		console:   console,
		program:   program,
		reader:    newReader(),
	}
	slog.Info("debug session started", "pid", s.pid, "command", s.command)
	return s, nil
}

func startupDirectives(version, protocolTTY, programTTY string) []string {
	directives := []string{
		fmt.Sprintf("new-ui %s %s", version, protocolTTY),
		fmt.Sprintf("set inferior-tty %s", programTTY),
		"set pagination off",
	}
	args := make([]string, 0, len(directives))
	for _, d := range directives {
		args = append(args, "-ex="+d)
	}
	return args
}

func (s *Session) PID() int                { return s.pid }
func (s *Session) Command() string         { return s.command }
func (s *Session) ProtocolVersion() string { return s.version }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }

// Write sends a debugger command to the protocol channel, adding the
// terminating newline if missing. It is a no-op once the session has been
// terminated.
func (s *Session) Write(command string) error {
	s.mu.Lock()
	protocol := s.protocol
	s.mu.Unlock()
	if protocol == nil {
		return nil
	}

	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	if err := protocol.Write([]byte(command)); err != nil {
		return fmt.Errorf("write to debugger %d: %w", s.pid, err)
	}
	return nil
}

// Terminate kills the debugger and releases the terminals. Failures are
// logged, never returned, and repeated calls do nothing.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	protocol, console, program := s.protocol, s.console, s.program
	s.protocol, s.console, s.program = nil, nil, nil
	s.mu.Unlock()

	if s.pid != 0 && console != nil {
		if err := console.Kill(); err != nil {
			slog.Warn("failed to kill debugger", "pid", s.pid, "error", err)
		}
	}
	closeTerminals(protocol, console, program)
	slog.Info("debug session terminated", "pid", s.pid)
}

// Terminated reports whether Terminate has run.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Signal delivers sig to the debugger process.
func (s *Session) Signal(sig os.Signal) error {
	s.mu.Lock()
	console := s.console
	s.mu.Unlock()
	if console == nil {
		return fmt.Errorf("debugger %d is no longer running", s.pid)
	}
	return console.Signal(sig)
}

// AddViewer attaches a viewer id. Adding an id twice is a no-op.
func (s *Session) AddViewer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.viewers {
		if v == id {
			return
		}
	}
	s.viewers = append(s.viewers, id)
}

// RemoveViewer detaches a viewer id and terminates the session once no
// viewer remains.
func (s *Session) RemoveViewer(id string) {
	s.mu.Lock()
	for i, v := range s.viewers {
		if v == id {
			s.viewers = append(s.viewers[:i], s.viewers[i+1:]...)
			break
		}
	}
	empty := len(s.viewers) == 0
	s.mu.Unlock()

	if empty {
		s.Terminate()
	}
}

// HasViewer reports whether id is attached.
func (s *Session) HasViewer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.viewers {
		if v == id {
			return true
		}
	}
	return false
}

// Viewers returns the attached viewer ids in attachment order.
func (s *Session) Viewers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.viewers...)
}

func (s *Session) Snapshot() Info {
	return Info{
		PID:       s.pid,
		StartTime: s.createdAt,
		Command:   s.command,
		ViewerIDs: s.Viewers(),
	}
}

// ReadRecords drains whatever the protocol channel has ready and returns the
// complete records it yields. It never blocks.
func (s *Session) ReadRecords() ([]mi.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protocol == nil {
		return nil, nil
	}

	text, ok, err := s.protocol.Read()
	if err != nil {
		return nil, fmt.Errorf("read protocol terminal: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return s.reader.Feed(text), nil
}

// ReadTerminal drains whatever the console or program terminal has ready.
// It never blocks.
func (s *Session) ReadTerminal(stream Stream) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return "", nil
	}

	term, err := s.terminalLocked(stream)
	if err != nil {
		return "", err
	}
	text, ok, err := term.Read()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", stream, err)
	}
	if !ok {
		return "", nil
	}
	return text, nil
}

// WriteTerminal forwards raw keystrokes to a human-facing terminal.
func (s *Session) WriteTerminal(stream Stream, data string) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	term, err := s.terminalLocked(stream)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return term.Write([]byte(data))
}

// ResizeTerminal changes the window size of a human-facing terminal.
func (s *Session) ResizeTerminal(stream Stream, rows, cols uint16) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	term, err := s.terminalLocked(stream)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return term.SetWindowSize(rows, cols)
}

func (s *Session) terminalLocked(stream Stream) (pty.Terminal, error) {
	switch stream {
	case StreamConsole:
		return s.console, nil
	case StreamProgram:
		return s.program, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
}

func closeTerminals(terms ...pty.Terminal) {
	for _, t := range terms {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			slog.Debug("failed to close terminal", "name", t.Name(), "error", err)
		}
	}
}
