package pty

import (
	"errors"
	"os"
)

// MaxReadBytes caps the size of a single chunk returned by Terminal.Read.
const MaxReadBytes = 20 * 1024

const (
	defaultCols = 120
	defaultRows = 30
)

var (
	// ErrUnsupported is returned by every Opener call on platforms without a
	// pseudo-terminal backend.
	ErrUnsupported = errors.New("pty: pseudo-terminals are not supported on this platform")
	// ErrClosed is returned when operating on a closed terminal.
	ErrClosed = errors.New("pty: terminal is closed")
	// ErrNoProcess is returned when signalling a terminal that did not spawn a child.
	ErrNoProcess = errors.New("pty: terminal has no child process")
)

// Terminal is one pseudo-terminal endpoint held by the parent process.
//
// Read never blocks: it reports ok=false with a nil error when nothing is
// pending. Any non-nil error means the far side is gone and the caller should
// treat the terminal as dead.
type Terminal interface {
	Read() (text string, ok bool, err error)
	Write(data []byte) error
	SetEcho(on bool) error
	SetWindowSize(rows, cols uint16) error

	// Name is the slave device path for terminals opened for later
	// attachment, and empty for terminals that spawned a child.
	Name() string
	// PID is the child process id, or 0 when no child was spawned.
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	Close() error
}

// Opener allocates terminals. Spawn starts argv with its controlling terminal
// bound to a fresh pty; OpenBare allocates a pair and keeps the slave open so
// another process can attach to it by name.
type Opener interface {
	Spawn(argv []string) (Terminal, error)
	OpenBare(echo bool) (Terminal, error)
}
