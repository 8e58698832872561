// Package ptytest provides in-memory terminals for tests that exercise code
// built on pty.Opener without allocating real pseudo-terminals.
package ptytest

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/user/gdbhub/internal/pty"
)

// Terminal is a scripted pty.Terminal. Text queued with Push is returned by
// successive Read calls; after Fail (or Kill on a spawned terminal) reads
// return the error once the queue is drained.
type Terminal struct {
	name string
	pid  int

	mu      sync.Mutex
	chunks  []string
	readErr error
	written strings.Builder
	echo    bool
	rows    uint16
	cols    uint16
	signals []os.Signal
	killed  bool
	closed  bool
}

// Push queues text for the next Read.
func (t *Terminal) Push(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = append(t.chunks, text)
}

// Fail makes reads return err once queued text has been consumed.
func (t *Terminal) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
}

func (t *Terminal) Read() (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", false, pty.ErrClosed
	}
	if len(t.chunks) > 0 {
		text := t.chunks[0]
		t.chunks = t.chunks[1:]
		return text, true, nil
	}
	if t.readErr != nil {
		return "", false, t.readErr
	}
	return "", false, nil
}

func (t *Terminal) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pty.ErrClosed
	}
	t.written.Write(data)
	return nil
}

// Written returns everything written so far.
func (t *Terminal) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

func (t *Terminal) SetEcho(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.echo = on
	return nil
}

func (t *Terminal) Echo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.echo
}

func (t *Terminal) SetWindowSize(rows, cols uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pty.ErrClosed
	}
	t.rows, t.cols = rows, cols
	return nil
}

// Size returns the last window size set.
func (t *Terminal) Size() (rows, cols uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, t.cols
}

func (t *Terminal) Name() string { return t.name }
func (t *Terminal) PID() int     { return t.pid }

func (t *Terminal) Signal(sig os.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pid == 0 {
		return pty.ErrNoProcess
	}
	if t.killed {
		return os.ErrProcessDone
	}
	t.signals = append(t.signals, sig)
	if sig == syscall.SIGKILL {
		t.killed = true
		if t.readErr == nil {
			t.readErr = io.EOF
		}
	}
	return nil
}

// Signals returns the signals delivered so far.
func (t *Terminal) Signals() []os.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]os.Signal(nil), t.signals...)
}

func (t *Terminal) Kill() error { return t.Signal(syscall.SIGKILL) }

func (t *Terminal) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Terminal) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Opener hands out Terminals with increasing pids and /dev/pts/N names.
type Opener struct {
	mu        sync.Mutex
	nextPID   int
	nextTTY   int
	bareCalls int
	bareErrs  map[int]error
	spawnErr  error
	bare      []*Terminal
	spawned   []*Terminal
	argv      [][]string
}

func NewOpener() *Opener {
	return &Opener{nextPID: 4000, bareErrs: make(map[int]error)}
}

// FailBare makes the n-th OpenBare call (1-based) fail with err.
func (o *Opener) FailBare(n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bareErrs[n] = err
}

// FailSpawn makes every later Spawn call fail with err.
func (o *Opener) FailSpawn(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spawnErr = err
}

func (o *Opener) Spawn(argv []string) (pty.Terminal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.spawnErr != nil {
		return nil, o.spawnErr
	}
	o.nextPID++
	t := &Terminal{pid: o.nextPID, echo: true}
	o.spawned = append(o.spawned, t)
	o.argv = append(o.argv, append([]string(nil), argv...))
	return t, nil
}

func (o *Opener) OpenBare(echo bool) (pty.Terminal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bareCalls++
	if err := o.bareErrs[o.bareCalls]; err != nil {
		return nil, err
	}
	o.nextTTY++
	t := &Terminal{name: fmt.Sprintf("/dev/pts/%d", o.nextTTY), echo: echo}
	o.bare = append(o.bare, t)
	return t, nil
}

// Bare returns the terminals opened with OpenBare, in order.
func (o *Opener) Bare() []*Terminal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Terminal(nil), o.bare...)
}

// Spawned returns the terminals created by Spawn, in order.
func (o *Opener) Spawned() []*Terminal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Terminal(nil), o.spawned...)
}

// Argv returns the argument vectors passed to Spawn, in order.
func (o *Opener) Argv() [][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]string(nil), o.argv...)
}

// Set is the triple of terminals a debug session opens, in opening order:
// program (bare, echo on), protocol (bare, echo off), console (spawned).
type Set struct {
	Program  *Terminal
	Protocol *Terminal
	Console  *Terminal
}

// Session returns the i-th triple opened through o.
func (o *Opener) Session(i int) Set {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Set{Program: o.bare[2*i], Protocol: o.bare[2*i+1], Console: o.spawned[i]}
}
