//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"unicode/utf8"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Channel is the unix Terminal implementation. The master side is used for
// both reading and writing.
type Channel struct {
	master *os.File
	slave  *os.File
	fd     int
	name   string
	cmd    *exec.Cmd
	exited chan struct{}

	mu      sync.Mutex
	buf     []byte
	pending []byte
	decoder transform.Transformer
	echo    bool

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

type unixOpener struct{}

// NewOpener returns the platform Opener.
func NewOpener() Opener {
	return unixOpener{}
}

// Spawn starts argv inside a new pty. The child gets its own session with the
// slave as controlling terminal, so interrupts typed at the hub's own terminal
// never reach it.
func (unixOpener) Spawn(argv []string) (Terminal, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	master, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: defaultCols,
		Rows: defaultRows,
	})
	if err != nil {
		return nil, fmt.Errorf("pty: start %q: %w", argv[0], err)
	}

	c := newChannel(master, nil, "", cmd)
	go c.waitExit()
	return c, nil
}

// OpenBare allocates a pty pair without a child and applies the echo setting.
func (unixOpener) OpenBare(echo bool) (Terminal, error) {
	master, slave, err := creackpty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty: open pair: %w", err)
	}

	c := newChannel(master, slave, slave.Name(), nil)
	if err := c.SetEcho(echo); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newChannel(master, slave *os.File, name string, cmd *exec.Cmd) *Channel {
	return &Channel{
		master:  master,
		slave:   slave,
		fd:      int(master.Fd()),
		name:    name,
		cmd:     cmd,
		exited:  make(chan struct{}),
		buf:     make([]byte, MaxReadBytes),
		decoder: unicode.UTF8.NewDecoder(),
		echo:    true,
	}
}

// waitExit reaps the child so it never lingers as a zombie.
func (c *Channel) waitExit() {
	_ = c.cmd.Wait()
	close(c.exited)
}

// Read polls the master with a zero timeout and returns whatever is ready.
func (c *Channel) Read() (string, bool, error) {
	if c.closed.Load() {
		return "", false, ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return "", false, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("pty: poll: %w", err)
	}
	if n == 0 || fds[0].Revents == 0 {
		return "", false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return "", false, ErrClosed
	}

	nr, err := unix.Read(c.fd, c.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("pty: read: %w", err)
	}
	if nr == 0 {
		return "", false, io.EOF
	}

	text := c.decode(c.buf[:nr])
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}

// decode converts p to UTF-8 text. An incomplete multi-byte sequence at the
// end of p is held back and prefixed to the next chunk; invalid bytes become
// U+FFFD.
func (c *Channel) decode(p []byte) string {
	src := p
	if len(c.pending) > 0 {
		src = append(append([]byte(nil), c.pending...), p...)
		c.pending = nil
	}

	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	nDst, nSrc, err := c.decoder.Transform(dst, src, false)
	if errors.Is(err, transform.ErrShortSrc) {
		c.pending = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst])
}

// Write sends data to the master. It may block while the far side is not
// draining its input.
func (c *Channel) Write(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.master.Write(data); err != nil {
		return fmt.Errorf("pty: write: %w", err)
	}
	return nil
}

// SetEcho toggles ECHO in the terminal's local modes.
func (c *Channel) SetEcho(on bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	fd := c.fd
	if c.slave != nil {
		fd = int(c.slave.Fd())
	}

	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("pty: get termios: %w", err)
	}
	if on {
		t.Lflag |= unix.ECHO
	} else {
		t.Lflag &^= unix.ECHO
	}
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		return fmt.Errorf("pty: set termios: %w", err)
	}

	c.mu.Lock()
	c.echo = on
	c.mu.Unlock()
	return nil
}

// Echo reports the last echo setting applied through SetEcho.
func (c *Channel) Echo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.echo
}

// SetWindowSize changes the pty dimensions; the foreground process group on
// the slave receives SIGWINCH.
func (c *Channel) SetWindowSize(rows, cols uint16) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := creackpty.Setsize(c.master, &creackpty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty: set window size: %w", err)
	}
	return nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Signal delivers sig to the spawned child. It fails with os.ErrProcessDone
// once the child has been reaped.
func (c *Channel) Signal(sig os.Signal) error {
	if c.cmd == nil || c.cmd.Process == nil {
		return ErrNoProcess
	}
	return c.cmd.Process.Signal(sig)
}

func (c *Channel) Kill() error {
	return c.Signal(syscall.SIGKILL)
}

// Exited is closed once the spawned child has been reaped. It never closes
// for bare terminals.
func (c *Channel) Exited() <-chan struct{} {
	return c.exited
}

// Close releases both descriptors. It does not signal the child. It is safe
// to call Close multiple times.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.slave != nil {
			err = c.slave.Close()
		}
		if cerr := c.master.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
