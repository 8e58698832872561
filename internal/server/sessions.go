package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/gdbhub/internal/hub"
	"github.com/user/gdbhub/internal/profile"
	"github.com/user/gdbhub/internal/registry"
	"github.com/user/gdbhub/internal/session"
	"github.com/user/gdbhub/internal/termtext"
)

var errNotAttached = errors.New("not connected to a debug session")

type profileLookup interface {
	Get(id string) *profile.Profile
}

type commandLog interface {
	CommandSent(s *session.Session, viewerID, command string, err error)
	ConsoleLine(s *session.Session, viewerID, line string)
}

type sessionNotifier interface {
	NotifySessionEnded(viewerIDs []string, pid int, reason string)
}

// sessionHandler carries viewer requests from the hub to the registry.
type sessionHandler struct {
	registry       *registry.Registry
	profiles       profileLookup
	commands       commandLog
	notifier       sessionNotifier
	defaultCommand string
	miVersion      string

	mu     sync.Mutex
	typing map[string]*termtext.LineBuffer
}

var _ hub.Handler = (*sessionHandler)(nil)

// Connect attaches the viewer to an existing session when req.PID is set and
// starts a new debugger otherwise. A viewer follows one session at a time, so
// any previous attachment is dropped first.
func (h *sessionHandler) Connect(viewerID string, req hub.ConnectRequest) (hub.ConnectResult, error) {
	if req.PID > 0 {
		if current := h.registry.LookupViewer(viewerID); current != nil && current.PID() == req.PID {
			return hub.ConnectResult{PID: req.PID, Message: fmt.Sprintf("already connected to debugger %d", req.PID)}, nil
		}
		if h.registry.LookupPID(req.PID) == nil {
			return hub.ConnectResult{}, fmt.Errorf("%w: pid %d", registry.ErrNotFound, req.PID)
		}
	}
	h.registry.DisconnectViewer(viewerID)

	var (
		s   *session.Session
		err error
		res hub.ConnectResult
	)
	if req.PID > 0 {
		s, err = h.registry.ConnectExisting(req.PID, viewerID)
		if err != nil {
			return hub.ConnectResult{}, err
		}
		res = hub.ConnectResult{PID: s.PID(), Message: fmt.Sprintf("attached to debugger %d", s.PID())}
	} else {
		command, version, err := h.resolveLaunch(req)
		if err != nil {
			return hub.ConnectResult{}, err
		}
		s, err = h.registry.CreateNew(command, version, viewerID)
		if err != nil {
			return hub.ConnectResult{}, err
		}
		res = hub.ConnectResult{
			PID:        s.PID(),
			StartedNew: true,
			Message:    fmt.Sprintf("started debugger %d: %s", s.PID(), s.Command()),
		}
	}

	if req.KillOthers {
		h.killOthers(viewerID)
	}
	return res, nil
}

func (h *sessionHandler) resolveLaunch(req hub.ConnectRequest) (command, version string, err error) {
	version = strings.TrimSpace(req.MIVersion)
	if req.Profile != "" {
		if h.profiles == nil {
			return "", "", fmt.Errorf("unknown profile %q", req.Profile)
		}
		p := h.profiles.Get(req.Profile)
		if p == nil {
			return "", "", fmt.Errorf("unknown profile %q", req.Profile)
		}
		if version == "" {
			version = p.MIVersion
		}
		if command, err = p.CommandFor(req.Command); err != nil {
			return "", "", err
		}
	} else {
		command = strings.TrimSpace(req.Command)
		if command == "" {
			command = h.defaultCommand
		}
	}
	if version == "" {
		version = h.miVersion
	}
	return command, version, nil
}

func (h *sessionHandler) killOthers(viewerID string) {
	// Entries taken before removal give the pid of each replaced session.
	before := h.registry.Entries()
	h.registry.RemoveAllExcept(viewerID)
	if h.notifier == nil {
		return
	}
	for _, e := range before {
		if h.registry.LookupPID(e.Session.PID()) != nil {
			continue
		}
		others := make([]string, 0, len(e.Viewers))
		for _, id := range e.Viewers {
			if id != viewerID {
				others = append(others, id)
			}
		}
		h.notifier.NotifySessionEnded(others, e.Session.PID(), registry.ReasonReplaced)
	}
}

func (h *sessionHandler) RunCommands(viewerID string, commands []string) error {
	s := h.registry.LookupViewer(viewerID)
	if s == nil {
		return errNotAttached
	}
	for _, cmd := range commands {
		err := s.Write(cmd)
		if h.commands != nil {
			h.commands.CommandSent(s, viewerID, cmd, err)
		}
		if err != nil {
			return fmt.Errorf("send %q to debugger %d: %w", cmd, s.PID(), err)
		}
		slog.Debug("debugger command sent", "pid", s.PID(), "viewer", viewerID, "command", cmd)
	}
	return nil
}

func (h *sessionHandler) PtyInteraction(viewerID string, req hub.PtyRequest) error {
	s := h.registry.LookupViewer(viewerID)
	if s == nil {
		return errNotAttached
	}
	stream := session.Stream(req.PtyName)
	switch req.Action {
	case hub.ActionWrite:
		if err := s.WriteTerminal(stream, req.Data); err != nil {
			return err
		}
		if stream == session.StreamConsole {
			h.logConsoleInput(s, viewerID, req.Data)
		}
		return nil
	case hub.ActionSetWinsize:
		return s.ResizeTerminal(stream, req.Rows, req.Cols)
	default:
		return fmt.Errorf("unknown pty action %q", req.Action)
	}
}

// logConsoleInput records each line the viewer submits on the debugger
// console. Ctrl-C discards the line being typed.
func (h *sessionHandler) logConsoleInput(s *session.Session, viewerID, keys string) {
	if h.commands == nil {
		return
	}
	h.mu.Lock()
	if h.typing == nil {
		h.typing = make(map[string]*termtext.LineBuffer)
	}
	buf, ok := h.typing[viewerID]
	if !ok {
		buf = &termtext.LineBuffer{}
		h.typing[viewerID] = buf
	}
	h.mu.Unlock()

	if i := strings.LastIndexByte(keys, 0x03); i >= 0 {
		buf.Reset()
		keys = keys[i+1:]
	}
	for _, line := range buf.Feed(keys) {
		h.commands.ConsoleLine(s, viewerID, line)
	}
}

func (h *sessionHandler) Disconnect(viewerID string) {
	h.mu.Lock()
	delete(h.typing, viewerID)
	h.mu.Unlock()
	h.registry.DisconnectViewer(viewerID)
}
