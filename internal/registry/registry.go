// Package registry is the single owner of the debug session index: which
// sessions exist and which viewers are attached to each. Every create, attach,
// detach and removal goes through a Registry so the index and each session's
// own viewer set never disagree.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/gdbhub/internal/pty"
	"github.com/user/gdbhub/internal/session"
)

var ErrNotFound = errors.New("debug session not found")

// Reasons a session left the registry.
const (
	ReasonLastViewerDetached = "last_viewer_detached"
	ReasonKilled             = "killed"
	ReasonProcessExited      = "process_exited"
	ReasonShutdown           = "shutdown"
	ReasonReplaced           = "replaced"
)

// History is notified when sessions enter and leave the registry.
type History interface {
	SessionStarted(s *session.Session)
	SessionEnded(s *session.Session, reason string)
}

// Relay is the background loop draining registered sessions. The registry
// starts it on the first successful attachment.
type Relay interface {
	EnsureStarted() error
}

// Entry pairs a session with the viewers attached to it at the time the entry
// was taken.
type Entry struct {
	Session *session.Session
	Viewers []string
}

type Options struct {
	// NewReader overrides the protocol record reader for new sessions.
	NewReader func() session.RecordReader
	History   History
}

type Registry struct {
	opener    pty.Opener
	newReader func() session.RecordReader
	history   History

	mu      sync.RWMutex
	index   map[*session.Session][]string
	relay   Relay
	started bool
}

func New(opener pty.Opener, opts Options) *Registry {
	return &Registry{
		opener:    opener,
		newReader: opts.NewReader,
		history:   opts.History,
		index:     make(map[*session.Session][]string),
	}
}

// SetRelay installs the loop started lazily on the first attachment.
func (r *Registry) SetRelay(relay Relay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relay = relay
}

// ConnectExisting attaches viewerID to the live session with the given pid.
func (r *Registry) ConnectExisting(pid int, viewerID string) (*session.Session, error) {
	r.mu.Lock()
	s := r.byPIDLocked(pid)
	if s == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	if !containsID(r.index[s], viewerID) {
		r.index[s] = append(r.index[s], viewerID)
	}
	s.AddViewer(viewerID)
	r.mu.Unlock()

	slog.Info("viewer attached to debug session", "pid", pid, "viewer_id", viewerID)
	r.ensureRelay()
	return s, nil
}

// CreateNew starts a debugger and registers it with viewerID as its only
// viewer. Spawning happens in the caller's goroutine; on failure nothing is
// registered and a *session.SpawnError is returned.
func (r *Registry) CreateNew(command, protocolVersion, viewerID string) (*session.Session, error) {
	s, err := session.New(r.opener, session.Config{
		Command:         command,
		ProtocolVersion: protocolVersion,
		NewReader:       r.newReader,
	})
	if err != nil {
		return nil, err
	}
	s.AddViewer(viewerID)

	// Recorded before the session is reachable, so an end can never be
	// reported ahead of its start.
	if r.history != nil {
		r.history.SessionStarted(s)
	}

	r.mu.Lock()
	r.index[s] = []string{viewerID}
	r.mu.Unlock()

	r.ensureRelay()
	return s, nil
}

// RemoveByPID terminates and evicts the session with the given pid and returns
// the viewers that were attached. Unknown pids return an empty list.
func (r *Registry) RemoveByPID(pid int) []string {
	r.mu.Lock()
	s := r.byPIDLocked(pid)
	if s == nil {
		r.mu.Unlock()
		return []string{}
	}
	viewers := r.index[s]
	delete(r.index, s)
	r.mu.Unlock()

	r.end(s, ReasonKilled)
	return viewers
}

// DisconnectViewer detaches viewerID from every session. Sessions left without
// viewers are terminated and evicted.
func (r *Registry) DisconnectViewer(viewerID string) {
	var orphaned []*session.Session

	r.mu.Lock()
	for s, viewers := range r.index {
		if !containsID(viewers, viewerID) {
			continue
		}
		remaining := removeID(viewers, viewerID)
		s.RemoveViewer(viewerID)
		if len(remaining) == 0 {
			delete(r.index, s)
			orphaned = append(orphaned, s)
			continue
		}
		r.index[s] = remaining
	}
	r.mu.Unlock()

	for _, s := range orphaned {
		r.end(s, ReasonLastViewerDetached)
	}
}

// RemoveAllExcept terminates every session viewerID is not attached to and
// returns the viewers of those sessions.
func (r *Registry) RemoveAllExcept(viewerID string) []string {
	var (
		doomed  []*session.Session
		viewers []string
	)

	r.mu.Lock()
	for s, ids := range r.index {
		if containsID(ids, viewerID) {
			continue
		}
		doomed = append(doomed, s)
		viewers = append(viewers, ids...)
		delete(r.index, s)
	}
	r.mu.Unlock()

	for _, s := range doomed {
		r.end(s, ReasonReplaced)
	}
	return viewers
}

// Evict terminates and removes a batch of sessions in one pass.
func (r *Registry) Evict(sessions []*session.Session, reason string) {
	var removed []*session.Session

	r.mu.Lock()
	for _, s := range sessions {
		if _, ok := r.index[s]; !ok {
			continue
		}
		delete(r.index, s)
		removed = append(removed, s)
	}
	r.mu.Unlock()

	for _, s := range removed {
		r.end(s, reason)
	}
}

// Close terminates every registered session.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*session.Session, 0, len(r.index))
	for s := range r.index {
		all = append(all, s)
	}
	r.index = make(map[*session.Session][]string)
	r.mu.Unlock()

	for _, s := range all {
		r.end(s, ReasonShutdown)
	}
}

// Write sends a debugger command to the session with the given pid.
func (r *Registry) Write(pid int, command string) error {
	s := r.LookupPID(pid)
	if s == nil {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return s.Write(command)
}

// LookupPID returns the session with the given pid, or nil.
func (r *Registry) LookupPID(pid int) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPIDLocked(pid)
}

// LookupViewer returns the session viewerID is attached to, or nil.
func (r *Registry) LookupViewer(viewerID string) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s, viewers := range r.index {
		if containsID(viewers, viewerID) {
			return s
		}
	}
	return nil
}

// Viewers returns the viewers attached to s, or nil if s is not registered.
func (r *Registry) Viewers(s *session.Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	viewers, ok := r.index[s]
	if !ok {
		return nil
	}
	return append([]string(nil), viewers...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// Entries returns a copy of the index, oldest session first.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.index))
	for s, viewers := range r.index {
		entries = append(entries, Entry{Session: s, Viewers: append([]string(nil), viewers...)})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return sessionLess(entries[i].Session, entries[j].Session)
	})
	return entries
}

// Snapshot describes every registered session, oldest first. Viewer lists
// come from the registry's index.
func (r *Registry) Snapshot() []session.Info {
	entries := r.Entries()
	infos := make([]session.Info, 0, len(entries))
	for _, e := range entries {
		info := e.Session.Snapshot()
		info.ViewerIDs = e.Viewers
		infos = append(infos, info)
	}
	return infos
}

func (r *Registry) byPIDLocked(pid int) *session.Session {
	for s := range r.index {
		if s.PID() == pid {
			return s
		}
	}
	return nil
}

func (r *Registry) end(s *session.Session, reason string) {
	s.Terminate()
	slog.Info("debug session removed", "pid", s.PID(), "reason", reason)
	if r.history != nil {
		r.history.SessionEnded(s, reason)
	}
}

func (r *Registry) ensureRelay() {
	r.mu.Lock()
	relay := r.relay
	if relay == nil || r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	if err := relay.EnsureStarted(); err != nil {
		slog.Error("failed to start relay loop", "error", err)
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
	}
}

func sessionLess(a, b *session.Session) bool {
	if a.CreatedAt().Equal(b.CreatedAt()) {
		return a.PID() < b.PID()
	}
	return a.CreatedAt().Before(b.CreatedAt())
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
