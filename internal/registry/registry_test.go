package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/user/gdbhub/internal/pty/ptytest"
	"github.com/user/gdbhub/internal/session"
)

type fakeHistory struct {
	mu      sync.Mutex
	started []int
	ended   map[int]string
}

func (h *fakeHistory) SessionStarted(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, s.PID())
}

func (h *fakeHistory) SessionEnded(s *session.Session, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended == nil {
		h.ended = make(map[int]string)
	}
	h.ended[s.PID()] = reason
}

func (h *fakeHistory) reason(pid int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended[pid]
}

type fakeRelay struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRelay) EnsureStarted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *ptytest.Opener, *fakeHistory) {
	t.Helper()
	opener := ptytest.NewOpener()
	history := &fakeHistory{}
	return New(opener, Options{History: history}), opener, history
}

func mustCreate(t *testing.T, r *Registry, viewerID string) *session.Session {
	t.Helper()
	s, err := r.CreateNew("gdb -q", "mi3", viewerID)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	return s
}

func TestCreateNewThenLookupPID(t *testing.T) {
	r, opener, history := newTestRegistry(t)

	s := mustCreate(t, r, "v1")
	spawnedPID := opener.Spawned()[0].PID()

	got := r.LookupPID(spawnedPID)
	if got != s || got.PID() != spawnedPID {
		t.Fatalf("LookupPID(%d) = %v, want session with that pid", spawnedPID, got)
	}
	if r.LookupViewer("v1") != s {
		t.Fatal("LookupViewer(v1) did not return the session")
	}
	if !reflect.DeepEqual(history.started, []int{spawnedPID}) {
		t.Fatalf("history.started = %v", history.started)
	}
}

func TestCreateNewSpawnFailureRegistersNothing(t *testing.T) {
	r, opener, history := newTestRegistry(t)
	opener.FailSpawn(errors.New("exec: gdb: not found"))

	_, err := r.CreateNew("gdb", "mi3", "v1")
	var spawnErr *session.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want *session.SpawnError", err)
	}
	if r.Len() != 0 || r.LookupViewer("v1") != nil {
		t.Fatal("failed spawn left state behind")
	}
	if len(history.started) != 0 {
		t.Fatalf("history.started = %v", history.started)
	}
}

func TestConnectExistingUnknownPIDLeavesRegistryUnchanged(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	mustCreate(t, r, "v1")
	before := r.Snapshot()

	_, err := r.ConnectExisting(99999, "v2")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if after := r.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot changed:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestSessionRemovedOnlyAtLastDisconnect(t *testing.T) {
	r, _, history := newTestRegistry(t)
	s := mustCreate(t, r, "v0")

	const n = 5
	for i := 1; i < n; i++ {
		if _, err := r.ConnectExisting(s.PID(), fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("ConnectExisting: %v", err)
		}
	}
	if got := len(r.Viewers(s)); got != n {
		t.Fatalf("viewers = %d, want %d", got, n)
	}

	for i := 0; i < n; i++ {
		if r.LookupPID(s.PID()) == nil || s.Terminated() {
			t.Fatalf("session removed after %d of %d disconnects", i, n)
		}
		r.DisconnectViewer(fmt.Sprintf("v%d", i))
	}

	if r.LookupPID(s.PID()) != nil {
		t.Fatal("session still registered after last disconnect")
	}
	if !s.Terminated() {
		t.Fatal("session not terminated after last disconnect")
	}
	if got := history.reason(s.PID()); got != ReasonLastViewerDetached {
		t.Fatalf("end reason = %q", got)
	}
}

func TestDisconnectUnknownViewerIsNoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	s := mustCreate(t, r, "v1")

	r.DisconnectViewer("stranger")
	if r.LookupPID(s.PID()) == nil || s.Terminated() {
		t.Fatal("unrelated disconnect removed the session")
	}
}

func TestRemoveByPID(t *testing.T) {
	r, opener, history := newTestRegistry(t)
	s := mustCreate(t, r, "v1")
	if _, err := r.ConnectExisting(s.PID(), "v2"); err != nil {
		t.Fatalf("ConnectExisting: %v", err)
	}

	got := r.RemoveByPID(s.PID())
	if !reflect.DeepEqual(got, []string{"v1", "v2"}) {
		t.Fatalf("RemoveByPID = %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d", r.Len())
	}
	if !opener.Session(0).Console.Killed() {
		t.Fatal("debugger not killed")
	}
	if history.reason(s.PID()) != ReasonKilled {
		t.Fatalf("end reason = %q", history.reason(s.PID()))
	}

	if again := r.RemoveByPID(s.PID()); len(again) != 0 {
		t.Fatalf("second RemoveByPID = %v, want empty", again)
	}
}

func TestWriteByPID(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	s := mustCreate(t, r, "v1")

	if err := r.Write(s.PID(), "-exec-continue"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := opener.Session(0).Protocol.Written(); got != "-exec-continue\n" {
		t.Fatalf("written = %q", got)
	}
	if err := r.Write(1, "-exec-continue"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Write unknown pid err = %v", err)
	}
}

func TestRemoveAllExcept(t *testing.T) {
	r, _, history := newTestRegistry(t)
	keep := mustCreate(t, r, "me")
	other := mustCreate(t, r, "them")

	orphaned := r.RemoveAllExcept("me")
	if !reflect.DeepEqual(orphaned, []string{"them"}) {
		t.Fatalf("orphaned = %v", orphaned)
	}
	if r.LookupPID(keep.PID()) == nil {
		t.Fatal("kept session was removed")
	}
	if r.LookupPID(other.PID()) != nil || !other.Terminated() {
		t.Fatal("other session survived")
	}
	if history.reason(other.PID()) != ReasonReplaced {
		t.Fatalf("end reason = %q", history.reason(other.PID()))
	}
}

func TestEvictAndClose(t *testing.T) {
	r, _, history := newTestRegistry(t)
	a := mustCreate(t, r, "va")
	b := mustCreate(t, r, "vb")
	c := mustCreate(t, r, "vc")

	r.Evict([]*session.Session{a, b}, ReasonProcessExited)
	if r.Len() != 1 || r.LookupPID(c.PID()) != c {
		t.Fatalf("after Evict Len() = %d", r.Len())
	}
	if history.reason(a.PID()) != ReasonProcessExited || history.reason(b.PID()) != ReasonProcessExited {
		t.Fatalf("ended = %v", history.ended)
	}

	// Evicting an already removed session does not record a second end.
	r.Evict([]*session.Session{a}, ReasonKilled)
	if history.reason(a.PID()) != ReasonProcessExited {
		t.Fatalf("reason overwritten to %q", history.reason(a.PID()))
	}

	r.Close()
	if r.Len() != 0 || !c.Terminated() {
		t.Fatal("Close left sessions running")
	}
	if history.reason(c.PID()) != ReasonShutdown {
		t.Fatalf("end reason = %q", history.reason(c.PID()))
	}
}

func TestSnapshotMatchesIndex(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a := mustCreate(t, r, "v1")
	b := mustCreate(t, r, "v2")
	if _, err := r.ConnectExisting(a.PID(), "v3"); err != nil {
		t.Fatalf("ConnectExisting: %v", err)
	}
	r.DisconnectViewer("v2")

	snap := r.Snapshot()
	if len(snap) != r.Len() || len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, registry has %d", len(snap), r.Len())
	}
	if snap[0].PID != a.PID() {
		t.Fatalf("snapshot pid = %d, want %d", snap[0].PID, a.PID())
	}
	if !reflect.DeepEqual(snap[0].ViewerIDs, r.Viewers(a)) {
		t.Fatalf("snapshot viewers %v != index %v", snap[0].ViewerIDs, r.Viewers(a))
	}
	if !reflect.DeepEqual(a.Viewers(), r.Viewers(a)) {
		t.Fatalf("session viewers %v != index %v", a.Viewers(), r.Viewers(a))
	}
	if r.Viewers(b) != nil {
		t.Fatalf("removed session still has viewers %v", r.Viewers(b))
	}
}

func TestRelayStartedOnceOnFirstAttachment(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	relay := &fakeRelay{}
	r.SetRelay(relay)

	if _, err := r.ConnectExisting(1, "v"); err == nil {
		t.Fatal("expected ErrNotFound")
	}
	if relay.calls != 0 {
		t.Fatal("relay started by a failed attach")
	}

	s := mustCreate(t, r, "v1")
	mustCreate(t, r, "v2")
	if _, err := r.ConnectExisting(s.PID(), "v3"); err != nil {
		t.Fatalf("ConnectExisting: %v", err)
	}
	if relay.calls != 1 {
		t.Fatalf("EnsureStarted calls = %d, want 1", relay.calls)
	}
}

func TestConcurrentAttachDetach(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	s := mustCreate(t, r, "owner")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("viewer-%d", i)
			if _, err := r.ConnectExisting(s.PID(), id); err != nil {
				t.Errorf("ConnectExisting: %v", err)
				return
			}
			_ = r.Snapshot()
			r.DisconnectViewer(id)
		}(i)
	}
	wg.Wait()

	if !reflect.DeepEqual(r.Viewers(s), []string{"owner"}) {
		t.Fatalf("viewers = %v", r.Viewers(s))
	}
	if !reflect.DeepEqual(s.Viewers(), []string{"owner"}) {
		t.Fatalf("session viewers = %v", s.Viewers())
	}
}

type hookedHistory struct {
	fakeHistory
	onStart func(s *session.Session)
	events  []string
}

func (h *hookedHistory) SessionStarted(s *session.Session) {
	h.fakeHistory.SessionStarted(s)
	h.mu.Lock()
	h.events = append(h.events, "start")
	h.mu.Unlock()
	if h.onStart != nil {
		h.onStart(s)
	}
}

func (h *hookedHistory) SessionEnded(s *session.Session, reason string) {
	h.fakeHistory.SessionEnded(s, reason)
	h.mu.Lock()
	h.events = append(h.events, "end:"+reason)
	h.mu.Unlock()
}

func TestSessionStartRecordedBeforeSessionIsReachable(t *testing.T) {
	history := &hookedHistory{}
	r := New(ptytest.NewOpener(), Options{History: history})
	history.onStart = func(s *session.Session) {
		// A relay tick or a disconnect racing the start must not find it.
		if r.LookupPID(s.PID()) != nil {
			t.Error("session reachable before its start was recorded")
		}
		r.Evict([]*session.Session{s}, ReasonProcessExited)
		r.DisconnectViewer("va")
	}

	s := mustCreate(t, r, "va")
	if r.LookupPID(s.PID()) != s || s.Terminated() {
		t.Fatal("session lost during start")
	}

	r.Evict([]*session.Session{s}, ReasonProcessExited)
	want := []string{"start", "end:" + ReasonProcessExited}
	if !reflect.DeepEqual(history.events, want) {
		t.Fatalf("events = %v, want %v", history.events, want)
	}
}
