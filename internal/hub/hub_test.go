package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/gdbhub/internal/mi"
	"github.com/user/gdbhub/internal/relay"
)

type fakeHandler struct {
	mu           sync.Mutex
	connects     map[string]ConnectRequest
	commands     map[string][]string
	ptys         []PtyRequest
	disconnected []string
	connectErr   error
	commandErr   error
	nextPID      int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		connects: make(map[string]ConnectRequest),
		commands: make(map[string][]string),
		nextPID:  100,
	}
}

func (f *fakeHandler) Connect(viewerID string, req ConnectRequest) (ConnectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return ConnectResult{}, f.connectErr
	}
	f.connects[viewerID] = req
	f.nextPID++
	return ConnectResult{PID: f.nextPID, StartedNew: req.PID == 0, Message: "started"}, nil
}

func (f *fakeHandler) RunCommands(viewerID string, commands []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commandErr != nil {
		return f.commandErr
	}
	f.commands[viewerID] = append(f.commands[viewerID], commands...)
	return nil
}

func (f *fakeHandler) PtyInteraction(viewerID string, req PtyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptys = append(f.ptys, req)
	return nil
}

func (f *fakeHandler) Disconnect(viewerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, viewerID)
}

func (f *fakeHandler) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnected...)
}

const testToken = "test-token"

func startHub(t *testing.T, handler Handler, batch time.Duration) (*Hub, string) {
	t.Helper()
	h := New(handler, Options{Token: testToken, BatchInterval: batch})

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)

	return h, fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], testToken)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn, v any) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		t.Fatalf("unmarshal type: %v", err)
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("unmarshal %s: %v", head.Type, err)
		}
	}
	return head.Type
}

// connectViewer sends a connect message and returns the assigned viewer id.
func connectViewer(t *testing.T, conn *websocket.Conn) ConnectionEvent {
	t.Helper()
	writeMsg(t, conn, ClientMessage{Type: TypeConnect, Command: "gdb ./a.out", MIVersion: "mi3"})
	var ev ConnectionEvent
	if typ := readMsg(t, conn, &ev); typ != TypeConnectionEvent {
		t.Fatalf("got %q, want %q", typ, TypeConnectionEvent)
	}
	if !ev.OK || ev.ViewerID == "" {
		t.Fatalf("connection event = %+v", ev)
	}
	return ev
}

func TestTokenAuthentication(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", testToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(nil, Options{Token: testToken})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go h.Run(ctx)

			server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
			defer server.Close()

			url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], tt.token)
			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer dialCancel()
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				conn.Close(websocket.StatusNormalClosure, "")
				t.Fatal("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected status %d, got %v", tt.wantStatus, resp)
			}
		})
	}
}

func TestConnectRoutesRequestToHandler(t *testing.T) {
	handler := newFakeHandler()
	_, url := startHub(t, handler, 0)
	conn := dial(t, url)

	ev := connectViewer(t, conn)
	if ev.PID != 101 || !ev.StartedNewSession || ev.Message != "started" {
		t.Fatalf("connection event = %+v", ev)
	}

	handler.mu.Lock()
	req, ok := handler.connects[ev.ViewerID]
	handler.mu.Unlock()
	if !ok {
		t.Fatalf("handler never saw viewer %s", ev.ViewerID)
	}
	if req.Command != "gdb ./a.out" || req.MIVersion != "mi3" {
		t.Fatalf("request = %+v", req)
	}
}

func TestConnectFailureIsReported(t *testing.T) {
	handler := newFakeHandler()
	handler.connectErr = errors.New("debug session not found: pid 7")
	_, url := startHub(t, handler, 0)
	conn := dial(t, url)

	writeMsg(t, conn, ClientMessage{Type: TypeConnect, PID: 7})
	var ev ConnectionEvent
	readMsg(t, conn, &ev)
	if ev.OK || ev.PID != 7 || !strings.Contains(ev.Message, "not found") {
		t.Fatalf("connection event = %+v", ev)
	}
}

func TestRunCommandError(t *testing.T) {
	handler := newFakeHandler()
	handler.commandErr = errors.New("no debug session attached")
	_, url := startHub(t, handler, 0)
	conn := dial(t, url)

	writeMsg(t, conn, ClientMessage{Type: TypeRunCommand, Commands: []string{"-exec-run"}})
	var msg ErrorMessage
	if typ := readMsg(t, conn, &msg); typ != TypeCommandError {
		t.Fatalf("got %q, want %q", typ, TypeCommandError)
	}
	if msg.Message != "no debug session attached" {
		t.Fatalf("message = %q", msg.Message)
	}
}

func TestPtyInteractionAndUnknownType(t *testing.T) {
	handler := newFakeHandler()
	_, url := startHub(t, handler, 0)
	conn := dial(t, url)

	writeMsg(t, conn, ClientMessage{Type: TypePtyInteraction, PtyName: "program_pty", Action: ActionSetWinsize, Rows: 40, Cols: 100000})
	writeMsg(t, conn, ClientMessage{Type: "bogus"})

	var msg ErrorMessage
	if typ := readMsg(t, conn, &msg); typ != TypeError || !strings.Contains(msg.Message, "bogus") {
		t.Fatalf("got %q %+v", typ, msg)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.ptys) != 1 {
		t.Fatalf("pty requests = %+v", handler.ptys)
	}
	got := handler.ptys[0]
	if got.PtyName != "program_pty" || got.Action != ActionSetWinsize || got.Rows != 40 || got.Cols != 0xffff {
		t.Fatalf("pty request = %+v", got)
	}
}

func TestDeliverAddressesSingleViewer(t *testing.T) {
	handler := newFakeHandler()
	h, url := startHub(t, handler, 0)
	connA := dial(t, url)
	connB := dial(t, url)
	viewerA := connectViewer(t, connA).ViewerID
	connectViewer(t, connB)

	h.Deliver(viewerA, relay.Event{
		Kind:    relay.EventRecords,
		PID:     42,
		Records: []mi.Record{mi.ParseLine(`^done`)},
	})

	var resp GdbResponseMessage
	if typ := readMsg(t, connA, &resp); typ != TypeGdbResponse {
		t.Fatalf("A got %q", typ)
	}
	if resp.PID != 42 || len(resp.Records) != 1 || resp.Records[0].Message != "done" {
		t.Fatalf("A response = %+v", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, data, err := connB.Read(ctx); err == nil {
		t.Fatalf("B received %s", data)
	}
}

func TestDeathFlushesPendingOutputFirst(t *testing.T) {
	handler := newFakeHandler()
	h, url := startHub(t, handler, time.Hour)
	conn := dial(t, url)
	viewer := connectViewer(t, conn).ViewerID

	h.Deliver(viewer, relay.Event{Kind: relay.EventConsole, PID: 9, Text: "Quit"})
	h.Deliver(viewer, relay.Event{Kind: relay.EventConsole, PID: 9, Text: "ting\n"})
	h.Deliver(viewer, relay.Event{Kind: relay.EventSessionDied, PID: 9})

	var out PtyOutputMessage
	if typ := readMsg(t, conn, &out); typ != TypeUserPty {
		t.Fatalf("first message %q, want %q", typ, TypeUserPty)
	}
	if out.Text != "Quitting\n" || out.PID != 9 {
		t.Fatalf("output = %+v", out)
	}

	var death SessionDeathMessage
	if typ := readMsg(t, conn, &death); typ != TypeSessionDeath {
		t.Fatalf("second message %q, want %q", typ, TypeSessionDeath)
	}
	if death.PID != 9 {
		t.Fatalf("death = %+v", death)
	}
}

func TestClosedConnectionDisconnectsViewer(t *testing.T) {
	handler := newFakeHandler()
	h, url := startHub(t, handler, 0)
	conn := dial(t, url)
	viewer := connectViewer(t, conn).ViewerID

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := handler.disconnects()
		if len(got) == 1 && got[0] == viewer {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnects = %v, want [%s]", got, viewer)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d", h.ClientCount())
	}
}

func TestRateLimiterBatchesPerViewerAndSession(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	limiter := NewRateLimiter(50*time.Millisecond, func(viewerID string, msg PtyOutputMessage) {
		mu.Lock()
		received = append(received, fmt.Sprintf("%s/%d/%s", viewerID, msg.PID, msg.Text))
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		limiter.Add("a", PtyOutputMessage{Type: TypeUserPty, PID: 1, Text: fmt.Sprintf("t%d", i)})
	}
	limiter.Add("b", PtyOutputMessage{Type: TypeUserPty, PID: 1, Text: "other"})
	// A new pid for the same viewer flushes the previous batch.
	limiter.Add("a", PtyOutputMessage{Type: TypeUserPty, PID: 2, Text: "new"})

	mu.Lock()
	if len(received) != 1 || received[0] != "a/1/t0t1t2" {
		mu.Unlock()
		t.Fatalf("received before interval = %v", received)
	}
	mu.Unlock()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("received = %v", received)
	}
	rest := strings.Join(received[1:], " ")
	if !strings.Contains(rest, "b/1/other") || !strings.Contains(rest, "a/2/new") {
		t.Fatalf("received = %v", received)
	}
}

func TestRateLimiterDrop(t *testing.T) {
	calls := 0
	limiter := NewRateLimiter(time.Hour, func(string, PtyOutputMessage) { calls++ })
	limiter.Add("a", PtyOutputMessage{Type: TypeProgramPty, PID: 1, Text: "x"})
	limiter.Drop("a")
	limiter.FlushAll()
	if calls != 0 {
		t.Fatalf("dropped output flushed %d times", calls)
	}
}

// slowViewer registers a client whose send buffer never drains.
func slowViewer(t *testing.T, h *Hub, id string) *websocket.Conn {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(server.Close)

	remote := dial(t, "ws://"+server.URL[7:])
	var conn *websocket.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}

	h.mu.Lock()
	h.clients[id] = &Client{id: id, conn: conn, send: make(chan []byte), hub: h}
	h.mu.Unlock()
	return remote
}

func TestFullBufferClosesViewerOnDeath(t *testing.T) {
	h := New(nil, Options{Token: testToken})
	remote := slowViewer(t, h, "slow")

	// Terminal output to a full buffer is dropped without closing.
	h.Deliver("slow", relay.Event{Kind: relay.EventConsole, PID: 7, Text: "(gdb) "})

	h.Deliver("slow", relay.Event{Kind: relay.EventSessionDied, PID: 7})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := remote.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("read err = %v, want policy violation close", err)
	}
}

func TestRateLimiterKeepsBatchOrder(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
		first    = true
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	limiter := NewRateLimiter(time.Millisecond, func(_ string, msg PtyOutputMessage) {
		mu.Lock()
		block := first
		first = false
		mu.Unlock()
		if block {
			close(entered)
			<-release
		}
		mu.Lock()
		received = append(received, msg.Text)
		mu.Unlock()
	})

	limiter.Add("a", PtyOutputMessage{Type: TypeUserPty, PID: 1, Text: "one"})
	<-entered // the timer has taken "one" and is about to hand it over

	limiter.Add("a", PtyOutputMessage{Type: TypeUserPty, PID: 1, Text: "two"})
	done := make(chan struct{})
	go func() {
		limiter.FlushViewer("a")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(received, ",") != "one,two" {
		t.Fatalf("received = %v, want [one two]", received)
	}
}
