package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"ctrlplane/internal/autoapprove"
	"ctrlplane/internal/broker"
	"ctrlplane/internal/detector/strategy"
	"ctrlplane/internal/eventbus"
	"ctrlplane/internal/hooks"
	"ctrlplane/internal/supervisor"
)

func newTestCore(t *testing.T) (*supervisor.Registry, *broker.Broker) {
	t.Helper()
	bus := eventbus.New()
	b := broker.New()
	// Mirrors the daemon's wiring of the process-wide event bus into the
	// broker's event broadcast (internal/daemon.New).
	bus.Subscribe(func(e eventbus.Event) { b.PublishEvent(e) })
	reg := supervisor.NewRegistry(hooks.New(0, nil), bus)
	return reg, b
}

func newTestSession(t *testing.T, reg *supervisor.Registry, b *broker.Broker, command string, args []string) *supervisor.Session {
	t.Helper()
	s, err := reg.CreateSession(supervisor.Spec{
		Name:              "t",
		WorktreePath:      t.TempDir(),
		AgentID:           "generic",
		DetectionStrategy: strategy.Generic,
		Command:           command,
		Args:              args,
		Verifier:          autoapprove.AlwaysNeedsHumanVerifier{},
		VerifierTimeout:   time.Second,
		OutputHistoryCap:  1 << 20,
		SampleInterval:    10 * time.Millisecond,
		DwellInterval:     30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Mirrors the daemon's standing per-session subscription: the sole
	// producer of live bytes into the broker for this session.
	s.SubscribeBytes(func(id string, data []byte) { b.PublishBytes(id, data) })
	return s
}

func newTestWSServer(t *testing.T, reg *supervisor.Registry, b *broker.Broker) (*httptest.Server, string) {
	t.Helper()
	srv := New(reg, b)
	hs := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	t.Cleanup(hs.Close)
	return hs, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["type"] == want {
			return msg
		}
	}
	t.Fatalf("did not observe a %q frame within %s", want, timeout)
	return nil
}

func TestSubscribeDeliversSnapshotThenLiveBytes(t *testing.T) {
	reg, b := newTestCore(t)
	s := newTestSession(t, reg, b, "/bin/sh", []string{"-c", "printf 'hello\\n'; sleep 5"})
	defer reg.StopSession(s.ID, "test cleanup")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(string(s.GetSnapshot()), "hello") {
		time.Sleep(5 * time.Millisecond)
	}

	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)

	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})

	msg := readUntil(t, ctx, conn, typeTerminalData, 2*time.Second)
	if !strings.Contains(msg["data"].(string), "hello") {
		t.Fatalf("expected snapshot to contain hello, got %v", msg)
	}
}

func TestInputIsForwardedToChild(t *testing.T) {
	reg, b := newTestCore(t)
	s := newTestSession(t, reg, b, "/bin/cat", nil)
	defer reg.StopSession(s.ID, "test cleanup")

	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)

	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})
	writeJSON(t, ctx, conn, inputMsg{Type: typeInput, SessionID: s.ID, Data: "echoed-back\n"})

	msg := readUntil(t, ctx, conn, typeTerminalData, 2*time.Second)
	if !strings.Contains(msg["data"].(string), "echoed-back") {
		t.Fatalf("expected cat to echo input, got %v", msg)
	}
}

func TestUnsubscribeStopsByteDelivery(t *testing.T) {
	reg, b := newTestCore(t)
	s := newTestSession(t, reg, b, "/bin/sh", []string{"-c", "sleep 5"})
	defer reg.StopSession(s.ID, "test cleanup")

	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)

	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})
	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeUnsubscribeSession, SessionID: s.ID})

	time.Sleep(50 * time.Millisecond)
	if b.RoomSize(s.ID) != 0 {
		t.Fatalf("RoomSize(%s) = %d, want 0 after unsubscribe", s.ID, b.RoomSize(s.ID))
	}
}

// TestSubscribeMarksSessionActive checks the viewer-focus contract: joining a
// session's room is this transport's definition of a viewer gaining
// focus and explicit unsubscribe_session is losing it. Disconnecting
// without unsubscribing is covered by
// TestDisconnectClearsActiveWithoutExplicitUnsubscribe.
func TestSubscribeMarksSessionActive(t *testing.T) {
	reg, b := newTestCore(t)
	s := newTestSession(t, reg, b, "/bin/sh", []string{"-c", "sleep 5"})
	defer reg.StopSession(s.ID, "test cleanup")

	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)

	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && !s.IsActive() {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.IsActive() {
		t.Fatal("expected IsActive() == true after subscribe_session")
	}

	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeUnsubscribeSession, SessionID: s.ID})
	deadline = time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && s.IsActive() {
		time.Sleep(5 * time.Millisecond)
	}
	if s.IsActive() {
		t.Fatal("expected IsActive() == false after unsubscribe_session")
	}
}

func TestDisconnectClearsActiveWithoutExplicitUnsubscribe(t *testing.T) {
	reg, b := newTestCore(t)
	s := newTestSession(t, reg, b, "/bin/sh", []string{"-c", "sleep 5"})
	defer reg.StopSession(s.ID, "test cleanup")

	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)

	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && !s.IsActive() {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.IsActive() {
		t.Fatal("expected IsActive() == true after subscribe_session")
	}

	conn.CloseNow()
	deadline = time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && s.IsActive() {
		time.Sleep(5 * time.Millisecond)
	}
	if s.IsActive() {
		t.Fatal("expected IsActive() == false after the connection disconnects")
	}
}

// TestDeviceAttributesResponseIsFilteredFromInput checks terminal
// response filtering: a phantom Device Attributes reply a local
// terminal emulator sends back over the "input" channel must never reach
// the child, or the child would treat it as a keystroke. The surrounding
// bytes in the same input frame must still arrive. The PTY echoes ESC as
// "^[", so the check looks for the reply without its leading ESC.
func TestDeviceAttributesResponseIsFilteredFromInput(t *testing.T) {
	reg, b := newTestCore(t)
	s := newTestSession(t, reg, b, "/bin/cat", nil)
	defer reg.StopSession(s.ID, "test cleanup")

	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)

	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})
	writeJSON(t, ctx, conn, inputMsg{Type: typeInput, SessionID: s.ID, Data: "\x1b[?1;2cclean\n"})

	msg := readUntil(t, ctx, conn, typeTerminalData, 2*time.Second)
	data := msg["data"].(string)
	if strings.Contains(data, "[?1;2c") {
		t.Fatalf("device attributes response reached the child unfiltered: %q", data)
	}
	if !strings.Contains(data, "clean") {
		t.Fatalf("expected surrounding bytes to survive filtering: %q", data)
	}
}

// TestSessionUpdateOmitsLifecycleEvents checks the wire protocol:
// only state transitions are relayed as session_update frames, not the
// sessionCreated/sessionDestroyed events the in-process event bus also
// carries (those are surfaced to clients via the REST session list
// instead). Creating and then stopping a session must never produce a
// session_update frame with an empty state.
func TestSessionUpdateOmitsLifecycleEvents(t *testing.T) {
	reg, b := newTestCore(t)
	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)

	s := newTestSession(t, reg, b, "/bin/sh", []string{"-c", "sleep 5"})
	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})
	reg.StopSession(s.ID, "test cleanup")

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["type"] == typeSessionUpdate {
			t.Fatalf("unexpected session_update frame for a lifecycle-only event: %v", msg)
		}
	}
}

// TestCursorPositionReportsAreDebouncedForClaude exercises the
// Claude-specific debounce: a burst of CPRs arriving faster than the
// debounce window must collapse to a single forwarded report. The PTY
// echoes ESC as "^[", so reports are counted without their leading ESC.
func TestCursorPositionReportsAreDebouncedForClaude(t *testing.T) {
	reg, b := newTestCore(t)
	s, err := reg.CreateSession(supervisor.Spec{
		Name:              "t",
		WorktreePath:      t.TempDir(),
		AgentID:           "claude",
		DetectionStrategy: strategy.Claude,
		Command:           "/bin/cat",
		Verifier:          autoapprove.AlwaysNeedsHumanVerifier{},
		VerifierTimeout:   time.Second,
		OutputHistoryCap:  1 << 20,
		SampleInterval:    10 * time.Millisecond,
		DwellInterval:     30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s.SubscribeBytes(func(id string, data []byte) { b.PublishBytes(id, data) })
	defer reg.StopSession(s.ID, "test cleanup")

	_, url := newTestWSServer(t, reg, b)
	conn, ctx := dial(t, url)
	writeJSON(t, ctx, conn, subscribeSessionMsg{Type: typeSubscribeSession, SessionID: s.ID})

	for i := 0; i < 5; i++ {
		writeJSON(t, ctx, conn, inputMsg{Type: typeInput, SessionID: s.ID, Data: "\x1b[1;1R"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && strings.Count(string(s.GetSnapshot()), "[1;1R") < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond) // let the debounce window close fully

	count := strings.Count(string(s.GetSnapshot()), "[1;1R")
	if count != 1 {
		t.Fatalf("cat echoed %d CPRs, want exactly 1 (debounced)", count)
	}
}
