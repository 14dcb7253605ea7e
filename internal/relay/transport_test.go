package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func writesOfKind(conn *MockAgentConn, match func(map[string]any) bool) []map[string]any {
	var out []map[string]any
	for _, w := range conn.Writes() {
		if match(w) {
			out = append(out, w)
		}
	}
	return out
}

func isUserMessage(m map[string]any) bool { return m["type"] == "user_message" }

func isPong(m map[string]any) bool { return m["type"] == "pong" }

func isAudioChunk(m map[string]any) bool { _, ok := m["user_audio_chunk"]; return ok }

func TestConnectRejectsConcurrentAttempt(t *testing.T) {
	release := make(chan struct{})
	conn := NewMockAgentConn()
	var dials atomic.Int32
	tr := NewTransport(Config{
		WSBaseURL: "wss://mock",
		Dialer: func(context.Context, string, http.Header) (Conn, error) {
			dials.Add(1)
			<-release
			return conn, nil
		},
	})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- tr.Connect(context.Background(), "agent-1", Callbacks{}, nil)
	}()
	waitFor(t, func() bool { return dials.Load() == 1 }, "first dial to start")

	if err := tr.Connect(context.Background(), "agent-1", Callbacks{}, nil); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("second Connect err = %v, want ErrConnectInProgress", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", dials.Load())
	}
	tr.Disconnect()
}

func TestConnectIdempotentWhenOpen(t *testing.T) {
	conn := NewMockAgentConn()
	tr := NewTransport(Config{WSBaseURL: "wss://mock", Dialer: MockDialer(conn)})

	var ready atomic.Int32
	cb := Callbacks{OnReady: func() { ready.Add(1) }}
	if err := tr.Connect(context.Background(), "agent-1", cb, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.SendInitiationMetadata("conv-1")
	waitFor(t, func() bool { return ready.Load() == 1 }, "first onReady")

	// Second call: no-op, no second socket, immediate ready.
	if err := tr.Connect(context.Background(), "agent-1", cb, nil); err != nil {
		t.Fatalf("repeat Connect: %v", err)
	}
	if ready.Load() != 2 {
		t.Fatalf("ready count after idempotent connect = %d, want 2", ready.Load())
	}
	tr.Disconnect()
}

func TestPendingInitialMessageLastWriteWinsDeliveredOnce(t *testing.T) {
	conn := NewMockAgentConn()
	tr := NewTransport(Config{WSBaseURL: "wss://mock", Dialer: MockDialer(conn)})

	var ready atomic.Int32
	if err := tr.Connect(context.Background(), "agent-1", Callbacks{OnReady: func() { ready.Add(1) }}, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.SetInitialMessage("first draft")
	tr.SetInitialMessage("Welcome. Your loan documents are loaded.")
	if msgs := writesOfKind(conn, isUserMessage); len(msgs) != 0 {
		t.Fatalf("initial message sent before channel initialized: %v", msgs)
	}

	conn.SendInitiationMetadata("conv-1")
	waitFor(t, func() bool { return ready.Load() == 1 }, "onReady")

	msgs := writesOfKind(conn, isUserMessage)
	if len(msgs) != 1 {
		t.Fatalf("user_message count = %d, want exactly 1", len(msgs))
	}
	text, _ := msgs[0]["text"].(string)
	if want := "Welcome. Your loan documents are loaded."; !strings.Contains(text, want) {
		t.Fatalf("delivered text %q does not contain latest value %q", text, want)
	}
	if strings.Contains(text, "first draft") {
		t.Fatalf("stale pending value delivered: %q", text)
	}
	tr.Disconnect()
}

func TestInitialMessageImmediateWhenInitialized(t *testing.T) {
	conn := NewMockAgentConn()
	tr := NewTransport(Config{WSBaseURL: "wss://mock", Dialer: MockDialer(conn)})

	var ready atomic.Int32
	if err := tr.Connect(context.Background(), "agent-1", Callbacks{OnReady: func() { ready.Add(1) }}, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.SendInitiationMetadata("conv-1")
	waitFor(t, func() bool { return ready.Load() == 1 }, "onReady")

	tr.SetInitialMessage("Read me now.")
	msgs := writesOfKind(conn, isUserMessage)
	if len(msgs) != 1 {
		t.Fatalf("user_message count = %d, want 1", len(msgs))
	}
	tr.Disconnect()
}

func TestEveryPingAnsweredWithMatchingEventID(t *testing.T) {
	conn := NewMockAgentConn()
	tr := NewTransport(Config{WSBaseURL: "wss://mock", Dialer: MockDialer(conn)})
	if err := tr.Connect(context.Background(), "agent-1", Callbacks{}, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.SendInitiationMetadata("conv-1")

	conn.SendPing(7)
	conn.SendPing(8)
	waitFor(t, func() bool { return len(writesOfKind(conn, isPong)) == 2 }, "two pongs")

	pongs := writesOfKind(conn, isPong)
	if id, _ := pongs[0]["event_id"].(float64); int64(id) != 7 {
		t.Fatalf("first pong event_id = %v, want 7", pongs[0]["event_id"])
	}
	if id, _ := pongs[1]["event_id"].(float64); int64(id) != 8 {
		t.Fatalf("second pong event_id = %v, want 8", pongs[1]["event_id"])
	}
	tr.Disconnect()
}

func TestAudioNotSentBeforeChannelInitialized(t *testing.T) {
	conn := NewMockAgentConn()
	tr := NewTransport(Config{WSBaseURL: "wss://mock", Dialer: MockDialer(conn)})

	source := NewBridgeSource(16)
	source.Push("ZnJhbWUtMQ==")

	var ready atomic.Int32
	if err := tr.Connect(context.Background(), "agent-1", Callbacks{OnReady: func() { ready.Add(1) }}, source); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if chunks := writesOfKind(conn, isAudioChunk); len(chunks) != 0 {
		t.Fatalf("audio sent before channel initialized: %v", chunks)
	}

	conn.SendInitiationMetadata("conv-1")
	waitFor(t, func() bool { return len(writesOfKind(conn, isAudioChunk)) == 1 }, "buffered frame to flush")

	source.Push("ZnJhbWUtMg==")
	waitFor(t, func() bool { return len(writesOfKind(conn, isAudioChunk)) == 2 }, "second frame")

	chunks := writesOfKind(conn, isAudioChunk)
	if chunks[0]["user_audio_chunk"] != "ZnJhbWUtMQ==" || chunks[1]["user_audio_chunk"] != "ZnJhbWUtMg==" {
		t.Fatalf("frames out of order: %v", chunks)
	}
	tr.Disconnect()
}

func TestDisconnectIdempotentAndReleasesSource(t *testing.T) {
	conn := NewMockAgentConn()
	tr := NewTransport(Config{WSBaseURL: "wss://mock", Dialer: MockDialer(conn)})

	source := NewBridgeSource(16)
	var disconnected atomic.Int32
	cb := Callbacks{OnDisconnected: func() { disconnected.Add(1) }}
	if err := tr.Connect(context.Background(), "agent-1", cb, source); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.SendInitiationMetadata("conv-1")

	tr.Disconnect()
	if !source.Stopped() {
		t.Fatalf("audio source still capturing after Disconnect")
	}
	tr.Disconnect()
	tr.Disconnect()
	if disconnected.Load() != 1 {
		t.Fatalf("OnDisconnected fired %d times, want 1", disconnected.Load())
	}
}

func TestDisconnectDuringDialClosesStaleSocket(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	conn := NewMockAgentConn()
	tr := NewTransport(Config{
		WSBaseURL: "wss://mock",
		Dialer: func(context.Context, string, http.Header) (Conn, error) {
			close(entered)
			<-release
			return conn, nil
		},
	})

	var disconnected atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- tr.Connect(context.Background(), "agent-1", Callbacks{
			OnDisconnected: func() { disconnected.Add(1) },
		}, nil)
	}()
	<-entered

	tr.Disconnect()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Connect after mid-dial Disconnect: %v", err)
	}

	// The dialed socket belongs to an attempt that was already torn down.
	waitFor(t, func() bool { return conn.Closed() }, "stale socket to be closed")
	if disconnected.Load() != 1 {
		t.Fatalf("OnDisconnected fired %d times, want 1", disconnected.Load())
	}

	// The transport is idle again and fully reusable.
	conn2 := NewMockAgentConn()
	tr.cfg.Dialer = MockDialer(conn2)
	var ready atomic.Int32
	if err := tr.Connect(context.Background(), "agent-1", Callbacks{
		OnReady: func() { ready.Add(1) },
	}, nil); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	conn2.SendInitiationMetadata("conv-2")
	waitFor(t, func() bool { return ready.Load() == 1 }, "reconnect ready")
	tr.Disconnect()
}

func TestConversationEventsDispatchedInArrivalOrder(t *testing.T) {
	conn := NewMockAgentConn()
	tr := NewTransport(Config{WSBaseURL: "wss://mock", Dialer: MockDialer(conn)})

	type event struct{ kind, payload string }
	events := make(chan event, 16)
	cb := Callbacks{
		OnReady:           func() { events <- event{"ready", ""} },
		OnAudio:           func(b64 string) { events <- event{"audio", b64} },
		OnUserTranscript:  func(s string) { events <- event{"user", s} },
		OnAgentTranscript: func(s string) { events <- event{"agent", s} },
		OnInterruption:    func(r string) { events <- event{"interrupt", r} },
	}
	if err := tr.Connect(context.Background(), "agent-1", cb, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.SendInitiationMetadata("conv-1")
	conn.SendUserTranscript("what is my interest rate?")
	conn.SendAgentResponse("Your rate is 6.1 percent.")
	conn.SendAudio("YXVkaW8=", 1)
	conn.SendInterruption("user_speech")

	want := []event{
		{"ready", ""},
		{"user", "what is my interest rate?"},
		{"agent", "Your rate is 6.1 percent."},
		{"audio", "YXVkaW8="},
		{"interrupt", "user_speech"},
	}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("event %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d (%+v)", i, w)
		}
	}
	tr.Disconnect()
}
