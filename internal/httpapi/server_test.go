package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loanlens/loanlens/internal/config"
	"github.com/loanlens/loanlens/internal/observability"
	"github.com/loanlens/loanlens/internal/protocol"
	"github.com/loanlens/loanlens/internal/reliability"
	"github.com/loanlens/loanlens/internal/slot"
)

type stubSlots struct {
	grant      slot.Grant
	acquireErr error
	released   []string
}

func (s *stubSlots) Acquire(context.Context) (slot.Grant, error) {
	if s.acquireErr != nil {
		return slot.Grant{}, s.acquireErr
	}
	return s.grant, nil
}

func (s *stubSlots) Release(_ context.Context, token string) error {
	s.released = append(s.released, token)
	return nil
}

// echoRunner acknowledges every inbound control message with a state event.
type echoRunner struct {
	sessionID string
	outbound  chan<- any
}

func (r *echoRunner) Run(ctx context.Context, inbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if _, isControl := msg.(protocol.ClientControl); isControl {
				r.outbound <- protocol.SessionState{
					Type:      protocol.TypeSessionState,
					SessionID: r.sessionID,
					State:     "ready",
				}
			}
		}
	}
}

func newTestServer(t *testing.T, slots slot.Coordinator) *httptest.Server {
	t.Helper()
	// Prometheus collectors register globally; the test name keys a unique
	// namespace per registration.
	metrics := observability.NewMetrics("test_httpapi_" + strings.ToLower(t.Name()))
	srv := New(config.Config{AllowAnyOrigin: true}, slots, func(sessionID string, outbound chan<- any) SessionRunner {
		return &echoRunner{sessionID: sessionID, outbound: outbound}
	}, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestAcquireCredentials(t *testing.T) {
	slots := &stubSlots{grant: slot.Grant{
		Token:             "tok-1",
		AgentSessionToken: "avatar-tok",
		VoiceAgentID:      "agent-7",
		ExpiresAt:         time.Now().Add(time.Hour),
	}}
	ts := newTestServer(t, slots)

	res, err := http.Get(ts.URL + "/v1/advisor/credentials")
	if err != nil {
		t.Fatalf("GET credentials error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["slot_token"] != "tok-1" {
		t.Fatalf("slot_token = %v, want tok-1", payload["slot_token"])
	}
	if payload["agent_session_token"] != "avatar-tok" {
		t.Fatalf("agent_session_token = %v, want avatar-tok", payload["agent_session_token"])
	}
	if payload["voice_agent_id"] != "agent-7" {
		t.Fatalf("voice_agent_id = %v, want agent-7", payload["voice_agent_id"])
	}
}

func TestAcquireCredentialsBusyIsConflict(t *testing.T) {
	slots := &stubSlots{
		acquireErr: reliability.Wrap(reliability.KindConcurrencyLimit, slot.ErrSlotBusy),
	}
	ts := newTestServer(t, slots)

	res, err := http.Get(ts.URL + "/v1/advisor/credentials")
	if err != nil {
		t.Fatalf("GET credentials error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var payload errorResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Code != "slot_busy" {
		t.Fatalf("code = %q, want slot_busy", payload.Code)
	}
}

func TestAcquireCredentialsUnconfiguredIsServerError(t *testing.T) {
	slots := &stubSlots{
		acquireErr: reliability.Wrap(reliability.KindFatalConfig, errors.New("advisor credentials are not configured")),
	}
	ts := newTestServer(t, slots)

	res, err := http.Get(ts.URL + "/v1/advisor/credentials")
	if err != nil {
		t.Fatalf("GET credentials error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
}

func TestReleaseCredentialsAlwaysSucceeds(t *testing.T) {
	slots := &stubSlots{}
	ts := newTestServer(t, slots)

	body := strings.NewReader(`{"slot_token":"stale-tok"}`)
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/advisor/credentials", body)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE credentials error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(slots.released) != 1 || slots.released[0] != "stale-tok" {
		t.Fatalf("released = %v, want [stale-tok]", slots.released)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, &stubSlots{})
	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	ts := newTestServer(t, &stubSlots{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/advisor/session/ws?session_id=sess-1"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	start, _ := json.Marshal(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: "sess-1",
		Action:    protocol.ActionStop,
	})
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		t.Fatalf("ws write error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read error = %v", err)
	}
	var state protocol.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state event: %v", err)
	}
	if state.Type != protocol.TypeSessionState || state.SessionID != "sess-1" {
		t.Fatalf("unexpected event %+v", state)
	}
}

func TestSessionWSRejectsMalformedPayload(t *testing.T) {
	ts := newTestServer(t, &stubSlots{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/advisor/session/ws?session_id=sess-2"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	bad, _ := json.Marshal(map[string]any{"type": "client_audio_chunk", "pcm16_base64": ""})
	if err := conn.WriteMessage(websocket.TextMessage, bad); err != nil {
		t.Fatalf("ws write error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read error = %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := json.Unmarshal(data, &errEvent); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if errEvent.Type != protocol.TypeErrorEvent || errEvent.Code != "invalid_client_message" {
		t.Fatalf("unexpected event %+v", errEvent)
	}
}
