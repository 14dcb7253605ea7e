package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loanlens/loanlens/internal/config"
	"github.com/loanlens/loanlens/internal/observability"
	"github.com/loanlens/loanlens/internal/protocol"
	"github.com/loanlens/loanlens/internal/reliability"
	"github.com/loanlens/loanlens/internal/slot"
)

// SessionRunner hosts one advisor session for the lifetime of a websocket
// connection.
type SessionRunner interface {
	Run(ctx context.Context, inbound <-chan any) error
}

// RunnerFactory builds a fresh session runner per connection. Outbound events
// the runner emits are written back to the client as JSON frames.
type RunnerFactory func(sessionID string, outbound chan<- any) SessionRunner

type Server struct {
	cfg      config.Config
	slots    slot.Coordinator
	newRun   RunnerFactory
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, slots slot.Coordinator, newRun RunnerFactory, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		slots:   slots,
		newRun:  newRun,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive a visitor's advisor
				// session if the service is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/advisor/credentials", s.handleAcquireCredentials)
	r.Delete("/v1/advisor/credentials", s.handleReleaseCredentials)
	r.Get("/v1/advisor/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleAcquireCredentials admits the caller into the single advisor slot and
// returns the ephemeral credential bundle. A held slot is a 409, never a
// silent takeover.
func (s *Server) handleAcquireCredentials(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	grant, err := s.slots.Acquire(r.Context())
	if err != nil {
		switch reliability.KindOf(err) {
		case reliability.KindFatalConfig:
			respondError(w, http.StatusInternalServerError, "not_configured", err.Error())
		case reliability.KindConcurrencyLimit:
			respondError(w, http.StatusConflict, "slot_busy",
				"an advisor session is already in progress")
		default:
			respondError(w, http.StatusBadGateway, "provider_error", err.Error())
		}
		return
	}
	s.metrics.ObserveSlotAcquireLatency(time.Since(start))
	s.metrics.SessionEvents.WithLabelValues("credentials_issued").Inc()
	respondJSON(w, http.StatusOK, grant)
}

// handleReleaseCredentials gives the slot back. Stale or unknown tokens are
// absorbed: the response is success-shaped either way.
func (s *Server) handleReleaseCredentials(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SlotToken string `json:"slot_token"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
		r.Body.Close()
	}
	token := strings.TrimSpace(body.SlotToken)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("slot_token"))
	}
	_ = s.slots.Release(r.Context(), token)
	s.metrics.SessionEvents.WithLabelValues("credentials_released").Inc()
	respondJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.newRun == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session runner not configured")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runner := s.newRun(sessionID, outbound)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = runner.Run(ctx, inbound)
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop when the
				// outbound queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionState:
		return m.Type, true
	case protocol.CountdownTick:
		return m.Type, true
	case protocol.TranscriptTurn:
		return m.Type, true
	case protocol.AgentAudioChunk:
		return m.Type, true
	case protocol.AvatarStream:
		return m.Type, true
	case protocol.AgentInterrupted:
		return m.Type, true
	case protocol.Notice:
		return m.Type, true
	case protocol.NoticeCleared:
		return m.Type, true
	case protocol.SessionSummary:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
