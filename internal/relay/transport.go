package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/loanlens/loanlens/internal/reliability"
)

// ErrConnectInProgress signals a Connect call that raced an unfinished one.
// Concurrent connect attempts are never allowed to open a second socket.
var ErrConnectInProgress = errors.New("voice agent connect already in progress")

// Callbacks surface structured conversational events. Each fires at most
// once per underlying server event, synchronously, in arrival order.
type Callbacks struct {
	OnReady           func()
	OnAudio           func(audioBase64 string)
	OnUserTranscript  func(text string)
	OnAgentTranscript func(text string)
	OnInterruption    func(reason string)
	OnDisconnected    func()
	OnError           func(err error)
}

// AudioSource models the captured microphone feed: 16 kHz mono PCM16 frames,
// each independently base64-encoded. The transport drains it only after the
// agent channel reports initialized, and stops it on disconnect.
type AudioSource interface {
	Start(ctx context.Context) (<-chan string, error)
	Stop() error
}

// Conn is the subset of a websocket connection the transport needs.
// *websocket.Conn satisfies it; tests substitute an in-process agent.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the streaming channel to the conversational agent service.
type Dialer func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

type Config struct {
	APIKey    string
	WSBaseURL string
	// Dialer defaults to a gorilla websocket dial.
	Dialer Dialer
}

// The agent vocalizes the initial message without engaging in dialogue.
const initialMessageFraming = "Read the following message aloud to the user exactly as written, then wait for them to speak. Do not respond to it as if it were a question: "

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
)

// Transport manages one full-duplex streaming connection to a speech-to-speech
// conversational agent.
type Transport struct {
	cfg Config

	mu          sync.Mutex
	state       connState
	gen         uint64
	conn        Conn
	cb          Callbacks
	source      AudioSource
	initialized bool
	pending     string
	pendingSet  bool
	pumpCancel  context.CancelFunc

	writeMu sync.Mutex
}

func NewTransport(cfg Config) *Transport {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = gorillaDial
	}
	return &Transport{cfg: cfg}
}

func gorillaDial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect opens the streaming channel for agentID and begins draining the
// audio source once the channel signals it is initialized. Calling Connect
// while already open is an idempotent no-op that fires OnReady immediately;
// calling it while another connect is underway returns ErrConnectInProgress.
func (t *Transport) Connect(ctx context.Context, agentID string, cb Callbacks, source AudioSource) error {
	t.mu.Lock()
	switch t.state {
	case stateOpen:
		initialized := t.initialized
		t.mu.Unlock()
		if initialized && cb.OnReady != nil {
			cb.OnReady()
		}
		return nil
	case stateConnecting:
		t.mu.Unlock()
		return ErrConnectInProgress
	}
	t.state = stateConnecting
	t.gen++
	gen := t.gen
	t.cb = cb
	t.source = source
	t.initialized = false
	t.mu.Unlock()

	u, err := url.Parse(strings.TrimRight(t.cfg.WSBaseURL, "/") + "/v1/convai/conversation")
	if err != nil {
		t.abortConnect(gen)
		return err
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if t.cfg.APIKey != "" {
		headers.Set("xi-api-key", t.cfg.APIKey)
	}

	conn, err := t.cfg.Dialer(ctx, u.String(), headers)
	if err != nil {
		t.abortConnect(gen)
		return reliability.Wrap(reliability.KindTransient, fmt.Errorf("dial voice agent: %w", err))
	}

	t.mu.Lock()
	if t.state != stateConnecting || t.gen != gen {
		// A Disconnect raced the dial; this attempt is stale and its socket
		// must not outlive it.
		t.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	t.conn = conn
	t.state = stateOpen
	t.mu.Unlock()

	go t.readLoop(ctx, conn)
	return nil
}

// abortConnect unwinds a failed connect attempt, but only if that attempt is
// still the current one.
func (t *Transport) abortConnect(gen uint64) {
	t.mu.Lock()
	if t.gen == gen && t.state == stateConnecting {
		t.state = stateIdle
		t.cb = Callbacks{}
		t.source = nil
	}
	t.mu.Unlock()
}

// SetInitialMessage delivers text as a synthetic user turn framed so the
// agent reads it aloud without conversing. Before initialization the value
// is remembered and delivered exactly once when the channel initializes;
// setting it again before delivery replaces the pending value.
func (t *Transport) SetInitialMessage(text string) {
	t.mu.Lock()
	if t.initialized && t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		t.sendUserMessage(conn, text)
		return
	}
	t.pending = text
	t.pendingSet = true
	t.mu.Unlock()
}

func (t *Transport) sendUserMessage(conn Conn, text string) {
	t.writeRaw(conn, map[string]any{
		"type": "user_message",
		"text": initialMessageFraming + text,
	})
}

// Disconnect closes the channel and stops the audio source. Idempotent; the
// source is stopped before return so no capture dangles.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.state == stateIdle {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	source := t.source
	pumpCancel := t.pumpCancel
	cb := t.cb
	t.gen++
	t.state = stateIdle
	t.conn = nil
	t.source = nil
	t.pumpCancel = nil
	t.initialized = false
	t.pendingSet = false
	t.pending = ""
	t.cb = Callbacks{}
	t.mu.Unlock()

	if pumpCancel != nil {
		pumpCancel()
	}
	if source != nil {
		_ = source.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if cb.OnDisconnected != nil {
		cb.OnDisconnected()
	}
}

func (t *Transport) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadFailure(conn)
			return
		}
		t.dispatch(ctx, conn, data)
	}
}

// handleReadFailure tears local state down when the peer goes away, unless a
// deliberate Disconnect already did.
func (t *Transport) handleReadFailure(conn Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.Disconnect()
}

type serverEnvelope struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	UserTranscriptEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcript_event,omitempty"`
	InterruptionEvent *struct {
		Reason string `json:"reason"`
	} `json:"interruption_event,omitempty"`
	PingEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event,omitempty"`
	Error string `json:"error,omitempty"`
}

func (t *Transport) dispatch(ctx context.Context, conn Conn, data []byte) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()

	switch env.Type {
	case "conversation_initiation_metadata":
		t.markInitialized(ctx, conn, cb)
	case "ping":
		// Every ping must be answered with a matching event id or the remote
		// service will idle-timeout the conversation.
		var eventID int64
		if env.PingEvent != nil {
			eventID = env.PingEvent.EventID
		}
		t.writeRaw(conn, map[string]any{"type": "pong", "event_id": eventID})
	case "audio":
		if env.AudioEvent != nil && cb.OnAudio != nil {
			cb.OnAudio(env.AudioEvent.AudioBase64)
		}
	case "agent_response":
		if env.AgentResponseEvent != nil && cb.OnAgentTranscript != nil {
			cb.OnAgentTranscript(env.AgentResponseEvent.AgentResponse)
		}
	case "user_transcript":
		if env.UserTranscriptEvent != nil && cb.OnUserTranscript != nil {
			cb.OnUserTranscript(env.UserTranscriptEvent.UserTranscript)
		}
	case "interruption":
		reason := ""
		if env.InterruptionEvent != nil {
			reason = env.InterruptionEvent.Reason
		}
		if cb.OnInterruption != nil {
			cb.OnInterruption(reason)
		}
	default:
		if env.Error != "" && cb.OnError != nil {
			kind := reliability.KindTransient
			if !reliability.IsRetryableRealtimeMessageType(env.Type) {
				kind = reliability.KindBestEffort
			}
			cb.OnError(reliability.Wrap(kind, fmt.Errorf("agent %s: %s", env.Type, env.Error)))
		}
	}
}

// markInitialized runs once per connection: flush the pending initial
// message, start draining the audio source, then report ready. Channel-open
// strictly precedes microphone send-start.
func (t *Transport) markInitialized(ctx context.Context, conn Conn, cb Callbacks) {
	t.mu.Lock()
	if t.initialized || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.initialized = true
	pending, pendingSet := t.pending, t.pendingSet
	t.pending = ""
	t.pendingSet = false
	source := t.source
	var pumpCtx context.Context
	if source != nil {
		pumpCtx, t.pumpCancel = context.WithCancel(ctx)
	}
	t.mu.Unlock()

	if pendingSet {
		t.sendUserMessage(conn, pending)
	}
	if source != nil {
		frames, err := source.Start(pumpCtx)
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(reliability.Wrap(reliability.KindTransient, fmt.Errorf("start audio capture: %w", err)))
			}
		} else {
			go t.pumpAudio(pumpCtx, conn, frames)
		}
	}
	if cb.OnReady != nil {
		cb.OnReady()
	}
}

// pumpAudio forwards captured frames as discrete messages, no batching.
func (t *Transport) pumpAudio(ctx context.Context, conn Conn, frames <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if frame == "" {
				continue
			}
			t.writeRaw(conn, map[string]any{"user_audio_chunk": frame})
		}
	}
}

func (t *Transport) writeRaw(conn Conn, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}
