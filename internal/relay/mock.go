package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
)

// MockAgentConn is an in-process stand-in for the conversational agent
// socket. It lets the service run without vendor credentials and drives the
// transport in tests: server frames are queued with the Send helpers, client
// writes are recorded for inspection.
type MockAgentConn struct {
	mu     sync.Mutex
	inbox  chan []byte
	writes [][]byte
	closed bool
}

func NewMockAgentConn() *MockAgentConn {
	return &MockAgentConn{inbox: make(chan []byte, 64)}
}

// MockDialer returns a Dialer that hands out conn for every dial.
func MockDialer(conn *MockAgentConn) Dialer {
	return func(context.Context, string, http.Header) (Conn, error) {
		return conn, nil
	}
}

func (c *MockAgentConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbox
	if !ok {
		return 0, nil, errors.New("mock agent connection closed")
	}
	return 1, data, nil
}

func (c *MockAgentConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed mock agent connection")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *MockAgentConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbox)
	return nil
}

// Closed reports whether Close has been called.
func (c *MockAgentConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Writes returns every payload the client has written, decoded as JSON maps,
// in write order.
func (c *MockAgentConn) Writes() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, raw := range c.writes {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *MockAgentConn) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbox <- data:
	default:
	}
}

func (c *MockAgentConn) SendInitiationMetadata(conversationID string) {
	c.push(map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id": conversationID,
		},
	})
}

func (c *MockAgentConn) SendPing(eventID int64) {
	c.push(map[string]any{
		"type":       "ping",
		"ping_event": map[string]any{"event_id": eventID},
	})
}

func (c *MockAgentConn) SendAudio(audioBase64 string, eventID int64) {
	c.push(map[string]any{
		"type": "audio",
		"audio_event": map[string]any{
			"audio_base_64": audioBase64,
			"event_id":      eventID,
		},
	})
}

func (c *MockAgentConn) SendAgentResponse(text string) {
	c.push(map[string]any{
		"type":                 "agent_response",
		"agent_response_event": map[string]any{"agent_response": text},
	})
}

func (c *MockAgentConn) SendUserTranscript(text string) {
	c.push(map[string]any{
		"type":                  "user_transcript",
		"user_transcript_event": map[string]any{"user_transcript": text},
	})
}

func (c *MockAgentConn) SendInterruption(reason string) {
	c.push(map[string]any{
		"type":               "interruption",
		"interruption_event": map[string]any{"reason": reason},
	})
}
