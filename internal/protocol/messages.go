package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loanlens/loanlens/internal/transcript"
)

// MessageType identifies websocket payload variants exchanged with the
// browser workspace.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"

	TypeSessionState     MessageType = "session_state"
	TypeCountdownTick    MessageType = "countdown_tick"
	TypeTranscriptTurn   MessageType = "transcript_turn"
	TypeAgentAudio       MessageType = "agent_audio_chunk"
	TypeAvatarStream     MessageType = "avatar_stream"
	TypeAgentInterrupted MessageType = "agent_interrupted"
	TypeNotice           MessageType = "notice"
	TypeNoticeCleared    MessageType = "notice_cleared"
	TypeSessionSummary   MessageType = "session_summary"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions accepted from the client.
const (
	ActionStart             = "start"
	ActionStop              = "stop"
	ActionRetry             = "retry"
	ActionSetInitialMessage = "set_initial_message"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries one microphone frame: 16 kHz mono PCM16,
// base64-encoded, one frame per message.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Text      string      `json:"text,omitempty"`
}

// SessionState announces a state-machine transition.
type SessionState struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	State            string      `json:"state"`
	RemainingSeconds int         `json:"remaining_seconds"`
}

type CountdownTick struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	RemainingSeconds int         `json:"remaining_seconds"`
}

type TranscriptTurn struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Role      transcript.Role `json:"role"`
	Text      string          `json:"text"`
	Seq       int             `json:"seq"`
}

// AgentAudioChunk relays one synthesized audio frame from the voice agent.
type AgentAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioBase64 string      `json:"audio_base64"`
}

// AvatarStream tells the client where to attach the avatar video.
type AvatarStream struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	PlaybackURL string      `json:"playback_url"`
}

// AgentInterrupted signals the agent detected the user speaking over it;
// the client should cut synthesized playback.
type AgentInterrupted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// Notice is a transient user-facing message. AutoDismissMS tells the client
// how long to show it; a NoticeCleared event follows server-side.
type Notice struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Kind          string      `json:"kind"`
	Text          string      `json:"text"`
	Retryable     bool        `json:"retryable"`
	AutoDismissMS int64       `json:"auto_dismiss_ms"`
}

type NoticeCleared struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// SessionSummary carries the final transcript snapshot once the session has
// ended, for the post-session summary view.
type SessionSummary struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Reason    string            `json:"reason"`
	Turns     []transcript.Turn `json:"turns"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates an inbound client payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStart, ActionStop, ActionRetry:
		case ActionSetInitialMessage:
			if msg.Text == "" {
				return nil, errors.New("set_initial_message requires text")
			}
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
