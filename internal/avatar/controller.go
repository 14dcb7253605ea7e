package avatar

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// VideoSink receives the rendered avatar stream location. The caller owns
// the actual video element; the controller only tells it where to attach.
type VideoSink interface {
	AttachStream(playbackURL string)
}

// StreamInfo describes a started avatar stream. StartStream returns only
// once the provider has confirmed the video stream is live.
type StreamInfo struct {
	StreamID    string
	PlaybackURL string
}

// AudioInput is the sink that receives decoded agent audio chunks for
// lip-sync. It may only be created after the video stream is confirmed.
type AudioInput interface {
	SendChunk(audioBase64 string) error
	Close() error
}

// Service is the narrow avatar-provider contract.
type Service interface {
	StartStream(ctx context.Context, sessionToken string) (StreamInfo, error)
	CreateAudioInput(ctx context.Context, streamID string) (AudioInput, error)
	StopStream(ctx context.Context, streamID string) error
}

// Handle is one live avatar stream. At most one exists per controller.
type Handle struct {
	mu       sync.Mutex
	streamID string
	input    AudioInput
	svc      Service
	torn     bool
}

// Controller owns the avatar stream lifecycle for a session.
type Controller struct {
	svc Service

	mu     sync.Mutex
	active *Handle
}

func NewController(svc Service) *Controller {
	return &Controller{svc: svc}
}

// Initialize starts a new avatar stream bound to sessionToken and renders it
// into sink. If a live handle already exists it is fully torn down, and its
// release awaited, before the new stream is created; the provider rejects
// overlapping sessions. The audio-input sink is created only after the video
// stream has confirmed started, a hard provider constraint.
func (c *Controller) Initialize(ctx context.Context, sessionToken string, sink VideoSink) (*Handle, error) {
	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()
	if prev != nil {
		c.Teardown(prev)
	}

	info, err := c.svc.StartStream(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("start avatar stream: %w", err)
	}
	if sink != nil {
		sink.AttachStream(info.PlaybackURL)
	}

	input, err := c.svc.CreateAudioInput(ctx, info.StreamID)
	if err != nil {
		// The video stream is live but unusable without its audio feed.
		if stopErr := c.svc.StopStream(ctx, info.StreamID); stopErr != nil {
			log.Printf("avatar: stop stream %s after audio-input failure: %v", info.StreamID, stopErr)
		}
		return nil, fmt.Errorf("create avatar audio input: %w", err)
	}

	h := &Handle{streamID: info.StreamID, input: input, svc: c.svc}
	c.mu.Lock()
	c.active = h
	c.mu.Unlock()
	return h, nil
}

// FeedAudioChunk forwards one decoded audio chunk to the avatar. No-op if
// the handle has been torn down.
func (c *Controller) FeedAudioChunk(h *Handle, audioBase64 string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.torn {
		h.mu.Unlock()
		return
	}
	input := h.input
	h.mu.Unlock()

	if err := input.SendChunk(audioBase64); err != nil {
		log.Printf("avatar: feed audio chunk: %v", err)
	}
}

// Teardown stops all streaming for h. Idempotent; teardown errors are logged
// and never block the caller's cleanup.
func (c *Controller) Teardown(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.torn {
		h.mu.Unlock()
		return
	}
	h.torn = true
	input := h.input
	streamID := h.streamID
	h.mu.Unlock()

	if input != nil {
		if err := input.Close(); err != nil {
			log.Printf("avatar: close audio input for %s: %v", streamID, err)
		}
	}
	if err := h.svc.StopStream(context.Background(), streamID); err != nil {
		log.Printf("avatar: stop stream %s: %v", streamID, err)
	}

	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.mu.Unlock()
}

// Active reports whether a live handle exists.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}
