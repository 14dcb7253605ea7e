package relay

import (
	"context"
	"sync"
)

// BridgeSource adapts microphone frames arriving over the browser websocket
// into an AudioSource the transport can drain. Frames pushed before the
// transport starts draining are buffered; once the buffer is full the newest
// frame is dropped rather than blocking the bridge.
type BridgeSource struct {
	mu      sync.Mutex
	frames  chan string
	stopped bool
}

func NewBridgeSource(buffer int) *BridgeSource {
	if buffer <= 0 {
		buffer = 256
	}
	return &BridgeSource{frames: make(chan string, buffer)}
}

// Push enqueues one base64 PCM16 frame. Returns false if the frame was
// dropped (source stopped or buffer saturated).
func (s *BridgeSource) Push(frame string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *BridgeSource) Start(_ context.Context) (<-chan string, error) {
	return s.frames, nil
}

// Stop releases the capture feed. Idempotent; Push becomes a no-op.
func (s *BridgeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.frames)
	return nil
}

// Stopped reports whether the source has been released.
func (s *BridgeSource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
