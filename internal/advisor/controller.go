package advisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/loanlens/loanlens/internal/avatar"
	"github.com/loanlens/loanlens/internal/observability"
	"github.com/loanlens/loanlens/internal/protocol"
	"github.com/loanlens/loanlens/internal/relay"
	"github.com/loanlens/loanlens/internal/reliability"
	"github.com/loanlens/loanlens/internal/slot"
	"github.com/loanlens/loanlens/internal/transcript"
)

// State is the session lifecycle position.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateEnding       State = "ending"
	StateEnded        State = "ended"
	StateFailed       State = "failed"
)

// VoiceRelay is the advisor's view of the audio relay transport.
type VoiceRelay interface {
	Connect(ctx context.Context, agentID string, cb relay.Callbacks, source relay.AudioSource) error
	SetInitialMessage(text string)
	Disconnect()
}

// AvatarStreamer is the advisor's view of the avatar stream controller.
type AvatarStreamer interface {
	Initialize(ctx context.Context, sessionToken string, sink avatar.VideoSink) (*avatar.Handle, error)
	FeedAudioChunk(h *avatar.Handle, audioBase64 string)
	Teardown(h *avatar.Handle)
}

// ContextPreloader warms the document-retrieval context before streaming.
type ContextPreloader interface {
	InitializeContext(ctx context.Context, sessionID string) error
}

type Config struct {
	SessionID         string
	DurationBudget    time.Duration
	AutoStart         bool
	AutoStartDelay    time.Duration
	NoticeAutoDismiss time.Duration
}

const (
	outboundSendTimeout = 2 * time.Second
	slotReleaseTimeout  = 5 * time.Second
	preloadTimeout      = 10 * time.Second
)

const timeUpNotice = "Time's up. Session has ended!"

// Controller drives one advisor session from slot admission through teardown.
// All stream handles, the slot token, and the pending lifecycle flags live
// here, session-scoped, never in package state.
type Controller struct {
	cfg     Config
	slots   slot.Coordinator
	avatars AvatarStreamer
	relay   VoiceRelay
	preload ContextPreloader
	metrics *observability.Metrics
	log     *transcript.Log

	outbound chan<- any

	// now and tickEvery exist so countdown tests can drive the clock.
	now       func() time.Time
	tickEvery time.Duration

	mu            sync.Mutex
	state         State
	grant         slot.Grant
	hasGrant      bool
	handle        *avatar.Handle
	source        *relay.BridgeSource
	initInFlight  bool
	initialized   bool
	autoStartDone bool
	ending        bool
	disposed      bool
	startedAt     time.Time
	remaining     int
	tickCancel    context.CancelFunc
	autoCancel    context.CancelFunc
	noticeCancel  context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func NewController(
	cfg Config,
	slots slot.Coordinator,
	avatars AvatarStreamer,
	voiceRelay VoiceRelay,
	preload ContextPreloader,
	metrics *observability.Metrics,
	outbound chan<- any,
) *Controller {
	if cfg.DurationBudget <= 0 {
		cfg.DurationBudget = 3 * time.Minute
	}
	if cfg.AutoStartDelay <= 0 {
		cfg.AutoStartDelay = 2 * time.Second
	}
	if cfg.NoticeAutoDismiss <= 0 {
		cfg.NoticeAutoDismiss = 5 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		slots:     slots,
		avatars:   avatars,
		relay:     voiceRelay,
		preload:   preload,
		metrics:   metrics,
		log:       transcript.NewLog(),
		outbound:  outbound,
		now:       time.Now,
		tickEvery: 250 * time.Millisecond,
		state:     StateInitializing,
		remaining: int(cfg.DurationBudget / time.Second),
		done:      make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemainingSeconds reports the countdown value.
func (c *Controller) RemainingSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Transcript exposes the session's turn log.
func (c *Controller) Transcript() *transcript.Log { return c.log }

// Done closes when the session has fully ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run hosts the session for one websocket connection: initialize, then
// dispatch inbound client messages until the connection drops or the
// session ends.
func (c *Controller) Run(ctx context.Context, inbound <-chan any) error {
	c.Initialize(ctx)
	for {
		select {
		case <-ctx.Done():
			c.Dispose()
			return nil
		case <-c.done:
			return nil
		case msg, ok := <-inbound:
			if !ok {
				c.Dispose()
				return nil
			}
			switch m := msg.(type) {
			case protocol.ClientAudioChunk:
				c.PushAudio(m.PCM16Base64)
			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionStart:
					c.Start(ctx)
				case protocol.ActionStop:
					c.Stop()
				case protocol.ActionRetry:
					c.Retry(ctx)
				case protocol.ActionSetInitialMessage:
					c.SetInitialMessage(m.Text)
				}
			}
		}
	}
}

// Initialize acquires the session slot, warms document context, and brings
// the avatar stream up. It runs at most once per controller; a concurrent
// second call is absorbed by the in-flight lock since the hosting layer may
// invoke setup twice in quick succession.
func (c *Controller) Initialize(ctx context.Context) {
	c.mu.Lock()
	if c.disposed || c.initInFlight || c.initialized {
		c.mu.Unlock()
		return
	}
	c.initInFlight = true
	c.state = StateInitializing
	c.mu.Unlock()
	c.emitState()

	acquireStart := time.Now()
	grant, err := c.slots.Acquire(ctx)
	if err != nil {
		c.failInit("slot", err)
		return
	}
	c.metrics.ObserveSlotAcquireLatency(time.Since(acquireStart))
	c.metrics.SessionEvents.WithLabelValues("slot_acquired").Inc()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		c.releaseSlotToken(grant.Token)
		return
	}
	c.grant = grant
	c.hasGrant = true
	c.mu.Unlock()

	if c.preload != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
			defer cancel()
			if err := c.preload.InitializeContext(pctx, c.cfg.SessionID); err != nil {
				// Best effort: the session proceeds without preloaded context.
				log.Printf("advisor %s: context preload failed: %v", c.cfg.SessionID, err)
			}
		}()
	}

	handle, err := c.avatars.Initialize(ctx, grant.AgentSessionToken, videoSink{c})
	if err != nil {
		c.mu.Lock()
		c.hasGrant = false
		c.mu.Unlock()
		c.releaseSlotToken(grant.Token)
		c.failInit("avatar", err)
		return
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		c.avatars.Teardown(handle)
		c.mu.Lock()
		c.hasGrant = false
		c.mu.Unlock()
		c.releaseSlotToken(grant.Token)
		return
	}
	c.handle = handle
	c.initialized = true
	c.initInFlight = false
	c.state = StateReady
	c.mu.Unlock()
	c.metrics.SessionEvents.WithLabelValues("ready").Inc()
	c.emitState()

	c.scheduleAutoStart(ctx)
}

func (c *Controller) scheduleAutoStart(ctx context.Context) {
	c.mu.Lock()
	if !c.cfg.AutoStart || c.autoStartDone || c.disposed {
		c.mu.Unlock()
		return
	}
	c.autoStartDone = true
	autoCtx, cancel := context.WithCancel(context.Background())
	c.autoCancel = cancel
	c.mu.Unlock()

	go func() {
		timer := time.NewTimer(c.cfg.AutoStartDelay)
		defer timer.Stop()
		select {
		case <-autoCtx.Done():
			return
		case <-timer.C:
		}
		c.mu.Lock()
		stale := c.disposed || c.state != StateReady
		c.mu.Unlock()
		if stale {
			return
		}
		c.Start(ctx)
	}()
}

func (c *Controller) failInit(provider string, err error) {
	kind := reliability.KindOf(err)
	c.metrics.ProviderErrors.WithLabelValues(provider, string(kind)).Inc()
	log.Printf("advisor %s: initialization failed (%s): %v", c.cfg.SessionID, provider, err)

	c.mu.Lock()
	if c.disposed {
		c.initInFlight = false
		c.mu.Unlock()
		return
	}
	c.initInFlight = false
	c.state = StateFailed
	c.mu.Unlock()
	c.metrics.SessionEvents.WithLabelValues("init_failed").Inc()
	c.emitState()
	c.showNotice(kind, true)
}

// Start moves a READY session into the live conversation: it opens the voice
// agent channel and, once the channel is ready, activates the countdown.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.disposed || c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	source := relay.NewBridgeSource(256)
	c.source = source
	grant := c.grant
	c.mu.Unlock()
	c.emitState()

	cb := relay.Callbacks{
		OnReady: func() { c.onAgentReady() },
		OnAudio: func(b64 string) {
			c.mu.Lock()
			handle := c.handle
			c.mu.Unlock()
			c.avatars.FeedAudioChunk(handle, b64)
			c.emit(protocol.AgentAudioChunk{
				Type:        protocol.TypeAgentAudio,
				SessionID:   c.cfg.SessionID,
				AudioBase64: b64,
			})
		},
		OnUserTranscript:  func(text string) { c.appendTurn(transcript.RoleUser, text) },
		OnAgentTranscript: func(text string) { c.appendTurn(transcript.RoleAgent, text) },
		OnInterruption: func(reason string) {
			c.emit(protocol.AgentInterrupted{
				Type:      protocol.TypeAgentInterrupted,
				SessionID: c.cfg.SessionID,
				Reason:    reason,
			})
		},
		OnDisconnected: func() { c.onRelayDisconnected() },
		OnError: func(err error) {
			kind := reliability.KindOf(err)
			c.metrics.ProviderErrors.WithLabelValues("voice_agent", string(kind)).Inc()
			if kind == reliability.KindBestEffort {
				log.Printf("advisor %s: voice agent: %v", c.cfg.SessionID, err)
				return
			}
			c.showNotice(kind, false)
		},
	}

	if err := c.relay.Connect(ctx, grant.VoiceAgentID, cb, source); err != nil {
		if errors.Is(err, relay.ErrConnectInProgress) {
			return
		}
		kind := reliability.KindOf(err)
		c.metrics.ProviderErrors.WithLabelValues("voice_agent", string(kind)).Inc()
		log.Printf("advisor %s: voice agent connect failed: %v", c.cfg.SessionID, err)

		c.mu.Lock()
		if c.state == StateConnecting && !c.disposed {
			c.state = StateReady
		}
		c.source = nil
		c.mu.Unlock()
		_ = source.Stop()
		c.emitState()
		c.showNotice(kind, true)
	}
}

func (c *Controller) onAgentReady() {
	c.mu.Lock()
	if c.disposed || c.ending || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.startedAt = c.now()
	c.remaining = int(c.cfg.DurationBudget / time.Second)
	tickCtx, cancel := context.WithCancel(context.Background())
	c.tickCancel = cancel
	c.mu.Unlock()

	c.metrics.ActiveSessions.Inc()
	c.metrics.SessionEvents.WithLabelValues("connected").Inc()
	c.appendTurn(transcript.RoleSystem, "Connected to your loan advisor.")
	c.emitState()
	go c.runCountdown(tickCtx)
}

// onRelayDisconnected handles the voice channel dropping out from under a
// live session. Deliberate teardown fires the relay's disconnect callback
// too, so it is ignored once ending; an unexpected drop returns the session
// to READY for a manual restart.
func (c *Controller) onRelayDisconnected() {
	c.mu.Lock()
	if c.disposed || c.ending || (c.state != StateActive && c.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == StateActive
	c.state = StateReady
	tickCancel := c.tickCancel
	c.tickCancel = nil
	source := c.source
	c.source = nil
	c.mu.Unlock()

	if tickCancel != nil {
		tickCancel()
	}
	if source != nil {
		_ = source.Stop()
	}
	if wasActive {
		c.metrics.ActiveSessions.Dec()
	}
	c.metrics.SessionEvents.WithLabelValues("relay_dropped").Inc()
	log.Printf("advisor %s: voice agent channel dropped", c.cfg.SessionID)
	c.emitState()
	c.showNotice(reliability.KindTransient, true)
}

// runCountdown anchors the remaining time to the wall clock so suspended or
// backgrounded execution cannot drift the budget. The tick that first brings
// the value to zero is the one that terminates the session.
func (c *Controller) runCountdown(ctx context.Context) {
	ticker := time.NewTicker(c.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.ending || c.state != StateActive {
			c.mu.Unlock()
			return
		}
		elapsed := c.now().Sub(c.startedAt)
		rem := int(c.cfg.DurationBudget/time.Second) - int(elapsed/time.Second)
		if rem < 0 {
			rem = 0
		}
		changed := rem != c.remaining
		c.remaining = rem
		c.mu.Unlock()

		if changed {
			c.emit(protocol.CountdownTick{
				Type:             protocol.TypeCountdownTick,
				SessionID:        c.cfg.SessionID,
				RemainingSeconds: rem,
			})
		}
		if rem == 0 {
			c.endSession("timeout")
			return
		}
	}
}

// Stop ends the session on user request.
func (c *Controller) Stop() {
	c.endSession("user_stop")
}

// Dispose marks the controller unmounted: late async completions become
// stale and the teardown sequence runs exactly once.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	alreadyOver := c.state == StateEnded
	c.mu.Unlock()
	if !alreadyOver {
		c.endSession("disposed")
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Retry re-enters initialization from FAILED, clearing all prior handles
// first.
func (c *Controller) Retry(ctx context.Context) {
	c.mu.Lock()
	if c.disposed || c.state != StateFailed {
		c.mu.Unlock()
		return
	}
	handle := c.handle
	c.handle = nil
	grant := c.grant
	hasGrant := c.hasGrant
	c.hasGrant = false
	c.initialized = false
	c.initInFlight = false
	c.ending = false
	c.mu.Unlock()

	c.relay.Disconnect()
	if handle != nil {
		c.avatars.Teardown(handle)
	}
	if hasGrant {
		c.releaseSlotToken(grant.Token)
	}
	c.metrics.SessionEvents.WithLabelValues("retry").Inc()
	c.Initialize(ctx)
}

// PushAudio forwards one browser microphone frame to the voice relay.
func (c *Controller) PushAudio(pcm16Base64 string) {
	c.mu.Lock()
	source := c.source
	c.mu.Unlock()
	if source == nil {
		return
	}
	source.Push(pcm16Base64)
}

// SetInitialMessage passes the opening utterance to the relay, which holds
// it until the agent channel initializes.
func (c *Controller) SetInitialMessage(text string) {
	c.relay.SetInitialMessage(text)
}

// endSession runs the teardown sequence exactly once, in the fixed order
// [voice relay disconnect, avatar teardown, slot release]. The relay goes
// first so no in-flight audio frame lands on a stopped avatar sink.
func (c *Controller) endSession(reason string) {
	c.mu.Lock()
	if c.ending || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.ending = true
	wasActive := c.state == StateActive
	c.state = StateEnding
	tickCancel := c.tickCancel
	autoCancel := c.autoCancel
	noticeCancel := c.noticeCancel
	c.tickCancel = nil
	c.autoCancel = nil
	c.noticeCancel = nil
	handle := c.handle
	c.handle = nil
	grant := c.grant
	hasGrant := c.hasGrant
	c.hasGrant = false
	c.source = nil
	c.mu.Unlock()

	for _, cancel := range []context.CancelFunc{tickCancel, autoCancel, noticeCancel} {
		if cancel != nil {
			cancel()
		}
	}
	if reason == "timeout" {
		c.appendTurn(transcript.RoleSystem, timeUpNotice)
	}
	c.emitState()

	c.relay.Disconnect()
	if handle != nil {
		c.avatars.Teardown(handle)
	}
	if hasGrant {
		c.releaseSlotToken(grant.Token)
	}

	c.mu.Lock()
	c.state = StateEnded
	c.mu.Unlock()

	if wasActive {
		c.metrics.ActiveSessions.Dec()
	}
	c.metrics.SessionEvents.WithLabelValues("ended_" + reason).Inc()
	c.emit(protocol.SessionSummary{
		Type:      protocol.TypeSessionSummary,
		SessionID: c.cfg.SessionID,
		Reason:    reason,
		Turns:     c.log.Snapshot(),
	})
	c.emitState()
	c.doneOnce.Do(func() { close(c.done) })
}

// releaseSlotToken is best effort: a failed release is logged, never
// retried, and never blocks local cleanup.
func (c *Controller) releaseSlotToken(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), slotReleaseTimeout)
	defer cancel()
	if err := c.slots.Release(ctx, token); err != nil {
		c.metrics.ProviderErrors.WithLabelValues("slot", string(reliability.KindBestEffort)).Inc()
		log.Printf("advisor %s: slot release failed: %v", c.cfg.SessionID, err)
	}
}

func (c *Controller) appendTurn(role transcript.Role, text string) {
	turn := c.log.Append(role, text)
	c.emit(protocol.TranscriptTurn{
		Type:      protocol.TypeTranscriptTurn,
		SessionID: c.cfg.SessionID,
		Role:      turn.Role,
		Text:      turn.Text,
		Seq:       turn.Seq,
	})
}

func (c *Controller) emitState() {
	c.mu.Lock()
	state := c.state
	remaining := c.remaining
	c.mu.Unlock()
	c.emit(protocol.SessionState{
		Type:             protocol.TypeSessionState,
		SessionID:        c.cfg.SessionID,
		State:            string(state),
		RemainingSeconds: remaining,
	})
}

func (c *Controller) showNotice(kind reliability.Kind, retryable bool) {
	text := noticeText(kind)
	c.emit(protocol.Notice{
		Type:          protocol.TypeNotice,
		SessionID:     c.cfg.SessionID,
		Kind:          string(kind),
		Text:          text,
		Retryable:     retryable,
		AutoDismissMS: c.cfg.NoticeAutoDismiss.Milliseconds(),
	})

	c.mu.Lock()
	if c.noticeCancel != nil {
		c.noticeCancel()
	}
	nctx, cancel := context.WithCancel(context.Background())
	c.noticeCancel = cancel
	c.mu.Unlock()

	go func() {
		timer := time.NewTimer(c.cfg.NoticeAutoDismiss)
		defer timer.Stop()
		select {
		case <-nctx.Done():
			return
		case <-timer.C:
		}
		c.emit(protocol.NoticeCleared{
			Type:      protocol.TypeNoticeCleared,
			SessionID: c.cfg.SessionID,
		})
	}()
}

func noticeText(kind reliability.Kind) string {
	switch kind {
	case reliability.KindFatalConfig:
		return "The advisor service is not configured. Please contact support."
	case reliability.KindConcurrencyLimit:
		return "All advisor sessions are in use right now. Please wait a minute and try again."
	default:
		return "Connection problem. Please try again."
	}
}

func (c *Controller) emit(msg any) {
	if c.outbound == nil {
		return
	}
	timer := time.NewTimer(outboundSendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
	case <-timer.C:
		// The bridge is wedged; drop rather than stall the session loop.
	}
}

// videoSink forwards the avatar playback location to the browser.
type videoSink struct{ c *Controller }

func (s videoSink) AttachStream(playbackURL string) {
	s.c.emit(protocol.AvatarStream{
		Type:        protocol.TypeAvatarStream,
		SessionID:   s.c.cfg.SessionID,
		PlaybackURL: playbackURL,
	})
}
