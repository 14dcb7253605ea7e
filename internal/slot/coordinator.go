package slot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loanlens/loanlens/internal/reliability"
)

// ErrSlotBusy is returned when a live lease is already held. The reference
// behavior silently overwrote the previous holder; admission now makes an
// explicit decision and rejects instead.
var ErrSlotBusy = errors.New("advisor slot already in use")

// Grant is the ephemeral credential bundle handed to a session on admission.
type Grant struct {
	Token             string    `json:"slot_token"`
	AgentSessionToken string    `json:"agent_session_token"`
	VoiceAgentID      string    `json:"voice_agent_id"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// TokenIssuer mints the short-lived avatar session token bundled with a grant.
type TokenIssuer interface {
	IssueSessionToken(ctx context.Context) (string, error)
}

// Coordinator bounds concurrent advisor sessions with an acquire/release
// ticket protocol. Release with a stale or foreign token is a silent no-op.
type Coordinator interface {
	Acquire(ctx context.Context) (Grant, error)
	Release(ctx context.Context, token string) error
}

// MemoryCoordinator holds the single slot as explicit in-process state,
// guarded by one writer lock. Leases carry a TTL so an abandoned slot is
// reclaimable.
type MemoryCoordinator struct {
	issuer       TokenIssuer
	voiceAgentID string
	ttl          time.Duration
	now          func() time.Time

	mu          sync.Mutex
	activeToken string
	expiresAt   time.Time
}

func NewMemoryCoordinator(issuer TokenIssuer, voiceAgentID string, ttl time.Duration) *MemoryCoordinator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCoordinator{
		issuer:       issuer,
		voiceAgentID: strings.TrimSpace(voiceAgentID),
		ttl:          ttl,
		now:          time.Now,
	}
}

func (c *MemoryCoordinator) Acquire(ctx context.Context) (Grant, error) {
	if c.issuer == nil || c.voiceAgentID == "" {
		return Grant{}, reliability.Wrap(reliability.KindFatalConfig,
			errors.New("advisor credentials are not configured"))
	}

	token := uuid.NewString()
	now := c.now()

	c.mu.Lock()
	if c.activeToken != "" && now.Before(c.expiresAt) {
		c.mu.Unlock()
		return Grant{}, reliability.Wrap(reliability.KindConcurrencyLimit, ErrSlotBusy)
	}
	c.activeToken = token
	c.expiresAt = now.Add(c.ttl)
	expiresAt := c.expiresAt
	c.mu.Unlock()

	sessionToken, err := c.issuer.IssueSessionToken(ctx)
	if err != nil {
		// Give the slot back so the failed acquirer does not wedge admission.
		_ = c.Release(ctx, token)
		return Grant{}, fmt.Errorf("issue avatar session token: %w", err)
	}

	return Grant{
		Token:             token,
		AgentSessionToken: sessionToken,
		VoiceAgentID:      c.voiceAgentID,
		ExpiresAt:         expiresAt,
	}, nil
}

func (c *MemoryCoordinator) Release(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != "" && token == c.activeToken {
		c.activeToken = ""
		c.expiresAt = time.Time{}
	}
	return nil
}

// Active reports the currently held token, if any.
func (c *MemoryCoordinator) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeToken == "" || !c.now().Before(c.expiresAt) {
		return "", false
	}
	return c.activeToken, true
}

// SetClock overrides the coordinator's time source for tests.
func (c *MemoryCoordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
