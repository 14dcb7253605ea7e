package slot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanlens/loanlens/internal/reliability"
)

// PostgresCoordinator stores the slot as a TTL lease in a shared table so
// multiple service processes agree on the single active session. The
// in-memory coordinator remains the default for single-process deployments.
type PostgresCoordinator struct {
	pool         *pgxpool.Pool
	issuer       TokenIssuer
	voiceAgentID string
	slotName     string
	ttl          time.Duration
}

func NewPostgresCoordinator(ctx context.Context, databaseURL string, issuer TokenIssuer, voiceAgentID string, ttl time.Duration) (*PostgresCoordinator, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PostgresCoordinator{
		pool:         pool,
		issuer:       issuer,
		voiceAgentID: strings.TrimSpace(voiceAgentID),
		slotName:     "advisor",
		ttl:          ttl,
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS advisor_slot_leases (
			slot_name TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (c *PostgresCoordinator) Acquire(ctx context.Context) (Grant, error) {
	if c.issuer == nil || c.voiceAgentID == "" {
		return Grant{}, reliability.Wrap(reliability.KindFatalConfig,
			errors.New("advisor credentials are not configured"))
	}

	token := uuid.NewString()
	expiresAt := time.Now().UTC().Add(c.ttl)

	var claimed string
	err := c.pool.QueryRow(ctx,
		`INSERT INTO advisor_slot_leases (slot_name, token, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (slot_name) DO UPDATE
		 SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		 WHERE advisor_slot_leases.expires_at <= now()
		 RETURNING token`,
		c.slotName, token, expiresAt,
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, reliability.Wrap(reliability.KindConcurrencyLimit, ErrSlotBusy)
	}
	if err != nil {
		return Grant{}, fmt.Errorf("claim slot lease: %w", err)
	}

	sessionToken, err := c.issuer.IssueSessionToken(ctx)
	if err != nil {
		_ = c.Release(ctx, claimed)
		return Grant{}, fmt.Errorf("issue avatar session token: %w", err)
	}

	return Grant{
		Token:             claimed,
		AgentSessionToken: sessionToken,
		VoiceAgentID:      c.voiceAgentID,
		ExpiresAt:         expiresAt,
	}, nil
}

func (c *PostgresCoordinator) Release(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	// Token mismatch deletes nothing, which is the stale-release no-op.
	_, err := c.pool.Exec(ctx,
		`DELETE FROM advisor_slot_leases WHERE slot_name = $1 AND token = $2`,
		c.slotName, token,
	)
	if err != nil {
		return fmt.Errorf("release slot lease: %w", err)
	}
	return nil
}

func (c *PostgresCoordinator) Close() error {
	c.pool.Close()
	return nil
}
