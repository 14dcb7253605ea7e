package reliability

import (
	"errors"
	"time"
)

// Kind buckets a failure into the handling policy it deserves.
type Kind string

const (
	// KindFatalConfig covers missing server-side credentials or identifiers.
	// There is no retry path without operator intervention.
	KindFatalConfig Kind = "fatal_config"
	// KindConcurrencyLimit means a provider is at capacity. The session is
	// retryable after a delay.
	KindConcurrencyLimit Kind = "concurrency_limit"
	// KindTransient covers socket errors and failed fetches.
	KindTransient Kind = "transient"
	// KindBestEffort failures are logged and never surfaced to the user.
	KindBestEffort Kind = "best_effort"
)

// Classified wraps an error with its handling kind.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return string(c.Kind)
	}
	return c.Err.Error()
}

func (c *Classified) Unwrap() error { return c.Err }

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// KindOf extracts the classified kind, defaulting to transient for
// unclassified errors.
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindTransient
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsConcurrencyLimitHTTPStatus reports whether a status code signals the
// provider is at its simultaneous-session capacity.
func IsConcurrencyLimitHTTPStatus(code int) bool {
	return code == 429
}

// IsRetryableRealtimeMessageType classifies retryable upstream realtime errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
