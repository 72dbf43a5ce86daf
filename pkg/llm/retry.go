package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxAttempts bounds the retry loop when the caller passes zero.
const DefaultMaxAttempts = 3

// IsRetryable reports whether an error is transient: rate limits, server
// errors and network resets are retried, everything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") ||
		strings.Contains(msg, "connection reset") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}

// WithRetry invokes fn with exponential backoff (1s, 2s, 4s, ...) until it
// succeeds, fails permanently, or maxAttempts is exhausted. Context
// cancellation aborts the wait.
func WithRetry(ctx context.Context, maxAttempts int, fn func() (*Response, error)) (*Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		log.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxAttempts, lastErr)
}
