package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// RetryConfig bounds how hard a derived payload is pushed at the transport
// before the original message is returned for redelivery.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// SetDefaults fills unset fields.
func (c *RetryConfig) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Validate rejects inconsistent bounds.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("retry: MaxDelay %s is below InitialDelay %s", c.MaxDelay, c.InitialDelay)
	}
	return nil
}

// delay returns the wait before the attempt following attempt (0-based).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return d
}

// publish pushes one payload, retrying with exponential backoff. It gives up
// early when ctx is done or the transport is closed.
func (h *Handler) publish(ctx context.Context, destination string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < h.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = h.publisher.Publish(ctx, destination, payload)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, transport.ErrClosed) || faults.IsPoison(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == h.retry.MaxAttempts-1 {
			break
		}
		h.recorder.PublishRetried()

		timer := time.NewTimer(h.retry.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", destination, h.retry.MaxAttempts, lastErr)
}
