package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flotilla/internal/logging"
)

const (
	defaultPublishRetries = 3
	defaultPublishBackoff = 100 * time.Millisecond
)

// Publisher wraps a broker with bounded publish retries. Transient broker
// failures are retried with linear backoff; exhausting the budget escalates
// to ErrUnavailable so callers can treat the broker as down.
type Publisher struct {
	broker  Broker
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewPublisher builds a Publisher. Non-positive retries or backoff fall back
// to defaults. A nil logger discards retry warnings.
func NewPublisher(b Broker, retries int, backoff time.Duration, logger *slog.Logger) *Publisher {
	if retries <= 0 {
		retries = defaultPublishRetries
	}
	if backoff <= 0 {
		backoff = defaultPublishBackoff
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{broker: b, retries: retries, backoff: backoff, logger: logger}
}

// Publish attempts to publish until it succeeds or the retry budget runs out.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	attempts := p.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.broker.Publish(ctx, channel, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			break
		}
		p.logger.Warn("publish failed, retrying",
			logging.String(logging.FieldChannel, channel),
			logging.Int("attempt", attempt),
			logging.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * p.backoff):
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w (last: %v)", channel, attempts, ErrUnavailable, lastErr)
}
