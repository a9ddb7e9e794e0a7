package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/internal/retry"
	"github.com/camino-travel/switchboard/pkg/models"
)

// errNoConnector means the message's transport has no registered connector.
var errNoConnector = errors.New("gateway: no connector for channel")

// sender owns outbound delivery: per-attempt timeouts, bounded retries with
// backoff, and the sends/retries counters. Retry stops early on errors the
// channel layer marks non-retryable.
type sender struct {
	connectors *channels.Registry
	metrics    *observability.Metrics
	logger     *observability.Logger
	tracer     *observability.Tracer

	timeout  time.Duration
	attempts int
}

func newSender(connectors *channels.Registry, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer, timeout time.Duration, attempts int) *sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &sender{
		connectors: connectors,
		metrics:    metrics,
		logger:     logger,
		tracer:     tracer,
		timeout:    timeout,
		attempts:   attempts,
	}
}

func (s *sender) text(ctx context.Context, channel models.ChannelType, to, text string) (*models.DeliveryReceipt, error) {
	return s.deliver(ctx, channel, models.OutboundMessage{Recipient: to, Text: text})
}

// deliver sends one outbound message, choosing the richest connector call the
// payload supports. The returned error is the last attempt's error; callers
// inspect its channel error code to distinguish exhaustion from rejection.
func (s *sender) deliver(ctx context.Context, channel models.ChannelType, out models.OutboundMessage) (*models.DeliveryReceipt, error) {
	conn, ok := s.connectors.Get(channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoConnector, channel)
	}

	ctx, span := s.tracer.Start(ctx, "connector.send")
	defer span.End()
	s.tracer.SetAttributes(span, "channel", string(channel), "recipient", out.Recipient)

	var receipt *models.DeliveryReceipt
	result := retry.Do(ctx, retry.Config{
		MaxAttempts:  s.attempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
		OnRetry: func(attempt int, err error) {
			s.metrics.SendRetries.WithLabelValues(string(channel)).Inc()
			s.logger.Debug(ctx, "outbound send retrying",
				"channel", string(channel),
				"attempt", attempt,
				"error", err,
			)
		},
	}, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		var err error
		switch {
		case len(out.QuickReplies) > 0:
			receipt, err = conn.SendQuickReplies(attemptCtx, out.Recipient, out.Text, out.QuickReplies)
		case out.MediaURL != "":
			receipt, err = conn.SendMedia(attemptCtx, out.Recipient, out.MediaKind, out.MediaURL, out.Caption)
		default:
			receipt, err = conn.SendText(attemptCtx, out.Recipient, out.Text)
		}
		if err != nil && !channels.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})

	if result.Err != nil {
		s.tracer.RecordError(span, result.Err)
		s.metrics.SendsTotal.WithLabelValues(string(channel), sendStatus(result.Err)).Inc()
		return nil, result.Err
	}
	s.metrics.SendsTotal.WithLabelValues(string(channel), "ok").Inc()
	return receipt, nil
}

// sendStatus maps a failed delivery to its counter label. Retryable errors
// that exhausted their attempts stay retryable from the transport's point of
// view; everything else is permanent.
func sendStatus(err error) string {
	if channels.IsRetryable(err) {
		return "retryable_error"
	}
	return "permanent_error"
}

// isPermanentRejection reports whether the transport refused irrecoverably,
// meaning the conversation should stop receiving outbound attempts.
func isPermanentRejection(err error) bool {
	return channels.GetErrorCode(err) == channels.ErrCodePermanentRejection
}
