package mqx

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/workflow"
)

const attemptHeader = "x-attempt"

// retryDelayCap bounds the per-message delay on the retry lane.
const retryDelayCap = time.Minute

type Handler func(ctx context.Context, env events.Envelope) error

type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Runner drains one subject and applies the delivery policy: handler errors
// classified as retryable are republished to the paired retry subject with a
// bumped attempt counter until MaxAttempts, then parked on the DLQ subject.
// Validation, invalid-transition, and business-rule errors go straight to the
// DLQ. The offset is committed once the message has been handled or handed
// off; if the hand-off publish itself fails the offset is withheld so the
// message is redelivered.
type Runner struct {
	Source      MessageSource
	Producer    Publisher
	Handler     Handler
	Subject     string
	MaxAttempts int
	Log         logx.Logger

	// Sleep is swapped out in tests. Nil means time.Sleep-style waiting on
	// the context clock.
	Sleep func(ctx context.Context, d time.Duration)
}

func (r *Runner) Run(ctx context.Context) error {
	if r.Source == nil || r.Producer == nil || r.Handler == nil {
		return errors.New("runner not initialized")
	}
	for {
		msg, err := r.Source.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if attempt := attemptOf(msg); attempt > 0 {
			r.wait(ctx, retryDelay(attempt))
		}
		if handled := r.handleOne(ctx, msg); !handled {
			// Keep the offset so the message comes back after a
			// rebalance or restart instead of being dropped.
			continue
		}
		if err := r.Source.CommitMessages(ctx, msg); err != nil {
			r.Log.Error(ctx, "commit_failed", "offset commit failed", slog.Any("error", err))
		}
	}
}

// handleOne reports whether the message reached a durable outcome: handled
// successfully, republished for retry, or parked on the DLQ.
func (r *Runner) handleOne(ctx context.Context, msg kafka.Message) bool {
	env, err := events.Deserialize(msg.Value)
	if err != nil {
		return r.park(ctx, msg, "malformed", err)
	}

	err = r.Handler(ctx, env)
	if err == nil {
		return true
	}

	attrs := []slog.Attr{
		logx.Subject(r.Subject),
		logx.Correlation(env.CorrelationID.String()),
		slog.String("event_id", env.EventID.String()),
		slog.Any("error", err),
	}

	if !errx.Retryable(err) {
		reason := "validation"
		var invalid *workflow.InvalidTransitionError
		switch {
		case errors.As(err, &invalid):
			reason = "invalid_transition"
		case errors.Is(err, errx.ErrBusinessRule):
			reason = "business_rule"
		}
		r.Log.Warn(ctx, "event_parked", "non-retryable failure, parking event", attrs...)
		return r.park(ctx, msg, reason, err)
	}

	attempt := attemptOf(msg) + 1
	if attempt >= r.MaxAttempts {
		r.Log.Error(ctx, "event_exhausted", "retry budget exhausted, parking event", attrs...)
		return r.park(ctx, msg, "max_attempts", err)
	}

	headers := map[string]string{attemptHeader: strconv.Itoa(attempt)}
	if pubErr := r.Producer.Publish(ctx, events.RetrySubject(r.Subject), msg.Key, msg.Value, headers); pubErr != nil {
		r.Log.Error(ctx, "retry_publish_failed", "could not republish for retry", append(attrs, slog.Any("publish_error", pubErr))...)
		return false
	}
	r.Log.Warn(ctx, "event_retried", "transient failure, republished for retry",
		append(attrs, slog.Int("attempt", attempt))...)
	return true
}

func (r *Runner) park(ctx context.Context, msg kafka.Message, reason string, cause error) bool {
	headers := map[string]string{
		"x-dlq-reason": reason,
		attemptHeader:  strconv.Itoa(attemptOf(msg)),
	}
	if cause != nil {
		headers["x-error"] = cause.Error()
	}
	if err := r.Producer.Publish(ctx, events.DLQSubject(r.Subject), msg.Key, msg.Value, headers); err != nil {
		r.Log.Error(ctx, "dlq_publish_failed", "could not park event",
			logx.Subject(r.Subject), slog.Any("error", err))
		return false
	}
	return true
}

func (r *Runner) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if r.Sleep != nil {
		r.Sleep(ctx, d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// retryDelay grows with the square of the attempt count, mirroring the
// outbox dispatcher's backoff.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * time.Second
	if d > retryDelayCap {
		return retryDelayCap
	}
	return d
}

func attemptOf(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key == attemptHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}
