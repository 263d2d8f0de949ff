package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"nearby-alerts/pkg/notifier"
	"nearby-alerts/push"
)

// DeliveryOutcome summarizes one record's push delivery across its tokens.
type DeliveryOutcome struct {
	State    notifier.DeliveryState
	Sent     int
	Pruned   int
	Failed   int
	Attempts int
}

// Redeliver loads the recipient's tokens and delivers rec. Token lookup
// failures leave the record pending for the sweeper.
func (d *Dispatcher) Redeliver(ctx context.Context, rec *notifier.NotificationRecord) DeliveryOutcome {
	tokens, err := d.tokens.Tokens(ctx, rec.UserID)
	if err != nil {
		d.metrics.incError("load_tokens")
		d.logger.Error("Push token lookup failed", "user_id", rec.UserID, "notification_id", rec.ID, "error", err)
		return DeliveryOutcome{State: rec.DeliveryState}
	}
	return d.DeliverPush(ctx, rec, tokens)
}

// DeliverPush sends rec to every token. Per token: success counts as sent, a
// permanently rejected token is pruned and skipped, anything else is retried
// with exponential backoff until DeliveryAttempts is spent. The record ends
// sent if any token got it, failed if every remaining token exhausted its
// retries, and stays pending when there was no usable token or ctx ended.
func (d *Dispatcher) DeliverPush(ctx context.Context, rec *notifier.NotificationRecord, tokens []notifier.PushToken) DeliveryOutcome {
	out := DeliveryOutcome{State: rec.DeliveryState}
	if len(tokens) == 0 {
		d.metrics.incDelivery(OutcomeNoTokens)
		d.logger.Debug("No push tokens, record is in-app only", "user_id", rec.UserID, "notification_id", rec.ID)
		return out
	}

	start := time.Now()
	unread, err := d.store.UnreadCount(ctx, rec.UserID)
	if err != nil {
		d.logger.Warn("Unread count unavailable for badge", "user_id", rec.UserID, "error", err)
		unread = 0
	}

	for _, tok := range tokens {
		attempts, err := d.send(ctx, push.Format(rec, tok.Token, unread))
		if attempts > out.Attempts {
			out.Attempts = attempts
		}
		switch {
		case err == nil:
			out.Sent++
			d.metrics.incDelivery(OutcomeSent)
		case push.IsInvalidToken(err):
			out.Pruned++
			d.metrics.incDelivery(OutcomeInvalidToken)
			d.prune(ctx, tok, err)
		default:
			out.Failed++
			d.metrics.incDelivery(OutcomeFailed)
			d.logger.Warn("Push send gave up for token",
				"user_id", rec.UserID,
				"notification_id", rec.ID,
				"platform", tok.Platform,
				"attempts", attempts,
				"error", err)
		}
	}
	d.metrics.observeDuration(time.Since(start).Seconds())

	if ctx.Err() != nil {
		d.logger.Info("Delivery interrupted, leaving record pending", "notification_id", rec.ID, "error", ctx.Err())
		return out
	}

	switch {
	case out.Sent > 0:
		out.State = notifier.DeliverySent
	case out.Failed > 0:
		out.State = notifier.DeliveryFailed
	default:
		return out
	}

	if err := d.store.UpdateDelivery(ctx, rec.ID, out.State, rec.DeliveryAttempts+out.Attempts); err != nil {
		d.metrics.incError("update_delivery")
		d.logger.Error("Delivery state write failed", "notification_id", rec.ID, "state", out.State, "error", err)
		return out
	}

	if out.State == notifier.DeliveryFailed {
		d.logger.Error("Push delivery failed",
			"user_id", rec.UserID,
			"error", fmt.Errorf("notification %s: %w", rec.ID, notifier.ErrDeliveryFailed))
	} else {
		d.logger.Info("Push delivered",
			"user_id", rec.UserID,
			"notification_id", rec.ID,
			"sent", out.Sent,
			"pruned", out.Pruned,
			"failed", out.Failed)
	}
	return out
}

// send makes up to DeliveryAttempts attempts. Permanent rejections stop at once.
func (d *Dispatcher) send(ctx context.Context, msg push.Message) (int, error) {
	attempts := 0
	var lastErr error
	err := retry.Do(
		func() error {
			attempts++
			lastErr = d.provider.Send(ctx, msg)
			if lastErr != nil && push.IsPermanent(lastErr) {
				return retry.Unrecoverable(lastErr)
			}
			return lastErr
		},
		retry.Attempts(d.cfg.DeliveryAttempts),
		retry.Delay(d.cfg.RetryDelay),
		retry.MaxDelay(d.cfg.MaxRetryDelay),
		retry.MaxJitter(d.jitter()),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying push send after error", "attempt", n+1, "error", err)
		}),
	)
	if err == nil {
		return attempts, nil
	}
	if lastErr == nil {
		return attempts, err
	}
	return attempts, lastErr
}

func (d *Dispatcher) prune(ctx context.Context, tok notifier.PushToken, cause error) {
	if err := d.tokens.PruneToken(ctx, tok.UserID, tok.Token); err != nil {
		d.metrics.incError("prune_token")
		d.logger.Error("Token prune failed", "user_id", tok.UserID, "error", err)
		return
	}
	d.metrics.incPruned()
	d.logger.Info("Pruned rejected push token", "user_id", tok.UserID, "platform", tok.Platform, "reason", cause)
}
