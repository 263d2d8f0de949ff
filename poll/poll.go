// Package poll re-drives push delivery for notification records that a
// crashed or interrupted handler left pending.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nearby-alerts/dispatch"
	"nearby-alerts/pkg/notifier"
)

const (
	maxPushesPerSweep = 200 // Safety limit: max records re-driven with a push attempt per sweep
	pageSize          = 200
)

// Store interface for pending record lookups.
type Store interface {
	PendingNotifications(ctx context.Context, before time.Time, offset, limit int) ([]*notifier.NotificationRecord, error)
	UpdateDelivery(ctx context.Context, id string, state notifier.DeliveryState, attempts int) error
}

// Deliverer re-drives one record.
type Deliverer interface {
	Redeliver(ctx context.Context, rec *notifier.NotificationRecord) dispatch.DeliveryOutcome
}

// Monitor sweeps pending records.
type Monitor struct {
	store     Store
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time
	lastTried map[string]time.Time
	mu        sync.Mutex
	minAge    time.Duration
	maxAge    time.Duration
}

// New creates a new sweeper. Records younger than minAge are left to the
// handler that created them; records older than maxAge are given up on.
func New(store Store, deliverer Deliverer, logger *slog.Logger, minAge, maxAge time.Duration) *Monitor {
	return &Monitor{
		store:     store,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
		lastTried: make(map[string]time.Time),
		minAge:    minAge,
		maxAge:    maxAge,
	}
}

// CheckAll re-drives every due pending record. It pages through the whole
// pending set, so records that are not yet due never hide later ones.
// Sweeps do not overlap.
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.minAge)
	m.logger.Info("Checking pending notifications", "timestamp", now.Format(time.RFC3339))

	seen := make(map[string]bool)
	complete := false
	var total, checked, pushed, skipped, expired, sent, failed int
pages:
	for offset := 0; ; {
		recs, err := m.store.PendingNotifications(ctx, cutoff, offset, pageSize)
		if err != nil {
			return fmt.Errorf("list pending notifications: %w", err)
		}
		total += len(recs)

		left := 0 // records of this page that are no longer pending
		for _, rec := range recs {
			select {
			case <-ctx.Done():
				m.logger.Info("Context cancelled, stopping sweep", "error", ctx.Err())
				return ctx.Err()
			default:
			}
			seen[rec.ID] = true

			age := now.Sub(rec.CreatedAt)
			if age > m.maxAge {
				if err := m.store.UpdateDelivery(ctx, rec.ID, notifier.DeliveryFailed, rec.DeliveryAttempts); err != nil {
					m.logger.Warn("Expiring pending record failed", "notification_id", rec.ID, "error", err)
					continue
				}
				m.logger.Info("Pending record expired", "notification_id", rec.ID, "user_id", rec.UserID, "age", age.Round(time.Minute).String())
				delete(m.lastTried, rec.ID)
				expired++
				left++
				continue
			}

			interval, reason := CalculateInterval(rec.CreatedAt, m.lastTried[rec.ID], now)
			if last := m.lastTried[rec.ID]; !last.IsZero() && now.Sub(last) < interval {
				m.logger.Debug("Skipping record (not due)",
					"notification_id", rec.ID,
					"last_tried", last.Format(time.RFC3339),
					"next_try", last.Add(interval).Format(time.RFC3339),
					"reason", reason)
				skipped++
				continue
			}

			if pushed == maxPushesPerSweep {
				m.logger.Warn("Sweep limit reached, leaving the rest for the next sweep", "limit", maxPushesPerSweep)
				break pages
			}
			checked++
			m.lastTried[rec.ID] = now
			out := m.deliverer.Redeliver(ctx, rec)
			if out.Attempts > 0 {
				pushed++
			}
			switch out.State {
			case notifier.DeliverySent:
				sent++
				left++
				delete(m.lastTried, rec.ID)
			case notifier.DeliveryFailed:
				failed++
				left++
				delete(m.lastTried, rec.ID)
			}
		}
		if len(recs) < pageSize {
			complete = true
			break
		}
		offset += len(recs) - left
	}

	// Forget records that left the pending set some other way.
	if complete {
		for id := range m.lastTried {
			if !seen[id] {
				delete(m.lastTried, id)
			}
		}
	}

	m.logger.Info("Pending sweep completed",
		"total", total,
		"checked", checked,
		"pushed", pushed,
		"skipped", skipped,
		"expired", expired,
		"sent", sent,
		"failed", failed)
	return nil
}

// CalculateInterval determines how long to wait before re-driving a pending
// record again, based on its age. The first try is always due.
func CalculateInterval(createdAt, lastTried, now time.Time) (time.Duration, string) {
	if lastTried.IsZero() {
		return 0, "never tried"
	}

	age := now.Sub(createdAt)
	switch {
	case age < 30*time.Minute:
		return 5 * time.Minute, "fresh record"
	case age < 2*time.Hour:
		return 10 * time.Minute, "recent record"
	case age < 6*time.Hour:
		return 20 * time.Minute, "aging record"
	default:
		return time.Hour, "old record"
	}
}
