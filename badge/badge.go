// Package badge streams a user's unread notification count.
package badge

import (
	"context"
	"fmt"
	"sync"

	"nearby-alerts/pkg/notifier"
	"nearby-alerts/store"
)

// Subscriber opens a standing query over a user's notification records.
type Subscriber interface {
	SubscribeNotifications(ctx context.Context, userID string, unreadOnly bool, fn func([]*notifier.NotificationRecord)) (store.CancelFunc, error)
}

// Counter derives unread counts from live notification queries.
type Counter struct {
	store Subscriber
}

// New creates a badge counter.
func New(s Subscriber) *Counter {
	return &Counter{store: s}
}

// Count calls fn with the current unread count and again whenever it changes.
// The count follows the store's own snapshots, so MarkAllRead brings it to
// zero in the same update. fn is never called after cancel returns.
func (c *Counter) Count(ctx context.Context, userID string, fn func(int)) (store.CancelFunc, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", notifier.ErrInvalidArgument)
	}

	var (
		mu      sync.Mutex
		last    = -1
		stopped bool
	)
	cancel, err := c.store.SubscribeNotifications(ctx, userID, true, func(unread []*notifier.NotificationRecord) {
		mu.Lock()
		defer mu.Unlock()
		if stopped || len(unread) == last {
			return
		}
		last = len(unread)
		fn(last)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe unread: %w", err)
	}

	return func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		cancel()
	}, nil
}
