// Package dispatch turns domain events into per-recipient notification records
// and drives push delivery for them.
//
// Every entry point assumes at-least-once, possibly concurrent invocation for
// the same event. Record ids are derived from the event and recipient, so a
// replay finds the existing record instead of writing a second one. Failures
// after the retry budget are logged and counted, never returned to the write
// that triggered the event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"

	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
	"nearby-alerts/push"
)

// Store is the notification side of the document store.
type Store interface {
	QuerySubscriptions(ctx context.Context, rng geo.Range) ([]*notifier.AlertSubscription, error)
	CreateNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error)
	Notification(ctx context.Context, id string) (*notifier.NotificationRecord, error)
	UpdateDelivery(ctx context.Context, id string, state notifier.DeliveryState, attempts int) error
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
	DeleteAll(ctx context.Context, userID string) (int, error)
}

// TokenStore holds device push tokens.
type TokenStore interface {
	Tokens(ctx context.Context, userID string) ([]notifier.PushToken, error)
	PruneToken(ctx context.Context, userID, token string) error
}

// Config tunes fan-out and delivery.
type Config struct {
	// MaxAlertRadiusKm bounds the reverse lookup of alert subscriptions.
	// Subscriptions with a larger radius are never found.
	MaxAlertRadiusKm float64
	DeliveryAttempts uint
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	Concurrency      int
}

// DefaultConfig returns 3 attempts with 1s, 2s backoff and a 50 km lookup.
func DefaultConfig() Config {
	return Config{
		MaxAlertRadiusKm: 50,
		DeliveryAttempts: 3,
		RetryDelay:       time.Second,
		MaxRetryDelay:    4 * time.Second,
		Concurrency:      8,
	}
}

// Dispatcher fans events out into notification records and push deliveries.
type Dispatcher struct {
	store    Store
	tokens   TokenStore
	provider push.Provider
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
}

// New creates a dispatcher. Zero config fields fall back to DefaultConfig.
func New(store Store, tokens TokenStore, provider push.Provider, metrics *Metrics, logger *slog.Logger, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAlertRadiusKm <= 0 {
		cfg.MaxAlertRadiusKm = def.MaxAlertRadiusKm
	}
	if cfg.DeliveryAttempts == 0 {
		cfg.DeliveryAttempts = def.DeliveryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay * 4
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Dispatcher{
		store:    store,
		tokens:   tokens,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg,
	}
}

// OnReportCreated notifies every alert subscriber whose area contains the
// report, except its creator. It returns how many recipients hold a record
// for the report afterwards.
func (d *Dispatcher) OnReportCreated(ctx context.Context, r *notifier.Report) int {
	if r == nil || r.ID == "" {
		d.logger.Warn("Ignoring report-created event without report id")
		return 0
	}
	if err := r.Location.Validate(); err != nil {
		d.logger.Warn("Ignoring report-created event with bad location", "report_id", r.ID, "error", err)
		return 0
	}

	subs, err := d.subscribersNear(ctx, r.Location)
	if err != nil {
		d.metrics.incError("query_subscriptions")
		d.logger.Error("Alert subscription lookup failed", "report_id", r.ID, "error", err)
		return 0
	}

	var recs []*notifier.NotificationRecord
	for _, sub := range subs {
		switch {
		case sub.UserID == r.UserID:
			continue
		case !sub.Wants(r.Type):
			continue
		case !geo.Within(sub.Center, r.Location, sub.RadiusKm):
			continue
		}
		dist := geo.Haversine(sub.Center, r.Location)
		recs = append(recs, d.newRecord(eventReportCreated(r.ID), sub.UserID, notifier.NotifyNearbyAlert,
			nearbyTitle(r.Type), nearbyMessage(r, dist), r.ID, ""))
	}

	n := d.fanOut(ctx, recs)
	d.logger.Info("Report fan-out completed",
		"report_id", r.ID,
		"candidates", len(subs),
		"recipients", len(recs),
		"notified", n)
	return n
}

// InteractionKind is the kind of engagement that notifies a content owner.
type InteractionKind string

// Interaction kinds.
const (
	KindComment InteractionKind = "comment"
	KindUpvote  InteractionKind = "upvote"
	KindLike    InteractionKind = "like"
)

// Interaction is someone engaging with content owned by another user.
type Interaction struct {
	Kind          InteractionKind `json:"kind"`
	TargetOwnerID string          `json:"target_owner_id"`
	ActorID       string          `json:"actor_id"`
	TargetID      string          `json:"target_id"` // Report id, or post id for likes
	EventID       string          `json:"event_id,omitempty"`
	Preview       string          `json:"preview,omitempty"`
}

// OnInteraction writes exactly one record for the content owner. Acting on
// your own content notifies nobody. It returns the number of records (0 or 1).
func (d *Dispatcher) OnInteraction(ctx context.Context, in Interaction) int {
	if in.TargetOwnerID == "" || in.ActorID == "" || in.TargetID == "" {
		d.logger.Warn("Ignoring interaction with missing ids", "kind", in.Kind, "target_id", in.TargetID)
		return 0
	}
	if in.TargetOwnerID == in.ActorID {
		d.logger.Debug("Skipping self interaction", "kind", in.Kind, "user_id", in.ActorID, "target_id", in.TargetID)
		return 0
	}

	var rec *notifier.NotificationRecord
	key := eventInteraction(in)
	switch in.Kind {
	case KindComment:
		rec = d.newRecord(key, in.TargetOwnerID, notifier.NotifyComment, "New comment on your report", commentMessage(in.Preview), in.TargetID, "")
	case KindUpvote:
		rec = d.newRecord(key, in.TargetOwnerID, notifier.NotifyUpvote, "Your report was upvoted", "Someone found your report useful.", in.TargetID, "")
	case KindLike:
		rec = d.newRecord(key, in.TargetOwnerID, notifier.NotifyLike, "Someone liked your post", likeMessage(in.Preview), "", in.TargetID)
	default:
		d.logger.Warn("Ignoring interaction of unknown kind", "kind", in.Kind)
		return 0
	}

	return d.fanOut(ctx, []*notifier.NotificationRecord{rec})
}

// OnStatusChange notifies the report owner and its trackers, except the actor.
func (d *Dispatcher) OnStatusChange(ctx context.Context, r *notifier.Report, actorID string) int {
	if r == nil || r.ID == "" {
		d.logger.Warn("Ignoring status-change event without report id")
		return 0
	}

	seen := map[string]bool{actorID: true}
	var recipients []string
	for _, u := range append([]string{r.UserID}, r.TrackedBy...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		recipients = append(recipients, u)
	}
	sort.Strings(recipients)

	recs := make([]*notifier.NotificationRecord, 0, len(recipients))
	for _, u := range recipients {
		recs = append(recs, d.newRecord(eventStatusChange(r), u, notifier.NotifyStatusChange,
			statusTitle(r.Status), r.Title, r.ID, ""))
	}

	n := d.fanOut(ctx, recs)
	d.logger.Info("Status change fan-out completed", "report_id", r.ID, "status", r.Status, "notified", n)
	return n
}

// MarkAllAsRead marks every unread record of the user as read. Nothing to
// change is a successful no-op.
func (d *Dispatcher) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", notifier.ErrInvalidArgument)
	}
	n, err := d.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	d.logger.Info("Notifications marked read", "user_id", userID, "count", n)
	return n, nil
}

// MarkAsRead marks one record as read.
func (d *Dispatcher) MarkAsRead(ctx context.Context, userID, id string) error {
	if userID == "" || id == "" {
		return fmt.Errorf("%w: user and notification ids are required", notifier.ErrInvalidArgument)
	}
	if err := d.store.MarkRead(ctx, userID, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// DeleteAll removes every record of the user. Nothing to delete is a
// successful no-op.
func (d *Dispatcher) DeleteAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", notifier.ErrInvalidArgument)
	}
	n, err := d.store.DeleteAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	d.logger.Info("Notifications deleted", "user_id", userID, "count", n)
	return n, nil
}

// subscribersNear returns the alert subscriptions centred near p, one per
// user. Every subscription centred within MaxAlertRadiusKm is included.
func (d *Dispatcher) subscribersNear(ctx context.Context, p notifier.GeoPoint) ([]*notifier.AlertSubscription, error) {
	bounds, err := geo.QueryBounds(p, d.cfg.MaxAlertRadiusKm)
	if err != nil {
		return nil, err
	}
	boxes, _ := geo.BoundingBoxes(p, d.cfg.MaxAlertRadiusKm)

	var (
		mu     sync.Mutex
		byUser = make(map[string]*notifier.AlertSubscription)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rng := range bounds {
		g.Go(func() error {
			var subs []*notifier.AlertSubscription
			err := d.retryStore(gctx, "query subscriptions", func() error {
				var err error
				subs, err = d.store.QuerySubscriptions(gctx, rng)
				return err
			})
			if err != nil {
				return fmt.Errorf("range %s..%s: %w", rng.Lower, rng.Upper, err)
			}
			mu.Lock()
			for _, s := range subs {
				if geo.Covers(boxes, s.Center) {
					byUser[s.UserID] = s
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*notifier.AlertSubscription, 0, len(byUser))
	for _, s := range byUser {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// fanOut writes and delivers records with bounded concurrency and returns how
// many recipients hold a record afterwards.
func (d *Dispatcher) fanOut(ctx context.Context, recs []*notifier.NotificationRecord) int {
	var notified atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			if d.notify(ctx, rec) {
				notified.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(notified.Load())
}

// notify creates rec if absent and delivers it while it is still pending.
func (d *Dispatcher) notify(ctx context.Context, rec *notifier.NotificationRecord) bool {
	var created bool
	err := d.retryStore(ctx, "create notification", func() error {
		var err error
		created, err = d.store.CreateNotification(ctx, rec)
		return err
	})
	if err != nil {
		d.metrics.incError("create_record")
		d.logger.Error("Notification record write failed", "notification_id", rec.ID, "user_id", rec.UserID, "error", err)
		return false
	}

	if created {
		d.metrics.incCreated(string(rec.Type))
	} else {
		existing, err := d.store.Notification(ctx, rec.ID)
		if err != nil {
			// Deleted by the recipient in between; nothing left to deliver.
			d.logger.Debug("Replayed record vanished", "notification_id", rec.ID, "error", err)
			return true
		}
		if existing.DeliveryState != notifier.DeliveryPending {
			d.logger.Debug("Replayed event already delivered", "notification_id", rec.ID, "state", existing.DeliveryState)
			return true
		}
		rec = existing
	}

	d.Redeliver(ctx, rec)
	return true
}

// retryStore retries fn while the store reports transient failures.
func (d *Dispatcher) retryStore(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = fn()
			return lastErr
		},
		retry.Attempts(d.cfg.DeliveryAttempts),
		retry.Delay(d.cfg.RetryDelay),
		retry.MaxDelay(d.cfg.MaxRetryDelay),
		retry.MaxJitter(d.jitter()),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, notifier.ErrTransientIO)
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying store operation after error", "operation", op, "attempt", n+1, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

func (d *Dispatcher) jitter() time.Duration {
	if j := d.cfg.RetryDelay / 4; j > time.Millisecond {
		return j
	}
	return time.Millisecond
}
