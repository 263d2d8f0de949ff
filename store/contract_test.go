package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
)

// backend is the full surface shared by Memory and Redis.
type backend interface {
	CreateReport(ctx context.Context, r *notifier.Report) error
	Report(ctx context.Context, id string) (*notifier.Report, error)
	DeleteReport(ctx context.Context, id string) error
	SetReportStatus(ctx context.Context, id string, status notifier.ReportStatus) error
	QueryReports(ctx context.Context, q ReportQuery) ([]*notifier.Report, error)
	SubscribeReports(ctx context.Context, q ReportQuery, fn func([]*notifier.Report)) (CancelFunc, error)
	AddComment(ctx context.Context, c *notifier.Comment) error
	Comments(ctx context.Context, reportID string) ([]*notifier.Comment, error)
	CreatePost(ctx context.Context, p *notifier.Post) error
	Post(ctx context.Context, id string) (*notifier.Post, error)
	Increment(ctx context.Context, ref notifier.DocRef, field string, delta int64) (int64, error)
	AddMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error)
	RemoveMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error)
	PutSubscription(ctx context.Context, sub *notifier.AlertSubscription) error
	Subscription(ctx context.Context, userID string) (*notifier.AlertSubscription, error)
	DeleteSubscription(ctx context.Context, userID string) error
	QuerySubscriptions(ctx context.Context, rng geo.Range) ([]*notifier.AlertSubscription, error)
	CreateNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error)
	Notification(ctx context.Context, id string) (*notifier.NotificationRecord, error)
	UpdateDelivery(ctx context.Context, id string, state notifier.DeliveryState, attempts int) error
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
	DeleteAll(ctx context.Context, userID string) (int, error)
	ListNotifications(ctx context.Context, userID string) ([]*notifier.NotificationRecord, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	PendingNotifications(ctx context.Context, before time.Time, offset, limit int) ([]*notifier.NotificationRecord, error)
	SubscribeNotifications(ctx context.Context, userID string, unreadOnly bool, fn func([]*notifier.NotificationRecord)) (CancelFunc, error)
	RegisterToken(ctx context.Context, tok notifier.PushToken) error
	Tokens(ctx context.Context, userID string) ([]notifier.PushToken, error)
	PruneToken(ctx context.Context, userID, token string) error
}

var (
	_ backend = (*Memory)(nil)
	_ backend = (*Redis)(nil)
)

var london = notifier.GeoPoint{Latitude: 51.5074, Longitude: -0.1278}

func newReport(id string, p notifier.GeoPoint, typ notifier.ReportType) *notifier.Report {
	return &notifier.Report{
		ID:        id,
		Location:  p,
		Geohash:   hash(p),
		Type:      typ,
		Status:    notifier.StatusOpen,
		UserID:    "owner",
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
}

// collector records live query deliveries.
type collector[T any] struct {
	mu    sync.Mutex
	calls [][]T
}

func (c *collector[T]) add(v []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, v)
}

func (c *collector[T]) last() ([]T, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil, 0
	}
	return c.calls[len(c.calls)-1], len(c.calls)
}

// runBackendTests checks the behaviour every store implementation shares.
func runBackendTests(t *testing.T, newStore func(t *testing.T) backend) {
	t.Run("ReportLifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		r := newReport("r1", london, notifier.ReportHazard)
		r.Upvotes = 9 // ignored on create
		require.NoError(t, s.CreateReport(ctx, r))
		require.ErrorIs(t, s.CreateReport(ctx, r), notifier.ErrAlreadyExists)

		got, err := s.Report(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, r.Geohash, got.Geohash)
		assert.Zero(t, got.Upvotes)

		require.NoError(t, s.SetReportStatus(ctx, "r1", notifier.StatusResolved))
		got, err = s.Report(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, notifier.StatusResolved, got.Status)

		require.NoError(t, s.DeleteReport(ctx, "r1"))
		_, err = s.Report(ctx, "r1")
		assert.ErrorIs(t, err, notifier.ErrNotFound)
		assert.ErrorIs(t, s.DeleteReport(ctx, "r1"), notifier.ErrNotFound)
	})

	t.Run("QueryReportsByRange", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		near := newReport("near", notifier.GeoPoint{Latitude: 51.5080, Longitude: -0.1280}, notifier.ReportCrime)
		far := newReport("far", notifier.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}, notifier.ReportCrime)
		pet := newReport("pet", notifier.GeoPoint{Latitude: 51.5070, Longitude: -0.1270}, notifier.ReportMissingPet)
		for _, r := range []*notifier.Report{near, far, pet} {
			require.NoError(t, s.CreateReport(ctx, r))
		}

		bounds, err := geo.QueryBounds(london, 2)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, rng := range bounds {
			rs, err := s.QueryReports(ctx, ReportQuery{Range: rng, Filter: notifier.ReportFilter{Types: []notifier.ReportType{notifier.ReportCrime}}})
			require.NoError(t, err)
			for _, r := range rs {
				seen[r.ID] = true
			}
		}
		assert.Equal(t, map[string]bool{"near": true}, seen)
	})

	t.Run("MembersAndCounters", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateReport(ctx, newReport("r1", london, notifier.ReportHazard)))
		ref := notifier.DocRef{Collection: notifier.CollectionReports, ID: "r1"}

		added, err := s.AddMember(ctx, ref, notifier.FieldUpvotedBy, notifier.FieldUpvotes, "u1")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.AddMember(ctx, ref, notifier.FieldUpvotedBy, notifier.FieldUpvotes, "u1")
		require.NoError(t, err)
		assert.False(t, added)

		_, err = s.AddMember(ctx, ref, notifier.FieldTrackedBy, "", "watcher")
		require.NoError(t, err)
		v, err := s.Increment(ctx, ref, notifier.FieldUpvotes, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)

		require.NoError(t, s.AddComment(ctx, &notifier.Comment{ID: "c1", ReportID: "r1", UserID: "u2", Text: "seen it"}))
		got, err := s.Report(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Upvotes)
		assert.Equal(t, int64(1), got.CommentCount)
		assert.Equal(t, []string{"watcher"}, got.TrackedBy)

		comments, err := s.Comments(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, comments, 1)
		assert.Equal(t, "seen it", comments[0].Text)

		removed, err := s.RemoveMember(ctx, ref, notifier.FieldUpvotedBy, notifier.FieldUpvotes, "u1")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.RemoveMember(ctx, ref, notifier.FieldUpvotedBy, notifier.FieldUpvotes, "u1")
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = s.AddMember(ctx, notifier.DocRef{Collection: notifier.CollectionReports, ID: "missing"}, notifier.FieldTrackedBy, "", "x")
		assert.ErrorIs(t, err, notifier.ErrNotFound)
		_, err = s.Increment(ctx, notifier.DocRef{Collection: "bogus", ID: "r1"}, "n", 1)
		assert.ErrorIs(t, err, notifier.ErrInvalidArgument)
		assert.ErrorIs(t, s.AddComment(ctx, &notifier.Comment{ID: "c2", ReportID: "missing"}), notifier.ErrNotFound)
	})

	t.Run("ConcurrentLikes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreatePost(ctx, &notifier.Post{ID: "p1", UserID: "author", Content: "hello"}))
		ref := notifier.DocRef{Collection: notifier.CollectionPosts, ID: "p1"}

		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AddMember(ctx, ref, notifier.FieldLikedBy, notifier.FieldLikes, fmt.Sprintf("u%d", i%5))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		p, err := s.Post(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), p.Likes)
		assert.Len(t, p.LikedBy, 5)
		assert.ErrorIs(t, s.CreatePost(ctx, &notifier.Post{ID: "p1"}), notifier.ErrAlreadyExists)
	})

	t.Run("AlertSubscriptions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		put := func(user string, p notifier.GeoPoint) {
			require.NoError(t, s.PutSubscription(ctx, &notifier.AlertSubscription{
				UserID: user, Center: p, Geohash: hash(p), RadiusKm: 5,
			}))
		}
		put("alice", london)
		put("bob", notifier.GeoPoint{Latitude: 51.51, Longitude: -0.12})
		put("carol", notifier.GeoPoint{Latitude: 48.8566, Longitude: 2.3522})
		put("carol", notifier.GeoPoint{Latitude: 51.509, Longitude: -0.125}) // moved

		bounds, err := geo.QueryBounds(london, 10)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, rng := range bounds {
			subs, err := s.QuerySubscriptions(ctx, rng)
			require.NoError(t, err)
			for _, sub := range subs {
				seen[sub.UserID] = true
			}
		}
		assert.Equal(t, map[string]bool{"alice": true, "bob": true, "carol": true}, seen)

		require.NoError(t, s.DeleteSubscription(ctx, "bob"))
		require.NoError(t, s.DeleteSubscription(ctx, "bob"))
		_, err = s.Subscription(ctx, "bob")
		assert.ErrorIs(t, err, notifier.ErrNotFound)

		paris, err := geo.QueryBounds(notifier.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}, 10)
		require.NoError(t, err)
		for _, rng := range paris {
			subs, err := s.QuerySubscriptions(ctx, rng)
			require.NoError(t, err)
			assert.Empty(t, subs, "moved subscription must leave its old cell")
		}
	})

	t.Run("NotificationLifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
		for i, id := range []string{"n1", "n2", "n3"} {
			created, err := s.CreateNotification(ctx, &notifier.NotificationRecord{
				ID: id, UserID: "alice", Type: notifier.NotifyComment,
				CreatedAt: base.Add(time.Duration(i) * time.Minute), DeliveryState: notifier.DeliveryPending,
			})
			require.NoError(t, err)
			assert.True(t, created)
		}
		created, err := s.CreateNotification(ctx, &notifier.NotificationRecord{ID: "n1", UserID: "alice"})
		require.NoError(t, err)
		assert.False(t, created, "duplicate id must not overwrite")

		list, err := s.ListNotifications(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "n3", list[0].ID, "newest first")

		require.NoError(t, s.UpdateDelivery(ctx, "n1", notifier.DeliverySent, 1))
		pending, err := s.PendingNotifications(ctx, base.Add(90*time.Second), 0, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "n2", pending[0].ID)

		pending, err = s.PendingNotifications(ctx, base.Add(time.Hour), 1, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1, "offset skips the oldest pending record")
		assert.Equal(t, "n3", pending[0].ID)
		pending, err = s.PendingNotifications(ctx, base.Add(time.Hour), 5, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		assert.ErrorIs(t, s.MarkRead(ctx, "mallory", "n2"), notifier.ErrNotFound)
		require.NoError(t, s.MarkRead(ctx, "alice", "n2"))
		require.NoError(t, s.MarkRead(ctx, "alice", "n2"))
		n, err := s.UnreadCount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		changed, err := s.MarkAllRead(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, changed)
		changed, err = s.MarkAllRead(ctx, "alice")
		require.NoError(t, err)
		assert.Zero(t, changed)

		removed, err := s.DeleteAll(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 3, removed)
		removed, err = s.DeleteAll(ctx, "alice")
		require.NoError(t, err)
		assert.Zero(t, removed)

		pending, err = s.PendingNotifications(ctx, base.Add(time.Hour), 0, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("Tokens", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.RegisterToken(ctx, notifier.PushToken{UserID: "alice", Token: "t2", Platform: "fcm"}))
		require.NoError(t, s.RegisterToken(ctx, notifier.PushToken{UserID: "alice", Token: "t1", Platform: "expo"}))
		require.NoError(t, s.RegisterToken(ctx, notifier.PushToken{UserID: "alice", Token: "t1", Platform: "expo"}))
		assert.ErrorIs(t, s.RegisterToken(ctx, notifier.PushToken{UserID: "alice"}), notifier.ErrInvalidArgument)

		toks, err := s.Tokens(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, toks, 2)
		assert.Equal(t, "t1", toks[0].Token)
		assert.False(t, toks[0].LastValidated.IsZero())

		require.NoError(t, s.PruneToken(ctx, "alice", "t1"))
		require.NoError(t, s.PruneToken(ctx, "alice", "t1"))
		toks, err = s.Tokens(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, toks, 1)
	})

	t.Run("LiveReportQuery", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		bounds, err := geo.QueryBounds(london, 1)
		require.NoError(t, err)
		rng := bounds[0]
		for _, b := range bounds {
			if b.Contains(hash(london)) {
				rng = b
			}
		}

		var c collector[*notifier.Report]
		cancel, err := s.SubscribeReports(ctx, ReportQuery{Range: rng}, c.add)
		require.NoError(t, err)

		_, n := c.last()
		assert.Equal(t, 1, n, "initial snapshot is delivered before Subscribe returns")

		require.NoError(t, s.CreateReport(ctx, newReport("r1", london, notifier.ReportHazard)))
		require.Eventually(t, func() bool {
			rs, _ := c.last()
			return len(rs) == 1 && rs[0].ID == "r1"
		}, 2*time.Second, 10*time.Millisecond)

		_, err = s.AddMember(ctx, notifier.DocRef{Collection: notifier.CollectionReports, ID: "r1"}, notifier.FieldUpvotedBy, notifier.FieldUpvotes, "u1")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			rs, _ := c.last()
			return len(rs) == 1 && rs[0].Upvotes == 1
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		_, before := c.last()
		require.NoError(t, s.DeleteReport(ctx, "r1"))
		time.Sleep(50 * time.Millisecond)
		_, after := c.last()
		assert.Equal(t, before, after, "no delivery after cancel")
	})

	t.Run("LiveUnreadQuery", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		var c collector[*notifier.NotificationRecord]
		cancel, err := s.SubscribeNotifications(ctx, "alice", true, c.add)
		require.NoError(t, err)
		defer cancel()

		_, err = s.CreateNotification(ctx, &notifier.NotificationRecord{ID: "n1", UserID: "alice", CreatedAt: time.Now()})
		require.NoError(t, err)
		_, err = s.CreateNotification(ctx, &notifier.NotificationRecord{ID: "other", UserID: "bob", CreatedAt: time.Now()})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			recs, _ := c.last()
			return len(recs) == 1 && recs[0].ID == "n1"
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, s.MarkRead(ctx, "alice", "n1"))
		require.Eventually(t, func() bool {
			recs, n := c.last()
			return n >= 3 && len(recs) == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func hash(p notifier.GeoPoint) string {
	gh, err := geo.Encode(p, geo.StoredPrecision)
	if err != nil {
		panic(err)
	}
	return gh
}
