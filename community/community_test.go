package community

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearby-alerts/dispatch"
	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
	"nearby-alerts/push"
	"nearby-alerts/store"
)

var london = notifier.GeoPoint{Latitude: 51.5074, Longitude: -0.1278}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier captures events instead of fanning them out.
type recordingNotifier struct {
	mu           sync.Mutex
	created      []*notifier.Report
	interactions []dispatch.Interaction
	statuses     []string
}

func (r *recordingNotifier) OnReportCreated(ctx context.Context, rep *notifier.Report) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rep)
	return 0
}

func (r *recordingNotifier) OnInteraction(ctx context.Context, in dispatch.Interaction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interactions = append(r.interactions, in)
	return 1
}

func (r *recordingNotifier) OnStatusChange(ctx context.Context, rep *notifier.Report, actorID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, rep.ID+":"+string(rep.Status)+":"+actorID)
	return 1
}

func newService(t *testing.T) (*Service, *store.Memory, *recordingNotifier) {
	t.Helper()
	s := store.NewMemory()
	n := &recordingNotifier{}
	return New(s, s, n, discardLogger(), 0), s, n
}

func createReport(t *testing.T, svc *Service, owner string) *notifier.Report {
	t.Helper()
	r, err := svc.CreateReport(context.Background(), NewReport{
		UserID:   owner,
		Type:     notifier.ReportHazard,
		Title:    "  Pothole on Strand ",
		Location: notifier.GeoPoint{Latitude: 51.5080, Longitude: -0.1280},
	})
	require.NoError(t, err)
	return r
}

func TestCreateReportComputesGeohash(t *testing.T) {
	svc, s, n := newService(t)
	r := createReport(t, svc, "owner")

	want, err := geo.Encode(r.Location, geo.StoredPrecision)
	require.NoError(t, err)
	assert.Equal(t, want, r.Geohash)
	assert.Len(t, r.Geohash, geo.StoredPrecision)
	assert.Equal(t, "Pothole on Strand", r.Title)
	assert.Equal(t, notifier.StatusOpen, r.Status)

	stored, err := s.Report(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Geohash, stored.Geohash)
	assert.Equal(t, r.Location, stored.Location)

	svc.Wait()
	require.Len(t, n.created, 1)
	assert.Equal(t, r.ID, n.created[0].ID)
}

func TestCreateReportValidation(t *testing.T) {
	svc, _, n := newService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewReport
	}{
		{"missing user", NewReport{Type: notifier.ReportCrime, Title: "x", Location: london}},
		{"unknown type", NewReport{UserID: "u", Type: "fire", Title: "x", Location: london}},
		{"blank title", NewReport{UserID: "u", Type: notifier.ReportCrime, Title: "   ", Location: london}},
		{"bad latitude", NewReport{UserID: "u", Type: notifier.ReportCrime, Title: "x", Location: notifier.GeoPoint{Latitude: -91}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateReport(ctx, tt.in)
			assert.ErrorIs(t, err, notifier.ErrInvalidArgument)
		})
	}
	assert.Empty(t, n.created)
}

func TestResolveReportOwnerOnly(t *testing.T) {
	svc, s, n := newService(t)
	ctx := context.Background()
	r := createReport(t, svc, "owner")

	err := svc.ResolveReport(ctx, r.ID, "stranger")
	assert.ErrorIs(t, err, notifier.ErrUnauthorized)

	require.NoError(t, svc.ResolveReport(ctx, r.ID, "owner"))
	require.NoError(t, svc.ResolveReport(ctx, r.ID, "owner"), "resolving twice is a no-op")

	stored, err := s.Report(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, notifier.StatusResolved, stored.Status)
	svc.Wait()
	assert.Equal(t, []string{r.ID + ":resolved:owner"}, n.statuses)

	assert.ErrorIs(t, svc.ResolveReport(ctx, "missing", "owner"), notifier.ErrNotFound)
}

func TestDeleteReportOwnerOnly(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()
	r := createReport(t, svc, "owner")

	assert.ErrorIs(t, svc.DeleteReport(ctx, r.ID, "stranger"), notifier.ErrUnauthorized)
	require.NoError(t, svc.DeleteReport(ctx, r.ID, "owner"))

	_, err := s.Report(ctx, r.ID)
	assert.ErrorIs(t, err, notifier.ErrNotFound)
}

func TestLikePostIdempotentAndSymmetric(t *testing.T) {
	svc, s, n := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePost(ctx, "author", "Street party on Saturday")
	require.NoError(t, err)

	before, err := s.Post(ctx, p.ID)
	require.NoError(t, err)

	added, err := svc.LikePost(ctx, p.ID, "fan")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = svc.LikePost(ctx, p.ID, "fan")
	require.NoError(t, err)
	assert.False(t, added)

	liked, err := s.Post(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), liked.Likes)
	assert.Equal(t, []string{"fan"}, liked.LikedBy)
	svc.Wait()
	require.Len(t, n.interactions, 1, "only the first like notifies")
	assert.Equal(t, dispatch.KindLike, n.interactions[0].Kind)
	assert.Equal(t, "author", n.interactions[0].TargetOwnerID)

	removed, err := svc.UnlikePost(ctx, p.ID, "fan")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = svc.UnlikePost(ctx, p.ID, "fan")
	require.NoError(t, err)
	assert.False(t, removed)

	after, err := s.Post(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Likes, after.Likes)
	assert.Equal(t, before.LikedBy, after.LikedBy)
}

func TestConcurrentLikesDoNotLoseUpdates(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePost(ctx, "author", "hello")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := string(rune('a' + i%26))
			if i >= 26 {
				user += "2"
			}
			_, _ = svc.LikePost(ctx, p.ID, user)
			_, _ = svc.LikePost(ctx, p.ID, user)
		}(i)
	}
	wg.Wait()

	got, err := s.Post(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Likes)
	assert.Len(t, got.LikedBy, 50)
}

func TestUpvoteAndComment(t *testing.T) {
	svc, s, n := newService(t)
	ctx := context.Background()
	r := createReport(t, svc, "owner")

	added, err := svc.UpvoteReport(ctx, r.ID, "neighbor")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = svc.UpvoteReport(ctx, r.ID, "neighbor")
	require.NoError(t, err)
	assert.False(t, added)

	c, err := svc.AddComment(ctx, r.ID, "neighbor", " Still there this morning ")
	require.NoError(t, err)
	assert.Equal(t, "Still there this morning", c.Text)

	_, err = svc.AddComment(ctx, r.ID, "neighbor", "  ")
	assert.ErrorIs(t, err, notifier.ErrInvalidArgument)

	stored, err := s.Report(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Upvotes)
	assert.Equal(t, int64(1), stored.CommentCount)

	svc.Wait()
	require.Len(t, n.interactions, 2)
	byKind := make(map[dispatch.InteractionKind]dispatch.Interaction)
	for _, in := range n.interactions {
		byKind[in.Kind] = in
	}
	assert.Contains(t, byKind, dispatch.KindUpvote)
	require.Contains(t, byKind, dispatch.KindComment)
	assert.Equal(t, c.ID, byKind[dispatch.KindComment].EventID)

	removed, err := svc.RemoveUpvote(ctx, r.ID, "neighbor")
	require.NoError(t, err)
	assert.True(t, removed)
	stored, err = s.Report(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Upvotes)

	_, err = svc.UpvoteReport(ctx, "missing", "neighbor")
	assert.ErrorIs(t, err, notifier.ErrNotFound)
}

func TestTrackReport(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()
	r := createReport(t, svc, "owner")

	for _, u := range []string{"b", "a", "b"} {
		_, err := svc.TrackReport(ctx, r.ID, u)
		require.NoError(t, err)
	}
	stored, err := s.Report(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stored.TrackedBy)

	removed, err := svc.UntrackReport(ctx, r.ID, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	stored, err = s.Report(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, stored.TrackedBy)
}

func TestSetAlertSubscription(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	sub, err := svc.SetAlertSubscription(ctx, "u", london, 5, []notifier.ReportType{notifier.ReportCrime})
	require.NoError(t, err)
	want, _ := geo.Encode(london, geo.StoredPrecision)
	assert.Equal(t, want, sub.Geohash)

	stored, err := s.Subscription(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 5.0, stored.RadiusKm)

	for _, radius := range []float64{0, -2, 51} {
		_, err := svc.SetAlertSubscription(ctx, "u", london, radius, nil)
		assert.ErrorIs(t, err, notifier.ErrInvalidArgument, "radius %v", radius)
	}
	_, err = svc.SetAlertSubscription(ctx, "u", london, DefaultMaxAlertRadiusKm, nil)
	require.NoError(t, err, "the cap itself is allowed")
	_, err = svc.SetAlertSubscription(ctx, "u", london, 5, []notifier.ReportType{"fire"})
	assert.ErrorIs(t, err, notifier.ErrInvalidArgument)

	require.NoError(t, svc.ClearAlertSubscription(ctx, "u"))
	_, err = s.Subscription(ctx, "u")
	assert.ErrorIs(t, err, notifier.ErrNotFound)
}

func TestRegisterPushToken(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterPushToken(ctx, "u", "ExponentPushToken[x]", "expo"))
	assert.ErrorIs(t, svc.RegisterPushToken(ctx, "u", "tok", "pager"), notifier.ErrInvalidArgument)

	toks, err := s.Tokens(ctx, "u")
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "expo", toks[0].Platform)
}

// End to end: two subscribers near the report get one record each.
func TestCreateReportFansOutThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	provider := push.NewMockProvider(discardLogger())
	d := dispatch.New(s, s, provider, nil, discardLogger(), dispatch.Config{})
	svc := New(s, s, d, discardLogger(), 0)

	_, err := svc.SetAlertSubscription(ctx, "alice", london, 5, nil)
	require.NoError(t, err)
	_, err = svc.SetAlertSubscription(ctx, "bob", london, 2, nil)
	require.NoError(t, err)
	_, err = svc.SetAlertSubscription(ctx, "far", notifier.GeoPoint{Latitude: 51.7, Longitude: -0.1278}, 3, nil)
	require.NoError(t, err)
	require.NoError(t, svc.RegisterPushToken(ctx, "alice", "ExponentPushToken[alice]", "expo"))

	r := createReport(t, svc, "reporter")
	svc.Wait()

	for _, u := range []string{"alice", "bob"} {
		recs, err := s.ListNotifications(ctx, u)
		require.NoError(t, err)
		require.Len(t, recs, 1, u)
		assert.Equal(t, r.ID, recs[0].ReportID)
	}
	recs, err := s.ListNotifications(ctx, "far")
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, provider.Sent(), 1)
}

// hangupProvider cancels the request that created the report on its first
// send, as a client disconnecting mid fan-out would.
type hangupProvider struct {
	mu     sync.Mutex
	hangup context.CancelFunc
	sent   int
}

func (p *hangupProvider) Send(ctx context.Context, msg push.Message) error {
	p.hangup()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent++
	return nil
}

func TestCreateReportFanOutSurvivesCallerCancel(t *testing.T) {
	s := store.NewMemory()
	reqCtx, hangup := context.WithCancel(context.Background())
	defer hangup()
	provider := &hangupProvider{hangup: hangup}
	d := dispatch.New(s, s, provider, nil, discardLogger(), dispatch.Config{Concurrency: 1, RetryDelay: time.Millisecond})
	svc := New(s, s, d, discardLogger(), 0)

	ctx := context.Background()
	users := make([]string, 5)
	for i := range users {
		users[i] = fmt.Sprintf("neighbor-%d", i)
		_, err := svc.SetAlertSubscription(ctx, users[i], london, 5, nil)
		require.NoError(t, err)
		require.NoError(t, svc.RegisterPushToken(ctx, users[i], "ExponentPushToken["+users[i]+"]", "expo"))
	}

	r, err := svc.CreateReport(reqCtx, NewReport{
		UserID: "reporter", Type: notifier.ReportHazard, Title: "Flooded underpass", Location: london,
	})
	require.NoError(t, err)
	svc.Wait()

	for _, u := range users {
		recs, err := s.ListNotifications(ctx, u)
		require.NoError(t, err)
		require.Len(t, recs, 1, u)
		assert.Equal(t, r.ID, recs[0].ReportID)
		assert.Equal(t, notifier.DeliverySent, recs[0].DeliveryState, u)
	}
	assert.Equal(t, len(users), provider.sent)
}

func TestAlertRadiusCapIsConfigurable(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	small := New(s, s, nil, discardLogger(), 5)
	_, err := small.SetAlertSubscription(ctx, "alice", london, 50, nil)
	assert.ErrorIs(t, err, notifier.ErrInvalidArgument, "radius above the configured cap")
	_, err = small.SetAlertSubscription(ctx, "alice", london, 5, nil)
	assert.NoError(t, err)

	large := New(s, s, nil, discardLogger(), 80)
	_, err = large.SetAlertSubscription(ctx, "alice", london, 60, nil)
	assert.NoError(t, err)
}

// A subscriber saved with the largest allowed radius is found by a
// dispatcher configured with the same limit.
func TestLargestAlertAreaIsNotified(t *testing.T) {
	ctx := context.Background()
	const limitKm = 80
	s := store.NewMemory()
	d := dispatch.New(s, s, push.NewMockProvider(discardLogger()), nil, discardLogger(), dispatch.Config{MaxAlertRadiusKm: limitKm})
	svc := New(s, s, d, discardLogger(), limitKm)

	_, err := svc.SetAlertSubscription(ctx, "alice", london, limitKm, nil)
	require.NoError(t, err)

	// About 47 km north of alice's center.
	r, err := svc.CreateReport(ctx, NewReport{
		UserID: "reporter", Type: notifier.ReportCrime, Title: "Break-in", Location: notifier.GeoPoint{Latitude: 51.93, Longitude: -0.1278},
	})
	require.NoError(t, err)
	svc.Wait()

	recs, err := s.ListNotifications(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, r.ID, recs[0].ReportID)
}
