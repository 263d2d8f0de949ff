package poll

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"nearby-alerts/dispatch"
	"nearby-alerts/pkg/notifier"
	"nearby-alerts/push"
	"nearby-alerts/store"
)

// TestCalculateInterval verifies older records are re-driven less often.
func TestCalculateInterval(t *testing.T) {
	now := time.Now()
	tried := now.Add(-time.Minute)
	tests := []struct {
		name      string
		createdAt time.Time
		lastTried time.Time
		want      time.Duration
	}{
		{"never tried", now.Add(-time.Hour), time.Time{}, 0},
		{"fresh (10 minutes old)", now.Add(-10 * time.Minute), tried, 5 * time.Minute},
		{"recent (1 hour old)", now.Add(-time.Hour), tried, 10 * time.Minute},
		{"aging (3 hours old)", now.Add(-3 * time.Hour), tried, 20 * time.Minute},
		{"old (12 hours old)", now.Add(-12 * time.Hour), tried, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interval, reason := CalculateInterval(tt.createdAt, tt.lastTried, now)
			if interval != tt.want {
				t.Errorf("CalculateInterval() interval = %v, want %v", interval, tt.want)
			}
			if reason == "" {
				t.Error("CalculateInterval() reason should not be empty")
			}
		})
	}
}

// TestCalculateIntervalMonotonic ensures the interval never shrinks as a record ages.
func TestCalculateIntervalMonotonic(t *testing.T) {
	now := time.Now()
	var prev time.Duration
	for age := time.Minute; age < 48*time.Hour; age += 7 * time.Minute {
		interval, _ := CalculateInterval(now.Add(-age), now, now)
		if interval < prev {
			t.Fatalf("interval shrank at age %v: %v < %v", age, interval, prev)
		}
		prev = interval
	}
}

type fakeDeliverer struct {
	state notifier.DeliveryState
	calls []string
	store *store.Memory
}

func (f *fakeDeliverer) Redeliver(ctx context.Context, rec *notifier.NotificationRecord) dispatch.DeliveryOutcome {
	f.calls = append(f.calls, rec.ID)
	if f.state != notifier.DeliveryPending {
		_ = f.store.UpdateDelivery(ctx, rec.ID, f.state, rec.DeliveryAttempts+1)
	}
	return dispatch.DeliveryOutcome{State: f.state}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seed(t *testing.T, s *store.Memory, id string, createdAt time.Time, state notifier.DeliveryState) {
	t.Helper()
	if _, err := s.CreateNotification(context.Background(), &notifier.NotificationRecord{
		ID:            id,
		UserID:        "u",
		Type:          notifier.NotifyComment,
		CreatedAt:     createdAt,
		DeliveryState: state,
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
}

func TestCheckAllRedrivesDueRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory()
	seed(t, s, "too-young", now.Add(-30*time.Second), notifier.DeliveryPending)
	seed(t, s, "stuck", now.Add(-10*time.Minute), notifier.DeliveryPending)
	seed(t, s, "done", now.Add(-10*time.Minute), notifier.DeliverySent)
	seed(t, s, "ancient", now.Add(-48*time.Hour), notifier.DeliveryPending)

	d := &fakeDeliverer{state: notifier.DeliverySent, store: s}
	m := New(s, d, testLogger(), 2*time.Minute, 24*time.Hour)
	m.now = func() time.Time { return now }

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(d.calls) != 1 || d.calls[0] != "stuck" {
		t.Errorf("redelivered %v, want [stuck]", d.calls)
	}

	ancient, err := s.Notification(context.Background(), "ancient")
	if err != nil {
		t.Fatal(err)
	}
	if ancient.DeliveryState != notifier.DeliveryFailed {
		t.Errorf("ancient record state = %s, want failed", ancient.DeliveryState)
	}

	young, _ := s.Notification(context.Background(), "too-young")
	if young.DeliveryState != notifier.DeliveryPending {
		t.Errorf("young record state = %s, want pending", young.DeliveryState)
	}
}

func TestCheckAllBacksOffStillPendingRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory()
	seed(t, s, "no-tokens", now.Add(-10*time.Minute), notifier.DeliveryPending)

	d := &fakeDeliverer{state: notifier.DeliveryPending, store: s}
	m := New(s, d, testLogger(), 2*time.Minute, 24*time.Hour)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	if err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(d.calls) != 1 {
		t.Fatalf("second sweep should skip the record, got %d calls", len(d.calls))
	}

	now = now.Add(6 * time.Minute)
	if err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(d.calls) != 2 {
		t.Errorf("record should be due again after the interval, got %d calls", len(d.calls))
	}
}

func TestCheckAllStopsOnCancel(t *testing.T) {
	now := time.Now()
	s := store.NewMemory()
	seed(t, s, "stuck", now.Add(-10*time.Minute), notifier.DeliveryPending)

	d := &fakeDeliverer{state: notifier.DeliverySent, store: s}
	m := New(s, d, testLogger(), time.Minute, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.CheckAll(ctx); err == nil {
		t.Error("expected context error")
	}
	if len(d.calls) != 0 {
		t.Errorf("no record should be re-driven after cancel, got %v", d.calls)
	}
}

func TestCheckAllReachesRecordsBehindInAppOnlyBacklog(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	s := store.NewMemory()
	// Users without devices leave their records pending; there are more of
	// them than one page and all are older than the stuck record.
	for i := range pageSize + 50 {
		if _, err := s.CreateNotification(ctx, &notifier.NotificationRecord{
			ID:            fmt.Sprintf("in-app-%03d", i),
			UserID:        fmt.Sprintf("deviceless-%03d", i),
			Type:          notifier.NotifyNearbyAlert,
			CreatedAt:     now.Add(-3*time.Hour + time.Duration(i)*time.Second),
			DeliveryState: notifier.DeliveryPending,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.CreateNotification(ctx, &notifier.NotificationRecord{
		ID:            "alice-rec",
		UserID:        "alice",
		Type:          notifier.NotifyNearbyAlert,
		Title:         "Hazard nearby",
		CreatedAt:     now.Add(-10 * time.Minute),
		DeliveryState: notifier.DeliveryPending,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterToken(ctx, notifier.PushToken{UserID: "alice", Token: "ExponentPushToken[a]", Platform: "expo"}); err != nil {
		t.Fatal(err)
	}

	provider := push.NewMockProvider(testLogger())
	d := dispatch.New(s, s, provider, nil, testLogger(), dispatch.Config{RetryDelay: time.Millisecond})
	m := New(s, d, testLogger(), 2*time.Minute, 24*time.Hour)
	m.now = func() time.Time { return now }

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	rec, err := s.Notification(ctx, "alice-rec")
	if err != nil {
		t.Fatal(err)
	}
	if rec.DeliveryState != notifier.DeliverySent {
		t.Errorf("alice-rec state = %s, want sent", rec.DeliveryState)
	}
	if got := len(provider.Sent()); got != 1 {
		t.Errorf("pushes sent = %d, want 1", got)
	}

	backlog, err := s.Notification(ctx, "in-app-000")
	if err != nil {
		t.Fatal(err)
	}
	if backlog.DeliveryState != notifier.DeliveryPending {
		t.Errorf("in-app-only record state = %s, want pending", backlog.DeliveryState)
	}
}

func TestCheckAllPagesPastRecordsThatLeavePending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory()
	for i := range pageSize + 5 {
		seed(t, s, fmt.Sprintf("stuck-%03d", i), now.Add(-time.Hour+time.Duration(i)*time.Second), notifier.DeliveryPending)
	}

	d := &fakeDeliverer{state: notifier.DeliveryFailed, store: s}
	m := New(s, d, testLogger(), 2*time.Minute, 24*time.Hour)
	m.now = func() time.Time { return now }

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(d.calls) != pageSize+5 {
		t.Errorf("redelivered %d records, want %d", len(d.calls), pageSize+5)
	}
}
