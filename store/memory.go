package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
)

type fieldKey struct {
	ref   notifier.DocRef
	field string
}

// watcher is one live subscription. Deliveries are serialized by mu and only
// move forward in version, so a subscriber never sees an older snapshot after
// a newer one.
type watcher[T any] struct {
	fn        func(T)
	mu        sync.Mutex
	delivered uint64
	closed    bool
}

func (w *watcher[T]) deliver(version uint64, snapshot T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || version <= w.delivered {
		return
	}
	w.delivered = version
	w.fn(snapshot)
}

func (w *watcher[T]) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

type reportWatcher struct {
	watcher[[]*notifier.Report]
	query ReportQuery
}

type notificationWatcher struct {
	watcher[[]*notifier.NotificationRecord]
	userID     string
	unreadOnly bool
}

type pendingDelivery func()

// Memory is an in-process store with live subscriptions. It backs local
// development and tests. The zero value is not usable; call NewMemory.
type Memory struct {
	now           func() time.Time
	reports       map[string]*notifier.Report
	posts         map[string]*notifier.Post
	comments      map[string][]*notifier.Comment
	alerts        map[string]*notifier.AlertSubscription
	notifications map[string]*notifier.NotificationRecord
	tokens        map[string]map[string]notifier.PushToken
	counters      map[fieldKey]int64
	sets          map[fieldKey]map[string]struct{}
	reportWatch   map[*reportWatcher]struct{}
	notifyWatch   map[*notificationWatcher]struct{}
	mu            sync.Mutex
	version       uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:           time.Now,
		reports:       make(map[string]*notifier.Report),
		posts:         make(map[string]*notifier.Post),
		comments:      make(map[string][]*notifier.Comment),
		alerts:        make(map[string]*notifier.AlertSubscription),
		notifications: make(map[string]*notifier.NotificationRecord),
		tokens:        make(map[string]map[string]notifier.PushToken),
		counters:      make(map[fieldKey]int64),
		sets:          make(map[fieldKey]map[string]struct{}),
		reportWatch:   make(map[*reportWatcher]struct{}),
		notifyWatch:   make(map[*notificationWatcher]struct{}),
	}
}

// run delivers snapshots collected under the lock once it is released.
func run(deliveries []pendingDelivery) {
	for _, d := range deliveries {
		d()
	}
}

// CreateReport stores a new report. Location and geohash land in one write.
func (m *Memory) CreateReport(ctx context.Context, r *notifier.Report) error {
	if r.ID == "" || r.Geohash == "" {
		return fmt.Errorf("%w: report id and geohash are required", notifier.ErrInvalidArgument)
	}
	m.mu.Lock()
	if _, exists := m.reports[r.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("report %s: %w", r.ID, notifier.ErrAlreadyExists)
	}
	stored := *r
	stored.TrackedBy = nil
	stored.Upvotes = 0
	stored.CommentCount = 0
	m.reports[r.ID] = &stored
	deliveries := m.reportChangedLocked(stored.Geohash)
	m.mu.Unlock()

	run(deliveries)
	return nil
}

// Report loads one report.
func (m *Memory) Report(ctx context.Context, id string) (*notifier.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, notifier.ErrNotFound)
	}
	return m.projectReportLocked(r), nil
}

// DeleteReport removes a report with its counters, sets and comments.
func (m *Memory) DeleteReport(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.reports[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("report %s: %w", id, notifier.ErrNotFound)
	}
	delete(m.reports, id)
	delete(m.comments, id)
	ref := notifier.DocRef{Collection: notifier.CollectionReports, ID: id}
	for k := range m.counters {
		if k.ref == ref {
			delete(m.counters, k)
		}
	}
	for k := range m.sets {
		if k.ref == ref {
			delete(m.sets, k)
		}
	}
	deliveries := m.reportChangedLocked(r.Geohash)
	m.mu.Unlock()

	run(deliveries)
	return nil
}

// SetReportStatus updates the status field of a report.
func (m *Memory) SetReportStatus(ctx context.Context, id string, status notifier.ReportStatus) error {
	m.mu.Lock()
	r, ok := m.reports[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("report %s: %w", id, notifier.ErrNotFound)
	}
	r.Status = status
	deliveries := m.reportChangedLocked(r.Geohash)
	m.mu.Unlock()

	run(deliveries)
	return nil
}

// QueryReports returns the reports selected by q, ordered by id.
func (m *Memory) QueryReports(ctx context.Context, q ReportQuery) ([]*notifier.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryReportsLocked(q), nil
}

// SubscribeReports delivers the result of q now and again after every change
// inside q's range. Each delivery is the full result, not a diff.
func (m *Memory) SubscribeReports(ctx context.Context, q ReportQuery, fn func([]*notifier.Report)) (CancelFunc, error) {
	w := &reportWatcher{watcher: watcher[[]*notifier.Report]{fn: fn}, query: q}

	m.mu.Lock()
	m.reportWatch[w] = struct{}{}
	m.version++
	version := m.version
	snapshot := m.queryReportsLocked(q)
	m.mu.Unlock()

	w.deliver(version, snapshot)

	return func() {
		w.close()
		m.mu.Lock()
		delete(m.reportWatch, w)
		m.mu.Unlock()
	}, nil
}

// AddComment stores a comment and bumps the report's comment count in one step.
func (m *Memory) AddComment(ctx context.Context, c *notifier.Comment) error {
	m.mu.Lock()
	r, ok := m.reports[c.ReportID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("report %s: %w", c.ReportID, notifier.ErrNotFound)
	}
	stored := *c
	m.comments[c.ReportID] = append(m.comments[c.ReportID], &stored)
	ref := notifier.DocRef{Collection: notifier.CollectionReports, ID: c.ReportID}
	m.counters[fieldKey{ref, notifier.FieldCommentCount}]++
	deliveries := m.reportChangedLocked(r.Geohash)
	m.mu.Unlock()

	run(deliveries)
	return nil
}

// Comments lists a report's comments oldest first.
func (m *Memory) Comments(ctx context.Context, reportID string) ([]*notifier.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*notifier.Comment, 0, len(m.comments[reportID]))
	for _, c := range m.comments[reportID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// CreatePost stores a community post.
func (m *Memory) CreatePost(ctx context.Context, p *notifier.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.posts[p.ID]; exists {
		return fmt.Errorf("post %s: %w", p.ID, notifier.ErrAlreadyExists)
	}
	stored := *p
	stored.Likes = 0
	stored.LikedBy = nil
	m.posts[p.ID] = &stored
	return nil
}

// Post loads one post with its like counter and set.
func (m *Memory) Post(ctx context.Context, id string) (*notifier.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", id, notifier.ErrNotFound)
	}
	cp := *p
	ref := notifier.DocRef{Collection: notifier.CollectionPosts, ID: id}
	cp.Likes = m.counters[fieldKey{ref, notifier.FieldLikes}]
	cp.LikedBy = m.membersLocked(ref, notifier.FieldLikedBy)
	return &cp, nil
}

// Increment atomically adds delta to a counter field and returns the new value.
func (m *Memory) Increment(ctx context.Context, ref notifier.DocRef, field string, delta int64) (int64, error) {
	m.mu.Lock()
	geohash, err := m.existsLocked(ref)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	k := fieldKey{ref, field}
	m.counters[k] += delta
	v := m.counters[k]
	deliveries := m.reportChangedLocked(geohash)
	m.mu.Unlock()

	run(deliveries)
	return v, nil
}

// AddMember adds member to a set field. When the member was absent and
// countField is not empty, the counter is incremented in the same step.
func (m *Memory) AddMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error) {
	m.mu.Lock()
	geohash, err := m.existsLocked(ref)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	k := fieldKey{ref, setField}
	set := m.sets[k]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[k] = set
	}
	if _, ok := set[member]; ok {
		m.mu.Unlock()
		return false, nil
	}
	set[member] = struct{}{}
	if countField != "" {
		m.counters[fieldKey{ref, countField}]++
	}
	deliveries := m.reportChangedLocked(geohash)
	m.mu.Unlock()

	run(deliveries)
	return true, nil
}

// RemoveMember is the inverse of AddMember.
func (m *Memory) RemoveMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error) {
	m.mu.Lock()
	geohash, err := m.existsLocked(ref)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	k := fieldKey{ref, setField}
	if _, ok := m.sets[k][member]; !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.sets[k], member)
	if countField != "" {
		m.counters[fieldKey{ref, countField}]--
	}
	deliveries := m.reportChangedLocked(geohash)
	m.mu.Unlock()

	run(deliveries)
	return true, nil
}

// PutSubscription creates or replaces a user's alert subscription.
func (m *Memory) PutSubscription(ctx context.Context, sub *notifier.AlertSubscription) error {
	if sub.UserID == "" || sub.Geohash == "" {
		return fmt.Errorf("%w: subscription user and geohash are required", notifier.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.alerts[sub.UserID] = &cp
	return nil
}

// Subscription loads a user's alert subscription.
func (m *Memory) Subscription(ctx context.Context, userID string) (*notifier.AlertSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.alerts[userID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", userID, notifier.ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

// DeleteSubscription removes a user's alert subscription. Missing is not an error.
func (m *Memory) DeleteSubscription(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerts, userID)
	return nil
}

// QuerySubscriptions returns subscriptions whose center geohash lies in rng.
func (m *Memory) QuerySubscriptions(ctx context.Context, rng geo.Range) ([]*notifier.AlertSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notifier.AlertSubscription
	for _, sub := range m.alerts {
		if rng.Contains(sub.Geohash) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CreateNotification stores rec unless a record with the same id exists.
// It reports whether the record was created.
func (m *Memory) CreateNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error) {
	if rec.ID == "" || rec.UserID == "" {
		return false, fmt.Errorf("%w: notification id and recipient are required", notifier.ErrInvalidArgument)
	}
	m.mu.Lock()
	if _, exists := m.notifications[rec.ID]; exists {
		m.mu.Unlock()
		return false, nil
	}
	cp := *rec
	m.notifications[rec.ID] = &cp
	deliveries := m.notificationsChangedLocked(rec.UserID)
	m.mu.Unlock()

	run(deliveries)
	return true, nil
}

// Notification loads one record.
func (m *Memory) Notification(ctx context.Context, id string) (*notifier.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, notifier.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// UpdateDelivery records the delivery state and attempt count of a record.
func (m *Memory) UpdateDelivery(ctx context.Context, id string, state notifier.DeliveryState, attempts int) error {
	m.mu.Lock()
	rec, ok := m.notifications[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("notification %s: %w", id, notifier.ErrNotFound)
	}
	rec.DeliveryState = state
	rec.DeliveryAttempts = attempts
	deliveries := m.notificationsChangedLocked(rec.UserID)
	m.mu.Unlock()

	run(deliveries)
	return nil
}

// MarkRead marks one of the user's records as read. Already read is a no-op.
func (m *Memory) MarkRead(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	rec, ok := m.notifications[id]
	if !ok || rec.UserID != userID {
		m.mu.Unlock()
		return fmt.Errorf("notification %s: %w", id, notifier.ErrNotFound)
	}
	if rec.Read {
		m.mu.Unlock()
		return nil
	}
	rec.Read = true
	deliveries := m.notificationsChangedLocked(userID)
	m.mu.Unlock()

	run(deliveries)
	return nil
}

// MarkAllRead marks every unread record of the user as read and returns how many changed.
func (m *Memory) MarkAllRead(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	changed := 0
	for _, rec := range m.notifications {
		if rec.UserID == userID && !rec.Read {
			rec.Read = true
			changed++
		}
	}
	var deliveries []pendingDelivery
	if changed > 0 {
		deliveries = m.notificationsChangedLocked(userID)
	}
	m.mu.Unlock()

	run(deliveries)
	return changed, nil
}

// DeleteAll removes every record of the user and returns how many were removed.
func (m *Memory) DeleteAll(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	removed := 0
	for id, rec := range m.notifications {
		if rec.UserID == userID {
			delete(m.notifications, id)
			removed++
		}
	}
	var deliveries []pendingDelivery
	if removed > 0 {
		deliveries = m.notificationsChangedLocked(userID)
	}
	m.mu.Unlock()

	run(deliveries)
	return removed, nil
}

// ListNotifications returns the user's records newest first.
func (m *Memory) ListNotifications(ctx context.Context, userID string) ([]*notifier.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userNotificationsLocked(userID), nil
}

// UnreadCount returns how many of the user's records are unread.
func (m *Memory) UnreadCount(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.notifications {
		if rec.UserID == userID && !rec.Read {
			n++
		}
	}
	return n, nil
}

// PendingNotifications returns up to limit pending records created before the
// cutoff, oldest first, skipping the first offset of them.
func (m *Memory) PendingNotifications(ctx context.Context, before time.Time, offset, limit int) ([]*notifier.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notifier.NotificationRecord
	for _, rec := range m.notifications {
		if rec.DeliveryState == notifier.DeliveryPending && rec.CreatedAt.Before(before) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return pendingLess(out[i], out[j]) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[max(offset, 0):]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SubscribeNotifications delivers the user's records (only unread ones when
// unreadOnly) now and after every change to them.
func (m *Memory) SubscribeNotifications(ctx context.Context, userID string, unreadOnly bool, fn func([]*notifier.NotificationRecord)) (CancelFunc, error) {
	w := &notificationWatcher{
		watcher:    watcher[[]*notifier.NotificationRecord]{fn: fn},
		userID:     userID,
		unreadOnly: unreadOnly,
	}

	m.mu.Lock()
	m.notifyWatch[w] = struct{}{}
	m.version++
	version := m.version
	snapshot := m.userNotificationsLocked(userID)
	if unreadOnly {
		snapshot = unreadOf(snapshot)
	}
	m.mu.Unlock()

	w.deliver(version, snapshot)

	return func() {
		w.close()
		m.mu.Lock()
		delete(m.notifyWatch, w)
		m.mu.Unlock()
	}, nil
}

// RegisterToken creates or refreshes a device token.
func (m *Memory) RegisterToken(ctx context.Context, tok notifier.PushToken) error {
	if tok.UserID == "" || tok.Token == "" {
		return fmt.Errorf("%w: token user and value are required", notifier.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok.LastValidated.IsZero() {
		tok.LastValidated = m.now().UTC()
	}
	if m.tokens[tok.UserID] == nil {
		m.tokens[tok.UserID] = make(map[string]notifier.PushToken)
	}
	m.tokens[tok.UserID][tok.Token] = tok
	return nil
}

// Tokens lists a user's device tokens.
func (m *Memory) Tokens(ctx context.Context, userID string) ([]notifier.PushToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notifier.PushToken, 0, len(m.tokens[userID]))
	for _, tok := range m.tokens[userID] {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// PruneToken permanently removes a device token. Missing is not an error.
func (m *Memory) PruneToken(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens[userID], token)
	return nil
}

func (m *Memory) existsLocked(ref notifier.DocRef) (geohash string, err error) {
	switch ref.Collection {
	case notifier.CollectionReports:
		r, ok := m.reports[ref.ID]
		if !ok {
			return "", fmt.Errorf("%s: %w", ref, notifier.ErrNotFound)
		}
		return r.Geohash, nil
	case notifier.CollectionPosts:
		if _, ok := m.posts[ref.ID]; !ok {
			return "", fmt.Errorf("%s: %w", ref, notifier.ErrNotFound)
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: unknown collection %q", notifier.ErrInvalidArgument, ref.Collection)
}

func (m *Memory) membersLocked(ref notifier.DocRef, field string) []string {
	set := m.sets[fieldKey{ref, field}]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) projectReportLocked(r *notifier.Report) *notifier.Report {
	cp := *r
	ref := notifier.DocRef{Collection: notifier.CollectionReports, ID: r.ID}
	cp.Upvotes = m.counters[fieldKey{ref, notifier.FieldUpvotes}]
	cp.CommentCount = m.counters[fieldKey{ref, notifier.FieldCommentCount}]
	cp.TrackedBy = m.membersLocked(ref, notifier.FieldTrackedBy)
	return &cp
}

func (m *Memory) queryReportsLocked(q ReportQuery) []*notifier.Report {
	var out []*notifier.Report
	for _, r := range m.reports {
		if q.Match(r) {
			out = append(out, m.projectReportLocked(r))
		}
	}
	sortReports(out)
	return out
}

func (m *Memory) userNotificationsLocked(userID string) []*notifier.NotificationRecord {
	var out []*notifier.NotificationRecord
	for _, rec := range m.notifications {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortNotifications(out)
	return out
}

// reportChangedLocked snapshots every report watcher whose range holds geohash.
// An empty geohash (non-report documents) touches nobody.
func (m *Memory) reportChangedLocked(geohash string) []pendingDelivery {
	if geohash == "" {
		return nil
	}
	m.version++
	version := m.version
	var out []pendingDelivery
	for w := range m.reportWatch {
		if !w.query.Range.Contains(geohash) {
			continue
		}
		snapshot := m.queryReportsLocked(w.query)
		out = append(out, func() { w.deliver(version, snapshot) })
	}
	return out
}

func (m *Memory) notificationsChangedLocked(userID string) []pendingDelivery {
	m.version++
	version := m.version
	var all []*notifier.NotificationRecord
	var out []pendingDelivery
	for w := range m.notifyWatch {
		if w.userID != userID {
			continue
		}
		if all == nil {
			all = m.userNotificationsLocked(userID)
		}
		snapshot := all
		if w.unreadOnly {
			snapshot = unreadOf(all)
		}
		out = append(out, func() { w.deliver(version, snapshot) })
	}
	return out
}
