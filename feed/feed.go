// Package feed keeps a live, deduplicated view of the reports within a radius
// of a point, merged from one store subscription per geohash range.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
	"nearby-alerts/store"
)

// MinMoveKm is the smallest center movement that re-issues the range
// subscriptions when the radius is unchanged.
const MinMoveKm = 0.05

// Material reports whether moving a view from (center, radiusKm) to
// (next, nextRadiusKm) changes its coverage enough to re-query.
func Material(center notifier.GeoPoint, radiusKm float64, next notifier.GeoPoint, nextRadiusKm float64) bool {
	return radiusKm != nextRadiusKm || geo.Haversine(center, next) >= MinMoveKm
}

// ErrClosed is returned by Retarget after Unsubscribe.
var ErrClosed = errors.New("feed: subscription closed")

// Subscriber opens a live range query. The callback receives the full result
// of the range on every change.
type Subscriber interface {
	SubscribeReports(ctx context.Context, q store.ReportQuery, fn func([]*notifier.Report)) (store.CancelFunc, error)
}

// Feed opens live nearby-report subscriptions.
type Feed struct {
	store  Subscriber
	logger *slog.Logger
}

// New creates a feed over the given store.
func New(s Subscriber, logger *slog.Logger) *Feed {
	return &Feed{store: s, logger: logger}
}

// Subscription is one live nearby view. onUpdate calls are serialized and
// always carry the complete current set, nearest coverage only.
type Subscription struct {
	feed     *Feed
	onUpdate func([]*notifier.Report)
	filter   notifier.ReportFilter

	gen atomic.Uint64 // written under mu

	mu            sync.Mutex
	center        notifier.GeoPoint
	radiusKm      float64
	ranges        int
	contributions map[int][]*notifier.Report
	cancels       []store.CancelFunc
	last          map[string]*notifier.Report
	emitted       bool
	closed        bool
}

// Subscribe opens the view and delivers the initial set once every range has
// answered. onUpdate must not call Unsubscribe or Retarget synchronously.
func (f *Feed) Subscribe(ctx context.Context, center notifier.GeoPoint, radiusKm float64, filter notifier.ReportFilter, onUpdate func([]*notifier.Report)) (*Subscription, error) {
	bounds, err := geo.QueryBounds(center, radiusKm)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		feed:          f,
		onUpdate:      onUpdate,
		filter:        filter,
		center:        center,
		radiusKm:      radiusKm,
		ranges:        len(bounds),
		contributions: make(map[int][]*notifier.Report),
	}
	s.gen.Store(1)
	if err := s.open(ctx, 1, bounds); err != nil {
		return nil, err
	}

	f.logger.Debug("Feed subscribed", "lat", center.Latitude, "lng", center.Longitude, "radius_km", radiusKm, "ranges", len(bounds))
	return s, nil
}

// Retarget moves the view. The previous range subscriptions are torn down and
// nothing from the old coverage reaches onUpdate afterwards; the next call
// carries only the new coverage and is made even when the set is unchanged.
// Moves under MinMoveKm with the same radius are ignored.
func (s *Subscription) Retarget(ctx context.Context, center notifier.GeoPoint, radiusKm float64) error {
	bounds, err := geo.QueryBounds(center, radiusKm)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !Material(s.center, s.radiusKm, center, radiusKm) {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen.Add(1)
	old := s.cancels
	s.cancels = nil
	s.center = center
	s.radiusKm = radiusKm
	s.ranges = len(bounds)
	s.contributions = make(map[int][]*notifier.Report)
	s.emitted = false
	s.mu.Unlock()

	for _, cancel := range old {
		cancel()
	}

	s.feed.logger.Debug("Feed retargeted", "lat", center.Latitude, "lng", center.Longitude, "radius_km", radiusKm, "ranges", len(bounds))
	return s.open(ctx, gen, bounds)
}

// Generation identifies the coverage onUpdate currently describes. It starts
// at 1 and grows with every material Retarget. Safe to call from onUpdate.
func (s *Subscription) Generation() uint64 {
	return s.gen.Load()
}

// Unsubscribe stops every range subscription. onUpdate is never called after
// it returns. Calling it twice is harmless.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Current returns the last delivered set ordered by id.
func (s *Subscription) Current() []*notifier.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.last)
}

// open subscribes every range for generation gen. The store may deliver the
// first snapshot synchronously, so s.mu is not held here.
func (s *Subscription) open(ctx context.Context, gen uint64, bounds geo.Bounds) error {
	cancels := make([]store.CancelFunc, 0, len(bounds))
	for i, rng := range bounds {
		idx := i
		cancel, err := s.feed.store.SubscribeReports(ctx, store.ReportQuery{Range: rng, Filter: s.filter}, func(reports []*notifier.Report) {
			s.receive(gen, idx, reports)
		})
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return fmt.Errorf("subscribe range %s..%s: %w", rng.Lower, rng.Upper, err)
		}
		cancels = append(cancels, cancel)
	}

	s.mu.Lock()
	if s.closed || s.gen.Load() != gen {
		// Superseded while subscribing.
		s.mu.Unlock()
		for _, c := range cancels {
			c()
		}
		return nil
	}
	s.cancels = cancels
	s.mu.Unlock()
	return nil
}

// receive replaces one range's contribution and emits the merged set when it
// changed. Ranges from geo.QueryBounds are disjoint, so a report belongs to
// exactly one contribution and arrival order across ranges cannot hide it.
func (s *Subscription) receive(gen uint64, idx int, reports []*notifier.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.gen.Load() {
		return
	}
	s.contributions[idx] = reports
	if len(s.contributions) < s.ranges {
		return
	}

	merged := make(map[string]*notifier.Report)
	for _, rs := range s.contributions {
		for _, r := range rs {
			if geo.Within(s.center, r.Location, s.radiusKm) {
				merged[r.ID] = r
			}
		}
	}
	if s.emitted && sameSet(s.last, merged) {
		return
	}
	s.last = merged
	s.emitted = true
	s.onUpdate(sortedValues(merged))
}

func sortedValues(m map[string]*notifier.Report) []*notifier.Report {
	out := make([]*notifier.Report, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameSet(a, b map[string]*notifier.Report) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ra := range a {
		rb, ok := b[id]
		if !ok || !sameReport(ra, rb) {
			return false
		}
	}
	return true
}

// sameReport compares the fields that can change after creation.
func sameReport(a, b *notifier.Report) bool {
	if a.Status != b.Status || a.Upvotes != b.Upvotes || a.CommentCount != b.CommentCount {
		return false
	}
	if len(a.TrackedBy) != len(b.TrackedBy) {
		return false
	}
	for i := range a.TrackedBy {
		if a.TrackedBy[i] != b.TrackedBy[i] {
			return false
		}
	}
	return true
}
