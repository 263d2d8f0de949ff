// Package match finds reports inside a circular search area: coarse geohash
// range queries followed by exact great-circle refinement.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
	"nearby-alerts/store"
)

// Querier runs one geohash range query.
type Querier interface {
	QueryReports(ctx context.Context, q store.ReportQuery) ([]*notifier.Report, error)
}

// Matcher runs proximity queries against a Querier.
type Matcher struct {
	store  Querier
	logger *slog.Logger
}

// New creates a matcher.
func New(s Querier, logger *slog.Logger) *Matcher {
	return &Matcher{store: s, logger: logger}
}

// FindWithinRadius returns every report within radiusKm of center that passes
// filter. Each report appears once. No ordering is guaranteed; see SortByDistance.
func (m *Matcher) FindWithinRadius(ctx context.Context, center notifier.GeoPoint, radiusKm float64, filter notifier.ReportFilter) ([]*notifier.Report, error) {
	bounds, err := geo.QueryBounds(center, radiusKm)
	if err != nil {
		return nil, err
	}
	boxes, _ := geo.BoundingBoxes(center, radiusKm)

	var (
		mu         sync.Mutex
		candidates = make(map[string]*notifier.Report)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rng := range bounds {
		g.Go(func() error {
			reports, err := m.store.QueryReports(gctx, store.ReportQuery{Range: rng, Filter: filter})
			if err != nil {
				return fmt.Errorf("query range %s..%s: %w", rng.Lower, rng.Upper, err)
			}
			mu.Lock()
			for _, r := range reports {
				// Range cells reach past the disc's boxes; skip those early.
				if geo.Covers(boxes, r.Location) {
					candidates[r.ID] = r
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := Refine(candidates, center, radiusKm)
	m.logger.Debug("Proximity query completed",
		"lat", center.Latitude,
		"lng", center.Longitude,
		"radius_km", radiusKm,
		"ranges", len(bounds),
		"candidates", len(candidates),
		"matches", len(matches))
	return matches, nil
}

// Refine keeps the candidates whose exact distance to center is within radiusKm.
func Refine(candidates map[string]*notifier.Report, center notifier.GeoPoint, radiusKm float64) []*notifier.Report {
	out := make([]*notifier.Report, 0, len(candidates))
	for _, r := range candidates {
		if geo.Within(center, r.Location, radiusKm) {
			out = append(out, r)
		}
	}
	return out
}

// SortByDistance orders reports nearest-first from center, ties broken by id.
func SortByDistance(reports []*notifier.Report, center notifier.GeoPoint) {
	sort.SliceStable(reports, func(i, j int) bool {
		di := geo.Haversine(center, reports[i].Location)
		dj := geo.Haversine(center, reports[j].Location)
		if di != dj {
			return di < dj
		}
		return reports[i].ID < reports[j].ID
	})
}
