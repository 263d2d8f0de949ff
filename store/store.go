// Package store implements the document store the proximity and notification
// core runs against: an in-process Memory store with live subscriptions and a
// Redis-backed store for deployments.
package store

import (
	"sort"

	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
)

// ReportQuery selects reports whose geohash lies in Range and that satisfy Filter.
type ReportQuery struct {
	Range  geo.Range
	Filter notifier.ReportFilter
}

// Match reports whether r is selected by the query.
func (q ReportQuery) Match(r *notifier.Report) bool {
	return q.Range.Contains(r.Geohash) && q.Filter.Match(r)
}

// CancelFunc stops a live subscription. Once it returns the callback is never
// invoked again. It must not be called from inside the callback.
type CancelFunc func()

func sortReports(rs []*notifier.Report) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}

// sortNotifications orders newest first.
func sortNotifications(rs []*notifier.NotificationRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func unreadOf(rs []*notifier.NotificationRecord) []*notifier.NotificationRecord {
	out := rs[:0:0]
	for _, r := range rs {
		if !r.Read {
			out = append(out, r)
		}
	}
	return out
}

// pendingLess orders pending records oldest first, ties by id.
func pendingLess(a, b *notifier.NotificationRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
