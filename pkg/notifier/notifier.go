// Package notifier contains the core domain types for the nearby-alerts service.
package notifier

import (
	"fmt"
	"math"
	"time"
)

// GeoPoint is an immutable latitude/longitude pair in degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate reports ErrInvalidArgument when the point is outside [-90,90] x [-180,180].
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return fmt.Errorf("%w: coordinate is NaN", ErrInvalidArgument)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidArgument, p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidArgument, p.Longitude)
	}
	return nil
}

// ReportType classifies an incident report.
type ReportType string

// Report types.
const (
	ReportCrime      ReportType = "crime"
	ReportLostItem   ReportType = "lost_item"
	ReportMissingPet ReportType = "missing_pet"
	ReportHazard     ReportType = "hazard"
)

// Valid reports whether t is one of the known report types.
func (t ReportType) Valid() bool {
	switch t {
	case ReportCrime, ReportLostItem, ReportMissingPet, ReportHazard:
		return true
	}
	return false
}

// ReportStatus is the lifecycle state of a report. Resolved is terminal.
type ReportStatus string

// Report statuses.
const (
	StatusOpen     ReportStatus = "open"
	StatusResolved ReportStatus = "resolved"
)

// Report is a geotagged incident.
// Geohash is derived from Location once at creation and never changes.
type Report struct {
	CreatedAt    time.Time    `json:"created_at"`
	Location     GeoPoint     `json:"location"`
	ID           string       `json:"id"`
	Type         ReportType   `json:"type"`
	Title        string       `json:"title,omitempty"`
	Description  string       `json:"description,omitempty"`
	Geohash      string       `json:"geohash"`
	Status       ReportStatus `json:"status"`
	UserID       string       `json:"user_id,omitempty"` // Empty for anonymous reports
	TrackedBy    []string     `json:"tracked_by,omitempty"`
	Upvotes      int64        `json:"upvotes"`
	CommentCount int64        `json:"comment_count"`
}

// ReportFilter holds the equality filters applied alongside a geohash range.
// Zero values mean "any".
type ReportFilter struct {
	Types  []ReportType `json:"types,omitempty"`
	Status ReportStatus `json:"status,omitempty"`
}

// Match reports whether r satisfies the filter.
func (f ReportFilter) Match(r *Report) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if r.Type == t {
			return true
		}
	}
	return false
}

// AlertSubscription is a user's saved alert area.
type AlertSubscription struct {
	UpdatedAt   time.Time    `json:"updated_at"`
	Center      GeoPoint     `json:"center"`
	UserID      string       `json:"user_id"`
	Geohash     string       `json:"geohash"`                // Geohash of Center, for reverse lookups
	NotifyTypes []ReportType `json:"notify_types,omitempty"` // Empty means every type
	RadiusKm    float64      `json:"radius_km"`
}

// Wants reports whether the subscriber opted in to reports of type t.
func (s *AlertSubscription) Wants(t ReportType) bool {
	if len(s.NotifyTypes) == 0 {
		return true
	}
	for _, nt := range s.NotifyTypes {
		if nt == t {
			return true
		}
	}
	return false
}

// NotificationType classifies a notification record.
type NotificationType string

// Notification types.
const (
	NotifyNewReport    NotificationType = "new_report"
	NotifyComment      NotificationType = "comment"
	NotifyUpvote       NotificationType = "upvote"
	NotifyLike         NotificationType = "like"
	NotifyNearbyAlert  NotificationType = "nearby_alert"
	NotifyStatusChange NotificationType = "status_change"
)

// DeliveryState is the aggregate push delivery state of a record.
type DeliveryState string

// Delivery states. Sent and Failed are terminal.
const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// NotificationRecord is the durable in-app notification.
// Only the recipient mutates Read; only the dispatcher mutates delivery fields.
type NotificationRecord struct {
	CreatedAt        time.Time        `json:"created_at"`
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"` // Recipient
	Type             NotificationType `json:"type"`
	Title            string           `json:"title"`
	Message          string           `json:"message"`
	ReportID         string           `json:"report_id,omitempty"`
	PostID           string           `json:"post_id,omitempty"`
	DeliveryState    DeliveryState    `json:"delivery_state"`
	DeliveryAttempts int              `json:"delivery_attempts"`
	Read             bool             `json:"read"`
}

// PushToken is a device token registered by a client.
type PushToken struct {
	LastValidated time.Time `json:"last_validated"`
	UserID        string    `json:"user_id"`
	Token         string    `json:"token"`
	Platform      string    `json:"platform,omitempty"` // "expo" or "fcm"
}

// Post is a community feed post that can be liked.
type Post struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	LikedBy   []string  `json:"liked_by,omitempty"`
	Likes     int64     `json:"likes"`
}

// Comment is a comment on a report.
type Comment struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
}

// Collection names used for counter and set references.
const (
	CollectionReports = "reports"
	CollectionPosts   = "posts"
)

// Report document fields mutated atomically.
const (
	FieldUpvotes      = "upvotes"
	FieldUpvotedBy    = "upvoted_by"
	FieldCommentCount = "comment_count"
	FieldTrackedBy    = "tracked_by"
	FieldLikes        = "likes"
	FieldLikedBy      = "liked_by"
)

// DocRef addresses one document for atomic field operations.
type DocRef struct {
	Collection string
	ID         string
}

func (d DocRef) String() string {
	return d.Collection + "/" + d.ID
}
