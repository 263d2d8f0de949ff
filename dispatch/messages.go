package dispatch

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"nearby-alerts/pkg/notifier"
)

// recordNamespace scopes record ids derived from event keys.
var recordNamespace = uuid.MustParse("6f1c2b7e-4d0a-5b8e-9c3f-2a7d1e6b0c45")

// RecordID is the record id for one recipient of one event. Replays of the
// event yield the same id.
func RecordID(eventKey, recipient string) string {
	return uuid.NewSHA1(recordNamespace, []byte(eventKey+"\x00"+recipient)).String()
}

func eventReportCreated(reportID string) string {
	return "report-created/" + reportID
}

func eventStatusChange(r *notifier.Report) string {
	return "status/" + r.ID + "/" + string(r.Status)
}

// eventInteraction keys likes and upvotes by actor, so toggling off and on
// again does not notify twice. Comments are keyed by comment id when given.
func eventInteraction(in Interaction) string {
	id := in.EventID
	if id == "" {
		id = in.ActorID
	}
	return string(in.Kind) + "/" + in.TargetID + "/" + id
}

func (d *Dispatcher) newRecord(eventKey, recipient string, typ notifier.NotificationType, title, message, reportID, postID string) *notifier.NotificationRecord {
	return &notifier.NotificationRecord{
		ID:            RecordID(eventKey, recipient),
		UserID:        recipient,
		Type:          typ,
		Title:         title,
		Message:       message,
		ReportID:      reportID,
		PostID:        postID,
		CreatedAt:     d.now().UTC(),
		DeliveryState: notifier.DeliveryPending,
	}
}

func typeLabel(t notifier.ReportType) string {
	switch t {
	case notifier.ReportCrime:
		return "Crime"
	case notifier.ReportLostItem:
		return "Lost item"
	case notifier.ReportMissingPet:
		return "Missing pet"
	case notifier.ReportHazard:
		return "Hazard"
	}
	return "Incident"
}

func nearbyTitle(t notifier.ReportType) string {
	return typeLabel(t) + " reported nearby"
}

func nearbyMessage(r *notifier.Report, distKm float64) string {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = typeLabel(r.Type)
	}
	if distKm < 1 {
		return fmt.Sprintf("%s (%d m from your alert area center)", title, int(distKm*1000))
	}
	return fmt.Sprintf("%s (%.1f km from your alert area center)", title, distKm)
}

func commentMessage(preview string) string {
	preview = strings.TrimSpace(preview)
	if preview == "" {
		return "Someone commented on your report."
	}
	return preview
}

func likeMessage(preview string) string {
	preview = strings.TrimSpace(preview)
	if preview == "" {
		return "Someone liked your post."
	}
	return fmt.Sprintf("Someone liked: %q", preview)
}

func statusTitle(s notifier.ReportStatus) string {
	if s == notifier.StatusResolved {
		return "A report you follow was resolved"
	}
	return "A report you follow was updated"
}
