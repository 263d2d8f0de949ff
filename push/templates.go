package push

import (
	"strings"
	"unicode/utf8"

	"nearby-alerts/pkg/notifier"
)

// Push services truncate long text on the lock screen anyway; keep payloads small.
const (
	maxTitleRunes = 65
	maxBodyRunes  = 178
)

// Format builds the push message for one record and device token.
func Format(rec *notifier.NotificationRecord, token string, unread int) Message {
	title := sanitize(rec.Title)
	if title == "" {
		title = defaultTitle(rec.Type)
	}

	data := map[string]string{
		"notification_id": rec.ID,
		"type":            string(rec.Type),
	}
	if rec.ReportID != "" {
		data["report_id"] = rec.ReportID
	}
	if rec.PostID != "" {
		data["post_id"] = rec.PostID
	}

	return Message{
		Token: token,
		Title: truncate(title, maxTitleRunes),
		Body:  truncate(sanitize(rec.Message), maxBodyRunes),
		Data:  data,
		Badge: unread,
	}
}

func defaultTitle(t notifier.NotificationType) string {
	switch t {
	case notifier.NotifyNearbyAlert, notifier.NotifyNewReport:
		return "New report nearby"
	case notifier.NotifyComment:
		return "New comment"
	case notifier.NotifyUpvote:
		return "New upvote"
	case notifier.NotifyLike:
		return "New like"
	case notifier.NotifyStatusChange:
		return "Report updated"
	}
	return "Notification"
}

// sanitize drops control characters and collapses whitespace runs.
func sanitize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t' || r == ' ':
			space = true
			continue
		case r < 32 || r == 127:
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:max-1]), " ") + "…"
}
