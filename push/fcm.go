package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
)

// FCMProvider sends pushes via the Firebase Cloud Messaging HTTP v1 API.
type FCMProvider struct {
	service *fcm.Service
	logger  *slog.Logger
	parent  string
}

// NewFCMProvider creates a new FCM provider for the given Firebase project.
func NewFCMProvider(service *fcm.Service, projectID string, logger *slog.Logger) *FCMProvider {
	return &FCMProvider{
		service: service,
		parent:  "projects/" + projectID,
		logger:  logger,
	}
}

// Send sends one push via FCM.
func (f *FCMProvider) Send(ctx context.Context, msg Message) error {
	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: msg.Token,
			Notification: &fcm.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: msg.Data,
		},
	}
	if msg.Badge > 0 {
		req.Message.Apns = &fcm.ApnsConfig{
			Payload: googleapi.RawMessage(fmt.Sprintf(`{"aps":{"badge":%d}}`, msg.Badge)),
		}
	}

	startTime := time.Now()
	_, err := f.service.Projects.Messages.Send(f.parent, req).Context(ctx).Do()
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Warn("FCM send failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return classifyFCM(err)
	}

	f.logger.Debug("FCM send completed", "duration_ms", duration.Milliseconds())
	return nil
}

func classifyFCM(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &TransientError{Provider: "fcm", Err: err}
	}
	if strings.Contains(gerr.Body, "UNREGISTERED") {
		return fmt.Errorf("fcm: %s: %w", gerr.Message, ErrInvalidToken)
	}
	return classifyStatus("fcm", gerr.Code, gerr.Message)
}
