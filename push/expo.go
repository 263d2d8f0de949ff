package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"nearby-alerts/pkg/notifier"
)

// ExpoEndpoint is the Expo push API send URL.
const ExpoEndpoint = "https://exp.host/--/api/v2/push/send"

// ExpoProvider sends pushes via the Expo push service.
type ExpoProvider struct {
	client      *http.Client
	logger      *slog.Logger
	endpoint    string
	accessToken string
}

// NewExpoProvider creates a new Expo push provider. accessToken may be empty
// when enhanced push security is off for the project.
func NewExpoProvider(endpoint, accessToken string, logger *slog.Logger) *ExpoProvider {
	if endpoint == "" {
		endpoint = ExpoEndpoint
	}
	return &ExpoProvider{
		endpoint:    endpoint,
		accessToken: accessToken,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

type expoMessage struct {
	Data  map[string]string `json:"data,omitempty"`
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound,omitempty"`
	Badge int               `json:"badge,omitempty"`
}

type expoTicket struct {
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type expoResponse struct {
	Data   expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send sends one push via the Expo API.
func (e *ExpoProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(expoMessage{
		To:    msg.Token,
		Title: msg.Title,
		Body:  msg.Body,
		Data:  msg.Data,
		Sound: "default",
		Badge: msg.Badge,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.accessToken)
	}

	startTime := time.Now()
	resp, err := e.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		e.logger.Warn("Expo push request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return &TransientError{Provider: "expo", Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Provider: "expo", StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("Expo push returned non-2xx status",
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds())
		return classifyStatus("expo", resp.StatusCode, string(raw))
	}

	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("expo: decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return &TransientError{Provider: "expo", StatusCode: resp.StatusCode, Err: errors.New(out.Errors[0].Message)}
	}

	switch out.Data.Status {
	case "ok":
		e.logger.Debug("Expo push accepted", "duration_ms", duration.Milliseconds())
		return nil
	case "error":
		switch out.Data.Details.Error {
		case "DeviceNotRegistered":
			return fmt.Errorf("expo: %s: %w", out.Data.Message, ErrInvalidToken)
		case "MessageRateExceeded":
			return &TransientError{Provider: "expo", StatusCode: resp.StatusCode, Err: errors.New(out.Data.Message)}
		default:
			return fmt.Errorf("expo: %s (%s): %w", out.Data.Message, out.Data.Details.Error, notifier.ErrPermanentRejection)
		}
	}
	return fmt.Errorf("expo: unexpected ticket status %q", out.Data.Status)
}
