// Package push delivers notification messages to device tokens via multiple providers.
package push

import (
	"context"
	"errors"
	"fmt"

	"nearby-alerts/pkg/notifier"
)

// ErrInvalidToken means the provider rejected the token for good. The token
// should be pruned and never retried.
var ErrInvalidToken = fmt.Errorf("%w: invalid push token", notifier.ErrPermanentRejection)

// Message is one push to one device.
type Message struct {
	Data  map[string]string
	Token string
	Title string
	Body  string
	Badge int
}

// Provider defines the interface for push sending implementations.
// Send makes exactly one attempt; retrying is up to the caller.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// TransientError is a failure worth retrying (throttling, 5xx, network).
type TransientError struct {
	Err        error
	Provider   string
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is makes every TransientError match notifier.ErrTransientIO.
func (e *TransientError) Is(target error) bool { return target == notifier.ErrTransientIO }

// IsInvalidToken reports whether err means the token must be pruned.
func IsInvalidToken(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, notifier.ErrPermanentRejection)
}

// classifyStatus maps an HTTP status from a push API to the error taxonomy.
func classifyStatus(provider string, status int, detail string) error {
	switch {
	case status == 404 || status == 410:
		return fmt.Errorf("%s: HTTP %d: %s: %w", provider, status, detail, ErrInvalidToken)
	case status == 429 || status >= 500:
		return &TransientError{Provider: provider, StatusCode: status, Err: errors.New(detail)}
	default:
		return fmt.Errorf("%s: HTTP %d: %s: %w", provider, status, detail, notifier.ErrPermanentRejection)
	}
}
