package notifier

import "errors"

// Error taxonomy shared by every package. Wrap with fmt.Errorf("...: %w", Err...)
// and match with errors.Is.
var (
	// ErrInvalidArgument marks malformed input (bad radius or coordinates). Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a document that vanished between query and use.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a document whose id is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransientIO marks a store or provider that is temporarily unreachable.
	ErrTransientIO = errors.New("transient i/o failure")

	// ErrPermanentRejection marks a push token the provider will never accept again.
	ErrPermanentRejection = errors.New("permanent rejection")

	// ErrUnauthorized marks a mutation attempted by a non-owner.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeliveryFailed is reported once push delivery exhausted its retry budget.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// IsNotFound reports whether err indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
