package generation

import "errors"

// Common errors returned by the generation package
var (
	// ErrGenerationFailed is returned when generation fails for any general reason
	ErrGenerationFailed = errors.New("generation failed")

	// ErrInvalidResponse is returned when the provider response cannot be parsed or is malformed
	ErrInvalidResponse = errors.New("invalid response from provider")

	// ErrContentBlocked is returned when the provider blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by provider safety filters")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("transient provider error")

	// ErrInvalidRequest is returned when the provider rejects the request itself
	ErrInvalidRequest = errors.New("request rejected by provider")

	// ErrPollTimeout is returned when polling ends without a terminal status
	ErrPollTimeout = errors.New("provider did not reach a terminal status before the poll deadline")

	// ErrInvalidConfig is returned when the adapter configuration is invalid
	ErrInvalidConfig = errors.New("invalid adapter configuration")

	// ErrUnknownProvider is returned when no adapter is registered under a name
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnsupportedKind is returned when an adapter cannot handle a task kind
	ErrUnsupportedKind = errors.New("task kind not supported by provider")

	// ErrInvalidCallback is returned when a callback body cannot be decoded
	ErrInvalidCallback = errors.New("invalid callback payload")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFailure)
}
