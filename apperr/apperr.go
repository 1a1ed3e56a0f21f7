// Package apperr defines the error taxonomy shared by every core subsystem.
//
// Handlers and workers distinguish between kinds with errors.Is, never by
// inspecting error strings. A kind carries no payload of its own; callers
// wrap it with xerrors.Errorf("...: %w", ErrFormInvalid) to attach context
// while keeping the sentinel comparable.
package apperr

import "errors"

var (
	// ErrFormInvalid means a subscriber name or email was rejected by
	// validation.
	ErrFormInvalid = errors.New("form data failed validation")

	// ErrTokenInvalid means a confirmation token failed to parse (wrong
	// length or non-alphanumeric characters).
	ErrTokenInvalid = errors.New("confirmation token is malformed")

	// ErrTokenUnknown means a token parsed fine but no subscriber owns it.
	ErrTokenUnknown = errors.New("confirmation token not found")

	// ErrAlreadyConfirmed means the subscription is already in its
	// terminal state.
	ErrAlreadyConfirmed = errors.New("subscription is already confirmed")

	// ErrAuthRequired means a protected route was hit without a valid
	// session.
	ErrAuthRequired = errors.New("authentication required")

	// ErrIdempotencyMalformed means the idempotency key was missing or
	// exceeded the maximum length.
	ErrIdempotencyMalformed = errors.New("idempotency key missing or too long")

	// ErrTransportFailed means the email provider rejected the request or
	// the call timed out.
	ErrTransportFailed = errors.New("email transport failed")

	// ErrStorageFailed means a database operation failed.
	ErrStorageFailed = errors.New("storage operation failed")
)

// Kind classifies an error for the purposes of HTTP status mapping and log
// level. It returns the sentinel the error chain matches, or nil if err
// doesn't match any known taxonomy member (the "unexpected" kind in the
// spec -- always logged at error level with its full chain).
func Kind(err error) error {
	for _, sentinel := range []error{
		ErrFormInvalid,
		ErrTokenInvalid,
		ErrTokenUnknown,
		ErrAlreadyConfirmed,
		ErrAuthRequired,
		ErrIdempotencyMalformed,
		ErrTransportFailed,
		ErrStorageFailed,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// Loggable reports whether an error should be logged at error level with its
// full cause chain. Validation-flavored kinds and the terminal
// already-confirmed/auth-required kinds are surfaced to the user instead and
// must never be logged as errors.
func Loggable(err error) bool {
	switch Kind(err) {
	case ErrFormInvalid, ErrTokenInvalid, ErrAlreadyConfirmed, ErrAuthRequired, ErrIdempotencyMalformed:
		return false
	default:
		return true
	}
}
