package domain

import "errors"

// ErrNotFound is returned by repo and service functions when the requested
// resource does not exist in the database.
// Handlers should map this to HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned by service functions when input fails business
// rule validation (e.g. non-positive offered price, buyer equal to seller).
// Handlers should map this to HTTP 422 Unprocessable Entity.
var ErrValidation = errors.New("validation error")

// ErrConflict is returned by repos when a uniqueness constraint rejects an
// insert. Services translate it; it never reaches a handler on its own.
var ErrConflict = errors.New("conflict")

// Purchase workflow errors. Every one of them maps to a stable error code
// (see Code) so API clients can branch without parsing messages.
var (
	// ErrInvalidTransition means the action is not legal from the current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrForbidden means the actor is not the buyer or seller authorized for the action.
	ErrForbidden = errors.New("forbidden")

	// ErrAmountMismatch means a funding amount differs from the agreed price.
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrAlreadyFunded means a different funding reference was used against a funded escrow.
	ErrAlreadyFunded = errors.New("escrow already funded")

	// ErrInvalidEscrowState means a release was attempted on an escrow that is not funded.
	// It signals an internal invariant violation, not a user mistake.
	ErrInvalidEscrowState = errors.New("invalid escrow state")

	// ErrVerificationUnavailable means the attestation snapshot could not be read.
	// Nothing was recorded; the caller may retry.
	ErrVerificationUnavailable = errors.New("verification unavailable")

	// ErrTransferFailed means a step of the ownership transfer failed.
	// The request stays in transfer_pending; the caller may retry.
	ErrTransferFailed = errors.New("transfer failed")
)

// codes lists sentinels in match order. More specific workflow errors come
// before the generic ones because a single error chain can wrap several.
var codes = []struct {
	err  error
	code string
}{
	{ErrForbidden, "forbidden"},
	{ErrAmountMismatch, "amount_mismatch"},
	{ErrAlreadyFunded, "already_funded"},
	{ErrInvalidEscrowState, "invalid_escrow_state"},
	{ErrVerificationUnavailable, "verification_unavailable"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrNotFound, "not_found"},
	{ErrValidation, "validation_error"},
}

// Code returns the stable machine-readable code for err, or "internal_error"
// when err wraps none of the domain sentinels.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}
