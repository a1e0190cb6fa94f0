package domain

import "errors"

// Error taxonomy for the scoring and case pipeline. Recoverable errors are
// retried locally with bounded attempts; everything else is surfaced as an
// alert or explicit API error. A risk signal is never silently dropped.
var (
	// ErrInvalidInput marks a malformed event or request. The event is
	// rejected and logged; the behavior profile is not touched.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrProfileNotFound marks the first-ever event for an entity. The
	// feature extractor falls back to neutral defaults with low confidence.
	ErrProfileNotFound = errors.New("behavior profile not found")

	// ErrInvalidModelConfig marks an unusable model set (e.g. ensemble
	// weights that do not sum to 1).
	ErrInvalidModelConfig = errors.New("invalid model configuration")

	// ErrScoringTimeout marks a scoring or network-analysis deadline miss.
	// The pipeline falls back to a conservative band, never "low".
	ErrScoringTimeout = errors.New("scoring deadline exceeded")

	// ErrActionCooldown marks an execution suppressed by the per
	// (entity, actionType) cooldown window.
	ErrActionCooldown = errors.New("action within cooldown window")

	// ErrAlreadyClaimed marks a lost case-claim race.
	ErrAlreadyClaimed = errors.New("case already claimed")

	// ErrResolutionRequired marks a close attempt without a resolution.
	ErrResolutionRequired = errors.New("resolution required to close case")

	// ErrInvalidTransition marks a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateEvent marks an at-least-once redelivery caught by the
	// event-ID dedupe check.
	ErrDuplicateEvent = errors.New("duplicate event")
)
