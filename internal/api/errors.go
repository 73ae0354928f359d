package api

import "errors"

// Error kinds raised synchronously at the offending call. A failed
// operation never leaves partial state behind; callers may retry with
// corrected input. Match with errors.Is.
var (
	// ErrConfiguration marks invalid or missing parameters: an empty
	// reference, a selector yielding unknown columns, an ensemble member
	// requiring labels the ensemble does not supply.
	ErrConfiguration = errors.New("configuration error")

	// ErrState marks an operation that requires a prior SetReference or
	// Build which has not happened yet.
	ErrState = errors.New("state error")

	// ErrShape marks a dimensionality or column mismatch between the
	// reference and a later update.
	ErrShape = errors.New("shape error")
)
