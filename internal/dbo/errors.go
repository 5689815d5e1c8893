package dbo

import "github.com/s2opc-rt/pubsubcore/internal/status"

// Re-exported for callers that only import dbo; all equal the shared
// status sentinels so errors.Is works across package boundaries.
var (
	ErrBadArg         = status.ErrBadArg
	ErrNoWritableSlot = status.ErrNoWritableSlot
	ErrOutOfRange     = status.ErrOutOfRange
	ErrViolation      = status.ErrViolation
)
