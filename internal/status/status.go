// Package status defines the sentinel errors shared by every core
// component (DBO, MBX, IRT, Publisher, Subscriber). Every fallible
// operation in the core returns one of these, or nil for the implicit
// Ok case, so callers can use errors.Is regardless of which layer raised
// the error.
package status

import "errors"

var (
	// ErrBadArg marks a null reference, zero size, or out-of-range id.
	ErrBadArg = errors.New("status: bad argument")

	// ErrInvalidState marks a use-counter CAS failure, a reentrant call,
	// or an attempt to destroy a component while it is in use.
	ErrInvalidState = errors.New("status: invalid state")

	// ErrNoWritableSlot marks a DBO unable to find a slot that is not
	// currently being read. Transient; callers should retry.
	ErrNoWritableSlot = errors.New("status: no writable slot")

	// ErrOverflow marks a payload exceeding its configured maximum.
	ErrOverflow = errors.New("status: overflow")

	// ErrOutOfMemory marks an allocation failure during Create/Initialize.
	ErrOutOfMemory = errors.New("status: out of memory")

	// ErrOutOfRange marks a write whose offset+length exceeds the slot size.
	ErrOutOfRange = errors.New("status: out of range")

	// ErrViolation marks an unreachable-under-correct-use atomic race,
	// e.g. a reader observed on a slot a writer is about to commit.
	ErrViolation = errors.New("status: programmer error (violation)")

	// ErrNok is the catch-all for unexpected conditions that should be
	// unreachable under correct use; treated as fatal for the affected
	// instance.
	ErrNok = errors.New("status: nok")
)
