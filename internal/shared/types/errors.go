package types

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkspaceNotFound is returned for operations on unknown
	// workspace ids. Fatal only to the calling request.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrSlotNotFound is returned for operations on unknown slot ids.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrVersionConflict is returned when a delta insert breaks the
	// monotonic, gapless version contract for a workspace.
	ErrVersionConflict = errors.New("delta version conflict")
)

// PersistenceError wraps sync-store I/O failures. The live event path
// must keep functioning when one of these surfaces; catch-up degrades
// to a full resync instead.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err with the failing store operation.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is a sync-store failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
