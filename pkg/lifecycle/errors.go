package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate means the envelope was already turned into a record. The
	// envelope is acknowledged and nothing is sent.
	ErrDuplicate = errors.New("notification already recorded")
	// ErrStaleIndexEntry means a due index entry pointed at a missing or
	// non-pending record. The entry is dropped.
	ErrStaleIndexEntry = errors.New("due index entry has no pending record")
	ErrThreadMismatch  = errors.New("thread reference does not match notification")
	ErrUnknownEnv      = errors.New("unknown environment")
	// ErrEnvRequired rejects a callback whose id is a log entry id, which
	// every environment's log hands out independently.
	ErrEnvRequired = errors.New("env is required for this id")
)

// TransientDeliveryError is an outbound send that failed. The envelope stays
// unacknowledged, or the due entry stays in place, so it is retried.
type TransientDeliveryError struct {
	ID  string
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s failed: %v", e.ID, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// StoreUnavailableError wraps a backing store failure. The unit of work is
// abandoned without side effects beyond what was already written.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// MalformedEnvelopeError is a log entry that can never be processed.
type MalformedEnvelopeError struct {
	EntryID string
	Err     error
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("entry %s: %v", e.EntryID, e.Err)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}
