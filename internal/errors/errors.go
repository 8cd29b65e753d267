// Package errors defines the error taxonomy shared by the sync core.
// Sentinels are compared with errors.Is, typed errors with errors.As.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Queue errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSize       = errors.New("stored size must be positive")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrItemBusy          = errors.New("item upload already in progress")
	ErrRetryExhausted    = errors.New("retry budget exhausted, explicit retry required")
)

// Conflict errors.
var (
	ErrAlreadyApplied  = errors.New("conflict already applied with a different strategy")
	ErrEntityBlocked   = errors.New("entity has an unresolved conflict")
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
	ErrVersionMismatch = errors.New("remote version mismatch")
)

// TransientNetworkError is a retryable transfer failure (network, timeout,
// server unavailable). It consumes retry budget.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RemoteRejectedError is a non-retryable refusal by the remote authority,
// for example a validation failure. It is terminal on first occurrence.
type RemoteRejectedError struct {
	Reason string
	Code   int
}

func (e *RemoteRejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote rejected (%d): %s", e.Code, e.Reason)
	}

	return "remote rejected: " + e.Reason
}

// QuotaExceededError is returned when an item cannot be admitted even after
// every eviction candidate has been considered.
type QuotaExceededError struct {
	Requested int64
	Current   int64
	Max       int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("queue quota exceeded: %d bytes requested, %d of %d in use", e.Requested, e.Current, e.Max)
}

// CorruptChunkError reports a chunk set that cannot be reassembled. The
// caller must re-request the listed segments.
type CorruptChunkError struct {
	ItemID     string
	Missing    []int
	Duplicate  []int
	Mismatch   []int
	Unexpected []int
}

func (e *CorruptChunkError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %v", e.Missing))
	}

	if len(e.Duplicate) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate %v", e.Duplicate))
	}

	if len(e.Mismatch) > 0 {
		parts = append(parts, fmt.Sprintf("digest mismatch %v", e.Mismatch))
	}

	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected %v", e.Unexpected))
	}

	return fmt.Sprintf("corrupt chunks for item %s: %s", e.ItemID, strings.Join(parts, ", "))
}

// IncompleteSelectionError rejects a merge that lacks a decision for one or
// more conflicting fields.
type IncompleteSelectionError struct {
	ConflictID string
	Missing    []string
}

func (e *IncompleteSelectionError) Error() string {
	return fmt.Sprintf("merge for conflict %s missing selections for %s", e.ConflictID, strings.Join(e.Missing, ", "))
}

// ConcurrentModificationError means the remote snapshot changed between
// detection and apply. The conflict has been refreshed and must be
// presented again.
type ConcurrentModificationError struct {
	ConflictID      string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("remote changed since conflict %s was detected (version %d, now %d)",
		e.ConflictID, e.ExpectedVersion, e.ActualVersion)
}

// IsRetryable reports whether a transfer failure should consume retry
// budget and be attempted again. Remote rejections and locally corrupt
// chunk sets are not retryable. Unclassified errors are treated as
// transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rejected *RemoteRejectedError
	if errors.As(err, &rejected) {
		return false
	}

	var corrupt *CorruptChunkError
	if errors.As(err, &corrupt) {
		return false
	}

	return true
}
