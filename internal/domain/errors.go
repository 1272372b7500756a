package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderUnavailable marks a transient provider failure worth retrying.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRegionNotFound is returned when a region id is unknown.
	ErrRegionNotFound = errors.New("region not found")

	// ErrNoBaseline is returned when a region has no baseline snapshot at
	// or before the requested date.
	ErrNoBaseline = errors.New("no baseline snapshot")

	// ErrRegionBoundaryLocked is returned when changing the boundary of a
	// region that alerts already reference.
	ErrRegionBoundaryLocked = errors.New("region boundary is locked by existing alerts")
)

// AlignmentError reports a record that could not be placed on the analysis
// grid. The record is excluded from fusion, never zero-filled.
type AlignmentError struct {
	RecordKey string
	CellID    CellID
	Reason    string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("align record %s (cell %s): %s", e.RecordKey, e.CellID, e.Reason)
}

// LifecycleInvariantViolation signals an attempted backward status
// transition. It indicates a bug and aborts the region run.
type LifecycleInvariantViolation struct {
	EventID string
	From    Status
	To      Status
}

func (e *LifecycleInvariantViolation) Error() string {
	return fmt.Sprintf("lifecycle invariant violated for %s: %s -> %s", e.EventID, e.From, e.To)
}

// FactGroundingFailure is returned when no generated narrative could be
// verified within the attempt bound. Failures holds the last attempt's
// unverifiable claims.
type FactGroundingFailure struct {
	Attempts int
	Failures []ClaimFailure
}

func (e *FactGroundingFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		key := f.Claim.Key
		if key == "" {
			key = f.Claim.Raw
		}
		parts = append(parts, key+" ("+f.Reason+")")
	}
	return fmt.Sprintf("fact grounding failed after %d attempts: %s", e.Attempts, strings.Join(parts, ", "))
}
