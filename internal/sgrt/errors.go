package sgrt

import (
	"errors"
	"fmt"
)

// Leaf-level record errors. These are recoverable: the builder collects them
// as warnings against the owning field unless strict mode is enabled.
var (
	// ErrMalformedRecord means a capture's backing files are structurally
	// unreadable (truncated header, undecodable payload).
	ErrMalformedRecord = errors.New("malformed record")

	// ErrMissingTimestamp means a capture time could not be determined from
	// either the decoded header or the payload filename.
	ErrMissingTimestamp = errors.New("missing capture timestamp")

	// ErrIncompleteRecord means the expected delta fields are absent
	// (no payload file, no samples, or required columns missing).
	ErrIncompleteRecord = errors.New("incomplete record")
)

// ErrPatientNotFound is returned by collection lookups for unknown patient
// identifiers. It is a lookup-time error, never a load-time one.
var ErrPatientNotFound = errors.New("patient not found")

// HierarchyIntegrityError reports a patient directory tree that violates the
// expected Patient/Site/Phase/Field/Surface nesting. It is fatal for the
// patient unless strict mode is off and the violation is isolable to one
// subtree, in which case that subtree is dropped with a warning.
type HierarchyIntegrityError struct {
	Path   string
	Reason string
}

func (e *HierarchyIntegrityError) Error() string {
	return fmt.Sprintf("hierarchy integrity violation at %s: %s", e.Path, e.Reason)
}

// ReprocessingError reports a calendar pass that could not run at all.
// Individual surfaces without timestamps are skipped and reported instead.
type ReprocessingError struct {
	PatientID string
	Reason    string
}

func (e *ReprocessingError) Error() string {
	return fmt.Sprintf("cannot reprocess patient %s: %s", e.PatientID, e.Reason)
}

// Warning records a recoverable failure against the path that produced it.
// Every warning ends up in the collection load report; nothing fails silently.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %v", w.Path, w.Err)
}
