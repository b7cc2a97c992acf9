/*
errors.go - Centralized error types for the routine store

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine code wraps these with operation context; callers branch with errors.Is.

ERROR CATEGORIES:
  1. Missing identity     - a record lacks the archive ID / timestamp of its logical key
  2. Missing relationship - a required parent is absent
  3. Invalid partition    - hot or archive partition cannot be resolved
  4. Store failures       - propagated unchanged (wrapped with %w), never swallowed

RETRIES:
  Nothing here is retried internally. Get-or-create by logical key makes
  retry-from-scratch safe, so the decision belongs to the caller.

SEE ALSO:
  - store.go: Store contract returning ErrNotFound / ErrInvalidPartition
  - engine/dedup.go: Raises MissingIdentityError
  - engine/completion.go: Raises MissingRelationshipError
*/
package record

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingIdentity is returned when a logical key cannot be resolved
	// because an archive ID or timestamp is missing.
	ErrMissingIdentity = errors.New("missing identity data")

	// ErrMissingRelationship is returned when a required parent record is absent.
	ErrMissingRelationship = errors.New("missing required relationship")

	// ErrInvalidPartition is returned when a partition is unknown to the store
	// or the hot/archive configuration is inconsistent.
	ErrInvalidPartition = errors.New("invalid partition configuration")

	// ErrNotFound is returned when a record ID does not exist in a partition.
	ErrNotFound = errors.New("record not found")

	// ErrLiveKindInArchive is returned when a live-family record is addressed
	// outside the hot partition.
	ErrLiveKindInArchive = errors.New("live records only exist in the hot partition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingIdentityError names the record and the field that blocked key resolution.
type MissingIdentityError struct {
	Kind  Kind
	ID    RecordID
	Field string
}

func (e *MissingIdentityError) Error() string {
	return fmt.Sprintf("missing identity data: %s %d has no %s", e.Kind, e.ID, e.Field)
}

func (e *MissingIdentityError) Unwrap() error {
	return ErrMissingIdentity
}

// MissingRelationshipError names the record whose parent edge is absent.
type MissingRelationshipError struct {
	Kind         Kind
	ID           RecordID
	Relationship string
}

func (e *MissingRelationshipError) Error() string {
	return fmt.Sprintf("missing required relationship: %s %d has no %s", e.Kind, e.ID, e.Relationship)
}

func (e *MissingRelationshipError) Unwrap() error {
	return ErrMissingRelationship
}

// PartitionError explains why a partition could not be resolved.
type PartitionError struct {
	Partition Partition
	Reason    string
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("invalid partition configuration: %q %s", e.Partition, e.Reason)
}

func (e *PartitionError) Unwrap() error {
	return ErrInvalidPartition
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind      Kind
	ID        RecordID
	Partition Partition
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found in %s", e.Kind, e.ID, e.Partition)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the caller's input
// rather than by the store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingIdentity) ||
		errors.Is(err, ErrMissingRelationship) ||
		errors.Is(err, ErrInvalidPartition) ||
		errors.Is(err, ErrLiveKindInArchive)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
