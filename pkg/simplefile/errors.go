package simplefile

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrNotFound indicates that a record or blob does not exist. The more
	// specific not-found errors below all match it with errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrAliasNotFound indicates an alias was not found
	ErrAliasNotFound = fmt.Errorf("alias %w", ErrNotFound)

	// ErrMetadataNotFound indicates no metadata row exists for a hash or URI
	ErrMetadataNotFound = fmt.Errorf("file metadata %w", ErrNotFound)

	// ErrBlobNotFound indicates a blob store has no bytes under a key
	ErrBlobNotFound = fmt.Errorf("blob %w", ErrNotFound)

	// ErrUnreferenced indicates a tracked URI has no alias referencing it
	ErrUnreferenced = fmt.Errorf("file uri has no referencing alias: %w", ErrNotFound)

	// ErrMisconfigured indicates the service is missing a collaborator required by the call
	ErrMisconfigured = errors.New("file service misconfigured")

	// ErrBackendNotFound indicates a URI names a mount with no registered blob store
	ErrBackendNotFound = errors.New("blob store not found")

	// ErrStoreFailure indicates an underlying blob store operation failed
	ErrStoreFailure = errors.New("store failure")

	// ErrDuplicateHash indicates a metadata row for the hash already exists
	ErrDuplicateHash = errors.New("file metadata for hash already exists")

	// ErrAliasExists indicates the alias is already taken
	ErrAliasExists = errors.New("alias already exists")

	// ErrReferenced indicates a metadata row cannot be removed while aliases point at it
	ErrReferenced = errors.New("file uri is still referenced by aliases")

	// ErrConflict indicates the alias changed underneath the current operation
	ErrConflict = errors.New("concurrent update conflict")

	// ErrInvalidURI indicates a URI without a mount prefix
	ErrInvalidURI = errors.New("invalid file uri")
)

// AliasError represents an error related to alias operations
type AliasError struct {
	Alias string
	Op    string
	Err   error
}

func (e *AliasError) Error() string {
	return fmt.Sprintf("file operation %s failed for alias %q: %v", e.Op, e.Alias, e.Err)
}

func (e *AliasError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to blob store operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports every StorageError as a store failure.
func (e *StorageError) Is(target error) bool {
	return target == ErrStoreFailure
}
