package simplefile

import (
	"context"
	"io"
)

// PathGenerator reserves new blob locations for a blob store.
type PathGenerator interface {
	// GenerateURI returns a fresh location for content with the given extension
	GenerateURI(ext string) (BlobRef, error)

	// DestinationDir returns the directory files are served from, if any
	DestinationDir() string

	// BaseURI returns the public base URI files are served under, if any
	BaseURI() string
}

// BlobStore stores bytes under backend-relative keys
type BlobStore interface {
	// CreateFromBytes writes data at a freshly generated location
	CreateFromBytes(ctx context.Context, data []byte, ext string) (BlobRef, error)

	// CreateFromPath copies the local file at path to a freshly generated location
	CreateFromPath(ctx context.Context, path string, ext string) (BlobRef, error)

	// ReplaceInPlace overwrites the bytes stored under key
	ReplaceInPlace(ctx context.Context, key string, data []byte) error

	// Delete removes the bytes stored under key
	Delete(ctx context.Context, key string) error

	// Open returns a reader over the bytes stored under key
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// PathGenerator returns the generator used for new locations
	PathGenerator() PathGenerator
}

// MetadataStore persists the hash -> URI de-duplication index.
//
// Inside Repository.WithinTx, FindByHash and FindByURI lock the returned row
// until the transaction ends.
type MetadataStore interface {
	// FindByHash returns ErrMetadataNotFound when no row has the hash
	FindByHash(ctx context.Context, hash string) (*FileMetadata, error)
	// FindByURI returns ErrMetadataNotFound when no row has the URI
	FindByURI(ctx context.Context, uri string) (*FileMetadata, error)
	// Insert returns ErrDuplicateHash when the hash is already indexed
	Insert(ctx context.Context, meta FileMetadata) error
	// UpdateByURI overwrites the row stored under uri
	UpdateByURI(ctx context.Context, meta FileMetadata, uri string) error
	DeleteByURI(ctx context.Context, uri string) error
	// ListUnreferenced returns up to limit rows that no alias points at
	ListUnreferenced(ctx context.Context, limit int) ([]FileMetadata, error)
}

// AliasStore persists aliases. Inside Repository.WithinTx, FindAllByURI
// locks the returned rows until the transaction ends.
type AliasStore interface {
	// FindByAlias returns ErrAliasNotFound when the alias does not exist
	FindByAlias(ctx context.Context, alias string) (*FileAlias, error)
	FindAllByURI(ctx context.Context, uri string) ([]FileAlias, error)
	// Insert returns ErrAliasExists when the alias is taken
	Insert(ctx context.Context, alias FileAlias) error
	// UpdateByAlias overwrites the row stored under key
	UpdateByAlias(ctx context.Context, alias FileAlias, key string) error
	DeleteByAlias(ctx context.Context, key string) error
}

// Repository groups the metadata and alias stores and runs them in transactions.
type Repository interface {
	Metadata() MetadataStore
	Aliases() AliasStore

	// WithinTx runs fn against a transactional view of the repository. The
	// transaction commits when fn returns nil and rolls back otherwise; the
	// error from fn is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx Repository) error) error
}

// Locker serializes work on a key across goroutines or processes.
type Locker interface {
	// Lock blocks until the key is held or ctx is done
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventSink defines the interface for event handling
type EventSink interface {
	// AliasCreated is fired when a save commits. deduplicated reports that
	// the alias reused an existing blob.
	AliasCreated(ctx context.Context, alias *FileAlias, deduplicated bool) error

	// AliasReplaced is fired when a replace commits
	AliasReplaced(ctx context.Context, alias *FileAlias, mode ReplaceMode) error

	// AliasDeleted is fired when a delete commits. teardown reports that the
	// metadata row and blob were removed with the alias.
	AliasDeleted(ctx context.Context, alias string, teardown bool) error

	// BlobDeleted is fired after a blob has been removed from its store
	BlobDeleted(ctx context.Context, uri string) error
}
