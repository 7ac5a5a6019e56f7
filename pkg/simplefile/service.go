package simplefile

import (
	"context"
	"io"
)

// Service defines the main interface for the simple-file library
type Service interface {
	// Save operations
	SaveFromBytes(ctx context.Context, data []byte, req SaveFileRequest) (*FileAlias, error)
	SaveFromPath(ctx context.Context, alias FileAlias, localPath string) (*FilePath, error)

	// Replace and delete operations
	Replace(ctx context.Context, alias FileAlias, data []byte, req ReplaceFileRequest) (*FilePath, error)
	Delete(ctx context.Context, alias string) error

	// Read operations
	GetAlias(ctx context.Context, alias string) (*FileAlias, error)
	Open(ctx context.Context, alias string) (io.ReadCloser, *FileAlias, error)
	ResolvePath(ctx context.Context, alias string) (*FilePath, error)

	// Path operations
	GenerateAlias(originalName string) (string, error)
	CreateFilePath(alias FileAlias) (*FilePath, error)

	// Maintenance operations
	CollectOrphans(ctx context.Context, req CollectOrphansRequest) (*CollectOrphansResult, error)

	// Blob store management
	RegisterBackend(name string, store BlobStore)
	GetBackend(name string) (BlobStore, error)
}
