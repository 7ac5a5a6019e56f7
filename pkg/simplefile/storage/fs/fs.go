package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/pathgen"
)

// DefaultMount is the mount name used when Config.Mount is empty
const DefaultMount = "fs"

// Backend is a filesystem implementation of the simplefile.BlobStore interface
type Backend struct {
	baseDir   string
	generator *pathgen.Generator
}

// Config options for the filesystem backend
type Config struct {
	BaseDir  string           // Base directory for storing files
	Mount    string           // Mount name prefixed to generated URIs
	BaseURI  string           // Optional public URI the base directory is served under
	Strategy pathgen.Strategy // Key layout, DatedStrategy when nil
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	// Validate and create base directory if it doesn't exist
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	mount := config.Mount
	if mount == "" {
		mount = DefaultMount
	}
	opts := []pathgen.Option{
		pathgen.WithDestinationDir(baseDir),
		pathgen.WithBaseURI(config.BaseURI),
	}
	if config.Strategy != nil {
		opts = append(opts, pathgen.WithStrategy(config.Strategy))
	}

	return &Backend{
		baseDir:   baseDir,
		generator: pathgen.New(mount, opts...),
	}, nil
}

// CreateFromBytes writes data to a freshly generated key
func (b *Backend) CreateFromBytes(ctx context.Context, data []byte, ext string) (simplefile.BlobRef, error) {
	ref, err := b.generator.GenerateURI(ext)
	if err != nil {
		return simplefile.BlobRef{}, err
	}
	if err := b.write(ref.Key, data, true); err != nil {
		return simplefile.BlobRef{}, err
	}
	return ref, nil
}

// CreateFromPath copies the local file at path to a freshly generated key
func (b *Backend) CreateFromPath(ctx context.Context, path string, ext string) (simplefile.BlobRef, error) {
	src, err := os.Open(path)
	if err != nil {
		return simplefile.BlobRef{}, fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	ref, err := b.generator.GenerateURI(ext)
	if err != nil {
		return simplefile.BlobRef{}, err
	}
	if err := b.writeFrom(ref.Key, src, true); err != nil {
		return simplefile.BlobRef{}, err
	}
	return ref, nil
}

// ReplaceInPlace atomically overwrites an existing file
func (b *Backend) ReplaceInPlace(ctx context.Context, key string, data []byte) error {
	filePath, err := b.resolve(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", simplefile.ErrBlobNotFound, key)
	}
	return b.write(key, data, false)
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, key string) error {
	filePath, err := b.resolve(key)
	if err != nil {
		return err
	}

	// Check if file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", simplefile.ErrBlobNotFound, key)
	}

	// Delete file
	if err := os.Remove(filePath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Clean up empty directories
	b.cleanupEmptyDirectories(filepath.Dir(filePath))

	return nil
}

// Open opens the file stored under key
func (b *Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := b.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", simplefile.ErrBlobNotFound, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// PathGenerator returns the generator used for new keys
func (b *Backend) PathGenerator() simplefile.PathGenerator {
	return b.generator
}

// BaseDir returns the absolute base directory
func (b *Backend) BaseDir() string {
	return b.baseDir
}

func (b *Backend) write(key string, data []byte, exclusive bool) error {
	return b.writeFrom(key, bytes.NewReader(data), exclusive)
}

// writeFrom streams r into a temp file next to the target and renames it
// into place. With exclusive set an existing target is an error.
func (b *Backend) writeFrom(key string, r io.Reader, exclusive bool) error {
	filePath, err := b.resolve(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if exclusive {
		if _, err := os.Stat(filePath); err == nil {
			return fmt.Errorf("file %s already exists", key)
		}
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	tmpName = ""
	return nil
}

// resolve maps key to a path inside baseDir and rejects keys escaping it
func (b *Backend) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(key, "/")))
	if key == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(b.baseDir, clean), nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	// Don't remove the base directory
	if dir == b.baseDir || !strings.HasPrefix(dir, b.baseDir) {
		return
	}

	// Check if directory is empty
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		// Remove empty directory
		if os.Remove(dir) == nil {
			// Recursively clean parent directory
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
