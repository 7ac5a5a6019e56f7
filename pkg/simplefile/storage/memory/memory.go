package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/pathgen"
)

// DefaultMount is the mount name used when no generator is supplied
const DefaultMount = "memory"

// Backend is an in-memory implementation of the simplefile.BlobStore interface
type Backend struct {
	mu        sync.RWMutex
	objects   map[string][]byte
	generator simplefile.PathGenerator
}

// New creates a new in-memory blob store. A nil generator defaults to a flat
// layout under DefaultMount.
func New(generator simplefile.PathGenerator) *Backend {
	if generator == nil {
		generator = pathgen.New(DefaultMount, pathgen.WithStrategy(pathgen.FlatStrategy{}))
	}
	return &Backend{
		objects:   make(map[string][]byte),
		generator: generator,
	}
}

// CreateFromBytes stores a copy of data at a freshly generated key
func (b *Backend) CreateFromBytes(ctx context.Context, data []byte, ext string) (simplefile.BlobRef, error) {
	ref, err := b.generator.GenerateURI(ext)
	if err != nil {
		return simplefile.BlobRef{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[ref.Key]; exists {
		return simplefile.BlobRef{}, fmt.Errorf("blob %s already exists", ref.Key)
	}
	b.objects[ref.Key] = bytes.Clone(data)
	return ref, nil
}

// CreateFromPath stores the contents of the local file at path
func (b *Backend) CreateFromPath(ctx context.Context, path string, ext string) (simplefile.BlobRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return simplefile.BlobRef{}, fmt.Errorf("read %s: %w", path, err)
	}
	return b.CreateFromBytes(ctx, data, ext)
}

// ReplaceInPlace overwrites an existing blob
func (b *Backend) ReplaceInPlace(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[key]; !exists {
		return fmt.Errorf("%w: %s", simplefile.ErrBlobNotFound, key)
	}
	b.objects[key] = bytes.Clone(data)
	return nil
}

// Delete deletes a blob
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[key]; !exists {
		return fmt.Errorf("%w: %s", simplefile.ErrBlobNotFound, key)
	}
	delete(b.objects, key)
	return nil
}

// Open returns a reader over a snapshot of the blob
func (b *Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, exists := b.objects[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", simplefile.ErrBlobNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// PathGenerator returns the generator used for new keys
func (b *Backend) PathGenerator() simplefile.PathGenerator {
	return b.generator
}

// Keys returns the stored keys in sorted order
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored blobs
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
