package memory_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/pathgen"
	memorystorage "github.com/tendant/simple-file/pkg/simplefile/storage/memory"
)

func readAll(t *testing.T, store simplefile.BlobStore, key string) string {
	t.Helper()
	rc, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestMemoryBackend(t *testing.T) {
	backend := memorystorage.New(pathgen.New("mem"))
	ctx := context.Background()

	var ref simplefile.BlobRef

	t.Run("CreateFromBytes", func(t *testing.T) {
		var err error
		ref, err = backend.CreateFromBytes(ctx, []byte("Hello, World!"), "txt")
		require.NoError(t, err)
		assert.Equal(t, "mem://"+ref.Key, ref.URI)
		assert.Equal(t, "Hello, World!", readAll(t, backend, ref.Key))
	})

	t.Run("ReplaceInPlace", func(t *testing.T) {
		require.NoError(t, backend.ReplaceInPlace(ctx, ref.Key, []byte("replaced")))
		assert.Equal(t, "replaced", readAll(t, backend, ref.Key))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, backend.Delete(ctx, ref.Key))
		_, err := backend.Open(ctx, ref.Key)
		assert.ErrorIs(t, err, simplefile.ErrBlobNotFound)
	})

	t.Run("MissingKeys", func(t *testing.T) {
		assert.ErrorIs(t, backend.Delete(ctx, "nope"), simplefile.ErrBlobNotFound)
		assert.ErrorIs(t, backend.ReplaceInPlace(ctx, "nope", []byte("x")), simplefile.ErrBlobNotFound)
	})
}

func TestMemoryBackend_CreateFromPath(t *testing.T) {
	backend := memorystorage.New(nil)
	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0o644))

	ref, err := backend.CreateFromPath(context.Background(), path, "bin")
	require.NoError(t, err)
	assert.Equal(t, memorystorage.DefaultMount, mountOf(t, ref.URI))
	assert.Equal(t, "from disk", readAll(t, backend, ref.Key))
	assert.Equal(t, []string{ref.Key}, backend.Keys())
}

func TestMemoryBackend_CopiesInput(t *testing.T) {
	backend := memorystorage.New(nil)
	data := []byte("original")

	ref, err := backend.CreateFromBytes(context.Background(), data, "")
	require.NoError(t, err)
	data[0] = 'X'

	assert.Equal(t, "original", readAll(t, backend, ref.Key))
	assert.Equal(t, 1, backend.Len())
}

func mountOf(t *testing.T, uri string) string {
	t.Helper()
	mount, err := simplefile.MountOf(uri)
	require.NoError(t, err)
	return mount
}
