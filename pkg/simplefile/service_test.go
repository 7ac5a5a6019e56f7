package simplefile_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/lock"
	"github.com/tendant/simple-file/pkg/simplefile/pathgen"
	"github.com/tendant/simple-file/pkg/simplefile/repo/memory"
	memorystorage "github.com/tendant/simple-file/pkg/simplefile/storage/memory"
)

type recordedEvent struct {
	kind   string
	alias  string
	detail string
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (r *recordingSink) add(e recordedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) AliasCreated(ctx context.Context, alias *simplefile.FileAlias, deduplicated bool) error {
	return r.add(recordedEvent{"created", alias.Alias, fmt.Sprint(deduplicated)})
}

func (r *recordingSink) AliasReplaced(ctx context.Context, alias *simplefile.FileAlias, mode simplefile.ReplaceMode) error {
	return r.add(recordedEvent{"replaced", alias.Alias, string(mode)})
}

func (r *recordingSink) AliasDeleted(ctx context.Context, alias string, teardown bool) error {
	return r.add(recordedEvent{"deleted", alias, fmt.Sprint(teardown)})
}

func (r *recordingSink) BlobDeleted(ctx context.Context, uri string) error {
	return r.add(recordedEvent{"blob_deleted", "", uri})
}

func (r *recordingSink) snapshot() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

// faultyStore fails selected operations of an in-memory backend
type faultyStore struct {
	*memorystorage.Backend
	failCreate    bool
	failDelete    bool
	failDeleteKey string
	failReplace   bool
	afterReplace  func()
	storedCopy    []byte
}

var errInjected = errors.New("injected store failure")

func (f *faultyStore) CreateFromBytes(ctx context.Context, data []byte, ext string) (simplefile.BlobRef, error) {
	if f.failCreate {
		return simplefile.BlobRef{}, errInjected
	}
	return f.Backend.CreateFromBytes(ctx, data, ext)
}

// CreateFromPath stores storedCopy instead of the file when it is set, as if
// the file had changed while being copied.
func (f *faultyStore) CreateFromPath(ctx context.Context, path string, ext string) (simplefile.BlobRef, error) {
	if f.storedCopy != nil {
		return f.Backend.CreateFromBytes(ctx, f.storedCopy, ext)
	}
	return f.Backend.CreateFromPath(ctx, path, ext)
}

func (f *faultyStore) Delete(ctx context.Context, key string) error {
	if f.failDelete || (f.failDeleteKey != "" && key == f.failDeleteKey) {
		return errInjected
	}
	return f.Backend.Delete(ctx, key)
}

func (f *faultyStore) ReplaceInPlace(ctx context.Context, key string, data []byte) error {
	if f.failReplace {
		return errInjected
	}
	if err := f.Backend.ReplaceInPlace(ctx, key, data); err != nil {
		return err
	}
	if f.afterReplace != nil {
		f.afterReplace()
	}
	return nil
}

func newFaultyService(t *testing.T) (simplefile.Service, *memory.Repository, *faultyStore) {
	t.Helper()
	store := &faultyStore{Backend: memorystorage.New(nil)}
	repo := memory.New()
	svc, err := simplefile.New(simplefile.WithRepository(repo), simplefile.WithBlobStore(memorystorage.DefaultMount, store))
	require.NoError(t, err)
	return svc, repo, store
}

func readAll(t *testing.T, svc simplefile.Service, alias string) string {
	t.Helper()
	reader, _, err := svc.Open(context.Background(), alias)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return string(data)
}

// sharingOverride answers FindAllByURI from a fixed function and delegates
// everything else, inside transactions too.
type sharingOverride struct {
	simplefile.Repository
	sharing func(uri string) []simplefile.FileAlias
}

func (r *sharingOverride) Aliases() simplefile.AliasStore {
	return &overriddenAliases{AliasStore: r.Repository.Aliases(), sharing: r.sharing}
}

func (r *sharingOverride) WithinTx(ctx context.Context, fn func(tx simplefile.Repository) error) error {
	return r.Repository.WithinTx(ctx, func(tx simplefile.Repository) error {
		return fn(&sharingOverride{Repository: tx, sharing: r.sharing})
	})
}

type overriddenAliases struct {
	simplefile.AliasStore
	sharing func(uri string) []simplefile.FileAlias
}

func (a *overriddenAliases) FindAllByURI(ctx context.Context, uri string) ([]simplefile.FileAlias, error) {
	return a.sharing(uri), nil
}

type fixture struct {
	svc   simplefile.Service
	repo  *memory.Repository
	blobs *memorystorage.Backend
	sink  *recordingSink
}

func newFixture(t *testing.T, opts ...simplefile.Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:  memory.New(),
		blobs: memorystorage.New(pathgen.New("memory", pathgen.WithStrategy(pathgen.FlatStrategy{}), pathgen.WithBaseURI("https://files.example.com"))),
		sink:  &recordingSink{},
	}
	base := []simplefile.Option{
		simplefile.WithRepository(f.repo),
		simplefile.WithBlobStore("memory", f.blobs),
		simplefile.WithEventSink(f.sink),
	}
	svc, err := simplefile.New(append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) read(t *testing.T, alias string) string {
	t.Helper()
	reader, _, err := f.svc.Open(context.Background(), alias)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) counts() (int, int, int) {
	metadata, aliases := f.repo.Counts()
	return metadata, aliases, f.blobs.Len()
}

func TestNew(t *testing.T) {
	t.Run("requires repository", func(t *testing.T) {
		_, err := simplefile.New()
		assert.Error(t, err)
	})

	t.Run("unknown default store", func(t *testing.T) {
		_, err := simplefile.New(simplefile.WithRepository(memory.New()), simplefile.WithDefaultBlobStore("s3"))
		assert.ErrorIs(t, err, simplefile.ErrMisconfigured)
	})

	t.Run("no store is reported per call", func(t *testing.T) {
		svc, err := simplefile.New(simplefile.WithRepository(memory.New()))
		require.NoError(t, err)

		_, err = svc.SaveFromBytes(context.Background(), []byte("x"), simplefile.SaveFileRequest{Alias: "a"})
		assert.ErrorIs(t, err, simplefile.ErrMisconfigured)
		_, err = svc.GenerateAlias("a.txt")
		assert.ErrorIs(t, err, simplefile.ErrMisconfigured)
	})

	t.Run("ambiguous default store", func(t *testing.T) {
		svc, err := simplefile.New(
			simplefile.WithRepository(memory.New()),
			simplefile.WithBlobStore("a", memorystorage.New(pathgen.New("a"))),
			simplefile.WithBlobStore("b", memorystorage.New(pathgen.New("b"))),
		)
		require.NoError(t, err)
		_, err = svc.SaveFromBytes(context.Background(), []byte("x"), simplefile.SaveFileRequest{Alias: "a"})
		assert.ErrorIs(t, err, simplefile.ErrMisconfigured)
	})
}

func TestSaveFromBytes(t *testing.T) {
	ctx := context.Background()

	t.Run("new content", func(t *testing.T) {
		f := newFixture(t)
		expire := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)

		saved, err := f.svc.SaveFromBytes(ctx, []byte("hello"), simplefile.SaveFileRequest{
			Alias: "greeting", OriginalName: "Hello.TXT", Access: "public", Expire: &expire,
		})
		require.NoError(t, err)
		assert.Equal(t, "greeting", saved.Alias)
		assert.Regexp(t, `^memory://[0-9a-f-]{36}\.txt$`, saved.FileURI)
		assert.Equal(t, "public", saved.Access)
		require.NotNil(t, saved.Expire)
		assert.True(t, saved.Expire.Equal(expire))

		meta, err := f.repo.Metadata().FindByHash(ctx, simplefile.HashBytes([]byte("hello")))
		require.NoError(t, err)
		assert.Equal(t, saved.FileURI, meta.FileURI)
		assert.Equal(t, int64(5), meta.SizeBytes)

		m, a, b := f.counts()
		assert.Equal(t, [3]int{1, 1, 1}, [3]int{m, a, b})
		assert.Equal(t, "hello", f.read(t, "greeting"))
		assert.Equal(t, []recordedEvent{{"created", "greeting", "false"}}, f.sink.snapshot())
	})

	t.Run("identical bytes share one blob", func(t *testing.T) {
		f := newFixture(t)

		first, err := f.svc.SaveFromBytes(ctx, []byte("same"), simplefile.SaveFileRequest{Alias: "one"})
		require.NoError(t, err)
		second, err := f.svc.SaveFromBytes(ctx, []byte("same"), simplefile.SaveFileRequest{Alias: "two", OriginalName: "other.bin"})
		require.NoError(t, err)

		assert.Equal(t, first.FileURI, second.FileURI)
		assert.Equal(t, "other.bin", second.OriginalName)
		m, a, b := f.counts()
		assert.Equal(t, [3]int{1, 2, 1}, [3]int{m, a, b})
		assert.Equal(t, "true", f.sink.snapshot()[1].detail)
	})

	t.Run("generated alias", func(t *testing.T) {
		f := newFixture(t)
		saved, err := f.svc.SaveFromBytes(ctx, []byte("x"), simplefile.SaveFileRequest{OriginalName: "report.pdf"})
		require.NoError(t, err)
		assert.Regexp(t, `^memory://[0-9a-f-]{36}\.pdf$`, saved.Alias)
		assert.NotEqual(t, saved.Alias, saved.FileURI)
	})

	t.Run("taken alias leaves no new rows or blobs", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SaveFromBytes(ctx, []byte("first"), simplefile.SaveFileRequest{Alias: "taken"})
		require.NoError(t, err)

		_, err = f.svc.SaveFromBytes(ctx, []byte("second"), simplefile.SaveFileRequest{Alias: "taken"})
		assert.ErrorIs(t, err, simplefile.ErrAliasExists)
		var aliasErr *simplefile.AliasError
		require.ErrorAs(t, err, &aliasErr)
		assert.Equal(t, "save", aliasErr.Op)

		m, a, b := f.counts()
		assert.Equal(t, [3]int{1, 1, 1}, [3]int{m, a, b})
		assert.Equal(t, "first", f.read(t, "taken"))
	})

	t.Run("blob failure writes no rows", func(t *testing.T) {
		store := &faultyStore{Backend: memorystorage.New(nil), failCreate: true}
		repo := memory.New()
		svc, err := simplefile.New(simplefile.WithRepository(repo), simplefile.WithBlobStore(memorystorage.DefaultMount, store))
		require.NoError(t, err)

		_, err = svc.SaveFromBytes(ctx, []byte("x"), simplefile.SaveFileRequest{Alias: "a"})
		assert.ErrorIs(t, err, simplefile.ErrStoreFailure)
		assert.ErrorIs(t, err, errInjected)
		var storageErr *simplefile.StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "create", storageErr.Op)

		m, a := repo.Counts()
		assert.Zero(t, m)
		assert.Zero(t, a)
	})

	t.Run("event sink failure does not fail the save", func(t *testing.T) {
		f := newFixture(t)
		f.sink.err = errors.New("sink down")
		_, err := f.svc.SaveFromBytes(ctx, []byte("x"), simplefile.SaveFileRequest{Alias: "a"})
		assert.NoError(t, err)
	})
}

func TestSaveFromBytes_ConcurrentIdenticalContent(t *testing.T) {
	for name, opts := range map[string][]simplefile.Option{
		"without locker": nil,
		"with locker":    {simplefile.WithLocker(lock.NewLocal())},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, opts...)
			ctx := context.Background()

			const writers = 25
			var wg sync.WaitGroup
			errs := make([]error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = f.svc.SaveFromBytes(ctx, []byte("popular"), simplefile.SaveFileRequest{Alias: fmt.Sprintf("alias-%02d", i)})
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				require.NoError(t, err)
			}
			m, a, b := f.counts()
			assert.Equal(t, 1, m)
			assert.Equal(t, writers, a)
			assert.Equal(t, 1, b)
		})
	}
}

func TestSaveFromPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(local, []byte("a,b\n1,2\n"), 0644))

	path, err := f.svc.SaveFromPath(ctx, simplefile.FileAlias{Alias: "sheet", OriginalName: "upload.csv"}, local)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f-]{36}\.csv$`, path.URI)
	assert.Equal(t, "https://files.example.com", path.BaseURI)
	assert.Equal(t, "https://files.example.com/"+path.URI, path.URL())

	saved, err := f.svc.SaveFromBytes(ctx, []byte("a,b\n1,2\n"), simplefile.SaveFileRequest{Alias: "copy"})
	require.NoError(t, err)
	assert.Equal(t, "memory://"+path.URI, saved.FileURI)

	_, err = f.svc.SaveFromPath(ctx, simplefile.FileAlias{Alias: "missing"}, filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestSaveFromPath_IndexesStoredCopy(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newFaultyService(t)

	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("before"), 0644))
	store.storedCopy = []byte("after edit")

	path, err := svc.SaveFromPath(ctx, simplefile.FileAlias{Alias: "notes"}, local)
	require.NoError(t, err)

	meta, err := repo.Metadata().FindByURI(ctx, simplefile.MountURI(memorystorage.DefaultMount, path.URI))
	require.NoError(t, err)
	assert.Equal(t, simplefile.HashBytes([]byte("after edit")), meta.MD5Hash)
	assert.Equal(t, int64(len("after edit")), meta.SizeBytes)

	before, err := svc.SaveFromBytes(ctx, []byte("before"), simplefile.SaveFileRequest{Alias: "before"})
	require.NoError(t, err)
	assert.NotEqual(t, meta.FileURI, before.FileURI)
	assert.Equal(t, "before", readAll(t, svc, "before"))

	after, err := svc.SaveFromBytes(ctx, []byte("after edit"), simplefile.SaveFileRequest{Alias: "after"})
	require.NoError(t, err)
	assert.Equal(t, meta.FileURI, after.FileURI)
}

func TestReplace(t *testing.T) {
	ctx := context.Background()

	t.Run("sole owner is replaced in place", func(t *testing.T) {
		f := newFixture(t)
		saved, err := f.svc.SaveFromBytes(ctx, []byte("v1"), simplefile.SaveFileRequest{Alias: "doc", OriginalName: "doc.txt", Access: "private"})
		require.NoError(t, err)

		path, err := f.svc.Replace(ctx, *saved, []byte("version two"), simplefile.ReplaceFileRequest{OriginalName: "doc-v2.txt", Access: "public"})
		require.NoError(t, err)
		assert.Equal(t, simplefile.StripMountPrefix(saved.FileURI), path.URI)
		assert.Equal(t, "version two", f.read(t, "doc"))

		current, err := f.svc.GetAlias(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, saved.FileURI, current.FileURI)
		assert.Equal(t, "doc-v2.txt", current.OriginalName)
		assert.Equal(t, "public", current.Access)

		meta, err := f.repo.Metadata().FindByURI(ctx, saved.FileURI)
		require.NoError(t, err)
		assert.Equal(t, simplefile.HashBytes([]byte("version two")), meta.MD5Hash)
		assert.Equal(t, int64(11), meta.SizeBytes)
		_, err = f.repo.Metadata().FindByHash(ctx, simplefile.HashBytes([]byte("v1")))
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)

		events := f.sink.snapshot()
		assert.Equal(t, recordedEvent{"replaced", "doc", "in_place"}, events[len(events)-1])
	})

	t.Run("shared blob is forked", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.svc.SaveFromBytes(ctx, []byte("shared"), simplefile.SaveFileRequest{Alias: "a"})
		require.NoError(t, err)
		_, err = f.svc.SaveFromBytes(ctx, []byte("shared"), simplefile.SaveFileRequest{Alias: "b"})
		require.NoError(t, err)

		path, err := f.svc.Replace(ctx, *a, []byte("mine"), simplefile.ReplaceFileRequest{OriginalName: "mine.md"})
		require.NoError(t, err)
		assert.Regexp(t, `\.md$`, path.URI)

		assert.Equal(t, "mine", f.read(t, "a"))
		assert.Equal(t, "shared", f.read(t, "b"))

		m, al, bl := f.counts()
		assert.Equal(t, [3]int{2, 2, 2}, [3]int{m, al, bl})
		events := f.sink.snapshot()
		assert.Equal(t, "fork", events[len(events)-1].detail)
	})

	t.Run("matching content redirects and reclaims the old blob", func(t *testing.T) {
		f := newFixture(t)
		target, err := f.svc.SaveFromBytes(ctx, []byte("target"), simplefile.SaveFileRequest{Alias: "target"})
		require.NoError(t, err)
		moving, err := f.svc.SaveFromBytes(ctx, []byte("old"), simplefile.SaveFileRequest{Alias: "moving"})
		require.NoError(t, err)

		_, err = f.svc.Replace(ctx, *moving, []byte("target"), simplefile.ReplaceFileRequest{})
		require.NoError(t, err)

		current, err := f.svc.GetAlias(ctx, "moving")
		require.NoError(t, err)
		assert.Equal(t, target.FileURI, current.FileURI)

		_, err = f.repo.Metadata().FindByURI(ctx, moving.FileURI)
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
		m, a, b := f.counts()
		assert.Equal(t, [3]int{1, 2, 1}, [3]int{m, a, b})

		events := f.sink.snapshot()
		assert.Contains(t, events, recordedEvent{"blob_deleted", "", moving.FileURI})
		assert.Contains(t, events, recordedEvent{"replaced", "moving", "redirect"})
	})

	t.Run("redirect keeps a still shared blob", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SaveFromBytes(ctx, []byte("target"), simplefile.SaveFileRequest{Alias: "target"})
		require.NoError(t, err)
		moving, err := f.svc.SaveFromBytes(ctx, []byte("old"), simplefile.SaveFileRequest{Alias: "moving"})
		require.NoError(t, err)
		_, err = f.svc.SaveFromBytes(ctx, []byte("old"), simplefile.SaveFileRequest{Alias: "stays"})
		require.NoError(t, err)

		_, err = f.svc.Replace(ctx, *moving, []byte("target"), simplefile.ReplaceFileRequest{})
		require.NoError(t, err)
		assert.Equal(t, "old", f.read(t, "stays"))
		m, a, b := f.counts()
		assert.Equal(t, [3]int{2, 3, 2}, [3]int{m, a, b})
	})

	t.Run("same content only updates attributes", func(t *testing.T) {
		f := newFixture(t)
		expire := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
		saved, err := f.svc.SaveFromBytes(ctx, []byte("stable"), simplefile.SaveFileRequest{Alias: "s", OriginalName: "s.txt", Expire: &expire})
		require.NoError(t, err)

		_, err = f.svc.Replace(ctx, *saved, []byte("stable"), simplefile.ReplaceFileRequest{Access: "team"})
		require.NoError(t, err)

		current, err := f.svc.GetAlias(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, saved.FileURI, current.FileURI)
		assert.Equal(t, "team", current.Access)
		assert.Empty(t, current.OriginalName)
		assert.Nil(t, current.Expire)
		m, a, b := f.counts()
		assert.Equal(t, [3]int{1, 1, 1}, [3]int{m, a, b})
	})

	t.Run("uses the stored uri rather than the caller's copy", func(t *testing.T) {
		f := newFixture(t)
		saved, err := f.svc.SaveFromBytes(ctx, []byte("v1"), simplefile.SaveFileRequest{Alias: "doc"})
		require.NoError(t, err)

		stale := *saved
		stale.FileURI = "memory://somewhere-else"
		_, err = f.svc.Replace(ctx, stale, []byte("v2"), simplefile.ReplaceFileRequest{})
		require.NoError(t, err)
		assert.Equal(t, "v2", f.read(t, "doc"))
	})

	t.Run("missing alias", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Replace(ctx, simplefile.FileAlias{Alias: "ghost"}, []byte("x"), simplefile.ReplaceFileRequest{})
		assert.ErrorIs(t, err, simplefile.ErrAliasNotFound)
		assert.ErrorIs(t, err, simplefile.ErrNotFound)
	})

	t.Run("in place blob failure rolls back rows", func(t *testing.T) {
		store := &faultyStore{Backend: memorystorage.New(nil)}
		repo := memory.New()
		svc, err := simplefile.New(simplefile.WithRepository(repo), simplefile.WithBlobStore(memorystorage.DefaultMount, store))
		require.NoError(t, err)

		saved, err := svc.SaveFromBytes(ctx, []byte("v1"), simplefile.SaveFileRequest{Alias: "doc"})
		require.NoError(t, err)

		store.failReplace = true
		_, err = svc.Replace(ctx, *saved, []byte("v2"), simplefile.ReplaceFileRequest{})
		assert.ErrorIs(t, err, simplefile.ErrStoreFailure)

		meta, err := repo.Metadata().FindByURI(ctx, saved.FileURI)
		require.NoError(t, err)
		assert.Equal(t, simplefile.HashBytes([]byte("v1")), meta.MD5Hash)
	})

	t.Run("failed commit after in place overwrite restores the bytes", func(t *testing.T) {
		svc, repo, store := newFaultyService(t)
		saved, err := svc.SaveFromBytes(ctx, []byte("old"), simplefile.SaveFileRequest{Alias: "a"})
		require.NoError(t, err)

		replaceCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		store.afterReplace = cancel

		_, err = svc.Replace(replaceCtx, *saved, []byte("new"), simplefile.ReplaceFileRequest{})
		assert.ErrorIs(t, err, context.Canceled)
		store.afterReplace = nil

		meta, err := repo.Metadata().FindByURI(ctx, saved.FileURI)
		require.NoError(t, err)
		assert.Equal(t, simplefile.HashBytes([]byte("old")), meta.MD5Hash)
		assert.Equal(t, "old", readAll(t, svc, "a"))

		again, err := svc.SaveFromBytes(ctx, []byte("old"), simplefile.SaveFileRequest{Alias: "b"})
		require.NoError(t, err)
		assert.Equal(t, saved.FileURI, again.FileURI)
		assert.Equal(t, "old", readAll(t, svc, "b"))
	})

	t.Run("failed reclaim keeps the old row for collection", func(t *testing.T) {
		svc, repo, store := newFaultyService(t)
		_, err := svc.SaveFromBytes(ctx, []byte("target"), simplefile.SaveFileRequest{Alias: "target"})
		require.NoError(t, err)
		moving, err := svc.SaveFromBytes(ctx, []byte("old"), simplefile.SaveFileRequest{Alias: "moving"})
		require.NoError(t, err)

		store.failDelete = true
		_, err = svc.Replace(ctx, *moving, []byte("target"), simplefile.ReplaceFileRequest{})
		require.NoError(t, err)

		_, err = repo.Metadata().FindByURI(ctx, moving.FileURI)
		require.NoError(t, err)
		assert.Equal(t, 2, store.Len())

		store.failDelete = false
		result, err := svc.CollectOrphans(ctx, simplefile.CollectOrphansRequest{Apply: true})
		require.NoError(t, err)
		assert.Equal(t, 1, result.DeletedCount)
		m, a := repo.Counts()
		assert.Equal(t, [3]int{1, 2, 1}, [3]int{m, a, store.Len()})
	})
}

func TestReplaceAndDelete_SharingChecks(t *testing.T) {
	ctx := context.Background()

	cases := map[string]struct {
		sharing func(uri string) []simplefile.FileAlias
		want    error
	}{
		"no alias references the uri": {
			sharing: func(string) []simplefile.FileAlias { return nil },
			want:    simplefile.ErrUnreferenced,
		},
		"alias moved before the lock": {
			sharing: func(uri string) []simplefile.FileAlias {
				return []simplefile.FileAlias{simplefile.NewFileAlias("someone-else", "", "", nil).WithURI(uri)}
			},
			want: simplefile.ErrConflict,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			saved, err := f.svc.SaveFromBytes(ctx, []byte("v1"), simplefile.SaveFileRequest{Alias: "doc"})
			require.NoError(t, err)
			_, err = f.svc.SaveFromBytes(ctx, []byte("other"), simplefile.SaveFileRequest{Alias: "other"})
			require.NoError(t, err)

			svc, err := simplefile.New(
				simplefile.WithRepository(&sharingOverride{Repository: f.repo, sharing: tc.sharing}),
				simplefile.WithBlobStore("memory", f.blobs),
			)
			require.NoError(t, err)

			_, err = svc.Replace(ctx, *saved, []byte("v2"), simplefile.ReplaceFileRequest{Access: "public"})
			assert.ErrorIs(t, err, tc.want)
			_, err = svc.Replace(ctx, *saved, []byte("other"), simplefile.ReplaceFileRequest{})
			assert.ErrorIs(t, err, tc.want)
			err = svc.Delete(ctx, "doc")
			assert.ErrorIs(t, err, tc.want)

			m, a, b := f.counts()
			assert.Equal(t, [3]int{2, 2, 2}, [3]int{m, a, b})
			assert.Equal(t, "v1", f.read(t, "doc"))
			current, err := f.svc.GetAlias(ctx, "doc")
			require.NoError(t, err)
			assert.Equal(t, saved.FileURI, current.FileURI)
			assert.Empty(t, current.Access)
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("sole owner tears down", func(t *testing.T) {
		f := newFixture(t)
		saved, err := f.svc.SaveFromBytes(ctx, []byte("bye"), simplefile.SaveFileRequest{Alias: "gone"})
		require.NoError(t, err)

		require.NoError(t, f.svc.Delete(ctx, "gone"))
		m, a, b := f.counts()
		assert.Equal(t, [3]int{0, 0, 0}, [3]int{m, a, b})

		events := f.sink.snapshot()
		assert.Contains(t, events, recordedEvent{"blob_deleted", "", saved.FileURI})
		assert.Equal(t, recordedEvent{"deleted", "gone", "true"}, events[len(events)-1])
	})

	t.Run("shared blob survives", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SaveFromBytes(ctx, []byte("keep"), simplefile.SaveFileRequest{Alias: "a"})
		require.NoError(t, err)
		_, err = f.svc.SaveFromBytes(ctx, []byte("keep"), simplefile.SaveFileRequest{Alias: "b"})
		require.NoError(t, err)

		require.NoError(t, f.svc.Delete(ctx, "a"))
		assert.Equal(t, "keep", f.read(t, "b"))
		m, a, b := f.counts()
		assert.Equal(t, [3]int{1, 1, 1}, [3]int{m, a, b})

		_, err = f.svc.GetAlias(ctx, "a")
		assert.ErrorIs(t, err, simplefile.ErrAliasNotFound)
	})

	t.Run("missing alias", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SaveFromBytes(ctx, []byte("one"), simplefile.SaveFileRequest{Alias: "a"})
		require.NoError(t, err)
		_, err = f.svc.SaveFromBytes(ctx, []byte("one"), simplefile.SaveFileRequest{Alias: "b"})
		require.NoError(t, err)
		m, a, b := f.counts()

		err = f.svc.Delete(ctx, "ghost")
		assert.ErrorIs(t, err, simplefile.ErrAliasNotFound)
		var aliasErr *simplefile.AliasError
		require.ErrorAs(t, err, &aliasErr)
		assert.Equal(t, "delete", aliasErr.Op)

		m2, a2, b2 := f.counts()
		assert.Equal(t, [3]int{m, a, b}, [3]int{m2, a2, b2})
		assert.Equal(t, "one", f.read(t, "a"))
	})

	t.Run("blob delete failure keeps the row for collection", func(t *testing.T) {
		svc, repo, store := newFaultyService(t)
		saved, err := svc.SaveFromBytes(ctx, []byte("x"), simplefile.SaveFileRequest{Alias: "a"})
		require.NoError(t, err)

		store.failDelete = true
		require.NoError(t, svc.Delete(ctx, "a"))

		m, a := repo.Counts()
		assert.Equal(t, 1, m)
		assert.Zero(t, a)
		assert.Equal(t, 1, store.Len())

		_, err = svc.GetAlias(ctx, "a")
		assert.ErrorIs(t, err, simplefile.ErrAliasNotFound)

		store.failDelete = false
		result, err := svc.CollectOrphans(ctx, simplefile.CollectOrphansRequest{Apply: true})
		require.NoError(t, err)
		assert.Equal(t, 1, result.CandidateCount)
		assert.Equal(t, 1, result.DeletedCount)
		assert.Equal(t, saved.FileURI, result.Candidates[0].FileURI)

		m, _ = repo.Counts()
		assert.Zero(t, m)
		assert.Zero(t, store.Len())
	})
}

func TestPathOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alias, err := f.svc.GenerateAlias("Photo.JPEG")
	require.NoError(t, err)
	assert.Regexp(t, `^memory://[0-9a-f-]{36}\.jpeg$`, alias)

	other, err := f.svc.GenerateAlias("Photo.JPEG")
	require.NoError(t, err)
	assert.NotEqual(t, alias, other)

	path, err := f.svc.CreateFilePath(simplefile.FileAlias{Alias: "x", FileURI: "memory://2024/05/01/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "2024/05/01/a.txt", path.URI)
	assert.Equal(t, "https://files.example.com/2024/05/01/a.txt", path.URL())

	path, err = f.svc.CreateFilePath(simplefile.FileAlias{Alias: "x", FileURI: "legacy://a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "a.txt", path.URI)

	_, err = f.svc.CreateFilePath(simplefile.FileAlias{Alias: "x"})
	assert.ErrorIs(t, err, simplefile.ErrInvalidURI)

	saved, err := f.svc.SaveFromBytes(ctx, []byte("z"), simplefile.SaveFileRequest{Alias: "z", OriginalName: "z.txt"})
	require.NoError(t, err)
	resolved, err := f.svc.ResolvePath(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, simplefile.StripMountPrefix(saved.FileURI), resolved.URI)

	_, err = f.svc.ResolvePath(ctx, "nope")
	assert.ErrorIs(t, err, simplefile.ErrAliasNotFound)
}

func TestBackendRegistry(t *testing.T) {
	f := newFixture(t)

	store, err := f.svc.GetBackend("memory")
	require.NoError(t, err)
	assert.Same(t, f.blobs, store)

	_, err = f.svc.GetBackend("s3")
	assert.ErrorIs(t, err, simplefile.ErrBackendNotFound)

	extra := memorystorage.New(pathgen.New("archive"))
	f.svc.RegisterBackend("archive", extra)
	got, err := f.svc.GetBackend("archive")
	require.NoError(t, err)
	assert.Same(t, extra, got)
}

func TestOpen_UnknownMount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Metadata().Insert(ctx, simplefile.NewFileMetadata("h", "tape://a", 1)))
	require.NoError(t, f.repo.Aliases().Insert(ctx, simplefile.NewFileAlias("a", "", "", nil).WithURI("tape://a")))

	_, _, err := f.svc.Open(ctx, "a")
	assert.ErrorIs(t, err, simplefile.ErrBackendNotFound)
}

func TestCollectOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.SaveFromBytes(ctx, []byte("kept"), simplefile.SaveFileRequest{Alias: "kept"})
	require.NoError(t, err)

	var orphanURIs []string
	for i := 0; i < 3; i++ {
		data := []byte(fmt.Sprintf("orphan-%d", i))
		ref, err := f.blobs.CreateFromBytes(ctx, data, "bin")
		require.NoError(t, err)
		require.NoError(t, f.repo.Metadata().Insert(ctx, simplefile.NewFileMetadata(simplefile.HashBytes(data), ref.URI, int64(len(data)))))
		orphanURIs = append(orphanURIs, ref.URI)
	}

	dry, err := f.svc.CollectOrphans(ctx, simplefile.CollectOrphansRequest{BatchSize: 2})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Equal(t, 2, dry.CandidateCount)
	assert.Zero(t, dry.DeletedCount)
	m, _, b := f.counts()
	assert.Equal(t, 4, m)
	assert.Equal(t, 4, b)

	applied, err := f.svc.CollectOrphans(ctx, simplefile.CollectOrphansRequest{BatchSize: 2, Apply: true})
	require.NoError(t, err)
	assert.False(t, applied.DryRun)
	assert.Equal(t, 3, applied.CandidateCount)
	assert.Equal(t, 3, applied.DeletedCount)
	assert.Zero(t, applied.FailedCount)
	assert.Equal(t, int64(len("orphan-0")*3), applied.ReclaimedBytes)

	m, a, b := f.counts()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{m, a, b})
	assert.Equal(t, "kept", f.read(t, "kept"))
	for _, uri := range orphanURIs {
		_, err := f.repo.Metadata().FindByURI(ctx, uri)
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
	}
}

func TestCollectOrphans_CountsFailuresOnce(t *testing.T) {
	ctx := context.Background()
	svc, repo, store := newFaultyService(t)

	var stuck simplefile.BlobRef
	for i := 0; i < 3; i++ {
		data := []byte(fmt.Sprintf("orphan-%d", i))
		ref, err := store.CreateFromBytes(ctx, data, "bin")
		require.NoError(t, err)
		require.NoError(t, repo.Metadata().Insert(ctx, simplefile.NewFileMetadata(simplefile.HashBytes(data), ref.URI, int64(len(data)))))
		if i == 0 {
			stuck = ref
		}
	}
	store.failDeleteKey = stuck.Key

	result, err := svc.CollectOrphans(ctx, simplefile.CollectOrphansRequest{BatchSize: 2, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 3, result.CandidateCount)
	assert.Len(t, result.Candidates, 3)
	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, 1, result.FailedCount)

	m, _ := repo.Counts()
	assert.Equal(t, 1, m)
	_, err = repo.Metadata().FindByURI(ctx, stuck.URI)
	assert.NoError(t, err)
}
