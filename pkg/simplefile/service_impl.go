package simplefile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// service implements the Service interface
type service struct {
	repository   Repository
	mu           sync.RWMutex
	blobStores   Mounts
	defaultStore string
	eventSink    EventSink
	locker       Locker
	logger       *slog.Logger
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithBlobStore adds a blob store mounted under name. URIs produced by the
// store must carry name as their mount prefix.
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *service) {
		if s.blobStores == nil {
			s.blobStores = make(Mounts)
		}
		s.blobStores[name] = store
	}
}

// WithDefaultBlobStore selects the blob store new content is written to
func WithDefaultBlobStore(name string) Option {
	return func(s *service) {
		s.defaultStore = name
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithLocker serializes saves of identical content through locker
func WithLocker(locker Locker) Option {
	return func(s *service) {
		s.locker = locker
	}
}

// WithLogger sets the logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		blobStores: make(Mounts),
		eventSink:  NewNoopEventSink(),
		logger:     slog.Default(),
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.defaultStore != "" {
		if _, ok := s.blobStores[s.defaultStore]; !ok {
			return nil, fmt.Errorf("%w: default blob store %q is not registered", ErrMisconfigured, s.defaultStore)
		}
	}

	return s, nil
}

// Save operations

func (s *service) SaveFromBytes(ctx context.Context, data []byte, req SaveFileRequest) (*FileAlias, error) {
	name, store, err := s.defaultBlobStore()
	if err != nil {
		return nil, &AliasError{Alias: req.Alias, Op: "save", Err: err}
	}

	key := req.Alias
	if key == "" {
		key, err = generateAlias(store, req.OriginalName)
		if err != nil {
			return nil, &AliasError{Alias: req.Alias, Op: "save", Err: err}
		}
	}

	candidate := NewFileAlias(key, req.OriginalName, req.Access, req.Expire)
	hash := HashBytes(data)
	write := func(ctx context.Context) (BlobRef, string, int64, error) {
		ref, err := store.CreateFromBytes(ctx, data, candidate.Extension())
		return ref, hash, int64(len(data)), err
	}

	saved, deduplicated, err := s.save(ctx, candidate, hash, name, store, write)
	if err != nil {
		return nil, &AliasError{Alias: key, Op: "save", Err: err}
	}

	s.fireAliasCreated(ctx, &saved, deduplicated)
	return &saved, nil
}

func (s *service) SaveFromPath(ctx context.Context, alias FileAlias, localPath string) (*FilePath, error) {
	name, store, err := s.defaultBlobStore()
	if err != nil {
		return nil, &AliasError{Alias: alias.Alias, Op: "save_path", Err: err}
	}

	hash, _, err := HashFile(localPath)
	if err != nil {
		return nil, &AliasError{Alias: alias.Alias, Op: "save_path", Err: err}
	}

	candidate := NewFileAlias(alias.Alias, alias.OriginalName, alias.Access, alias.Expire)
	if candidate.Alias == "" {
		candidate.Alias, err = generateAlias(store, alias.OriginalName)
		if err != nil {
			return nil, &AliasError{Alias: alias.Alias, Op: "save_path", Err: err}
		}
	}
	// The local file may change after it was hashed, so the stored copy is
	// hashed again and its digest is what gets indexed.
	write := func(ctx context.Context) (BlobRef, string, int64, error) {
		ref, err := store.CreateFromPath(ctx, localPath, candidate.Extension())
		if err != nil {
			return BlobRef{}, "", 0, err
		}
		stored, size, err := hashBlob(ctx, store, ref.Key)
		if err != nil {
			s.discardBlob(ctx, name, store, ref)
			return BlobRef{}, "", 0, err
		}
		return ref, stored, size, nil
	}

	saved, deduplicated, err := s.save(ctx, candidate, hash, name, store, write)
	if err != nil {
		return nil, &AliasError{Alias: candidate.Alias, Op: "save_path", Err: err}
	}

	s.fireAliasCreated(ctx, &saved, deduplicated)
	return s.CreateFilePath(saved)
}

// save links candidate to the blob holding hash, writing the blob first when
// the hash is not indexed yet. write reports the digest and size of the bytes
// it stored, which replace hash from then on. Metadata and alias rows of new
// content are inserted in one transaction. When that insert loses a race for
// the hash, the blob written here is discarded and the alias is linked to the
// winner.
func (s *service) save(ctx context.Context, candidate FileAlias, hash string, storeName string, store BlobStore, write func(context.Context) (BlobRef, string, int64, error)) (FileAlias, bool, error) {
	unlock, err := s.lock(ctx, hash)
	if err != nil {
		return FileAlias{}, false, err
	}
	defer unlock()

	saved, err := s.linkExisting(ctx, candidate, hash)
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, ErrMetadataNotFound) {
		return FileAlias{}, false, err
	}

	ref, hash, size, err := write(ctx)
	if err != nil {
		return FileAlias{}, false, &StorageError{Backend: storeName, Key: candidate.Alias, Op: "create", Err: err}
	}

	saved = candidate.WithURI(ref.URI)
	meta := NewFileMetadata(hash, ref.URI, size)
	err = s.repository.WithinTx(ctx, func(tx Repository) error {
		if err := tx.Metadata().Insert(ctx, meta); err != nil {
			return err
		}
		return tx.Aliases().Insert(ctx, saved)
	})
	if err == nil {
		return saved, false, nil
	}

	s.discardBlob(ctx, storeName, store, ref)
	if !errors.Is(err, ErrDuplicateHash) {
		return FileAlias{}, false, err
	}

	saved, err = s.linkExisting(ctx, candidate, hash)
	if err != nil {
		return FileAlias{}, false, err
	}
	return saved, true, nil
}

// linkExisting inserts candidate pointing at the blob already indexed under hash.
func (s *service) linkExisting(ctx context.Context, candidate FileAlias, hash string) (FileAlias, error) {
	var saved FileAlias
	err := s.repository.WithinTx(ctx, func(tx Repository) error {
		meta, err := tx.Metadata().FindByHash(ctx, hash)
		if err != nil {
			return err
		}
		saved = candidate.WithURI(meta.FileURI)
		return tx.Aliases().Insert(ctx, saved)
	})
	return saved, err
}

// Replace and delete operations

func (s *service) Replace(ctx context.Context, alias FileAlias, data []byte, req ReplaceFileRequest) (*FilePath, error) {
	defaultName, defaultStore, err := s.defaultBlobStore()
	if err != nil {
		return nil, &AliasError{Alias: alias.Alias, Op: "replace", Err: err}
	}

	hash := HashBytes(data)
	var (
		result  FileAlias
		mode    ReplaceMode
		created BlobRef
		orphan  string
		restore func()
	)

	err = s.repository.WithinTx(ctx, func(tx Repository) error {
		created, orphan, restore = BlobRef{}, "", nil

		current, err := tx.Aliases().FindByAlias(ctx, alias.Alias)
		if err != nil {
			return err
		}

		updated := *current
		updated.OriginalName = req.OriginalName
		updated.Access = req.Access
		updated.Expire = normalizeExpire(req.Expire)
		updated.UpdatedAt = time.Now().UTC()

		existing, err := tx.Metadata().FindByHash(ctx, hash)
		if err != nil && !errors.Is(err, ErrMetadataNotFound) {
			return err
		}

		if existing != nil {
			mode = ReplaceModeRedirect
			if existing.FileURI == current.FileURI {
				result = updated
				return tx.Aliases().UpdateByAlias(ctx, updated, current.Alias)
			}

			_, metaErr := tx.Metadata().FindByURI(ctx, current.FileURI)
			if metaErr != nil && !errors.Is(metaErr, ErrMetadataNotFound) {
				return metaErr
			}
			sharing, err := lockSharing(ctx, tx, *current)
			if err != nil {
				return err
			}

			updated.FileURI = existing.FileURI
			if err := tx.Aliases().UpdateByAlias(ctx, updated, current.Alias); err != nil {
				return err
			}
			if metaErr == nil && len(sharing) == 1 {
				orphan = current.FileURI
			}
			result = updated
			return nil
		}

		meta, err := tx.Metadata().FindByURI(ctx, current.FileURI)
		if err != nil {
			return err
		}
		sharing, err := lockSharing(ctx, tx, *current)
		if err != nil {
			return err
		}

		if len(sharing) == 1 {
			mode = ReplaceModeInPlace
			mount, store, key, err := s.resolve(current.FileURI)
			if err != nil {
				return err
			}

			replaced := *meta
			replaced.MD5Hash = hash
			replaced.SizeBytes = int64(len(data))
			replaced.UpdatedAt = time.Now().UTC()
			if err := tx.Metadata().UpdateByURI(ctx, replaced, current.FileURI); err != nil {
				return err
			}
			if err := tx.Aliases().UpdateByAlias(ctx, updated, current.Alias); err != nil {
				return err
			}
			previous, err := readBlob(ctx, store, key)
			if err != nil {
				return &StorageError{Backend: mount, Key: key, Op: "open", Err: err}
			}
			if err := store.ReplaceInPlace(ctx, key, data); err != nil {
				return &StorageError{Backend: mount, Key: key, Op: "replace", Err: err}
			}
			restore = func() {
				if err := store.ReplaceInPlace(context.WithoutCancel(ctx), key, previous); err != nil {
					s.logger.Warn("failed to restore overwritten blob", "alias", alias.Alias, "backend", mount, "key", key, "err", err)
				}
			}
			result = updated
			return nil
		}

		mode = ReplaceModeFork
		ref, err := defaultStore.CreateFromBytes(ctx, data, ExtensionOf(updated.OriginalName))
		if err != nil {
			return &StorageError{Backend: defaultName, Key: current.Alias, Op: "create", Err: err}
		}
		created = ref

		updated.FileURI = ref.URI
		if err := tx.Metadata().Insert(ctx, NewFileMetadata(hash, ref.URI, int64(len(data)))); err != nil {
			return err
		}
		if err := tx.Aliases().UpdateByAlias(ctx, updated, current.Alias); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		if created.URI != "" {
			s.discardBlob(ctx, defaultName, defaultStore, created)
		}
		if restore != nil {
			restore()
		}
		return nil, &AliasError{Alias: alias.Alias, Op: "replace", Err: err}
	}

	if orphan != "" {
		if _, err := s.reclaim(ctx, orphan); err != nil {
			s.logger.Warn("replaced blob left for orphan collection", "alias", alias.Alias, "uri", orphan, "err", err)
		}
	}

	if err := s.eventSink.AliasReplaced(ctx, &result, mode); err != nil {
		s.logger.Error("event sink failed", "event", "alias_replaced", "alias", result.Alias, "err", err)
	}

	return s.CreateFilePath(result)
}

func (s *service) Delete(ctx context.Context, alias string) error {
	var teardown string

	err := s.repository.WithinTx(ctx, func(tx Repository) error {
		teardown = ""

		current, err := tx.Aliases().FindByAlias(ctx, alias)
		if err != nil {
			return err
		}
		if _, err := tx.Metadata().FindByURI(ctx, current.FileURI); err != nil && !errors.Is(err, ErrMetadataNotFound) {
			return err
		}
		sharing, err := lockSharing(ctx, tx, *current)
		if err != nil {
			return err
		}

		if err := tx.Aliases().DeleteByAlias(ctx, alias); err != nil {
			return err
		}
		if len(sharing) == 1 {
			teardown = current.FileURI
		}
		return nil
	})
	if err != nil {
		return &AliasError{Alias: alias, Op: "delete", Err: err}
	}

	if teardown != "" {
		if _, err := s.reclaim(ctx, teardown); err != nil {
			s.logger.Warn("deleted blob left for orphan collection", "alias", alias, "uri", teardown, "err", err)
		}
	}

	if err := s.eventSink.AliasDeleted(ctx, alias, teardown != ""); err != nil {
		s.logger.Error("event sink failed", "event", "alias_deleted", "alias", alias, "err", err)
	}
	return nil
}

// lockSharing loads the aliases sharing current's URI and checks that current
// is still one of them.
func lockSharing(ctx context.Context, tx Repository, current FileAlias) ([]FileAlias, error) {
	sharing, err := tx.Aliases().FindAllByURI(ctx, current.FileURI)
	if err != nil {
		return nil, err
	}
	if len(sharing) == 0 {
		return nil, ErrUnreferenced
	}
	for _, a := range sharing {
		if a.Alias == current.Alias {
			return sharing, nil
		}
	}
	return nil, ErrConflict
}

// Read operations

func (s *service) GetAlias(ctx context.Context, alias string) (*FileAlias, error) {
	return s.repository.Aliases().FindByAlias(ctx, alias)
}

func (s *service) Open(ctx context.Context, alias string) (io.ReadCloser, *FileAlias, error) {
	found, err := s.repository.Aliases().FindByAlias(ctx, alias)
	if err != nil {
		return nil, nil, &AliasError{Alias: alias, Op: "open", Err: err}
	}

	mount, store, key, err := s.resolve(found.FileURI)
	if err != nil {
		return nil, nil, &AliasError{Alias: alias, Op: "open", Err: err}
	}

	reader, err := store.Open(ctx, key)
	if err != nil {
		return nil, nil, &AliasError{Alias: alias, Op: "open", Err: &StorageError{Backend: mount, Key: key, Op: "open", Err: err}}
	}
	return reader, found, nil
}

func (s *service) ResolvePath(ctx context.Context, alias string) (*FilePath, error) {
	found, err := s.repository.Aliases().FindByAlias(ctx, alias)
	if err != nil {
		return nil, &AliasError{Alias: alias, Op: "resolve", Err: err}
	}
	return s.CreateFilePath(*found)
}

// Path operations

func (s *service) GenerateAlias(originalName string) (string, error) {
	_, store, err := s.defaultBlobStore()
	if err != nil {
		return "", err
	}
	return generateAlias(store, originalName)
}

func generateAlias(store BlobStore, originalName string) (string, error) {
	ref, err := store.PathGenerator().GenerateURI(ExtensionOf(originalName))
	if err != nil {
		return "", fmt.Errorf("generate alias: %w", err)
	}
	return ref.URI, nil
}

func (s *service) CreateFilePath(alias FileAlias) (*FilePath, error) {
	if alias.FileURI == "" {
		return nil, fmt.Errorf("%w: alias %q is not bound to a file", ErrInvalidURI, alias.Alias)
	}

	_, store, key, err := s.resolve(alias.FileURI)
	if err != nil {
		if !errors.Is(err, ErrBackendNotFound) {
			return nil, err
		}
		if _, store, err = s.defaultBlobStore(); err != nil {
			return nil, err
		}
		key = StripMountPrefix(alias.FileURI)
	}

	gen := store.PathGenerator()
	return &FilePath{
		URI:            key,
		DestinationDir: gen.DestinationDir(),
		BaseURI:        gen.BaseURI(),
	}, nil
}

// Blob store management

func (s *service) RegisterBackend(name string, store BlobStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobStores[name] = store
}

func (s *service) GetBackend(name string) (BlobStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.blobStores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return store, nil
}

func (s *service) defaultBlobStore() (string, BlobStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := s.defaultStore
	if name == "" {
		if len(s.blobStores) != 1 {
			return "", nil, fmt.Errorf("%w: no default blob store", ErrMisconfigured)
		}
		for only := range s.blobStores {
			name = only
		}
	}
	store, ok := s.blobStores[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: default blob store %q is not registered", ErrMisconfigured, name)
	}
	return name, store, nil
}

func (s *service) resolve(uri string) (string, BlobStore, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobStores.Resolve(uri)
}

func (s *service) lock(ctx context.Context, hash string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, "simplefile:hash:"+hash)
	if err != nil {
		return nil, fmt.Errorf("lock hash %s: %w", hash, err)
	}
	return unlock, nil
}

// reclaim removes the metadata row and blob of uri when no alias references
// it. The blob delete is the last step of the transaction, so a failed delete
// keeps the row and a later CollectOrphans pass retries it. Once started it
// ignores cancellation of ctx.
func (s *service) reclaim(ctx context.Context, uri string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ctx = context.WithoutCancel(ctx)

	removed := false
	err := s.repository.WithinTx(ctx, func(tx Repository) error {
		removed = false
		if _, err := tx.Metadata().FindByURI(ctx, uri); err != nil {
			if errors.Is(err, ErrMetadataNotFound) {
				return nil
			}
			return err
		}
		sharing, err := tx.Aliases().FindAllByURI(ctx, uri)
		if err != nil {
			return err
		}
		if len(sharing) > 0 {
			return nil
		}
		if err := tx.Metadata().DeleteByURI(ctx, uri); err != nil {
			return err
		}
		if err := s.deleteBlob(ctx, uri); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil || !removed {
		return false, err
	}

	if err := s.eventSink.BlobDeleted(ctx, uri); err != nil {
		s.logger.Error("event sink failed", "event", "blob_deleted", "uri", uri, "err", err)
	}
	return true, nil
}

// deleteBlob removes the bytes behind uri. A blob that is already gone is not an error.
func (s *service) deleteBlob(ctx context.Context, uri string) error {
	mount, store, key, err := s.resolve(uri)
	if err != nil {
		return &StorageError{Backend: mount, Key: uri, Op: "delete", Err: err}
	}
	if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrBlobNotFound) {
		return &StorageError{Backend: mount, Key: key, Op: "delete", Err: err}
	}
	return nil
}

func readBlob(ctx context.Context, store BlobStore, key string) ([]byte, error) {
	reader, err := store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func hashBlob(ctx context.Context, store BlobStore, key string) (string, int64, error) {
	reader, err := store.Open(ctx, key)
	if err != nil {
		return "", 0, err
	}
	defer reader.Close()
	return HashReader(reader)
}

// discardBlob removes a blob no committed row references.
func (s *service) discardBlob(ctx context.Context, storeName string, store BlobStore, ref BlobRef) {
	if err := store.Delete(ctx, ref.Key); err != nil && !errors.Is(err, ErrBlobNotFound) {
		s.logger.Warn("failed to discard unreferenced blob", "backend", storeName, "uri", ref.URI, "err", err)
	}
}

func (s *service) fireAliasCreated(ctx context.Context, alias *FileAlias, deduplicated bool) {
	if err := s.eventSink.AliasCreated(ctx, alias, deduplicated); err != nil {
		s.logger.Error("event sink failed", "event", "alias_created", "alias", alias.Alias, "err", err)
	}
}
