package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tendant/simple-file/pkg/simplefile"
)

// Repository implements simplefile.Repository using in-memory storage.
// A transaction holds the write lock for its whole duration and works on a
// copy of the state that replaces the live state on commit.
type Repository struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	metadata map[string]simplefile.FileMetadata // file_uri -> row
	byHash   map[string]string                  // md5_hash -> file_uri
	aliases  map[string]simplefile.FileAlias    // alias -> row
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{state: newState()}
}

func newState() *state {
	return &state{
		metadata: make(map[string]simplefile.FileMetadata),
		byHash:   make(map[string]string),
		aliases:  make(map[string]simplefile.FileAlias),
	}
}

func (s *state) clone() *state {
	c := &state{
		metadata: make(map[string]simplefile.FileMetadata, len(s.metadata)),
		byHash:   make(map[string]string, len(s.byHash)),
		aliases:  make(map[string]simplefile.FileAlias, len(s.aliases)),
	}
	for k, v := range s.metadata {
		c.metadata[k] = v
	}
	for k, v := range s.byHash {
		c.byHash[k] = v
	}
	for k, v := range s.aliases {
		c.aliases[k] = copyAlias(v)
	}
	return c
}

func (r *Repository) Metadata() simplefile.MetadataStore {
	return &metadataStore{view: view{repo: r}}
}

func (r *Repository) Aliases() simplefile.AliasStore {
	return &aliasStore{view: view{repo: r}}
}

func (r *Repository) WithinTx(ctx context.Context, fn func(tx simplefile.Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &txRepository{state: r.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

// Counts returns the number of metadata and alias rows
func (r *Repository) Counts() (metadata int, aliases int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state.metadata), len(r.state.aliases)
}

type txRepository struct {
	state *state
}

func (t *txRepository) Metadata() simplefile.MetadataStore {
	return &metadataStore{view: view{state: t.state}}
}

func (t *txRepository) Aliases() simplefile.AliasStore {
	return &aliasStore{view: view{state: t.state}}
}

func (t *txRepository) WithinTx(ctx context.Context, fn func(tx simplefile.Repository) error) error {
	return fn(t)
}

// view resolves the state an operation works on: the live state guarded by
// the repository lock, or a transaction's private copy.
type view struct {
	repo  *Repository
	state *state
}

func (v view) read() (*state, func()) {
	if v.repo == nil {
		return v.state, func() {}
	}
	v.repo.mu.RLock()
	return v.repo.state, v.repo.mu.RUnlock
}

func (v view) write() (*state, func()) {
	if v.repo == nil {
		return v.state, func() {}
	}
	v.repo.mu.Lock()
	return v.repo.state, v.repo.mu.Unlock
}

// Metadata operations

type metadataStore struct {
	view
}

func (m *metadataStore) FindByHash(ctx context.Context, hash string) (*simplefile.FileMetadata, error) {
	st, release := m.read()
	defer release()

	uri, exists := st.byHash[hash]
	if !exists {
		return nil, simplefile.ErrMetadataNotFound
	}
	meta := st.metadata[uri]
	return &meta, nil
}

func (m *metadataStore) FindByURI(ctx context.Context, uri string) (*simplefile.FileMetadata, error) {
	st, release := m.read()
	defer release()

	meta, exists := st.metadata[uri]
	if !exists {
		return nil, simplefile.ErrMetadataNotFound
	}
	return &meta, nil
}

func (m *metadataStore) Insert(ctx context.Context, meta simplefile.FileMetadata) error {
	st, release := m.write()
	defer release()

	if _, exists := st.byHash[meta.MD5Hash]; exists {
		return simplefile.ErrDuplicateHash
	}
	if _, exists := st.metadata[meta.FileURI]; exists {
		return fmt.Errorf("file metadata for uri %s already exists", meta.FileURI)
	}
	st.metadata[meta.FileURI] = meta
	st.byHash[meta.MD5Hash] = meta.FileURI
	return nil
}

func (m *metadataStore) UpdateByURI(ctx context.Context, meta simplefile.FileMetadata, uri string) error {
	st, release := m.write()
	defer release()

	current, exists := st.metadata[uri]
	if !exists {
		return simplefile.ErrMetadataNotFound
	}
	if owner, taken := st.byHash[meta.MD5Hash]; taken && owner != uri {
		return simplefile.ErrDuplicateHash
	}

	meta.FileURI = uri
	delete(st.byHash, current.MD5Hash)
	st.byHash[meta.MD5Hash] = uri
	st.metadata[uri] = meta
	return nil
}

func (m *metadataStore) DeleteByURI(ctx context.Context, uri string) error {
	st, release := m.write()
	defer release()

	meta, exists := st.metadata[uri]
	if !exists {
		return simplefile.ErrMetadataNotFound
	}
	for _, alias := range st.aliases {
		if alias.FileURI == uri {
			return simplefile.ErrReferenced
		}
	}
	delete(st.byHash, meta.MD5Hash)
	delete(st.metadata, uri)
	return nil
}

func (m *metadataStore) ListUnreferenced(ctx context.Context, limit int) ([]simplefile.FileMetadata, error) {
	st, release := m.read()
	defer release()

	referenced := make(map[string]bool, len(st.aliases))
	for _, alias := range st.aliases {
		referenced[alias.FileURI] = true
	}

	var result []simplefile.FileMetadata
	for uri, meta := range st.metadata {
		if !referenced[uri] {
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].FileURI < result[j].FileURI
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Alias operations

type aliasStore struct {
	view
}

func (a *aliasStore) FindByAlias(ctx context.Context, alias string) (*simplefile.FileAlias, error) {
	st, release := a.read()
	defer release()

	found, exists := st.aliases[alias]
	if !exists {
		return nil, simplefile.ErrAliasNotFound
	}
	found = copyAlias(found)
	return &found, nil
}

func (a *aliasStore) FindAllByURI(ctx context.Context, uri string) ([]simplefile.FileAlias, error) {
	st, release := a.read()
	defer release()

	var result []simplefile.FileAlias
	for _, alias := range st.aliases {
		if alias.FileURI == uri {
			result = append(result, copyAlias(alias))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Alias < result[j].Alias
	})
	return result, nil
}

func (a *aliasStore) Insert(ctx context.Context, alias simplefile.FileAlias) error {
	st, release := a.write()
	defer release()

	if _, exists := st.aliases[alias.Alias]; exists {
		return simplefile.ErrAliasExists
	}
	if _, exists := st.metadata[alias.FileURI]; !exists {
		return fmt.Errorf("%w: alias references unknown uri %s", simplefile.ErrMetadataNotFound, alias.FileURI)
	}
	st.aliases[alias.Alias] = copyAlias(alias)
	return nil
}

func (a *aliasStore) UpdateByAlias(ctx context.Context, alias simplefile.FileAlias, key string) error {
	st, release := a.write()
	defer release()

	if _, exists := st.aliases[key]; !exists {
		return simplefile.ErrAliasNotFound
	}
	if alias.Alias != key {
		if _, taken := st.aliases[alias.Alias]; taken {
			return simplefile.ErrAliasExists
		}
	}
	if _, exists := st.metadata[alias.FileURI]; !exists {
		return fmt.Errorf("%w: alias references unknown uri %s", simplefile.ErrMetadataNotFound, alias.FileURI)
	}

	delete(st.aliases, key)
	st.aliases[alias.Alias] = copyAlias(alias)
	return nil
}

func (a *aliasStore) DeleteByAlias(ctx context.Context, key string) error {
	st, release := a.write()
	defer release()

	if _, exists := st.aliases[key]; !exists {
		return simplefile.ErrAliasNotFound
	}
	delete(st.aliases, key)
	return nil
}

// copyAlias detaches the Expire pointer from the caller's value
func copyAlias(alias simplefile.FileAlias) simplefile.FileAlias {
	if alias.Expire != nil {
		expire := *alias.Expire
		alias.Expire = &expire
	}
	return alias
}
