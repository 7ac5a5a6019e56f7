package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tendant/simple-file/pkg/simplefile"
)

type scanner interface {
	Scan(dest ...any) error
}

type metadataStore struct {
	r *Repository
}

const metadataColumns = `file_uri, md5_hash, size_bytes, created_at, updated_at`

func scanMetadata(row scanner) (*simplefile.FileMetadata, error) {
	var (
		meta             simplefile.FileMetadata
		created, updated string
	)
	if err := row.Scan(&meta.FileURI, &meta.MD5Hash, &meta.SizeBytes, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if meta.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if meta.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *metadataStore) findOne(ctx context.Context, where string, arg string) (*simplefile.FileMetadata, error) {
	row := m.r.q.QueryRowContext(ctx, "SELECT "+metadataColumns+" FROM file_metadata WHERE "+where+" = ?", arg)
	meta, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, simplefile.ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find metadata by %s: %w", where, err)
	}
	return meta, nil
}

func (m *metadataStore) FindByHash(ctx context.Context, hash string) (*simplefile.FileMetadata, error) {
	return m.findOne(ctx, "md5_hash", hash)
}

func (m *metadataStore) FindByURI(ctx context.Context, uri string) (*simplefile.FileMetadata, error) {
	return m.findOne(ctx, "file_uri", uri)
}

func (m *metadataStore) Insert(ctx context.Context, meta simplefile.FileMetadata) error {
	_, err := m.r.q.ExecContext(ctx,
		"INSERT INTO file_metadata (file_uri, md5_hash, size_bytes, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		meta.FileURI, meta.MD5Hash, meta.SizeBytes, formatTime(meta.CreatedAt), formatTime(meta.UpdatedAt),
	)
	if isUniqueConstraint(err, "file_metadata.md5_hash") {
		return fmt.Errorf("insert metadata: %w", simplefile.ErrDuplicateHash)
	}
	if err != nil {
		return fmt.Errorf("insert metadata: %w", err)
	}
	return nil
}

func (m *metadataStore) UpdateByURI(ctx context.Context, meta simplefile.FileMetadata, uri string) error {
	res, err := m.r.q.ExecContext(ctx,
		"UPDATE file_metadata SET md5_hash = ?, size_bytes = ?, updated_at = ? WHERE file_uri = ?",
		meta.MD5Hash, meta.SizeBytes, formatTime(meta.UpdatedAt), uri,
	)
	if isUniqueConstraint(err, "file_metadata.md5_hash") {
		return fmt.Errorf("update metadata: %w", simplefile.ErrDuplicateHash)
	}
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return rowsAffected(res, simplefile.ErrMetadataNotFound)
}

func (m *metadataStore) DeleteByURI(ctx context.Context, uri string) error {
	res, err := m.r.q.ExecContext(ctx, "DELETE FROM file_metadata WHERE file_uri = ?", uri)
	if isForeignKeyConstraint(err) {
		return fmt.Errorf("delete metadata: %w", simplefile.ErrReferenced)
	}
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return rowsAffected(res, simplefile.ErrMetadataNotFound)
}

func (m *metadataStore) ListUnreferenced(ctx context.Context, limit int) ([]simplefile.FileMetadata, error) {
	query := `
SELECT m.file_uri, m.md5_hash, m.size_bytes, m.created_at, m.updated_at
FROM file_metadata m
WHERE NOT EXISTS (SELECT 1 FROM file_alias a WHERE a.file_uri = m.file_uri)
ORDER BY m.created_at, m.file_uri`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unreferenced metadata: %w", err)
	}
	defer rows.Close()

	var result []simplefile.FileMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *meta)
	}
	return result, rows.Err()
}

type aliasStore struct {
	r *Repository
}

const aliasColumns = `alias, file_uri, original_name, access, expire, created_at, updated_at`

func scanAlias(row scanner) (*simplefile.FileAlias, error) {
	var (
		alias            simplefile.FileAlias
		expire           sql.NullString
		created, updated string
	)
	if err := row.Scan(&alias.Alias, &alias.FileURI, &alias.OriginalName, &alias.Access, &expire, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if alias.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if alias.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if expire.Valid {
		t, err := parseTime(expire.String)
		if err != nil {
			return nil, err
		}
		alias.Expire = &t
	}
	return &alias, nil
}

func (a *aliasStore) FindByAlias(ctx context.Context, alias string) (*simplefile.FileAlias, error) {
	row := a.r.q.QueryRowContext(ctx, "SELECT "+aliasColumns+" FROM file_alias WHERE alias = ?", alias)
	found, err := scanAlias(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, simplefile.ErrAliasNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find alias: %w", err)
	}
	return found, nil
}

func (a *aliasStore) FindAllByURI(ctx context.Context, uri string) ([]simplefile.FileAlias, error) {
	rows, err := a.r.q.QueryContext(ctx, "SELECT "+aliasColumns+" FROM file_alias WHERE file_uri = ? ORDER BY alias", uri)
	if err != nil {
		return nil, fmt.Errorf("find aliases by uri: %w", err)
	}
	defer rows.Close()

	var result []simplefile.FileAlias
	for rows.Next() {
		found, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *found)
	}
	return result, rows.Err()
}

func (a *aliasStore) Insert(ctx context.Context, alias simplefile.FileAlias) error {
	_, err := a.r.q.ExecContext(ctx,
		"INSERT INTO file_alias (alias, file_uri, original_name, access, expire, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		alias.Alias, alias.FileURI, alias.OriginalName, alias.Access, formatNullTime(alias.Expire),
		formatTime(alias.CreatedAt), formatTime(alias.UpdatedAt),
	)
	return aliasWriteError("insert alias", err)
}

func (a *aliasStore) UpdateByAlias(ctx context.Context, alias simplefile.FileAlias, key string) error {
	res, err := a.r.q.ExecContext(ctx,
		"UPDATE file_alias SET alias = ?, file_uri = ?, original_name = ?, access = ?, expire = ?, updated_at = ? WHERE alias = ?",
		alias.Alias, alias.FileURI, alias.OriginalName, alias.Access, formatNullTime(alias.Expire),
		formatTime(alias.UpdatedAt), key,
	)
	if err := aliasWriteError("update alias", err); err != nil {
		return err
	}
	return rowsAffected(res, simplefile.ErrAliasNotFound)
}

func (a *aliasStore) DeleteByAlias(ctx context.Context, key string) error {
	res, err := a.r.q.ExecContext(ctx, "DELETE FROM file_alias WHERE alias = ?", key)
	if err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	return rowsAffected(res, simplefile.ErrAliasNotFound)
}

func aliasWriteError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueConstraint(err, "file_alias.alias"):
		return fmt.Errorf("%s: %w", op, simplefile.ErrAliasExists)
	case isForeignKeyConstraint(err):
		return fmt.Errorf("%s: %w", op, simplefile.ErrMetadataNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
