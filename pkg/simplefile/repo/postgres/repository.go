package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-file/pkg/simplefile"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// TxBeginner is implemented by pools, connections and transactions
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository implements simplefile.Repository using PostgreSQL.
//
// Inside WithinTx, metadata lookups and FindAllByURI take row locks with
// SELECT ... FOR UPDATE so that reference counts stay valid until commit.
type Repository struct {
	db   DBTX
	inTx bool
}

// New creates a new PostgreSQL repository. db must also implement TxBeginner
// for WithinTx to work.
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

func (r *Repository) Metadata() simplefile.MetadataStore {
	return &metadataStore{r: r}
}

func (r *Repository) Aliases() simplefile.AliasStore {
	return &aliasStore{r: r}
}

func (r *Repository) WithinTx(ctx context.Context, fn func(tx simplefile.Repository) error) (err error) {
	if r.inTx {
		return fn(r)
	}

	beginner, ok := r.db.(TxBeginner)
	if !ok {
		return fmt.Errorf("%w: postgres handle cannot begin transactions", simplefile.ErrMisconfigured)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return r.handlePostgresError("begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&Repository{db: tx, inTx: true}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return r.handlePostgresError("commit transaction", err)
	}
	return nil
}

// lockClause returns the row-lock suffix for reads that feed a mutation
func (r *Repository) lockClause() string {
	if r.inTx {
		return " FOR UPDATE"
	}
	return ""
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			switch pgErr.ConstraintName {
			case "file_metadata_md5_hash_key":
				return fmt.Errorf("%s: %w", operation, simplefile.ErrDuplicateHash)
			case "file_alias_pkey":
				return fmt.Errorf("%s: %w", operation, simplefile.ErrAliasExists)
			}
			return fmt.Errorf("%s: duplicate entry for %s", operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			if pgErr.TableName == "file_metadata" {
				return fmt.Errorf("%s: %w", operation, simplefile.ErrReferenced)
			}
			return fmt.Errorf("%s: %w", operation, simplefile.ErrMetadataNotFound)
		case "23502": // not_null_violation
			return fmt.Errorf("%s: required field %s is missing", operation, pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("%s: table does not exist - database migration required", operation)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Metadata operations

type metadataStore struct {
	r *Repository
}

const metadataColumns = `file_uri, md5_hash, size_bytes, created_at, updated_at`

func scanMetadata(row pgx.Row) (*simplefile.FileMetadata, error) {
	var meta simplefile.FileMetadata
	if err := row.Scan(&meta.FileURI, &meta.MD5Hash, &meta.SizeBytes, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *metadataStore) FindByHash(ctx context.Context, hash string) (*simplefile.FileMetadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM file_metadata WHERE md5_hash = $1` + m.r.lockClause()

	meta, err := scanMetadata(m.r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplefile.ErrMetadataNotFound
		}
		return nil, m.r.handlePostgresError("find metadata by hash", err)
	}
	return meta, nil
}

func (m *metadataStore) FindByURI(ctx context.Context, uri string) (*simplefile.FileMetadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM file_metadata WHERE file_uri = $1` + m.r.lockClause()

	meta, err := scanMetadata(m.r.db.QueryRow(ctx, query, uri))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplefile.ErrMetadataNotFound
		}
		return nil, m.r.handlePostgresError("find metadata by uri", err)
	}
	return meta, nil
}

func (m *metadataStore) Insert(ctx context.Context, meta simplefile.FileMetadata) error {
	query := `
		INSERT INTO file_metadata (file_uri, md5_hash, size_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := m.r.db.Exec(ctx, query, meta.FileURI, meta.MD5Hash, meta.SizeBytes, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return m.r.handlePostgresError("insert metadata", err)
	}
	return nil
}

func (m *metadataStore) UpdateByURI(ctx context.Context, meta simplefile.FileMetadata, uri string) error {
	query := `
		UPDATE file_metadata SET md5_hash = $2, size_bytes = $3, updated_at = $4
		WHERE file_uri = $1`

	tag, err := m.r.db.Exec(ctx, query, uri, meta.MD5Hash, meta.SizeBytes, meta.UpdatedAt)
	if err != nil {
		return m.r.handlePostgresError("update metadata", err)
	}
	if tag.RowsAffected() == 0 {
		return simplefile.ErrMetadataNotFound
	}
	return nil
}

func (m *metadataStore) DeleteByURI(ctx context.Context, uri string) error {
	tag, err := m.r.db.Exec(ctx, `DELETE FROM file_metadata WHERE file_uri = $1`, uri)
	if err != nil {
		return m.r.handlePostgresError("delete metadata", err)
	}
	if tag.RowsAffected() == 0 {
		return simplefile.ErrMetadataNotFound
	}
	return nil
}

func (m *metadataStore) ListUnreferenced(ctx context.Context, limit int) ([]simplefile.FileMetadata, error) {
	query := `
		SELECT m.file_uri, m.md5_hash, m.size_bytes, m.created_at, m.updated_at
		FROM file_metadata m
		WHERE NOT EXISTS (SELECT 1 FROM file_alias a WHERE a.file_uri = m.file_uri)
		ORDER BY m.created_at, m.file_uri`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := m.r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, m.r.handlePostgresError("list unreferenced metadata", err)
	}
	defer rows.Close()

	var result []simplefile.FileMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, m.r.handlePostgresError("scan metadata", err)
		}
		result = append(result, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, m.r.handlePostgresError("list unreferenced metadata", err)
	}
	return result, nil
}

// Alias operations

type aliasStore struct {
	r *Repository
}

const aliasColumns = `alias, file_uri, original_name, access, expire, created_at, updated_at`

func scanAlias(row pgx.Row) (*simplefile.FileAlias, error) {
	var alias simplefile.FileAlias
	if err := row.Scan(&alias.Alias, &alias.FileURI, &alias.OriginalName, &alias.Access,
		&alias.Expire, &alias.CreatedAt, &alias.UpdatedAt); err != nil {
		return nil, err
	}
	return &alias, nil
}

func (a *aliasStore) FindByAlias(ctx context.Context, alias string) (*simplefile.FileAlias, error) {
	query := `SELECT ` + aliasColumns + ` FROM file_alias WHERE alias = $1`

	found, err := scanAlias(a.r.db.QueryRow(ctx, query, alias))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplefile.ErrAliasNotFound
		}
		return nil, a.r.handlePostgresError("find alias", err)
	}
	return found, nil
}

func (a *aliasStore) FindAllByURI(ctx context.Context, uri string) ([]simplefile.FileAlias, error) {
	query := `SELECT ` + aliasColumns + ` FROM file_alias WHERE file_uri = $1 ORDER BY alias` + a.r.lockClause()

	rows, err := a.r.db.Query(ctx, query, uri)
	if err != nil {
		return nil, a.r.handlePostgresError("find aliases by uri", err)
	}
	defer rows.Close()

	var result []simplefile.FileAlias
	for rows.Next() {
		found, err := scanAlias(rows)
		if err != nil {
			return nil, a.r.handlePostgresError("scan alias", err)
		}
		result = append(result, *found)
	}
	if err := rows.Err(); err != nil {
		return nil, a.r.handlePostgresError("find aliases by uri", err)
	}
	return result, nil
}

func (a *aliasStore) Insert(ctx context.Context, alias simplefile.FileAlias) error {
	query := `
		INSERT INTO file_alias (alias, file_uri, original_name, access, expire, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := a.r.db.Exec(ctx, query, alias.Alias, alias.FileURI, alias.OriginalName, alias.Access,
		alias.Expire, alias.CreatedAt, alias.UpdatedAt)
	if err != nil {
		return a.r.handlePostgresError("insert alias", err)
	}
	return nil
}

func (a *aliasStore) UpdateByAlias(ctx context.Context, alias simplefile.FileAlias, key string) error {
	query := `
		UPDATE file_alias SET
			alias = $2, file_uri = $3, original_name = $4, access = $5, expire = $6, updated_at = $7
		WHERE alias = $1`

	tag, err := a.r.db.Exec(ctx, query, key, alias.Alias, alias.FileURI, alias.OriginalName,
		alias.Access, alias.Expire, alias.UpdatedAt)
	if err != nil {
		return a.r.handlePostgresError("update alias", err)
	}
	if tag.RowsAffected() == 0 {
		return simplefile.ErrAliasNotFound
	}
	return nil
}

func (a *aliasStore) DeleteByAlias(ctx context.Context, key string) error {
	tag, err := a.r.db.Exec(ctx, `DELETE FROM file_alias WHERE alias = $1`, key)
	if err != nil {
		return a.r.handlePostgresError("delete alias", err)
	}
	if tag.RowsAffected() == 0 {
		return simplefile.ErrAliasNotFound
	}
	return nil
}
