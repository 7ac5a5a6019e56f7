package postgres

import (
	"context"
	"fmt"
)

// Schema creates the file_metadata and file_alias tables. Table names are
// unqualified; select a schema through the connection's search_path.
const Schema = `
CREATE TABLE IF NOT EXISTS file_metadata (
	file_uri   TEXT PRIMARY KEY,
	md5_hash   TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT file_metadata_md5_hash_key UNIQUE (md5_hash)
);

CREATE TABLE IF NOT EXISTS file_alias (
	alias         TEXT PRIMARY KEY,
	file_uri      TEXT NOT NULL,
	original_name TEXT NOT NULL DEFAULT '',
	access        TEXT NOT NULL DEFAULT '',
	expire        TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT file_alias_file_uri_fkey FOREIGN KEY (file_uri) REFERENCES file_metadata (file_uri)
);

CREATE INDEX IF NOT EXISTS file_alias_file_uri_idx ON file_alias (file_uri);
`

// Migrate applies Schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
