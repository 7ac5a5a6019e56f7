// Package repotest holds behaviour tests shared by every simplefile.Repository
// implementation.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-file/pkg/simplefile"
)

// Factory returns an empty repository for one subtest
type Factory func(t *testing.T) simplefile.Repository

var errRollback = errors.New("rollback requested")

func meta(hash, uri string) simplefile.FileMetadata {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return simplefile.FileMetadata{MD5Hash: hash, FileURI: uri, SizeBytes: 42, CreatedAt: created, UpdatedAt: created}
}

func alias(name, uri string) simplefile.FileAlias {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return simplefile.FileAlias{Alias: name, FileURI: uri, OriginalName: name + ".txt", Access: "public", CreatedAt: created, UpdatedAt: created}
}

// Run exercises the repository contract against repositories built by newRepo
func Run(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("MetadataInsertAndFind", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h1", "mem://a.txt")))

		byHash, err := repo.Metadata().FindByHash(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, "mem://a.txt", byHash.FileURI)
		assert.Equal(t, int64(42), byHash.SizeBytes)

		byURI, err := repo.Metadata().FindByURI(ctx, "mem://a.txt")
		require.NoError(t, err)
		assert.Equal(t, "h1", byURI.MD5Hash)
		assert.True(t, byURI.CreatedAt.Equal(meta("", "").CreatedAt))

		_, err = repo.Metadata().FindByHash(ctx, "missing")
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
		_, err = repo.Metadata().FindByURI(ctx, "mem://missing")
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
		assert.ErrorIs(t, err, simplefile.ErrNotFound)
	})

	t.Run("MetadataDuplicateHash", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h1", "mem://a.txt")))
		err := repo.Metadata().Insert(ctx, meta("h1", "mem://b.txt"))
		assert.ErrorIs(t, err, simplefile.ErrDuplicateHash)
	})

	t.Run("MetadataUpdateByURI", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h1", "mem://a.txt")))
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h2", "mem://b.txt")))

		updated := meta("h3", "mem://a.txt")
		updated.SizeBytes = 7
		require.NoError(t, repo.Metadata().UpdateByURI(ctx, updated, "mem://a.txt"))

		_, err := repo.Metadata().FindByHash(ctx, "h1")
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
		got, err := repo.Metadata().FindByHash(ctx, "h3")
		require.NoError(t, err)
		assert.Equal(t, "mem://a.txt", got.FileURI)
		assert.Equal(t, int64(7), got.SizeBytes)

		err = repo.Metadata().UpdateByURI(ctx, meta("h2", "mem://a.txt"), "mem://a.txt")
		assert.ErrorIs(t, err, simplefile.ErrDuplicateHash)

		err = repo.Metadata().UpdateByURI(ctx, meta("h9", "mem://zzz"), "mem://zzz")
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
	})

	t.Run("AliasLifecycle", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h1", "mem://a.txt")))
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h2", "mem://b.txt")))

		expire := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
		first := alias("first", "mem://a.txt")
		first.Expire = &expire
		require.NoError(t, repo.Aliases().Insert(ctx, first))
		require.NoError(t, repo.Aliases().Insert(ctx, alias("second", "mem://a.txt")))

		got, err := repo.Aliases().FindByAlias(ctx, "first")
		require.NoError(t, err)
		assert.Equal(t, "mem://a.txt", got.FileURI)
		assert.Equal(t, "first.txt", got.OriginalName)
		assert.Equal(t, "public", got.Access)
		require.NotNil(t, got.Expire)
		assert.True(t, got.Expire.Equal(expire))

		sharing, err := repo.Aliases().FindAllByURI(ctx, "mem://a.txt")
		require.NoError(t, err)
		require.Len(t, sharing, 2)
		assert.Equal(t, "first", sharing[0].Alias)
		assert.Equal(t, "second", sharing[1].Alias)

		moved := *got
		moved.FileURI = "mem://b.txt"
		moved.OriginalName = ""
		moved.Expire = nil
		require.NoError(t, repo.Aliases().UpdateByAlias(ctx, moved, "first"))

		got, err = repo.Aliases().FindByAlias(ctx, "first")
		require.NoError(t, err)
		assert.Equal(t, "mem://b.txt", got.FileURI)
		assert.Empty(t, got.OriginalName)
		assert.Nil(t, got.Expire)

		sharing, err = repo.Aliases().FindAllByURI(ctx, "mem://a.txt")
		require.NoError(t, err)
		assert.Len(t, sharing, 1)

		require.NoError(t, repo.Aliases().DeleteByAlias(ctx, "first"))
		_, err = repo.Aliases().FindByAlias(ctx, "first")
		assert.ErrorIs(t, err, simplefile.ErrAliasNotFound)
		assert.ErrorIs(t, repo.Aliases().DeleteByAlias(ctx, "first"), simplefile.ErrAliasNotFound)
		assert.ErrorIs(t, repo.Aliases().UpdateByAlias(ctx, moved, "first"), simplefile.ErrAliasNotFound)
	})

	t.Run("AliasConstraints", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h1", "mem://a.txt")))
		require.NoError(t, repo.Aliases().Insert(ctx, alias("taken", "mem://a.txt")))

		assert.ErrorIs(t, repo.Aliases().Insert(ctx, alias("taken", "mem://a.txt")), simplefile.ErrAliasExists)
		assert.ErrorIs(t, repo.Aliases().Insert(ctx, alias("dangling", "mem://nope")), simplefile.ErrMetadataNotFound)

		require.NoError(t, repo.Aliases().Insert(ctx, alias("other", "mem://a.txt")))
		renamed := alias("taken", "mem://a.txt")
		assert.ErrorIs(t, repo.Aliases().UpdateByAlias(ctx, renamed, "other"), simplefile.ErrAliasExists)
	})

	t.Run("MetadataDelete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h1", "mem://a.txt")))
		require.NoError(t, repo.Aliases().Insert(ctx, alias("a", "mem://a.txt")))

		assert.ErrorIs(t, repo.Metadata().DeleteByURI(ctx, "mem://a.txt"), simplefile.ErrReferenced)

		require.NoError(t, repo.Aliases().DeleteByAlias(ctx, "a"))
		require.NoError(t, repo.Metadata().DeleteByURI(ctx, "mem://a.txt"))
		_, err := repo.Metadata().FindByHash(ctx, "h1")
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
		assert.ErrorIs(t, repo.Metadata().DeleteByURI(ctx, "mem://a.txt"), simplefile.ErrMetadataNotFound)
	})

	t.Run("ListUnreferenced", func(t *testing.T) {
		repo := newRepo(t)
		for _, m := range []simplefile.FileMetadata{
			meta("h1", "mem://a.txt"),
			meta("h2", "mem://b.txt"),
			meta("h3", "mem://c.txt"),
		} {
			require.NoError(t, repo.Metadata().Insert(ctx, m))
		}
		require.NoError(t, repo.Aliases().Insert(ctx, alias("b", "mem://b.txt")))

		orphans, err := repo.Metadata().ListUnreferenced(ctx, 0)
		require.NoError(t, err)
		require.Len(t, orphans, 2)
		assert.Equal(t, "mem://a.txt", orphans[0].FileURI)
		assert.Equal(t, "mem://c.txt", orphans[1].FileURI)

		limited, err := repo.Metadata().ListUnreferenced(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("TransactionCommit", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.WithinTx(ctx, func(tx simplefile.Repository) error {
			if err := tx.Metadata().Insert(ctx, meta("h1", "mem://a.txt")); err != nil {
				return err
			}
			found, err := tx.Metadata().FindByHash(ctx, "h1")
			if err != nil {
				return err
			}
			return tx.Aliases().Insert(ctx, alias("a", found.FileURI))
		})
		require.NoError(t, err)

		got, err := repo.Aliases().FindByAlias(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "mem://a.txt", got.FileURI)
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.WithinTx(ctx, func(tx simplefile.Repository) error {
			if err := tx.Metadata().Insert(ctx, meta("h1", "mem://a.txt")); err != nil {
				return err
			}
			if err := tx.Aliases().Insert(ctx, alias("a", "mem://a.txt")); err != nil {
				return err
			}
			return errRollback
		})
		assert.ErrorIs(t, err, errRollback)

		_, err = repo.Metadata().FindByHash(ctx, "h1")
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound)
		_, err = repo.Aliases().FindByAlias(ctx, "a")
		assert.ErrorIs(t, err, simplefile.ErrAliasNotFound)
	})

	t.Run("TransactionRollbackOnConstraint", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Metadata().Insert(ctx, meta("h0", "mem://z.txt")))
		require.NoError(t, repo.Aliases().Insert(ctx, alias("taken", "mem://z.txt")))

		err := repo.WithinTx(ctx, func(tx simplefile.Repository) error {
			if err := tx.Metadata().Insert(ctx, meta("h1", "mem://a.txt")); err != nil {
				return err
			}
			return tx.Aliases().Insert(ctx, alias("taken", "mem://a.txt"))
		})
		assert.ErrorIs(t, err, simplefile.ErrAliasExists)

		_, err = repo.Metadata().FindByHash(ctx, "h1")
		assert.ErrorIs(t, err, simplefile.ErrMetadataNotFound, "metadata row must not outlive a failed alias insert")
	})
}
