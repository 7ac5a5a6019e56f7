// Package simplefile provides content-addressed file storage with a layer of
// human-facing aliases on top.
//
// Bytes are stored once per distinct MD5 hash. Each stored blob has exactly one
// FileMetadata row (hash -> URI) and any number of FileAlias rows pointing at
// its URI. The number of alias rows on a URI acts as its reference count: the
// Service mutates a blob in place only while a single alias owns it, and tears
// down the blob together with its metadata row when the last alias goes away.
//
// Repositories (memory, Postgres, SQLite) and blob stores (memory, filesystem,
// S3) are provided under subpackages. A Service is assembled with functional
// options:
//
//	repo := memory.New()
//	store := memorystorage.New(pathgen.New("mem"))
//	svc, err := simplefile.New(
//		simplefile.WithRepository(repo),
//		simplefile.WithBlobStore("mem", store),
//		simplefile.WithDefaultBlobStore("mem"),
//	)
//
// URIs
//
// Blob URIs carry the name of the blob store that owns them as a mount prefix,
// e.g. "fs://2024/05/01/8c1e.pdf". The Service uses the prefix to route
// replace and delete calls to the correct backend, and strips it when building
// FilePath values.
package simplefile
