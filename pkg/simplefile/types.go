package simplefile

import (
	"path/filepath"
	"strings"
	"time"
)

// FileMetadata maps one content hash to the URI of the blob holding those bytes.
type FileMetadata struct {
	MD5Hash   string    `json:"md5_hash"`
	FileURI   string    `json:"file_uri"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFileMetadata builds a metadata record stamped with the current time.
func NewFileMetadata(hash, uri string, size int64) FileMetadata {
	now := time.Now().UTC()
	return FileMetadata{
		MD5Hash:   hash,
		FileURI:   uri,
		SizeBytes: size,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// FileAlias is a human-facing name for a stored blob plus per-alias attributes.
// Access and Expire are stored verbatim and never interpreted.
type FileAlias struct {
	Alias        string     `json:"alias"`
	FileURI      string     `json:"file_uri"`
	OriginalName string     `json:"original_name,omitempty"`
	Access       string     `json:"access,omitempty"`
	Expire       *time.Time `json:"expire,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewFileAlias builds an alias record that is not yet bound to a URI.
func NewFileAlias(alias, originalName, access string, expire *time.Time) FileAlias {
	now := time.Now().UTC()
	return FileAlias{
		Alias:        alias,
		OriginalName: originalName,
		Access:       access,
		Expire:       normalizeExpire(expire),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WithURI returns a copy of the alias pointing at uri.
func (a FileAlias) WithURI(uri string) FileAlias {
	a.FileURI = uri
	return a
}

// Extension returns the lower-cased extension of the original name without the dot.
func (a FileAlias) Extension() string {
	return ExtensionOf(a.OriginalName)
}

// BlobRef identifies a blob written to (or reserved in) a blob store.
type BlobRef struct {
	// URI is the mounted URI, e.g. "fs://2024/05/01/8c1e.pdf".
	URI string `json:"uri"`
	// Key is the backend-relative key.
	Key string `json:"key"`
	// AbsolutePath is the on-disk location for local backends, empty otherwise.
	AbsolutePath string `json:"absolute_path,omitempty"`
}

// FilePath describes where a stored file can be served from. It is derived
// on demand and never persisted.
type FilePath struct {
	// URI is the unmounted key of the blob.
	URI            string `json:"uri"`
	DestinationDir string `json:"destination_dir,omitempty"`
	BaseURI        string `json:"base_uri,omitempty"`
}

// AbsolutePath joins the destination directory and the key.
func (p FilePath) AbsolutePath() string {
	if p.DestinationDir == "" {
		return p.URI
	}
	return filepath.Join(p.DestinationDir, filepath.FromSlash(p.URI))
}

// URL joins the base URI and the key. It returns an empty string when no base
// URI is configured.
func (p FilePath) URL() string {
	if p.BaseURI == "" {
		return ""
	}
	return strings.TrimRight(p.BaseURI, "/") + "/" + strings.TrimLeft(p.URI, "/")
}

// ExtensionOf returns the lower-cased extension of name without the leading dot.
func ExtensionOf(name string) string {
	ext := filepath.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func normalizeExpire(expire *time.Time) *time.Time {
	if expire == nil || expire.IsZero() {
		return nil
	}
	t := expire.UTC()
	return &t
}

// ReplaceMode describes how Replace reconciled new bytes with stored content.
type ReplaceMode string

const (
	// ReplaceModeRedirect repointed the alias at an existing blob with the same hash.
	ReplaceModeRedirect ReplaceMode = "redirect"
	// ReplaceModeInPlace overwrote a blob owned by a single alias.
	ReplaceModeInPlace ReplaceMode = "in_place"
	// ReplaceModeFork wrote a new blob because other aliases still share the old one.
	ReplaceModeFork ReplaceMode = "fork"
)
