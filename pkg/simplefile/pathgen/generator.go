package pathgen

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-file/pkg/simplefile"
)

// Strategy lays out backend-relative keys for new blobs
type Strategy interface {
	// Key builds a key from a fresh id, a lower-case extension (possibly
	// empty) and the current time
	Key(id uuid.UUID, ext string, now time.Time) string
}

// FlatStrategy stores every blob directly under the root: 8c1e....pdf
type FlatStrategy struct{}

func (FlatStrategy) Key(id uuid.UUID, ext string, now time.Time) string {
	return withExt(id.String(), ext)
}

// DatedStrategy groups blobs by UTC day: 2024/05/01/8c1e....pdf
type DatedStrategy struct{}

func (DatedStrategy) Key(id uuid.UUID, ext string, now time.Time) string {
	return now.UTC().Format("2006/01/02") + "/" + withExt(id.String(), ext)
}

// GitLikeStrategy provides Git-style sharding on the id: 8c/1e....pdf
type GitLikeStrategy struct {
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func (g GitLikeStrategy) Key(id uuid.UUID, ext string, now time.Time) string {
	idStr := strings.ReplaceAll(id.String(), "-", "")
	shard := g.ShardLength
	if shard <= 0 {
		shard = 2
	}
	if shard > len(idStr) {
		shard = len(idStr)
	}
	return idStr[:shard] + "/" + withExt(idStr[shard:], ext)
}

// StrategyFunc allows users to provide their own key layout
type StrategyFunc func(id uuid.UUID, ext string, now time.Time) string

func (f StrategyFunc) Key(id uuid.UUID, ext string, now time.Time) string {
	return f(id, ext, now)
}

// ParseStrategy maps a configuration name to a strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "dated":
		return DatedStrategy{}, nil
	case "flat":
		return FlatStrategy{}, nil
	case "git-like", "gitlike", "sharded":
		return GitLikeStrategy{ShardLength: 2}, nil
	default:
		return nil, fmt.Errorf("unknown path strategy %q", name)
	}
}

// Generator reserves keys for one blob store mount and implements
// simplefile.PathGenerator.
type Generator struct {
	mount          string
	destinationDir string
	baseURI        string
	strategy       Strategy
	newID          func() uuid.UUID
	now            func() time.Time
	mu             sync.Mutex
}

// Option configures a Generator
type Option func(*Generator)

// WithDestinationDir sets the directory generated keys are rooted in
func WithDestinationDir(dir string) Option {
	return func(g *Generator) {
		g.destinationDir = dir
	}
}

// WithBaseURI sets the public base URI generated keys are served under
func WithBaseURI(uri string) Option {
	return func(g *Generator) {
		g.baseURI = uri
	}
}

// WithStrategy sets the key layout
func WithStrategy(strategy Strategy) Option {
	return func(g *Generator) {
		g.strategy = strategy
	}
}

// WithIDFunc replaces the id source, mainly for tests
func WithIDFunc(fn func() uuid.UUID) Option {
	return func(g *Generator) {
		g.newID = fn
	}
}

// WithClock replaces the time source, mainly for tests
func WithClock(fn func() time.Time) Option {
	return func(g *Generator) {
		g.now = fn
	}
}

// New creates a generator for URIs under mount. The default layout is DatedStrategy.
func New(mount string, opts ...Option) *Generator {
	g := &Generator{
		mount:    mount,
		strategy: DatedStrategy{},
		newID:    uuid.New,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateURI returns a fresh mounted URI for content with extension ext.
func (g *Generator) GenerateURI(ext string) (simplefile.BlobRef, error) {
	if g.mount == "" {
		return simplefile.BlobRef{}, fmt.Errorf("%w: path generator has no mount", simplefile.ErrMisconfigured)
	}

	g.mu.Lock()
	id, now := g.newID(), g.now()
	g.mu.Unlock()

	key := g.strategy.Key(id, sanitizeExt(ext), now)
	if key == "" {
		return simplefile.BlobRef{}, fmt.Errorf("path strategy returned an empty key")
	}
	key = strings.TrimLeft(key, "/")

	ref := simplefile.BlobRef{
		URI: simplefile.MountURI(g.mount, key),
		Key: key,
	}
	if g.destinationDir != "" {
		ref.AbsolutePath = filepath.Join(g.destinationDir, filepath.FromSlash(key))
	}
	return ref, nil
}

// Mount returns the mount name prefixed to generated URIs
func (g *Generator) Mount() string {
	return g.mount
}

// DestinationDir returns the directory generated keys are rooted in
func (g *Generator) DestinationDir() string {
	return g.destinationDir
}

// BaseURI returns the public base URI
func (g *Generator) BaseURI() string {
	return g.baseURI
}

func withExt(name, ext string) string {
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// sanitizeExt keeps extensions to a single safe path component
func sanitizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
