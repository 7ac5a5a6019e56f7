// Package presets provides easy-to-use configurations for common use cases.
// Presets eliminate boilerplate and provide sensible defaults while remaining
// customizable.
package presets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/config"
	"github.com/tendant/simple-file/pkg/simplefile/lock"
	"github.com/tendant/simple-file/pkg/simplefile/pathgen"
	memoryrepo "github.com/tendant/simple-file/pkg/simplefile/repo/memory"
	"github.com/tendant/simple-file/pkg/simplefile/repo/sqlite"
	fsstorage "github.com/tendant/simple-file/pkg/simplefile/storage/fs"
	memorystorage "github.com/tendant/simple-file/pkg/simplefile/storage/memory"
)

// NewDevelopment creates a service configured for local development.
//
// Features:
//   - SQLite database at <dir>/files.db (persistent across restarts)
//   - Filesystem storage at <dir>/blobs
//   - In-process locking and event logging
//
// The returned cleanup function closes the database and removes the
// directory.
//
// Example:
//
//	svc, cleanup, err := presets.NewDevelopment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func NewDevelopment(opts ...DevelopmentOption) (simplefile.Service, func(), error) {
	cfg := &devConfig{
		storageDir: "./dev-data",
		baseURI:    "http://localhost:8080/api/v1/files",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(cfg.storageDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	repo, err := sqlite.Open(filepath.Join(cfg.storageDir, "files.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite repository: %w", err)
	}

	fsBackend, err := fsstorage.New(fsstorage.Config{
		BaseDir: filepath.Join(cfg.storageDir, "blobs"),
		BaseURI: cfg.baseURI,
	})
	if err != nil {
		_ = repo.Close()
		return nil, nil, fmt.Errorf("failed to create filesystem storage: %w", err)
	}

	svc, err := simplefile.New(
		simplefile.WithRepository(repo),
		simplefile.WithBlobStore(fsstorage.DefaultMount, fsBackend),
		simplefile.WithLocker(lock.NewLocal()),
		simplefile.WithEventSink(simplefile.NewLoggingEventSink(nil)),
	)
	if err != nil {
		_ = repo.Close()
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}

	cleanup := func() {
		_ = repo.Close()
		_ = os.RemoveAll(cfg.storageDir)
	}
	return svc, cleanup, nil
}

// NewTesting creates a service configured for unit and integration tests.
//
// Features:
//   - In-memory repository and storage (isolated per test)
//   - Flat key layout under the "memory" mount
//   - No event logging (cleaner test output)
//   - Optional fixtures saved before the service is returned
//
// Example:
//
//	func TestMyFeature(t *testing.T) {
//	    svc := presets.NewTesting(t)
//	    // Use service in test...
//	}
func NewTesting(t testing.TB, opts ...TestingOption) simplefile.Service {
	t.Helper()

	cfg := &testConfig{strategy: pathgen.FlatStrategy{}}
	for _, opt := range opts {
		opt(cfg)
	}

	storage := memorystorage.New(pathgen.New(memorystorage.DefaultMount, pathgen.WithStrategy(cfg.strategy)))
	options := []simplefile.Option{
		simplefile.WithRepository(memoryrepo.New()),
		simplefile.WithBlobStore(memorystorage.DefaultMount, storage),
	}
	options = append(options, cfg.extra...)

	svc, err := simplefile.New(options...)
	if err != nil {
		t.Fatalf("failed to create test service: %v", err)
	}

	for _, fixture := range cfg.fixtures {
		if _, err := svc.SaveFromBytes(context.Background(), fixture.data, simplefile.SaveFileRequest{
			Alias:        fixture.alias,
			OriginalName: fixture.alias,
		}); err != nil {
			t.Fatalf("failed to save fixture %s: %v", fixture.alias, err)
		}
	}

	return svc
}

// NewProduction creates a service from the process environment using
// config.WithEnv(""). It refuses in-memory repositories and storage.
func NewProduction(ctx context.Context, opts ...config.Option) (*config.Built, error) {
	cfg, err := config.Load(append([]config.Option{config.WithEnv(""), config.WithEnvironment("production")}, opts...)...)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseType == "memory" {
		return nil, fmt.Errorf("%w: production preset requires DATABASE_URL (memory not allowed in production)", simplefile.ErrMisconfigured)
	}
	for _, backend := range cfg.StorageBackends {
		if backend.Name == cfg.DefaultStorageBackend && backend.Type == "memory" {
			return nil, fmt.Errorf("%w: production preset requires persistent storage (s3 or fs, not memory)", simplefile.ErrMisconfigured)
		}
	}
	return cfg.Build(ctx)
}

// Option types for customization

// devConfig holds development preset configuration
type devConfig struct {
	storageDir string
	baseURI    string
}

type fixture struct {
	alias string
	data  []byte
}

// testConfig holds testing preset configuration
type testConfig struct {
	strategy pathgen.Strategy
	fixtures []fixture
	extra    []simplefile.Option
}

// DevelopmentOption is a functional option for NewDevelopment
type DevelopmentOption func(*devConfig)

// WithDevStorage sets the development storage directory
func WithDevStorage(dir string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.storageDir = dir
	}
}

// WithDevBaseURI sets the public URI files are served under
func WithDevBaseURI(uri string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.baseURI = uri
	}
}

// TestingOption is a functional option for NewTesting
type TestingOption func(*testConfig)

// WithTestFixture saves data under alias before NewTesting returns
func WithTestFixture(alias string, data []byte) TestingOption {
	return func(cfg *testConfig) {
		cfg.fixtures = append(cfg.fixtures, fixture{alias: alias, data: data})
	}
}

// WithTestStrategy sets the key layout of the memory store
func WithTestStrategy(strategy pathgen.Strategy) TestingOption {
	return func(cfg *testConfig) {
		cfg.strategy = strategy
	}
}

// WithTestServiceOptions passes extra options to simplefile.New
func WithTestServiceOptions(opts ...simplefile.Option) TestingOption {
	return func(cfg *testConfig) {
		cfg.extra = append(cfg.extra, opts...)
	}
}
