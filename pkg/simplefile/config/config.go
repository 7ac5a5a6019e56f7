package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/lock"
	redislock "github.com/tendant/simple-file/pkg/simplefile/lock/redis"
	"github.com/tendant/simple-file/pkg/simplefile/metrics"
	"github.com/tendant/simple-file/pkg/simplefile/pathgen"
	"github.com/tendant/simple-file/pkg/simplefile/repo/memory"
	repopg "github.com/tendant/simple-file/pkg/simplefile/repo/postgres"
	"github.com/tendant/simple-file/pkg/simplefile/repo/sqlite"
	fsstorage "github.com/tendant/simple-file/pkg/simplefile/storage/fs"
	memorystorage "github.com/tendant/simple-file/pkg/simplefile/storage/memory"
	s3storage "github.com/tendant/simple-file/pkg/simplefile/storage/s3"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:                  "8080",
		Environment:           "development",
		DatabaseType:          "memory",
		DefaultStorageBackend: "memory",
		StorageBackends: []StorageBackendConfig{
			{
				Name:   "memory",
				Type:   "memory",
				Config: map[string]interface{}{},
			},
		},
		PathStrategy:       "dated",
		LockType:           "local",
		EnableEventLogging: true,
		EnableMetrics:      true,
	}
}

// ServerConfig represents server configuration for the simple-file service
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// Database configuration
	DatabaseURL  string // Postgres URL, or the database file for sqlite
	DatabaseType string // "memory", "postgres", "sqlite"
	DBSchema     string // Postgres schema to use (default: search_path of the role)
	AutoMigrate  bool   // Apply the Postgres schema on startup

	// Storage configuration
	DefaultStorageBackend string
	StorageBackends       []StorageBackendConfig
	PathStrategy          string // "dated", "flat", "git-like"

	// Locking
	LockType string // "none", "local", "redis"
	RedisURL string

	// Server options
	EnableEventLogging bool
	EnableMetrics      bool
}

// StorageBackendConfig represents configuration for a storage backend
type StorageBackendConfig struct {
	Name   string
	Type   string // "memory", "fs", "s3"
	Config map[string]interface{}
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	switch c.DatabaseType {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database_url is required when using postgres")
		}
	case "sqlite":
		if c.DatabaseURL == "" {
			return errors.New("database_url must name the database file when using sqlite")
		}
	default:
		return errors.New("database_type must be 'memory', 'postgres' or 'sqlite'")
	}

	if _, err := pathgen.ParseStrategy(c.PathStrategy); err != nil {
		return err
	}

	switch c.LockType {
	case "", "none", "local":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("redis_url is required when using the redis lock")
		}
	default:
		return fmt.Errorf("unsupported lock type: %s", c.LockType)
	}

	// Ensure default storage backend exists in configured backends
	found := false
	for _, backend := range c.StorageBackends {
		if backend.Name == c.DefaultStorageBackend {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default storage backend '%s' not found in configured backends", c.DefaultStorageBackend)
	}

	return nil
}

// Built is a service together with the resources it owns.
type Built struct {
	Service simplefile.Service

	// Registry holds the service metrics when EnableMetrics is set
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	closers []func() error
}

// Close releases database pools and lock clients in reverse order of creation
func (b *Built) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// BuildService creates a Service instance from the server configuration.
// Resources it opens live as long as the process; use Build to close them.
func (c *ServerConfig) BuildService(ctx context.Context) (simplefile.Service, error) {
	built, err := c.Build(ctx)
	if err != nil {
		return nil, err
	}
	return built.Service, nil
}

// Build creates the service, its repository, blob stores, locker and metrics.
func (c *ServerConfig) Build(ctx context.Context, extra ...simplefile.Option) (*Built, error) {
	built := &Built{}
	var options []simplefile.Option

	fail := func(err error) (*Built, error) {
		_ = built.Close()
		return nil, err
	}

	// Set up repository
	repo, closeRepo, err := c.buildRepository(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to build repository: %w", err))
	}
	if closeRepo != nil {
		built.closers = append(built.closers, closeRepo)
	}
	options = append(options, simplefile.WithRepository(repo))

	// Set up storage backends
	strategy, err := pathgen.ParseStrategy(c.PathStrategy)
	if err != nil {
		return fail(err)
	}
	for _, backendConfig := range c.StorageBackends {
		store, err := c.buildStorageBackend(backendConfig, strategy)
		if err != nil {
			return fail(fmt.Errorf("failed to build storage backend %s: %w", backendConfig.Name, err))
		}
		options = append(options, simplefile.WithBlobStore(backendConfig.Name, store))
	}
	options = append(options, simplefile.WithDefaultBlobStore(c.DefaultStorageBackend))

	// Set up locker
	locker, closeLocker, err := c.buildLocker(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to build locker: %w", err))
	}
	if closeLocker != nil {
		built.closers = append(built.closers, closeLocker)
	}
	if locker != nil {
		options = append(options, simplefile.WithLocker(locker))
	}

	// Set up event sinks
	var sinks simplefile.MultiEventSink
	if c.EnableEventLogging {
		sinks = append(sinks, simplefile.NewLoggingEventSink(slog.Default()))
	}
	if c.EnableMetrics {
		built.Registry = prometheus.NewRegistry()
		built.Metrics, err = metrics.New(built.Registry)
		if err != nil {
			return fail(fmt.Errorf("failed to register metrics: %w", err))
		}
		sinks = append(sinks, built.Metrics)
	}
	if len(sinks) > 0 {
		options = append(options, simplefile.WithEventSink(sinks))
	}

	options = append(options, extra...)
	built.Service, err = simplefile.New(options...)
	if err != nil {
		return fail(err)
	}
	return built, nil
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context) (simplefile.Repository, func() error, error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), nil, nil
	case "sqlite":
		repo, err := sqlite.Open(c.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "postgres":
		pool, err := NewPostgresPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		closePool := func() error {
			pool.Close()
			return nil
		}
		if c.AutoMigrate {
			if err := repopg.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return repopg.NewWithPool(pool), closePool, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// NewPostgresPool opens a pgx pool, sets search_path to schema on every
// connection when schema is not empty, and verifies connectivity.
func NewPostgresPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

func (c *ServerConfig) buildLocker(ctx context.Context) (simplefile.Locker, func() error, error) {
	switch c.LockType {
	case "", "none":
		return nil, nil, nil
	case "local":
		return lock.NewLocal(), nil, nil
	case "redis":
		opts, err := goredis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		locker, err := redislock.New(ctx, redislock.Config{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return locker, locker.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock type: %s", c.LockType)
	}
}

// buildStorageBackend creates a BlobStore based on the backend configuration.
// The backend name doubles as the mount of the URIs it produces.
func (c *ServerConfig) buildStorageBackend(config StorageBackendConfig, strategy pathgen.Strategy) (simplefile.BlobStore, error) {
	switch config.Type {
	case "memory":
		return memorystorage.New(pathgen.New(config.Name,
			pathgen.WithStrategy(strategy),
			pathgen.WithBaseURI(getString(config.Config, "url_prefix", "")),
		)), nil

	case "fs":
		fsConfig := fsstorage.Config{
			BaseDir:  getString(config.Config, "base_dir", "./data/storage"),
			Mount:    config.Name,
			BaseURI:  getString(config.Config, "url_prefix", ""),
			Strategy: strategy,
		}
		return fsstorage.New(fsConfig)

	case "s3":
		s3Config := s3storage.Config{
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "use_path_style", false),
			PresignDuration:        getInt(config.Config, "presign_duration", 3600),
			Mount:                  config.Name,
			KeyPrefix:              getString(config.Config, "key_prefix", ""),
			BaseURI:                getString(config.Config, "url_prefix", ""),
			Strategy:               strategy,
			EnableSSE:              getBool(config.Config, "enable_sse", false),
			SSEAlgorithm:           getString(config.Config, "sse_algorithm", "AES256"),
			SSEKMSKeyID:            getString(config.Config, "sse_kms_key_id", ""),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket_if_not_exist", false),
		}
		return s3storage.New(s3Config)

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", config.Type)
	}
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}

func getInt(config map[string]interface{}, key string, defaultValue int) int {
	if value, exists := config[key]; exists {
		if i, ok := value.(int); ok {
			return i
		}
		if str, ok := value.(string); ok {
			if i, err := strconv.Atoi(str); err == nil {
				return i
			}
		}
		if f, ok := value.(float64); ok {
			return int(f)
		}
	}
	return defaultValue
}
