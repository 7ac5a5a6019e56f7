package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Server:
//   PORT - Server port (default: "8080")
//   ENVIRONMENT - Runtime environment (default: "development")
//
// Database:
//   DATABASE_URL - One of:
//                  - "memory" or empty - In-memory repository (default)
//                  - "postgresql://..." or "postgres://..." - Postgres
//                  - "sqlite:///path/to/files.db" - Embedded SQLite file
//   DB_SCHEMA - Postgres schema set as search_path
//   AUTO_MIGRATE - Apply the Postgres schema on startup
//
// Storage:
//   STORAGE_URL - Storage connection string (one of):
//                 - "memory://" - In-memory storage (default)
//                 - "file:///path/to/data" - Filesystem storage
//                 - "s3://bucket?region=us-east-1&endpoint=http://localhost:9000&prefix=files"
//   STORAGE_BASE_URI - Public URI files are served under
//   PATH_STRATEGY - "dated" (default), "flat" or "git-like"
//
// Locking and observability:
//   LOCK - "local" (default), "none" or "redis"
//   REDIS_URL - "redis://host:6379/0"; implies LOCK=redis when LOCK is unset
//   ENABLE_EVENT_LOGGING, ENABLE_METRICS - booleans
func WithEnv(prefix string) Option {
	return func(c *ServerConfig) error {
		if v, ok := lookupEnv(prefix, "PORT"); ok && v != "" {
			c.Port = v
		}
		if v, ok := lookupEnv(prefix, "ENVIRONMENT"); ok && v != "" {
			c.Environment = v
		}

		if err := applyDatabaseEnv(prefix, c); err != nil {
			return err
		}
		if err := applyStorageEnv(prefix, c); err != nil {
			return err
		}
		if v, ok := lookupEnv(prefix, "PATH_STRATEGY"); ok && v != "" {
			c.PathStrategy = v
		}
		if err := applyLockEnv(prefix, c); err != nil {
			return err
		}

		if v, ok, err := parseBoolEnv(prefix, "ENABLE_EVENT_LOGGING"); err != nil {
			return err
		} else if ok {
			c.EnableEventLogging = v
		}
		if v, ok, err := parseBoolEnv(prefix, "ENABLE_METRICS"); err != nil {
			return err
		} else if ok {
			c.EnableMetrics = v
		}

		return nil
	}
}

// applyDatabaseEnv applies database configuration from environment
func applyDatabaseEnv(prefix string, c *ServerConfig) error {
	if v, ok := lookupEnv(prefix, "DB_SCHEMA"); ok {
		c.DBSchema = v
	}
	if v, ok, err := parseBoolEnv(prefix, "AUTO_MIGRATE"); err != nil {
		return err
	} else if ok {
		c.AutoMigrate = v
	}

	dbURL, hasURL := lookupEnv(prefix, "DATABASE_URL")
	switch {
	case !hasURL || dbURL == "" || dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return fmt.Errorf("sqlite path cannot be empty in DATABASE_URL")
		}
		c.DatabaseType = "sqlite"
		c.DatabaseURL = path
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'postgresql://...' or 'sqlite://...')", dbURL)
	}
	return nil
}

// applyStorageEnv applies storage configuration from environment
func applyStorageEnv(prefix string, c *ServerConfig) error {
	storageURL, _ := lookupEnv(prefix, "STORAGE_URL")
	baseURI, _ := lookupEnv(prefix, "STORAGE_BASE_URI")

	var backend StorageBackendConfig
	switch {
	case storageURL == "" || storageURL == "memory" || storageURL == "memory://":
		backend = StorageBackendConfig{Name: "memory", Type: "memory", Config: map[string]interface{}{}}
	case strings.HasPrefix(storageURL, "file://"):
		path := strings.TrimPrefix(storageURL, "file://")
		if path == "" {
			return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
		}
		backend = StorageBackendConfig{Name: "fs", Type: "fs", Config: map[string]interface{}{"base_dir": path}}
	case strings.HasPrefix(storageURL, "s3://"):
		var err error
		if backend, err = s3BackendFromURL(storageURL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", storageURL)
	}

	if baseURI != "" {
		backend.Config["url_prefix"] = baseURI
	}
	c.DefaultStorageBackend = backend.Name
	c.StorageBackends = upsertStorageBackend(c.StorageBackends, backend)
	return nil
}

// s3BackendFromURL configures S3 storage from a URL.
// Format: s3://bucket?region=us-east-1&endpoint=http://localhost:9000&prefix=files
func s3BackendFromURL(raw string) (StorageBackendConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return StorageBackendConfig{}, fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	if u.Host == "" {
		return StorageBackendConfig{}, fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
	}

	backend := StorageBackendConfig{
		Name: "s3",
		Type: "s3",
		Config: map[string]interface{}{
			"bucket": u.Host,
			"region": "us-east-1",
		},
	}

	q := u.Query()
	if v := q.Get("region"); v != "" {
		backend.Config["region"] = v
	}
	if v := q.Get("endpoint"); v != "" {
		backend.Config["endpoint"] = v
		backend.Config["use_path_style"] = true
	}
	if v := q.Get("prefix"); v != "" {
		backend.Config["key_prefix"] = v
	}
	if v := q.Get("create_bucket"); v != "" {
		backend.Config["create_bucket_if_not_exist"] = v
	}

	// Check for AWS credentials in environment
	if accessKey, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && accessKey != "" {
		backend.Config["access_key_id"] = accessKey
	}
	if secretKey, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && secretKey != "" {
		backend.Config["secret_access_key"] = secretKey
	}
	if region, ok := os.LookupEnv("AWS_REGION"); ok && region != "" && q.Get("region") == "" {
		backend.Config["region"] = region
	}
	return backend, nil
}

// applyLockEnv applies locking configuration from environment
func applyLockEnv(prefix string, c *ServerConfig) error {
	if v, ok := lookupEnv(prefix, "REDIS_URL"); ok && v != "" {
		c.RedisURL = v
		c.LockType = "redis"
	}
	if v, ok := lookupEnv(prefix, "LOCK"); ok && v != "" {
		switch v {
		case "none", "local", "redis":
			c.LockType = v
		default:
			return fmt.Errorf("unsupported LOCK value: %s (use 'none', 'local' or 'redis')", v)
		}
	}
	return nil
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func parseBoolEnv(prefix, key string) (bool, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("invalid boolean for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func upsertStorageBackend(backends []StorageBackendConfig, backend StorageBackendConfig) []StorageBackendConfig {
	if backend.Config == nil {
		backend.Config = map[string]interface{}{}
	}
	for i := range backends {
		if backends[i].Name == backend.Name {
			backends[i] = backend
			return backends
		}
	}
	return append(backends, backend)
}
