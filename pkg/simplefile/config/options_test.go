package config

import (
	"testing"
)

func TestWithPort(t *testing.T) {
	cfg, err := Load(WithPort("9090"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got: %s", cfg.Port)
	}
}

func TestWithPortEmpty(t *testing.T) {
	_, err := Load(WithPort(""))
	if err == nil {
		t.Error("expected error for empty port, got nil")
	}
}

func TestWithDatabase(t *testing.T) {
	tests := []struct {
		name      string
		dbType    string
		url       string
		wantError bool
	}{
		{"memory valid", "memory", "", false},
		{"postgres valid", "postgres", "postgresql://localhost/test", false},
		{"postgres missing url", "postgres", "", true},
		{"sqlite valid", "sqlite", "/tmp/files.db", false},
		{"sqlite missing path", "sqlite", "", true},
		{"invalid type", "mysql", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(WithDatabase(tt.dbType, tt.url))
			if tt.wantError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if cfg.DatabaseType != tt.dbType {
				t.Errorf("expected database type %s, got: %s", tt.dbType, cfg.DatabaseType)
			}
			if cfg.DatabaseURL != tt.url {
				t.Errorf("expected database URL %s, got: %s", tt.url, cfg.DatabaseURL)
			}
		})
	}
}

func TestWithFilesystemStorage(t *testing.T) {
	cfg, err := Load(
		WithFilesystemStorage("", "./data", "https://cdn.example.com/files"),
		WithDefaultStorage("fs"),
	)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	var found *StorageBackendConfig
	for i := range cfg.StorageBackends {
		if cfg.StorageBackends[i].Name == "fs" {
			found = &cfg.StorageBackends[i]
		}
	}
	if found == nil {
		t.Fatal("expected fs backend to be added")
	}
	if found.Config["base_dir"] != "./data" {
		t.Errorf("expected base_dir ./data, got: %v", found.Config["base_dir"])
	}
	if found.Config["url_prefix"] != "https://cdn.example.com/files" {
		t.Errorf("expected url_prefix, got: %v", found.Config["url_prefix"])
	}
}

func TestWithFilesystemStorageEmptyDir(t *testing.T) {
	_, err := Load(WithFilesystemStorage("fs", "", ""))
	if err == nil {
		t.Error("expected error for empty base dir, got nil")
	}
}

func TestWithS3SettingsMerge(t *testing.T) {
	cfg, err := Load(
		WithS3Storage("", "bucket", ""),
		WithS3Credentials("", "key", "secret"),
		WithS3Endpoint("", "http://localhost:9000", true),
		WithS3KeyPrefix("", "files"),
	)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	var s3Backends []StorageBackendConfig
	for _, b := range cfg.StorageBackends {
		if b.Type == "s3" {
			s3Backends = append(s3Backends, b)
		}
	}
	if len(s3Backends) != 1 {
		t.Fatalf("expected one s3 backend, got: %d", len(s3Backends))
	}
	got := s3Backends[0].Config
	want := map[string]interface{}{
		"bucket":            "bucket",
		"region":            "us-east-1",
		"access_key_id":     "key",
		"secret_access_key": "secret",
		"endpoint":          "http://localhost:9000",
		"use_path_style":    true,
		"key_prefix":        "files",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("expected %s=%v, got: %v", k, v, got[k])
		}
	}
}

func TestWithDefaultStorageMissing(t *testing.T) {
	_, err := Load(WithDefaultStorage("nope"))
	if err == nil {
		t.Error("expected error for unknown default storage, got nil")
	}
}

func TestWithPathStrategy(t *testing.T) {
	for _, name := range []string{"dated", "flat", "git-like"} {
		cfg, err := Load(WithPathStrategy(name))
		if err != nil {
			t.Fatalf("expected no error for %s, got: %v", name, err)
		}
		if cfg.PathStrategy != name {
			t.Errorf("expected strategy %s, got: %s", name, cfg.PathStrategy)
		}
	}

	if _, err := Load(WithPathStrategy("random")); err == nil {
		t.Error("expected error for unknown strategy, got nil")
	}
}

func TestWithLocker(t *testing.T) {
	if _, err := Load(WithLocker("bogus")); err == nil {
		t.Error("expected error for unknown lock type, got nil")
	}
	if _, err := Load(WithLocker("redis")); err == nil {
		t.Error("expected error for redis lock without URL, got nil")
	}

	cfg, err := Load(WithRedisLock("redis://localhost:6379/0"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.LockType != "redis" || cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("unexpected lock config: %s %s", cfg.LockType, cfg.RedisURL)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg, err := Load(WithPort("1"), WithEventLogging(false), WithDefaults())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "8080" || !cfg.EnableEventLogging {
		t.Errorf("expected defaults to be restored, got port %s logging %v", cfg.Port, cfg.EnableEventLogging)
	}
}
