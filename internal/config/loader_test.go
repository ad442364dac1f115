package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func unsetAllocatorEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, EnvPrefix) {
			t.Setenv(key, "")
			if err := os.Unsetenv(key); err != nil {
				t.Fatalf("failed to unset %s: %v", key, err)
			}
		}
	}
}

func TestLoader_ParseEnvironment(t *testing.T) {

	t.Run("applies defaults when variables are missing", func(t *testing.T) {
		unsetAllocatorEnv(t)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}

		if cfg.HTTPPort != 8080 {
			t.Fatalf("expected default HTTP port 8080, got %d", cfg.HTTPPort)
		}
		if cfg.DatabasePath != "" {
			t.Fatalf("expected in-memory storage by default, got %q", cfg.DatabasePath)
		}
		if cfg.LockBackend != "local" || cfg.PromotionPolicy != PolicyFullDuration {
			t.Fatalf("unexpected defaults: %+v", cfg)
		}
		if cfg.ClaimWindow != 15*time.Minute || cfg.MaxBookRetries != 3 {
			t.Fatalf("unexpected timing defaults: %+v", cfg)
		}
		if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
			t.Fatalf("unexpected logging defaults: %q %q", cfg.LogLevel, cfg.LogFormat)
		}
		if cfg.Location().String() != "Asia/Tokyo" {
			t.Fatalf("expected Asia/Tokyo location, got %s", cfg.Location())
		}
	})

	t.Run("errors when redis lock has no address", func(t *testing.T) {
		unsetAllocatorEnv(t)
		t.Setenv("ALLOCATOR_LOCK_BACKEND", "redis")

		_, err := Load()
		if err == nil {
			t.Fatalf("expected error when required values are missing")
		}
		expected := "必須の環境変数が設定されていません: ALLOCATOR_REDIS_ADDR"
		if err.Error() != expected {
			t.Fatalf("unexpected error message: %q", err.Error())
		}
	})

	t.Run("reports every invalid value", func(t *testing.T) {
		unsetAllocatorEnv(t)
		t.Setenv("ALLOCATOR_PROMOTION_POLICY", "greedy")
		t.Setenv("ALLOCATOR_TIME_ZONE", "Mars/Olympus")
		t.Setenv("ALLOCATOR_HTTP_PORT", "70000")
		t.Setenv("ALLOCATOR_LOG_LEVEL", "chatty")
		t.Setenv("ALLOCATOR_LOG_FORMAT", "xml")

		_, err := Load()
		if err == nil {
			t.Fatal("expected error for invalid values")
		}
		for _, key := range []string{"ALLOCATOR_PROMOTION_POLICY", "ALLOCATOR_TIME_ZONE", "ALLOCATOR_HTTP_PORT", "ALLOCATOR_LOG_LEVEL", "ALLOCATOR_LOG_FORMAT"} {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected %s in %q", key, err.Error())
			}
		}
	})

	t.Run("rejects unparsable values", func(t *testing.T) {
		unsetAllocatorEnv(t)
		t.Setenv("ALLOCATOR_CLAIM_WINDOW", "soon")

		if _, err := Load(); err == nil || !strings.HasPrefix(err.Error(), "環境変数の値が不正です") {
			t.Fatalf("expected invalid value error, got %v", err)
		}
	})

	t.Run("parses duration and numeric fields", func(t *testing.T) {
		unsetAllocatorEnv(t)
		t.Setenv("ALLOCATOR_HTTP_PORT", "9090")
		t.Setenv("ALLOCATOR_DATABASE_PATH", "/tmp/allocator.db")
		t.Setenv("ALLOCATOR_CLAIM_WINDOW", "5m")
		t.Setenv("ALLOCATOR_MAX_BOOK_RETRIES", "5")
		t.Setenv("ALLOCATOR_PROMOTION_POLICY", "partial-capacity")
		t.Setenv("ALLOCATOR_LOCK_BACKEND", "redis")
		t.Setenv("ALLOCATOR_REDIS_ADDR", "localhost:6379")
		t.Setenv("ALLOCATOR_TRACING_ENABLED", "true")
		t.Setenv("ALLOCATOR_TIME_ZONE", "UTC")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}

		if cfg.HTTPPort != 9090 || cfg.DatabasePath != "/tmp/allocator.db" {
			t.Fatalf("unexpected values: %+v", cfg)
		}
		if cfg.ClaimWindow != 5*time.Minute {
			t.Fatalf("expected claim window 5m, got %s", cfg.ClaimWindow)
		}
		if cfg.MaxBookRetries != 5 || cfg.PromotionPolicy != PolicyPartialCapacity {
			t.Fatalf("unexpected policy values: %+v", cfg)
		}
		if !cfg.TracingEnabled || cfg.RedisAddr != "localhost:6379" {
			t.Fatalf("unexpected backend values: %+v", cfg)
		}
		if cfg.Location() != time.UTC {
			t.Fatalf("expected UTC, got %s", cfg.Location())
		}
	})

	t.Run("reads the env file without overriding the environment", func(t *testing.T) {
		unsetAllocatorEnv(t)
		path := filepath.Join(t.TempDir(), "allocator.env")
		content := "ALLOCATOR_HTTP_PORT=7070\nALLOCATOR_AMQP_QUEUE=from-file\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write env file: %v", err)
		}
		t.Setenv("ALLOCATOR_ENV_FILE", path)
		t.Setenv("ALLOCATOR_HTTP_PORT", "6060")
		t.Cleanup(func() { _ = os.Unsetenv("ALLOCATOR_AMQP_QUEUE") })

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load returned error: %v", err)
		}
		if cfg.HTTPPort != 6060 {
			t.Fatalf("expected environment to win, got %d", cfg.HTTPPort)
		}
		if cfg.AMQPQueue != "from-file" {
			t.Fatalf("expected queue from env file, got %q", cfg.AMQPQueue)
		}
	})

	t.Run("fails when the named env file is missing", func(t *testing.T) {
		unsetAllocatorEnv(t)
		t.Setenv("ALLOCATOR_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

		if _, err := Load(); err == nil {
			t.Fatal("expected error for missing env file")
		}
	})
}
