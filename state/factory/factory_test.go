package factory

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFromEnv_SQLite(t *testing.T) {
	t.Setenv("STATE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("REDIS_ADDR", "")

	b, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv sqlite failed: %v", err)
	}
	defer b.Close()
	if b.Store == nil {
		t.Fatalf("expected sqlite store")
	}
	if b.Notifier != nil || b.NotifierErr != nil {
		t.Fatalf("expected no notifier without REDIS_ADDR")
	}
}

func TestFromEnv_FallsBackWhenRedisUnavailable(t *testing.T) {
	t.Setenv("STATE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")

	b, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv failed unexpectedly: %v", err)
	}
	defer b.Close()
	if b.Notifier != nil || b.NotifierErr == nil {
		t.Fatalf("expected polling fallback with a recorded notifier error")
	}
}

func TestOpen_PostgresRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "postgres"}); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestFromEnv_InvalidBackend(t *testing.T) {
	t.Setenv("STATE_BACKEND", "nope")
	if _, err := FromEnv(context.Background()); err == nil {
		t.Fatalf("expected invalid backend error")
	}
}
