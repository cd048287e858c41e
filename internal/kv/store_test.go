package kv

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "user:nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	entries := map[string]string{
		"cr:list":            `["CR-2","CR-1"]`,
		"cr:CR-1":            `{"id":"CR-1"}`,
		"cr:CR-2":            `{"id":"CR-2"}`,
		"cr:CR-1:document":   `{"name":"a.docx"}`,
		"user:a@example.com": `{"email":"a@example.com"}`,
	}
	for key, value := range entries {
		if err := s.Set(ctx, key, value); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}

	got, err := s.Get(ctx, "cr:CR-1")
	if err != nil || got != `{"id":"CR-1"}` {
		t.Fatalf("Get(cr:CR-1) = %q, %v", got, err)
	}

	if err := s.Set(ctx, "cr:CR-1", `{"id":"CR-1","status":"Approved"}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "cr:CR-1")
	if got != `{"id":"CR-1","status":"Approved"}` {
		t.Fatalf("overwrite not visible, got %q", got)
	}

	keys, err := s.List(ctx, "cr:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"cr:CR-1", "cr:CR-1:document", "cr:CR-2", "cr:list"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("List(cr:) = %v, want %v", keys, want)
	}

	keys, err = s.List(ctx, "session:")
	if err != nil {
		t.Fatalf("List empty prefix: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}

	if err := s.Delete(ctx, "cr:CR-2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "cr:CR-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}
	if err := s.Delete(ctx, "cr:CR-2"); err != nil {
		t.Fatalf("deleting a missing key should succeed, got %v", err)
	}

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	if s.Scope() != ScopeLocal {
		t.Fatalf("memory store should be local, got %s", s.Scope())
	}
	snap := s.Snapshot()
	snap["cr:list"] = "mutated"
	if v, _ := s.Get(context.Background(), "cr:list"); v == "mutated" {
		t.Fatal("Snapshot must return a copy")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "crportal:")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s)

	if !mr.Exists("crportal:cr:list") {
		t.Fatal("expected keys to be written under the namespace")
	}
	if s.Scope() != ScopeShared {
		t.Fatalf("redis store should be shared, got %s", s.Scope())
	}
}

func TestRedisStoreListEscapesGlobCharacters(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "cr:A*", "1")
	_ = s.Set(ctx, "cr:AB", "2")

	keys, err := s.List(ctx, "cr:A*")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"cr:A*"}) {
		t.Fatalf("expected literal match only, got %v", keys)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedisStore(context.Background(), "redis://"+addr, ""); err == nil {
		t.Fatal("expected error connecting to a stopped server")
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "user:a@example.com")
	if err != nil || got != `{"email":"a@example.com"}` {
		t.Fatalf("value did not survive reopen: %q, %v", got, err)
	}
}
