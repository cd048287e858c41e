package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"crportal/api/internal/metrics"
)

func TestOpenUsesSharedBackendWhenReachable(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), Config{Backend: "redis", RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if b.Name() != "redis" || b.Scope() != ScopeShared {
		t.Fatalf("expected shared redis backend, got %s/%s", b.Name(), b.Scope())
	}
}

func TestOpenFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	deadAddr := mr.Addr()
	mr.Close()

	tests := []struct {
		name      string
		cfg       Config
		wantName  string
		wantScope Scope
	}{
		{
			name:      "unreachable redis to memory",
			cfg:       Config{Backend: "redis", RedisURL: "redis://" + deadAddr, ConnectTimeout: time.Second},
			wantName:  "memory",
			wantScope: ScopeLocal,
		},
		{
			name:      "unreachable redis to sqlite",
			cfg:       Config{Backend: "redis", RedisURL: "redis://" + deadAddr, ConnectTimeout: time.Second, LocalPath: filepath.Join(t.TempDir(), "local.db")},
			wantName:  "sqlite",
			wantScope: ScopeLocal,
		},
		{
			name:      "postgres without url",
			cfg:       Config{Backend: "postgres"},
			wantName:  "memory",
			wantScope: ScopeLocal,
		},
		{
			name:      "s3 without bucket",
			cfg:       Config{Backend: "s3", Object: ObjectConfig{Endpoint: "localhost:9000"}},
			wantName:  "memory",
			wantScope: ScopeLocal,
		},
		{
			name:      "local only",
			cfg:       Config{Backend: "none"},
			wantName:  "memory",
			wantScope: ScopeLocal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Open(context.Background(), tt.cfg)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer b.Close()
			if b.Name() != tt.wantName || b.Scope() != tt.wantScope {
				t.Fatalf("got %s/%s, want %s/%s", b.Name(), b.Scope(), tt.wantName, tt.wantScope)
			}
		})
	}
}

func TestInstrumentCountsResults(t *testing.T) {
	b := Instrument(NewMemoryStore())
	if Instrument(b) != b {
		t.Fatal("Instrument should not wrap twice")
	}
	ctx := context.Background()

	okBefore := testutil.ToFloat64(metrics.StorageOps.WithLabelValues("memory", "get", "ok"))
	missBefore := testutil.ToFloat64(metrics.StorageOps.WithLabelValues("memory", "get", "not_found"))

	_ = b.Set(ctx, "cr:list", "[]")
	_, _ = b.Get(ctx, "cr:list")
	_, _ = b.Get(ctx, "cr:missing")

	if got := testutil.ToFloat64(metrics.StorageOps.WithLabelValues("memory", "get", "ok")) - okBefore; got != 1 {
		t.Fatalf("ok gets = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StorageOps.WithLabelValues("memory", "get", "not_found")) - missBefore; got != 1 {
		t.Fatalf("not_found gets = %v, want 1", got)
	}
	if b.Name() != "memory" || b.Scope() != ScopeLocal {
		t.Fatal("instrumented backend should keep name and scope")
	}
}
