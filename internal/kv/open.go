package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crportal/api/internal/logging"
)

// Config selects and parameterises the backends Open may use.
type Config struct {
	// Backend is the shared backend to try: redis, postgres, s3 or none.
	Backend        string
	ConnectTimeout time.Duration

	RedisURL       string
	RedisNamespace string

	DatabaseURL   string
	MigrationsDir string

	Object ObjectConfig

	// LocalPath enables the SQLite fallback. Empty means memory.
	LocalPath string
}

// Open connects to the configured shared backend and falls back to a local one when
// it cannot be reached. The returned backend is meant to be kept for the
// lifetime of the process.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	log := logging.FromContext(ctx)
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))

	if name != "" && name != "none" && name != "local" {
		shared, err := openShared(ctx, name, cfg)
		if err == nil {
			log.WithFields(logrus.Fields{"backend": shared.Name(), "scope": shared.Scope()}).Info("kv: using shared store")
			return shared, nil
		}
		log.WithError(err).WithField("backend", name).Warn("kv: shared store unavailable, falling back to local store")
	}

	local, err := openLocal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"backend": local.Name(), "scope": local.Scope()}).Info("kv: using local store")
	return local, nil
}

func openShared(ctx context.Context, name string, cfg Config) (Backend, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch name {
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis backend: REDIS_URL is empty")
		}
		return NewRedisStore(dialCtx, cfg.RedisURL, cfg.RedisNamespace)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres backend: DATABASE_URL is empty")
		}
		db, err := OpenPostgres(dialCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := ApplyMigrations(dialCtx, db, Migrations(cfg.MigrationsDir)); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewPostgresStore(db), nil
	case "s3":
		if cfg.Object.Endpoint == "" || cfg.Object.Bucket == "" {
			return nil, fmt.Errorf("s3 backend: endpoint and bucket are required")
		}
		return NewObjectStore(dialCtx, cfg.Object)
	default:
		return nil, fmt.Errorf("unknown store backend %q", name)
	}
}

func openLocal(ctx context.Context, cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.LocalPath) == "" {
		return NewMemoryStore(), nil
	}
	store, err := OpenSQLite(ctx, cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return store, nil
}
