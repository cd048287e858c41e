// Package kv provides the string key-value storage used for every portal
// record, with shared (Redis, PostgreSQL, S3) and local (SQLite, memory)
// backends behind one interface.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Scope tells whether a backend is visible to every client or only to this process/host.
type Scope string

const (
	ScopeShared Scope = "shared"
	ScopeLocal  Scope = "local"
)

// Store is the storage contract shared by all backends. Values are opaque
// strings; callers encode and decode them.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend is an opened store together with where it lives.
type Backend interface {
	Store
	Name() string
	Scope() Scope
}
