package kv

import (
	"context"
	"errors"

	"crportal/api/internal/logging"
)

// Lookup reads key and reports whether a value was found. Any Get failure,
// including transport errors, is treated as absence; non-NotFound errors are
// logged so the ambiguity stays visible. This is the only place where that
// collapse happens.
func Lookup(ctx context.Context, s Store, key string) (string, bool) {
	value, err := s.Get(ctx, key)
	if err == nil {
		return value, true
	}
	if !errors.Is(err, ErrNotFound) {
		logging.FromContext(ctx).WithError(err).WithField("key", key).Warn("kv: get failed, treating as absent")
	}
	return "", false
}
