package kv

import (
	"context"
	"errors"
	"time"

	"crportal/api/internal/metrics"
)

type instrumented struct {
	Backend
}

// Instrument records Prometheus metrics for every call made through b.
func Instrument(b Backend) Backend {
	if _, ok := b.(*instrumented); ok {
		return b
	}
	return &instrumented{Backend: b}
}

func (s *instrumented) observe(op string, started time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.ObserveStorage(s.Backend.Name(), op, result, time.Since(started))
}

func (s *instrumented) Get(ctx context.Context, key string) (string, error) {
	started := time.Now()
	value, err := s.Backend.Get(ctx, key)
	s.observe("get", started, err)
	return value, err
}

func (s *instrumented) Set(ctx context.Context, key, value string) error {
	started := time.Now()
	err := s.Backend.Set(ctx, key, value)
	s.observe("set", started, err)
	return err
}

func (s *instrumented) Delete(ctx context.Context, key string) error {
	started := time.Now()
	err := s.Backend.Delete(ctx, key)
	s.observe("delete", started, err)
	return err
}

func (s *instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	started := time.Now()
	keys, err := s.Backend.List(ctx, prefix)
	s.observe("list", started, err)
	return keys, err
}
