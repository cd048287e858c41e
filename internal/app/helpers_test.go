package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"crportal/api/internal/history"
	"crportal/api/internal/kv"
)

const testPassword = "Secret123"

// pingFailingStore is a memory backend whose health check fails.
type pingFailingStore struct {
	*kv.MemoryStore
}

func (pingFailingStore) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	service *Service
	server  *HTTPServer
	handler http.Handler
	store   *kv.MemoryStore
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	store := kv.NewMemoryStore()
	return newTestEnvWithBackend(t, store, store, opts...)
}

func newTestEnvWithBackend(t *testing.T, backend kv.Backend, mem *kv.MemoryStore, opts ...ServerOption) *testEnv {
	t.Helper()
	return buildTestEnv(t, backend, mem, Options{}, opts...)
}

func newTestEnvWithHistory(t *testing.T) *testEnv {
	t.Helper()
	repo, err := history.Open(t.TempDir())
	require.NoError(t, err)
	store := kv.NewMemoryStore()
	return buildTestEnv(t, store, store, Options{History: repo})
}

func buildTestEnv(t *testing.T, backend kv.Backend, mem *kv.MemoryStore, svcOpts Options, opts ...ServerOption) *testEnv {
	t.Helper()
	svcOpts.TokenSecret = "test-secret"
	svcOpts.HashCost = bcrypt.MinCost
	svc := New(backend, svcOpts)
	t.Cleanup(func() { _ = svc.Close() })

	logger, _ := test.NewNullLogger()
	opts = append([]ServerOption{WithLogger(logrus.NewEntry(logger))}, opts...)
	server := NewHTTPServer(svc, "*", opts...)
	return &testEnv{service: svc, server: server, handler: server.Handler(), store: mem}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) register(t *testing.T, email, fullName, role string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"fullName":        fullName,
		"email":           email,
		"password":        testPassword,
		"confirmPassword": testPassword,
		"role":            role,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": email, "password": testPassword})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var payload LoginResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.NotEmpty(t, payload.Token)
	return payload.Token
}

func (e *testEnv) signIn(t *testing.T, email, fullName, role string) string {
	t.Helper()
	e.register(t, email, fullName, role)
	return e.login(t, email)
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	return payload
}
