// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testAPI struct {
	server *httptest.Server
	token  string
	store  *MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	store := NewMemoryStore(2)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mux := http.NewServeMux()
	NewHTTPHandlers(store, logger).Register(mux, jwtAuth.Middleware)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)
	return &testAPI{server: server, token: token, store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPHandlers_SchemaVersion(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodGet, "/v1/schema", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body SchemaVersionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 2, body.Version)
	require.Equal(t, DefaultMaxBatchSize, body.MaxBatchSize)

	api.store.ClearSchemaVersion()
	resp = api.do(t, http.MethodGet, "/v1/schema", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHandlers_CommitListGet(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/v1/commit", CommitRequest{Writes: []Write{
		SetWrite("products", "p-1", map[string]any{"name": "Paneer", "stock": 10}),
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var commit CommitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&commit))
	require.Equal(t, 1, commit.Count)
	require.False(t, commit.CommitTime.IsZero())

	resp = api.do(t, http.MethodGet, "/v1/collections/products", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Documents, 1)
	require.Equal(t, "p-1", list.Documents[0].ID)
	require.Equal(t, "Paneer", list.Documents[0].Data["name"])

	since := url.QueryEscape(list.ReadTime.Format(time.RFC3339Nano))
	resp = api.do(t, http.MethodGet, "/v1/collections/products?since="+since, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty ListResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	require.Empty(t, empty.Documents)

	resp = api.do(t, http.MethodGet, "/v1/collections/products/p-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, "p-1", doc.ID)

	resp = api.do(t, http.MethodGet, "/v1/collections/products/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHandlers_BadRequests(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodGet, "/v1/collections/products?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/v1/commit", CommitRequest{Writes: []Write{{Op: "patch", Collection: "products", DocID: "1"}}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.Equal(t, "invalid_argument", e.Error)

	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/v1/schema", nil)
	require.NoError(t, err)
	unauth, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer unauth.Body.Close()
	require.Equal(t, http.StatusUnauthorized, unauth.StatusCode)
}

func TestHTTPHandlers_RequireIdentity(t *testing.T) {
	mux := http.NewServeMux()
	NewHTTPHandlers(NewMemoryStore(1), slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux, nil)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/v1/collections/products")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The schema route carries no user data
	schema, err := http.Get(server.URL + "/v1/schema")
	require.NoError(t, err)
	defer schema.Body.Close()
	require.Equal(t, http.StatusOK, schema.StatusCode)
}
