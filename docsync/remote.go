// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mobiletoly/go-docsync/docserver"
)

// RemoteStore is the cloud document store the engine synchronizes with.
// docserver.Store, docserver.MemoryStore and HTTPRemote implement it.
type RemoteStore interface {
	SchemaVersion(ctx context.Context) (int, error)
	ListDocuments(ctx context.Context, userID, collection string, since time.Time) (*docserver.ListResult, error)
	GetDocument(ctx context.Context, userID, collection, docID string) (*docserver.Document, error)
	Commit(ctx context.Context, userID string, writes []docserver.Write) (*docserver.CommitResult, error)
	MaxBatchSize() int
}

// HTTPRemote talks to the docserver REST API. The user is taken from the bearer token
// on the server side, so userID arguments are only used for logging.
type HTTPRemote struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error) // returns JWT
	HTTP    *http.Client

	mu       sync.Mutex
	maxBatch int
}

// NewHTTPRemote creates a client for the document store at baseURL
func NewHTTPRemote(baseURL string, tok func(ctx context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// MaxBatchSize returns the commit limit reported by the last schema call
func (r *HTTPRemote) MaxBatchSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxBatch > 0 {
		return r.maxBatch
	}
	return docserver.DefaultMaxBatchSize
}

func (r *HTTPRemote) SchemaVersion(ctx context.Context) (int, error) {
	var resp docserver.SchemaVersionResponse
	if err := r.do(ctx, http.MethodGet, "/v1/schema", nil, &resp); err != nil {
		return 0, err
	}
	if resp.MaxBatchSize > 0 {
		r.mu.Lock()
		r.maxBatch = resp.MaxBatchSize
		r.mu.Unlock()
	}
	return resp.Version, nil
}

func (r *HTTPRemote) ListDocuments(ctx context.Context, _ string, collection string, since time.Time) (*docserver.ListResult, error) {
	path := "/v1/collections/" + url.PathEscape(collection)
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var resp docserver.ListResult
	if err := r.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) GetDocument(ctx context.Context, _ string, collection, docID string) (*docserver.Document, error) {
	path := "/v1/collections/" + url.PathEscape(collection) + "/" + url.PathEscape(docID)
	var resp docserver.Document
	if err := r.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) Commit(ctx context.Context, _ string, writes []docserver.Write) (*docserver.CommitResult, error) {
	var resp docserver.CommitResult
	if err := r.do(ctx, http.MethodPost, "/v1/commit", docserver.CommitRequest{Writes: writes}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps a non-200 response to the docserver error taxonomy
func statusError(resp *http.Response) error {
	var e docserver.ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(b, &e) != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(b))
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", docserver.ErrInvalidArgument, e.Message)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", docserver.ErrNotFound, e.Message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %s", e.Message)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, e.Message))
	default:
		return fmt.Errorf("http %d: %s", resp.StatusCode, e.Message)
	}
}
