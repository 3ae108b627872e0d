// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mobiletoly/go-docsync/internal/auth"
)

// Backend is the document store served over HTTP. Both Store and MemoryStore implement it.
type Backend interface {
	SchemaVersion(ctx context.Context) (int, error)
	ListDocuments(ctx context.Context, userID, collection string, since time.Time) (*ListResult, error)
	GetDocument(ctx context.Context, userID, collection, docID string) (*Document, error)
	Commit(ctx context.Context, userID string, writes []Write) (*CommitResult, error)
	MaxBatchSize() int
}

// HTTPHandlers exposes a Backend as a JSON REST API. Routes expect the request identity
// set by JWTAuth.Middleware.
type HTTPHandlers struct {
	backend Backend
	logger  *slog.Logger
}

// NewHTTPHandlers creates a new instance of document handlers
func NewHTTPHandlers(backend Backend, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		backend: backend,
		logger:  logger,
	}
}

// Register mounts the API routes on mux, wrapping each with mw when it is not nil
func (h *HTTPHandlers) Register(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	wrap := func(f http.HandlerFunc) http.Handler {
		if mw == nil {
			return f
		}
		return mw(f)
	}
	mux.Handle("GET /v1/schema", wrap(h.HandleSchemaVersion))
	mux.Handle("GET /v1/collections/{collection}", wrap(h.HandleList))
	mux.Handle("GET /v1/collections/{collection}/{id}", wrap(h.HandleGet))
	mux.Handle("POST /v1/commit", wrap(h.HandleCommit))
}

func (h *HTTPHandlers) identity(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, okUser := auth.GetUserID(r.Context())
	deviceID, okDevice := auth.GetDeviceID(r.Context())
	if !okUser || !okDevice {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "request carries no authenticated identity")
		return "", "", false
	}
	return userID, deviceID, true
}

// HandleSchemaVersion returns the published schema version
func (h *HTTPHandlers) HandleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.backend.SchemaVersion(r.Context())
	if err != nil {
		h.writeBackendError(w, err, "schema_failed")
		return
	}
	h.writeJSON(w, SchemaVersionResponse{Version: version, MaxBatchSize: h.backend.MaxBatchSize()})
}

// HandleList returns documents of a collection, optionally since an RFC3339 timestamp
func (h *HTTPHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		var err error
		if since, err = time.Parse(time.RFC3339Nano, s); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC3339 timestamp")
			return
		}
	}

	collection := r.PathValue("collection")
	result, err := h.backend.ListDocuments(r.Context(), userID, collection, since)
	if err != nil {
		h.logger.Error("Failed to list documents", "error", err, "user_id", userID, "collection", collection)
		h.writeBackendError(w, err, "list_failed")
		return
	}
	h.writeJSON(w, result)
}

// HandleGet returns a single document
func (h *HTTPHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	doc, err := h.backend.GetDocument(r.Context(), userID, r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		h.writeBackendError(w, err, "get_failed")
		return
	}
	h.writeJSON(w, doc)
}

// HandleCommit applies a batch of writes atomically
func (h *HTTPHandlers) HandleCommit(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req CommitRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse commit request")
		return
	}

	result, err := h.backend.Commit(r.Context(), userID, req.Writes)
	if err != nil {
		h.logger.Error("Failed to commit", "error", err, "user_id", userID, "device_id", deviceID, "writes", len(req.Writes))
		h.writeBackendError(w, err, "commit_failed")
		return
	}
	h.writeJSON(w, result)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeBackendError(w http.ResponseWriter, err error, fallbackCode string) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, fallbackCode, "Internal error")
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
